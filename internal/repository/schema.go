package repository

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL of the reservation, event history and outbox tables.
//
//go:embed schema.sql
var Schema string

// ApplySchema creates the tables if they do not exist. Intended for tests and local setups;
// production schemas are managed outside this module.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
