// Package adapter provides implementations of the core's ports: in-process ones for
// tests and single-process runs, and Redis-backed ones shared by every process.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

// MemoryPaymentGateway implements port.PaymentGateway in memory.
type MemoryPaymentGateway struct {
	mu       sync.Mutex
	payments map[string]*port.Payment
	refunds  map[string]*port.Refund
	now      func() time.Time
}

var _ port.PaymentGateway = (*MemoryPaymentGateway)(nil)

// NewMemoryPaymentGateway creates an empty gateway.
func NewMemoryPaymentGateway() *MemoryPaymentGateway {
	return &MemoryPaymentGateway{
		payments: make(map[string]*port.Payment),
		refunds:  make(map[string]*port.Refund),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreatePaymentIntent records an uncaptured payment.
func (g *MemoryPaymentGateway) CreatePaymentIntent(ctx context.Context, req *port.PaymentIntentRequest) (*port.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.ReservationID == "" {
		return nil, fmt.Errorf("%w: reservation id is required", model.ErrValidation)
	}

	ref := "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	g.Seed(&port.Payment{
		PaymentReference: ref,
		ReservationID:    req.ReservationID,
		Amount:           req.Amount,
		Status:           port.PaymentStatusRequiresConfirmation,
	})

	return &port.PaymentIntent{PaymentReference: ref, Amount: req.Amount, Status: port.PaymentStatusRequiresConfirmation}, nil
}

// Seed registers a payment directly.
func (g *MemoryPaymentGateway) Seed(p *port.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *p
	g.payments[p.PaymentReference] = &copied
}

// ConfirmPayment captures a payment. Capturing twice returns the captured payment.
func (g *MemoryPaymentGateway) ConfirmPayment(ctx context.Context, paymentReference string) (*port.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[paymentReference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", port.ErrPaymentNotFound, paymentReference)
	}
	if p.Status == port.PaymentStatusRequiresConfirmation {
		at := g.now()
		p.Status = port.PaymentStatusSucceeded
		p.ConfirmedAt = &at
	}

	copied := *p
	return &copied, nil
}

// ProcessRefund refunds a captured payment once per idempotency key.
func (g *MemoryPaymentGateway) ProcessRefund(ctx context.Context, req *port.RefundRequest) (*port.Refund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		copied := *existing
		return &copied, nil
	}

	p, ok := g.payments[req.PaymentReference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", port.ErrPaymentNotFound, req.PaymentReference)
	}
	if p.Status != port.PaymentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment %s is %s and cannot be refunded", model.ErrInvalidStateTransition, p.PaymentReference, p.Status)
	}
	if more, err := req.Amount.GreaterThan(p.Amount); err != nil {
		return nil, err
	} else if more {
		return nil, fmt.Errorf("%w: refund %s exceeds payment %s", model.ErrValidation, req.Amount, p.Amount)
	}

	refund := &port.Refund{
		RefundID:         "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		PaymentReference: req.PaymentReference,
		Amount:           req.Amount,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedAt:        g.now(),
	}
	p.Status = port.PaymentStatusRefunded
	g.refunds[req.IdempotencyKey] = refund

	copied := *refund
	return &copied, nil
}

// GetPayment returns a payment by reference.
func (g *MemoryPaymentGateway) GetPayment(ctx context.Context, paymentReference string) (*port.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[paymentReference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", port.ErrPaymentNotFound, paymentReference)
	}
	copied := *p
	return &copied, nil
}

// FindRefund returns the refund recorded under idempotencyKey.
func (g *MemoryPaymentGateway) FindRefund(ctx context.Context, idempotencyKey string) (*port.Refund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.refunds[idempotencyKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", port.ErrRefundNotFound, idempotencyKey)
	}
	copied := *r
	return &copied, nil
}

// RefundCount returns the number of refunds processed.
func (g *MemoryPaymentGateway) RefundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}
