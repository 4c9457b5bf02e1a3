// Package main provides an operator command line for reservations stored in PostgreSQL.
//
//	reservations create <guest-id> <check-in> <check-out> <room-type>:<qty>[:<occupancy>]...
//	reservations pay <reservation-id>
//	reservations confirm <reservation-id> <payment-reference>
//	reservations cancel <reservation-id> <reason>
//	reservations complete <reservation-id>
//	reservations get <reservation-id>
//	reservations list <guest-id>
//
// Dates use the YYYY-MM-DD layout. Every change is written together with its outbox
// events; the dispatcher delivers them. Room holds and payments are read from Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/adapter"
	"github.com/jnst/reservation-core/internal/clock"
	"github.com/jnst/reservation-core/internal/config"
	"github.com/jnst/reservation-core/internal/logger"
	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/policy"
	"github.com/jnst/reservation-core/internal/rate"
	"github.com/jnst/reservation-core/internal/repository"
	"github.com/jnst/reservation-core/internal/service"
)

const (
	exitCode     = 1
	checkInHour  = 15
	checkOutHour = 11
)

var baseRates = map[string]model.Money{
	"standard-queen": model.MustMoney("120.00", model.CurrencyUSD),
	"standard-twin":  model.MustMoney("100.00", model.CurrencyUSD),
	"deluxe-king":    model.MustMoney("200.00", model.CurrencyUSD),
	"suite":          model.MustMoney("450.00", model.CurrencyUSD),
}

// minimum nights per room type on top of the one-night default
var minimumStay = map[string]int{
	"suite": 2,
}

// newReservationService wires the use cases. Holds and payments live in Redis so the
// consumers see the intents created here and availability sees the consumers' holds.
func newReservationService(cfg *config.Config, dbPool *pgxpool.Pool, redisClient rueidis.Client, log *slog.Logger) service.ReservationService {
	clk := clock.NewSystem()

	policies := policy.NewEngine(
		policy.NewMinimumStay(1, minimumStay),
		policy.NewAdvanceBooking(clk),
		policy.NewBlackout(adapter.NewStaticBlackoutCalendar(), cfg.BlackoutTimeout),
	)

	return service.NewReservationServiceImpl(
		repository.NewReservationRepositoryImpl(dbPool),
		policies,
		rate.NewCalculator(rate.NewStaticRateTable(baseRates), cfg.Rate()),
		adapter.NewRedisRoomInventory(redisClient, adapter.DefaultHoldsKey, cfg.RoomCapacity, clk.Now),
		adapter.NewRedisPaymentGateway(redisClient, clk.Now),
		clk,
		cfg.ReservationService(),
		log,
	)
}

func parseDay(s string, hour int) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", model.ErrValidation, s, err)
	}
	return d.Add(time.Duration(hour) * time.Hour), nil
}

// parseRoomBooking reads "<room-type>:<qty>[:<occupancy>]".
func parseRoomBooking(s string) (model.RoomBooking, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return model.RoomBooking{}, fmt.Errorf("%w: room booking %q", model.ErrValidation, s)
	}

	b := model.RoomBooking{RoomTypeID: parts[0]}
	var err error
	if b.Quantity, err = strconv.Atoi(parts[1]); err != nil {
		return model.RoomBooking{}, fmt.Errorf("%w: quantity in %q", model.ErrValidation, s)
	}
	if len(parts) == 3 {
		if b.Occupancy, err = strconv.Atoi(parts[2]); err != nil {
			return model.RoomBooking{}, fmt.Errorf("%w: occupancy in %q", model.ErrValidation, s)
		}
	}
	return b, nil
}

func parseCreate(args []string) (*model.CreateReservationParams, error) {
	if len(args) < 4 {
		return nil, errors.New("create needs <guest-id> <check-in> <check-out> and at least one room booking")
	}

	checkIn, err := parseDay(args[1], checkInHour)
	if err != nil {
		return nil, err
	}
	checkOut, err := parseDay(args[2], checkOutHour)
	if err != nil {
		return nil, err
	}

	params := &model.CreateReservationParams{GuestID: args[0], CheckIn: checkIn, CheckOut: checkOut}
	for _, arg := range args[3:] {
		b, err := parseRoomBooking(arg)
		if err != nil {
			return nil, err
		}
		params.RoomBookings = append(params.RoomBookings, b)
	}
	return params, nil
}

func logReservation(log *slog.Logger, r *model.Reservation) {
	log.Info("reservation",
		slog.String("reservation_id", r.ID()),
		slog.String("guest_id", r.GuestID()),
		slog.String("stay", r.DateRange().String()),
		slog.String("status", r.Status().String()),
		slog.String("total", r.TotalAmount().String()),
		slog.String("confirmation_number", r.ConfirmationNumber()),
		slog.Int("version", r.Version()),
	)
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return errors.New("usage: reservations " + usage)
	}
	return nil
}

func run(ctx context.Context, svc service.ReservationService, args []string, log *slog.Logger) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	cmd, args := args[0], args[1:]

	var (
		r   *model.Reservation
		err error
	)
	switch cmd {
	case "create":
		params, perr := parseCreate(args)
		if perr != nil {
			return perr
		}
		r, err = svc.Create(ctx, params)
	case "pay":
		if err := needArgs(args, 1, "pay <reservation-id>"); err != nil {
			return err
		}
		intent, err := svc.StartPayment(ctx, args[0])
		if err != nil {
			return err
		}
		log.Info("payment intent created",
			slog.String("payment_reference", intent.PaymentReference),
			slog.String("amount", intent.Amount.String()),
		)
		return nil
	case "confirm":
		if err := needArgs(args, 2, "confirm <reservation-id> <payment-reference>"); err != nil {
			return err
		}
		r, err = svc.Confirm(ctx, args[0], args[1])
	case "cancel":
		if err := needArgs(args, 2, "cancel <reservation-id> <reason>"); err != nil {
			return err
		}
		r, err = svc.Cancel(ctx, args[0], strings.Join(args[1:], " "))
	case "complete":
		if err := needArgs(args, 1, "complete <reservation-id>"); err != nil {
			return err
		}
		r, err = svc.Complete(ctx, args[0])
	case "get":
		if err := needArgs(args, 1, "get <reservation-id>"); err != nil {
			return err
		}
		r, err = svc.Get(ctx, args[0])
	case "list":
		if err := needArgs(args, 1, "list <guest-id>"); err != nil {
			return err
		}
		list, err := svc.ListByGuest(ctx, args[0])
		if err != nil {
			return err
		}
		for _, r := range list {
			logReservation(log, r)
		}
		return nil
	default:
		return errors.New("unknown command " + cmd)
	}
	if err != nil {
		return err
	}

	logReservation(log, r)
	return nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx := context.Background()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	if err := repository.ApplySchema(ctx, dbPool); err != nil {
		log.Error("failed to apply schema", slog.String("error", err.Error()))
		dbPool.Close()
		os.Exit(exitCode)
	}

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{cfg.RedisAddr}})
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		dbPool.Close()
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	if err := run(ctx, newReservationService(cfg, dbPool, redisClient, log), os.Args[1:], log); err != nil {
		log.Error("command failed", slog.String("error", err.Error()))
		redisClient.Close()
		dbPool.Close()
		os.Exit(exitCode)
	}
}
