package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"github.com/shopspring/decimal"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

const (
	paymentKeyPrefix = "payment:"
	refundKeyPrefix  = "payment-refund:"
)

// confirmScript captures a payment that still requires confirmation.
// Returns 0 when the payment does not exist.
var confirmScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[2], 'confirmed_at', ARGV[3])
end
return 1
`)

// refundScript records a refund and marks its payment refunded in one step.
// Returns "ok", "exists", "missing" or the payment status that prevented the refund.
var refundScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'exists'
end
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'missing'
end
if status ~= ARGV[1] then
  return status
end
redis.call('HSET', KEYS[2],
  'refund_id', ARGV[3], 'payment_reference', ARGV[4], 'amount', ARGV[5],
  'currency', ARGV[6], 'idempotency_key', ARGV[7], 'created_at', ARGV[8])
redis.call('HSET', KEYS[1], 'status', ARGV[2])
return 'ok'
`)

// RedisPaymentGateway implements port.PaymentGateway with payments and refunds kept in
// Redis hashes, so an intent created by one process can be captured by another.
type RedisPaymentGateway struct {
	client rueidis.Client
	now    func() time.Time
}

var _ port.PaymentGateway = (*RedisPaymentGateway)(nil)

func NewRedisPaymentGateway(client rueidis.Client, now func() time.Time) *RedisPaymentGateway {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RedisPaymentGateway{client: client, now: now}
}

// CreatePaymentIntent records an uncaptured payment.
func (g *RedisPaymentGateway) CreatePaymentIntent(ctx context.Context, req *port.PaymentIntentRequest) (*port.PaymentIntent, error) {
	if req == nil || req.ReservationID == "" {
		return nil, fmt.Errorf("%w: reservation id is required", model.ErrValidation)
	}

	p := &port.Payment{
		PaymentReference: "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		ReservationID:    req.ReservationID,
		Amount:           req.Amount,
		Status:           port.PaymentStatusRequiresConfirmation,
	}
	if err := g.Seed(ctx, p); err != nil {
		return nil, err
	}

	return &port.PaymentIntent{PaymentReference: p.PaymentReference, Amount: p.Amount, Status: p.Status}, nil
}

// Seed stores a payment as is.
func (g *RedisPaymentGateway) Seed(ctx context.Context, p *port.Payment) error {
	fv := g.client.B().Hset().Key(paymentKeyPrefix + p.PaymentReference).FieldValue()
	for _, f := range paymentFields(p) {
		fv = fv.FieldValue(f[0], f[1])
	}
	if err := g.client.Do(ctx, fv.Build()).Error(); err != nil {
		return fmt.Errorf("failed to store payment %s: %w", p.PaymentReference, err)
	}
	return nil
}

// ConfirmPayment captures a payment. Capturing twice returns the captured payment.
func (g *RedisPaymentGateway) ConfirmPayment(ctx context.Context, paymentReference string) (*port.Payment, error) {
	found, err := confirmScript.Exec(ctx, g.client,
		[]string{paymentKeyPrefix + paymentReference},
		[]string{
			string(port.PaymentStatusRequiresConfirmation),
			string(port.PaymentStatusSucceeded),
			g.now().UTC().Format(time.RFC3339Nano),
		},
	).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to confirm payment %s: %w", paymentReference, err)
	}
	if found == 0 {
		return nil, fmt.Errorf("%w: %s", port.ErrPaymentNotFound, paymentReference)
	}
	return g.GetPayment(ctx, paymentReference)
}

// ProcessRefund refunds a captured payment once per idempotency key.
func (g *RedisPaymentGateway) ProcessRefund(ctx context.Context, req *port.RefundRequest) (*port.Refund, error) {
	refund := &port.Refund{
		RefundID:         "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		PaymentReference: req.PaymentReference,
		Amount:           req.Amount,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedAt:        g.now().UTC(),
	}
	if refund.IdempotencyKey == "" {
		refund.IdempotencyKey = refund.RefundID
	} else if existing, err := g.FindRefund(ctx, refund.IdempotencyKey); err == nil {
		return existing, nil
	}

	p, err := g.GetPayment(ctx, req.PaymentReference)
	if err != nil {
		return nil, err
	}
	if more, err := req.Amount.GreaterThan(p.Amount); err != nil {
		return nil, err
	} else if more {
		return nil, fmt.Errorf("%w: refund %s exceeds payment %s", model.ErrValidation, req.Amount, p.Amount)
	}

	outcome, err := refundScript.Exec(ctx, g.client,
		[]string{paymentKeyPrefix + req.PaymentReference, refundKeyPrefix + refund.IdempotencyKey},
		[]string{
			string(port.PaymentStatusSucceeded),
			string(port.PaymentStatusRefunded),
			refund.RefundID,
			refund.PaymentReference,
			refund.Amount.Amount().String(),
			string(refund.Amount.Currency()),
			refund.IdempotencyKey,
			refund.CreatedAt.Format(time.RFC3339Nano),
		},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to refund payment %s: %w", req.PaymentReference, err)
	}

	switch outcome {
	case "ok":
		return refund, nil
	case "exists":
		return g.FindRefund(ctx, refund.IdempotencyKey)
	case "missing":
		return nil, fmt.Errorf("%w: %s", port.ErrPaymentNotFound, req.PaymentReference)
	default:
		return nil, fmt.Errorf("%w: payment %s is %s and cannot be refunded", model.ErrInvalidStateTransition, req.PaymentReference, outcome)
	}
}

// GetPayment returns a payment by reference.
func (g *RedisPaymentGateway) GetPayment(ctx context.Context, paymentReference string) (*port.Payment, error) {
	fields, err := g.client.Do(ctx, g.client.B().Hgetall().Key(paymentKeyPrefix+paymentReference).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read payment %s: %w", paymentReference, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", port.ErrPaymentNotFound, paymentReference)
	}
	return decodePayment(paymentReference, fields)
}

// FindRefund returns the refund recorded under idempotencyKey.
func (g *RedisPaymentGateway) FindRefund(ctx context.Context, idempotencyKey string) (*port.Refund, error) {
	fields, err := g.client.Do(ctx, g.client.B().Hgetall().Key(refundKeyPrefix+idempotencyKey).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read refund %s: %w", idempotencyKey, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", port.ErrRefundNotFound, idempotencyKey)
	}
	return decodeRefund(fields)
}

func paymentFields(p *port.Payment) [][2]string {
	fields := [][2]string{
		{"reservation_id", p.ReservationID},
		{"amount", p.Amount.Amount().String()},
		{"currency", string(p.Amount.Currency())},
		{"status", string(p.Status)},
	}
	if p.ConfirmedAt != nil {
		fields = append(fields, [2]string{"confirmed_at", p.ConfirmedAt.UTC().Format(time.RFC3339Nano)})
	}
	return fields
}

func decodeMoney(amount, currency string) (model.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return model.Money{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	return model.NewMoney(d, model.Currency(currency))
}

func decodePayment(reference string, fields map[string]string) (*port.Payment, error) {
	amount, err := decodeMoney(fields["amount"], fields["currency"])
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", reference, err)
	}

	p := &port.Payment{
		PaymentReference: reference,
		ReservationID:    fields["reservation_id"],
		Amount:           amount,
		Status:           port.PaymentStatus(fields["status"]),
	}
	if raw := fields["confirmed_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("payment %s: confirmed_at %q: %w", reference, raw, err)
		}
		p.ConfirmedAt = &at
	}
	return p, nil
}

func decodeRefund(fields map[string]string) (*port.Refund, error) {
	amount, err := decodeMoney(fields["amount"], fields["currency"])
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", fields["refund_id"], err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("refund %s: created_at %q: %w", fields["refund_id"], fields["created_at"], err)
	}
	return &port.Refund{
		RefundID:         fields["refund_id"],
		PaymentReference: fields["payment_reference"],
		Amount:           amount,
		IdempotencyKey:   fields["idempotency_key"],
		CreatedAt:        createdAt,
	}, nil
}
