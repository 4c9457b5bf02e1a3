package adapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jnst/reservation-core/internal/port"
)

// LogNotificationSender writes notifications to the log instead of delivering them.
// Repeated DedupKeys are dropped.
type LogNotificationSender struct {
	mu     sync.Mutex
	sent   map[string]port.Notification
	order  []string
	logger *slog.Logger
}

var _ port.NotificationSender = (*LogNotificationSender)(nil)

func NewLogNotificationSender(logger *slog.Logger) *LogNotificationSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotificationSender{sent: make(map[string]port.Notification), logger: logger}
}

func (s *LogNotificationSender) Send(ctx context.Context, n *port.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.DedupKey
	if key == "" {
		key = n.ReservationID + ":" + string(n.Kind)
	}
	if _, dup := s.sent[key]; dup {
		return nil
	}
	s.sent[key] = *n
	s.order = append(s.order, key)

	s.logger.Info("sending notification",
		slog.String("guest_id", n.GuestID),
		slog.String("reservation_id", n.ReservationID),
		slog.String("kind", string(n.Kind)),
		slog.String("subject", n.Subject),
	)

	return nil
}

// Sent returns the delivered notifications in send order.
func (s *LogNotificationSender) Sent() []port.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]port.Notification, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.sent[key])
	}
	return out
}
