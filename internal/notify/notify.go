// Package notify delivers messages to customers and collectors over the
// configured channels. Delivery is best effort: callers never fail because a
// message could not be sent.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/retry"
)

// ErrNoAddress is returned by a channel that has no address for the recipient.
var ErrNoAddress = errors.New("recipient has no address for channel")

type Recipient struct {
	UserID      string `json:"user_id"`
	Phone       string `json:"phone,omitempty"`
	DeviceToken string `json:"-"`
}

type Message struct {
	Kind  string            `json:"kind"` // e.g. collection.assigned
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// Log writes every message to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, to Recipient, msg Message) error {
	l.Logger.Info("notification", "user_id", to.UserID, "kind", msg.Kind, "title", msg.Title)
	return nil
}

// Channel names a notifier for metrics.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Fanout sends to every channel and joins the failures. A channel without an
// address for the recipient is skipped silently.
type Fanout []Channel

func (f Fanout) Send(ctx context.Context, to Recipient, msg Message) error {
	var errs []error
	for _, ch := range f {
		err := ch.Notifier.Send(ctx, to, msg)
		switch {
		case errors.Is(err, ErrNoAddress):
			continue
		case err != nil:
			observability.Notifications.WithLabelValues(ch.Name, "error").Inc()
			errs = append(errs, err)
		default:
			observability.Notifications.WithLabelValues(ch.Name, "ok").Inc()
		}
	}
	return errors.Join(errs...)
}

// Async runs sends in the background with retries, bounded by Timeout.
type Async struct {
	Next    Notifier
	Logger  *slog.Logger
	Policy  retry.Policy
	Timeout time.Duration
}

func NewAsync(next Notifier, logger *slog.Logger) *Async {
	return &Async{Next: next, Logger: logger, Policy: retry.Default, Timeout: 15 * time.Second}
}

// Send returns immediately. The caller's context only contributes values;
// its cancellation does not abort delivery.
func (a *Async) Send(ctx context.Context, to Recipient, msg Message) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Timeout)
		defer cancel()
		err := retry.Do(ctx, a.Policy, func(ctx context.Context) error {
			return a.Next.Send(ctx, to, msg)
		})
		if err != nil {
			a.Logger.Warn("notification failed", "user_id", to.UserID, "kind", msg.Kind, "err", err)
		}
	}()
	return nil
}
