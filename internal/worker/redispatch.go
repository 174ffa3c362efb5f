// Package worker runs the background sweep over pending requests.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/storage"
)

// SystemActor is recorded as the canceller of timed-out requests.
const SystemActor = "system"

type Dispatcher interface {
	Dispatch(ctx context.Context, requestID string) (*models.Collection, error)
}

type Config struct {
	Interval       time.Duration
	PendingTimeout time.Duration // zero disables timeouts
	AutoDispatch   bool
	BatchSize      int
}

// Redispatcher retries dispatch for pending requests and cancels those
// that stay unassigned past the timeout.
type Redispatcher struct {
	Store      storage.Store
	Dispatcher Dispatcher
	Bus        *events.Bus
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Config     Config
	Now        func() time.Time
}

type Result struct {
	Assigned int
	TimedOut int
	Failed   int
}

func (w *Redispatcher) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// RunOnce sweeps the oldest pending requests once.
func (w *Redispatcher) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	pending, err := w.Store.ListRequests(ctx, storage.RequestFilter{Status: models.RequestPending, Limit: w.Config.BatchSize})
	if err != nil {
		return res, err
	}
	now := w.now()
	for _, r := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if w.Config.PendingTimeout > 0 && now.Sub(r.CreatedAt) >= w.Config.PendingTimeout {
			if w.expire(ctx, r, now) {
				res.TimedOut++
			}
			continue
		}
		if !w.Config.AutoDispatch || w.Dispatcher == nil {
			continue
		}
		_, err := w.Dispatcher.Dispatch(ctx, r.ID)
		switch {
		case err == nil:
			res.Assigned++
		case errors.Is(err, models.ErrNoCandidatesFound), errors.Is(err, models.ErrAlreadyAssigned):
		default:
			res.Failed++
			w.Logger.Warn("redispatch failed", "request_id", r.ID, "err", err)
		}
	}
	return res, nil
}

func (w *Redispatcher) expire(ctx context.Context, r models.WasteRequest, now time.Time) bool {
	err := w.Store.SetRequestStatus(ctx, r.ID, models.RequestPending, models.RequestCancelled, SystemActor)
	if err != nil {
		if !errors.Is(err, storage.ErrRequestUnavailable) {
			w.Logger.Warn("request timeout failed", "request_id", r.ID, "err", err)
		}
		return false
	}
	observability.RequestsTimedOut.Inc()
	w.Logger.Info("request timed out", "request_id", r.ID, "age", now.Sub(r.CreatedAt).String())
	if w.Bus != nil {
		w.Bus.Publish(events.Event{Type: events.RequestTimedOut, RequestID: r.ID, CustomerID: r.CustomerID, Status: string(models.RequestCancelled), At: now})
	}
	if w.Notifier != nil {
		_ = w.Notifier.Send(ctx, notify.Recipient{UserID: r.CustomerID, Phone: r.ContactPhone}, notify.Message{
			Kind:  events.RequestTimedOut,
			Title: "No collector available",
			Body:  "We could not find a collector for your pickup. Please try again later.",
			Data:  map[string]string{"request_id": r.ID},
		})
	}
	return true
}

// Run sweeps on every tick until ctx is done.
func (w *Redispatcher) Run(ctx context.Context) {
	interval := w.Config.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				w.Logger.Error("redispatch sweep failed", "err", err)
				continue
			}
			if res != (Result{}) {
				w.Logger.Info("redispatch sweep", "assigned", res.Assigned, "timed_out", res.TimedOut, "failed", res.Failed)
			}
		}
	}
}
