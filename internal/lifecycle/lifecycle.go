// Package lifecycle drives a collection from assignment to completion or
// cancellation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/payments"
	"github.com/example/waste-dispatch/internal/storage"
)

// forward is the only permitted step out of each non-terminal state, besides
// cancellation.
var forward = map[models.CollectionStatus]models.CollectionStatus{
	models.CollectionAssigned:   models.CollectionEnRoute,
	models.CollectionEnRoute:    models.CollectionArrived,
	models.CollectionArrived:    models.CollectionCollecting,
	models.CollectionCollecting: models.CollectionCompleted,
}

// PhotoStore keeps proof-of-collection images and returns their URL.
type PhotoStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
}

type Service struct {
	Store    storage.Store
	Bus      *events.Bus
	Notifier notify.Notifier
	Payments payments.Gateway
	Photos   PhotoStore
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Get returns a collection visible to the actor.
func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.Collection, error) {
	c, err := s.Store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !participant(actor, c) {
		return nil, fmt.Errorf("%w: not a party to collection %s", models.ErrForbidden, id)
	}
	return c, nil
}

func participant(a models.Actor, c *models.Collection) bool {
	switch a.Role {
	case models.RoleAdmin:
		return true
	case models.RoleCollector:
		return a.ID == c.CollectorID
	case models.RoleCustomer:
		return a.ID == c.CustomerID
	}
	return false
}

// Transition moves a collection to state to. Re-applying the current state
// returns the collection unchanged.
func (s *Service) Transition(ctx context.Context, actor models.Actor, id string, to models.CollectionStatus, reason string) (*models.Collection, error) {
	if !to.Valid() || to == models.CollectionAssigned {
		verr := &models.ValidationError{}
		verr.Add("status", "must be one of en_route, arrived, collecting, completed, cancelled")
		return nil, verr
	}
	cur, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == to {
		return cur, nil
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: collection %s is %s", models.ErrIllegalTransition, id, cur.Status)
	}
	if err := authorize(actor, cur, to); err != nil {
		return nil, err
	}
	if to != models.CollectionCancelled && forward[cur.Status] != to {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, cur.Status, to)
	}

	now := s.now()
	next := *cur
	next.Status = to
	next.UpdatedAt = now
	next.Timeline.Stamp(to, now)
	u := storage.CollectionUpdate{Collection: &next, From: cur.Status}

	switch to {
	case models.CollectionCompleted:
		next.Payment = finalize(cur.Payment)
		u.ReleaseCollector = true
		u.RequestFrom, u.RequestTo = models.RequestAccepted, models.RequestCompleted
	case models.CollectionCancelled:
		next.CancelledBy = actor.ID
		next.CancelReason = reason
		u.ReleaseCollector = true
		u.RequestFrom = models.RequestAccepted
		u.RequestCancelledBy = actor.ID
		if actor.Role == models.RoleCustomer {
			u.RequestTo = models.RequestCancelled
		} else {
			// released for re-dispatch
			u.RequestTo = models.RequestPending
		}
	}

	if err := s.Store.UpdateCollection(ctx, u); err != nil {
		if !errors.Is(err, storage.ErrCollectionChanged) {
			return nil, err
		}
		// lost a race; a concurrent identical transition is still a no-op
		if latest, gerr := s.Store.GetCollection(ctx, id); gerr == nil && latest.Status == to {
			return latest, nil
		}
		return nil, fmt.Errorf("%w: %w", models.ErrIllegalTransition, err)
	}

	observability.Transitions.WithLabelValues(string(to)).Inc()
	s.Logger.Info("collection transition", "collection_id", id, "from", cur.Status, "to", to, "actor", actor.ID)
	s.settle(ctx, &next)
	s.publish(ctx, actor, &next)
	return &next, nil
}

func authorize(a models.Actor, c *models.Collection, to models.CollectionStatus) error {
	if a.Role == models.RoleAdmin {
		return nil
	}
	if to != models.CollectionCancelled {
		if a.Role == models.RoleCollector && a.ID == c.CollectorID {
			return nil
		}
		return fmt.Errorf("%w: only the assigned collector advances a collection", models.ErrForbidden)
	}
	switch c.Status {
	case models.CollectionAssigned, models.CollectionEnRoute, models.CollectionArrived:
		return nil // participant already checked
	}
	return fmt.Errorf("%w: collection %s is %s, only an admin can cancel", models.ErrForbidden, c.ID, c.Status)
}

// finalize splits the gross amount. The collector's net never goes negative.
func finalize(p models.PaymentBreakdown) models.PaymentBreakdown {
	p.Commission = int64(math.Round(float64(p.Gross) * p.CommissionRate))
	p.CollectorNet = max(p.Gross-p.Commission-p.PlatformFee, 0)
	p.Finalized = true
	return p
}

func (s *Service) settle(ctx context.Context, c *models.Collection) {
	if s.Payments == nil || c.Payment.PaymentIntentID == "" {
		return
	}
	var err error
	switch c.Status {
	case models.CollectionCompleted:
		err = s.Payments.Capture(ctx, c.Payment.PaymentIntentID)
	case models.CollectionCancelled:
		err = s.Payments.Cancel(ctx, c.Payment.PaymentIntentID)
	default:
		return
	}
	if err != nil {
		s.Logger.Warn("payment settlement failed", "collection_id", c.ID, "status", c.Status, "err", err)
	}
}

var customerMessages = map[models.CollectionStatus]notify.Message{
	models.CollectionEnRoute:   {Title: "Collector en route", Body: "Your collector is on the way."},
	models.CollectionArrived:   {Title: "Collector arrived", Body: "Your collector has arrived at the pickup point."},
	models.CollectionCompleted: {Title: "Pickup complete", Body: "Your waste has been collected. Please rate your collector."},
	models.CollectionCancelled: {Title: "Pickup cancelled", Body: "Your pickup was cancelled."},
}

func (s *Service) publish(ctx context.Context, actor models.Actor, c *models.Collection) {
	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Type:         events.CollectionUpdated,
			RequestID:    c.RequestID,
			CollectionID: c.ID,
			CustomerID:   c.CustomerID,
			CollectorID:  c.CollectorID,
			Status:       string(c.Status),
			At:           c.UpdatedAt,
			Data:         c,
		})
	}
	if s.Notifier == nil {
		return
	}
	data := map[string]string{"collection_id": c.ID, "status": string(c.Status)}
	if msg, ok := customerMessages[c.Status]; ok && actor.ID != c.CustomerID {
		msg.Kind, msg.Data = events.CollectionUpdated, data
		_ = s.Notifier.Send(ctx, s.customerRecipient(ctx, c), msg)
	}
	if c.Status == models.CollectionCancelled && actor.ID != c.CollectorID {
		to := notify.Recipient{UserID: c.CollectorID}
		if col, err := s.Store.GetCollector(ctx, c.CollectorID); err == nil {
			to.Phone, to.DeviceToken = col.Phone, col.DeviceToken
		}
		_ = s.Notifier.Send(ctx, to, notify.Message{
			Kind:  events.CollectionUpdated,
			Title: "Pickup cancelled",
			Body:  "The pickup assigned to you was cancelled.",
			Data:  data,
		})
	}
}

func (s *Service) customerRecipient(ctx context.Context, c *models.Collection) notify.Recipient {
	to := notify.Recipient{UserID: c.CustomerID}
	if r, err := s.Store.GetRequest(ctx, c.RequestID); err == nil {
		to.Phone = r.ContactPhone
	}
	return to
}

// Rate records the customer's 1-5 rating of a completed collection. A
// collection is rated once.
func (s *Service) Rate(ctx context.Context, actor models.Actor, id string, rating int) (*models.Collection, error) {
	if rating < 1 || rating > 5 {
		verr := &models.ValidationError{}
		verr.Add("rating", "must be between 1 and 5")
		return nil, verr
	}
	c, err := s.Store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleCustomer || actor.ID != c.CustomerID {
		return nil, fmt.Errorf("%w: only the customer rates a collection", models.ErrForbidden)
	}
	if c.Status != models.CollectionCompleted {
		return nil, fmt.Errorf("%w: collection %s is %s", models.ErrIllegalTransition, id, c.Status)
	}
	if c.Rating != nil {
		return nil, fmt.Errorf("%w: collection %s already rated", models.ErrConflict, id)
	}
	now := s.now()
	if err := s.Store.RateCollection(ctx, id, rating, now); err != nil {
		if errors.Is(err, storage.ErrCollectionChanged) {
			return nil, fmt.Errorf("%w: collection %s already rated", models.ErrConflict, id)
		}
		return nil, err
	}
	c.Rating = &rating
	c.UpdatedAt = now
	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Type:         events.CollectionRated,
			CollectionID: c.ID,
			RequestID:    c.RequestID,
			CustomerID:   c.CustomerID,
			CollectorID:  c.CollectorID,
			At:           now,
			Data:         map[string]int{"rating": rating},
		})
	}
	return c, nil
}

// AddPhoto stores a proof photo uploaded by the assigned collector.
func (s *Service) AddPhoto(ctx context.Context, actor models.Actor, id, contentType string, body io.Reader, size int64) (*models.Collection, error) {
	if s.Photos == nil {
		return nil, errors.New("photo storage not configured")
	}
	c, err := s.Store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && (actor.Role != models.RoleCollector || actor.ID != c.CollectorID) {
		return nil, fmt.Errorf("%w: only the assigned collector uploads photos", models.ErrForbidden)
	}
	if c.Status == models.CollectionCancelled {
		return nil, fmt.Errorf("%w: collection %s is cancelled", models.ErrIllegalTransition, id)
	}
	ext := extFor(contentType)
	if ext == "" {
		verr := &models.ValidationError{}
		verr.Add("content_type", "must be image/jpeg or image/png")
		return nil, verr
	}
	key := path.Join("collections", c.ID, uuid.NewString()+ext)
	url, err := s.Photos.Put(ctx, key, contentType, body, size)
	if err != nil {
		return nil, fmt.Errorf("store photo: %w", err)
	}
	now := s.now()
	if err := s.Store.AddCollectionPhoto(ctx, id, url, now); err != nil {
		return nil, err
	}
	c.PhotoURLs = append(c.PhotoURLs, url)
	c.UpdatedAt = now
	return c, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	}
	return ""
}
