// Package intake validates, prices and records customer pickup requests.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/waste-dispatch/internal/dispatcher"
	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/pricing"
	"github.com/example/waste-dispatch/internal/storage"
)

const MaxQuantityKg = 10000

// Input is a candidate request as submitted by a customer.
type Input struct {
	ContactPhone string             `json:"contact_phone"`
	WasteType    models.WasteType   `json:"waste_type"`
	QuantityKg   float64            `json:"quantity_kg"`
	Urgency      models.Urgency     `json:"urgency"`
	Pickup       models.Location    `json:"pickup"`
	Window       *models.TimeWindow `json:"window,omitempty"`
	Notes        string             `json:"notes,omitempty"`
}

// CandidateFinder lists collectors who could take a pickup.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, loc models.Coord, wt models.WasteType, quantityKg float64) ([]dispatcher.Candidate, error)
}

// CollectionCanceller cancels the live collection of an accepted request.
type CollectionCanceller interface {
	Transition(ctx context.Context, actor models.Actor, id string, to models.CollectionStatus, reason string) (*models.Collection, error)
}

type Service struct {
	Store      storage.Store
	Pricing    *pricing.Engine
	Geocoder   Geocoder            // optional
	Limiter    Limiter             // optional
	Candidates CandidateFinder     // optional; nearby collectors are told about new requests
	Canceller  CollectionCanceller // required to cancel accepted requests
	Bus        *events.Bus
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Now        func() time.Time
	// NotifyNearby caps how many candidates hear about a new request.
	NotifyNearby int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// validate reports every failing field at once. Missing coordinates are
// resolved through the geocoder when one is configured.
func (s *Service) validate(ctx context.Context, in *Input) error {
	verr := &models.ValidationError{}
	if !in.WasteType.Valid() {
		verr.Add("waste_type", "unsupported waste type %q", in.WasteType)
	}
	if in.QuantityKg <= 0 || in.QuantityKg > MaxQuantityKg {
		verr.Add("quantity_kg", "must be greater than 0 and at most %d", MaxQuantityKg)
	}
	if in.Urgency == "" {
		in.Urgency = models.UrgencyNormal
	}
	if !in.Urgency.Valid() {
		verr.Add("urgency", "must be normal, urgent or emergency")
	}
	if in.Window != nil && !in.Window.End.After(in.Window.Start) {
		verr.Add("window", "end must be after start")
	}
	in.Pickup.Address = strings.TrimSpace(in.Pickup.Address)

	switch c := in.Pickup.Coord; {
	case c != nil:
		if c.Lat < -90 || c.Lat > 90 {
			verr.Add("pickup.coord.lat", "must be within [-90, 90]")
		}
		if c.Lon < -180 || c.Lon > 180 {
			verr.Add("pickup.coord.lon", "must be within [-180, 180]")
		}
	case in.Pickup.Address == "":
		verr.Add("pickup", "an address or coordinates are required")
	case s.Geocoder == nil:
		verr.Add("pickup.coord", "coordinates are required")
	default:
		coord, formatted, err := s.Geocoder.Geocode(ctx, in.Pickup.Address)
		if err != nil {
			if !errors.Is(err, ErrAddressNotFound) {
				s.Logger.Warn("geocode failed", "err", err)
			}
			verr.Add("pickup.address", "could not be located")
			break
		}
		in.Pickup.Coord = &coord
		if formatted != "" {
			in.Pickup.Address = formatted
		}
	}
	return verr.Err()
}

// Estimate quotes a price without recording anything.
func (s *Service) Estimate(ctx context.Context, in Input) (models.PriceEstimate, error) {
	if err := s.validate(ctx, &in); err != nil {
		return models.PriceEstimate{}, err
	}
	return s.Pricing.Estimate(in.WasteType, in.QuantityKg, in.Urgency, *in.Pickup.Coord, s.now())
}

// Submit validates, prices and stores a new pending request.
func (s *Service) Submit(ctx context.Context, actor models.Actor, in Input) (*models.WasteRequest, error) {
	if actor.Role != models.RoleCustomer {
		return nil, fmt.Errorf("%w: only customers submit requests", models.ErrForbidden)
	}
	if err := s.validate(ctx, &in); err != nil {
		observability.RequestsRejected.Inc()
		return nil, err
	}
	if s.Limiter != nil {
		ok, err := s.Limiter.Allow(ctx, actor.ID)
		switch {
		case err != nil:
			// fail open
			s.Logger.Warn("intake limiter unavailable", "err", err)
		case !ok:
			observability.RequestsRejected.Inc()
			return nil, fmt.Errorf("%w: daily request limit reached", models.ErrRateLimited)
		}
	}

	now := s.now()
	price, err := s.Pricing.Estimate(in.WasteType, in.QuantityKg, in.Urgency, *in.Pickup.Coord, now)
	if err != nil {
		observability.RequestsRejected.Inc()
		return nil, err
	}
	r := &models.WasteRequest{
		ID:           uuid.NewString(),
		CustomerID:   actor.ID,
		ContactPhone: in.ContactPhone,
		WasteType:    in.WasteType,
		QuantityKg:   in.QuantityKg,
		Urgency:      in.Urgency,
		Pickup:       in.Pickup,
		Window:       in.Window,
		Notes:        in.Notes,
		Price:        price,
		Status:       models.RequestPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()
	observability.PriceFinal.Observe(float64(price.FinalPrice))
	s.Logger.Info("request created", "request_id", r.ID, "customer_id", r.CustomerID,
		"waste_type", r.WasteType, "quantity_kg", r.QuantityKg, "final_price", price.FinalPrice)

	if s.Bus != nil {
		s.Bus.Publish(events.Event{Type: events.RequestCreated, RequestID: r.ID, CustomerID: r.CustomerID, Status: string(r.Status), At: now, Data: r})
	}
	s.alertNearby(ctx, *r)
	return r, nil
}

// alertNearby tells the best nearby collectors about a new request. It runs
// in the background and never affects the submission.
func (s *Service) alertNearby(ctx context.Context, r models.WasteRequest) {
	if s.Candidates == nil || s.Notifier == nil || s.NotifyNearby <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		cands, err := s.Candidates.FindCandidates(ctx, *r.Pickup.Coord, r.WasteType, r.QuantityKg)
		if err != nil {
			s.Logger.Warn("nearby lookup failed", "request_id", r.ID, "err", err)
			return
		}
		if len(cands) > s.NotifyNearby {
			cands = cands[:s.NotifyNearby]
		}
		for _, c := range cands {
			_ = s.Notifier.Send(ctx, dispatcher.CollectorRecipient(&c.Collector), notify.Message{
				Kind:  events.RequestCreated,
				Title: "Pickup request nearby",
				Body:  fmt.Sprintf("%.0f kg %s, %.1f km away, KES %d", r.QuantityKg, r.WasteType, c.DistanceM/1000, r.Price.FinalPrice),
				Data:  map[string]string{"request_id": r.ID},
			})
		}
	}()
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.WasteRequest, error) {
	r, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleCustomer && actor.ID != r.CustomerID {
		return nil, fmt.Errorf("%w: request %s", models.ErrForbidden, id)
	}
	return r, nil
}

// List returns the caller's own requests, or any requests for an admin.
func (s *Service) List(ctx context.Context, actor models.Actor, f storage.RequestFilter) ([]models.WasteRequest, error) {
	switch actor.Role {
	case models.RoleCustomer:
		f.CustomerID = actor.ID
	case models.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: collectors cannot list requests", models.ErrForbidden)
	}
	return s.Store.ListRequests(ctx, f)
}

// Cancel withdraws a request. A pending request is cancelled directly; an
// accepted one is cancelled through its collection.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, id, reason string) (*models.WasteRequest, error) {
	r, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && (actor.Role != models.RoleCustomer || actor.ID != r.CustomerID) {
		return nil, fmt.Errorf("%w: only the customer cancels a request", models.ErrForbidden)
	}

	for attempt := 0; attempt < 3; attempt++ {
		switch r.Status {
		case models.RequestCancelled:
			return r, nil
		case models.RequestCompleted:
			return nil, fmt.Errorf("%w: request %s is completed", models.ErrIllegalTransition, id)
		case models.RequestAccepted:
			col, err := s.Store.ActiveCollectionForRequest(ctx, id)
			if err != nil {
				return nil, err
			}
			if s.Canceller == nil {
				return nil, fmt.Errorf("%w: request %s is accepted", models.ErrIllegalTransition, id)
			}
			if _, err := s.Canceller.Transition(ctx, actor, col.ID, models.CollectionCancelled, reason); err != nil {
				return nil, err
			}
			// an admin cancel returns the request to pending; withdraw it too
			if r, err = s.Store.GetRequest(ctx, id); err != nil || r.Status != models.RequestPending {
				return r, err
			}
		case models.RequestPending:
			err := s.Store.SetRequestStatus(ctx, id, models.RequestPending, models.RequestCancelled, actor.ID)
			if err == nil {
				s.Logger.Info("request cancelled", "request_id", id, "by", actor.ID)
				if s.Bus != nil {
					s.Bus.Publish(events.Event{Type: events.RequestCancelled, RequestID: id, CustomerID: r.CustomerID, Status: string(models.RequestCancelled), At: s.now()})
				}
				return s.Store.GetRequest(ctx, id)
			}
			if !errors.Is(err, storage.ErrRequestUnavailable) {
				return nil, err
			}
			// assigned in the meantime; take the accepted path
			if r, err = s.Store.GetRequest(ctx, id); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: request %s changed concurrently", models.ErrConflict, id)
}
