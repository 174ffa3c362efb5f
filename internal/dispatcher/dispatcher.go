// Package dispatcher finds eligible collectors for a request and assigns one
// of them atomically.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/waste-dispatch/internal/eta"
	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/payments"
	"github.com/example/waste-dispatch/internal/storage"
)

type Candidate struct {
	Collector  models.Collector `json:"collector"`
	DistanceM  float64          `json:"distance_m"`
	ETASeconds float64          `json:"eta_seconds"`
}

type Config struct {
	RadiusM        float64
	CandidateLimit int
	MaxLocationAge time.Duration // zero disables the freshness check
	CommissionRate float64
	PlatformFee    int64
}

type Service struct {
	Store    storage.Store
	Geo      geo.Geo // optional; the store is scanned when nil
	ETA      *eta.Estimator
	Bus      *events.Bus
	Notifier notify.Notifier
	Payments payments.Gateway
	Logger   *slog.Logger
	Config   Config
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// FindCandidates returns the eligible collectors around loc, best first:
// rating descending, then distance ascending, then id.
func (s *Service) FindCandidates(ctx context.Context, loc models.Coord, wt models.WasteType, quantityKg float64) ([]Candidate, error) {
	if !wt.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedWasteType, wt)
	}
	if quantityKg <= 0 {
		verr := &models.ValidationError{}
		verr.Add("quantity_kg", "must be positive")
		return nil, verr
	}

	pool, err := s.pool(ctx, loc)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []Candidate
	for _, c := range pool {
		if c.Status != models.CollectorAvailable || !c.Handles(wt) || c.CapacityKg < quantityKg {
			continue
		}
		if s.Config.MaxLocationAge > 0 && (c.LocUpdatedAt.IsZero() || now.Sub(c.LocUpdatedAt) > s.Config.MaxLocationAge) {
			continue
		}
		d := geo.Distance(c.Loc, loc)
		if d > s.Config.RadiusM {
			continue
		}
		out = append(out, Candidate{Collector: c, DistanceM: d})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Collector.Rating != b.Collector.Rating {
			return a.Collector.Rating > b.Collector.Rating
		}
		if a.DistanceM != b.DistanceM {
			return a.DistanceM < b.DistanceM
		}
		return a.Collector.ID < b.Collector.ID
	})
	if s.Config.CandidateLimit > 0 && len(out) > s.Config.CandidateLimit {
		out = out[:s.Config.CandidateLimit]
	}
	for i := range out {
		if s.ETA != nil {
			out[i].ETASeconds = s.ETA.Seconds(ctx, out[i].Collector.Loc, loc)
		} else {
			out[i].ETASeconds = eta.EstimateSeconds(out[i].Collector.Loc, loc, 0)
		}
	}
	return out, nil
}

// pool loads collectors near loc from the index, or every available one.
// The store stays the source of truth for status and position.
func (s *Service) pool(ctx context.Context, loc models.Coord) ([]models.Collector, error) {
	if s.Geo == nil {
		return s.Store.ListCollectors(ctx, models.CollectorAvailable)
	}
	hits, err := s.Geo.Nearby(ctx, loc, s.Config.RadiusM, 0)
	if err != nil {
		s.Logger.Warn("geo index lookup failed, scanning store", "err", err)
		return s.Store.ListCollectors(ctx, models.CollectorAvailable)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return s.Store.GetCollectors(ctx, ids)
}

// Assign binds collectorID to requestID. The collector and request status
// flips and the collection insert happen in one store operation; if either
// precondition no longer holds nothing is written and ErrAlreadyAssigned is
// returned.
func (s *Service) Assign(ctx context.Context, requestID, collectorID string) (*models.Collection, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		observability.Assignments.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: request %s is %s", models.ErrAlreadyAssigned, requestID, req.Status)
	}
	col, err := s.Store.GetCollector(ctx, collectorID)
	if err != nil {
		return nil, err
	}
	if !col.Handles(req.WasteType) || col.CapacityKg < req.QuantityKg {
		observability.Assignments.WithLabelValues("ineligible").Inc()
		return nil, fmt.Errorf("%w: %s for %s %.1fkg", models.ErrCollectorIneligible, collectorID, req.WasteType, req.QuantityKg)
	}

	now := s.now()
	gross := req.Price.FinalPrice
	c := &models.Collection{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		CollectorID: col.ID,
		CustomerID:  req.CustomerID,
		Status:      models.CollectionAssigned,
		Payment: models.PaymentBreakdown{
			Gross:          gross,
			CommissionRate: s.Config.CommissionRate,
			Commission:     int64(math.Round(float64(gross) * s.Config.CommissionRate)),
			PlatformFee:    s.Config.PlatformFee,
			Currency:       req.Price.Currency,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.Timeline.Stamp(models.CollectionAssigned, now)
	c.Payment.PaymentIntentID = s.hold(ctx, req)

	if err := s.Store.Assign(ctx, c); err != nil {
		s.releaseHold(ctx, c.Payment.PaymentIntentID)
		if errors.Is(err, models.ErrConflict) {
			observability.Assignments.WithLabelValues("conflict").Inc()
			return nil, fmt.Errorf("%w: %w", models.ErrAlreadyAssigned, err)
		}
		observability.Assignments.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.Assignments.WithLabelValues("ok").Inc()
	observability.AssignmentLatency.Observe(now.Sub(req.CreatedAt).Seconds())
	s.Logger.Info("collection assigned", "collection_id", c.ID, "request_id", req.ID, "collector_id", col.ID)

	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Type:         events.CollectionAssigned,
			RequestID:    req.ID,
			CollectionID: c.ID,
			CustomerID:   req.CustomerID,
			CollectorID:  col.ID,
			Status:       string(c.Status),
			At:           now,
			Data:         c,
		})
	}
	s.notifyAssigned(ctx, req, col, c)
	return c, nil
}

// Dispatch assigns the best candidate that is still free. Candidates lost to
// a concurrent assignment are skipped.
func (s *Service) Dispatch(ctx context.Context, requestID string) (*models.Collection, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, fmt.Errorf("%w: request %s is %s", models.ErrAlreadyAssigned, requestID, req.Status)
	}
	if req.Pickup.Coord == nil {
		return nil, fmt.Errorf("request %s has no pickup coordinates: %w", requestID, models.ErrNoCandidatesFound)
	}
	cands, err := s.FindCandidates(ctx, *req.Pickup.Coord, req.WasteType, req.QuantityKg)
	if err != nil {
		return nil, err
	}
	for _, cand := range cands {
		c, err := s.Assign(ctx, requestID, cand.Collector.ID)
		switch {
		case err == nil:
			return c, nil
		case errors.Is(err, storage.ErrCollectorUnavailable), errors.Is(err, models.ErrCollectorIneligible), errors.Is(err, models.ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	observability.Assignments.WithLabelValues("no_candidates").Inc()
	return nil, fmt.Errorf("request %s: %w", requestID, models.ErrNoCandidatesFound)
}

func (s *Service) hold(ctx context.Context, req *models.WasteRequest) string {
	if s.Payments == nil {
		return ""
	}
	id, err := s.Payments.Hold(ctx, req.Price.FinalPrice, req.Price.Currency, req.ID)
	if err != nil {
		s.Logger.Warn("payment hold failed", "request_id", req.ID, "err", err)
		return ""
	}
	return id
}

func (s *Service) releaseHold(ctx context.Context, id string) {
	if id == "" || s.Payments == nil {
		return
	}
	if err := s.Payments.Cancel(ctx, id); err != nil {
		s.Logger.Warn("payment hold release failed", "payment_intent", id, "err", err)
	}
}

func (s *Service) notifyAssigned(ctx context.Context, req *models.WasteRequest, col *models.Collector, c *models.Collection) {
	if s.Notifier == nil {
		return
	}
	data := map[string]string{"collection_id": c.ID, "request_id": req.ID}
	addr := req.Pickup.Address
	if addr == "" && req.Pickup.Coord != nil {
		addr = fmt.Sprintf("%.5f,%.5f", req.Pickup.Coord.Lat, req.Pickup.Coord.Lon)
	}
	_ = s.Notifier.Send(ctx, CollectorRecipient(col), notify.Message{
		Kind:  events.CollectionAssigned,
		Title: "New pickup assigned",
		Body:  fmt.Sprintf("%.0f kg %s at %s, KES %d", req.QuantityKg, req.WasteType, addr, req.Price.FinalPrice),
		Data:  data,
	})
	_ = s.Notifier.Send(ctx, CustomerRecipient(req), notify.Message{
		Kind:  events.CollectionAssigned,
		Title: "Collector on the way",
		Body:  fmt.Sprintf("%s will collect your %s waste.", displayName(col), req.WasteType),
		Data:  data,
	})
}

func CollectorRecipient(c *models.Collector) notify.Recipient {
	return notify.Recipient{UserID: c.ID, Phone: c.Phone, DeviceToken: c.DeviceToken}
}

func CustomerRecipient(r *models.WasteRequest) notify.Recipient {
	return notify.Recipient{UserID: r.CustomerID, Phone: r.ContactPhone}
}

func displayName(c *models.Collector) string {
	if c.Name != "" {
		return c.Name
	}
	return "A collector"
}
