// Package fleet manages the collector pool: profiles, availability and
// live positions.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/ingest"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/storage"
)

// LocationPublisher forwards position fixes to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Service struct {
	Store     storage.Store
	Geo       geo.Geo
	Locations LocationPublisher // optional
	Bus       *events.Bus
	Logger    *slog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func self(a models.Actor, id string) bool {
	return a.Role == models.RoleAdmin || (a.Role == models.RoleCollector && a.ID == id)
}

// Register creates a collector or updates its profile. New collectors start offline.
func (s *Service) Register(ctx context.Context, actor models.Actor, c models.Collector) (*models.Collector, error) {
	if actor.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins register collectors", models.ErrForbidden)
	}
	verr := &models.ValidationError{}
	if c.CapacityKg <= 0 {
		verr.Add("capacity_kg", "must be positive")
	}
	if len(c.Specializations) == 0 {
		verr.Add("specializations", "at least one waste type is required")
	}
	for _, w := range c.Specializations {
		if !w.Valid() {
			verr.Add("specializations", "unsupported waste type %q", w)
		}
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := s.Store.UpsertCollector(ctx, &c); err != nil {
		return nil, err
	}
	s.Logger.Info("collector registered", "collector_id", c.ID, "capacity_kg", c.CapacityKg)
	return s.Store.GetCollector(ctx, c.ID)
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.Collector, error) {
	if !self(actor, id) {
		return nil, fmt.Errorf("%w: collector %s", models.ErrForbidden, id)
	}
	return s.Store.GetCollector(ctx, id)
}

func (s *Service) List(ctx context.Context, actor models.Actor, status models.CollectorStatus) ([]models.Collector, error) {
	if actor.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins list collectors", models.ErrForbidden)
	}
	return s.Store.ListCollectors(ctx, status)
}

// UpdateLocation records a position fix from the collector's device.
func (s *Service) UpdateLocation(ctx context.Context, actor models.Actor, id string, loc models.Coord) error {
	if !self(actor, id) {
		return fmt.Errorf("%w: collector %s", models.ErrForbidden, id)
	}
	verr := &models.ValidationError{}
	if loc.Lat < -90 || loc.Lat > 90 {
		verr.Add("lat", "must be within [-90, 90]")
	}
	if loc.Lon < -180 || loc.Lon > 180 {
		verr.Add("lon", "must be within [-180, 180]")
	}
	if err := verr.Err(); err != nil {
		return err
	}
	now := s.now()
	if err := s.Store.UpdateCollectorLocation(ctx, id, loc, now); err != nil {
		return err
	}
	if err := s.Geo.Upsert(ctx, id, loc); err != nil {
		// the store has the fix, but candidate search misses this collector
		// until a later update reaches the index
		s.Logger.Warn("geo index update failed", "collector_id", id, "err", err)
	}
	if s.Locations != nil {
		u := ingest.LocationUpdate{CollectorID: id, Lat: loc.Lat, Lon: loc.Lon, At: now}
		if err := s.Locations.PublishLocation(ctx, u); err != nil {
			s.Logger.Warn("publish location failed", "collector_id", id, "err", err)
		}
	}
	if s.Bus != nil {
		s.Bus.Publish(events.Event{Type: events.CollectorLocation, CollectorID: id, At: now, Data: loc})
	}
	return nil
}

// SetAvailability toggles offline/available. A busy collector cannot change
// availability until its collection ends.
func (s *Service) SetAvailability(ctx context.Context, actor models.Actor, id string, online bool) (*models.Collector, error) {
	if !self(actor, id) {
		return nil, fmt.Errorf("%w: collector %s", models.ErrForbidden, id)
	}
	from, to := models.CollectorAvailable, models.CollectorOffline
	if online {
		from, to = models.CollectorOffline, models.CollectorAvailable
	}
	err := s.Store.SetCollectorStatus(ctx, id, from, to)
	if err != nil && !errors.Is(err, storage.ErrCollectorUnavailable) {
		return nil, err
	}
	c, gerr := s.Store.GetCollector(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if err != nil {
		if c.Status == to {
			return c, nil // already there
		}
		return nil, fmt.Errorf("%w: collector %s is %s", models.ErrConflict, id, c.Status)
	}

	if online {
		observability.CollectorsOnline.Inc()
		if !c.LocUpdatedAt.IsZero() {
			if err := s.Geo.Upsert(ctx, id, c.Loc); err != nil {
				s.Logger.Warn("geo index update failed", "collector_id", id, "err", err)
			}
		}
	} else {
		observability.CollectorsOnline.Dec()
		if err := s.Geo.Remove(ctx, id); err != nil {
			s.Logger.Warn("geo index remove failed", "collector_id", id, "err", err)
		}
	}
	s.Logger.Info("collector availability", "collector_id", id, "status", c.Status)
	if s.Bus != nil {
		s.Bus.Publish(events.Event{Type: events.CollectorStatus, CollectorID: id, Status: string(c.Status), At: s.now()})
	}
	return c, nil
}

// Delete removes a collector that is not on a job.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id string) error {
	if actor.Role != models.RoleAdmin {
		return fmt.Errorf("%w: only admins delete collectors", models.ErrForbidden)
	}
	if err := s.Store.DeleteCollector(ctx, id); err != nil {
		if errors.Is(err, storage.ErrCollectorUnavailable) {
			return fmt.Errorf("%w: collector %s is busy", models.ErrConflict, id)
		}
		return err
	}
	if err := s.Geo.Remove(ctx, id); err != nil {
		s.Logger.Warn("geo index remove failed", "collector_id", id, "err", err)
	}
	return nil
}

// Warm loads the positions of every online collector into the geo index.
func (s *Service) Warm(ctx context.Context) (int, error) {
	cols, err := s.Store.ListCollectors(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cols {
		if c.Status == models.CollectorOffline || c.LocUpdatedAt.IsZero() {
			continue
		}
		if err := s.Geo.Upsert(ctx, c.ID, c.Loc); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
