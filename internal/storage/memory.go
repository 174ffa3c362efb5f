package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex, so every
// conditional write is trivially atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*models.WasteRequest
	collectors  map[string]*models.Collector
	collections map[string]*models.Collection
	byRequest   map[string][]string // request id -> collection ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*models.WasteRequest),
		collectors:  make(map[string]*models.Collector),
		collections: make(map[string]*models.Collection),
		byRequest:   make(map[string][]string),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.WasteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s exists", models.ErrConflict, r.ID)
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.WasteRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]models.WasteRequest, error) {
	m.mu.RLock()
	var out []models.WasteRequest
	for _, r := range m.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CustomerID != "" && r.CustomerID != f.CustomerID {
			continue
		}
		if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, *cloneRequest(r))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SetRequestStatus(_ context.Context, id string, from, to models.RequestStatus, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setRequestStatusLocked(id, from, to, by, time.Now().UTC())
}

func (m *MemoryStore) setRequestStatusLocked(id string, from, to models.RequestStatus, by string, at time.Time) error {
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != from {
		return fmt.Errorf("request %s is %s: %w", id, r.Status, ErrRequestUnavailable)
	}
	r.Status = to
	if to == models.RequestCancelled {
		r.CancelledBy = by
	}
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) UpsertCollector(_ context.Context, c *models.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := m.collectors[c.ID]; ok {
		cur.Name = c.Name
		cur.Phone = c.Phone
		cur.DeviceToken = c.DeviceToken
		cur.CapacityKg = c.CapacityKg
		cur.Specializations = slices.Clone(c.Specializations)
		cur.UpdatedAt = now
		return nil
	}
	nc := cloneCollector(c)
	nc.Status = models.CollectorOffline
	nc.UpdatedAt = now
	m.collectors[c.ID] = nc
	return nil
}

func (m *MemoryStore) GetCollector(_ context.Context, id string) (*models.Collector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collectors[id]
	if !ok {
		return nil, fmt.Errorf("collector %s: %w", id, models.ErrNotFound)
	}
	return cloneCollector(c), nil
}

func (m *MemoryStore) GetCollectors(_ context.Context, ids []string) ([]models.Collector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Collector, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.collectors[id]; ok {
			out = append(out, *cloneCollector(c))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListCollectors(_ context.Context, status models.CollectorStatus) ([]models.Collector, error) {
	m.mu.RLock()
	var out []models.Collector
	for _, c := range m.collectors {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *cloneCollector(c))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateCollectorLocation(_ context.Context, id string, loc models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[id]
	if !ok {
		return fmt.Errorf("collector %s: %w", id, models.ErrNotFound)
	}
	c.Loc = loc
	c.LocUpdatedAt = at
	c.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetCollectorStatus(_ context.Context, id string, from, to models.CollectorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[id]
	if !ok {
		return fmt.Errorf("collector %s: %w", id, models.ErrNotFound)
	}
	if c.Status != from {
		return fmt.Errorf("collector %s is %s: %w", id, c.Status, ErrCollectorUnavailable)
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteCollector(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[id]
	if !ok {
		return fmt.Errorf("collector %s: %w", id, models.ErrNotFound)
	}
	if c.Status == models.CollectorBusy {
		return fmt.Errorf("collector %s is busy: %w", id, ErrCollectorUnavailable)
	}
	delete(m.collectors, id)
	return nil
}

func (m *MemoryStore) Assign(_ context.Context, col *models.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[col.CollectorID]
	if !ok {
		return fmt.Errorf("collector %s: %w", col.CollectorID, models.ErrNotFound)
	}
	r, ok := m.requests[col.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", col.RequestID, models.ErrNotFound)
	}
	if c.Status != models.CollectorAvailable {
		return fmt.Errorf("collector %s is %s: %w", c.ID, c.Status, ErrCollectorUnavailable)
	}
	if r.Status != models.RequestPending {
		return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, ErrRequestUnavailable)
	}
	now := col.CreatedAt
	c.Status = models.CollectorBusy
	c.UpdatedAt = now
	r.Status = models.RequestAccepted
	r.UpdatedAt = now
	m.collections[col.ID] = cloneCollection(col)
	m.byRequest[col.RequestID] = append(m.byRequest[col.RequestID], col.ID)
	return nil
}

func (m *MemoryStore) GetCollection(_ context.Context, id string) (*models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
	}
	return cloneCollection(c), nil
}

func (m *MemoryStore) ActiveCollectionForRequest(_ context.Context, requestID string) (*models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byRequest[requestID] {
		if c := m.collections[id]; c != nil && c.Status != models.CollectionCancelled {
			return cloneCollection(c), nil
		}
	}
	return nil, fmt.Errorf("active collection for request %s: %w", requestID, models.ErrNotFound)
}

func (m *MemoryStore) UpdateCollection(_ context.Context, u CollectionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := u.Collection
	cur, ok := m.collections[next.ID]
	if !ok {
		return fmt.Errorf("collection %s: %w", next.ID, models.ErrNotFound)
	}
	if cur.Status != u.From {
		return fmt.Errorf("collection %s is %s: %w", cur.ID, cur.Status, ErrCollectionChanged)
	}
	if u.RequestTo != "" {
		r, ok := m.requests[cur.RequestID]
		if !ok {
			return fmt.Errorf("request %s: %w", cur.RequestID, models.ErrNotFound)
		}
		if r.Status != u.RequestFrom {
			return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, ErrRequestUnavailable)
		}
	}

	// all preconditions hold; apply
	if u.RequestTo != "" {
		_ = m.setRequestStatusLocked(cur.RequestID, u.RequestFrom, u.RequestTo, u.RequestCancelledBy, next.UpdatedAt)
	}
	if u.ReleaseCollector {
		if c, ok := m.collectors[cur.CollectorID]; ok && c.Status == models.CollectorBusy {
			c.Status = models.CollectorAvailable
			c.UpdatedAt = next.UpdatedAt
		}
	}
	// photos and rating have their own writers; keep whatever is stored
	cur.Status = next.Status
	cur.Timeline = next.Timeline
	cur.Payment = next.Payment
	cur.CancelledBy = next.CancelledBy
	cur.CancelReason = next.CancelReason
	cur.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) RateCollection(_ context.Context, id string, rating int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[id]
	if !ok {
		return fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
	}
	if col.Status != models.CollectionCompleted || col.Rating != nil {
		return fmt.Errorf("collection %s cannot be rated: %w", id, ErrCollectionChanged)
	}
	r := rating
	col.Rating = &r
	col.UpdatedAt = at
	if c, ok := m.collectors[col.CollectorID]; ok {
		c.Rating = rollingRating(c.Rating, c.RatingCount, rating)
		c.RatingCount++
		c.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) AddCollectionPhoto(_ context.Context, id, url string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[id]
	if !ok {
		return fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
	}
	col.PhotoURLs = append(col.PhotoURLs, url)
	col.UpdatedAt = at
	return nil
}

func cloneRequest(r *models.WasteRequest) *models.WasteRequest {
	c := *r
	if r.Pickup.Coord != nil {
		coord := *r.Pickup.Coord
		c.Pickup.Coord = &coord
	}
	if r.Window != nil {
		w := *r.Window
		c.Window = &w
	}
	return &c
}

func cloneCollector(c *models.Collector) *models.Collector {
	n := *c
	n.Specializations = slices.Clone(c.Specializations)
	return &n
}

func cloneCollection(c *models.Collection) *models.Collection {
	n := *c
	n.PhotoURLs = slices.Clone(c.PhotoURLs)
	if c.Rating != nil {
		r := *c.Rating
		n.Rating = &r
	}
	// Timeline pointers are never mutated in place, only replaced.
	return &n
}
