package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

// Conflict errors returned by conditional writes. Both match models.ErrConflict.
var (
	ErrCollectorUnavailable = fmt.Errorf("%w: collector not in expected status", models.ErrConflict)
	ErrRequestUnavailable   = fmt.Errorf("%w: request not in expected status", models.ErrConflict)
	ErrCollectionChanged    = fmt.Errorf("%w: collection not in expected status", models.ErrConflict)
)

type RequestFilter struct {
	Status        models.RequestStatus
	CustomerID    string
	CreatedBefore time.Time
	Limit         int
}

type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.WasteRequest) error
	GetRequest(ctx context.Context, id string) (*models.WasteRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]models.WasteRequest, error)
	// SetRequestStatus moves a request from one status to another only if it
	// is still in from.
	SetRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, by string) error
}

type CollectorStore interface {
	// UpsertCollector inserts a collector as offline, or updates the profile
	// fields of an existing one without touching status, rating or location.
	UpsertCollector(ctx context.Context, c *models.Collector) error
	GetCollector(ctx context.Context, id string) (*models.Collector, error)
	GetCollectors(ctx context.Context, ids []string) ([]models.Collector, error)
	// ListCollectors returns every collector when status is empty.
	ListCollectors(ctx context.Context, status models.CollectorStatus) ([]models.Collector, error)
	UpdateCollectorLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
	SetCollectorStatus(ctx context.Context, id string, from, to models.CollectorStatus) error
	// DeleteCollector refuses a busy collector.
	DeleteCollector(ctx context.Context, id string) error
}

// CollectionUpdate is one conditional write of a collection together with
// the collector and request flips it implies.
type CollectionUpdate struct {
	Collection         *models.Collection
	From               models.CollectionStatus
	ReleaseCollector   bool
	RequestFrom        models.RequestStatus
	RequestTo          models.RequestStatus // empty leaves the request untouched
	RequestCancelledBy string
}

type CollectionStore interface {
	// Assign atomically flips the collector available->busy and the request
	// pending->accepted and inserts c. Nothing is written if either flip fails.
	Assign(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	ActiveCollectionForRequest(ctx context.Context, requestID string) (*models.Collection, error)
	UpdateCollection(ctx context.Context, u CollectionUpdate) error
	// RateCollection stores a rating once on a completed collection and folds
	// it into the collector's rolling average.
	RateCollection(ctx context.Context, id string, rating int, at time.Time) error
	AddCollectionPhoto(ctx context.Context, id, url string, at time.Time) error
}

type Store interface {
	RequestStore
	CollectorStore
	CollectionStore
	Ping(ctx context.Context) error
	Close() error
}

// Counter adapts a Store to the surge controller's demand/supply source.
type Counter struct {
	Store Store
}

func (c Counter) PendingPickups(ctx context.Context) ([]models.Coord, error) {
	reqs, err := c.Store.ListRequests(ctx, RequestFilter{Status: models.RequestPending})
	if err != nil {
		return nil, err
	}
	out := make([]models.Coord, 0, len(reqs))
	for _, r := range reqs {
		if r.Pickup.Coord != nil {
			out = append(out, *r.Pickup.Coord)
		}
	}
	return out, nil
}

func (c Counter) AvailableCollectors(ctx context.Context) ([]models.Coord, error) {
	cols, err := c.Store.ListCollectors(ctx, models.CollectorAvailable)
	if err != nil {
		return nil, err
	}
	out := make([]models.Coord, 0, len(cols))
	for _, col := range cols {
		out = append(out, col.Loc)
	}
	return out, nil
}

func rollingRating(avg float64, n int, r int) float64 {
	return (avg*float64(n) + float64(r)) / float64(n+1)
}
