package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/ingest"
	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/retry"
)

// flakyGeo fails Upsert a fixed number of times before delegating.
type flakyGeo struct {
	geo.Geo
	fail  int
	calls int
}

func (f *flakyGeo) Upsert(ctx context.Context, id string, loc models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geo fail")
	}
	return f.Geo.Upsert(ctx, id, loc)
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: 5 * time.Millisecond}

func TestUpdateGeoWithRetry_SucceedsAfterRetries(t *testing.T) {
	idx := geo.NewIndex(0.02)
	f := &flakyGeo{Geo: idx, fail: 2}
	u := ingest.LocationUpdate{CollectorID: "c1", Lat: -1.28, Lon: 36.82}
	start := time.Now()
	if err := updateGeoWithRetry(context.Background(), f, u, fastRetry); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	hits, _ := idx.Nearby(context.Background(), models.Coord{Lat: -1.28, Lon: 36.82}, 100, 0)
	if len(hits) != 1 || hits[0].ID != "c1" {
		t.Fatalf("expected c1 indexed, got %+v", hits)
	}
}

func TestUpdateGeoWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyGeo{Geo: geo.NewIndex(0.02), fail: 5}
	u := ingest.LocationUpdate{CollectorID: "c1", Lat: 1, Lon: 2}
	if err := updateGeoWithRetry(context.Background(), f, u, fastRetry); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestDecodeUpdate(t *testing.T) {
	if _, err := decodeUpdate([]byte(`{"collector_id":"c1","lat":-1.2,"lon":36.8}`)); err != nil {
		t.Fatal(err)
	}
	for _, raw := range []string{`not json`, `{"lat":1,"lon":2}`, `{"collector_id":"c1","lat":95,"lon":2}`} {
		if _, err := decodeUpdate([]byte(raw)); !errors.Is(err, errInvalid) {
			t.Errorf("%s: expected invalid, got %v", raw, err)
		}
	}
}

func TestHandleDropsStaleFixes(t *testing.T) {
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	f := &flakyGeo{Geo: geo.NewIndex(0.02)}
	h := &handler{geo: f, policy: fastRetry, maxAge: time.Minute, now: func() time.Time { return now }, logger: logging.Discard()}
	h.handle(context.Background(), []byte(`{"collector_id":"c1","lat":-1.2,"lon":36.8,"at":"2025-03-04T08:50:00Z"}`))
	if f.calls != 0 {
		t.Fatalf("stale fix should not reach the index")
	}
	h.handle(context.Background(), []byte(`{"collector_id":"c1","lat":-1.2,"lon":36.8,"at":"2025-03-04T08:59:30Z"}`))
	if f.calls != 1 {
		t.Fatalf("fresh fix should be indexed, got %d calls", f.calls)
	}
}
