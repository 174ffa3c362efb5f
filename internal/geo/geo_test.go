package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/waste-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(-1, 36.8, -2, 36.8)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("expected ~111.2km, got %f", d)
	}
}

func TestCellIDStableInsideBucket(t *testing.T) {
	a := CellID(models.Coord{Lat: -1.2921, Lon: 36.8219}, 0.05)
	b := CellID(models.Coord{Lat: -1.2999, Lon: 36.8001}, 0.05)
	if a != b {
		t.Fatalf("expected same cell, got %s and %s", a, b)
	}
	c := CellID(models.Coord{Lat: -1.2921, Lon: 36.9}, 0.05)
	if a == c {
		t.Fatalf("expected different cells")
	}
}

func TestIndexNearbyAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(0.01)
	center := models.Coord{Lat: -1.2921, Lon: 36.8219}
	// ~1.1km north, crosses a bucket edge
	_ = idx.Upsert(ctx, "near", models.Coord{Lat: -1.2821, Lon: 36.8219})
	// ~5.5km east
	_ = idx.Upsert(ctx, "mid", models.Coord{Lat: -1.2921, Lon: 36.8719})
	// ~22km south
	_ = idx.Upsert(ctx, "far", models.Coord{Lat: -1.4921, Lon: 36.8219})

	hits, err := idx.Nearby(ctx, center, 10_000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "near" || hits[1].ID != "mid" {
		t.Fatalf("unexpected order: %+v", hits)
	}
}

func TestIndexUpsertMovesBucket(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(0.01)
	_ = idx.Upsert(ctx, "c1", models.Coord{Lat: 0, Lon: 0})
	_ = idx.Upsert(ctx, "c1", models.Coord{Lat: 1, Lon: 1})

	hits, _ := idx.Nearby(ctx, models.Coord{Lat: 0, Lon: 0}, 1000, 0)
	if len(hits) != 0 {
		t.Fatalf("stale position still indexed: %+v", hits)
	}
	hits, _ = idx.Nearby(ctx, models.Coord{Lat: 1, Lon: 1}, 1000, 0)
	if len(hits) != 1 {
		t.Fatalf("expected moved position, got %+v", hits)
	}

	_ = idx.Remove(ctx, "c1")
	hits, _ = idx.Nearby(ctx, models.Coord{Lat: 1, Lon: 1}, 1000, 0)
	if len(hits) != 0 {
		t.Fatalf("expected no hits after remove")
	}
}

func TestIndexNearbyLimit(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(0.05)
	for i, id := range []string{"a", "b", "c"} {
		_ = idx.Upsert(ctx, id, models.Coord{Lat: float64(i) * 0.001, Lon: 0})
	}
	hits, _ := idx.Nearby(ctx, models.Coord{}, 5000, 2)
	if len(hits) != 2 || hits[0].ID != "a" {
		t.Fatalf("unexpected hits %+v", hits)
	}
}
