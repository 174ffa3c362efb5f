package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/example/waste-dispatch/internal/models"
)

const metersPerDegreeLat = 111_320.0

// Hit is a collector position returned by a radius query.
type Hit struct {
	ID        string
	Loc       models.Coord
	DistanceM float64
}

// Geo is the position index used by the dispatcher and the location handlers.
type Geo interface {
	Upsert(ctx context.Context, id string, loc models.Coord) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Hit, error)
}

type cellKey struct{ lat, lon int }

func keyFor(c models.Coord, size float64) cellKey {
	return cellKey{lat: int(math.Floor(c.Lat / size)), lon: int(math.Floor(c.Lon / size))}
}

// CellID names the grid bucket containing c for a bucket edge of size degrees.
func CellID(c models.Coord, size float64) string {
	k := keyFor(c, size)
	return fmt.Sprintf("%d:%d", k.lat, k.lon)
}

type entry struct {
	loc models.Coord
	key cellKey
}

// Index is an in-memory grid-bucketed position index. Radius queries only
// visit the buckets that overlap the search box.
type Index struct {
	mu      sync.RWMutex
	cellDeg float64
	cells   map[cellKey]map[string]models.Coord
	pos     map[string]entry
}

func NewIndex(cellDeg float64) *Index {
	if cellDeg <= 0 {
		cellDeg = 0.05
	}
	return &Index{
		cellDeg: cellDeg,
		cells:   make(map[cellKey]map[string]models.Coord),
		pos:     make(map[string]entry),
	}
}

func (g *Index) Upsert(_ context.Context, id string, loc models.Coord) error {
	k := keyFor(loc, g.cellDeg)
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.pos[id]; ok && old.key != k {
		g.removeLocked(id, old.key)
	}
	bucket, ok := g.cells[k]
	if !ok {
		bucket = make(map[string]models.Coord)
		g.cells[k] = bucket
	}
	bucket[id] = loc
	g.pos[id] = entry{loc: loc, key: k}
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.pos[id]; ok {
		g.removeLocked(id, old.key)
		delete(g.pos, id)
	}
	return nil
}

func (g *Index) removeLocked(id string, k cellKey) {
	if bucket, ok := g.cells[k]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(g.cells, k)
		}
	}
}

// Nearby returns positions within radiusM of center, nearest first.
// A limit <= 0 returns every hit.
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusM float64, limit int) ([]Hit, error) {
	latSpan := radiusM / metersPerDegreeLat
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonSpan := radiusM / (metersPerDegreeLat * cosLat)

	lo := keyFor(models.Coord{Lat: center.Lat - latSpan, Lon: center.Lon - lonSpan}, g.cellDeg)
	hi := keyFor(models.Coord{Lat: center.Lat + latSpan, Lon: center.Lon + lonSpan}, g.cellDeg)

	g.mu.RLock()
	var hits []Hit
	for la := lo.lat; la <= hi.lat; la++ {
		for lo2 := lo.lon; lo2 <= hi.lon; lo2++ {
			for id, loc := range g.cells[cellKey{lat: la, lon: lo2}] {
				d := Haversine(center.Lat, center.Lon, loc.Lat, loc.Lon)
				if d <= radiusM {
					hits = append(hits, Hit{ID: id, Loc: loc, DistanceM: d})
				}
			}
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
