package surge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/observability"
)

// Counter reports open demand and free supply positions.
type Counter interface {
	PendingPickups(ctx context.Context) ([]models.Coord, error)
	AvailableCollectors(ctx context.Context) ([]models.Coord, error)
}

type Config struct {
	CellDeg       float64
	Interval      time.Duration
	Validity      time.Duration
	Slope         float64
	MaxMultiplier float64
}

func DefaultConfig() Config {
	return Config{
		CellDeg:       0.05,
		Interval:      2 * time.Minute,
		Validity:      5 * time.Minute,
		Slope:         0.25,
		MaxMultiplier: 3.0,
	}
}

// Snapshot is immutable once published.
type Snapshot struct {
	Cells      map[string]models.SurgeState
	ComputedAt time.Time
}

// Controller publishes per-cell multipliers. Readers load the current
// snapshot through an atomic pointer and never wait on the recompute job.
type Controller struct {
	cfg    Config
	source Counter
	logger *slog.Logger
	snap   atomic.Pointer[Snapshot]
}

func NewController(cfg Config, source Counter, logger *slog.Logger) *Controller {
	if cfg.CellDeg <= 0 {
		cfg.CellDeg = DefaultConfig().CellDeg
	}
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{cfg: cfg, source: source, logger: logger}
	c.snap.Store(&Snapshot{Cells: map[string]models.SurgeState{}})
	return c
}

func (c *Controller) Cell(loc models.Coord) string { return geo.CellID(loc, c.cfg.CellDeg) }

// CurrentMultiplier returns the active multiplier for loc, or 1.0 when no
// record is active at now.
func (c *Controller) CurrentMultiplier(loc models.Coord, now time.Time) float64 {
	s := c.snap.Load()
	rec, ok := s.Cells[c.Cell(loc)]
	if !ok || !rec.ActiveAt(now) || rec.Multiplier < 1 {
		return 1.0
	}
	return rec.Multiplier
}

func (c *Controller) Snapshot() *Snapshot { return c.snap.Load() }

// Active lists the records in effect at now, sorted by cell.
func (c *Controller) Active(now time.Time) []models.SurgeState {
	s := c.snap.Load()
	out := make([]models.SurgeState, 0, len(s.Cells))
	for _, rec := range s.Cells {
		if rec.ActiveAt(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out
}

// Publish swaps in a new snapshot built from records.
func (c *Controller) Publish(records []models.SurgeState, now time.Time) {
	cells := make(map[string]models.SurgeState, len(records))
	for _, r := range records {
		cells[r.Cell] = r
	}
	c.snap.Store(&Snapshot{Cells: cells, ComputedAt: now})
	observability.SurgeActiveCells.Set(float64(len(cells)))
}

// Multiplier maps a demand/supply imbalance to a factor in [1, max].
func (c *Controller) Multiplier(demand, supply int) float64 {
	if demand == 0 {
		return 1.0
	}
	ratio := float64(demand) / float64(max(supply, 1))
	if ratio <= 1 {
		return 1.0
	}
	m := 1 + (ratio-1)*c.cfg.Slope
	m = math.Min(m, c.cfg.MaxMultiplier)
	return math.Round(m*100) / 100
}

// Recompute counts demand and supply per cell and publishes the result.
func (c *Controller) Recompute(ctx context.Context, now time.Time) error {
	pickups, err := c.source.PendingPickups(ctx)
	if err != nil {
		return fmt.Errorf("count demand: %w", err)
	}
	collectors, err := c.source.AvailableCollectors(ctx)
	if err != nil {
		return fmt.Errorf("count supply: %w", err)
	}
	demand := map[string]int{}
	for _, p := range pickups {
		demand[c.Cell(p)]++
	}
	supply := map[string]int{}
	for _, p := range collectors {
		supply[c.Cell(p)]++
	}

	var records []models.SurgeState
	for cell, d := range demand {
		s := supply[cell]
		m := c.Multiplier(d, s)
		if m <= 1.0 {
			continue
		}
		records = append(records, models.SurgeState{
			Cell:       cell,
			Multiplier: m,
			Reason:     fmt.Sprintf("%d open requests / %d available collectors", d, s),
			Demand:     d,
			Supply:     s,
			ValidFrom:  now,
			ValidUntil: now.Add(c.cfg.Validity),
		})
	}
	c.Publish(records, now)
	c.logger.Debug("surge recomputed", "cells", len(records), "pickups", len(pickups), "collectors", len(collectors))
	return nil
}

// Run recomputes on the configured cadence until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	if err := c.Recompute(ctx, time.Now()); err != nil {
		c.logger.Warn("surge recompute failed", "error", err)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := c.Recompute(ctx, now); err != nil {
				c.logger.Warn("surge recompute failed", "error", err)
			}
		}
	}
}
