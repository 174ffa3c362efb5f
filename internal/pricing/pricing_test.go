package pricing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

type fixedSurge float64

func (f fixedSurge) CurrentMultiplier(models.Coord, time.Time) float64 { return float64(f) }

var (
	nairobiCBD = models.Coord{Lat: -1.2864, Lon: 36.8172}
	offPeak    = time.Date(2026, 3, 2, 10, 0, 0, 0, Nairobi)
	peak       = time.Date(2026, 3, 2, 18, 30, 0, 0, Nairobi)
)

func TestEstimatePlasticOffPeak(t *testing.T) {
	e := NewEngine(nil)
	est, err := e.Estimate(models.WastePlastic, 50, models.UrgencyNormal, nairobiCBD, offPeak)
	if err != nil {
		t.Fatal(err)
	}
	if est.BasePrice != 1000 || est.FinalPrice != 1000 {
		t.Fatalf("expected 1000/1000, got %+v", est)
	}
	if est.Currency != "KES" {
		t.Fatalf("unexpected currency %s", est.Currency)
	}
}

func TestEstimateHazardousEmergencySurgePeak(t *testing.T) {
	e := NewEngine(fixedSurge(1.3))
	est, err := e.Estimate(models.WasteHazardous, 10, models.UrgencyEmergency, nairobiCBD, peak)
	if err != nil {
		t.Fatal(err)
	}
	if est.BasePrice != 1000 {
		t.Fatalf("expected base 1000, got %f", est.BasePrice)
	}
	if math.Abs(est.Multiplier-3.12) > 1e-9 {
		t.Fatalf("expected multiplier 3.12, got %f", est.Multiplier)
	}
	if est.FinalPrice != 3120 {
		t.Fatalf("expected 3120, got %d", est.FinalPrice)
	}
}

func TestEstimateUnsupportedWasteType(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Estimate("glass", 5, models.UrgencyNormal, nairobiCBD, offPeak)
	if !errors.Is(err, models.ErrUnsupportedWasteType) {
		t.Fatalf("expected ErrUnsupportedWasteType, got %v", err)
	}
}

func TestEstimateDeterministicAndNeverBelowBase(t *testing.T) {
	e := NewEngine(fixedSurge(1.7))
	for _, wt := range models.WasteTypes {
		for _, u := range []models.Urgency{models.UrgencyNormal, models.UrgencyUrgent, models.UrgencyEmergency} {
			for _, now := range []time.Time{offPeak, peak} {
				a, err := e.Estimate(wt, 12.5, u, nairobiCBD, now)
				if err != nil {
					t.Fatal(err)
				}
				b, _ := e.Estimate(wt, 12.5, u, nairobiCBD, now)
				if a != b {
					t.Fatalf("non-deterministic estimate: %+v vs %+v", a, b)
				}
				if float64(a.FinalPrice) < math.Floor(a.BasePrice) {
					t.Fatalf("final %d below base %f", a.FinalPrice, a.BasePrice)
				}
			}
		}
	}
}

func TestSurgeBelowOneIsClamped(t *testing.T) {
	e := NewEngine(fixedSurge(0.5))
	est, err := e.Estimate(models.WasteOrganic, 10, models.UrgencyNormal, nairobiCBD, offPeak)
	if err != nil {
		t.Fatal(err)
	}
	if est.SurgeMultiplier != 1.0 || est.FinalPrice != 150 {
		t.Fatalf("expected clamped surge, got %+v", est)
	}
}

func TestPeakWindowBoundaries(t *testing.T) {
	e := NewEngine(nil)
	cases := []struct {
		hour, min int
		want      bool
	}{
		{16, 59, false},
		{17, 0, true},
		{19, 59, true},
		{20, 0, false},
	}
	for _, c := range cases {
		now := time.Date(2026, 3, 2, c.hour, c.min, 0, 0, Nairobi)
		if got := e.IsPeak(now); got != c.want {
			t.Fatalf("%02d:%02d peak=%v, want %v", c.hour, c.min, got, c.want)
		}
	}
	// 15:00 UTC is 18:00 in Nairobi
	if !e.IsPeak(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)) {
		t.Fatal("expected UTC time to be converted to Nairobi local time")
	}
}

func TestEstimateRejectsNonPositiveQuantity(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Estimate(models.WastePlastic, 0, models.UrgencyNormal, nairobiCBD, offPeak)
	var ve *models.ValidationError
	if !errors.As(err, &ve) || !ve.Has("quantity_kg") {
		t.Fatalf("expected quantity validation error, got %v", err)
	}
}
