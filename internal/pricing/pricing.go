package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

const Currency = "KES"

// DefaultRates are per-kg rates in KES.
var DefaultRates = map[models.WasteType]float64{
	models.WastePlastic:    20,
	models.WasteOrganic:    15,
	models.WasteHazardous:  100,
	models.WasteElectronic: 50,
	models.WasteMixed:      25,
}

var urgencyFactors = map[models.Urgency]float64{
	models.UrgencyNormal:    1.0,
	models.UrgencyUrgent:    1.5,
	models.UrgencyEmergency: 2.0,
}

// Nairobi has no daylight saving, so a fixed zone is exact.
var Nairobi = time.FixedZone("EAT", 3*60*60)

// SurgeSource supplies the demand multiplier for a location.
type SurgeSource interface {
	CurrentMultiplier(loc models.Coord, now time.Time) float64
}

type noSurge struct{}

func (noSurge) CurrentMultiplier(models.Coord, time.Time) float64 { return 1.0 }

type Engine struct {
	Surge      SurgeSource
	Rates      map[models.WasteType]float64
	PeakStart  int // local hour, inclusive
	PeakEnd    int // local hour, exclusive
	PeakFactor float64
	Zone       *time.Location
}

func NewEngine(surge SurgeSource) *Engine {
	if surge == nil {
		surge = noSurge{}
	}
	return &Engine{
		Surge:      surge,
		Rates:      DefaultRates,
		PeakStart:  17,
		PeakEnd:    20,
		PeakFactor: 1.2,
		Zone:       Nairobi,
	}
}

// Estimate prices a pickup. Factors compose multiplicatively in a fixed
// order: surge, urgency, time of day.
func (e *Engine) Estimate(wt models.WasteType, quantityKg float64, urgency models.Urgency, loc models.Coord, now time.Time) (models.PriceEstimate, error) {
	rate, ok := e.Rates[wt]
	if !ok {
		return models.PriceEstimate{}, fmt.Errorf("%w: %q", models.ErrUnsupportedWasteType, wt)
	}
	if quantityKg <= 0 || math.IsNaN(quantityKg) || math.IsInf(quantityKg, 0) {
		ve := &models.ValidationError{}
		ve.Add("quantity_kg", "must be greater than 0")
		return models.PriceEstimate{}, ve
	}
	uf, ok := urgencyFactors[urgency]
	if !ok {
		ve := &models.ValidationError{}
		ve.Add("urgency", "unknown urgency %q", urgency)
		return models.PriceEstimate{}, ve
	}

	base := rate * quantityKg

	surge := e.Surge.CurrentMultiplier(loc, now)
	if surge < 1.0 || math.IsNaN(surge) {
		surge = 1.0
	}
	peak := 1.0
	if e.IsPeak(now) {
		peak = e.PeakFactor
	}

	multiplier := 1.0
	multiplier *= surge
	multiplier *= uf
	multiplier *= peak

	return models.PriceEstimate{
		BasePrice:       base,
		SurgeMultiplier: surge,
		UrgencyFactor:   uf,
		PeakFactor:      peak,
		Multiplier:      multiplier,
		FinalPrice:      int64(math.Round(base * multiplier)),
		Currency:        Currency,
	}, nil
}

func (e *Engine) IsPeak(now time.Time) bool {
	zone := e.Zone
	if zone == nil {
		zone = Nairobi
	}
	h := now.In(zone).Hour()
	return h >= e.PeakStart && h < e.PeakEnd
}
