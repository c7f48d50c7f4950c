package pricing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Context is the per-request snapshot the multipliers are computed from.
// It is never persisted.
type Context struct {
	At            time.Time
	OnlineDrivers int
	PendingTrips  int
}

// Factor is one line of the human-readable breakdown.
type Factor struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
	Percent    float64 `json:"percent"`
}

type Quote struct {
	Amount     float64  `json:"amount"`
	Currency   string   `json:"currency"`
	BaseFare   float64  `json:"base_fare"`
	ClassFare  float64  `json:"class_fare"`
	Multiplier float64  `json:"multiplier"`
	Factors    []Factor `json:"factors"`
	Commission float64  `json:"commission"`
	DistanceM  float64  `json:"distance_m"`
	DurationS  float64  `json:"duration_s"`
}

// Engine prices trips from the current Settings. Settings can be swapped at
// runtime; each quote reads one consistent snapshot.
type Engine struct {
	mu       sync.RWMutex
	settings Settings
}

func NewEngine(s Settings) *Engine {
	return &Engine{settings: s}
}

func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

func (e *Engine) SetSettings(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

// Quote prices a trip with the active tariff.
func (e *Engine) Quote(class models.CarClass, distanceM, durationS float64, pc Context) (Quote, error) {
	s := e.Settings()
	t, err := s.ActiveTariff()
	if err != nil {
		return Quote{}, err
	}
	return s.Quote(t, class, distanceM, durationS, pc)
}

// Quote is the pricing contract: base fare, class multiplier, then the
// product of the time, weather and demand multipliers.
func (s Settings) Quote(t Tariff, class models.CarClass, distanceM, durationS float64, pc Context) (Quote, error) {
	classMul, ok := s.ClassMultipliers[class]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	distanceM = math.Max(distanceM, 0)
	durationS = math.Max(durationS, 0)

	base := math.Max(t.Minimum, t.BaseFare+t.PerKm*(distanceM/1000)+t.PerMinute*(durationS/60))
	classFare := base * classMul

	factors := make([]Factor, 0, 6)
	if classMul != 1 {
		factors = append(factors, factor("class_"+string(class), classMul))
	}

	timeMul, timeFactors := s.timeMultiplier(pc.At)
	factors = append(factors, timeFactors...)

	weatherMul := 1.0
	if s.WeatherPercent != 0 {
		weatherMul = 1 + s.WeatherPercent/100
		factors = append(factors, factor("weather", weatherMul))
	}

	demandMul, demandName := s.demandMultiplier(pc.PendingTrips, pc.OnlineDrivers)
	if demandMul != 1 {
		factors = append(factors, factor(demandName, demandMul))
	}

	total := timeMul * weatherMul * demandMul
	amount := roundTo(classFare*total, s.MinorUnits)
	return Quote{
		Amount:     amount,
		Currency:   t.Currency,
		BaseFare:   roundTo(base, s.MinorUnits),
		ClassFare:  roundTo(classFare, s.MinorUnits),
		Multiplier: total,
		Factors:    factors,
		Commission: Commission(amount, t.CommissionPercent, s.MinorUnits),
		DistanceM:  distanceM,
		DurationS:  durationS,
	}, nil
}

func (s Settings) timeMultiplier(at time.Time) (float64, []Factor) {
	if at.IsZero() {
		return 1, nil
	}
	local := at.In(s.Location())
	hour := local.Hour()
	mul := 1.0
	var factors []Factor
	apply := func(name string, m float64) {
		if m == 0 || m == 1 {
			return
		}
		mul *= m
		factors = append(factors, factor(name, m))
	}
	if s.MorningPeak.Contains(hour) || s.EveningPeak.Contains(hour) {
		apply("peak", s.PeakMultiplier)
	}
	if s.Night.Contains(hour) {
		apply("night", 1+s.NightPercent/100)
	}
	if s.WeekendEvening.Contains(local) {
		apply("weekend_evening", s.WeekendMultiplier)
	}
	if s.MondayMorning.Contains(local) {
		apply("monday_morning", s.MondayMultiplier)
	}
	return mul, factors
}

func (s Settings) demandMultiplier(pending, online int) (float64, string) {
	d := s.Demand
	if online <= 0 {
		return orOne(d.NoDrivers), "demand_no_drivers"
	}
	ratio := float64(pending) / float64(online)
	switch {
	case ratio > d.VeryHighRatio:
		return orOne(d.VeryHigh), "demand_very_high"
	case ratio > d.HighRatio:
		return orOne(d.High), "demand_high"
	case ratio > d.MediumRatio:
		return orOne(d.Medium), "demand_medium"
	case ratio < d.LowRatio:
		return orOne(d.Low), "demand_low"
	}
	return 1, ""
}

// Commission is fare * percent/100 at the currency precision.
func Commission(fare, percent float64, minorUnits int) float64 {
	return roundTo(fare*percent/100, minorUnits)
}

func factor(name string, m float64) Factor {
	return Factor{Name: name, Multiplier: m, Percent: math.Round((m-1)*10000) / 100}
}

func orOne(m float64) float64 {
	if m <= 0 {
		return 1
	}
	return m
}

func roundTo(v float64, minorUnits int) float64 {
	p := math.Pow10(minorUnits)
	return math.Round(v*p) / p
}
