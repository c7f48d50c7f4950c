package pricing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Tuesday noon: no peak, night, weekend or Monday band applies.
var offPeak = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

// neutral demand: ratio 1.0
var calm = Context{At: offPeak, OnlineDrivers: 4, PendingTrips: 4}

func scenarioSettings() Settings {
	s := DefaultSettings()
	s.Tariffs = []Tariff{{Name: "scenario", Active: true, Currency: "KZT", BaseFare: 50, PerKm: 8, PerMinute: 1, Minimum: 80, CommissionPercent: 15}}
	s.NightPercent = 50
	return s
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestQuoteScenarioNight(t *testing.T) {
	s := scenarioSettings()
	tariff, _ := s.ActiveTariff()

	night := Context{At: time.Date(2026, 2, 10, 23, 0, 0, 0, time.UTC), OnlineDrivers: 4, PendingTrips: 4}
	q, err := s.Quote(tariff, models.ClassEconomy, 5000, 600, night)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !almostEqual(q.BaseFare, 100) || !almostEqual(q.ClassFare, 100) {
		t.Fatalf("expected base=class_fare=100, got %v / %v", q.BaseFare, q.ClassFare)
	}
	if !almostEqual(q.Amount, 150) {
		t.Fatalf("expected 150.00, got %.2f", q.Amount)
	}
	if !almostEqual(q.Multiplier, 1.5) {
		t.Fatalf("expected multiplier 1.5, got %v", q.Multiplier)
	}
	if !almostEqual(q.Commission, 22.5) {
		t.Fatalf("expected commission 22.50, got %.2f", q.Commission)
	}
	if len(q.Factors) != 1 || q.Factors[0].Name != "night" || !almostEqual(q.Factors[0].Percent, 50) {
		t.Fatalf("unexpected breakdown %+v", q.Factors)
	}
}

func TestQuoteMultipliersCompose(t *testing.T) {
	s := scenarioSettings()
	tariff, _ := s.ActiveTariff()

	// Friday 23:00 sits in both the night band and the weekend-evening band.
	friNight := Context{At: time.Date(2026, 2, 13, 23, 0, 0, 0, time.UTC), OnlineDrivers: 4, PendingTrips: 4}
	q, err := s.Quote(tariff, models.ClassEconomy, 5000, 600, friNight)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !almostEqual(q.Amount, 180) {
		t.Fatalf("expected 100*1.5*1.2=180, got %.2f", q.Amount)
	}
	if almostEqual(q.Amount, 170) {
		t.Fatalf("multipliers were summed instead of multiplied")
	}
}

func TestQuoteMinimumFloorAndMonotonicity(t *testing.T) {
	s := scenarioSettings()
	tariff, _ := s.ActiveTariff()

	q, err := s.Quote(tariff, models.ClassEconomy, 0, 0, calm)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !almostEqual(q.Amount, 80) {
		t.Fatalf("expected minimum 80, got %.2f", q.Amount)
	}

	prev := 0.0
	for m := 0.0; m <= 30000; m += 750 {
		q, err := s.Quote(tariff, models.ClassComfort, m, 300, calm)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if q.Amount < prev {
			t.Fatalf("fare decreased at %.0fm: %.2f < %.2f", m, q.Amount, prev)
		}
		if q.Amount < tariff.Minimum {
			t.Fatalf("fare below minimum at %.0fm", m)
		}
		prev = q.Amount
	}

	prev = 0
	for sec := 0.0; sec <= 7200; sec += 120 {
		q, _ := s.Quote(tariff, models.ClassEconomy, 2000, sec, calm)
		if q.Amount < prev {
			t.Fatalf("fare decreased at %.0fs: %.2f < %.2f", sec, q.Amount, prev)
		}
		prev = q.Amount
	}
}

func TestQuoteClassMultipliers(t *testing.T) {
	s := scenarioSettings()
	tariff, _ := s.ActiveTariff()
	cases := map[models.CarClass]float64{
		models.ClassEconomy:  100,
		models.ClassStandard: 130,
		models.ClassComfort:  160,
		models.ClassBusiness: 200,
	}
	for class, want := range cases {
		q, err := s.Quote(tariff, class, 5000, 600, calm)
		if err != nil {
			t.Fatalf("%s: %v", class, err)
		}
		if !almostEqual(q.Amount, want) {
			t.Errorf("%s: expected %.2f, got %.2f", class, want, q.Amount)
		}
	}

	if _, err := s.Quote(tariff, "limousine", 5000, 600, calm); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

func TestDemandTiers(t *testing.T) {
	s := scenarioSettings()
	tariff, _ := s.ActiveTariff()
	cases := []struct {
		name            string
		pending, online int
		want            float64
	}{
		{"no drivers", 3, 0, 150},
		{"very high", 7, 2, 150},
		{"high", 5, 2, 130},
		{"medium", 4, 2, 115},
		{"exactly 1.5 is neutral", 3, 2, 100},
		{"neutral", 2, 2, 100},
		{"discount", 1, 10, 90},
		{"zero pending discounts", 0, 5, 90},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pc := Context{At: offPeak, PendingTrips: tc.pending, OnlineDrivers: tc.online}
			q, err := s.Quote(tariff, models.ClassEconomy, 5000, 600, pc)
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if !almostEqual(q.Amount, tc.want) {
				t.Fatalf("expected %.2f, got %.2f", tc.want, q.Amount)
			}
		})
	}
}

func TestTimeBands(t *testing.T) {
	s := scenarioSettings()
	s.NightPercent = 0
	tariff, _ := s.ActiveTariff()
	cases := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"tuesday morning peak", time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC), 130},
		{"tuesday evening peak", time.Date(2026, 2, 10, 18, 30, 0, 0, time.UTC), 130},
		{"monday morning peak", time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC), 149.5},
		{"saturday evening", time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC), 120},
		{"saturday evening peak", time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC), 156},
		{"sunday noon", time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC), 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := s.Quote(tariff, models.ClassEconomy, 5000, 600, Context{At: tc.at, OnlineDrivers: 1, PendingTrips: 1})
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if !almostEqual(q.Amount, tc.want) {
				t.Fatalf("expected %.2f, got %.2f (factors %+v)", tc.want, q.Amount, q.Factors)
			}
		})
	}
}

func TestWeatherSurcharge(t *testing.T) {
	s := scenarioSettings()
	s.WeatherPercent = 20
	tariff, _ := s.ActiveTariff()
	q, err := s.Quote(tariff, models.ClassEconomy, 5000, 600, calm)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !almostEqual(q.Amount, 120) {
		t.Fatalf("expected 120, got %.2f", q.Amount)
	}
}

func TestEngineWithoutTariff(t *testing.T) {
	s := DefaultSettings()
	s.Tariffs = nil
	e := NewEngine(s)
	if _, err := e.Quote(models.ClassEconomy, 1000, 60, calm); !errors.Is(err, ErrNoTariffConfigured) {
		t.Fatalf("expected ErrNoTariffConfigured, got %v", err)
	}

	s.Tariffs = []Tariff{{Name: "inactive", BaseFare: 10}}
	e.SetSettings(s)
	if _, err := e.Quote(models.ClassEconomy, 1000, 60, calm); !errors.Is(err, ErrNoTariffConfigured) {
		t.Fatalf("inactive tariff should not count, got %v", err)
	}
}

func TestParseSettings(t *testing.T) {
	doc := []byte(`
timezone: Asia/Almaty
night_percent: 25
weather_percent: 10
tariffs:
  - name: city
    active: true
    currency: KZT
    base_fare: 300
    per_km: 90
    per_minute: 15
    minimum: 600
    commission_percent: 12
class_multipliers:
  business: 2.5
demand:
  very_high_ratio: 4
  very_high: 1.8
`)
	s, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tariff, err := s.ActiveTariff()
	if err != nil || tariff.Name != "city" || tariff.Minimum != 600 {
		t.Fatalf("unexpected tariff %+v err=%v", tariff, err)
	}
	if s.ClassMultipliers[models.ClassBusiness] != 2.5 || s.ClassMultipliers[models.ClassComfort] != 1.6 {
		t.Fatalf("class multipliers not merged with defaults: %v", s.ClassMultipliers)
	}
	if s.Demand.VeryHighRatio != 4 || s.Demand.High != 1.3 {
		t.Fatalf("demand tiers not merged with defaults: %+v", s.Demand)
	}
	if s.Location().String() != "Asia/Almaty" {
		t.Fatalf("unexpected location %s", s.Location())
	}

	if _, err := Parse([]byte("timezone: Mars/Olympus\n")); err == nil {
		t.Fatal("expected invalid timezone to fail validation")
	}
}

func TestHourBandWrapsMidnight(t *testing.T) {
	b := HourBand{From: 22, To: 6}
	for _, h := range []int{22, 23, 0, 5} {
		if !b.Contains(h) {
			t.Errorf("expected %d inside %+v", h, b)
		}
	}
	for _, h := range []int{6, 12, 21} {
		if b.Contains(h) {
			t.Errorf("expected %d outside %+v", h, b)
		}
	}
}
