package pricing

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNoTariffConfigured = errors.New("no active tariff configured")
	ErrUnknownClass       = errors.New("unknown car class")
)

// Tariff is a fare table. Amounts are in major currency units.
type Tariff struct {
	Name              string  `yaml:"name"`
	Active            bool    `yaml:"active"`
	Currency          string  `yaml:"currency"`
	BaseFare          float64 `yaml:"base_fare"`
	PerKm             float64 `yaml:"per_km"`
	PerMinute         float64 `yaml:"per_minute"`
	Minimum           float64 `yaml:"minimum"`
	CommissionPercent float64 `yaml:"commission_percent"`
}

// HourBand is a half-open [From, To) range of local hours. A band with
// From > To wraps midnight, e.g. 22..6.
type HourBand struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

func (b HourBand) Contains(hour int) bool {
	if b.From == b.To {
		return false
	}
	if b.From < b.To {
		return hour >= b.From && hour < b.To
	}
	return hour >= b.From || hour < b.To
}

// DayBand limits an hour band to specific weekdays.
type DayBand struct {
	Days  []time.Weekday `yaml:"days"`
	Hours HourBand       `yaml:"hours"`
}

func (b DayBand) Contains(t time.Time) bool {
	for _, d := range b.Days {
		if d == t.Weekday() {
			return b.Hours.Contains(t.Hour())
		}
	}
	return false
}

// DemandTiers maps the pending/online ratio to a multiplier. Ratios are
// compared strictly: above VeryHighRatio, above HighRatio, above MediumRatio,
// below LowRatio.
type DemandTiers struct {
	VeryHighRatio float64 `yaml:"very_high_ratio"`
	VeryHigh      float64 `yaml:"very_high"`
	HighRatio     float64 `yaml:"high_ratio"`
	High          float64 `yaml:"high"`
	MediumRatio   float64 `yaml:"medium_ratio"`
	Medium        float64 `yaml:"medium"`
	LowRatio      float64 `yaml:"low_ratio"`
	Low           float64 `yaml:"low"`
	NoDrivers     float64 `yaml:"no_drivers"`
}

// Settings is the full pricing configuration: fare tables plus the
// percentage knobs applied on top of them.
type Settings struct {
	Timezone         string                     `yaml:"timezone"`
	MinorUnits       int                        `yaml:"minor_units"`
	Tariffs          []Tariff                   `yaml:"tariffs"`
	ClassMultipliers map[models.CarClass]float64 `yaml:"class_multipliers"`

	MorningPeak       HourBand `yaml:"morning_peak"`
	EveningPeak       HourBand `yaml:"evening_peak"`
	PeakMultiplier    float64  `yaml:"peak_multiplier"`
	Night             HourBand `yaml:"night"`
	NightPercent      float64  `yaml:"night_percent"`
	WeekendEvening    DayBand  `yaml:"weekend_evening"`
	WeekendMultiplier float64  `yaml:"weekend_multiplier"`
	MondayMorning     DayBand  `yaml:"monday_morning"`
	MondayMultiplier  float64  `yaml:"monday_multiplier"`
	WeatherPercent    float64  `yaml:"weather_percent"`

	Demand DemandTiers `yaml:"demand"`
}

func DefaultSettings() Settings {
	return Settings{
		Timezone:   "UTC",
		MinorUnits: 2,
		Tariffs: []Tariff{{
			Name:              "default",
			Active:            true,
			Currency:          "KZT",
			BaseFare:          50,
			PerKm:             8,
			PerMinute:         1,
			Minimum:           80,
			CommissionPercent: 10,
		}},
		ClassMultipliers: map[models.CarClass]float64{
			models.ClassEconomy:  1.0,
			models.ClassStandard: 1.3,
			models.ClassComfort:  1.6,
			models.ClassBusiness: 2.0,
		},
		MorningPeak:       HourBand{From: 7, To: 10},
		EveningPeak:       HourBand{From: 17, To: 20},
		PeakMultiplier:    1.3,
		Night:             HourBand{From: 22, To: 6},
		NightPercent:      0,
		WeekendEvening:    DayBand{Days: []time.Weekday{time.Friday, time.Saturday}, Hours: HourBand{From: 18, To: 24}},
		WeekendMultiplier: 1.2,
		MondayMorning:     DayBand{Days: []time.Weekday{time.Monday}, Hours: HourBand{From: 6, To: 10}},
		MondayMultiplier:  1.15,
		Demand: DemandTiers{
			VeryHighRatio: 3, VeryHigh: 1.5,
			HighRatio: 2, High: 1.3,
			MediumRatio: 1.5, Medium: 1.15,
			LowRatio: 0.3, Low: 0.9,
			NoDrivers: 1.5,
		},
	}
}

// ActiveTariff returns the first tariff marked active.
func (s Settings) ActiveTariff() (Tariff, error) {
	for _, t := range s.Tariffs {
		if t.Active {
			return t, nil
		}
	}
	return Tariff{}, ErrNoTariffConfigured
}

// Location resolves Timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Settings) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(s.Timezone); s.Timezone != "" && err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err))
	}
	if s.MinorUnits < 0 || s.MinorUnits > 4 {
		errs = append(errs, fmt.Errorf("minor_units must be within 0..4"))
	}
	for class, m := range s.ClassMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("class multiplier for %s must be > 0", class))
		}
	}
	for _, t := range s.Tariffs {
		if t.Minimum < 0 || t.BaseFare < 0 || t.PerKm < 0 || t.PerMinute < 0 {
			errs = append(errs, fmt.Errorf("tariff %q has negative amounts", t.Name))
		}
	}
	return errors.Join(errs...)
}

// LoadFile reads settings from a YAML file. Keys missing from the file keep
// their DefaultSettings values.
func LoadFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read pricing file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("parse pricing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
