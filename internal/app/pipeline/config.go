package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/ghalamif/ProxiFlow/internal/domain"
)

// ErrInvalidConfig is returned for sampling settings that cannot be clamped.
var ErrInvalidConfig = errors.New("invalid sampling config")

// MinPeriodMinutes is the shortest flush period accepted (one second).
const MinPeriodMinutes = 1.0 / 60.0

const (
	DefaultIntervalHz    = 5
	DefaultPeriodMinutes = 1.0
)

// Observer receives every accepted record.
type Observer interface {
	OnDataChanged(r *domain.Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r *domain.Record)

func (f ObserverFunc) OnDataChanged(r *domain.Record) { f(r) }

// Config holds the tunable sampling parameters. A Config value is never mutated
// once the pipeline publishes it; changes produce a new value.
type Config struct {
	// IntervalHz is the target samples per second; 0 means fastest.
	IntervalHz    int
	PeriodMinutes float64
	Threshold     float64
	Label         string
	Observer      Observer
}

func DefaultConfig() Config {
	return Config{
		IntervalHz:    DefaultIntervalHz,
		PeriodMinutes: DefaultPeriodMinutes,
	}
}

// ReplaceWith copies every field of other into a new Config.
func (c Config) ReplaceWith(other Config) Config {
	c.IntervalHz = other.IntervalHz
	c.PeriodMinutes = other.PeriodMinutes
	c.Threshold = other.Threshold
	c.Label = other.Label
	c.Observer = other.Observer
	return c
}

// Update is a partial change; nil fields keep the live value.
type Update struct {
	IntervalHz    *int
	PeriodMinutes *float64
	Threshold     *float64
	Label         *string
	Observer      Observer
	ClearObserver bool
}

func (c Config) Merge(u Update) Config {
	if u.IntervalHz != nil {
		c.IntervalHz = *u.IntervalHz
	}
	if u.PeriodMinutes != nil {
		c.PeriodMinutes = *u.PeriodMinutes
	}
	if u.Threshold != nil {
		c.Threshold = *u.Threshold
	}
	if u.Label != nil {
		c.Label = *u.Label
	}
	switch {
	case u.ClearObserver:
		c.Observer = nil
	case u.Observer != nil:
		c.Observer = u.Observer
	}
	return c
}

// Normalize rejects a negative interval and clamps the period and threshold
// into their valid ranges.
func (c Config) Normalize() (Config, error) {
	if c.IntervalHz < 0 {
		return c, fmt.Errorf("%w: interval_hz=%d must be >= 0", ErrInvalidConfig, c.IntervalHz)
	}
	if math.IsNaN(c.PeriodMinutes) || c.PeriodMinutes < MinPeriodMinutes {
		c.PeriodMinutes = MinPeriodMinutes
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 {
		c.Threshold = 0
	}
	return c, nil
}

// SamplingPeriodMicros converts the interval into a hardware sampling hint.
func (c Config) SamplingPeriodMicros() int {
	if c.IntervalHz <= 0 {
		return 0
	}
	return 1_000_000 / c.IntervalHz
}
