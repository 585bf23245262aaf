package ports

import (
	"context"
	"errors"

	"github.com/ghalamif/ProxiFlow/internal/domain"
)

// ErrUnsupported is returned by a Sensor when the device has no proximity sensor.
var ErrUnsupported = errors.New("proximity sensor not available")

// SensorOptions carries the sampling hints used to register with the hardware.
type SensorOptions struct {
	IntervalHz int
	// SamplingPeriodMicros is 1e6/IntervalHz, or 0 for the fastest rate.
	SamplingPeriodMicros int
}

// Sensor delivers raw proximity events one at a time. After Stop returns no
// further sends happen on out.
type Sensor interface {
	Info(ctx context.Context) (*domain.DeviceInfo, error)
	Start(opts SensorOptions, out chan<- *domain.RawEvent) error
	Stop() error
}
