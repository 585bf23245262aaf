package proxiflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// ErrExternalSensorStopped is returned by Push while the runtime is not sampling.
var ErrExternalSensorStopped = errors.New("proxiflow: external sensor not started")

// ExternalSensor lets platform code push proximity readings into a Runtime,
// for sensors that ProxiFlow cannot open itself. Pass it with WithSensor.
type ExternalSensor struct {
	info        *DeviceInfo
	unsupported bool

	mu   sync.RWMutex
	out  chan<- *domain.RawEvent
	opts SensorOptions
	now  func() time.Time
}

// NewExternalSensor describes the hardware behind the pushed readings. A nil
// info marks the device as having no proximity sensor.
func NewExternalSensor(info *DeviceInfo) *ExternalSensor {
	s := &ExternalSensor{now: time.Now}
	if info == nil {
		s.unsupported = true
		return s
	}
	cp := *info
	s.info = &cp
	return s
}

func (s *ExternalSensor) Info(context.Context) (*domain.DeviceInfo, error) {
	if s.unsupported {
		return nil, ports.ErrUnsupported
	}
	cp := *s.info
	return &cp, nil
}

func (s *ExternalSensor) Start(opts ports.SensorOptions, out chan<- *domain.RawEvent) error {
	if s.unsupported {
		return ports.ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = out
	s.opts = opts
	return nil
}

// Stop waits for in-flight Push calls, so nothing is sent after it returns.
func (s *ExternalSensor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	return nil
}

// Options reports the sampling hints of the current session, for platforms
// that configure the hardware rate themselves.
func (s *ExternalSensor) Options() (SensorOptions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts, s.out != nil
}

// Push delivers one reading stamped with the current time.
func (s *ExternalSensor) Push(ctx context.Context, value float64, accuracy int) error {
	now := s.now()
	return s.PushEvent(ctx, RawEvent{
		Value:             value,
		HardwareTimestamp: now.UnixNano(),
		Accuracy:          accuracy,
		ArrivalTime:       now.UnixMilli(),
	})
}

// PushEvent delivers a reading as-is. It blocks while the event queue is full.
func (s *ExternalSensor) PushEvent(ctx context.Context, ev RawEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.out == nil {
		return ErrExternalSensorStopped
	}
	if ev.ArrivalTime == 0 {
		ev.ArrivalTime = s.now().UnixMilli()
	}
	select {
	case s.out <- &ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ports.Sensor = (*ExternalSensor)(nil)
