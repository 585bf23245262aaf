package simulated

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Config drives a sensor that flips between a near and a far reading, the
// way a phone's proximity sensor reports when something covers it.
type Config struct {
	RateHz      float64       `yaml:"rate_hz"`
	Near        float64       `yaml:"near"`
	Far         float64       `yaml:"far"`
	Jitter      float64       `yaml:"jitter"`
	SwitchEvery time.Duration `yaml:"switch_every"`
	Unsupported bool          `yaml:"unsupported"`
}

func (c *Config) ApplyDefaults() {
	if c.RateHz <= 0 {
		c.RateHz = 10
	}
	if c.Far == 0 && c.Near == 0 {
		c.Far = 5
	}
	if c.SwitchEvery <= 0 {
		c.SwitchEvery = 3 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

type Sensor struct {
	cfg Config
	rng *rand.Rand

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Sensor {
	cfg.ApplyDefaults()
	return &Sensor{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

func (s *Sensor) Info(context.Context) (*domain.DeviceInfo, error) {
	if s.cfg.Unsupported {
		return nil, ports.ErrUnsupported
	}
	return &domain.DeviceInfo{
		MaxRange:   max(s.cfg.Near, s.cfg.Far),
		MinDelay:   1e6 / s.cfg.RateHz,
		Name:       "Simulated Proximity Sensor",
		Power:      0.1,
		Resolution: max(s.cfg.Near, s.cfg.Far),
		Type:       "proximity",
		Vendor:     "ProxiFlow",
		Version:    "1",
	}, nil
}

func (s *Sensor) Start(_ ports.SensorOptions, out chan<- *domain.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Unsupported {
		return ports.ErrUnsupported
	}
	if s.cancel != nil {
		return fmt.Errorf("simulated sensor already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, out)
	return nil
}

func (s *Sensor) run(ctx context.Context, out chan<- *domain.RawEvent) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.RateHz))
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ev := &domain.RawEvent{
				Value:             s.value(now.Sub(started)),
				HardwareTimestamp: now.UnixNano(),
				Accuracy:          3,
				ArrivalTime:       now.UnixMilli(),
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}
}

func (s *Sensor) value(elapsed time.Duration) float64 {
	v := s.cfg.Far
	if int64(elapsed/s.cfg.SwitchEvery)%2 == 1 {
		v = s.cfg.Near
	}
	if s.cfg.Jitter > 0 {
		v += (s.rng.Float64()*2 - 1) * s.cfg.Jitter
	}
	return max(v, 0)
}

func (s *Sensor) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return nil
}

var _ ports.Sensor = (*Sensor)(nil)
