package proxiflow

import (
	"context"
	"errors"
	"fmt"
)

// Flow builds a Runtime in three steps: Conf loads the config, StreamIN
// picks where readings come from, StreamOUT picks where they end up.
//
//	rt, err := proxiflow.Conf("config.yaml", proxiflow.WithLabel("walking")).
//		StreamIN(proxiflow.StreamInObserver(obs)).
//		StreamOUT(proxiflow.StreamOutStore(store))
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
	errs []error
}

// FlowOption adjusts the loaded config before any adapter is chosen.
type FlowOption func(*Flow)

// StreamInOption selects the reading side: sensor, observers, observability.
type StreamInOption func(*Flow)

// StreamOutOption selects the persistence side: store, remote, notifiers.
type StreamOutOption func(*Flow)

func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from an in-memory Config. Sampling options
// that fail validation are reported here.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if err := errors.Join(f.errs...); err != nil {
		return nil, err
	}
	return f, nil
}

// WithLabel sets the activity label stamped on every record.
func WithLabel(label string) FlowOption {
	return func(f *Flow) {
		f.cfg.Label = label
	}
}

// WithDeviceID overrides device_id from the file.
func WithDeviceID(id string) FlowOption {
	return func(f *Flow) {
		if id == "" {
			f.errs = append(f.errs, fmt.Errorf("device id must not be empty"))
			return
		}
		f.cfg.DeviceID = id
	}
}

// WithSampling merges u into the sensor section. The merged result is
// normalized the same way the pipeline does it, so a negative rate fails
// in Conf instead of at StreamOUT.
func WithSampling(u SamplingUpdate) FlowOption {
	return func(f *Flow) {
		merged, err := f.cfg.Sampling().Merge(u).Normalize()
		if err != nil {
			f.errs = append(f.errs, fmt.Errorf("sampling: %w", err))
			return
		}
		hz := merged.IntervalHz
		f.cfg.Sensor.IntervalHz = &hz
		f.cfg.Sensor.PeriodMinutes = merged.PeriodMinutes
		f.cfg.Sensor.Threshold = merged.Threshold
		f.cfg.Label = merged.Label
		if u.Observer != nil {
			f.appendOptions(WithObserver(u.Observer))
		}
	}
}

// WithFlowOptions passes RuntimeOption values straight through.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		f.appendOptions(opts...)
	}
}

func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Sampling is the sampling config the built runtime starts with.
func (f *Flow) Sampling() SamplingConfig {
	if f == nil || f.cfg == nil {
		return SamplingConfig{}
	}
	return f.cfg.Sampling()
}

// Options appends raw RuntimeOption values.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies the persistence options and builds the Runtime.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run builds the Runtime and runs it until ctx ends.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func StreamInSensor(s Sensor) StreamInOption {
	return func(f *Flow) {
		if s != nil {
			f.appendOptions(WithSensor(s))
		}
	}
}

// StreamInExternal switches the source to pushed readings and returns the
// sensor platform code pushes into. A nil info means the device has no
// proximity sensor.
func StreamInExternal(info *DeviceInfo) (StreamInOption, *ExternalSensor) {
	sensor := NewExternalSensor(info)
	return func(f *Flow) {
		f.cfg.Source.Driver = "external"
		f.appendOptions(WithSensor(sensor))
	}, sensor
}

func StreamInObserver(o Observer) StreamInOption {
	return func(f *Flow) {
		if o != nil {
			f.appendOptions(WithObserver(o))
		}
	}
}

// StreamInObservability replaces the Prometheus and zap backend.
func StreamInObservability(obs Observability) StreamInOption {
	return func(f *Flow) {
		if obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

func StreamOutStore(s Store) StreamOutOption {
	return func(f *Flow) {
		if s != nil {
			f.appendOptions(WithStore(s))
		}
	}
}

func StreamOutRemote(r Remote) StreamOutOption {
	return func(f *Flow) {
		if r != nil {
			f.appendOptions(WithRemote(r))
		}
	}
}

// StreamOutNotifier adds a notifier told about every successful flush.
func StreamOutNotifier(n Notifier) StreamOutOption {
	return func(f *Flow) {
		if n != nil {
			f.appendOptions(WithNotifier(n))
		}
	}
}

// StreamOutCallback is StreamOutNotifier for a plain function.
func StreamOutCallback(name string, fn func(ctx context.Context) error) StreamOutOption {
	return func(f *Flow) {
		f.appendOptions(WithNotifier(NewCallbackNotifier(name, fn)))
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
