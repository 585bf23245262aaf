package proxiflow

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/ghalamif/ProxiFlow/internal/adapters/store/memory"
)

func TestConfFromConfigAndStreamBuilder(t *testing.T) {
	cfg := testConfig(t)

	flow, err := ConfFromConfig(cfg, WithFlowOptions(WithLogger(zap.NewNop())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	if flow.Config() != cfg {
		t.Fatalf("expected Config to be returned verbatim")
	}

	sensor := NewExternalSensor(proximityInfo())
	store := memory.New()
	remote := &stubRemote{}

	rt, err := flow.
		StreamIN(
			StreamInSensor(sensor),
			StreamInObserver(ObserverFunc(func(*Record) {})),
		).
		StreamOUT(
			StreamOutStore(store),
			StreamOutRemote(remote),
			StreamOutCallback("noop", func(context.Context) error { return nil }),
		)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if rt.sensor != sensor {
		t.Fatalf("expected custom sensor to be wired")
	}
	if rt.store != store {
		t.Fatalf("expected custom store to be wired")
	}
	if !rt.engine.HasRemote() {
		t.Fatalf("expected custom remote to be wired")
	}
}

func TestFlowRunUsesStreamOutOptions(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// stop immediately; Run must still shut down cleanly
	cancel()
	if err := flow.
		Options(WithLogger(zap.NewNop())).
		StreamIN(StreamInSensor(NewExternalSensor(proximityInfo()))).
		Run(ctx, StreamOutStore(memory.New())); err != nil && err != context.Canceled {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
}

func TestFlowSamplingOptions(t *testing.T) {
	hz, threshold := 20, 0.5
	flow, err := ConfFromConfig(testConfig(t),
		WithLabel("walking"),
		WithDeviceID("dev-2"),
		WithSampling(SamplingUpdate{IntervalHz: &hz, Threshold: &threshold}),
	)
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	got := flow.Sampling()
	if got.IntervalHz != 20 || got.Threshold != 0.5 || got.PeriodMinutes != 10 || got.Label != "walking" {
		t.Fatalf("unexpected sampling %+v", got)
	}

	in, sensor := StreamInExternal(proximityInfo())
	rt, err := flow.Options(WithLogger(zap.NewNop())).StreamIN(in).StreamOUT()
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if rt.sensor != sensor {
		t.Fatalf("expected the external sensor to be wired")
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	opts, running := sensor.Options()
	if !running || opts.IntervalHz != 20 {
		t.Fatalf("expected sensor started at 20 Hz, got %+v running=%v", opts, running)
	}
	if st := rt.Status(); st.DeviceID != "dev-2" || st.Label != "walking" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestFlowRejectsInvalidSampling(t *testing.T) {
	bad := -3
	if _, err := ConfFromConfig(testConfig(t), WithSampling(SamplingUpdate{IntervalHz: &bad})); err == nil {
		t.Fatalf("expected negative interval to fail in Conf")
	}
	if _, err := ConfFromConfig(testConfig(t), WithDeviceID("")); err == nil {
		t.Fatalf("expected empty device id to fail")
	}
}

func TestConfFromConfigRejectsNil(t *testing.T) {
	if _, err := ConfFromConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	var f *Flow
	if _, err := f.StreamOUT(); err == nil {
		t.Fatalf("expected error for nil flow")
	}
}
