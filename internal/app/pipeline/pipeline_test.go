package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghalamif/ProxiFlow/internal/adapters/queue"
	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

const base int64 = 1_700_000_000_000

func fixedClock() time.Time { return time.UnixMilli(base) }

func TestPipelineGatesAndFiltersEvents(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	rec := &recordingObserver{}
	p := newTestPipeline(t, sensor, store, ports.Policy{SkipFinalFlush: true})

	cfg := Config{IntervalHz: 1, PeriodMinutes: 1, Observer: rec}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base, 5)
	sensor.push(base+400, 6)
	sensor.push(base+1100, 7)
	waitFor(t, func() bool { return rec.len() == 2 })

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got := rec.all()
	if got[0].Timestamp != base || got[0].Value != 5 {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
	if got[1].Timestamp != base+1100 || got[1].Value != 7 {
		t.Fatalf("unexpected second record: %+v", got[1])
	}
	if got[0].DeviceID != "dev-1" || got[0].JSONVersion != domain.JSONVersion {
		t.Fatalf("record not stamped: %+v", got[0])
	}
	if n := len(store.entries(domain.TableSamples)); n != 0 {
		t.Fatalf("no flush expected inside the period, got %d saved samples", n)
	}
	if n := len(store.entries(domain.TableDevices)); n != 1 {
		t.Fatalf("expected one device row, got %d", n)
	}
}

func TestPipelineFilterRejectStillMovesRateClock(t *testing.T) {
	sensor := &fakeSensor{}
	rec := &recordingObserver{}
	p := newTestPipeline(t, sensor, &fakePersistence{}, ports.Policy{SkipFinalFlush: true})

	cfg := Config{IntervalHz: 1, PeriodMinutes: 1, Threshold: 1, Observer: rec}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base, 5)      // accepted
	sensor.push(base+950, 5)  // passes gate, filtered; rate clock moves to +950
	sensor.push(base+1000, 9) // only 50ms after +950, rate limited
	sensor.push(base+1900, 9) // accepted
	waitFor(t, func() bool { return rec.len() == 2 })
	_ = p.Stop(context.Background())

	got := rec.all()
	if got[1].Timestamp != base+1900 {
		t.Fatalf("expected second record at +1900, got %d", got[1].Timestamp-base)
	}
}

func TestPipelineFlushesWhenPeriodElapses(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	notes := &countingNotifier{}
	p := newTestPipeline(t, sensor, store, ports.Policy{SkipFinalFlush: true}, WithNotifier(notes))

	cfg := Config{IntervalHz: 0, PeriodMinutes: MinPeriodMinutes}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+100, 1)
	sensor.push(base+1200, 2)
	waitFor(t, func() bool { return len(store.entries(domain.TableSamples)) == 2 })
	waitFor(t, func() bool { return notes.count() == 1 })
	_ = p.Stop(context.Background())

	if p.BufferLen() != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", p.BufferLen())
	}
}

func TestPipelineDropsBatchWhenSaveFails(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{failTable: domain.TableSamples}
	obs := newMockObs()
	notes := &countingNotifier{}
	p, err := New("dev-1", sensor, store, ports.Policy{SkipFinalFlush: true}, obs,
		WithClock(fixedClock), WithNotifier(notes))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cfg := Config{PeriodMinutes: MinPeriodMinutes}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+1500, 1)
	waitFor(t, func() bool { return obs.counter(ports.MetricFlushFailures) == 1 })

	sensor.push(base+1600, 2)
	waitFor(t, func() bool { return obs.counter(ports.MetricAccepted) == 2 })
	_ = p.Stop(context.Background())

	if p.BufferLen() != 1 {
		t.Fatalf("failed batch must not be re-buffered, buffer len %d", p.BufferLen())
	}
	if notes.count() != 0 {
		t.Fatalf("notifier must not fire on failed flush")
	}
}

func TestPipelineStopFlushesRemainingBuffer(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	rec := &recordingObserver{}
	p := newTestPipeline(t, sensor, store, ports.Policy{})

	cfg := Config{PeriodMinutes: 60, Observer: rec}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+10, 3)
	waitFor(t, func() bool { return rec.len() == 1 })

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(store.entries(domain.TableSamples)); n != 1 {
		t.Fatalf("expected final flush to save 1 record, got %d", n)
	}
	if p.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", p.State())
	}
}

func TestPipelineBufferDropOldest(t *testing.T) {
	sensor := &fakeSensor{}
	buf := queue.NewMemBuffer(2)
	obs := newMockObs()
	p, err := New("dev-1", sensor, &fakePersistence{}, ports.Policy{OnBufferFull: BufferDropOldest, SkipFinalFlush: true}, obs,
		WithClock(fixedClock), WithBuffer(buf))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cfg := Config{PeriodMinutes: 60}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 3; i++ {
		sensor.push(base+int64(i), float64(i))
	}
	waitFor(t, func() bool { return obs.counter(ports.MetricAccepted) == 3 })
	_ = p.Stop(context.Background())

	got := buf.Drain()
	if len(got) != 2 || got[0].Value != 2 || got[1].Value != 3 {
		t.Fatalf("expected records 2 and 3 to remain, got %+v", got)
	}
	if obs.counter(ports.MetricDropped) != 1 {
		t.Fatalf("expected one dropped record, got %v", obs.counter(ports.MetricDropped))
	}
}

func TestPipelineBufferReject(t *testing.T) {
	sensor := &fakeSensor{}
	buf := queue.NewMemBuffer(1)
	obs := newMockObs()
	p, err := New("dev-1", sensor, &fakePersistence{}, ports.Policy{OnBufferFull: BufferReject, SkipFinalFlush: true}, obs,
		WithClock(fixedClock), WithBuffer(buf))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cfg := Config{PeriodMinutes: 60}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+1, 1)
	sensor.push(base+2, 2)
	waitFor(t, func() bool { return obs.counter(ports.MetricDropped) == 1 })
	_ = p.Stop(context.Background())

	got := buf.Drain()
	if len(got) != 1 || got[0].Value != 1 {
		t.Fatalf("expected only the first record, got %+v", got)
	}
	if len(obs.errorList()) == 0 {
		t.Fatalf("expected reject to log an error")
	}
}

func TestPipelineBufferForceFlush(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	buf := queue.NewMemBuffer(1)
	p := newTestPipeline(t, sensor, store, ports.Policy{IdleSleep: time.Millisecond, SkipFinalFlush: true}, WithBuffer(buf))

	cfg := Config{PeriodMinutes: 60}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+1, 1)
	sensor.push(base+2, 2)
	waitFor(t, func() bool { return len(store.entries(domain.TableSamples)) == 1 })
	waitFor(t, func() bool { return buf.Len() == 1 })
	_ = p.Stop(context.Background())

	saved := store.entries(domain.TableSamples)
	if saved[0].(*domain.Record).Value != 1 {
		t.Fatalf("expected first record to be force flushed, got %+v", saved[0])
	}
}

func TestPipelineObserverPanicIsIsolated(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	obs := newMockObs()
	p, err := New("dev-1", sensor, store, ports.Policy{}, obs, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cfg := Config{PeriodMinutes: 60, Observer: ObserverFunc(func(*domain.Record) { panic("boom") })}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+1, 1)
	waitFor(t, func() bool { return obs.counter(ports.MetricAccepted) == 1 })
	_ = p.Stop(context.Background())

	if obs.counter(ports.MetricObserverFailures) != 1 {
		t.Fatalf("expected one observer failure, got %v", obs.counter(ports.MetricObserverFailures))
	}
	if n := len(store.entries(domain.TableSamples)); n != 1 {
		t.Fatalf("record must still be persisted after observer panic, got %d", n)
	}
}

func TestPipelineAsyncObserverDrainsOnStop(t *testing.T) {
	sensor := &fakeSensor{}
	rec := &recordingObserver{}
	obs := newMockObs()
	p, err := New("dev-1", sensor, &fakePersistence{}, ports.Policy{ObserverMode: ObserverModeAsync, ObserverQueueLen: 16, SkipFinalFlush: true}, obs,
		WithClock(fixedClock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cfg := Config{PeriodMinutes: 60, Observer: rec}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 5; i++ {
		sensor.push(base+int64(i), float64(i))
	}
	waitFor(t, func() bool { return obs.counter(ports.MetricAccepted) == 5 })
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if rec.len() != 5 {
		t.Fatalf("expected 5 async deliveries after stop, got %d", rec.len())
	}
}

func TestPipelineLabelChangeAppliesToLaterRecords(t *testing.T) {
	sensor := &fakeSensor{}
	rec := &recordingObserver{}
	p := newTestPipeline(t, sensor, &fakePersistence{}, ports.Policy{SkipFinalFlush: true})

	cfg := Config{PeriodMinutes: 60, Label: "sitting", Observer: rec}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+1, 1)
	waitFor(t, func() bool { return rec.len() == 1 })
	p.SetLabel("walking")
	sensor.push(base+2, 2)
	waitFor(t, func() bool { return rec.len() == 2 })
	_ = p.Stop(context.Background())

	got := rec.all()
	if got[0].Label != "sitting" || got[1].Label != "walking" {
		t.Fatalf("unexpected labels %q, %q", got[0].Label, got[1].Label)
	}
}

func TestPipelineStartTwiceReplacesConfig(t *testing.T) {
	sensor := &fakeSensor{}
	p := newTestPipeline(t, sensor, &fakePersistence{}, ports.Policy{SkipFinalFlush: true})

	first := Config{IntervalHz: 5, PeriodMinutes: 1, Label: "a"}
	if err := p.Start(context.Background(), &first); err != nil {
		t.Fatalf("start: %v", err)
	}
	second := Config{IntervalHz: 2, PeriodMinutes: 3, Label: "b"}
	if err := p.Start(context.Background(), &second); err != nil {
		t.Fatalf("second start: %v", err)
	}
	defer p.Stop(context.Background())

	if sensor.startCount() != 1 {
		t.Fatalf("sensor must be registered once, got %d", sensor.startCount())
	}
	if got := p.Config(); got.Label != "b" || got.IntervalHz != 2 || got.PeriodMinutes != 3 {
		t.Fatalf("expected replaced config, got %+v", got)
	}
	if sensor.options().SamplingPeriodMicros != 200_000 {
		t.Fatalf("expected sampling hint from first start, got %d", sensor.options().SamplingPeriodMicros)
	}
}

func TestPipelineUnsupportedSensor(t *testing.T) {
	sensor := &fakeSensor{infoErr: ports.ErrUnsupported}
	obs := newMockObs()
	p, err := New("dev-1", sensor, &fakePersistence{}, ports.Policy{}, obs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = p.Start(context.Background(), nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if p.Running() {
		t.Fatalf("pipeline must not run without a sensor")
	}
	if len(obs.errorList()) == 0 {
		t.Fatalf("expected unsupported sensor to be logged")
	}
}

func TestPipelineRejectsNegativeInterval(t *testing.T) {
	p := newTestPipeline(t, &fakeSensor{}, &fakePersistence{}, ports.Policy{})
	if err := p.Start(context.Background(), &Config{IntervalHz: -3}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if p.Running() {
		t.Fatalf("invalid config must not start sampling")
	}
}

func TestPipelineCurrentRate(t *testing.T) {
	sensor := &fakeSensor{}
	rec := &recordingObserver{}
	p := newTestPipeline(t, sensor, &fakePersistence{}, ports.Policy{SkipFinalFlush: true})

	cfg := Config{IntervalHz: 0, PeriodMinutes: 60, Observer: rec}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 7; i++ {
		sensor.push(base+int64(i*100), float64(i))
	}
	sensor.push(base+1000, 42)
	waitFor(t, func() bool { return rec.len() == 8 })
	defer p.Stop(context.Background())

	if p.CurrentRate() != 7 {
		t.Fatalf("expected rate 7, got %d", p.CurrentRate())
	}
}

func TestPipelineDeviceInfoStamped(t *testing.T) {
	sensor := &fakeSensor{info: &domain.DeviceInfo{Name: "prox", Vendor: "acme", MaxRange: 5}}
	store := &fakePersistence{}
	p := newTestPipeline(t, sensor, store, ports.Policy{SkipFinalFlush: true})

	cfg := Config{PeriodMinutes: 1, Label: "desk"}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = p.Stop(context.Background())

	rows := store.entries(domain.TableDevices)
	if len(rows) != 1 {
		t.Fatalf("expected one device row, got %d", len(rows))
	}
	dev := rows[0].(*domain.DeviceInfo)
	if dev.DeviceID != "dev-1" || dev.Timestamp != base || dev.Label != "desk" || dev.Name != "prox" {
		t.Fatalf("device info not stamped: %+v", dev)
	}
	if sensor.info.DeviceID != "" {
		t.Fatalf("sensor's info value must not be mutated")
	}
}

func TestPipelineSyncTables(t *testing.T) {
	store := &fakePersistence{}
	p := newTestPipeline(t, &fakeSensor{}, store, ports.Policy{})

	if err := p.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(store.syncs) != 2 {
		t.Fatalf("expected two sync calls, got %d", len(store.syncs))
	}
	if store.syncs[0].table != domain.TableSamples || !store.syncs[0].cfg.RemoveAfterSync {
		t.Fatalf("samples must be removed after sync: %+v", store.syncs[0])
	}
	if store.syncs[1].table != domain.TableDevices || store.syncs[1].cfg.RemoveAfterSync {
		t.Fatalf("device rows must be kept after sync: %+v", store.syncs[1])
	}
}

func TestPipelineStopWithExpiredContextStillFlushes(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	notes := &countingNotifier{}
	p := newTestPipeline(t, sensor, store, ports.Policy{}, WithNotifier(notes))

	cfg := Config{IntervalHz: 0, PeriodMinutes: 60}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+10, 1)
	sensor.push(base+20, 2)
	waitFor(t, func() bool { return p.BufferLen() == 2 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Stop(ctx)

	waitFor(t, func() bool { return len(store.entries(domain.TableSamples)) == 2 })
	waitFor(t, func() bool { return notes.count() == 1 })
	if p.BufferLen() != 0 {
		t.Fatalf("expected empty buffer after final flush, got %d", p.BufferLen())
	}
	if p.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", p.State())
	}
}

func TestPipelineQuietPeriodDoesNotFlush(t *testing.T) {
	sensor := &fakeSensor{}
	store := &fakePersistence{}
	var now atomic.Int64
	now.Store(base)
	p := newTestPipeline(t, sensor, store, ports.Policy{SkipFinalFlush: true},
		WithClock(func() time.Time { return time.UnixMilli(now.Load()) }))

	cfg := Config{IntervalHz: 0, PeriodMinutes: 1}
	if err := p.Start(context.Background(), &cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sensor.push(base+100, 1)
	sensor.push(base+200, 2)
	waitFor(t, func() bool { return p.BufferLen() == 2 })

	// a full period passes with no events
	now.Store(base + 61_000)
	time.Sleep(50 * time.Millisecond)
	if n := len(store.entries(domain.TableSamples)); n != 0 {
		t.Fatalf("no flush expected without events, got %d saved", n)
	}
	if p.BufferLen() != 2 {
		t.Fatalf("expected 2 buffered records, got %d", p.BufferLen())
	}

	sensor.push(base+61_100, 3)
	waitFor(t, func() bool { return len(store.entries(domain.TableSamples)) == 3 })
	_ = p.Stop(context.Background())
}

func newTestPipeline(t *testing.T, sensor *fakeSensor, store *fakePersistence, pol ports.Policy, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock)}, opts...)
	p, err := New("dev-1", sensor, store, pol, newMockObs(), opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type fakeSensor struct {
	mu       sync.Mutex
	info     *domain.DeviceInfo
	infoErr  error
	startErr error
	out      chan<- *domain.RawEvent
	opts     ports.SensorOptions
	starts   int
}

func (s *fakeSensor) Info(context.Context) (*domain.DeviceInfo, error) {
	if s.infoErr != nil {
		return nil, s.infoErr
	}
	if s.info == nil {
		return &domain.DeviceInfo{Name: "fake"}, nil
	}
	return s.info, nil
}

func (s *fakeSensor) Start(opts ports.SensorOptions, out chan<- *domain.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.out = out
	s.opts = opts
	s.starts++
	return nil
}

func (s *fakeSensor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	return nil
}

func (s *fakeSensor) push(at int64, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		s.out <- &domain.RawEvent{Value: value, ArrivalTime: at, HardwareTimestamp: at * 1_000_000}
	}
}

func (s *fakeSensor) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeSensor) options() ports.SensorOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

type syncCall struct {
	table string
	cfg   ports.SyncConfig
}

type fakePersistence struct {
	mu        sync.Mutex
	saved     map[string][]domain.Entry
	syncs     []syncCall
	failTable string
}

func (f *fakePersistence) Save(_ context.Context, table string, entries ...domain.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if table == f.failTable {
		return errors.New("disk full")
	}
	if f.saved == nil {
		f.saved = make(map[string][]domain.Entry)
	}
	f.saved[table] = append(f.saved[table], entries...)
	return nil
}

func (f *fakePersistence) StartSync(_ context.Context, table string, cfg ports.SyncConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, syncCall{table: table, cfg: cfg})
	return nil
}

func (f *fakePersistence) Close() error { return nil }

func (f *fakePersistence) entries(table string) []domain.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Entry(nil), f.saved[table]...)
}

type recordingObserver struct {
	mu      sync.Mutex
	records []*domain.Record
}

func (r *recordingObserver) OnDataChanged(rec *domain.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingObserver) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *recordingObserver) all() []*domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Record(nil), r.records...)
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type mockObs struct {
	mu       sync.Mutex
	errors   []error
	counters map[string]float64
}

func newMockObs() *mockObs { return &mockObs{counters: make(map[string]float64)} }

func (m *mockObs) LogDebug(string, ...ports.Field) {}
func (m *mockObs) LogInfo(string, ...ports.Field)  {}
func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}
func (m *mockObs) LogCritical(_ string, err error, _ ...ports.Field) { m.LogError("", err) }
func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += v
}
func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(string, float64)       {}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *mockObs) errorList() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errors...)
}
