package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/ProxiFlow/internal/adapters/queue"
	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// ErrUnsupported means the device has no proximity sensor; the session
// should end instead of idling.
var ErrUnsupported = errors.New("pipeline: proximity sensor unsupported")

const (
	BufferForceFlush = "force_flush"
	BufferDropOldest = "drop_oldest"
	BufferReject     = "reject"
)

type State int32

const (
	StateStopped State = iota
	StateStarted
	StateSampling
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateSampling:
		return "sampling"
	case StateFlushing:
		return "flushing"
	default:
		return "stopped"
	}
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.clock = now
		}
	}
}

// WithNotifier installs the collaborator told about every successful flush.
func WithNotifier(n ports.Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// WithBuffer swaps the default MemBuffer.
func WithBuffer(b ports.RecordBuffer) Option {
	return func(p *Pipeline) {
		if b != nil {
			p.buffer = b
		}
	}
}

// WithConfig sets the initial sampling config.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		c := cfg
		p.cfg.Store(&c)
	}
}

// Pipeline turns raw sensor events into persisted records:
// RateGate → ChangeFilter → Record → {Observer, Buffer, StatsCounter} → flush.
//
// Gate, filter, stats and scheduler state belong to the worker goroutine.
// Config is swapped whole through an atomic pointer.
type Pipeline struct {
	deviceID string
	sensor   ports.Sensor
	store    ports.Persistence
	notifier ports.Notifier
	buffer   ports.RecordBuffer
	policy   ports.Policy
	obs      ports.Observability
	clock    func() time.Time

	cfgMu sync.Mutex
	cfg   atomic.Pointer[Config]

	lifeMu  sync.Mutex
	running bool
	sess    *session
	state   atomic.Int32

	flushMu sync.Mutex
	rate    atomic.Int64
}

// session is one Start→Stop cycle. Gate, filter, stats and scheduler are
// touched only by the session's worker goroutine.
type session struct {
	events      chan *domain.RawEvent
	flushReq    chan struct{}
	stopping    chan struct{}
	quit        chan struct{}
	workerDone  chan struct{}
	flusherDone chan struct{}
	observers   *dispatcher

	gate   RateGate
	filter ChangeFilter
	stats  StatsCounter
	sched  FlushScheduler
}

func newSession(now int64, pol ports.Policy, obs ports.Observability) *session {
	s := &session{
		events:      make(chan *domain.RawEvent, pol.EventQueueLen),
		flushReq:    make(chan struct{}, 1),
		stopping:    make(chan struct{}),
		quit:        make(chan struct{}),
		workerDone:  make(chan struct{}),
		flusherDone: make(chan struct{}),
		observers:   newDispatcher(pol, obs),
	}
	s.stats.Reset(now)
	s.sched.Mark(now)
	return s
}

func New(deviceID string, sensor ports.Sensor, store ports.Persistence, pol ports.Policy, obs ports.Observability, opts ...Option) (*Pipeline, error) {
	if sensor == nil {
		return nil, fmt.Errorf("sensor is required")
	}
	if store == nil {
		return nil, fmt.Errorf("persistence is required")
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	pol = withPolicyDefaults(pol)

	p := &Pipeline{
		deviceID: deviceID,
		sensor:   sensor,
		store:    store,
		policy:   pol,
		obs:      obs,
		clock:    time.Now,
	}
	def := DefaultConfig()
	p.cfg.Store(&def)

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.buffer == nil {
		p.buffer = queue.NewMemBuffer(pol.MaxBufferLen)
	}

	norm, err := p.cfg.Load().Normalize()
	if err != nil {
		return nil, err
	}
	p.cfg.Store(&norm)
	return p, nil
}

func withPolicyDefaults(pol ports.Policy) ports.Policy {
	if pol.MaxBufferLen <= 0 {
		pol.MaxBufferLen = 10_000
	}
	if pol.EventQueueLen <= 0 {
		pol.EventQueueLen = 1024
	}
	if pol.IdleSleep <= 0 {
		pol.IdleSleep = 5 * time.Millisecond
	}
	if pol.FlushTimeout <= 0 {
		pol.FlushTimeout = 30 * time.Second
	}
	if pol.OnBufferFull == "" {
		pol.OnBufferFull = BufferForceFlush
	}
	if pol.ObserverMode == "" {
		pol.ObserverMode = ObserverModeSync
	}
	if pol.ObserverQueueLen <= 0 {
		pol.ObserverQueueLen = 256
	}
	return pol
}

// Start begins sampling. Calling Start on a running pipeline only replaces
// the config; the sensor keeps its current registration.
func (p *Pipeline) Start(ctx context.Context, cfg *Config) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if cfg != nil {
		if err := p.Replace(*cfg); err != nil {
			return err
		}
	}
	if p.running {
		return nil
	}

	info, err := p.sensor.Info(ctx)
	if err != nil {
		if errors.Is(err, ports.ErrUnsupported) {
			p.obs.LogError("sensor_unsupported", err)
			return fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return fmt.Errorf("sensor info: %w", err)
	}

	live := p.Config()
	now := p.now()
	p.saveDevice(ctx, info, live, now)

	sess := newSession(now, p.policy, p.obs)
	p.rate.Store(0)
	p.state.Store(int32(StateStarted))

	go p.runFlusher(sess)
	go p.runWorker(sess)

	opts := ports.SensorOptions{
		IntervalHz:           live.IntervalHz,
		SamplingPeriodMicros: live.SamplingPeriodMicros(),
	}
	if err := p.sensor.Start(opts, sess.events); err != nil {
		_ = p.teardown(ctx, sess, true)
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("sensor start: %w", err)
	}

	p.sess = sess
	p.running = true
	p.state.CompareAndSwap(int32(StateStarted), int32(StateSampling))
	p.obs.LogInfo("pipeline_started",
		ports.Field{Key: "interval_hz", Value: live.IntervalHz},
		ports.Field{Key: "period_minutes", Value: live.PeriodMinutes},
		ports.Field{Key: "threshold", Value: live.Threshold})
	return nil
}

// Stop stops the sensor, finishes the events already delivered and any flush
// in progress, then flushes the remaining buffer unless the policy skips it.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	var errs []error
	if err := p.sensor.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("sensor stop: %w", err))
	}
	sess := p.sess
	p.sess = nil
	if err := p.teardown(ctx, sess, p.policy.SkipFinalFlush); err != nil {
		errs = append(errs, err)
	}
	p.state.Store(int32(StateStopped))
	p.rate.Store(0)
	p.obs.LogInfo("pipeline_stopped")
	return errors.Join(errs...)
}

// teardown ends a session. When ctx expires first it returns the error and a
// goroutine finishes the remaining steps, final flush included.
func (p *Pipeline) teardown(ctx context.Context, sess *session, skipFinalFlush bool) error {
	close(sess.stopping)
	close(sess.events)

	finish := func() {
		if !skipFinalFlush {
			p.flush(context.WithoutCancel(ctx))
		}
		sess.observers.stop()
	}

	select {
	case <-sess.workerDone:
	case <-ctx.Done():
		go func() {
			<-sess.workerDone
			close(sess.quit)
			<-sess.flusherDone
			finish()
		}()
		return fmt.Errorf("waiting for worker: %w", ctx.Err())
	}

	close(sess.quit)
	select {
	case <-sess.flusherDone:
	case <-ctx.Done():
		go func() {
			<-sess.flusherDone
			finish()
		}()
		return fmt.Errorf("waiting for flush: %w", ctx.Err())
	}

	finish()
	return nil
}

func (p *Pipeline) runWorker(sess *session) {
	defer close(sess.workerDone)
	for ev := range sess.events {
		if ev == nil {
			continue
		}
		p.process(sess, ev)
	}
}

func (p *Pipeline) runFlusher(sess *session) {
	defer close(sess.flusherDone)
	for {
		select {
		case <-sess.quit:
			return
		case <-sess.flushReq:
			p.flush(context.Background())
		}
	}
}

// process runs on the worker goroutine only.
func (p *Pipeline) process(sess *session, ev *domain.RawEvent) {
	cfg := p.cfg.Load()
	now := ev.ArrivalTime
	if now == 0 {
		now = p.now()
	}
	p.obs.IncCounter(ports.MetricEvents, 1)

	sess.stats.Roll(now)
	p.publishRate(sess.stats.Rate())

	if !sess.gate.Accept(now, cfg.IntervalHz) {
		p.obs.IncCounter(ports.MetricRateLimited, 1)
		return
	}
	// The rate clock has already moved even if the filter rejects below.
	if !sess.filter.Accept(ev.Value, cfg.Threshold) {
		p.obs.IncCounter(ports.MetricFiltered, 1)
		return
	}

	rec := &domain.Record{
		Timestamp:      now,
		EventTimestamp: ev.HardwareTimestamp,
		Value:          ev.Value,
		Accuracy:       ev.Accuracy,
		Label:          cfg.Label,
		DeviceID:       p.deviceID,
		JSONVersion:    domain.JSONVersion,
	}
	sess.observers.dispatch(cfg.Observer, rec)

	if !p.appendRecord(sess, rec, now) {
		return
	}
	sess.stats.Tick()
	p.obs.IncCounter(ports.MetricAccepted, 1)
	p.obs.SetGauge(ports.MetricBufferLength, float64(p.buffer.Len()))

	if sess.sched.Due(now, cfg.PeriodMinutes) {
		sess.requestFlush()
	}
}

func (p *Pipeline) appendRecord(sess *session, r *domain.Record, now int64) bool {
	if p.buffer.Append(r) {
		return true
	}

	switch p.policy.OnBufferFull {
	case BufferDropOldest:
		n := p.buffer.DropOldest(1)
		p.obs.IncCounter(ports.MetricDropped, float64(n))
		if p.buffer.Append(r) {
			return true
		}
		p.obs.IncCounter(ports.MetricDropped, 1)
		return false
	case BufferReject:
		p.obs.IncCounter(ports.MetricDropped, 1)
		p.obs.LogError("buffer_full_reject", fmt.Errorf("buffer length exceeded capacity %d", p.buffer.Cap()))
		return false
	default:
		sess.sched.Mark(now)
		timer := time.NewTimer(p.policy.IdleSleep)
		defer timer.Stop()
		for {
			sess.requestFlush()
			select {
			case <-sess.stopping:
				p.obs.IncCounter(ports.MetricDropped, 1)
				p.obs.LogError("buffer_full_stopping", fmt.Errorf("buffer length exceeded capacity %d", p.buffer.Cap()))
				return false
			case <-timer.C:
			}
			if p.buffer.Append(r) {
				return true
			}
			timer.Reset(p.policy.IdleSleep)
		}
	}
}

func (s *session) requestFlush() {
	select {
	case s.flushReq <- struct{}{}:
	default:
	}
}

// flush drains the buffer and hands the batch to persistence. A failed batch
// is dropped, not re-buffered.
func (p *Pipeline) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	batch := p.buffer.Drain()
	p.obs.SetGauge(ports.MetricBufferLength, float64(p.buffer.Len()))
	if len(batch) == 0 {
		return
	}

	flipped := p.state.CompareAndSwap(int32(StateSampling), int32(StateFlushing))
	defer func() {
		if flipped {
			p.state.CompareAndSwap(int32(StateFlushing), int32(StateSampling))
		}
	}()

	entries := make([]domain.Entry, len(batch))
	for i, r := range batch {
		entries[i] = r
	}

	ctx, cancel := context.WithTimeout(ctx, p.policy.FlushTimeout)
	defer cancel()

	start := time.Now()
	if err := p.store.Save(ctx, domain.TableSamples, entries...); err != nil {
		p.obs.IncCounter(ports.MetricFlushFailures, 1)
		p.obs.LogError("flush_failed", err, ports.Field{Key: "records", Value: len(batch)})
		return
	}
	p.obs.ObserveLatency(ports.MetricFlushLatency, time.Since(start).Seconds())
	p.obs.IncCounter(ports.MetricFlushed, float64(len(batch)))
	p.obs.LogDebug("buffer_saved", ports.Field{Key: "records", Value: len(batch)})

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx); err != nil {
			p.obs.LogError("notify_failed", err)
		}
	}
}

func (p *Pipeline) saveDevice(ctx context.Context, info *domain.DeviceInfo, cfg Config, now int64) {
	if info == nil {
		return
	}
	dev := *info
	dev.DeviceID = p.deviceID
	dev.Timestamp = now
	dev.Label = cfg.Label
	dev.JSONVersion = domain.JSONVersion

	if err := p.store.Save(ctx, domain.TableDevices, &dev); err != nil {
		p.obs.LogError("device_save_failed", err)
		return
	}
	p.obs.LogDebug("sensor_info",
		ports.Field{Key: "name", Value: dev.Name},
		ports.Field{Key: "vendor", Value: dev.Vendor},
		ports.Field{Key: "max_range", Value: dev.MaxRange})
}

func (p *Pipeline) publishRate(current int) {
	rate := int64(current)
	if p.rate.Swap(rate) != rate {
		p.obs.SetGauge(ports.MetricSamplesPerSecond, float64(rate))
	}
}

// Sync uploads both tables: samples are removed once synced, device rows kept.
func (p *Pipeline) Sync(ctx context.Context) error {
	var errs []error
	if err := p.store.StartSync(ctx, domain.TableSamples, ports.SyncConfig{RemoveAfterSync: true}); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", domain.TableSamples, err))
	}
	if err := p.store.StartSync(ctx, domain.TableDevices, ports.SyncConfig{RemoveAfterSync: false}); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", domain.TableDevices, err))
	}
	return errors.Join(errs...)
}

// Replace swaps the whole sampling config.
func (p *Pipeline) Replace(cfg Config) error {
	return p.swap(func(live Config) Config { return live.ReplaceWith(cfg) })
}

// Apply merges a partial update into the live config.
func (p *Pipeline) Apply(u Update) error {
	return p.swap(func(live Config) Config { return live.Merge(u) })
}

// SetLabel tags every record built after it returns.
func (p *Pipeline) SetLabel(label string) {
	_ = p.Apply(Update{Label: &label})
}

func (p *Pipeline) swap(fn func(Config) Config) error {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	next, err := fn(*p.cfg.Load()).Normalize()
	if err != nil {
		return err
	}
	p.cfg.Store(&next)
	return nil
}

// Config returns a copy of the live sampling config.
func (p *Pipeline) Config() Config { return *p.cfg.Load() }

func (p *Pipeline) State() State { return State(p.state.Load()) }

// CurrentRate is the record count of the previous complete one-second window.
func (p *Pipeline) CurrentRate() int { return int(p.rate.Load()) }

func (p *Pipeline) BufferLen() int { return p.buffer.Len() }

func (p *Pipeline) DeviceID() string { return p.deviceID }

func (p *Pipeline) Running() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.running
}

func (p *Pipeline) now() int64 { return p.clock().UnixMilli() }
