package proxiflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ghalamif/ProxiFlow/internal/adapters/control/httpapi"
	"github.com/ghalamif/ProxiFlow/internal/adapters/mqtt"
	"github.com/ghalamif/ProxiFlow/internal/adapters/notify"
	"github.com/ghalamif/ProxiFlow/internal/adapters/observability"
	"github.com/ghalamif/ProxiFlow/internal/adapters/remote/timescale"
	"github.com/ghalamif/ProxiFlow/internal/adapters/sensor/opcua"
	"github.com/ghalamif/ProxiFlow/internal/adapters/sensor/simulated"
	"github.com/ghalamif/ProxiFlow/internal/adapters/store/badger"
	"github.com/ghalamif/ProxiFlow/internal/adapters/store/memory"
	"github.com/ghalamif/ProxiFlow/internal/adapters/wal"
	"github.com/ghalamif/ProxiFlow/internal/app/persist"
	"github.com/ghalamif/ProxiFlow/internal/app/pipeline"
	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/logger"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

const (
	serviceName     = "proxi-edge"
	gaugeInterval   = time.Second
	storeGCInterval = 5 * time.Minute
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	sensor        Sensor
	store         Store
	remote        Remote
	notifiers     []Notifier
	observer      Observer
	observability Observability
	registry      *prometheus.Registry
	logger        *zap.Logger
	clock         func() time.Time
}

// WithSensor injects a custom sensor (platform glue, test doubles, other gateways).
func WithSensor(s Sensor) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sensor = s
	}
}

// WithStore replaces the store selected by store.driver.
func WithStore(s Store) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

// WithRemote replaces the remote selected by sync.remote.
func WithRemote(r Remote) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.remote = r
	}
}

// WithNotifier adds a notifier next to the ones built from config.
func WithNotifier(n Notifier) RuntimeOption {
	return func(o *runtimeOverrides) {
		if n != nil {
			o.notifiers = append(o.notifiers, n)
		}
	}
}

// WithObserver registers the observer that sees every accepted record.
func WithObserver(obs Observer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observer = obs
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRegistry registers the runtime's metrics on reg and serves reg on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *zap.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithClock replaces time.Now for the sampling pipeline.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.clock = now
	}
}

// Runtime wires sensor → pipeline → store → remote together with the HTTP
// and MQTT control surfaces, and exposes lifecycle hooks for embedding
// ProxiFlow inside any Go service. It implements Controller.
type Runtime struct {
	cfg      *Config
	log      *zap.Logger
	obs      ports.Observability
	gatherer prometheus.Gatherer
	sensor   ports.Sensor
	store    ports.Store
	engine   *persist.Engine
	pipe     *pipeline.Pipeline

	router     http.Handler
	hub        *httpapi.Hub
	httpSrv    *httpapi.Server
	mqttClient *mqtt.Client
	mqttCtl    *mqtt.Control
	ownsClient bool
	redis      *notify.Redis

	mu       sync.Mutex
	serving  bool
	closed   bool
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewRuntime bootstraps the adapters named by cfg (sensor driver, store
// driver, remote, notifiers, control surfaces). RuntimeOption values override
// any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	r := &Runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = r.release()
		}
	}()

	var err error
	r.log = overrides.logger
	if r.log == nil {
		if r.log, err = logger.New(cfg.Log.Level, cfg.Log.Format, serviceName); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}
	r.log = r.log.With(zap.String("device_id", cfg.DeviceID))

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r.gatherer = reg

	r.obs = overrides.observability
	if r.obs == nil {
		r.obs = observability.NewPromObs(observability.Options{
			Registerer: reg,
			Logger:     r.log,
			Debug:      cfg.Debug,
		})
	}

	r.store = overrides.store
	if r.store == nil {
		if r.store, err = openStore(cfg.Store); err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
	}

	if cfg.MQTT.Control || (overrides.remote == nil && cfg.Sync.Remote == "mqtt") {
		r.mqttClient, err = mqtt.NewClient(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			return nil, err
		}
		r.ownsClient = true
	}

	remote := overrides.remote
	if remote == nil {
		if remote, err = r.openRemote(); err != nil {
			return nil, err
		}
	}

	r.engine, err = persist.New(r.store, r.obs,
		persist.WithRemote(remote),
		persist.WithBatchSize(cfg.Sync.BatchSize))
	if err != nil {
		if remote != nil {
			_ = remote.Close()
		}
		return nil, err
	}

	r.sensor = overrides.sensor
	if r.sensor == nil {
		if r.sensor, err = openSensor(cfg.Source, r.obs); err != nil {
			return nil, err
		}
	}

	notifiers := append(ports.MultiNotifier{}, overrides.notifiers...)
	if cfg.Notify.Redis.Addr != "" {
		client := notify.NewRedisClient(notify.RedisConfig{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
		})
		r.redis = notify.NewRedis(client, cfg.Notify.Redis.Channel, cfg.DeviceID)
		notifiers = append(notifiers, r.redis)
	}
	if !cfg.HTTP.Disabled {
		r.hub = httpapi.NewHub(cfg.DeviceID, r.obs)
		notifiers = append(notifiers, r.hub)
	}

	observer := overrides.observer
	if r.hub != nil && cfg.HTTP.StreamRecords {
		observer = chainObservers(observer, r.hub)
	}

	sampling := cfg.Sampling()
	sampling.Observer = observer

	pipeOpts := []pipeline.Option{pipeline.WithConfig(sampling), pipeline.WithClock(overrides.clock)}
	if len(notifiers) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithNotifier(notifiers))
	}
	r.pipe, err = pipeline.New(cfg.DeviceID, r.sensor, r.engine, cfg.Policy, r.obs, pipeOpts...)
	if err != nil {
		return nil, err
	}

	r.router = httpapi.NewRouter(r, r.hub, r.gatherer)
	if !cfg.HTTP.Disabled {
		r.httpSrv = httpapi.NewServer(cfg.HTTP.Addr, r.router)
	}
	if cfg.MQTT.Control {
		r.mqttCtl = mqtt.NewControl(r.mqttClient, r, r.obs, cfg.MQTT.TopicPrefix, cfg.DeviceID)
	}

	ok = true
	return r, nil
}

func openStore(cfg StoreConfig) (ports.Store, error) {
	switch cfg.Driver {
	case "badger":
		s, err := badger.New(badger.Config{Path: cfg.Dir, MaxMemoryMB: cfg.MaxMemoryMB})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		j, err := wal.NewFileJournal(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

func (r *Runtime) openRemote() (ports.Remote, error) {
	switch r.cfg.Sync.Remote {
	case "timescale":
		ts, err := timescale.Open(r.cfg.Timescale.ConnString, r.cfg.Timescale.TablePrefix)
		if err != nil {
			return nil, fmt.Errorf("open timescale: %w", err)
		}
		if r.cfg.Timescale.CreateTables {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ts.EnsureTables(ctx, domain.TableSamples, domain.TableDevices); err != nil {
				_ = ts.Close()
				return nil, fmt.Errorf("create timescale tables: %w", err)
			}
		}
		return ts, nil
	case "mqtt":
		// the remote closes the shared client on shutdown
		r.ownsClient = false
		return mqtt.NewRemote(r.mqttClient, r.cfg.MQTT.TopicPrefix, r.cfg.DeviceID), nil
	default:
		return nil, nil
	}
}

func openSensor(cfg SourceConfig, obs ports.Observability) (ports.Sensor, error) {
	switch cfg.Driver {
	case "opcua":
		s, err := opcua.NewSensor(cfg.OPCUA, obs)
		if err != nil {
			return nil, fmt.Errorf("opcua sensor: %w", err)
		}
		return s, nil
	case "external":
		return nil, fmt.Errorf("source.driver external needs a sensor passed with WithSensor")
	default:
		return simulated.New(cfg.Simulated), nil
	}
}

// Start brings up the control surfaces and background loops once, then
// starts sampling. Starting a running runtime is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if err := r.serve(ctx); err != nil {
		return err
	}
	return r.pipe.Start(ctx, nil)
}

// Serve brings up the control surfaces and background loops without starting
// sampling, leaving it to a remote start command.
func (r *Runtime) Serve(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	return r.serve(ctx)
}

// StartWith starts sampling with cfg, or swaps the live sampling config when
// already running. cfg replaces the whole sampling config: a cfg without an
// Observer also drops the record stream observer chained in by NewRuntime.
func (r *Runtime) StartWith(ctx context.Context, cfg SamplingConfig) error {
	if err := r.serve(ctx); err != nil {
		return err
	}
	return r.pipe.Start(ctx, &cfg)
}

// Stop ends sampling and runs the final flush. The control surfaces stay up
// so sampling can be started again remotely.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.pipe.Stop(ctx)
}

func (r *Runtime) SetLabel(label string) {
	r.pipe.SetLabel(label)
}

// Sync uploads pending samples and device rows to the remote.
func (r *Runtime) Sync(ctx context.Context) error {
	return r.pipe.Sync(ctx)
}

// Reconfigure merges u into the live sampling config.
func (r *Runtime) Reconfigure(u SamplingUpdate) error {
	return r.pipe.Apply(u)
}

// SamplingConfig returns the live sampling config.
func (r *Runtime) SamplingConfig() SamplingConfig {
	return r.pipe.Config()
}

func (r *Runtime) Status() Status {
	live := r.pipe.Config()
	return ports.Status{
		DeviceID:      r.pipe.DeviceID(),
		State:         r.pipe.State().String(),
		CurrentRate:   r.pipe.CurrentRate(),
		BufferLen:     r.pipe.BufferLen(),
		Label:         live.Label,
		IntervalHz:    live.IntervalHz,
		PeriodMinutes: live.PeriodMinutes,
		Threshold:     live.Threshold,
		PendingSync:   r.engine.Pending(domain.TableSamples),
	}
}

// Handler is the control API router, for mounting into an existing server.
func (r *Runtime) Handler() http.Handler {
	return r.router
}

// Run starts the runtime and blocks until the provided context is cancelled.
// With sensor.enabled false only the control surfaces come up. Upon
// cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	start := r.Start
	if !r.cfg.SamplingEnabled() {
		start = r.Serve
	}
	if err := start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownBudget())
		defer cancel()
		return errors.Join(err, r.Shutdown(shutdownCtx))
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownBudget())
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

func (r *Runtime) shutdownBudget() time.Duration {
	return r.cfg.Policy.FlushTimeout + 5*time.Second
}

// Shutdown stops sampling (running the final flush), then the control
// surfaces, and closes the store, remote and notifiers. Injected stores and
// remotes are closed too.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	serving := r.serving
	cancel := r.bgCancel
	r.mu.Unlock()

	var errs []error
	if err := r.pipe.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
	}

	if cancel != nil {
		cancel()
	}
	if serving && r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.bgWG.Wait()

	if serving && r.mqttCtl != nil {
		if err := r.mqttCtl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt control: %w", err))
		}
	}
	if err := r.release(); err != nil {
		errs = append(errs, err)
	}
	r.obs.LogInfo("runtime_stopped")
	return errors.Join(errs...)
}

// release closes what NewRuntime opened. It is also the cleanup path for a
// partially built runtime.
func (r *Runtime) release() error {
	var errs []error
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if r.ownsClient && r.mqttClient != nil {
		if err := r.mqttClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mqtt: %w", err))
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if r.log != nil {
		// stderr sync fails on most terminals
		_ = r.log.Sync()
	}
	return errors.Join(errs...)
}

func (r *Runtime) serve(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("runtime is shut down")
	}
	if r.serving {
		return nil
	}

	if r.mqttCtl != nil {
		if err := r.mqttCtl.Listen(); err != nil {
			return fmt.Errorf("mqtt control: %w", err)
		}
	}
	if r.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := r.redis.Ping(pingCtx); err != nil {
			r.obs.LogError("redis_unreachable", err, ports.Field{Key: "addr", Value: r.cfg.Notify.Redis.Addr})
		}
		cancel()
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	r.bgCancel = cancel

	if r.hub != nil {
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			r.hub.Run(bgCtx)
		}()
	}
	if r.httpSrv != nil {
		go func() {
			if err := r.httpSrv.ListenAndServe(); err != nil {
				r.obs.LogError("http_server_exited", err, ports.Field{Key: "addr", Value: r.cfg.HTTP.Addr})
			}
		}()
	}
	if r.cfg.Sync.Interval > 0 && r.engine.HasRemote() {
		r.bgWG.Add(1)
		go r.syncLoop(bgCtx, r.cfg.Sync.Interval)
	}
	r.bgWG.Add(1)
	go r.recordStoreGauges(bgCtx, gaugeInterval)

	r.serving = true
	r.obs.LogInfo("runtime_serving",
		ports.Field{Key: "http", Value: r.httpSrv != nil},
		ports.Field{Key: "mqtt_control", Value: r.mqttCtl != nil},
		ports.Field{Key: "sync_interval", Value: r.cfg.Sync.Interval.String()})
	return nil
}

func (r *Runtime) syncLoop(ctx context.Context, every time.Duration) {
	defer r.bgWG.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pipe.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.obs.LogError("periodic_sync_failed", err)
			}
		}
	}
}

type garbageCollector interface {
	RunGC(discardRatio float64) error
}

func (r *Runtime) recordStoreGauges(ctx context.Context, interval time.Duration) {
	defer r.bgWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastGC := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stats := r.store.Stats(domain.TableSamples)
			r.obs.SetGauge(ports.MetricStoreSize, float64(stats.SizeBytes))
			r.obs.SetGauge(ports.MetricSyncPending, float64(r.engine.Pending(domain.TableSamples)))

			if gc, ok := r.store.(garbageCollector); ok && now.Sub(lastGC) >= storeGCInterval {
				lastGC = now
				if err := gc.RunGC(0.5); err != nil {
					r.obs.LogError("store_gc_failed", err)
				}
			}
		}
	}
}

type observerChain []Observer

func chainObservers(obs ...Observer) Observer {
	var chain observerChain
	for _, o := range obs {
		if o != nil {
			chain = append(chain, o)
		}
	}
	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}

func (c observerChain) OnDataChanged(rec *domain.Record) {
	for _, o := range c {
		o.OnDataChanged(rec)
	}
}

var _ ports.Controller = (*Runtime)(nil)
