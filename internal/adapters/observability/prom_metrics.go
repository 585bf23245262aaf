package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// PromObs implements ports.Observability with prometheus collectors and a
// zap logger. Debug logs are dropped unless debug is on.
type PromObs struct {
	log      *zap.Logger
	debug    bool
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

type Options struct {
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	Debug      bool
}

func NewPromObs(opts Options) *PromObs {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	p := &PromObs{
		log:      log,
		debug:    opts.Debug,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
		histos:   make(map[string]prometheus.Observer),
	}

	counter := func(name, help string) {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		p.counters[name] = c
	}
	gauge := func(name, help string) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		p.gauges[name] = g
	}
	histo := func(name, help string) {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		})
		reg.MustRegister(h)
		p.histos[name] = h
	}

	counter(ports.MetricEvents, "Raw sensor events received.")
	counter(ports.MetricRateLimited, "Events dropped by the rate gate.")
	counter(ports.MetricFiltered, "Events dropped by the change threshold.")
	counter(ports.MetricAccepted, "Records buffered for persistence.")
	counter(ports.MetricDropped, "Records lost to buffer overflow policies.")
	counter(ports.MetricFlushed, "Records written to the local store.")
	counter(ports.MetricFlushFailures, "Flushes whose batch could not be saved.")
	counter(ports.MetricObserverFailures, "Observer deliveries that panicked or were dropped.")
	counter(ports.MetricSyncUploaded, "Entries uploaded to the remote store.")
	counter(ports.MetricSyncFailures, "Failed remote uploads.")
	gauge(ports.MetricBufferLength, "Records currently waiting in the in-memory buffer.")
	gauge(ports.MetricSamplesPerSecond, "Records accepted during the previous second.")
	gauge(ports.MetricStoreSize, "Bytes held by the local samples table.")
	gauge(ports.MetricSyncPending, "Sample entries not yet uploaded to the remote.")
	histo(ports.MetricFlushLatency, "Time to save one flushed batch.")
	histo(ports.MetricSyncLatency, "Time to sync one table to the remote.")

	return p
}

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	if !p.debug {
		return
	}
	p.log.Debug(msg, zapFields(fields)...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, zapFields(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

// LogCritical logs at error level with a critical marker; it never exits.
func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err), zap.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

var _ ports.Observability = (*PromObs)(nil)
