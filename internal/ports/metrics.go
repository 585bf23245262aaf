package ports

// Metric names shared by the pipeline, the persistence engine and PromObs.
const (
	MetricEvents           = "proxi_events_total"
	MetricRateLimited      = "proxi_events_rate_limited_total"
	MetricFiltered         = "proxi_events_filtered_total"
	MetricAccepted         = "proxi_records_accepted_total"
	MetricDropped          = "proxi_records_dropped_total"
	MetricFlushed          = "proxi_records_flushed_total"
	MetricFlushFailures    = "proxi_flush_failures_total"
	MetricObserverFailures = "proxi_observer_failures_total"
	MetricSyncUploaded     = "proxi_sync_uploaded_total"
	MetricSyncFailures     = "proxi_sync_failures_total"
	MetricBufferLength     = "proxi_buffer_length"
	MetricSamplesPerSecond = "proxi_samples_per_second"
	MetricStoreSize        = "proxi_store_size_bytes"
	MetricSyncPending      = "proxi_sync_pending_entries"
	MetricFlushLatency     = "proxi_flush_latency_seconds"
	MetricSyncLatency      = "proxi_sync_latency_seconds"
)

// NopObservability discards everything.
type NopObservability struct{}

func (NopObservability) LogDebug(string, ...Field)           {}
func (NopObservability) LogInfo(string, ...Field)            {}
func (NopObservability) LogError(string, error, ...Field)    {}
func (NopObservability) LogCritical(string, error, ...Field) {}
func (NopObservability) IncCounter(string, float64)          {}
func (NopObservability) ObserveLatency(string, float64)      {}
func (NopObservability) SetGauge(string, float64)            {}
