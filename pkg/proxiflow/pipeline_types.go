package proxiflow

import (
	"github.com/ghalamif/ProxiFlow/internal/app/pipeline"
	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Record is one accepted proximity observation as it is persisted and observed.
type Record = domain.Record

// RawEvent is a hardware reading before the rate gate and change filter run.
type RawEvent = domain.RawEvent

// DeviceInfo describes the sensor hardware; one row is saved per start.
type DeviceInfo = domain.DeviceInfo

// Entry is anything that can be saved to a table.
type Entry = domain.Entry

// Sensor delivers raw proximity events (OPC UA, simulator, platform glue, etc.).
type Sensor = ports.Sensor

// SensorOptions carries the sampling hints given to a Sensor on Start.
type SensorOptions = ports.SensorOptions

// Store is the local, table-partitioned append log.
type Store = ports.Store

// StoreStats exposes Store metadata for observability.
type StoreStats = ports.StoreStats

// EntryID identifies an entry within one Store table.
type EntryID = ports.EntryID

// Remote uploads stored entries to a remote database or broker.
type Remote = ports.Remote

// SyncItem is one stored entry handed to a Remote.
type SyncItem = ports.SyncItem

// Notifier is told once per successful flush that new data was persisted.
type Notifier = ports.Notifier

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier = ports.MultiNotifier

// Observer receives every accepted record.
type Observer = pipeline.Observer

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc = pipeline.ObserverFunc

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Status is a point-in-time view of the runtime, as served on /v1/stats.
type Status = ports.Status

// Controller is the control surface shared by the HTTP and MQTT adapters.
type Controller = ports.Controller

// SamplingConfig holds the tunable sampling parameters.
type SamplingConfig = pipeline.Config

// SamplingUpdate is a partial change to the live SamplingConfig.
type SamplingUpdate = pipeline.Update

// Table names used locally and on the remote.
const (
	TableSamples = domain.TableSamples
	TableDevices = domain.TableDevices
)
