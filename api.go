package proxiflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	base "github.com/ghalamif/ProxiFlow/pkg/proxiflow"
)

// Re-exported errors for convenience.
var (
	ErrExternalSensorStopped = base.ErrExternalSensorStopped
	ErrChannelNotifierClosed = base.ErrChannelNotifierClosed
)

// Type aliases so consumers can import github.com/ghalamif/ProxiFlow directly.
type (
	Config          = base.Config
	Policy          = base.Policy
	SensorConfig    = base.SensorConfig
	SourceConfig    = base.SourceConfig
	OPCUAConfig     = base.OPCUAConfig
	OPCUADeviceMeta = base.OPCUADeviceMeta
	SimulatedConfig = base.SimulatedConfig
	StoreConfig     = base.StoreConfig
	SyncConfig      = base.SyncConfig
	TimescaleConfig = base.TimescaleConfig
	MQTTConfig      = base.MQTTConfig
	NotifyConfig    = base.NotifyConfig
	RedisConfig     = base.RedisConfig
	HTTPConfig      = base.HTTPConfig
	LogConfig       = base.LogConfig
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Record          = base.Record
	RawEvent        = base.RawEvent
	DeviceInfo      = base.DeviceInfo
	Sensor          = base.Sensor
	SensorOptions   = base.SensorOptions
	Store           = base.Store
	StoreStats      = base.StoreStats
	EntryID         = base.EntryID
	Remote          = base.Remote
	SyncItem        = base.SyncItem
	Notifier        = base.Notifier
	MultiNotifier   = base.MultiNotifier
	Notification    = base.Notification
	Observer        = base.Observer
	ObserverFunc    = base.ObserverFunc
	Observability   = base.Observability
	Status          = base.Status
	SamplingConfig  = base.SamplingConfig
	SamplingUpdate  = base.SamplingUpdate
	ExternalSensor  = base.ExternalSensor
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func WithLabel(label string) FlowOption {
	return base.WithLabel(label)
}

func WithDeviceID(id string) FlowOption {
	return base.WithDeviceID(id)
}

func WithSampling(u SamplingUpdate) FlowOption {
	return base.WithSampling(u)
}

func StreamInExternal(info *DeviceInfo) (StreamInOption, *ExternalSensor) {
	return base.StreamInExternal(info)
}

func StreamInSensor(s Sensor) StreamInOption {
	return base.StreamInSensor(s)
}

func StreamInObserver(o Observer) StreamInOption {
	return base.StreamInObserver(o)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutStore(s Store) StreamOutOption {
	return base.StreamOutStore(s)
}

func StreamOutRemote(r Remote) StreamOutOption {
	return base.StreamOutRemote(r)
}

func StreamOutNotifier(n Notifier) StreamOutOption {
	return base.StreamOutNotifier(n)
}


func StreamOutCallback(name string, fn func(ctx context.Context) error) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSensor(s Sensor) RuntimeOption {
	return base.WithSensor(s)
}

func WithStore(s Store) RuntimeOption {
	return base.WithStore(s)
}

func WithRemote(r Remote) RuntimeOption {
	return base.WithRemote(r)
}

func WithNotifier(n Notifier) RuntimeOption {
	return base.WithNotifier(n)
}

func WithObserver(o Observer) RuntimeOption {
	return base.WithObserver(o)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithRegistry(reg)
}

func WithLogger(l *zap.Logger) RuntimeOption {
	return base.WithLogger(l)
}

// Adapters.
func NewExternalSensor(info *DeviceInfo) *ExternalSensor {
	return base.NewExternalSensor(info)
}

func NewCallbackNotifier(name string, fn func(ctx context.Context) error) Notifier {
	return base.NewCallbackNotifier(name, fn)
}

func NewChannelNotifier(deviceID string, buffer int) (Notifier, <-chan Notification, func()) {
	return base.NewChannelNotifier(deviceID, buffer)
}
