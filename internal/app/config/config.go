package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/ProxiFlow/internal/adapters/notify"
	"github.com/ghalamif/ProxiFlow/internal/adapters/sensor/opcua"
	"github.com/ghalamif/ProxiFlow/internal/adapters/sensor/simulated"
	"github.com/ghalamif/ProxiFlow/internal/app/persist"
	"github.com/ghalamif/ProxiFlow/internal/app/pipeline"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

type Config struct {
	DeviceID  string          `yaml:"device_id"`
	Label     string          `yaml:"label"`
	Debug     bool            `yaml:"debug"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Policy    ports.Policy    `yaml:"policy"`
	Source    SourceConfig    `yaml:"source"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Timescale TimescaleConfig `yaml:"timescale"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Notify    NotifyConfig    `yaml:"notify"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// SensorConfig holds the sampling parameters. IntervalHz is a pointer so an
// explicit 0 (fastest) differs from an absent key. Enabled decides whether
// run starts sampling on its own; it defaults to true.
type SensorConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	IntervalHz    *int    `yaml:"interval_hz"`
	PeriodMinutes float64 `yaml:"period_minutes"`
	Threshold     float64 `yaml:"threshold"`
}

type SourceConfig struct {
	Driver    string           `yaml:"driver"` // simulated, opcua, external
	OPCUA     opcua.Config     `yaml:"opcua"`
	Simulated simulated.Config `yaml:"simulated"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // file, badger, memory
	Dir         string `yaml:"dir"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`
}

type SyncConfig struct {
	Remote    string        `yaml:"remote"` // none, timescale, mqtt
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

type TimescaleConfig struct {
	ConnString   string `yaml:"conn_string"`
	TablePrefix  string `yaml:"table_prefix"`
	CreateTables bool   `yaml:"create_tables"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Control     bool   `yaml:"control"`
}

type NotifyConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	Disabled      bool   `yaml:"disabled"`
	StreamRecords bool   `yaml:"stream_records"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the config used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.Sensor.Enabled == nil {
		enabled := true
		c.Sensor.Enabled = &enabled
	}
	if c.Sensor.IntervalHz == nil {
		hz := pipeline.DefaultIntervalHz
		c.Sensor.IntervalHz = &hz
	}
	if c.Sensor.PeriodMinutes == 0 {
		c.Sensor.PeriodMinutes = pipeline.DefaultPeriodMinutes
	}

	if c.Policy.MaxBufferLen == 0 {
		c.Policy.MaxBufferLen = 10_000
	}
	if c.Policy.EventQueueLen == 0 {
		c.Policy.EventQueueLen = 1024
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 5 * time.Millisecond
	}
	if c.Policy.FlushTimeout == 0 {
		c.Policy.FlushTimeout = 30 * time.Second
	}
	if c.Policy.OnBufferFull == "" {
		c.Policy.OnBufferFull = pipeline.BufferForceFlush
	}
	if c.Policy.ObserverMode == "" {
		c.Policy.ObserverMode = pipeline.ObserverModeSync
	}
	if c.Policy.ObserverQueueLen == 0 {
		c.Policy.ObserverQueueLen = 256
	}

	if c.Source.Driver == "" {
		c.Source.Driver = "simulated"
	}
	c.Source.OPCUA.ApplyDefaults()
	c.Source.Simulated.ApplyDefaults()

	if c.Store.Driver == "" {
		c.Store.Driver = "file"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "./data/aware_proximity"
	}

	if c.Sync.Remote == "" {
		c.Sync.Remote = "none"
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = persist.DefaultBatchSize
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aware"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "proxi-" + c.DeviceID
	}
	if c.Notify.Redis.Addr != "" && c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = notify.DefaultChannel
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	if _, err := c.Sampling().Normalize(); err != nil {
		return fmt.Errorf("sensor config: %w", err)
	}

	switch c.Policy.OnBufferFull {
	case pipeline.BufferForceFlush, pipeline.BufferDropOldest, pipeline.BufferReject:
	default:
		return fmt.Errorf("policy.on_buffer_full %q is not one of force_flush, drop_oldest, reject", c.Policy.OnBufferFull)
	}
	switch c.Policy.ObserverMode {
	case pipeline.ObserverModeSync, pipeline.ObserverModeAsync:
	default:
		return fmt.Errorf("policy.observer_mode %q is not one of sync, async", c.Policy.ObserverMode)
	}

	switch c.Source.Driver {
	case "simulated", "external":
	case "opcua":
		if err := c.Source.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	default:
		return fmt.Errorf("source.driver %q is not supported", c.Source.Driver)
	}

	switch c.Store.Driver {
	case "file", "badger":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}

	switch c.Sync.Remote {
	case "none":
	case "timescale":
		if c.Timescale.ConnString == "" {
			return fmt.Errorf("timescale.conn_string is required")
		}
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
	default:
		return fmt.Errorf("sync.remote %q is not supported", c.Sync.Remote)
	}
	if c.MQTT.Control && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required for mqtt control")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must be >= 0")
	}
	return nil
}

// SamplingEnabled reports whether sampling starts with the runtime.
func (c *Config) SamplingEnabled() bool {
	return c.Sensor.Enabled == nil || *c.Sensor.Enabled
}

// Sampling converts the sensor section into the pipeline's config.
func (c *Config) Sampling() pipeline.Config {
	cfg := pipeline.Config{
		PeriodMinutes: c.Sensor.PeriodMinutes,
		Threshold:     c.Sensor.Threshold,
		Label:         c.Label,
	}
	if c.Sensor.IntervalHz != nil {
		cfg.IntervalHz = *c.Sensor.IntervalHz
	}
	return cfg
}
