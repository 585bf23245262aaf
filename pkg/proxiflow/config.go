package proxiflow

import (
	"github.com/ghalamif/ProxiFlow/internal/adapters/sensor/opcua"
	"github.com/ghalamif/ProxiFlow/internal/adapters/sensor/simulated"
	"github.com/ghalamif/ProxiFlow/internal/app/config"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls buffering, flush timeouts and observer delivery.
	Policy = ports.Policy
	// SensorConfig holds the sampling parameters.
	SensorConfig = config.SensorConfig
	// SourceConfig selects and configures the sensor driver.
	SourceConfig = config.SourceConfig
	// OPCUAConfig holds connection and node details.
	OPCUAConfig = opcua.Config
	// OPCUADeviceMeta describes the hardware behind an OPC UA gateway.
	OPCUADeviceMeta = opcua.DeviceMeta
	// SimulatedConfig drives the built-in simulated sensor.
	SimulatedConfig = simulated.Config
	// StoreConfig configures local durability.
	StoreConfig = config.StoreConfig
	// SyncConfig selects the remote and the sync cadence.
	SyncConfig = config.SyncConfig
	// TimescaleConfig configures the Timescale remote.
	TimescaleConfig = config.TimescaleConfig
	// MQTTConfig configures the MQTT remote and control topics.
	MQTTConfig = config.MQTTConfig
	// NotifyConfig configures change notifications.
	NotifyConfig = config.NotifyConfig
	// RedisConfig configures the Redis PUBLISH notifier.
	RedisConfig = config.RedisConfig
	// HTTPConfig configures the control API.
	HTTPConfig = config.HTTPConfig
	// LogConfig configures the zap logger.
	LogConfig = config.LogConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig reads YAML from memory, applying the same defaults and checks as LoadConfig.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
