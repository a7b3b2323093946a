package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Simulation SimulationConfig `mapstructure:"simulation" yaml:"simulation"`
	Network    NetworkConfig    `mapstructure:"network" yaml:"network"`
	Protocols  ProtocolsConfig  `mapstructure:"industrial_protocols" yaml:"industrial_protocols"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port" yaml:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	EnableWebsocket bool          `mapstructure:"enable_websocket" yaml:"enable_websocket"`
}

type SimulationConfig struct {
	// Seed 0 means a fresh seed per run.
	Seed               uint64        `mapstructure:"seed" yaml:"seed"`
	TimeAcceleration   float64       `mapstructure:"time_acceleration" yaml:"time_acceleration"`
	StartConcurrency   int           `mapstructure:"start_concurrency" yaml:"start_concurrency"`
	FailureThreshold   int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	BindTimeout        time.Duration `mapstructure:"bind_timeout" yaml:"bind_timeout"`
	StopDeadline       time.Duration `mapstructure:"stop_deadline" yaml:"stop_deadline"`
	RestartRetryWindow time.Duration `mapstructure:"restart_retry_window" yaml:"restart_retry_window"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
}

type NetworkConfig struct {
	// BindHost is the address every device listener and the embedded broker bind to.
	BindHost   string           `mapstructure:"bind_host" yaml:"bind_host"`
	PortRanges map[string][]int `mapstructure:"port_ranges" yaml:"port_ranges"`
}

type ProtocolsConfig struct {
	Modbus ProtocolConfig `mapstructure:"modbus_tcp" yaml:"modbus_tcp"`
	OPCUA  OPCUAConfig    `mapstructure:"opcua" yaml:"opcua"`
	MQTT   MQTTConfig     `mapstructure:"mqtt" yaml:"mqtt"`
}

type ProtocolConfig struct {
	Enabled bool                   `mapstructure:"enabled" yaml:"enabled"`
	Devices map[string]DeviceGroup `mapstructure:"devices" yaml:"devices"`
}

type OPCUAConfig struct {
	ProtocolConfig `mapstructure:",squash" yaml:",inline"`
	SecurityMode   string `mapstructure:"security_mode" yaml:"security_mode"`
}

type MQTTConfig struct {
	ProtocolConfig    `mapstructure:",squash" yaml:",inline"`
	UseEmbeddedBroker bool    `mapstructure:"use_embedded_broker" yaml:"use_embedded_broker"`
	BrokerHost        string  `mapstructure:"broker_host" yaml:"broker_host"`
	BrokerPort        int     `mapstructure:"broker_port" yaml:"broker_port"`
	PublishInterval   float64 `mapstructure:"publish_interval" yaml:"publish_interval"`
	Username          string  `mapstructure:"username" yaml:"username,omitempty"`
	Password          string  `mapstructure:"password" yaml:"password,omitempty"`
}

// DeviceGroup describes count identical devices built from one template.
type DeviceGroup struct {
	Count          int            `mapstructure:"count" yaml:"count"`
	PortStart      int            `mapstructure:"port_start" yaml:"port_start,omitempty"`
	DeviceTemplate string         `mapstructure:"device_template" yaml:"device_template"`
	UpdateInterval *float64       `mapstructure:"update_interval" yaml:"update_interval,omitempty"`
	DataConfig     map[string]any `mapstructure:"data_config" yaml:"data_config,omitempty"`

	// MQTT groups
	PublishInterval *float64 `mapstructure:"publish_interval" yaml:"publish_interval,omitempty"`
	QoS             int      `mapstructure:"qos" yaml:"qos,omitempty"`
	Retain          bool     `mapstructure:"retain" yaml:"retain,omitempty"`
	BaseTopic       string   `mapstructure:"base_topic" yaml:"base_topic,omitempty"`
}

// Seconds returns a pointer to secs, for group interval literals.
func Seconds(secs float64) *float64 { return &secs }

// Interval resolves the tick period, falling back to the protocol level
// value only when the group sets neither interval. A value that is set must
// be positive.
func (g DeviceGroup) Interval(fallback float64) (time.Duration, error) {
	field, secs := "update_interval", fallback
	switch {
	case g.UpdateInterval != nil:
		secs = *g.UpdateInterval
	case g.PublishInterval != nil:
		field, secs = "publish_interval", *g.PublishInterval
	}
	if secs <= 0 {
		return 0, simerr.NewConfigError(field, "must be positive, got %g", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GroupNames returns the group names in the order devices are built.
func (p ProtocolConfig) GroupNames() []string {
	names := make([]string, 0, len(p.Devices))
	for name := range p.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PortRange returns the configured [start, end] of family.
func (n NetworkConfig) PortRange(family string) (start, end int, ok bool) {
	r, ok := n.PortRanges[family]
	if !ok || len(r) != 2 {
		return 0, 0, false
	}
	return r[0], r[1], true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.enable_websocket", true)

	v.SetDefault("simulation.seed", 0)
	v.SetDefault("simulation.time_acceleration", 1.0)
	v.SetDefault("simulation.start_concurrency", 5)
	v.SetDefault("simulation.failure_threshold", 3)
	v.SetDefault("simulation.bind_timeout", "5s")
	v.SetDefault("simulation.stop_deadline", "5s")
	v.SetDefault("simulation.restart_retry_window", "30s")
	v.SetDefault("simulation.monitor_interval", "30s")

	v.SetDefault("network.bind_host", "0.0.0.0")
	v.SetDefault("network.port_ranges.modbus", []int{5020, 5500})
	v.SetDefault("network.port_ranges.opcua", []int{4840, 4940})
	v.SetDefault("network.port_ranges.mqtt", []int{1883, 1883})

	v.SetDefault("industrial_protocols.opcua.security_mode", "None")
	v.SetDefault("industrial_protocols.mqtt.use_embedded_broker", true)
	v.SetDefault("industrial_protocols.mqtt.broker_host", "localhost")
	v.SetDefault("industrial_protocols.mqtt.broker_port", 1883)
	v.SetDefault("industrial_protocols.mqtt.publish_interval", 5.0)
}

// Load reads the YAML file at path, applies SIM_ environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// SIM_SERVER_HTTP_PORT overrides server.http_port
	v.SetEnvPrefix("SIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
