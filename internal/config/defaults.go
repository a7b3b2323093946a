package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns a small mixed plant covering all three protocols.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ShutdownTimeout: 30 * time.Second,
			EnableWebsocket: true,
		},
		Simulation: SimulationConfig{
			TimeAcceleration:   1.0,
			StartConcurrency:   5,
			FailureThreshold:   3,
			BindTimeout:        5 * time.Second,
			StopDeadline:       5 * time.Second,
			RestartRetryWindow: 30 * time.Second,
			MonitorInterval:    30 * time.Second,
		},
		Network: NetworkConfig{
			BindHost: "0.0.0.0",
			PortRanges: map[string][]int{
				"modbus": {5020, 5500},
				"opcua":  {4840, 4940},
				"mqtt":   {1883, 1883},
			},
		},
		Protocols: ProtocolsConfig{
			Modbus: ProtocolConfig{
				Enabled: true,
				Devices: map[string]DeviceGroup{
					"temperature_sensors": {
						Count:          10,
						PortStart:      5020,
						DeviceTemplate: "industrial_temperature_sensor",
						UpdateInterval: Seconds(1.0),
						DataConfig: map[string]any{
							"temperature_range": []float64{18, 45},
							"humidity_range":    []float64{30, 80},
						},
					},
					"pressure_transmitters": {
						Count:          5,
						PortStart:      5040,
						DeviceTemplate: "hydraulic_pressure_sensor",
						UpdateInterval: Seconds(0.5),
					},
					"motor_drives": {
						Count:          3,
						PortStart:      5060,
						DeviceTemplate: "variable_frequency_drive",
						UpdateInterval: Seconds(0.1),
					},
				},
			},
			OPCUA: OPCUAConfig{
				ProtocolConfig: ProtocolConfig{
					Enabled: true,
					Devices: map[string]DeviceGroup{
						"cnc_machines": {
							Count:          2,
							PortStart:      4840,
							DeviceTemplate: "opcua_cnc_machine",
							UpdateInterval: Seconds(1.0),
							DataConfig: map[string]any{
								"tool_wear_rate":   0.01,
								"part_probability": 0.08,
							},
						},
						"plc_controllers": {
							Count:          2,
							PortStart:      4850,
							DeviceTemplate: "opcua_plc_controller",
							UpdateInterval: Seconds(0.5),
						},
						"robots": {
							Count:          1,
							PortStart:      4860,
							DeviceTemplate: "opcua_industrial_robot",
							UpdateInterval: Seconds(0.2),
						},
					},
				},
				SecurityMode: "None",
			},
			MQTT: MQTTConfig{
				ProtocolConfig: ProtocolConfig{
					Enabled: true,
					Devices: map[string]DeviceGroup{
						"environmental_sensors": {
							Count:           20,
							DeviceTemplate:  "iot_environmental_sensor",
							PublishInterval: Seconds(10),
							BaseTopic:       "factory/environment",
						},
						"energy_meters": {
							Count:           5,
							DeviceTemplate:  "smart_meter",
							PublishInterval: Seconds(5),
							QoS:             1,
						},
						"asset_trackers": {
							Count:           10,
							DeviceTemplate:  "asset_tracker",
							PublishInterval: Seconds(30),
							DataConfig: map[string]any{
								"zone_ids": []string{"receiving", "assembly", "packaging", "shipping"},
							},
						},
					},
				},
				UseEmbeddedBroker: true,
				BrokerHost:        "localhost",
				BrokerPort:        1883,
				PublishInterval:   5,
			},
		},
	}
}

// WriteDefault writes the default configuration as YAML. An existing file is
// only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
