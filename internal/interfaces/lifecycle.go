package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
)

// SystemStatus represents the current simulator state
type SystemStatus struct {
	State          string    `json:"state"`
	RunID          string    `json:"run_id"`
	Seed           uint64    `json:"seed"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	DeviceCount    int       `json:"device_count"`
	RunningDevices int       `json:"running_devices"`
	Protocols      []string  `json:"protocols"`
}

type HealthSummary struct {
	TotalDevices     int     `json:"total_devices"`
	RunningDevices   int     `json:"running_devices"`
	ErrorDevices     int     `json:"error_devices"`
	StoppedDevices   int     `json:"stopped_devices"`
	HealthPercentage float64 `json:"health_percentage"`
}

// ProtocolHealth is the outcome of one protocol family.
type ProtocolHealth struct {
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
	Devices     int    `json:"devices"`
	Running     int    `json:"running"`
	Failed      int    `json:"failed"`
}

type Health struct {
	Status          string                             `json:"status"`
	Timestamp       time.Time                          `json:"timestamp"`
	Summary         HealthSummary                      `json:"summary"`
	Protocols       map[ports.Family]ProtocolHealth    `json:"protocols"`
	Devices         map[string]devices.RuntimeState    `json:"devices"`
	PortUtilization map[ports.Family]ports.Utilization `json:"port_utilization"`
	BrokerClients   int64                              `json:"mqtt_broker_clients,omitempty"`
}

// ProtocolInfo is the per protocol summary served by the API.
type ProtocolInfo struct {
	Enabled     bool               `json:"enabled"`
	Initialized bool               `json:"initialized"`
	Error       string             `json:"error,omitempty"`
	Groups      []string           `json:"device_groups"`
	Devices     int                `json:"device_count"`
	Running     int                `json:"running"`
	PortRange   []int              `json:"port_range,omitempty"`
	Utilization *ports.Utilization `json:"utilization,omitempty"`
	Broker      string             `json:"broker,omitempty"`
}

// Simulator is what the API layer needs from the orchestrator.
type Simulator interface {
	Config() *config.Config
	GetCurrentStatus() SystemStatus
	GetHealth() Health
	GetDeviceData(deviceID string) (*patterns.Telemetry, error)
	GetDevice(deviceID string) (devices.RuntimeState, error)
	ListDevices(protocol ports.Family) ([]devices.RuntimeState, error)
	RestartDevice(ctx context.Context, deviceID string) error
	// StartSimulation starts the devices, beginning a new run after a stop.
	StartSimulation(ctx context.Context) error
	StopSimulation(ctx context.Context) error
	AllocationReport() map[ports.Family]ports.PoolReport
	Protocols() map[ports.Family]ProtocolInfo
	SubscribeHealth() chan Health
	UnsubscribeHealth(ch chan Health)
}
