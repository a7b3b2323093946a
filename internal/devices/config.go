package devices

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
)

// Config is the resolved configuration of one simulated device.
type Config struct {
	ID             string              `json:"device_id"`
	Protocol       ports.Family        `json:"protocol"`
	Group          string              `json:"group"`
	Index          int                 `json:"index"`
	Template       string              `json:"device_template"`
	DeviceType     patterns.DeviceType `json:"device_type"`
	UpdateInterval time.Duration       `json:"update_interval"`
	DataConfig     patterns.Params     `json:"data_config,omitempty"`
	Port           int                 `json:"port,omitempty"`

	// MQTT only
	Topic  string `json:"topic,omitempty"`
	QoS    byte   `json:"qos,omitempty"`
	Retain bool   `json:"retain,omitempty"`
}

// DeviceID builds the canonical id: {protocol}_{group}_{index:03d}.
func DeviceID(protocol ports.Family, group string, index int) string {
	return fmt.Sprintf("%s_%s_%03d", protocol, group, index)
}
