package websocket

import (
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Device-related messages
	MessageTypeTelemetry    MessageType = "telemetry"
	MessageTypeDeviceStatus MessageType = "device_status"

	// System messages
	MessageTypeHealthUpdate MessageType = "health_update"
	MessageTypeSystemStatus MessageType = "system_status"

	// Sent to one client after its subscription changed
	MessageTypeSubscribed MessageType = "subscribed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	DeviceID  string      `json:"device_id,omitempty"`
	Protocol  string      `json:"protocol,omitempty"`
	Data      any         `json:"data"`
}

// DeviceStatusData represents a device status change
type DeviceStatusData struct {
	Status   string `json:"status"`
	Previous string `json:"previous_status"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewTelemetryMessage(protocol string, t *patterns.Telemetry) Message {
	msg := NewMessage(MessageTypeTelemetry, t)
	msg.Timestamp = t.Timestamp
	msg.DeviceID = t.DeviceID
	msg.Protocol = protocol
	return msg
}

func NewDeviceStatusMessage(protocol, deviceID, status, previous string) Message {
	msg := NewMessage(MessageTypeDeviceStatus, DeviceStatusData{Status: status, Previous: previous})
	msg.DeviceID = deviceID
	msg.Protocol = protocol
	return msg
}

func NewHealthMessage(health any) Message {
	return NewMessage(MessageTypeHealthUpdate, health)
}

// subscribeRequest is the only message clients send. Empty lists mean
// everything.
type subscribeRequest struct {
	Type      string   `json:"type"`
	Protocols []string `json:"protocols"`
	DeviceIDs []string `json:"device_ids"`
}
