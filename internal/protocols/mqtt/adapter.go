// Package mqtt publishes simulated devices through one shared broker
// connection.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

// Route is where one device publishes.
type Route struct {
	Topic  string
	QoS    byte
	Retain bool
}

func (r Route) DataTopic() string   { return r.Topic + "/data" }
func (r Route) StatusTopic() string { return r.Topic + "/status" }
func (r Route) AlertTopic() string  { return r.Topic + "/alerts" }

// Alert is published when an alarm flag of a device rises.
type Alert struct {
	DeviceID  string          `json:"device_id"`
	Alarm     string          `json:"alarm"`
	Timestamp time.Time       `json:"timestamp"`
	Data      patterns.Values `json:"data"`
}

type handle struct {
	deviceID string
	route    Route
	alarms   []string

	mu     sync.Mutex
	raised map[string]bool
}

func (h *handle) DeviceID() string { return h.deviceID }

func (h *handle) Endpoint() string { return "mqtt://" + h.route.DataTopic() }

// Adapter binds MQTT devices to the gateway. No device owns a port.
type Adapter struct {
	gateway *Gateway
	logger  *zap.Logger

	mu     sync.RWMutex
	routes map[string]Route
}

func NewAdapter(gateway *Gateway, logger *zap.Logger) *Adapter {
	return &Adapter{
		gateway: gateway,
		logger:  logger.With(zap.String("adapter", "mqtt")),
		routes:  make(map[string]Route),
	}
}

// Register records the topic settings of a device before it binds.
func (a *Adapter) Register(cfg devices.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[cfg.ID] = Route{Topic: cfg.Topic, QoS: cfg.QoS, Retain: cfg.Retain}
}

func (a *Adapter) route(deviceID string) Route {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.routes[deviceID]; ok && r.Topic != "" {
		return r
	}
	return Route{Topic: "devices/" + deviceID}
}

// Open connects the gateway.
func (a *Adapter) Open(ctx context.Context) error {
	return a.gateway.Connect(ctx)
}

// Close disconnects the gateway.
func (a *Adapter) Close(context.Context) error {
	a.gateway.Disconnect()
	return nil
}

func (a *Adapter) Bind(ctx context.Context, _ int, deviceID string, schema patterns.Schema) (devices.Handle, error) {
	h := &handle{
		deviceID: deviceID,
		route:    a.route(deviceID),
		raised:   make(map[string]bool),
	}
	for _, f := range schema.Fields {
		if f.Alarm {
			h.alarms = append(h.alarms, f.Name)
		}
	}

	if err := a.gateway.Publish(ctx, h.route.StatusTopic(), 1, true, []byte("online")); err != nil {
		return nil, fmt.Errorf("failed to announce %s: %w", deviceID, err)
	}
	return h, nil
}

func (a *Adapter) Publish(ctx context.Context, h devices.Handle, t *patterns.Telemetry) error {
	mh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	if err := a.gateway.Publish(ctx, mh.route.DataTopic(), mh.route.QoS, mh.route.Retain, payload); err != nil {
		return err
	}

	for _, name := range mh.rising(t.Values) {
		alert, err := json.Marshal(Alert{DeviceID: mh.deviceID, Alarm: name, Timestamp: t.Timestamp, Data: t.Values})
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		if err := a.gateway.Publish(ctx, mh.route.AlertTopic(), 1, false, alert); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Unbind(ctx context.Context, h devices.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if !a.gateway.Connected() {
		return nil
	}
	return a.gateway.Publish(ctx, mh.route.StatusTopic(), 1, true, []byte("offline"))
}

// rising returns the alarm flags that turned on since the last snapshot.
func (h *handle) rising(values patterns.Values) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for _, name := range h.alarms {
		on, _ := values[name].(bool)
		if on && !h.raised[name] {
			out = append(out, name)
		}
		h.raised[name] = on
	}
	return out
}
