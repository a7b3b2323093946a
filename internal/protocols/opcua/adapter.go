// Package opcua exposes simulated devices as OPC UA servers, one server and
// address space per device.
package opcua

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

type handle struct {
	deviceID string
	endpoint *Endpoint
	space    *AddressSpace
}

func (h *handle) DeviceID() string { return h.deviceID }

func (h *handle) Endpoint() string { return h.endpoint.URL() }

func (h *handle) Addr() net.Addr { return h.endpoint.Addr() }

// Space is the device's address space.
func (h *handle) Space() *AddressSpace { return h.space }

type Adapter struct {
	host   string
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]string
	spaces    map[string]*AddressSpace
}

func NewAdapter(host string, logger *zap.Logger) *Adapter {
	return &Adapter{
		host:      host,
		logger:    logger.With(zap.String("adapter", "opcua")),
		templates: make(map[string]string),
		spaces:    make(map[string]*AddressSpace),
	}
}

// Register records the template name shown in the Identification folder.
func (a *Adapter) Register(cfg devices.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.templates[cfg.ID] = cfg.Template
}

func (a *Adapter) Bind(ctx context.Context, port int, deviceID string, schema patterns.Schema) (devices.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	template := a.templates[deviceID]
	a.mu.RUnlock()

	space := NewAddressSpace(deviceID, template, schema)
	ep, err := Serve(a.host, port, space, a.logger.With(zap.String("device_id", deviceID)))
	if err != nil {
		return nil, fmt.Errorf("failed to serve on port %d: %w", port, err)
	}

	a.mu.Lock()
	a.spaces[deviceID] = space
	a.mu.Unlock()

	a.logger.Debug("OPC UA server listening",
		zap.String("device_id", deviceID),
		zap.String("endpoint", ep.URL()))

	return &handle{deviceID: deviceID, endpoint: ep, space: space}, nil
}

func (a *Adapter) Publish(_ context.Context, h devices.Handle, t *patterns.Telemetry) error {
	oh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	oh.space.Update(t.Values, t.Timestamp)
	return nil
}

func (a *Adapter) Unbind(_ context.Context, h devices.Handle) error {
	oh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	a.mu.Lock()
	if a.spaces[oh.deviceID] == oh.space {
		delete(a.spaces, oh.deviceID)
	}
	a.mu.Unlock()

	return oh.endpoint.Close()
}

// Space returns the address space of a bound device.
func (a *Adapter) Space(deviceID string) (*AddressSpace, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.spaces[deviceID]
	return s, ok
}
