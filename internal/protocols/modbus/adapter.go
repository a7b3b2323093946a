// Package modbus exposes simulated devices as Modbus TCP slaves, one
// listener per device.
package modbus

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

type handle struct {
	deviceID string
	server   *Server
	layout   Layout
}

func (h *handle) DeviceID() string { return h.deviceID }

func (h *handle) Endpoint() string {
	return "modbus://" + h.server.Addr().String()
}

// Addr is the bound listener address.
func (h *handle) Addr() net.Addr { return h.server.Addr() }

// Layout is the register map served for the device.
func (h *handle) Layout() Layout { return h.layout }

type Adapter struct {
	host   string
	logger *zap.Logger
}

// NewAdapter listens on host for every bound device; "" means all interfaces.
func NewAdapter(host string, logger *zap.Logger) *Adapter {
	return &Adapter{host: host, logger: logger.With(zap.String("adapter", "modbus"))}
}

func (a *Adapter) Bind(ctx context.Context, port int, deviceID string, schema patterns.Schema) (devices.Handle, error) {
	layout := BuildLayout(schema)
	server := NewServer(layout.RegisterCount(), layout.BitCount(), a.logger.With(zap.String("device_id", deviceID)))

	address := net.JoinHostPort(a.host, strconv.Itoa(port))
	if err := server.Listen(ctx, address); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	a.logger.Debug("Modbus server listening",
		zap.String("device_id", deviceID),
		zap.String("address", server.Addr().String()),
		zap.Int("registers", layout.RegisterCount()))

	return &handle{deviceID: deviceID, server: server, layout: layout}, nil
}

func (a *Adapter) Publish(_ context.Context, h devices.Handle, t *patterns.Telemetry) error {
	mh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	regs, bits := mh.layout.Encode(t.Values)
	mh.server.Update(regs, bits)
	return nil
}

func (a *Adapter) Unbind(_ context.Context, h devices.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	mh.server.Close()
	return nil
}
