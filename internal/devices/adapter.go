package devices

import (
	"context"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

// Handle identifies one bound device inside an adapter.
type Handle interface {
	DeviceID() string
}

// Endpointer is implemented by handles that can describe where clients connect.
type Endpointer interface {
	Endpoint() string
}

// Adapter exposes devices on one wire protocol.
type Adapter interface {
	Bind(ctx context.Context, port int, deviceID string, schema patterns.Schema) (Handle, error)
	Publish(ctx context.Context, h Handle, t *patterns.Telemetry) error
	Unbind(ctx context.Context, h Handle) error
}

// Observer receives per-device events. Implementations must not block.
type Observer interface {
	OnTick(cfg *Config, t *patterns.Telemetry, err error)
	OnStatus(cfg *Config, from, to Status)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) OnTick(cfg *Config, t *patterns.Telemetry, err error) {
	for _, obs := range o {
		obs.OnTick(cfg, t, err)
	}
}

func (o Observers) OnStatus(cfg *Config, from, to Status) {
	for _, obs := range o {
		obs.OnStatus(cfg, from, to)
	}
}
