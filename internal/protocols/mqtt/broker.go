package mqtt

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"
)

// Broker is the embedded MQTT broker the gateway publishes to when no
// external broker is configured.
type Broker struct {
	address string
	server  *mochi.Server
	logger  *zap.Logger
}

func NewBroker(address string, logger *zap.Logger) *Broker {
	return &Broker{
		address: address,
		logger:  logger.With(zap.String("component", "mqtt_broker")),
	}
}

// Start binds the listener and serves in the background.
func (b *Broker) Start() error {
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "sim-tcp", Address: b.address})
	if err := server.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.address, err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			b.logger.Error("Broker stopped", zap.Error(err))
		}
	}()

	b.server = server
	b.logger.Info("Embedded MQTT broker started", zap.String("address", b.address))
	return nil
}

func (b *Broker) Address() string { return b.address }

// Clients is the number of connected clients.
func (b *Broker) Clients() int64 {
	if b.server == nil {
		return 0
	}
	return atomic.LoadInt64(&b.server.Info.ClientsConnected)
}

func (b *Broker) Close() error {
	if b.server == nil {
		return nil
	}
	err := b.server.Close()
	b.server = nil
	b.logger.Info("Embedded MQTT broker stopped")
	return err
}
