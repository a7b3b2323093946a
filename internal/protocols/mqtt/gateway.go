package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt gateway not connected")

// GatewayConfig describes the broker connection shared by all MQTT devices.
type GatewayConfig struct {
	BrokerURL      string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// StatusTopic receives a retained online/offline flag for the gateway
	// itself; the offline value is registered as the last will.
	StatusTopic string
}

// Gateway is the single paho client publishing on behalf of every device.
type Gateway struct {
	cfg    GatewayConfig
	logger *zap.Logger

	mu     sync.Mutex
	client paho.Client
}

func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = "simulator/gateway/status"
	}
	return &Gateway{cfg: cfg, logger: logger.With(zap.String("component", "mqtt_gateway"))}
}

// Connect opens the broker connection. Calling it while connected is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil && g.client.IsConnected() {
		return nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(g.cfg.BrokerURL)
	opts.SetClientID("sim-gateway-" + uuid.NewString()[:8])
	opts.SetUsername(g.cfg.Username)
	opts.SetPassword(g.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(g.cfg.ConnectTimeout)
	opts.SetWill(g.cfg.StatusTopic, "offline", 1, true)

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		g.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	opts.SetOnConnectHandler(func(client paho.Client) {
		g.logger.Info("Connected to MQTT broker", zap.String("broker", g.cfg.BrokerURL))
		client.Publish(g.cfg.StatusTopic, 1, true, "online")
	})

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect(), g.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", g.cfg.BrokerURL, err)
	}

	g.client = client
	return nil
}

// Publish sends one message and waits for the broker to accept it.
func (g *Gateway) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	return wait(ctx, client.Publish(topic, qos, retained, payload), g.cfg.ConnectTimeout)
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client != nil && g.client.IsConnectionOpen()
}

// Disconnect marks the gateway offline and closes the connection.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return
	}
	if g.client.IsConnectionOpen() {
		g.client.Publish(g.cfg.StatusTopic, 1, true, "offline").WaitTimeout(time.Second)
	}
	g.client.Disconnect(1000)
	g.client = nil
	g.logger.Info("Disconnected from MQTT broker")
}

// wait blocks on token until it completes, ctx ends or fallback elapses
// when ctx has no deadline.
func wait(ctx context.Context, token paho.Token, fallback time.Duration) error {
	timeout := fallback
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errors.New("timed out waiting for broker")
	}
}
