package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	b := NewBroker(addr, zap.NewNop())
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Close() })
	return "tcp://" + addr
}

type received struct {
	topic    string
	payload  []byte
	retained bool
}

func subscribe(t *testing.T, url, filter string) <-chan received {
	t.Helper()
	out := make(chan received, 64)

	opts := paho.NewClientOptions().AddBroker(url).SetClientID("test-sub-" + t.Name())
	client := paho.NewClient(opts)
	tok := client.Connect()
	require.True(t, tok.WaitTimeout(3*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { client.Disconnect(100) })

	sub := client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
		out <- received{topic: msg.Topic(), payload: msg.Payload(), retained: msg.Retained()}
	})
	require.True(t, sub.WaitTimeout(3*time.Second))
	require.NoError(t, sub.Error())
	return out
}

func next(t *testing.T, ch <-chan received, topic string) received {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.topic == topic {
				return msg
			}
		case <-deadline:
			t.Fatalf("no message on %s", topic)
		}
	}
}

func newAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	a := NewAdapter(NewGateway(GatewayConfig{BrokerURL: url}, zap.NewNop()), zap.NewNop())
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestAdapterPublishesTelemetry(t *testing.T) {
	url := startBroker(t)
	msgs := subscribe(t, url, "factory/#")
	a := newAdapter(t, url)

	a.Register(devices.Config{ID: "mqtt_meters_000", Topic: "factory/mqtt_meters_000", QoS: 1})

	ctx := context.Background()
	h, err := a.Bind(ctx, 0, "mqtt_meters_000", patterns.SchemaFor(patterns.TypeEnergyMeter, nil))
	require.NoError(t, err)

	status := next(t, msgs, "factory/mqtt_meters_000/status")
	assert.Equal(t, "online", string(status.payload))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.Publish(ctx, h, &patterns.Telemetry{
		DeviceID:   "mqtt_meters_000",
		DeviceType: patterns.TypeEnergyMeter,
		Tick:       1,
		Timestamp:  ts,
		Values:     patterns.Values{"voltage_v": 230.1, "phase": "L1"},
	}))

	data := next(t, msgs, "factory/mqtt_meters_000/data")
	var payload struct {
		DeviceID   string         `json:"device_id"`
		DeviceType string         `json:"device_type"`
		Timestamp  time.Time      `json:"timestamp"`
		Data       map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data.payload, &payload))
	assert.Equal(t, "mqtt_meters_000", payload.DeviceID)
	assert.Equal(t, "energy_meter", payload.DeviceType)
	assert.True(t, ts.Equal(payload.Timestamp))
	assert.Equal(t, 230.1, payload.Data["voltage_v"])

	require.NoError(t, a.Unbind(ctx, h))
	status = next(t, msgs, "factory/mqtt_meters_000/status")
	assert.Equal(t, "offline", string(status.payload))
}

func TestAdapterAlertsOnRisingAlarm(t *testing.T) {
	url := startBroker(t)
	msgs := subscribe(t, url, "devices/#")
	a := newAdapter(t, url)

	ctx := context.Background()
	h, err := a.Bind(ctx, 0, "mqtt_pumps_000", patterns.SchemaFor(patterns.TypePressureTransmitter, nil))
	require.NoError(t, err)

	publish := func(high bool) {
		require.NoError(t, a.Publish(ctx, h, &patterns.Telemetry{
			DeviceID: "mqtt_pumps_000",
			Values:   patterns.Values{"pressure": 260.0, "high_alarm": high, "low_flow_alarm": false},
		}))
	}

	publish(true)
	alert := next(t, msgs, "devices/mqtt_pumps_000/alerts")
	var got Alert
	require.NoError(t, json.Unmarshal(alert.payload, &got))
	assert.Equal(t, "high_alarm", got.Alarm)

	// held alarm does not repeat; a cleared and raised alarm does
	publish(true)
	publish(false)
	publish(true)

	count := 0
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case msg := <-msgs:
			if msg.topic == "devices/mqtt_pumps_000/alerts" {
				count++
			}
		case <-deadline:
			break loop
		}
	}
	assert.Equal(t, 1, count)
}

func TestRetainedStatusForLateSubscribers(t *testing.T) {
	url := startBroker(t)
	a := newAdapter(t, url)

	_, err := a.Bind(context.Background(), 0, "mqtt_env_000", patterns.SchemaFor(patterns.TypeEnvironmentalSensor, nil))
	require.NoError(t, err)

	msgs := subscribe(t, url, "devices/mqtt_env_000/status")
	msg := next(t, msgs, "devices/mqtt_env_000/status")
	assert.True(t, msg.retained)
	assert.Equal(t, "online", string(msg.payload))
}

func TestPublishWithoutConnection(t *testing.T) {
	a := NewAdapter(NewGateway(GatewayConfig{BrokerURL: "tcp://127.0.0.1:1"}, zap.NewNop()), zap.NewNop())

	_, err := a.Bind(context.Background(), 0, "mqtt_x_000", patterns.Schema{})
	assert.ErrorIs(t, err, ErrNotConnected)

	err = a.Publish(context.Background(), &handle{deviceID: "mqtt_x_000", route: Route{Topic: "x"}},
		&patterns.Telemetry{DeviceID: "mqtt_x_000"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGatewayConnectFailure(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		BrokerURL:      fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t)),
		ConnectTimeout: 500 * time.Millisecond,
	}, zap.NewNop())

	err := gw.Connect(context.Background())
	assert.Error(t, err)
	assert.False(t, gw.Connected())
}

func TestBrokerCountsClients(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	b := NewBroker(addr, zap.NewNop())
	require.NoError(t, b.Start())
	defer b.Close()

	gw := NewGateway(GatewayConfig{BrokerURL: "tcp://" + addr}, zap.NewNop())
	require.NoError(t, gw.Connect(context.Background()))
	defer gw.Disconnect()

	assert.Eventually(t, func() bool { return b.Clients() >= 1 }, 2*time.Second, 20*time.Millisecond)
}
