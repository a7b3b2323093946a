package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	before := hub.GetClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.GetClientCount() == before+1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func telemetry(id string) *patterns.Telemetry {
	return &patterns.Telemetry{
		DeviceID:   id,
		DeviceType: patterns.TypeTemperatureSensor,
		Tick:       1,
		Timestamp:  time.Now(),
		Values:     patterns.Values{"temperature": 21.5},
	}
}

func TestHubStreamsTelemetry(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	cfg := &devices.Config{ID: "modbus_sensors_000", Protocol: ports.FamilyModbus}
	hub.OnTick(cfg, telemetry(cfg.ID), nil)

	msg := readMessage(t, conn)
	assert.Equal(t, "telemetry", msg["type"])
	assert.Equal(t, "modbus_sensors_000", msg["device_id"])
	assert.Equal(t, "modbus", msg["protocol"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, 21.5, data["data"].(map[string]any)["temperature"])
}

func TestHubSkipsFailedTicks(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	cfg := &devices.Config{ID: "mqtt_sensors_000", Protocol: ports.FamilyMQTT}
	hub.OnTick(cfg, telemetry(cfg.ID), assert.AnError)
	hub.OnStatus(cfg, devices.StatusRunning, devices.StatusError)

	msg := readMessage(t, conn)
	assert.Equal(t, "device_status", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "ERROR", data["status"])
	assert.Equal(t, "RUNNING", data["previous_status"])
}

func TestSubscriptionFilters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "protocols": []string{"mqtt"}}))
	ack := readMessage(t, conn)
	require.Equal(t, "subscribed", ack["type"])

	hub.OnTick(&devices.Config{ID: "modbus_a_000", Protocol: ports.FamilyModbus}, telemetry("modbus_a_000"), nil)
	hub.OnTick(&devices.Config{ID: "mqtt_b_000", Protocol: ports.FamilyMQTT}, telemetry("mqtt_b_000"), nil)

	msg := readMessage(t, conn)
	assert.Equal(t, "mqtt_b_000", msg["device_id"])

	hub.Broadcast(NewHealthMessage(map[string]any{"status": "healthy"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "health_update", msg["type"])
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDropsWhenBusy(t *testing.T) {
	// no Run loop: the queue fills and further messages are dropped
	hub := NewHub(zap.NewNop())
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.Broadcast(NewHealthMessage(i))
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}
