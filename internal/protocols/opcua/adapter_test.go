package opcua

import (
	"context"
	"net"
	"testing"
	"time"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
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

func bindCNC(t *testing.T) (*Adapter, *handle) {
	t.Helper()
	a := NewAdapter("127.0.0.1", zap.NewNop())
	a.Register(devices.Config{ID: "opcua_cnc_000", Template: "opcua_cnc_machine"})

	h, err := a.Bind(context.Background(), freePort(t), "opcua_cnc_000", patterns.SchemaFor(patterns.TypeCNCMachine, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Unbind(context.Background(), h) })
	return a, h.(*handle)
}

func connectClient(t *testing.T, endpoint string) *gopcua.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := gopcua.NewClient(endpoint, gopcua.SecurityMode(ua.MessageSecurityModeNone))
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func readValue(t *testing.T, c *gopcua.Client, nodeID string) *ua.DataValue {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: ua.MustParseNodeID(nodeID), AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	return resp.Results[0]
}

func TestAddressSpaceLayout(t *testing.T) {
	_, h := bindCNC(t)
	space := h.Space()

	assert.Equal(t, "urn:protocol-sim-engine:opcua_cnc_000", space.NamespaceURI)

	model, err := space.Read("ns=2;s=opcua_cnc_000.Identification.Model")
	require.NoError(t, err)
	assert.Equal(t, "opcua_cnc_machine", model.Value.Value())

	var paths []string
	for _, n := range space.Browse() {
		paths = append(paths, n.NodeID)
	}
	assert.Contains(t, paths, "ns=2;s=opcua_cnc_000.Parameters.spindle_speed_rpm")
	assert.Contains(t, paths, "ns=2;s=opcua_cnc_000.Status.DeviceHealth")
}

func TestPublishUpdatesNodes(t *testing.T) {
	a, h := bindCNC(t)
	ts := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, a.Publish(context.Background(), h, &patterns.Telemetry{
		DeviceID:  "opcua_cnc_000",
		Timestamp: ts,
		Values: patterns.Values{
			"machine_state":     "ERROR",
			"spindle_speed_rpm": 12000.5,
			"part_count":        17,
			"program_name":      "O1001",
		},
	}))

	space, ok := a.Space("opcua_cnc_000")
	require.True(t, ok)

	speed, err := space.Read("ns=2;s=opcua_cnc_000.Parameters.spindle_speed_rpm")
	require.NoError(t, err)
	assert.Equal(t, 12000.5, speed.Value.Value())
	assert.Equal(t, ua.TypeIDDouble, speed.Value.Type())
	assert.True(t, ts.Equal(speed.SourceTimestamp))

	parts, err := space.Read("ns=2;s=opcua_cnc_000.Parameters.part_count")
	require.NoError(t, err)
	assert.Equal(t, int32(17), parts.Value.Value())

	health, err := space.Read("ns=2;s=opcua_cnc_000.Status.DeviceHealth")
	require.NoError(t, err)
	assert.Equal(t, "FAULT", health.Value.Value())

	mode, err := space.Read("ns=2;s=opcua_cnc_000.Status.OperatingMode")
	require.NoError(t, err)
	assert.Equal(t, "ERROR", mode.Value.Value())
}

func TestReadUnknownNode(t *testing.T) {
	_, h := bindCNC(t)

	_, err := h.Space().Read("ns=2;s=opcua_cnc_000.Parameters.flux")
	assert.Equal(t, ua.StatusBadNodeIDUnknown, err)

	_, err = h.Space().Read("not a node id")
	assert.Error(t, err)
}

func TestRobotJointsAreSeparateNodes(t *testing.T) {
	space := NewAddressSpace("opcua_robot_000", "opcua_industrial_robot",
		patterns.SchemaFor(patterns.TypeRobot, patterns.Params{"joint_count": 3}))

	space.Update(patterns.Values{"joint_angles": []float64{10, -20, 30}}, time.Now())

	j2, err := space.Read("ns=2;s=opcua_robot_000.Parameters.joint_angles_2")
	require.NoError(t, err)
	assert.Equal(t, -20.0, j2.Value.Value())

	_, err = space.Read("ns=2;s=opcua_robot_000.Parameters.joint_angles_4")
	assert.Error(t, err)
}

func TestClientReadsPublishedValues(t *testing.T) {
	a, h := bindCNC(t)
	c := connectClient(t, h.Endpoint())

	namespaces, err := c.NamespaceArray(context.Background())
	require.NoError(t, err)
	require.Len(t, namespaces, 3)
	assert.Equal(t, serverURI, namespaces[1])
	assert.Equal(t, "urn:protocol-sim-engine:opcua_cnc_000", namespaces[deviceNamespace])

	model := readValue(t, c, "ns=2;s=opcua_cnc_000.Identification.Model")
	require.Equal(t, ua.StatusOK, model.Status)
	assert.Equal(t, "opcua_cnc_machine", model.Value.Value())

	require.NoError(t, a.Publish(context.Background(), h, &patterns.Telemetry{
		DeviceID:  "opcua_cnc_000",
		Timestamp: time.Now(),
		Values: patterns.Values{
			"machine_state":     "ERROR",
			"spindle_speed_rpm": 8100.25,
			"part_count":        3,
		},
	}))

	speed := readValue(t, c, "ns=2;s=opcua_cnc_000.Parameters.spindle_speed_rpm")
	require.Equal(t, ua.StatusOK, speed.Status)
	assert.Equal(t, 8100.25, speed.Value.Value())

	parts := readValue(t, c, "ns=2;s=opcua_cnc_000.Parameters.part_count")
	assert.Equal(t, int32(3), parts.Value.Value())

	health := readValue(t, c, "ns=2;s=opcua_cnc_000.Status.DeviceHealth")
	assert.Equal(t, "FAULT", health.Value.Value())

	unknown := readValue(t, c, "ns=2;s=opcua_cnc_000.Parameters.flux")
	assert.Equal(t, ua.StatusBadNodeIDUnknown, unknown.Status)
}

func TestEndpointAndUnbind(t *testing.T) {
	a := NewAdapter("127.0.0.1", zap.NewNop())
	h, err := a.Bind(context.Background(), freePort(t), "opcua_plc_000", patterns.SchemaFor(patterns.TypePLCController, nil))
	require.NoError(t, err)

	oh := h.(*handle)
	assert.Contains(t, oh.Endpoint(), "opc.tcp://127.0.0.1:")
	assert.Contains(t, oh.Endpoint(), "/freeopcua/server/")

	connectClient(t, oh.Endpoint())

	addr := oh.Addr().String()
	require.NoError(t, a.Unbind(context.Background(), h))

	_, ok := a.Space("opcua_plc_000")
	assert.False(t, ok)
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestBindFailsOnPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	a := NewAdapter("127.0.0.1", zap.NewNop())
	port := l.Addr().(*net.TCPAddr).Port
	_, err = a.Bind(context.Background(), port, "opcua_plc_001", patterns.SchemaFor(patterns.TypePLCController, nil))
	assert.Error(t, err)

	_, ok := a.Space("opcua_plc_001")
	assert.False(t, ok)
}

func TestRebindSamePort(t *testing.T) {
	a := NewAdapter("127.0.0.1", zap.NewNop())
	port := freePort(t)
	schema := patterns.SchemaFor(patterns.TypeRobot, nil)

	h, err := a.Bind(context.Background(), port, "opcua_robot_000", schema)
	require.NoError(t, err)
	require.NoError(t, a.Unbind(context.Background(), h))

	h, err = a.Bind(context.Background(), port, "opcua_robot_000", schema)
	require.NoError(t, err)
	connectClient(t, h.(*handle).Endpoint())
	require.NoError(t, a.Unbind(context.Background(), h))
}
