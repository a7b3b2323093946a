package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

func bindTemperature(t *testing.T) (*Adapter, *handle) {
	t.Helper()
	a := NewAdapter("127.0.0.1", zap.NewNop())
	schema := patterns.SchemaFor(patterns.TypeTemperatureSensor, nil)

	h, err := a.Bind(context.Background(), 0, "modbus_line_000", schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Unbind(context.Background(), h) })
	return a, h.(*handle)
}

func connect(t *testing.T, addr net.Addr) mb.Client {
	t.Helper()
	handler := mb.NewTCPClientHandler(addr.String())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { handler.Close() })
	return mb.NewClient(handler)
}

func publish(t *testing.T, a *Adapter, h *handle, values patterns.Values) {
	t.Helper()
	require.NoError(t, a.Publish(context.Background(), h, &patterns.Telemetry{
		DeviceID: h.DeviceID(),
		Values:   values,
	}))
}

func TestAdapterServesTelemetry(t *testing.T) {
	a, h := bindTemperature(t)
	publish(t, a, h, patterns.Values{
		"temperature":    21.57,
		"humidity":       45.2,
		"sensor_status":  1,
		"sensor_healthy": true,
	})

	client := connect(t, h.Addr())

	holding, err := client.ReadHoldingRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint16(2157), binary.BigEndian.Uint16(holding[0:2]))
	assert.Equal(t, uint16(4520), binary.BigEndian.Uint16(holding[2:4]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(holding[4:6]))

	input, err := client.ReadInputRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, holding, input)

	discrete, err := client.ReadDiscreteInputs(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, discrete)

	coils, err := client.ReadCoils(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, coils)
}

func TestAdapterClientWritesLastUntilNextTick(t *testing.T) {
	a, h := bindTemperature(t)
	publish(t, a, h, patterns.Values{"temperature": 20.0, "humidity": 50.0, "sensor_status": 1})

	client := connect(t, h.Addr())

	_, err := client.WriteSingleRegister(2, 7)
	require.NoError(t, err)
	_, err = client.WriteMultipleRegisters(0, 2, []byte{0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)

	got, err := client.ReadHoldingRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x07}, got)

	publish(t, a, h, patterns.Values{"temperature": 20.0, "humidity": 50.0, "sensor_status": 1})

	got, err = client.ReadHoldingRegisters(2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, got)
}

func TestAdapterRejectsOutOfRangeRead(t *testing.T) {
	_, h := bindTemperature(t)
	client := connect(t, h.Addr())

	_, err := client.ReadHoldingRegisters(0, 50)
	require.Error(t, err)

	var mbErr *mb.ModbusError
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(mb.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
}

func TestServerRejectsUnsupportedFunction(t *testing.T) {
	_, h := bindTemperature(t)

	conn, err := net.DialTimeout("tcp", h.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := (&Frame{TransactionID: 42, UnitID: 1, FunctionCode: 0x2B, Data: []byte{0x0E}}).Encode()
	_, err = conn.Write(req)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), resp.TransactionID)
	assert.Equal(t, byte(0xAB), resp.FunctionCode)
	assert.Equal(t, []byte{ExceptionIllegalFunction}, resp.Data)
}

func TestReadFrameRejectsBadHeader(t *testing.T) {
	bad := []byte{0x00, 0x01, 0x00, 0x05, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	_, err := ReadFrame(bytes.NewReader(bad))
	assert.Error(t, err)

	short := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}
	_, err = ReadFrame(bytes.NewReader(short))
	assert.Error(t, err)
}

func TestUnbindClosesListener(t *testing.T) {
	a := NewAdapter("127.0.0.1", zap.NewNop())
	h, err := a.Bind(context.Background(), 0, "modbus_line_001", patterns.SchemaFor(patterns.TypeMotorDrive, nil))
	require.NoError(t, err)

	addr := h.(*handle).Addr().String()
	client := connect(t, h.(*handle).Addr())
	_, err = client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)

	require.NoError(t, a.Unbind(context.Background(), h))

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestBindFailsOnPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	a := NewAdapter("127.0.0.1", zap.NewNop())
	port := l.Addr().(*net.TCPAddr).Port
	_, err = a.Bind(context.Background(), port, "modbus_line_002", patterns.SchemaFor(patterns.TypeMotorDrive, nil))
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	robot := BuildLayout(patterns.SchemaFor(patterns.TypeRobot, patterns.Params{"joint_count": 6}))

	joints, ok := robot.Lookup("joint_angles")
	require.True(t, ok)
	assert.Equal(t, uint16(0), joints.Address)
	assert.Equal(t, uint16(6), joints.Count)

	tcpX, ok := robot.Lookup("tcp_position_x")
	require.True(t, ok)
	assert.Equal(t, uint16(6), tcpX.Address)

	regs, _ := robot.Encode(patterns.Values{
		"joint_angles":  []float64{-90.5, 0, 45, 180, -180, 12.3},
		"program_state": "PAUSED",
	})
	assert.Equal(t, -90.5, DecodeRegister(regs[0], 10, true))
	assert.Equal(t, 180.0, DecodeRegister(regs[3], 10, true))

	state, _ := robot.Lookup("program_state")
	assert.Equal(t, uint16(1), regs[state.Address])

	cnc := BuildLayout(patterns.SchemaFor(patterns.TypeCNCMachine, nil))
	_, ok = cnc.Lookup("program_name")
	assert.False(t, ok, "labels are not mapped")
}

func TestEncodeRegisterSaturates(t *testing.T) {
	assert.Equal(t, uint16(65535), EncodeRegister(1e9, 1))
	assert.Equal(t, uint16(0x8000), EncodeRegister(-1e9, 1))
	assert.Equal(t, uint16(2157), EncodeRegister(21.57, 100))
	assert.Equal(t, -5.5, DecodeRegister(EncodeRegister(-5.5, 10), 10, true))
}
