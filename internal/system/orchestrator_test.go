package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/interfaces"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// testConfig describes a small plant on high loopback ports.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Simulation.Seed = 11
	cfg.Simulation.MonitorInterval = 50 * time.Millisecond
	cfg.Network.BindHost = "127.0.0.1"
	cfg.Network.PortRanges = map[string][]int{
		"modbus": {47100, 47109},
		"opcua":  {47200, 47204},
		"mqtt":   {47300, 47300},
	}
	cfg.Protocols.Modbus.Devices = map[string]config.DeviceGroup{
		"temperature_sensors": {
			Count:          3,
			PortStart:      47100,
			DeviceTemplate: "industrial_temperature_sensor",
			UpdateInterval: config.Seconds(0.05),
		},
	}
	cfg.Protocols.OPCUA.Devices = map[string]config.DeviceGroup{
		"cnc_machines": {
			Count:          1,
			PortStart:      47200,
			DeviceTemplate: "opcua_cnc_machine",
			UpdateInterval: config.Seconds(0.05),
		},
	}
	cfg.Protocols.MQTT.BrokerPort = 47300
	cfg.Protocols.MQTT.Devices = map[string]config.DeviceGroup{
		"environmental_sensors": {
			Count:           2,
			DeviceTemplate:  "iot_environmental_sensor",
			PublishInterval: config.Seconds(0.05),
		},
	}
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(cfg, Options{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.StopAll(ctx)
	})
	return o
}

func TestOrchestratorLifecycle(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()

	health := o.GetHealth()
	assert.Equal(t, HealthStopped, health.Status)

	starts, err := o.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, o.State())
	assert.Equal(t, 3, starts[ports.FamilyModbus].Succeeded)
	assert.Equal(t, 1, starts[ports.FamilyOPCUA].Succeeded)
	assert.Equal(t, 2, starts[ports.FamilyMQTT].Succeeded)

	health = o.GetHealth()
	assert.Equal(t, HealthHealthy, health.Status)
	assert.Equal(t, 6, health.Summary.TotalDevices)
	assert.Equal(t, 6, health.Summary.RunningDevices)
	assert.Equal(t, 100.0, health.Summary.HealthPercentage)
	assert.Equal(t, 3, health.PortUtilization[ports.FamilyModbus].Used)
	assert.Equal(t, 1, health.PortUtilization[ports.FamilyMQTT].Used, "embedded broker holds the mqtt port")

	report := o.AllocationReport()
	assert.Equal(t, []int{47100}, report[ports.FamilyModbus].Owners["modbus_temperature_sensors_000"])
	assert.Equal(t, []int{47102}, report[ports.FamilyModbus].Owners["modbus_temperature_sensors_002"])
	assert.Equal(t, []int{47300}, report[ports.FamilyMQTT].Owners[brokerOwner])

	listed, err := o.ListDevices(ports.FamilyModbus)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "modbus_temperature_sensors_000", listed[0].DeviceID)
	assert.Equal(t, 47101, listed[1].Port)

	all, err := o.ListDevices("")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	require.Eventually(t, func() bool {
		data, err := o.GetDeviceData("mqtt_environmental_sensors_001")
		return err == nil && data.Tick > 0
	}, 3*time.Second, 20*time.Millisecond)

	status := o.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, 6, status.DeviceCount)
	assert.Equal(t, []string{"modbus", "opcua", "mqtt"}, status.Protocols)
	assert.NotEmpty(t, status.RunID)
	assert.Equal(t, uint64(11), status.Seed)

	protocols := o.Protocols()
	assert.Equal(t, "tcp://127.0.0.1:47300", protocols[ports.FamilyMQTT].Broker)
	assert.Equal(t, []string{"cnc_machines"}, protocols[ports.FamilyOPCUA].Groups)
	assert.Equal(t, []int{47100, 47109}, protocols[ports.FamilyModbus].PortRange)

	require.NoError(t, o.StopAll(ctx))
	assert.Equal(t, StateStopped, o.State())

	for family, u := range o.sc.Allocator.UtilizationAll() {
		assert.Zero(t, u.Used, "family %s", family)
	}
	assert.Equal(t, HealthStopped, o.GetHealth().Status)
}

func TestFamilyFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.Network.PortRanges["modbus"] = []int{47110, 47111}
	group := cfg.Protocols.Modbus.Devices["temperature_sensors"]
	group.Count = 5
	group.PortStart = 47110
	cfg.Protocols.Modbus.Devices["temperature_sensors"] = group
	cfg.Protocols.MQTT.Enabled = false

	o := newTestOrchestrator(t, cfg)
	_, err := o.StartAll(context.Background())
	require.NoError(t, err)

	failures := o.Failures()
	require.Contains(t, failures, ports.FamilyModbus)
	assert.True(t, simerr.IsExhaustion(failures[ports.FamilyModbus]))

	_, ok := o.Manager(ports.FamilyModbus)
	assert.False(t, ok)

	u, err := o.sc.Allocator.Utilization(ports.FamilyModbus)
	require.NoError(t, err)
	assert.Zero(t, u.Used, "nothing allocated for the failed family")

	health := o.GetHealth()
	assert.NotEmpty(t, health.Protocols[ports.FamilyModbus].Error)
	assert.Equal(t, 1, health.Protocols[ports.FamilyOPCUA].Running)
	assert.Equal(t, HealthHealthy, health.Status)
}

func TestInitializeFailsWhenNoFamilyComesUp(t *testing.T) {
	cfg := testConfig()
	cfg.Protocols.OPCUA.Enabled = false
	cfg.Protocols.MQTT.Enabled = false
	group := cfg.Protocols.Modbus.Devices["temperature_sensors"]
	group.Count = 20
	cfg.Protocols.Modbus.Devices["temperature_sensors"] = group

	o := newTestOrchestrator(t, cfg)
	_, err := o.StartAll(context.Background())
	require.Error(t, err)
	assert.True(t, simerr.IsExhaustion(err))
	assert.Equal(t, StateError, o.State())
}

func TestZeroSeedDrawsRunSeed(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation.Seed = 0

	a, err := NewSimulationContext(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	b, err := NewSimulationContext(cfg, nil, zap.NewNop())
	require.NoError(t, err)

	assert.NotZero(t, a.Seed)
	assert.NotEqual(t, a.Seed, b.Seed)

	cfg.Simulation.Seed = 11
	c, err := NewSimulationContext(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), c.Seed)
}

func TestOverlappingPoolsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Network.PortRanges["opcua"] = []int{47105, 47120}

	o := newTestOrchestrator(t, cfg)
	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, simerr.IsConfig(err))
	assert.Equal(t, StateError, o.State())
}

func TestDeviceLookups(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	_, err := o.StartAll(ctx)
	require.NoError(t, err)

	_, err = o.GetDeviceData("modbus_nope_000")
	assert.True(t, simerr.IsNotFound(err))

	_, err = o.GetDevice("modbus_nope_000")
	assert.True(t, simerr.IsNotFound(err))

	_, err = o.ListDevices("profinet")
	assert.True(t, simerr.IsNotFound(err))

	st, err := o.GetDevice("opcua_cnc_machines_000")
	require.NoError(t, err)
	assert.Equal(t, "opc.tcp://127.0.0.1:47200/freeopcua/server/", st.Endpoint)

	err = o.RestartDevice(ctx, "nope")
	assert.True(t, simerr.IsNotFound(err))
}

func TestRestartKeepsPort(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	_, err := o.StartAll(ctx)
	require.NoError(t, err)

	require.NoError(t, o.RestartDevice(ctx, "modbus_temperature_sensors_001"))

	st, err := o.GetDevice("modbus_temperature_sensors_001")
	require.NoError(t, err)
	assert.Equal(t, devices.StatusRunning, st.Status)
	assert.Equal(t, 47101, st.Port)

	require.NoError(t, o.StopAll(ctx))
	err = o.RestartDevice(ctx, "modbus_temperature_sensors_001")
	assert.ErrorIs(t, err, simerr.ErrInvalidTransition)
}

func TestHealthSubscription(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ch := o.SubscribeHealth()

	_, err := o.StartAll(context.Background())
	require.NoError(t, err)

	var got interfaces.Health
	select {
	case got = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no health update after start")
	}
	assert.Equal(t, 6, got.Summary.TotalDevices)

	// the monitor loop keeps publishing
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no periodic health update")
	}

	o.UnsubscribeHealth(ch)
	_, open := <-ch
	for open {
		_, open = <-ch
	}
}

func TestStartTwiceRejected(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	_, err := o.StartAll(ctx)
	require.NoError(t, err)

	_, err = o.StartAll(ctx)
	assert.ErrorIs(t, err, simerr.ErrInvalidTransition)
}

func TestSimulationStopAndStartAgain(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()

	require.NoError(t, o.StartSimulation(ctx))
	assert.Equal(t, StateRunning, o.State())
	assert.ErrorIs(t, o.StartSimulation(ctx), simerr.ErrInvalidTransition)
	first := o.GetCurrentStatus()

	require.NoError(t, o.StopSimulation(ctx))
	assert.Equal(t, StateStopped, o.State())
	for family, u := range o.Context().Allocator.UtilizationAll() {
		assert.Zero(t, u.Used, "family %s", family)
	}
	require.NoError(t, o.StopSimulation(ctx))

	_, err := o.StartAll(ctx)
	assert.ErrorIs(t, err, simerr.ErrInvalidTransition)

	require.NoError(t, o.StartSimulation(ctx))
	assert.Equal(t, StateRunning, o.State())
	second := o.GetCurrentStatus()
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 6, second.DeviceCount)

	require.Eventually(t, func() bool {
		data, err := o.GetDeviceData("modbus_temperature_sensors_000")
		return err == nil && data.Tick > 0
	}, 3*time.Second, 20*time.Millisecond)

	u, err := o.Context().Allocator.Utilization(ports.FamilyModbus)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Used)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{100, HealthHealthy},
		{95, HealthHealthy},
		{94.99, HealthDegraded},
		{80, HealthDegraded},
		{79.9, HealthUnhealthy},
		{0, HealthUnhealthy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.percent), "percent %v", tt.percent)
	}
}

func TestSummarize(t *testing.T) {
	s := summarize(map[string]devices.RuntimeState{
		"a": {Status: devices.StatusRunning},
		"b": {Status: devices.StatusRunning},
		"c": {Status: devices.StatusError},
	})
	assert.Equal(t, 3, s.TotalDevices)
	assert.Equal(t, 2, s.RunningDevices)
	assert.Equal(t, 1, s.ErrorDevices)
	assert.Equal(t, 66.67, s.HealthPercentage)

	assert.Zero(t, summarize(nil).HealthPercentage)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.NoError(t, ValidateTransition(StateError, StateStopping))
	assert.ErrorIs(t, ValidateTransition(StateStopped, StateRunning), simerr.ErrInvalidTransition)
	assert.NoError(t, ValidateTransition(StateStopped, StateInitializing))
	assert.ErrorIs(t, ValidateTransition(StateRunning, StateInitializing), simerr.ErrInvalidTransition)
}
