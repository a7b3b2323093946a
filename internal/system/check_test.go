package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

func TestCheckPlansDefault(t *testing.T) {
	plans, err := CheckPlans(config.Default(), zap.NewNop())
	require.NoError(t, err)

	assert.Len(t, plans[ports.FamilyModbus], 18)
	assert.Len(t, plans[ports.FamilyOPCUA], 5)
	assert.Len(t, plans[ports.FamilyMQTT], 35)
	assert.Zero(t, plans[ports.FamilyMQTT].PortsRequired(ports.FamilyMQTT))
	assert.Equal(t, 5060, plans[ports.FamilyModbus][0].PreferredPort, "motor_drives sorts first")
}

func TestCheckPlansReportsExhaustion(t *testing.T) {
	cfg := testConfig()
	group := cfg.Protocols.Modbus.Devices["temperature_sensors"]
	group.Count = 50
	cfg.Protocols.Modbus.Devices["temperature_sensors"] = group

	plans, err := CheckPlans(cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, simerr.IsExhaustion(err))
	assert.NotContains(t, plans, ports.FamilyModbus)
	assert.Contains(t, plans, ports.FamilyOPCUA)
}

func TestCheckPlansNeedsBrokerPort(t *testing.T) {
	cfg := testConfig()
	cfg.Network.PortRanges["mqtt"] = []int{47300, 47300}
	cfg.Protocols.MQTT.BrokerPort = 47300

	_, err := CheckPlans(cfg, zap.NewNop())
	require.NoError(t, err)

	cfg.Network.PortRanges["mqtt"] = []int{47300, 47299}
	_, err = CheckPlans(cfg, zap.NewNop())
	assert.True(t, simerr.IsConfig(err))
}
