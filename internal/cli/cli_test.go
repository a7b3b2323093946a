package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		initForce = false
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestInitConfigThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := execute(t, "init-config", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Default configuration written")
	assert.FileExists(t, path)

	_, err = execute(t, "init-config", "--out", path)
	assert.Error(t, err, "refuses to overwrite without --force")

	_, err = execute(t, "init-config", "--out", path, "--force")
	require.NoError(t, err)

	out, err = execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "modbus  18 devices, 18 ports")
	assert.Contains(t, out, "mqtt    35 devices, 0 ports")
}

func TestValidateRejectsOverCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `
network:
  port_ranges:
    modbus: [15000, 15004]
    opcua: [16000, 16010]
    mqtt: [17000, 17000]
industrial_protocols:
  modbus_tcp:
    enabled: true
    devices:
      sensors:
        count: 50
        port_start: 15000
        device_template: industrial_temperature_sensor
        update_interval: 1.0
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	out, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, out, "invalid")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "simengine version dev")
}
