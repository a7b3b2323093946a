package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandle struct{ id string }

func (h fakeHandle) DeviceID() string { return h.id }

type fakeAdapter struct {
	mu           sync.Mutex
	bindErr      error
	publishErr   func(n int) error
	publishDelay time.Duration

	binds, unbinds, publishes int
	inPublish                 bool
	unbindDuringPublish       bool
	last                      *patterns.Telemetry
}

func (a *fakeAdapter) Bind(_ context.Context, _ int, id string, _ patterns.Schema) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.binds++
	if a.bindErr != nil {
		return nil, a.bindErr
	}
	return fakeHandle{id: id}, nil
}

func (a *fakeAdapter) Publish(_ context.Context, _ Handle, t *patterns.Telemetry) error {
	a.mu.Lock()
	a.publishes++
	n := a.publishes
	a.inPublish = true
	delay := a.publishDelay
	a.mu.Unlock()

	time.Sleep(delay)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inPublish = false
	a.last = t
	if a.publishErr != nil {
		return a.publishErr(n)
	}
	return nil
}

func (a *fakeAdapter) Unbind(context.Context, Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unbinds++
	if a.inPublish {
		a.unbindDuringPublish = true
	}
	return nil
}

func (a *fakeAdapter) counts() (binds, unbinds, publishes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.binds, a.unbinds, a.publishes
}

func testConfig() Config {
	return Config{
		ID:             DeviceID(ports.FamilyModbus, "line", 1),
		Protocol:       ports.FamilyModbus,
		Group:          "line",
		Index:          1,
		Template:       "industrial_temperature_sensor",
		DeviceType:     patterns.TypeTemperatureSensor,
		UpdateInterval: 10 * time.Millisecond,
		Port:           15000,
	}
}

func newTestRuntime(t *testing.T, a Adapter, opts Options) *Runtime {
	t.Helper()
	opts.Seed = 1
	r, err := NewRuntime(testConfig(), a, opts, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestZeroSeedDiffersPerRuntime(t *testing.T) {
	draw := func(seed uint64) []uint64 {
		r, err := NewRuntime(testConfig(), &fakeAdapter{}, Options{Seed: seed}, zap.NewNop())
		require.NoError(t, err)
		out := make([]uint64, 8)
		for i := range out {
			out[i] = r.rng.Uint64()
		}
		return out
	}

	assert.NotEqual(t, draw(0), draw(0))
	assert.Equal(t, draw(7), draw(7))
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, "modbus_line_001", DeviceID(ports.FamilyModbus, "line", 1))
	assert.Equal(t, "opcua_cnc_cell_042", DeviceID(ports.FamilyOPCUA, "cnc_cell", 42))
}

func TestRuntimeLifecycle(t *testing.T) {
	a := &fakeAdapter{}
	r := newTestRuntime(t, a, Options{})
	assert.Equal(t, StatusCreated, r.Status())
	assert.Nil(t, r.Telemetry())

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StatusRunning, r.Status())

	require.Eventually(t, func() bool {
		snap := r.Telemetry()
		return snap != nil && snap.Tick >= 3
	}, time.Second, 5*time.Millisecond)

	snap := r.Telemetry()
	assert.Equal(t, "modbus_line_001", snap.DeviceID)
	assert.Contains(t, snap.Values, "temperature")

	st := r.State()
	assert.Equal(t, StatusRunning, st.Status)
	assert.NotNil(t, st.LastUpdate)
	assert.Zero(t, st.ErrorCount)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, StatusStopped, r.Status())

	binds, unbinds, _ := a.counts()
	assert.Equal(t, 1, binds)
	assert.Equal(t, 1, unbinds)
}

func TestRuntimeStopBeforeStart(t *testing.T) {
	a := &fakeAdapter{}
	r := newTestRuntime(t, a, Options{})

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, StatusStopped, r.Status())

	_, unbinds, _ := a.counts()
	assert.Zero(t, unbinds)
}

func TestRuntimeBindFailure(t *testing.T) {
	a := &fakeAdapter{bindErr: errors.New("address already in use")}
	r := newTestRuntime(t, a, Options{})

	err := r.Start(context.Background())
	var bindErr *simerr.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, 15000, bindErr.Port)
	assert.Equal(t, StatusError, r.Status())
	assert.Nil(t, r.Telemetry(), "never reached RUNNING")

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, StatusStopped, r.Status())
	_, unbinds, _ := a.counts()
	assert.Zero(t, unbinds)
}

func TestRuntimeToleratesIsolatedPublishFailures(t *testing.T) {
	a := &fakeAdapter{publishErr: func(n int) error {
		if n%2 == 0 {
			return errors.New("write timeout")
		}
		return nil
	}}
	r := newTestRuntime(t, a, Options{FailureThreshold: 2})

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, _, p := a.counts()
		return p >= 10
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusRunning, r.Status())
	assert.Positive(t, r.State().ErrorCount)
	require.NoError(t, r.Stop(context.Background()))
}

func TestRuntimeEntersErrorAfterConsecutiveFailures(t *testing.T) {
	a := &fakeAdapter{publishErr: func(int) error { return errors.New("broker gone") }}
	r := newTestRuntime(t, a, Options{FailureThreshold: 3})

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool {
		return r.Status() == StatusError
	}, time.Second, 5*time.Millisecond)

	st := r.State()
	assert.EqualValues(t, 4, st.ErrorCount)
	assert.Contains(t, st.LastError, "consecutive publish failures")

	// loop has ended and released its listener; no further publishes
	require.Eventually(t, func() bool {
		_, unbinds, _ := a.counts()
		return unbinds == 1
	}, time.Second, 5*time.Millisecond)
	_, _, before := a.counts()
	time.Sleep(50 * time.Millisecond)
	_, _, after := a.counts()
	assert.Equal(t, before, after)

	require.NoError(t, r.Stop(context.Background()))
	_, unbinds, _ := a.counts()
	assert.Equal(t, 1, unbinds, "stop must not unbind a released listener twice")

	a.mu.Lock()
	a.publishErr = nil
	a.mu.Unlock()
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StatusRunning, r.Status())
	require.NoError(t, r.Stop(context.Background()))
	binds, unbinds, _ := a.counts()
	assert.Equal(t, 2, binds)
	assert.Equal(t, 2, unbinds)
}

func TestRuntimeStopWaitsForInFlightTick(t *testing.T) {
	a := &fakeAdapter{publishDelay: 40 * time.Millisecond}
	r := newTestRuntime(t, a, Options{StopDeadline: time.Second})

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.inPublish
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.False(t, a.unbindDuringPublish)
	assert.Equal(t, 1, a.unbinds)
}

func TestRuntimeRestartContinuesSimulation(t *testing.T) {
	a := &fakeAdapter{}
	r := newTestRuntime(t, a, Options{})
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return r.State().Ticks >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(ctx))
	ticks := r.State().Ticks

	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return r.State().Ticks > ticks }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(ctx))

	binds, unbinds, _ := a.counts()
	assert.Equal(t, 2, binds)
	assert.Equal(t, 2, unbinds)
}

func TestNewRuntimeRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateInterval = 0
	_, err := NewRuntime(cfg, &fakeAdapter{}, Options{}, zap.NewNop())
	assert.True(t, simerr.IsConfig(err))

	cfg = testConfig()
	cfg.DeviceType = "boiler"
	_, err = NewRuntime(cfg, &fakeAdapter{}, Options{}, zap.NewNop())
	assert.True(t, simerr.IsConfig(err))
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (o *recordingObserver) OnTick(*Config, *patterns.Telemetry, error) {}

func (o *recordingObserver) OnStatus(_ *Config, from, to Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
}

func TestRuntimeReportsTransitions(t *testing.T) {
	obs := &recordingObserver{}
	r := newTestRuntime(t, &fakeAdapter{}, Options{Observer: Observers{obs}})

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{
		"CREATED->STARTING",
		"STARTING->RUNNING",
		"RUNNING->STOPPING",
		"STOPPING->STOPPED",
	}, obs.transitions)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusCreated, StatusStarting))
	assert.NoError(t, ValidateTransition(StatusRunning, StatusError))
	assert.NoError(t, ValidateTransition(StatusError, StatusStopping))
	assert.ErrorIs(t, ValidateTransition(StatusCreated, StatusRunning), simerr.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusStopped, StatusRunning), simerr.ErrInvalidTransition)
}
