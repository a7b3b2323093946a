package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/interfaces"
	"github.com/KevinKickass/OpenMachineSim/internal/metrics"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/protocols"
	"github.com/KevinKickass/OpenMachineSim/internal/protocols/modbus"
	"github.com/KevinKickass/OpenMachineSim/internal/protocols/mqtt"
	"github.com/KevinKickass/OpenMachineSim/internal/protocols/opcua"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// Families lists the protocol families in start order.
var Families = []ports.Family{ports.FamilyModbus, ports.FamilyOPCUA, ports.FamilyMQTT}

var _ interfaces.Simulator = (*Orchestrator)(nil)

type Options struct {
	Metrics *metrics.Metrics
	// Observers receive every device tick and status change in addition to
	// the metrics.
	Observers []devices.Observer
}

// Orchestrator owns the simulation context and one protocol manager per
// enabled family.
type Orchestrator struct {
	config *config.Config
	opts   Options
	logger *zap.Logger

	// runMu serializes Initialize, StartAll, StopAll and StartSimulation.
	runMu sync.Mutex

	// mu guards sc and the maps below; they are written while starting or
	// resetting a run and read by the API.
	mu       sync.RWMutex
	sc       *SimulationContext
	managers map[ports.Family]*protocols.Manager
	failures map[ports.Family]error

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time

	listenersMu     sync.RWMutex
	healthListeners []chan interfaces.Health

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func NewOrchestrator(cfg *config.Config, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Orchestrator{
		config:       cfg,
		opts:         opts,
		logger:       logger,
		managers:     make(map[ports.Family]*protocols.Manager),
		failures:     make(map[ports.Family]error),
		currentState: StateInitializing,
	}
}

// Initialize reserves the port pools and initializes every enabled protocol
// manager. A family that fails is recorded and skipped; Initialize only
// fails when no family could be initialized.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.initialize(ctx)
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	if o.sc != nil {
		return nil
	}

	o.logger.Info("Initializing simulator")

	sc, err := NewSimulationContext(o.config, o.opts.Metrics, o.logger)
	if err != nil {
		o.setState(StateError)
		return err
	}
	o.mu.Lock()
	o.sc = sc
	o.mu.Unlock()

	observers := append(devices.Observers{sc.Metrics}, o.opts.Observers...)
	sim := o.config.Simulation
	mgrOpts := protocols.Options{
		Concurrency: sim.StartConcurrency,
		RetryWindow: sim.RestartRetryWindow,
		Runtime: devices.Options{
			FailureThreshold: sim.FailureThreshold,
			BindTimeout:      sim.BindTimeout,
			StopDeadline:     sim.StopDeadline,
			Seed:             sc.Seed,
			TimeAcceleration: sim.TimeAcceleration,
			Observer:         observers,
		},
	}

	var errs []error
	for _, family := range Families {
		pc, defaultInterval, enabled := protocolConfig(o.config, family)
		if !enabled {
			continue
		}

		if err := o.initFamily(ctx, family, pc, defaultInterval, mgrOpts); err != nil {
			o.mu.Lock()
			o.failures[family] = err
			o.mu.Unlock()
			errs = append(errs, fmt.Errorf("%s: %w", family, err))
			o.logger.Error("Protocol initialization failed",
				zap.String("protocol", string(family)),
				zap.Error(err))
		}
	}

	o.updateGauges(o.GetHealth())

	managers, failures := o.snapshot()
	if len(managers) == 0 && len(errs) > 0 {
		o.setState(StateError)
		return errors.Join(errs...)
	}

	o.logger.Info("Simulator initialized",
		zap.Int("protocols", len(managers)),
		zap.Int("failed_protocols", len(failures)))

	return nil
}

func (o *Orchestrator) initFamily(
	ctx context.Context,
	family ports.Family,
	pc config.ProtocolConfig,
	defaultInterval float64,
	opts protocols.Options,
) error {
	adapter, err := o.newAdapter(family)
	if err != nil {
		return err
	}

	source := protocols.GroupSource{Groups: pc.Devices, DefaultInterval: defaultInterval}
	mgr := protocols.NewManager(family, source, adapter, o.sc.Allocator, opts, o.logger)
	if err := mgr.Initialize(ctx); err != nil {
		if family == ports.FamilyMQTT {
			if cerr := o.sc.Close(); cerr != nil {
				o.logger.Warn("Broker teardown failed", zap.Error(cerr))
			}
		}
		return err
	}

	for range mgr.Devices() {
		o.sc.Metrics.DeviceCreated(family)
	}
	o.mu.Lock()
	o.managers[family] = mgr
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) newAdapter(family ports.Family) (devices.Adapter, error) {
	host := o.sc.BindHost()
	switch family {
	case ports.FamilyModbus:
		return modbus.NewAdapter(host, o.logger), nil
	case ports.FamilyOPCUA:
		return opcua.NewAdapter(host, o.logger), nil
	case ports.FamilyMQTT:
		mc := o.config.Protocols.MQTT
		url, err := o.sc.ConnectBroker(mc)
		if err != nil {
			return nil, err
		}
		gateway := mqtt.NewGateway(mqtt.GatewayConfig{
			BrokerURL: url,
			Username:  mc.Username,
			Password:  mc.Password,
		}, o.logger)
		return mqtt.NewAdapter(gateway, o.logger), nil
	default:
		return nil, simerr.NewConfigError("protocol", "unknown protocol family %s", family)
	}
}

// StartAll initializes if needed and starts every manager's devices.
func (o *Orchestrator) StartAll(ctx context.Context) (map[ports.Family]protocols.Summary, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.startAll(ctx)
}

func (o *Orchestrator) startAll(ctx context.Context) (map[ports.Family]protocols.Summary, error) {
	if err := o.initialize(ctx); err != nil {
		return nil, err
	}

	if state := o.State(); state != StateInitializing {
		return nil, fmt.Errorf("simulator is %s: %w", state, simerr.ErrInvalidTransition)
	}

	o.logger.Info("Starting simulator", zap.String("run_id", o.sc.RunID.String()))

	managers, _ := o.snapshot()
	starts := make(map[ports.Family]protocols.Summary, len(managers))
	total, succeeded := 0, 0
	for _, family := range Families {
		mgr, ok := managers[family]
		if !ok {
			continue
		}
		summary, err := mgr.StartAll(ctx)
		if err != nil {
			o.mu.Lock()
			o.failures[family] = err
			o.mu.Unlock()
			o.logger.Error("Protocol start failed",
				zap.String("protocol", string(family)),
				zap.Error(err))
		}
		starts[family] = summary
		total += summary.Total
		succeeded += summary.Succeeded
	}

	if total > 0 && succeeded == 0 {
		o.setState(StateError)
		o.broadcastHealth(o.GetHealth())
		return starts, fmt.Errorf("none of %d devices started", total)
	}

	o.stateMu.Lock()
	o.startedAt = time.Now()
	o.stateMu.Unlock()
	o.setState(StateRunning)

	o.startMonitor(o.config.Simulation.MonitorInterval)

	health := o.GetHealth()
	o.updateGauges(health)
	o.broadcastHealth(health)

	o.logger.Info("Simulator started",
		zap.Int("devices", total),
		zap.Int("running", succeeded),
		zap.String("health", health.Status))

	return starts, nil
}

// StopAll stops every manager, releases every port and tears down the
// simulation context. Calls on a stopped simulator have no effect.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.State() == StateStopped {
		return nil
	}
	o.logger.Info("Shutting down simulator")

	o.setState(StateStopping)
	o.stopMonitor()

	err := o.gracefulShutdown(ctx)

	o.setState(StateStopped)
	health := o.GetHealth()
	o.updateGauges(health)
	o.broadcastHealth(health)

	return err
}

// StartSimulation starts the devices on behalf of the API. On a stopped
// simulator it discards the previous run and begins a new one with a fresh
// run id, seed and port pools.
func (o *Orchestrator) StartSimulation(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	switch state := o.State(); state {
	case StateInitializing:
	case StateStopped:
		o.reset()
	default:
		return fmt.Errorf("simulator is %s: %w", state, simerr.ErrInvalidTransition)
	}

	_, err := o.startAll(ctx)
	return err
}

// StopSimulation stops the devices on behalf of the API.
func (o *Orchestrator) StopSimulation(ctx context.Context) error {
	return o.StopAll(ctx)
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	o.sc = nil
	o.managers = make(map[ports.Family]*protocols.Manager)
	o.failures = make(map[ports.Family]error)
	o.mu.Unlock()

	o.stateMu.Lock()
	o.startedAt = time.Time{}
	o.stateMu.Unlock()
	o.setState(StateInitializing)

	o.logger.Info("Simulation reset for a new run")
}

func (o *Orchestrator) gracefulShutdown(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   int
	)

	managers, _ := o.snapshot()
	for family, mgr := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary := mgr.StopAll(ctx)
			if summary.Failed > 0 {
				failedMu.Lock()
				failed += summary.Failed
				failedMu.Unlock()
				o.logger.Warn("Some devices did not stop cleanly",
					zap.String("protocol", string(family)),
					zap.Int("failed", summary.Failed))
			}
		}()
	}
	wg.Wait()

	var errs []error
	if o.sc != nil {
		if err := o.sc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if failed > 0 {
		errs = append(errs, fmt.Errorf("%d devices failed to stop", failed))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", err))
	}

	if len(errs) == 0 {
		o.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) startMonitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.monitorCancel = cancel
	o.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health := o.GetHealth()
				o.updateGauges(health)
				o.broadcastHealth(health)
				o.logger.Debug("Health updated",
					zap.String("status", health.Status),
					zap.Float64("health_percentage", health.Summary.HealthPercentage))
			}
		}
	}()
}

func (o *Orchestrator) stopMonitor() {
	if o.monitorCancel == nil {
		return
	}
	o.monitorCancel()
	<-o.monitorDone
	o.monitorCancel = nil
}

func (o *Orchestrator) updateGauges(h interfaces.Health) {
	m := o.opts.Metrics
	m.SetHealth(h.Summary.HealthPercentage)
	for family, u := range h.PortUtilization {
		m.SetPortUtilization(family, u)
	}
	m.SetBrokerClients(h.BrokerClients)
}

func (o *Orchestrator) setState(state SystemState) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if err := ValidateTransition(o.currentState, state); err != nil {
		o.logger.Warn("Simulator state change rejected", zap.Error(err))
		return
	}
	o.currentState = state
}

func (o *Orchestrator) State() SystemState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.currentState
}

// GetHealth computes the current health report.
func (o *Orchestrator) GetHealth() interfaces.Health {
	managers, failures := o.snapshot()
	byFamily := make(map[ports.Family]map[string]devices.RuntimeState, len(managers))
	for family, mgr := range managers {
		byFamily[family] = mgr.HealthStatus()
	}

	util := map[ports.Family]ports.Utilization{}
	var clients int64
	if sc := o.Context(); sc != nil {
		util = sc.Allocator.UtilizationAll()
		clients = sc.BrokerClients()
	}

	h := buildHealth(o.State(), byFamily, failures, util)
	h.BrokerClients = clients
	return h
}

// GetCurrentStatus returns current system status (Interface implementation)
func (o *Orchestrator) GetCurrentStatus() interfaces.SystemStatus {
	o.stateMu.RLock()
	state, startedAt := o.currentState, o.startedAt
	o.stateMu.RUnlock()

	managers, _ := o.snapshot()
	status := interfaces.SystemStatus{
		State:     state.String(),
		Protocols: make([]string, 0, len(managers)),
	}
	if sc := o.Context(); sc != nil {
		status.RunID = sc.RunID.String()
		status.Seed = sc.Seed
	}
	if !startedAt.IsZero() {
		status.StartedAt = startedAt
		if state == StateRunning {
			status.UptimeSeconds = time.Since(startedAt).Seconds()
		}
	}
	for _, family := range Families {
		mgr, ok := managers[family]
		if !ok {
			continue
		}
		status.Protocols = append(status.Protocols, string(family))
		for _, rt := range mgr.Devices() {
			status.DeviceCount++
			if rt.Status() == devices.StatusRunning {
				status.RunningDevices++
			}
		}
	}
	return status
}

func (o *Orchestrator) device(id string) (*protocols.Manager, *devices.Runtime, error) {
	managers, _ := o.snapshot()
	for _, mgr := range managers {
		if rt, ok := mgr.Device(id); ok {
			return mgr, rt, nil
		}
	}
	return nil, nil, simerr.NotFound("device", id)
}

// GetDeviceData returns the latest telemetry of a device.
func (o *Orchestrator) GetDeviceData(deviceID string) (*patterns.Telemetry, error) {
	_, rt, err := o.device(deviceID)
	if err != nil {
		return nil, err
	}
	t := rt.Telemetry()
	if t == nil {
		return nil, simerr.NotFound("telemetry", deviceID)
	}
	return t, nil
}

func (o *Orchestrator) GetDevice(deviceID string) (devices.RuntimeState, error) {
	_, rt, err := o.device(deviceID)
	if err != nil {
		return devices.RuntimeState{}, err
	}
	return rt.State(), nil
}

// ListDevices returns device states in start order. An empty protocol lists
// every family; a known but disabled family lists nothing.
func (o *Orchestrator) ListDevices(protocol ports.Family) ([]devices.RuntimeState, error) {
	if protocol != "" && !knownFamily(protocol) {
		return nil, simerr.NotFound("protocol", string(protocol))
	}

	managers, _ := o.snapshot()
	out := []devices.RuntimeState{}
	for _, family := range Families {
		if protocol != "" && family != protocol {
			continue
		}
		mgr, ok := managers[family]
		if !ok {
			continue
		}
		for _, rt := range mgr.Devices() {
			out = append(out, rt.State())
		}
	}
	return out, nil
}

// RestartDevice restarts one device on its original port.
func (o *Orchestrator) RestartDevice(ctx context.Context, deviceID string) error {
	mgr, _, err := o.device(deviceID)
	if err != nil {
		return err
	}
	if state := o.State(); state == StateStopping || state == StateStopped {
		return fmt.Errorf("simulator is %s: %w", state, simerr.ErrInvalidTransition)
	}
	return mgr.RestartDevice(ctx, deviceID)
}

// AllocationReport lists every port pool with the ports each device holds.
func (o *Orchestrator) AllocationReport() map[ports.Family]ports.PoolReport {
	sc := o.Context()
	if sc == nil {
		return map[ports.Family]ports.PoolReport{}
	}
	return sc.Allocator.Report()
}

// Protocols summarizes every known family, enabled or not.
func (o *Orchestrator) Protocols() map[ports.Family]interfaces.ProtocolInfo {
	managers, failures := o.snapshot()
	sc := o.Context()
	out := make(map[ports.Family]interfaces.ProtocolInfo, len(Families))
	for _, family := range Families {
		pc, _, enabled := protocolConfig(o.config, family)
		info := interfaces.ProtocolInfo{
			Enabled: enabled,
			Groups:  pc.GroupNames(),
		}
		if start, end, ok := o.config.Network.PortRange(string(family)); ok {
			info.PortRange = []int{start, end}
		}
		if err, failed := failures[family]; failed {
			info.Error = err.Error()
		}
		if mgr, ok := managers[family]; ok {
			info.Initialized = true
			for _, rt := range mgr.Devices() {
				info.Devices++
				if rt.Status() == devices.StatusRunning {
					info.Running++
				}
			}
		}
		if sc != nil {
			if u, err := sc.Allocator.Utilization(family); err == nil {
				info.Utilization = &u
			}
			if family == ports.FamilyMQTT {
				info.Broker = sc.BrokerURL()
			}
		}
		out[family] = info
	}
	return out
}

// Manager returns the manager of an initialized family.
func (o *Orchestrator) Manager(family ports.Family) (*protocols.Manager, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	mgr, ok := o.managers[family]
	return mgr, ok
}

// Failures returns the families that could not be initialized or started.
func (o *Orchestrator) Failures() map[ports.Family]error {
	_, failures := o.snapshot()
	return failures
}

func (o *Orchestrator) snapshot() (map[ports.Family]*protocols.Manager, map[ports.Family]error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	managers := make(map[ports.Family]*protocols.Manager, len(o.managers))
	for f, mgr := range o.managers {
		managers[f] = mgr
	}
	failures := make(map[ports.Family]error, len(o.failures))
	for f, err := range o.failures {
		failures[f] = err
	}
	return managers, failures
}

func (o *Orchestrator) Context() *SimulationContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sc
}

func (o *Orchestrator) Config() *config.Config { return o.config }

func (o *Orchestrator) broadcastHealth(h interfaces.Health) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()

	for _, listener := range o.healthListeners {
		select {
		case listener <- h:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeHealth subscribes to health updates
func (o *Orchestrator) SubscribeHealth() chan interfaces.Health {
	ch := make(chan interfaces.Health, 10)

	o.listenersMu.Lock()
	o.healthListeners = append(o.healthListeners, ch)
	o.listenersMu.Unlock()

	return ch
}

// UnsubscribeHealth unsubscribes from health updates
func (o *Orchestrator) UnsubscribeHealth(ch chan interfaces.Health) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()

	for i, listener := range o.healthListeners {
		if listener == ch {
			o.healthListeners = append(o.healthListeners[:i], o.healthListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func protocolConfig(cfg *config.Config, family ports.Family) (config.ProtocolConfig, float64, bool) {
	p := cfg.Protocols
	switch family {
	case ports.FamilyModbus:
		return p.Modbus, 1.0, p.Modbus.Enabled
	case ports.FamilyOPCUA:
		return p.OPCUA.ProtocolConfig, 1.0, p.OPCUA.Enabled
	case ports.FamilyMQTT:
		return p.MQTT.ProtocolConfig, p.MQTT.PublishInterval, p.MQTT.Enabled
	default:
		return config.ProtocolConfig{}, 0, false
	}
}

func knownFamily(f ports.Family) bool {
	for _, known := range Families {
		if known == f {
			return true
		}
	}
	return false
}
