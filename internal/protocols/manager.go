// Package protocols runs the devices of one protocol family: it plans and
// allocates their ports, builds their runtimes and starts and stops them
// with bounded parallelism.
package protocols

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// Transport is implemented by adapters that hold a shared connection, such
// as the MQTT gateway. The manager opens it before the first bind and closes
// it after the last unbind.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Registrar is implemented by adapters that need each device's resolved
// configuration before it binds.
type Registrar interface {
	Register(cfg devices.Config)
}

type Options struct {
	// Concurrency caps the binds and unbinds in flight during StartAll and
	// StopAll.
	Concurrency int
	// RetryWindow is how long a failed restart keeps its port.
	RetryWindow time.Duration
	Runtime     devices.Options
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.RetryWindow <= 0 {
		o.RetryWindow = 30 * time.Second
	}
	return o
}

// Summary is the outcome of StartAll or StopAll.
type Summary struct {
	Protocol  ports.Family      `json:"protocol"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type Manager struct {
	family    ports.Family
	source    GroupSource
	adapter   devices.Adapter
	allocator *ports.Allocator
	opts      Options
	logger    *zap.Logger

	mu          sync.RWMutex
	configs     []devices.Config
	plan        ports.AllocationPlan
	runtimes    map[string]*devices.Runtime
	order       []string
	held        map[string][]int
	retryTimers map[string]*time.Timer
	initialized bool
}

func NewManager(
	family ports.Family,
	source GroupSource,
	adapter devices.Adapter,
	allocator *ports.Allocator,
	opts Options,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		family:      family,
		source:      source,
		adapter:     adapter,
		allocator:   allocator,
		opts:        opts.withDefaults(),
		logger:      logger.With(zap.String("protocol", string(family))),
		runtimes:    make(map[string]*devices.Runtime),
		held:        make(map[string][]int),
		retryTimers: make(map[string]*time.Timer),
	}
}

func (m *Manager) Family() ports.Family { return m.family }

// BuildAllocationPlan expands the device groups and returns the port plan.
// It touches no network resource and can be called repeatedly.
func (m *Manager) BuildAllocationPlan() (ports.AllocationPlan, error) {
	cfgs, err := ExpandGroups(m.family, m.source)
	if err != nil {
		return nil, err
	}
	plan := planFor(m.family, m.source, cfgs)

	m.mu.Lock()
	m.configs = cfgs
	m.plan = plan
	m.mu.Unlock()

	return plan, nil
}

// Initialize validates and allocates the plan and creates one runtime per
// device. Nothing stays allocated when it fails.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if initialized {
		return nil
	}

	plan, err := m.BuildAllocationPlan()
	if err != nil {
		return err
	}

	if conflicts := m.allocator.ValidatePlan(plan); len(conflicts) > 0 {
		for _, c := range conflicts {
			m.logger.Error("Allocation conflict", zap.String("conflict", c.String()))
		}
		return ports.ConflictError(conflicts)
	}

	assigned, err := m.allocator.AllocatePlan(plan)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	runtimes := make(map[string]*devices.Runtime, len(m.configs))
	order := make([]string, 0, len(m.configs))
	for _, cfg := range m.configs {
		if got := assigned[cfg.ID]; len(got) > 0 {
			cfg.Port = got[0]
		}

		rt, err := devices.NewRuntime(cfg, m.adapter, m.opts.Runtime, m.logger)
		if err != nil {
			for _, p := range assigned {
				m.allocator.Release(p...)
			}
			return fmt.Errorf("failed to create runtime: %w", err)
		}
		if r, ok := m.adapter.(Registrar); ok {
			r.Register(cfg)
		}
		runtimes[cfg.ID] = rt
		order = append(order, cfg.ID)
	}

	for id, p := range assigned {
		if len(p) > 0 {
			m.held[id] = p
		}
	}
	m.runtimes = runtimes
	m.order = order
	m.initialized = true

	m.logger.Info("Protocol manager initialized",
		zap.Int("devices", len(order)),
		zap.Int("ports", plan.PortsRequired(m.family)))

	return nil
}

// StartAll starts every device with at most Options.Concurrency binds in
// flight. One device failing does not stop the others. A device that fails
// to bind gives its port back. After StopAll the ports are acquired again
// before binding.
func (m *Manager) StartAll(ctx context.Context) (Summary, error) {
	rts := m.Devices()
	summary := Summary{Protocol: m.family, Total: len(rts), Failures: map[string]string{}}

	if t, ok := m.adapter.(Transport); ok {
		if err := t.Open(ctx); err != nil {
			for _, rt := range rts {
				summary.Failures[rt.ID()] = err.Error()
			}
			summary.Failed = len(rts)
			return summary, fmt.Errorf("failed to open %s transport: %w", m.family, err)
		}
	}

	var (
		resMu sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)

	for _, rt := range rts {
		g.Go(func() error {
			err := m.reacquire(rt)
			if err == nil {
				if err = rt.Start(ctx); err != nil {
					m.releaseDevice(rt.ID())
				}
			}

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Failures[rt.ID()] = err.Error()
				return nil
			}
			summary.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("Protocol devices started",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))

	return summary, nil
}

// StopAll stops every device and then releases every port the manager
// holds, whether or not the individual stops succeeded.
func (m *Manager) StopAll(ctx context.Context) Summary {
	rts := m.Devices()
	summary := Summary{Protocol: m.family, Total: len(rts), Failures: map[string]string{}}

	var (
		resMu sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)

	for _, rt := range rts {
		g.Go(func() error {
			err := rt.Stop(ctx)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Failures[rt.ID()] = err.Error()
				m.logger.Warn("Device stop failed", zap.String("device_id", rt.ID()), zap.Error(err))
				return nil
			}
			summary.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for id, timer := range m.retryTimers {
		timer.Stop()
		delete(m.retryTimers, id)
	}
	for id, p := range m.held {
		m.allocator.Release(p...)
		delete(m.held, id)
	}
	m.mu.Unlock()

	if t, ok := m.adapter.(Transport); ok {
		if err := t.Close(ctx); err != nil {
			m.logger.Warn("Transport close failed", zap.Error(err))
		}
	}

	m.logger.Info("Protocol devices stopped",
		zap.Int("total", summary.Total),
		zap.Int("failed", summary.Failed))

	return summary
}

// HealthStatus returns the state of every device keyed by id.
func (m *Manager) HealthStatus() map[string]devices.RuntimeState {
	rts := m.Devices()
	out := make(map[string]devices.RuntimeState, len(rts))
	for _, rt := range rts {
		out[rt.ID()] = rt.State()
	}
	return out
}

// RestartDevice stops and starts one device on the port it was initialized
// with. When the device cannot bind again it keeps the port for
// Options.RetryWindow so a later restart can reuse it.
func (m *Manager) RestartDevice(ctx context.Context, id string) error {
	rt, ok := m.Device(id)
	if !ok {
		return simerr.NotFound("device", id)
	}

	m.cancelRetry(id)

	if err := rt.Stop(ctx); err != nil {
		m.logger.Warn("Stop before restart failed", zap.String("device_id", id), zap.Error(err))
	}

	if err := m.reacquire(rt); err != nil {
		return &simerr.RestartError{DeviceID: id, Err: err}
	}

	if err := rt.Start(ctx); err != nil {
		m.scheduleRelease(rt)
		return &simerr.RestartError{DeviceID: id, Err: err}
	}

	m.logger.Info("Device restarted", zap.String("device_id", id), zap.Int("port", rt.Config().Port))
	return nil
}

// Device looks a runtime up by id.
func (m *Manager) Device(id string) (*devices.Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[id]
	return rt, ok
}

// Devices returns the runtimes in plan order.
func (m *Manager) Devices() []*devices.Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*devices.Runtime, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runtimes[id])
	}
	return out
}

// Plan returns the last built allocation plan.
func (m *Manager) Plan() ports.AllocationPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(ports.AllocationPlan(nil), m.plan...)
}

// HeldPorts returns the ports currently held per device.
func (m *Manager) HeldPorts() map[string][]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]int, len(m.held))
	for id, p := range m.held {
		out[id] = append([]int(nil), p...)
	}
	return out
}

func (m *Manager) releaseDevice(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.held[id]; ok {
		m.allocator.Release(p...)
		delete(m.held, id)
	}
}

func (m *Manager) reacquire(rt *devices.Runtime) error {
	port := rt.Config().Port
	if port == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[rt.ID()]; ok {
		return nil
	}
	if err := m.allocator.Acquire(m.family, rt.ID(), port); err != nil {
		return fmt.Errorf("failed to reacquire port %d: %w", port, err)
	}
	m.held[rt.ID()] = []int{port}
	return nil
}

func (m *Manager) scheduleRelease(rt *devices.Runtime) {
	if rt.Config().Port == 0 {
		return
	}

	id := rt.ID()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryTimers[id] = time.AfterFunc(m.opts.RetryWindow, func() {
		if rt.Status() == devices.StatusRunning {
			return
		}
		m.mu.Lock()
		delete(m.retryTimers, id)
		m.mu.Unlock()

		m.releaseDevice(id)
		m.logger.Info("Restart retry window expired, port released",
			zap.String("device_id", id), zap.Int("port", rt.Config().Port))
	})
}

func (m *Manager) cancelRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.retryTimers[id]; ok {
		timer.Stop()
		delete(m.retryTimers, id)
	}
}
