package devices

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
	"go.uber.org/zap"
)

// Options tune a Runtime. Zero values fall back to defaults.
type Options struct {
	// FailureThreshold is the number of consecutive publish failures tolerated
	// before the device is moved to ERROR.
	FailureThreshold int
	BindTimeout      time.Duration
	StopDeadline     time.Duration
	// Seed 0 draws a fresh seed for this runtime.
	Seed             uint64
	TimeAcceleration float64
	Observer         Observer
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.BindTimeout <= 0 {
		o.BindTimeout = 5 * time.Second
	}
	if o.StopDeadline <= 0 {
		o.StopDeadline = 5 * time.Second
	}
	if o.TimeAcceleration <= 0 {
		o.TimeAcceleration = 1
	}
	o.Seed = patterns.RunSeed(o.Seed)
	return o
}

// RuntimeState is a point-in-time view of one device.
type RuntimeState struct {
	DeviceID      string              `json:"device_id"`
	Protocol      string              `json:"protocol"`
	Template      string              `json:"device_template"`
	DeviceType    patterns.DeviceType `json:"device_type"`
	Port          int                 `json:"port,omitempty"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Status        Status              `json:"status"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	ErrorCount    int64               `json:"error_count"`
	Ticks         uint64              `json:"ticks"`
	LastUpdate    *time.Time          `json:"last_update,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}

// Runtime runs one device: it binds the adapter, ticks the simulation on a
// timer and publishes every snapshot.
type Runtime struct {
	cfg     Config
	schema  patterns.Schema
	adapter Adapter
	opts    Options
	logger  *zap.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	status    Status
	handle    Handle
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	lastError string

	snapshot   atomic.Pointer[patterns.Telemetry]
	errorCount atomic.Int64
	ticks      atomic.Uint64
	lastUpdate atomic.Int64

	// owned by the tick loop
	sim         patterns.State
	rng         *rand.Rand
	simStart    time.Time
	consecutive int
}

func NewRuntime(cfg Config, adapter Adapter, opts Options, logger *zap.Logger) (*Runtime, error) {
	if cfg.UpdateInterval <= 0 {
		return nil, simerr.NewConfigError("update_interval", "device %s: must be positive, got %s", cfg.ID, cfg.UpdateInterval)
	}

	opts = opts.withDefaults()
	rng := patterns.NewRand(cfg.ID, opts.Seed)
	sim, err := patterns.NewState(cfg.DeviceType, cfg.DataConfig, rng)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	return &Runtime{
		cfg:     cfg,
		schema:  patterns.SchemaFor(cfg.DeviceType, cfg.DataConfig),
		adapter: adapter,
		opts:    opts,
		logger: logger.With(
			zap.String("device_id", cfg.ID),
			zap.String("protocol", string(cfg.Protocol))),
		status: StatusCreated,
		sim:    sim,
		rng:    rng,
	}, nil
}

func (r *Runtime) ID() string { return r.cfg.ID }

func (r *Runtime) Config() Config { return r.cfg }

func (r *Runtime) Schema() patterns.Schema { return r.schema }

func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Telemetry returns the latest snapshot, or nil before the first tick.
func (r *Runtime) Telemetry() *patterns.Telemetry {
	return r.snapshot.Load()
}

// Start binds the adapter and launches the tick loop. Starting a running
// device is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if r.status == StatusRunning {
		r.mu.Unlock()
		return nil
	}
	prev := r.done
	r.mu.Unlock()

	// a loop abandoned by a timed out stop must finish before a new one starts
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := r.setStatus(StatusStarting); err != nil {
		return err
	}

	bindCtx, cancel := context.WithTimeout(ctx, r.opts.BindTimeout)
	handle, err := r.adapter.Bind(bindCtx, r.cfg.Port, r.cfg.ID, r.schema)
	cancel()
	if err != nil {
		bindErr := &simerr.BindError{DeviceID: r.cfg.ID, Port: r.cfg.Port, Err: err}
		r.errorCount.Add(1)
		r.fail(bindErr.Error())
		r.logger.Error("Device bind failed", zap.Int("port", r.cfg.Port), zap.Error(err))
		return bindErr
	}

	loopCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.handle = handle
	r.cancel = stop
	r.done = done
	r.startedAt = time.Now()
	r.lastError = ""
	r.mu.Unlock()

	if r.simStart.IsZero() {
		r.simStart = time.Now()
	}
	r.consecutive = 0

	if err := r.setStatus(StatusRunning); err != nil {
		stop()
		close(done)
		return err
	}

	go r.loop(loopCtx, handle, done)

	r.logger.Info("Device started",
		zap.Int("port", r.cfg.Port),
		zap.Duration("interval", r.cfg.UpdateInterval))

	return nil
}

// Stop cancels the loop, waits for an in-flight tick up to the stop deadline
// and unbinds the adapter. Stopping a stopped device is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	switch r.status {
	case StatusStopped:
		r.mu.Unlock()
		return nil
	case StatusCreated:
		r.mu.Unlock()
		return r.setStatus(StatusStopped)
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if err := r.setStatus(StatusStopping); err != nil {
		return err
	}

	if cancel != nil {
		cancel()
	}
	if done != nil {
		deadline := time.NewTimer(r.opts.StopDeadline)
		select {
		case <-done:
		case <-deadline.C:
			r.logger.Warn("In-flight tick did not finish before deadline",
				zap.Duration("deadline", r.opts.StopDeadline))
		case <-ctx.Done():
		}
		deadline.Stop()
	}

	var unbindErr error
	if handle := r.takeHandle(); handle != nil {
		if err := r.adapter.Unbind(ctx, handle); err != nil {
			unbindErr = fmt.Errorf("failed to unbind %s: %w", r.cfg.ID, err)
			r.logger.Warn("Device unbind failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.cancel = nil
	select {
	case <-done:
		r.done = nil
	default:
	}
	r.mu.Unlock()

	if err := r.setStatus(StatusStopped); err != nil {
		return err
	}

	r.logger.Info("Device stopped")
	return unbindErr
}

// State returns a snapshot of the runtime for health reporting.
func (r *Runtime) State() RuntimeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RuntimeState{
		DeviceID:   r.cfg.ID,
		Protocol:   string(r.cfg.Protocol),
		Template:   r.cfg.Template,
		DeviceType: r.cfg.DeviceType,
		Port:       r.cfg.Port,
		Status:     r.status,
		ErrorCount: r.errorCount.Load(),
		Ticks:      r.ticks.Load(),
		LastError:  r.lastError,
	}
	if ep, ok := r.handle.(Endpointer); ok {
		st.Endpoint = ep.Endpoint()
	}
	if r.status == StatusRunning {
		st.UptimeSeconds = time.Since(r.startedAt).Seconds()
	}
	if ns := r.lastUpdate.Load(); ns != 0 {
		ts := time.Unix(0, ns)
		st.LastUpdate = &ts
	}
	return st
}

func (r *Runtime) loop(ctx context.Context, h Handle, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.UpdateInterval)
	defer ticker.Stop()

	if !r.tick(ctx, h) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tick(ctx, h) {
				return
			}
		}
	}
}

// tick runs one simulation step and publishes it. It returns false when the
// loop must end.
func (r *Runtime) tick(ctx context.Context, h Handle) bool {
	n := r.ticks.Add(1)
	now := time.Now()
	step := time.Duration(float64(r.cfg.UpdateInterval) * r.opts.TimeAcceleration)

	next, values := patterns.Step(r.sim, patterns.Env{
		Tick:     n,
		Start:    r.simStart,
		Now:      r.simStart.Add(time.Duration(n) * step),
		Interval: step,
		Rand:     r.rng,
	})
	r.sim = next

	t := &patterns.Telemetry{
		DeviceID:   r.cfg.ID,
		DeviceType: r.cfg.DeviceType,
		Tick:       n,
		Timestamp:  now,
		Values:     values,
	}
	r.snapshot.Store(t)
	r.lastUpdate.Store(now.UnixNano())

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.UpdateInterval)
	err := r.adapter.Publish(pubCtx, h, t)
	cancel()

	if ctx.Err() != nil {
		// stopping; a publish cut short by cancellation is not a device fault
		return false
	}

	if err != nil {
		err = &simerr.PublishError{DeviceID: r.cfg.ID, Err: err}
	}
	if r.opts.Observer != nil {
		r.opts.Observer.OnTick(&r.cfg, t, err)
	}

	if err == nil {
		r.consecutive = 0
		return true
	}

	r.errorCount.Add(1)
	r.consecutive++
	r.logger.Warn("Publish failed",
		zap.Uint64("tick", n),
		zap.Int("consecutive_failures", r.consecutive),
		zap.Error(err))

	if r.consecutive > r.opts.FailureThreshold {
		r.fail(fmt.Sprintf("%d consecutive publish failures: %v", r.consecutive, err))
		r.logger.Error("Device moved to ERROR", zap.Int("threshold", r.opts.FailureThreshold))
		r.unbindFailed()
		return false
	}
	return true
}

// takeHandle hands the bound handle to exactly one caller.
func (r *Runtime) takeHandle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle
	r.handle = nil
	return h
}

// unbindFailed closes the listener of a device that gave up publishing. The
// manager keeps its port reserved so a restart binds the same one.
func (r *Runtime) unbindFailed() {
	h := r.takeHandle()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.BindTimeout)
	defer cancel()
	if err := r.adapter.Unbind(ctx, h); err != nil {
		r.logger.Warn("Device unbind failed", zap.Error(err))
	}
}

func (r *Runtime) fail(reason string) {
	r.mu.Lock()
	r.lastError = reason
	r.mu.Unlock()
	if err := r.setStatus(StatusError); err != nil {
		r.logger.Warn("Status change rejected", zap.Error(err))
	}
}

func (r *Runtime) setStatus(to Status) error {
	r.mu.Lock()
	from := r.status
	if err := ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	r.status = to
	r.mu.Unlock()

	if r.opts.Observer != nil {
		r.opts.Observer.OnStatus(&r.cfg, from, to)
	}
	return nil
}
