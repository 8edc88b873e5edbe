package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/manager"
	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/render"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultDebounce = 200 * time.Millisecond

	triggerEvent    = "event"
	triggerPeriodic = "periodic"
	triggerManual   = "manual"
)

// Backend is an NVMe-oF target that can be converged onto a render context
type Backend interface {
	Name() string
	Start(ctx context.Context, rc *render.Context) error
	Stop(ctx context.Context) error
	WriteConfig(ctx context.Context, rc *render.Context) error
}

// Detector is implemented by backends that can tell whether a target
// started by an earlier daemon is still serving
type Detector interface {
	Active(ctx context.Context) bool
}

// Config holds the reconciler settings
type Config struct {
	// Kernel is used when the global configuration selects the kernel
	// target, SPDK otherwise
	Kernel Backend
	SPDK   Backend

	// Interval between periodic reconciliations, zero disables them
	Interval time.Duration

	// Debounce is how long change events are collected before a reload
	Debounce time.Duration
}

// Status describes the target service
type Status struct {
	Running bool   `json:"running"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// Reconciler drives the target service: it starts and stops the selected
// backend and renders the configuration into it whenever it changes
type Reconciler struct {
	manager  *manager.Manager
	kernel   Backend
	spdk     Backend
	interval time.Duration
	debounce time.Duration

	// mu is the service lock, every backend call holds it
	mu     sync.Mutex
	active Backend

	stateMu     sync.RWMutex
	running     bool
	lastErr     error
	backendName string

	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler and registers it as the service
// state of mgr
func NewReconciler(mgr *manager.Manager, cfg Config) *Reconciler {
	r := &Reconciler{
		manager:  mgr,
		kernel:   cfg.Kernel,
		spdk:     cfg.SPDK,
		interval: cfg.Interval,
		debounce: cfg.Debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("reconciler"),
	}
	if r.debounce <= 0 {
		r.debounce = DefaultDebounce
	}
	mgr.SetService(r)
	return r
}

// Start takes over a target that is already serving and begins the
// reconciliation loop
func (r *Reconciler) Start() {
	if broker := r.manager.GetEventBroker(); broker != nil {
		r.sub = broker.Subscribe()
	}
	r.adopt(context.Background())
	go r.run()
}

// adopt marks the service running when the selected backend still holds
// the configuration of an earlier daemon, and converges it on the stored
// configuration
func (r *Reconciler) adopt(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc, err := r.manager.RenderContext()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Cannot inspect the target")
		return
	}
	b, err := r.backend(rc.Global.Kernel)
	if err != nil {
		return
	}
	d, ok := b.(Detector)
	if !ok || !d.Active(ctx) {
		return
	}

	r.active = b
	r.logger.Info().Str("backend", b.Name()).Msg("Found running target")
	if err := b.WriteConfig(ctx, rc); err != nil {
		r.setRunning(true, err)
		r.logger.Error().Err(err).Str("backend", b.Name()).Msg("Failed to render running target")
		return
	}
	r.setRunning(true, nil)
}

// Stop stops the reconciliation loop. The target keeps its configuration.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
	if r.sub != nil {
		r.manager.GetEventBroker().Unsubscribe(r.sub)
	}
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// a nil channel never fires, so a missing broker only disables events
	var eventCh <-chan *events.Event
	if r.sub != nil {
		eventCh = r.sub
	}

	debounce := time.NewTimer(r.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			if !event.Type.RequiresReload() {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(r.debounce)
			}
		case <-debounce.C:
			pending = false
			r.reconcile(triggerEvent)
		case <-tick:
			r.reconcile(triggerPeriodic)
		case <-r.stopCh:
			debounce.Stop()
			return
		}
	}
}

// reconcile performs one reconciliation cycle
func (r *Reconciler) reconcile(trigger string) {
	if err := r.reload(context.Background(), trigger); err != nil {
		r.logger.Error().Err(err).Str("trigger", trigger).Msg("Reconciliation failed")
	}
}

// Running reports whether the target service is running
func (r *Reconciler) Running() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.running
}

// Status returns the state of the target service
func (r *Reconciler) Status() Status {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	s := Status{Running: r.running, Backend: r.backendName}
	if r.lastErr != nil {
		s.Error = r.lastErr.Error()
	}
	return s
}

// setRunning records the service state, the caller holds mu
func (r *Reconciler) setRunning(running bool, err error) {
	r.stateMu.Lock()
	r.running = running
	r.lastErr = err
	r.backendName = ""
	if r.active != nil {
		r.backendName = r.active.Name()
	}
	r.stateMu.Unlock()
	if running {
		metrics.ServiceRunning.Set(1)
	} else {
		metrics.ServiceRunning.Set(0)
	}
	if err != nil {
		metrics.UpdateComponent("target", false, err.Error())
	} else {
		metrics.UpdateComponent("target", true, "")
	}
}

func (r *Reconciler) backend(kernel bool) (Backend, error) {
	b := r.spdk
	if kernel {
		b = r.kernel
	}
	if b == nil {
		if kernel {
			return nil, fmt.Errorf("kernel target is not available")
		}
		return nil, fmt.Errorf("SPDK target is not available")
	}
	return b, nil
}

func (r *Reconciler) publish(t events.EventType, format string, args ...any) {
	r.manager.PublishEvent(events.NewEvent(t, 0, fmt.Sprintf(format, args...)))
}

// StartService starts the selected backend and renders the configuration
// into it
func (r *Reconciler) StartService(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc, err := r.manager.RenderContext()
	if err != nil {
		return err
	}
	b, err := r.backend(rc.Global.Kernel)
	if err != nil {
		return err
	}
	if r.active != nil && r.active != b {
		if err := r.active.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop %s target: %w", r.active.Name(), err)
		}
		r.active = nil
	}
	if err := b.Start(ctx, rc); err != nil {
		r.setRunning(false, err)
		return fmt.Errorf("failed to start %s target: %w", b.Name(), err)
	}
	r.active = b
	if err := b.WriteConfig(ctx, rc); err != nil {
		r.setRunning(true, err)
		return fmt.Errorf("failed to render %s target: %w", b.Name(), err)
	}
	r.setRunning(true, nil)
	r.logger.Info().Str("backend", b.Name()).Msg("Target started")
	r.publish(events.EventServiceStarted, "Target started with %s backend", b.Name())
	return nil
}

// StopService tears down the configuration of the running backend
func (r *Reconciler) StopService(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		r.setRunning(false, nil)
		return nil
	}
	b := r.active
	if err := b.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop %s target: %w", b.Name(), err)
	}
	r.active = nil
	r.setRunning(false, nil)
	r.logger.Info().Str("backend", b.Name()).Msg("Target stopped")
	r.publish(events.EventServiceStopped, "Target stopped")
	return nil
}

// RestartService stops and starts the target
func (r *Reconciler) RestartService(ctx context.Context) error {
	if err := r.StopService(ctx); err != nil {
		return err
	}
	return r.StartService(ctx)
}

// Reload renders the current configuration into the running target
func (r *Reconciler) Reload(ctx context.Context) error {
	return r.reload(ctx, triggerManual)
}

func (r *Reconciler) reload(ctx context.Context, trigger string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Running() {
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.WithLabelValues(trigger).Inc()
	}()

	rc, err := r.manager.RenderContext()
	if err != nil {
		return err
	}
	b, err := r.backend(rc.Global.Kernel)
	if err != nil {
		return err
	}

	// switching between kernel and SPDK restarts the target
	if r.active != nil && r.active != b {
		r.logger.Info().Str("from", r.active.Name()).Str("to", b.Name()).Msg("Switching target backend")
		if err := r.active.Stop(ctx); err != nil {
			return r.reloadFailed(fmt.Errorf("failed to stop %s target: %w", r.active.Name(), err))
		}
		r.active = nil
		if err := b.Start(ctx, rc); err != nil {
			r.setRunning(false, err)
			return r.reloadFailed(fmt.Errorf("failed to start %s target: %w", b.Name(), err))
		}
	}
	r.active = b

	if err := b.WriteConfig(ctx, rc); err != nil {
		r.setRunning(true, err)
		return r.reloadFailed(fmt.Errorf("failed to render %s target: %w", b.Name(), err))
	}
	r.setRunning(true, nil)
	r.logger.Debug().Str("trigger", trigger).Dur("duration", timer.Duration()).Msg("Target reloaded")
	r.publish(events.EventServiceReloaded, "Target reloaded (%s)", trigger)
	return nil
}

func (r *Reconciler) reloadFailed(err error) error {
	r.publish(events.EventReloadFailed, "%v", err)
	return err
}
