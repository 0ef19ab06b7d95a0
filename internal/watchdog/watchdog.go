// Package watchdog supervises registered components: it records their
// health, detects stalled health reports, and restarts components whose
// failure streak reaches the restart threshold.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

const (
	// Source tags events emitted by the watchdog.
	Source = "watchdog"

	DefaultCheckInterval    = 10 * time.Second
	DefaultComponentTimeout = 30 * time.Second
	DefaultRestartThreshold = 3
	DefaultRestartPause     = 100 * time.Millisecond

	timeoutReason = "component timeout"

	// livenessFactor is how many check intervals may pass without a
	// supervision pass before the watchdog reports itself unhealthy.
	livenessFactor = 3
)

// ErrUnknownComponent is returned for names that were never registered.
var ErrUnknownComponent = errors.New("unknown component")

// Options configures a Watchdog.
type Options struct {
	Mode             string
	CheckInterval    time.Duration
	ComponentTimeout time.Duration
	RestartThreshold int

	// RestartPause is the settle delay before a restart is attempted.
	// Zero restarts immediately.
	RestartPause time.Duration

	Now func() time.Time
}

// OptionsFromConfig converts the YAML section.
func OptionsFromConfig(c config.WatchdogConfig) Options {
	return Options{
		Mode:             c.Mode,
		CheckInterval:    config.Seconds(c.CheckInterval, DefaultCheckInterval),
		ComponentTimeout: config.Seconds(c.ComponentTimeout, DefaultComponentTimeout),
		RestartThreshold: c.RestartThreshold,
		RestartPause:     DefaultRestartPause,
	}
}

// Stats counts watchdog activity.
type Stats struct {
	ChecksPerformed   uint64    `json:"checks_performed"`
	FailuresDetected  uint64    `json:"failures_detected"`
	RestartsPerformed uint64    `json:"restarts_performed"`
	RestartsFailed    uint64    `json:"restarts_failed"`
	LastCheck         time.Time `json:"last_check,omitempty"`
}

// Status is the operator view of the watchdog.
type Status struct {
	Running          bool                              `json:"running"`
	Mode             string                            `json:"mode"`
	CheckInterval    time.Duration                     `json:"check_interval"`
	ComponentTimeout time.Duration                     `json:"component_timeout"`
	RestartThreshold int                               `json:"restart_threshold"`
	Stats            Stats                             `json:"stats"`
	Components       map[string]domain.ComponentHealth `json:"components"`
}

// Watchdog owns one ComponentHealth record per registered component.
type Watchdog struct {
	opts Options
	bus  domain.EventBus

	mu         sync.Mutex
	components map[string]*domain.ComponentHealth
	targets    map[string]domain.Supervised
	stats      Stats
	running    bool
	startedAt  time.Time
	subID      string
	stopCh     chan struct{}
	done       chan struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a stopped watchdog. In strict mode the check interval and
// component timeout are halved; the restart threshold is unchanged.
func New(opts Options, bus domain.EventBus, m *metrics.Metrics, logger *zap.Logger) (*Watchdog, error) {
	switch opts.Mode {
	case "":
		opts.Mode = config.ModePassive
	case config.ModePassive, config.ModeActive, config.ModeStrict:
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidMode, opts.Mode)
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.ComponentTimeout <= 0 {
		opts.ComponentTimeout = DefaultComponentTimeout
	}
	if opts.RestartThreshold <= 0 {
		opts.RestartThreshold = DefaultRestartThreshold
	}
	if opts.RestartPause < 0 {
		opts.RestartPause = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == config.ModeStrict {
		opts.CheckInterval /= 2
		opts.ComponentTimeout /= 2
	}

	w := &Watchdog{
		opts:       opts,
		bus:        bus,
		components: make(map[string]*domain.ComponentHealth),
		targets:    make(map[string]domain.Supervised),
		metrics:    metrics.OrNew(m),
		logger:     logger,
	}
	logger.Debug("watchdog initialized", zap.String("mode", opts.Mode))
	return w, nil
}

// Mode returns the operating mode.
func (w *Watchdog) Mode() string { return w.opts.Mode }

// RegisterComponent seeds a fresh health record for name. target performs
// the actual restart and may be nil for components restarted elsewhere.
// Re-registering keeps the existing record and replaces the target.
func (w *Watchdog) RegisterComponent(name string, target domain.Supervised) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registerLocked(name)
	if target != nil {
		w.targets[name] = target
	}
}

func (w *Watchdog) registerLocked(name string) *domain.ComponentHealth {
	if h, ok := w.components[name]; ok {
		return h
	}
	h := domain.NewComponentHealth(name, w.opts.Now())
	w.components[name] = h
	w.metrics.ComponentHealthy.WithLabelValues(name).Set(1)
	w.logger.Debug("registered component", zap.String("component", name))
	return h
}

// CheckComponent records one health observation. A healthy component that
// turns unhealthy emits exactly one ComponentError event; repeated unhealthy
// reports emit nothing until the component has recovered.
func (w *Watchdog) CheckComponent(name string, healthy bool, reason string) {
	w.mu.Lock()
	transitioned := w.observeLocked(name, healthy, reason)
	w.mu.Unlock()

	if transitioned && w.bus != nil {
		w.bus.Emit(domain.EventComponentError, map[string]any{
			"component": name,
			"error":     reason,
		}, Source)
	}
}

// observeLocked applies an observation and reports a healthy to unhealthy edge.
func (w *Watchdog) observeLocked(name string, healthy bool, reason string) bool {
	h := w.registerLocked(name)
	now := w.opts.Now()

	if healthy {
		wasUnhealthy := !h.Healthy
		h.MarkHealthy(now)
		w.metrics.ComponentHealthy.WithLabelValues(name).Set(1)
		if wasUnhealthy {
			w.logger.Info("component recovered", zap.String("component", name))
		}
		return false
	}

	wasHealthy := h.Healthy
	h.MarkUnhealthy(reason, now)
	w.metrics.ComponentHealthy.WithLabelValues(name).Set(0)
	w.metrics.ComponentFailures.WithLabelValues(name).Inc()
	if !wasHealthy {
		return false
	}
	w.stats.FailuresDetected++
	w.logger.Warn("component unhealthy",
		zap.String("component", name),
		zap.String("error", reason))
	return true
}

// CheckAll runs one supervision pass: it times out components whose last
// report is older than the component timeout, then restarts unhealthy
// components whose failure streak has reached the threshold (active and
// strict modes only). It returns the names restarted.
func (w *Watchdog) CheckAll(ctx context.Context) []string {
	var edges []string
	var candidates []string

	w.mu.Lock()
	now := w.opts.Now()
	w.stats.ChecksPerformed++
	w.stats.LastCheck = now
	for _, name := range w.sortedNamesLocked() {
		h := w.components[name]
		if now.Sub(h.LastCheck) > w.opts.ComponentTimeout {
			if w.observeLocked(name, false, timeoutReason) {
				edges = append(edges, name)
			}
		}
		if !h.Healthy && w.restartEligibleLocked(h) {
			if w.isSelfLocked(name) {
				// restarting would wait on this very pass
				continue
			}
			candidates = append(candidates, name)
		}
	}
	w.mu.Unlock()

	if w.bus != nil {
		for _, name := range edges {
			w.bus.Emit(domain.EventComponentError, map[string]any{
				"component": name,
				"error":     timeoutReason,
			}, Source)
		}
	}

	var restarted []string
	for _, name := range candidates {
		if err := w.restart(ctx, name); err == nil {
			restarted = append(restarted, name)
		}
	}
	return restarted
}

func (w *Watchdog) isSelfLocked(name string) bool {
	t, ok := w.targets[name]
	return ok && t == domain.Supervised(w)
}

func (w *Watchdog) restartEligibleLocked(h *domain.ComponentHealth) bool {
	if w.opts.Mode == config.ModePassive {
		return false
	}
	return h.ConsecutiveFailures >= w.opts.RestartThreshold
}

// RestartComponent restarts name immediately, regardless of mode or threshold.
func (w *Watchdog) RestartComponent(ctx context.Context, name string) error {
	w.mu.Lock()
	_, ok := w.components[name]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	return w.restart(ctx, name)
}

func (w *Watchdog) restart(ctx context.Context, name string) error {
	w.logger.Info("attempting to restart component", zap.String("component", name))

	if w.opts.RestartPause > 0 {
		t := time.NewTimer(w.opts.RestartPause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	w.mu.Lock()
	target := w.targets[name]
	w.mu.Unlock()

	if target != nil {
		if err := target.Restart(ctx); err != nil {
			w.mu.Lock()
			w.stats.RestartsFailed++
			w.mu.Unlock()
			w.metrics.ComponentRestarts.WithLabelValues(name, "failed").Inc()
			w.logger.Error("failed to restart component", zap.String("component", name), zap.Error(err))
			return err
		}
	}

	w.mu.Lock()
	if h, ok := w.components[name]; ok {
		now := w.opts.Now()
		h.MarkRestarted(now)
		h.MarkHealthy(now)
	}
	w.stats.RestartsPerformed++
	w.mu.Unlock()

	w.metrics.ComponentRestarts.WithLabelValues(name, "ok").Inc()
	w.metrics.ComponentHealthy.WithLabelValues(name).Set(1)
	w.logger.Info("component restarted", zap.String("component", name))
	return nil
}

// handleComponentError folds ComponentError events raised by other sources
// into the health records. The watchdog's own events are ignored so a
// failure is not counted twice.
func (w *Watchdog) handleComponentError(_ context.Context, ev domain.Event) error {
	if ev.Source == Source {
		return nil
	}
	name := ev.PayloadString("component")
	if name == "" {
		return nil
	}
	w.CheckComponent(name, false, ev.PayloadString("error"))
	return nil
}

// Start subscribes to ComponentError events and launches the check loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.startedAt = w.opts.Now()
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	if w.bus != nil {
		w.subID = w.bus.Subscribe(domain.EventComponentError, w.handleComponentError)
	}
	go w.loop(ctx, w.stopCh, w.done)
	w.logger.Info("watchdog started",
		zap.String("mode", w.opts.Mode),
		zap.Duration("check_interval", w.opts.CheckInterval))
	return nil
}

// Stop halts the loop and drops the event subscription.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stop, done, subID := w.stopCh, w.done, w.subID
	w.subID = ""
	w.mu.Unlock()

	if w.bus != nil && subID != "" {
		w.bus.Unsubscribe(domain.EventComponentError, subID)
	}
	close(stop)
	<-done
	w.logger.Info("watchdog stopped")
	return nil
}

// Restart stops and starts the watchdog, keeping its records.
func (w *Watchdog) Restart(ctx context.Context) error {
	if err := w.Stop(); err != nil {
		return err
	}
	return w.Start(ctx)
}

// IsHealthy reports the watchdog's own liveness: it is running and a
// supervision pass happened within the last few check intervals. The health
// of the supervised components does not count.
func (w *Watchdog) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return false
	}
	last := w.startedAt
	if w.stats.LastCheck.After(last) {
		last = w.stats.LastCheck
	}
	return w.opts.Now().Sub(last) <= livenessFactor*w.opts.CheckInterval
}

// Health returns a copy of one component's record.
func (w *Watchdog) Health(name string) (domain.ComponentHealth, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.components[name]
	if !ok {
		return domain.ComponentHealth{}, false
	}
	return *h, true
}

// Components returns registered names in sorted order.
func (w *Watchdog) Components() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sortedNamesLocked()
}

// Reset replaces every record with a fresh healthy one and zeroes stats.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.opts.Now()
	for name := range w.components {
		w.components[name] = domain.NewComponentHealth(name, now)
		w.metrics.ComponentHealthy.WithLabelValues(name).Set(1)
	}
	w.stats = Stats{}
	w.logger.Info("watchdog reset", zap.Int("components", len(w.components)))
}

// GetStatus returns the operator view.
func (w *Watchdog) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	comps := make(map[string]domain.ComponentHealth, len(w.components))
	for name, h := range w.components {
		comps[name] = *h
	}
	return Status{
		Running:          w.running,
		Mode:             w.opts.Mode,
		CheckInterval:    w.opts.CheckInterval,
		ComponentTimeout: w.opts.ComponentTimeout,
		RestartThreshold: w.opts.RestartThreshold,
		Stats:            w.stats,
		Components:       comps,
	}
}

func (w *Watchdog) sortedNamesLocked() []string {
	names := make([]string, 0, len(w.components))
	for name := range w.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Watchdog) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safeCheck(ctx)
		}
	}
}

func (w *Watchdog) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog monitoring error", zap.Any("panic", r))
		}
	}()
	w.CheckAll(ctx)
}

var _ domain.Supervised = (*Watchdog)(nil)
