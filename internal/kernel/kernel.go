// Package kernel wires the supervisor components together and runs the
// main loop that keeps them healthy.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/luxkernel/internal/cache"
	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/eventbus"
	"github.com/eliteGoblin/luxkernel/internal/governor"
	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/logging"
	"github.com/eliteGoblin/luxkernel/internal/memory"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
	"github.com/eliteGoblin/luxkernel/internal/safemode"
	"github.com/eliteGoblin/luxkernel/internal/statusapi"
	"github.com/eliteGoblin/luxkernel/internal/update"
	"github.com/eliteGoblin/luxkernel/internal/watchdog"
)

// State is the kernel lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateSafeMode      State = "safe_mode"
	StateStopped       State = "stopped"
)

// Component names used in the registry, health map and status API.
const (
	ComponentEventBus       = "event_bus"
	ComponentFunctionCache  = "function_cache"
	ComponentContextMemory  = "context_memory"
	ComponentGovernor       = "resource_governor"
	ComponentWatchdog       = "watchdog"
	ComponentPassiveUpdates = "passive_update"
)

const (
	// DefaultTick is the main loop period.
	DefaultTick = 100 * time.Millisecond

	// StatusFileName is the snapshot read by `luxkernel status`.
	StatusFileName = "status.json"

	source = "kernel"

	watcherDebounce = 500 * time.Millisecond
)

var (
	ErrAlreadyStarted = errors.New("kernel already started")
	ErrNotStarted     = errors.New("kernel not started")
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Tick      time.Duration
	Sampler   domain.ResourceSampler
	Inspector domain.SystemInspector
	Tester    domain.DryRunTester
	Registry  *prometheus.Registry
	// Exit terminates the process on emergency shutdown.
	Exit func(code int)
}

// Layer1Callback is notified once the kernel becomes operational.
type Layer1Callback func(status Status)

type registered struct {
	name   string
	target domain.Supervised
}

// Kernel owns every supervisor component.
type Kernel struct {
	id     string
	cfg    *config.Config
	opts   Options
	logger *zap.Logger

	metrics  *metrics.Metrics
	bus      *eventbus.Bus
	cache    *cache.FunctionCache
	memory   *memory.ContextMemory
	governor *governor.Governor
	watchdog *watchdog.Watchdog
	updates  *update.Manager
	safeMode *safemode.SafeMode
	store    domain.VersionStore

	components []registered

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	operational bool
	callbacks   []Layer1Callback
	lastRepairs []RepairResult
	loop        LoopStats

	cancel context.CancelFunc
	group  *errgroup.Group

	// Main loop only.
	backoff      map[string]*repairBackoff
	lastRecovery time.Time
	safeReason   string

	// tickHook runs at the top of every main loop pass.
	tickHook func()
}

// New constructs every component in dependency order. logger may be nil, in
// which case one is built from cfg. Construction errors are configuration
// errors and abort startup.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.New(cfg.Logging)
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	host := infra.NewHostSampler()
	if opts.Sampler == nil {
		opts.Sampler = host
	}
	if opts.Inspector == nil {
		opts.Inspector = host
	}

	k := &Kernel{
		id:     "kernel_" + uuid.NewString()[:8],
		cfg:    cfg,
		opts:   opts,
		state:   StateUninitialized,
		logger:  logger,
		backoff: make(map[string]*repairBackoff),
	}
	k.logger = logger.With(zap.String("kernel_id", k.id))
	k.logger.Info("kernel initializing")

	k.metrics = metrics.New(opts.Registry)
	k.bus = eventbus.New(eventbus.Options{}, k.metrics, k.named(ComponentEventBus))

	var compiler domain.Compiler
	if cfg.Cache.Compiler == "yaegi" {
		compiler = infra.NewYaegiCompiler()
	}
	k.cache = cache.NewFunctionCache(cache.OptionsFromConfig(cfg.Cache), compiler, nil, k.metrics, k.named(ComponentFunctionCache))
	k.memory = memory.New(memory.OptionsFromConfig(cfg.Memory), k.metrics, k.named(ComponentContextMemory))
	k.governor = governor.New(governor.OptionsFromConfig(cfg.Resources), opts.Sampler, k.bus, k.metrics, k.named(ComponentGovernor))

	wd, err := watchdog.New(watchdog.OptionsFromConfig(cfg.Watchdog), k.bus, k.metrics, k.named(ComponentWatchdog))
	if err != nil {
		return nil, err
	}
	k.watchdog = wd

	store, err := infra.OpenVersionStore(cfg.Updates.Store, cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open version store: %w", err)
	}
	k.store = store
	artifacts := infra.NewFileArtifactStore(cfg.Path("modules"), cfg.Path("backups"), k.named(ComponentPassiveUpdates))
	k.updates = update.New(update.OptionsFromConfig(cfg), store, opts.Tester, artifacts, k.bus, k.metrics, k.named(ComponentPassiveUpdates))

	smOpts := safemode.OptionsFromConfig(cfg)
	smOpts.Exit = opts.Exit
	k.safeMode = safemode.New(smOpts, opts.Inspector, k.bus, k.bus, k.metrics, k.named("safe_mode"))
	k.safeMode.SetRecoverFunc(k.recoverComponents)

	k.components = []registered{
		{ComponentEventBus, k.bus},
		{ComponentFunctionCache, k.cache},
		{ComponentContextMemory, k.memory},
		{ComponentGovernor, k.governor},
		{ComponentWatchdog, k.watchdog},
		{ComponentPassiveUpdates, k.updates},
	}

	k.logger.Info("kernel core components initialized")
	return k, nil
}

func (k *Kernel) named(component string) *zap.Logger {
	return k.logger.With(zap.String("component", component))
}

// Start brings the components up in dependency order, runs one update
// check and launches the main loop. It returns once everything is running;
// use Wait to block until the kernel stops.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.state != StateUninitialized {
		k.mu.Unlock()
		return ErrAlreadyStarted
	}
	k.state = StateStarting
	k.startedAt = time.Now()
	k.mu.Unlock()
	k.logger.Info("starting kernel")

	if err := k.bus.Start(ctx); err != nil {
		return k.abortStart(fmt.Errorf("failed to start event bus: %w", err))
	}
	k.logger.Info("event bus started")
	if err := k.governor.Start(ctx); err != nil {
		return k.abortStart(fmt.Errorf("failed to start resource governor: %w", err))
	}
	k.logger.Info("resource governor started")
	if err := k.watchdog.Start(ctx); err != nil {
		return k.abortStart(fmt.Errorf("failed to start watchdog: %w", err))
	}
	for _, c := range k.components {
		k.watchdog.RegisterComponent(c.name, c.target)
	}
	k.logger.Info("watchdog started")

	results := k.updates.CheckUpdates(ctx)
	k.logger.Info("initial update check completed", zap.Int("processed", len(results)))
	if err := k.updates.Start(ctx); err != nil {
		k.logger.Warn("failed to start update loop", zap.Error(err))
	}

	k.memory.Initialize()
	k.logger.Info("context memory initialized")

	k.bus.Emit(domain.EventSystemStart, map[string]any{"kernel_id": k.id}, source)

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return k.mainLoop(gctx) })
	group.Go(func() error { return k.snapshotLoop(gctx) })
	group.Go(func() error { return k.cache.Janitor(gctx) })
	if k.cfg.Updates.AutoCheck {
		w := infra.NewDirWatcher(k.updates.UpdatesDir(), update.DescriptorSuffix, watcherDebounce, func(ctx context.Context) {
			k.updates.CheckUpdates(ctx)
		}, k.named(ComponentPassiveUpdates))
		group.Go(func() error { return w.Run(gctx) })
	}
	if k.cfg.Status.Enabled {
		srv := statusapi.New(k.cfg.Status.Addr, k, k.named("status_api"))
		group.Go(func() error { return srv.Run(gctx) })
	}

	k.mu.Lock()
	k.cancel = cancel
	k.group = group
	k.state = StateRunning
	k.mu.Unlock()
	k.logger.Info("kernel started")
	return nil
}

func (k *Kernel) abortStart(err error) error {
	k.logger.Error("kernel start failed", zap.Error(err))
	k.shutdownComponents()
	k.mu.Lock()
	k.state = StateStopped
	k.mu.Unlock()
	return err
}

// Wait blocks until the kernel's goroutines exit and returns the first
// error among them.
func (k *Kernel) Wait() error {
	k.mu.Lock()
	group := k.group
	k.mu.Unlock()
	if group == nil {
		return ErrNotStarted
	}
	return group.Wait()
}

// Run starts the kernel and blocks until ctx is canceled, then stops it.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.Start(ctx); err != nil {
		return err
	}
	waitErr := k.Wait()
	stopErr := k.Stop()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return stopErr
}

// Stop halts the main loop and tears the components down in reverse
// dependency order. Component stop errors are logged, never returned, so
// the sequence always completes.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	if k.state == StateStopped || k.state == StateUninitialized {
		k.mu.Unlock()
		return nil
	}
	cancel, group := k.cancel, k.group
	k.mu.Unlock()

	k.logger.Info("stopping kernel")
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Warn("kernel goroutine exited with error", zap.Error(err))
		}
	}

	k.bus.Emit(domain.EventSystemStop, map[string]any{"kernel_id": k.id}, source)
	k.bus.ProcessEvents(context.Background())
	k.shutdownComponents()

	k.mu.Lock()
	k.state = StateStopped
	k.mu.Unlock()
	k.writeSnapshot()
	if err := k.store.Close(); err != nil {
		k.logger.Warn("failed to close version store", zap.Error(err))
	}
	k.logger.Info("kernel stopped gracefully")
	_ = k.logger.Sync()
	return nil
}

func (k *Kernel) shutdownComponents() {
	steps := []struct {
		name string
		stop func() error
	}{
		{ComponentPassiveUpdates, k.updates.Stop},
		{ComponentWatchdog, k.watchdog.Stop},
		{ComponentGovernor, k.governor.Stop},
		{ComponentContextMemory, func() error { k.memory.Stop(); return nil }},
		{ComponentEventBus, k.bus.Stop},
	}
	for _, s := range steps {
		if err := safeStop(s.stop); err != nil && !errors.Is(err, eventbus.ErrNotRunning) {
			k.logger.Warn("component stop failed", zap.String("component", s.name), zap.Error(err))
		}
	}
}

func safeStop(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during stop: %v", r)
		}
	}()
	return fn()
}

// ID returns the kernel id.
func (k *Kernel) ID() string { return k.id }

// State returns the lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() *config.Config { return k.cfg }

func (k *Kernel) Bus() *eventbus.Bus                { return k.bus }
func (k *Kernel) Cache() *cache.FunctionCache       { return k.cache }
func (k *Kernel) Memory() *memory.ContextMemory     { return k.memory }
func (k *Kernel) Governor() *governor.Governor      { return k.governor }
func (k *Kernel) Watchdog() *watchdog.Watchdog      { return k.watchdog }
func (k *Kernel) Updates() *update.Manager          { return k.updates }
func (k *Kernel) SafeMode() *safemode.SafeMode      { return k.safeMode }
func (k *Kernel) Metrics() *metrics.Metrics         { return k.metrics }
func (k *Kernel) MetricsHandler() http.Handler      { return k.metrics.Handler() }
func (k *Kernel) VersionInfo(module string) domain.VersionInfo {
	return k.updates.GetVersionInfo(module)
}

// RestartComponent restarts a registered component on operator request,
// regardless of watchdog mode.
func (k *Kernel) RestartComponent(ctx context.Context, name string) error {
	if k.lookup(name) == nil {
		return fmt.Errorf("%w: %s", statusapi.ErrUnknownComponent, name)
	}
	return k.watchdog.RestartComponent(ctx, name)
}

// Healthy reports whether the kernel is running outside safe mode.
func (k *Kernel) Healthy() bool {
	return k.State() == StateRunning
}

func (k *Kernel) lookup(name string) domain.Supervised {
	for _, c := range k.components {
		if c.name == name {
			return c.target
		}
	}
	return nil
}

var _ statusapi.Provider = (*Kernel)(nil)
