// Package governor samples process and host resource usage and raises
// debounced warnings when configured limits are crossed.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

const (
	// CriticalCPU and CriticalMemory gate emergency action. They are not debounced.
	CriticalCPU    = 98.0
	CriticalMemory = 95.0

	DefaultInterval   = 10 * time.Second
	DefaultCooldown   = 30 * time.Second
	DefaultStaleAfter = 60 * time.Second

	source = "resource_governor"
)

// Resource names used for debouncing, metrics and event payloads.
const (
	ResourceCPU     = "cpu"
	ResourceMemory  = "memory"
	ResourceThreads = "threads"
)

// Options configures a Governor.
type Options struct {
	CPULimit    float64
	MemoryLimit float64
	ThreadLimit int

	Interval   time.Duration // between background samples
	Cooldown   time.Duration // minimum gap between warnings for one resource
	StaleAfter time.Duration // a check older than this makes the governor unhealthy

	Now func() time.Time
}

// OptionsFromConfig converts the YAML section.
func OptionsFromConfig(c config.ResourcesConfig) Options {
	return Options{
		CPULimit:    c.CPULimit,
		MemoryLimit: c.MemoryLimit,
		ThreadLimit: c.ThreadLimit,
		Interval:    config.Seconds(c.MonitoringInterval, DefaultInterval),
	}
}

// Topology is the CPU layout and the sizing derived from it.
type Topology struct {
	PhysicalCores          int `json:"physical_cores"`
	LogicalCores           int `json:"logical_cores"`
	RecommendedWorkers     int `json:"recommended_workers"`
	RecommendedThreadLimit int `json:"recommended_thread_limit"`
}

// Stats counts governor activity.
type Stats struct {
	ChecksPerformed uint64    `json:"checks_performed"`
	WarningsIssued  uint64    `json:"warnings_issued"`
	SampleErrors    uint64    `json:"sample_errors"`
	LastCheck       time.Time `json:"last_check,omitempty"`
}

// Status is the operator view of the governor.
type Status struct {
	Running         bool                  `json:"running"`
	Stats           Stats                 `json:"stats"`
	Limits          Limits                `json:"limits"`
	CurrentWarnings map[string]bool       `json:"current_warnings"`
	LastReport      domain.ResourceReport `json:"last_report"`
}

// Limits are the configured thresholds.
type Limits struct {
	CPU     float64 `json:"cpu_limit"`
	Memory  float64 `json:"memory_limit"`
	Threads int     `json:"thread_limit"`
}

type warnState struct {
	active bool
	last   time.Time
}

// Governor polices resource usage.
type Governor struct {
	opts    Options
	sampler domain.ResourceSampler
	bus     domain.EventBus

	mu         sync.Mutex
	warnings   map[string]*warnState
	lastReport domain.ResourceReport
	stats      Stats
	running    bool
	stopCh     chan struct{}
	done       chan struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a stopped governor. bus may be nil.
func New(opts Options, sampler domain.ResourceSampler, bus domain.EventBus, m *metrics.Metrics, logger *zap.Logger) *Governor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Governor{
		opts:    opts,
		sampler: sampler,
		bus:     bus,
		warnings: map[string]*warnState{
			ResourceCPU:     {},
			ResourceMemory:  {},
			ResourceThreads: {},
		},
		metrics: metrics.OrNew(m),
		logger:  logger,
	}
}

// CheckResources takes one sample and evaluates it against the limits.
// Warnings lists every resource over its limit; a warning log and
// ResourceWarning event fire only on the first crossing or after the cooldown.
func (g *Governor) CheckResources(ctx context.Context) domain.ResourceReport {
	sample, err := g.sampler.Sample(ctx)
	now := g.opts.Now()
	if err != nil {
		g.mu.Lock()
		g.stats.SampleErrors++
		g.mu.Unlock()
		g.logger.Error("resource check failed", zap.Error(err))
		return domain.ResourceReport{Error: err.Error(), Critical: true, CheckedAt: now}
	}

	report := domain.ResourceReport{
		CPUPercent:        sample.CPUPercent,
		MemoryPercent:     sample.MemoryPercent,
		ThreadCount:       sample.ThreadCount,
		Goroutines:        sample.Goroutines,
		AvailableCores:    sample.LogicalCores,
		MemoryAvailableGB: sample.MemoryAvailableGB,
		Warnings:          []string{},
		CheckedAt:         now,
	}

	var fired []firedWarning

	g.mu.Lock()
	if sample.CPUPercent > g.opts.CPULimit {
		report.Warnings = append(report.Warnings, fmt.Sprintf("CPU: %.1f%%", sample.CPUPercent))
		if g.shouldWarn(ResourceCPU, now) {
			fired = append(fired, firedWarning{ResourceCPU, sample.CPUPercent, g.opts.CPULimit})
		}
		if sample.CPUPercent > CriticalCPU {
			report.Critical = true
		}
	} else {
		g.warnings[ResourceCPU].active = false
	}

	if sample.MemoryPercent > g.opts.MemoryLimit {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Memory: %.1f%%", sample.MemoryPercent))
		if g.shouldWarn(ResourceMemory, now) {
			fired = append(fired, firedWarning{ResourceMemory, sample.MemoryPercent, g.opts.MemoryLimit})
		}
		if sample.MemoryPercent > CriticalMemory {
			report.Critical = true
		}
	} else {
		g.warnings[ResourceMemory].active = false
	}

	if g.opts.ThreadLimit > 0 && sample.ThreadCount > g.opts.ThreadLimit {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Threads: %d", sample.ThreadCount))
		if g.shouldWarn(ResourceThreads, now) {
			fired = append(fired, firedWarning{ResourceThreads, float64(sample.ThreadCount), float64(g.opts.ThreadLimit)})
		}
	} else {
		g.warnings[ResourceThreads].active = false
	}

	g.stats.ChecksPerformed++
	g.stats.WarningsIssued += uint64(len(fired))
	g.stats.LastCheck = now
	g.lastReport = report
	g.mu.Unlock()

	g.metrics.CPUPercent.Set(sample.CPUPercent)
	g.metrics.MemoryPercent.Set(sample.MemoryPercent)
	g.metrics.ThreadCount.Set(float64(sample.ThreadCount))

	for _, w := range fired {
		g.warn(w)
	}
	return report
}

type firedWarning struct {
	resource string
	value    float64
	limit    float64
}

// shouldWarn applies the per-resource cooldown. Caller holds g.mu.
func (g *Governor) shouldWarn(resource string, now time.Time) bool {
	st := g.warnings[resource]
	if st.active && now.Sub(st.last) <= g.opts.Cooldown {
		return false
	}
	st.active = true
	st.last = now
	return true
}

func (g *Governor) warn(w firedWarning) {
	g.logger.Warn("resource warning",
		zap.String("resource", w.resource),
		zap.Float64("value", w.value),
		zap.Float64("limit", w.limit))
	g.metrics.ResourceWarnings.WithLabelValues(w.resource).Inc()
	if g.bus != nil {
		g.bus.Emit(domain.EventResourceWarning, map[string]any{
			"resource": w.resource,
			"value":    w.value,
			"limit":    w.limit,
		}, source)
	}
}

// Start takes an initial sample and launches the background sampling loop.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	stop, done := g.stopCh, g.done
	g.mu.Unlock()

	g.CheckResources(ctx)
	go g.loop(ctx, stop, done)
	g.logger.Info("resource governor started", zap.Duration("interval", g.opts.Interval))
	return nil
}

// Stop halts the sampling loop.
func (g *Governor) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	stop, done := g.stopCh, g.done
	g.mu.Unlock()

	close(stop)
	<-done
	g.logger.Info("resource governor stopped")
	return nil
}

// Restart stops and starts the governor.
func (g *Governor) Restart(ctx context.Context) error {
	if err := g.Stop(); err != nil {
		return err
	}
	return g.Start(ctx)
}

// IsHealthy requires a running governor whose last successful check is recent.
func (g *Governor) IsHealthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.stats.LastCheck.IsZero() {
		return false
	}
	return g.opts.Now().Sub(g.stats.LastCheck) <= g.opts.StaleAfter
}

// LastReport returns the most recent successful report.
func (g *Governor) LastReport() domain.ResourceReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReport
}

// CPUTopology reports core counts and the worker/thread sizing derived from them.
func (g *Governor) CPUTopology(ctx context.Context) (Topology, error) {
	physical, logical, err := g.sampler.CPUCounts(ctx)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read cpu counts: %w", err)
	}
	t := Topology{
		PhysicalCores:          physical,
		LogicalCores:           logical,
		RecommendedWorkers:     min(physical*2, 8),
		RecommendedThreadLimit: logical * 10,
	}
	g.logger.Info("cpu topology",
		zap.Int("physical_cores", t.PhysicalCores),
		zap.Int("logical_cores", t.LogicalCores),
		zap.Int("recommended_workers", t.RecommendedWorkers),
		zap.Int("recommended_thread_limit", t.RecommendedThreadLimit))
	return t, nil
}

// MemoryInfo returns detailed host memory figures.
func (g *Governor) MemoryInfo(ctx context.Context) (domain.MemoryInfo, error) {
	return g.sampler.Memory(ctx)
}

// Status returns the operator view.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	current := make(map[string]bool, len(g.warnings))
	for k, v := range g.warnings {
		current[k] = v.active
	}
	return Status{
		Running: g.running,
		Stats:   g.stats,
		Limits: Limits{
			CPU:     g.opts.CPULimit,
			Memory:  g.opts.MemoryLimit,
			Threads: g.opts.ThreadLimit,
		},
		CurrentWarnings: current,
		LastReport:      g.lastReport,
	}
}

func (g *Governor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.safeCheck(ctx)
		}
	}
}

func (g *Governor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("monitoring loop panic", zap.Any("panic", r))
		}
	}()
	g.CheckResources(ctx)
}

var _ domain.Supervised = (*Governor)(nil)
