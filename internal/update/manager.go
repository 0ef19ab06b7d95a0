// Package update implements the passive update manager: it discovers
// pending update descriptors, verifies and dry-runs them, backs up the
// current module version, applies the update to the version table and
// rolls back when applying fails.
package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

const (
	// Source tags events emitted by the update manager.
	Source = "passive_update"

	DefaultCheckInterval = time.Hour
)

var (
	ErrMissingField     = errors.New("update descriptor is missing required fields")
	ErrChecksumMismatch = errors.New("update checksum mismatch")
	ErrDryRunFailed     = errors.New("update dry-run failed")
	ErrNoFallback       = errors.New("no fallback version available")
)

// Stage names the pipeline step an update stopped at.
type Stage string

const (
	StageParse     Stage = "parse"
	StageIntegrity Stage = "integrity"
	StageDryRun    Stage = "dry_run"
	StageBackup    Stage = "backup"
	StageApply     Stage = "apply"
	StageDone      Stage = "done"
)

// Options configures a Manager.
type Options struct {
	UpdatesDir      string
	FailedDir       string
	AutoCheck       bool
	CheckInterval   time.Duration
	BackupEnabled   bool
	RollbackEnabled bool
}

// OptionsFromConfig converts the YAML section, placing directories under
// the data directory.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UpdatesDir:      cfg.Path("updates"),
		FailedDir:       cfg.Path("updates", "failed"),
		AutoCheck:       cfg.Updates.AutoCheck,
		CheckInterval:   config.Seconds(cfg.Updates.CheckInterval, DefaultCheckInterval),
		BackupEnabled:   cfg.Updates.BackupEnabled,
		RollbackEnabled: cfg.Updates.RollbackEnabled,
	}
}

// Result reports how one descriptor was handled.
type Result struct {
	Module     string `json:"module"`
	Version    string `json:"version"`
	Path       string `json:"path"`
	Success    bool   `json:"success"`
	Stage      Stage  `json:"stage"`
	Error      string `json:"error,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
	RolledBack bool   `json:"rolled_back"`
}

// Stats counts update activity.
type Stats struct {
	ChecksPerformed    uint64    `json:"checks_performed"`
	UpdatesApplied     uint64    `json:"updates_applied"`
	UpdatesFailed      uint64    `json:"updates_failed"`
	RollbacksPerformed uint64    `json:"rollbacks_performed"`
	LastCheck          time.Time `json:"last_check,omitempty"`
}

// Status is the operator view of the manager.
type Status struct {
	Running       bool                 `json:"running"`
	AutoCheck     bool                 `json:"auto_check"`
	CheckInterval time.Duration        `json:"check_interval"`
	Store         string               `json:"store"`
	Stats         Stats                `json:"stats"`
	Versions      *domain.VersionTable `json:"versions"`
	LastError     string               `json:"last_error,omitempty"`
}

// Manager owns the version table. Only apply and rollback mutate it, and
// every mutation is flushed to the store before the call returns.
type Manager struct {
	opts      Options
	store     domain.VersionStore
	tester    domain.DryRunTester
	artifacts domain.ArtifactStore
	bus       domain.EventBus

	mu        sync.Mutex
	table     *domain.VersionTable
	stats     Stats
	lastError string
	running   bool
	stopCh    chan struct{}
	done      chan struct{}

	// checkMu serializes descriptor processing between the loop, the
	// directory watcher and explicit calls.
	checkMu sync.Mutex

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a manager and loads the version table. A table that cannot
// be read is logged and replaced by an empty one. tester defaults to
// SemverDryRun; artifacts and bus may be nil.
func New(opts Options, store domain.VersionStore, tester domain.DryRunTester, artifacts domain.ArtifactStore, bus domain.EventBus, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.FailedDir == "" && opts.UpdatesDir != "" {
		opts.FailedDir = filepath.Join(opts.UpdatesDir, "failed")
	}
	if tester == nil {
		tester = SemverDryRun{}
	}

	mgr := &Manager{
		opts:      opts,
		store:     store,
		tester:    tester,
		artifacts: artifacts,
		bus:       bus,
		metrics:   metrics.OrNew(m),
		logger:    logger,
	}

	table, err := store.Load()
	if err != nil {
		logger.Error("error loading versions", zap.String("store", store.Location()), zap.Error(err))
		table = domain.NewVersionTable()
		mgr.lastError = err.Error()
	}
	mgr.table = table

	if opts.UpdatesDir != "" {
		if err := os.MkdirAll(opts.UpdatesDir, 0755); err != nil {
			logger.Warn("failed to create updates directory", zap.Error(err))
		}
	}
	logger.Debug("passive update manager initialized", zap.String("store", store.Location()))
	return mgr
}

// CheckUpdates processes every pending descriptor in the updates directory
// in name order. A failing update never stops the others.
func (m *Manager) CheckUpdates(ctx context.Context) []Result {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	m.mu.Lock()
	m.stats.ChecksPerformed++
	m.stats.LastCheck = time.Now()
	m.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(m.opts.UpdatesDir, "*"+DescriptorSuffix))
	if err != nil {
		m.logger.Error("error checking updates", zap.Error(err))
		return nil
	}
	if len(paths) == 0 {
		m.logger.Debug("no updates available")
		return nil
	}
	sort.Strings(paths)
	m.logger.Info("found updates", zap.Int("count", len(paths)))

	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		results = append(results, m.processFile(ctx, path))
	}
	return results
}

// ProcessFile runs one descriptor file through the pipeline.
func (m *Manager) ProcessFile(ctx context.Context, path string) Result {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	return m.processFile(ctx, path)
}

func (m *Manager) processFile(ctx context.Context, path string) Result {
	desc, err := LoadDescriptor(path)
	if err != nil {
		res := Result{Path: path, Stage: StageParse, Error: err.Error()}
		m.fail(&res, err)
		return res
	}

	if m.bus != nil {
		m.bus.Emit(domain.EventUpdateAvailable, map[string]any{
			"module":  desc.Module,
			"version": desc.Version,
		}, Source)
	}

	res := m.Process(ctx, desc)
	if res.Success {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove applied descriptor", zap.String("path", path), zap.Error(err))
		}
	} else {
		m.quarantine(path)
	}
	return res
}

// Process runs desc through integrity check, dry-run, backup and apply.
// It does not touch the descriptor file.
func (m *Manager) Process(ctx context.Context, desc domain.UpdateDescriptor) Result {
	res := Result{Module: desc.Module, Version: desc.Version, Path: desc.Path}
	log := m.logger.With(zap.String("module", desc.Module), zap.String("version", desc.Version))
	log.Info("processing update")

	res.Stage = StageIntegrity
	if err := VerifyIntegrity(desc); err != nil {
		log.Error("update integrity check failed", zap.Error(err))
		m.fail(&res, err)
		return res
	}

	res.Stage = StageDryRun
	if err := m.dryRun(ctx, desc); err != nil {
		log.Error("update test failed", zap.Error(err))
		m.fail(&res, err)
		return res
	}
	if err := m.recordNextStable(desc); err != nil {
		log.Warn("failed to record next stable version", zap.Error(err))
	}

	res.Stage = StageBackup
	if m.opts.BackupEnabled && m.artifacts != nil {
		current := m.GetVersionInfo(desc.Module).Active
		path, err := m.artifacts.Backup(desc.Module, current)
		if err != nil {
			log.Error("backup failed", zap.Error(err))
			m.fail(&res, err)
			return res
		}
		res.BackupPath = path
	}

	res.Stage = StageApply
	hadActive, err := m.apply(desc)
	if err != nil {
		log.Error("update failed", zap.Error(err))
		m.fail(&res, err)
		if m.opts.RollbackEnabled {
			res.RolledBack = m.rollbackAfterFailure(desc.Module, hadActive, res.BackupPath)
		}
		return res
	}

	res.Stage = StageDone
	res.Success = true
	m.mu.Lock()
	m.stats.UpdatesApplied++
	m.mu.Unlock()
	m.metrics.UpdatesApplied.Inc()
	log.Info("update applied successfully")
	return res
}

// VerifyIntegrity recomputes the checksum over desc.Files.
func VerifyIntegrity(desc domain.UpdateDescriptor) error {
	if desc.Module == "" || desc.Version == "" || desc.Checksum == "" || len(desc.Files) == 0 {
		return ErrMissingField
	}
	sum, err := Checksum(desc.Files)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if sum != desc.Checksum {
		return fmt.Errorf("%w: declared %s, computed %s", ErrChecksumMismatch, desc.Checksum, sum)
	}
	return nil
}

func (m *Manager) dryRun(ctx context.Context, desc domain.UpdateDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tester panic: %v", ErrDryRunFailed, r)
		}
	}()
	if err := m.tester.Test(ctx, desc, m.GetVersionInfo(desc.Module)); err != nil {
		if errors.Is(err, ErrDryRunFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDryRunFailed, err)
	}
	return nil
}

func (m *Manager) recordNextStable(desc domain.UpdateDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table.NextStable[desc.Module] == desc.Version {
		return nil
	}
	m.table.NextStable[desc.Module] = desc.Version
	return m.persistLocked()
}

// apply installs the artifacts and only then switches the active version,
// keeping the previous one as fallback, and persists the table. A failed
// install leaves the table untouched. It reports whether the module had an
// active version before.
func (m *Manager) apply(desc domain.UpdateDescriptor) (bool, error) {
	m.mu.Lock()
	_, hadActive := m.table.Active[desc.Module]
	m.mu.Unlock()

	if m.artifacts != nil {
		if err := m.artifacts.Install(desc); err != nil {
			return hadActive, fmt.Errorf("failed to install artifacts: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.table.Active[desc.Module]; ok {
		m.table.Fallback[desc.Module] = prev
	}
	m.table.Active[desc.Module] = desc.Version
	return hadActive, m.persistLocked()
}

// rollbackAfterFailure puts the pre-update files back. The version table was
// never switched, so the previous version is still active. Without one
// there is nothing to roll back to.
func (m *Manager) rollbackAfterFailure(module string, hadActive bool, backupPath string) bool {
	if !hadActive {
		return false
	}
	if backupPath != "" && m.artifacts != nil {
		if err := m.artifacts.Restore(module, backupPath); err != nil {
			m.logger.Error("failed to restore backup", zap.String("module", module), zap.Error(err))
			return false
		}
	}

	m.mu.Lock()
	m.stats.RollbacksPerformed++
	version := m.table.Active[module]
	m.mu.Unlock()
	m.metrics.Rollbacks.Inc()
	m.logger.Info("rollback completed", zap.String("module", module), zap.String("version", version))
	return true
}

// Rollback restores the module's fallback version as the active one.
func (m *Manager) Rollback(module string) error {
	m.mu.Lock()
	fallback, ok := m.table.Fallback[module]
	if !ok {
		m.mu.Unlock()
		m.logger.Error("no fallback version available", zap.String("module", module))
		return fmt.Errorf("%w: %s", ErrNoFallback, module)
	}
	m.table.Active[module] = fallback
	err := m.persistLocked()
	if err == nil {
		m.stats.RollbacksPerformed++
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.metrics.Rollbacks.Inc()
	m.logger.Info("rollback completed", zap.String("module", module), zap.String("version", fallback))
	return nil
}

// RestoreArtifacts replaces a module's live files with the newest backup
// taken at its active version. Used after an operator rollback.
func (m *Manager) RestoreArtifacts(module string) error {
	if m.artifacts == nil {
		return nil
	}
	version := m.GetVersionInfo(module).Active
	path, ok := m.artifacts.LatestBackup(module, version)
	if !ok {
		return fmt.Errorf("no backup of %s at %s", module, version)
	}
	return m.artifacts.Restore(module, path)
}

func (m *Manager) fail(res *Result, err error) {
	res.Error = err.Error()
	m.mu.Lock()
	m.stats.UpdatesFailed++
	m.mu.Unlock()
	m.metrics.UpdatesFailed.WithLabelValues(string(res.Stage)).Inc()
}

// quarantine moves a failed descriptor out of the pending queue so it is
// handled exactly once.
func (m *Manager) quarantine(path string) {
	if err := os.MkdirAll(m.opts.FailedDir, 0755); err != nil {
		m.logger.Error("failed to create failed-updates directory", zap.Error(err))
		return
	}
	dst := filepath.Join(m.opts.FailedDir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.Rename(path, dst); err != nil {
		m.logger.Error("failed to move failed descriptor", zap.String("path", path), zap.Error(err))
	}
}

// persistLocked flushes the table. Caller holds m.mu.
func (m *Manager) persistLocked() error {
	if err := m.store.Save(m.table); err != nil {
		m.lastError = err.Error()
		m.logger.Error("error saving versions", zap.Error(err))
		return fmt.Errorf("failed to persist version table: %w", err)
	}
	m.lastError = ""
	return nil
}

// GetVersionInfo returns the active, fallback and next-stable versions of module.
func (m *Manager) GetVersionInfo(module string) domain.VersionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Info(module)
}

// Versions returns a copy of the version table.
func (m *Manager) Versions() *domain.VersionTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Clone()
}

// Stats returns the update counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status returns the operator view.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:       m.running,
		AutoCheck:     m.opts.AutoCheck,
		CheckInterval: m.opts.CheckInterval,
		Store:         m.store.Location(),
		Stats:         m.stats,
		Versions:      m.table.Clone(),
		LastError:     m.lastError,
	}
}

// UpdatesDir returns the directory scanned for descriptors.
func (m *Manager) UpdatesDir() string {
	return m.opts.UpdatesDir
}

// Start launches the periodic check loop when auto-check is enabled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || !m.opts.AutoCheck {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx, m.stopCh, m.done)
	return nil
}

// Stop halts the check loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stop, done := m.stopCh, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Restart reloads the version table from the store and restarts the loop.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(); err != nil {
		return err
	}
	table, err := m.store.Load()
	if err != nil {
		m.mu.Lock()
		m.lastError = err.Error()
		m.mu.Unlock()
		if serr := m.Start(ctx); serr != nil {
			m.logger.Error("failed to restart update loop", zap.Error(serr))
		}
		return fmt.Errorf("failed to reload versions: %w", err)
	}
	m.mu.Lock()
	m.table = table
	m.lastError = ""
	m.mu.Unlock()
	return m.Start(ctx)
}

// IsHealthy reports whether the last store access succeeded.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError == ""
}

func (m *Manager) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeCheck(ctx)
		}
	}
}

func (m *Manager) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("update check panic", zap.Any("panic", r))
		}
	}()
	m.CheckUpdates(ctx)
}

var _ domain.Supervised = (*Manager)(nil)
