// Package safemode implements the kernel's degraded-operation controller.
//
// Activation persists its metadata, diagnoses the host, enables a fixed
// minimal function set and then attempts a bounded number of recoveries.
// Recovery attempts are counted over the life of the process: once the cap
// is reached every later activation is refused and the kernel stays in safe
// mode until an operator intervenes. Nothing in this package lets a panic
// escape; a failing activation drops to an emergency fallback that only
// writes a record and logs to stderr.
package safemode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/logging"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

// Source tags events emitted by safe mode.
const Source = "safe_mode"

// Record file names inside the safe-mode directory.
const (
	DiagnosticsFile       = "diagnostics.json"
	EmergencyFile         = "emergency.json"
	EmergencyShutdownFile = "emergency_shutdown.json"
)

const (
	DefaultMaxRecoveryAttempts = 3
	DefaultRecoveryTimeout     = 60 * time.Second
)

// ErrRecoveryExhausted is reported once the recovery cap has been reached.
var ErrRecoveryExhausted = errors.New("maximum recovery attempts exceeded")

// MinimalFunctions is the function set kept alive in safe mode.
var MinimalFunctions = []string{"logging", "basic_monitoring", "emergency_shutdown", "system_diagnosis"}

// RecoverFunc tries to bring failed components back. It returns the
// components that are still failing; recovery succeeded when that list is
// empty and err is nil.
type RecoverFunc func(ctx context.Context, failed []string) ([]string, error)

// EventHistory exposes recently processed events for error analysis.
type EventHistory interface {
	Recent() []domain.Event
}

// Options configures safe mode.
type Options struct {
	Dir                 string
	MaxRecoveryAttempts int
	RecoveryTimeout     time.Duration
	// DiskPath is the filesystem reported by diagnosis.
	DiskPath string
	Now      func() time.Time
	// Exit terminates the process on emergency shutdown.
	Exit func(code int)
}

// OptionsFromConfig converts the YAML section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Dir:                 cfg.Path("safe_mode"),
		MaxRecoveryAttempts: cfg.SafeMode.MaxRecoveryAttempts,
		RecoveryTimeout:     config.Seconds(cfg.SafeMode.RecoveryTimeout, DefaultRecoveryTimeout),
		DiskPath:            cfg.Paths.DataDir,
	}
}

// RecoveryResult reports the outcome of one activation or recovery attempt.
type RecoveryResult struct {
	Attempt          int           `json:"attempt"`
	Recovered        bool          `json:"recovered"`
	Exhausted        bool          `json:"exhausted"`
	Emergency        bool          `json:"emergency"`
	FailedComponents []string      `json:"failed_components,omitempty"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	Err              error         `json:"-"`
}

// Status is the operator view of safe mode.
type Status struct {
	domain.SafeModeState
	MaxRecoveryAttempts int        `json:"max_recovery_attempts"`
	MinimalFunctions    []string   `json:"minimal_functions"`
	Emergency           bool       `json:"emergency"`
	PreviousSession     bool       `json:"previous_session"`
	LastDiagnosis       *Diagnosis `json:"last_diagnosis,omitempty"`
}

// SafeMode is the degraded-operation controller.
type SafeMode struct {
	opts      Options
	inspector domain.SystemInspector
	history   EventHistory
	bus       domain.EventBus

	mu              sync.Mutex
	state           domain.SafeModeState
	recoverFn       RecoverFunc
	emergency       bool
	previousSession bool
	lastDiagnosis   *Diagnosis

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates safe mode and checks for an unfinished previous session.
// inspector, history and bus may be nil.
func New(opts Options, inspector domain.SystemInspector, history EventHistory, bus domain.EventBus, m *metrics.Metrics, logger *zap.Logger) *SafeMode {
	if opts.MaxRecoveryAttempts <= 0 {
		opts.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "."
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}

	s := &SafeMode{
		opts:      opts,
		inspector: inspector,
		history:   history,
		bus:       bus,
		state:     domain.SafeModeState{FailedComponents: []string{}},
		metrics:   metrics.OrNew(m),
		logger:    logger,
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		logger.Warn("safe mode initialization warning", zap.Error(err))
	}
	s.loadPreviousDiagnostics()
	logger.Debug("safe mode initialized", zap.String("dir", opts.Dir))
	return s
}

type activationRecord struct {
	SafeModeActive   bool                 `json:"safe_mode_active"`
	ActivationTime   time.Time            `json:"activation_time"`
	ActivationReason string               `json:"activation_reason"`
	SystemState      domain.SafeModeState `json:"system_state"`
	Diagnosis        *Diagnosis           `json:"diagnosis,omitempty"`
}

type deactivationRecord struct {
	SafeModeActive     bool      `json:"safe_mode_active"`
	DeactivationTime   time.Time `json:"deactivation_time"`
	ActivationDuration float64   `json:"activation_duration"`
	RecoveryAttempts   int       `json:"recovery_attempts"`
}

type emergencyRecord struct {
	EmergencyFallback bool                 `json:"emergency_fallback,omitempty"`
	EmergencyShutdown bool                 `json:"emergency_shutdown,omitempty"`
	Timestamp         time.Time            `json:"timestamp"`
	Reason            string               `json:"reason"`
	Cause             string               `json:"cause,omitempty"`
	SystemState       domain.SafeModeState `json:"system_state"`
}

func (s *SafeMode) loadPreviousDiagnostics() {
	var prev struct {
		SafeModeActive bool `json:"safe_mode_active"`
	}
	err := infra.ReadJSON(s.path(DiagnosticsFile), &prev)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("error loading diagnostics", zap.Error(err))
		}
		return
	}
	if prev.SafeModeActive {
		s.previousSession = true
		s.logger.Warn("previous safe mode session detected")
	}
}

// SetRecoverFunc installs the component recovery used by activation.
func (s *SafeMode) SetRecoverFunc(fn RecoverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverFn = fn
}

// Activate enters safe mode for reason and runs the activation sequence.
// It never panics.
func (s *SafeMode) Activate(ctx context.Context, reason string, failed []string) (res RecoveryResult) {
	defer func() {
		if r := recover(); r != nil {
			s.emergencyFallback(fmt.Sprint(r))
			res = RecoveryResult{Emergency: true, Error: fmt.Sprint(r), Err: fmt.Errorf("safe mode activation failed: %v", r)}
		}
	}()

	now := s.opts.Now()
	s.mu.Lock()
	s.state.Active = true
	s.state.ActivationTime = now
	s.state.ActivationReason = reason
	s.state.FailedComponents = mergeComponents(s.state.FailedComponents, failed)
	s.mu.Unlock()

	s.metrics.SafeModeActive.Set(1)
	s.metrics.SafeModeActivations.Inc()
	logging.Critical(s.logger, "safe mode activated", zap.String("reason", reason), zap.Strings("failed_components", failed))
	if s.bus != nil {
		s.bus.Emit(domain.EventSafeModeEnter, map[string]any{
			"reason":            reason,
			"failed_components": failed,
		}, Source)
	}

	s.saveActivationState(nil)
	diag := s.Diagnose(ctx)
	s.saveActivationState(&diag)
	s.startMinimalFunctions()
	return s.AttemptRecovery(ctx)
}

func (s *SafeMode) saveActivationState(diag *Diagnosis) {
	s.mu.Lock()
	rec := activationRecord{
		SafeModeActive:   true,
		ActivationTime:   s.state.ActivationTime,
		ActivationReason: s.state.ActivationReason,
		SystemState:      s.snapshotLocked(),
		Diagnosis:        diag,
	}
	s.mu.Unlock()

	if err := infra.WriteJSONAtomic(s.path(DiagnosticsFile), rec); err != nil {
		s.logger.Error("error saving activation state", zap.Error(err))
	}
}

func (s *SafeMode) startMinimalFunctions() {
	for _, fn := range MinimalFunctions {
		s.logger.Info("minimal function active", zap.String("function", fn))
	}
}

// AttemptRecovery runs one bounded recovery attempt. A successful attempt
// deactivates safe mode.
func (s *SafeMode) AttemptRecovery(ctx context.Context) RecoveryResult {
	start := s.opts.Now()

	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return RecoveryResult{Recovered: true}
	}
	s.state.RecoveryAttempts++
	attempt := s.state.RecoveryAttempts
	failed := append([]string(nil), s.state.FailedComponents...)
	fn := s.recoverFn
	s.mu.Unlock()

	res := RecoveryResult{Attempt: attempt}
	if attempt > s.opts.MaxRecoveryAttempts {
		logging.Critical(s.logger, "maximum recovery attempts exceeded",
			zap.Int("attempt", attempt),
			zap.Int("max", s.opts.MaxRecoveryAttempts))
		res.Exhausted = true
		res.FailedComponents = failed
		res.Err = ErrRecoveryExhausted
		res.Error = ErrRecoveryExhausted.Error()
		return res
	}

	s.logger.Info("recovery attempt", zap.Int("attempt", attempt))
	remaining, err := s.runRecovery(ctx, fn, failed)
	res.Duration = s.opts.Now().Sub(start)
	res.FailedComponents = remaining

	if err != nil || len(remaining) > 0 {
		if err == nil {
			err = fmt.Errorf("components still failing: %s", strings.Join(remaining, ", "))
		}
		s.logger.Warn("system recovery failed", zap.Int("attempt", attempt), zap.Error(err))
		s.mu.Lock()
		s.state.FailedComponents = mergeComponents(nil, remaining)
		s.mu.Unlock()
		res.Err = err
		res.Error = err.Error()
		return res
	}

	s.logger.Info("system recovery successful", zap.Int("attempt", attempt))
	res.Recovered = true
	s.Deactivate()
	return res
}

func (s *SafeMode) runRecovery(ctx context.Context, fn RecoverFunc, failed []string) (remaining []string, err error) {
	if fn == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			remaining, err = failed, fmt.Errorf("recovery panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.opts.RecoveryTimeout)
	defer cancel()
	return fn(ctx, failed)
}

// Deactivate leaves safe mode and records how long it lasted. The
// recovery attempt counter is kept.
func (s *SafeMode) Deactivate() {
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return
	}
	now := s.opts.Now()
	rec := deactivationRecord{
		SafeModeActive:     false,
		DeactivationTime:   now,
		ActivationDuration: now.Sub(s.state.ActivationTime).Seconds(),
		RecoveryAttempts:   s.state.RecoveryAttempts,
	}
	s.state.Active = false
	s.state.ActivationTime = time.Time{}
	s.state.ActivationReason = ""
	s.state.FailedComponents = []string{}
	s.mu.Unlock()

	if err := infra.WriteJSONAtomic(s.path(DiagnosticsFile), rec); err != nil {
		s.logger.Error("error deactivating safe mode", zap.Error(err))
	}
	s.metrics.SafeModeActive.Set(0)
	if s.bus != nil {
		s.bus.Emit(domain.EventSafeModeExit, map[string]any{
			"recovery_attempts": rec.RecoveryAttempts,
			"duration_seconds":  rec.ActivationDuration,
		}, Source)
	}
	s.logger.Info("safe mode deactivated", zap.Float64("duration_seconds", rec.ActivationDuration))
}

// emergencyFallback is the floor: it writes a minimal record and switches
// to stderr logging. It must not panic.
func (s *SafeMode) emergencyFallback(cause string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "CRITICAL: emergency fallback failed: %v\n", r)
			fmt.Fprintln(os.Stderr, "system in critical state, manual intervention required")
		}
	}()

	fallback := logging.Fallback()
	s.mu.Lock()
	s.emergency = true
	s.logger = fallback
	state := s.snapshotLocked()
	s.mu.Unlock()

	logging.Critical(fallback, "emergency fallback activated", zap.String("cause", cause))
	rec := emergencyRecord{
		EmergencyFallback: true,
		Timestamp:         s.opts.Now(),
		Reason:            "safe mode activation failed",
		Cause:             cause,
		SystemState:       state,
	}
	if err := infra.WriteJSONAtomic(s.path(EmergencyFile), rec); err != nil {
		fallback.Error("failed to write emergency record", zap.Error(err))
	}
	logging.Critical(fallback, "emergency mode: basic logging only")
}

// EmergencyShutdown records the shutdown and terminates the process with
// exit code 1, independent of recovery state.
func (s *SafeMode) EmergencyShutdown(reason string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "emergency shutdown failed: %v\n", r)
			s.opts.Exit(1)
		}
	}()
	if reason == "" {
		reason = "manual emergency shutdown"
	}

	s.mu.Lock()
	logger := s.logger
	state := s.snapshotLocked()
	s.mu.Unlock()

	logging.Critical(logger, "emergency shutdown initiated", zap.String("reason", reason))
	rec := emergencyRecord{
		EmergencyShutdown: true,
		Timestamp:         s.opts.Now(),
		Reason:            reason,
		SystemState:       state,
	}
	if err := infra.WriteJSONAtomic(s.path(EmergencyShutdownFile), rec); err != nil {
		logger.Error("failed to write emergency shutdown record", zap.Error(err))
	}
	_ = logger.Sync()
	s.opts.Exit(1)
}

// IsActive reports whether safe mode is on.
func (s *SafeMode) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

// State returns a copy of the safe-mode state.
func (s *SafeMode) State() domain.SafeModeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PreviousSession reports whether an unfinished session was found on startup.
func (s *SafeMode) PreviousSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previousSession
}

// Status returns the operator view.
func (s *SafeMode) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SafeModeState:       s.snapshotLocked(),
		MaxRecoveryAttempts: s.opts.MaxRecoveryAttempts,
		MinimalFunctions:    MinimalFunctions,
		Emergency:           s.emergency,
		PreviousSession:     s.previousSession,
		LastDiagnosis:       s.lastDiagnosis,
	}
}

func (s *SafeMode) snapshotLocked() domain.SafeModeState {
	st := s.state
	st.FailedComponents = append([]string{}, s.state.FailedComponents...)
	return st
}

func (s *SafeMode) path(name string) string {
	return filepath.Join(s.opts.Dir, name)
}

func mergeComponents(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := []string{}
	for _, list := range [][]string{a, b} {
		for _, c := range list {
			if _, ok := seen[c]; ok || c == "" {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
