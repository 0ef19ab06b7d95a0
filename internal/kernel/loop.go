package kernel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/logging"
	"github.com/eliteGoblin/luxkernel/internal/safemode"
)

const (
	maxRepairHistory = 20

	// A component still unhealthy after a repair waits repairBackoffBase
	// before the next one, doubling up to repairBackoffMax.
	repairBackoffBase = time.Second
	repairBackoffMax  = time.Minute
)

// repairBackoff is the per-component repair schedule. Owned by the main loop.
type repairBackoff struct {
	next  time.Time
	delay time.Duration
}

// RepairResult reports one attempt to repair an unhealthy component.
type RepairResult struct {
	Component string        `json:"component"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// LoopStats counts main loop activity.
type LoopStats struct {
	Ticks        uint64    `json:"ticks"`
	Errors       uint64    `json:"errors"`
	Repairs      uint64    `json:"repairs"`
	LastTick     time.Time `json:"last_tick,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CriticalHits uint64    `json:"critical_resource_ticks"`
}

func (k *Kernel) mainLoop(ctx context.Context) error {
	k.logger.Info("kernel main loop started")
	ticker := time.NewTicker(k.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("kernel main loop stopping")
			return nil
		case <-ticker.C:
		}

		err := k.tick(ctx)
		if err != nil {
			k.mu.Lock()
			k.loop.Errors++
			k.loop.LastError = err.Error()
			k.mu.Unlock()
			k.logger.Error("error in main loop", zap.Error(err))
		}

		switch {
		case k.State() == StateSafeMode:
			// recovery attempts are paced by the recovery timeout
			if time.Since(k.lastRecovery) >= k.recoveryInterval() {
				k.retryRecovery(ctx)
			}
		case err != nil:
			k.enterSafeMode(ctx, err.Error())
		default:
			k.notifyOperational()
		}
	}
}

// tick runs one supervision pass. A panic anywhere in the pass is returned
// as an error.
func (k *Kernel) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("main loop panic: %v", r)
		}
	}()

	if k.tickHook != nil {
		k.tickHook()
	}

	unhealthy := k.healthCheck()
	if len(unhealthy) > 0 && k.State() == StateRunning {
		now := time.Now()
		for _, name := range unhealthy {
			if b, ok := k.backoff[name]; ok && now.Before(b.next) {
				continue
			}
			k.logger.Warn("unhealthy component", zap.String("component", name))
			res := k.repair(ctx, name)
			k.scheduleRepair(name, res, now)
		}
	}

	k.bus.ProcessEvents(ctx)

	report := k.governor.CheckResources(ctx)
	k.mu.Lock()
	k.loop.Ticks++
	k.loop.LastTick = time.Now()
	if report.Critical {
		k.loop.CriticalHits++
	}
	k.mu.Unlock()
	if report.Critical {
		k.logger.Warn("critical resource usage detected",
			zap.Float64("cpu_percent", report.CPUPercent),
			zap.Float64("memory_percent", report.MemoryPercent))
	}
	return nil
}

// healthCheck queries every registered component and reports the result to
// the watchdog. It returns the unhealthy names.
func (k *Kernel) healthCheck() []string {
	var unhealthy []string
	for _, c := range k.components {
		healthy := probe(c.target.IsHealthy)
		reason := ""
		if healthy {
			delete(k.backoff, c.name)
		} else {
			reason = "health check failed"
			unhealthy = append(unhealthy, c.name)
		}
		k.watchdog.CheckComponent(c.name, healthy, reason)
	}
	return unhealthy
}

func probe(fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return fn()
}

// repair calls the component's own restart. Failures are logged and
// recorded, never propagated.
func (k *Kernel) repair(ctx context.Context, name string) RepairResult {
	start := time.Now()
	res := RepairResult{Component: name, At: start}
	k.logger.Info("attempting to repair component", zap.String("component", name))

	target := k.lookup(name)
	var err error
	if target == nil {
		err = fmt.Errorf("unknown component %s", name)
	} else {
		err = safeRestart(ctx, target.Restart)
	}
	res.Duration = time.Since(start)

	if err != nil {
		res.Error = err.Error()
		k.logger.Error("failed to repair component", zap.String("component", name), zap.Error(err))
	} else {
		res.Success = true
		k.watchdog.CheckComponent(name, probe(target.IsHealthy), "still unhealthy after repair")
		k.logger.Info("component repaired", zap.String("component", name))
	}

	k.mu.Lock()
	k.loop.Repairs++
	k.lastRepairs = append(k.lastRepairs, res)
	if len(k.lastRepairs) > maxRepairHistory {
		k.lastRepairs = k.lastRepairs[len(k.lastRepairs)-maxRepairHistory:]
	}
	k.mu.Unlock()
	return res
}

// scheduleRepair backs off a component the last repair did not fix.
func (k *Kernel) scheduleRepair(name string, res RepairResult, now time.Time) {
	if t := k.lookup(name); res.Success && t != nil && probe(t.IsHealthy) {
		delete(k.backoff, name)
		return
	}
	b, ok := k.backoff[name]
	if !ok {
		b = &repairBackoff{delay: repairBackoffBase}
		k.backoff[name] = b
	} else {
		b.delay = min(b.delay*2, repairBackoffMax)
	}
	b.next = now.Add(b.delay)
	k.logger.Warn("component still unhealthy after repair",
		zap.String("component", name),
		zap.Duration("next_attempt_in", b.delay))
}

func safeRestart(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("restart panic: %v", r)
		}
	}()
	return fn(ctx)
}

// enterSafeMode routes an unrecoverable loop failure to safe mode. A
// failure within one recovery interval of the last attempt parks the kernel
// in safe mode until the next attempt is due instead of activating again.
func (k *Kernel) enterSafeMode(ctx context.Context, reason string) {
	if !k.cfg.SafeMode.AutoActivate {
		k.logger.Warn("safe mode auto-activation disabled, continuing", zap.String("reason", reason))
		return
	}
	logging.Critical(k.logger, "entering safe mode", zap.String("reason", reason))
	k.setState(StateSafeMode)
	k.safeReason = reason

	if !k.lastRecovery.IsZero() && time.Since(k.lastRecovery) < k.recoveryInterval() {
		k.logger.Warn("failed again soon after recovery, waiting for the next attempt",
			zap.Duration("recovery_interval", k.recoveryInterval()))
		return
	}
	k.lastRecovery = time.Now()
	res := k.safeMode.Activate(ctx, reason, k.unhealthyNames())
	k.afterRecovery(res)
}

// retryRecovery runs the next paced attempt. A parked kernel whose safe mode
// was already deactivated activates it again.
func (k *Kernel) retryRecovery(ctx context.Context) {
	k.lastRecovery = time.Now()
	var res safemode.RecoveryResult
	if k.safeMode.IsActive() {
		res = k.safeMode.AttemptRecovery(ctx)
	} else {
		res = k.safeMode.Activate(ctx, k.safeReason, k.unhealthyNames())
	}
	k.afterRecovery(res)
}

func (k *Kernel) afterRecovery(res safemode.RecoveryResult) {
	switch {
	case res.Recovered || !k.safeMode.IsActive():
		k.setState(StateRunning)
		k.logger.Info("kernel left safe mode", zap.Int("attempt", res.Attempt))
	case res.Exhausted:
		logging.Critical(k.logger, "recovery exhausted, kernel remains in safe mode")
	default:
		k.logger.Warn("safe mode recovery failed", zap.String("error", res.Error))
	}
}

func (k *Kernel) recoveryInterval() time.Duration {
	return config.Seconds(k.cfg.SafeMode.RecoveryTimeout, safemode.DefaultRecoveryTimeout)
}

// recoverComponents is safe mode's recovery strategy: restart every failed
// or currently unhealthy component and report those still failing.
func (k *Kernel) recoverComponents(ctx context.Context, failed []string) ([]string, error) {
	seen := map[string]bool{}
	var targets []string
	for _, name := range append(failed, k.unhealthyNames()...) {
		if !seen[name] && k.lookup(name) != nil {
			seen[name] = true
			targets = append(targets, name)
		}
	}

	var remaining []string
	for _, name := range targets {
		if ctx.Err() != nil {
			return append(remaining, name), ctx.Err()
		}
		res := k.repair(ctx, name)
		if !res.Success || !probe(k.lookup(name).IsHealthy) {
			remaining = append(remaining, name)
		}
	}
	return remaining, nil
}

func (k *Kernel) unhealthyNames() []string {
	var out []string
	for _, c := range k.components {
		if !probe(c.target.IsHealthy) {
			out = append(out, c.name)
		}
	}
	return out
}

func (k *Kernel) setState(s State) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == StateStopped {
		return
	}
	k.state = s
}
