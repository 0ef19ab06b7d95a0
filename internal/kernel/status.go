package kernel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/cache"
	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/eventbus"
	"github.com/eliteGoblin/luxkernel/internal/governor"
	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/memory"
	"github.com/eliteGoblin/luxkernel/internal/safemode"
	"github.com/eliteGoblin/luxkernel/internal/update"
	"github.com/eliteGoblin/luxkernel/internal/watchdog"
)

const defaultSnapshotInterval = 5 * time.Second

// Status is the full operator snapshot.
type Status struct {
	KernelID      string                            `json:"kernel_id"`
	State         State                             `json:"state"`
	Running       bool                              `json:"running"`
	SafeMode      bool                              `json:"safe_mode"`
	StartedAt     time.Time                         `json:"started_at,omitempty"`
	UptimeSeconds float64                           `json:"uptime_seconds"`
	SnapshotAt    time.Time                         `json:"snapshot_at"`
	Health        map[string]domain.ComponentHealth `json:"health"`
	Loop          LoopStats                         `json:"main_loop"`
	LastRepairs   []RepairResult                    `json:"last_repairs,omitempty"`
	Components    ComponentStatus                   `json:"components"`
	Error         string                            `json:"error,omitempty"`
}

// ComponentStatus groups the per-component views.
type ComponentStatus struct {
	EventBus      eventbus.Stats  `json:"event_bus"`
	FunctionCache CacheStatus     `json:"function_cache"`
	ContextMemory memory.Status   `json:"context_memory"`
	Governor      governor.Status `json:"resource_governor"`
	Watchdog      watchdog.Status `json:"watchdog"`
	Updates       update.Status   `json:"passive_update"`
	SafeMode      safemode.Status `json:"safe_mode"`
}

// CacheStatus is the function cache view.
type CacheStatus struct {
	Compiler string      `json:"compiler"`
	Stats    cache.Stats `json:"stats"`
}

// GetStatus returns a snapshot of every component. It never panics; a
// failure part way through is reported in Error with whatever was gathered.
func (k *Kernel) GetStatus() (st Status) {
	now := time.Now()
	k.mu.Lock()
	st = Status{
		KernelID:    k.id,
		State:       k.state,
		Running:     k.state == StateRunning || k.state == StateSafeMode,
		SafeMode:    k.state == StateSafeMode,
		StartedAt:   k.startedAt,
		SnapshotAt:  now,
		Loop:        k.loop,
		LastRepairs: append([]RepairResult(nil), k.lastRepairs...),
	}
	if !k.startedAt.IsZero() && k.state != StateStopped {
		st.UptimeSeconds = now.Sub(k.startedAt).Seconds()
	}
	k.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			st.Error = fmt.Sprintf("status incomplete: %v", r)
		}
	}()

	wd := k.watchdog.GetStatus()
	st.Health = wd.Components
	st.Components = ComponentStatus{
		EventBus: k.bus.Stats(),
		FunctionCache: CacheStatus{
			Compiler: k.cache.CompilerName(),
			Stats:    k.cache.Stats(),
		},
		ContextMemory: k.memory.Status(),
		Governor:      k.governor.Status(),
		Watchdog:      wd,
		Updates:       k.updates.Status(),
		SafeMode:      k.safeMode.Status(),
	}
	return st
}

// Status implements statusapi.Provider.
func (k *Kernel) Status() any {
	return k.GetStatus()
}

// RegisterLayer1Callback registers fn to be called once the kernel becomes
// operational. If it already is, fn is called immediately.
func (k *Kernel) RegisterLayer1Callback(fn Layer1Callback) {
	k.mu.Lock()
	if !k.operational {
		k.callbacks = append(k.callbacks, fn)
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()
	k.invokeCallback(fn, k.GetStatus())
}

// notifyOperational fires the layer1 callbacks after the first clean tick.
func (k *Kernel) notifyOperational() {
	k.mu.Lock()
	if k.operational {
		k.mu.Unlock()
		return
	}
	k.operational = true
	callbacks := k.callbacks
	k.callbacks = nil
	k.mu.Unlock()

	k.logger.Info("kernel operational", zap.Int("layer1_callbacks", len(callbacks)))
	if len(callbacks) == 0 {
		return
	}
	status := k.GetStatus()
	for _, fn := range callbacks {
		k.invokeCallback(fn, status)
	}
}

func (k *Kernel) invokeCallback(fn Layer1Callback, status Status) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("layer1 callback panic", zap.Any("panic", r))
		}
	}()
	fn(status)
}

// StatusPath returns where snapshots are written.
func (k *Kernel) StatusPath() string {
	return k.cfg.Path(StatusFileName)
}

func (k *Kernel) snapshotLoop(ctx context.Context) error {
	interval := config.Seconds(k.cfg.Status.SnapshotInterval, defaultSnapshotInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.writeSnapshot()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.writeSnapshot()
		}
	}
}

func (k *Kernel) writeSnapshot() {
	if err := infra.WriteJSONAtomic(k.StatusPath(), k.GetStatus()); err != nil {
		k.logger.Warn("failed to write status snapshot", zap.Error(err))
	}
}

// ReadSnapshot loads a status snapshot written by a running kernel.
func ReadSnapshot(cfg *config.Config) (Status, error) {
	var st Status
	if err := infra.ReadJSON(cfg.Path(StatusFileName), &st); err != nil {
		return Status{}, err
	}
	return st, nil
}
