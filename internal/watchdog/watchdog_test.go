package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/eventbus"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockTarget counts restarts.
type mockTarget struct {
	mu       sync.Mutex
	restarts int
	err      error
}

func (t *mockTarget) IsHealthy() bool { return true }

func (t *mockTarget) Restart(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	return t.err
}

func (t *mockTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

type mockBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *mockBus) Emit(kind domain.EventKind, payload map[string]any, source string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, domain.Event{Kind: kind, Payload: payload, Source: source})
	return "id"
}

func (b *mockBus) Subscribe(domain.EventKind, domain.EventHandler) string { return "sub" }
func (b *mockBus) Unsubscribe(domain.EventKind, string) bool            { return true }

func (b *mockBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWatchdog(t *testing.T, mode string) (*Watchdog, *mockBus, *fakeClock) {
	t.Helper()
	bus := &mockBus{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	w, err := New(Options{
		Mode:             mode,
		CheckInterval:    time.Hour,
		ComponentTimeout: 30 * time.Second,
		RestartThreshold: 3,
		Now:              clock.Now,
	}, bus, metrics.New(nil), zap.NewNop())
	require.NoError(t, err)
	return w, bus, clock
}

func TestNew_RejectsUnknownMode(t *testing.T) {
	_, err := New(Options{Mode: "aggressive"}, nil, nil, zap.NewNop())
	assert.ErrorIs(t, err, config.ErrInvalidMode)
}

func TestNew_StrictHalvesIntervals(t *testing.T) {
	w, err := New(Options{
		Mode:             config.ModeStrict,
		CheckInterval:    10 * time.Second,
		ComponentTimeout: 30 * time.Second,
		RestartThreshold: 3,
	}, nil, nil, zap.NewNop())
	require.NoError(t, err)

	st := w.GetStatus()
	assert.Equal(t, 5*time.Second, st.CheckInterval)
	assert.Equal(t, 15*time.Second, st.ComponentTimeout)
	assert.Equal(t, 3, st.RestartThreshold)
}

func TestCheckComponent_EmitsOnlyOnTransition(t *testing.T) {
	w, bus, _ := newTestWatchdog(t, config.ModePassive)
	w.RegisterComponent("event_bus", nil)

	w.CheckComponent("event_bus", false, "queue stuck")
	w.CheckComponent("event_bus", false, "queue stuck")
	w.CheckComponent("event_bus", false, "queue stuck")

	require.Equal(t, 1, bus.count())
	ev := bus.events[0]
	assert.Equal(t, domain.EventComponentError, ev.Kind)
	assert.Equal(t, Source, ev.Source)
	assert.Equal(t, "event_bus", ev.Payload["component"])
	assert.Equal(t, "queue stuck", ev.Payload["error"])

	h, ok := w.Health("event_bus")
	require.True(t, ok)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, 3, h.FailureCount)
	assert.Equal(t, uint64(1), w.GetStatus().Stats.FailuresDetected)

	w.CheckComponent("event_bus", true, "")
	w.CheckComponent("event_bus", false, "again")
	assert.Equal(t, 2, bus.count(), "recovery rearms the edge")
}

func TestCheckComponent_RecoveryResetsStreak(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w, err := New(Options{RestartThreshold: 3}, nil, nil, zap.New(core))
	require.NoError(t, err)

	w.CheckComponent("cache", false, "boom")
	w.CheckComponent("cache", true, "")

	h, _ := w.Health("cache")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
	assert.Equal(t, 1, h.FailureCount, "total failures are never decremented")
	assert.Equal(t, 1, logs.FilterMessage("component recovered").Len())
}

func TestCheckComponent_UnknownNameIsRegistered(t *testing.T) {
	w, _, _ := newTestWatchdog(t, config.ModePassive)
	w.CheckComponent("late", true, "")
	assert.Equal(t, []string{"late"}, w.Components())
}

func TestCheckAll_PassiveNeverRestarts(t *testing.T) {
	w, _, _ := newTestWatchdog(t, config.ModePassive)
	target := &mockTarget{}
	w.RegisterComponent("memory", target)

	for i := 0; i < 10; i++ {
		w.CheckComponent("memory", false, "full")
		w.CheckAll(context.Background())
	}
	assert.Zero(t, target.count())
}

func TestCheckAll_ActiveRestartsAtThreshold(t *testing.T) {
	m := metrics.New(nil)
	w, err := New(Options{Mode: config.ModeActive, RestartThreshold: 3}, nil, m, zap.NewNop())
	require.NoError(t, err)
	target := &mockTarget{}
	w.RegisterComponent("memory", target)

	w.CheckComponent("memory", false, "full")
	w.CheckComponent("memory", false, "full")
	assert.Empty(t, w.CheckAll(context.Background()))
	assert.Zero(t, target.count())

	w.CheckComponent("memory", false, "full")
	assert.Equal(t, []string{"memory"}, w.CheckAll(context.Background()))
	assert.Equal(t, 1, target.count())

	h, _ := w.Health("memory")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, 1, h.RestartCount)
	assert.Equal(t, uint64(1), w.GetStatus().Stats.RestartsPerformed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComponentRestarts.WithLabelValues("memory", "ok")))
}

func TestCheckAll_FailedRestartLeavesComponentUnhealthy(t *testing.T) {
	w, _, _ := newTestWatchdog(t, config.ModeActive)
	target := &mockTarget{err: errors.New("cannot restart")}
	w.RegisterComponent("cache", target)
	for i := 0; i < 3; i++ {
		w.CheckComponent("cache", false, "bad")
	}

	assert.Empty(t, w.CheckAll(context.Background()))
	h, _ := w.Health("cache")
	assert.False(t, h.Healthy)
	assert.Equal(t, uint64(1), w.GetStatus().Stats.RestartsFailed)
}

func TestCheckAll_TimesOutSilentComponents(t *testing.T) {
	w, bus, clock := newTestWatchdog(t, config.ModePassive)
	w.RegisterComponent("governor", nil)

	clock.Advance(20 * time.Second)
	w.CheckAll(context.Background())
	h, _ := w.Health("governor")
	assert.True(t, h.Healthy)

	clock.Advance(11 * time.Second)
	w.CheckAll(context.Background())
	h, _ = w.Health("governor")
	assert.False(t, h.Healthy)
	assert.Equal(t, timeoutReason, h.LastError)
	require.Equal(t, 1, bus.count())
	assert.Equal(t, timeoutReason, bus.events[0].Payload["error"])
	assert.Equal(t, uint64(2), w.GetStatus().Stats.ChecksPerformed)
}

func TestHandleComponentError_IgnoresOwnEvents(t *testing.T) {
	w, _, _ := newTestWatchdog(t, config.ModePassive)
	w.RegisterComponent("cache", nil)

	own := domain.Event{Kind: domain.EventComponentError, Source: Source,
		Payload: map[string]any{"component": "cache", "error": "x"}}
	require.NoError(t, w.handleComponentError(context.Background(), own))
	h, _ := w.Health("cache")
	assert.True(t, h.Healthy)

	other := own
	other.Source = "kernel"
	require.NoError(t, w.handleComponentError(context.Background(), other))
	h, _ = w.Health("cache")
	assert.False(t, h.Healthy)
	assert.Equal(t, 1, h.ConsecutiveFailures)
}

func TestWatchdog_WithEventBus(t *testing.T) {
	bus := eventbus.New(eventbus.Options{}, nil, zap.NewNop())
	w, err := New(Options{Mode: config.ModePassive, CheckInterval: time.Hour}, bus, nil, zap.NewNop())
	require.NoError(t, err)
	w.RegisterComponent("context_memory", nil)

	require.NoError(t, w.Start(context.Background()))
	bus.Emit(domain.EventComponentError, map[string]any{"component": "context_memory", "error": "full"}, "context_memory")
	bus.ProcessEvents(context.Background())

	h, _ := w.Health("context_memory")
	assert.False(t, h.Healthy)
	assert.Equal(t, 1, bus.QueueDepth(), "watchdog re-announces the transition")

	bus.ProcessEvents(context.Background())
	h, _ = w.Health("context_memory")
	assert.Equal(t, 1, h.ConsecutiveFailures, "own event is not double counted")

	require.NoError(t, w.Stop())
	assert.Zero(t, bus.Stats().Subscribers[domain.EventComponentError])
}

func TestIsHealthy(t *testing.T) {
	w, _, clock := newTestWatchdog(t, config.ModePassive)
	w.RegisterComponent("a", nil)
	assert.False(t, w.IsHealthy(), "stopped watchdog is unhealthy")

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()
	assert.True(t, w.IsHealthy())

	for i := 0; i < 5; i++ {
		w.CheckComponent("a", false, "x")
	}
	assert.True(t, w.IsHealthy(), "a failing component does not make the watchdog unhealthy")

	clock.Advance(2 * time.Hour)
	assert.True(t, w.IsHealthy(), "within the liveness window")

	clock.Advance(2 * time.Hour)
	assert.False(t, w.IsHealthy(), "no supervision pass for four intervals")

	w.CheckAll(context.Background())
	assert.True(t, w.IsHealthy())
}

func TestCheckAll_NeverRestartsItself(t *testing.T) {
	w, err := New(Options{
		Mode:             config.ModeActive,
		CheckInterval:    5 * time.Millisecond,
		RestartThreshold: 1,
	}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	w.RegisterComponent("watchdog", w)
	other := &mockTarget{}
	w.RegisterComponent("bus", other)

	require.NoError(t, w.Start(context.Background()))
	w.CheckComponent("watchdog", false, "stuck")
	w.CheckComponent("bus", false, "stuck")

	assert.Eventually(t, func() bool {
		return w.GetStatus().Stats.ChecksPerformed >= 5
	}, time.Second, 5*time.Millisecond, "loop keeps running")
	assert.GreaterOrEqual(t, other.count(), 1)
	assert.True(t, w.GetStatus().Running)

	h, _ := w.Health("watchdog")
	assert.False(t, h.Healthy)
	assert.Zero(t, h.RestartCount)

	done := make(chan struct{})
	go func() {
		_ = w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRestartComponent(t *testing.T) {
	w, _, _ := newTestWatchdog(t, config.ModePassive)
	target := &mockTarget{}
	w.RegisterComponent("bus", target)

	require.NoError(t, w.RestartComponent(context.Background(), "bus"))
	assert.Equal(t, 1, target.count())
	assert.ErrorIs(t, w.RestartComponent(context.Background(), "nope"), ErrUnknownComponent)
}

func TestRestartComponent_PauseHonoursContext(t *testing.T) {
	w, err := New(Options{RestartPause: time.Hour}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	target := &mockTarget{}
	w.RegisterComponent("bus", target)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.RestartComponent(ctx, "bus"), context.Canceled)
	assert.Zero(t, target.count())
}

func TestReset(t *testing.T) {
	w, _, _ := newTestWatchdog(t, config.ModeActive)
	w.RegisterComponent("a", nil)
	w.CheckComponent("a", false, "x")
	w.CheckAll(context.Background())

	w.Reset()

	h, _ := w.Health("a")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.FailureCount)
	assert.Equal(t, Stats{}, w.GetStatus().Stats)
}

func TestBackgroundLoop(t *testing.T) {
	w, err := New(Options{CheckInterval: 5 * time.Millisecond}, nil, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return w.GetStatus().Stats.ChecksPerformed >= 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Restart(context.Background()))
	require.NoError(t, w.Stop())
	assert.False(t, w.GetStatus().Running)
}
