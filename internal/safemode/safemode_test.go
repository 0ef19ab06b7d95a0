package safemode

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

type fakeInspector struct {
	diskErr error
}

func (fakeInspector) Host(context.Context) (domain.HostInfo, error) {
	return domain.HostInfo{OS: "linux", Arch: "amd64", GoVersion: "go1.23"}, nil
}

func (fakeInspector) Memory(context.Context) (domain.MemoryInfo, error) {
	return domain.MemoryInfo{TotalGB: 16, AvailableGB: 8, Percent: 50}, nil
}

func (f fakeInspector) Disk(context.Context, string) (domain.DiskInfo, error) {
	if f.diskErr != nil {
		return domain.DiskInfo{}, f.diskErr
	}
	return domain.DiskInfo{TotalGB: 100, FreeGB: 40, UsedPercent: 60}, nil
}

func (fakeInspector) Process(context.Context) (domain.ProcessInfo, error) {
	return domain.ProcessInfo{PID: 42, ThreadCount: 7}, nil
}

type fakeHistory []domain.Event

func (h fakeHistory) Recent() []domain.Event { return h }

type recordingBus struct {
	mu    sync.Mutex
	kinds []domain.EventKind
	panic bool
}

func (b *recordingBus) Emit(kind domain.EventKind, _ map[string]any, _ string) string {
	if b.panic {
		panic("bus exploded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds = append(b.kinds, kind)
	return "id"
}
func (b *recordingBus) Subscribe(domain.EventKind, domain.EventHandler) string { return "sub" }
func (b *recordingBus) Unsubscribe(domain.EventKind, string) bool            { return true }

func newSafeMode(t *testing.T, bus domain.EventBus, m *metrics.Metrics) (*SafeMode, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "safe_mode")
	s := New(Options{
		Dir:                 dir,
		MaxRecoveryAttempts: 3,
		RecoveryTimeout:     time.Second,
		Exit:                func(int) { t.Fatal("unexpected exit") },
	}, fakeInspector{}, nil, bus, m, zap.NewNop())
	return s, dir
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSafeMode_RecoveryIsBounded(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	bus := &recordingBus{}
	s, _ := newSafeMode(t, bus, m)

	var calls int
	s.SetRecoverFunc(func(context.Context, []string) ([]string, error) {
		calls++
		return nil, nil
	})

	for i := 1; i <= 3; i++ {
		res := s.Activate(context.Background(), "main loop panic", []string{"cache"})
		assert.True(t, res.Recovered, "activation %d", i)
		assert.Equal(t, i, res.Attempt)
		assert.False(t, s.IsActive())
	}

	res := s.Activate(context.Background(), "main loop panic", nil)
	assert.False(t, res.Recovered)
	assert.True(t, res.Exhausted)
	assert.True(t, errors.Is(res.Err, ErrRecoveryExhausted))
	assert.True(t, s.IsActive(), "stays in safe mode once exhausted")
	assert.Equal(t, 3, calls, "recovery is not attempted past the cap")
	assert.Equal(t, 4, s.State().RecoveryAttempts)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.SafeModeActivations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SafeModeActive))

	enters := 0
	for _, k := range bus.kinds {
		if k == domain.EventSafeModeEnter {
			enters++
		}
	}
	assert.Equal(t, 4, enters)
}

func TestSafeMode_FailedRecoveryStaysActive(t *testing.T) {
	s, dir := newSafeMode(t, nil, nil)
	s.SetRecoverFunc(func(_ context.Context, failed []string) ([]string, error) {
		return []string{"watchdog"}, nil
	})

	res := s.Activate(context.Background(), "boom", []string{"watchdog", "cache"})
	assert.False(t, res.Recovered)
	assert.Equal(t, []string{"watchdog"}, res.FailedComponents)
	assert.Contains(t, res.Error, "watchdog")

	st := s.State()
	assert.True(t, st.Active)
	assert.Equal(t, "boom", st.ActivationReason)
	assert.Equal(t, []string{"watchdog"}, st.FailedComponents)

	var rec activationRecord
	require.NoError(t, infra.ReadJSON(filepath.Join(dir, DiagnosticsFile), &rec))
	assert.True(t, rec.SafeModeActive)
	assert.Equal(t, "boom", rec.ActivationReason)
	require.NotNil(t, rec.Diagnosis)
	assert.Equal(t, 42, rec.Diagnosis.Process.PID)
}

func TestSafeMode_RecoveryErrorsAndPanics(t *testing.T) {
	s, _ := newSafeMode(t, nil, nil)

	s.SetRecoverFunc(func(context.Context, []string) ([]string, error) {
		return nil, errors.New("restart refused")
	})
	res := s.Activate(context.Background(), "x", nil)
	assert.False(t, res.Recovered)
	assert.Contains(t, res.Error, "restart refused")

	s.SetRecoverFunc(func(context.Context, []string) ([]string, error) {
		panic("recover func bug")
	})
	res = s.AttemptRecovery(context.Background())
	assert.False(t, res.Recovered)
	assert.Contains(t, res.Error, "recovery panic")
	assert.True(t, s.IsActive())
}

func TestSafeMode_DeactivationRecord(t *testing.T) {
	bus := &recordingBus{}
	s, dir := newSafeMode(t, bus, nil)

	res := s.Activate(context.Background(), "transient", nil)
	require.True(t, res.Recovered)

	var rec deactivationRecord
	require.NoError(t, infra.ReadJSON(filepath.Join(dir, DiagnosticsFile), &rec))
	assert.False(t, rec.SafeModeActive)
	assert.Equal(t, 1, rec.RecoveryAttempts)
	assert.GreaterOrEqual(t, rec.ActivationDuration, 0.0)

	assert.Contains(t, bus.kinds, domain.EventSafeModeExit)

	st := s.State()
	assert.False(t, st.Active)
	assert.Empty(t, st.ActivationReason)
	assert.Equal(t, 1, st.RecoveryAttempts)

	// deactivating twice is a no-op
	s.Deactivate()
	assert.False(t, s.IsActive())
}

func TestSafeMode_DetectsPreviousSession(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "safe_mode")
	require.NoError(t, infra.WriteJSONAtomic(filepath.Join(dir, DiagnosticsFile), map[string]any{
		"safe_mode_active": true,
	}))

	s := New(Options{Dir: dir}, nil, nil, nil, nil, zap.NewNop())
	assert.True(t, s.PreviousSession())
	assert.True(t, s.Status().PreviousSession)

	clean := New(Options{Dir: filepath.Join(t.TempDir(), "sm")}, nil, nil, nil, nil, zap.NewNop())
	assert.False(t, clean.PreviousSession())
}

func TestSafeMode_EmergencyFallback(t *testing.T) {
	s, dir := newSafeMode(t, &recordingBus{panic: true}, nil)

	assert.NotPanics(t, func() {
		res := s.Activate(context.Background(), "fatal", nil)
		assert.True(t, res.Emergency)
		assert.Error(t, res.Err)
	})

	var rec emergencyRecord
	require.NoError(t, infra.ReadJSON(filepath.Join(dir, EmergencyFile), &rec))
	assert.True(t, rec.EmergencyFallback)
	assert.Equal(t, "bus exploded", rec.Cause)
	assert.True(t, s.Status().Emergency)
}

func TestSafeMode_EmergencyShutdown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "safe_mode")
	var code int
	s := New(Options{Dir: dir, Exit: func(c int) { code = c }}, nil, nil, nil, nil, zap.NewNop())

	s.EmergencyShutdown("")
	assert.Equal(t, 1, code)

	var rec emergencyRecord
	require.NoError(t, infra.ReadJSON(filepath.Join(dir, EmergencyShutdownFile), &rec))
	assert.True(t, rec.EmergencyShutdown)
	assert.Equal(t, "manual emergency shutdown", rec.Reason)
}

func TestSafeMode_Diagnose(t *testing.T) {
	history := fakeHistory{
		{Kind: domain.EventComponentError, Payload: map[string]any{"component": "cache", "error": "timeout"}},
		{Kind: domain.EventComponentError, Payload: map[string]any{"component": "cache", "error": "still down"}},
		{Kind: domain.EventResourceWarning, Payload: map[string]any{"resource": "cpu"}},
		{Kind: domain.EventHealthCheck},
	}
	s := New(Options{Dir: t.TempDir()}, fakeInspector{diskErr: errors.New("no disk")}, history, nil, nil, zap.NewNop())

	diag := s.Diagnose(context.Background())
	require.NotNil(t, diag.System)
	assert.Equal(t, "linux", diag.System.OS)
	require.NotNil(t, diag.Memory)
	assert.Nil(t, diag.Disk)
	assert.Equal(t, "no disk", diag.Errors["disk_usage"])

	a := diag.ErrorAnalysis
	assert.Equal(t, 4, a.RecentEvents)
	assert.Equal(t, 2, a.ComponentErrors["cache"])
	assert.Equal(t, 1, a.ResourceWarnings["cpu"])
	assert.Equal(t, "still down", a.LastError)
	assert.Contains(t, a.Recommendation, "cache")
	assert.Same(t, s.Status().LastDiagnosis, s.lastDiagnosis)
}

func TestSafeMode_DiagnoseWithoutInspector(t *testing.T) {
	s := New(Options{Dir: t.TempDir()}, nil, nil, nil, nil, zap.NewNop())
	diag := s.Diagnose(context.Background())
	assert.Contains(t, diag.Errors, "system")
	assert.Equal(t, "manual investigation required", diag.ErrorAnalysis.Recommendation)
}

func TestMergeComponents(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeComponents([]string{"c", "a"}, []string{"b", "a", ""}))
	assert.Equal(t, []string{}, mergeComponents(nil, nil))
}
