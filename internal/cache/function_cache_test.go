package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

// countingCompiler records how often Compile runs.
type countingCompiler struct {
	calls int
	err   error
}

func (c *countingCompiler) Name() string { return "counting" }

func (c *countingCompiler) Compile(source []byte) (domain.CodeUnit, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	s := string(source)
	return func(_ context.Context, in string) (string, error) { return s + ":" + in, nil }, nil
}

func newTestFunctionCache(t *testing.T, opts Options, compiler domain.Compiler) (*FunctionCache, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(nil)
	return NewFunctionCache(opts, compiler, nil, m, zap.NewNop()), m
}

func TestFunctionCache_CompileAndCacheReusesUnit(t *testing.T) {
	compiler := &countingCompiler{}
	fc, m := newTestFunctionCache(t, Options{MaxSize: 10}, compiler)

	unit, err := fc.CompileAndCache([]byte("src"))
	require.NoError(t, err)
	out, err := unit(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, "src:in", out)

	_, err = fc.CompileAndCache([]byte("src"))
	require.NoError(t, err)
	assert.Equal(t, 1, compiler.calls)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("function")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("function")))
}

func TestFunctionCache_CompileError(t *testing.T) {
	compiler := &countingCompiler{err: errors.New("syntax")}
	fc, _ := newTestFunctionCache(t, Options{MaxSize: 10}, compiler)

	_, err := fc.CompileAndCache([]byte("bad"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax")
	assert.Equal(t, 0, fc.Stats().Size)
}

func TestFunctionCache_ExecuteWithFuncTable(t *testing.T) {
	fc, _ := newTestFunctionCache(t, Options{MaxSize: 10}, nil)

	out, err := fc.Execute(context.Background(), []byte("upper"), "kernel")
	require.NoError(t, err)
	assert.Equal(t, "KERNEL", out)
	assert.Equal(t, "table", fc.CompilerName())

	_, err = fc.Execute(context.Background(), []byte("missing"), "x")
	assert.Error(t, err)
}

func TestFunctionCache_MarshalRoundTrip(t *testing.T) {
	fc, _ := newTestFunctionCache(t, Options{MaxSize: 10}, nil)

	type payload struct {
		Name  string
		Count int
	}
	_, err := fc.MarshalAndCache("p1", payload{Name: "ctx", Count: 7})
	require.NoError(t, err)

	var out payload
	found, err := fc.UnmarshalFromCache("p1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, payload{Name: "ctx", Count: 7}, out)

	found, err = fc.UnmarshalFromCache("nope", &out)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestFunctionCache_UnmarshalWrongType(t *testing.T) {
	fc, _ := newTestFunctionCache(t, Options{MaxSize: 10}, nil)
	fc.Set("marshal_raw", 42)

	var out int
	found, err := fc.UnmarshalFromCache("raw", &out)
	assert.True(t, found)
	assert.ErrorIs(t, err, ErrNotBytes)
}

func TestFunctionCache_BoundedAndEvictionMetrics(t *testing.T) {
	fc, m := newTestFunctionCache(t, Options{MaxSize: 2}, nil)

	fc.Set("a", 1)
	fc.Set("b", 2)
	fc.Set("c", 3)

	assert.Equal(t, 2, fc.Stats().Size)
	_, ok := fc.Get("a")
	assert.False(t, ok)
	assert.True(t, fc.IsHealthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions.WithLabelValues("function", "capacity")))
}

func TestFunctionCache_CleanupAndClear(t *testing.T) {
	clock := newFakeClock()
	fc, _ := newTestFunctionCache(t, Options{MaxSize: 10, TTL: time.Second, Now: clock.Now}, nil)

	fc.Set("a", 1)
	fc.Set("b", 2)
	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, fc.Cleanup())

	fc.Set("c", 3)
	require.NoError(t, fc.Restart(context.Background()))
	s := fc.Stats()
	assert.Equal(t, 0, s.Size)
	assert.Equal(t, uint64(0), s.Hits)
}

func TestFunctionCache_JanitorSweepsExpired(t *testing.T) {
	fc, _ := newTestFunctionCache(t, Options{
		MaxSize:         10,
		TTL:             time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, nil)
	fc.Set("a", 1)
	fc.Set("b", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fc.Janitor(ctx) }()

	assert.Eventually(t, func() bool {
		return fc.Stats().Size == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestFunctionCache_JanitorDisabled(t *testing.T) {
	fc, _ := newTestFunctionCache(t, Options{MaxSize: 10}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, fc.Janitor(ctx))
}

func TestFuncTable_Names(t *testing.T) {
	assert.Equal(t, []string{"echo", "lower", "trim", "upper"}, DefaultFuncTable().Names())
}

func TestCBORCodec_Deterministic(t *testing.T) {
	c := NewCBORCodec()
	a, err := c.Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := c.Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
