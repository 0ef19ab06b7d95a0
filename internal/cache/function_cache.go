package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

const (
	codePrefix    = "code_"
	marshalPrefix = "marshal_"
	metricLabel   = "function"

	DefaultTTL             = time.Hour
	DefaultCleanupInterval = 5 * time.Minute
)

// OptionsFromConfig converts the YAML section.
func OptionsFromConfig(c config.CacheConfig) Options {
	return Options{
		MaxSize:         c.MaxSize,
		TTL:             config.Seconds(c.TTLSeconds, DefaultTTL),
		CleanupInterval: config.Seconds(c.CleanupInterval, DefaultCleanupInterval),
	}
}

// ErrNotBytes is returned when a marshal key holds something other than a payload.
var ErrNotBytes = errors.New("cached value is not a serialized payload")

// FunctionCache keeps compiled code units and serialized payloads so they
// are not rebuilt on every use. Both kinds share one bounded store.
type FunctionCache struct {
	mu       sync.Mutex
	entries  *LRU[any]
	interval time.Duration
	compiler domain.Compiler
	codec    domain.Codec
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewFunctionCache creates a cache. compiler and codec may be nil, in which
// case the function table and CBOR codec are used.
func NewFunctionCache(opts Options, compiler domain.Compiler, codec domain.Codec, m *metrics.Metrics, logger *zap.Logger) *FunctionCache {
	if compiler == nil {
		compiler = DefaultFuncTable()
	}
	if codec == nil {
		codec = NewCBORCodec()
	}
	m = metrics.OrNew(m)

	fc := &FunctionCache{
		interval: opts.CleanupInterval,
		compiler: compiler,
		codec:    codec,
		metrics:  m,
		logger:   logger,
	}
	userEvict := opts.OnEvict
	opts.OnEvict = func(key string, reason EvictReason) {
		m.CacheEvictions.WithLabelValues(metricLabel, string(reason)).Inc()
		if userEvict != nil {
			userEvict(key, reason)
		}
	}
	fc.entries = NewLRU[any](opts)
	return fc
}

// Get returns the cached value for key.
func (fc *FunctionCache) Get(key string) (any, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.getLocked(key)
}

// Set caches value under key with the default TTL.
func (fc *FunctionCache) Set(key string, value any) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.entries.Set(key, value)
	fc.metrics.CacheSize.WithLabelValues(metricLabel).Set(float64(fc.entries.Len()))
}

// CompileAndCache returns the code unit for source, compiling it on a miss.
// Units are keyed by the sha256 of their source.
func (fc *FunctionCache) CompileAndCache(source []byte) (domain.CodeUnit, error) {
	sum := sha256.Sum256(source)
	key := codePrefix + hex.EncodeToString(sum[:])

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if v, ok := fc.getLocked(key); ok {
		if unit, ok := v.(domain.CodeUnit); ok {
			return unit, nil
		}
	}

	unit, err := fc.compiler.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%s compile failed: %w", fc.compiler.Name(), err)
	}
	fc.entries.Set(key, unit)
	fc.metrics.CacheSize.WithLabelValues(metricLabel).Set(float64(fc.entries.Len()))
	fc.logger.Debug("code unit cached",
		zap.String("key", key[:len(codePrefix)+12]),
		zap.String("compiler", fc.compiler.Name()))
	return unit, nil
}

// Execute compiles (or reuses) source and runs it with input.
func (fc *FunctionCache) Execute(ctx context.Context, source []byte, input string) (string, error) {
	unit, err := fc.CompileAndCache(source)
	if err != nil {
		return "", err
	}
	return unit(ctx, input)
}

// MarshalAndCache serializes v and caches the payload under key.
func (fc *FunctionCache) MarshalAndCache(key string, v any) ([]byte, error) {
	data, err := fc.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q: %w", key, err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.entries.Set(marshalPrefix+key, data)
	fc.metrics.CacheSize.WithLabelValues(metricLabel).Set(float64(fc.entries.Len()))
	return data, nil
}

// UnmarshalFromCache decodes the payload cached under key into out.
// It reports false on a miss.
func (fc *FunctionCache) UnmarshalFromCache(key string, out any) (bool, error) {
	fc.mu.Lock()
	v, ok := fc.getLocked(marshalPrefix + key)
	fc.mu.Unlock()
	if !ok {
		return false, nil
	}

	data, ok := v.([]byte)
	if !ok {
		return true, ErrNotBytes
	}
	if err := fc.codec.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Cleanup sweeps expired entries.
func (fc *FunctionCache) Cleanup() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := fc.entries.RemoveExpired()
	fc.metrics.CacheSize.WithLabelValues(metricLabel).Set(float64(fc.entries.Len()))
	return n
}

// Janitor sweeps expired entries every cleanup interval until ctx is done.
// A zero interval disables the sweep.
func (fc *FunctionCache) Janitor(ctx context.Context) error {
	if fc.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(fc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := fc.Cleanup(); n > 0 {
				fc.logger.Debug("function cache cleanup", zap.Int("removed", n))
			}
		}
	}
}

// Clear drops every entry and zeroes the counters.
func (fc *FunctionCache) Clear() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.entries.Purge()
	fc.entries.ResetStats()
	fc.metrics.CacheSize.WithLabelValues(metricLabel).Set(0)
}

// Stats returns the cache counters.
func (fc *FunctionCache) Stats() Stats {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.entries.Stats()
}

// CompilerName reports the active compile strategy.
func (fc *FunctionCache) CompilerName() string {
	return fc.compiler.Name()
}

// IsHealthy reports whether the store is within its bound.
func (fc *FunctionCache) IsHealthy() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.entries.Len() <= fc.entries.MaxSize()
}

// Restart clears the cache.
func (fc *FunctionCache) Restart(ctx context.Context) error {
	fc.Clear()
	fc.logger.Info("function cache cleared")
	return nil
}

func (fc *FunctionCache) getLocked(key string) (any, bool) {
	v, ok := fc.entries.Get(key)
	if ok {
		fc.metrics.CacheHits.WithLabelValues(metricLabel).Inc()
	} else {
		fc.metrics.CacheMisses.WithLabelValues(metricLabel).Inc()
	}
	return v, ok
}

var _ domain.Supervised = (*FunctionCache)(nil)
