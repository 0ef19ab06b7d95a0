// Package memory implements the kernel's context memory: bounded context
// entries, per-session mappings and a short-lived temporary cache.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/cache"
	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

const (
	contextLabel = "context"
	tempLabel    = "temp"
)

// Options configures ContextMemory.
type Options struct {
	MaxContextSize      int
	CleanupThreshold    int
	CompressionEnabled  bool
	AutoCleanupInterval time.Duration
	TempTTL             time.Duration
	TempMaxSize         int
	Now                 func() time.Time
}

// OptionsFromConfig converts the YAML section.
func OptionsFromConfig(c config.MemoryConfig) Options {
	return Options{
		MaxContextSize:      c.MaxContextSize,
		CleanupThreshold:    c.CleanupThreshold,
		CompressionEnabled:  c.CompressionEnabled,
		AutoCleanupInterval: config.Seconds(c.AutoCleanupInterval, 5*time.Minute),
		TempTTL:             config.Seconds(c.TempTTL, 5*time.Minute),
		TempMaxSize:         c.TempMaxSize,
	}
}

// Stats counts context operations.
type Stats struct {
	ContextsCreated   uint64    `json:"contexts_created"`
	ContextsAccessed  uint64    `json:"contexts_accessed"`
	ContextsRemoved   uint64    `json:"contexts_removed"`
	CleanupOperations uint64    `json:"cleanup_operations"`
	LastCleanup       time.Time `json:"last_cleanup,omitempty"`
}

// Status is the operator view of the store.
type Status struct {
	Initialized        bool  `json:"initialized"`
	Contexts           int   `json:"contexts_count"`
	MaxContexts        int   `json:"max_contexts"`
	CleanupThreshold   int   `json:"cleanup_threshold"`
	Sessions           int   `json:"sessions_count"`
	TempEntries        int   `json:"temp_cache_count"`
	TempMax            int   `json:"temp_max"`
	CompressionEnabled bool  `json:"compression_enabled"`
	Stats              Stats `json:"stats"`
}

// ContextMemory is safe for concurrent use. Every operation, including the
// janitor's sweep, runs under one mutex.
type ContextMemory struct {
	mu       sync.Mutex
	opts     Options
	contexts *cache.LRU[map[string]any]
	temp     *cache.LRU[any]
	sessions map[string]map[string]any
	stats    Stats

	initialized bool
	stopCh      chan struct{}
	done        chan struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an uninitialized store. Call Initialize to start the janitor.
func New(opts Options, m *metrics.Metrics, logger *zap.Logger) *ContextMemory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxContextSize < 1 {
		opts.MaxContextSize = 1
	}
	if opts.TempMaxSize < 1 {
		opts.TempMaxSize = 1
	}
	if opts.AutoCleanupInterval <= 0 {
		opts.AutoCleanupInterval = 5 * time.Minute
	}
	m = metrics.OrNew(m)

	cm := &ContextMemory{
		opts:     opts,
		sessions: make(map[string]map[string]any),
		metrics:  m,
		logger:   logger,
	}
	cm.contexts = cache.NewLRU[map[string]any](cache.Options{
		MaxSize:         opts.MaxContextSize,
		CleanupInterval: opts.AutoCleanupInterval,
		Now:             opts.Now,
		OnEvict:         cm.onEvict(contextLabel),
	})
	cm.temp = cache.NewLRU[any](cache.Options{
		MaxSize:         opts.TempMaxSize,
		TTL:             opts.TempTTL,
		CleanupInterval: opts.AutoCleanupInterval,
		Now:             opts.Now,
		OnEvict:         cm.onEvict(tempLabel),
	})
	return cm
}

// Initialize marks the store ready and starts the background janitor.
// Calling it again is a no-op.
func (cm *ContextMemory) Initialize() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.initialized {
		return
	}
	cm.initialized = true
	cm.stopCh = make(chan struct{})
	cm.done = make(chan struct{})
	go cm.janitor(cm.stopCh, cm.done)
	cm.logger.Debug("context memory initialized",
		zap.Int("max_context_size", cm.opts.MaxContextSize),
		zap.Duration("cleanup_interval", cm.opts.AutoCleanupInterval))
}

// Stop halts the janitor and waits for it to exit.
func (cm *ContextMemory) Stop() {
	cm.mu.Lock()
	if !cm.initialized {
		cm.mu.Unlock()
		return
	}
	cm.initialized = false
	stop, done := cm.stopCh, cm.done
	cm.mu.Unlock()

	close(stop)
	<-done
}

// StoreContext stores data under id. A ttl of zero never expires.
// A full store first drops expired contexts and trims to the cleanup
// threshold; if it is still full the least recently used context is evicted.
func (cm *ContextMemory) StoreContext(id string, data map[string]any, ttl time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, exists := cm.contexts.Entry(id); !exists && cm.contexts.Len() >= cm.opts.MaxContextSize {
		cm.cleanupLocked()
	}
	cm.contexts.SetWithTTL(id, maps.Clone(data), ttl)
	cm.stats.ContextsCreated++
	cm.metrics.CacheSize.WithLabelValues(contextLabel).Set(float64(cm.contexts.Len()))
}

// GetContext returns a copy of the context stored under id.
func (cm *ContextMemory) GetContext(id string) (map[string]any, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	data, ok := cm.contexts.Get(id)
	if !ok {
		cm.metrics.CacheMisses.WithLabelValues(contextLabel).Inc()
		return nil, false
	}
	cm.stats.ContextsAccessed++
	cm.metrics.CacheHits.WithLabelValues(contextLabel).Inc()
	return maps.Clone(data), true
}

// UpdateContext merges updates into an existing context.
// It reports false when id is absent or expired.
func (cm *ContextMemory) UpdateContext(id string, updates map[string]any) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.contexts.Update(id, func(old map[string]any) map[string]any {
		if old == nil {
			old = make(map[string]any, len(updates))
		}
		maps.Copy(old, updates)
		return old
	})
}

// RemoveContext deletes a context.
func (cm *ContextMemory) RemoveContext(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.removeLocked(id)
}

// ListContexts returns context ids from least to most recently used.
func (cm *ContextMemory) ListContexts() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.contexts.Keys()
}

// AccessCount returns how often a context has been read.
func (cm *ContextMemory) AccessCount(id string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e, ok := cm.contexts.Entry(id)
	if !ok {
		return 0
	}
	return e.Accesses
}

// SetSession replaces the mapping held for a session.
func (cm *ContextMemory) SetSession(sessionID string, data map[string]any) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sessions[sessionID] = maps.Clone(data)
}

// SetSessionValue stores one key of a session mapping.
func (cm *ContextMemory) SetSessionValue(sessionID, key string, value any) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s, ok := cm.sessions[sessionID]
	if !ok {
		s = make(map[string]any)
		cm.sessions[sessionID] = s
	}
	s[key] = value
}

// Session returns a copy of a session mapping; unknown sessions are empty.
func (cm *ContextMemory) Session(sessionID string) map[string]any {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s, ok := cm.sessions[sessionID]
	if !ok {
		return map[string]any{}
	}
	return maps.Clone(s)
}

// ClearSession drops a session.
func (cm *ContextMemory) ClearSession(sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.sessions, sessionID)
}

// CacheTemporary stores a short-lived value. A ttl of zero uses the
// configured temp TTL.
func (cm *ContextMemory) CacheTemporary(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = cm.opts.TempTTL
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.temp.SetWithTTL(key, value, ttl)
	cm.metrics.CacheSize.WithLabelValues(tempLabel).Set(float64(cm.temp.Len()))
}

// Temporary returns a live temporary value.
func (cm *ContextMemory) Temporary(key string) (any, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	v, ok := cm.temp.Get(key)
	if ok {
		cm.metrics.CacheHits.WithLabelValues(tempLabel).Inc()
	} else {
		cm.metrics.CacheMisses.WithLabelValues(tempLabel).Inc()
	}
	return v, ok
}

// Cleanup removes expired contexts and temporary values, then trims the
// context store to the cleanup threshold in LRU order. It returns the
// number of entries removed.
func (cm *ContextMemory) Cleanup() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.cleanupLocked()
}

// Reset drops every context, session and temporary value and zeroes stats.
func (cm *ContextMemory) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.contexts.Purge()
	cm.contexts.ResetStats()
	cm.temp.Purge()
	cm.temp.ResetStats()
	cm.sessions = make(map[string]map[string]any)
	cm.stats = Stats{}
	cm.metrics.CacheSize.WithLabelValues(contextLabel).Set(0)
	cm.metrics.CacheSize.WithLabelValues(tempLabel).Set(0)
	cm.logger.Info("context memory reset")
}

// IsHealthy requires an initialized store within both capacity ceilings.
// A full store is healthy: eviction keeps it at its ceiling.
func (cm *ContextMemory) IsHealthy() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.initialized &&
		cm.contexts.Len() <= cm.opts.MaxContextSize &&
		cm.temp.Len() <= cm.opts.TempMaxSize
}

// Restart makes sure the janitor is running and the store is back within
// its ceilings. Stored contexts survive.
func (cm *ContextMemory) Restart(ctx context.Context) error {
	cm.Initialize()
	cm.mu.Lock()
	cm.contexts.TrimTo(cm.opts.MaxContextSize)
	cm.temp.TrimTo(cm.opts.TempMaxSize)
	cm.mu.Unlock()
	return nil
}

// Status returns counts and ceilings.
func (cm *ContextMemory) Status() Status {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return Status{
		Initialized:        cm.initialized,
		Contexts:           cm.contexts.Len(),
		MaxContexts:        cm.opts.MaxContextSize,
		CleanupThreshold:   cm.opts.CleanupThreshold,
		Sessions:           len(cm.sessions),
		TempEntries:        cm.temp.Len(),
		TempMax:            cm.opts.TempMaxSize,
		CompressionEnabled: cm.opts.CompressionEnabled,
		Stats:              cm.stats,
	}
}

// HitRate returns the context store hit rate.
func (cm *ContextMemory) HitRate() float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.contexts.Stats().HitRate
}

func (cm *ContextMemory) janitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(cm.opts.AutoCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cm.mu.Lock()
			if n := cm.sweepLocked(); n > 0 {
				cm.logger.Debug("context cleanup", zap.Int("removed", n))
			}
			cm.mu.Unlock()
		}
	}
}

// sweepLocked is the janitor pass: expired entries always go, the LRU trim
// only runs above the cleanup threshold.
func (cm *ContextMemory) sweepLocked() int {
	if cm.opts.CleanupThreshold > 0 && cm.contexts.Len() > cm.opts.CleanupThreshold {
		return cm.cleanupLocked()
	}
	removed := cm.contexts.RemoveExpired() + cm.temp.RemoveExpired()
	if removed > 0 {
		cm.metrics.CacheSize.WithLabelValues(contextLabel).Set(float64(cm.contexts.Len()))
		cm.metrics.CacheSize.WithLabelValues(tempLabel).Set(float64(cm.temp.Len()))
	}
	return removed
}

func (cm *ContextMemory) cleanupLocked() int {
	removed := cm.contexts.RemoveExpired()
	if cm.opts.CleanupThreshold > 0 {
		removed += cm.contexts.TrimTo(cm.opts.CleanupThreshold)
	}
	removed += cm.temp.RemoveExpired()

	cm.stats.CleanupOperations++
	cm.stats.LastCleanup = cm.opts.Now()
	cm.metrics.CacheSize.WithLabelValues(contextLabel).Set(float64(cm.contexts.Len()))
	cm.metrics.CacheSize.WithLabelValues(tempLabel).Set(float64(cm.temp.Len()))
	return removed
}

func (cm *ContextMemory) removeLocked(id string) bool {
	if !cm.contexts.Delete(id) {
		return false
	}
	cm.stats.ContextsRemoved++
	cm.metrics.CacheSize.WithLabelValues(contextLabel).Set(float64(cm.contexts.Len()))
	return true
}

// onEvict runs inside LRU calls, which are always made with cm.mu held.
func (cm *ContextMemory) onEvict(label string) func(string, cache.EvictReason) {
	return func(_ string, reason cache.EvictReason) {
		if label == contextLabel {
			cm.stats.ContextsRemoved++
		}
		cm.metrics.CacheEvictions.WithLabelValues(label, string(reason)).Inc()
	}
}

var _ domain.Supervised = (*ContextMemory)(nil)
