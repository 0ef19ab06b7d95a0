// Package eventbus implements the kernel's in-process publish/subscribe bus.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/metrics"
)

const (
	// DefaultBatchSize is how many events one ProcessEvents call dispatches.
	DefaultBatchSize = 10
	// DefaultMaxDepth is the queue depth at which the bus reports unhealthy.
	DefaultMaxDepth = 1000
	// DefaultIdle is the drain loop's sleep when the queue is empty.
	DefaultIdle = 10 * time.Millisecond
	// RecentCapacity bounds the ring of recently dispatched events.
	RecentCapacity = 100
)

// ErrNotRunning is returned by Stop when the bus is not running.
var ErrNotRunning = errors.New("event bus is not running")

// Options configures a Bus.
type Options struct {
	BatchSize int
	MaxDepth  int
	Idle      time.Duration
	Now       func() time.Time
}

// Stats is the bus's observability snapshot.
type Stats struct {
	Running       bool                     `json:"running"`
	QueueDepth    int                      `json:"queue_depth"`
	Emitted       uint64                   `json:"events_emitted"`
	Processed     uint64                   `json:"events_processed"`
	HandlerErrors uint64                   `json:"handler_errors"`
	Subscribers   map[domain.EventKind]int `json:"subscribers"`
}

type subscription struct {
	id string
	h  domain.EventHandler
}

// Bus queues events and dispatches them to subscribers in enqueue order.
// Emit never blocks; events are drained in batches either by the background
// loop started with Start or by explicit ProcessEvents calls.
type Bus struct {
	opts Options

	mu      sync.Mutex
	queue   []domain.Event
	subs    map[domain.EventKind][]subscription
	recent  []domain.Event
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	stats   Stats

	// drainMu serializes batches so dispatch order matches enqueue order.
	drainMu sync.Mutex

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a stopped bus.
func New(opts Options, m *metrics.Metrics, logger *zap.Logger) *Bus {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		opts:    opts,
		subs:    make(map[domain.EventKind][]subscription),
		metrics: metrics.OrNew(m),
		logger:  logger,
	}
}

// Subscribe registers h for kind. Handlers for a kind run in subscription order.
func (b *Bus) Subscribe(kind domain.EventKind, h domain.EventHandler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{id: id, h: h})
	return id
}

// Unsubscribe removes the subscription with id.
func (b *Bus) Unsubscribe(kind domain.EventKind, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			b.subs[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Emit enqueues an event and returns its id.
func (b *Bus) Emit(kind domain.EventKind, payload map[string]any, source string) string {
	ev := domain.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   maps.Clone(payload),
		Source:    source,
		Timestamp: b.opts.Now(),
	}

	b.mu.Lock()
	b.queue = append(b.queue, ev)
	depth := len(b.queue)
	b.stats.Emitted++
	b.mu.Unlock()

	b.metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()
	b.metrics.QueueDepth.Set(float64(depth))
	return ev.ID
}

// ProcessEvents dispatches up to one batch of queued events and returns how
// many were dispatched.
func (b *Bus) ProcessEvents(ctx context.Context) int {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	n := min(len(b.queue), b.opts.BatchSize)
	batch := make([]domain.Event, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	depth := len(b.queue)
	b.mu.Unlock()

	for i := range batch {
		b.dispatch(ctx, &batch[i])
	}

	if n > 0 {
		b.mu.Lock()
		b.stats.Processed += uint64(n)
		b.recent = append(b.recent, batch...)
		if over := len(b.recent) - RecentCapacity; over > 0 {
			b.recent = append([]domain.Event(nil), b.recent[over:]...)
		}
		b.mu.Unlock()
		b.metrics.EventsProcessed.Add(float64(n))
	}
	b.metrics.QueueDepth.Set(float64(depth))
	return n
}

func (b *Bus) dispatch(ctx context.Context, ev *domain.Event) {
	b.mu.Lock()
	handlers := append([]subscription(nil), b.subs[ev.Kind]...)
	b.mu.Unlock()

	for _, s := range handlers {
		if err := b.invoke(ctx, s.h, *ev); err != nil {
			b.mu.Lock()
			b.stats.HandlerErrors++
			b.mu.Unlock()
			b.metrics.HandlerErrors.Inc()
			b.logger.Error("event handler failed",
				zap.String("event_type", string(ev.Kind)),
				zap.String("event_id", ev.ID),
				zap.String("subscription", s.id),
				zap.Error(err))
		}
	}
	ev.Processed = true
}

// invoke runs a handler on a copy of the event, converting panics to errors.
func (b *Bus) invoke(ctx context.Context, h domain.EventHandler, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	ev.Payload = maps.Clone(ev.Payload)
	return h(ctx, ev)
}

// Start launches the background drain loop. Starting a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(ctx, b.stopCh, b.done)
	b.logger.Info("event bus started")
	return nil
}

// Stop halts the drain loop and waits for the current batch to finish.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.running = false
	stop, done := b.stopCh, b.done
	b.mu.Unlock()

	close(stop)
	<-done
	b.logger.Info("event bus stopped")
	return nil
}

// Restart stops the bus, drops queued events, and starts it again.
func (b *Bus) Restart(ctx context.Context) error {
	if err := b.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	b.mu.Lock()
	dropped := len(b.queue)
	b.queue = nil
	b.mu.Unlock()
	b.metrics.QueueDepth.Set(0)
	if dropped > 0 {
		b.logger.Warn("event bus restart dropped queued events", zap.Int("dropped", dropped))
	}

	t := time.NewTimer(b.opts.Idle)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	return b.Start(ctx)
}

// IsHealthy requires the bus to be running with its queue below the ceiling.
func (b *Bus) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running && len(b.queue) < b.opts.MaxDepth
}

// IsRunning reports whether the drain loop is active.
func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// QueueDepth returns the number of undispatched events.
func (b *Bus) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Recent returns recently dispatched events, oldest first.
func (b *Bus) Recent() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.recent...)
}

// Stats returns counters and per-kind subscriber counts.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Running = b.running
	s.QueueDepth = len(b.queue)
	s.Subscribers = make(map[domain.EventKind]int, len(b.subs))
	for k, v := range b.subs {
		if len(v) > 0 {
			s.Subscribers[k] = len(v)
		}
	}
	return s
}

func (b *Bus) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	idle := time.NewTimer(b.opts.Idle)
	defer idle.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			b.markStopped(stop)
			return
		default:
		}

		if b.ProcessEvents(ctx) > 0 {
			continue
		}

		idle.Reset(b.opts.Idle)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			b.markStopped(stop)
			return
		case <-idle.C:
		}
	}
}

// markStopped clears the running flag when the loop exits on its own.
func (b *Bus) markStopped(stop <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh == stop {
		b.running = false
	}
}

var (
	_ domain.EventBus   = (*Bus)(nil)
	_ domain.Supervised = (*Bus)(nil)
)
