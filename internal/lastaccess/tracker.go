// Package lastaccess buffers access times in memory and periodically
// writes them to durable storage in one batch.
package lastaccess

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink persists a batch of access times.
type Sink[K comparable] interface {
	UpdateLastAccess(ctx context.Context, batch map[K]time.Time) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc[K comparable] func(ctx context.Context, batch map[K]time.Time) error

func (f SinkFunc[K]) UpdateLastAccess(ctx context.Context, batch map[K]time.Time) error {
	return f(ctx, batch)
}

// Tracker records accesses concurrently and hands them to a Sink on Flush.
//
// TrackUsed only takes the shared side of mu, so recording never waits on
// other recorders. Flush takes the exclusive side just long enough to swap
// the pending map for an empty one, then writes the snapshot without any
// lock held.
type Tracker[K comparable] struct {
	sink     Sink[K]
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	pending *sync.Map

	// flushMu keeps flushes from interleaving their merge-back.
	flushMu sync.Mutex
}

type Option func(*options)

type options struct {
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// WithInterval sets how often Run flushes.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithShutdownTimeout bounds the final flush performed when Run stops.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func New[K comparable](sink Sink[K], opts ...Option) *Tracker[K] {
	o := options{
		interval: 10 * time.Second,
		timeout:  30 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Tracker[K]{
		sink:     sink,
		interval: o.interval,
		timeout:  o.timeout,
		now:      o.now,
		logger:   o.logger,
		pending:  &sync.Map{},
	}
}

// TrackUsed records that key was accessed now.
func (t *Tracker[K]) TrackUsed(key K) {
	at := t.now().UTC()

	t.mu.RLock()
	defer t.mu.RUnlock()

	storeLatest(t.pending, key, at)
}

// storeLatest records at for key unless a later time is already there.
func storeLatest(m *sync.Map, key any, at time.Time) {
	for {
		prev, loaded := m.LoadOrStore(key, at)
		if !loaded || !at.After(prev.(time.Time)) {
			return
		}
		if m.CompareAndSwap(key, prev, at) {
			return
		}
	}
}

// Pending reports how many keys are waiting for the next flush.
func (t *Tracker[K]) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	t.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (t *Tracker[K]) swap() *sync.Map {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.pending
	t.pending = &sync.Map{}
	return snapshot
}

// Flush writes every access recorded before it began. If the sink fails
// the snapshot is put back so the next flush retries it.
func (t *Tracker[K]) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	snapshot := t.swap()

	batch := make(map[K]time.Time)
	snapshot.Range(func(k, v any) bool {
		batch[k.(K)] = v.(time.Time)
		return true
	})
	if len(batch) == 0 {
		return nil
	}

	if err := t.sink.UpdateLastAccess(ctx, batch); err != nil {
		t.restore(batch)
		return fmt.Errorf("flush %d access records: %w", len(batch), err)
	}

	t.logger.Debug("Flushed access records", "count", len(batch))
	return nil
}

// restore merges a failed batch back, keeping the newer time per key.
func (t *Tracker[K]) restore(batch map[K]time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for key, at := range batch {
		storeLatest(t.pending, key, at)
	}
}

// Run flushes on every interval until ctx is done, then performs a final
// flush bounded by the shutdown timeout.
func (t *Tracker[K]) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
			defer cancel()

			if err := t.Flush(flushCtx); err != nil {
				t.logger.Error("Final access flush failed", "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn("Access flush failed", "error", err)
			}
		}
	}
}
