package progress

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls the Broadcaster and the reporters it creates.
//   - BufferSize: capacity of each reporter's queue (default 256).
//   - NewID: generates observer connection ids (default random UUIDs).
//   - Logger: optional structured logger used for warnings.
//   - OnSubscribers: optional hook receiving the subscriber count after
//     every registry change.
//   - OnSkip: optional hook invoked whenever an observer rejects an update.
//   - OnDrop: optional hook invoked whenever a reporter queue overflows.
type Config struct {
	BufferSize    int
	NewID         func() (string, error)
	Logger        *zap.Logger
	OnSubscribers func(count int)
	OnSkip        func()
	OnDrop        func(kind Kind)
}

const (
	defaultBufferSize = 256
	dropLogInterval   = 5 * time.Second
)

// Broadcaster delivers updates to every registered observer. Subscribe and
// Unsubscribe are the only registry mutations; Publish sends to a snapshot
// of the registry without holding the lock, and never blocks.
type Broadcaster struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]Sink

	skipped     atomic.Int64
	skipLimiter rateLimiter
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.NewID == nil {
		cfg.NewID = func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", fmt.Errorf("generate connection id: %w", err)
			}
			return id.String(), nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cfg:         cfg,
		logger:      logger,
		subs:        make(map[string]Sink),
		skipLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers sink and returns its connection id.
func (b *Broadcaster) Subscribe(sink Sink) (string, error) {
	if sink == nil {
		return "", errors.New("subscribe: nil sink")
	}
	id, err := b.cfg.NewID()
	if err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}
	b.mu.Lock()
	b.subs[id] = sink
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("observer subscribed", zap.String("connection_id", id), zap.Int("observers", count))
	b.notifyCount(count)
	return id, nil
}

// Unsubscribe removes the observer registered under id. It reports whether
// the id was registered.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		b.logger.Debug("observer unsubscribed", zap.String("connection_id", id), zap.Int("observers", count))
		b.notifyCount(count)
	}
	return ok
}

// Count returns the number of registered observers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish offers u to every registered observer. Observers that cannot take
// the update right now are skipped for this value and stay registered.
func (b *Broadcaster) Publish(u Update) {
	if b == nil {
		return
	}
	if err := u.Validate(); err != nil {
		b.logger.Debug("discarding invalid progress update", zap.Error(err))
		return
	}

	b.mu.RLock()
	targets := make([]Sink, 0, len(b.subs))
	for _, sink := range b.subs {
		targets = append(targets, sink)
	}
	b.mu.RUnlock()

	for _, sink := range targets {
		if sink.Offer(u) {
			continue
		}
		b.skipped.Add(1)
		if b.cfg.OnSkip != nil {
			b.cfg.OnSkip()
		}
		if b.skipLimiter.Allow(time.Now()) {
			count := b.skipped.Swap(0)
			b.logger.Debug("progress updates skipped for slow observers", zap.Int64("skipped", count))
		}
	}
}

func (b *Broadcaster) notifyCount(count int) {
	if b.cfg.OnSubscribers != nil {
		b.cfg.OnSubscribers(count)
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
