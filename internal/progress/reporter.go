package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reporter carries one session's progress to a Publisher. Report never
// blocks: values go into a bounded queue drained by a background goroutine,
// and values that do not fit are dropped. Values lower than one already
// reported are ignored, so observers see a non-decreasing sequence.
type Reporter struct {
	sessionID uuid.UUID
	kind      Kind
	pub       Publisher
	logger    *zap.Logger
	onDrop    func(Kind)

	values      chan int
	stopCh      chan struct{}
	doneCh      chan struct{}
	closed      atomic.Bool
	highest     atomic.Int64
	published   int
	dropped     atomic.Int64
	dropLimiter rateLimiter

	closeOnce sync.Once
}

// NewReporter starts a Reporter for one session and queues the initial zero.
func (b *Broadcaster) NewReporter(sessionID uuid.UUID, kind Kind) *Reporter {
	r := &Reporter{
		sessionID:   sessionID,
		kind:        kind,
		pub:         b,
		logger:      b.logger.With(zap.String("session_id", sessionID.String()), zap.String("kind", string(kind))),
		onDrop:      b.cfg.OnDrop,
		values:      make(chan int, b.cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		published:   -1,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	r.highest.Store(-1)
	go r.run()
	r.Report(0)
	return r
}

// SessionID returns the session the reporter publishes for.
func (r *Reporter) SessionID() uuid.UUID {
	return r.sessionID
}

// Report queues value for publication.
func (r *Reporter) Report(value int) {
	if r == nil || r.closed.Load() {
		return
	}
	for {
		high := r.highest.Load()
		if int64(value) <= high {
			return
		}
		if r.highest.CompareAndSwap(high, int64(value)) {
			break
		}
	}
	select {
	case r.values <- value:
	default:
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop(r.kind)
		}
		if r.dropLimiter.Allow(time.Now()) {
			count := r.dropped.Swap(0)
			r.logger.Warn("progress updates dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains queued values, publishes the highest reported value as the
// final update, and waits for the background goroutine to exit. It is safe
// to call multiple times.
func (r *Reporter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress reporter close wait: %w", ctx.Err())
	}
}

func (r *Reporter) run() {
	defer close(r.doneCh)
	for {
		select {
		case v := <-r.values:
			r.publish(v, false)
		case <-r.stopCh:
			r.drain()
			return
		}
	}
}

func (r *Reporter) drain() {
	for {
		select {
		case v := <-r.values:
			r.publish(v, false)
		default:
			if high := int(r.highest.Load()); high >= 0 {
				r.publish(high, true)
			}
			return
		}
	}
}

func (r *Reporter) publish(value int, final bool) {
	if value < r.published || (value == r.published && !final) {
		return
	}
	r.published = value
	r.pub.Publish(Update{
		SessionID: r.sessionID,
		Kind:      r.kind,
		Value:     value,
		TS:        time.Now().UTC(),
		Final:     final,
	})
}
