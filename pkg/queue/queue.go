package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/frames"
)

const (
	DefaultCapacity    = 16
	DefaultPushTimeout = 50 * time.Millisecond
)

var (
	// ErrQueueClosed is returned by Push after Close, and by Pop once a closed
	// queue has been drained.
	ErrQueueClosed = errorsx.New(errorsx.ReasonQueueClosed, "audio frame queue closed")
	// ErrQueueOverflow is returned by Push when the frame was dropped because
	// the queue stayed full for the whole push timeout.
	ErrQueueOverflow = errorsx.New(errorsx.ReasonQueueOverflow, "audio frame queue overflow")
)

type Config struct {
	Capacity int
	// PushTimeout bounds how long Push waits on a full queue. Zero means
	// DefaultPushTimeout; a negative value drops immediately.
	PushTimeout time.Duration
}

type Stats struct {
	Pushed  int64
	Popped  int64
	Dropped int64
}

// FrameQueue is a bounded FIFO of audio frames shared by one producer and one
// consumer. Frames leave in the order they entered; a frame is either
// delivered once or dropped once.
type FrameQueue struct {
	items       chan frames.AudioFrame
	pushTimeout time.Duration

	// mu is held shared by in-flight pushes and exclusively while closing
	// items, so a send never races the channel close.
	mu     sync.RWMutex
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once

	pushed  int64
	popped  int64
	dropped int64
}

func New(cfg Config) *FrameQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	switch {
	case cfg.PushTimeout == 0:
		cfg.PushTimeout = DefaultPushTimeout
	case cfg.PushTimeout < 0:
		cfg.PushTimeout = 0
	}
	return &FrameQueue{
		items:       make(chan frames.AudioFrame, cfg.Capacity),
		pushTimeout: cfg.PushTimeout,
		done:        make(chan struct{}),
	}
}

// Push enqueues f. On a full queue it waits up to the push timeout, then drops
// f and returns ErrQueueOverflow.
func (q *FrameQueue) Push(ctx context.Context, f frames.AudioFrame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case q.items <- f:
		atomic.AddInt64(&q.pushed, 1)
		return nil
	default:
	}
	if q.pushTimeout == 0 {
		atomic.AddInt64(&q.dropped, 1)
		return ErrQueueOverflow
	}

	timer := time.NewTimer(q.pushTimeout)
	defer timer.Stop()
	select {
	case q.items <- f:
		atomic.AddInt64(&q.pushed, 1)
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		atomic.AddInt64(&q.dropped, 1)
		return ErrQueueOverflow
	}
}

// Pop blocks until a frame is available. After Close it keeps returning the
// remaining frames, then ErrQueueClosed.
func (q *FrameQueue) Pop(ctx context.Context) (frames.AudioFrame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case f, ok := <-q.items:
		if !ok {
			return frames.AudioFrame{}, ErrQueueClosed
		}
		atomic.AddInt64(&q.popped, 1)
		return f, nil
	case <-ctx.Done():
		return frames.AudioFrame{}, ctx.Err()
	}
}

// Close stops accepting frames and wakes producers blocked in Push. Safe to
// call more than once.
func (q *FrameQueue) Close() {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.mu.Lock()
		close(q.items)
		q.mu.Unlock()
	})
}

func (q *FrameQueue) Closed() bool { return q.closed.Load() }
func (q *FrameQueue) Len() int     { return len(q.items) }
func (q *FrameQueue) Cap() int     { return cap(q.items) }

func (q *FrameQueue) Stats() Stats {
	return Stats{
		Pushed:  atomic.LoadInt64(&q.pushed),
		Popped:  atomic.LoadInt64(&q.popped),
		Dropped: atomic.LoadInt64(&q.dropped),
	}
}
