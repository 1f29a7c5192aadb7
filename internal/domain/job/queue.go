package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ClearPeaks/knime-audit/internal/domain/model"
)

// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once a
// closed queue has been drained.
var ErrQueueClosed = errors.New("job queue closed")

// ErrInvalidCapacity indicates a queue was requested with a non-positive capacity.
var ErrInvalidCapacity = errors.New("queue capacity must be positive")

// Queue is a bounded FIFO of detections. Enqueue blocks while the queue is
// full and Dequeue blocks while it is empty. Items are not persisted.
type Queue struct {
	items     chan model.Detection
	closed    chan struct{}
	closeOnce sync.Once

	blocked atomic.Int64
}

// NewQueue creates a queue holding at most capacity detections.
func NewQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Queue{
		items:  make(chan model.Detection, capacity),
		closed: make(chan struct{}),
	}, nil
}

// Enqueue appends d, suspending the caller while the queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, d model.Detection) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- d:
		return nil
	default:
	}

	q.blocked.Add(1)
	select {
	case q.items <- d:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest detection, suspending the caller while the queue is empty.
// After Close the remaining items are still handed out before ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (model.Detection, error) {
	select {
	case d := <-q.items:
		return d, nil
	case <-ctx.Done():
		return model.Detection{}, ctx.Err()
	case <-q.closed:
		select {
		case d := <-q.items:
			return d, nil
		default:
			return model.Detection{}, ErrQueueClosed
		}
	}
}

// Close stops accepting new detections. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Len returns the number of queued detections.
func (q *Queue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.items) }

// BlockedEnqueues counts enqueues that had to wait for capacity.
func (q *Queue) BlockedEnqueues() int64 { return q.blocked.Load() }
