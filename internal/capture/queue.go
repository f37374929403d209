package capture

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Offer when the queue has no free slot.
	ErrQueueFull = errors.New("capture: queue full")
	// ErrQueueClosed is returned once the queue is closed and drained.
	ErrQueueClosed = errors.New("capture: queue closed")
)

// Queue is a bounded handoff of captured payloads between one producer and
// one consumer.
type Queue struct {
	mu     sync.Mutex
	closed bool
	items  chan []byte
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan []byte, capacity)}
}

// Offer enqueues without blocking.
func (q *Queue) Offer(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Take blocks until a payload is available, the queue is closed and empty,
// or ctx ends.
func (q *Queue) Take(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-q.items:
		if !ok {
			return nil, ErrQueueClosed
		}
		return payload, nil
	}
}

// Close lets the consumer drain what is left and then stop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}
