package sample

import (
	"context"
	"time"
)

// DefaultQueueSize is the capacity used when NewQueue is given zero.
const DefaultQueueSize = 200

// Queue is a bounded FIFO between one producer and one consumer.
//
// The producer never blocks: when the queue is full the sample being pushed
// is dropped. The consumer waits with a timeout.
type Queue struct {
	ch chan Sample
}

// NewQueue creates a queue holding at most size samples.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Sample, size)}
}

// TryPush enqueues s without blocking. It returns false if the queue was
// full and s was dropped.
func (q *Queue) TryPush(s Sample) bool {
	select {
	case q.ch <- s:
		return true
	default:
		return false
	}
}

// Pop waits up to timeout for the next sample. A non-positive timeout only
// checks for a sample that is already queued.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Sample, bool) {
	select {
	case s := <-q.ch:
		return s, true
	default:
	}
	if timeout <= 0 {
		return Sample{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-q.ch:
		return s, true
	case <-timer.C:
		return Sample{}, false
	case <-ctx.Done():
		return Sample{}, false
	}
}

// Reset discards every queued sample and returns how many were dropped.
func (q *Queue) Reset() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued samples.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
