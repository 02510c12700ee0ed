// Package dirtyqueue is an owned, typed, bounded channel with drop-oldest
// overflow semantics, exposed through a typed accessor rather than reached
// into from a sibling object. Grounded on rclone's own preference for
// explicit channels over shared state, e.g. backend/cache/handle.go's
// preloadQueue chan int64.
package dirtyqueue

import "github.com/sujayakar/public-domain/internal/log"

var logger = log.For("dirtyqueue")

// Queue is a bounded, best-effort FIFO of dirty paths. Prefetch is
// best-effort, so an overflowing Queue drops the oldest pending path rather
// than blocking the sync worker.
type Queue struct {
	ch chan string
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Push enqueues path, dropping the oldest pending entry if the queue is full.
func (q *Queue) Push(path string) {
	for {
		select {
		case q.ch <- path:
			return
		default:
		}
		select {
		case dropped := <-q.ch:
			logger.Debugf(nil, "dirty queue full, dropping oldest path %q", dropped)
		default:
			// someone else drained concurrently; retry the push
		}
	}
}

// Chan exposes the consumer side for prefetch workers to range over.
func (q *Queue) Chan() <-chan string {
	return q.ch
}
