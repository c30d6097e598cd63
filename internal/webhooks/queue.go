package webhooks

import (
	"context"
	"sync"
	"time"
)

// QueueItem is one queued delivery. Due is when the delivery may next be
// attempted; the zero time means now.
type QueueItem struct {
	DeliveryID string
	Due        time.Time
}

// Queue is an in-memory FIFO of deliveries. Pop removes items atomically so
// concurrent consumers never receive the same item.
type Queue struct {
	mu     sync.Mutex
	items  []QueueItem
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends an item and wakes one waiting consumer.
func (q *Queue) Push(item QueueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item, blocking until one is available
// or ctx ends.
func (q *Queue) Pop(ctx context.Context) (QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = QueueItem{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return QueueItem{}, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
