package iot

import (
	"sync"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// ReadingQueue is a bounded FIFO between a channel's receiver and its
// forwarder. Push never blocks: when full the oldest reading is evicted.
type ReadingQueue struct {
	mu     sync.Mutex
	items  []models.SensorReading
	head   int
	size   int
	closed bool
	ready  chan struct{}
}

func NewReadingQueue(capacity int) *ReadingQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReadingQueue{
		items: make([]models.SensorReading, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends r and reports the evicted reading, if any. Pushing to a closed
// queue evicts r itself.
func (q *ReadingQueue) Push(r models.SensorReading) (evicted *models.SensorReading) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return &r
	}
	if q.size == len(q.items) {
		old := q.items[q.head]
		evicted = &old
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	q.items[(q.head+q.size)%len(q.items)] = r
	q.size++
	q.mu.Unlock()

	q.signal()
	return evicted
}

func (q *ReadingQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until a reading is available. ok is false once the queue is
// closed and empty, or when stop is closed.
func (q *ReadingQueue) Pop(stop <-chan struct{}) (r models.SensorReading, ok bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			r = q.items[q.head]
			q.items[q.head] = models.SensorReading{}
			q.head = (q.head + 1) % len(q.items)
			q.size--
			q.mu.Unlock()
			return r, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return r, false
		}

		select {
		case <-q.ready:
		case <-stop:
			return r, false
		}
	}
}

// Close stops accepting readings; queued ones stay poppable.
func (q *ReadingQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Drain removes and returns every queued reading.
func (q *ReadingQueue) Drain() []models.SensorReading {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.SensorReading, 0, q.size)
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = models.SensorReading{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	return out
}

func (q *ReadingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
