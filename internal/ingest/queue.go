package ingest

import (
	"strings"
	"sync"
)

// queue is the bounded buffer between broker callbacks and the
// dispatch worker. Callbacks must never run business logic inline, so
// everything lands here first and the worker drains it.
//
// Overflow policy: when full, the oldest non-telemetry message is
// evicted to make room. Telemetry is the payload the system exists to
// carry; a stale heartbeat is cheap to lose because the next one
// replaces it. When the queue is full of nothing but telemetry the
// push is refused and the caller withholds the broker ack, so the
// message survives on the broker side instead.
type queue struct {
	mu      sync.Mutex
	buf     []message
	head    int
	count   int
	evicted uint64

	// ready carries at most one wakeup token. The worker drains the
	// queue completely per token, so coalescing signals is safe.
	ready chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		buf:   make([]message, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push enqueues a message, evicting the oldest non-telemetry entry if
// the buffer is full. Returns ErrQueueFull when nothing is evictable.
func (q *queue) push(m message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) && !q.evictLocked() {
		return ErrQueueFull
	}

	q.buf[(q.head+q.count)%len(q.buf)] = m
	q.count++

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest message. The zero slot write releases the
// payload for collection while the message sits behind slower ones.
func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return message{}, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = message{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return m, true
}

// len reports how many messages are waiting.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// stats reports depth, capacity, and the running eviction count.
func (q *queue) stats() (depth, capacity int, evicted uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count, len(q.buf), q.evicted
}

// evictLocked drops the oldest non-telemetry message and reports
// whether it found one. Caller holds q.mu.
func (q *queue) evictLocked() bool {
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		if isTelemetryTopic(q.buf[idx].topic) {
			continue
		}
		// Shift everything behind the victim forward one slot.
		for j := i; j < q.count-1; j++ {
			q.buf[(q.head+j)%len(q.buf)] = q.buf[(q.head+j+1)%len(q.buf)]
		}
		q.buf[(q.head+q.count-1)%len(q.buf)] = message{}
		q.count--
		q.evicted++
		return true
	}
	return false
}

// isTelemetryTopic classifies by raw topic so eviction never has to
// fully parse entries it is about to throw away.
func isTelemetryTopic(topic string) bool {
	return strings.Contains(topic, "/"+categoryTelemetry+"/")
}
