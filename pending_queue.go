package ldtelemetry

import (
	"sync"
)

// pendingQueue holds events submitted before the stream configuration registry has
// been populated for the first time. It is a true circular buffer: when the capacity
// is reached, the oldest event is evicted to make room, so the queue always retains
// the most recent arrivals in order.
//
// The queue is used for exactly one cold-start episode. Once configurations become
// available it is drained, each drained event re-enters the normal sampling and
// dispatch path, and the queue is never filled again.
type pendingQueue struct {
	events     []Event
	capacities CapacitySource
	lock       sync.Mutex
}

func newPendingQueue(capacities CapacitySource) *pendingQueue {
	return &pendingQueue{capacities: capacities}
}

// enqueue appends an event, evicting the oldest one first if the queue is at capacity.
// The capacity is read on every call so that operator tuning takes effect immediately.
func (q *pendingQueue) enqueue(event Event) {
	q.lock.Lock()
	defer q.lock.Unlock()
	capacity := q.capacities.PendingQueueCapacity()
	if capacity <= 0 {
		return
	}
	for len(q.events) >= capacity {
		q.events = q.events[1:]
	}
	q.events = append(q.events, event)
}

// drainAll atomically removes and returns all held events in arrival order.
func (q *pendingQueue) drainAll() []Event {
	q.lock.Lock()
	defer q.lock.Unlock()
	events := q.events
	q.events = nil
	return events
}
