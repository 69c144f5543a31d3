package engine

import (
	"sync"

	"github.com/roach88/tally/internal/record"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	eventCast eventType = iota + 1
	eventWatch
	eventRelease
	eventItemCreated
	eventItemDeleted
	eventFollow
	eventUnfollow
	eventBatch
	eventWriteDone
	eventReadDone
	eventResubscribe
)

func (t eventType) String() string {
	switch t {
	case eventCast:
		return "cast"
	case eventWatch:
		return "watch"
	case eventRelease:
		return "release"
	case eventItemCreated:
		return "item_created"
	case eventItemDeleted:
		return "item_deleted"
	case eventFollow:
		return "follow"
	case eventUnfollow:
		return "unfollow"
	case eventBatch:
		return "batch"
	case eventWriteDone:
		return "write_done"
	case eventReadDone:
		return "read_done"
	case eventResubscribe:
		return "resubscribe"
	}
	return "unknown"
}

// event is one unit of work for the Run loop. User actions, live query
// deliveries and store acknowledgements all arrive as events.
type event struct {
	Type    eventType
	ItemID  string
	VoterID string
	Value   record.Vote
	Scope   string
	Order   record.Order

	// Handle identifies the WatchHandle for release events.
	Handle uint64

	// Watch, Stream and Gen address a live query incarnation. Deliveries
	// whose incarnation no longer matches are stale and dropped.
	Watch  uint64
	Stream streamKind
	Gen    uint64

	Batch record.Batch
	Err   error

	Write *writeResult
	Read  *readResult
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so live query callbacks and store acknowledgements
// never block the goroutines that deliver them.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the batch and results it references can be collected.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
