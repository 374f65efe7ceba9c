package events

import (
	"sync"
	"time"

	"tonguekeeper/internal/logging"

	"github.com/google/uuid"
)

// DefaultCapacity is the bounded history size.
const DefaultCapacity = 200

// subscriberBuffer sizes each observer's live channel. Broadcast is
// best-effort: an observer that falls this far behind starts losing
// events rather than blocking the pipeline.
const subscriberBuffer = 64

// Bus is the bounded-history publish/replay event bus. Insertion is
// append-or-replace-by-id; eviction is FIFO on overflow. All methods are
// safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	capacity int
	history  []Event
	index    map[string]int // event id -> history slot
	subs     map[*subscription]struct{}
}

type subscription struct {
	ch chan Event
}

// NewBus creates a bus with the default capacity.
func NewBus() *Bus {
	return NewBusWithCapacity(DefaultCapacity)
}

// NewBusWithCapacity creates a bus holding at most capacity events.
func NewBusWithCapacity(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		history:  make([]Event, 0, capacity),
		index:    make(map[string]int),
		subs:     make(map[*subscription]struct{}),
	}
}

// Emit publishes a new event with a generated id.
func (b *Bus) Emit(agent, action string, status Status, data any) Event {
	return b.Publish(Event{Agent: agent, Action: action, Status: status, Data: data})
}

// EmitWithID publishes a successive state of the logical operation id,
// replacing its current history entry in place.
func (b *Bus) EmitWithID(id, agent, action string, status Status, data any) Event {
	return b.Publish(Event{ID: id, Agent: agent, Action: action, Status: status, Data: data})
}

// Publish inserts the event into history and broadcasts it. A missing id
// gets a fresh uuid; a missing timestamp gets the current time. The
// returned event carries the assigned fields.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if slot, ok := b.index[e.ID]; ok {
		// Successive state of a known operation: overwrite in place so an
		// id never has more than one live history entry.
		b.history[slot] = e
	} else {
		if len(b.history) >= b.capacity {
			evicted := b.history[0]
			delete(b.index, evicted.ID)
			b.history = append(b.history[:0], b.history[1:]...)
			for id, slot := range b.index {
				b.index[id] = slot - 1
			}
		}
		b.history = append(b.history, e)
		b.index[e.ID] = len(b.history) - 1
	}

	// Broadcast under the lock: Subscribe also holds it, so a new
	// subscriber's snapshot and its live feed can never race.
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default: // Drop for slow observers; never block the pipeline.
		}
	}
	b.mu.Unlock()

	logging.Events("event %s agent=%s action=%s status=%s", e.ID, e.Agent, e.Action, e.Status)
	return e
}

// History returns an ordered snapshot of the current bounded history.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Len returns the current history size.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// Subscribe registers a live observer. It returns the history snapshot
// taken at subscription time, a channel of future events, and a cancel
// function. The snapshot and channel are consistent: every event is
// delivered exactly once, either in the snapshot or on the channel.
// Events emitted while the caller drains the snapshot accumulate in the
// channel buffer and are received afterwards.
func (b *Bus) Subscribe() ([]Event, <-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	snapshot := make([]Event, len(b.history))
	copy(snapshot, b.history)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return snapshot, sub.ch, cancel
}

// SubscriberCount returns the number of live observers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers. History remains readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]struct{})
}
