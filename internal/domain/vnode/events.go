package vnode

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// historySize bounds the events kept for late readers.
const historySize = 256

// Event is one lifecycle transition.
type Event struct {
	ID        id.EventID `json:"id"`
	VNode     string     `json:"vnode"`
	From      State      `json:"from,omitempty"`
	To        State      `json:"to"`
	Reason    string     `json:"reason,omitempty"`
	RunHandle string     `json:"run_handle,omitempty"`
	Time      time.Time  `json:"time"`
}

// EventBroker fans lifecycle events out to subscribers.
// It is safe for concurrent use.
type EventBroker struct {
	mu      sync.Mutex
	subs    map[int]subscriber
	nextID  int
	history []Event
	closed  bool
}

type subscriber struct {
	vnode string
	ch    chan Event
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel of events for vnode (all V-Nodes when empty)
// and an unsubscribe function. After Close the returned channel is closed.
func (b *EventBroker) Subscribe(vnode string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	sid := b.nextID
	b.nextID++
	b.subs[sid] = subscriber{vnode: vnode, ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[sid]; ok {
			delete(b.subs, sid)
			close(sub.ch)
		}
	}
}

// Publish records e and sends it to matching subscribers.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, e)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	for _, sub := range b.subs {
		if sub.vnode != "" && sub.vnode != e.VNode {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop event for slow subscribers to avoid blocking the supervisor.
		}
	}
}

// History returns up to limit recent events for vnode (all when empty),
// oldest first.
func (b *EventBroker) History(vnode string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range b.history {
		if vnode == "" || e.VNode == vnode {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close closes every subscriber. Later subscribers get a closed channel.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sid, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sid)
	}
}
