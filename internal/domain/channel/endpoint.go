package channel

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/buffer"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

// delivery is one queued message: the encoded frame, the kernel-stamped
// sender and the buffer transfers committed at enqueue time.
type delivery struct {
	frame     []byte
	sender    string
	transfers []buffer.Transfer
}

// Endpoint is a bounded FIFO of messages addressed to one logical name.
// Waiters take the current changed channel under mu, release mu and block
// on it; every state change closes and replaces it, so a waiter that read
// the queue state can never miss the wake-up for that state.
type Endpoint struct {
	id        id.ChannelID
	name      string
	owner     string
	capacity  int
	createdAt time.Time

	mu       sync.Mutex
	queue    []*delivery
	changed  chan struct{}
	closed   bool
	waiting  map[string]int
	sent     uint64
	received uint64
}

// EndpointStats is a snapshot of an endpoint.
type EndpointStats struct {
	ID        id.ChannelID `json:"id"`
	Name      string       `json:"name"`
	Owner     string       `json:"owner"`
	Capacity  int          `json:"capacity"`
	Queued    int          `json:"queued"`
	Waiting   int          `json:"waiting"`
	Sent      uint64       `json:"sent"`
	Received  uint64       `json:"received"`
	CreatedAt time.Time    `json:"created_at"`
}

func newEndpoint(owner, name string, capacity int) *Endpoint {
	return &Endpoint{
		id:        id.NewChannelID(),
		name:      name,
		owner:     owner,
		capacity:  capacity,
		createdAt: time.Now(),
		queue:     make([]*delivery, 0, capacity),
		changed:   make(chan struct{}),
		waiting:   make(map[string]int),
	}
}

func (ep *Endpoint) broadcastLocked() {
	close(ep.changed)
	ep.changed = make(chan struct{})
}

// waitLocked registers subject as waiting and returns the channel to block on.
func (ep *Endpoint) waitLocked(subject string) <-chan struct{} {
	ep.waiting[subject]++
	return ep.changed
}

func (ep *Endpoint) doneWaiting(subject string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.waiting[subject] <= 1 {
		delete(ep.waiting, subject)
		return
	}
	ep.waiting[subject]--
}

func (ep *Endpoint) popLocked() *delivery {
	d := ep.queue[0]
	ep.queue[0] = nil
	ep.queue = ep.queue[1:]
	return d
}

func (ep *Endpoint) stats() EndpointStats {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	waiting := 0
	for _, n := range ep.waiting {
		waiting += n
	}
	return EndpointStats{
		ID:        ep.id,
		Name:      ep.name,
		Owner:     ep.owner,
		Capacity:  ep.capacity,
		Queued:    len(ep.queue),
		Waiting:   waiting,
		Sent:      ep.sent,
		Received:  ep.received,
		CreatedAt: ep.createdAt,
	}
}
