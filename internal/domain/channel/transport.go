package channel

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/buffer"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/sched"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// DefaultCapacity is used when an endpoint is opened without one.
const DefaultCapacity = 64

// Scheme prefixes every endpoint name.
const Scheme = "svc://"

// Options tune a single blocking operation.
type Options struct {
	// Timeout bounds the whole operation. Zero falls back to the
	// transport default; a zero default waits forever.
	Timeout time.Duration
	// NonBlocking fails with WouldBlock instead of waiting on a full
	// (send) or empty (receive) queue.
	NonBlocking bool
}

// Transport routes envelopes between V-Nodes. Every operation authorizes
// against the capability table, attaches buffer handles through the buffer
// manager and parks callers in the scheduler while they wait.
type Transport struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	repliesMu sync.Mutex
	replies   map[replyKey]*replySlot
	corr      atomic.Uint64

	caps    *capability.Table
	buffers *buffer.Manager
	sched   *sched.Scheduler

	defaultCapacity int
	defaultTimeout  time.Duration

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New creates a transport over the given kernel services and registers
// its revocation hook with caps.
func New(caps *capability.Table, buffers *buffer.Manager, scheduler *sched.Scheduler, logger *zap.Logger) *Transport {
	t := &Transport{
		endpoints:       make(map[string]*Endpoint),
		replies:         make(map[replyKey]*replySlot),
		caps:            caps,
		buffers:         buffers,
		sched:           scheduler,
		defaultCapacity: DefaultCapacity,
		logger:          logging.OrNop(logger),
	}
	caps.OnRevoke(t.onRevoke)
	return t
}

// WithMetrics adds metrics tracking to the transport.
func (t *Transport) WithMetrics(m *monitoring.Metrics) *Transport {
	t.metrics = m
	return t
}

// WithDefaults sets the capacity for endpoints opened without one and the
// timeout for operations that do not carry one.
func (t *Transport) WithDefaults(capacity int, timeout time.Duration) *Transport {
	if capacity > 0 {
		t.defaultCapacity = capacity
	}
	t.defaultTimeout = timeout
	return t
}

// ============================================================================
// Endpoint lifecycle
// ============================================================================

// Open creates the endpoint name owned by owner.
func (t *Transport) Open(owner, name string, capacity int) (EndpointStats, error) {
	const op = "endpoint_open"

	if owner == "" {
		return EndpointStats{}, ipcerr.New(ipcerr.InvalidArgument, op, "owner is required")
	}
	if !ValidName(name) {
		return EndpointStats{}, ipcerr.New(ipcerr.InvalidArgument, op, "endpoint name %q must be %sname", name, Scheme)
	}
	if capacity <= 0 {
		capacity = t.defaultCapacity
	}

	t.mu.Lock()
	if existing, ok := t.endpoints[name]; ok {
		t.mu.Unlock()
		return EndpointStats{}, ipcerr.New(ipcerr.InvalidArgument, op, "%s is already open by %s", name, existing.owner)
	}
	ep := newEndpoint(owner, name, capacity)
	t.endpoints[name] = ep
	t.mu.Unlock()

	t.metrics.SetQueueDepth(name, 0)
	t.logger.Info("endpoint opened",
		zap.String("endpoint", name),
		zap.String("owner", owner),
		zap.Int("capacity", capacity))
	return ep.stats(), nil
}

// Close destroys the endpoint. Queued messages are dropped and their buffer
// transfers reverted; blocked senders, receivers and callers waiting on a
// reply from the owner fail with PeerGone. Returns the dropped message count.
func (t *Transport) Close(name string) (int, error) {
	t.mu.Lock()
	ep, ok := t.endpoints[name]
	if !ok {
		t.mu.Unlock()
		return 0, ipcerr.New(ipcerr.NotFound, "endpoint_close", "no endpoint %s", name)
	}
	delete(t.endpoints, name)
	t.mu.Unlock()

	ep.mu.Lock()
	ep.closed = true
	dropped := ep.queue
	ep.queue = nil
	ep.broadcastLocked()
	ep.mu.Unlock()

	for _, d := range dropped {
		t.buffers.Revert(d.transfers)
	}
	failed := t.failReplies(func(s *replySlot) bool { return s.endpoint == name })

	t.metrics.DeleteEndpoint(name)
	t.logger.Info("endpoint closed",
		zap.String("endpoint", name),
		zap.String("owner", ep.owner),
		zap.Int("dropped", len(dropped)),
		zap.Int("failed_calls", failed))
	return len(dropped), nil
}

// CloseOwner closes every endpoint owned by owner and forgets the calls it
// was waiting on. Returns the number of endpoints closed.
func (t *Transport) CloseOwner(owner string) int {
	t.mu.RLock()
	var names []string
	for name, ep := range t.endpoints {
		if ep.owner == owner {
			names = append(names, name)
		}
	}
	t.mu.RUnlock()

	closed := 0
	for _, name := range names {
		if _, err := t.Close(name); err == nil {
			closed++
		}
	}
	t.dropReplies(func(s *replySlot) bool { return s.requester == owner })
	return closed
}

// Pending returns the number of messages queued on name.
func (t *Transport) Pending(name string) (int, error) {
	ep := t.lookup(name)
	if ep == nil {
		return 0, ipcerr.New(ipcerr.NotFound, "endpoint_pending", "no endpoint %s", name)
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.queue), nil
}

// Stats returns a snapshot of one endpoint.
func (t *Transport) Stats(name string) (EndpointStats, bool) {
	ep := t.lookup(name)
	if ep == nil {
		return EndpointStats{}, false
	}
	return ep.stats(), true
}

// List returns snapshots of every endpoint ordered by name.
func (t *Transport) List() []EndpointStats {
	t.mu.RLock()
	eps := make([]*Endpoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		eps = append(eps, ep)
	}
	t.mu.RUnlock()

	out := make([]EndpointStats, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidName reports whether name is a well-formed endpoint name.
func ValidName(name string) bool {
	rest, ok := strings.CutPrefix(name, Scheme)
	return ok && rest != "" && !strings.ContainsAny(rest, "*?[{ ")
}

// ============================================================================
// Messaging
// ============================================================================

// Send enqueues env on the endpoint name. The caller needs Connect and Write
// on the endpoint, plus Share when env lends a buffer. Handles change hands
// in the same step that enqueues the message, so a failed send leaves every
// buffer with the caller.
func (t *Transport) Send(ctx context.Context, caller, name string, env *envelope.Envelope, opts Options) error {
	return t.send(ctx, "ipc_send", caller, name, env, opts.NonBlocking, t.deadline(opts))
}

// Receive dequeues the oldest message on name. Only the endpoint's owner
// may receive, and it needs Accept and Read. The returned envelope carries
// the kernel-stamped sender.
func (t *Transport) Receive(ctx context.Context, caller, name string, opts Options) (*envelope.Envelope, error) {
	const op = "ipc_receive"

	env, err := t.receive(ctx, op, caller, name, opts)
	if err == nil {
		t.metrics.RecordReceive(name)
	}
	return env, err
}

func (t *Transport) receive(ctx context.Context, op, caller, name string, opts Options) (*envelope.Envelope, error) {
	required := capability.Accept | capability.Read
	if err := t.caps.Authorize(caller, name, required, op); err != nil {
		return nil, err
	}
	ep := t.lookup(name)
	if ep == nil {
		return nil, ipcerr.New(ipcerr.PeerGone, op, "no endpoint %s", name)
	}
	if ep.owner != caller {
		return nil, ipcerr.New(ipcerr.PermissionDenied, op, "%s does not own %s", caller, name)
	}

	deadline := t.deadline(opts)
	for {
		ep.mu.Lock()
		if len(ep.queue) > 0 {
			d := ep.popLocked()
			ep.received++
			ep.broadcastLocked()
			depth := len(ep.queue)
			ep.mu.Unlock()

			t.metrics.SetQueueDepth(name, depth)
			env, err := envelope.Unmarshal(d.frame)
			if err != nil {
				return nil, ipcerr.Wrap(ipcerr.Fault, op, err)
			}
			env.Sender = d.sender
			return env, nil
		}
		if ep.closed {
			ep.mu.Unlock()
			return nil, ipcerr.New(ipcerr.PeerGone, op, "%s was closed", name)
		}
		if opts.NonBlocking {
			ep.mu.Unlock()
			return nil, ipcerr.New(ipcerr.WouldBlock, op, "%s is empty", name)
		}
		wake := ep.waitLocked(caller)
		ep.mu.Unlock()

		t.metrics.RecordBlock(name, "receive")
		err := t.sched.Block(ctx, caller, op+" "+name, wake, deadline)
		ep.doneWaiting(caller)
		if err != nil {
			return nil, err
		}
		if err := t.caps.Authorize(caller, name, required, op); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) send(ctx context.Context, op, caller, name string, env *envelope.Envelope, nonBlocking bool, deadline time.Time) (err error) {
	defer func() { t.metrics.RecordSend(name, result(err)) }()

	if env == nil {
		return ipcerr.New(ipcerr.InvalidArgument, op, "envelope is required")
	}
	required := capability.Connect | capability.Write
	if env.HasShare() {
		required |= capability.Share
	}
	if err := t.caps.Authorize(caller, name, required, op); err != nil {
		return err
	}

	frame, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	tickets, err := t.buffers.Attach(caller, env.Handles)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			t.buffers.Rollback(tickets)
		}
	}()

	// Bound to one endpoint instance: a sender parked on a destroyed
	// endpoint must not land in a later one reopened under the same name.
	ep := t.lookup(name)
	if ep == nil {
		return ipcerr.New(ipcerr.PeerGone, op, "no endpoint %s", name)
	}
	for {
		ep.mu.Lock()
		if ep.closed {
			ep.mu.Unlock()
			return ipcerr.New(ipcerr.PeerGone, op, "%s was closed", name)
		}
		if err := t.caps.Authorize(caller, name, required, op); err != nil {
			ep.mu.Unlock()
			return err
		}
		if len(ep.queue) < ep.capacity {
			transfers, cerr := t.buffers.Commit(tickets, ep.owner)
			if cerr != nil {
				ep.mu.Unlock()
				return cerr
			}
			committed = true
			ep.queue = append(ep.queue, &delivery{frame: frame, sender: caller, transfers: transfers})
			ep.sent++
			ep.broadcastLocked()
			depth := len(ep.queue)
			ep.mu.Unlock()

			t.metrics.SetQueueDepth(name, depth)
			return nil
		}
		if nonBlocking {
			ep.mu.Unlock()
			return ipcerr.New(ipcerr.WouldBlock, op, "%s is full (%d queued)", name, ep.capacity)
		}
		wake := ep.waitLocked(caller)
		ep.mu.Unlock()

		t.metrics.RecordBlock(name, "send")
		err := t.sched.Block(ctx, caller, op+" "+name, wake, deadline)
		ep.doneWaiting(caller)
		if err != nil {
			return err
		}
	}
}

func (t *Transport) lookup(name string) *Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoints[name]
}

func (t *Transport) deadline(opts Options) time.Time {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// onRevoke reacts to a removed capability. An owner losing its capability
// over its own endpoint closes it; anyone else blocked on a covered endpoint
// is woken so its next attempt re-checks and fails.
func (t *Transport) onRevoke(c capability.Capability) int {
	t.mu.RLock()
	var eps []*Endpoint
	for name, ep := range t.endpoints {
		if c.Covers(name) {
			eps = append(eps, ep)
		}
	}
	t.mu.RUnlock()

	invalidated := 0
	for _, ep := range eps {
		if ep.owner == c.Subject {
			if _, err := t.Close(ep.name); err == nil {
				invalidated++
			}
			continue
		}
		ep.mu.Lock()
		invalidated += ep.waiting[c.Subject]
		ep.broadcastLocked()
		ep.mu.Unlock()
	}
	return invalidated
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return ipcerr.KindOf(err).String()
}
