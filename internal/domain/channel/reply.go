package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

type replyKey struct {
	requester   string
	correlation uint64
}

// replySlot is the one-shot right to answer a call. Only peer, the owner of
// the endpoint the request went to, may fill it, and only once.
type replySlot struct {
	requester string
	peer      string
	endpoint  string
	ready     chan struct{}

	done   bool
	frame  []byte
	sender string
	err    error
}

// SendAndRecv sends env to name and waits for the owner's reply. The
// request is stamped with a fresh correlation id, which the reply carries
// back. NonBlocking only affects the send half; the reply is always waited
// for, bounded by the same deadline.
func (t *Transport) SendAndRecv(ctx context.Context, caller, name string, env *envelope.Envelope, opts Options) (*envelope.Envelope, error) {
	const op = "ipc_call"

	if env == nil {
		return nil, ipcerr.New(ipcerr.InvalidArgument, op, "envelope is required")
	}
	if err := t.caps.Authorize(caller, name, capability.Connect|capability.Write, op); err != nil {
		return nil, err
	}
	ep := t.lookup(name)
	if ep == nil {
		return nil, ipcerr.New(ipcerr.PeerGone, op, "no endpoint %s", name)
	}

	req := *env
	req.Correlation = t.corr.Add(1)
	k := replyKey{requester: caller, correlation: req.Correlation}
	slot := &replySlot{requester: caller, peer: ep.owner, endpoint: name, ready: make(chan struct{})}

	t.repliesMu.Lock()
	t.replies[k] = slot
	t.repliesMu.Unlock()

	deadline := t.deadline(opts)
	if err := t.send(ctx, op, caller, name, &req, opts.NonBlocking, deadline); err != nil {
		t.takeSlot(k)
		return nil, err
	}

	waitErr := t.sched.Block(ctx, caller, op+" "+name, slot.ready, deadline)

	t.repliesMu.Lock()
	delete(t.replies, k)
	done := slot.done
	t.repliesMu.Unlock()

	if !done {
		return nil, waitErr
	}
	if slot.err != nil {
		return nil, slot.err
	}
	resp, err := envelope.Unmarshal(slot.frame)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.Fault, op, err)
	}
	resp.Sender = slot.sender
	return resp, nil
}

// Reply answers req, a call previously received by caller. Handles in resp
// are transferred to the requester. A second reply to the same request, or a
// reply after the requester stopped waiting, fails with Invalidated.
func (t *Transport) Reply(caller string, req, resp *envelope.Envelope) error {
	const op = "ipc_reply"

	if req == nil || resp == nil {
		return ipcerr.New(ipcerr.InvalidArgument, op, "request and response are required")
	}
	out := *resp
	out.Correlation = req.Correlation
	frame, err := envelope.Marshal(&out)
	if err != nil {
		return err
	}

	k := replyKey{requester: req.Sender, correlation: req.Correlation}

	t.repliesMu.Lock()
	defer t.repliesMu.Unlock()

	slot, ok := t.replies[k]
	if !ok || slot.done {
		return ipcerr.New(ipcerr.Invalidated, op, "no pending call %d from %s", req.Correlation, req.Sender)
	}
	if slot.peer != caller {
		return ipcerr.New(ipcerr.PermissionDenied, op, "%s cannot answer a call to %s", caller, slot.endpoint)
	}

	if out.HasShare() {
		if err := t.caps.Authorize(caller, slot.endpoint, capability.Share, op); err != nil {
			return err
		}
	}
	tickets, err := t.buffers.Attach(caller, out.Handles)
	if err != nil {
		return err
	}
	if _, err := t.buffers.Commit(tickets, slot.requester); err != nil {
		t.buffers.Rollback(tickets)
		return err
	}

	slot.frame = frame
	slot.sender = caller
	slot.done = true
	close(slot.ready)
	return nil
}

func (t *Transport) takeSlot(k replyKey) {
	t.repliesMu.Lock()
	defer t.repliesMu.Unlock()
	delete(t.replies, k)
}

// failReplies completes matching pending calls with PeerGone.
func (t *Transport) failReplies(match func(*replySlot) bool) int {
	t.repliesMu.Lock()
	defer t.repliesMu.Unlock()

	n := 0
	for _, slot := range t.replies {
		if slot.done || !match(slot) {
			continue
		}
		slot.err = ipcerr.New(ipcerr.PeerGone, "ipc_call", "%s went away before replying", slot.endpoint)
		slot.done = true
		close(slot.ready)
		n++
	}
	return n
}

func (t *Transport) dropReplies(match func(*replySlot) bool) {
	t.repliesMu.Lock()
	defer t.repliesMu.Unlock()

	for k, slot := range t.replies {
		if match(slot) {
			delete(t.replies, k)
		}
	}
	t.logger.Debug("pending calls dropped", zap.Int("remaining", len(t.replies)))
}
