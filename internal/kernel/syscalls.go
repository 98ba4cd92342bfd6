package kernel

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/channel"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// binding is the syscall surface of one V-Node instance. The caller
// identity comes from the binding, never from arguments.
type binding struct {
	k      *Kernel
	name   string
	gen    uint64
	logger *zap.Logger
}

var _ abi.Syscalls = (*binding)(nil)

func (b *binding) Name() string { return b.name }

// enter refuses service once the kernel faulted or this instance is gone.
func (b *binding) enter(op string) error {
	if faulted, err := b.k.Faulted(); faulted {
		return ipcerr.Wrap(ipcerr.Fault, op, err)
	}
	if !b.k.supervisor.Alive(b.name, b.gen) {
		return ipcerr.New(ipcerr.PeerGone, op, "%s instance is no longer running", b.name)
	}
	return nil
}

// leave latches internal faults surfaced by an operation.
func (b *binding) leave(op string, err error) error {
	if ipcerr.IsKind(err, ipcerr.Fault) {
		b.k.fault(op, err)
	}
	return err
}

func ipcOptions(opts abi.IpcOptions) channel.Options {
	return channel.Options{Timeout: opts.Timeout, NonBlocking: opts.NonBlocking}
}

// ============================================================================
// IPC
// ============================================================================

func (b *binding) IpcSend(ctx context.Context, endpoint string, env *envelope.Envelope, opts abi.IpcOptions) error {
	const op = "ipc_send"
	if err := b.enter(op); err != nil {
		return err
	}
	return b.leave(op, b.k.transport.Send(ctx, b.name, endpoint, env, ipcOptions(opts)))
}

func (b *binding) IpcReceive(ctx context.Context, endpoint string, opts abi.IpcOptions) (*envelope.Envelope, error) {
	const op = "ipc_receive"
	if err := b.enter(op); err != nil {
		return nil, err
	}
	env, err := b.k.transport.Receive(ctx, b.name, endpoint, ipcOptions(opts))
	return env, b.leave(op, err)
}

func (b *binding) IpcSendAndRecv(ctx context.Context, endpoint string, env *envelope.Envelope, opts abi.IpcOptions) (*envelope.Envelope, error) {
	const op = "ipc_call"
	if err := b.enter(op); err != nil {
		return nil, err
	}
	resp, err := b.k.transport.SendAndRecv(ctx, b.name, endpoint, env, ipcOptions(opts))
	return resp, b.leave(op, err)
}

func (b *binding) IpcReply(_ context.Context, req, resp *envelope.Envelope) error {
	const op = "ipc_reply"
	if err := b.enter(op); err != nil {
		return err
	}
	return b.leave(op, b.k.transport.Reply(b.name, req, resp))
}

// ============================================================================
// Buffers
// ============================================================================

func (b *binding) BufferAlloc(size int, dma bool) (id.BufferID, error) {
	const op = "buffer_alloc"
	if err := b.enter(op); err != nil {
		return "", err
	}
	resource := vnode.ResourceSharedMemory
	if dma {
		resource = vnode.ResourceDMAMemory
	}
	if err := b.k.caps.Authorize(b.name, resource, capability.Write, op); err != nil {
		return "", err
	}
	h, err := b.k.buffers.Allocate(b.name, size, dma)
	if err != nil {
		return "", b.leave(op, err)
	}
	return h.ID, nil
}

func (b *binding) BufferRelease(buf id.BufferID) error {
	const op = "buffer_release"
	if err := b.enter(op); err != nil {
		return err
	}
	return b.leave(op, b.k.buffers.Release(b.name, buf))
}

func (b *binding) BufferRead(buf id.BufferID, off, n int) ([]byte, error) {
	const op = "buffer_read"
	if err := b.enter(op); err != nil {
		return nil, err
	}
	data, err := b.k.buffers.Read(b.name, buf, off, n)
	return data, b.leave(op, err)
}

func (b *binding) BufferWrite(buf id.BufferID, off int, data []byte) (int, error) {
	const op = "buffer_write"
	if err := b.enter(op); err != nil {
		return 0, err
	}
	n, err := b.k.buffers.Write(b.name, buf, off, data)
	return n, b.leave(op, err)
}

// ============================================================================
// Capabilities
// ============================================================================

// CapGrant delegates rights the caller administers.
func (b *binding) CapGrant(subject, resource string, rights capability.Rights) error {
	const op = "cap_grant"
	if err := b.enter(op); err != nil {
		return err
	}
	_, err := b.k.caps.Grant(subject, resource, rights, b.name)
	return b.leave(op, err)
}

// CapRevoke removes subject's capability; the caller must administer the
// resource.
func (b *binding) CapRevoke(subject, resource string) (int, error) {
	const op = "cap_revoke"
	if err := b.enter(op); err != nil {
		return 0, err
	}
	if err := b.k.caps.Authorize(b.name, resource, capability.Administer, op); err != nil {
		return 0, err
	}
	n, err := b.k.caps.Revoke(subject, resource)
	return n, b.leave(op, err)
}

func (b *binding) CapCheck(resource string, rights capability.Rights) bool {
	if b.enter("cap_check") != nil {
		return false
	}
	return b.k.caps.Check(b.name, resource, rights)
}

// ============================================================================
// Misc
// ============================================================================

func (b *binding) TimeNow() time.Time { return time.Now() }

// MetricAdd bumps a counter declared under observability.metrics.
func (b *binding) MetricAdd(name string, delta float64) error {
	const op = "metric_add"
	if err := b.enter(op); err != nil {
		return err
	}
	if delta < 0 {
		return ipcerr.New(ipcerr.InvalidArgument, op, "counter %s cannot decrease", name)
	}
	m, ok := b.k.supervisor.Manifest(b.name)
	if !ok || !m.DeclaresMetric(name) {
		return ipcerr.New(ipcerr.NotFound, op, "%s does not declare metric %s", b.name, name)
	}
	b.k.metrics.AddDeclared(b.name, name, delta)
	return nil
}

// Log writes to the kernel log. kv holds alternating keys and values.
func (b *binding) Log(level zapcore.Level, msg string, kv ...string) error {
	const op = "log"
	if err := b.enter(op); err != nil {
		return err
	}
	if err := b.k.caps.Authorize(b.name, vnode.ResourceKernelLog, capability.Write, op); err != nil {
		return err
	}
	if len(kv)%2 != 0 {
		return ipcerr.New(ipcerr.InvalidArgument, op, "odd number of key/value arguments")
	}
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		fields = append(fields, zap.String(kv[i], kv[i+1]))
	}
	b.logger.Log(level, msg, fields...)
	return nil
}
