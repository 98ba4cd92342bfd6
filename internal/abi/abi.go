// Package abi defines the syscall surface V-Node programs are written
// against. A program only ever sees its own Syscalls binding; the kernel
// stamps the caller identity on every call, so nothing a program passes in
// can make it act as another V-Node.
package abi

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

// IpcOptions tune a blocking IPC call.
type IpcOptions struct {
	Timeout     time.Duration
	NonBlocking bool
}

// Syscalls is the complete set of operations available to a V-Node.
type Syscalls interface {
	// Name is the V-Node identity the kernel stamps on every call.
	Name() string

	IpcSend(ctx context.Context, endpoint string, env *envelope.Envelope, opts IpcOptions) error
	IpcReceive(ctx context.Context, endpoint string, opts IpcOptions) (*envelope.Envelope, error)
	IpcSendAndRecv(ctx context.Context, endpoint string, env *envelope.Envelope, opts IpcOptions) (*envelope.Envelope, error)
	IpcReply(ctx context.Context, req, resp *envelope.Envelope) error

	BufferAlloc(size int, dma bool) (id.BufferID, error)
	BufferRelease(buf id.BufferID) error
	BufferRead(buf id.BufferID, off, n int) ([]byte, error)
	BufferWrite(buf id.BufferID, off int, data []byte) (int, error)

	CapGrant(subject, resource string, rights capability.Rights) error
	CapRevoke(subject, resource string) (int, error)
	CapCheck(resource string, rights capability.Rights) bool

	// TimeNow is the kernel clock, used for computing timeouts.
	TimeNow() time.Time
	// MetricAdd bumps a counter declared in the manifest.
	MetricAdd(name string, delta float64) error
	// Log writes to the kernel log; requires write on log://kernel.
	Log(level zapcore.Level, msg string, kv ...string) error
}

// Program is the body of an executable image. It runs until it returns or
// ctx is cancelled by Stop; a nil return is a clean exit, anything else
// (including a panic) is a crash.
type Program func(ctx context.Context, sys Syscalls) error
