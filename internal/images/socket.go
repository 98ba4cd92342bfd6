package images

import (
	"context"
	"strconv"

	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/protocol"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Per-socket limits of the loopback service.
const (
	maxPending   = 64 << 10
	maxHandleLen = 1 << 20
)

type socket struct {
	network string
	address string
	pending []byte
}

// loopback holds the sockets of one socket-api instance. Only the serve
// loop touches it.
type loopback struct {
	sys     abi.Syscalls
	next    uint32
	sockets map[uint32]*socket
}

// SocketAPI is a loopback socket service: bytes sent on a socket are read
// back from the same socket. Payloads arrive inline or in attached buffers.
func SocketAPI() abi.Program {
	return func(ctx context.Context, sys abi.Syscalls) error {
		lb := &loopback{sys: sys, sockets: make(map[uint32]*socket)}
		logf(sys, zapcore.InfoLevel, "socket service ready")
		return serve(ctx, sys, lb.handle)
	}
}

func (lb *loopback) handle(_ context.Context, env *envelope.Envelope, req protocol.Variant) (protocol.Variant, error) {
	switch r := req.(type) {
	case *protocol.SocketOpen:
		return lb.open(r)
	case *protocol.SocketSend:
		return lb.send(r, env.Handles)
	case *protocol.SocketRecv:
		return lb.recv(r)
	case *protocol.SocketClose:
		if _, err := lb.get(r.Socket); err != nil {
			return nil, err
		}
		delete(lb.sockets, r.Socket)
		return protocol.SocketOK{Socket: r.Socket}, nil
	default:
		return nil, unsupported(req)
	}
}

func (lb *loopback) open(r *protocol.SocketOpen) (protocol.Variant, error) {
	if r.Network == "" || r.Address == "" {
		return nil, ipcerr.New(ipcerr.InvalidArgument, "socket_open", "network and address are required")
	}
	lb.next++
	lb.sockets[lb.next] = &socket{network: r.Network, address: r.Address}
	count(lb.sys, "sockets_opened", 1)
	logf(lb.sys, zapcore.DebugLevel, "socket opened",
		"socket", strconv.FormatUint(uint64(lb.next), 10), "network", r.Network, "address", r.Address)
	return protocol.SocketOK{Socket: lb.next}, nil
}

// send appends the inline bytes followed by each attached buffer, then
// drops the references the message carried.
func (lb *loopback) send(r *protocol.SocketSend, handles []envelope.HandleRef) (protocol.Variant, error) {
	const op = "socket_send"

	s, err := lb.get(r.Socket)
	if err != nil {
		return nil, err
	}

	data := append([]byte(nil), r.Data...)
	for _, h := range handles {
		chunk, err := lb.sys.BufferRead(h.ID, 0, maxHandleLen)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		if err := lb.sys.BufferRelease(h.ID); err != nil {
			return nil, err
		}
	}
	if len(s.pending)+len(data) > maxPending {
		return nil, ipcerr.New(ipcerr.QuotaExceeded, op, "socket %d would hold more than %d bytes", r.Socket, maxPending)
	}
	s.pending = append(s.pending, data...)
	count(lb.sys, "bytes_looped", float64(len(data)))
	return protocol.SocketOK{Socket: r.Socket, N: len(data)}, nil
}

func (lb *loopback) recv(r *protocol.SocketRecv) (protocol.Variant, error) {
	if r.Max <= 0 {
		return nil, ipcerr.New(ipcerr.InvalidArgument, "socket_recv", "max must be positive")
	}
	s, err := lb.get(r.Socket)
	if err != nil {
		return nil, err
	}
	n := min(r.Max, len(s.pending), envelope.MaxInlineSize)
	out := append([]byte(nil), s.pending[:n]...)
	s.pending = s.pending[n:]
	return protocol.SocketData{Socket: r.Socket, Data: out}, nil
}

func (lb *loopback) get(id uint32) (*socket, error) {
	s, ok := lb.sockets[id]
	if !ok {
		return nil, ipcerr.New(ipcerr.NotFound, "socket", "no socket %d", id)
	}
	return s, nil
}
