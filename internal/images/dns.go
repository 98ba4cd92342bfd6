package images

import (
	"bytes"
	"context"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/channel"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/protocol"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// SocketEndpoint and DNSEndpoint are where the reference services listen.
const (
	SocketEndpoint = channel.Scheme + NameSocketAPI
	DNSEndpoint    = channel.Scheme + NameDNSResolver
)

// Hosts maps lower-case names to addresses.
type Hosts map[string][]string

// DefaultHosts is the table the builtin resolver serves.
func DefaultHosts() Hosts {
	return Hosts{
		"localhost":         {"127.0.0.1", "::1"},
		"socket-api.aether": {"10.0.0.2"},
		"mail.aether":       {"10.0.0.25"},
	}
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// DNSResolver answers DNSResolve from a static host table. On start it
// probes svc://socket-api with a DMA buffer round trip when it holds the
// capabilities to do so.
func DNSResolver(hosts Hosts, ttl uint32) abi.Program {
	table := make(Hosts, len(hosts))
	for name, addrs := range hosts {
		table[normalizeName(name)] = append([]string(nil), addrs...)
	}

	return func(ctx context.Context, sys abi.Syscalls) error {
		if err := probeSocket(ctx, sys); err != nil {
			logf(sys, zapcore.WarnLevel, "socket probe failed", "error", err.Error())
		}

		return serve(ctx, sys, func(_ context.Context, _ *envelope.Envelope, req protocol.Variant) (protocol.Variant, error) {
			r, ok := req.(*protocol.DNSResolve)
			if !ok {
				return nil, unsupported(req)
			}
			name := normalizeName(r.Name)
			addrs, ok := table[name]
			if !ok {
				count(sys, "misses", 1)
				return nil, ipcerr.New(ipcerr.NotFound, "dns_resolve", "no such host %q", r.Name)
			}
			count(sys, "queries", 1)
			return protocol.DNSResolved{Name: name, Addrs: append([]string(nil), addrs...), TTL: ttl}, nil
		})
	}
}

var probePayload = []byte("aether-dns-probe")

// probeSocket opens a loopback socket, moves a DMA buffer through it and
// checks the bytes come back unchanged.
func probeSocket(ctx context.Context, sys abi.Syscalls) error {
	if !sys.CapCheck(SocketEndpoint, capability.Connect|capability.Write) ||
		!sys.CapCheck(vnode.ResourceDMAMemory, capability.Write) {
		return nil
	}

	resp, err := call(ctx, sys, SocketEndpoint, protocol.SocketOpen{Network: "udp", Address: "127.0.0.1:53"})
	if err != nil {
		return err
	}
	opened, ok := resp.(*protocol.SocketOK)
	if !ok {
		return ipcerr.New(ipcerr.InvalidArgument, "dns_probe", "unexpected %T", resp)
	}
	sock := opened.Socket
	defer func() { _, _ = call(ctx, sys, SocketEndpoint, protocol.SocketClose{Socket: sock}) }()

	buf, err := sys.BufferAlloc(len(probePayload), true)
	if err != nil {
		return err
	}
	if _, err := sys.BufferWrite(buf, 0, probePayload); err != nil {
		_ = sys.BufferRelease(buf)
		return err
	}
	// A failed send leaves the buffer with us.
	if _, err := call(ctx, sys, SocketEndpoint, protocol.SocketSend{Socket: sock},
		envelope.HandleRef{ID: buf, Mode: envelope.Move}); err != nil {
		_ = sys.BufferRelease(buf)
		return err
	}

	resp, err = call(ctx, sys, SocketEndpoint, protocol.SocketRecv{Socket: sock, Max: len(probePayload)})
	if err != nil {
		return err
	}
	data, ok := resp.(*protocol.SocketData)
	if !ok || !bytes.Equal(data.Data, probePayload) {
		return ipcerr.New(ipcerr.InvalidArgument, "dns_probe", "loopback returned unexpected payload")
	}
	count(sys, "probes", 1)
	logf(sys, zapcore.InfoLevel, "socket probe ok", "socket", SocketEndpoint)
	return nil
}
