package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/channel"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/protocol"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Image names, as referenced by image://<name> entrypoints.
const (
	NameSocketAPI   = "socket-api"
	NameDNSResolver = "dns-resolver"
	NameMailService = "mail-service"
)

const callTimeout = 2 * time.Second

// Builtins returns the reference programs with their default settings.
func Builtins() map[string]abi.Program {
	return map[string]abi.Program{
		NameSocketAPI:   SocketAPI(),
		NameDNSResolver: DNSResolver(DefaultHosts(), 300),
		NameMailService: MailService([]string{"mail.aether", "localhost"}, 30*time.Second),
	}
}

// Register adds every builtin to store. When dir is set, an executable named
// <image>, <image>.elf or <image>.wasm inside it backs the image and is
// verified on every start.
func Register(store *vnode.ImageStore, dir string) error {
	builtins := Builtins()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path, err := findBinary(dir, name)
		if err != nil {
			return err
		}
		if path == "" {
			err = store.Register(name, builtins[name])
		} else {
			err = store.RegisterFile(name, path, builtins[name])
		}
		if err != nil {
			return fmt.Errorf("register image %s: %w", name, err)
		}
	}
	return nil
}

func findBinary(dir, name string) (string, error) {
	if dir == "" {
		return "", nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), name+"{,.elf,.wasm}", doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("search %s for %s: %w", dir, name, err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return filepath.Join(dir, matches[0]), nil
}

// ============================================================================
// Program helpers
// ============================================================================

// handler answers one decoded request.
type handler func(ctx context.Context, env *envelope.Envelope, req protocol.Variant) (protocol.Variant, error)

// serve receives on the caller's own endpoint until ctx ends. Requests that
// arrived through SendAndRecv get a reply; failures are answered with an
// ErrorReply instead of ending the loop.
func serve(ctx context.Context, sys abi.Syscalls, h handler) error {
	endpoint := channel.Scheme + sys.Name()
	for {
		env, err := sys.IpcReceive(ctx, endpoint, abi.IpcOptions{})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive on %s: %w", endpoint, err)
		}

		var resp protocol.Variant
		req, err := protocol.Decode(env)
		if err == nil {
			resp, err = h(ctx, env, req)
		}
		if err != nil {
			resp = protocol.ErrorFrom(err)
		}
		if env.Correlation == 0 {
			continue
		}

		out, err := protocol.Encode(resp)
		if err != nil {
			return err
		}
		// The caller may have timed out in the meantime.
		if err := sys.IpcReply(ctx, env, out); err != nil && !errors.Is(err, ipcerr.ErrInvalidated) {
			return fmt.Errorf("reply to %s: %w", env.Sender, err)
		}
	}
}

// call sends req to endpoint and decodes the answer.
func call(ctx context.Context, sys abi.Syscalls, endpoint string, req protocol.Variant, handles ...envelope.HandleRef) (protocol.Variant, error) {
	env, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	env.Handles = handles

	resp, err := sys.IpcSendAndRecv(ctx, endpoint, env, abi.IpcOptions{Timeout: callTimeout})
	if err != nil {
		return nil, err
	}
	return protocol.DecodeReply(resp)
}

// count and logf are best effort: a V-Node without the metric declared or
// without CAP_LOG_WRITE keeps working.
func count(sys abi.Syscalls, name string, delta float64) {
	_ = sys.MetricAdd(name, delta)
}

func logf(sys abi.Syscalls, level zapcore.Level, msg string, kv ...string) {
	_ = sys.Log(level, msg, kv...)
}

func unsupported(req protocol.Variant) error {
	return ipcerr.New(ipcerr.InvalidArgument, "serve", "unsupported request %T", req)
}
