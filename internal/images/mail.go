package images

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/protocol"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// MailService resolves its relay names through svc://dns-resolver every
// interval. A non-positive interval resolves once and then idles.
func MailService(relays []string, interval time.Duration) abi.Program {
	relays = append([]string(nil), relays...)

	return func(ctx context.Context, sys abi.Syscalls) error {
		for {
			for _, name := range relays {
				resolveRelay(ctx, sys, name)
			}

			if interval <= 0 {
				<-ctx.Done()
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
}

func resolveRelay(ctx context.Context, sys abi.Syscalls, name string) {
	resp, err := call(ctx, sys, DNSEndpoint, protocol.DNSResolve{Name: name})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		count(sys, "lookup_failures", 1)
		logf(sys, zapcore.WarnLevel, "relay lookup failed",
			"name", name, "kind", ipcerr.KindOf(err).String(), "error", err.Error())
		return
	}

	resolved, ok := resp.(*protocol.DNSResolved)
	if !ok {
		count(sys, "lookup_failures", 1)
		return
	}
	count(sys, "lookups", 1)
	logf(sys, zapcore.InfoLevel, "relay resolved",
		"name", resolved.Name, "addrs", strings.Join(resolved.Addrs, ","))
}
