// Package vnode implements the V-Node loader and lifecycle supervisor.
//
// A manifest declares a V-Node's identity, resource ceilings and capability
// requests. Start validates the requests against the loader's own
// administer rights, reserves memory and CPU, resolves the entrypoint image
// into a fresh address space, grants the whole capability set, opens the
// V-Node's endpoint and only then runs its program. Stop, a crash or a
// clean exit tears everything down again: capabilities first, then
// endpoints, buffers and the scheduler task.
//
// Features:
//   - YAML and TOML manifests with strict and permissive admission
//   - Loading, Running, Stopped and Crashed states with checked transitions
//   - System-wide memory and CPU admission control
//   - Crash-loop guard on restarts
//   - Lifecycle events with subscriber fan-out and a persistent journal
//   - Manifest directory discovery
//
// Example Usage:
//
//	sup := vnode.NewSupervisor(cfg, deps, logger)
//	m, _ := vnode.ParseFile("manifests/dns-resolver.yaml")
//	st, err := sup.Start(ctx, m)
//	_, err = sup.Restart(ctx, "dns-resolver")
package vnode
