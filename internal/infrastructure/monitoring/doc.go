/*
Package monitoring provides Prometheus metrics for the kernel.

# Overview

Metrics are registered on an injected prometheus.Registerer so several
kernels can coexist in one process (tests boot many). Every recording method
tolerates a nil *Metrics, so components built without metrics need no guards.

# Features

- IPC metrics (sends by outcome, receives, blocking, queue depth)
- Capability decisions (grant, revoke, deny) and table size
- Buffer pool usage and transfers by mode
- V-Node lifecycle state gauges and transitions
- Counters declared in V-Node manifests
- Admin API request metrics and open event streams

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	metrics.RecordSend("svc://dns", "ok")
	metrics.RecordTransition("loading", "running")
*/
package monitoring
