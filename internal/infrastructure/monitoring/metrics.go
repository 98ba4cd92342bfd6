package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aether"

// Metrics holds all Prometheus metrics exported by the kernel.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// IPC metrics
	Sends      *prometheus.CounterVec
	Receives   *prometheus.CounterVec
	Blocks     *prometheus.CounterVec
	QueueDepth *prometheus.GaugeVec

	// Capability metrics
	CapDecisions *prometheus.CounterVec
	CapsActive   prometheus.Gauge

	// Buffer metrics
	BufferBytes     *prometheus.GaugeVec
	BufferTransfers *prometheus.CounterVec

	// V-Node metrics
	VNodes           *prometheus.GaugeVec
	VNodeTransitions *prometheus.CounterVec
	Declared         *prometheus.CounterVec

	Faults prometheus.Counter

	// Admin API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge

	startTime time.Time

	// Snapshot for the JSON status API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON status API.
type Snapshot struct {
	Sends        int64   `json:"sends"`
	Receives     int64   `json:"receives"`
	Denials      int64   `json:"denials"`
	Blocks       int64   `json:"blocks"`
	Faults       int64   `json:"faults"`
	Requests     int64   `json:"requests"`
	UptimeSecond float64 `json:"uptime_seconds"`
}

// NewMetrics registers the kernel metrics on reg. A nil reg uses a private
// registry, which keeps parallel kernels in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		Sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipc_sends_total",
				Help:      "Send attempts by endpoint and outcome",
			},
			[]string{"endpoint", "result"},
		),
		Receives: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipc_receives_total",
				Help:      "Envelopes dequeued by endpoint",
			},
			[]string{"endpoint"},
		),
		Blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipc_blocks_total",
				Help:      "Times a task blocked on an endpoint",
			},
			[]string{"endpoint", "op"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ipc_queue_depth",
				Help:      "Envelopes queued per endpoint",
			},
			[]string{"endpoint"},
		),

		CapDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_decisions_total",
				Help:      "Capability grants, revocations and denials",
			},
			[]string{"action"},
		),
		CapsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capabilities_active",
				Help:      "Entries in the capability table",
			},
		),

		BufferBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffer_bytes_in_use",
				Help:      "Bytes allocated from each buffer pool",
			},
			[]string{"pool"},
		),
		BufferTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buffer_transfers_total",
				Help:      "Buffer handles transferred by mode",
			},
			[]string{"mode"},
		),

		VNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vnodes",
				Help:      "V-Nodes by lifecycle state",
			},
			[]string{"state"},
		),
		VNodeTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vnode_transitions_total",
				Help:      "Lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		Declared: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vnode_counter_total",
				Help:      "Counters declared in V-Node manifests",
			},
			[]string{"vnode", "name"},
		),

		Faults: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernel_faults_total",
				Help:      "Internal invariant violations",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_http_requests_total",
				Help:      "Admin API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admin_http_request_duration_seconds",
				Help:      "Admin API request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admin_ws_connections",
				Help:      "Open lifecycle event streams",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Kernel uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordSend records a send attempt and its outcome ("ok" or an error kind).
func (m *Metrics) RecordSend(endpoint, result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(endpoint, result).Inc()
	m.mu.Lock()
	m.snapshot.Sends++
	m.mu.Unlock()
}

// RecordReceive records a dequeued envelope.
func (m *Metrics) RecordReceive(endpoint string) {
	if m == nil {
		return
	}
	m.Receives.WithLabelValues(endpoint).Inc()
	m.mu.Lock()
	m.snapshot.Receives++
	m.mu.Unlock()
}

// RecordBlock records a task suspending on an endpoint.
func (m *Metrics) RecordBlock(endpoint, op string) {
	if m == nil {
		return
	}
	m.Blocks.WithLabelValues(endpoint, op).Inc()
	m.mu.Lock()
	m.snapshot.Blocks++
	m.mu.Unlock()
}

// SetQueueDepth publishes the queue length of an endpoint.
func (m *Metrics) SetQueueDepth(endpoint string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(endpoint).Set(float64(depth))
}

// DeleteEndpoint drops per-endpoint series when an endpoint is destroyed.
func (m *Metrics) DeleteEndpoint(endpoint string) {
	if m == nil {
		return
	}
	m.QueueDepth.DeleteLabelValues(endpoint)
}

// RecordCapDecision records "grant", "revoke" or "deny".
func (m *Metrics) RecordCapDecision(action string) {
	if m == nil {
		return
	}
	m.CapDecisions.WithLabelValues(action).Inc()
	if action == "deny" {
		m.mu.Lock()
		m.snapshot.Denials++
		m.mu.Unlock()
	}
}

// SetCapsActive publishes the capability table size.
func (m *Metrics) SetCapsActive(n int) {
	if m == nil {
		return
	}
	m.CapsActive.Set(float64(n))
}

// SetBufferBytes publishes pool usage.
func (m *Metrics) SetBufferBytes(pool string, bytes int64) {
	if m == nil {
		return
	}
	m.BufferBytes.WithLabelValues(pool).Set(float64(bytes))
}

// RecordTransfer records a committed buffer transfer ("move" or "share").
func (m *Metrics) RecordTransfer(mode string) {
	if m == nil {
		return
	}
	m.BufferTransfers.WithLabelValues(mode).Inc()
}

// RecordTransition records a lifecycle transition and moves the state gauges.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.VNodeTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.VNodes.WithLabelValues(from).Dec()
	}
	m.VNodes.WithLabelValues(to).Inc()
}

// AddDeclared adds delta to a manifest-declared counter.
func (m *Metrics) AddDeclared(vnode, name string, delta float64) {
	if m == nil {
		return
	}
	m.Declared.WithLabelValues(vnode, name).Add(delta)
}

// RecordFault counts an internal invariant violation.
func (m *Metrics) RecordFault() {
	if m == nil {
		return
	}
	m.Faults.Inc()
	m.mu.Lock()
	m.snapshot.Faults++
	m.mu.Unlock()
}

// RecordHTTPRequest records an admin API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.mu.Lock()
	m.snapshot.Requests++
	m.mu.Unlock()
}

// IncWSConnections increments open event streams.
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements open event streams.
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// GetSnapshot returns the current counters for the JSON API.
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSecond = time.Since(m.startTime).Seconds()
	return s
}
