package buffer

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

const (
	// PageSize is the allocation granularity charged against pools and quotas.
	PageSize = 4096
	// MaxBufferSize bounds a single allocation.
	MaxBufferSize = 64 << 20
)

// Handle is a snapshot of a buffer's metadata.
type Handle struct {
	ID        id.BufferID    `json:"id"`
	Size      int            `json:"size"`
	Len       int            `json:"len"`
	DMA       bool           `json:"dma"`
	Owner     string         `json:"owner,omitempty"`
	Sharers   map[string]int `json:"sharers,omitempty"`
	InFlight  bool           `json:"in_flight"`
	CreatedAt time.Time      `json:"created_at"`
}

// Ticket is a handle attached to an in-flight message.
type Ticket struct {
	ID   id.BufferID
	Mode envelope.Mode
	From string
}

// Transfer is a committed ticket, kept with the queued message so a
// destroyed endpoint can give the buffer back.
type Transfer struct {
	ID   id.BufferID
	Mode envelope.Mode
	From string
	To   string
}

// Stats summarizes pool usage.
type Stats struct {
	SharedCapacity int64 `json:"shared_capacity"`
	SharedUsed     int64 `json:"shared_used"`
	DMACapacity    int64 `json:"dma_capacity"`
	DMAUsed        int64 `json:"dma_used"`
	Buffers        int   `json:"buffers"`
}

type record struct {
	id        id.BufferID
	size      int
	reserved  int64
	length    int
	dma       bool
	data      []byte
	owner     string
	charge    string
	sharers   map[string]int
	former    map[string]struct{}
	inFlight  bool
	createdAt time.Time
}

type pool struct {
	capacity int64
	used     int64
}

type quota struct {
	limit int64
	used  int64
}

// Manager owns every buffer handle. At any time a buffer is exclusively
// owned by one V-Node, in flight inside exactly one message, or read-only
// shared by a set of V-Nodes.
type Manager struct {
	mu      sync.Mutex
	records map[id.BufferID]*record
	shared  pool
	dma     pool
	quotas  map[string]*quota
	gone    map[string]struct{}

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewManager creates a manager with the given pool capacities in bytes.
func NewManager(sharedBytes, dmaBytes int64, logger *zap.Logger) *Manager {
	return &Manager{
		records: make(map[id.BufferID]*record),
		shared:  pool{capacity: sharedBytes},
		dma:     pool{capacity: dmaBytes},
		quotas:  make(map[string]*quota),
		gone:    make(map[string]struct{}),
		logger:  logging.OrNop(logger),
	}
}

// WithMetrics adds metrics tracking to the manager.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// SetQuota installs a memory ceiling for owner. Owners without a quota are
// limited only by the pools.
func (m *Manager) SetQuota(owner string, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.quotas[owner] = &quota{limit: limit}
	delete(m.gone, owner)
}

// Usage returns the bytes charged to owner and its ceiling.
func (m *Manager) Usage(owner string) (used, limit int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[owner]
	if !ok {
		return 0, 0, false
	}
	return q.used, q.limit, true
}

// Allocate reserves a zeroed buffer of size bytes for owner.
func (m *Manager) Allocate(owner string, size int, dma bool) (Handle, error) {
	const op = "buffer_alloc"

	if size <= 0 || size > MaxBufferSize {
		return Handle{}, ipcerr.New(ipcerr.InvalidArgument, op, "size %d outside (0, %d]", size, MaxBufferSize)
	}
	reserved := roundUp(int64(size))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.gone[owner]; dead {
		return Handle{}, ipcerr.New(ipcerr.PeerGone, op, "%s is torn down", owner)
	}
	if q, ok := m.quotas[owner]; ok && q.used+reserved > q.limit {
		return Handle{}, ipcerr.New(ipcerr.QuotaExceeded, op,
			"%s would use %d of %d bytes", owner, q.used+reserved, q.limit)
	}
	p := m.poolFor(dma)
	if p.used+reserved > p.capacity {
		return Handle{}, ipcerr.New(ipcerr.OutOfMemory, op,
			"pool has %d of %d bytes free", p.capacity-p.used, p.capacity)
	}

	p.used += reserved
	if q, ok := m.quotas[owner]; ok {
		q.used += reserved
	}

	r := &record{
		id:        id.NewBufferID(),
		size:      size,
		reserved:  reserved,
		dma:       dma,
		data:      make([]byte, size),
		owner:     owner,
		charge:    owner,
		sharers:   make(map[string]int),
		former:    make(map[string]struct{}),
		createdAt: time.Now(),
	}
	m.records[r.id] = r
	m.publishLocked()

	m.logger.Debug("buffer allocated",
		zap.String("owner", owner),
		zap.String("buffer", r.id.String()),
		zap.Int("size", size),
		zap.Bool("dma", dma))

	return r.snapshot(), nil
}

// Attach marks every referenced buffer in flight on behalf of caller. Either
// all handles attach or none do.
func (m *Manager) Attach(caller string, refs []envelope.HandleRef) ([]Ticket, error) {
	const op = "buffer_attach"
	if len(refs) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tickets := make([]Ticket, 0, len(refs))
	for _, ref := range refs {
		r, err := m.accessLocked(op, caller, ref.ID)
		if err != nil {
			m.rollbackLocked(tickets)
			return nil, err
		}

		switch ref.Mode {
		case envelope.Move:
			if r.owner != caller {
				err = ipcerr.New(ipcerr.PermissionDenied, op, "%s is shared read-only with %s", ref.ID, caller)
			} else if len(r.sharers) > 0 {
				err = ipcerr.New(ipcerr.InvalidArgument, op, "%s has %d sharers and cannot move", ref.ID, len(r.sharers))
			}
		case envelope.Share:
		default:
			err = ipcerr.New(ipcerr.InvalidArgument, op, "unknown mode %d", ref.Mode)
		}
		if err == nil && r.inFlight {
			err = ipcerr.New(ipcerr.InvalidArgument, op, "%s is already in flight", ref.ID)
		}
		if err != nil {
			m.rollbackLocked(tickets)
			return nil, err
		}

		r.inFlight = true
		tickets = append(tickets, Ticket{ID: ref.ID, Mode: ref.Mode, From: caller})
	}
	return tickets, nil
}

// Commit completes the tickets for receiver. Must be called in the same
// critical section that enqueues the message. If the moved buffers would
// push receiver past its quota nothing changes hands, the tickets stay
// attached and the error is QuotaExceeded.
func (m *Manager) Commit(tickets []Ticket, receiver string) ([]Transfer, error) {
	if len(tickets) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.quotas[receiver]; ok {
		var incoming int64
		for _, t := range tickets {
			if r, ok := m.records[t.ID]; ok && t.Mode == envelope.Move && r.charge != receiver {
				incoming += r.reserved
			}
		}
		if incoming > 0 && q.used+incoming > q.limit {
			return nil, ipcerr.New(ipcerr.QuotaExceeded, "buffer_commit",
				"%s would hold %d of %d bytes", receiver, q.used+incoming, q.limit)
		}
	}

	transfers := make([]Transfer, 0, len(tickets))
	for _, t := range tickets {
		r, ok := m.records[t.ID]
		if !ok {
			continue
		}
		r.inFlight = false

		switch t.Mode {
		case envelope.Move:
			m.rechargeLocked(r, receiver)
			r.owner = receiver
			r.former[t.From] = struct{}{}
			delete(r.former, receiver)
		case envelope.Share:
			r.sharers[receiver]++
			if _, dead := m.gone[r.owner]; dead {
				r.owner = ""
			}
		}
		transfers = append(transfers, Transfer{ID: t.ID, Mode: t.Mode, From: t.From, To: receiver})
		m.metrics.RecordTransfer(t.Mode.String())
	}
	return transfers, nil
}

// Rollback returns tickets of a failed send to their pre-attach state.
func (m *Manager) Rollback(tickets []Ticket) {
	if len(tickets) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackLocked(tickets)
}

// Revert undoes committed transfers whose message was never received: moved
// buffers go back to their last exclusive owner, shares are dropped.
func (m *Manager) Revert(transfers []Transfer) {
	if len(transfers) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		r, ok := m.records[t.ID]
		if !ok {
			continue
		}

		switch t.Mode {
		case envelope.Move:
			if r.owner != t.To {
				continue
			}
			if _, dead := m.gone[t.From]; dead {
				r.owner = ""
			} else {
				m.rechargeLocked(r, t.From)
				r.owner = t.From
				delete(r.former, t.From)
			}
		case envelope.Share:
			m.dropSharerLocked(r, t.To)
		}
		m.reapLocked(r)
	}
	m.publishLocked()
}

// Release gives up caller's reference. A sharer drops one share; the owner
// frees the buffer, or leaves it to the remaining sharers.
func (m *Manager) Release(caller string, bufID id.BufferID) error {
	const op = "buffer_release"

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.accessLocked(op, caller, bufID)
	if err != nil {
		return err
	}

	if r.owner == caller {
		if r.inFlight {
			return ipcerr.New(ipcerr.InvalidArgument, op, "%s is in flight", bufID)
		}
		r.owner = ""
		r.former[caller] = struct{}{}
	} else {
		m.dropSharerLocked(r, caller)
	}

	m.reapLocked(r)
	m.publishLocked()
	return nil
}

// Read copies up to n bytes starting at off out of the buffer.
func (m *Manager) Read(caller string, bufID id.BufferID, off, n int) ([]byte, error) {
	const op = "buffer_read"

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.accessLocked(op, caller, bufID)
	if err != nil {
		return nil, err
	}
	if r.inFlight {
		return nil, ipcerr.New(ipcerr.InvalidArgument, op, "%s is in flight", bufID)
	}
	if off < 0 || n < 0 || off > r.length {
		return nil, ipcerr.New(ipcerr.InvalidArgument, op,
			"offset %d outside written length %d", off, r.length)
	}

	end := r.length
	if n < r.length-off {
		end = off + n
	}
	return append([]byte(nil), r.data[off:end]...), nil
}

// Write copies data into the buffer at off. Only the owner of an idle
// buffer may write; sharers are read-only.
func (m *Manager) Write(caller string, bufID id.BufferID, off int, data []byte) (int, error) {
	const op = "buffer_write"

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.accessLocked(op, caller, bufID)
	if err != nil {
		return 0, err
	}
	if r.owner != caller {
		return 0, ipcerr.New(ipcerr.PermissionDenied, op, "%s is read-only for %s", bufID, caller)
	}
	if r.inFlight {
		return 0, ipcerr.New(ipcerr.InvalidArgument, op, "%s is in flight", bufID)
	}
	if off < 0 || off > r.size || len(data) > r.size-off {
		return 0, ipcerr.New(ipcerr.InvalidArgument, op,
			"buffer too small: %d bytes at offset %d, provided %d", len(data), off, r.size)
	}

	copy(r.data[off:], data)
	r.length = max(r.length, off+len(data))
	return len(data), nil
}

// Stat returns metadata for a buffer without an access check.
func (m *Manager) Stat(bufID id.BufferID) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[bufID]
	if !ok {
		return Handle{}, false
	}
	return r.snapshot(), true
}

// List returns the buffers owned by or shared with owner; an empty owner
// lists everything.
func (m *Manager) List(owner string) []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Handle, 0)
	for _, r := range m.records {
		if owner == "" || r.owner == owner || r.sharers[owner] > 0 {
			out = append(out, r.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReleaseOwner drops every reference held by a torn-down V-Node and its
// quota. Returns the number of buffers freed.
func (m *Manager) ReleaseOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gone[owner] = struct{}{}
	delete(m.quotas, owner)

	freed := 0
	for _, r := range m.records {
		delete(r.sharers, owner)
		delete(r.former, owner)
		if r.owner == owner && !r.inFlight {
			r.owner = ""
		}
		if m.reapLocked(r) {
			freed++
		}
	}
	m.publishLocked()

	if freed > 0 {
		m.logger.Debug("buffers reclaimed", zap.String("owner", owner), zap.Int("count", freed))
	}
	return freed
}

// Stats returns pool usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		SharedCapacity: m.shared.capacity,
		SharedUsed:     m.shared.used,
		DMACapacity:    m.dma.capacity,
		DMAUsed:        m.dma.used,
		Buffers:        len(m.records),
	}
}

// ============================================================================
// Internals (callers hold m.mu)
// ============================================================================

func (m *Manager) poolFor(dma bool) *pool {
	if dma {
		return &m.dma
	}
	return &m.shared
}

// accessLocked resolves bufID for caller, who must be its owner or a sharer.
func (m *Manager) accessLocked(op, caller string, bufID id.BufferID) (*record, error) {
	r, ok := m.records[bufID]
	if !ok {
		return nil, ipcerr.New(ipcerr.NotFound, op, "no buffer %s", bufID)
	}
	if r.owner == caller || r.sharers[caller] > 0 {
		return r, nil
	}
	if _, was := r.former[caller]; was {
		return nil, ipcerr.New(ipcerr.Invalidated, op, "%s no longer holds %s", caller, bufID)
	}
	return nil, ipcerr.New(ipcerr.PermissionDenied, op, "%s holds no reference to %s", caller, bufID)
}

func (m *Manager) rollbackLocked(tickets []Ticket) {
	for _, t := range tickets {
		r, ok := m.records[t.ID]
		if !ok {
			continue
		}
		r.inFlight = false
		if _, dead := m.gone[r.owner]; dead {
			r.owner = ""
		}
		m.reapLocked(r)
	}
	m.publishLocked()
}

func (m *Manager) dropSharerLocked(r *record, subject string) {
	if r.sharers[subject] <= 1 {
		delete(r.sharers, subject)
		return
	}
	r.sharers[subject]--
}

func (m *Manager) rechargeLocked(r *record, to string) {
	if q, ok := m.quotas[r.charge]; ok {
		q.used -= r.reserved
	}
	if q, ok := m.quotas[to]; ok {
		q.used += r.reserved
	}
	r.charge = to
}

// reapLocked frees r once nobody references it.
func (m *Manager) reapLocked(r *record) bool {
	if r.owner != "" || len(r.sharers) > 0 || r.inFlight {
		return false
	}

	delete(m.records, r.id)
	m.poolFor(r.dma).used -= r.reserved
	if q, ok := m.quotas[r.charge]; ok {
		q.used -= r.reserved
	}
	r.data = nil
	return true
}

func (m *Manager) publishLocked() {
	m.metrics.SetBufferBytes("shared", m.shared.used)
	m.metrics.SetBufferBytes("dma", m.dma.used)
}

func (r *record) snapshot() Handle {
	h := Handle{
		ID:        r.id,
		Size:      r.size,
		Len:       r.length,
		DMA:       r.dma,
		Owner:     r.owner,
		InFlight:  r.inFlight,
		CreatedAt: r.createdAt,
	}
	if len(r.sharers) > 0 {
		h.Sharers = make(map[string]int, len(r.sharers))
		for k, v := range r.sharers {
			h.Sharers[k] = v
		}
	}
	return h
}

func roundUp(n int64) int64 {
	return (n + PageSize - 1) / PageSize * PageSize
}
