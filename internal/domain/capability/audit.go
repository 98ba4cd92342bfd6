package capability

import "time"

// AuditEntry records one capability decision.
type AuditEntry struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Resource  string `json:"resource"`
	Rights    Rights `json:"rights"`
	Actor     string `json:"actor,omitempty"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// auditLog is a fixed-size ring of decisions. Not safe for concurrent use;
// the table lock guards it.
type auditLog struct {
	entries []AuditEntry
	next    int
	full    bool
}

func newAuditLog(size int) *auditLog {
	if size <= 0 {
		size = 256
	}
	return &auditLog{entries: make([]AuditEntry, size)}
}

func (a *auditLog) add(e AuditEntry) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

func (a *auditLog) recent(limit int) []AuditEntry {
	n := a.next
	if a.full {
		n = len(a.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]AuditEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.next - i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}
