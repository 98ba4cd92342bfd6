package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Capability is an immutable grant of rights over one resource, or over a
// resource class when Pattern is set.
type Capability struct {
	ID        id.CapabilityID `json:"id"`
	Subject   string          `json:"subject"`
	Resource  string          `json:"resource"`
	Rights    Rights          `json:"rights"`
	Grantor   string          `json:"grantor,omitempty"`
	Parent    id.CapabilityID `json:"parent,omitempty"`
	Pattern   bool            `json:"pattern,omitempty"`
	Seq       uint64          `json:"seq"`
	GrantedAt time.Time       `json:"granted_at"`
}

// Covers reports whether the capability applies to resource.
func (c *Capability) Covers(resource string) bool {
	if !c.Pattern {
		return c.Resource == resource
	}
	ok, err := doublestar.Match(c.Resource, resource)
	return err == nil && ok
}

// RevokeHook is told about every capability removed from the table and
// returns how many live references (endpoints, blocked operations) it
// invalidated as a consequence.
type RevokeHook func(c Capability) int

type key struct {
	subject  string
	resource string
}

// Table is the kernel's authority map from (subject, resource) to rights.
// Exact entries are found with a single map lookup; pattern entries are kept
// per subject and only consulted when no exact entry satisfies a check.
type Table struct {
	mu       sync.RWMutex
	exact    map[key]*Capability
	patterns map[string][]*Capability
	byID     map[id.CapabilityID]*Capability
	children map[id.CapabilityID][]id.CapabilityID
	seq      uint64
	hooks    []RevokeHook

	audit   *auditLog
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewTable creates an empty capability table.
func NewTable(logger *zap.Logger, auditSize int) *Table {
	return &Table{
		exact:    make(map[key]*Capability),
		patterns: make(map[string][]*Capability),
		byID:     make(map[id.CapabilityID]*Capability),
		children: make(map[id.CapabilityID][]id.CapabilityID),
		audit:    newAuditLog(auditSize),
		logger:   logging.OrNop(logger),
	}
}

// WithMetrics adds metrics tracking to the table.
func (t *Table) WithMetrics(m *monitoring.Metrics) *Table {
	t.metrics = m
	return t
}

// OnRevoke registers a hook run after capabilities are removed. Hooks run
// outside the table lock and may call back into the table.
func (t *Table) OnRevoke(hook RevokeHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
}

// Bootstrap installs root capabilities for the kernel's own subjects. These
// are the only grants not authorized by an existing administer capability.
func (t *Table) Bootstrap(subject string, resources []string, rights Rights) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, res := range resources {
		if err := validateResource("cap_bootstrap", res); err != nil {
			return err
		}
		if t.findLocked(subject, res) != nil {
			return ipcerr.New(ipcerr.InvalidArgument, "cap_bootstrap", "%s already holds %s", subject, res)
		}
		t.insertLocked(subject, res, rights, "", "")
	}
	t.metrics.SetCapsActive(len(t.byID))
	return nil
}

// Grant gives subject the rights over resource. The grantor must hold
// Administer over the resource; the new entry is recorded as derived from
// the grantor's capability so revoking that capability cascades to it.
func (t *Table) Grant(subject, resource string, rights Rights, grantor string) (Capability, error) {
	const op = "cap_grant"

	if subject == "" {
		return Capability{}, ipcerr.New(ipcerr.InvalidArgument, op, "empty subject")
	}
	if rights == None {
		return Capability{}, ipcerr.New(ipcerr.InvalidArgument, op, "no rights requested")
	}
	if err := validateResource(op, resource); err != nil {
		return Capability{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.lookupLocked(grantor, resource, Administer)
	if parent == nil {
		t.deny(op, grantor, resource, Administer, "grantor lacks administer")
		return Capability{}, ipcerr.New(ipcerr.PermissionDenied, op,
			"%s cannot administer %s", grantor, resource)
	}
	if parent.Pattern && isPattern(resource) && !patternWithin(resource, parent.Resource) {
		t.deny(op, grantor, resource, Administer, "pattern exceeds grantor class")
		return Capability{}, ipcerr.New(ipcerr.PermissionDenied, op,
			"%s cannot delegate %s beyond %s", grantor, resource, parent.Resource)
	}
	if t.findLocked(subject, resource) != nil {
		return Capability{}, ipcerr.New(ipcerr.InvalidArgument, op,
			"%s already holds a capability on %s; revoke before re-granting", subject, resource)
	}

	c := t.insertLocked(subject, resource, rights, grantor, parent.ID)

	t.audit.add(AuditEntry{Action: "grant", Subject: subject, Resource: resource, Rights: rights, Actor: grantor, Allowed: true})
	t.metrics.RecordCapDecision("grant")
	t.metrics.SetCapsActive(len(t.byID))
	t.logger.Debug("capability granted",
		zap.String("subject", subject),
		zap.String("resource", resource),
		zap.Stringer("rights", rights),
		zap.String("grantor", grantor))

	return *c, nil
}

// Check reports whether subject holds every right in required over resource.
// It has no side effects.
func (t *Table) Check(subject, resource string, required Rights) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.lookupLocked(subject, resource, required) != nil
}

// Authorize is Check for syscall paths: a failed check is audited and
// returned as PermissionDenied for op.
func (t *Table) Authorize(subject, resource string, required Rights, op string) error {
	if t.Check(subject, resource, required) {
		return nil
	}

	t.mu.Lock()
	t.deny(op, subject, resource, required, "missing rights")
	t.mu.Unlock()

	return ipcerr.New(ipcerr.PermissionDenied, op, "%s lacks %s on %s", subject, required, resource)
}

// Revoke removes the subject's capability on resource together with every
// capability derived from it. Hooks are notified in creation order, the
// revoked capability first. Returns the number of invalidated references.
func (t *Table) Revoke(subject, resource string) (int, error) {
	t.mu.Lock()
	root := t.findLocked(subject, resource)
	if root == nil {
		t.mu.Unlock()
		return 0, ipcerr.New(ipcerr.NotFound, "cap_revoke", "%s holds no capability on %s", subject, resource)
	}
	removed := t.removeTreeLocked([]*Capability{root})
	hooks := t.hooks
	t.mu.Unlock()

	return t.notify(hooks, removed, "revoke"), nil
}

// RevokeSubject removes everything subject holds and everything it has
// delegated. Used when a V-Node is torn down.
func (t *Table) RevokeSubject(subject string) int {
	t.mu.Lock()
	var roots []*Capability
	for _, c := range t.byID {
		if c.Subject == subject {
			roots = append(roots, c)
		}
	}
	if len(roots) == 0 {
		t.mu.Unlock()
		return 0
	}
	removed := t.removeTreeLocked(roots)
	hooks := t.hooks
	t.mu.Unlock()

	return t.notify(hooks, removed, "revoke_all")
}

// List returns copies of the capabilities held by subject in grant order.
// An empty subject lists the whole table.
func (t *Table) List(subject string) []Capability {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Capability, 0)
	for _, c := range t.byID {
		if subject == "" || c.Subject == subject {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Get returns a capability by ID.
func (t *Table) Get(capID id.CapabilityID) (Capability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.byID[capID]
	if !ok {
		return Capability{}, false
	}
	return *c, true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Audit returns up to limit recent decisions, newest first.
func (t *Table) Audit(limit int) []AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.audit.recent(limit)
}

// ============================================================================
// Internals (callers hold t.mu)
// ============================================================================

func (t *Table) insertLocked(subject, resource string, rights Rights, grantor string, parent id.CapabilityID) *Capability {
	t.seq++
	c := &Capability{
		ID:        id.NewCapabilityID(),
		Subject:   subject,
		Resource:  resource,
		Rights:    rights,
		Grantor:   grantor,
		Parent:    parent,
		Pattern:   isPattern(resource),
		Seq:       t.seq,
		GrantedAt: time.Now(),
	}

	if c.Pattern {
		t.patterns[subject] = append(t.patterns[subject], c)
	} else {
		t.exact[key{subject, resource}] = c
	}
	t.byID[c.ID] = c
	if parent != "" {
		t.children[parent] = append(t.children[parent], c.ID)
	}
	return c
}

// findLocked returns the entry whose resource string equals resource.
func (t *Table) findLocked(subject, resource string) *Capability {
	if !isPattern(resource) {
		return t.exact[key{subject, resource}]
	}
	for _, c := range t.patterns[subject] {
		if c.Resource == resource {
			return c
		}
	}
	return nil
}

// lookupLocked returns an entry of subject that covers resource with the
// required rights, preferring the exact entry.
func (t *Table) lookupLocked(subject, resource string, required Rights) *Capability {
	if c, ok := t.exact[key{subject, resource}]; ok && c.Rights.Has(required) {
		return c
	}
	for _, c := range t.patterns[subject] {
		if c.Rights.Has(required) && c.Covers(resource) {
			return c
		}
	}
	return nil
}

// removeTreeLocked deletes roots and all their descendants, returning them
// ordered by creation.
func (t *Table) removeTreeLocked(roots []*Capability) []Capability {
	seen := make(map[id.CapabilityID]struct{})
	var collected []*Capability

	queue := append([]*Capability(nil), roots...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		collected = append(collected, c)
		for _, childID := range t.children[c.ID] {
			if child, ok := t.byID[childID]; ok {
				queue = append(queue, child)
			}
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Seq < collected[j].Seq })

	out := make([]Capability, 0, len(collected))
	for _, c := range collected {
		t.deleteLocked(c)
		out = append(out, *c)
	}
	t.metrics.SetCapsActive(len(t.byID))
	return out
}

func (t *Table) deleteLocked(c *Capability) {
	delete(t.byID, c.ID)
	delete(t.children, c.ID)
	if c.Pattern {
		list := t.patterns[c.Subject]
		for i, p := range list {
			if p.ID == c.ID {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(t.patterns, c.Subject)
		} else {
			t.patterns[c.Subject] = list
		}
	} else {
		delete(t.exact, key{c.Subject, c.Resource})
	}
	if c.Parent != "" {
		siblings := t.children[c.Parent]
		for i, sib := range siblings {
			if sib == c.ID {
				t.children[c.Parent] = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
	}
}

func (t *Table) notify(hooks []RevokeHook, removed []Capability, action string) int {
	invalidated := 0
	for _, c := range removed {
		for _, hook := range hooks {
			invalidated += hook(c)
		}
	}

	t.mu.Lock()
	for _, c := range removed {
		t.audit.add(AuditEntry{Action: action, Subject: c.Subject, Resource: c.Resource, Rights: c.Rights, Allowed: true})
		t.metrics.RecordCapDecision("revoke")
	}
	t.mu.Unlock()

	t.logger.Debug("capabilities revoked",
		zap.Int("count", len(removed)),
		zap.Int("invalidated", invalidated))
	return invalidated
}

func (t *Table) deny(op, subject, resource string, required Rights, reason string) {
	t.audit.add(AuditEntry{Action: op, Subject: subject, Resource: resource, Rights: required, Allowed: false, Reason: reason})
	t.metrics.RecordCapDecision("deny")
	t.logger.Info("capability check denied",
		zap.String("op", op),
		zap.String("subject", subject),
		zap.String("resource", resource),
		zap.Stringer("required", required))
}

func isPattern(resource string) bool {
	return strings.ContainsAny(resource, "*?[{")
}

// patternWithin reports whether every resource matched by inner is also
// matched by outer. Only the common prefix-class form ("svc://db/**" inside
// "svc://**") is accepted.
func patternWithin(inner, outer string) bool {
	if inner == outer {
		return true
	}
	prefix, ok := strings.CutSuffix(outer, "**")
	if !ok {
		return false
	}
	return strings.HasPrefix(inner, prefix)
}

func validateResource(op, resource string) error {
	scheme, rest, ok := strings.Cut(resource, "://")
	if !ok || scheme == "" || rest == "" {
		return ipcerr.New(ipcerr.InvalidArgument, op, "resource %q is not a scheme://name URI", resource)
	}
	if isPattern(resource) && !doublestar.ValidatePattern(resource) {
		return ipcerr.New(ipcerr.InvalidArgument, op, "resource pattern %q is malformed", resource)
	}
	return nil
}
