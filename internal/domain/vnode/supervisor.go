package vnode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/buffer"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/channel"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/sched"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// State is a V-Node lifecycle state.
type State string

const (
	StateLoading State = "loading"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateCrashed State = "crashed"
)

// active states hold kernel resources.
func (s State) active() bool {
	return s == StateLoading || s == StateRunning
}

var validTransitions = map[State][]State{
	"":           {StateLoading},
	StateLoading: {StateRunning, StateCrashed},
	StateRunning: {StateStopped, StateCrashed},
	StateStopped: {StateLoading},
	StateCrashed: {StateLoading},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Binder returns the syscall binding for one instance of a V-Node. The
// binding must stop working once Supervisor.Alive reports the generation
// is gone.
type Binder func(name string, generation uint64) abi.Syscalls

// Config holds supervisor limits.
type Config struct {
	// Loader is the subject whose administer rights bound every manifest.
	Loader      string
	MemoryMB    int
	CPUCapacity float64
	MaxCrashes  int
	CrashWindow time.Duration
	// StopGrace is how long Stop waits for the program to return.
	StopGrace time.Duration
}

// Deps are the kernel services the supervisor drives.
type Deps struct {
	Caps      *capability.Table
	Transport *channel.Transport
	Buffers   *buffer.Manager
	Sched     *sched.Scheduler
	Images    *ImageStore
	Bind      Binder
	Events    *EventBroker
	Journal   Journal
}

// Status is a snapshot of one V-Node.
type Status struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	RunHandle    string        `json:"run_handle,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Version      string        `json:"version,omitempty"`
	Entrypoint   string        `json:"entrypoint"`
	Endpoint     string        `json:"endpoint,omitempty"`
	Grants       []Grant       `json:"grants"`
	Warnings     []string      `json:"warnings,omitempty"`
	MemoryMB     int           `json:"memory_mb"`
	CPUShare     float64       `json:"cpu_share"`
	Restarts     int           `json:"restarts"`
	Guard        string        `json:"guard"`
	StartedAt    time.Time     `json:"started_at"`
	StoppedAt    time.Time     `json:"stopped_at,omitempty"`
	AddressSpace *AddressSpace `json:"address_space,omitempty"`
}

type instance struct {
	manifest  *Manifest
	state     State
	reason    string
	gen       uint64
	stopping  bool
	runHandle string
	space     *AddressSpace
	grants    []Grant
	warnings  []string
	endpoint  string
	restarts  int
	startedAt time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	guard     *resilience.Guard
}

// Supervisor admits V-Nodes from manifests and drives their lifecycle.
type Supervisor struct {
	mu        sync.Mutex
	vnodes    map[string]*instance
	gen       uint64
	usedMemMB int
	usedCPU   float64
	closing   bool

	cfg    Config
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewSupervisor creates a supervisor. Programs run under a context that
// Shutdown cancels.
func NewSupervisor(cfg Config, deps Deps, logger *zap.Logger) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if deps.Events == nil {
		deps.Events = NewEventBroker()
	}
	if deps.Journal == nil {
		deps.Journal = NopJournal{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		vnodes: make(map[string]*instance),
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		logger: logging.OrNop(logger),
	}
}

// WithMetrics adds metrics tracking to the supervisor.
func (s *Supervisor) WithMetrics(m *monitoring.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// Events returns the lifecycle event broker.
func (s *Supervisor) Events() *EventBroker {
	return s.deps.Events
}

// ============================================================================
// Lifecycle operations
// ============================================================================

// Start admits m and runs its entrypoint. Every capability is granted before
// the task becomes runnable; a failure at any step tears down what was set
// up and leaves the V-Node Crashed.
func (s *Supervisor) Start(ctx context.Context, m *Manifest) (Status, error) {
	const op = "vnode_start"

	if m == nil {
		return Status{}, ipcerr.New(ipcerr.InvalidArgument, op, "manifest is required")
	}
	m = m.Clone()

	grants, warnings, err := Resolve(m)
	if err != nil {
		s.logger.Warn("manifest rejected", zap.String("vnode", m.Name), zap.Error(err))
		return Status{}, err
	}
	for _, w := range warnings {
		s.logger.Warn("manifest entry ignored", zap.String("vnode", m.Name), zap.String("warning", w))
	}

	s.mu.Lock()
	inst, exists := s.vnodes[m.Name]
	if err := s.admitLocked(m, inst, grants); err != nil {
		s.mu.Unlock()
		return Status{}, err
	}
	img, err := s.deps.Images.Resolve(m.Runtime.Entrypoint)
	if err != nil {
		s.mu.Unlock()
		return Status{}, err
	}

	from := State("")
	if exists {
		from = inst.state
		inst.restarts++
	} else {
		inst = &instance{guard: s.newGuard(m)}
		s.vnodes[m.Name] = inst
	}
	s.gen++
	gen := s.gen
	inst.manifest = m
	inst.state = StateLoading
	inst.reason = ""
	inst.gen = gen
	inst.grants = grants
	inst.warnings = warnings
	inst.runHandle = ""
	inst.endpoint = ""
	inst.space = nil
	inst.startedAt = time.Now()
	inst.stoppedAt = time.Time{}
	s.usedMemMB += m.Runtime.RequiredMemMB
	s.usedCPU += m.Runtime.MaxCPUShare
	s.mu.Unlock()

	s.emit(m.Name, from, StateLoading, "", "")

	endpoint, err := s.setup(m, grants)
	if err != nil {
		s.finish(m.Name, gen, StateCrashed, err.Error())
		return Status{}, err
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	sys := s.deps.Bind(m.Name, gen)

	s.mu.Lock()
	inst.state = StateRunning
	inst.runHandle = id.NewRunHandle()
	inst.space = newAddressSpace(img, m)
	inst.endpoint = endpoint
	inst.cancel = cancel
	inst.done = done
	status := inst.status(m.Name)
	s.mu.Unlock()

	s.emit(m.Name, StateLoading, StateRunning, "", status.RunHandle)
	go s.run(runCtx, m.Name, gen, img.Program, sys, done)

	s.logger.Info("vnode started",
		zap.String("vnode", m.Name),
		zap.String("run_handle", status.RunHandle),
		zap.Int("grants", len(grants)),
		zap.String("endpoint", endpoint))
	return status, nil
}

// admitLocked applies admission control. Nothing is reserved on failure.
func (s *Supervisor) admitLocked(m *Manifest, inst *instance, grants []Grant) error {
	const op = "vnode_start"

	if s.closing {
		return ipcerr.New(ipcerr.PeerGone, op, "supervisor is shutting down")
	}
	if inst != nil && inst.state.active() {
		return ipcerr.New(ipcerr.AlreadyRunning, op, "%s is %s", m.Name, inst.state)
	}
	for _, g := range grants {
		if !s.deps.Caps.Check(s.cfg.Loader, g.Resource, capability.Administer) {
			return ipcerr.New(ipcerr.ManifestRejected, op, "%s requests %s on %s, which the loader cannot grant", m.Name, g.Rights, g.Resource)
		}
	}
	if inst != nil {
		if err := inst.guard.Allow(); err != nil {
			return ipcerr.Wrap(ipcerr.QuotaExceeded, op, fmt.Errorf("%s: %w", m.Name, err))
		}
	}
	if s.cfg.MemoryMB > 0 && s.usedMemMB+m.Runtime.RequiredMemMB > s.cfg.MemoryMB {
		return ipcerr.New(ipcerr.QuotaExceeded, op, "%s needs %d MiB, %d of %d MiB remain",
			m.Name, m.Runtime.RequiredMemMB, s.cfg.MemoryMB-s.usedMemMB, s.cfg.MemoryMB)
	}
	if s.cfg.CPUCapacity > 0 && s.usedCPU+m.Runtime.MaxCPUShare > s.cfg.CPUCapacity+1e-9 {
		return ipcerr.New(ipcerr.QuotaExceeded, op, "%s needs %.2f CPU, %.2f of %.2f remain",
			m.Name, m.Runtime.MaxCPUShare, s.cfg.CPUCapacity-s.usedCPU, s.cfg.CPUCapacity)
	}
	return nil
}

// setup mints the grants, installs the memory quota, opens the V-Node's
// endpoint and finally makes its task runnable.
func (s *Supervisor) setup(m *Manifest, grants []Grant) (string, error) {
	for _, g := range grants {
		if _, err := s.deps.Caps.Grant(m.Name, g.Resource, g.Rights, s.cfg.Loader); err != nil {
			return "", err
		}
	}
	s.deps.Buffers.SetQuota(m.Name, int64(m.Runtime.RequiredMemMB)<<20)

	endpoint := ""
	for _, g := range grants {
		if g.Resource == m.ServiceName() && g.Rights.Has(capability.Accept) {
			if _, err := s.deps.Transport.Open(m.Name, g.Resource, m.Service.Capacity); err != nil {
				return "", err
			}
			endpoint = g.Resource
		}
	}

	if _, err := s.deps.Sched.Spawn(m.Name); err != nil {
		return "", err
	}
	return endpoint, nil
}

// Stop cancels the V-Node's program and tears down everything it held.
// Stopping a V-Node that is not running returns its status unchanged.
func (s *Supervisor) Stop(ctx context.Context, name string) (Status, error) {
	const op = "vnode_stop"

	s.mu.Lock()
	inst, ok := s.vnodes[name]
	if !ok {
		s.mu.Unlock()
		return Status{}, ipcerr.New(ipcerr.NotFound, op, "no vnode %s", name)
	}
	if inst.state == StateLoading {
		s.mu.Unlock()
		return Status{}, ipcerr.New(ipcerr.InvalidArgument, op, "%s is still loading", name)
	}
	if inst.state != StateRunning {
		status := inst.status(name)
		s.mu.Unlock()
		return status, nil
	}
	gen, done := inst.gen, inst.done
	s.mu.Unlock()

	if s.finish(name, gen, StateStopped, "stopped") && done != nil {
		timer := time.NewTimer(s.cfg.StopGrace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.logger.Warn("vnode program did not exit after stop", zap.String("vnode", name))
		case <-ctx.Done():
		}
	}
	return s.Status(name)
}

// Restart is Stop followed by Start with the same manifest.
func (s *Supervisor) Restart(ctx context.Context, name string) (Status, error) {
	s.mu.Lock()
	inst, ok := s.vnodes[name]
	if !ok {
		s.mu.Unlock()
		return Status{}, ipcerr.New(ipcerr.NotFound, "vnode_restart", "no vnode %s", name)
	}
	m := inst.manifest
	s.mu.Unlock()

	if _, err := s.Stop(ctx, name); err != nil {
		return Status{}, err
	}
	return s.Start(ctx, m)
}

// Status returns the current state of name.
func (s *Supervisor) Status(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.vnodes[name]
	if !ok {
		return Status{}, ipcerr.New(ipcerr.NotFound, "vnode_status", "no vnode %s", name)
	}
	return inst.status(name), nil
}

// List returns every known V-Node ordered by name.
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.vnodes))
	for name, inst := range s.vnodes {
		out = append(out, inst.status(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Manifest returns the manifest name was last started with.
func (s *Supervisor) Manifest(name string) (*Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.vnodes[name]
	if !ok {
		return nil, false
	}
	return inst.manifest.Clone(), true
}

// Alive reports whether generation is the live instance of name. Syscall
// bindings of earlier instances use this to refuse service.
func (s *Supervisor) Alive(name string, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.vnodes[name]
	return ok && inst.gen == generation && inst.state == StateRunning && !inst.stopping
}

// Shutdown stops every running V-Node, most recently started first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	type entry struct {
		name string
		gen  uint64
	}
	var running []entry
	for name, inst := range s.vnodes {
		if inst.state == StateRunning {
			running = append(running, entry{name, inst.gen})
		}
	}
	s.mu.Unlock()

	sort.Slice(running, func(i, j int) bool { return running[i].gen > running[j].gen })

	var errs []error
	for _, e := range running {
		if _, err := s.Stop(ctx, e.name); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", e.name, err))
		}
	}
	s.cancel()
	s.deps.Events.Close()
	return errors.Join(errs...)
}

// ============================================================================
// Internals
// ============================================================================

func (s *Supervisor) run(ctx context.Context, name string, gen uint64, prog abi.Program, sys abi.Syscalls, done chan struct{}) {
	defer close(done)

	err := invoke(ctx, prog, sys)
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		s.finish(name, gen, StateStopped, "exited")
		return
	}

	if s.finish(name, gen, StateCrashed, err.Error()) {
		s.logger.Error("vnode crashed", zap.String("vnode", name), zap.Error(err))
	}
}

func invoke(ctx context.Context, prog abi.Program, sys abi.Syscalls) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return prog(ctx, sys)
}

// finish moves generation gen of name to a terminal state and feeds the
// outcome to the restart guard. The instance is marked stopping while it is
// torn down so that neither a second finish nor a new Start can interleave
// with the teardown.
func (s *Supervisor) finish(name string, gen uint64, to State, reason string) bool {
	s.mu.Lock()
	inst, ok := s.vnodes[name]
	if !ok || inst.gen != gen || inst.stopping || !inst.state.active() {
		s.mu.Unlock()
		return false
	}
	from := inst.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("invalid lifecycle transition",
			zap.String("vnode", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		s.metrics.RecordFault()
		return false
	}
	inst.stopping = true
	cancel := inst.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.teardown(name)

	if to == StateCrashed {
		inst.guard.RecordCrash()
	} else {
		inst.guard.RecordClean()
	}

	s.mu.Lock()
	inst.state = to
	inst.reason = reason
	inst.stopping = false
	inst.runHandle = ""
	inst.cancel = nil
	inst.stoppedAt = time.Now()
	s.usedMemMB -= inst.manifest.Runtime.RequiredMemMB
	s.usedCPU -= inst.manifest.Runtime.MaxCPUShare
	s.mu.Unlock()

	s.emit(name, from, to, reason, "")
	return true
}

// teardown revokes capabilities first, then closes endpoints, reclaims
// buffers and finally removes the task.
func (s *Supervisor) teardown(name string) {
	invalidated := s.deps.Caps.RevokeSubject(name)
	closed := s.deps.Transport.CloseOwner(name)
	freed := s.deps.Buffers.ReleaseOwner(name)
	s.deps.Sched.Terminate(name)

	s.logger.Info("vnode torn down",
		zap.String("vnode", name),
		zap.Int("invalidated", invalidated),
		zap.Int("endpoints_closed", closed),
		zap.Int("buffers_freed", freed))
}

func (s *Supervisor) emit(name string, from, to State, reason, runHandle string) {
	e := Event{
		ID:        id.NewEventID(),
		VNode:     name,
		From:      from,
		To:        to,
		Reason:    reason,
		RunHandle: runHandle,
		Time:      time.Now(),
	}
	s.metrics.RecordTransition(string(from), string(to))
	s.deps.Events.Publish(e)
	if err := s.deps.Journal.Record(s.ctx, e); err != nil {
		s.logger.Warn("failed to journal lifecycle event", zap.String("vnode", name), zap.Error(err))
	}
	s.logger.Debug("vnode transition",
		zap.String("vnode", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}

func (s *Supervisor) newGuard(m *Manifest) *resilience.Guard {
	maxFailures := m.Restart.MaxFailures
	if maxFailures <= 0 {
		maxFailures = s.cfg.MaxCrashes
	}
	return resilience.New(m.Name, resilience.Settings{
		MaxFailures: maxFailures,
		Window:      s.cfg.CrashWindow,
		OnStateChange: func(name string, from, to resilience.State) {
			s.logger.Warn("restart guard changed state",
				zap.String("vnode", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
}

func (inst *instance) status(name string) Status {
	m := inst.manifest
	return Status{
		Name:         name,
		State:        inst.state,
		RunHandle:    inst.runHandle,
		Reason:       inst.reason,
		Version:      m.Version,
		Entrypoint:   m.Runtime.Entrypoint,
		Endpoint:     inst.endpoint,
		Grants:       append([]Grant(nil), inst.grants...),
		Warnings:     append([]string(nil), inst.warnings...),
		MemoryMB:     m.Runtime.RequiredMemMB,
		CPUShare:     m.Runtime.MaxCPUShare,
		Restarts:     inst.restarts,
		Guard:        inst.guard.State().String(),
		StartedAt:    inst.startedAt,
		StoppedAt:    inst.stoppedAt,
		AddressSpace: inst.space,
	}
}
