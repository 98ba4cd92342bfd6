package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/buffer"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/channel"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/sched"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/config"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Subjects the kernel bootstraps with administer rights over every
// grantable resource class.
const (
	SubjectKernel = "kernel"
	SubjectLoader = "loader"
)

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(logger *zap.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithJournal sets the lifecycle journal.
func WithJournal(j vnode.Journal) Option {
	return func(k *Kernel) { k.journal = j }
}

// WithImages sets the image store.
func WithImages(images *vnode.ImageStore) Option {
	return func(k *Kernel) { k.images = images }
}

// Kernel owns the single instance of every core service. Nothing is
// reachable from V-Node code except through a Syscalls binding.
type Kernel struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *monitoring.Metrics
	journal vnode.Journal

	caps       *capability.Table
	buffers    *buffer.Manager
	sched      *sched.Scheduler
	transport  *channel.Transport
	images     *vnode.ImageStore
	supervisor *vnode.Supervisor

	booted   atomic.Bool
	faultMu  sync.Mutex
	faultErr error
}

// New constructs a kernel from cfg. Nothing runs until Boot.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = logging.OrNop(k.logger)
	if k.journal == nil {
		k.journal = vnode.NopJournal{}
	}
	if k.images == nil {
		k.images = vnode.NewImageStore()
	}

	k.caps = capability.NewTable(k.logger.Named("caps"), cfg.Kernel.AuditSize).WithMetrics(k.metrics)
	for _, subject := range []string{SubjectKernel, SubjectLoader} {
		if err := k.caps.Bootstrap(subject, cfg.Loader.GrantablePatterns, capability.All); err != nil {
			return nil, fmt.Errorf("bootstrap %s capabilities: %w", subject, err)
		}
	}

	sharedMB := cfg.Kernel.MemoryMB - cfg.Kernel.DMAMemoryMB
	k.buffers = buffer.NewManager(int64(sharedMB)<<20, int64(cfg.Kernel.DMAMemoryMB)<<20, k.logger.Named("buffers")).
		WithMetrics(k.metrics)
	k.sched = sched.New(k.logger.Named("sched"))
	k.transport = channel.New(k.caps, k.buffers, k.sched, k.logger.Named("ipc")).
		WithMetrics(k.metrics).
		WithDefaults(cfg.Kernel.ChannelCapacity, cfg.Kernel.IPCTimeout)

	k.supervisor = vnode.NewSupervisor(vnode.Config{
		Loader:      SubjectLoader,
		MemoryMB:    cfg.Kernel.MemoryMB,
		CPUCapacity: cfg.Kernel.CPUCapacity,
		MaxCrashes:  cfg.Loader.MaxCrashes,
		CrashWindow: cfg.Loader.CrashWindow,
	}, vnode.Deps{
		Caps:      k.caps,
		Transport: k.transport,
		Buffers:   k.buffers,
		Sched:     k.sched,
		Images:    k.images,
		Bind:      k.bind,
		Journal:   k.journal,
	}, k.logger.Named("supervisor")).WithMetrics(k.metrics)

	return k, nil
}

// Boot starts every manifest found in the configured manifest directory
// when autostart is enabled. Manifests that fail admission are logged and
// skipped; the returned error only reports an unreadable directory.
func (k *Kernel) Boot(ctx context.Context) error {
	if !k.booted.CompareAndSwap(false, true) {
		return ipcerr.New(ipcerr.AlreadyRunning, "kernel_boot", "kernel already booted")
	}
	k.logger.Info("kernel booting",
		zap.Int("memory_mb", k.cfg.Kernel.MemoryMB),
		zap.Int("dma_mb", k.cfg.Kernel.DMAMemoryMB),
		zap.Float64("cpu_capacity", k.cfg.Kernel.CPUCapacity),
		zap.Int("images", len(k.images.List())))

	if !k.cfg.Loader.AutoStart || k.cfg.Loader.ManifestDir == "" {
		return nil
	}

	found, err := vnode.Discover(ctx, k.cfg.Loader.ManifestDir)
	if err != nil {
		return fmt.Errorf("discover manifests: %w", err)
	}
	started := 0
	for _, d := range found {
		if d.Err != nil {
			k.logger.Warn("skipping manifest", zap.String("path", d.Path), zap.Error(d.Err))
			continue
		}
		if _, err := k.supervisor.Start(ctx, d.Manifest); err != nil {
			k.logger.Warn("manifest failed admission",
				zap.String("path", d.Path),
				zap.String("vnode", d.Manifest.Name),
				zap.Error(err))
			continue
		}
		started++
	}
	k.logger.Info("kernel booted", zap.Int("manifests", len(found)), zap.Int("started", started))
	return nil
}

// Shutdown stops every V-Node in reverse start order and closes the journal.
func (k *Kernel) Shutdown(ctx context.Context) error {
	err := k.supervisor.Shutdown(ctx)
	if cerr := k.journal.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close journal: %w", cerr))
	}
	k.logger.Info("kernel shut down", zap.Error(err))
	return err
}

// Faulted reports whether an internal invariant violation latched the
// kernel, and the violation.
func (k *Kernel) Faulted() (bool, error) {
	k.faultMu.Lock()
	defer k.faultMu.Unlock()
	return k.faultErr != nil, k.faultErr
}

// fault latches the first invariant violation. Every later syscall fails.
func (k *Kernel) fault(op string, err error) {
	k.faultMu.Lock()
	first := k.faultErr == nil
	if first {
		k.faultErr = err
	}
	k.faultMu.Unlock()

	k.metrics.RecordFault()
	k.logger.Error("kernel fault", zap.String("op", op), zap.Bool("latched", first), zap.Error(err))
}

func (k *Kernel) bind(name string, generation uint64) abi.Syscalls {
	return &binding{
		k:      k,
		name:   name,
		gen:    generation,
		logger: k.logger.Named("vnode").With(zap.String("vnode", name)),
	}
}

// Config returns the kernel configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Caps returns the capability table.
func (k *Kernel) Caps() *capability.Table { return k.caps }

// Buffers returns the buffer manager.
func (k *Kernel) Buffers() *buffer.Manager { return k.buffers }

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Transport returns the message transport.
func (k *Kernel) Transport() *channel.Transport { return k.transport }

// Images returns the image store.
func (k *Kernel) Images() *vnode.ImageStore { return k.images }

// Supervisor returns the V-Node supervisor.
func (k *Kernel) Supervisor() *vnode.Supervisor { return k.supervisor }

// Journal returns the lifecycle journal.
func (k *Kernel) Journal() vnode.Journal { return k.journal }

// Metrics returns the metrics sink, which may be nil.
func (k *Kernel) Metrics() *monitoring.Metrics { return k.metrics }
