// Package sched tracks the kernel's tasks and is the single place a task may
// suspend.
//
// Every blocking kernel operation (a send into a full endpoint, a receive
// from an empty one, a call waiting for its reply) goes through Block, which
// moves the task out of the run queue, waits for the wake signal, deadline
// or termination, and puts it back at the tail of the run queue. Nothing in
// the kernel spins.
package sched

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// State is a task's scheduling state.
type State uint8

const (
	Runnable State = iota
	Blocked
	Terminated
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Task is a snapshot of one schedulable V-Node.
type Task struct {
	ID        id.TaskID `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Blocks    uint64    `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
}

type task struct {
	Task
	kill chan struct{}
}

// Scheduler owns the task table and the FIFO run queue.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	runq   []string
	logger *zap.Logger
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logging.OrNop(logger),
	}
}

// Spawn registers a runnable task for name.
func (s *Scheduler) Spawn(name string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return Task{}, ipcerr.New(ipcerr.AlreadyRunning, "sched_spawn", "task %s exists", name)
	}

	t := &task{
		Task: Task{
			ID:        id.NewTaskID(),
			Name:      name,
			State:     Runnable,
			CreatedAt: time.Now(),
		},
		kill: make(chan struct{}),
	}
	s.tasks[name] = t
	s.runq = append(s.runq, name)
	return t.Task, nil
}

// Block suspends the named task until wake is closed or receives, the
// deadline passes, ctx ends, or the task is terminated. A zero deadline
// waits indefinitely. Names without a task (kernel-internal callers) block
// without run-queue accounting.
func (s *Scheduler) Block(ctx context.Context, name, reason string, wake <-chan struct{}, deadline time.Time) error {
	const op = "sched_block"

	s.mu.Lock()
	t := s.tasks[name]
	var kill chan struct{}
	if t != nil {
		if t.State == Terminated {
			s.mu.Unlock()
			return ipcerr.New(ipcerr.PeerGone, op, "task %s terminated", name)
		}
		t.State = Blocked
		t.Reason = reason
		t.Blocks++
		s.removeFromRunQueueLocked(name)
		kill = t.kill
	}
	s.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-wake:
	case <-timeout:
		err = ipcerr.New(ipcerr.Timeout, op, "%s: %s", name, reason)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ipcerr.Wrap(ipcerr.Timeout, op, ctx.Err())
		} else {
			err = ipcerr.Wrap(ipcerr.PeerGone, op, ctx.Err())
		}
	case <-kill:
		err = ipcerr.New(ipcerr.PeerGone, op, "task %s terminated", name)
	}

	s.mu.Lock()
	if t != nil && t.State == Blocked {
		t.State = Runnable
		t.Reason = ""
		s.runq = append(s.runq, name)
	}
	s.mu.Unlock()

	return err
}

// Terminate marks the task terminated, wakes any pending Block with
// PeerGone and removes the task so the name can be spawned again.
func (s *Scheduler) Terminate(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.State = Terminated
	close(t.kill)
	s.removeFromRunQueueLocked(name)
	delete(s.tasks, name)

	s.logger.Debug("task terminated", zap.String("task", name), zap.Uint64("blocks", t.Blocks))
	return true
}

// Get returns a snapshot of the named task.
func (s *Scheduler) Get(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// RunQueue returns the runnable task names in FIFO order.
func (s *Scheduler) RunQueue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runq...)
}

// Tasks returns snapshots of every task sorted by name.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of tasks in each state.
func (s *Scheduler) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[State]int)
	for _, t := range s.tasks {
		counts[t.State]++
	}
	return counts
}

func (s *Scheduler) removeFromRunQueueLocked(name string) {
	for i, n := range s.runq {
		if n == name {
			s.runq = append(s.runq[:i], s.runq[i+1:]...)
			return
		}
	}
}
