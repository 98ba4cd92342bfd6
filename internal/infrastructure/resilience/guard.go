package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrRestartBudgetExhausted is returned by Allow while the guard is open.
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

// State represents the guard state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the crash-loop guard.
type Settings struct {
	// MaxFailures is the number of crashes inside Window that opens the guard
	MaxFailures int
	// Window is the sliding period over which crashes are counted
	Window time.Duration
	// Cooldown is how long the guard stays open before allowing a probe start
	Cooldown time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
	// Now overrides the clock
	Now func() time.Time
}

// Guard refuses restarts of a V-Node that keeps crashing.
//
// Closed: starts allowed, crashes counted in a sliding window.
// Open: starts refused until Cooldown elapses.
// Half-open: one probe start allowed; a crash reopens, a clean exit closes.
type Guard struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	failures []time.Time
	expiry   time.Time
}

// New creates a guard with the given settings.
func New(name string, settings Settings) *Guard {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = 5
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = settings.Window
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Guard{
		name:     name,
		settings: settings,
		state:    StateClosed,
	}
}

// Name returns the guarded V-Node name.
func (g *Guard) Name() string {
	return g.name
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.currentState(g.settings.Now())
}

// Failures returns the crashes counted in the current window.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(g.settings.Now())
	return len(g.failures)
}

// Allow reports whether a start may proceed.
func (g *Guard) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.currentState(g.settings.Now()) == StateOpen {
		return ErrRestartBudgetExhausted
	}
	return nil
}

// RecordCrash counts an abnormal exit.
func (g *Guard) RecordCrash() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.settings.Now()
	switch g.currentState(now) {
	case StateClosed:
		g.prune(now)
		g.failures = append(g.failures, now)
		if len(g.failures) >= g.settings.MaxFailures {
			g.setState(StateOpen, now)
		}
	case StateHalfOpen:
		g.setState(StateOpen, now)
	}
}

// RecordClean counts an orderly exit; a probe that exits cleanly closes the guard.
func (g *Guard) RecordClean() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.settings.Now()
	if g.currentState(now) == StateHalfOpen {
		g.setState(StateClosed, now)
	}
}

func (g *Guard) currentState(now time.Time) State {
	if g.state == StateOpen && !g.expiry.After(now) {
		g.setState(StateHalfOpen, now)
	}
	return g.state
}

func (g *Guard) prune(now time.Time) {
	cutoff := now.Add(-g.settings.Window)
	kept := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.failures = kept
}

func (g *Guard) setState(state State, now time.Time) {
	if g.state == state {
		return
	}

	prev := g.state
	g.state = state
	g.failures = g.failures[:0]

	switch state {
	case StateOpen:
		g.expiry = now.Add(g.settings.Cooldown)
	default:
		g.expiry = time.Time{}
	}

	if g.settings.OnStateChange != nil {
		g.settings.OnStateChange(g.name, prev, state)
	}
}
