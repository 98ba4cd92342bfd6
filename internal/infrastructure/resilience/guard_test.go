package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newGuard(clock *fakeClock, max int) *Guard {
	return New("dns-resolver", Settings{
		MaxFailures: max,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		Now:         clock.Now,
	})
}

func TestGuardTransitions(t *testing.T) {
	tests := []struct {
		name     string
		crashes  int
		advance  time.Duration
		expected State
	}{
		{"stays closed below threshold", 2, 0, StateClosed},
		{"opens at threshold", 3, 0, StateOpen},
		{"half-opens after cooldown", 3, 31 * time.Second, StateHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1000, 0)}
			g := newGuard(clock, 3)

			for i := 0; i < tt.crashes; i++ {
				g.RecordCrash()
			}
			clock.Advance(tt.advance)

			assert.Equal(t, tt.expected, g.State())
		})
	}
}

func TestGuardRefusesWhileOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := newGuard(clock, 2)

	require.NoError(t, g.Allow())
	g.RecordCrash()
	g.RecordCrash()

	assert.ErrorIs(t, g.Allow(), ErrRestartBudgetExhausted)

	clock.Advance(31 * time.Second)
	assert.NoError(t, g.Allow())
}

func TestGuardSlidingWindowForgetsOldCrashes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := newGuard(clock, 3)

	g.RecordCrash()
	g.RecordCrash()
	clock.Advance(2 * time.Minute)
	g.RecordCrash()

	assert.Equal(t, StateClosed, g.State())
	assert.Equal(t, 1, g.Failures())
}

func TestGuardProbeOutcome(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}

	g := newGuard(clock, 1)
	g.RecordCrash()
	clock.Advance(time.Minute)
	require.Equal(t, StateHalfOpen, g.State())
	g.RecordClean()
	assert.Equal(t, StateClosed, g.State())

	g.RecordCrash()
	clock.Advance(time.Minute)
	require.Equal(t, StateHalfOpen, g.State())
	g.RecordCrash()
	assert.Equal(t, StateOpen, g.State())
}

func TestGuardStateChangeCallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var changes []string

	g := New("mail-service", Settings{
		MaxFailures: 1,
		Cooldown:    time.Second,
		Now:         clock.Now,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, name+":"+from.String()+"->"+to.String())
		},
	})

	g.RecordCrash()
	clock.Advance(2 * time.Second)
	_ = g.State()

	assert.Equal(t, []string{
		"mail-service:closed->open",
		"mail-service:open->half-open",
	}, changes)
}
