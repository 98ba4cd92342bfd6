/*
Package resilience provides the crash-loop guard used by the lifecycle supervisor.

# Overview

A V-Node that crashes repeatedly would otherwise be restarted forever. The
guard counts crashes in a sliding window and, once the budget is spent,
refuses further starts until a cooldown elapses.

# Features

- Three states (Closed, Open, Half-Open)
- Sliding-window crash counting
- Single probe start after cooldown
- State change callbacks for logging and the event journal
- Injectable clock for tests

# Usage

	guard := resilience.New("dns-resolver", resilience.Settings{
		MaxFailures: 5,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
	})

	if err := guard.Allow(); err != nil {
		return err
	}
	// ... start, and later on exit:
	guard.RecordCrash()

# Pattern

	Closed --[MaxFailures in Window]-> Open --[Cooldown]-> Half-Open --[clean exit]-> Closed
	                                                          |
	                                                       [crash]
	                                                          v
	                                                        Open
*/
package resilience
