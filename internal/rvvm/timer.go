package rvvm

// timer.go is the per-hart guest timer: a free-running cycle counter compared against
// mtimecmp. There is no analog in the simulator this is grounded on (LC-3 has no timer); it is
// modeled as a small struct with Pending/Advance methods.

import "sync/atomic"

// Timer tracks a hart's notion of elapsed cycles against its compare value. Both fields are
// accessed from the hart's own goroutine and from the eventloop goroutine (hart_check_timer),
// so they are atomic.
type Timer struct {
	cycles   atomic.Uint64
	mtimecmp atomic.Uint64
}

// Advance adds n cycles to the counter, called once per Step.
func (t *Timer) Advance(n uint64) {
	t.cycles.Add(n)
}

// Pending reports whether the cycle counter has reached the compare value, the condition that
// raises the machine-timer interrupt.
func (t *Timer) Pending() bool {
	return t.cycles.Load() >= t.mtimecmp.Load()
}

// SetCompare sets mtimecmp, as the machine-timer device driver would on a guest write to the
// CLINT's comparator register.
func (t *Timer) SetCompare(v uint64) {
	t.mtimecmp.Store(v)
}

func (t *Timer) Cycles() uint64 { return t.cycles.Load() }

// Reset zeroes both counters in place. Timer embeds atomic.Uint64 fields, so it must never be
// copied by value (go vet's copylocks check flags exactly this); resetting means storing zero
// into each field, not replacing the struct.
func (t *Timer) Reset() {
	t.cycles.Store(0)
	t.mtimecmp.Store(0)
}
