package rvvm

import "testing"

func TestTimerPendingAfterCompare(t *testing.T) {
	var tm Timer

	tm.SetCompare(10)

	if tm.Pending() {
		t.Fatal("pending before any cycles advanced")
	}

	tm.Advance(9)
	if tm.Pending() {
		t.Fatal("pending one cycle short of compare")
	}

	tm.Advance(1)
	if !tm.Pending() {
		t.Fatal("not pending at the exact compare value")
	}
}

func TestTimerAdvanceAccumulates(t *testing.T) {
	var tm Timer

	for i := 0; i < 5; i++ {
		tm.Advance(1)
	}

	if tm.Cycles() != 5 {
		t.Errorf("Cycles() = %d, want 5", tm.Cycles())
	}
}

func TestTimerDefaultCompareIsZeroSoImmediatelyPending(t *testing.T) {
	var tm Timer

	if !tm.Pending() {
		t.Error("a fresh timer with mtimecmp=0 should already be pending at cycles=0")
	}
}
