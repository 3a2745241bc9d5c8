package rvvm

// harness_test.go provides a minimal single-hart machine for unit tests, grounded on the
// simulator's NewTestHarness/testHarness.Make (construct a machine, hand back its CPU state,
// without spawning goroutines or running the eventloop).

import "testing"

type testHarness struct {
	*testing.T
	machine *Machine
}

func newTestHarness(t *testing.T, rv64 bool) *testHarness {
	m, err := CreateMachine(0x8000_0000, 0x10_0000, 1, rv64)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	return &testHarness{T: t, machine: m}
}

// Hart returns hart 0, already reset (CreateMachine runs no boot sequence; PC/priv/CSRs are
// whatever newHart's resetState left them).
func (t *testHarness) Hart() *Hart {
	return t.machine.harts[0]
}
