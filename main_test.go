package main_test

import (
	"bufio"
	"testing"
	"time"

	"github.com/haltline/rvvm/internal/log"
	"github.com/haltline/rvvm/internal/rvvm"
)

var logBuffer bufio.Writer

type testHarness struct {
	*testing.T
}

func (testHarness) Make() *rvvm.Machine {
	m, err := rvvm.CreateMachine(0x8000_0000, 1<<20, 1, true)
	if err != nil {
		panic(err)
	}

	return m
}

var (
	// timeout is how long to let the machine run before shutting it down. It is very likely
	// to take less than 200 ms for the hart to reach steady state.
	timeout    = 1 * time.Second
	statusTick = 25 * time.Millisecond
)

// TestBoot boots a tight self-loop ("jal x0, 0") and confirms the full lifecycle —
// CreateMachine, StartMachine, a hart actually executing, and a clean FreeMachine — runs
// without error for the configured timeout.
func TestBoot(tt *testing.T) {
	t := testHarness{tt}
	start := time.Now()
	machine := t.Make()

	log.LogLevel.Set(log.Error)

	loader := rvvm.NewLoader(machine)

	selfLoop := []byte{0x6f, 0x00, 0x00, 0x00} // jal x0, 0

	if _, err := loader.Load(rvvm.ObjectCode{Orig: 0x8000_0000, Code: selfLoop}); err != nil {
		t.Fatalf("load: %s", err)
	}

	if err := machine.StartMachine(); err != nil {
		t.Fatalf("start machine: %s", err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		deadline := time.After(timeout)

		for {
			select {
			case <-time.After(statusTick):
				pc := machine.Harts()[0].GetReg(rvvm.REGID_PC)
				t.Log("in progress, PC:", pc)
			case <-deadline:
				return
			}
		}
	}()

	<-done

	if err := machine.FreeMachine(); err != nil {
		t.Errorf("free machine: %s", err)
	}

	logBuffer.Flush()

	pc := machine.Harts()[0].GetReg(rvvm.REGID_PC)
	if pc != 0x8000_0000 {
		t.Errorf("pc drifted from the self-loop: got %#x, want 0x80000000", pc)
	}

	t.Logf("test: ok, elapsed: %s", time.Since(start))
}
