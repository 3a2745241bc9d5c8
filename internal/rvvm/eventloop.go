package rvvm

// eventloop.go is the single shared background goroutine that services every running machine:
// polling device updates, waking harts whose timer has fired, and carrying out reset/shutdown
// transitions observed from the power state a Machine was asked to move to. Grounded on the
// goroutine/channel/context.CancelCauseFunc pattern in the simulator's cli/cmd/exec.go (one
// goroutine draining events, context propagating cancellation) and on Display.notify (call every
// registered listener — here, every device with an Update hook).

import (
	"sync"
	"time"

	"github.com/haltline/rvvm/internal/log"
)

const eventloopTick = 10 * time.Millisecond

var registry = struct {
	mu       sync.Mutex
	machines map[*Machine]struct{}
	running  bool
	wake     chan struct{}
}{machines: make(map[*Machine]struct{})}

// registerMachine adds m to the shared registry, starting the eventloop goroutine if this is the
// first running machine. Modeled as a process-wide singleton with explicit init/teardown: one
// background goroutine services every machine rather than one per machine, since the work
// (polling timers and devices) is cheap and doesn't need per-machine concurrency.
func registerMachine(m *Machine) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.machines[m] = struct{}{}

	if !registry.running {
		registry.running = true
		registry.wake = make(chan struct{}, 1)

		go eventloop(registry.wake)
	}
}

// unregisterMachine drops m from the registry. The loop notices an empty registry on its own and
// exits; a later registerMachine starts a new loop with a fresh wake channel.
func unregisterMachine(m *Machine) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	delete(registry.machines, m)
}

// wakeEventloop nudges the loop to run a tick immediately instead of waiting out the bounded
// timeout, so reset/shutdown transitions are prompt.
func wakeEventloop() {
	registry.mu.Lock()
	wake := registry.wake
	registry.mu.Unlock()

	if wake == nil {
		return
	}

	select {
	case wake <- struct{}{}:
	default:
	}
}

func eventloop(wake chan struct{}) {
	logger := log.DefaultLogger()
	ticker := time.NewTicker(eventloopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-wake:
		}

		registry.mu.Lock()
		if len(registry.machines) == 0 {
			// Cleared under the same lock hold that saw the empty registry, so a concurrent
			// registerMachine either lands before this check or starts a new loop.
			registry.running = false
			registry.mu.Unlock()

			logger.Debug("eventloop: no running machines, exiting")

			return
		}

		machines := make([]*Machine, 0, len(registry.machines))
		for m := range registry.machines {
			machines = append(machines, m)
		}
		registry.mu.Unlock()

		for _, m := range machines {
			tickMachine(m)
		}
	}
}

// tickMachine performs one eventloop pass over a single machine: power-state transitions first
// (a pending reset or shutdown takes priority over everything else), then timer wake-ups, then
// device update hooks.
func tickMachine(m *Machine) {
	m.mu.Lock()
	power := m.power
	m.mu.Unlock()

	switch power {
	case PowerReset:
		m.PauseMachine()
		m.runResetSequence(false)
		m.mu.Lock()
		m.power = PowerOn
		m.running = true
		m.mu.Unlock()
		m.ResumeMachine()

		return
	case PowerOff:
		m.mu.Lock()
		wasRunning := m.running
		m.mu.Unlock()

		if !wasRunning {
			return
		}

		m.PauseMachine()
		m.runResetSequence(true)
		unregisterMachine(m)

		m.mu.Lock()
		m.running = false
		m.mu.Unlock()

		return
	}

	for _, h := range m.harts {
		if h.timer.Pending() && h.csr.mie&intrMTI != 0 {
			h.CheckTimer()
		}
	}

	m.mu.Lock()
	regions := append([]*mmioRegion(nil), m.mmio...)
	m.mu.Unlock()

	for _, r := range regions {
		if r.Size == 0 {
			continue
		}

		if u, ok := r.Device.(Updatable); ok {
			u.Update()
		}
	}
}
