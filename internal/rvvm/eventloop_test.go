package rvvm

import "testing"

type updatableStub struct {
	stubDevice
	updates int
}

func (d *updatableStub) Update() { d.updates++ }

func TestTickMachinePowerOffRunsShutdownSequence(t *testing.T) {
	m, err := CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	dev := &stubDevice{}
	if _, err := m.AttachMMIO(0x1000_0000, 0x100, 1, 4, "dev", dev); err != nil {
		t.Fatalf("AttachMMIO: %s", err)
	}

	m.power = PowerOff
	m.running = true // simulate an already-on machine being asked to shut down

	tickMachine(m)

	if m.running {
		t.Error("running still true after a PowerOff tick")
	}

	if dev.resets != 1 {
		t.Errorf("device resets = %d, want 1 (shutdown runs the reset sequence)", dev.resets)
	}
}

func TestTickMachinePowerOffNoOpWhenAlreadyStopped(t *testing.T) {
	m, err := CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	m.power = PowerOff
	m.running = false

	tickMachine(m) // must not panic or touch a nil registry entry
}

func TestTickMachinePowerResetRunsBootSequenceAndGoesOn(t *testing.T) {
	m, err := CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	m.harts[0].PC = 0xdead_beef
	m.power = PowerReset

	tickMachine(m)

	if m.power != PowerOn {
		t.Errorf("power = %s, want ON after a reset tick", m.power)
	}

	if !m.running {
		t.Error("running = false after a reset tick, want true")
	}

	if m.harts[0].PC != m.ram.Base {
		t.Errorf("PC after reset tick = %#x, want ram base", m.harts[0].PC)
	}
}

func TestTickMachineSteadyStateWakesTimerAndUpdatesDevices(t *testing.T) {
	m, err := CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	m.power = PowerOn
	m.running = true

	h := m.harts[0]
	h.csr.mie = intrMTI
	h.timer.SetCompare(0) // already pending at cycles=0

	dev := &updatableStub{}
	if _, err := m.AttachMMIO(0x1000_0000, 0x100, 1, 4, "dev", dev); err != nil {
		t.Fatalf("AttachMMIO: %s", err)
	}

	tickMachine(m)

	select {
	case <-h.wake:
	default:
		t.Error("hart was not woken for a pending, enabled timer interrupt")
	}

	if dev.updates != 1 {
		t.Errorf("device updates = %d, want 1", dev.updates)
	}
}

func TestTickMachineSteadyStateSkipsDetachedDevices(t *testing.T) {
	m, err := CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	m.power = PowerOn
	m.running = true

	dev := &updatableStub{}
	handle, err := m.AttachMMIO(0x1000_0000, 0x100, 1, 4, "dev", dev)
	if err != nil {
		t.Fatalf("AttachMMIO: %s", err)
	}

	if err := m.DetachMMIO(handle, false); err != nil {
		t.Fatalf("DetachMMIO: %s", err)
	}

	tickMachine(m)

	if dev.updates != 0 {
		t.Errorf("device updates = %d, want 0 (detached region must be skipped)", dev.updates)
	}
}
