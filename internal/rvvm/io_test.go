package rvvm

import "testing"

func TestAttachMMIORejectsRAMOverlap(t *testing.T) {
	h := newTestHarness(t, true)
	m := h.machine

	dev := &stubDevice{}
	if _, err := m.AttachMMIO(m.ram.Base, 0x100, 1, 4, "clash", dev); err == nil {
		t.Fatal("AttachMMIO overlapping ram succeeded")
	}
}

func TestAttachMMIORejectsDeviceOverlap(t *testing.T) {
	h := newTestHarness(t, true)
	m := h.machine

	if _, err := m.AttachMMIO(0x1000_0000, 0x1000, 1, 4, "first", &stubDevice{}); err != nil {
		t.Fatalf("AttachMMIO(first): %s", err)
	}

	if _, err := m.AttachMMIO(0x1000_0800, 0x1000, 1, 4, "second", &stubDevice{}); err == nil {
		t.Fatal("AttachMMIO overlapping an existing device succeeded")
	}

	// Adjacent, non-overlapping regions must be accepted.
	if _, err := m.AttachMMIO(0x1000_1000, 0x1000, 1, 4, "adjacent", &stubDevice{}); err != nil {
		t.Errorf("AttachMMIO(adjacent): %s", err)
	}
}

func TestAttachMMIORejectsBadWidths(t *testing.T) {
	h := newTestHarness(t, true)
	m := h.machine

	cases := []struct {
		name        string
		min, max    uint8
	}{
		{"zero min", 0, 4},
		{"max below min", 4, 1},
		{"max too wide", 1, 16},
		{"min not pow2", 3, 4},
	}

	for _, c := range cases {
		if _, err := m.AttachMMIO(0x1000_0000, 0x100, c.min, c.max, c.name, &stubDevice{}); err == nil {
			t.Errorf("%s: AttachMMIO accepted bad width bounds [%d,%d]", c.name, c.min, c.max)
		}
	}
}

func TestDetachMMIOInvokesRemoveAndFreesSpace(t *testing.T) {
	h := newTestHarness(t, true)
	m := h.machine

	dev := &removableStub{}
	handle, err := m.AttachMMIO(0x1000_0000, 0x1000, 1, 4, "removable", dev)
	if err != nil {
		t.Fatalf("AttachMMIO: %s", err)
	}

	if err := m.DetachMMIO(handle, true); err != nil {
		t.Fatalf("DetachMMIO: %s", err)
	}

	if !dev.removed {
		t.Error("DetachMMIO(cleanup=true) did not call Remove")
	}

	// The freed zone must be immediately reusable.
	if _, err := m.AttachMMIO(0x1000_0000, 0x1000, 1, 4, "reuse", &stubDevice{}); err != nil {
		t.Errorf("AttachMMIO after detach: %s", err)
	}
}

func TestMMIOZoneAutoSkipsOccupiedRegions(t *testing.T) {
	h := newTestHarness(t, true)
	m := h.machine

	if _, err := m.AttachMMIO(0x2000_0000, 0x1000, 1, 4, "taken", &stubDevice{}); err != nil {
		t.Fatalf("AttachMMIO: %s", err)
	}

	zone := m.MMIOZoneAuto(0x2000_0000, 0x1000)
	if zone == 0x2000_0000 {
		t.Error("MMIOZoneAuto returned an already-occupied address")
	}

	if m.ram.Contains(zone, 0x1000) || m.overlapsLocked(zone, 0x1000) {
		t.Errorf("MMIOZoneAuto returned %#x, which still overlaps", zone)
	}
}

type removableStub struct {
	stubDevice
	removed bool
}

func (d *removableStub) Remove() { d.removed = true }
