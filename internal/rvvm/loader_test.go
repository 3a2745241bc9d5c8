package rvvm

import "testing"

func TestLoaderLoadSuccess(t *testing.T) {
	h := newTestHarness(t, true)
	l := NewLoader(h.machine)

	code := []byte{0x13, 0x00, 0x00, 0x00} // ADDI x0, x0, 0
	n, err := l.Load(ObjectCode{Orig: h.machine.ram.Base + 0x40, Code: code})
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	if n != len(code) {
		t.Errorf("n = %d, want %d", n, len(code))
	}

	readBack := make([]byte, len(code))
	if err := h.machine.ReadRAM(h.machine.ram.Base+0x40, readBack); err != nil {
		t.Fatalf("ReadRAM: %s", err)
	}

	for i := range code {
		if readBack[i] != code[i] {
			t.Fatalf("readBack = %x, want %x", readBack, code)
		}
	}
}

func TestLoaderRejectsEmptyObject(t *testing.T) {
	h := newTestHarness(t, true)
	l := NewLoader(h.machine)

	if _, err := l.Load(ObjectCode{Orig: h.machine.ram.Base, Code: nil}); err == nil {
		t.Fatal("Load accepted an empty object")
	}
}

func TestLoaderRejectsOutOfBoundsOrigin(t *testing.T) {
	h := newTestHarness(t, true)
	l := NewLoader(h.machine)

	if _, err := l.Load(ObjectCode{Orig: h.machine.ram.Base + h.machine.ram.Size, Code: []byte{1}}); err == nil {
		t.Fatal("Load accepted an origin past the end of ram")
	}
}
