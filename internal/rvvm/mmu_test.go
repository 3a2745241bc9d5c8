package rvvm

import (
	"encoding/binary"
	"testing"
)

// writePTE installs one 8-byte SV39 PTE at addr, built from a PPN and flag bits.
func writePTE(t *testing.T, m *Machine, addr, ppn, flags Word) {
	t.Helper()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ppn<<10)|uint64(flags))

	if err := m.WriteRAM(addr, buf[:]); err != nil {
		t.Fatalf("WriteRAM(pte @ %#x): %s", addr, err)
	}
}

// setupSV39 builds a 3-level SV39 mapping for vaddr -> paddr with the given leaf flags,
// installing page tables in RAM above the data region, and points satp at the root.
func setupSV39(t *testing.T, h *Hart, vaddr, paddr, leafFlags Word) {
	t.Helper()

	m := h.machine
	const (
		rootTable  = 0x8000_0000 + 0x1000
		level1     = 0x8000_0000 + 0x2000
		level0     = 0x8000_0000 + 0x3000
	)

	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	writePTE(t, m, rootTable+vpn2*8, level1>>12, pteV)
	writePTE(t, m, level1+vpn1*8, level0>>12, pteV)
	writePTE(t, m, level0+vpn0*8, paddr>>12, leafFlags|pteV)

	h.csr.satp = (Word(satpModeSV39) << 60) | (rootTable >> 12)
	h.priv = PrivilegeSupervisor
}

func TestIdentityTranslationBareMode(t *testing.T) {
	h := newTestHarness(t, false).Hart() // RV32, satp bare by construction

	want := []byte{0xef, 0xbe, 0xad, 0xde}
	if err := h.machine.WriteRAM(0x8000_0100, want); err != nil {
		t.Fatalf("WriteRAM: %s", err)
	}

	buf := make([]byte, 4)
	if sig := h.mmuOp(0x8000_0100, buf, AccessLoad); sig != nil {
		t.Fatalf("mmuOp: %s", sig)
	}

	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %x, want %x", buf, want)
		}
	}
}

func TestSV39WalkPopulatesTLB(t *testing.T) {
	h := newTestHarness(t, true).Hart()

	const vaddr, paddr = 0x10000, Word(0x8000_0000 + 0x10000)
	setupSV39(t, h, vaddr, paddr, pteR|pteW|pteX)

	if _, ok := h.tlb.lookup(vaddr, AccessLoad); ok {
		t.Fatal("tlb already populated before first access")
	}

	want := []byte{1, 2, 3, 4}
	if err := h.machine.WriteRAM(paddr, want); err != nil {
		t.Fatalf("WriteRAM: %s", err)
	}

	buf := make([]byte, 4)
	if sig := h.mmuOp(vaddr, buf, AccessLoad); sig != nil {
		t.Fatalf("mmuOp: %s", sig)
	}

	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %x, want %x", buf, want)
		}
	}

	host, ok := h.tlb.lookup(vaddr, AccessLoad)
	if !ok {
		t.Fatal("tlb miss after a successful walk")
	}

	if host != paddr&^0xfff {
		t.Errorf("tlb host = %#x, want %#x", host, paddr&^0xfff)
	}
}

func TestSV39WalkDeniesMissingPermission(t *testing.T) {
	h := newTestHarness(t, true).Hart()

	const vaddr, paddr = 0x20000, Word(0x8000_0000 + 0x20000)
	setupSV39(t, h, vaddr, paddr, pteR) // no W

	buf := make([]byte, 4)
	sig := h.mmuOp(vaddr, buf, AccessStore)

	if sig == nil {
		t.Fatal("store through a read-only mapping succeeded")
	}

	if sig.Cause() != CauseStorePageFault {
		t.Errorf("cause = %#x, want %#x", sig.Cause(), CauseStorePageFault)
	}
}

func TestMisalignedFetchTargetFaults(t *testing.T) {
	h := newTestHarness(t, true).Hart()
	h.PC = 0x8000_0000

	// JAL with an odd-aligned offset: target = PC + 3, misaligned.
	jalOp := &jal{instruction{immJ: 3}}

	sig := jalOp.Execute(h)
	if sig == nil {
		t.Fatal("jal to a misaligned target succeeded")
	}

	if sig.Cause() != CauseInstructionAddressMisaligned {
		t.Errorf("cause = %#x, want %#x", sig.Cause(), CauseInstructionAddressMisaligned)
	}
}

// TestCrossPageStoreAllWritable covers scenario 6's first half: two adjacent, fully writable
// pages, a 4-byte store straddling the boundary, then a matching load.
func TestCrossPageStoreAllWritable(t *testing.T) {
	h := newTestHarness(t, true)
	hart := h.Hart()

	const pageSize = Word(0x1000)
	base := hart.machine.ram.Base + 0x10000
	addr := base + pageSize - 2 // last 2 bytes of the first page

	want := []byte{0xaa, 0xbb, 0xcc, 0xdd}

	buf := make([]byte, 4)
	copy(buf, want)

	if sig := hart.mmuOp(addr, buf, AccessStore); sig != nil {
		t.Fatalf("cross-page store: %s", sig)
	}

	readBack := make([]byte, 4)
	if sig := hart.mmuOp(addr, readBack, AccessLoad); sig != nil {
		t.Fatalf("cross-page load: %s", sig)
	}

	for i := range want {
		if readBack[i] != want[i] {
			t.Fatalf("readBack = %x, want %x", readBack, want)
		}
	}
}

// TestCrossPageStoreSecondPageFaultsLeavesFirstUntouched covers scenario 6's fault half: when
// the second page's translation fails, the first page must show no partial write.
func TestCrossPageStoreSecondPageFaultsLeavesFirstUntouched(t *testing.T) {
	h := newTestHarness(t, true)
	hart := h.Hart()

	const pageSize = Word(0x1000)
	firstPage := Word(0x40000)
	secondPage := firstPage + pageSize
	addr := firstPage + pageSize - 2

	// Enable paging (SV39) and only map the first page; the second page has no translation,
	// so its half of the store must fault and leave the first page's bytes untouched.
	setupSV39(t, hart, firstPage, hart.machine.ram.Base+0x50000, pteR|pteW)
	_ = secondPage // intentionally left unmapped

	sentinel := []byte{0x11, 0x22}
	if err := hart.machine.WriteRAM(hart.machine.ram.Base+0x50000+pageSize-2, sentinel); err != nil {
		t.Fatalf("WriteRAM sentinel: %s", err)
	}

	buf := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	sig := hart.mmuOp(addr, buf, AccessStore)

	if sig == nil {
		t.Fatal("cross-page store with an unmapped second page succeeded")
	}

	readBack := make([]byte, 2)
	if err := hart.machine.ReadRAM(hart.machine.ram.Base+0x50000+pageSize-2, readBack); err != nil {
		t.Fatalf("ReadRAM: %s", err)
	}

	for i := range sentinel {
		if readBack[i] != sentinel[i] {
			t.Fatalf("first page mutated despite second-page fault: got %x, want %x", readBack, sentinel)
		}
	}
}
