package rvvm

// mem.go is the physical memory layer: a host-backed RAM region plus the dispatch between RAM
// and MMIO that every translated access goes through. It generalizes the simulator's
// Memory.load/store (address-range dispatch between a fixed word array and the MMIO table) from
// a 64Ki fixed array to a configurably sized byte slice, and from word-addressed to
// byte-addressed, unaligned-capable access.

import (
	"fmt"
)

// RAMDescriptor is a by-value handle to a machine's RAM: a guest base address and a host byte
// slice. Harts keep a copy, never a pointer to the machine's own field, per the ownership rule
// that a hart holds only a non-owning reference to shared state.
type RAMDescriptor struct {
	Base  Word
	Size  Word
	bytes []byte
}

// Contains reports whether [addr, addr+n) lies entirely within the RAM region.
func (r RAMDescriptor) Contains(addr Word, n Word) bool {
	return addr >= r.Base && addr+n >= addr && addr+n <= r.Base+r.Size
}

// HostPage returns the base address of the 4 KiB page containing addr, i.e. the page-aligned
// physical address a TLB entry caches when addr is a physical address.
func (r RAMDescriptor) HostPage(addr Word) Word {
	return addr &^ 0xfff
}

func (r RAMDescriptor) read(addr Word, buf []byte) {
	off := addr - r.Base
	copy(buf, r.bytes[off:])
}

func (r RAMDescriptor) write(addr Word, buf []byte) {
	off := addr - r.Base
	copy(r.bytes[off:], buf)
}

// physAccess performs one physical-address access of the given width (1, 2, 4, or 8 bytes),
// dispatching to RAM or, failing that, to the ordered MMIO region table. It never returns a
// partial result: on any failure buf is left untouched.
func (m *Machine) physAccess(paddr Word, buf []byte, access AccessKind) trapSignal {
	width := Word(len(buf))

	if m.ram.Contains(paddr, width) {
		if access == AccessStore {
			m.ram.write(paddr, buf)
		} else {
			m.ram.read(paddr, buf)
		}

		return nil
	}

	m.mu.Lock()
	region := m.findMMIO(paddr)
	m.mu.Unlock()

	if region == nil {
		return AccessFault(access, paddr)
	}

	if width < region.MinWidth || width > region.MaxWidth {
		return AccessFault(access, paddr)
	}

	offset := paddr - region.Addr
	var ok bool

	switch access {
	case AccessStore:
		ok = region.Device.Write(buf, offset, uint8(width))
	default:
		ok = region.Device.Read(buf, offset, uint8(width))
	}

	if !ok {
		return AccessFault(access, paddr)
	}

	return nil
}

// findMMIO returns the first region containing paddr, or nil. Callers must hold m.mu.
func (m *Machine) findMMIO(paddr Word) *mmioRegion {
	for _, r := range m.mmio {
		if r.Size == 0 {
			continue // Detached placeholder; handle stays stable but inert.
		}

		if paddr >= r.Addr && paddr < r.Addr+r.Size {
			return r
		}
	}

	return nil
}

// WriteRAM copies data into RAM starting at addr, bypassing translation. This is only safe while
// the machine is paused or not yet started — it does not synchronize with a running hart's own
// accesses; callers (boot image loading, tests) are expected to observe that discipline.
func (m *Machine) WriteRAM(addr Word, data []byte) error {
	if !m.ram.Contains(addr, Word(len(data))) {
		return fmt.Errorf("%w: write_ram: [%#x,%#x) outside ram", ErrConfiguration, addr, addr+Word(len(data)))
	}

	m.ram.write(addr, data)
	m.dirtyRange(addr, Word(len(data)))

	return nil
}

// ReadRAM copies len(into) bytes from RAM starting at addr.
func (m *Machine) ReadRAM(addr Word, into []byte) error {
	if !m.ram.Contains(addr, Word(len(into))) {
		return fmt.Errorf("%w: read_ram: [%#x,%#x) outside ram", ErrConfiguration, addr, addr+Word(len(into)))
	}

	m.ram.read(addr, into)

	return nil
}

// GetDMAPtr returns the host-side backing slice for [addr, addr+size), for devices that perform
// their own DMA (e.g. a block device or framebuffer) instead of going through physAccess.
func (m *Machine) GetDMAPtr(addr, size Word) ([]byte, error) {
	if !m.ram.Contains(addr, size) {
		return nil, fmt.Errorf("%w: get_dma_ptr: [%#x,%#x) outside ram", ErrConfiguration, addr, addr+size)
	}

	off := addr - m.ram.Base

	return m.ram.bytes[off : off+size], nil
}

// FlushICache marks [addr, addr+size) as containing freshly written code, the hook a JIT
// backend would use to invalidate any translated blocks over that range. The core has no JIT,
// so this only notifies the dirty-tracker; it exists so one can be added later without
// redesigning the memory-write path.
func (m *Machine) FlushICache(addr, size Word) {
	m.dirtyRange(addr, size)
}

func (m *Machine) dirtyRange(addr, size Word) {
	if m.onDirty != nil {
		m.onDirty(addr, size)
	}
}
