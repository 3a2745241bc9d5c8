package rvvm

// io.go holds the memory-mapped I/O registry: the MMIODevice capability interface and the
// attach/detach/auto-zone operations a machine exposes over it. Grounded on the simulator's
// MMIO/Device/Driver/DeviceReader/DeviceWriter split (table lookup, width check, call through,
// wrap errors with a sentinel) generalized from a fixed six-address map to an ordered,
// overlap-checked region list covering arbitrary [addr, addr+size) ranges; the fixed
// function-pointer device vtable becomes a small interface instead, so devices are added without
// touching the dispatcher.

import (
	"errors"
	"fmt"

	"github.com/haltline/rvvm/internal/log"
)

// MMIODevice is the contract every memory-mapped peripheral implements. Read and Write report
// success; a false return becomes a guest access fault. Update is ticked from the eventloop;
// Reset restores power-on state; Remove releases any resources the device owns. A device that
// doesn't need Update or Remove may implement only Read/Write/Reset — the registry checks with
// type assertions exactly as the simulator's MMIO.Store/Load check for RegisterDevice vs.
// ReadDriver/WriteDriver.
type MMIODevice interface {
	Read(dst []byte, offset Word, width uint8) bool
	Write(src []byte, offset Word, width uint8) bool
	Reset()
}

// Updatable is implemented by devices the eventloop should tick on every pass.
type Updatable interface {
	Update()
}

// Removable is implemented by devices with cleanup beyond letting the GC reclaim their data.
type Removable interface {
	Remove()
}

// MMIOHandle identifies an attached region and remains valid for the life of the machine, even
// after Detach, matching the simulator's device map entries which are never reassigned once
// mapped.
type MMIOHandle int

// mmioRegion is one entry in the machine's device table.
type mmioRegion struct {
	Addr     Word
	Size     Word
	MinWidth Word
	MaxWidth Word
	Name     string
	Device   MMIODevice
}

var (
	errMMIO = errors.New("mmio")

	// ErrOverlap is returned when a region would overlap RAM or another attached device.
	ErrOverlap = fmt.Errorf("%w: overlap", errMMIO)

	// ErrConfiguration covers bad construction parameters (RAM size, hart count, width
	// bounds) reported to the host per the error-handling design's "configuration errors"
	// category.
	ErrConfiguration = errors.New("configuration error")
)

// AttachMMIO validates non-overlap against RAM and every other region and appends a new record,
// returning a stable handle. A running machine is paused and resumed around the mutation so the
// device table never changes under a concurrent hart access.
func (m *Machine) AttachMMIO(addr, size Word, minWidth, maxWidth uint8, name string, dev MMIODevice) (MMIOHandle, error) {
	if minWidth == 0 || maxWidth < minWidth || maxWidth > 8 || !isPow2(minWidth) || !isPow2(maxWidth) {
		return -1, fmt.Errorf("%w: attach_mmio: bad width bounds [%d,%d]", ErrConfiguration, minWidth, maxWidth)
	}

	wasRunning := m.PauseMachine()
	defer func() {
		if wasRunning {
			m.ResumeMachine()
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	overlapsRAM := addr < m.ram.Base+m.ram.Size && m.ram.Base < addr+size
	if overlapsRAM || m.overlapsLocked(addr, size) {
		return -1, fmt.Errorf("%w: attach_mmio: [%#x,%#x)", ErrOverlap, addr, addr+size)
	}

	region := &mmioRegion{
		Addr: addr, Size: size,
		MinWidth: Word(minWidth), MaxWidth: Word(maxWidth),
		Name: name, Device: dev,
	}

	m.mmio = append(m.mmio, region)
	handle := MMIOHandle(len(m.mmio) - 1)

	m.log.Debug("attached mmio", log.String("NAME", name), log.String("ADDR", addr.String()))

	return handle, nil
}

// DetachMMIO zero-sizes the record, preserving handle stability, and optionally invokes the
// device's own Remove hook.
func (m *Machine) DetachMMIO(handle MMIOHandle, cleanup bool) error {
	wasRunning := m.PauseMachine()
	defer func() {
		if wasRunning {
			m.ResumeMachine()
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(handle) < 0 || int(handle) >= len(m.mmio) {
		return fmt.Errorf("%w: detach_mmio: bad handle", ErrConfiguration)
	}

	region := m.mmio[handle]

	if cleanup {
		if rm, ok := region.Device.(Removable); ok {
			rm.Remove()
		}
	}

	region.Size = 0

	return nil
}

// MMIOZoneAuto returns the first address >= addr that does not overlap RAM or any existing
// region, trying a bounded number of relocations before warning and returning a fallback.
func (m *Machine) MMIOZoneAuto(addr, size Word) Word {
	const maxTries = 64

	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := addr

	for i := 0; i < maxTries; i++ {
		overlapsRAM := candidate < m.ram.Base+m.ram.Size && m.ram.Base < candidate+size
		if !overlapsRAM && !m.overlapsLocked(candidate, size) {
			return candidate
		}

		candidate += size
	}

	m.log.Warn("mmio_zone_auto exhausted relocations", log.String("ADDR", addr.String()))

	return candidate
}

// overlapsLocked reports whether [addr, addr+size) intersects any attached, non-zero-sized
// region. Callers must hold m.mu.
func (m *Machine) overlapsLocked(addr, size Word) bool {
	end := addr + size

	for _, r := range m.mmio {
		if r.Size == 0 {
			continue
		}

		if addr < r.Addr+r.Size && r.Addr < end {
			return true
		}
	}

	return false
}

func isPow2(v uint8) bool { return v != 0 && v&(v-1) == 0 }
