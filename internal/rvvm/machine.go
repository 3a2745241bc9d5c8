package rvvm

// machine.go is the top-level assembly: RAM, the hart vector, the MMIO table, boot files, and
// the OFF/ON/RESET power state machine. Grounded on the simulator's LC3.New (options-functional
// construction, an early/late init split) generalized from one fixed CPU to an arbitrary hart
// count, with reset driving every hart back to its boot state and re-running the configured
// reset callback before harts resume.

import (
	"context"
	"fmt"
	"sync"

	"github.com/haltline/rvvm/internal/log"
)

// PowerState is one of the three states a machine's power can be in.
type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerOn
	PowerReset
)

func (p PowerState) String() string {
	return [...]string{"OFF", "ON", "RESET"}[p]
}

const (
	maxHarts = 1024

	rv32MaxRAM = Word(1) << 30 // 1 GiB.

	kernelOffsetRV64 = Word(0x200000)
	kernelOffsetRV32 = Word(0x400000)
)

// Option configures a Machine at construction time, generalizing the simulator's OptionFn
// (which ran twice, pre/post device mapping) to a single construction-time pass: RISC-V harts
// have no analogous privilege drop to stage around.
type Option func(*Machine)

// WithResetCallback installs the callback invoked at the start of every reset/shutdown. The
// callback may abort a warm reset by returning false; it cannot abort a shutdown.
func WithResetCallback(fn func(shuttingDown bool) bool) Option {
	return func(m *Machine) { m.resetCallback = fn }
}

// WithCmdline stores a kernel command line on the machine. The generated FDT does not include
// it; no /chosen bootargs property is written.
func WithCmdline(cmdline string) Option {
	return func(m *Machine) { m.cmdline = cmdline }
}

// WithKernelLoadOffset overrides the architecture-default kernel load offset. The hard-coded
// 2 MiB/4 MiB offset is a guest-OS boot-protocol assumption (Linux's decompressor expects it),
// not an architectural constant, so it needs an escape hatch for guests that boot differently.
func WithKernelLoadOffset(offset Word) Option {
	return func(m *Machine) { m.kernelLoadOffset = offset }
}

// WithDirtyTracker registers a callback invoked whenever RAM is written in bulk (write_ram, boot
// image loads, guest stores), the hook a JIT backend's dirty-memory marking would consume.
func WithDirtyTracker(fn func(addr, size Word)) Option {
	return func(m *Machine) { m.onDirty = fn }
}

// WithLogger overrides the machine's logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// Machine owns every core resource for one guest system: RAM, harts, the MMIO table, FDT state,
// and boot files. It delegates per-CPU state to each [Hart], the same way the simulator's LC3
// struct owns one CPU's state directly — here that ownership is just spread across a slice.
type Machine struct {
	mu sync.Mutex

	ram   RAMDescriptor
	xlen  XLen
	harts []*Hart
	mmio  []*mmioRegion

	power   PowerState
	running bool

	resetCallback func(shuttingDown bool) bool
	onDirty       func(addr, size Word)

	bootrom []byte
	kernel  []byte
	dtb     []byte
	cmdline string

	kernelLoadOffset Word
	dtbAddr          Word

	fdtRoot *FDTNode

	ctx    context.Context
	cancel context.CancelFunc

	log *log.Logger
}

// CreateMachine allocates RAM and constructs hartCount harts. RAM size is clamped to 1 GiB with
// a warning on RV32, since SV32's 34-bit physical address space leaves little headroom for MMIO
// above a gigabyte of RAM; a hart count outside [1, 1024] is rejected.
func CreateMachine(memBase, memSize Word, hartCount int, rv64 bool, opts ...Option) (*Machine, error) {
	if hartCount < 1 || hartCount > maxHarts {
		return nil, fmt.Errorf("%w: create_machine: hart_count=%d outside [1,%d]", ErrConfiguration, hartCount, maxHarts)
	}

	xlen := RV32
	if rv64 {
		xlen = RV64
	}

	logger := log.DefaultLogger()

	if xlen == RV32 && memSize > rv32MaxRAM {
		logger.Warn("create_machine: clamping rv32 ram to 1GiB", "REQUESTED", memSize.String())
		memSize = rv32MaxRAM
	}

	m := &Machine{
		ram: RAMDescriptor{
			Base:  memBase,
			Size:  memSize,
			bytes: make([]byte, memSize),
		},
		xlen:             xlen,
		power:            PowerOff,
		kernelLoadOffset: defaultKernelOffset(xlen),
		log:              logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.harts = make([]*Hart, hartCount)
	for i := range m.harts {
		m.harts[i] = newHart(GPR(i), m, xlen)
	}

	return m, nil
}

func defaultKernelOffset(xlen XLen) Word {
	if xlen == RV64 {
		return kernelOffsetRV64
	}

	return kernelOffsetRV32
}

// Harts returns the machine's hart vector, ordered by id.
func (m *Machine) Harts() []*Hart { return m.harts }

// StartMachine transitions OFF -> ON: it runs the reset/boot sequence, registers the machine
// with the shared eventloop, and spawns every hart's execution goroutine. It is a no-op if the
// machine is already on.
func (m *Machine) StartMachine() error {
	m.mu.Lock()

	if m.power != PowerOff {
		m.mu.Unlock()
		return nil
	}

	m.power = PowerOn
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.ctx, m.cancel = ctx, cancel
	m.mu.Unlock()

	m.runResetSequence(false)
	registerMachine(m)
	m.ResumeMachine()

	return nil
}

// PauseMachine pauses every hart, blocking until all have stopped, and reports whether the
// machine was running beforehand (so the caller knows whether to resume it). Used directly by
// callers and internally to bracket MMIO table mutation, which is never safe while a hart could
// be mid-dispatch against the table being changed.
func (m *Machine) PauseMachine() bool {
	m.mu.Lock()
	wasRunning := m.running
	m.mu.Unlock()

	if !wasRunning {
		return false
	}

	var wg sync.WaitGroup

	for _, h := range m.harts {
		wg.Add(1)

		go func(h *Hart) {
			defer wg.Done()
			h.Pause()
		}(h)
	}

	wg.Wait()

	return true
}

// ResumeMachine respawns every hart's goroutine. It is the counterpart to PauseMachine and is
// also what StartMachine uses after the boot sequence completes.
func (m *Machine) ResumeMachine() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	if ctx == nil {
		return
	}

	for _, h := range m.harts {
		h.mu.Lock()
		h.state = hartConstructed
		h.mu.Unlock()
		h.Spawn(ctx)
	}
}

// ResetMachine requests a warm reset (warm=true) or a shutdown (warm=false). ResetMachine only
// flips the power state and wakes the loop; the transition itself is carried out by the
// eventloop the next time it observes the new state, so callers never block on a reset.
func (m *Machine) ResetMachine(warm bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if warm {
		m.power = PowerReset
	} else {
		m.power = PowerOff
	}

	wakeEventloop()
}

// FreeMachine pauses and frees every hart and drops the machine from the eventloop registry.
func (m *Machine) FreeMachine() error {
	m.PauseMachine()

	if m.cancel != nil {
		m.cancel()
	}

	unregisterMachine(m)

	for _, h := range m.harts {
		if err := h.Free(); err != nil {
			return err
		}
	}

	return nil
}

// runResetSequence performs the reset/boot sequence: the reset callback, device resets, boot
// image placement, timer reinit, and per-hart register seeding.
func (m *Machine) runResetSequence(shuttingDown bool) {
	if m.resetCallback != nil && !m.resetCallback(shuttingDown) && !shuttingDown {
		m.log.Warn("reset aborted by reset callback")
		return
	}

	m.mu.Lock()
	for _, r := range m.mmio {
		if r.Size == 0 {
			continue
		}

		r.Device.Reset()
	}
	m.mu.Unlock()

	if shuttingDown {
		return
	}

	if len(m.bootrom) > 0 {
		_ = m.WriteRAM(m.ram.Base, truncateToRAM(m.ram, m.ram.Base, m.bootrom))
	}

	if len(m.kernel) > 0 {
		addr := m.ram.Base + m.kernelLoadOffset
		_ = m.WriteRAM(addr, truncateToRAM(m.ram, addr, m.kernel))
	}

	if len(m.dtb) > 0 || m.fdtRoot != nil {
		blob := m.dtb
		if blob == nil {
			blob = SerializeFDT(m.fdtRoot)
		}

		m.dtbAddr = m.ram.Base + m.ram.Size - Word(len(blob))
		_ = m.WriteRAM(m.dtbAddr, blob)
	}

	for _, h := range m.harts {
		h.resetState()
		h.X.Set(10, Word(h.ID)) // a0 = hartid
		h.X.Set(11, m.dtbAddr)  // a1 = dtb address
	}

	m.FlushICache(m.ram.Base, m.ram.Size)
}

func truncateToRAM(ram RAMDescriptor, addr Word, data []byte) []byte {
	max := ram.Base + ram.Size - addr
	if Word(len(data)) > max {
		return data[:max]
	}

	return data
}

// LoadBootROM installs a boot ROM image at RAM base, validated to fit.
func (m *Machine) LoadBootROM(data []byte) error {
	if Word(len(data)) > m.ram.Size {
		return fmt.Errorf("%w: load_bootrom: image too large", ErrConfiguration)
	}

	m.bootrom = data

	return nil
}

// LoadKernel installs a kernel image at the architecture's kernel load offset, validated to fit.
func (m *Machine) LoadKernel(data []byte) error {
	if m.kernelLoadOffset+Word(len(data)) > m.ram.Size {
		return fmt.Errorf("%w: load_kernel: image too large", ErrConfiguration)
	}

	m.kernel = data

	return nil
}

// LoadDTB installs a pre-built device tree blob, placed at the top of RAM during reset.
func (m *Machine) LoadDTB(data []byte) error {
	if Word(len(data)) > m.ram.Size {
		return fmt.Errorf("%w: load_dtb: image too large", ErrConfiguration)
	}

	m.dtb = data

	return nil
}

// SetFDT installs a node tree to be serialized and placed at the top of RAM during reset,
// instead of a pre-built blob.
func (m *Machine) SetFDT(root *FDTNode) {
	m.fdtRoot = root
}

func (m *Machine) String() string {
	return fmt.Sprintf("Machine(%s, harts:%d, power:%s)", m.xlen, len(m.harts), m.power)
}
