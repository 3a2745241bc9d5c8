package rvvm

// hart.go owns one guest CPU's architectural state and its fetch-decode-execute run loop.
// Construction is grounded on the simulator's LC3 struct and New/initializeRegisters; the
// pause/resume protocol below has no direct analog (LC-3 is single-hart) but is built from the
// same sync.Mutex/sync.Cond pair the simulator uses for its Keyboard's blocking Update/Read.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haltline/rvvm/internal/log"
)

// hartState is one point in the hart's {constructed, running, pause-requested, paused, freed}
// lifecycle: Spawn moves it running, Pause moves it through pause-requested to paused, Free
// retires it.
type hartState uint8

const (
	hartConstructed hartState = iota
	hartRunning
	hartPauseRequested
	hartPaused
	hartFreed
)

// Hart is one guest CPU context: integer registers, CSRs, a TLB, a timer, and a run loop.
type Hart struct {
	ID GPR // hartid, despite the GPR-shaped name — it is just a small integer handle.

	X    RegisterFile
	F    [32]float64 // FPU register file; present but unexercised without F/D-extension ops.
	PC   Word
	priv Privilege
	xlen XLen

	csr   CSRBank
	tlb   TLB
	timer Timer

	machine *Machine
	ram     RAMDescriptor

	mu      sync.Mutex
	cond    *sync.Cond
	state   hartState
	wake    chan struct{}
	running atomic.Bool

	log *log.Logger
}

func newHart(id GPR, m *Machine, xlen XLen) *Hart {
	h := &Hart{
		ID:      id,
		machine: m,
		ram:     m.ram,
		xlen:    xlen,
		wake:    make(chan struct{}, 1),
		log:     log.DefaultLogger(),
	}

	h.cond = sync.NewCond(&h.mu)
	h.csr.mhartid = Word(id)
	h.resetState()

	return h
}

// resetState restores the deterministic post-reset hart state the RISC-V privileged spec
// requires: PC at RAM base, M-mode, every X register zero except a0 (hart id) and a1 (DTB
// address, set separately by the machine during reset).
func (h *Hart) resetState() {
	h.X = RegisterFile{}
	h.PC = h.machine.ram.Base
	h.priv = PrivilegeMachine
	h.csr = CSRBank{mhartid: Word(h.ID)}
	h.timer.Reset()
	h.tlb.flush()
	h.X.Set(10, Word(h.ID)) // a0
}

// Spawn starts the hart's execution goroutine. Idempotent when already running.
func (h *Hart) Spawn(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == hartRunning {
		return
	}

	h.state = hartRunning
	h.running.Store(true)

	go h.runLoop(ctx)
}

// Pause requests a cooperative stop and blocks until the hart has observed it and stopped; safe
// to call from any goroutine. Register state is fully visible to the caller after it returns.
func (h *Hart) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != hartRunning {
		return
	}

	h.state = hartPauseRequested

	select {
	case h.wake <- struct{}{}:
	default:
	}

	for h.state != hartPaused {
		h.cond.Wait()
	}
}

// QueuePause is the non-blocking variant used when the calling goroutine *is* the hart (a
// single-hart machine servicing its own pause from within the run loop).
func (h *Hart) QueuePause() {
	h.mu.Lock()
	h.state = hartPauseRequested
	h.mu.Unlock()
}

// Free releases the hart's resources. The hart must be paused (or never spawned, i.e. still
// constructed); any other state of the {constructed, running, pause-requested, paused, freed}
// lifecycle above is a contract violation and returns an error.
func (h *Hart) Free() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != hartPaused && h.state != hartConstructed {
		return fmt.Errorf("%w: free: hart not paused", ErrConfiguration)
	}

	h.state = hartFreed

	return nil
}

// CheckTimer is called by the eventloop when this hart's timer compare would trigger. It wakes
// the hart so it can observe the interrupt on its next loop iteration, including out of WFI.
func (h *Hart) CheckTimer() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// access performs one physical access, consulting the hart's own RAM descriptor copy before
// falling through to the machine's MMIO dispatch. This is the fast path the per-hart RAM
// descriptor exists for: most accesses never need the machine's MMIO-table lock at all.
func (h *Hart) access(paddr Word, buf []byte, kind AccessKind) trapSignal {
	if h.ram.Contains(paddr, Word(len(buf))) {
		if kind == AccessStore {
			h.ram.write(paddr, buf)
		} else {
			h.ram.read(paddr, buf)
		}

		return nil
	}

	return h.machine.physAccess(paddr, buf, kind)
}

func (h *Hart) waitForInterrupt() {
	if h.pendingInterrupt() != nil {
		return
	}

	<-h.wake
}

// runLoop is the goroutine body started by Spawn. It repeatedly steps the hart until a pause is
// requested or the context is cancelled, matching the simulator's LC3.Run(ctx) cooperative
// ctx.Done() check, generalized to N concurrent harts each with their own goroutine.
func (h *Hart) runLoop(ctx context.Context) {
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.finishPause()
			return
		default:
		}

		h.mu.Lock()
		paused := h.state == hartPauseRequested
		h.mu.Unlock()

		if paused {
			h.finishPause()
			return
		}

		if sig := h.pendingInterrupt(); sig != nil {
			deliver(h, sig)
			continue
		}

		if err := h.Step(); err != nil {
			h.log.Error("hart step error", "HART", h.ID, "ERR", err)
			h.finishPause()
			return
		}
	}
}

func (h *Hart) finishPause() {
	h.mu.Lock()
	h.state = hartPaused
	h.cond.Broadcast()
	h.mu.Unlock()
}

// fetchInstruction fetches one instruction word, never touching the page past PC+2 unless the
// first half-word's low 2 bits mark it as a standard (non-compressed) instruction. A 2-byte
// compressed instruction sitting at the very last halfword of a page must not fault on the next,
// possibly unmapped, page — so the second halfword is only translated once the first is known to
// need it.
func (h *Hart) fetchInstruction() (uint32, trapSignal) {
	lo := make([]byte, 2)
	if sig := h.mmuOp(h.PC, lo, AccessFetch); sig != nil {
		return 0, sig
	}

	if lo[0]&0x3 != 0x3 {
		// Compressed (16-bit) instructions are not decoded by this core; report illegal
		// instruction without ever translating the next page.
		return 0, IllegalInstruction(Word(lo[0]) | Word(lo[1])<<8)
	}

	hi := make([]byte, 2)
	if sig := h.mmuOp(h.PC+2, hi, AccessFetch); sig != nil {
		return 0, sig
	}

	return uint32(lo[0]) | uint32(lo[1])<<8 | uint32(hi[0])<<16 | uint32(hi[1])<<24, nil
}

// Step fetches, decodes, and executes a single instruction, delivering a trap if one is raised.
// It is exported so single-step debugging and unit tests can drive a hart without a goroutine.
func (h *Hart) Step() error {
	raw, sig := h.fetchInstruction()
	if sig != nil {
		deliver(h, sig)
		return nil
	}

	op, sig := decode(h, raw)
	if sig != nil {
		deliver(h, sig)
		return nil
	}

	h.log.Debug("decoded", "OP", op, "PC", fmt.Sprintf("%#x", h.PC))

	if sig := op.Execute(h); sig != nil {
		deliver(h, sig)
	}

	h.timer.Advance(1)

	return nil
}

// RunUserland steps the hart until a synchronous user-mode trap (e.g. ECALL) and returns the
// cause, for syscall emulation layered outside the core.
func (h *Hart) RunUserland(ctx context.Context) (Word, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		raw, sig := h.fetchInstruction()
		if sig != nil {
			if _, ok := sig.(*trap); ok && sig.Cause() == CauseECallFromU {
				return sig.Cause(), nil
			}

			deliver(h, sig)

			continue
		}

		op, sig := decode(h, raw)
		if sig != nil {
			deliver(h, sig)
			continue
		}

		if sig := op.Execute(h); sig != nil {
			if sig.Cause() == CauseECallFromU {
				return sig.Cause(), nil
			}

			deliver(h, sig)
		}
	}
}

// pendingInterrupt returns the highest-priority enabled interrupt, honoring both mstatus.MIE
// (the global enable, forced on for any mode below machine) and the per-cause mie/mip bits, with
// external > software > timer and machine > supervisor priority order.
func (h *Hart) pendingInterrupt() trapSignal {
	if h.timer.Pending() {
		h.csr.mip |= intrMTI
	}

	enabled := h.csr.mie

	pending := h.csr.mip & enabled

	if pending == 0 {
		return nil
	}

	globallyEnabled := (h.priv == PrivilegeMachine && h.csr.mstatus&statusMIE != 0) ||
		h.priv != PrivilegeMachine

	if !globallyEnabled {
		return nil
	}

	switch {
	case pending&intrMEI != 0:
		return &interrupt{cause: InterruptMachineExternal}
	case pending&intrMSI != 0:
		return &interrupt{cause: InterruptMachineSoftware}
	case pending&intrMTI != 0:
		return &interrupt{cause: InterruptMachineTimer}
	case pending&intrSEI != 0:
		return &interrupt{cause: InterruptSupervisorExternal}
	case pending&intrSSI != 0:
		return &interrupt{cause: InterruptSupervisorSoftware}
	case pending&intrSTI != 0:
		return &interrupt{cause: InterruptSupervisorTimer}
	}

	return nil
}

func (h *Hart) String() string {
	return fmt.Sprintf("Hart[%d](PC:%#x PRIV:%s %s)", h.ID, h.PC, h.priv, h.csr.String())
}
