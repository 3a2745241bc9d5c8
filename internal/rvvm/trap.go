package rvvm

// trap.go models architectural faults and interrupts as explicit result values rather than
// control-flow exceptions, the direct generalization of the 16-bit simulator's
// interruptableError/*interrupt/*acv chain (hand-rolled Is/As, a Handle(cpu) method) to the
// RISC-V trap-cause space.

import (
	"fmt"
)

// Standard trap causes. The interrupt bit (bit 63) is set by interrupt.Cause.
const (
	CauseInstructionAddressMisaligned = Word(0)
	CauseInstructionAccessFault       = Word(1)
	CauseIllegalInstruction           = Word(2)
	CauseBreakpoint                   = Word(3)
	CauseLoadAddressMisaligned        = Word(4)
	CauseLoadAccessFault              = Word(5)
	CauseStoreAddressMisaligned       = Word(6)
	CauseStoreAccessFault             = Word(7)
	CauseECallFromU                   = Word(8)
	CauseECallFromS                   = Word(9)
	CauseECallFromM                   = Word(11)
	CauseInstructionPageFault         = Word(12)
	CauseLoadPageFault                = Word(13)
	CauseStorePageFault               = Word(15)
)

const interruptBit = Word(1) << 63

// Interrupt causes, before the interrupt bit is applied.
const (
	InterruptSupervisorSoftware = Word(1)
	InterruptMachineSoftware    = Word(3)
	InterruptSupervisorTimer    = Word(5)
	InterruptMachineTimer       = Word(7)
	InterruptSupervisorExternal = Word(9)
	InterruptMachineExternal    = Word(11)
)

// trapSignal is returned from a hart's fetch/decode/execute path to unwind out of the
// instruction and request that the run loop deliver the described trap. Every RISC-V
// architectural exception and interrupt implements it, the same role the simulator's
// interruptableError interface plays for its own, much smaller, set of conditions.
type trapSignal interface {
	error

	// Cause is the value to write to mcause/scause, including the interrupt bit for
	// asynchronous traps.
	Cause() Word

	// Tval is the value to write to mtval/stval: the faulting address, the illegal
	// instruction bits, or zero.
	Tval() Word
}

// trap is the concrete value behind every exception. It is unexported; callers construct traps
// through the named constructors below so the cause/tval pairing can't drift apart.
type trap struct {
	cause Word
	tval  Word
}

func (t *trap) Cause() Word  { return t.cause }
func (t *trap) Tval() Word   { return t.tval }
func (t *trap) Error() string {
	return fmt.Sprintf("trap: cause=%#x tval=%#x", t.cause, t.tval)
}

// Is reports whether err is any trap value: callers use errors.Is(err, &trap{}) as a type test,
// not a value comparison.
func (t *trap) Is(err error) bool {
	_, ok := err.(*trap)
	return ok
}

func PageFault(access AccessKind, vaddr Word) trapSignal {
	cause := map[AccessKind]Word{
		AccessFetch: CauseInstructionPageFault,
		AccessLoad:  CauseLoadPageFault,
		AccessStore: CauseStorePageFault,
	}[access]

	return &trap{cause: cause, tval: vaddr}
}

func AccessFault(access AccessKind, addr Word) trapSignal {
	cause := map[AccessKind]Word{
		AccessFetch: CauseInstructionAccessFault,
		AccessLoad:  CauseLoadAccessFault,
		AccessStore: CauseStoreAccessFault,
	}[access]

	return &trap{cause: cause, tval: addr}
}

func Misaligned(access AccessKind, addr Word) trapSignal {
	cause := map[AccessKind]Word{
		AccessFetch: CauseInstructionAddressMisaligned,
		AccessLoad:  CauseLoadAddressMisaligned,
		AccessStore: CauseStoreAddressMisaligned,
	}[access]

	return &trap{cause: cause, tval: addr}
}

func IllegalInstruction(raw Word) trapSignal {
	return &trap{cause: CauseIllegalInstruction, tval: raw}
}

func Breakpoint(pc Word) trapSignal {
	return &trap{cause: CauseBreakpoint, tval: pc}
}

// ECall builds the environment-call trap for the hart's current privilege level.
func ECall(priv Privilege) trapSignal {
	cause := CauseECallFromU

	switch priv {
	case PrivilegeSupervisor:
		cause = CauseECallFromS
	case PrivilegeMachine:
		cause = CauseECallFromM
	}

	return &trap{cause: cause, tval: 0}
}

// interrupt is the asynchronous counterpart to trap: timer and external interrupts delivered
// between instructions rather than raised by one.
type interrupt struct {
	cause Word
}

func (i *interrupt) Cause() Word   { return i.cause | interruptBit }
func (i *interrupt) Tval() Word    { return 0 }
func (i *interrupt) Error() string { return fmt.Sprintf("interrupt: cause=%#x", i.cause) }

func (i *interrupt) Is(err error) bool {
	_, ok := err.(*interrupt)
	return ok
}

func TimerInterrupt(priv Privilege) trapSignal {
	cause := InterruptMachineTimer
	if priv == PrivilegeSupervisor {
		cause = InterruptSupervisorTimer
	}

	return &interrupt{cause: cause}
}

func ExternalInterrupt() trapSignal {
	return &interrupt{cause: InterruptMachineExternal}
}

// AccessKind distinguishes the three ways a hart can touch memory, used both to pick the right
// trap cause and, in the MMU, to check PTE permission bits.
type AccessKind uint8

const (
	AccessLoad AccessKind = iota
	AccessStore
	AccessFetch
)

func (a AccessKind) String() string {
	switch a {
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	default:
		return "fetch"
	}
}

// deliver updates the hart's trap state for a synchronous exception or interrupt: it writes
// cause/epc/tval, delegates to S-mode if configured and permitted, switches privilege, and sets
// PC to the trap vector. It is the RISC-V analog of the simulator's *interrupt.Handle(cpu),
// which instead pushed PC/PSR to the stack before jumping — RISC-V traps have no implicit stack
// frame, the vector and the saved context live entirely in CSRs.
func deliver(h *Hart, sig trapSignal) {
	cause := sig.Cause()
	delegate := cause&interruptBit == 0 && h.csr.medeleg&(1<<uint(cause&^interruptBit)) != 0 ||
		cause&interruptBit != 0 && h.csr.mideleg&(1<<uint(cause&^interruptBit)) != 0

	if delegate && h.priv != PrivilegeMachine {
		h.csr.scause = cause
		h.csr.stval = sig.Tval()
		h.csr.sepc = h.PC

		if h.priv == PrivilegeUser {
			h.csr.mstatus &^= statusSPP
		} else {
			h.csr.mstatus |= statusSPP
		}

		if h.csr.mstatus&statusSIE != 0 {
			h.csr.mstatus |= statusSPIE
		}

		h.csr.mstatus &^= statusSIE
		h.priv = PrivilegeSupervisor
		h.PC = trapVector(h.csr.stvec, cause)

		return
	}

	h.csr.mcause = cause
	h.csr.mtval = sig.Tval()
	h.csr.mepc = h.PC

	mpp := Word(h.priv) << 11
	h.csr.mstatus = (h.csr.mstatus &^ statusMPP) | mpp

	if h.csr.mstatus&statusMIE != 0 {
		h.csr.mstatus |= statusMPIE
	}

	h.csr.mstatus &^= statusMIE
	h.priv = PrivilegeMachine
	h.PC = trapVector(h.csr.mtvec, cause)
}

// trapVector resolves a vector-base CSR (mtvec/stvec) and a cause into the PC to jump to. Mode
// 0 is direct (always the base); mode 1 is vectored, but only for interrupts.
func trapVector(tvec Word, cause Word) Word {
	base := tvec &^ 0b11
	mode := tvec & 0b11

	if mode == 1 && cause&interruptBit != 0 {
		return base + 4*(cause&^interruptBit)
	}

	return base
}
