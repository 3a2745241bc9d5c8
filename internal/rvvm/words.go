package rvvm

// words.go defines the base data types the hart operates on.

import (
	"fmt"

	"github.com/haltline/rvvm/internal/log"
)

// Word is the base data type on which a hart operates. It is wide enough to hold an XLEN=64
// value; RV32 harts use only the low 32 bits.
type Word uint64

func (w Word) String() string {
	return fmt.Sprintf("%#018x", uint64(w))
}

// Sext sign-extends the lower n bits of w, returning a new value. Unlike the 16-bit simulator
// this is derived from, Sext does not mutate its receiver: RISC-V immediates are computed
// values, not in-place register edits.
func Sext(w Word, n uint8) Word {
	s := 64 - n
	return Word(int64(w<<s) >> s)
}

// Zext clears all but the lower n bits of w.
func Zext(w Word, n uint8) Word {
	return w & (1<<n - 1)
}

// Sext32 sign-extends a 32-bit result to 64 bits, as every RV64 "W" instruction must before
// writing its destination register.
func Sext32(w Word) Word {
	return Word(int64(int32(uint32(w))))
}

// Register is a value held in a hart's integer register file.
type Register Word

func (r Register) String() string { return Word(r).String() }

// GPR identifies one of the 32 integer registers. X0 is hardwired to zero.
type GPR uint8

// NumGPR is the count of integer registers, including the hardwired X0.
const NumGPR = 32

func (g GPR) String() string { return fmt.Sprintf("x%d", uint8(g)) }

// RegisterFile is the set of integer registers. Reads of X0 always observe zero; writes to X0
// are silently discarded, enforced by [RegisterFile.Set] rather than by masking on every read.
type RegisterFile [NumGPR]Register

// Get returns the value of register g.
func (rf *RegisterFile) Get(g GPR) Word {
	return Word(rf[g])
}

// Set stores val in register g, unless g is X0.
func (rf *RegisterFile) Set(g GPR, val Word) {
	if g == 0 {
		return
	}

	rf[g] = Register(val)
}

func (rf RegisterFile) LogValue() log.Value {
	attrs := make([]log.Attr, 0, NumGPR)

	for i := range rf {
		attrs = append(attrs, log.String(GPR(i).String(), rf[i].String()))
	}

	return log.GroupValue(attrs...)
}

// XLen is the native integer width of a hart, either 32 or 64 bits.
type XLen uint8

const (
	RV32 XLen = 32
	RV64 XLen = 64
)

func (x XLen) String() string {
	if x == RV32 {
		return "RV32"
	}

	return "RV64"
}

// Mask returns the value truncated to the hart's native width, matching the way XLEN bounds
// every architectural register and CSR field.
func (x XLen) Mask(w Word) Word {
	if x == RV32 {
		return Word(uint32(w))
	}

	return w
}
