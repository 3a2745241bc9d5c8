// Package console provides an example memory-mapped UART device and a terminal backend that
// exercises it, demonstrating the external MMIODevice contract against a real peripheral
// instead of leaving it purely abstract. Neither is part of the core: the machine only ever
// sees the UART through rvvm.MMIODevice.
package console

import (
	"sync"

	"github.com/haltline/rvvm/internal/log"
	"github.com/haltline/rvvm/internal/rvvm"
)

// Register offsets within the UART's mapped region, laid out like a 16550: a single byte-wide
// data register plus a line-status register, the minimum a polling driver needs.
const (
	offRBR = 0x0 // Receiver buffer (read) / transmit holding (write).
	offIER = 0x1 // Interrupt enable (rx-ready bit only; no interrupt line is wired).
	offLSR = 0x5 // Line status.

	lsrDataReady   = 1 << 0
	lsrTxEmpty     = 1 << 5
	lsrTxEmptyIdle = 1 << 6
)

// RegionSize is the span an attached UART occupies; callers pick the base address.
const RegionSize = 0x8

// UART is an example MMIO serial device: one byte of input buffering, unbuffered output. Output
// is delivered synchronously to whatever Sink is installed; input is filled by whoever drives
// the device (normally a [Console]) calling Push.
type UART struct {
	mu sync.Mutex

	rxByte  byte
	rxFull  bool
	ieRecv  bool

	// Sink receives every byte written to the data register. It must not block; Console's
	// sink writes to a buffered channel instead of the terminal directly.
	Sink func(b byte)

	log *log.Logger
}

// NewUART creates a UART with no sink installed; Write silently discards output until one is
// set.
func NewUART() *UART {
	return &UART{log: log.DefaultLogger()}
}

// Push delivers one byte of guest-bound input, overwriting any byte not yet read: a slow or
// unready guest loses unread data rather than blocking the terminal reader, so a guest driver
// must poll the ready bit before it can trust what it reads.
func (u *UART) Push(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.rxByte = b
	u.rxFull = true
}

// RxInterruptEnabled reports whether the guest has asked to be notified on data-ready, for a
// caller wiring this device's readiness into a PLIC or polled interrupt line of its own.
func (u *UART) RxInterruptEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.ieRecv
}

// HasInput reports whether a byte is buffered for the guest to read.
func (u *UART) HasInput() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.rxFull
}

// Read implements rvvm.MMIODevice. Only byte-wide accesses are supported, matching the
// register's declared [1,1] width window.
func (u *UART) Read(dst []byte, offset rvvm.Word, width uint8) bool {
	if width != 1 || len(dst) != 1 {
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case offRBR:
		dst[0] = u.rxByte
		u.rxFull = false
	case offLSR:
		var lsr byte = lsrTxEmpty | lsrTxEmptyIdle

		if u.rxFull {
			lsr |= lsrDataReady
		}

		dst[0] = lsr
	default:
		dst[0] = 0
	}

	return true
}

// Write implements rvvm.MMIODevice.
func (u *UART) Write(src []byte, offset rvvm.Word, width uint8) bool {
	if width != 1 || len(src) != 1 {
		return false
	}

	switch offset {
	case offRBR:
		if u.Sink != nil {
			u.Sink(src[0])
		}
	case offIER:
		u.mu.Lock()
		u.ieRecv = src[0]&0x1 != 0
		u.mu.Unlock()
	default:
		return false
	}

	return true
}

// Reset restores power-on state: empty receive buffer, interrupts disabled.
func (u *UART) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.rxByte = 0
	u.rxFull = false
	u.ieRecv = false
}
