package console

// console.go adapts a host terminal to a UART. The three-goroutine shape — read terminal input,
// push it to the device, drain device output to the terminal — wires a raw terminal to any
// byte-oriented MMIO device; only the device on the other end is specific to this core.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/haltline/rvvm/internal/log"
	"github.com/haltline/rvvm/internal/rvvm"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Console wires a UART to the host's standard streams using raw terminal I/O.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	uart *UART
	outC chan byte

	log *log.Logger
}

// NewConsole creates a Console reading sin and writing to sout, raw-moding sin's file
// descriptor. ErrNoTTY is returned if sin is not a terminal; callers must call Restore to
// return the terminal to its original state.
func NewConsole(uart *UART, sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		fd:    fd,
		state: saved,
		uart:  uart,
		outC:  make(chan byte, 256),
		log:   log.DefaultLogger(),
	}

	uart.Sink = func(b byte) {
		select {
		case c.outC <- b:
		default:
			// Output dropped under backpressure: a full channel must never block the
			// hart servicing the MMIO write.
		}
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return c, nil
}

// Run starts the read/write pump goroutines and blocks until ctx is cancelled or a terminal I/O
// error occurs, folding the three-goroutine fan-out (caller, reader, writer) into one method a
// caller can run under its own context.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go c.readTerminal(ctx, cancel)
	go c.writeTerminal(ctx, cancel)

	<-ctx.Done()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// Restore returns the terminal to its original state and unblocks any in-progress read.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIOs, err := unix.IoctlGetTermios(c.fd, ioctlGetTermios)
	if err != nil {
		return err
	}

	termIOs.Cc[unix.VMIN] = vmin
	termIOs.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, ioctlSetTermios, termIOs); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal and pushes each one to the UART's receive buffer
// until ctx is cancelled. A single loop suffices here because Push never blocks.
func (c *Console) readTerminal(ctx context.Context, cancel context.CancelCauseFunc) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			cancel(err)
			return
		}

		c.uart.Push(b)
	}
}

// writeTerminal drains bytes the guest wrote to the UART and echoes them to the terminal.
func (c *Console) writeTerminal(ctx context.Context, cancel context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.outC:
			if _, err := c.out.Write([]byte{b}); err != nil {
				cancel(err)
				return
			}
		}
	}
}

// Attach registers a UART-backed console with machine at addr, returning the handle so the
// caller can detach it later. The device occupies [addr, addr+RegionSize).
func Attach(machine *rvvm.Machine, addr rvvm.Word, uart *UART) (rvvm.MMIOHandle, error) {
	return machine.AttachMMIO(addr, RegionSize, 1, 1, "uart0", uart)
}
