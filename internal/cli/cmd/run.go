package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/haltline/rvvm/internal/cli"
	"github.com/haltline/rvvm/internal/console"
	"github.com/haltline/rvvm/internal/encoding"
	"github.com/haltline/rvvm/internal/log"
	"github.com/haltline/rvvm/internal/rvvm"
)

// consoleAddr is the guest-physical address the UART is mapped at. It sits well below the
// default kernel load offset on both RV32 and RV64, out of the way of a typical boot image.
const consoleAddr = rvvm.Word(0x1000_0000)

func Runner() cli.Command {
	return &runner{log: log.DefaultLogger()}
}

type runner struct {
	logLevel  slog.Level
	hartCount int
	ramSize   uint
	rv64      bool
	timeout   time.Duration

	log *log.Logger
}

func (runner) Description() string {
	return "boot and run a hex-encoded image"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run image.hex

Boots an image in the emulator and runs it until a timeout or ^C.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return r.logLevel.UnmarshalText([]byte(s))
	})
	fs.IntVar(&r.hartCount, "harts", 1, "number of harts")
	fs.UintVar(&r.ramSize, "ram", 64<<20, "RAM size, in `bytes`")
	fs.BoolVar(&r.rv64, "rv64", true, "boot in RV64 mode (false selects RV32)")
	fs.DurationVar(&r.timeout, "timeout", 0, "stop the machine after `duration` (0 disables)")

	return fs
}

// Run boots an image and runs it until the configured timeout expires or the context is
// cancelled (e.g. by ^C), whichever comes first. A guest powering the machine off does not end
// the command.
func (r *runner) Run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) int {
	log.LogLevel.Set(r.logLevel)

	if len(args) == 0 {
		logger.Error("run: missing image argument")
		return 1
	}

	code, err := r.loadCode(args[0])
	if err != nil {
		logger.Error("Error loading code", "err", err)
		return -1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	if r.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, r.timeout)
		defer cancelTimeout()
	}

	logger.Debug("Initializing machine", "harts", r.hartCount, "ram", r.ramSize, "rv64", r.rv64)

	machine, err := rvvm.CreateMachine(0x8000_0000, rvvm.Word(r.ramSize), r.hartCount, r.rv64,
		rvvm.WithLogger(logger))
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	uart := console.NewUART()
	uart.Sink = func(b byte) { fmt.Fprintf(stdout, "%c", b) }

	if _, err := console.Attach(machine, consoleAddr, uart); err != nil {
		logger.Error("attach console failed", "err", err)
		return 1
	}

	loader := rvvm.NewLoader(machine)
	count := 0

	for i := range code {
		n, err := loader.Load(code[i])
		count += n

		if err != nil {
			logger.Error(err.Error())
			return 1
		}
	}

	logger.Debug("Loaded program", "file", args[0], "loaded", count)

	if err := machine.StartMachine(); err != nil {
		logger.Error("start machine failed", "err", err)
		return 1
	}

	logger.Info("Starting machine")

	<-ctx.Done()

	if err := machine.FreeMachine(); err != nil {
		logger.Error("free machine failed", "err", err)
	}

	switch err := context.Cause(ctx); {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Run timeout")
		return 2
	case errors.Is(err, context.Canceled):
		logger.Info("Run completed")
		return 0
	case err != nil:
		logger.Error("Run error", "err", err)
		return 2
	default:
		logger.Info("Terminated")
		return 0
	}
}

func (r *runner) loadCode(fn string) ([]rvvm.ObjectCode, error) {
	r.log.Debug("Loading image", "file", fn)

	file, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		r.log.Error(err.Error())
		return nil, err
	}

	r.log.Debug("Loaded file", "bytes", len(raw))

	hx := encoding.HexEncoding{}

	if err = hx.UnmarshalText(raw); err != nil {
		r.log.Error(err.Error())
		return nil, err
	}

	return hx.Code, nil
}
