package rvvm

// loader.go is a small convenience wrapper for installing raw byte images into a machine's RAM
// outside the boot sequence — used by tests and by the CLI's run command. Grounded on the
// simulator's Loader/ObjectCode (an origin address plus a flat buffer, stored sequentially),
// generalized from word-addressed LC-3 memory to byte-addressed RAM.

import (
	"errors"
	"fmt"

	"github.com/haltline/rvvm/internal/log"
)

// ErrObjectLoader is wrapped by every error this type returns.
var ErrObjectLoader = errors.New("loader error")

// ObjectCode is a flat byte image and the guest address it belongs at.
type ObjectCode struct {
	Orig Word
	Code []byte
}

// Loader installs object code into a machine's RAM, bypassing translation exactly like the boot
// sequence's own placement of bootrom/kernel/dtb.
type Loader struct {
	machine *Machine
	log     *log.Logger
}

// NewLoader creates an object loader bound to machine.
func NewLoader(machine *Machine) *Loader {
	return &Loader{machine: machine, log: log.DefaultLogger()}
}

// Load writes obj.Code to obj.Orig.
func (l *Loader) Load(obj ObjectCode) (int, error) {
	if len(obj.Code) == 0 {
		return 0, fmt.Errorf("%w: object too small", ErrObjectLoader)
	}

	if err := l.machine.WriteRAM(obj.Orig, obj.Code); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrObjectLoader, err)
	}

	l.log.Debug("loaded object", "ORIG", obj.Orig.String(), "LEN", len(obj.Code))

	return len(obj.Code), nil
}
