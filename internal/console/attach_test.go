package console

import (
	"testing"

	"github.com/haltline/rvvm/internal/rvvm"
)

func TestAttachUART(t *testing.T) {
	m, err := rvvm.CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	uart := NewUART()

	if _, err := Attach(m, 0x1000_0000, uart); err != nil {
		t.Fatalf("Attach: %s", err)
	}

	uart.Push('A')

	var lsr [1]byte
	if ok := uart.Read(lsr[:], offLSR, 1); !ok || lsr[0]&lsrDataReady == 0 {
		t.Fatalf("lsr = %#02x, want data-ready set after Push", lsr[0])
	}
}

func TestAttachUARTRejectsOverlap(t *testing.T) {
	m, err := rvvm.CreateMachine(0x8000_0000, 0x1000, 1, true)
	if err != nil {
		t.Fatalf("CreateMachine: %s", err)
	}

	first := NewUART()
	if _, err := Attach(m, 0x1000_0000, first); err != nil {
		t.Fatalf("Attach(first): %s", err)
	}

	second := NewUART()
	if _, err := Attach(m, 0x1000_0004, second); err == nil {
		t.Fatal("Attach(second) at overlapping address succeeded")
	}
}
