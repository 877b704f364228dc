package devstate_test

import (
	"testing"

	"github.com/nilsocket/hvcore/devstate"
)

func TestRegisterLockRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 16)
	for i := range mem {
		mem[i] = byte(i)
	}

	r := devstate.NewRegistry()
	if err := r.Register("pit.counter0", 0x1000, mem); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	for i := range mem {
		mem[i] = 0xFF
	}

	if err := r.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for i, b := range mem {
		if b != byte(i) {
			t.Fatalf("mem[%d] = %#x, want %#x after restore", i, b, byte(i))
		}
	}
}

func TestDefaultExclusionsAreIgnored(t *testing.T) {
	t.Parallel()

	r := devstate.NewRegistry()

	if err := r.Register("ram.memory.bochs.bochs", 0, make([]byte, 4)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Register("memory.vgacore.vga.bochs.bochs", 0x2000, make([]byte, 4)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if r.NumRecords() != 0 {
		t.Fatalf("NumRecords = %d, want 0 for excluded names", r.NumRecords())
	}
}

func TestRegisterAfterLockFails(t *testing.T) {
	t.Parallel()

	r := devstate.NewRegistry()
	if err := r.Lock(); err != nil {
		t.Fatal(err)
	}

	if err := r.Register("late", 0x3000, make([]byte, 4)); err == nil {
		t.Fatal("expected error registering after Lock")
	}
}

func TestLockMergesAdjacentRanges(t *testing.T) {
	t.Parallel()

	r := devstate.NewRegistry()
	if err := r.Register("b", 0x1008, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}

	if err := r.Register("a", 0x1000, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}

	if err := r.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if r.NumRecords() != 1 {
		t.Fatalf("NumRecords = %d, want 1 after merging adjacent ranges", r.NumRecords())
	}
}

func TestLockRejectsOverlap(t *testing.T) {
	t.Parallel()

	r := devstate.NewRegistry()
	if err := r.Register("a", 0x1000, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}

	if err := r.Register("b", 0x1008, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}

	if err := r.Lock(); err == nil {
		t.Fatal("expected overlap error")
	}
}
