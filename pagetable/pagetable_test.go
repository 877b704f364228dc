package pagetable_test

import (
	"encoding/binary"
	"testing"

	"github.com/nilsocket/hvcore/pagetable"
	"github.com/nilsocket/hvcore/physmem"
)

// buildIdentityMap constructs a minimal 4-level page table that maps the
// single 4KiB page at vaddr to paddr, returning the view and its CR3.
func buildIdentityMap(t *testing.T, vaddr, paddr uint64) (*physmem.View, uint64) {
	t.Helper()

	const tableSize = 0x1000

	backing := make([]byte, tableSize*4)
	view := physmem.NewView([]physmem.Region{
		{PAddr: 0, Backing: backing, Perm: physmem.PermRead | physmem.PermWrite},
	})

	pml4 := uint64(0)
	pdpt := uint64(tableSize)
	pd := uint64(tableSize * 2)
	pt := uint64(tableSize * 3)

	pml4i := (vaddr >> 39) & 0x1ff
	pdpti := (vaddr >> 30) & 0x1ff
	pdi := (vaddr >> 21) & 0x1ff
	pti := (vaddr >> 12) & 0x1ff

	writeEntry(t, view, pml4+pml4i*8, pdpt|0b11)
	writeEntry(t, view, pdpt+pdpti*8, pd|0b11)
	writeEntry(t, view, pd+pdi*8, pt|0b11)
	writeEntry(t, view, pt+pti*8, paddr|0b11)

	return view, pml4
}

func writeEntry(t *testing.T, view *physmem.View, addr, value uint64) {
	t.Helper()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	if err := view.WritePhys(addr, buf[:]); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}
}

func TestTranslate4KiBPage(t *testing.T) {
	t.Parallel()

	const vaddr = 0x0000_1234_5678_9000
	const paddr = 0x200000

	view, cr3 := buildIdentityMap(t, vaddr&^uint64(0xfff), paddr)

	res, err := pagetable.Translate(view, cr3, vaddr, false)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	want := uint64(paddr | (vaddr & 0xfff))
	if res.Phys != want {
		t.Fatalf("Phys = 0x%x, want 0x%x", res.Phys, want)
	}

	if res.Depth != 3 {
		t.Fatalf("Depth = %d, want 3", res.Depth)
	}
}

func TestTranslateNonPresentReturnsError(t *testing.T) {
	t.Parallel()

	view, cr3 := buildIdentityMap(t, 0x400000, 0x200000)

	_, err := pagetable.Translate(view, cr3, 0x800000, false)
	if err == nil {
		t.Fatal("expected error for unmapped address")
	}
}

func TestTranslateDirtySetsAccessedAndDirtyBits(t *testing.T) {
	t.Parallel()

	const vaddr = 0x0000_1234_5678_9000
	const paddr = 0x200000

	view, cr3 := buildIdentityMap(t, vaddr&^uint64(0xfff), paddr)

	res, err := pagetable.Translate(view, cr3, vaddr, true)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if res.Bits&pagetable.Accessed == 0 {
		t.Fatal("leaf entry missing Accessed bit in result")
	}

	if res.Bits&pagetable.Dirty == 0 {
		t.Fatal("leaf entry missing Dirty bit in result")
	}

	pml4i := uint64((vaddr >> 39) & 0x1ff)

	var buf [8]byte
	if err := view.ReadPhys(pml4i*8, buf[:]); err != nil {
		t.Fatalf("ReadPhys PML4 entry: %v", err)
	}

	pml4Bits := pagetable.Bits(binary.LittleEndian.Uint64(buf[:]))
	if pml4Bits&pagetable.Accessed == 0 {
		t.Fatal("PML4 entry missing Accessed bit after dirty translate")
	}

	if pml4Bits&pagetable.Dirty != 0 {
		t.Fatal("PML4 entry unexpectedly has Dirty bit set")
	}
}

func TestCanonicalizeRejectsNonCanonical(t *testing.T) {
	t.Parallel()

	_, ok := pagetable.Canonicalize(0x0001_0000_0000_0000)
	if ok {
		t.Fatal("expected non-canonical address to be rejected")
	}

	_, ok = pagetable.Canonicalize(0x0000_7fff_ffff_ffff)
	if !ok {
		t.Fatal("expected canonical address to be accepted")
	}
}
