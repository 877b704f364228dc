// Package pagetable walks x86-64 4-level page tables against a physical
// memory reader, translating guest virtual addresses to physical ones.
//
// It is grounded on the reference emulator's virt_to_phys_dirty walk: a
// fixed four-level descent (PML4, PDPT, PD, PT) using 9-bit indices at
// bits 39-47, 30-38, 21-29 and 12-20, with large-page shortcuts at the
// PDPT (1GiB) and PD (2MiB) levels when the page-size bit is set.
package pagetable

import (
	"errors"
	"fmt"
)

// PhysReader is the minimal physical-memory access pagetable needs; it is
// satisfied by *physmem.View.
type PhysReader interface {
	ReadPhys(paddr uint64, dst []byte) error
}

// PhysReadWriter is PhysReader plus the write access Translate needs to set
// Accessed and Dirty bits back into the walked page table entries. It is
// satisfied by *physmem.View.
type PhysReadWriter interface {
	PhysReader
	WritePhys(paddr uint64, src []byte) error
}

// Bits are the interesting flag bits of a page table entry.
type Bits uint64

const (
	Present       Bits = 1 << 0
	Writable      Bits = 1 << 1
	User          Bits = 1 << 2
	WriteThrough  Bits = 1 << 3
	CacheDisable  Bits = 1 << 4
	Accessed      Bits = 1 << 5
	Dirty         Bits = 1 << 6
	PageSize      Bits = 1 << 7
	Global        Bits = 1 << 8
	ExecuteDisable Bits = 1 << 63
)

const addrMask = 0x000f_ffff_ffff_f000

var (
	// ErrNotPresent is returned when a walk encounters a non-present entry.
	ErrNotPresent = errors.New("pagetable: entry not present")
	// ErrReservedPageSize is returned when the PageSize bit is set at the
	// PML4 level, which is architecturally reserved.
	ErrReservedPageSize = errors.New("pagetable: reserved page-size bit at PML4 level")
	// ErrNonCanonical is returned for a virtual address that fails the
	// canonical-form check.
	ErrNonCanonical = errors.New("pagetable: virtual address is not canonical")
)

// Canonicalize sign-extends bit 47 of a 64-bit value across bits 48-63, as
// the x86-64 architecture requires of virtual addresses, and reports
// whether addr was already in that canonical form.
func Canonicalize(addr uint64) (canonical uint64, ok bool) {
	canonical = uint64(int64(addr<<16) >> 16)

	return canonical, canonical == addr
}

// Result describes a completed translation.
type Result struct {
	Phys  uint64
	Bits  Bits
	Depth int // 1 = 1GiB page, 2 = 2MiB page, 3 = 4KiB page
}

// Translate walks the 4-level page table rooted at cr3 and resolves vaddr
// to a physical address, returning the leaf entry's flag bits and the
// depth at which the walk terminated (3 for an ordinary 4KiB page, 2 for
// a 2MiB large page, 1 for a 1GiB huge page).
//
// When dirty is true, Translate writes Accessed back into every entry it
// traverses (including intermediate table entries) and Dirty back into
// the leaf entry alone, the way a real MMU does on a write access; mem
// must implement PhysReadWriter in that case, or Translate returns an
// error. When dirty is false no entry is modified.
func Translate(mem PhysReader, cr3, vaddr uint64, dirty bool) (Result, error) {
	if _, ok := Canonicalize(vaddr); !ok {
		return Result{}, fmt.Errorf("%w: 0x%x", ErrNonCanonical, vaddr)
	}

	var writer PhysReadWriter

	if dirty {
		rw, ok := mem.(PhysReadWriter)
		if !ok {
			return Result{}, fmt.Errorf("pagetable: dirty translate requires a PhysReadWriter")
		}

		writer = rw
	}

	indices := [4]uint64{
		(vaddr >> 39) & 0x1ff,
		(vaddr >> 30) & 0x1ff,
		(vaddr >> 21) & 0x1ff,
		(vaddr >> 12) & 0x1ff,
	}

	tableBase := cr3 & addrMask

	for depth := 0; depth < 4; depth++ {
		entryAddr := tableBase + indices[depth]*8

		var buf [8]byte
		if err := mem.ReadPhys(entryAddr, buf[:]); err != nil {
			return Result{}, fmt.Errorf("pagetable: reading entry at 0x%x: %w", entryAddr, err)
		}

		entry := leUint64(buf[:])
		bits := Bits(entry)

		if bits&Present == 0 {
			return Result{}, fmt.Errorf("%w: vaddr=0x%x depth=%d", ErrNotPresent, vaddr, depth)
		}

		isLeaf := bits&PageSize != 0 || depth == 3

		if dirty {
			newBits := bits | Accessed
			if isLeaf {
				newBits |= Dirty
			}

			if newBits != bits {
				if err := setEntryBits(writer, entryAddr, newBits); err != nil {
					return Result{}, err
				}

				bits = newBits
				entry = uint64(newBits)
			}
		}

		if bits&PageSize != 0 {
			if depth == 0 {
				return Result{}, fmt.Errorf("%w: vaddr=0x%x", ErrReservedPageSize, vaddr)
			}

			pageBase := entry & addrMask

			var offset uint64

			switch depth {
			case 1: // PDPT: 1GiB page
				offset = vaddr & 0x3fff_ffff
				pageBase &^= 0x3fff_ffff
			case 2: // PD: 2MiB page
				offset = vaddr & 0x1f_ffff
				pageBase &^= 0x1f_ffff
			}

			return Result{Phys: pageBase + offset, Bits: bits, Depth: depth}, nil
		}

		if depth == 3 {
			pageBase := entry & addrMask
			offset := vaddr & 0xfff

			return Result{Phys: pageBase + offset, Bits: bits, Depth: 3}, nil
		}

		tableBase = entry & addrMask
	}

	return Result{}, fmt.Errorf("%w: vaddr=0x%x", ErrNotPresent, vaddr)
}

// setEntryBits writes newBits (the full 64-bit entry value, address field
// included, with Accessed and/or Dirty freshly ORed in) back to entryAddr.
func setEntryBits(mem PhysReadWriter, entryAddr uint64, newBits Bits) error {
	var buf [8]byte
	leCopyUint64(buf[:], uint64(newBits))

	if err := mem.WritePhys(entryAddr, buf[:]); err != nil {
		return fmt.Errorf("pagetable: writing back entry at 0x%x: %w", entryAddr, err)
	}

	return nil
}

func leCopyUint64(dst []byte, v uint64) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
	dst[4] = byte(v >> 32)
	dst[5] = byte(v >> 40)
	dst[6] = byte(v >> 48)
	dst[7] = byte(v >> 56)
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// ForEachPage walks the entire page table rooted at cr3 and invokes fn for
// every present leaf mapping found, passing the virtual address, physical
// address and flag bits. It is used to enumerate the working set of a
// guest address space, e.g. when scanning for dirty user pages.
func ForEachPage(mem PhysReader, cr3 uint64, fn func(vaddr, paddr uint64, bits Bits) error) error {
	return walkLevel(mem, cr3&addrMask, 0, 0, fn)
}

func walkLevel(mem PhysReader, tableBase uint64, depth int, vaddrPrefix uint64, fn func(uint64, uint64, Bits) error) error {
	for i := uint64(0); i < 512; i++ {
		entryAddr := tableBase + i*8

		var buf [8]byte
		if err := mem.ReadPhys(entryAddr, buf[:]); err != nil {
			return fmt.Errorf("pagetable: reading entry at 0x%x: %w", entryAddr, err)
		}

		entry := leUint64(buf[:])
		bits := Bits(entry)

		if bits&Present == 0 {
			continue
		}

		shift := uint(39 - depth*9)
		vaddr := vaddrPrefix | (i << shift)

		if bits&PageSize != 0 && depth > 0 {
			canon, _ := Canonicalize(vaddr)
			if err := fn(canon, entry&addrMask, bits); err != nil {
				return err
			}

			continue
		}

		if depth == 3 {
			canon, _ := Canonicalize(vaddr)
			if err := fn(canon, entry&addrMask, bits); err != nil {
				return err
			}

			continue
		}

		if err := walkLevel(mem, entry&addrMask, depth+1, vaddr, fn); err != nil {
			return err
		}
	}

	return nil
}
