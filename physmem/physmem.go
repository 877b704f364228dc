// Package physmem models the guest's physical address space as a list of
// host-backed regions and provides byte-level read/write access to it.
//
// It is grounded on the MemReader/MemoryRegion types of the Bochs-based
// reference implementation this module descends from: physical memory is
// not one contiguous host buffer but a set of disjoint (guest paddr, host
// backing pointer, size, permission) regions discovered page by page from
// the emulator and merged when contiguous.
package physmem

import (
	"errors"
	"fmt"
	"unsafe"
)

// Perm is a bitmask of the access types a region supports.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

func (p Perm) String() string {
	s := ""
	if p&PermRead != 0 {
		s += "r"
	} else {
		s += "-"
	}

	if p&PermWrite != 0 {
		s += "w"
	} else {
		s += "-"
	}

	if p&PermExecute != 0 {
		s += "x"
	} else {
		s += "-"
	}

	return s
}

// Region is a contiguous run of guest physical memory backed by host
// memory, along with the access permissions the backing emulator granted
// for it.
type Region struct {
	PAddr   uint64
	Backing []byte
	Perm    Perm
}

func (r Region) end() uint64 {
	return r.PAddr + uint64(len(r.Backing))
}

// contiguousWith reports whether r immediately precedes other in guest
// physical address with matching permissions, and is therefore eligible
// to be merged with it. The reference emulator additionally requires the
// host backing pointers to be adjacent; that check has no equivalent here
// because Synthesize always materializes a fresh, already-contiguous
// backing buffer for each merged region rather than aliasing the oracle's
// per-page pointers.
func (r Region) contiguousWith(other Region) bool {
	if r.Perm != other.Perm {
		return false
	}

	return r.end() == other.PAddr
}

var (
	// ErrNoBacking is returned when an address has no backing region at
	// the requested permission.
	ErrNoBacking = errors.New("physmem: address has no backing for requested access")
	// ErrOutOfRange is returned when a read or write would cross past the
	// end of its backing region.
	ErrOutOfRange = errors.New("physmem: access out of range of backing region")
)

// View is the physical address space: an ordered, non-overlapping list of
// backed regions.
type View struct {
	regions []Region
}

// NewView builds a View from already-synthesized regions. Regions must be
// sorted by PAddr and non-overlapping; use Synthesize to build one from a
// page-oracle instead of constructing this by hand.
func NewView(regions []Region) *View {
	return &View{regions: regions}
}

// Regions returns the backing region list, ordered by guest physical
// address.
func (v *View) Regions() []Region {
	return v.regions
}

func (v *View) find(paddr uint64) (Region, bool) {
	for _, r := range v.regions {
		if paddr >= r.PAddr && paddr < r.end() {
			return r, true
		}
	}

	return Region{}, false
}

// ReadPhys copies len(dst) bytes starting at paddr into dst. Every byte of
// the requested range must fall within a single backed, readable region.
func (v *View) ReadPhys(paddr uint64, dst []byte) error {
	r, ok := v.find(paddr)
	if !ok {
		return fmt.Errorf("%w: paddr=0x%x", ErrNoBacking, paddr)
	}

	if r.Perm&PermRead == 0 {
		return fmt.Errorf("%w: paddr=0x%x is not readable", ErrNoBacking, paddr)
	}

	off := paddr - r.PAddr
	if off+uint64(len(dst)) > uint64(len(r.Backing)) {
		return fmt.Errorf("%w: paddr=0x%x len=%d", ErrOutOfRange, paddr, len(dst))
	}

	copy(dst, r.Backing[off:off+uint64(len(dst))])

	return nil
}

// WritePhys copies src into guest physical memory starting at paddr. Every
// byte of the requested range must fall within a single backed, writable
// region.
func (v *View) WritePhys(paddr uint64, src []byte) error {
	r, ok := v.find(paddr)
	if !ok {
		return fmt.Errorf("%w: paddr=0x%x", ErrNoBacking, paddr)
	}

	if r.Perm&PermWrite == 0 {
		return fmt.Errorf("%w: paddr=0x%x is not writable", ErrNoBacking, paddr)
	}

	off := paddr - r.PAddr
	if off+uint64(len(src)) > uint64(len(r.Backing)) {
		return fmt.Errorf("%w: paddr=0x%x len=%d", ErrOutOfRange, paddr, len(src))
	}

	copy(r.Backing[off:off+uint64(len(src))], src)

	return nil
}

// PageOracle resolves the host backing pointer for a single guest physical
// page at a given access kind, as the reference emulator's BX_READ /
// BX_WRITE / BX_EXECUTE memory queries do. It returns nil if the emulator
// has no backing for that page at that access kind.
type PageOracle interface {
	Backing(paddr uint64, perm Perm) []byte
}

const pageSize = 4096

// biosWindowStart and biosWindowEnd bound the legacy BIOS shadow window
// that the reference emulator always skips during region discovery: its
// backing pointers are not stable across resets and are never reported as
// part of the physical address space.
const (
	biosWindowStart = 0xc0000
	biosWindowEnd   = 0x100000
)

// samePointer reports whether a and b alias the same host backing byte,
// i.e. the oracle returned the same underlying memory for two different
// access kinds rather than two distinct backings that merely happen to
// both be non-nil.
func samePointer(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	return unsafe.Pointer(&a[0]) == unsafe.Pointer(&b[0])
}

// Synthesize walks guest physical memory one page at a time from 0 to
// memSize, querying oracle for read/write/execute backing at each page,
// and coalesces the result into the smallest possible list of contiguous
// Regions. It mirrors the reference emulator's per-page memory discovery
// loop, including its BIOS shadow window exclusion.
//
// A page's permission bits are only set for kinds whose oracle-returned
// pointer matches the first backing pointer seen for that page: if, say,
// the write query returns a different host pointer than the read query
// did, the page is not writable through this page's single backing slice
// and PermWrite is left unset for it, mirroring the reference emulator's
// own per-kind pointer comparison during region discovery.
func Synthesize(oracle PageOracle, memSize uint64) []Region {
	var regions []Region

	for paddr := uint64(0); paddr < memSize; paddr += pageSize {
		if paddr >= biosWindowStart && paddr < biosWindowEnd {
			continue
		}

		read := oracle.Backing(paddr, PermRead)
		write := oracle.Backing(paddr, PermWrite)
		exec := oracle.Backing(paddr, PermExecute)

		var backing []byte

		switch {
		case read != nil:
			backing = read
		case write != nil:
			backing = write
		case exec != nil:
			backing = exec
		default:
			continue
		}

		var perm Perm

		if read != nil && samePointer(read, backing) {
			perm |= PermRead
		}

		if write != nil && samePointer(write, backing) {
			perm |= PermWrite
		}

		if exec != nil && samePointer(exec, backing) {
			perm |= PermExecute
		}

		page := Region{PAddr: paddr, Backing: backing[:pageSize], Perm: perm}

		if n := len(regions); n > 0 && regions[n-1].contiguousWith(page) {
			regions[n-1].Backing = append(regions[n-1].Backing, page.Backing...)
			continue
		}

		regions = append(regions, page)
	}

	return regions
}
