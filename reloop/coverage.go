package reloop

import (
	"encoding/binary"
	"sort"

	"github.com/nilsocket/hvcore/coverage"
	"github.com/nilsocket/hvcore/hv"
	"github.com/nilsocket/hvcore/loader"
	"github.com/nilsocket/hvcore/pagetable"
	"github.com/nilsocket/hvcore/physmem"
)

// kernelScanWindow bounds the kernel-mode PsLoadedModuleList scan to the
// same 64 MiB the reference emulator's win32 module searches from the
// kernel GS base.
const kernelScanWindow = 64 * 1024 * 1024

// efer LMA is bit 10 of IA32_EFER, set once the processor has entered
// long mode.
const eferLMA = 1 << 10

// kernelHalf marks the top bit of a canonical address, true for every
// address in the kernel half of a long-mode address space.
const kernelHalf = uint64(1) << 63

// pebSelfOffset is TEB+0x60, the pointer to the process environment block
// from the segment base the GS register carries in user mode.
const pebSelfOffset = 0x60

// virtMemory adapts a physical memory view plus the page-table walker
// into the virtual-memory reader the module-list walker needs; neither
// physmem nor pagetable knows about the other on its own.
type virtMemory struct {
	phys *physmem.View
}

// ReadVirt implements loader.Reader by translating vaddr one page at a
// time and reading the resolved physical address out of phys.
func (r virtMemory) ReadVirt(cr3, vaddr uint64, dst []byte) error {
	const pageSize = 0x1000

	for len(dst) > 0 {
		res, err := pagetable.Translate(r.phys, cr3, vaddr, false)
		if err != nil {
			return err
		}

		pageOff := vaddr & (pageSize - 1)
		n := pageSize - pageOff

		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}

		if err := r.phys.ReadPhys(res.Phys, dst[:n]); err != nil {
			return err
		}

		dst = dst[n:]
		vaddr += n
	}

	return nil
}

// moduleCache holds the most recently walked module list. Per spec §4.5
// it is rebuilt only on demand, when a lookup against the current list
// misses, rather than on every iteration.
type moduleCache struct {
	modules []loader.Module
}

// lookup binary-searches the cached list for the module containing
// vaddr, per spec §4.6's get_modoff.
func (c *moduleCache) lookup(vaddr uint64) (loader.Module, uint64, bool) {
	i := sort.Search(len(c.modules), func(i int) bool {
		return c.modules[i].Base+uint64(c.modules[i].Size) > vaddr
	})

	if i < len(c.modules) && c.modules[i].Base <= vaddr {
		return c.modules[i], vaddr - c.modules[i].Base, true
	}

	return loader.Module{}, 0, false
}

// refresh re-walks the guest's module list for whichever of user or
// kernel mode ctx describes, per spec §4.5's mode selection rule. It is a
// no-op (leaving the previous list in place) if ctx matches neither mode
// or the walk fails.
func (c *moduleCache) refresh(mem virtMemory, ctx hv.Context) {
	longMode := ctx.EFER&eferLMA != 0
	cpl := ctx.CSSelector & 3

	var (
		mods []loader.Module
		err  error
	)

	switch {
	case longMode && cpl == 3 && ctx.GSBase != 0:
		var pebBuf [8]byte
		if err = mem.ReadVirt(ctx.CR3, ctx.GSBase+pebSelfOffset, pebBuf[:]); err == nil {
			peb := binary.LittleEndian.Uint64(pebBuf[:])
			mods, err = loader.GetModuleListUser(mem, ctx.CR3, peb)
		}
	case longMode && cpl == 0 && ctx.GSBase&kernelHalf != 0:
		mods, err = loader.GetModuleListKernel(mem, ctx.CR3, ctx.GSBase, kernelScanWindow)
	default:
		return
	}

	if err != nil {
		return
	}

	c.modules = mods
}

// reportCoverage classifies ctx.RIP against the module list (rebuilding
// it first if the current list doesn't cover RIP) and records it in the
// coverage store, returning whether this was newly discovered coverage.
func (l *Loop) reportCoverage(ctx hv.Context) bool {
	mod, offset, ok := l.modules.lookup(ctx.RIP)
	if !ok {
		l.modules.refresh(virtMemory{l.mem}, ctx)

		mod, offset, ok = l.modules.lookup(ctx.RIP)
		if !ok {
			return false
		}
	}

	key := coverage.Key{Name: mod.Name, TimeDateStamp: mod.TimeDateStamp, SizeOfImage: mod.Size}

	return l.coverage.ReportOffset(key, uint32(offset))
}
