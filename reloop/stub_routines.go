package reloop

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/nilsocket/hvcore/hv"
	"github.com/nilsocket/hvcore/physmem"
)

// DecodeLoggingRoutines is a minimal Routines implementation that can
// decode the instruction at a guest physical address (DecodeAt) but
// cannot execute it; it does no logging of its own. None of
// the example repositories this module was grounded on ship a full
// software x86 instruction emulator (the reference implementation's own
// emulator dependency is out of scope per this module's non-goals); this
// stub exists so the loop's Routines contract has at least one concrete,
// compiling implementation to exercise golang.org/x/arch's decoder
// against real guest memory. StepCPU always returns 0; the loop treats a
// short step count as the end of the emulation burst, writes the context
// from GetContext (the one SetContext stored) back to the vCPU and
// resumes native execution. No exit is reported to the caller for it.
type DecodeLoggingRoutines struct {
	mem     *physmem.View
	lastCtx hv.Context
	onMSR   func(index uint32, value uint64)
}

// NewDecodeLoggingRoutines wraps mem for instruction decoding.
func NewDecodeLoggingRoutines(mem *physmem.View) *DecodeLoggingRoutines {
	return &DecodeLoggingRoutines{mem: mem}
}

func (d *DecodeLoggingRoutines) SetContext(ctx hv.Context) { d.lastCtx = ctx }
func (d *DecodeLoggingRoutines) GetContext() hv.Context    { return d.lastCtx }

func (d *DecodeLoggingRoutines) StepDevice(steps uint64) {}

// DecodeAt decodes up to 15 bytes (the longest possible x86 instruction)
// starting at the guest physical address paddr.
func (d *DecodeLoggingRoutines) DecodeAt(paddr uint64, mode int) (x86asm.Inst, error) {
	buf := make([]byte, 15)
	if err := d.mem.ReadPhys(paddr, buf); err != nil {
		return x86asm.Inst{}, err
	}

	return x86asm.Decode(buf, mode)
}

func (d *DecodeLoggingRoutines) StepCPU(steps uint64) uint64 {
	return 0
}

func (d *DecodeLoggingRoutines) Backing(paddr uint64, perm physmem.Perm) []byte {
	for _, r := range d.mem.Regions() {
		if paddr >= r.PAddr && paddr < r.PAddr+uint64(len(r.Backing)) && r.Perm&perm == perm {
			return r.Backing[paddr-r.PAddr:]
		}
	}

	return nil
}

func (d *DecodeLoggingRoutines) WriteMSR(index uint32, value uint64) {
	if d.onMSR != nil {
		d.onMSR(index, value)
	}
}

func (d *DecodeLoggingRoutines) AfterRestore() {}

func (d *DecodeLoggingRoutines) TakeSnapshot(folderName string) error {
	return nil
}
