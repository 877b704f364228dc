// Package hv defines the hypervisor capability surface the execution
// loop drives a guest vCPU through: create, context save/restore, memory
// mapping, single run-step, and dirty-page harvesting.
//
// It exists so the execution loop (package reloop) is not hard-wired to
// one hypervisor backend. The reference implementation this module
// descends from only ever targeted the Windows Hypervisor Platform; this
// port targets Linux KVM (package hv/kvm) instead, behind the same
// narrow interface.
package hv

import "context"

// ExitReason classifies why a call to Run returned control to the host.
// It mirrors the reference implementation's VmExitReason. The ordering
// of the first thirteen constants follows the tagged variant this port
// was distilled from exactly; InternalError has no counterpart there and
// is appended for KVM's own shutdown/fail-entry/internal-error trio,
// which the source hypervisor never produced.
//
// Not every reason is reachable through the KVM backend: InvalidRegister,
// UnsupportedFeature and ApicEoi correspond to conditions the Windows
// Hypervisor Platform this was ported from could signal but that KVM's
// exit-reason ABI has no matching code for (KVM validates registers and
// features at ioctl time rather than at a vCPU exit, and surfaces APIC
// EOI only through KVM_EXIT_IOAPIC_EOI, which requires split-irqchip
// mode this module does not configure). They are kept in the enum so the
// classification stays a faithful rendering of the tagged variant, and
// so a future backend (or a split-irqchip KVM configuration) has
// somewhere to report them.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitMemoryAccess
	ExitIOPortAccess
	ExitUnrecoverableException
	ExitInvalidRegister
	ExitUnsupportedFeature
	ExitInterruptWindow
	ExitHalt
	ExitApicEoi
	ExitMSRAccess
	ExitCPUID
	ExitException
	ExitCanceled
	ExitInternalError
)

func (e ExitReason) String() string {
	switch e {
	case ExitNone:
		return "None"
	case ExitMemoryAccess:
		return "MemoryAccess"
	case ExitIOPortAccess:
		return "IoPortAccess"
	case ExitUnrecoverableException:
		return "UnrecoverableException"
	case ExitInvalidRegister:
		return "InvalidRegister"
	case ExitUnsupportedFeature:
		return "UnsupportedFeature"
	case ExitInterruptWindow:
		return "InterruptWindow"
	case ExitHalt:
		return "Halt"
	case ExitApicEoi:
		return "ApicEoi"
	case ExitMSRAccess:
		return "MsrAccess"
	case ExitCPUID:
		return "Cpuid"
	case ExitException:
		return "Exception"
	case ExitCanceled:
		return "Canceled"
	case ExitInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Exit carries the classification of a completed Run call plus whatever
// exit-kind-specific detail the caller needs to act on it.
type Exit struct {
	Reason ExitReason

	// Valid when Reason is ExitMemoryAccess.
	FaultAddr uint64
	Write     bool

	// Valid when Reason is ExitIOPortAccess.
	Port      uint16
	PortWrite bool
	PortData  []byte

	// Valid when Reason is ExitMSRAccess.
	MSRIndex uint32
	MSRWrite bool
	MSRValue uint64

	// Valid when Reason is ExitException: the vector that faulted, whether
	// the architecture defines an error code for it, the error code itself
	// when valid, and the length in bytes of the faulting instruction (0 if
	// the backend cannot report it).
	Vector         uint8
	ErrorCodeValid bool
	ErrorCode      uint32
	InstrLen       uint8

	// Valid when Reason is ExitCPUID: the queried leaf/subleaf and the
	// result quad the backend would otherwise deliver natively, for the
	// loop to shape before writing back to the guest.
	CPUIDLeaf, CPUIDSubleaf                uint32
	CPUIDEax, CPUIDEbx, CPUIDEcx, CPUIDEdx uint32

	// Valid when Reason is ExitApicEoi: the vector the guest's local APIC
	// acknowledged.
	ApicEoiVector uint8
}

// Context is the full register set the loop saves and restores around
// emulation bursts: general purpose registers, segment/control registers,
// and debug registers, named generically enough to be filled from any
// backend's native register layout.
type Context struct {
	RAX, RBX, RCX, RDX       uint64
	RSI, RDI, RSP, RBP       uint64
	R8, R9, R10, R11         uint64
	R12, R13, R14, R15       uint64
	RIP, RFLAGS              uint64
	CR0, CR2, CR3, CR4, CR8  uint64
	EFER                     uint64
	CSBase, CSSelector       uint64
	GSBase, FSBase           uint64
	DR0, DR1, DR2, DR3       uint64
	DR6, DR7                 uint64
}

// MemPerm mirrors physmem.Perm without importing it, so this package has
// no dependency on the address-space model.
type MemPerm uint8

const (
	MemRead MemPerm = 1 << iota
	MemWrite
	MemExecute
)

// VCPU is a single virtual CPU ready to be stepped.
type VCPU interface {
	// GetContext reads the vCPU's full register state.
	GetContext() (Context, error)
	// SetContext writes the vCPU's full register state.
	SetContext(ctx Context) error

	// Run executes the guest until the next VM exit or until ctx is
	// canceled, in which case Run returns an Exit with Reason
	// ExitCanceled.
	Run(ctx context.Context) (Exit, error)

	// ReadMSR and WriteMSR access a single model-specific register.
	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error

	// CPUID returns the leaf/subleaf CPUID result the backend would
	// deliver natively, for the loop to hand to an ExitCPUID consumer.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// RequestInterruptWindow asks the backend to exit Run at the next
	// instruction boundary where the guest can accept an interrupt,
	// mirroring the reference implementation's register_interrupt_window.
	RequestInterruptWindow() error

	// DeliverException queues a pending exception for injection on the
	// next Run, with errorCode non-nil iff the vector's architectural
	// definition carries one. It fails if an exception is already
	// pending, mirroring the reference implementation's deliver_exception.
	DeliverException(vector uint8, errorCode *uint32) error

	// ClearPendingException zeroes the pending-event slot without
	// delivering it, mirroring the reference implementation's
	// clear_pending_exception.
	ClearPendingException() error
}

// VM owns guest physical memory and creates vCPUs against it.
type VM interface {
	// MapMemory installs a host-backed region of guest physical memory.
	// The region is always tracked for dirty-page logging.
	MapMemory(gpa uint64, backing []byte, perm MemPerm) error

	// DirtyBitmap returns, per mapped region in the order MapMemory was
	// called, a raw bitmap of pages written since the last call (or since
	// mapping, for the first call). One bit per 4KiB page.
	DirtyBitmap() ([][]uint64, error)

	// NewVCPU creates and returns a new virtual CPU within this VM.
	NewVCPU() (VCPU, error)

	// Close releases all resources held by the VM.
	Close() error
}

// Opener creates a VM, abstracting over which hypervisor device node or
// API the concrete backend uses.
type Opener interface {
	OpenVM() (VM, error)
}
