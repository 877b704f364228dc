package kvm

// Regs mirrors struct kvm_regs: the general purpose register file.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT pointers).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Descriptor
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [(numInterrupts + 63) / 64]uint64
}

// DebugRegs mirrors struct kvm_debugregs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const memLogDirtyPages = 1 << 0

// SetMemLogDirtyPages turns on dirty-page tracking for this region.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetMemReadonly marks the region read-only to the guest.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// maxCPUIDEntries bounds the fixed-size CPUID entry array, matching the
// KVM userspace ABI's convention of a caller-sized trailing array; 100
// entries comfortably covers every leaf/subleaf combination real guests
// query.
const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// maxMSREntries bounds MSRList/MSRs the same way maxCPUIDEntries does.
const maxMSREntries = 100

// MSRList mirrors struct kvm_msr_list.
type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSREntries]uint32
}

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRs mirrors struct kvm_msrs: a header followed by a caller-sized
// array of entries, as required by KVM_GET_MSRS / KVM_SET_MSRS.
type MSRs struct {
	NMSRs   uint32
	Padding uint32
	Entries [maxMSREntries]MSREntry
}

// RunData mirrors the mmap'd struct kvm_run header fields this module
// actually consumes. ImmediateExit is written from a goroutine other than
// the one blocked in KVM_RUN to request cancellation; see (*VCPU).Run.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXITIO exit.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MSR decodes the kvm_run.msr union shared by KVM_EXIT_X86_RDMSR and
// KVM_EXIT_X86_WRMSR. Whether it was a read or a write is carried by the
// exit reason itself, not by a field within the union.
func (r *RunData) MSR() (index uint32, data uint64) {
	index = uint32(r.Data[1] >> 32)
	data = r.Data[2]

	return index, data
}

// Exception decodes the kvm_run.ex union for a legacy KVM_EXIT_EXCEPTION
// exit (vm86 mode only; long-mode guests fault through KVM_EXIT_EXCEPTION
// the same way but the union layout is unchanged).
func (r *RunData) Exception() (vector uint32, errorCode uint32) {
	vector = uint32(r.Data[0])
	errorCode = uint32(r.Data[0] >> 32)

	return vector, errorCode
}

// VCPUEvents mirrors struct kvm_vcpu_events, the payload of
// KVM_GET_VCPU_EVENTS / KVM_SET_VCPU_EVENTS. Only the exception sub-struct
// is used by this module; interrupt, NMI and SMI state are carried
// through unexamined so a get-modify-set round trip doesn't clobber them.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected      uint8
		Nr            uint8
		SoftInterrupt uint8
		ShadowMask    uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SipiVector uint32
	Flags      uint32
	SMI        struct {
		Smm          uint8
		Pending      uint8
		SmmInsideNMI uint8
		LatchedInit  uint8
	}
	Reserved            [27]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

// irqLevel mirrors struct kvm_irq_level.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// pitConfig mirrors struct kvm_pit_config.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// exit reason codes, from linux/kvm.h.
const (
	exitUnknown         = 0
	exitException       = 1
	exitIO              = 2
	exitHypercall       = 3
	exitDebug           = 4
	exitHLT             = 5
	exitMMIO            = 6
	exitIRQWindowOpen   = 7
	exitShutdown        = 8
	exitFailEntry       = 9
	exitIntr            = 10
	exitSetTPR          = 11
	exitTPRAccess       = 12
	exitInternalError   = 17
	exitSystemEvent     = 24
	exitRDMSR           = 29
	exitWRMSR           = 30

	ioIn  = 0
	ioOut = 1
)

// CPUIDFeatures and CPUIDSignature are the KVM paravirtualization leaves.
const (
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001
)
