package kvm

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/nilsocket/hvcore/hv"
)

// VCPU is one guest virtual CPU. It implements hv.VCPU.
type VCPU struct {
	fd     *os.File
	run    *RunData
	runRaw []byte
}

// Close releases the vCPU's mmap'd run structure and file descriptor.
func (v *VCPU) Close() error {
	_ = munmapRun(v.runRaw)

	return v.fd.Close()
}

// GetContext implements hv.VCPU.
func (v *VCPU) GetContext() (hv.Context, error) {
	var regs Regs
	if _, err := Ioctl(v.fd.Fd(), IIOR(nrGetRegs, unsafe.Sizeof(regs)), uintptr(unsafe.Pointer(&regs))); err != nil {
		return hv.Context{}, fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}

	var sregs Sregs
	if _, err := Ioctl(v.fd.Fd(), IIOR(nrGetSregs, unsafe.Sizeof(sregs)), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return hv.Context{}, fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}

	var dregs DebugRegs
	if _, err := Ioctl(v.fd.Fd(), IIOR(nrGetDebugRegs, unsafe.Sizeof(dregs)), uintptr(unsafe.Pointer(&dregs))); err != nil {
		return hv.Context{}, fmt.Errorf("kvm: KVM_GET_DEBUGREGS: %w", err)
	}

	return hv.Context{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RSP: regs.RSP, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: regs.RIP, RFLAGS: regs.RFLAGS,
		CR0: sregs.CR0, CR2: sregs.CR2, CR3: sregs.CR3, CR4: sregs.CR4, CR8: sregs.CR8,
		EFER:       sregs.EFER,
		CSBase:     sregs.CS.Base,
		CSSelector: uint64(sregs.CS.Selector),
		GSBase:     sregs.GS.Base,
		FSBase:     sregs.FS.Base,
		DR0:        dregs.DB[0], DR1: dregs.DB[1], DR2: dregs.DB[2], DR3: dregs.DB[3],
		DR6: dregs.DR6, DR7: dregs.DR7,
	}, nil
}

// SetContext implements hv.VCPU.
func (v *VCPU) SetContext(ctx hv.Context) error {
	regs := Regs{
		RAX: ctx.RAX, RBX: ctx.RBX, RCX: ctx.RCX, RDX: ctx.RDX,
		RSI: ctx.RSI, RDI: ctx.RDI, RSP: ctx.RSP, RBP: ctx.RBP,
		R8: ctx.R8, R9: ctx.R9, R10: ctx.R10, R11: ctx.R11,
		R12: ctx.R12, R13: ctx.R13, R14: ctx.R14, R15: ctx.R15,
		RIP: ctx.RIP, RFLAGS: ctx.RFLAGS,
	}

	if _, err := Ioctl(v.fd.Fd(), IIOW(nrSetRegs, unsafe.Sizeof(regs)), uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", err)
	}

	var sregs Sregs
	if _, err := Ioctl(v.fd.Fd(), IIOR(nrGetSregs, unsafe.Sizeof(sregs)), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("kvm: KVM_GET_SREGS (pre-merge): %w", err)
	}

	sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4, sregs.CR8 = ctx.CR0, ctx.CR2, ctx.CR3, ctx.CR4, ctx.CR8
	sregs.EFER = ctx.EFER
	sregs.CS.Base = ctx.CSBase
	sregs.CS.Selector = uint16(ctx.CSSelector)
	sregs.GS.Base = ctx.GSBase
	sregs.FS.Base = ctx.FSBase

	if _, err := Ioctl(v.fd.Fd(), IIOW(nrSetSregs, unsafe.Sizeof(sregs)), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", err)
	}

	dregs := DebugRegs{
		DB:  [4]uint64{ctx.DR0, ctx.DR1, ctx.DR2, ctx.DR3},
		DR6: ctx.DR6,
		DR7: ctx.DR7,
	}

	if _, err := Ioctl(v.fd.Fd(), IIOW(nrSetDebugRegs, unsafe.Sizeof(dregs)), uintptr(unsafe.Pointer(&dregs))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_DEBUGREGS: %w", err)
	}

	return nil
}

// ReadMSR implements hv.VCPU.
func (v *VCPU) ReadMSR(index uint32) (uint64, error) {
	var msrs MSRs
	msrs.NMSRs = 1
	msrs.Entries[0].Index = index

	if _, err := Ioctl(v.fd.Fd(), IIOWR(nrGetMSRs, unsafe.Sizeof(msrs)), uintptr(unsafe.Pointer(&msrs))); err != nil {
		return 0, fmt.Errorf("kvm: KVM_GET_MSRS index 0x%x: %w", index, err)
	}

	return msrs.Entries[0].Data, nil
}

// WriteMSR implements hv.VCPU.
func (v *VCPU) WriteMSR(index uint32, value uint64) error {
	var msrs MSRs
	msrs.NMSRs = 1
	msrs.Entries[0].Index = index
	msrs.Entries[0].Data = value

	if _, err := Ioctl(v.fd.Fd(), IIOW(nrSetMSRs, unsafe.Sizeof(msrs)), uintptr(unsafe.Pointer(&msrs))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_MSRS index 0x%x: %w", index, err)
	}

	return nil
}

// CPUID implements hv.VCPU by returning the host's native result for the
// leaf/subleaf pair, since the guest is expected to see whatever the
// underlying hardware reports for leaves the hypervisor does not itself
// virtualize.
func (v *VCPU) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return nativeCPUID(leaf, subleaf)
}

// Run implements hv.VCPU. It blocks until the next VM exit, or until ctx
// is canceled, in which case it sets kvm_run.immediate_exit and waits for
// the in-flight KVM_RUN ioctl to unblock with EINTR. This is the same
// mechanism production KVM VMMs use to interrupt a running vCPU from
// another thread; it replaces the reference implementation's WHvP-specific
// WHvCancelRunVirtualProcessor call and its busy-polling "kicker" thread,
// since Go's context cancellation already wakes the watcher goroutine
// immediately rather than on a fixed poll interval.
func (v *VCPU) Run(runCtx context.Context) (hv.Exit, error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-runCtx.Done():
			v.run.ImmediateExit = 1
		case <-done:
		}
	}()

	for {
		_, err := Ioctl(v.fd.Fd(), nrRunIOCTL(), 0)
		if err != nil {
			if runCtx.Err() != nil {
				v.run.ImmediateExit = 0

				return hv.Exit{Reason: hv.ExitCanceled}, nil
			}

			return hv.Exit{}, fmt.Errorf("kvm: KVM_RUN: %w", err)
		}

		return v.classifyExit(), nil
	}
}

func nrRunIOCTL() uintptr {
	return IIO(nrRun)
}

// RequestInterruptWindow implements hv.VCPU by setting
// kvm_run.request_interrupt_window, so the next KVM_RUN exits with
// ExitInterruptWindow as soon as the guest's interrupt flag permits
// delivery.
func (v *VCPU) RequestInterruptWindow() error {
	v.run.RequestInterruptWindow = 1

	return nil
}

// exceptionHasErrorCode reports whether vector is one of the x86
// exceptions architecturally defined to push an error code (#DF, #TS,
// #NP, #SS, #GP, #PF, #AC), since KVM's vcpu-events ABI does not carry a
// separate validity flag for it on the read side.
func exceptionHasErrorCode(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	default:
		return false
	}
}

// DeliverException implements hv.VCPU via KVM_GET_VCPU_EVENTS /
// KVM_SET_VCPU_EVENTS, queuing vector (and errorCode, when the caller
// supplies one) for injection on the next Run.
func (v *VCPU) DeliverException(vector uint8, errorCode *uint32) error {
	var events VCPUEvents

	if _, err := Ioctl(v.fd.Fd(), IIOR(nrGetVCPUEvents, unsafe.Sizeof(events)), uintptr(unsafe.Pointer(&events))); err != nil {
		return fmt.Errorf("kvm: KVM_GET_VCPU_EVENTS: %w", err)
	}

	if events.Exception.Pending != 0 || events.Exception.Injected != 0 {
		return fmt.Errorf("kvm: exception already pending")
	}

	events.Exception.Injected = 1
	events.Exception.Nr = vector

	if errorCode != nil {
		events.Exception.HasErrorCode = 1
		events.Exception.ErrorCode = *errorCode
	}

	if _, err := Ioctl(v.fd.Fd(), IIOW(nrSetVCPUEvents, unsafe.Sizeof(events)), uintptr(unsafe.Pointer(&events))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_VCPU_EVENTS: %w", err)
	}

	return nil
}

// ClearPendingException implements hv.VCPU by zeroing the exception
// sub-struct of the vCPU's pending events, leaving interrupt/NMI/SMI
// state untouched.
func (v *VCPU) ClearPendingException() error {
	var events VCPUEvents

	if _, err := Ioctl(v.fd.Fd(), IIOR(nrGetVCPUEvents, unsafe.Sizeof(events)), uintptr(unsafe.Pointer(&events))); err != nil {
		return fmt.Errorf("kvm: KVM_GET_VCPU_EVENTS: %w", err)
	}

	events.Exception = struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}{}

	if _, err := Ioctl(v.fd.Fd(), IIOW(nrSetVCPUEvents, unsafe.Sizeof(events)), uintptr(unsafe.Pointer(&events))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_VCPU_EVENTS: %w", err)
	}

	return nil
}

func (v *VCPU) classifyExit() hv.Exit {
	switch v.run.ExitReason {
	case exitMMIO:
		return hv.Exit{
			Reason:    hv.ExitMemoryAccess,
			FaultAddr: v.run.Data[0],
			Write:     (v.run.Data[2]>>32)&0xff != 0,
		}
	case exitIO:
		direction, size, port, _, offset := v.run.IO()

		data := make([]byte, size)
		copy(data, v.runRaw[offset:uint64(offset)+size])

		return hv.Exit{
			Reason:    hv.ExitIOPortAccess,
			Port:      uint16(port),
			PortWrite: direction == ioOut,
			PortData:  data,
		}
	case exitHLT:
		return hv.Exit{Reason: hv.ExitHalt}
	case exitException:
		vector, errorCode := v.run.Exception()

		return hv.Exit{
			Reason:         hv.ExitException,
			Vector:         uint8(vector),
			ErrorCodeValid: exceptionHasErrorCode(uint8(vector)),
			ErrorCode:      errorCode,
		}
	case exitShutdown, exitFailEntry, exitInternalError:
		return hv.Exit{Reason: hv.ExitInternalError}
	case exitIRQWindowOpen:
		return hv.Exit{Reason: hv.ExitInterruptWindow}
	case exitRDMSR, exitWRMSR:
		index, data := v.run.MSR()

		return hv.Exit{
			Reason:   hv.ExitMSRAccess,
			MSRIndex: index,
			MSRWrite: v.run.ExitReason == exitWRMSR,
			MSRValue: data,
		}
	default:
		return hv.Exit{Reason: hv.ExitUnrecoverableException}
	}
}
