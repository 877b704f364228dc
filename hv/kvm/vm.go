// Package kvm implements the hv package's VM/VCPU contract on top of
// Linux's /dev/kvm device, grounded on the kvm wrapper functions and
// struct layouts of the teacher repository's kvm package.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/nilsocket/hvcore/hv"
)

var (
	// ErrTooManyRegions is returned by MapMemory once the fixed memory
	// slot table is exhausted.
	ErrTooManyRegions = errors.New("kvm: too many memory regions mapped")
)

// maxMemSlots bounds how many distinct MapMemory calls a VM can accept.
const maxMemSlots = 32

// Device opens /dev/kvm and creates VMs against it. It implements
// hv.Opener.
type Device struct {
	fd *os.File
}

// Open opens path (conventionally "/dev/kvm").
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open %s: %w", path, err)
	}

	return &Device{fd: f}, nil
}

// Close closes the underlying device file.
func (d *Device) Close() error {
	return d.fd.Close()
}

// APIVersion returns the KVM API version, which callers should check
// equals 12 before trusting anything else this package does.
func (d *Device) APIVersion() (int, error) {
	v, err := Ioctl(d.fd.Fd(), IIO(nrGetAPIVersion), 0)

	return int(v), err
}

// OpenVM creates a new virtual machine. It implements hv.Opener.
func (d *Device) OpenVM() (hv.VM, error) {
	fd, err := Ioctl(d.fd.Fd(), IIO(nrCreateVM), 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", err)
	}

	vmFile := os.NewFile(fd, "kvm-vm")

	mmapSize, err := Ioctl(d.fd.Fd(), IIO(nrGetVCPUMMapSize), 0)
	if err != nil {
		vmFile.Close()

		return nil, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	return &VM{fd: vmFile, runMmapSize: int(mmapSize)}, nil
}

// VM is one KVM virtual machine: an address space plus the vCPUs running
// against it.
type VM struct {
	fd          *os.File
	runMmapSize int

	regions []mappedRegion
}

type mappedRegion struct {
	slot    uint32
	gpa     uint64
	backing []byte
}

// MapMemory implements hv.VM.
func (v *VM) MapMemory(gpa uint64, backing []byte, perm hv.MemPerm) error {
	if len(v.regions) >= maxMemSlots {
		return ErrTooManyRegions
	}

	slot := uint32(len(v.regions))

	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(backing)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&backing[0]))),
	}

	region.SetMemLogDirtyPages()

	if perm&hv.MemWrite == 0 {
		region.SetMemReadonly()
	}

	_, err := Ioctl(v.fd.Fd(), IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(region)), uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, err)
	}

	v.regions = append(v.regions, mappedRegion{slot: slot, gpa: gpa, backing: backing})

	return nil
}

// dirtyLog mirrors struct kvm_dirty_log.
type dirtyLog struct {
	Slot    uint32
	Padding uint32
	Bitmap  uint64 // pointer to a caller-allocated bitmap
}

// DirtyBitmap implements hv.VM.
func (v *VM) DirtyBitmap() ([][]uint64, error) {
	out := make([][]uint64, len(v.regions))

	for i, r := range v.regions {
		words := (len(r.backing)/4096 + 63) / 64
		if words == 0 {
			words = 1
		}

		bitmap := make([]uint64, words)

		log := dirtyLog{
			Slot:   r.slot,
			Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
		}

		_, err := Ioctl(v.fd.Fd(), IIOW(nrGetDirtyLog, unsafe.Sizeof(log)), uintptr(unsafe.Pointer(&log)))
		if err != nil {
			return nil, fmt.Errorf("kvm: KVM_GET_DIRTY_LOG slot %d: %w", r.slot, err)
		}

		out[i] = bitmap
	}

	return out, nil
}

// NewVCPU implements hv.VM.
func (v *VM) NewVCPU() (hv.VCPU, error) {
	id := uintptr(0) // single-vCPU guests only; extend with an id parameter for SMP

	fd, err := Ioctl(v.fd.Fd(), IIO(nrCreateVCPU), id)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU: %w", err)
	}

	vcpuFile := os.NewFile(fd, "kvm-vcpu")

	mmapped, err := mmapRun(vcpuFile.Fd(), v.runMmapSize)
	if err != nil {
		vcpuFile.Close()

		return nil, err
	}

	return &VCPU{fd: vcpuFile, run: (*RunData)(unsafe.Pointer(&mmapped[0])), runRaw: mmapped}, nil
}

// Close implements hv.VM.
func (v *VM) Close() error {
	return v.fd.Close()
}
