package kvm

import "unsafe"

// GetSupportedCPUID fills in the set of CPUID entries the host and KVM
// together can support for a guest.
func GetSupportedCPUID(kvmFd uintptr, ids *CPUID) error {
	ids.Nent = maxCPUIDEntries

	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID, unsafe.Sizeof(*ids)), uintptr(unsafe.Pointer(ids)))

	return err
}

// SetCPUID2 installs the CPUID entries a vCPU should report to its guest.
func SetCPUID2(vcpuFd uintptr, ids *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, unsafe.Sizeof(*ids)), uintptr(unsafe.Pointer(ids)))

	return err
}
