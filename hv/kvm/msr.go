package kvm

import "unsafe"

// GetMSRIndexList returns the set of MSR indices KVM emulates for guests
// on this host. The list varies by kernel version and host CPU but is
// otherwise stable for the lifetime of the process.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = maxMSREntries

	_, err := Ioctl(kvmFd, IIOWR(nrGetMSRIndexList, unsafe.Sizeof(*list)), uintptr(unsafe.Pointer(list)))

	return err
}
