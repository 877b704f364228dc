package kvm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapRun maps the kernel-shared kvm_run structure for a vCPU file
// descriptor, sized per KVM_GET_VCPU_MMAP_SIZE.
func mmapRun(fd uintptr, size int) ([]byte, error) {
	data, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}

	return data, nil
}

func munmapRun(data []byte) error {
	return unix.Munmap(data)
}
