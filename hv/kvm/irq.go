package kvm

import "unsafe"

// IRQLine sets the interrupt line for irq on vmFd.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	lvl := irqLevel{IRQ: irq, Level: level}

	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(lvl)), uintptr(unsafe.Pointer(&lvl)))

	return err
}

// CreateIRQChip creates the in-kernel interrupt controller for a VM.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

// CreatePIT2 creates the in-kernel programmable interval timer for a VM.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{}

	_, err := Ioctl(vmFd, IIOW(nrCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}
