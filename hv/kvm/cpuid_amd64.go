package kvm

// nativeCPUIDLow is implemented in cpuid_amd64.s.
func nativeCPUIDLow(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32)

func nativeCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return nativeCPUIDLow(leaf, subleaf)
}
