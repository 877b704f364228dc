// Package loader walks a Windows guest's module lists to discover the
// image name, base address and size of every loaded module, in either
// user mode (walking the PEB's loader data) or kernel mode (scanning for
// PsLoadedModuleList).
//
// The field offsets below are grounded on the reference emulator's win32
// module and are two genuinely distinct, simultaneously valid layouts:
// the user-mode PEB_LDR_DATA node carries its DLL timestamp at +0x80,
// while the kernel-mode LDR_DATA_TABLE_ENTRY used for PsLoadedModuleList
// carries it at +0x9c. Neither is a guess or an OS-version fallback for
// the other.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf16"
)

// Reader is the memory access loader needs: virtual reads relative to a
// CR3 root, since module lists are only reachable through the active
// address space.
type Reader interface {
	ReadVirt(cr3, vaddr uint64, dst []byte) error
}

// Module describes one loaded image.
type Module struct {
	Name          string
	Base          uint64
	Size          uint32
	TimeDateStamp uint32
}

var (
	// ErrKernelModuleListNotFound is returned by GetModuleListKernel when
	// no self-referential list head naming ntoskrnl.exe is found within
	// the scanned range.
	ErrKernelModuleListNotFound = errors.New("loader: PsLoadedModuleList not found")
)

const (
	// pebLdrOffset is PEB+0x18, the pointer to PEB_LDR_DATA.
	pebLdrOffset = 0x18
	// ldrListHeadOffset is PEB_LDR_DATA+0x10, InLoadOrderModuleList.Flink.
	ldrListHeadOffset = 0x10

	// User-mode PEB_LDR_DATA node field offsets.
	userFlinkOffset     = 0x00
	userBaseOffset      = 0x30
	userSizeOffset      = 0x40
	userTimestampOffset = 0x80
	userNameLenOffset   = 0x58
	userNamePtrOffset   = 0x60

	// Kernel-mode LDR_DATA_TABLE_ENTRY node field offsets. Flink/Blink,
	// base, size and the BaseDllName length/pointer share the same offsets
	// as user mode, so one decoder reads both kinds of entry; only the
	// timestamp offset differs.
	kernelTimestampOffset = 0x9c
)

// GetModuleListUser walks the InLoadOrderModuleList of the PEB at pebAddr
// and returns every module found. pebAddr is the pointer the caller read
// from TEB+0x60 (in user mode the GS segment base points at the TEB).
func GetModuleListUser(mem Reader, cr3, pebAddr uint64) ([]Module, error) {
	var ldrPtrBuf [8]byte
	if err := mem.ReadVirt(cr3, pebAddr+pebLdrOffset, ldrPtrBuf[:]); err != nil {
		return nil, fmt.Errorf("loader: reading PEB_LDR_DATA pointer: %w", err)
	}

	ldr := binary.LittleEndian.Uint64(ldrPtrBuf[:])

	var headBuf [8]byte
	if err := mem.ReadVirt(cr3, ldr+ldrListHeadOffset, headBuf[:]); err != nil {
		return nil, fmt.Errorf("loader: reading module list head: %w", err)
	}

	head := binary.LittleEndian.Uint64(headBuf[:])

	return walkList(mem, cr3, head, userTimestampOffset)
}

// GetModuleListKernel scans [scanBase, scanBase+scanLen) for a
// self-referential doubly-linked list node whose BaseDllName decodes to
// "ntoskrnl.exe" -- the signature the reference emulator uses to find
// PsLoadedModuleList without a symbol server, since the list head is not
// otherwise discoverable from a single fixed kernel offset across
// versions.
func GetModuleListKernel(mem Reader, cr3, scanBase, scanLen uint64) ([]Module, error) {
	const scanStep = 8

	for addr := scanBase; addr < scanBase+scanLen; addr += scanStep {
		var flinkBuf [8]byte
		if err := mem.ReadVirt(cr3, addr+userFlinkOffset, flinkBuf[:]); err != nil {
			continue
		}

		flink := binary.LittleEndian.Uint64(flinkBuf[:])
		if flink != addr {
			continue
		}

		mod, ok := tryReadModule(mem, cr3, addr, kernelTimestampOffset)
		if !ok {
			continue
		}

		if mod.Name != "ntoskrnl.exe" {
			continue
		}

		return walkList(mem, cr3, flink, kernelTimestampOffset)
	}

	return nil, fmt.Errorf("%w: scanned 0x%x bytes from 0x%x", ErrKernelModuleListNotFound, scanLen, scanBase)
}

func walkList(mem Reader, cr3, head uint64, timestampOffset uint64) ([]Module, error) {
	var modules []Module

	cur := head
	visited := make(map[uint64]bool)

	for {
		if cur == 0 || visited[cur] {
			break
		}

		visited[cur] = true

		mod, ok := tryReadModule(mem, cr3, cur, timestampOffset)
		if ok && mod.Base != 0 {
			modules = append(modules, mod)
		}

		var nextBuf [8]byte
		if err := mem.ReadVirt(cr3, cur+userFlinkOffset, nextBuf[:]); err != nil {
			break
		}

		next := binary.LittleEndian.Uint64(nextBuf[:])
		if next == head {
			break
		}

		cur = next
	}

	sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })

	return modules, nil
}

func tryReadModule(mem Reader, cr3, nodeAddr, timestampOffset uint64) (Module, bool) {
	var baseBuf, sizeBuf, tsBuf, nameLenBuf, namePtrBuf [8]byte

	if err := mem.ReadVirt(cr3, nodeAddr+userBaseOffset, baseBuf[:8]); err != nil {
		return Module{}, false
	}

	if err := mem.ReadVirt(cr3, nodeAddr+userSizeOffset, sizeBuf[:4]); err != nil {
		return Module{}, false
	}

	if err := mem.ReadVirt(cr3, nodeAddr+timestampOffset, tsBuf[:4]); err != nil {
		return Module{}, false
	}

	if err := mem.ReadVirt(cr3, nodeAddr+userNameLenOffset, nameLenBuf[:2]); err != nil {
		return Module{}, false
	}

	if err := mem.ReadVirt(cr3, nodeAddr+userNamePtrOffset, namePtrBuf[:8]); err != nil {
		return Module{}, false
	}

	base := binary.LittleEndian.Uint64(baseBuf[:])
	size := binary.LittleEndian.Uint32(sizeBuf[:4])
	ts := binary.LittleEndian.Uint32(tsBuf[:4])
	nameLen := binary.LittleEndian.Uint16(nameLenBuf[:2])
	namePtr := binary.LittleEndian.Uint64(namePtrBuf[:])

	// A node whose name length is zero, odd (UTF-16 names are always an even
	// byte count), or too large to plausibly be a module name, or whose name
	// page isn't resident, is malformed: the caller skips it and keeps
	// walking rather than recording a nameless entry.
	if nameLen == 0 || nameLen%2 != 0 || nameLen > 520 {
		return Module{}, false
	}

	nameBytes := make([]byte, nameLen)
	if err := mem.ReadVirt(cr3, namePtr, nameBytes); err != nil {
		return Module{}, false
	}

	name := decodeUTF16(nameBytes)

	return Module{Name: name, Base: base, Size: size, TimeDateStamp: ts}, true
}

func decodeUTF16(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}

	return string(utf16.Decode(u16))
}
