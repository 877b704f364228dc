// Package devstate tracks the host-memory-backed state blocks of
// emulated devices so they can be snapshotted and restored around a
// reset, grounded on the reference emulator's DeviceState registry.
//
// Devices register the address ranges that back their internal state
// during initialization. The registry is locked exactly once, at which
// point overlapping registrations are rejected, adjacent ones are merged
// into single contiguous records, and the original bytes of every
// surviving record are captured. Restore later copies those captured
// bytes back, undoing whatever mutations a run performed.
package devstate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyLocked is returned by Register after Lock has been called.
	ErrAlreadyLocked = errors.New("devstate: registry already locked")
	// ErrOverlap is returned by Lock when two registered ranges overlap
	// and cannot be merged.
	ErrOverlap = errors.New("devstate: overlapping device state ranges")
	// ErrNotLocked is returned by Restore before Lock has run.
	ErrNotLocked = errors.New("devstate: registry not locked")
)

// defaultExcluded names the two device state blocks the registry ignores
// by default: the emulator's main guest RAM and its VGA memory. Both are
// large memory blocks that this registry does not capture or restore; main
// guest RAM is restored page by page through the dirty map instead.
var defaultExcluded = map[string]bool{
	"ram.memory.bochs.bochs":        true,
	"memory.vgacore.vga.bochs.bochs": true,
}

type record struct {
	name     string
	addr     uintptr
	size     int
	original []byte
	current  []byte // a slice view over the live device memory
}

// Registry tracks device state ranges prior to and across a Lock.
type Registry struct {
	mu       sync.Mutex
	excluded map[string]bool
	records  []record
	locked   bool
}

// NewRegistry returns a Registry using the default RAM/VGA exclusions.
// Pass additional names to Exclude before the first Register call to add
// to that set.
func NewRegistry() *Registry {
	excluded := make(map[string]bool, len(defaultExcluded))
	for k := range defaultExcluded {
		excluded[k] = true
	}

	return &Registry{excluded: excluded}
}

// Exclude adds name to the set of device state blocks Register silently
// ignores.
func (r *Registry) Exclude(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.excluded[name] = true
}

// Register records a device's state block. mem must alias the device's
// live memory for the range [addr, addr+size) so Lock can snapshot it and
// Restore can write back into it. Calling Register after Lock returns
// ErrAlreadyLocked. Calling it with a name in the exclusion set is a
// silent no-op, matching the reference implementation's treatment of its
// two hardcoded exclusions.
func (r *Registry) Register(name string, addr uintptr, mem []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return fmt.Errorf("%w: tried to register %q", ErrAlreadyLocked, name)
	}

	if r.excluded[name] {
		return nil
	}

	r.records = append(r.records, record{name: name, addr: addr, size: len(mem), current: mem})

	return nil
}

// Lock sorts registered records by address, merges adjacent ones into
// single contiguous records, asserts the merged set is pairwise
// non-overlapping, and captures the original bytes of every surviving
// record. It is safe to call more than once; subsequent calls are no-ops.
func (r *Registry) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return nil
	}

	sort.Slice(r.records, func(i, j int) bool {
		return r.records[i].addr < r.records[j].addr
	})

	merged := r.records[:0:0]

	for _, rec := range r.records {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.addr+uintptr(prev.size) == rec.addr {
				prev.size += rec.size
				prev.current = append(prev.current, rec.current...)
				prev.name = prev.name + "+" + rec.name

				continue
			}
		}

		merged = append(merged, rec)
	}

	for i := 0; i < len(merged); i++ {
		for j := i + 1; j < len(merged); j++ {
			ri, rj := merged[i], merged[j]
			if ri.addr < rj.addr+uintptr(rj.size) && rj.addr < ri.addr+uintptr(ri.size) {
				return fmt.Errorf("%w: %q and %q", ErrOverlap, ri.name, rj.name)
			}
		}
	}

	for i := range merged {
		original := make([]byte, merged[i].size)
		copy(original, merged[i].current)
		merged[i].original = original
	}

	r.records = merged
	r.locked = true

	return nil
}

// Restore copies each locked record's captured original bytes back over
// its live memory.
func (r *Registry) Restore() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.locked {
		return ErrNotLocked
	}

	for _, rec := range r.records {
		copy(rec.current, rec.original)
	}

	return nil
}

// NumRecords returns the number of records tracked after Lock (or the
// number registered so far, before Lock). Exposed for diagnostics and
// tests.
func (r *Registry) NumRecords() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}
