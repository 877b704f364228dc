// Package vdisk implements a copy-on-write virtual disk overlay on top of
// a backing file, grounded on the reference emulator's VirtualDisk type.
//
// A disk is always opened volatile: writes land in an in-memory overlay
// keyed by LBA rather than the backing file, so repeated fuzzing runs can
// discard accumulated writes cheaply by dropping the overlay instead of
// restoring the file from a golden copy. A disk may only be switched to
// non-volatile (writes going straight to the backing file) while its
// overlay is empty.
package vdisk

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// BlockSize is the sector granularity the overlay and backing file are
// addressed in.
const BlockSize = 512

var (
	// ErrOverlayNotEmpty is returned by SetNonVolatile when the
	// copy-on-write overlay still holds buffered writes.
	ErrOverlayNotEmpty = errors.New("vdisk: cannot go non-volatile with a non-empty overlay")
	// ErrOutOfRange is returned for an LBA at or beyond the disk length.
	ErrOutOfRange = errors.New("vdisk: lba out of range")
)

// Disk is a block device backed by a file, with an optional copy-on-write
// write overlay.
type Disk struct {
	file      *os.File
	length    uint64 // in 512-byte blocks
	volatile  bool
	overlay   map[uint64][BlockSize]byte
}

// Open opens path as a virtual disk. The returned Disk starts volatile:
// all writes are buffered in memory and never reach path until
// SetNonVolatile is called.
func Open(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vdisk: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("vdisk: stat %s: %w", path, err)
	}

	return &Disk{
		file:     f,
		length:   uint64(info.Size()) / BlockSize,
		volatile: true,
		overlay:  make(map[uint64][BlockSize]byte),
	}, nil
}

// Close releases the backing file descriptor. Buffered overlay writes are
// discarded, not flushed.
func (d *Disk) Close() error {
	return d.file.Close()
}

// Size returns the disk length in 512-byte blocks.
func (d *Disk) Size() uint64 {
	return d.length
}

// DiscardChanges drops every buffered overlay write, reverting all
// volatile writes made since the disk was opened or last discarded.
func (d *Disk) DiscardChanges() {
	d.overlay = make(map[uint64][BlockSize]byte)
}

// SetNonVolatile switches the disk to writing directly through to the
// backing file. It fails if any writes are currently buffered in the
// overlay, since those writes would otherwise be silently lost.
func (d *Disk) SetNonVolatile() error {
	if len(d.overlay) != 0 {
		return ErrOverlayNotEmpty
	}

	d.volatile = false

	return nil
}

// ReadBlock reads one BlockSize-byte sector at lba, preferring the
// overlay over the backing file.
func (d *Disk) ReadBlock(lba uint64) ([BlockSize]byte, error) {
	var block [BlockSize]byte

	if lba >= d.length {
		return block, fmt.Errorf("%w: lba=%d length=%d", ErrOutOfRange, lba, d.length)
	}

	if b, ok := d.overlay[lba]; ok {
		return b, nil
	}

	if _, err := d.file.ReadAt(block[:], int64(lba*BlockSize)); err != nil && !errors.Is(err, io.EOF) {
		return block, fmt.Errorf("vdisk: read lba %d: %w", lba, err)
	}

	return block, nil
}

// WriteBlock writes one BlockSize-byte sector at lba. If the disk is
// volatile the write is buffered in the overlay; otherwise it goes
// straight to the backing file.
func (d *Disk) WriteBlock(lba uint64, block [BlockSize]byte) error {
	if lba >= d.length {
		return fmt.Errorf("%w: lba=%d length=%d", ErrOutOfRange, lba, d.length)
	}

	if d.volatile {
		d.overlay[lba] = block

		return nil
	}

	if _, err := d.file.WriteAt(block[:], int64(lba*BlockSize)); err != nil {
		return fmt.Errorf("vdisk: write lba %d: %w", lba, err)
	}

	return nil
}
