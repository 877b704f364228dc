// Snapshot persistence: a guest state dump (registers, physical memory
// and loop statistics; device state is not included) encoded with
// encoding/gob, grounded on the
// framed encode/decode pattern the migration package's transport.go uses
// for live guest transfer -- the same gob.Encoder/gob.Decoder pair, but
// written to and read from a single snapshot file instead of streamed
// over a pipe to a remote host.
package reloop

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nilsocket/hvcore/hv"
)

// Snapshot is the full persisted state of one guest at a point in time.
type Snapshot struct {
	Context hv.Context
	Memory  []byte
	Stats   Stats
}

// WriteSnapshot gob-encodes snap into <dir>/<folder>/state.gob, creating
// the folder if needed.
func WriteSnapshot(dir, folder string, snap Snapshot) error {
	path := filepath.Join(dir, folder)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("reloop: creating snapshot dir %s: %w", path, err)
	}

	f, err := os.Create(filepath.Join(path, "state.gob"))
	if err != nil {
		return fmt.Errorf("reloop: creating snapshot file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("reloop: encoding snapshot: %w", err)
	}

	return w.Flush()
}

// ReadSnapshot decodes a snapshot previously written by WriteSnapshot.
func ReadSnapshot(dir, folder string) (Snapshot, error) {
	var snap Snapshot

	f, err := os.Open(filepath.Join(dir, folder, "state.gob"))
	if err != nil {
		return snap, fmt.Errorf("reloop: opening snapshot file: %w", err)
	}
	defer f.Close()

	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&snap); err != nil {
		return snap, fmt.Errorf("reloop: decoding snapshot: %w", err)
	}

	return snap, nil
}
