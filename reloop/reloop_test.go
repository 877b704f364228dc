package reloop_test

import (
	"testing"

	"github.com/nilsocket/hvcore/hv"
	"github.com/nilsocket/hvcore/reloop"
)

func TestHandleExceptionSnapshotReplayAlwaysClears(t *testing.T) {
	t.Parallel()

	cfg := reloop.DefaultConfig()
	cfg.FromSnapshot = true

	l := reloop.New(cfg, nil, nil, nil, nil, nil, nil, nil)

	action := l.HandleException(hv.Context{}, false)
	if action != reloop.ActionClearAndReenter {
		t.Fatalf("action = %v, want ActionClearAndReenter", action)
	}
}

func TestHandleExceptionRecordModeMatchesMagicBreakpoint(t *testing.T) {
	t.Parallel()

	cfg := reloop.DefaultConfig()

	l := reloop.New(cfg, nil, nil, nil, nil, nil, nil, nil)

	ctx := hv.Context{
		DR0: reloop.MagicBreakpointValue,
		DR6: 0x1, // DR0 fired
	}

	action := l.HandleException(ctx, true)
	if action != reloop.ActionSnapshot {
		t.Fatalf("action = %v, want ActionSnapshot", action)
	}
}

func TestHandleExceptionRecordModeNonMatchingReinjects(t *testing.T) {
	t.Parallel()

	l := reloop.New(reloop.DefaultConfig(), nil, nil, nil, nil, nil, nil, nil)

	ctx := hv.Context{DR0: 0xdead, DR6: 0x1}

	if action := l.HandleException(ctx, true); action != reloop.ActionReinject {
		t.Fatalf("action = %v, want ActionReinject", action)
	}
}

func TestHandleExceptionNonDebugAlwaysReinjectsInRecordMode(t *testing.T) {
	t.Parallel()

	l := reloop.New(reloop.DefaultConfig(), nil, nil, nil, nil, nil, nil, nil)

	if action := l.HandleException(hv.Context{}, false); action != reloop.ActionReinject {
		t.Fatalf("action = %v, want ActionReinject", action)
	}
}

func TestSnapshotWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	want := reloop.Snapshot{
		Context: hv.Context{RIP: 0x1000, RAX: 42},
		Memory:  []byte{1, 2, 3, 4},
		Stats:   reloop.Stats{VMExits: 7},
	}

	if err := reloop.WriteSnapshot(dir, "snapshot_1", want); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	got, err := reloop.ReadSnapshot(dir, "snapshot_1")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if got.Context.RIP != want.Context.RIP || got.Context.RAX != want.Context.RAX {
		t.Fatalf("Context = %+v, want %+v", got.Context, want.Context)
	}

	if len(got.Memory) != len(want.Memory) {
		t.Fatalf("Memory length = %d, want %d", len(got.Memory), len(want.Memory))
	}

	if got.Stats.VMExits != want.Stats.VMExits {
		t.Fatalf("VMExits = %d, want %d", got.Stats.VMExits, want.Stats.VMExits)
	}
}
