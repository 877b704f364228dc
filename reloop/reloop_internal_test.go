package reloop

import (
	"context"
	"testing"

	"github.com/nilsocket/hvcore/dirtymap"
	"github.com/nilsocket/hvcore/hv"
	"github.com/nilsocket/hvcore/physmem"
	"github.com/nilsocket/hvcore/timebase"
)

// fakeVCPU is a minimal hv.VCPU double driven entirely by test setup: each
// call to Run pops the next canned exit off runs, canceling the loop's
// context once the queue is drained so Run returns deterministically.
type fakeVCPU struct {
	ctx    hv.Context
	runs   []hv.Exit
	runIdx int
	cancel context.CancelFunc

	cpuidResult [4]uint32

	interruptWindowCalls int
	clearCalls           int
	deliverVector        uint8
	deliverErrorCode     *uint32
	deliverCalls         int
	setContexts          []hv.Context
}

func (f *fakeVCPU) GetContext() (hv.Context, error) { return f.ctx, nil }

func (f *fakeVCPU) SetContext(ctx hv.Context) error {
	f.ctx = ctx
	f.setContexts = append(f.setContexts, ctx)

	return nil
}

func (f *fakeVCPU) Run(context.Context) (hv.Exit, error) {
	e := f.runs[f.runIdx]
	f.runIdx++

	if f.runIdx >= len(f.runs) && f.cancel != nil {
		f.cancel()
	}

	return e, nil
}

func (f *fakeVCPU) ReadMSR(uint32) (uint64, error)    { return 0, nil }
func (f *fakeVCPU) WriteMSR(uint32, uint64) error     { return nil }
func (f *fakeVCPU) CPUID(_, _ uint32) (uint32, uint32, uint32, uint32) {
	return f.cpuidResult[0], f.cpuidResult[1], f.cpuidResult[2], f.cpuidResult[3]
}

func (f *fakeVCPU) RequestInterruptWindow() error {
	f.interruptWindowCalls++

	return nil
}

func (f *fakeVCPU) DeliverException(vector uint8, errorCode *uint32) error {
	f.deliverCalls++
	f.deliverVector = vector
	f.deliverErrorCode = errorCode

	return nil
}

func (f *fakeVCPU) ClearPendingException() error {
	f.clearCalls++

	return nil
}

type fakeRoutines struct{}

func (fakeRoutines) SetContext(hv.Context)              {}
func (fakeRoutines) GetContext() hv.Context             { return hv.Context{} }
func (fakeRoutines) StepDevice(uint64)                  {}
func (fakeRoutines) StepCPU(uint64) uint64               { return 0 }
func (fakeRoutines) Backing(uint64, physmem.Perm) []byte { return nil }
func (fakeRoutines) WriteMSR(uint32, uint64)             {}
func (fakeRoutines) AfterRestore()                       {}
func (fakeRoutines) TakeSnapshot(string) error           { return nil }

type fakeVM struct {
	bitmaps [][]uint64
}

func (fakeVM) MapMemory(uint64, []byte, hv.MemPerm) error { return nil }
func (f fakeVM) DirtyBitmap() ([][]uint64, error)         { return f.bitmaps, nil }
func (fakeVM) NewVCPU() (hv.VCPU, error)                  { return nil, nil }
func (fakeVM) Close() error                               { return nil }

func TestBudgetForMapsExitReasons(t *testing.T) {
	t.Parallel()

	l := &Loop{}

	cases := []struct {
		reason hv.ExitReason
		want   uint64
	}{
		{hv.ExitHalt, emulateStepsHalt},
		{hv.ExitMemoryAccess, emulateStepsDefault},
		{hv.ExitIOPortAccess, emulateStepsDefault},
		{hv.ExitMSRAccess, emulateStepsDefault},
		{hv.ExitInvalidRegister, emulateStepsDefault},
		{hv.ExitUnsupportedFeature, emulateStepsDefault},
		{hv.ExitException, 0},
		{hv.ExitCanceled, 0},
	}

	for _, c := range cases {
		got := l.budgetFor(hv.Exit{Reason: c.reason})
		if got != c.want {
			t.Errorf("budgetFor(%v) = %d, want %d", c.reason, got, c.want)
		}
	}
}

func TestHandleCPUIDClearsAVXBitAndAdvancesRIP(t *testing.T) {
	t.Parallel()

	const avxBit = 1 << 28

	fv := &fakeVCPU{cpuidResult: [4]uint32{1, 2, avxBit | 0x1, 4}}
	l := &Loop{vcpu: fv}

	err := l.handleCPUID(hv.Exit{CPUIDLeaf: 1, InstrLen: 2}, hv.Context{RIP: 0x1000})
	if err != nil {
		t.Fatalf("handleCPUID: %v", err)
	}

	if len(fv.setContexts) != 1 {
		t.Fatalf("SetContext calls = %d, want 1", len(fv.setContexts))
	}

	got := fv.setContexts[0]
	if got.RCX&avxBit != 0 {
		t.Fatal("AVX bit not cleared from ECX on leaf 1")
	}

	if got.RIP != 0x1002 {
		t.Fatalf("RIP = 0x%x, want 0x1002", got.RIP)
	}
}

func TestHandleCPUIDLeavesOtherLeavesUnshaped(t *testing.T) {
	t.Parallel()

	const avxBit = 1 << 28

	fv := &fakeVCPU{cpuidResult: [4]uint32{0, 0, avxBit, 0}}
	l := &Loop{vcpu: fv}

	if err := l.handleCPUID(hv.Exit{CPUIDLeaf: 7}, hv.Context{}); err != nil {
		t.Fatalf("handleCPUID: %v", err)
	}

	if fv.setContexts[0].RCX&avxBit == 0 {
		t.Fatal("AVX bit should only be cleared on leaf 1")
	}
}

func TestHandleExceptionDispatchesClearAndReenter(t *testing.T) {
	t.Parallel()

	fv := &fakeVCPU{}
	l := &Loop{vcpu: fv, cfg: Config{FromSnapshot: true}}

	if err := l.handleException(hv.Exit{Vector: 13}, hv.Context{}); err != nil {
		t.Fatalf("handleException: %v", err)
	}

	if fv.clearCalls != 1 {
		t.Fatalf("ClearPendingException calls = %d, want 1", fv.clearCalls)
	}

	if fv.deliverCalls != 0 {
		t.Fatal("ActionClearAndReenter should not deliver an exception")
	}
}

func TestHandleExceptionDispatchesReinjectWithErrorCode(t *testing.T) {
	t.Parallel()

	fv := &fakeVCPU{}
	l := &Loop{vcpu: fv, cfg: DefaultConfig()}

	exit := hv.Exit{Vector: 13, ErrorCodeValid: true, ErrorCode: 0x42} // #GP, not #DB
	if err := l.handleException(exit, hv.Context{}); err != nil {
		t.Fatalf("handleException: %v", err)
	}

	if fv.deliverCalls != 1 || fv.deliverVector != 13 {
		t.Fatalf("deliverCalls = %d, vector = %d", fv.deliverCalls, fv.deliverVector)
	}

	if fv.deliverErrorCode == nil || *fv.deliverErrorCode != 0x42 {
		t.Fatalf("deliverErrorCode = %v, want pointer to 0x42", fv.deliverErrorCode)
	}
}

func TestHandleExceptionDispatchesReinjectWithoutErrorCode(t *testing.T) {
	t.Parallel()

	fv := &fakeVCPU{}
	l := &Loop{vcpu: fv, cfg: DefaultConfig()}

	exit := hv.Exit{Vector: 6, ErrorCodeValid: false} // #UD carries no error code
	if err := l.handleException(exit, hv.Context{}); err != nil {
		t.Fatalf("handleException: %v", err)
	}

	if fv.deliverErrorCode != nil {
		t.Fatal("errorCode should be nil when ErrorCodeValid is false")
	}
}

func TestHandleExceptionDispatchesSnapshot(t *testing.T) {
	t.Parallel()

	fv := &fakeVCPU{}
	cfg := DefaultConfig()
	l := &Loop{vcpu: fv, cfg: cfg, re: fakeRoutines{}}

	ctx := hv.Context{DR0: MagicBreakpointValue, DR6: 0x1}

	if err := l.handleException(hv.Exit{Vector: debugVector}, ctx); err != nil {
		t.Fatalf("handleException: %v", err)
	}

	if len(fv.setContexts) != 1 {
		t.Fatalf("SetContext calls = %d, want 1", len(fv.setContexts))
	}

	if fv.setContexts[0].DR6&0xf != 0 {
		t.Fatal("DR6 breakpoint-fired bits should be cleared before re-entry")
	}

	if fv.clearCalls != 1 {
		t.Fatalf("ClearPendingException calls = %d, want 1", fv.clearCalls)
	}
}

func TestHarvestDirtyMergesEachRegionAtItsBase(t *testing.T) {
	t.Parallel()

	const regionSize = 2 * 1024 * 1024 // 2MiB, so each region lands in a distinct megabyte bucket
	dirty := dirtymap.New(2 * regionSize)

	l := &Loop{
		vm:          fakeVM{bitmaps: [][]uint64{{0x1}, {0x2}}},
		dirty:       dirty,
		regionBases: []uint64{0, regionSize},
	}

	if err := l.harvestDirty(); err != nil {
		t.Fatalf("harvestDirty: %v", err)
	}

	if !dirty.IsMegabyteDirty(0) {
		t.Fatal("first region's dirty bit not merged at base 0")
	}

	if !dirty.IsMegabyteDirty(regionSize) {
		t.Fatal("second region's dirty bit not merged at its base")
	}
}

func TestHarvestDirtyNoopWithoutVM(t *testing.T) {
	t.Parallel()

	l := &Loop{}

	if err := l.harvestDirty(); err != nil {
		t.Fatalf("harvestDirty: %v", err)
	}
}

func TestRunRequestsInterruptWindowWhenIFClear(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	fv := &fakeVCPU{
		ctx:  hv.Context{RFLAGS: 0},
		runs: []hv.Exit{{Reason: hv.ExitCanceled}},
	}
	fv.cancel = cancel

	l := New(DefaultConfig(), fv, nil, fakeRoutines{}, timebase.Calibrate(), nil, nil, nil)

	err := l.Run(ctx, func(hv.Exit) error { return nil })
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	if fv.interruptWindowCalls != 1 {
		t.Fatalf("interruptWindowCalls = %d, want 1", fv.interruptWindowCalls)
	}
}

func TestRunNoOpOnCanceledWhenIFSet(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	fv := &fakeVCPU{
		ctx:  hv.Context{RFLAGS: ifFlag},
		runs: []hv.Exit{{Reason: hv.ExitCanceled}},
	}
	fv.cancel = cancel

	l := New(DefaultConfig(), fv, nil, fakeRoutines{}, timebase.Calibrate(), nil, nil, nil)

	err := l.Run(ctx, func(hv.Exit) error { return nil })
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	if fv.interruptWindowCalls != 0 {
		t.Fatalf("interruptWindowCalls = %d, want 0 when IF is set", fv.interruptWindowCalls)
	}
}

func TestRunDispatchesCPUIDInternallyWithoutOnExit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	fv := &fakeVCPU{
		ctx:         hv.Context{RFLAGS: ifFlag},
		runs:        []hv.Exit{{Reason: hv.ExitCPUID, CPUIDLeaf: 1}},
		cpuidResult: [4]uint32{1, 2, 3, 4},
	}
	fv.cancel = cancel

	l := New(DefaultConfig(), fv, nil, fakeRoutines{}, timebase.Calibrate(), nil, nil, nil)

	onExitCalls := 0

	err := l.Run(ctx, func(hv.Exit) error {
		onExitCalls++

		return nil
	})
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	if onExitCalls != 0 {
		t.Fatalf("onExit calls = %d, want 0 (ExitCPUID is handled internally)", onExitCalls)
	}

	if len(fv.setContexts) == 0 {
		t.Fatal("handleCPUID should have written back the shaped registers")
	}
}
