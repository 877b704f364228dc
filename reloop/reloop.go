// Package reloop implements the hybrid execution loop: it drives a
// native hypervisor vCPU for the common case and periodically hands
// control to a reference instruction emulator for bursts, so that
// memory-mapped I/O, device-port I/O, exceptions, MSR access and newly
// discovered coverage can all be inspected and reacted to one
// instruction at a time without paying emulation cost for every
// instruction a guest executes.
//
// The orchestration here is grounded end to end on the reference
// implementation's bochs_cpu_loop: the first-run device state lock and
// memory-region discovery, the per-iteration device-time pacing, and the
// emulate-step budget that grows whenever an exit needs closer
// inspection. The loop emits no periodic report; its counters are read
// through Stats.
package reloop

import (
	"context"
	"fmt"
	"time"

	"github.com/nilsocket/hvcore/coverage"
	"github.com/nilsocket/hvcore/devstate"
	"github.com/nilsocket/hvcore/dirtymap"
	"github.com/nilsocket/hvcore/hv"
	"github.com/nilsocket/hvcore/physmem"
	"github.com/nilsocket/hvcore/timebase"
)

// ifFlag is bit 9 of RFLAGS, the guest interrupt-enable flag.
const ifFlag = 1 << 9

// debugVector is the #DB exception vector, the only one spec §4.11's
// exit classification inspects further rather than reinjecting outright.
const debugVector = 1

// Step budgets controlling how many instructions the reference emulator
// runs per burst, carried over from the historical tuning constants of
// the system this was ported from.
const (
	emulateStepsDefault   = 250
	emulateStepsHalt      = 1
	emulateStepsCoverage  = 100
	maxEmulateSteps       = 1000
)

// MagicBreakpointValue is the DR0-3 comparison value the reference
// emulator uses to trigger a snapshot while recording fresh execution: a
// historical constant from the system this was ported from, treated as
// wholly opaque (compared for equality only, never decoded).
const MagicBreakpointValue = 0x7b3c3638

// Routines is the reference emulator's side of the bidirectional
// function table: everything the execution loop needs the emulator to
// do during a burst.
type Routines interface {
	// SetContext pushes the native vCPU's register state into the
	// emulator before a burst, and GetContext pulls it back out after.
	SetContext(ctx hv.Context)
	GetContext() hv.Context

	// StepDevice advances emulated devices (PIT, PIC, etc.) by steps
	// device-clock ticks without executing any guest instructions.
	StepDevice(steps uint64)

	// StepCPU executes up to steps guest instructions and returns how
	// many were actually executed (less than steps if an event that
	// needs host attention occurred first).
	StepCPU(steps uint64) uint64

	// Backing resolves a guest physical page to its host backing buffer
	// at a given permission, or nil if the emulator has none.
	Backing(paddr uint64, perm physmem.Perm) []byte

	// WriteMSR lets the loop apply a host-intercepted MSR write to the
	// emulator's model of machine state.
	WriteMSR(index uint32, value uint64)

	// AfterRestore is called once after the emulator's memory has been
	// reset from a snapshot, so it can re-derive any cached state that
	// depended on the discarded values.
	AfterRestore()

	// TakeSnapshot persists the emulator's current full state (registers,
	// memory, device state) under folderName.
	TakeSnapshot(folderName string) error
}

// Config tunes loop behavior the way the historical build-time constants
// of the system this was ported from did, now exposed as runtime
// options.
type Config struct {
	// MagicBreakpoints holds the DR0-3 comparison values that trigger a
	// snapshot in record mode. All four default to MagicBreakpointValue.
	MagicBreakpoints [4]uint64

	// DevnullFramebuffers is carried in the Config but nothing in this
	// package reads it: setting it changes no loop behavior, and
	// framebuffer MMIO writes are handled the same either way. Defaults
	// false.
	DevnullFramebuffers bool

	// CoverageDisabled turns off Run's per-exit coverage classification
	// (reportCoverage) entirely.
	CoverageDisabled bool

	// SnapshotDir is carried in the Config but nothing in this package
	// reads it: TakeSnapshot hands the routines only a folder name.
	SnapshotDir string

	// FromSnapshot marks this run as replaying a snapshot rather than
	// recording fresh execution. It changes how exceptions are handled:
	// a snapshot replay clears and re-enters unconditionally on any
	// exception, while a recording run decodes DR6 to decide whether a
	// breakpoint matched before deciding to snapshot or re-inject (DR7 is
	// not consulted).
	FromSnapshot bool
}

// DefaultConfig returns a Config with the historical magic breakpoint
// value in all four slots and every feature flag at its recorded-safe
// default.
func DefaultConfig() Config {
	return Config{
		MagicBreakpoints: [4]uint64{MagicBreakpointValue, MagicBreakpointValue, MagicBreakpointValue, MagicBreakpointValue},
	}
}

// Stats mirrors the reference implementation's Statistics counters.
type Stats struct {
	CoverageCallbacks uint64
	ModuleListWalks   uint64
	NumFuzzCases      uint64
	VMExits           uint64
}

// Loop drives one vCPU through the hybrid native/emulated execution
// model described by this package's documentation.
type Loop struct {
	cfg      Config
	vcpu     hv.VCPU
	vm       hv.VM
	re       Routines
	clock    *timebase.Clock
	coverage *coverage.Store
	dirty    *dirtymap.Map
	devices  *devstate.Registry
	mem      *physmem.View

	modules     moduleCache
	regionBases []uint64

	stats         Stats
	emulating     bool
	emulateBudget uint64
	memoryDirty   bool
	regionsDone   bool
}

// New constructs a Loop over an already-created vCPU and reference
// emulator, with coverage, dirty tracking and device state bookkeeping
// shared across resets. vm is used only to harvest the hypervisor's
// per-page dirty bitmap after each run (C8's harvest()); it may be nil to
// disable harvesting, e.g. in tests that drive the loop without a real
// backend.
func New(cfg Config, vcpu hv.VCPU, vm hv.VM, re Routines, clock *timebase.Clock, cov *coverage.Store, dirty *dirtymap.Map, devices *devstate.Registry) *Loop {
	return &Loop{
		cfg:      cfg,
		vcpu:     vcpu,
		vm:       vm,
		re:       re,
		clock:    clock,
		coverage: cov,
		dirty:    dirty,
		devices:  devices,
	}
}

// SetRegionBases records the guest physical base address of each region
// passed to hv.VM.MapMemory, in the same order those calls were made, so
// harvestDirty can attribute hv.VM.DirtyBitmap's per-region bitmaps back
// to absolute guest physical addresses.
func (l *Loop) SetRegionBases(bases []uint64) {
	l.regionBases = bases
}

// EnsureRegions performs the one-time device-state lock and memory
// region discovery the reference loop does on its first iteration, and
// is a no-op on subsequent calls.
func (l *Loop) EnsureRegions(oracle physmem.PageOracle, memSize uint64) error {
	if l.regionsDone {
		return nil
	}

	if err := l.devices.Lock(); err != nil {
		return fmt.Errorf("reloop: locking device state: %w", err)
	}

	regions := physmem.Synthesize(oracle, memSize)
	l.mem = physmem.NewView(regions)
	l.regionsDone = true

	return nil
}

// Run executes the hybrid loop until ctx is canceled, invoking onExit for
// every VM exit the loop itself does not handle internally (memory
// access, I/O port access, MSR access, halt, unrecoverable exception,
// unsupported-feature/invalid-register/APIC-EOI passthrough). A halt exit
// also adds a one-instruction emulation budget before it reaches onExit.
// Canceled, InterruptWindow, Cpuid and Exception exits are all dispatched
// internally per spec §4.11 step 6 and never reach onExit. Run also stops
// when the vCPU run or an internal handler returns an error, or when
// onExit returns a non-nil error.
func (l *Loop) Run(ctx context.Context, onExit func(hv.Exit) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		elapsed := l.clock.Sync()
		steps := l.clock.AdjustedSteps(elapsed)
		l.re.StepDevice(steps)

		if l.emulating {
			if err := l.runEmulated(ctx, onExit); err != nil {
				return err
			}

			continue
		}

		exit, err := l.vcpu.Run(ctx)
		if err != nil {
			return fmt.Errorf("reloop: vcpu run: %w", err)
		}

		l.stats.VMExits++
		l.memoryDirty = true

		if err := l.harvestDirty(); err != nil {
			return err
		}

		vcpuCtx := mustGetContext(l.vcpu)

		if !l.cfg.CoverageDisabled && l.mem != nil && l.reportCoverage(vcpuCtx) {
			l.addEmulateBudget(emulateStepsCoverage, vcpuCtx)
		}

		if budget := l.budgetFor(exit); budget > 0 {
			l.addEmulateBudget(budget, vcpuCtx)
		}

		switch exit.Reason {
		case hv.ExitCanceled:
			if vcpuCtx.RFLAGS&ifFlag == 0 {
				if err := l.vcpu.RequestInterruptWindow(); err != nil {
					return fmt.Errorf("reloop: requesting interrupt window: %w", err)
				}
			}

			continue
		case hv.ExitInterruptWindow:
			continue
		case hv.ExitCPUID:
			if err := l.handleCPUID(exit, vcpuCtx); err != nil {
				return err
			}

			continue
		case hv.ExitException:
			if err := l.handleException(exit, vcpuCtx); err != nil {
				return err
			}

			continue
		}

		if err := onExit(exit); err != nil {
			return err
		}
	}
}

// addEmulateBudget grows the emulate-remaining counter by n, capped at
// maxEmulateSteps, entering emulation mode and priming the reference
// emulator's context if it wasn't already running.
func (l *Loop) addEmulateBudget(n uint64, ctx hv.Context) {
	if !l.emulating {
		l.emulating = true
		l.re.SetContext(ctx)
	}

	l.emulateBudget += n
	if l.emulateBudget > maxEmulateSteps {
		l.emulateBudget = maxEmulateSteps
	}
}

func (l *Loop) budgetFor(exit hv.Exit) uint64 {
	switch exit.Reason {
	case hv.ExitHalt:
		return emulateStepsHalt
	case hv.ExitMemoryAccess, hv.ExitIOPortAccess, hv.ExitUnrecoverableException,
		hv.ExitMSRAccess, hv.ExitInvalidRegister, hv.ExitUnsupportedFeature:
		return emulateStepsDefault
	default:
		return 0
	}
}

// handleCPUID implements spec §4.11 step 6's Cpuid dispatch: read the
// backend's default result, clear the AVX feature bit on leaf 1 (XSAVE
// state cannot be kept in sync between the native vCPU and the reference
// emulator across an emulation burst), write the shaped registers back,
// and advance RIP past the faulting instruction.
func (l *Loop) handleCPUID(exit hv.Exit, ctx hv.Context) error {
	const avxBit = 1 << 28 // ECX bit 28

	eax, ebx, ecx, edx := l.vcpu.CPUID(exit.CPUIDLeaf, exit.CPUIDSubleaf)

	if exit.CPUIDLeaf == 1 {
		ecx &^= avxBit
	}

	ctx.RAX = uint64(eax)
	ctx.RBX = uint64(ebx)
	ctx.RCX = uint64(ecx)
	ctx.RDX = uint64(edx)
	ctx.RIP += uint64(exit.InstrLen)

	if err := l.vcpu.SetContext(ctx); err != nil {
		return fmt.Errorf("reloop: writing back cpuid result: %w", err)
	}

	return nil
}

// handleException implements spec §4.11 step 6's Exception{#DB} dispatch
// (and the blanket "otherwise re-inject" for every other vector) by
// consulting HandleException and acting on its verdict.
func (l *Loop) handleException(exit hv.Exit, ctx hv.Context) error {
	isDebugException := exit.Vector == debugVector

	switch l.HandleException(ctx, isDebugException) {
	case ActionClearAndReenter:
		return l.vcpu.ClearPendingException()
	case ActionSnapshot:
		ctx.DR6 &^= 0xf
		ctx.DR6 |= 1 << 16

		if err := l.vcpu.SetContext(ctx); err != nil {
			return fmt.Errorf("reloop: clearing DR6 before snapshot: %w", err)
		}

		if err := l.vcpu.ClearPendingException(); err != nil {
			return err
		}

		return l.TakeSnapshot(time.Now())
	default: // ActionReinject
		var errorCode *uint32
		if exit.ErrorCodeValid {
			ec := exit.ErrorCode
			errorCode = &ec
		}

		return l.vcpu.DeliverException(exit.Vector, errorCode)
	}
}

// harvestDirty implements spec §4.8's harvest(): after every hypervisor
// run, pull the per-region dirty bitmap from the backend and OR it into
// the dirty map at each region's recorded base address.
func (l *Loop) harvestDirty() error {
	if l.vm == nil || l.dirty == nil {
		return nil
	}

	bitmaps, err := l.vm.DirtyBitmap()
	if err != nil {
		return fmt.Errorf("reloop: harvesting dirty bitmap: %w", err)
	}

	for i, bitmap := range bitmaps {
		if i >= len(l.regionBases) {
			break
		}

		l.dirty.MergeHypervisorBitmap(l.regionBases[i], bitmap)
	}

	return nil
}

func (l *Loop) runEmulated(ctx context.Context, onExit func(hv.Exit) error) error {
	executed := l.re.StepCPU(l.emulateBudget)

	if executed < l.emulateBudget || l.emulateBudget >= maxEmulateSteps {
		if err := l.vcpu.SetContext(l.re.GetContext()); err != nil {
			return fmt.Errorf("reloop: restoring vcpu context after emulation: %w", err)
		}

		l.emulating = false
		l.emulateBudget = 0

		return nil
	}

	l.emulateBudget -= executed

	return nil
}

func mustGetContext(v hv.VCPU) hv.Context {
	ctx, err := v.GetContext()
	if err != nil {
		return hv.Context{}
	}

	return ctx
}

// ResetFromSnapshot clears every page the dirty map has recorded since
// the last reset, restoring original bytes from orig into memory, then
// restores device state and clears the dirty map -- the counterpart of
// the reference implementation's reset_dirty_pages and restore.
func (l *Loop) ResetFromSnapshot(orig []byte, memory []byte) error {
	l.dirty.DirtyPages(func(paddr uint64) {
		const pageSize = 4096
		if paddr+pageSize > uint64(len(memory)) || paddr+pageSize > uint64(len(orig)) {
			return
		}

		copy(memory[paddr:paddr+pageSize], orig[paddr:paddr+pageSize])
	})

	l.dirty.Reset()

	if err := l.devices.Restore(); err != nil {
		return fmt.Errorf("reloop: restoring device state: %w", err)
	}

	l.re.AfterRestore()

	return nil
}

// TakeSnapshot asks the reference emulator to persist its full state
// under a name derived from t, mirroring the reference implementation's
// snapshot_{timestamp} folder naming.
func (l *Loop) TakeSnapshot(t time.Time) error {
	folder := fmt.Sprintf("snapshot_%d", t.UnixNano())

	return l.re.TakeSnapshot(folder)
}

// Stats returns a copy of the loop's running statistics.
func (l *Loop) Stats() Stats {
	return l.stats
}
