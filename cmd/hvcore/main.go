// Command hvcore drives a single guest vCPU through the hybrid
// native/emulated execution loop described by package reloop, wiring
// together the Linux KVM backend, the physical memory and page table
// views, coverage tracking, dirty-page tracking, device state tracking
// and the virtual disk.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/nilsocket/hvcore/coverage"
	"github.com/nilsocket/hvcore/devstate"
	"github.com/nilsocket/hvcore/dirtymap"
	"github.com/nilsocket/hvcore/hv"
	"github.com/nilsocket/hvcore/hv/kvm"
	"github.com/nilsocket/hvcore/physmem"
	"github.com/nilsocket/hvcore/reloop"
	"github.com/nilsocket/hvcore/timebase"
	"github.com/nilsocket/hvcore/vdisk"
)

// directOracle backs every page of a flat guest memory buffer as
// read/write/execute, mirroring the permissions MapMemory grants KVM for
// it. It stands in for the reference emulator's own BX_READ/BX_WRITE/
// BX_EXECUTE page queries, which this module has no host equivalent for
// since KVM guest memory is a single flat mapping rather than discovered
// page by page from an emulator.
type directOracle struct {
	mem []byte
}

func (o directOracle) Backing(paddr uint64, perm physmem.Perm) []byte {
	if paddr >= uint64(len(o.mem)) {
		return nil
	}

	return o.mem[paddr:]
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *Config) error {
	switch cfg.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile).Stop()
	case "fgprof":
		stop := fgprof.Start(os.Stderr, fgprof.FormatPprof)
		defer stop()
	}

	dev, err := kvm.Open(cfg.Dev)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.CheckAPIVersion(); err != nil {
		return err
	}

	vm, err := dev.OpenVM()
	if err != nil {
		return err
	}
	defer vm.Close()

	mem := make([]byte, cfg.MemSize)
	const memBase = 0

	if err := vm.MapMemory(memBase, mem, hv.MemRead|hv.MemWrite|hv.MemExecute); err != nil {
		return err
	}

	vcpu, err := vm.NewVCPU()
	if err != nil {
		return err
	}

	var disk *vdisk.Disk
	if cfg.Disk != "" {
		disk, err = vdisk.Open(cfg.Disk)
		if err != nil {
			return err
		}
		defer disk.Close()
	}

	loopCfg := reloop.DefaultConfig()
	loopCfg.SnapshotDir = cfg.SnapshotDir
	loopCfg.FromSnapshot = cfg.FromSnapshot != ""

	clock := timebase.Calibrate()
	cov := coverage.NewStore()
	dirty := dirtymap.New(uint64(cfg.MemSize))
	devices := devstate.NewRegistry()

	view := physmem.NewView(physmem.Synthesize(directOracle{mem}, uint64(cfg.MemSize)))
	re := reloop.NewDecodeLoggingRoutines(view)

	loop := reloop.New(loopCfg, vcpu, vm, re, clock, cov, dirty, devices)
	loop.SetRegionBases([]uint64{memBase})

	if err := loop.EnsureRegions(directOracle{mem}, uint64(cfg.MemSize)); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return loop.Run(ctx, func(exit hv.Exit) error {
		log.Printf("vm exit: %s", exit.Reason)

		return nil
	})
}
