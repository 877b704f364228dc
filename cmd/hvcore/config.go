package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// Config holds the command-line configuration for one hvcore run.
type Config struct {
	Dev          string
	MemSize      int
	Disk         string
	SnapshotDir  string
	FromSnapshot string
	Profile      string
}

func parseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("hvcore", flag.ExitOnError)
	c := &Config{}

	fs.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device")
	fs.StringVar(&c.Disk, "d", "", "path of virtual disk image")
	fs.StringVar(&c.SnapshotDir, "s", "./snapshots", "snapshot directory, stored in the loop config (the loop does not read it)")
	fs.StringVar(&c.FromSnapshot, "r", "", "if non-empty, run in snapshot-replay exception mode (the folder itself is not read)")
	fs.StringVar(&c.Profile, "prof", "", "enable profiling: cpu, mem, or fgprof")

	msize := fs.String("m", "1G", "guest physical memory size: as number[gGmMkK]")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.MemSize, err = parseSize(*msize, "g"); err != nil {
		return nil, err
	}

	return c, nil
}

// parseSize parses a size string as number[gGmMkK], defaulting to unit
// when no suffix is present.
func parseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	default:
		return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}
}
