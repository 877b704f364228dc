// Package timebase provides a self-calibrating device-time clock used to
// pace emulated device ticks against wall-clock time.
//
// The original Bochs-based implementation this is ported from reads the
// x86 RDTSC instruction directly and calibrates a cycles-per-second rate
// against it. Go has no portable way to execute RDTSC from pure Go code
// without assembly stubs per GOARCH, so this package calibrates against
// time.Now()'s monotonic clock instead and exposes the same "cycles"
// abstraction (an internal counter whose rate is Hz) to callers. Every
// caller in this module only ever compares two readings and multiplies
// by the calibrated rate, so the substitution is transparent.
package timebase

import (
	"sync"
	"time"
)

// calibrationWindow is how long Calibrate samples the clock before trusting
// the measured rate. The original polls until at least 0.1s has elapsed;
// we keep the same threshold.
const calibrationWindow = 100 * time.Millisecond

// Clock is a calibrated monotonic counter. The zero value is not usable;
// construct one with Calibrate.
type Clock struct {
	mu       sync.Mutex
	start    time.Time
	rate     float64 // ticks per second
	lastSync uint64
}

// Calibrate measures the host clock's tick rate and returns a ready Clock.
// It blocks for roughly calibrationWindow.
func Calibrate() *Clock {
	c := &Clock{start: time.Now()}

	begin := time.Now()
	beginTicks := c.rawTicks(begin)

	var end time.Time
	for {
		end = time.Now()
		if end.Sub(begin) >= calibrationWindow {
			break
		}
	}

	endTicks := c.rawTicks(end)
	elapsed := end.Sub(begin).Seconds()
	if elapsed <= 0 {
		elapsed = calibrationWindow.Seconds()
	}

	c.rate = float64(endTicks-beginTicks) / elapsed

	return c
}

// rawTicks returns a monotonically increasing counter derived from t,
// scaled to nanosecond resolution so the calibration math below behaves
// as if it were reading a high frequency cycle counter.
func (c *Clock) rawTicks(t time.Time) uint64 {
	return uint64(t.Sub(c.start).Nanoseconds())
}

// Now returns the current tick count.
func (c *Clock) Now() uint64 {
	return c.rawTicks(time.Now())
}

// Rate returns the calibrated ticks-per-second rate.
func (c *Clock) Rate() float64 {
	return c.rate
}

// ElapsedSeconds converts a tick delta (as returned by Now) into seconds
// using the calibrated rate.
func (c *Clock) ElapsedSeconds(ticks uint64) float64 {
	if c.rate == 0 {
		return 0
	}

	return float64(ticks) / c.rate
}

// Sync records now as the last-synchronized tick and returns the number of
// ticks elapsed since the previous call to Sync (or Calibrate, for the
// first call). The delta saturates at zero rather than wrapping if the
// clock ever appears to move backward.
func (c *Clock) Sync() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()

	var delta uint64
	if now > c.lastSync {
		delta = now - c.lastSync
	}

	c.lastSync = now

	return delta
}

// TargetIPS is the fixed device-instruction rate the execution loop paces
// virtual device ticks against, carried over from the historical tuning
// constant of the system this was ported from.
const TargetIPS = 1_000_000.0

// AdjustedSteps converts elapsed ticks into the number of device steps
// that should be applied to keep virtual devices running at TargetIPS
// regardless of how fast the host actually executed.
func (c *Clock) AdjustedSteps(elapsedTicks uint64) uint64 {
	return uint64(TargetIPS * c.ElapsedSeconds(elapsedTicks))
}
