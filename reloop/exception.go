package reloop

import "github.com/nilsocket/hvcore/hv"

// ExceptionAction tells the caller what to do after HandleException
// returns.
type ExceptionAction int

const (
	// ActionReinject re-enters the guest with the exception delivered
	// normally.
	ActionReinject ExceptionAction = iota
	// ActionSnapshot means a magic breakpoint matched: the loop clears
	// DR6's fired bits and the pending exception, then takes a snapshot
	// and re-enters.
	ActionSnapshot
	// ActionClearAndReenter means the exception should be cleared and
	// the guest re-entered without delivering it, with no snapshot.
	ActionClearAndReenter
)

// HandleException implements the loop's two distinct exception-handling
// modes. When replaying a snapshot (cfg.FromSnapshot), any exception at
// all is unconditionally cleared and re-entered: the recorded execution
// already ran past it once, so there is nothing new to learn from seeing
// it again. When recording fresh execution, only a hardware breakpoint
// (#DB) is inspected further, by decoding which of DR0-3 fired from DR6
// and comparing its value against the configured magic breakpoints; any
// other exception in record mode is reinjected untouched.
func (l *Loop) HandleException(ctx hv.Context, isDebugException bool) ExceptionAction {
	if l.cfg.FromSnapshot {
		return ActionClearAndReenter
	}

	if !isDebugException {
		return ActionReinject
	}

	firedMask := ctx.DR6 & 0xf

	drValues := [4]uint64{ctx.DR0, ctx.DR1, ctx.DR2, ctx.DR3}

	for i := 0; i < 4; i++ {
		if firedMask&(1<<uint(i)) == 0 {
			continue
		}

		if drValues[i] == l.cfg.MagicBreakpoints[i] {
			return ActionSnapshot
		}
	}

	return ActionReinject
}
