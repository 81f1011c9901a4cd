// Package relax implements the Relaxation Loop (§4.8): after a first
// layout pass, run target-specific sub-passes repeatedly, re-running
// address assignment between iterations, until a full iteration makes no
// change or a per-target pass cap is hit.
package relax

import (
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
)

// MaxPasses is the hard cap on relaxation iterations before the loop
// reports Diag::RelaxationDidNotConverge, the default named in §4.8.
const MaxPasses = 64

// Context bundles what every target's sub-passes need: the data store,
// the section map (for re-running AssignAddresses and reading GP/section
// addresses), diagnostics, and options (--relax/--riscv-relax/etc. gate
// which sub-passes run at all).
type Context struct {
	Store *input.Store
	SM    *layout.SectionMap
	Diag  *diag.Engine
	Opts  *config.Options

	// GP is __global_pointer$'s resolved address, used by RISC-V's
	// GP-relative sub-passes. HasGP is false for a link with no such
	// symbol (e.g. one that never defined it), which disables those
	// sub-passes rather than relaxing against a zero address.
	GP    uint64
	HasGP bool
}

// Pass is one relaxation sub-pass (e.g. RISC-V's CALL->JAL shrink, or
// Hexagon's trampoline insertion). Run reports whether it changed
// anything, which drives the outer loop's "no change in a pass" exit
// condition.
type Pass interface {
	Name() string
	Run(ctx *Context) (changed bool, err error)
}

// Target groups a machine's ordered sub-passes. RISC-V's four named
// sub-passes run in the fixed order §4.8 specifies; Hexagon has one.
type Target interface {
	Passes() []Pass
}

// Loop runs target's sub-passes to a fixed point, re-running
// ctx.SM.AssignAddresses() after every iteration that changed something
// (fragment sizes only take effect in addresses once layout re-runs).
// It returns Diag::RelaxationDidNotConverge as a fatal diagnostic if
// MaxPasses is exhausted without a quiet iteration, per §4.8/§7.
func Loop(ctx *Context, target Target) error {
	passes := target.Passes()
	for i := 0; i < MaxPasses; i++ {
		anyChanged := false
		for _, p := range passes {
			changed, err := p.Run(ctx)
			if err != nil {
				return err
			}
			anyChanged = anyChanged || changed
		}
		if !anyChanged {
			return nil
		}
		if err := ctx.SM.AssignAddresses(); err != nil {
			return err
		}
	}
	return ctx.Diag.Fatalf(diag.CategoryRelaxation, diag.Location{},
		"relaxation did not converge after %d passes", MaxPasses)
}
