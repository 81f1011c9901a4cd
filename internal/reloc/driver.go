package reloc

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
)

// Driver runs every relocation the store holds through one target
// Relocator: a full Scan pass, optionally finished by the target's
// deferred fixup pass, followed (once layout has assigned addresses) by a
// full Apply pass.
type Driver struct {
	Store     *input.Store
	Relocator Relocator
}

func NewDriver(store *input.Store, r Relocator) *Driver {
	return &Driver{Store: store, Relocator: r}
}

// Scan runs the scan phase over every relocation in arena (discovery)
// order, then the target's deferred fixup pass if it has one. It keeps
// going after a non-fatal per-relocation error, matching the diagnostics
// engine's own "report and continue" default, but returns the first error
// seen so callers that want to bail immediately still can.
func (d *Driver) Scan(ctx *ScanContext) error {
	var firstErr error
	d.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		if err := d.Relocator.Scan(r, ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if ds, ok := d.Relocator.(DeferredScanner); ok {
		if err := ds.FinishScan(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApplyStats tallies how many relocations landed in each ApplyResult
// bucket, the shape §8's dynamic-counts testable property checks against.
type ApplyStats struct {
	Ok, Overflow, BadReloc, Unsupported int
}

// Apply runs the apply phase over every relocation.
func (d *Driver) Apply(ctx *ApplyContext) ApplyStats {
	var stats ApplyStats
	d.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		switch d.Relocator.Apply(r, ctx) {
		case Ok:
			stats.Ok++
		case Overflow:
			stats.Overflow++
		case BadReloc:
			stats.BadReloc++
		default:
			stats.Unsupported++
		}
		return true
	})
	return stats
}
