// Package reloc implements the Relocation Scan & Apply step of §4.6: every
// supported target provides a Relocator that decides, per relocation, what
// auxiliary GOT/PLT/copy/dynamic-relocation/TLS-stub entries it needs
// (Scan), and later patches the target bytes once layout has assigned
// final addresses (Apply).
//
// The interface is intentionally small and target-agnostic — a trait
// object, in the sense §9's re-architecture notes use the term — so a
// target beyond the two this implementation names (internal/reloc/riscv,
// internal/reloc/hexagon) only has to implement Relocator, not touch this
// package.
package reloc

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/symres"
)

// ApplyResult is the four-way outcome Apply reports for one relocation,
// per §4.6.
type ApplyResult int

const (
	Ok ApplyResult = iota
	Overflow
	BadReloc
	Unsupported
)

func (r ApplyResult) String() string {
	switch r {
	case Ok:
		return "ok"
	case Overflow:
		return "overflow"
	case BadReloc:
		return "bad-reloc"
	default:
		return "unsupported"
	}
}

// GOTKind distinguishes the GOT entry shapes a target may need for the
// same symbol: an ordinary absolute-address slot, or one of the TLS
// access models that need extra module-id/offset words (§4.6's "GOT slot
// (regular or TLS-GD/LD/IE)").
type GOTKind int

const (
	GOTRegular GOTKind = iota
	GOTTLSGD
	GOTTLSLD
	GOTTLSIE
)

// DynReloc is one dynamic relocation a Scan phase has decided is needed,
// destined for .rela.dyn (PLT false) or .rela.plt (PLT true).
type DynReloc struct {
	Section arena.SectionId // the synthetic section the relocation targets (.got, .got.plt, .bss, ...)
	Offset  uint64          // byte offset within Section
	Type    uint32
	Symbol  arena.SymbolId // zero for a local/RELATIVE relocation needing no dynamic symbol
	Addend  int64
	PLT     bool
}

// Backend is the GOT/PLT/copy-relocation/TLS-stub synthesizer a
// Relocator's Scan phase reserves entries through; internal/dynamic
// implements it. Every Reserve* method is idempotent per (symbol, kind):
// calling it twice for the same pair must return the entry already
// reserved rather than growing the backing section again, per §4.6's
// "Reservations are idempotent per (symbol, kind)".
type Backend interface {
	ReserveGOT(sym arena.SymbolId, kind GOTKind) (created bool)
	GOTAddress(sym arena.SymbolId, kind GOTKind) uint64

	ReservePLT(sym arena.SymbolId) (created bool)
	PLTAddress(sym arena.SymbolId) uint64

	ReserveCopyReloc(sym arena.SymbolId)
	HasCopyReloc(sym arena.SymbolId) bool

	ReserveTLSStub(sym arena.SymbolId, kind GOTKind) (created bool)
	TLSStubAddress(sym arena.SymbolId, kind GOTKind) uint64

	EmitDynamicReloc(d DynReloc)
}

// ScanContext bundles what every target's Scan phase needs beyond the raw
// Relocation.
type ScanContext struct {
	Store    *input.Store
	Diag     *diag.Engine
	Opts     *config.Options
	Resolver *symres.Resolver
	Backend  Backend
}

// ApplyContext bundles what every target's Apply phase needs: the data
// store (for final symbol/section addresses, once layout has run) and the
// same Backend, now only queried for GOT/PLT slot addresses rather than
// written to.
type ApplyContext struct {
	Store   *input.Store
	Backend Backend

	// GP is __global_pointer$'s resolved address, 0 if the link has none.
	// Only RISC-V's GPREL_I/S cases (produced by internal/relax's
	// GP-relative sub-passes, never emitted directly from an input
	// object) read it.
	GP uint64
}

// Relocator is implemented once per supported target. §9 leaves it open
// for targets beyond the two this implementation names throughout
// (RISC-V, Hexagon).
type Relocator interface {
	// Scan decides what auxiliary entries reloc requires and reserves
	// them through ctx.Backend.
	Scan(reloc *input.Relocation, ctx *ScanContext) error

	// Apply patches reloc's CachedTarget bytes in place, reading final
	// addresses off ctx.Store/ctx.Backend. Apply always runs after every
	// output section has an assigned address (§4.6: "Apply runs after
	// layout").
	Apply(reloc *input.Relocation, ctx *ApplyContext) ApplyResult

	// Name and Size expose the target's relocation vocabulary for
	// diagnostics and relocation-size accounting (e.g. .rela section
	// entry counts), the same small surface
	// aclements-go-obj/obj/elfReloc.go exposes per x86 target.
	Name(relType uint32) string
	Size(relType uint32) int
}

// DeferredScanner is implemented by a Relocator whose Scan phase needs a
// second pass once every relocation in the link has been scanned once.
// RISC-V's PCREL-LO/HI pairing (§4.6) is the only case named in the
// specification, but the hook is general.
type DeferredScanner interface {
	FinishScan(ctx *ScanContext) error
}

// Discarded reports whether reloc's owning section was garbage-collected
// (--gc-sections) or explicitly discarded (/DISCARD/), in which case Apply
// must write a target-specific sentinel instead of a real patch (§4.6).
func Discarded(store *input.Store, reloc *input.Relocation) bool {
	base := (*store.Section(reloc.Section)).Base()
	return base.Ignored || base.Discarded
}
