// Package hexagon implements relax.Target for Hexagon's single named
// sub-pass (§4.8): trampoline island insertion. Unlike RISC-V's passes,
// this one only ever grows code — a branch relocation that overflows its
// encoding's reach gets a small island of code near it that re-branches
// to the real (far) target, and once inserted a trampoline is never
// removed, even if a later pass would have let the original branch reach
// directly. The loop converges once a full pass inserts nothing new.
package hexagon

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/reloc/hexagon"
	"github.com/xyproto/eld/internal/relax"
)

// Target is Hexagon's relax.Target: one pass, trampoline insertion.
type Target struct {
	pass *trampolinePass
}

func New() relax.Target {
	return Target{pass: newTrampolinePass()}
}

func (t Target) Passes() []relax.Pass {
	return []relax.Pass{t.pass}
}

// trampKey identifies one trampoline: a branch to sym, placed near a
// particular input section. Sections sharing an output section would
// ideally share the key (per §4.8's "(target, output_section)"), but
// this implementation keys directly on the input section a branch lives
// in — output-section grouping beyond that isn't wired into the layout
// model this package reads from, and keying on the input section only
// ever causes a redundant extra trampoline, never an incorrect one.
type trampKey struct {
	sym     arena.SymbolId
	section arena.SectionId
}

type trampolinePass struct {
	inserted map[trampKey]arena.FragmentId
}

func newTrampolinePass() *trampolinePass {
	return &trampolinePass{inserted: make(map[trampKey]arena.FragmentId)}
}

func (p *trampolinePass) Name() string { return "hexagon-trampoline" }

func (p *trampolinePass) Run(ctx *relax.Context) (bool, error) {
	if !ctx.Opts.Relax {
		return false, nil
	}
	changed := false

	var branches []*input.Relocation
	ctx.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		if branchRange(hexagon.RelocType(r.Type)) != (rangeSpec{}) {
			branches = append(branches, r)
		}
		return true
	})

	for _, rel := range branches {
		if needsTrampoline(ctx, rel) {
			if p.insertTrampoline(ctx, rel) {
				changed = true
			}
		}
	}
	return changed, nil
}

type rangeSpec struct {
	bits uint // encoded field width before the implicit <<2
}

func branchRange(t hexagon.RelocType) rangeSpec {
	switch t {
	case hexagon.RB22PCRel, hexagon.RPLTB22PCRel, hexagon.RGDPLTB22PCRel, hexagon.RLDPLTB22PCRel:
		return rangeSpec{bits: 22}
	case hexagon.RB15PCRel:
		return rangeSpec{bits: 15}
	case hexagon.RB13PCRel:
		return rangeSpec{bits: 13}
	case hexagon.RB9PCRel:
		return rangeSpec{bits: 9}
	}
	return rangeSpec{}
}

func (r rangeSpec) reach() int64 { return 1 << (r.bits + 1) } // field bits + the implicit <<2 shift, halved for the sign bit

func needsTrampoline(ctx *relax.Context, rel *input.Relocation) bool {
	target, ok := input.SymbolAddress(ctx.Store, rel.Symbol)
	if !ok {
		return false
	}
	pc := (*ctx.Store.Section(rel.Section)).Base().Address() + rel.Offset
	off := int64(target) + rel.Addend - int64(pc)
	reach := branchRange(hexagon.RelocType(rel.Type)).reach()
	return off < -reach || off >= reach
}

// insertTrampoline reuses an existing island for (rel.Symbol, rel.Section)
// if one was already inserted by an earlier pass (grow-only: never
// rebuilt, never removed), otherwise allocates a new one and retargets
// rel at it.
func (p *trampolinePass) insertTrampoline(ctx *relax.Context, rel *input.Relocation) bool {
	key := trampKey{rel.Symbol, rel.Section}
	if fragID, ok := p.inserted[key]; ok {
		if rel.Symbol == islandAnchorFor(ctx, fragID) {
			return false // already retargeted at this island; nothing new this pass
		}
		retarget(ctx, rel, fragID)
		return true
	}

	secName := (*ctx.Store.Section(rel.Section)).Base().Name
	tramp := ctx.SM.EnsureSyntheticSection(secName + ".trampoline")
	frag := &input.StubFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindStub, Section: tramp, Align: 4},
		Data:         make([]byte, 8), // one immext(#hi) word + one branch word, per hexagon's packet shape
	}
	fragID := ctx.Store.AddFragment(frag)
	ctx.SM.AttachSyntheticFragment(tramp, fragID)

	origSym := rel.Symbol
	pic := ctx.Opts.Shared
	var hiType, loType uint32
	if pic {
		loType = uint32(hexagon.R6PCRelX)
	} else {
		hiType = uint32(hexagon.RB32PCRelX)
		loType = uint32(hexagon.RB22PCRelX)
	}
	if hiType != 0 {
		ctx.Store.AddRelocation(input.Relocation{Section: tramp, Offset: 0, Type: hiType, Symbol: origSym})
	}
	ctx.Store.AddRelocation(input.Relocation{Section: tramp, Offset: 4, Type: loType, Symbol: origSym})

	p.inserted[key] = fragID
	retarget(ctx, rel, fragID)
	return true
}

// retarget points rel at a freshly (or previously) inserted island by
// allocating a local symbol anchored to it and repointing rel.Symbol at
// that symbol, leaving the original target symbol untouched (the
// island's own relocations still reference it directly).
func retarget(ctx *relax.Context, rel *input.Relocation, fragID arena.FragmentId) {
	sym := ctx.Store.AddSymbol(input.ResolveInfo{Desc: input.DescDefined, Fragment: fragID})
	rel.Symbol = sym
	rel.Addend = 0
}

// islandAnchorFor returns the local symbol most recently created to
// anchor fragID, so a second encounter of the same overflowing branch
// (after retargeting) doesn't retarget it a second time. Since Store
// never removes symbols, the anchor is simply whichever symbol's
// Fragment is fragID with the highest id.
func islandAnchorFor(ctx *relax.Context, fragID arena.FragmentId) arena.SymbolId {
	var latest arena.SymbolId
	ctx.Store.Symbols.All(func(id arena.Id, ri *input.ResolveInfo) bool {
		if ri.Fragment == fragID {
			latest = arena.SymbolId(id)
		}
		return true
	})
	return latest
}
