package hexagon_test

import (
	"testing"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/relax"
	hexagonrelax "github.com/xyproto/eld/internal/relax/hexagon"
	"github.com/xyproto/eld/internal/reloc/hexagon"
)

func buildBranchFixture(t *testing.T, farOffset uint64) (*relax.Context, arena.Id) {
	t.Helper()
	store := input.NewStore()
	opts := config.Default()
	sm := layout.NewSectionMap(store, diag.New(nil), opts)

	sec := store.AddSection(input.NewELFSection(".text", 0, 0))
	(*store.Section(sec)).Base().SetAddress(0)

	caller := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: sec, Align: 4}, Data: make([]byte, 4)}
	caller.SetUnalignedOffset(0)
	callerID := store.AddFragment(caller)

	callee := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: sec, Align: 4}}
	callee.SetUnalignedOffset(farOffset)
	calleeID := store.AddFragment(callee)

	sb := (*store.Section(sec)).Base()
	sb.Fragments = append(sb.Fragments, callerID, calleeID)

	in := store.AddInput(input.Input{File: input.NewObjectFile(0)})
	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescDefined, Origin: in, Fragment: calleeID})

	relID := store.AddRelocation(input.Relocation{Section: sec, Offset: 0, Type: uint32(hexagon.RB22PCRel), Symbol: sym})

	ctx := &relax.Context{Store: store, SM: sm, Diag: diag.New(nil), Opts: opts}
	return ctx, relID
}

func TestTrampolineInsertedWhenBranchOverflows(t *testing.T) {
	ctx, relID := buildBranchFixture(t, 1<<24) // well past RB22PCRel's +-2^23 reach

	target := hexagonrelax.New()
	changed, err := target.Passes()[0].Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !changed {
		t.Fatal("expected a trampoline to be inserted for an out-of-range branch")
	}

	rel := ctx.Store.Relocation(relID)
	ri := ctx.Store.Symbol(rel.Symbol)
	if !ri.Fragment.Valid() {
		t.Fatal("branch should now target a local symbol anchored at the trampoline fragment")
	}

	found := false
	ctx.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		if hexagon.RelocType(r.Type) == hexagon.RB32PCRelX || hexagon.RelocType(r.Type) == hexagon.RB22PCRelX {
			found = true
		}
		return true
	})
	if !found {
		t.Fatal("expected the trampoline's own extended-range relocations to be recorded")
	}
}

func TestTrampolineConvergesWithoutGrowingAgain(t *testing.T) {
	ctx, _ := buildBranchFixture(t, 1<<24)
	target := hexagonrelax.New()
	pass := target.Passes()[0]

	changed1, err := pass.Run(ctx)
	if err != nil || !changed1 {
		t.Fatalf("first Run: changed=%v err=%v", changed1, err)
	}

	fragsBefore := 0
	ctx.Store.Fragments.All(func(_ arena.Id, _ *input.Fragment) bool { fragsBefore++; return true })

	changed2, err := pass.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if changed2 {
		t.Fatal("expected no further trampoline insertion once the branch already reaches its island")
	}

	fragsAfter := 0
	ctx.Store.Fragments.All(func(_ arena.Id, _ *input.Fragment) bool { fragsAfter++; return true })
	if fragsBefore != fragsAfter {
		t.Fatalf("fragment count changed on a quiet pass: %d -> %d", fragsBefore, fragsAfter)
	}
}

func TestInRangeBranchNeedsNoTrampoline(t *testing.T) {
	ctx, relID := buildBranchFixture(t, 0x100) // well within RB22PCRel's reach

	target := hexagonrelax.New()
	changed, err := target.Passes()[0].Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if changed {
		t.Fatal("a branch already in range must not get a trampoline")
	}

	rel := ctx.Store.Relocation(relID)
	ri := ctx.Store.Symbol(rel.Symbol)
	if !ri.Origin.Valid() {
		t.Fatal("branch symbol should be unchanged, still the original defined symbol")
	}
}
