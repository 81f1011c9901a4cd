package dynamic_test

import (
	"debug/elf"
	"testing"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/dynamic"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/reloc"
)

// assignAddresses gives every section a base address and every one of its
// fragments a packed offset, standing in for internal/layout.SectionMap's
// real AssignAddresses pass (which needs a full script-driven output-
// section list this package's unit tests have no reason to build).
func assignAddresses(store *input.Store, sections []arena.SectionId, base uint64) {
	addr := base
	for _, secID := range sections {
		sb := (*store.Section(secID)).Base()
		sb.SetAddress(addr)
		var off uint64
		for _, fragID := range sb.Fragments {
			frag := *store.Fragment(fragID)
			frag.Base().SetUnalignedOffset(off)
			off += frag.Size()
		}
		addr += off + 0x1000
	}
}

func dummyDynsymIdx(n *int) func(arena.SymbolId) uint32 {
	ids := map[arena.SymbolId]uint32{}
	return func(sym arena.SymbolId) uint32 {
		if idx, ok := ids[sym]; ok {
			return idx
		}
		*n++
		ids[sym] = uint32(*n)
		return uint32(*n)
	}
}

func TestFinalizeCountsRelativeRelocsForRelacount(t *testing.T) {
	store := input.NewStore()
	opts := config.Default()
	opts.Machine = elf.EM_RISCV
	opts.Shared = true
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	s := dynamic.NewSynth(store, sm, opts)

	in := store.AddInput(input.Input{File: input.NewObjectFile(0)})
	textSec := store.AddSection(input.NewELFSection(".text", 0, 0))
	frag := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: textSec, Align: 4}, Data: make([]byte, 8)}
	fragID := store.AddFragment(frag)
	(*store.Section(textSec)).Base().Fragments = append((*store.Section(textSec)).Base().Fragments, fragID)

	local := store.AddSymbol(input.ResolveInfo{Desc: input.DescDefined, Origin: in, Fragment: fragID, Offset: 0})
	external := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})

	s.ReserveGOT(local, reloc.GOTRegular)
	s.ReserveGOT(external, reloc.GOTRegular)

	assignAddresses(store, []arena.SectionId{textSec, sm.EnsureSyntheticSection(".got")}, 0x10000)

	n := 0
	result := s.Finalize(dummyDynsymIdx(&n))

	if result.RelaCount != 1 {
		t.Fatalf("RelaCount = %d, want 1 (one RELATIVE entry for the locally resolved GOT slot)", result.RelaCount)
	}
	if len(result.RelaDyn) != 48 {
		t.Fatalf("RelaDyn length = %d, want 48 (two 24-byte Elf64_Rela entries: one RELATIVE, one GLOB_DAT)", len(result.RelaDyn))
	}

	var foundRelacount bool
	for _, e := range result.DynEntries {
		if e.Tag == int64(elf.DT_RELACOUNT) {
			foundRelacount = true
			if e.Val != result.RelaCount {
				t.Fatalf("DT_RELACOUNT = %d, want %d", e.Val, result.RelaCount)
			}
		}
	}
	if !foundRelacount {
		t.Fatal("expected a DT_RELACOUNT entry when .rela.dyn is non-empty")
	}
}

func TestFinalizeEmitsJumpSlotPerPLTEntry(t *testing.T) {
	store := input.NewStore()
	opts := config.Default()
	opts.Machine = elf.EM_RISCV
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	s := dynamic.NewSynth(store, sm, opts)

	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})
	s.ReservePLT(sym)

	assignAddresses(store, []arena.SectionId{
		sm.EnsureSyntheticSection(".got"),
		sm.EnsureSyntheticSection(".got.plt"),
		sm.EnsureSyntheticSection(".plt"),
	}, 0x20000)

	n := 0
	result := s.Finalize(dummyDynsymIdx(&n))
	if len(result.RelaPlt) != 24 {
		t.Fatalf("RelaPlt length = %d, want 24 (one JUMP_SLOT entry)", len(result.RelaPlt))
	}
	if !s.HasPLT0() {
		t.Fatal("expected PLT0 to be reserved without -z now")
	}
}

func TestFinalizeSkipsPLT0UnderZNow(t *testing.T) {
	store := input.NewStore()
	opts := config.Default()
	opts.Machine = elf.EM_RISCV
	opts.ZOptions = append(opts.ZOptions, config.ZNow)
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	s := dynamic.NewSynth(store, sm, opts)

	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})
	s.ReservePLT(sym)
	if s.HasPLT0() {
		t.Fatal("-z now must omit PLT0")
	}
}

func TestFinalizeHexagonUsesTargetSpecificRelocTypes(t *testing.T) {
	store := input.NewStore()
	opts := config.Default()
	opts.Machine = dynamic.HexagonMachine
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	s := dynamic.NewSynth(store, sm, opts)

	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})
	s.ReservePLT(sym)
	assignAddresses(store, []arena.SectionId{
		sm.EnsureSyntheticSection(".got"),
		sm.EnsureSyntheticSection(".got.plt"),
		sm.EnsureSyntheticSection(".plt"),
	}, 0x30000)

	n := 0
	result := s.Finalize(dummyDynsymIdx(&n))
	var foundHexVer bool
	for _, e := range result.DynEntries {
		if e.Tag == 0x70000001 {
			foundHexVer = true
			if e.Val != 3 {
				t.Fatalf("DT_HEXAGON_VER = %d, want 3", e.Val)
			}
		}
	}
	if !foundHexVer {
		t.Fatal("expected a DT_HEXAGON_VER entry for the Hexagon target")
	}
}
