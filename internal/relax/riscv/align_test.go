package riscv_test

import (
	"debug/elf"
	"testing"

	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/relax"
	riscvrelax "github.com/xyproto/eld/internal/relax/riscv"
)

func TestAlignShrinksPaddingToWhatsStillNeeded(t *testing.T) {
	store := input.NewStore()
	opts := config.Default()
	opts.RISCVRelax = true
	sm := layout.NewSectionMap(store, diag.New(nil), opts)

	sec := store.AddSection(input.NewELFSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, elf.SHT_PROGBITS))
	(*store.Section(sec)).Base().SetAddress(0x1006) // 2 bytes short of 8-byte alignment

	padFrag := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: sec, Align: 1}, Data: make([]byte, 6)}
	padFrag.SetUnalignedOffset(0)
	padFragID := store.AddFragment(padFrag)
	(*store.Section(sec)).Base().Fragments = append((*store.Section(sec)).Base().Fragments, padFragID)

	store.AddRelocation(input.Relocation{Section: sec, Offset: 0, Type: uint32(elf.R_RISCV_ALIGN), Addend: 8})

	ctx := &relax.Context{Store: store, SM: sm, Diag: diag.New(nil), Opts: opts}
	rt := riscvrelax.New()
	changed, err := rt.Passes()[3].Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !changed {
		t.Fatal("expected the align pass to report a change when slack is removed")
	}

	frag := (*store.Fragment(padFragID)).(*input.RegionFragmentEx)
	if len(frag.Data) != 2 {
		t.Fatalf("padding size = %d, want 2 (0x1006 needs 2 bytes to reach the next 8-byte boundary)", len(frag.Data))
	}

	changed2, err := rt.Passes()[3].Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if changed2 {
		t.Fatal("expected no further change once padding matches what's needed")
	}
}
