package dynamic_test

import (
	"debug/elf"
	"testing"

	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/dynamic"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/reloc"
)

func newSynth(t *testing.T, machine elf.Machine) (*dynamic.Synth, *input.Store) {
	t.Helper()
	store := input.NewStore()
	opts := config.Default()
	opts.Machine = machine
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	return dynamic.NewSynth(store, sm, opts), store
}

func TestReserveGOTIdempotentPerSymbolAndKind(t *testing.T) {
	s, store := newSynth(t, elf.EM_RISCV)
	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})

	if created := s.ReserveGOT(sym, reloc.GOTRegular); !created {
		t.Fatal("first ReserveGOT should report created=true")
	}
	if created := s.ReserveGOT(sym, reloc.GOTRegular); created {
		t.Fatal("second ReserveGOT for the same (sym, kind) should report created=false")
	}
	if created := s.ReserveGOT(sym, reloc.GOTTLSGD); !created {
		t.Fatal("ReserveGOT for a different kind on the same symbol should create a new slot")
	}
}

func TestReservePLTAllocatesGOTPLTSlotAndStub(t *testing.T) {
	s, store := newSynth(t, elf.EM_RISCV)
	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})

	if created := s.ReservePLT(sym); !created {
		t.Fatal("first ReservePLT should report created=true")
	}
	if created := s.ReservePLT(sym); created {
		t.Fatal("second ReservePLT for the same symbol should report created=false")
	}
}

func TestReservePLTSkipsPLT0UnderZNow(t *testing.T) {
	s, store := newSynth(t, elf.EM_RISCV)
	s.Opts.ZOptions = append(s.Opts.ZOptions, config.ZNow)
	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})
	s.ReservePLT(sym)
	if s.HasPLT0() {
		t.Fatal("-z now must omit PLT0")
	}
}

func TestReserveCopyRelocRepointsSymbol(t *testing.T) {
	s, store := newSynth(t, elf.EM_RISCV)
	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined, Size: 8})

	s.ReserveCopyReloc(sym)
	if !s.HasCopyReloc(sym) {
		t.Fatal("expected HasCopyReloc to report true after ReserveCopyReloc")
	}
	ri := store.Symbol(sym)
	if !ri.Fragment.Valid() {
		t.Fatal("ReserveCopyReloc should repoint the symbol at a backing fragment")
	}
}

func TestReserveTLSStub(t *testing.T) {
	s, store := newSynth(t, dynamic.HexagonMachine)
	sym := store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})

	if created := s.ReserveTLSStub(sym, reloc.GOTTLSGD); !created {
		t.Fatal("first ReserveTLSStub should report created=true")
	}
	if created := s.ReserveTLSStub(sym, reloc.GOTTLSGD); created {
		t.Fatal("second ReserveTLSStub for the same (sym, kind) should report created=false")
	}
}

func TestEmitDynamicRelocAccumulates(t *testing.T) {
	s, _ := newSynth(t, elf.EM_RISCV)
	s.EmitDynamicReloc(reloc.DynReloc{Offset: 8, Addend: 3})
	s.EmitDynamicReloc(reloc.DynReloc{Offset: 16, Addend: 5})
	if got := s.DynRelocCount(); got != 2 {
		t.Fatalf("recorded %d dynamic relocations, want 2", got)
	}
}

var _ reloc.Backend = (*dynamic.Synth)(nil)
