package hexagon_test

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/reloc"
	"github.com/xyproto/eld/internal/reloc/hexagon"
)

type fakeBackend struct {
	got   map[arena.SymbolId]reloc.GOTKind
	plt   map[arena.SymbolId]bool
	addrs map[arena.SymbolId]uint64
	dyn   []reloc.DynReloc
	copy  map[arena.SymbolId]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		got:   make(map[arena.SymbolId]reloc.GOTKind),
		plt:   make(map[arena.SymbolId]bool),
		addrs: make(map[arena.SymbolId]uint64),
		copy:  make(map[arena.SymbolId]bool),
	}
}

func (b *fakeBackend) ReserveGOT(sym arena.SymbolId, kind reloc.GOTKind) bool {
	_, existed := b.got[sym]
	b.got[sym] = kind
	return !existed
}
func (b *fakeBackend) GOTAddress(sym arena.SymbolId, kind reloc.GOTKind) uint64 { return b.addrs[sym] }
func (b *fakeBackend) ReservePLT(sym arena.SymbolId) bool {
	existed := b.plt[sym]
	b.plt[sym] = true
	return !existed
}
func (b *fakeBackend) PLTAddress(sym arena.SymbolId) uint64 { return b.addrs[sym] }
func (b *fakeBackend) ReserveCopyReloc(sym arena.SymbolId)  { b.copy[sym] = true }
func (b *fakeBackend) HasCopyReloc(sym arena.SymbolId) bool { return b.copy[sym] }
func (b *fakeBackend) ReserveTLSStub(sym arena.SymbolId, kind reloc.GOTKind) bool {
	return b.ReserveGOT(sym, kind)
}
func (b *fakeBackend) TLSStubAddress(sym arena.SymbolId, kind reloc.GOTKind) uint64 {
	return b.GOTAddress(sym, kind)
}
func (b *fakeBackend) EmitDynamicReloc(d reloc.DynReloc) { b.dyn = append(b.dyn, d) }

var _ reloc.Backend = (*fakeBackend)(nil)

type fixture struct {
	store   *input.Store
	section arena.SectionId
	frag    arena.FragmentId
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := input.NewStore()
	sec := store.AddSection(input.NewELFSection(".text", 0, 0))
	(*store.Section(sec)).Base().SetAddress(0x2000)

	frag := &input.RegionFragmentEx{
		FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: sec, Align: 4},
		Data:         make([]byte, 16),
	}
	frag.SetUnalignedOffset(0)
	fragID := store.AddFragment(frag)
	(*store.Section(sec)).Base().Fragments = append((*store.Section(sec)).Base().Fragments, fragID)
	return &fixture{store: store, section: sec, frag: fragID}
}

func (fx *fixture) definedSymbol(offset uint64) arena.SymbolId {
	in := fx.store.AddInput(input.Input{File: input.NewObjectFile(0)})
	return fx.store.AddSymbol(input.ResolveInfo{
		Desc: input.DescDefined, Origin: in, Fragment: fx.frag, Offset: offset,
	})
}

func (fx *fixture) undefinedSymbol() arena.SymbolId {
	return fx.store.AddSymbol(input.ResolveInfo{Desc: input.DescUndefined})
}

func (fx *fixture) relocation(relType hexagon.RelocType, offset uint64, sym arena.SymbolId, addend int64) *input.Relocation {
	return &input.Relocation{
		Section:      fx.section,
		Offset:       offset,
		Type:         uint32(relType),
		Symbol:       sym,
		Addend:       addend,
		CachedTarget: (*fx.store.Fragment(fx.frag)).(*input.RegionFragmentEx).Data[offset:],
	}
}

func TestScanReservesPLTForPLTBranch(t *testing.T) {
	fx := newFixture(t)
	sym := fx.undefinedSymbol()
	rel := fx.relocation(hexagon.RPLTB22PCRel, 0, sym, 0)

	r := hexagon.New()
	backend := newFakeBackend()
	ctx := &reloc.ScanContext{Store: fx.store, Backend: backend}
	if err := r.Scan(rel, ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !backend.plt[sym] {
		t.Fatal("expected a PLT reservation for R_HEX_PLT_B22_PCREL")
	}
}

func TestScanReservesGOTKinds(t *testing.T) {
	cases := []struct {
		relType hexagon.RelocType
		want    reloc.GOTKind
	}{
		{hexagon.RGOTHi16, reloc.GOTRegular},
		{hexagon.RGDGOTHi16, reloc.GOTTLSGD},
		{hexagon.RIEGOTHi16, reloc.GOTTLSIE},
	}
	for _, c := range cases {
		fx := newFixture(t)
		sym := fx.undefinedSymbol()
		rel := fx.relocation(c.relType, 0, sym, 0)
		r := hexagon.New()
		backend := newFakeBackend()
		ctx := &reloc.ScanContext{Store: fx.store, Backend: backend}
		if err := r.Scan(rel, ctx); err != nil {
			t.Fatalf("Scan(%v): %v", c.relType, err)
		}
		if backend.got[sym] != c.want {
			t.Errorf("%v: got GOT kind %v, want %v", c.relType, backend.got[sym], c.want)
		}
	}
}

func TestScanEmitsDynamicRelocForAbsoluteAgainstUndefined(t *testing.T) {
	fx := newFixture(t)
	sym := fx.undefinedSymbol()
	rel := fx.relocation(hexagon.R32, 0, sym, 5)

	r := hexagon.New()
	backend := newFakeBackend()
	ctx := &reloc.ScanContext{Store: fx.store, Backend: backend}
	if err := r.Scan(rel, ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(backend.dyn) != 1 {
		t.Fatalf("dynamic relocs recorded = %d, want 1", len(backend.dyn))
	}
	if backend.dyn[0].Addend != 5 {
		t.Fatalf("dynamic reloc addend = %d, want 5", backend.dyn[0].Addend)
	}
}

func TestScanSkipsDynamicRelocForLocallyDefinedAbsolute(t *testing.T) {
	fx := newFixture(t)
	sym := fx.definedSymbol(0)
	rel := fx.relocation(hexagon.R32, 0, sym, 0)

	r := hexagon.New()
	backend := newFakeBackend()
	ctx := &reloc.ScanContext{Store: fx.store, Backend: backend}
	if err := r.Scan(rel, ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(backend.dyn) != 0 {
		t.Fatalf("dynamic relocs recorded = %d, want 0 for a locally defined symbol", len(backend.dyn))
	}
}

func TestApplyAbsolute32(t *testing.T) {
	fx := newFixture(t)
	sym := fx.definedSymbol(4) // value 0x2000 + 4

	rel := fx.relocation(hexagon.R32, 0, sym, 0)
	r := hexagon.New()
	ctx := &reloc.ApplyContext{Store: fx.store, Backend: newFakeBackend()}
	if got := r.Apply(rel, ctx); got != reloc.Ok {
		t.Fatalf("Apply = %v, want Ok", got)
	}
	want := uint32(0x2004)
	if got := binary.LittleEndian.Uint32(rel.CachedTarget); got != want {
		t.Fatalf("patched word = %#x, want %#x", got, want)
	}
}

func TestApplyWritesEndSentinelForDiscardedSection(t *testing.T) {
	store := input.NewStore()
	sec := store.AddSection(input.NewELFSection(".text.unused", 0, 0))
	(*store.Section(sec)).Base().Discarded = true

	frag := &input.RegionFragmentEx{
		FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: sec, Align: 4},
		Data:         []byte{0x00, 0x00, 0x00, 0x00},
	}
	frag.SetUnalignedOffset(0)
	fragID := store.AddFragment(frag)

	rel := &input.Relocation{
		Section:      sec,
		Type:         uint32(hexagon.RB22PCRel),
		CachedTarget: (*store.Fragment(fragID)).(*input.RegionFragmentEx).Data,
	}

	r := hexagon.New()
	ctx := &reloc.ApplyContext{Store: store, Backend: newFakeBackend()}
	if got := r.Apply(rel, ctx); got != reloc.Ok {
		t.Fatalf("Apply on discarded section = %v, want Ok", got)
	}
	word := binary.LittleEndian.Uint32(rel.CachedTarget)
	if word&0xc000 != 0xc000 {
		t.Fatalf("discarded relocation target %#x does not carry the packet end-of-bundle bits", word)
	}
}

func TestApplyBranchOverflow(t *testing.T) {
	fx := newFixture(t)

	farSec := fx.store.AddSection(input.NewELFSection(".text.far", 0, 0))
	(*fx.store.Section(farSec)).Base().SetAddress(0x2000 + 1<<24)
	farFrag := &input.RegionFragmentEx{
		FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: farSec, Align: 4},
		Data:         make([]byte, 4),
	}
	farFrag.SetUnalignedOffset(0)
	farFragID := fx.store.AddFragment(farFrag)
	in := fx.store.AddInput(input.Input{File: input.NewObjectFile(0)})
	farSym := fx.store.AddSymbol(input.ResolveInfo{Desc: input.DescDefined, Origin: in, Fragment: farFragID})

	rel := fx.relocation(hexagon.RB22PCRel, 0, farSym, 0)
	r := hexagon.New()
	ctx := &reloc.ApplyContext{Store: fx.store, Backend: newFakeBackend()}
	if got := r.Apply(rel, ctx); got != reloc.Overflow {
		t.Fatalf("Apply(B22_PCREL far target) = %v, want Overflow", got)
	}
}

func TestNameAndSize(t *testing.T) {
	r := hexagon.New()
	if r.Name(uint32(hexagon.RCopy)) != "R_HEX_COPY" {
		t.Fatalf("Name(RCopy) = %q, want R_HEX_COPY", r.Name(uint32(hexagon.RCopy)))
	}
	if got := r.Size(uint32(hexagon.R32)); got != 4 {
		t.Fatalf("Size(R32) = %d, want 4", got)
	}
	if got := r.Size(uint32(hexagon.RB22PCRel)); got != -1 {
		t.Fatalf("Size(RB22PCRel) = %d, want -1", got)
	}
}
