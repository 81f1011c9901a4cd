// Package dynamic implements GOT/PLT/Dynamic synthesis (§4.7): it is the
// reloc.Backend every target's Relocator.Scan reserves entries through,
// and it later emits the dynamic relocations and .dynamic entries those
// reservations imply once layout has assigned final addresses.
//
// Fragment placement follows internal/layout's existing synthetic-section
// machinery (EnsureSyntheticSection/AttachSyntheticFragment): every GOT
// slot, PLT stub and copy-relocation allocation is its own fragment,
// individually addressable via input.FragmentAddress once a layout pass
// runs, the same way every other linker-synthesized content item is.
package dynamic

import (
	"debug/elf"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/reloc"
)

// wordSize returns the pointer width of m: 4 for the one 32-bit target
// this implementation names (Hexagon), 8 otherwise (RISC-V64).
func wordSize(m elf.Machine) uint64 {
	if m == HexagonMachine {
		return 4
	}
	return 8
}

// HexagonMachine mirrors internal/reloc/hexagon.EMHexagon without this
// package importing that one directly — dynamic only needs the numeric
// value to pick a word size and relocation vocabulary, and importing the
// hexagon package here would pull its whole Relocator in for one constant.
const HexagonMachine = elf.Machine(164)

type gotKey struct {
	sym  arena.SymbolId
	kind reloc.GOTKind
}

// Synth is the GOT/GOTPLT/PLT/copy-relocation synthesizer: §4.7's
// component, and the concrete type behind the reloc.Backend interface
// every target's Relocator.Scan phase reserves entries through.
type Synth struct {
	Store *input.Store
	SM    *layout.SectionMap
	Opts  *config.Options

	word uint64

	got      map[gotKey]arena.FragmentId
	gotOrder []gotKey

	pltSlot    map[arena.SymbolId]arena.FragmentId // .plt stub fragment
	gotpltSlot map[arena.SymbolId]arena.FragmentId // .got.plt slot fragment
	pltOrder   []arena.SymbolId

	tlsStub map[gotKey]arena.FragmentId

	copyReloc map[arena.SymbolId]arena.FragmentId
	copyOrder []arena.SymbolId

	dynRelocs []reloc.DynReloc // absolute relocations Relocator.Scan emitted directly

	plt0 arena.FragmentId // .plt PLT0 stub, allocated lazily on first ReservePLT
}

// NewSynth returns a Synth ready to back a link session's relocation
// scan phase, eagerly reserving GOT[0] for _DYNAMIC per §4.7 ("first
// reserved slot is GOT[0] = _DYNAMIC").
func NewSynth(store *input.Store, sm *layout.SectionMap, opts *config.Options) *Synth {
	s := &Synth{
		Store:      store,
		SM:         sm,
		Opts:       opts,
		word:       wordSize(opts.Machine),
		got:        make(map[gotKey]arena.FragmentId),
		pltSlot:    make(map[arena.SymbolId]arena.FragmentId),
		gotpltSlot: make(map[arena.SymbolId]arena.FragmentId),
		tlsStub:    make(map[gotKey]arena.FragmentId),
		copyReloc:  make(map[arena.SymbolId]arena.FragmentId),
	}
	s.reserveGOTZero()
	return s
}

func (s *Synth) reserveGOTZero() {
	secID := s.SM.EnsureSyntheticSection(".got")
	frag := &input.GOTFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindGOT, Section: secID, Align: s.word},
		EntSize:      s.word,
	}
	fragID := s.Store.AddFragment(frag)
	s.SM.AttachSyntheticFragment(secID, fragID)
}

// ReserveGOT implements reloc.Backend: idempotent per (sym, kind), per
// §4.6's "Reservations are idempotent per (symbol, kind)".
func (s *Synth) ReserveGOT(sym arena.SymbolId, kind reloc.GOTKind) bool {
	key := gotKey{sym, kind}
	if _, ok := s.got[key]; ok {
		return false
	}
	entSize := s.word
	if kind == reloc.GOTTLSGD {
		entSize = 2 * s.word // module id + offset, the TLS-GD descriptor pair
	}
	secID := s.SM.EnsureSyntheticSection(".got")
	frag := &input.GOTFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindGOT, Section: secID, Align: s.word},
		Symbol:       sym,
		TLS:          kind != reloc.GOTRegular,
		EntSize:      entSize,
	}
	fragID := s.Store.AddFragment(frag)
	s.SM.AttachSyntheticFragment(secID, fragID)
	s.got[key] = fragID
	s.gotOrder = append(s.gotOrder, key)
	return true
}

// GOTAddress implements reloc.Backend. It returns 0 for a (sym, kind)
// never reserved, which Apply never does — Scan always reserves before
// Apply reads the address back.
func (s *Synth) GOTAddress(sym arena.SymbolId, kind reloc.GOTKind) uint64 {
	fragID, ok := s.got[gotKey{sym, kind}]
	if !ok {
		return 0
	}
	return input.FragmentAddress(s.Store, fragID)
}

// ReservePLT implements reloc.Backend: a PLT entry is a GOTPLT slot (the
// indirection target, initially PLT0's lazy resolver unless -z now) plus
// the machine-code PLT stub that loads it and jumps.
func (s *Synth) ReservePLT(sym arena.SymbolId) bool {
	if _, ok := s.pltSlot[sym]; ok {
		return false
	}
	if !s.Opts.HasZ(config.ZNow) {
		s.ensurePLT0()
	}

	gotSec := s.SM.EnsureSyntheticSection(".got.plt")
	gotFrag := &input.GOTFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindGOT, Section: gotSec, Align: s.word},
		Symbol:       sym,
		EntSize:      s.word,
	}
	gotFragID := s.Store.AddFragment(gotFrag)
	s.SM.AttachSyntheticFragment(gotSec, gotFragID)

	pltSec := s.SM.EnsureSyntheticSection(".plt")
	pltFrag := &input.PLTFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindPLT, Section: pltSec, Align: pltAlign(s.Opts.Machine)},
		Symbol:       sym,
		GOTSlot:      gotFragID,
		Data:         s.pltEntryPlaceholder(),
	}
	pltFragID := s.Store.AddFragment(pltFrag)
	s.SM.AttachSyntheticFragment(pltSec, pltFragID)

	s.pltSlot[sym] = pltFragID
	s.gotpltSlot[sym] = gotFragID
	s.pltOrder = append(s.pltOrder, sym)
	return true
}

func (s *Synth) ensurePLT0() {
	if s.plt0.Valid() {
		return
	}
	pltSec := s.SM.EnsureSyntheticSection(".plt")
	frag := &input.PLTFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindPLT, Section: pltSec, Align: pltAlign(s.Opts.Machine)},
		Data:         s.pltEntryPlaceholder(),
	}
	fragID := s.Store.AddFragment(frag)
	s.SM.AttachSyntheticFragment(pltSec, fragID)
	s.plt0 = fragID
}

// PLTAddress implements reloc.Backend.
func (s *Synth) PLTAddress(sym arena.SymbolId) uint64 {
	fragID, ok := s.pltSlot[sym]
	if !ok {
		return 0
	}
	return input.FragmentAddress(s.Store, fragID)
}

// ReserveCopyReloc implements reloc.Backend: allocates sym's final
// storage in a writable bucket section backing the DSO-provided data
// object this link copies in at load time, and repoints the symbol's
// Fragment/Offset at that local copy so every other relocation against
// it (not just the COPY one itself) resolves to the copy's address.
func (s *Synth) ReserveCopyReloc(sym arena.SymbolId) {
	if _, ok := s.copyReloc[sym]; ok {
		return
	}
	ri := s.Store.Symbol(sym)
	align := ri.Size
	if align == 0 {
		align = 1
	}
	secID := s.SM.EnsureSyntheticSection(".bss.copy")
	frag := &input.FillmentFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindFillment, Section: secID, Align: align},
		Pattern:      []byte{0},
		Length:       ri.Size,
	}
	fragID := s.Store.AddFragment(frag)
	s.SM.AttachSyntheticFragment(secID, fragID)

	s.copyReloc[sym] = fragID
	s.copyOrder = append(s.copyOrder, sym)
	ri.Fragment = fragID
	ri.Offset = 0
}

// HasCopyReloc implements reloc.Backend.
func (s *Synth) HasCopyReloc(sym arena.SymbolId) bool {
	_, ok := s.copyReloc[sym]
	return ok
}

// ReserveTLSStub implements reloc.Backend: a target-code trampoline
// alongside the TLS GOT entry it reads, the indirection Hexagon's
// CreateTLSPLT names and RISC-V never needs (its TLS access models patch
// directly off the GOT word, so RISC-V's Relocator never calls this).
func (s *Synth) ReserveTLSStub(sym arena.SymbolId, kind reloc.GOTKind) bool {
	key := gotKey{sym, kind}
	if _, ok := s.tlsStub[key]; ok {
		return false
	}
	secID := s.SM.EnsureSyntheticSection(".plt.tls")
	frag := &input.StubFragment{
		FragmentBase: input.FragmentBase{Kind: input.KindStub, Section: secID, Align: 4},
		Data:         make([]byte, 16),
	}
	fragID := s.Store.AddFragment(frag)
	s.SM.AttachSyntheticFragment(secID, fragID)
	s.tlsStub[key] = fragID
	return true
}

// TLSStubAddress implements reloc.Backend.
func (s *Synth) TLSStubAddress(sym arena.SymbolId, kind reloc.GOTKind) uint64 {
	fragID, ok := s.tlsStub[gotKey{sym, kind}]
	if !ok {
		return 0
	}
	return input.FragmentAddress(s.Store, fragID)
}

// EmitDynamicReloc implements reloc.Backend: records an absolute
// relocation a target's Scan phase decided needs load-time fixup,
// against an arbitrary input section rather than a GOT slot Synth
// itself owns. Finalize folds these in alongside the GOT-derived
// RELATIVE/GLOB_DAT/JUMP_SLOT/COPY entries.
func (s *Synth) EmitDynamicReloc(d reloc.DynReloc) {
	s.dynRelocs = append(s.dynRelocs, d)
}

// HasPLT0 reports whether a PLT0 stub was allocated (it never is under
// -z now).
func (s *Synth) HasPLT0() bool { return s.plt0.Valid() }

// DynRelocCount reports how many dynamic relocations EmitDynamicReloc
// has recorded so far.
func (s *Synth) DynRelocCount() int { return len(s.dynRelocs) }

var _ reloc.Backend = (*Synth)(nil)

func pltAlign(m elf.Machine) uint64 {
	if m == HexagonMachine {
		return 4 // one VLIW packet
	}
	return 4 // one RISC-V instruction word; the stub itself is a short sequence
}

// pltEntryPlaceholder returns a zero-filled buffer sized for one PLT
// stub on the session's target machine; patchPLTStubs overwrites the
// real bytes once GOT/PLT addresses are final.
func (s *Synth) pltEntryPlaceholder() []byte {
	if s.Opts.Machine == HexagonMachine {
		return hexagonPLTPlaceholder()
	}
	return riscvPLTPlaceholder()
}
