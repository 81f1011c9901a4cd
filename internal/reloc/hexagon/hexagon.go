// Package hexagon implements reloc.Relocator for the Hexagon target
// (§4.6). debug/elf carries no Hexagon relocation vocabulary, so this
// package defines the subset the specification's scan/apply duties
// actually exercise, grounded on the relocation names the original
// HexagonLDBackend.cpp/HexagonRelocator.h switch over
// (R_HEX_B22_PCREL/PLT_B22_PCREL/GD_PLT_B22_PCREL/..., R_HEX_JMP_SLOT,
// R_HEX_COPY, the packet end-of-bundle mask).
package hexagon

import (
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/reloc"
)

// EMHexagon is the ELF e_machine value for Hexagon; debug/elf doesn't
// carry it.
const EMHexagon = elf.Machine(164)

// RelocType is Hexagon's target-specific relocation-type vocabulary
// (§4.6), numbered per the Hexagon ELF psABI the original backend
// switches over.
type RelocType uint32

const (
	RNone          RelocType = 0
	RB22PCRel      RelocType = 1
	RB15PCRel      RelocType = 2
	RB7PCRel       RelocType = 3
	RLo16          RelocType = 4
	RHi16          RelocType = 5
	R32            RelocType = 6
	R16            RelocType = 7
	R8             RelocType = 8
	RB13PCRel      RelocType = 14
	RB9PCRel       RelocType = 15
	RB32PCRelX     RelocType = 16
	RB22PCRelX     RelocType = 18
	RB15PCRelX     RelocType = 19
	RB13PCRelX     RelocType = 20
	RB9PCRelX      RelocType = 21
	RB7PCRelX      RelocType = 22
	R32PCRel       RelocType = 31
	RCopy          RelocType = 32
	RGlobDat       RelocType = 33
	RJmpSlot       RelocType = 34
	RRelative      RelocType = 35
	RPLTB22PCRel   RelocType = 36
	RGOTRelLo16    RelocType = 37
	RGOTRelHi16    RelocType = 38
	RGOTRel32      RelocType = 39
	RGOTLo16       RelocType = 40
	RGOTHi16       RelocType = 41
	RGOT32         RelocType = 42
	RDTPModGOT32   RelocType = 44
	RGDPLTB22PCRel RelocType = 49
	RGDGOTLo16     RelocType = 50
	RGDGOTHi16     RelocType = 51
	RGDGOT32       RelocType = 52
	RIELo16        RelocType = 54
	RIEHi16        RelocType = 55
	RIEGOTLo16     RelocType = 57
	RIEGOTHi16     RelocType = 58
	RTPRelLo16     RelocType = 61
	RTPRelHi16     RelocType = 62
	R6PCRelX       RelocType = 65
	RLDPLTB22PCRel RelocType = 86
)

func (t RelocType) String() string {
	switch t {
	case RNone:
		return "R_HEX_NONE"
	case RB22PCRel:
		return "R_HEX_B22_PCREL"
	case RPLTB22PCRel:
		return "R_HEX_PLT_B22_PCREL"
	case RGDPLTB22PCRel:
		return "R_HEX_GD_PLT_B22_PCREL"
	case RLDPLTB22PCRel:
		return "R_HEX_LD_PLT_B22_PCREL"
	case R32:
		return "R_HEX_32"
	case R16:
		return "R_HEX_16"
	case R8:
		return "R_HEX_8"
	case RCopy:
		return "R_HEX_COPY"
	case RGlobDat:
		return "R_HEX_GLOB_DAT"
	case RJmpSlot:
		return "R_HEX_JMP_SLOT"
	case RRelative:
		return "R_HEX_RELATIVE"
	case RGOTLo16, RGOTHi16, RGOT32, RGOTRelLo16, RGOTRelHi16, RGOTRel32:
		return "R_HEX_GOT"
	case RGDGOTLo16, RGDGOTHi16, RGDGOT32:
		return "R_HEX_GD_GOT"
	case RIELo16, RIEHi16, RIEGOTLo16, RIEGOTHi16:
		return "R_HEX_IE"
	case RTPRelLo16, RTPRelHi16:
		return "R_HEX_TPREL"
	default:
		return "R_HEX_UNKNOWN"
	}
}

// positionOfPacketBits and the end-of-packet/end-of-duplex masks
// reproduce HexagonRelocator.h's #defines exactly: bits 14-15 of a
// 32-bit Hexagon instruction word mark packet boundaries.
const (
	positionOfPacketBits = 14
	maskEndPacket        = 3 << positionOfPacketBits
	endOfPacket          = 3 << positionOfPacketBits
)

// endSentinel is written over a discarded relocation's target word so a
// gc'd packet still parses as a (degenerate, single-instruction) packet
// rather than corrupting the bundle after it — Hexagon's analogue of
// RISC-V writing 1 into .debug_loc/.debug_ranges.
func writeEndSentinel(buf []byte) {
	if len(buf) < 4 {
		return
	}
	word := binary.LittleEndian.Uint32(buf)
	word = (word &^ maskEndPacket) | endOfPacket
	binary.LittleEndian.PutUint32(buf, word)
}

// Relocator implements reloc.Relocator for Hexagon.
type Relocator struct{}

func New() *Relocator { return &Relocator{} }

func isPLTBranch(t RelocType) bool {
	switch t {
	case RPLTB22PCRel, RGDPLTB22PCRel, RLDPLTB22PCRel:
		return true
	}
	return false
}

func isGOT(t RelocType) (kind reloc.GOTKind, ok bool) {
	switch t {
	case RGOTLo16, RGOTHi16, RGOT32, RGOTRelLo16, RGOTRelHi16, RGOTRel32:
		return reloc.GOTRegular, true
	case RGDGOTLo16, RGDGOTHi16, RGDGOT32:
		return reloc.GOTTLSGD, true
	case RIEGOTLo16, RIEGOTHi16:
		return reloc.GOTTLSIE, true
	}
	return 0, false
}

// Scan implements §4.6's scan phase for Hexagon.
func (r *Relocator) Scan(rel *input.Relocation, ctx *reloc.ScanContext) error {
	t := RelocType(rel.Type)

	if isPLTBranch(t) {
		ctx.Backend.ReservePLT(rel.Symbol)
	}
	if kind, ok := isGOT(t); ok {
		ctx.Backend.ReserveGOT(rel.Symbol, kind)
	}
	switch t {
	case R32, R32PCRel:
		ri := ctx.Store.Symbol(rel.Symbol)
		if ri.Desc != input.DescDefined || !ri.Origin.Valid() ||
			ctx.Store.Input(ri.Origin).File.Base().Kind == input.KindDynamicObject {
			ctx.Backend.EmitDynamicReloc(reloc.DynReloc{
				Section: rel.Section, Offset: rel.Offset, Type: rel.Type,
				Symbol: rel.Symbol, Addend: rel.Addend,
			})
		}
	case RCopy:
		ctx.Backend.ReserveCopyReloc(rel.Symbol)
	}
	return nil
}

// Apply implements §4.6's apply phase for Hexagon.
func (r *Relocator) Apply(rel *input.Relocation, ctx *reloc.ApplyContext) reloc.ApplyResult {
	if reloc.Discarded(ctx.Store, rel) {
		writeEndSentinel(rel.CachedTarget)
		return reloc.Ok
	}

	t := RelocType(rel.Type)
	buf := rel.CachedTarget
	pc := sectionAddr(ctx.Store, rel.Section) + rel.Offset

	switch t {
	case RNone:
		return reloc.Ok

	case R32:
		symAddr, _ := input.SymbolAddress(ctx.Store, rel.Symbol)
		if len(buf) < 4 {
			return reloc.BadReloc
		}
		binary.LittleEndian.PutUint32(buf, uint32(symAddr)+uint32(rel.Addend))
		return reloc.Ok

	case R32PCRel:
		symAddr, defined := input.SymbolAddress(ctx.Store, rel.Symbol)
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		binary.LittleEndian.PutUint32(buf, uint32(int64(symAddr)+rel.Addend-int64(pc)))
		return reloc.Ok

	case RB22PCRel, RPLTB22PCRel, RGDPLTB22PCRel, RLDPLTB22PCRel:
		target, defined := input.SymbolAddress(ctx.Store, rel.Symbol)
		if isPLTBranch(t) {
			target = ctx.Backend.PLTAddress(rel.Symbol)
			defined = true
		}
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		off := int64(target) + rel.Addend - int64(pc)
		// B22_PCREL: a 22-bit word-aligned signed branch offset (its two
		// low bits implicit) packed into bits [13:1] and [24:16] of the
		// 32-bit instruction, per the Hexagon psABI encoding.
		if off < -(1<<23) || off >= 1<<23 || off&3 != 0 {
			return reloc.Overflow
		}
		instr := binary.LittleEndian.Uint32(buf)
		u := uint32(off) >> 2
		instr = (instr &^ (0x1fff << 1)) | ((u & 0x1fff) << 1)
		instr = (instr &^ (0x1ff << 16)) | (((u >> 13) & 0x1ff) << 16)
		binary.LittleEndian.PutUint32(buf, instr)
		return reloc.Ok

	case RGOTLo16, RGOTHi16, RGOT32, RGOTRelLo16, RGOTRelHi16, RGOTRel32:
		addr := ctx.Backend.GOTAddress(rel.Symbol, reloc.GOTRegular)
		return patchHalfword(t, buf, addr)

	case RGDGOTLo16, RGDGOTHi16, RGDGOT32:
		addr := ctx.Backend.GOTAddress(rel.Symbol, reloc.GOTTLSGD)
		return patchHalfword(t, buf, addr)

	case RIELo16, RIEHi16, RIEGOTLo16, RIEGOTHi16:
		addr := ctx.Backend.GOTAddress(rel.Symbol, reloc.GOTTLSIE)
		return patchHalfword(t, buf, addr)

	case RCopy:
		return reloc.Ok

	case RRelative, RJmpSlot, RGlobDat:
		// Emitted directly into .rela.dyn/.rela.plt by internal/dynamic.
		return reloc.Ok

	default:
		return reloc.Unsupported
	}
}

// patchHalfword writes the low or high 16 bits of addr into a Hexagon
// immediate-extender-style instruction word (the constext/immext split
// the *_LO16/*_HI16 relocation pairs target).
func patchHalfword(t RelocType, buf []byte, addr uint64) reloc.ApplyResult {
	if len(buf) < 4 {
		return reloc.BadReloc
	}
	var half uint32
	switch t {
	case RGOTHi16, RGOTRelHi16, RGDGOTHi16, RIEHi16, RIEGOTHi16:
		half = uint32(addr>>16) & 0xffff
	default:
		half = uint32(addr) & 0xffff
	}
	instr := binary.LittleEndian.Uint32(buf)
	instr = (instr &^ (0x3fff << 0)) | (half & 0x3fff)
	instr = (instr &^ (0x3 << 20)) | (((half >> 14) & 0x3) << 20)
	binary.LittleEndian.PutUint32(buf, instr)
	return reloc.Ok
}

func sectionAddr(store *input.Store, id arena.SectionId) uint64 {
	return (*store.Section(id)).Base().Address()
}

// Name returns the Hexagon relocation type's mnemonic.
func (r *Relocator) Name(relType uint32) string { return RelocType(relType).String() }

// Size returns the byte width of an absolute relocation, or -1 for one
// that patches bits within a fixed-size instruction word.
func (r *Relocator) Size(relType uint32) int {
	switch RelocType(relType) {
	case R32, R32PCRel, RGOT32, RGDGOT32:
		return 4
	case R16:
		return 2
	case R8:
		return 1
	default:
		return -1
	}
}

var _ reloc.Relocator = (*Relocator)(nil)
