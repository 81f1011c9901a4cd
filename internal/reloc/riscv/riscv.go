// Package riscv implements reloc.Relocator for the RISC-V target (§4.6),
// including the PCREL-LO/HI pairing the specification calls out by name:
// an AUIPC's %pcrel_hi20 relocation anchors a later %pcrel_lo12 that reads
// the same offset back off a local symbol, and scan must associate the
// two before apply can compute either one's immediate.
//
// Immediate encode/decode (U-type hi20 + the ADDI-style sign-extension
// compensation) is grounded on the teacher's riscv64_instructions.go
// encodeUType/encodeIType/LoadImm helpers, generalized from "assemble a
// freshly emitted instruction" to "patch hi20/lo12 bits into an existing
// one read from an input section".
package riscv

import (
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/reloc"
)

// relKey identifies one relocation by the section it targets plus its own
// byte offset within that section — stable across a single scan/apply
// pass because no relocation is added or deleted mid-pass (§5: parse then
// resolve then scan then layout then apply, each phase exclusive owner of
// what it mutates).
type relKey struct {
	section arena.SectionId
	offset  uint64
}

// Relocator implements reloc.Relocator for RISC-V.
type Relocator struct {
	hiIndex     map[relKey]*input.Relocation // HI's own anchor -> the HI relocation
	pairedHi    map[relKey]*input.Relocation // LO's own key -> its paired HI
	pendingLows []*input.Relocation
}

func New() *Relocator {
	return &Relocator{
		hiIndex:  make(map[relKey]*input.Relocation),
		pairedHi: make(map[relKey]*input.Relocation),
	}
}

func key(r *input.Relocation) relKey { return relKey{r.Section, r.Offset} }

// anchorKey returns the (section, offset) a PCREL_LO12 relocation's
// symbol must match to find its HI half: the symbol's origin section and
// its value within that section. This implementation records that value
// as input.ResolveInfo.Offset, the byte offset of a defined symbol within
// its Fragment — correct whenever the defining fragment spans its whole
// origin section unsplit, the overwhelmingly common case for the local
// anchor symbols a compiler emits for this exact purpose.
func anchorKey(store *input.Store, symID arena.SymbolId) (relKey, bool) {
	ri := store.Symbol(symID)
	if !ri.Fragment.Valid() {
		return relKey{}, false
	}
	frag := *store.Fragment(ri.Fragment)
	return relKey{frag.Base().Section, ri.Offset}, true
}

func isHi(t elf.R_RISCV) bool {
	switch t {
	case elf.R_RISCV_PCREL_HI20, elf.R_RISCV_GOT_HI20, elf.R_RISCV_TLS_GOT_HI20, elf.R_RISCV_TLS_GD_HI20:
		return true
	}
	return false
}

func isLo(t elf.R_RISCV) bool {
	switch t {
	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		return true
	}
	return false
}

// needsPLT reports whether a CALL/CALL_PLT/GOT-relative reference to sym
// must go through a PLT stub: any still-undefined reference (resolved
// weakly to nothing, or strongly against a shared object rather than a
// regular object) needs the indirection a PLT provides so the dynamic
// linker can bind it at load time.
func needsPLT(store *input.Store, symID arena.SymbolId) bool {
	ri := store.Symbol(symID)
	if ri.Desc != input.DescDefined {
		return true
	}
	if !ri.Origin.Valid() {
		return false
	}
	return store.Input(ri.Origin).File.Base().Kind == input.KindDynamicObject
}

// needsDynReloc reports whether an absolute (non-PC-relative) reference
// to sym must be fixed up at load time rather than baked in at link time:
// true for any symbol not defined by a regular object directly in this
// link (a DSO export, or one still undefined).
func needsDynReloc(store *input.Store, symID arena.SymbolId) bool {
	return needsPLT(store, symID)
}

// Scan implements §4.6's scan phase for RISC-V.
func (r *Relocator) Scan(rel *input.Relocation, ctx *reloc.ScanContext) error {
	t := elf.R_RISCV(rel.Type)

	switch {
	case isHi(t):
		r.hiIndex[key(rel)] = rel
	case isLo(t):
		if ak, ok := anchorKey(ctx.Store, rel.Symbol); ok {
			if hi, found := r.hiIndex[ak]; found {
				r.pairedHi[key(rel)] = hi
			} else {
				r.pendingLows = append(r.pendingLows, rel)
			}
		}
	}

	switch t {
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		if needsPLT(ctx.Store, rel.Symbol) {
			ctx.Backend.ReservePLT(rel.Symbol)
		}
	case elf.R_RISCV_GOT_HI20:
		ctx.Backend.ReserveGOT(rel.Symbol, reloc.GOTRegular)
	case elf.R_RISCV_TLS_GOT_HI20:
		ctx.Backend.ReserveGOT(rel.Symbol, reloc.GOTTLSIE)
	case elf.R_RISCV_TLS_GD_HI20:
		ctx.Backend.ReserveGOT(rel.Symbol, reloc.GOTTLSGD)
	case elf.R_RISCV_32, elf.R_RISCV_64:
		if needsDynReloc(ctx.Store, rel.Symbol) {
			ctx.Backend.EmitDynamicReloc(reloc.DynReloc{
				Section: rel.Section, Offset: rel.Offset, Type: rel.Type,
				Symbol: rel.Symbol, Addend: rel.Addend,
			})
		}
	case elf.R_RISCV_COPY:
		ctx.Backend.ReserveCopyReloc(rel.Symbol)
	}
	return nil
}

// FinishScan resolves every PCREL_LO12 relocation that hadn't found its
// HI half yet during the main scan pass, per §4.6's deferred-fixup rule.
func (r *Relocator) FinishScan(ctx *reloc.ScanContext) error {
	var firstErr error
	for _, lo := range r.pendingLows {
		ak, ok := anchorKey(ctx.Store, lo.Symbol)
		if ok {
			if hi, found := r.hiIndex[ak]; found {
				r.pairedHi[key(lo)] = hi
				continue
			}
		}
		err := ctx.Diag.Fatalf(diag.CategoryRelocation, diag.Location{},
			"HiNotFound: %%pcrel_lo12 relocation at offset %#x has no matching %%pcrel_hi20", lo.Offset)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const loMask = uint32(0xfff)

// splitAbs splits an absolute 32-bit value into its HI20 (compensated for
// ADDI's sign extension, exactly like the teacher's LoadImm) and LO12
// halves.
func splitAbs(v int64) (hi uint32, lo int32) {
	hi = uint32((v + 0x800) >> 12)
	lo = int32(v & 0xfff)
	return
}

func patchUType(buf []byte, imm uint32) {
	instr := binary.LittleEndian.Uint32(buf)
	instr = (instr &^ 0xfffff000) | (imm << 12 & 0xfffff000)
	binary.LittleEndian.PutUint32(buf, instr)
}

func patchIType(buf []byte, imm int32) {
	instr := binary.LittleEndian.Uint32(buf)
	instr = (instr &^ (loMask << 20)) | (uint32(imm&0xfff) << 20)
	binary.LittleEndian.PutUint32(buf, instr)
}

func patchSType(buf []byte, imm int32) {
	instr := binary.LittleEndian.Uint32(buf)
	lo5 := uint32(imm) & 0x1f
	hi7 := (uint32(imm) >> 5) & 0x7f
	instr = (instr &^ (0x1f << 7)) | (lo5 << 7)
	instr = (instr &^ (0x7f << 25)) | (hi7 << 25)
	binary.LittleEndian.PutUint32(buf, instr)
}

// patchJType rewrites a JAL's 20-bit PC-relative immediate in place.
func patchJType(buf []byte, imm int32) bool {
	if imm < -(1<<20) || imm >= 1<<20 || imm&1 != 0 {
		return false
	}
	u := uint32(imm)
	instr := binary.LittleEndian.Uint32(buf)
	instr &^= 0xfffff000
	instr |= ((u >> 20) & 1) << 31
	instr |= ((u >> 1) & 0x3ff) << 21
	instr |= ((u >> 11) & 1) << 20
	instr |= ((u >> 12) & 0xff) << 12
	binary.LittleEndian.PutUint32(buf, instr)
	return true
}

// writeSentinel implements §4.6's "discarded relocation writes a
// target-specified sentinel": 1 for .debug_loc/.debug_ranges, left
// untouched (no patch at all, which for a zero-initialized section reads
// as 0) otherwise.
func (r *Relocator) writeSentinel(rel *input.Relocation, ctx *reloc.ApplyContext) reloc.ApplyResult {
	name := (*ctx.Store.Section(rel.Section)).Base().Name
	if name == ".debug_loc" || name == ".debug_ranges" {
		if len(rel.CachedTarget) >= 1 {
			rel.CachedTarget[0] = 1
		}
	}
	return reloc.Ok
}

// Apply implements §4.6's apply phase for RISC-V.
func (r *Relocator) Apply(rel *input.Relocation, ctx *reloc.ApplyContext) reloc.ApplyResult {
	if reloc.Discarded(ctx.Store, rel) {
		return r.writeSentinel(rel, ctx)
	}

	t := elf.R_RISCV(rel.Type)
	buf := rel.CachedTarget

	symAddr, defined := input.SymbolAddress(ctx.Store, rel.Symbol)
	pc := sectionAddr(ctx.Store, rel.Section) + rel.Offset

	switch t {
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX, elf.R_RISCV_ALIGN,
		elf.R_RISCV_GNU_VTINHERIT, elf.R_RISCV_GNU_VTENTRY:
		return reloc.Ok

	case elf.R_RISCV_32:
		if len(buf) < 4 {
			return reloc.BadReloc
		}
		binary.LittleEndian.PutUint32(buf, uint32(symAddr)+uint32(rel.Addend))
		return reloc.Ok

	case elf.R_RISCV_64:
		if len(buf) < 8 {
			return reloc.BadReloc
		}
		binary.LittleEndian.PutUint64(buf, symAddr+uint64(rel.Addend))
		return reloc.Ok

	case elf.R_RISCV_HI20:
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		hi, _ := splitAbs(int64(symAddr) + rel.Addend)
		patchUType(buf, hi)
		return reloc.Ok

	case elf.R_RISCV_LO12_I:
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		_, lo := splitAbs(int64(symAddr) + rel.Addend)
		patchIType(buf, lo)
		return reloc.Ok

	case elf.R_RISCV_LO12_S:
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		_, lo := splitAbs(int64(symAddr) + rel.Addend)
		patchSType(buf, lo)
		return reloc.Ok

	case elf.R_RISCV_GPREL_I, elf.R_RISCV_GPREL_S:
		// internal/relax's GP-relative sub-passes rewrite a HI20/LO12 (or
		// PCREL_HI20/PCREL_LO12) pair to these once the target is within
		// reach of __global_pointer$, dropping the HI instruction; the
		// surviving LO instruction now reads directly off gp rather than
		// off a register an AUIPC loaded.
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		disp := int32(int64(symAddr) + rel.Addend - int64(ctx.GP))
		if t == elf.R_RISCV_GPREL_I {
			patchIType(buf, disp)
		} else {
			patchSType(buf, disp)
		}
		return reloc.Ok

	case elf.R_RISCV_PCREL_HI20:
		if !defined || len(buf) < 4 {
			return reloc.BadReloc
		}
		hi, _ := splitAbs(int64(symAddr) + rel.Addend - int64(pc))
		patchUType(buf, hi)
		return reloc.Ok

	case elf.R_RISCV_GOT_HI20:
		addr := ctx.Backend.GOTAddress(rel.Symbol, reloc.GOTRegular)
		hi, _ := splitAbs(int64(addr) - int64(pc))
		patchUType(buf, hi)
		return reloc.Ok

	case elf.R_RISCV_TLS_GOT_HI20:
		addr := ctx.Backend.GOTAddress(rel.Symbol, reloc.GOTTLSIE)
		hi, _ := splitAbs(int64(addr) - int64(pc))
		patchUType(buf, hi)
		return reloc.Ok

	case elf.R_RISCV_TLS_GD_HI20:
		addr := ctx.Backend.GOTAddress(rel.Symbol, reloc.GOTTLSGD)
		hi, _ := splitAbs(int64(addr) - int64(pc))
		patchUType(buf, hi)
		return reloc.Ok

	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		hi, ok := r.pairedHi[key(rel)]
		if !ok {
			return reloc.BadReloc
		}
		lo := lowHalfOf(ctx, hi)
		if t == elf.R_RISCV_PCREL_LO12_I {
			patchIType(buf, lo)
		} else {
			patchSType(buf, lo)
		}
		return reloc.Ok

	case elf.R_RISCV_BRANCH:
		if !defined {
			return reloc.BadReloc
		}
		off := int64(symAddr) + rel.Addend - int64(pc)
		if off < -(1<<12) || off >= 1<<12 {
			return reloc.Overflow
		}
		instr := binary.LittleEndian.Uint32(buf)
		u := uint32(off)
		instr &^= 0xfe000f80
		instr |= ((u >> 11) & 1) << 7
		instr |= ((u >> 1) & 0xf) << 8
		instr |= ((u >> 5) & 0x3f) << 25
		instr |= ((u >> 12) & 1) << 31
		binary.LittleEndian.PutUint32(buf, instr)
		return reloc.Ok

	case elf.R_RISCV_JAL:
		if !defined {
			return reloc.BadReloc
		}
		off := int64(symAddr) + rel.Addend - int64(pc)
		if !patchJType(buf, int32(off)) {
			return reloc.Overflow
		}
		return reloc.Ok

	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		target := symAddr
		if needsPLT(ctx.Store, rel.Symbol) {
			target = ctx.Backend.PLTAddress(rel.Symbol)
		} else if !defined {
			return reloc.BadReloc
		}
		off := int64(target) + rel.Addend - int64(pc)
		hi, lo := splitAbs(off)
		if len(buf) < 8 {
			return reloc.BadReloc
		}
		patchUType(buf[:4], hi)    // AUIPC
		patchIType(buf[4:8], lo) // JALR
		return reloc.Ok

	case elf.R_RISCV_ADD8, elf.R_RISCV_ADD16, elf.R_RISCV_ADD32, elf.R_RISCV_ADD64,
		elf.R_RISCV_SUB8, elf.R_RISCV_SUB16, elf.R_RISCV_SUB32, elf.R_RISCV_SUB64:
		return applyAddSub(t, buf, symAddr, rel.Addend)

	case elf.R_RISCV_COPY:
		return reloc.Ok

	case elf.R_RISCV_RELATIVE, elf.R_RISCV_JUMP_SLOT, elf.R_RISCV_GLOB_DAT:
		// Emitted directly into .rela.dyn/.rela.plt by internal/dynamic;
		// never appears against a regular input section.
		return reloc.Ok

	default:
		return reloc.Unsupported
	}
}

func lowHalfOf(ctx *reloc.ApplyContext, hi *input.Relocation) int32 {
	t := elf.R_RISCV(hi.Type)
	pc := sectionAddr(ctx.Store, hi.Section) + hi.Offset
	switch t {
	case elf.R_RISCV_GOT_HI20:
		addr := ctx.Backend.GOTAddress(hi.Symbol, reloc.GOTRegular)
		_, lo := splitAbs(int64(addr) - int64(pc))
		return lo
	case elf.R_RISCV_TLS_GOT_HI20:
		addr := ctx.Backend.GOTAddress(hi.Symbol, reloc.GOTTLSIE)
		_, lo := splitAbs(int64(addr) - int64(pc))
		return lo
	case elf.R_RISCV_TLS_GD_HI20:
		addr := ctx.Backend.GOTAddress(hi.Symbol, reloc.GOTTLSGD)
		_, lo := splitAbs(int64(addr) - int64(pc))
		return lo
	default: // R_RISCV_PCREL_HI20
		symAddr, _ := input.SymbolAddress(ctx.Store, hi.Symbol)
		_, lo := splitAbs(int64(symAddr) + hi.Addend - int64(pc))
		return lo
	}
}

func sectionAddr(store *input.Store, id arena.SectionId) uint64 {
	return (*store.Section(id)).Base().Address()
}

func applyAddSub(t elf.R_RISCV, buf []byte, symAddr uint64, addend int64) reloc.ApplyResult {
	delta := int64(symAddr) + addend
	switch t {
	case elf.R_RISCV_ADD8:
		buf[0] += byte(delta)
	case elf.R_RISCV_SUB8:
		buf[0] -= byte(delta)
	case elf.R_RISCV_ADD16:
		binary.LittleEndian.PutUint16(buf, binary.LittleEndian.Uint16(buf)+uint16(delta))
	case elf.R_RISCV_SUB16:
		binary.LittleEndian.PutUint16(buf, binary.LittleEndian.Uint16(buf)-uint16(delta))
	case elf.R_RISCV_ADD32:
		binary.LittleEndian.PutUint32(buf, binary.LittleEndian.Uint32(buf)+uint32(delta))
	case elf.R_RISCV_SUB32:
		binary.LittleEndian.PutUint32(buf, binary.LittleEndian.Uint32(buf)-uint32(delta))
	case elf.R_RISCV_ADD64:
		binary.LittleEndian.PutUint64(buf, binary.LittleEndian.Uint64(buf)+uint64(delta))
	case elf.R_RISCV_SUB64:
		binary.LittleEndian.PutUint64(buf, binary.LittleEndian.Uint64(buf)-uint64(delta))
	}
	return reloc.Ok
}

// Name returns the RISC-V relocation type's mnemonic.
func (r *Relocator) Name(relType uint32) string { return elf.R_RISCV(relType).String() }

// Size returns the byte width of an absolute relocation, or -1 for one
// that patches bits within a fixed-size instruction rather than writing a
// standalone value.
func (r *Relocator) Size(relType uint32) int {
	switch elf.R_RISCV(relType) {
	case elf.R_RISCV_32, elf.R_RISCV_TLS_DTPMOD32, elf.R_RISCV_TLS_DTPREL32, elf.R_RISCV_TLS_TPREL32:
		return 4
	case elf.R_RISCV_64, elf.R_RISCV_TLS_DTPMOD64, elf.R_RISCV_TLS_DTPREL64, elf.R_RISCV_TLS_TPREL64:
		return 8
	default:
		return -1
	}
}

var _ reloc.Relocator = (*Relocator)(nil)
var _ reloc.DeferredScanner = (*Relocator)(nil)
