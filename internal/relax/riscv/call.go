package riscv

import (
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/relax"
)

// callShrinkPass implements §4.8's first RISC-V sub-pass: an
// R_RISCV_CALL/CALL_PLT relocation paired with R_RISCV_RELAX at the same
// offset addresses an 8-byte auipc+jalr pair. When the call target is
// reachable with a single JAL's 21-bit signed reach, the pair shrinks to
// one 4-byte jal and the trailing 4 bytes are deleted.
//
// Only a direct, already-resolved reference is considered: a call that
// needs PLT indirection is left alone, since its final target (the PLT
// stub's own address) isn't something this pass has a backend handle to
// ask for.
type callShrinkPass struct{}

func (callShrinkPass) Name() string { return "riscv-call-shrink" }

func (callShrinkPass) Run(ctx *relax.Context) (bool, error) {
	if !ctx.Opts.Relax || !ctx.Opts.RISCVRelax {
		return false, nil
	}
	changed := false

	var calls []*input.Relocation
	ctx.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		t := elf.R_RISCV(r.Type)
		if t == elf.R_RISCV_CALL || t == elf.R_RISCV_CALL_PLT {
			calls = append(calls, r)
		}
		return true
	})

	for _, rel := range calls {
		if !hasRelax(ctx.Store, rel) {
			continue
		}
		if shrinkOneCall(ctx, rel) {
			changed = true
		}
	}
	return changed, nil
}

func shrinkOneCall(ctx *relax.Context, rel *input.Relocation) bool {
	ri := ctx.Store.Symbol(rel.Symbol)
	if ri.Desc != input.DescDefined {
		return false // undefined/weak-unresolved: needs PLT or fails at apply, not this pass's business
	}
	if ri.Origin.Valid() && ctx.Store.Input(ri.Origin).File.Base().Kind == input.KindDynamicObject {
		return false // resolves into a DSO: goes through a PLT stub instead
	}

	fragID, localOff, rx, ok := findFragment(ctx.Store, rel.Section, rel.Offset)
	if !ok || localOff+8 > rx.Size() {
		return false
	}

	jalrBuf := rx.Data[localOff+4 : localOff+8]
	rd := (binary.LittleEndian.Uint32(jalrBuf) >> 7) & 0x1f

	symAddr, ok := input.SymbolAddress(ctx.Store, rel.Symbol)
	if !ok {
		return false
	}
	pc := sectionAddr(ctx.Store, rel.Section) + rel.Offset
	off := int64(symAddr) + rel.Addend - int64(pc)

	instr, ok := encodeJType(rd, int32(off))
	if !ok {
		return false // out of JAL's reach: leave the auipc+jalr pair as-is
	}

	binary.LittleEndian.PutUint32(rx.Data[localOff:localOff+4], instr)

	// The instruction at rel.Offset is now a jal, not an auipc: retype the
	// relocation so Apply patches a J-type immediate instead of re-emitting
	// the auipc+jalr pair this pass just collapsed. The paired RELAX marker
	// is neutralized rather than left live at the same offset, where it
	// would otherwise claim the linker may still relax an instruction that
	// no longer exists.
	rel.Type = uint32(elf.R_RISCV_JAL)
	if marker := findRelax(ctx.Store, rel); marker != nil {
		marker.Type = uint32(elf.R_RISCV_NONE)
	}

	fragStart := rel.Offset - localOff
	relocs := sectionRelocs(ctx.Store, rel.Section)
	rx.DeleteBytes(localOff+4, 4, fragStart, relocs)
	_ = fragID
	return true
}
