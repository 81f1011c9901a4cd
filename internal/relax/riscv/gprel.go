package riscv

import (
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/relax"
)

// gpRelPass implements §4.8's second and third RISC-V sub-passes: a
// HI20/LO12 pair whose target falls within ±2KiB of __global_pointer$
// can address it off gp directly, dropping the HI instruction entirely.
// pcrel selects which HI/LO relocation family this instance of the pass
// handles: the PC-relative one (R_RISCV_PCREL_HI20/LO12_{I,S}, sub-pass
// 2) or the absolute one (R_RISCV_HI20/LO12_{I,S}, sub-pass 3). The two
// run as separate ordered Pass values because §4.8 names them as
// separate ordered sub-passes, even though the rewrite they perform is
// the same shape.
type gpRelPass struct {
	pcrel bool
}

func (p gpRelPass) Name() string {
	if p.pcrel {
		return "riscv-pcrel-to-gp"
	}
	return "riscv-abs-to-gp"
}

const gpRegister = 3 // x3, the gp ABI register every GPREL_I/S reference reads off

func (p gpRelPass) Run(ctx *relax.Context) (bool, error) {
	if !ctx.Opts.Relax || !ctx.Opts.RISCVGPRelax || !ctx.HasGP {
		return false, nil
	}

	hiType, loIType, loSType := elf.R_RISCV_HI20, elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S
	if p.pcrel {
		hiType, loIType, loSType = elf.R_RISCV_PCREL_HI20, elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S
	}

	his := map[relKey]*input.Relocation{}
	var los []*input.Relocation
	ctx.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		t := elf.R_RISCV(r.Type)
		switch {
		case t == hiType:
			his[relKey{r.Section, r.Offset}] = r
		case t == loIType || t == loSType:
			los = append(los, r)
		}
		return true
	})

	changed := false
	for _, lo := range los {
		ri := ctx.Store.Symbol(lo.Symbol)
		if !ri.Fragment.Valid() {
			continue
		}
		anchorFrag := *ctx.Store.Fragment(ri.Fragment)
		anchor := relKey{anchorFrag.Base().Section, ri.Offset}
		hi, ok := his[anchor]
		if !ok {
			continue
		}
		if rewriteOneGPRel(ctx, hi, lo, elf.R_RISCV(lo.Type) == loSType) {
			changed = true
			delete(his, anchor) // HI is gone; don't try to delete it twice for a second LO sharing it
		}
	}
	return changed, nil
}

type relKey struct {
	section arena.SectionId
	offset  uint64
}

func rewriteOneGPRel(ctx *relax.Context, hi, lo *input.Relocation, isStore bool) bool {
	symAddr, ok := input.SymbolAddress(ctx.Store, hi.Symbol)
	if !ok {
		return false
	}
	// GPREL addressing is absolute (gp + disp), never PC-relative, so
	// both the pcrel and the absolute HI/LO families rewrite to the same
	// target expression regardless of which one hi came from.
	target := int64(symAddr) + hi.Addend
	disp := target - int64(ctx.GP)
	if disp < -2048 || disp > 2047 {
		return false
	}

	loFragID, loLocal, loRX, ok := findFragment(ctx.Store, lo.Section, lo.Offset)
	if !ok || loLocal+4 > loRX.Size() {
		return false
	}
	buf := loRX.Data[loLocal : loLocal+4]
	instr := binary.LittleEndian.Uint32(buf)
	instr = (instr &^ (0x1f << 15)) | (gpRegister << 15)
	binary.LittleEndian.PutUint32(buf, instr)
	_ = loFragID

	hiFragID, hiLocal, hiRX, ok := findFragment(ctx.Store, hi.Section, hi.Offset)
	if !ok || hiLocal+4 > hiRX.Size() {
		return false
	}
	fragStart := hi.Offset - hiLocal
	relocs := sectionRelocs(ctx.Store, hi.Section)
	hiRX.DeleteBytes(hiLocal, 4, fragStart, relocs)
	_ = hiFragID

	// DeleteBytes only shifts relocations sitting downstream of the
	// deleted range; hi itself sits exactly at the deleted instruction's
	// offset, so it survives live and would otherwise have Apply patch a
	// U-type immediate into whatever instruction shifted up to take its
	// place. Neutralize it along with the instruction it used to address.
	hi.Type = uint32(elf.R_RISCV_NONE)

	lo.Symbol = hi.Symbol
	lo.Addend = hi.Addend
	if isStore {
		lo.Type = uint32(elf.R_RISCV_GPREL_S)
	} else {
		lo.Type = uint32(elf.R_RISCV_GPREL_I)
	}
	return true
}
