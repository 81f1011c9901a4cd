package riscv

import (
	"debug/elf"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/relax"
)

// alignPass implements §4.8's fourth RISC-V sub-pass: an R_RISCV_ALIGN
// relocation marks a run of filler NOPs an assembler emitted to satisfy
// an alignment directive without yet knowing how many earlier
// instructions the linker would go on to shrink. This pass reads the
// relocation's addend as the alignment the padding serves, and the
// padding fragment's current size as the padding reserved; once earlier
// sub-passes have shrunk everything upstream, the current address may
// need less padding than that, and the slack can be deleted.
type alignPass struct{}

func (alignPass) Name() string { return "riscv-align-shrink" }

func (alignPass) Run(ctx *relax.Context) (bool, error) {
	if !ctx.Opts.Relax || !ctx.Opts.RISCVRelax {
		return false, nil
	}
	changed := false
	ctx.Store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		if elf.R_RISCV(r.Type) == elf.R_RISCV_ALIGN {
			if shrinkOneAlign(ctx, r) {
				changed = true
			}
		}
		return true
	})
	return changed, nil
}

func shrinkOneAlign(ctx *relax.Context, rel *input.Relocation) bool {
	align := uint64(rel.Addend)
	if align < 2 {
		return false
	}
	fragID, localOff, rx, ok := findFragment(ctx.Store, rel.Section, rel.Offset)
	if !ok || localOff != 0 {
		return false // ALIGN's padding is expected to be its own whole fragment
	}

	pc := sectionAddr(ctx.Store, rel.Section) + rel.Offset
	needed := alignUp(pc, align) - pc
	current := rx.Size()
	if needed >= current {
		return false
	}

	relocs := sectionRelocs(ctx.Store, rel.Section)
	rx.DeleteBytes(needed, current-needed, rel.Offset, relocs)
	_ = fragID
	return true
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
