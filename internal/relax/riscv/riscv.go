// Package riscv implements relax.Target for the RISC-V sub-passes §4.8
// names in order: CALL/CALL_PLT shrink to JAL, GP-relative rewrite of
// PC-relative references, GP-relative rewrite of absolute references, and
// ALIGN padding shrink. Each sub-pass mutates input.RegionFragmentEx
// bytes in place via DeleteBytes, the same byte-deletion contract
// internal/input already implements and tests independently of this
// package.
package riscv

import (
	"debug/elf"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/relax"
)

// Target groups the four ordered RISC-V sub-passes. Passes always returns
// all four; each sub-pass checks the session's options (--relax,
// --riscv-relax, --riscv-gprelax) itself and reports no change when it
// is disabled.
type Target struct{}

func New() relax.Target { return Target{} }

func (Target) Passes() []relax.Pass {
	return []relax.Pass{
		callShrinkPass{},
		gpRelPass{pcrel: true},
		gpRelPass{pcrel: false},
		alignPass{},
	}
}

// sectionAddr returns a section's assigned base address; every sub-pass
// needs it to turn a relocation's section-relative Offset into a PC.
func sectionAddr(store *input.Store, id arena.SectionId) uint64 {
	return (*store.Section(id)).Base().Address()
}

// findFragment locates the RegionFragmentEx a section-relative offset
// falls within, returning the fragment id and the offset's position
// relative to that fragment's own start. Only RegionFragmentEx fragments
// are mutable by relaxation; a relocation landing in any other kind is
// never something relaxation shrinks.
func findFragment(store *input.Store, secID arena.SectionId, absOffset uint64) (arena.FragmentId, uint64, *input.RegionFragmentEx, bool) {
	sb := (*store.Section(secID)).Base()
	for _, fragID := range sb.Fragments {
		frag := *store.Fragment(fragID)
		fb := frag.Base()
		start := fb.PaddedOffset()
		end := start + frag.Size()
		if absOffset >= start && absOffset < end {
			rx, ok := frag.(*input.RegionFragmentEx)
			if !ok {
				return 0, 0, nil, false
			}
			return fragID, absOffset - start, rx, true
		}
	}
	return 0, 0, nil, false
}

// sectionRelocs collects every relocation currently targeting sec, the
// slice DeleteBytes needs to shift offsets downstream of a deletion.
func sectionRelocs(store *input.Store, sec arena.SectionId) []*input.Relocation {
	var out []*input.Relocation
	store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		if r.Section == sec {
			out = append(out, r)
		}
		return true
	})
	return out
}

// hasRelax reports whether a R_RISCV_RELAX relocation sits at the same
// (section, offset) as rel, the psABI's "the linker may relax this"
// marker every shrinkable relocation is paired with.
func hasRelax(store *input.Store, rel *input.Relocation) bool {
	return findRelax(store, rel) != nil
}

// findRelax returns the R_RISCV_RELAX relocation paired with rel at the
// same (section, offset), if any, so a sub-pass that actually shrinks
// rel's instruction can neutralize the marker instead of leaving it
// live at an offset that no longer addresses what it used to.
func findRelax(store *input.Store, rel *input.Relocation) *input.Relocation {
	var found *input.Relocation
	store.Relocations.All(func(_ arena.Id, r *input.Relocation) bool {
		if r.Section == rel.Section && r.Offset == rel.Offset && elf.R_RISCV(r.Type) == elf.R_RISCV_RELAX {
			found = r
			return false
		}
		return true
	})
	return found
}

func encodeJType(rd uint32, imm int32) (uint32, bool) {
	if imm < -(1<<20) || imm >= 1<<20 || imm&1 != 0 {
		return 0, false
	}
	u := uint32(imm)
	instr := uint32(0x6f) | (rd << 7)
	instr |= ((u >> 20) & 1) << 31
	instr |= ((u >> 1) & 0x3ff) << 21
	instr |= ((u >> 11) & 1) << 20
	instr |= ((u >> 12) & 0xff) << 12
	return instr, true
}
