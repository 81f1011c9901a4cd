package input

import "github.com/xyproto/eld/internal/arena"

// Relocation is one entry from a REL/RELA section, kept attached to the
// section it targets rather than the section it was read from (SHT_RELA
// sections describe relocations against a different, "target", section).
//
// Offset is mutable: relaxation's byte deletion (§4.8) shifts it, and the
// invariant in §3 ("target offset < owning section size") must still
// hold after every deletion.
type Relocation struct {
	Section arena.SectionId // the section this relocation applies to
	Offset  uint64

	Type   uint32 // target-specific relocation number (e.g. elf.R_RISCV_CALL)
	Symbol arena.SymbolId
	Addend int64

	// CachedTarget is the target-section bytes this relocation reads/
	// patches, sliced from the owning RegionFragmentEx/RegionFragment so
	// the applier doesn't have to re-locate them through the section's
	// fragment list on every pass.
	CachedTarget []byte
}
