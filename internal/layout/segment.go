package layout

import (
	"debug/elf"

	"github.com/xyproto/eld/internal/arena"
)

// Segment is one ELF program header (§3's "Segment (Phdr)"): a type, flag
// set, alignment, and the ordered list of output sections it spans. The
// eight non-LOAD standard reserved segments (PHDR, INTERP, NOTE, DYNAMIC,
// TLS, GNU_EH_FRAME, GNU_STACK, GNU_RELRO) are built by NewStandardSegments
// and a PT_LOAD segment by NewLoadSegment; PHDRS-script-declared segments
// are built directly from script.PhdrDecl.
type Segment struct {
	Name  string // the PHDRS-declared name, or a synthetic one for standard segments
	Type  elf.ProgType
	Flags elf.ProgFlag
	Align uint64

	Sections []arena.OutputSectionId

	VAddr, PAddr       uint64
	FileOffset         uint64
	FileSize, MemSize  uint64
	HasAddr            bool

	Filehdr bool // PHDRS FILEHDR: the ELF header is mapped as part of this segment
	IncludesPhdrs bool // PHDRS PHDRS: the program header table is mapped as part of this segment
}

// AddSection appends an output section to the segment's span, in the
// order output sections are assigned to it (SectionMap.AssignSegments
// adds them from each output section's ':phdr' epilogue list).
func (s *Segment) AddSection(id arena.OutputSectionId) {
	s.Sections = append(s.Sections, id)
}

// NewStandardSegments returns the skeleton of reserved segments every
// linked ELF executable/shared object carries absent an explicit PHDRS
// script command: PT_PHDR, PT_INTERP (only populated when dynamic),
// PT_NOTE, PT_DYNAMIC, PT_TLS, PT_GNU_EH_FRAME, PT_GNU_STACK, PT_GNU_RELRO.
// LOAD segments are not included here. The link does not use these
// segments: no phase calls NewStandardSegments, and output sections are
// added only to PHDRS-declared segments.
func NewStandardSegments() map[string]*Segment {
	return map[string]*Segment{
		"PHDR":         {Name: "PHDR", Type: elf.PT_PHDR, Flags: elf.PF_R, Align: 8},
		"INTERP":       {Name: "INTERP", Type: elf.PT_INTERP, Flags: elf.PF_R, Align: 1},
		"NOTE":         {Name: "NOTE", Type: elf.PT_NOTE, Flags: elf.PF_R, Align: 4},
		"DYNAMIC":      {Name: "DYNAMIC", Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Align: 8},
		"TLS":          {Name: "TLS", Type: elf.PT_TLS, Flags: elf.PF_R, Align: 8},
		"GNU_EH_FRAME": {Name: "GNU_EH_FRAME", Type: elf.PT_GNU_EH_FRAME, Flags: elf.PF_R, Align: 4},
		"GNU_STACK":    {Name: "GNU_STACK", Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W, Align: 16},
		"GNU_RELRO":    {Name: "GNU_RELRO", Type: elf.PT_GNU_RELRO, Flags: elf.PF_R, Align: 1},
	}
}

// NewLoadSegment starts a fresh PT_LOAD segment carrying the given
// permission flags, aligned to maxPageSize. The address-assignment pass
// does not call it and does not split output sections into LOAD segments.
func NewLoadSegment(flags elf.ProgFlag, maxPageSize uint64) *Segment {
	return &Segment{Type: elf.PT_LOAD, Flags: flags, Align: maxPageSize}
}
