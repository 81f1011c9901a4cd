package input

import (
	"debug/elf"

	"github.com/xyproto/eld/internal/arena"
)

// SectionKind tags which of the five Section variants a value holds.
type SectionKind int

const (
	KindELFSection SectionKind = iota
	KindCommonELFSection
	KindEhFrameSection
	KindEhFrameHdrSection
	KindARMEXIDXSection
)

// SectionBase holds the fields shared by every Section variant: the
// immutable identity fields read from the input object, and the mutable
// fields layout fills in later (§3's "Immutable identity" / "Mutable"
// split). debug/elf supplies the flag/type vocabulary directly, the same
// way the reference object-file reader this package is grounded on does.
type SectionBase struct {
	Kind SectionKind

	Name      string
	Flags     elf.SectionFlag
	Type      elf.SectionType
	EntSize   uint64
	OrigAlign uint64
	OrigIndex int

	offset     uint64
	hasOffset  bool
	address    uint64
	hasAddress bool

	OutputSection arena.OutputSectionId
	Rule          arena.RuleId
	Ignored       bool // garbage-collected by --gc-sections
	Discarded     bool

	Fragments []arena.FragmentId
}

func (b *SectionBase) Base() *SectionBase { return b }

// Offset returns the assigned file offset. It panics if layout hasn't run
// yet; callers that need to test first should use HasOffset.
func (b *SectionBase) Offset() uint64 {
	if !b.hasOffset {
		panic("input: section offset read before assignment")
	}
	return b.offset
}

func (b *SectionBase) HasOffset() bool { return b.hasOffset }

func (b *SectionBase) SetOffset(v uint64) {
	b.offset = v
	b.hasOffset = true
}

func (b *SectionBase) Address() uint64 {
	if !b.hasAddress {
		panic("input: section address read before assignment")
	}
	return b.address
}

func (b *SectionBase) HasAddress() bool { return b.hasAddress }

func (b *SectionBase) SetAddress(v uint64) {
	b.address = v
	b.hasAddress = true
}

// Size sums fragment sizes plus inter-fragment padding; §3's invariant
// requires this never to exceed whatever a MemoryRegion accounting pass
// later budgets for the section.
func (b *SectionBase) Size(fragments *arena.Arena[Fragment]) uint64 {
	var total uint64
	for _, id := range b.Fragments {
		f := *fragments.Get(id)
		base := f.Base()
		total = alignUp(total, base.Align) + f.Size()
	}
	return total
}

// Section is implemented by the five concrete section kinds named in §3.
type Section interface {
	Base() *SectionBase
}

// ELFSection is a plain SHF_ALLOC-or-not ELF section carrying ordinary
// fragments.
type ELFSection struct {
	SectionBase
}

func NewELFSection(name string, flags elf.SectionFlag, typ elf.SectionType) *ELFSection {
	return &ELFSection{SectionBase{Kind: KindELFSection, Name: name, Flags: flags, Type: typ, OrigAlign: 1}}
}

// CommonELFSection accumulates common symbols pending allocation;
// AllocPolicy decides whether they land in one .bss or a target-specific
// split (§4.5's pre-layout common allocation).
type CommonELFSection struct {
	SectionBase
	AllocPolicy CommonAllocPolicy
}

func NewCommonELFSection(policy CommonAllocPolicy) *CommonELFSection {
	return &CommonELFSection{
		SectionBase: SectionBase{Kind: KindCommonELFSection, Name: "COMMON", Type: elf.SHT_NOBITS, OrigAlign: 1},
		AllocPolicy: policy,
	}
}

// EhFrameSection holds CIE/FDE fragments parsed from a .eh_frame input
// section; CIEIndex lets the .eh_frame_hdr synthesizer find the CIE a
// given FDE points at without re-parsing the section.
type EhFrameSection struct {
	SectionBase
	CIEIndex map[uint64]arena.FragmentId // CIE's offset within this section -> fragment
}

func NewEhFrameSection() *EhFrameSection {
	return &EhFrameSection{
		SectionBase: SectionBase{Kind: KindEhFrameSection, Name: ".eh_frame", Flags: elf.SHF_ALLOC, Type: elf.SHT_PROGBITS, OrigAlign: 8},
		CIEIndex:    make(map[uint64]arena.FragmentId),
	}
}

// EhFrameHdrSection is the synthesized .eh_frame_hdr: a sorted
// PC-range-to-FDE binary search table built once .eh_frame layout is
// final.
type EhFrameHdrSection struct {
	SectionBase
	EhFrame arena.SectionId // the .eh_frame this header indexes
}

func NewEhFrameHdrSection(ehFrame arena.SectionId) *EhFrameHdrSection {
	return &EhFrameHdrSection{
		SectionBase: SectionBase{Kind: KindEhFrameHdrSection, Name: ".eh_frame_hdr", Flags: elf.SHF_ALLOC, Type: elf.SHT_PROGBITS, OrigAlign: 4},
		EhFrame:      ehFrame,
	}
}

// ARMEXIDXSection is a .ARM.exidx unwind-index table; Linked names the
// executable section it indexes, mirroring the sh_link relationship ELF
// itself uses between the two.
type ARMEXIDXSection struct {
	SectionBase
	Linked arena.SectionId
}

func NewARMEXIDXSection(linked arena.SectionId) *ARMEXIDXSection {
	return &ARMEXIDXSection{
		SectionBase: SectionBase{Kind: KindARMEXIDXSection, Name: ".ARM.exidx", Flags: elf.SHF_ALLOC | elf.SHF_LINK_ORDER, Type: elf.SectionType(0x70000001), OrigAlign: 4},
		Linked:      linked,
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
