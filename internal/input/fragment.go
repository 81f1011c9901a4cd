package input

import "github.com/xyproto/eld/internal/arena"

// FragmentKind tags which of the sixteen Fragment variants a value holds.
type FragmentKind int

const (
	KindFillment FragmentKind = iota
	KindString
	KindRegion
	KindRegionEx
	KindTarget
	KindStub
	KindGOT
	KindOutputSectData
	KindPLT
	KindCIE
	KindFDE
	KindEhFrameHdrFrag
	KindTiming
	KindNull
	KindMergeString
	KindBuildID
)

// FragmentBase holds the fields every Fragment variant carries: its
// owning section, alignment, and the offset-assignment state machine
// described in §3 ("once set, padded_offset = align_up(unaligned_offset,
// alignment)").
type FragmentBase struct {
	Kind    FragmentKind
	Section arena.SectionId
	Align   uint64 // always >= 1

	unalignedOffset uint64
	hasOffset       bool
}

func (b *FragmentBase) Base() *FragmentBase { return b }

// SetUnalignedOffset records where the previous fragment in the section
// left off; PaddedOffset derives the aligned offset from it on read, so
// alignment changes (relaxation's ALIGN sub-pass) never leave a stale
// cached value behind.
func (b *FragmentBase) SetUnalignedOffset(v uint64) {
	b.unalignedOffset = v
	b.hasOffset = true
}

func (b *FragmentBase) HasOffset() bool { return b.hasOffset }

func (b *FragmentBase) PaddedOffset() uint64 {
	if !b.hasOffset {
		panic("input: fragment offset read before assignment")
	}
	return alignUp(b.unalignedOffset, max1(b.Align))
}

func max1(align uint64) uint64 {
	if align == 0 {
		return 1
	}
	return align
}

// Fragment is implemented by the sixteen concrete fragment kinds named
// in §3. Size reports the fragment's current logical length in bytes;
// relaxation (§4.8) mutates it in place on RegionFragmentEx via
// DeleteBytes rather than replacing the fragment.
type Fragment interface {
	Base() *FragmentBase
	Size() uint64
}

// FillmentFragment emits Length repetitions of a fill pattern (FILL(expr)
// or an output section's trailing `=fillexpr`).
type FillmentFragment struct {
	FragmentBase
	Pattern []byte
	Length  uint64
}

func (f *FillmentFragment) Size() uint64 { return f.Length }

// StringFragment holds one NUL-terminated or fixed-width string literal
// emitted verbatim (BYTE/SHORT/LONG/QUAD/SQUAD data statements lower to
// this too, with Data holding the target-endian encoding).
type StringFragment struct {
	FragmentBase
	Data []byte
}

func (f *StringFragment) Size() uint64 { return uint64(len(f.Data)) }

// RegionFragment borrows immutable bytes directly from an input section's
// mapped backing; it never participates in relaxation because it can't be
// mutated without copying.
type RegionFragment struct {
	FragmentBase
	Data []byte // slice of the owning Input's Mapping
}

func (f *RegionFragment) Size() uint64 { return uint64(len(f.Data)) }

// RegionFragmentEx owns mutable bytes copied out of the input section so
// relaxation can delete or rewrite instructions in place. It additionally
// owns the symbol list §3 calls for: every LDSymbol whose value falls
// within this fragment, kept here so DeleteBytes can fix them up without
// a reverse index into the whole symbol table.
type RegionFragmentEx struct {
	FragmentBase
	Data    []byte
	Symbols []*FragmentLocalSymbol
}

func (f *RegionFragmentEx) Size() uint64 { return uint64(len(f.Data)) }

// FragmentLocalSymbol is a symbol whose value/size is expressed relative
// to the start of the owning RegionFragmentEx, so DeleteBytes can adjust
// it directly instead of reaching back into the global symbol pool.
type FragmentLocalSymbol struct {
	Resolve arena.SymbolId
	Offset  uint64
	Size    uint64
}

// DeleteBytes implements the byte-deletion contract from §4.8 exactly:
// deleting L bytes at offset D within this fragment must shift every
// relocation/symbol reference with offset >D by -L, shrink any symbol
// range straddling D by L, and shrink the fragment's own logical size by
// L. relocs is every Relocation targeting the fragment's owning section
// (not just this fragment), because relaxation must also fix up
// relocations that target *other* fragments downstream of this one in
// the same section; their Offset fields are section-relative, so
// sectionBase (this fragment's current offset within its section)
// translates D into that same coordinate space.
func (f *RegionFragmentEx) DeleteBytes(d, l, sectionBase uint64, relocs []*Relocation) {
	if l == 0 {
		return
	}
	if d > uint64(len(f.Data)) || d+l > uint64(len(f.Data)) {
		panic("input: DeleteBytes range out of bounds")
	}
	f.Data = append(f.Data[:d], f.Data[d+l:]...)

	for _, sym := range f.Symbols {
		switch {
		case sym.Offset > d:
			sym.Offset -= l
		case sym.Offset <= d && d < sym.Offset+sym.Size:
			// D straddles [offset, offset+size): shrink the range.
			sym.Size -= l
		}
	}

	absD := sectionBase + d
	for _, r := range relocs {
		if r.Offset > absD {
			r.Offset -= l
		}
	}
}

// TargetFragment marks a location other fragments/relocations refer to
// without itself emitting bytes (e.g. a GOT entry's resolved target, used
// by the relocation applier to compute addends).
type TargetFragment struct {
	FragmentBase
}

func (f *TargetFragment) Size() uint64 { return 0 }

// StubFragment is a PLT-adjacent trampoline/veneer: Hexagon's range-
// extension islands and any target-specific call stub live here.
type StubFragment struct {
	FragmentBase
	Data []byte
}

func (f *StubFragment) Size() uint64 { return uint64(len(f.Data)) }

// GOTFragment is one .got (or .got.plt) slot; Symbol is the resolved
// symbol it's for, TLS distinguishes ordinary GOT entries from the
// two-word TLS descriptor form.
type GOTFragment struct {
	FragmentBase
	Symbol  arena.SymbolId
	TLS     bool
	EntSize uint64
}

func (f *GOTFragment) Size() uint64 { return f.EntSize }

// OutputSectDataFragment backs a rule-level Fixed data statement, or any
// other linker-synthesized content attributed directly to an output
// section rather than an input section.
type OutputSectDataFragment struct {
	FragmentBase
	Data []byte
}

func (f *OutputSectDataFragment) Size() uint64 { return uint64(len(f.Data)) }

// PLTFragment is one .plt entry: the machine code stub plus the GOT slot
// it indirects through.
type PLTFragment struct {
	FragmentBase
	Symbol  arena.SymbolId
	GOTSlot arena.FragmentId
	Data    []byte
}

func (f *PLTFragment) Size() uint64 { return uint64(len(f.Data)) }

// CIEFragment is a Common Information Entry parsed out of .eh_frame.
type CIEFragment struct {
	FragmentBase
	Data        []byte
	Personality arena.SymbolId // optional; zero if none
}

func (f *CIEFragment) Size() uint64 { return uint64(len(f.Data)) }

// FDEFragment is a Frame Description Entry; CIE names the CIEFragment it
// refers back to.
type FDEFragment struct {
	FragmentBase
	Data   []byte
	CIE    arena.FragmentId
	PCBegin arena.SymbolId // the function this FDE describes
}

func (f *FDEFragment) Size() uint64 { return uint64(len(f.Data)) }

// EhFrameHdrFragment is the synthesized binary-search table backing
// .eh_frame_hdr.
type EhFrameHdrFragment struct {
	FragmentBase
	Data []byte // filled once FDE addresses are final
}

func (f *EhFrameHdrFragment) Size() uint64 { return uint64(len(f.Data)) }

// TimingFragment is a zero-size marker fragment used to stamp timestamps
// between layout phases for profiling; it never emits bytes.
type TimingFragment struct {
	FragmentBase
	Label string
}

func (f *TimingFragment) Size() uint64 { return 0 }

// NullFragment is a zero-size placeholder, e.g. for a discarded section
// that still needs a fragment list entry to keep indices stable.
type NullFragment struct {
	FragmentBase
}

func (f *NullFragment) Size() uint64 { return 0 }

// MergeStringFragment is one deduplicated string from an SHF_MERGE|
// SHF_STRINGS section; Content is the canonical (post-merge) bytes and
// Refs lists every input occurrence that was folded into it.
type MergeStringFragment struct {
	FragmentBase
	Content []byte
	Refs    int
}

func (f *MergeStringFragment) Size() uint64 { return uint64(len(f.Content)) }

// BuildIDFragment backs .note.gnu.build-id; HashLen is the note's digest
// length (§4.10: 8/16/20/16/hex-string-length depending on mode). Its
// bytes are filled in during build-ID finalization, after everything else
// has a final address.
type BuildIDFragment struct {
	FragmentBase
	HashLen int
	Digest  []byte
}

func (f *BuildIDFragment) Size() uint64 {
	// 16-byte ELF note header (namesz, descsz, type, "GNU\0") + digest.
	return 16 + uint64(f.HashLen)
}
