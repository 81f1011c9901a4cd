package input

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xyproto/eld/internal/arena"
)

func TestSectionOffsetPanicsBeforeAssignment(t *testing.T) {
	s := NewELFSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, elf.SHT_PROGBITS)
	require.False(t, s.HasOffset())
	require.Panics(t, func() { s.Offset() })
}

func TestSectionOffsetRoundTrips(t *testing.T) {
	s := NewELFSection(".text", elf.SHF_ALLOC, elf.SHT_PROGBITS)
	s.SetOffset(0x1000)
	require.True(t, s.HasOffset())
	require.EqualValues(t, 0x1000, s.Offset())
}

func TestSectionSizeSumsAlignedFragments(t *testing.T) {
	fragments := arena.New[Fragment]()
	id1 := arena.FragmentId(fragments.Alloc(Fragment(&RegionFragment{
		FragmentBase: FragmentBase{Align: 1},
		Data:         make([]byte, 3),
	})))
	id2 := arena.FragmentId(fragments.Alloc(Fragment(&RegionFragment{
		FragmentBase: FragmentBase{Align: 4},
		Data:         make([]byte, 5),
	})))

	sec := NewELFSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, elf.SHT_PROGBITS)
	sec.Fragments = []arena.FragmentId{id1, id2}

	// First fragment: 3 bytes at offset 0. Second fragment aligns up to 4,
	// then adds 5 bytes -> total 9.
	require.EqualValues(t, 9, sec.Size(fragments))
}

func TestCommonELFSectionDefaultsToCommonName(t *testing.T) {
	sec := NewCommonELFSection(CommonAllocSingleBSS)
	require.Equal(t, "COMMON", sec.Name)
	require.Equal(t, elf.SHT_NOBITS, sec.Type)
}

func TestEhFrameHdrLinksToEhFrame(t *testing.T) {
	sections := arena.New[Section]()
	ehFrameID := arena.SectionId(sections.Alloc(Section(NewEhFrameSection())))

	hdr := NewEhFrameHdrSection(ehFrameID)
	require.Equal(t, ehFrameID, hdr.EhFrame)
}
