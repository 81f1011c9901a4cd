package input

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionFragmentExSize(t *testing.T) {
	f := &RegionFragmentEx{Data: []byte{1, 2, 3, 4}}
	require.EqualValues(t, 4, f.Size())
}

func TestDeleteBytesShiftsRelocationsPastD(t *testing.T) {
	f := &RegionFragmentEx{Data: make([]byte, 16)}
	relocs := []*Relocation{
		{Offset: 2},  // before D, untouched
		{Offset: 4},  // == D, untouched (contract is "offset > D")
		{Offset: 8},  // after D, shifted
		{Offset: 15}, // after D, shifted
	}

	f.DeleteBytes(4, 4, 0, relocs)

	require.Equal(t, 12, len(f.Data))
	require.EqualValues(t, 2, relocs[0].Offset)
	require.EqualValues(t, 4, relocs[1].Offset)
	require.EqualValues(t, 4, relocs[2].Offset)
	require.EqualValues(t, 11, relocs[3].Offset)
}

func TestDeleteBytesShiftsSymbolsPastD(t *testing.T) {
	f := &RegionFragmentEx{
		Data: make([]byte, 20),
		Symbols: []*FragmentLocalSymbol{
			{Offset: 10, Size: 4}, // entirely after D, shifted
			{Offset: 2, Size: 2},  // entirely before D, untouched
		},
	}

	f.DeleteBytes(4, 4, 0, nil)

	require.EqualValues(t, 6, f.Symbols[0].Offset)
	require.EqualValues(t, 4, f.Symbols[0].Size)
	require.EqualValues(t, 2, f.Symbols[1].Offset)
	require.EqualValues(t, 2, f.Symbols[1].Size)
}

func TestDeleteBytesShrinksStraddlingSymbol(t *testing.T) {
	// Symbol spans [2, 10): D=4 falls inside it, so its size shrinks by L
	// but its offset (which is <= D) is untouched.
	f := &RegionFragmentEx{
		Data: make([]byte, 20),
		Symbols: []*FragmentLocalSymbol{
			{Offset: 2, Size: 8},
		},
	}

	f.DeleteBytes(4, 3, 0, nil)

	require.EqualValues(t, 2, f.Symbols[0].Offset)
	require.EqualValues(t, 5, f.Symbols[0].Size)
}

func TestDeleteBytesTranslatesSectionBase(t *testing.T) {
	f := &RegionFragmentEx{Data: make([]byte, 10)}
	relocs := []*Relocation{{Offset: 105}}

	// Fragment sits at offset 100 within its section; deleting local
	// offset 4 means the absolute cut point is 104.
	f.DeleteBytes(4, 2, 100, relocs)

	require.EqualValues(t, 103, relocs[0].Offset)
}

func TestDeleteBytesNoopWhenLengthZero(t *testing.T) {
	f := &RegionFragmentEx{Data: []byte{1, 2, 3}}
	relocs := []*Relocation{{Offset: 1}}

	f.DeleteBytes(1, 0, 0, relocs)

	require.Equal(t, 3, len(f.Data))
	require.EqualValues(t, 1, relocs[0].Offset)
}

func TestDeleteBytesPanicsOutOfRange(t *testing.T) {
	f := &RegionFragmentEx{Data: []byte{1, 2, 3}}
	require.Panics(t, func() {
		f.DeleteBytes(2, 5, 0, nil)
	})
}

func TestFragmentBasePaddedOffset(t *testing.T) {
	b := &FragmentBase{Align: 8}
	b.SetUnalignedOffset(3)
	require.EqualValues(t, 8, b.PaddedOffset())
}

func TestFragmentBasePaddedOffsetPanicsBeforeAssignment(t *testing.T) {
	b := &FragmentBase{Align: 8}
	require.Panics(t, func() {
		b.PaddedOffset()
	})
}

func TestFillmentFragmentSize(t *testing.T) {
	f := &FillmentFragment{Pattern: []byte{0x90}, Length: 12}
	require.EqualValues(t, 12, f.Size())
}

func TestBuildIDFragmentSizeIncludesNoteHeader(t *testing.T) {
	f := &BuildIDFragment{HashLen: 20}
	require.EqualValues(t, 36, f.Size())
}
