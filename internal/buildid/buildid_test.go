package buildid_test

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/buildid"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/worker"
)

// assignOffsets gives every fragment in secID a packed file offset
// starting at base, standing in for internal/layout.SectionMap's real
// AssignAddresses pass the way internal/dynamic's own tests do.
func assignOffsets(store *input.Store, secID arena.SectionId, base uint64) {
	sb := (*store.Section(secID)).Base()
	sb.SetOffset(base)
	off := base
	for _, fragID := range sb.Fragments {
		frag := *store.Fragment(fragID)
		frag.Base().SetUnalignedOffset(off - base)
		off += frag.Size()
	}
}

func newBuilder(t *testing.T, mode config.BuildIDMode, hex string) (*buildid.Builder, *input.Store) {
	t.Helper()
	store := input.NewStore()
	opts := config.Default()
	opts.BuildID = mode
	opts.BuildIDHex = hex
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	return &buildid.Builder{Store: store, SM: sm, Opts: opts, Diag: diag.New(nil)}, store
}

func TestHashSizePerMode(t *testing.T) {
	cases := []struct {
		mode config.BuildIDMode
		hex  string
		want int
	}{
		{config.BuildIDNone, "", 0},
		{config.BuildIDFast, "", 8},
		{config.BuildIDMD5, "", 16},
		{config.BuildIDSHA1, "", 20},
		{config.BuildIDUUID, "", 16},
		{config.BuildIDHex, "deadbeef", 4},
	}
	for _, c := range cases {
		if got := buildid.HashSize(c.mode, c.hex); got != c.want {
			t.Errorf("HashSize(%v, %q) = %d, want %d", c.mode, c.hex, got, c.want)
		}
	}
}

func TestReserveRejectsMalformedHex(t *testing.T) {
	b, _ := newBuilder(t, config.BuildIDHex, "not-hex")
	if _, _, err := b.Reserve(); err == nil {
		t.Fatal("expected an error for a non-hex --build-id=0x value")
	}
}

func TestReserveNoneYieldsNothing(t *testing.T) {
	b, _ := newBuilder(t, config.BuildIDNone, "")
	frag, fragID, err := b.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if frag != nil || fragID != 0 {
		t.Fatal("expected no fragment for --build-id=none")
	}
}

// buildImage lays out a fake .text section followed by the build-id note
// inside one contiguous byte buffer, the way a finished output file would
// look right before build-id finalization.
func buildImage(t *testing.T, b *buildid.Builder, store *input.Store, frag *input.BuildIDFragment, fragID arena.FragmentId) []byte {
	t.Helper()
	textSec := store.AddSection(input.NewELFSection(".text", 0, 0))
	textData := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: textSec, Align: 4}, Data: []byte("some finished machine code")}
	textFragID := store.AddFragment(textData)
	(*store.Section(textSec)).Base().Fragments = append((*store.Section(textSec)).Base().Fragments, textFragID)
	assignOffsets(store, textSec, 0)

	noteSec := (*store.Fragment(fragID)).Base().Section
	assignOffsets(store, noteSec, uint64(len(textData.Data)))

	total := input.FragmentFileOffset(store, fragID) + frag.Size()
	image := make([]byte, total)
	copy(image, textData.Data)
	return image
}

func TestFinalizeFastModeIsSelfConsistent(t *testing.T) {
	b, store := newBuilder(t, config.BuildIDFast, "")
	frag, fragID, err := b.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	image := buildImage(t, b, store, frag, fragID)

	pool := worker.New(2)
	if err := b.Finalize(pool, frag, fragID, image); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(frag.Digest) != 8 {
		t.Fatalf("digest length = %d, want 8", len(frag.Digest))
	}

	fileOff := input.FragmentFileOffset(store, fragID)
	descsz := binary.LittleEndian.Uint32(image[fileOff+4 : fileOff+8])
	if descsz != 8 {
		t.Fatalf("descsz = %d, want 8", descsz)
	}
	if string(image[fileOff+12:fileOff+16]) != "GNU\x00" {
		t.Fatalf("name field = %q, want GNU\\0", image[fileOff+12:fileOff+16])
	}
	written := append([]byte(nil), image[fileOff+16:fileOff+16+8]...)

	// Self-consistency: re-hashing the same image with the digest region
	// re-zeroed must reproduce the same build-id (spec's build-id
	// self-consistency testable property).
	zeroed := append([]byte(nil), image...)
	for i := fileOff + 16; i < fileOff+16+8; i++ {
		zeroed[i] = 0
	}
	if err := b.Finalize(pool, frag, fragID, zeroed); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if string(frag.Digest) != string(written) {
		t.Fatal("build-id changed when recomputed from the same zeroed image")
	}
}

func TestFinalizeHexModeWritesFixedDigest(t *testing.T) {
	b, store := newBuilder(t, config.BuildIDHex, "cafebabe")
	frag, fragID, err := b.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	image := buildImage(t, b, store, frag, fragID)

	if err := b.Finalize(worker.New(1), frag, fragID, image); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	fileOff := input.FragmentFileOffset(store, fragID)
	got := image[fileOff+16 : fileOff+16+4]
	want := []byte{0xca, 0xfe, 0xba, 0xbe}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("digest byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestFinalizeUUIDProducesFullLengthDigest(t *testing.T) {
	b, store := newBuilder(t, config.BuildIDUUID, "")
	frag, fragID, err := b.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	image := buildImage(t, b, store, frag, fragID)

	if err := b.Finalize(worker.New(1), frag, fragID, image); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(frag.Digest) != 16 {
		t.Fatalf("uuid digest length = %d, want 16", len(frag.Digest))
	}
}
