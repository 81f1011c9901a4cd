package session_test

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/buildid"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/match"
	"github.com/xyproto/eld/internal/reloc/hexagon"
	riscvrelax "github.com/xyproto/eld/internal/relax/riscv"
	"github.com/xyproto/eld/internal/script"
	"github.com/xyproto/eld/internal/session"
	"github.com/xyproto/eld/internal/symres"
)

func newTestSession(t *testing.T, opts *config.Options) *session.Session {
	t.Helper()
	if opts == nil {
		opts = config.Default()
	}
	return session.New(opts, diag.New(nil))
}

// mkSection registers an ELF section named name holding one fragment of
// size bytes, returning both ids.
func mkSection(store *input.Store, name string, align, size uint64) (arena.SectionId, arena.FragmentId) {
	sec := input.NewELFSection(name, elf.SHF_ALLOC|elf.SHF_EXECINSTR, elf.SHT_PROGBITS)
	sec.OrigAlign = align
	secID := store.AddSection(sec)
	frag := &input.RegionFragmentEx{
		FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: secID, Align: align},
		Data:         make([]byte, size),
	}
	fragID := store.AddFragment(frag)
	sec.Fragments = append(sec.Fragments, fragID)
	return secID, fragID
}

// Scenario 1: a script fixing the location counter before its only output
// section must place that section's backing ELFSection at exactly the
// scripted address.
func TestMinimalLayoutPlacesOutputSectionAtScriptAddress(t *testing.T) {
	sess := newTestSession(t, nil)
	require.NoError(t, sess.LoadScript("link.ld", `
SECTIONS {
  . = 0x8000;
  .text : { *(.text) }
}
`))

	secID, _ := mkSection(sess.Store, ".text", 4, 0x10)
	sess.SM.FindOrInsert(secID, match.SectionQuery{ResolvedPath: "a.o"})

	require.NoError(t, sess.Layout())

	entry := sess.SM.Entries[0]
	require.False(t, entry.Hidden())
	base := (*sess.Store.Section(entry.Section)).Base()
	require.True(t, base.HasAddress())
	require.EqualValues(t, 0x8000, base.Address())
}

// Scenario 2: Hexagon's size-bucketed common allocation must route every
// common symbol into the .scommon.{1,4,8} bucket its size selects, and a
// full layout pass must give each bucket's backing section (and every
// symbol inside it) a real address.
func TestCommonAllocationHexagonBucketsAndLaysOutCommons(t *testing.T) {
	opts := config.Default()
	opts.Machine = hexagon.EMHexagon
	sess := newTestSession(t, opts)

	var ids []arena.SymbolId
	for _, size := range []uint64{1, 3, 9} {
		ids = append(ids, sess.Store.AddSymbol(input.ResolveInfo{Name: "c", Size: size, Desc: input.DescCommon}))
	}
	sess.SM.AllocateCommons(input.CommonAllocHexagonSCommon, ids)

	require.NoError(t, sess.Layout())

	byName := make(map[string]bool)
	for _, e := range sess.SM.Entries {
		byName[e.Name] = true
		if e.Section.Valid() {
			base := (*sess.Store.Section(e.Section)).Base()
			if base.HasAddress() {
				require.NotZero(t, base.Address(), e.Name)
			}
		}
	}
	for _, name := range []string{".scommon.1", ".scommon.4", ".scommon.8"} {
		require.True(t, byName[name], name)
	}

	for _, id := range ids {
		ri := sess.Store.Symbol(id)
		require.True(t, ri.Fragment.Valid())
		addr, ok := input.SymbolAddress(sess.Store, id)
		require.True(t, ok)
		require.NotZero(t, addr, "bucketed common symbol must resolve to a real address after layout")
	}
}

// Scenario 3: an R_RISCV_CALL/CALL_PLT pair marked R_RISCV_RELAX, whose
// target is within JAL's reach, must shrink from an 8-byte auipc+jalr
// pair to a 4-byte jal, and a relocation downstream of it must see its
// section offset shift down by the 4 deleted bytes.
func TestRISCVRelaxationShrinksCallAndShiftsDownstreamReloc(t *testing.T) {
	opts := config.Default()
	opts.RISCVRelax = true
	opts.Relax = true
	sess := newTestSession(t, opts)
	require.NoError(t, sess.LoadScript("link.ld", `
SECTIONS {
  . = 0x1000;
  .text : { *(.text) }
}
`))

	secID, _ := mkSection(sess.Store, ".text", 4, 0) // fragments attached by hand below
	sb := (*sess.Store.Section(secID)).Base()
	sb.Fragments = nil // discard mkSection's placeholder fragment; this fixture attaches its own set

	callerData := make([]byte, 8)
	binary.LittleEndian.PutUint32(callerData[0:4], 0x00000017)  // auipc x0, 0 (target patched by the pass)
	binary.LittleEndian.PutUint32(callerData[4:8], (1<<7)|0x67) // jalr ra(rd=1), 0(x0)
	callerFrag := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: secID, Align: 4}, Data: callerData}
	callerFragID := sess.Store.AddFragment(callerFrag)

	downstreamFrag := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: secID, Align: 4}, Data: make([]byte, 8)}
	downstreamFragID := sess.Store.AddFragment(downstreamFrag)

	calleeFrag := &input.RegionFragmentEx{FragmentBase: input.FragmentBase{Kind: input.KindRegionEx, Section: secID, Align: 1}, Data: make([]byte, 1)}
	calleeFragID := sess.Store.AddFragment(calleeFrag)

	sb.Fragments = append(sb.Fragments, callerFragID, downstreamFragID, calleeFragID)

	in := sess.Store.AddInput(input.Input{File: input.NewObjectFile(0)})
	callee := sess.Store.AddSymbol(input.ResolveInfo{Desc: input.DescDefined, Origin: in, Fragment: calleeFragID})

	callRelocID := sess.Store.AddRelocation(input.Relocation{Section: secID, Offset: 0, Type: uint32(elf.R_RISCV_CALL), Symbol: callee})
	relaxRelocID := sess.Store.AddRelocation(input.Relocation{Section: secID, Offset: 0, Type: uint32(elf.R_RISCV_RELAX)})
	downstreamRelocID := sess.Store.AddRelocation(input.Relocation{Section: secID, Offset: 12, Type: uint32(elf.R_RISCV_32), Symbol: callee})

	sess.SM.FindOrInsert(secID, match.SectionQuery{ResolvedPath: "a.o"})
	require.NoError(t, sess.Layout())

	require.NoError(t, sess.Relax(riscvrelax.New(), 0, false))

	caller := *sess.Store.Fragment(callerFragID)
	require.Len(t, caller.(*input.RegionFragmentEx).Data, 4, "auipc+jalr pair should have shrunk to a single jal")

	downstream := sess.Store.Relocation(downstreamRelocID)
	require.EqualValues(t, 8, downstream.Offset, "downstream relocation's section offset should shift down by the 4 deleted bytes")

	callReloc := sess.Store.Relocation(callRelocID)
	require.EqualValues(t, elf.R_RISCV_JAL, callReloc.Type, "shrunk call site should be retyped so a later Apply patches a J-type, not an auipc+jalr pair")

	relaxReloc := sess.Store.Relocation(relaxRelocID)
	require.EqualValues(t, elf.R_RISCV_NONE, relaxReloc.Type, "the RELAX marker paired with the shrunk call should be neutralized, not left live at the same offset")
}

// Scenario 4: an output section routed into a MEMORY region smaller than
// its total content must report a fatal region-overflow diagnostic,
// while still placing the section at the region's origin.
func TestMemoryRegionOverflowReportsDiagnostic(t *testing.T) {
	sess := newTestSession(t, nil)
	sess.SM.Regions["RAM"] = &layout.MemoryRegion{Name: "RAM", Origin: 0x1000, Length: 0x8, Cursor: 0x1000}

	cmd := &script.OutputSectCmd{
		Name:   ".data",
		Body:   []script.ScriptCommand{&script.InputSectDesc{FilePattern: "*", Patterns: []script.SectionPattern{{Pattern: ".data"}}}},
		Epilog: script.OutputSectEpilog{VMARegion: "RAM"},
	}
	sess.SM.AddOutputSection(cmd)

	secID, _ := mkSection(sess.Store, ".data", 4, 0x20)
	sess.SM.FindOrInsert(secID, match.SectionQuery{ResolvedPath: "a.o"})

	require.NoError(t, sess.Layout())
	require.Equal(t, 1, sess.Diag.Count(diag.Error), "a section four times its region's capacity must report exactly one overflow")

	outBase := (*sess.Store.Section(sess.SM.Entries[0].Section)).Base()
	require.EqualValues(t, 0x1000, outBase.Address())
}

// Scenario 5: a PROVIDE assignment inside an output section's body whose
// name is already defined by an input object must leave that object's
// address untouched rather than overwrite it with the script's default.
func TestProvideDoesNotOverrideAnAlreadyDefinedSymbol(t *testing.T) {
	sess := newTestSession(t, nil)
	require.NoError(t, sess.LoadScript("link.ld", `
SECTIONS {
  . = 0x2000;
  .text : { *(.text) PROVIDE(foo = 0xdead); }
}
`))

	secID, fragID := mkSection(sess.Store, ".text", 4, 0x10)
	in := sess.Store.AddInput(input.Input{File: input.NewObjectFile(0)})
	sess.Resolver.Observe(symres.Occurrence{
		Name: "foo", Type: elf.STT_NOTYPE, Origin: in, Fragment: fragID, Offset: 4,
	})

	sess.SM.FindOrInsert(secID, match.SectionQuery{ResolvedPath: "a.o"})
	require.NoError(t, sess.Layout())

	objAddr, ok := input.SymbolAddress(sess.Store, mustLookup(t, sess, "foo"))
	require.True(t, ok)
	require.NotEqual(t, uint64(0xdead), objAddr)
	require.Equal(t, objAddr, sess.SM.Symbols["foo"], "PROVIDE must not clobber an already-defined symbol's real address")
}

func mustLookup(t *testing.T, sess *session.Session, name string) arena.SymbolId {
	t.Helper()
	id, ok := sess.Resolver.Lookup(name)
	require.True(t, ok, name)
	return id
}

func TestBuildIDFastProducesSelfConsistentNote(t *testing.T) {
	opts := config.Default()
	opts.BuildID = config.BuildIDFast
	sess := newTestSession(t, opts)
	require.NoError(t, sess.LoadScript("link.ld", `
SECTIONS {
  . = 0x1000;
  .text : { *(.text) }
}
`))

	builder, frag, fragID, err := sess.ReserveBuildID()
	require.NoError(t, err)
	require.NotNil(t, frag)

	secID, _ := mkSection(sess.Store, ".text", 4, 0x40)
	sess.SM.FindOrInsert(secID, match.SectionQuery{ResolvedPath: "a.o"})

	require.NoError(t, sess.Layout())

	image := sess.AssembleImage()
	require.NoError(t, sess.FinalizeBuildID(builder, frag, fragID, image))

	fileOff := input.FragmentFileOffset(sess.Store, fragID)
	require.EqualValues(t, 4, binary.LittleEndian.Uint32(image[fileOff:fileOff+4]), "namesz")
	require.EqualValues(t, buildid.HashSize(config.BuildIDFast, ""), binary.LittleEndian.Uint32(image[fileOff+4:fileOff+8]), "descsz")
	require.Equal(t, "GNU\x00", string(image[fileOff+12:fileOff+16]))
}
