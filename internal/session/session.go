// Package session implements the top-level driver that owns one link from
// script loading through a finished image: §4.3's script front end, the
// §4.5 layout pass (including the top-level script assignments that live
// outside any output section's body), §4.8's relaxation loop, §4.6's
// relocation scan/apply, and §4.10's build-ID finalization, in the order
// the rest of this specification's components assume they run.
//
// Object-file/archive reading itself is out of scope here, the same way
// it's out of scope for internal/symres: a Session's Store is populated by
// whatever front end reads ELF inputs, and LoadScript/Layout/Relax/
// Relocate/AssembleImage only consume what's already in it.
package session

import (
	"sort"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/buildid"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/dynamic"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/plugin"
	"github.com/xyproto/eld/internal/relax"
	"github.com/xyproto/eld/internal/reloc"
	"github.com/xyproto/eld/internal/reproduce"
	"github.com/xyproto/eld/internal/script"
	"github.com/xyproto/eld/internal/symres"
	"github.com/xyproto/eld/internal/worker"
)

// Session is one link: the shared Store every phase reads and writes,
// plus the per-phase components built on top of it.
type Session struct {
	Opts     *config.Options
	Diag     *diag.Engine
	Store    *input.Store
	SM       *layout.SectionMap
	Resolver *symres.Resolver
	Plugins  *plugin.Registry
	Pool     *worker.Pool
	Bundle   *reproduce.Bundler

	EntrySymbol string
}

// New returns a Session ready to load a script and accept inputs, wired
// the way cmd/eld constructs one: a single diagnostics Engine and Store
// shared by every component, a worker Pool sized per --threads.
func New(opts *config.Options, d *diag.Engine) *Session {
	store := input.NewStore()
	sm := layout.NewSectionMap(store, d, opts)
	return &Session{
		Opts:     opts,
		Diag:     d,
		Store:    store,
		SM:       sm,
		Resolver: symres.New(store, d, opts),
		Plugins:  plugin.NewRegistry(sm, store, d),
		Pool:     worker.New(opts.Threads),
		Bundle:   reproduce.New(opts),
	}
}

// RecordInputFile hands path to the reproduce bundler, if --reproduce or
// --reproduce-on-fail is active. Whatever front end reads an object,
// archive, or -T script off disk calls this once per path so the
// reproducer tarball ends up with every input the link actually
// consumed, not just the scripts Session itself parses.
func (s *Session) RecordInputFile(path string) error {
	return s.Bundle.RecordFile(path)
}

// FinalizeReproduce writes the reproduce tarball (if one was requested),
// with failed reporting whether the link that just ran ended in a fatal
// diagnostic or emit error — --reproduce-on-fail only writes the archive
// in that case, where plain --reproduce always does.
func (s *Session) FinalizeReproduce(failed bool) error {
	return s.Bundle.Finalize(failed)
}

// LoadScript parses src (a linker script's full text; INCLUDE commands in
// it are not expanded, and the files they name are not read) and folds every
// top-level command it contains into the Session: MEMORY regions and
// PHDRS segments are registered immediately, SECTIONS output-section
// commands are registered with SM, and a leading assignment inside
// SECTIONS (one that appears before any output-section command, e.g.
// ". = 0x10000;") is evaluated against SM's own location counter via
// SetInitialDot/EvalAssign rather than attached to an entry, since no
// entry exists yet to own it.
func (s *Session) LoadScript(name, src string) error {
	s.Bundle.RecordContent(name, []byte(src))
	p := script.NewParser(name, src)
	prog := p.ParseProgram()
	for _, pe := range p.Errors() {
		s.Diag.Errorf(diag.CategoryScriptSyntax, diag.Location{File: name, Line: pe.Line}, "%s", pe.Msg)
	}
	if err := p.Fatal(); err != nil {
		return err
	}
	return s.loadCommands(prog.Commands)
}

func (s *Session) loadCommands(cmds []script.ScriptCommand) error {
	for _, cmd := range cmds {
		switch v := cmd.(type) {
		case *script.EntryCmd:
			s.EntrySymbol = v.Symbol
		case *script.MemoryCmd:
			for _, region := range v.Regions {
				if err := s.SM.AddMemoryRegion(region); err != nil {
					return err
				}
			}
		case *script.PhdrsCmd:
			for _, decl := range v.Phdrs {
				s.SM.AddSegment(decl)
			}
		case *script.SectionsCmd:
			if err := s.loadSectionsBody(v.Items); err != nil {
				return err
			}
		case *script.AssignCmd:
			if err := s.evalTopLevelAssign(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadSectionsBody walks SECTIONS{}'s items in order. A leading AssignCmd
// (before any OutputSectCmd) sets the location counter SM starts every
// future AssignAddresses pass from; an AssignCmd between or after output
// sections has no entry to attach to either, so — matching real ld
// behavior, where such a statement only ever affects the symbol table, not
// any section's placement — it's evaluated immediately the same way.
func (s *Session) loadSectionsBody(items []script.ScriptCommand) error {
	seenOutputSect := false
	for _, item := range items {
		switch v := item.(type) {
		case *script.OutputSectCmd:
			s.SM.AddOutputSection(v)
			seenOutputSect = true
		case *script.AssignCmd:
			if seenOutputSect {
				if _, err := s.SM.EvalAssign(v); err != nil {
					return err
				}
				continue
			}
			if err := s.evalTopLevelAssign(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) evalTopLevelAssign(a *script.AssignCmd) error {
	v, err := s.SM.EvalAssign(a)
	if err != nil {
		return err
	}
	if a.Name == "." {
		s.SM.SetInitialDot(v)
	}
	return nil
}

// SeedDefinedSymbols copies every symbol the resolver has already settled
// as defined into SM.Symbols, so a PROVIDE assignment evaluated during
// AssignAddresses sees it as "already defined" and stays inert (§4.3's
// PROVIDE semantics) instead of clobbering an object-defined name with a
// script default. It must run between two AssignAddresses passes: the
// first pass fixes every fragment's address (which SymbolAddress needs),
// and the second is the one whose PROVIDE evaluation this seeding affects.
func (s *Session) SeedDefinedSymbols() {
	s.Resolver.Each(func(name string, id arena.SymbolId) {
		ri := s.Store.Symbol(id)
		if ri.Desc != input.DescDefined {
			return
		}
		if addr, ok := input.SymbolAddress(s.Store, id); ok {
			s.SM.Symbols[name] = addr
		}
	})
}

// Layout runs §4.5's address-assignment fixed point: a first
// AssignAddresses pass so every defined symbol has a real address,
// SeedDefinedSymbols to expose those addresses to script PROVIDE
// evaluation, then a second AssignAddresses pass whose PROVIDE statements
// now correctly skip already-defined names. AssignSegments runs last,
// once every output section's final address and file offset are fixed.
func (s *Session) Layout() error {
	if err := s.SM.AssignAddresses(); err != nil {
		return err
	}
	s.SeedDefinedSymbols()
	if err := s.SM.AssignAddresses(); err != nil {
		return err
	}
	s.SM.AssignSegments()
	return nil
}

// Relax runs target's relaxation sub-passes to a fixed point (§4.8),
// re-laying out addresses between iterations; relax.Loop does that
// re-layout itself, so Relax doesn't call Layout again afterward.
func (s *Session) Relax(target relax.Target, gp uint64, hasGP bool) error {
	ctx := &relax.Context{Store: s.Store, SM: s.SM, Diag: s.Diag, Opts: s.Opts, GP: gp, HasGP: hasGP}
	return relax.Loop(ctx, target)
}

// Relocate scans and applies every relocation in the Store against
// relocator, backed by dyn for GOT/PLT/copy-relocation/TLS-stub
// reservation (§4.6). It must run after Layout (Scan may run before, but
// Apply needs final addresses) and, if relaxation is enabled, after Relax.
func (s *Session) Relocate(relocator reloc.Relocator, dyn *dynamic.Synth, gp uint64) (reloc.ApplyStats, error) {
	driver := reloc.NewDriver(s.Store, relocator)
	scanCtx := &reloc.ScanContext{Store: s.Store, Diag: s.Diag, Opts: s.Opts, Resolver: s.Resolver, Backend: dyn}
	if err := driver.Scan(scanCtx); err != nil {
		return reloc.ApplyStats{}, err
	}
	applyCtx := &reloc.ApplyContext{Store: s.Store, Backend: dyn, GP: gp}
	return driver.Apply(applyCtx), nil
}

// ReserveBuildID creates the .note.gnu.build-id fragment per
// --build-id, before layout has run so the note's space is accounted for
// like any other fragment. It is a no-op (nil fragment, zero id, nil
// error) under --build-id=none.
func (s *Session) ReserveBuildID() (*buildid.Builder, *input.BuildIDFragment, arena.FragmentId, error) {
	b := &buildid.Builder{Store: s.Store, SM: s.SM, Opts: s.Opts, Diag: s.Diag}
	frag, fragID, err := b.Reserve()
	return b, frag, fragID, err
}

// AssembleImage walks every output section's fragments in layout order
// and copies each one's real byte payload into a flat buffer sized to the
// image's highest file offset, the way the final output-writing phase
// ld.lld calls EMITTING does for the sections this implementation
// actually materializes bytes for. Fragment kinds with no byte payload of
// their own (TargetFragment, GOTFragment's raw slot, TimingFragment,
// NullFragment) contribute only their reserved space, left zero-filled —
// GOT/PLT/dynamic section *contents* are produced separately by
// internal/dynamic.Synth.Finalize and copied in by the caller once it has
// them, since Synth needs the image buffer to exist first (PLT stub
// patching writes into it) and to hand back bytes to write there second.
func (s *Session) AssembleImage() []byte {
	size := uint64(0)
	s.Store.Fragments.All(func(id arena.Id, f *input.Fragment) bool {
		fragID := arena.FragmentId(id)
		fb := (*f).Base()
		if !fb.Section.Valid() {
			return true
		}
		secBase := (*s.Store.Section(fb.Section)).Base()
		if !secBase.HasOffset() {
			return true
		}
		end := input.FragmentFileOffset(s.Store, fragID) + (*f).Size()
		if end > size {
			size = end
		}
		return true
	})

	image := make([]byte, size)
	s.Store.Fragments.All(func(id arena.Id, f *input.Fragment) bool {
		fragID := arena.FragmentId(id)
		fb := (*f).Base()
		if !fb.Section.Valid() {
			return true
		}
		secBase := (*s.Store.Section(fb.Section)).Base()
		if !secBase.HasOffset() || secBase.Ignored || secBase.Discarded {
			return true
		}
		off := input.FragmentFileOffset(s.Store, fragID)
		payload := fragmentPayload(*f)
		copy(image[off:], payload)
		return true
	})
	return image
}

// fragmentPayload returns the raw bytes a fragment kind contributes to
// the output file, or nil for a kind whose space is reserved but filled
// in later (GOT slots, the build-ID note before FinalizeBuildID runs) or
// never holds file bytes at all (TargetFragment, TimingFragment,
// NullFragment).
func fragmentPayload(f input.Fragment) []byte {
	switch v := f.(type) {
	case *input.FillmentFragment:
		return repeatPattern(v.Pattern, v.Length)
	case *input.StringFragment:
		return v.Data
	case *input.RegionFragment:
		return v.Data
	case *input.RegionFragmentEx:
		return v.Data
	case *input.StubFragment:
		return v.Data
	case *input.OutputSectDataFragment:
		return v.Data
	case *input.PLTFragment:
		return v.Data
	case *input.CIEFragment:
		return v.Data
	case *input.FDEFragment:
		return v.Data
	case *input.EhFrameHdrFragment:
		return v.Data
	case *input.MergeStringFragment:
		return v.Content
	case *input.BuildIDFragment:
		return nil // written by FinalizeBuildID once the rest of the image is final
	default:
		return nil
	}
}

func repeatPattern(pattern []byte, length uint64) []byte {
	if len(pattern) == 0 {
		return make([]byte, length)
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

// FinalizeBuildID computes builder's digest from image (already
// containing every other fragment's final bytes) and writes the note in
// place, the last step of a link before image is written to disk.
func (s *Session) FinalizeBuildID(builder *buildid.Builder, frag *input.BuildIDFragment, fragID arena.FragmentId, image []byte) error {
	if frag == nil {
		return nil
	}
	return builder.Finalize(s.Pool, frag, fragID, image)
}

// OutputSectionsByAddress returns SM's entries sorted by assigned
// address, the order a map file (and AssembleImage's size computation)
// both want; non-loaded/discarded entries sort last by name for
// deterministic output.
func (s *Session) OutputSectionsByAddress() []*layout.OutputSectionEntry {
	out := append([]*layout.OutputSectionEntry(nil), s.SM.Entries...)
	baseOf := func(e *layout.OutputSectionEntry) *input.SectionBase {
		if !e.Section.Valid() {
			return nil
		}
		return (*s.Store.Section(e.Section)).Base()
	}
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := baseOf(out[i]), baseOf(out[j])
		ai, aj := bi != nil && bi.HasAddress(), bj != nil && bj.HasAddress()
		if ai != aj {
			return ai
		}
		if !ai {
			return out[i].Name < out[j].Name
		}
		return bi.Address() < bj.Address()
	})
	return out
}
