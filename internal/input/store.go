// Package input implements the linker's input data model: inputs, the
// object-file/archive/script variants that back them, sections, fragments,
// symbols and relocations (spec §3). Everything that used to be a pointer
// graph in the source this module was distilled from is an arena.Id here;
// Store is the arena owner, matching the "Module owns ... a global arena
// underlies all of these" ownership summary.
package input

import "github.com/xyproto/eld/internal/arena"

// Mapping is the memory-mapped backing for one resolved path, shared by
// every Input that resolves to that path (an archive opened twice, or a
// library referenced by both -l and a direct path, map to one Mapping).
type Mapping struct {
	Path string
	Data []byte
}

// Store owns every arena the link session indexes inputs, sections,
// fragments, symbols and relocations through. It is not safe for
// concurrent mutation of the same arena from multiple goroutines without
// external locking; §5 assigns each arena's write phase to a single step
// (input parsing populates Sections/Fragments per file, resolution alone
// writes Symbols) precisely so each arena has one writer at a time.
type Store struct {
	Inputs      *arena.Arena[Input]
	Sections    *arena.Arena[Section]
	Fragments   *arena.Arena[Fragment]
	Symbols     *arena.Arena[ResolveInfo]
	Relocations *arena.Arena[Relocation]

	mappings map[string]*Mapping
}

// NewStore returns an empty Store ready to accept a link session's inputs.
func NewStore() *Store {
	return &Store{
		Inputs:      arena.New[Input](),
		Sections:    arena.New[Section](),
		Fragments:   arena.New[Fragment](),
		Symbols:     arena.New[ResolveInfo](),
		Relocations: arena.New[Relocation](),
		mappings:    make(map[string]*Mapping),
	}
}

// Mapping returns the shared Mapping for path, creating it from data on
// first use. Every subsequent Input resolving to the same path gets the
// same *Mapping back rather than a second copy of the bytes.
func (s *Store) Mapping(path string, data []byte) *Mapping {
	if m, ok := s.mappings[path]; ok {
		return m
	}
	m := &Mapping{Path: path, Data: data}
	s.mappings[path] = m
	return m
}

// The Add* methods wrap arena.Arena.Alloc with the id type each arena is
// conceptually keyed by; arena.Arena itself only knows the untyped Id,
// since one Arena[T] implementation serves every kind.

func (s *Store) AddInput(in Input) arena.InputId             { return arena.InputId(s.Inputs.Alloc(in)) }
func (s *Store) AddSection(sec Section) arena.SectionId       { return arena.SectionId(s.Sections.Alloc(sec)) }
func (s *Store) AddFragment(f Fragment) arena.FragmentId      { return arena.FragmentId(s.Fragments.Alloc(f)) }
func (s *Store) AddSymbol(ri ResolveInfo) arena.SymbolId      { return arena.SymbolId(s.Symbols.Alloc(ri)) }
func (s *Store) AddRelocation(r Relocation) arena.Id          { return s.Relocations.Alloc(r) }

func (s *Store) Input(id arena.InputId) *Input       { return s.Inputs.Get(arena.Id(id)) }
func (s *Store) Section(id arena.SectionId) *Section { return s.Sections.Get(arena.Id(id)) }
func (s *Store) Fragment(id arena.FragmentId) *Fragment {
	return s.Fragments.Get(arena.Id(id))
}
func (s *Store) Symbol(id arena.SymbolId) *ResolveInfo { return s.Symbols.Get(arena.Id(id)) }
func (s *Store) Relocation(id arena.Id) *Relocation    { return s.Relocations.Get(id) }
