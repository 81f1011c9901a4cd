package input

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/script"
)

// Input is one entry on the link line: a regular file, an archive, an
// archive member pulled in by resolution, or a script/bitcode/dynamic
// object. Ordinal is assigned in arrival order and never reused; it is
// the tie-break every later pass (symbol resolution, rule matching,
// relaxation) falls back on when nothing else distinguishes two inputs.
type Input struct {
	Ordinal int

	OriginalPath string
	ResolvedPath string
	MemberName   string // archive member name, "" if this Input isn't one

	WholeArchive bool
	AsNeeded     bool
	AddNeeded    bool
	Static       bool // false means dynamic (shared object)
	JustSymbols  bool // -just-symbols: pull symbols, contribute no sections
	IsBinary     bool // -b binary
	IsPatchBase  bool // base image for a patch link

	Mapping *Mapping
	File    InputFile

	Released bool // true once resources are freed after emit
}

// InputFileKind tags which InputFile variant a value holds, so callers can
// switch on Kind() before doing the type assertion they actually need.
type InputFileKind int

const (
	KindObjectFile InputFileKind = iota
	KindArchiveFile
	KindArchiveMember
	KindLinkerScriptFile
	KindBitcodeFile
	KindDynamicObject
	KindInternalFile
)

// InputFileBase holds the fields every InputFile variant shares: the
// sections it owns and the symbol-table-indexed LDSymbol vector the spec
// calls for in §3.
type InputFileBase struct {
	Owner   arena.InputId
	Kind    InputFileKind
	Sections []arena.SectionId

	// Symbols is indexed by the file's original ELF symbol table index;
	// Symbols[0] is the reserved null entry like ELF's own symtab.
	Symbols []LDSymbol
}

func (b *InputFileBase) Base() *InputFileBase { return b }

// InputFile is implemented by the seven concrete file kinds named in §3.
// It plays the role a tagged union/variant would in a language with sum
// types: callers switch on Kind() (or a type switch) rather than probing
// nullable fields.
type InputFile interface {
	Base() *InputFileBase
}

// ObjectFile is a regular relocatable ELF object, loaded directly or
// pulled from an archive member.
type ObjectFile struct {
	InputFileBase
}

func NewObjectFile(owner arena.InputId) *ObjectFile {
	return &ObjectFile{InputFileBase{Owner: owner, Kind: KindObjectFile}}
}

// ArchiveFile is an ar(1) archive; Members lists the ArchiveMember Inputs
// lazily materialized from it as resolution pulls symbols in.
type ArchiveFile struct {
	InputFileBase
	Members []arena.InputId
}

func NewArchiveFile(owner arena.InputId) *ArchiveFile {
	return &ArchiveFile{InputFileBase: InputFileBase{Owner: owner, Kind: KindArchiveFile}}
}

// ArchiveMember is one object extracted from an ArchiveFile. It
// back-references its archive so diagnostics can report "pulled from
// libfoo.a(bar.o)" rather than just "bar.o".
type ArchiveMember struct {
	InputFileBase
	Archive arena.InputId
	Name    string
	Offset  int64 // byte offset of the member header within the archive
}

func NewArchiveMember(owner, archive arena.InputId, name string, offset int64) *ArchiveMember {
	return &ArchiveMember{
		InputFileBase: InputFileBase{Owner: owner, Kind: KindArchiveMember},
		Archive:       archive,
		Name:          name,
		Offset:        offset,
	}
}

// LinkerScriptFile is an input whose contents are a linker script rather
// than object code (as distinct from the top-level script given via -T,
// though the two share the same parsed representation).
type LinkerScriptFile struct {
	InputFileBase
	Commands []script.ScriptCommand
}

func NewLinkerScriptFile(owner arena.InputId, commands []script.ScriptCommand) *LinkerScriptFile {
	return &LinkerScriptFile{
		InputFileBase: InputFileBase{Owner: owner, Kind: KindLinkerScriptFile},
		Commands:      commands,
	}
}

// BitcodeFile is an LLVM-IR input. Per §1 the core treats LTO as a
// replace-inputs-then-relink step: a BitcodeFile carries no Sections of
// its own and is only a placeholder until the driver substitutes the
// compiled ObjectFile it produces.
type BitcodeFile struct {
	InputFileBase
}

func NewBitcodeFile(owner arena.InputId) *BitcodeFile {
	return &BitcodeFile{InputFileBase{Owner: owner, Kind: KindBitcodeFile}}
}

// DynamicObject is a shared object (.so) linked against but not included
// in the output image.
type DynamicObject struct {
	InputFileBase
	SOName   string
	NeededBy []arena.InputId // inputs whose DT_NEEDED pulled this in, for --as-needed diagnostics
}

func NewDynamicObject(owner arena.InputId, soname string) *DynamicObject {
	return &DynamicObject{
		InputFileBase: InputFileBase{Owner: owner, Kind: KindDynamicObject},
		SOName:        soname,
	}
}

// InternalFile is a synthetic input attributed to linker-generated content
// (the GOT/PLT/dynamic sections, plugin-supplied sections, the
// scripted-symbol provider) so diagnostics and map output have something
// coherent to name instead of "no input".
type InternalFile struct {
	InputFileBase
	Label string
}

func NewInternalFile(owner arena.InputId, label string) *InternalFile {
	return &InternalFile{
		InputFileBase: InputFileBase{Owner: owner, Kind: KindInternalFile},
		Label:         label,
	}
}
