package input

import (
	"debug/elf"
	"strings"

	"github.com/xyproto/eld/internal/arena"
)

// Desc categorizes a symbol's resolution state, the "defined/undefined/
// common/weak-undefined" split §3 calls for.
type Desc int

const (
	DescUndefined Desc = iota
	DescDefined
	DescCommon
	DescWeakUndefined
)

func (d Desc) String() string {
	switch d {
	case DescDefined:
		return "defined"
	case DescCommon:
		return "common"
	case DescWeakUndefined:
		return "weak-undefined"
	default:
		return "undefined"
	}
}

// ResolveInfo is the one entry the name pool keeps per distinct symbol
// name after resolution (§3, §4.9). It never references a particular
// object file's local symbol-table slot; LDSymbol does that.
type ResolveInfo struct {
	Name       string
	Type       elf.SymType
	Binding    elf.SymBind
	Visibility elf.SymVis
	Desc       Desc

	Origin arena.InputId // the InputFile this symbol resolved to, 0 if still unresolved
	Size   uint64

	OutputSymbol arena.SymbolId // set once an output .symtab/.dynsym entry is allocated
	Fragment     arena.FragmentId
	Offset       uint64 // byte offset of the symbol's value within Fragment

	Patchable bool

	// Version names the version node (VERSION script) this symbol was
	// assigned to, "" if none. VersionLocal hides it from dynamic export
	// even if Version is non-empty (an anonymous node's local: block).
	Version      string
	VersionLocal bool

	// DynamicExport is set by --dynamic-list / --export-dynamic-symbol /
	// a non-local version node, independent of Visibility.
	DynamicExport bool
}

// LDSymbol is one InputFile-local symbol-table entry: a value plus a
// possible fragment reference, paired with the ResolveInfo it resolved
// to in the shared name pool (§3's "Symbol (LDSymbol + ResolveInfo)").
type LDSymbol struct {
	Value        uint64
	Fragment     arena.FragmentId // zero if absolute or not yet allocated (common)
	ShouldIgnore bool             // local symbols excluded from dynamic/aux output
	SymTabIndex  int
	Resolve      arena.SymbolId // index into Store.Symbols
}

// patchableAliasPrefix is the LLVM convention for a patchable function
// entry's alias symbol: compiling with -fpatchable-function-entry emits
// both `foo` and `__llvm_patchable_foo`, and the linker must resolve the
// alias before handing out a PLT slot for `foo` (see the Open Question
// resolution in DESIGN.md).
const patchableAliasPrefix = "__llvm_patchable_"

// PatchableAliasName returns the alias symbol name __llvm_patchable_<sym>
// resolution looks for alongside sym.
func PatchableAliasName(sym string) string {
	return patchableAliasPrefix + sym
}

// PatchableAliasTarget reports whether name is a patchable-alias symbol
// and, if so, the plain symbol name it aliases.
func PatchableAliasTarget(name string) (target string, ok bool) {
	if !strings.HasPrefix(name, patchableAliasPrefix) {
		return "", false
	}
	return name[len(patchableAliasPrefix):], true
}
