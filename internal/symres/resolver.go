// Package symres implements the Symbol Resolver (spec §4.9): a name pool
// mapping symbol names to one ResolveInfo each, the defined/undefined/weak/
// common resolution semantics §4.9 documents, and the bookkeeping
// multi-pass archive-group extraction, version scripts, and dynamic-list/
// extern-list export marking need on top of the pool.
//
// Object-file parsing itself lives outside this package's scope (§2 names
// no such component): callers feed one Occurrence per raw symbol-table
// entry, already carrying the name/binding/type/size/fragment an ELF
// reader would have produced, and symres owns only what happens once those
// occurrences start competing for the same name.
package symres

import (
	"debug/elf"
	"fmt"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
)

// Occurrence is one raw symbol-table entry as read from an input file,
// before resolution merges it into the shared name pool. SymTabIndex
// identifies the owning file's LDSymbol slot Observe should update.
type Occurrence struct {
	Name       string
	Type       elf.SymType
	Binding    elf.SymBind
	Visibility elf.SymVis
	Size       uint64

	Origin      arena.InputId
	Fragment    arena.FragmentId // valid for a defined symbol; zero for undefined/common
	Offset      uint64           // byte offset of the symbol's value within Fragment
	SymTabIndex int
	Patchable   bool
}

func (o Occurrence) isCommon() bool { return o.Type == elf.STT_COMMON }
func (o Occurrence) isWeak() bool   { return o.Binding == elf.STB_WEAK }

// isUndefined and isDefined are mutually exclusive with isCommon: a common
// symbol is neither, since it needs its own merge rule (max size) rather
// than either "has a value" branch.
func (o Occurrence) isUndefined() bool { return !o.isCommon() && o.Type == elf.STT_NOTYPE && !o.Fragment.Valid() }
func (o Occurrence) isDefined() bool   { return !o.isCommon() && !o.isUndefined() }

// Resolver owns the shared name pool and every piece of bookkeeping §4.9's
// resolution semantics need across files: patchable-function-entry alias
// tracking, dynamic-export marking, and version-script assignment.
type Resolver struct {
	Store *input.Store
	Diag  *diag.Engine
	Opts  *config.Options

	names map[string]arena.SymbolId

	// patchableAliases maps an aliased function name ("foo") to the
	// ResolveInfo id of its "__llvm_patchable_foo" counterpart, once that
	// alias has itself resolved. internal/dynamic must consult
	// AliasResolved before materializing a PLT slot for foo (see
	// DESIGN.md's "Open Question decisions" for why the ordering is
	// enforced here rather than left to PLT assignment).
	patchableAliases map[string]arena.SymbolId

	dynamicExport map[string]bool // force-exported by --dynamic-list/--export-dynamic-symbol
	externForced  map[string]bool // kept alive by EXTERN()/--undefined, independent of a real reference
}

// New returns a Resolver over store, reporting diagnostics to d per opts.
func New(store *input.Store, d *diag.Engine, opts *config.Options) *Resolver {
	return &Resolver{
		Store:            store,
		Diag:             d,
		Opts:             opts,
		names:            make(map[string]arena.SymbolId),
		patchableAliases: make(map[string]arena.SymbolId),
		dynamicExport:    make(map[string]bool),
		externForced:     make(map[string]bool),
	}
}

// Lookup returns the pooled ResolveInfo id for name, if any symbol with
// that name has been observed yet.
func (r *Resolver) Lookup(name string) (arena.SymbolId, bool) {
	id, ok := r.names[name]
	return id, ok
}

// Each calls fn once per pooled name, in no particular order. Callers
// that need to seed another component's symbol table from every name
// this resolver has observed (internal/session, populating
// layout.SectionMap.Symbols before address assignment) use this rather
// than reaching into the unexported pool directly.
func (r *Resolver) Each(fn func(name string, id arena.SymbolId)) {
	for name, id := range r.names {
		fn(name, id)
	}
}

func (r *Resolver) setLDSymbol(owner arena.InputId, idx int, id arena.SymbolId) {
	in := r.Store.Input(owner)
	fb := in.File.Base()
	if idx < 0 || idx >= len(fb.Symbols) {
		return
	}
	fb.Symbols[idx].Resolve = id
}

// Observe merges one raw symbol-table entry into the name pool, applying
// §4.9's resolution semantics, and records the result on the occurrence's
// owning LDSymbol slot. It returns the pooled ResolveInfo id.
func (r *Resolver) Observe(occ Occurrence) arena.SymbolId {
	existingID, known := r.names[occ.Name]
	if !known {
		id := r.Store.AddSymbol(r.newResolveInfo(occ))
		r.names[occ.Name] = id
		r.setLDSymbol(occ.Origin, occ.SymTabIndex, id)
		r.noteIfPatchableAlias(occ.Name, id)
		return id
	}

	existing := r.Store.Symbol(existingID)
	r.merge(existing, occ)
	r.setLDSymbol(occ.Origin, occ.SymTabIndex, existingID)
	return existingID
}

func (r *Resolver) newResolveInfo(occ Occurrence) input.ResolveInfo {
	desc := input.DescUndefined
	switch {
	case occ.isCommon():
		desc = input.DescCommon
	case occ.isDefined():
		desc = input.DescDefined
	case occ.isWeak():
		desc = input.DescWeakUndefined
	}
	return input.ResolveInfo{
		Name: occ.Name, Type: occ.Type, Binding: occ.Binding, Visibility: occ.Visibility,
		Desc: desc, Origin: occ.Origin, Size: occ.Size, Fragment: occ.Fragment, Offset: occ.Offset,
		Patchable: occ.Patchable,
	}
}

// merge folds occ into an already-pooled ResolveInfo per §4.9:
//   - undefined + defined -> defined wins
//   - defined + defined -> multiple-definition diagnostic (unless allowed)
//   - common + common -> max size, max alignment implied by CommonSectionName
//   - weak undefined never displaces a strong undefined's "strength", but
//     either kind is happily replaced by a defined occurrence
func (r *Resolver) merge(existing *input.ResolveInfo, occ Occurrence) {
	switch {
	case existing.Desc == input.DescDefined && occ.isDefined():
		if !r.Opts.AllowMultipleDefs {
			r.Diag.Errorf(diag.CategoryResolution, diag.Location{},
				"multiple definition of %q: first defined by %s, again by %s",
				occ.Name, r.fmtOrigin(existing.Origin), r.fmtOrigin(occ.Origin))
		}
		// First definition wins either way; --allow-multiple-definition
		// only silences the diagnostic, matching GNU ld's own behavior.
		return

	case existing.Desc == input.DescDefined:
		// Existing definition already satisfies occ, whatever occ is.
		return

	case occ.isDefined():
		existing.Type, existing.Binding, existing.Visibility = occ.Type, occ.Binding, occ.Visibility
		existing.Desc = input.DescDefined
		existing.Origin, existing.Fragment, existing.Offset = occ.Origin, occ.Fragment, occ.Offset
		existing.Patchable = existing.Patchable || occ.Patchable
		r.noteIfPatchableAlias(occ.Name, r.names[occ.Name])
		return

	case existing.Desc == input.DescCommon && occ.isCommon():
		if occ.Size > existing.Size {
			existing.Size = occ.Size
		}
		if r.Opts.WarnCommon {
			r.Diag.Warnf(diag.CategoryResolution, diag.Location{},
				"common %q: size collision merging %s into %s",
				occ.Name, r.fmtOrigin(occ.Origin), r.fmtOrigin(existing.Origin))
		}
		return

	case occ.isCommon() && existing.Desc != input.DescDefined:
		existing.Desc = input.DescCommon
		existing.Size = occ.Size
		existing.Origin = occ.Origin
		return

	case existing.Desc == input.DescWeakUndefined && !occ.isWeak() && occ.isUndefined():
		// A later strong undefined reference upgrades the pool entry's
		// strength so ResolveGroup treats it as archive-pulling from here
		// on, even though neither occurrence defines the symbol yet.
		existing.Desc = input.DescUndefined
		return

	default:
		// Both still undefined (or occ is a weaker reference than what's
		// already recorded): nothing to change.
		return
	}
}

// noteIfPatchableAlias records name's ResolveInfo id as the patchable
// alias for its base function name the moment any occurrence of
// "__llvm_patchable_<base>" is observed, whether or not it has resolved
// to a definition yet — AliasResolved needs to distinguish "no alias
// exists" (nothing to block on) from "an alias exists but hasn't defined
// yet" (block), and only seeing the alias appear at all tells it which.
func (r *Resolver) noteIfPatchableAlias(name string, id arena.SymbolId) {
	base, ok := input.PatchableAliasTarget(name)
	if !ok {
		return
	}
	r.patchableAliases[base] = id
}

// AliasResolved reports whether base's patchable-function-entry alias
// (if one was ever observed for it) has resolved to a definition yet.
// internal/dynamic must call this before handing out a PLT slot for base
// and treat false as "not yet safe to materialize the slot" — see
// DESIGN.md's Open Question resolution for why the ordering is enforced
// here instead of left to PLT assignment.
func (r *Resolver) AliasResolved(base string) bool {
	id, hasAlias := r.patchableAliases[base]
	if !hasAlias {
		return true // no alias for this symbol at all: nothing to wait on
	}
	return r.Store.Symbol(id).Desc == input.DescDefined
}

// RequirePLTReady returns a fatal diagnostic if base has a patchable alias
// that has not resolved yet.
func (r *Resolver) RequirePLTReady(base string) error {
	if r.AliasResolved(base) {
		return nil
	}
	return r.Diag.Fatalf(diag.CategoryResolution, diag.Location{},
		"PLT slot requested for %q before its patchable alias %q resolved",
		base, input.PatchableAliasName(base))
}

func (r *Resolver) fmtOrigin(id arena.InputId) string {
	if !id.Valid() {
		return "<internal>"
	}
	in := r.Store.Input(id)
	if in.MemberName != "" {
		return fmt.Sprintf("%s(%s)", in.ResolvedPath, in.MemberName)
	}
	return in.ResolvedPath
}
