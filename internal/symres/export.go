package symres

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/match"
)

// ForceExtern marks name as required even with no real reference to it
// yet, per §4.9's "EXTERN and --undefined force undefined references that
// keep archive members alive". ResolveGroup treats a forced name exactly
// like a strong undefined reference when deciding which member to pull.
func (r *Resolver) ForceExtern(name string) {
	r.externForced[name] = true
}

// ApplyDynamicList marks every pooled symbol matching one of patterns for
// dynamic export, per --dynamic-list. Patterns are the same wildcard
// dialect internal/match compiles for section names, reused here rather
// than hand-rolling a second glob matcher.
func (r *Resolver) ApplyDynamicList(patterns []string) {
	compiled := compileAll(patterns)
	for name, id := range r.names {
		if matchesAny(compiled, name) {
			r.markDynamicExport(name, id)
		}
	}
}

// ExportDynamicSymbol force-exports one exact symbol name, per
// --export-dynamic-symbol (as distinct from --dynamic-list's glob list).
func (r *Resolver) ExportDynamicSymbol(name string) {
	id, ok := r.names[name]
	if !ok {
		return
	}
	r.markDynamicExport(name, id)
}

// markDynamicExport records the export of an already-pooled name both in
// the resolver's own lookup map (read by DynamicExport) and on the pooled
// ResolveInfo itself, so internal/dynamic can read a
// symbol's export state directly off ResolveInfo without holding a
// Resolver reference.
func (r *Resolver) markDynamicExport(name string, id arena.SymbolId) {
	r.dynamicExport[name] = true
	r.Store.Symbol(id).DynamicExport = true
}

// DynamicExport reports whether name was force-exported by
// --dynamic-list/--export-dynamic-symbol or a non-local version node,
// independent of Visibility.
func (r *Resolver) DynamicExport(name string) bool {
	return r.dynamicExport[name]
}

func compileAll(patterns []string) []match.Pattern {
	out := make([]match.Pattern, len(patterns))
	for i, p := range patterns {
		out[i] = match.CompilePattern(p, i)
	}
	return out
}

func matchesAny(patterns []match.Pattern, name string) bool {
	for _, p := range patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}
