package symres

import (
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/match"
	"github.com/xyproto/eld/internal/script"
)

// versionRule is one compiled VersionNode: its name plus its global/local
// pattern lists, ready to test against a symbol name without recompiling
// glob patterns on every lookup.
type versionRule struct {
	name   string
	global []match.Pattern
	local  []match.Pattern
}

// ApplyVersionScript assigns §4.9's version-node semantics to every
// pooled symbol: the first node (in script order) whose global or local
// pattern list matches a name wins that symbol. A local match sets
// VersionLocal, hiding the symbol from dynamic export regardless of
// Visibility; a global match sets Version to the node's name (the
// anonymous node's "" name means "the unversioned default").
func (r *Resolver) ApplyVersionScript(cmd *script.VersionCmd) {
	rules := make([]versionRule, len(cmd.Nodes))
	for i, n := range cmd.Nodes {
		global := append([]string(nil), n.Global...)
		for _, block := range n.Externs {
			// C and C++ linkage are matched the same way here: both
			// blocks' symbols are plain exported names by the time they
			// reach the resolver, and §4.9's global/local split doesn't
			// distinguish by language. block.Lang is preserved on the AST
			// node for anything upstream that does care (diagnostics, a
			// future name-mangling-aware matcher), just not needed here.
			global = append(global, block.Symbols...)
		}
		rules[i] = versionRule{
			name:   n.Name,
			global: compileAll(global),
			local:  compileAll(n.Local),
		}
	}

	for name, id := range r.names {
		ri := r.Store.Symbol(id)
		for _, rule := range rules {
			if matchesAny(rule.local, name) {
				ri.VersionLocal = true
				ri.Version = rule.name
				break
			}
			if matchesAny(rule.global, name) {
				ri.Version = rule.name
				if ri.Desc == input.DescDefined {
					r.markDynamicExport(name, id)
				}
				break
			}
		}
	}
}
