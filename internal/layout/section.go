package layout

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/script"
)

// Prolog is the resolved form of script.OutputSectProlog: everything
// before the output section's ':'.
type Prolog struct {
	VMA          script.Expr
	Type         string
	Permissions  string
	AlignExpr    script.Expr
	SubAlignExpr script.Expr
	OnlyIfRO     bool
	OnlyIfRW     bool
	AtExpr       script.Expr
	Plugin       *script.PluginCmd
}

// Epilog is the resolved form of script.OutputSectEpilog: everything
// after an output section's body.
type Epilog struct {
	VMARegion string
	LMARegion string
	Phdrs     []string
	FillExpr  script.Expr
}

// BodyItemKind tags which kind of statement one OutputSectionEntry body
// slot holds. A body mixes rule-bearing input-section descriptions with
// plain assignment/fill/data statements in source order (§3's "fragments
// appear in rule order"; assignments interleaved between rules must run in
// that same order during address assignment so `.` reflects the right
// value when they execute).
type BodyItemKind int

const (
	BodyRule BodyItemKind = iota
	BodyAssign
	BodyFill
	BodyData
)

// BodyItem is one statement inside an output section's body, tagged by
// BodyItemKind with only the matching field populated.
type BodyItem struct {
	Kind   BodyItemKind
	Rule   *RuleContainer
	Assign *script.AssignCmd
	Fill   *script.FillCmd
	Data   *script.DataCmd
}

// OutputSectionEntry is §3's "OutputSectionEntry": one output section's
// name, declaration order, backing section id, body (rules plus
// interleaved assignments), and resolved prolog/epilog.
type OutputSectionEntry struct {
	Name    string
	Order   int
	Section arena.SectionId // the backing ELFSection that emits into the final file

	Items   []BodyItem
	Prolog  Prolog
	Epilog  Epilog

	Discard bool // true for /DISCARD/: produces no output, still visits its rules for gc-ignore bookkeeping

	// hidden reports whether this entry has no fragments and no symbol
	// assignment depends on its address, in which case the
	// address-assignment pass omits it from the final section table
	// (§4.5's "Empty rules are hidden unless referenced...").
	hidden bool
}

// Rules returns every RuleContainer in this entry's body, in body order.
func (e *OutputSectionEntry) Rules() []*RuleContainer {
	var out []*RuleContainer
	for _, it := range e.Items {
		if it.Kind == BodyRule {
			out = append(out, it.Rule)
		}
	}
	return out
}

// Empty reports whether every rule in this entry accumulated zero
// fragments, which is the precondition for §4.5's hidden-unless-referenced
// rule (referencing is the caller's concern: AssignAddresses only sets
// hidden and never unsets it based on symbol dependence, since tracking
// "does any assignment expression read ADDR(this)" belongs to
// internal/symres/the expression engine, not this package).
func (e *OutputSectionEntry) Empty() bool {
	for _, r := range e.Rules() {
		if len(r.Accumulator.Fragments) > 0 {
			return false
		}
	}
	return true
}

// Hidden reports whether AssignAddresses decided to omit this entry.
func (e *OutputSectionEntry) Hidden() bool { return e.hidden }
