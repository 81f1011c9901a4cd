package layout

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/match"
	"github.com/xyproto/eld/internal/script"
)

// RuleContainer is the layout-owned half of §3's "Rule (InputSectDesc/
// RuleContainer)": it embeds the matching-relevant match.RuleSpec built
// from an InputSectDesc, and adds what matching itself doesn't need — the
// list of input sections SectionMap.FindOrInsert attached to it, and the
// Accumulator ELFSection whose Fragments field Finalize fills in, in final
// (post-sort) order, for the address-assignment pass to walk.
type RuleContainer struct {
	match.RuleSpec

	Output      arena.OutputSectionId
	Accumulator *input.ELFSection

	matchedSections []arena.SectionId
	sortKeys        []match.SortKey
	finalized       bool
}

// NewRuleContainer returns a RuleContainer ready to accumulate matched
// input sections for the given output section.
func NewRuleContainer(spec match.RuleSpec, output arena.OutputSectionId) *RuleContainer {
	return &RuleContainer{
		RuleSpec:    spec,
		Output:      output,
		Accumulator: input.NewELFSection("", 0, 0),
	}
}

// Attach records one matched input section, in match order, along with
// the sort key (section name, alignment) its pattern's sort policy needs.
// Sorting itself is deferred to Finalize: §4.4 applies sort policies once,
// when fragments are appended to the rule for layout, not as each section
// is matched.
func (rc *RuleContainer) Attach(secID arena.SectionId, name string, alignment uint64) {
	rc.matchedSections = append(rc.matchedSections, secID)
	rc.sortKeys = append(rc.sortKeys, match.SortKey{
		Name: name, Alignment: alignment, Index: len(rc.sortKeys),
	})
	rc.finalized = false
}

// Finalize sorts the rule's matched sections by the first section
// pattern's sort policy (the common case: one parenthesized group per
// rule) and flattens each section's own fragment list, in that order,
// into Accumulator.Fragments. Idempotent: a second call with no
// intervening Attach is a no-op, so AssignAddresses can call it
// unconditionally at the top of every layout pass.
func (rc *RuleContainer) Finalize(sections *arena.Arena[input.Section]) {
	if rc.finalized {
		return
	}
	policy := script.SortNone
	if len(rc.Patterns) > 0 {
		policy = rc.Patterns[0].Sort
	}
	order := append([]match.SortKey(nil), rc.sortKeys...)
	match.ApplyFragmentSort(policy, order)

	fragments := rc.Accumulator.Fragments[:0]
	for _, k := range order {
		secID := rc.matchedSections[k.Index]
		sec := *sections.Get(arena.Id(secID))
		fragments = append(fragments, sec.Base().Fragments...)
	}
	rc.Accumulator.Fragments = fragments
	rc.finalized = true
}
