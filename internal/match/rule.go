package match

import "github.com/xyproto/eld/internal/script"

// Policy controls whether a rule's matched fragments are collectable and
// reorderable, and whether the rule is a linker-inserted catch-all
// (§3: Keep/NoKeep/SpecialKeep/SpecialNoKeep/Fixed/KeepFixed).
type Policy int

const (
	NoKeep Policy = iota
	Keep
	SpecialKeep
	SpecialNoKeep
	Fixed
	KeepFixed
)

// Collectable reports whether sections matched under this policy may be
// dropped by --gc-sections.
func (p Policy) Collectable() bool {
	return p == NoKeep || p == SpecialNoKeep
}

// Reorderable reports whether the matcher/layout may move fragments
// matched under this policy relative to one another via sort policies.
func (p Policy) Reorderable() bool {
	return p != Fixed && p != KeepFixed
}

// Special reports whether this policy marks a linker-inserted catch-all
// rule rather than one written in the script.
func (p Policy) Special() bool {
	return p == SpecialKeep || p == SpecialNoKeep
}

// SectionPatternSpec is one parenthesized section pattern inside a rule's
// input-section description, with its own sort policy and local
// EXCLUDE_FILE list. Sort composition (e.g. SORT_BY_NAME wrapping
// SORT_BY_ALIGNMENT) is already resolved to a single script.SortPolicy by
// the parser (internal/script's composeSortPolicy).
type SectionPatternSpec struct {
	Pattern  Pattern
	Sort     script.SortPolicy
	Excludes []Pattern
}

// RuleSpec is the matching-relevant half of a linker-script rule (§3's
// "Rule (InputSectDesc/RuleContainer)"): the file/archive-member pattern,
// global EXCLUDE_FILE list and ordered section patterns tried against
// each candidate section. internal/layout's RuleContainer embeds a
// RuleSpec and adds the rest: the fragment accumulator and the output
// section it belongs to.
type RuleSpec struct {
	FilePattern    Pattern
	IsArchive      bool
	MemberPattern  Pattern // Empty() if the rule specified no archive-member restriction
	GlobalExcludes []Pattern
	Patterns       []SectionPatternSpec
	Policy         Policy
}

// RuleSet owns every Pattern compiled for one linker script, assigning
// each a stable id so Engine's per-(Input, Pattern) cache has a key that
// survives for the life of the link.
type RuleSet struct {
	Rules    []RuleSpec
	nextID   int
}

// NewRuleSet returns an empty RuleSet ready to accept rules built with
// its Compile* helpers.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Compile allocates a fresh Pattern with the next stable id in rs.
func (rs *RuleSet) Compile(raw string) Pattern {
	p := CompilePattern(raw, rs.nextID)
	rs.nextID++
	return p
}

// Add appends spec to the rule set in declaration order (matching order
// per §4.4's "for each rule in declaration order").
func (rs *RuleSet) Add(spec RuleSpec) int {
	rs.Rules = append(rs.Rules, spec)
	return len(rs.Rules) - 1
}
