package match

import "path"

// SectionQuery is everything the matcher needs about one candidate input
// section. Callers (internal/layout) adapt their own Input/Section data
// into this rather than this package reaching into internal/input
// directly, so the matching algorithm stays independent of the arena.
type SectionQuery struct {
	InputOrdinal int // tie-break / cache key; stable per Input for the link's duration

	ResolvedPath string
	ArchivePath  string // "" unless this section's input is an archive member
	MemberName   string // archive member name, or basename for thin archives

	IsArchiveMember bool
	SectionName     string

	// PreferArchivePath selects the archive's own path over the member's
	// resolved path when matching the file pattern (the "compatibility
	// mode toggles which" clause in §4.4).
	PreferArchivePath bool
}

type cacheKey struct {
	ordinal    int
	patternID  int
}

// Engine runs §4.4's matching algorithm and memoizes results per
// (Input, Pattern) pair, since the spec flags this as the hot path.
type Engine struct {
	cache map[cacheKey]bool
}

// NewEngine returns a matcher with an empty cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[cacheKey]bool)}
}

// Find returns the index of the first rule in rs matching q (declaration
// order, §4.4 step 4), and the index of the SectionPatternSpec within
// that rule that matched (-1 if the rule has no section patterns and
// matched on file/archive alone). ok is false if no rule matched, in
// which case the caller falls through to its output section's implicit
// catch-all rule.
func (e *Engine) Find(rs *RuleSet, q SectionQuery) (ruleIdx, patternIdx int, ok bool) {
	for i := range rs.Rules {
		if pIdx, matched := e.matchRule(&rs.Rules[i], q); matched {
			return i, pIdx, true
		}
	}
	return -1, -1, false
}

func (e *Engine) cached(p Pattern, ordinal int, compute func() bool) bool {
	if p.Empty() {
		return compute()
	}
	key := cacheKey{ordinal: ordinal, patternID: p.id}
	if v, ok := e.cache[key]; ok {
		return v
	}
	v := compute()
	e.cache[key] = v
	return v
}

// matchRule implements steps 1-3 of §4.4 for a single rule.
func (e *Engine) matchRule(r *RuleSpec, q SectionQuery) (patternIdx int, ok bool) {
	// 1. Archive gate.
	if r.IsArchive && !q.IsArchiveMember {
		return -1, false
	}
	if !r.MemberPattern.Empty() {
		matched := e.cached(r.MemberPattern, q.InputOrdinal, func() bool {
			return r.MemberPattern.Match(q.MemberName)
		})
		if !matched {
			return -1, false
		}
	}

	// 2. File pattern: resolved path or archive path per compat mode,
	// with a thin-archive basename fallback.
	filePath := q.ResolvedPath
	if q.PreferArchivePath && q.ArchivePath != "" {
		filePath = q.ArchivePath
	}
	if !r.FilePattern.Empty() {
		matched := e.cached(r.FilePattern, q.InputOrdinal, func() bool {
			if r.FilePattern.Match(filePath) {
				return true
			}
			return r.FilePattern.Match(path.Base(filePath))
		})
		if !matched {
			return -1, false
		}
	}

	// A rule with no section-pattern list matches on file identity alone
	// (a whole-file rule, e.g. `libfoo.a(*)` with no parenthesized list).
	if len(r.Patterns) == 0 {
		return -1, true
	}

	// 3. Section patterns: exclusions evaluated first, per pattern.
	for i, sp := range r.Patterns {
		if sectionExcluded(r.GlobalExcludes, sp.Excludes, q) {
			continue
		}
		if sectionPatternMatches(sp.Pattern, q.SectionName) {
			return i, true
		}
	}
	return -1, false
}

func sectionExcluded(global, local []Pattern, q SectionQuery) bool {
	for _, list := range [][]Pattern{global, local} {
		for _, ex := range list {
			if ex.Match(q.ArchivePath) || ex.Match(q.MemberName) || ex.Match(q.ResolvedPath) {
				return true
			}
		}
	}
	return false
}
