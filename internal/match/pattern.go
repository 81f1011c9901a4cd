// Package match implements the wildcard/archive/exclude rule matcher
// that decides which output-section rule an input section belongs to
// (spec §4.4). It deliberately knows nothing about internal/input's
// arena-backed Section/Input types: callers adapt their own data into a
// SectionQuery, so this package stays a pure, independently testable
// algorithm over strings and patterns -- the hot path the spec calls out
// ("runs per input section, often in the millions") is exactly where
// that kind of isolation pays for itself in benchmarking and fuzzing.
package match

import (
	"hash/fnv"
	"path"
	"strings"
)

// Pattern is a compiled wildcard pattern. Patterns with no glob
// meta-characters take the "single precomputed hash compare" fast path
// §4.4 calls for instead of going through path.Match.
type Pattern struct {
	Raw     string
	id      int
	hasMeta bool
	hashVal uint64
}

// CompilePattern compiles raw into a Pattern. id must be unique and
// stable for the lifetime of the RuleSet raw belongs to: it's the cache
// key's other half alongside the candidate's input ordinal.
func CompilePattern(raw string, id int) Pattern {
	return Pattern{
		Raw:     raw,
		id:      id,
		hasMeta: strings.ContainsAny(raw, "*?["),
		hashVal: fnvHash(raw),
	}
}

// Empty reports whether this Pattern was never set (an optional pattern
// slot, like a rule with no archive-member restriction).
func (p Pattern) Empty() bool { return p.Raw == "" }

// Match reports whether name satisfies the pattern. GNU-ld wildcards are
// fnmatch-shaped (*, ?, [...] character classes), which is exactly what
// path.Match implements; section names aren't paths, but the glob
// dialect is the same one the linker script grammar documents.
func (p Pattern) Match(name string) bool {
	if p.Raw == "" {
		return false
	}
	if p.Raw == "*" {
		return true
	}
	if !p.hasMeta {
		return p.hashVal == fnvHash(name) && p.Raw == name
	}
	ok, err := path.Match(p.Raw, name)
	return err == nil && ok
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// isScommonBucket reports whether raw is one of the four Hexagon
// small-data common bucket names.
func isScommonBucket(raw string) bool {
	switch raw {
	case ".scommon.1", ".scommon.2", ".scommon.4", ".scommon.8":
		return true
	default:
		return false
	}
}

// sectionPatternMatches implements §4.4's synthetic-common aliasing on
// top of ordinary glob matching: COMMON also matches COMMON.<suffix>,
// and each .scommon.N bucket also matches .scommon.N.<suffix>.
func sectionPatternMatches(p Pattern, name string) bool {
	if p.Match(name) {
		return true
	}
	if p.Raw == "COMMON" && strings.HasPrefix(name, "COMMON.") {
		return true
	}
	if isScommonBucket(p.Raw) && strings.HasPrefix(name, p.Raw+".") {
		return true
	}
	return false
}
