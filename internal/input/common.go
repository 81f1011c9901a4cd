package input

import "fmt"

// CommonAllocPolicy selects how common symbols are bucketed during
// pre-layout common allocation (§4.5): a single .bss region, or a
// size-bucketed split the way Hexagon's small-data commons (SHN_HEXAGON_
// SCOMMON_{1,2,4,8}) require.
type CommonAllocPolicy int

const (
	// CommonAllocSingleBSS puts every common symbol in one .bss,
	// regardless of size. This is what every target but Hexagon uses,
	// including RISC-V.
	CommonAllocSingleBSS CommonAllocPolicy = iota
	// CommonAllocHexagonSCommon buckets commons into .scommon.{1,2,4,8}
	// by size, matching Hexagon's small-data common sections.
	CommonAllocHexagonSCommon
)

// CommonSectionName returns the synthetic section name a common symbol
// of the given size should be allocated into under policy. Hexagon's
// rule matcher (§4.4) treats these as the same wildcard family as
// COMMON/COMMON.*, so the names here must match what match.Pattern
// expects on the other end.
func CommonSectionName(policy CommonAllocPolicy, size uint64) string {
	if policy == CommonAllocSingleBSS {
		return ".bss"
	}
	switch {
	case size <= 1:
		return ".scommon.1"
	case size <= 2:
		return ".scommon.2"
	case size <= 4:
		return ".scommon.4"
	default:
		return ".scommon.8"
	}
}

// ScommonBucket returns the scommon bucket size (1, 2, 4 or 8) a symbol
// of the given size falls into under the Hexagon policy. It panics if
// called under CommonAllocSingleBSS, where no bucketing applies.
func ScommonBucket(policy CommonAllocPolicy, size uint64) int {
	if policy != CommonAllocHexagonSCommon {
		panic(fmt.Sprintf("input: ScommonBucket called under policy %d", policy))
	}
	switch {
	case size <= 1:
		return 1
	case size <= 2:
		return 2
	case size <= 4:
		return 4
	default:
		return 8
	}
}
