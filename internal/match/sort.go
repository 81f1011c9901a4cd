package match

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/xyproto/eld/internal/script"
)

// SortKey is the minimal view ApplyFragmentSort needs of one matched
// input section. Index records match order, which is how a caller maps a
// sorted key back to its section. The name and alignment sorts leave
// ties where they are (every sort here is stable), so a composite
// policy's second pass keeps the first pass's order among equal keys.
type SortKey struct {
	Name      string
	Alignment uint64
	Index     int
}

// ApplyFragmentSort reorders keys in place per policy (§4.4: sort
// policies apply when fragments are appended to their rule, not at
// match time). Composite policies apply the inner key first and the
// outer key second; since both passes are stable, ties on the outer key
// keep the inner key's relative order, which is exactly "apply outer
// then inner as a stable two-key sort" read right-to-left.
func ApplyFragmentSort(policy script.SortPolicy, keys []SortKey) {
	switch policy {
	case script.SortNone:
		return
	case script.SortByName:
		sortByName(keys)
	case script.SortByAlignment:
		sortByAlignment(keys)
	case script.SortByInitPriority:
		sortByInitPriority(keys)
	case script.SortNameAlignment:
		sortByAlignment(keys)
		sortByName(keys)
	case script.SortAlignmentName:
		sortByName(keys)
		sortByAlignment(keys)
	}
}

func sortByName(keys []SortKey) {
	slices.SortStableFunc(keys, func(a, b SortKey) int {
		if a.Name != b.Name {
			return strings.Compare(a.Name, b.Name)
		}
		return 0
	})
}

func sortByAlignment(keys []SortKey) {
	slices.SortStableFunc(keys, func(a, b SortKey) int {
		// Descending alignment, per §4.4.
		if a.Alignment != b.Alignment {
			if a.Alignment > b.Alignment {
				return -1
			}
			return 1
		}
		return 0
	})
}

func sortByInitPriority(keys []SortKey) {
	slices.SortStableFunc(keys, func(a, b SortKey) int {
		pa, oka := initPrioritySuffix(a.Name)
		pb, okb := initPrioritySuffix(b.Name)
		switch {
		case oka && okb && pa != pb:
			return pa - pb
		case oka != okb:
			// Absent suffix sorts last.
			if oka {
				return -1
			}
			return 1
		default:
			return a.Index - b.Index
		}
	})
}

// initPrioritySuffixPrefixes are the section-name families
// SORT_BY_INIT_PRIORITY parses a numeric suffix from.
var initPrioritySuffixPrefixes = []string{
	".init_array.", ".fini_array.", ".ctors.", ".dtors.",
}

func initPrioritySuffix(name string) (priority int, ok bool) {
	for _, prefix := range initPrioritySuffixPrefixes {
		if strings.HasPrefix(name, prefix) {
			n, err := strconv.Atoi(name[len(prefix):])
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
