package symres

import (
	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
)

// Member is one archive member available for lazy extraction: its Input
// id (already present in the Store, symbols and all — §2 leaves object
// parsing outside this package) plus the occurrences its symbol table
// would contribute if pulled. No index is built up front: on every pass
// ResolveGroup recomputes each not-yet-pulled member's exported names
// from Symbols to decide whether the member is needed.
type Member struct {
	Input   arena.InputId
	Symbols []Occurrence
}

func (m Member) exports() []string {
	var names []string
	for _, occ := range m.Symbols {
		if occ.isDefined() || occ.isCommon() {
			names = append(names, occ.Name)
		}
	}
	return names
}

// ResolveGroup runs §4.9's multi-pass archive resolution over members: a
// strong (non-weak) undefined name in the pool pulls in the first
// not-yet-pulled member that defines or commons it, observing every
// occurrence that member carries, repeating across the whole member list
// until a full pass pulls nothing new (a fixed point) — the behavior
// `--start-group`/`--end-group` asks for explicitly, and what GNU ld does
// for every archive even without an explicit group.
func (r *Resolver) ResolveGroup(members []Member) {
	pulled := make([]bool, len(members))

	for {
		changed := false
		for i, m := range members {
			if pulled[i] {
				continue
			}
			if !r.satisfiesOutstanding(m) {
				continue
			}
			pulled[i] = true
			changed = true
			for _, occ := range m.Symbols {
				r.Observe(occ)
			}
		}
		if !changed {
			return
		}
	}
}

// satisfiesOutstanding reports whether m exports a name the pool
// currently has as a strong (non-weak) undefined reference, or as an
// EXTERN()/--undefined forced reference.
func (r *Resolver) satisfiesOutstanding(m Member) bool {
	for _, name := range m.exports() {
		if r.externForced[name] {
			return true
		}
		id, ok := r.names[name]
		if !ok {
			continue
		}
		if r.Store.Symbol(id).Desc == input.DescUndefined {
			return true
		}
	}
	return false
}
