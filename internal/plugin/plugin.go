// Package plugin implements §4.11's plugin coordination: a LinkState
// machine that gates which chunk/section operations a plugin may perform
// at a given point in the pipeline, and a registry of stable per-plugin
// LinkerWrapper-equivalent handles.
package plugin

import (
	"fmt"
	"sync"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
)

// LinkState is the four-phase state machine §4.11 validates plugin
// operations against.
type LinkState int

const (
	StateInitializing LinkState = iota
	StateCreatingSections
	StateCreatingSegments
	StateAfterLayout
)

func (s LinkState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateCreatingSections:
		return "CreatingSections"
	case StateCreatingSegments:
		return "CreatingSegments"
	case StateAfterLayout:
		return "AfterLayout"
	default:
		return "Unknown"
	}
}

// chunkKey identifies one fragment's membership in one rule, the unit
// addChunk/removeChunk/updateChunks track duplicates and removals
// against.
type chunkKey struct {
	rule *layout.RuleContainer
	frag arena.FragmentId
}

// Core is the shared state every plugin's Wrapper operates against: one
// LinkState, one duplicate-add ledger, for the whole link. Registry hands
// out a distinct Wrapper per plugin so diagnostics and map output can
// name which plugin did what, but all of them validate against this same
// Core, since LinkState is a property of the link, not of one plugin.
type Core struct {
	mu    sync.Mutex
	state LinkState
	added map[chunkKey]struct{}

	SM    *layout.SectionMap
	Store *input.Store
	Diag  *diag.Engine
}

// NewCore returns a Core starting in StateInitializing.
func NewCore(sm *layout.SectionMap, store *input.Store, d *diag.Engine) *Core {
	return &Core{SM: sm, Store: store, Diag: d, added: make(map[chunkKey]struct{})}
}

// State reports the current LinkState.
func (c *Core) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Advance moves the link to next. States only ever move forward — a
// plugin asking to rewind the pipeline is a programming error in the
// core's own phase sequencing, not something a plugin could trigger, so
// this isn't one of the Diag::InvalidLinkState cases §4.11 names for
// plugin-supplied operations.
func (c *Core) Advance(next LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next > c.state {
		c.state = next
	}
}

func (c *Core) requireState(op string, allowed ...LinkState) error {
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return c.Diag.Fatalf(diag.CategoryPlugin, diag.Location{},
		"%s: invalid link state %s, expected one of %v", op, cur, allowed)
}

// chunkMutableStates is when a rule's fragment membership may still be
// changed by a plugin: before AssignAddresses has fixed every fragment's
// offset within its section. §4.11 doesn't pin an exact per-operation
// state table, so this is an explicit design decision (recorded in
// DESIGN.md) rather than one read directly off the spec.
var chunkMutableStates = []LinkState{StateCreatingSections}

// AddChunk appends fragID to rule's fragment list. Returns
// Diag::MultipleChunkAdd (as a fatal diagnostic) if fragID is already a
// member of rule.
func (c *Core) AddChunk(rule *layout.RuleContainer, fragID arena.FragmentId) error {
	if err := c.requireState("addChunk", chunkMutableStates...); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chunkKey{rule, fragID}
	if _, dup := c.added[key]; dup {
		return c.Diag.Fatalf(diag.CategoryPlugin, diag.Location{}, "addChunk: fragment already added to this rule")
	}
	rule.Accumulator.Fragments = append(rule.Accumulator.Fragments, fragID)
	c.added[key] = struct{}{}
	return nil
}

// RemoveChunk removes fragID from rule's fragment list. Returns
// Diag::ChunkNotFound (as a fatal diagnostic) if fragID isn't a member.
func (c *Core) RemoveChunk(rule *layout.RuleContainer, fragID arena.FragmentId) error {
	if err := c.requireState("removeChunk", chunkMutableStates...); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frags := rule.Accumulator.Fragments
	idx := -1
	for i, f := range frags {
		if f == fragID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return c.Diag.Fatalf(diag.CategoryPlugin, diag.Location{}, "removeChunk: fragment not found in this rule")
	}
	rule.Accumulator.Fragments = append(frags[:idx], frags[idx+1:]...)
	delete(c.added, chunkKey{rule, fragID})
	return nil
}

// UpdateChunks replaces rule's entire fragment list with fragIDs.
func (c *Core) UpdateChunks(rule *layout.RuleContainer, fragIDs []arena.FragmentId) error {
	if err := c.requireState("updateChunks", chunkMutableStates...); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.added {
		if key.rule == rule {
			delete(c.added, key)
		}
	}
	rule.Accumulator.Fragments = append([]arena.FragmentId(nil), fragIDs...)
	for _, f := range fragIDs {
		c.added[chunkKey{rule, f}] = struct{}{}
	}
	return nil
}

// SetSectionOverride redirects sec's output-section assignment, before
// FindOrInsert/rule matching has finalized it.
func (c *Core) SetSectionOverride(sec *input.SectionBase, output arena.OutputSectionId) error {
	if err := c.requireState("setSectionOverride", StateInitializing, StateCreatingSections); err != nil {
		return err
	}
	sec.OutputSection = output
	return nil
}

// Wrapper is one plugin's stable handle, sharing the link's Core state
// machine but carrying its own identity for attribution: every section it
// creates is owned by Origin, a synthetic input.InternalFile labeled with
// the plugin's name, so diagnostics and map output read "from plugin
// foo" instead of "no input" (§4.11's "attributed to a synthetic Plugin
// input" requirement).
type Wrapper struct {
	*Core
	Name   string
	Origin arena.InputId
}

// Registry hands out one stable Wrapper per plugin name, all sharing one
// Core.
type Registry struct {
	core *Core

	mu       sync.Mutex
	wrappers map[string]*Wrapper
}

// NewRegistry returns a Registry backed by a fresh Core in
// StateInitializing.
func NewRegistry(sm *layout.SectionMap, store *input.Store, d *diag.Engine) *Registry {
	return &Registry{core: NewCore(sm, store, d), wrappers: make(map[string]*Wrapper)}
}

// Advance moves every handle's shared LinkState forward.
func (r *Registry) Advance(next LinkState) {
	r.core.Advance(next)
}

// Handle returns name's Wrapper, creating it (and its synthetic
// attribution input) on first use.
func (r *Registry) Handle(name string) *Wrapper {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.wrappers[name]; ok {
		return w
	}
	origin := r.core.Store.AddInput(input.Input{
		OriginalPath: fmt.Sprintf("<plugin:%s>", name),
		File:         input.NewInternalFile(0, "Plugin:"+name),
	})
	w := &Wrapper{Core: r.core, Name: name, Origin: origin}
	r.wrappers[name] = w
	return w
}
