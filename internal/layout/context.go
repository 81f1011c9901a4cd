package layout

import "github.com/xyproto/eld/internal/script"

// layoutContext implements script.Context for the address-assignment pass
// (§4.3/§4.5). `.` is SectionMap's own dot cursor, shared across the
// whole pass rather than scoped per output section, since a later
// section's prolog may read SIZEOF/ADDR of an earlier one that already
// has an address. Symbol writes land in SectionMap.Symbols, the same map
// internal/symres reads from and writes to as names resolve elsewhere in
// the pipeline.
type layoutContext struct {
	sm *SectionMap
}

func (sm *SectionMap) newContext() *layoutContext { return &layoutContext{sm: sm} }

func (c *layoutContext) Dot() uint64     { return c.sm.dot }
func (c *layoutContext) SetDot(v uint64) { c.sm.dot = v }

func (c *layoutContext) SymbolValue(name string) (uint64, bool) {
	v, ok := c.sm.Symbols[name]
	return v, ok
}

func (c *layoutContext) SectionAddr(name string) (uint64, bool) {
	base := c.sm.namedSectionBase(name)
	if base == nil || !base.HasAddress() {
		return 0, false
	}
	return base.Address(), true
}

func (c *layoutContext) SectionSize(name string) (uint64, bool) {
	base := c.sm.namedSectionBase(name)
	if base == nil {
		return 0, false
	}
	return base.Size(c.sm.Store.Fragments), true
}

func (c *layoutContext) SectionAlignOf(name string) (uint64, bool) {
	base := c.sm.namedSectionBase(name)
	if base == nil {
		return 0, false
	}
	return base.OrigAlign, true
}

func (c *layoutContext) SectionLoadAddr(name string) (uint64, bool) {
	v, ok := c.sm.loadAddrs[name]
	return v, ok
}

func (c *layoutContext) RegionOrigin(name string) (uint64, bool) {
	r, ok := c.sm.Regions[name]
	if !ok {
		return 0, false
	}
	return r.Origin, true
}

func (c *layoutContext) RegionLength(name string) (uint64, bool) {
	r, ok := c.sm.Regions[name]
	if !ok {
		return 0, false
	}
	return r.Length, true
}

func (c *layoutContext) CommonPageSize() uint64 { return c.sm.commonPageSize }
func (c *layoutContext) MaxPageSize() uint64    { return c.sm.maxPageSize }
func (c *layoutContext) SizeOfHeaders() uint64  { return c.sm.sizeOfHeaders }

// DataSegmentAlign approximates GNU ld's DATA_SEGMENT_ALIGN(maxpagesize,
// commonpagesize): align `.` up to the first argument, then add a further
// full alignment step if the natural padding is too small to absorb a
// commonpagesize-sized difference between VMA and LMA.
func (c *layoutContext) DataSegmentAlign(alignExpr, maxPageOffset script.Expr) (uint64, error) {
	align, err := alignExpr.Eval(c)
	if err != nil {
		return 0, err
	}
	offset, err := maxPageOffset.Eval(c)
	if err != nil {
		return 0, err
	}
	aligned := alignUp(c.sm.dot, align)
	if aligned-c.sm.dot >= offset {
		return aligned, nil
	}
	return aligned + align, nil
}

// DataSegmentEnd is GNU ld's DATA_SEGMENT_END(value): in this
// implementation it's a pass-through, since the two-pass RELRO-vs-final
// distinction DATA_SEGMENT_END exists for is resolved by AssignAddresses
// simply re-running to a fixed point rather than a dedicated second mode.
func (c *layoutContext) DataSegmentEnd(value script.Expr) (uint64, error) {
	return value.Eval(c)
}

// DataSegmentRelroEnd is DATA_SEGMENT_RELRO_END(offset, exp): align
// exp+offset up to the common page size, per GNU ld's own definition.
func (c *layoutContext) DataSegmentRelroEnd(exp, value script.Expr) (uint64, error) {
	e, err := exp.Eval(c)
	if err != nil {
		return 0, err
	}
	v, err := value.Eval(c)
	if err != nil {
		return 0, err
	}
	return alignUp(v+e, c.sm.commonPageSize), nil
}
