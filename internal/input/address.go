package input

import "github.com/xyproto/eld/internal/arena"

// FragmentAddress returns a fragment's final virtual address: its owning
// section's assigned base address (§4.5) plus the fragment's own padded
// offset within that section. Callers outside internal/layout (relocation
// apply, GOT/PLT synthesis, build-ID finalization) all need this same
// section-address-plus-fragment-offset sum, so it lives here rather than
// being reimplemented per consumer.
func FragmentAddress(store *Store, fragID arena.FragmentId) uint64 {
	frag := *store.Fragment(fragID)
	fb := frag.Base()
	secBase := (*store.Section(fb.Section)).Base()
	return secBase.Address() + fb.PaddedOffset()
}

// FragmentFileOffset returns a fragment's final byte offset within the
// output file image: its owning section's assigned file offset (§4.5)
// plus the fragment's own padded offset within that section. Build-ID
// finalization patches the finished image by this offset rather than by
// virtual address, since it operates on the file buffer before it's
// written to disk.
func FragmentFileOffset(store *Store, fragID arena.FragmentId) uint64 {
	frag := *store.Fragment(fragID)
	fb := frag.Base()
	secBase := (*store.Section(fb.Section)).Base()
	return secBase.Offset() + fb.PaddedOffset()
}

// SymbolAddress returns the final virtual address of a resolved symbol:
// its defining fragment's address plus the symbol's own byte offset
// within that fragment. It returns ok=false for a symbol with no fragment
// (still undefined, or a common that hasn't been allocated a backing
// fragment yet by AllocateCommons).
func SymbolAddress(store *Store, symID arena.SymbolId) (addr uint64, ok bool) {
	ri := store.Symbol(symID)
	if !ri.Fragment.Valid() {
		return 0, false
	}
	return FragmentAddress(store, ri.Fragment) + ri.Offset, true
}
