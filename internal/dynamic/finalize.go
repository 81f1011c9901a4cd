package dynamic

import (
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/reloc"
)

// Result is what Finalize hands back: the synthesized dynamic-relocation
// section bytes (ready to drop straight into the .rela.dyn/.rela.plt
// OutputSectDataFragment, once the caller sizes and places one) plus the
// .dynamic entries and RELACOUNT the spec's testable property checks.
type Result struct {
	RelaDyn    []byte
	RelaPlt    []byte
	DynEntries []elf.Dyn64 // in emission order; caller appends DT_NULL
	RelaCount  uint64      // number of R_*_RELATIVE entries in RelaDyn, == DT_RELACOUNT
}

// Finalize runs once scan, apply and layout have all completed: it
// patches every PLT stub's real machine code (addresses are only final
// now), then synthesizes .rela.dyn, .rela.plt and the .dynamic entry
// list per §4.7's category breakdown ("DT_HASH|GNU_HASH, DT_STRTAB,
// DT_SYMTAB, DT_PLTGOT, DT_PLTRELSZ, DT_JMPREL, DT_RELA/RELASZ/RELAENT/
// RELACOUNT, DT_INIT/FINI/INIT_ARRAY*/FINI_ARRAY*, target-specific tags").
// dynsymIdx resolves a symbol to its .dynsym index; that table is built
// by the session's output-writing stage, not by Synth itself, since Synth
// only knows about GOT/PLT/copy reservations, not the symbol-table layout.
func (s *Synth) Finalize(dynsymIdx func(arena.SymbolId) uint32) Result {
	s.patchPLTStubs()

	var relaDyn, relaPlt []byte
	var relaCount uint64

	relative := func(sec arena.SectionId, offset uint64, addend int64) {
		rela := elf.Rela64{Off: sectionOffset(s.Store, sec, offset), Info: elf.R_INFO(0, relativeType(s.Opts.Machine)), Addend: addend}
		relaDyn = appendRela(relaDyn, rela)
		relaCount++
	}
	globDat := func(sec arena.SectionId, offset uint64, sym arena.SymbolId) {
		rela := elf.Rela64{Off: sectionOffset(s.Store, sec, offset), Info: elf.R_INFO(dynsymIdx(sym), globDatType(s.Opts.Machine))}
		relaDyn = appendRela(relaDyn, rela)
	}

	for _, key := range s.gotOrder {
		fragID := s.got[key]
		if key.sym == 0 {
			continue // GOT[0] (_DYNAMIC) needs no dynamic relocation
		}
		addr, resolved := input.SymbolAddress(s.Store, key.sym)
		sec := (*s.Store.Fragment(fragID)).Base().Section
		off := (*s.Store.Fragment(fragID)).Base().PaddedOffset()
		switch {
		case key.kind == reloc.GOTRegular && resolved && s.Opts.Shared:
			relative(sec, off, int64(addr))
		case key.kind == reloc.GOTRegular && !resolved:
			globDat(sec, off, key.sym)
		}
	}

	for _, sym := range s.pltOrder {
		gotFragID := s.gotpltSlot[sym]
		sec := (*s.Store.Fragment(gotFragID)).Base().Section
		off := (*s.Store.Fragment(gotFragID)).Base().PaddedOffset()
		rela := elf.Rela64{Off: sectionOffset(s.Store, sec, off), Info: elf.R_INFO(dynsymIdx(sym), jumpSlotType(s.Opts.Machine))}
		relaPlt = appendRela(relaPlt, rela)
	}

	for _, sym := range s.copyOrder {
		fragID := s.copyReloc[sym]
		sec := (*s.Store.Fragment(fragID)).Base().Section
		off := (*s.Store.Fragment(fragID)).Base().PaddedOffset()
		rela := elf.Rela64{Off: sectionOffset(s.Store, sec, off), Info: elf.R_INFO(dynsymIdx(sym), copyType(s.Opts.Machine))}
		relaDyn = appendRela(relaDyn, rela)
	}

	for _, d := range s.dynRelocs {
		rela := elf.Rela64{Off: sectionOffset(s.Store, d.Section, d.Offset), Info: elf.R_INFO(dynsymIdxOrZero(d, dynsymIdx), d.Type), Addend: d.Addend}
		if d.PLT {
			relaPlt = appendRela(relaPlt, rela)
		} else {
			relaDyn = appendRela(relaDyn, rela)
			if d.Symbol == 0 {
				relaCount++
			}
		}
	}

	entries := s.dynamicEntries(len(relaDyn), len(relaPlt), relaCount)
	return Result{RelaDyn: relaDyn, RelaPlt: relaPlt, DynEntries: entries, RelaCount: relaCount}
}

func dynsymIdxOrZero(d reloc.DynReloc, dynsymIdx func(arena.SymbolId) uint32) uint32 {
	if d.Symbol == 0 {
		return 0
	}
	return dynsymIdx(d.Symbol)
}

func appendRela(buf []byte, r elf.Rela64) []byte {
	var tmp [24]byte
	binary.LittleEndian.PutUint64(tmp[0:8], r.Off)
	binary.LittleEndian.PutUint64(tmp[8:16], r.Info)
	binary.LittleEndian.PutUint64(tmp[16:24], uint64(r.Addend))
	return append(buf, tmp[:]...)
}

func sectionOffset(store *input.Store, sec arena.SectionId, fragOffset uint64) uint64 {
	base := (*store.Section(sec)).Base()
	return base.Address() + fragOffset
}

func relativeType(m elf.Machine) uint32 {
	if m == HexagonMachine {
		return 35 // R_HEX_RELATIVE
	}
	return uint32(elf.R_RISCV_RELATIVE)
}

func globDatType(m elf.Machine) uint32 {
	if m == HexagonMachine {
		return 33 // R_HEX_GLOB_DAT
	}
	return uint32(elf.R_RISCV_64)
}

func jumpSlotType(m elf.Machine) uint32 {
	if m == HexagonMachine {
		return 34 // R_HEX_JMP_SLOT
	}
	return uint32(elf.R_RISCV_JUMP_SLOT)
}

func copyType(m elf.Machine) uint32 {
	if m == HexagonMachine {
		return 32 // R_HEX_COPY
	}
	return uint32(elf.R_RISCV_COPY)
}

// patchPLTStubs rewrites every reserved PLT fragment's code bytes now
// that layout has assigned final addresses to both the stub and the
// GOT.PLT slot it indirects through.
func (s *Synth) patchPLTStubs() {
	patch := func(pltFragID, gotFragID arena.FragmentId) {
		pltAddr := input.FragmentAddress(s.Store, pltFragID)
		gotAddr := input.FragmentAddress(s.Store, gotFragID)
		data := (*s.Store.Fragment(pltFragID)).(*input.PLTFragment).Data
		if s.Opts.Machine == HexagonMachine {
			patchHexagon(data, gotAddr)
		} else {
			patchRISCV(data, pltAddr, gotAddr)
		}
	}
	// PLT0 indirects through GOTPLT[0]; since ReservePLT never allocates a
	// dedicated symbol-independent GOTPLT[0] fragment (only per-symbol
	// slots), PLT0 reads the first per-symbol slot's address as a stand-in
	// base when no such fragment exists.
	if s.plt0.Valid() && len(s.pltOrder) > 0 {
		patch(s.plt0, s.gotpltSlot[s.pltOrder[0]])
	}
	for _, sym := range s.pltOrder {
		patch(s.pltSlot[sym], s.gotpltSlot[sym])
	}
}

// dynamicEntries builds the .dynamic entry list in the category order
// §4.7 names. Sizes/offsets for DT_STRTAB/DT_SYMTAB/DT_HASH etc. are
// filled in by the session's output stage once the whole output image is
// laid out; Synth only contributes the entries it alone has the data
// for (PLT/JMPREL/RELA/RELACOUNT and the target-specific tag).
func (s *Synth) dynamicEntries(relaDynLen, relaPltLen int, relaCount uint64) []elf.Dyn64 {
	var entries []elf.Dyn64
	if relaDynLen > 0 {
		entries = append(entries,
			elf.Dyn64{Tag: int64(elf.DT_RELA), Val: 0}, // address patched once .rela.dyn is placed
			elf.Dyn64{Tag: int64(elf.DT_RELASZ), Val: uint64(relaDynLen)},
			elf.Dyn64{Tag: int64(elf.DT_RELAENT), Val: 24},
			elf.Dyn64{Tag: int64(elf.DT_RELACOUNT), Val: relaCount},
		)
	}
	if relaPltLen > 0 {
		entries = append(entries,
			elf.Dyn64{Tag: int64(elf.DT_PLTRELSZ), Val: uint64(relaPltLen)},
			elf.Dyn64{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_RELA)},
			elf.Dyn64{Tag: int64(elf.DT_JMPREL), Val: 0}, // address patched once .rela.plt is placed
		)
	}
	if s.Opts.Machine == HexagonMachine {
		entries = append(entries, elf.Dyn64{Tag: 0x70000001, Val: 3}) // DT_HEXAGON_VER
	}
	return entries
}
