package dynamic

import "encoding/binary"

// RISC-V PLT entries follow the psABI's auipc/ld/jalr shape, the same
// U-type/I-type encodings internal/reloc/riscv patches relocations with
// (grounded on the teacher's riscv64_instructions.go encodeUType/
// encodeIType). PLT0 and PLTn are both three real instructions plus a
// trailing nop to round out to riscvPLTEntrySize; Reserve* allocates the
// fragment before GOT/PLT addresses are final, so the bytes start as
// zero-filled placeholders and patchRISCV fills in the real auipc/ld/jalr
// immediates once layout has run (the same reserve-then-patch split
// Scan/Apply use for ordinary relocations).
const riscvPLTEntrySize = 16

func riscvPLTPlaceholder() []byte {
	return make([]byte, riscvPLTEntrySize)
}

const (
	opAUIPC  = 0x17
	opJALR   = 0x67
	opLoad   = 0x03
	funct3LD = 0x3 // ld (64-bit)
	regT1    = 6
	regT3    = 28
)

func encodeUType(opcode, rd, imm uint32) uint32 {
	return (imm & 0xfffff000) | (rd << 7) | opcode
}

func encodeIType(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// patchRISCV writes pltAddr's instruction bytes in place: auipc t3,
// %hi(gotAddr-pltAddr); ld t3, %lo(gotAddr-pltAddr)(t3); jalr t1, 0(t3).
// Every PLTn entry (and PLT0, whose "GOT slot" is GOTPLT[0]) uses this
// same three-instruction sequence.
func patchRISCV(buf []byte, pltAddr, gotAddr uint64) {
	disp := int64(gotAddr) - int64(pltAddr)
	hi := uint32(disp+0x800) & 0xfffff000
	lo := int32(disp - int64(int32(hi)))

	binary.LittleEndian.PutUint32(buf[0:4], encodeUType(opAUIPC, regT3, hi))
	binary.LittleEndian.PutUint32(buf[4:8], encodeIType(opLoad, funct3LD, regT3, regT3, lo))
	binary.LittleEndian.PutUint32(buf[8:12], encodeIType(opJALR, 0, regT1, regT3, 0))
	binary.LittleEndian.PutUint32(buf[12:16], 0x00000013) // nop (addi x0,x0,0)
}
