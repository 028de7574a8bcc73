package arm64

import (
	"errors"
	"fmt"
)

// Fixed encodings.
const (
	NOP     uint32 = 0xD503201F
	RET     uint32 = 0xD65F03C0
	RETAB   uint32 = 0xD65F0FFF
	PACIBSP uint32 = 0xD503237F
	BTI     uint32 = 0xD503241F
	BTIC    uint32 = 0xD503245F
	BTIJ    uint32 = 0xD503249F
	UDF0    uint32 = 0x00000000
	BRK0    uint32 = 0xD4200000
	BLRX16  uint32 = 0xD63F0200

	MovX0_0   uint32 = 0xD2800000 // mov x0, #0
	MovX0_1   uint32 = 0xD2800020 // mov x0, #1
	MovW0_0   uint32 = 0x52800000 // mov w0, #0
	MovW0_1   uint32 = 0x52800020 // mov w0, #1
	CmpW0W0   uint32 = 0x6B00001F // cmp w0, w0
	CmpX0X0   uint32 = 0xEB00001F // cmp x0, x0
	CmpXZRXZR uint32 = 0xEB1F03FF // cmp xzr, xzr
	MovX8XZR  uint32 = 0xAA1F03E8 // mov x8, xzr
	MovX0XZR  uint32 = 0xAA1F03E0 // mov x0, xzr
)

var (
	// ErrBranchRange is returned when a displacement does not fit the
	// immediate field of the requested branch.
	ErrBranchRange = errors.New("branch displacement out of range")
	// ErrUnaligned is returned for branch sources or targets that are not
	// word aligned.
	ErrUnaligned = errors.New("branch endpoint not 4-byte aligned")
)

func displacement(from, to uint64, bits uint) (uint32, error) {
	if from%4 != 0 || to%4 != 0 {
		return 0, fmt.Errorf("%#x -> %#x: %w", from, to, ErrUnaligned)
	}
	delta := (int64(to) - int64(from)) / 4
	limit := int64(1) << (bits - 1)
	if delta < -limit || delta >= limit {
		return 0, fmt.Errorf("%#x -> %#x does not fit imm%d: %w", from, to, bits, ErrBranchRange)
	}
	return uint32(delta) & (1<<bits - 1), nil
}

// EncodeB encodes b to from from.
func EncodeB(from, to uint64) (uint32, error) {
	d, err := displacement(from, to, 26)
	if err != nil {
		return 0, err
	}
	return 0x14000000 | d, nil
}

// EncodeBL encodes bl to from from.
func EncodeBL(from, to uint64) (uint32, error) {
	d, err := displacement(from, to, 26)
	if err != nil {
		return 0, err
	}
	return 0x94000000 | d, nil
}

// EncodeBCond encodes b.cond to from from.
func EncodeBCond(c Cond, from, to uint64) (uint32, error) {
	d, err := displacement(from, to, 19)
	if err != nil {
		return 0, err
	}
	return 0x54000000 | d<<5 | uint32(c&0xF), nil
}

// EncodeCB encodes cbz (nonzero false) or cbnz on r.
func EncodeCB(nonzero bool, r Reg, from, to uint64) (uint32, error) {
	d, err := displacement(from, to, 19)
	if err != nil {
		return 0, err
	}
	w := 0x34000000 | d<<5 | uint32(r.Num&31)
	if nonzero {
		w |= 1 << 24
	}
	if r.Wide {
		w |= 1 << 31
	}
	return w, nil
}

// EncodeTB encodes tbz (nonzero false) or tbnz on bit of r.
func EncodeTB(nonzero bool, r Reg, bit uint8, from, to uint64) (uint32, error) {
	if bit > 63 || (!r.Wide && bit > 31) {
		return 0, fmt.Errorf("tbz bit %d out of range for %s", bit, r)
	}
	d, err := displacement(from, to, 14)
	if err != nil {
		return 0, err
	}
	w := 0x36000000 | uint32(bit>>5)<<31 | uint32(bit&0x1F)<<19 | d<<5 | uint32(r.Num&31)
	if nonzero {
		w |= 1 << 24
	}
	return w, nil
}

// EncodeADR encodes adr rd, to from from.
func EncodeADR(rd uint8, from, to uint64) (uint32, error) {
	delta := int64(to) - int64(from)
	if delta < -(1<<20) || delta >= 1<<20 {
		return 0, fmt.Errorf("adr %#x -> %#x: %w", from, to, ErrBranchRange)
	}
	v := uint32(delta) & 0x1FFFFF
	return 0x10000000 | (v&3)<<29 | (v>>2)<<5 | uint32(rd&31), nil
}

// EncodeADRP encodes adrp rd, page(to) from from.
func EncodeADRP(rd uint8, from, to uint64) (uint32, error) {
	delta := int64(to&^0xFFF) - int64(from&^0xFFF)
	pages := delta >> 12
	if pages < -(1<<20) || pages >= 1<<20 {
		return 0, fmt.Errorf("adrp %#x -> %#x: %w", from, to, ErrBranchRange)
	}
	v := uint32(pages) & 0x1FFFFF
	return 0x90000000 | (v&3)<<29 | (v>>2)<<5 | uint32(rd&31), nil
}

// EncodeCmpReg encodes cmp a, b (subs zr, a, b).
func EncodeCmpReg(a, b Reg) uint32 {
	w := 0x6B00001F | uint32(b.Num&31)<<16 | uint32(a.Num&31)<<5
	if a.Wide {
		w |= 1 << 31
	}
	return w
}

// EncodeMovReg encodes mov dst, src (orr dst, zr, src).
func EncodeMovReg(dst, src Reg) uint32 {
	w := 0x2A0003E0 | uint32(src.Num&31)<<16 | uint32(dst.Num&31)
	if dst.Wide {
		w |= 1 << 31
	}
	return w
}

// EncodeMovImm encodes mov rd, #v using movz, movn or a bitmask orr.
func EncodeMovImm(rd Reg, v uint64) (uint32, error) {
	if !rd.Wide {
		v &= 0xFFFFFFFF
	}
	sf := uint32(0)
	lanes := uint(2)
	if rd.Wide {
		sf = 1 << 31
		lanes = 4
	}
	for hw := uint(0); hw < lanes; hw++ {
		if v&^(0xFFFF<<(16*hw)) == 0 {
			return sf | 0x52800000 | uint32(hw)<<21 | uint32((v>>(16*hw))&0xFFFF)<<5 | uint32(rd.Num&31), nil
		}
	}
	inv := ^v
	if !rd.Wide {
		inv &= 0xFFFFFFFF
	}
	for hw := uint(0); hw < lanes; hw++ {
		if inv&^(0xFFFF<<(16*hw)) == 0 {
			return sf | 0x12800000 | uint32(hw)<<21 | uint32((inv>>(16*hw))&0xFFFF)<<5 | uint32(rd.Num&31), nil
		}
	}
	if n, immr, imms, ok := encodeBitMask(v, rd.Wide); ok {
		return sf | 0x320003E0 | n<<22 | immr<<16 | imms<<10 | uint32(rd.Num&31), nil
	}
	return 0, fmt.Errorf("mov %s, #%#x: immediate not encodable in one instruction", rd, v)
}
