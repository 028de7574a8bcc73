package arm64

// Decoder turns an instruction word at pc into an Instruction.
type Decoder interface {
	Decode(word uint32, pc uint64) Instruction
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(word uint32, pc uint64) Instruction

func (f DecoderFunc) Decode(word uint32, pc uint64) Instruction { return f(word, pc) }

// Native decodes with bitfield matching and has no external dependencies.
var Native Decoder = DecoderFunc(Decode)

func sext(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func reg(n uint32, wide bool) Reg { return Reg{Num: uint8(n & 31), Wide: wide} }

func regSP(n uint32, wide bool) Reg {
	r := reg(n, wide)
	if r.Num == 31 {
		r.SP = true
	}
	return r
}

// Decode decodes a single instruction word.
func Decode(w uint32, pc uint64) Instruction {
	i := Instruction{Address: pc, Raw: w}
	switch {
	case w&0xFFFFF01F == 0xD503201F:
		decodeHint(&i, (w>>5)&0x7F)
	case w&0xFFFFFC1F == 0xD65F0000:
		i.Op, i.Rn = OpRET, reg(w>>5, true)
	case w == 0xD65F0FFF:
		i.Op = OpRETAB
	case w&0xFFFFFC1F == 0xD61F0000:
		i.Op, i.Rn = OpBR, reg(w>>5, true)
	case w&0xFFFFFC1F == 0xD63F0000:
		i.Op, i.Rn = OpBLR, reg(w>>5, true)
	case w&0x7C000000 == 0x14000000:
		i.Op = OpB
		if w>>31 == 1 {
			i.Op = OpBL
		}
		i.Imm = sext(uint64(w&0x3FFFFFF), 26) * 4
		i.Target = uint64(int64(pc) + i.Imm)
	case w&0xFF000010 == 0x54000000:
		i.Op, i.Cond = OpBCond, Cond(w&0xF)
		i.Imm = sext(uint64((w>>5)&0x7FFFF), 19) * 4
		i.Target = uint64(int64(pc) + i.Imm)
	case w&0x7E000000 == 0x34000000:
		i.Op = OpCBZ
		if (w>>24)&1 == 1 {
			i.Op = OpCBNZ
		}
		i.Rd = reg(w, w>>31 == 1)
		i.Imm = sext(uint64((w>>5)&0x7FFFF), 19) * 4
		i.Target = uint64(int64(pc) + i.Imm)
	case w&0x7E000000 == 0x36000000:
		i.Op = OpTBZ
		if (w>>24)&1 == 1 {
			i.Op = OpTBNZ
		}
		i.Bit = uint8((w>>31)<<5 | (w>>19)&0x1F)
		i.Rd = reg(w, i.Bit >= 32)
		i.Imm = sext(uint64((w>>5)&0x3FFF), 14) * 4
		i.Target = uint64(int64(pc) + i.Imm)
	case w&0x1F000000 == 0x10000000:
		imm := sext(uint64((w>>5)&0x7FFFF)<<2|uint64((w>>29)&3), 21)
		i.Rd = reg(w, true)
		if w>>31 == 1 {
			i.Op, i.Imm = OpADRP, imm<<12
			i.Target = uint64(int64(pc&^0xFFF) + i.Imm)
		} else {
			i.Op, i.Imm = OpADR, imm
			i.Target = uint64(int64(pc) + imm)
		}
	case w&0x1F800000 == 0x11000000:
		decodeAddSubImm(&i, w)
	case w&0x1F200000 == 0x0B000000:
		decodeAddSubReg(&i, w)
	case w&0x1F800000 == 0x12000000:
		decodeLogicalImm(&i, w)
	case w&0x1F000000 == 0x0A000000:
		decodeLogicalReg(&i, w)
	case w&0x1F800000 == 0x12800000:
		decodeMoveWide(&i, w)
	case w&0x3B000000 == 0x39000000:
		decodeLoadStore(&i, w)
	case w&0x3A000000 == 0x28000000 && (w>>23)&3 != 0:
		decodePair(&i, w)
	case w&0x3F20FC00 == 0x38200000:
		size := w >> 30
		i.Op = OpLDADD
		i.Acquire = (w>>23)&1 == 1
		i.Ra = reg(w>>16, size == 3)
		i.Rd = reg(w, size == 3)
		i.Rn = regSP(w>>5, true)
	case w&0xFFF00000 == 0xD5300000:
		i.Op, i.Rd, i.Imm = OpMRS, reg(w, true), int64((w>>5)&0x7FFF)
	case w&0xFFF00000 == 0xD5100000:
		i.Op, i.Rd, i.Imm = OpMSR, reg(w, true), int64((w>>5)&0x7FFF)
	case w&0xFFFF0000 == 0:
		i.Op, i.Imm = OpUDF, int64(w&0xFFFF)
	case w&0xFFE0001F == 0xD4200000:
		i.Op, i.Imm = OpBRK, int64((w>>5)&0xFFFF)
	case w&0x7FE0F800 == 0x1AC00800:
		wide := w>>31 == 1
		i.Op = OpUDIV
		if (w>>10)&1 == 1 {
			i.Op = OpSDIV
		}
		i.Rd, i.Rn, i.Rm, i.HasRm = reg(w, wide), reg(w>>5, wide), reg(w>>16, wide), true
	case w&0x7FE00000 == 0x1B000000:
		wide := w>>31 == 1
		i.Op = OpMADD
		if (w>>15)&1 == 1 {
			i.Op = OpMSUB
		}
		i.Rd, i.Rn, i.Rm, i.Ra, i.HasRm = reg(w, wide), reg(w>>5, wide), reg(w>>16, wide), reg(w>>10, wide), true
	}
	return i
}

func decodeHint(i *Instruction, hint uint32) {
	i.Imm = int64(hint)
	switch {
	case hint == 0:
		i.Op = OpNOP
	case hint == 27:
		i.Op = OpPACIBSP
	case hint&0x79 == 0x20:
		i.Op = OpBTI
	default:
		i.Op = OpHint
	}
}

func decodeAddSubImm(i *Instruction, w uint32) {
	wide := w>>31 == 1
	sub := (w>>30)&1 == 1
	setFlags := (w>>29)&1 == 1
	i.Imm = int64((w >> 10) & 0xFFF)
	if (w>>22)&1 == 1 {
		i.Shift = 12
		i.Imm <<= 12
	}
	i.Rn = regSP(w>>5, wide)
	if setFlags {
		i.Rd = reg(w, wide)
	} else {
		i.Rd = regSP(w, wide)
	}
	switch {
	case !sub && !setFlags && i.Imm == 0 && (i.Rd.SP || i.Rn.SP):
		i.Op, i.Rm, i.HasRm = OpMOV, i.Rn, true
	case sub && setFlags && i.Rd.IsZR():
		i.Op = OpCMP
	case !sub && setFlags && i.Rd.IsZR():
		i.Op = OpCMN
	case sub && setFlags:
		i.Op = OpSUBS
	case sub:
		i.Op = OpSUB
	case setFlags:
		i.Op = OpADDS
	default:
		i.Op = OpADD
	}
}

func decodeAddSubReg(i *Instruction, w uint32) {
	wide := w>>31 == 1
	sub := (w>>30)&1 == 1
	setFlags := (w>>29)&1 == 1
	i.Rd, i.Rn, i.Rm, i.HasRm = reg(w, wide), reg(w>>5, wide), reg(w>>16, wide), true
	i.Imm = int64((w >> 10) & 0x3F)
	i.Shift = uint8((w >> 22) & 3)
	switch {
	case sub && setFlags && i.Rd.IsZR():
		i.Op = OpCMP
	case !sub && setFlags && i.Rd.IsZR():
		i.Op = OpCMN
	case sub && setFlags:
		i.Op = OpSUBS
	case sub:
		i.Op = OpSUB
	case setFlags:
		i.Op = OpADDS
	default:
		i.Op = OpADD
	}
}

func decodeLogicalImm(i *Instruction, w uint32) {
	wide := w>>31 == 1
	opc := (w >> 29) & 3
	v, ok := decodeBitMask((w>>22)&1, (w>>16)&0x3F, (w>>10)&0x3F, wide)
	if !ok {
		return
	}
	i.Imm = int64(v)
	i.Rn = reg(w>>5, wide)
	if opc == 3 {
		i.Rd = reg(w, wide)
	} else {
		i.Rd = regSP(w, wide)
	}
	switch opc {
	case 0:
		i.Op = OpAND
	case 1:
		i.Op = OpORR
		if i.Rn.IsZR() {
			i.Op = OpMOV
		}
	case 2:
		i.Op = OpEOR
	case 3:
		i.Op = OpANDS
		if i.Rd.IsZR() {
			i.Op = OpTST
		}
	}
}

func decodeLogicalReg(i *Instruction, w uint32) {
	wide := w>>31 == 1
	opc := (w >> 29) & 3
	invert := (w>>21)&1 == 1
	i.Rd, i.Rn, i.Rm, i.HasRm = reg(w, wide), reg(w>>5, wide), reg(w>>16, wide), true
	i.Imm = int64((w >> 10) & 0x3F)
	i.Shift = uint8((w >> 22) & 3)
	if invert {
		return
	}
	switch opc {
	case 0:
		i.Op = OpAND
	case 1:
		i.Op = OpORR
		if i.Rn.IsZR() && i.Imm == 0 && i.Shift == 0 {
			i.Op = OpMOV
		}
	case 2:
		i.Op = OpEOR
	case 3:
		i.Op = OpANDS
		if i.Rd.IsZR() {
			i.Op = OpTST
		}
	}
}

func decodeMoveWide(i *Instruction, w uint32) {
	wide := w>>31 == 1
	hw := (w >> 21) & 3
	if !wide && hw > 1 {
		return
	}
	imm := uint64((w >> 5) & 0xFFFF)
	i.Rd = reg(w, wide)
	switch (w >> 29) & 3 {
	case 0:
		v := ^(imm << (16 * hw))
		if !wide {
			v &= 0xFFFFFFFF
		}
		i.Op, i.Imm = OpMOV, int64(v)
	case 2:
		i.Op, i.Imm = OpMOV, int64(imm<<(16*hw))
	case 3:
		i.Op, i.Imm, i.Shift = OpMOVK, int64(imm), uint8(16*hw)
	}
}

func decodeLoadStore(i *Instruction, w uint32) {
	if (w>>26)&1 == 1 {
		return
	}
	size := w >> 30
	opc := (w >> 22) & 3
	i.Rn = regSP(w>>5, true)
	i.Imm = int64((w>>10)&0xFFF) << size
	switch {
	case size == 3 && opc == 0:
		i.Op, i.Rd = OpSTR, reg(w, true)
	case size == 3 && opc == 1:
		i.Op, i.Rd = OpLDR, reg(w, true)
	case size == 2 && opc == 0:
		i.Op, i.Rd = OpSTR, reg(w, false)
	case size == 2 && opc == 1:
		i.Op, i.Rd = OpLDR, reg(w, false)
	case size == 2 && opc == 2:
		i.Op, i.Rd = OpLDRSW, reg(w, true)
	case size == 1 && opc == 0:
		i.Op, i.Rd = OpSTRH, reg(w, false)
	case size == 1 && opc == 1:
		i.Op, i.Rd = OpLDRH, reg(w, false)
	case size == 0 && opc == 0:
		i.Op, i.Rd = OpSTRB, reg(w, false)
	case size == 0 && opc == 1:
		i.Op, i.Rd = OpLDRB, reg(w, false)
	}
}

func decodePair(i *Instruction, w uint32) {
	if (w>>26)&1 == 1 {
		return
	}
	opc := w >> 30
	if opc != 0 && opc != 2 {
		return
	}
	wide := opc == 2
	scale := int64(4)
	if wide {
		scale = 8
	}
	switch (w >> 23) & 3 {
	case 1:
		i.Index = IndexPost
	case 2:
		i.Index = IndexOffset
	case 3:
		i.Index = IndexPre
	}
	i.Op = OpSTP
	if (w>>22)&1 == 1 {
		i.Op = OpLDP
	}
	i.Rd, i.Ra, i.Rn = reg(w, wide), reg(w>>10, wide), regSP(w>>5, true)
	i.Imm = sext(uint64((w>>15)&0x7F), 7) * scale
}
