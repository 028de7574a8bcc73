package arm64

import (
	"github.com/blacktop/arm64-cgo/disassemble"
)

// Decomposed decodes with the arm64-cgo disassembler. The disassembler names
// the operation and supplies registers and branch targets; the bitfield
// decoder fills the scaled immediates and handles the words the disassembler
// rejects or names outside this package's vocabulary.
var Decomposed Decoder = DecoderFunc(decompose)

var decomposedOps = map[disassemble.Operation]Op{
	disassemble.ARM64_B:     OpB,
	disassemble.ARM64_BL:    OpBL,
	disassemble.ARM64_ADR:   OpADR,
	disassemble.ARM64_ADRP:  OpADRP,
	disassemble.ARM64_ADD:   OpADD,
	disassemble.ARM64_CMP:   OpCMP,
	disassemble.ARM64_MOV:   OpMOV,
	disassemble.ARM64_MOVK:  OpMOVK,
	disassemble.ARM64_LDR:   OpLDR,
	disassemble.ARM64_LDRB:  OpLDRB,
	disassemble.ARM64_LDRSW: OpLDRSW,
	disassemble.ARM64_STR:   OpSTR,
	disassemble.ARM64_STRB:  OpSTRB,
	disassemble.ARM64_MRS:   OpMRS,
	disassemble.ARM64_MSR:   OpMSR,
}

// register maps a disassembler register. W0..W30, WZR, WSP are followed by
// X0..X30, XZR, SP.
func register(r disassemble.Register) (Reg, bool) {
	var (
		n    uint8
		wide bool
	)
	switch {
	case r >= disassemble.REG_X0 && r <= disassemble.REG_X0+32:
		n, wide = uint8(r-disassemble.REG_X0), true
	case r >= disassemble.REG_W0 && r <= disassemble.REG_W0+32:
		n = uint8(r - disassemble.REG_W0)
	default:
		return Reg{}, false
	}
	if n == 32 {
		return Reg{Num: 31, Wide: wide, SP: true}, true
	}
	return Reg{Num: n, Wide: wide}, true
}

type operands struct{ *disassemble.Instruction }

func (d operands) reg(n int) (Reg, bool) {
	if n >= len(d.Operands) || len(d.Operands[n].Registers) == 0 {
		return Reg{}, false
	}
	return register(d.Operands[n].Registers[0])
}

func (d operands) isReg(n int) bool {
	return n < len(d.Operands) && d.Operands[n].Class == disassemble.REG
}

func (d operands) label(n int) (uint64, bool) {
	if n >= len(d.Operands) || d.Operands[n].Class != disassemble.LABEL {
		return 0, false
	}
	return d.Operands[n].Immediate, true
}

func (d operands) imm(n int) (int64, bool) {
	if n >= len(d.Operands) {
		return 0, false
	}
	return int64(d.Operands[n].Immediate), true
}

func decompose(w uint32, pc uint64) Instruction {
	native := Decode(w, pc)
	var results [1024]byte
	d, err := disassemble.Decompose(pc, w, &results)
	if err != nil {
		return native
	}
	op, ok := decomposedOps[d.Operation]
	if !ok {
		return native
	}
	i := native
	if op != native.Op {
		// the bitfield decoder disagrees or does not know the form (literal
		// and indexed loads, extended-register adds); take it all from d
		i = Instruction{Address: pc, Raw: w, Op: op, Rn: XZR}
	}
	overlay(&i, operands{d}, op != native.Op)
	return i
}

func overlay(i *Instruction, ops operands, fresh bool) {
	// cmp has no destination and msr names the system register first
	if r, ok := ops.reg(0); ok && i.Op != OpCMP && i.Op != OpMSR {
		i.Rd = r
	}
	switch i.Op {
	case OpB, OpBL:
		if t, ok := ops.label(0); ok {
			i.Target, i.Imm = t, int64(t-i.Address)
		}
	case OpADR:
		if t, ok := ops.label(1); ok {
			i.Target, i.Imm = t, int64(t-i.Address)
		}
	case OpADRP:
		if t, ok := ops.label(1); ok {
			i.Target, i.Imm = t, int64(t-i.Address&^0xFFF)
		}
	case OpCMP:
		if r, ok := ops.reg(0); ok {
			i.Rn = r
		}
		if r, ok := ops.reg(1); ok && ops.isReg(1) {
			i.Rm, i.HasRm = r, true
		} else if v, ok := ops.imm(1); ok && fresh {
			i.Imm = v
		}
	case OpADD:
		if r, ok := ops.reg(1); ok {
			i.Rn = r
		}
		if fresh {
			if r, ok := ops.reg(2); ok && ops.isReg(2) {
				i.Rm, i.HasRm = r, true
			} else if v, ok := ops.imm(2); ok {
				i.Imm = v
			}
		}
	case OpMOV:
		if r, ok := ops.reg(1); ok && ops.isReg(1) {
			i.Rm, i.HasRm = r, true
		} else if v, ok := ops.imm(1); ok && fresh {
			i.Imm = v
		}
	case OpMOVK:
		if v, ok := ops.imm(1); ok && fresh {
			i.Imm, i.Shift = v, uint8(ops.Operands[1].ShiftValue)
		}
	case OpLDR, OpLDRB, OpLDRSW, OpSTR, OpSTRB:
		if t, ok := ops.label(1); ok {
			i.Target = t
			return
		}
		if r, ok := ops.reg(1); ok {
			i.Rn = r
		}
		if v, ok := ops.imm(1); ok && fresh {
			i.Imm = v
		}
	}
}
