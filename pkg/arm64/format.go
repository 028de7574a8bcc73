package arm64

import (
	"fmt"
	"strings"
)

func fmtImm(v int64) string {
	if v < 0 {
		return fmt.Sprintf("#-%#x", -v)
	}
	return fmt.Sprintf("#%#x", v)
}

func mem(i Instruction) string {
	switch {
	case i.Index == IndexPre:
		return fmt.Sprintf("[%s, %s]!", i.Rn, fmtImm(i.Imm))
	case i.Index == IndexPost:
		return fmt.Sprintf("[%s], %s", i.Rn, fmtImm(i.Imm))
	case i.Imm == 0:
		return fmt.Sprintf("[%s]", i.Rn)
	default:
		return fmt.Sprintf("[%s, %s]", i.Rn, fmtImm(i.Imm))
	}
}

var shiftNames = [...]string{"lsl", "lsr", "asr", "ror"}

func shifted(i Instruction) string {
	if i.Imm == 0 {
		return i.Rm.String()
	}
	return fmt.Sprintf("%s, %s #%d", i.Rm, shiftNames[i.Shift&3], i.Imm)
}

// Format renders i in the natively decoded form. Shapes outside the
// supported set come back as a .long directive.
func Format(i Instruction) string {
	var ops []string
	name := i.Op.String()
	switch i.Op {
	case OpUnknown:
		return fmt.Sprintf(".long %#08x", i.Raw)
	case OpNOP, OpPACIBSP, OpRETAB:
	case OpHint:
		ops = append(ops, fmtImm(i.Imm))
	case OpBTI:
		switch (i.Imm >> 1) & 3 {
		case 1:
			ops = append(ops, "c")
		case 2:
			ops = append(ops, "j")
		case 3:
			ops = append(ops, "jc")
		}
	case OpRET:
		if !i.Rn.Is(30) {
			ops = append(ops, i.Rn.String())
		}
	case OpBR, OpBLR:
		ops = append(ops, i.Rn.String())
	case OpB, OpBL:
		ops = append(ops, fmt.Sprintf("%#x", i.Target))
	case OpBCond:
		name += i.Cond.String()
		ops = append(ops, fmt.Sprintf("%#x", i.Target))
	case OpCBZ, OpCBNZ:
		ops = append(ops, i.Rd.String(), fmt.Sprintf("%#x", i.Target))
	case OpTBZ, OpTBNZ:
		ops = append(ops, i.Rd.String(), fmt.Sprintf("#%d", i.Bit), fmt.Sprintf("%#x", i.Target))
	case OpADRP, OpADR:
		ops = append(ops, i.Rd.String(), fmt.Sprintf("%#x", i.Target))
	case OpADD, OpADDS, OpSUB, OpSUBS, OpAND, OpANDS, OpORR, OpEOR:
		ops = append(ops, i.Rd.String(), i.Rn.String())
		if i.HasRm {
			ops = append(ops, shifted(i))
		} else {
			ops = append(ops, fmtImm(i.Imm))
		}
	case OpCMP, OpCMN, OpTST:
		ops = append(ops, i.Rn.String())
		if i.HasRm {
			ops = append(ops, shifted(i))
		} else {
			ops = append(ops, fmtImm(i.Imm))
		}
	case OpMOV:
		ops = append(ops, i.Rd.String())
		if i.HasRm {
			ops = append(ops, i.Rm.String())
		} else {
			ops = append(ops, fmtImm(i.Imm))
		}
	case OpMOVK:
		ops = append(ops, i.Rd.String(), fmtImm(i.Imm))
		if i.Shift != 0 {
			ops = append(ops, fmt.Sprintf("lsl #%d", i.Shift))
		}
	case OpLDR, OpSTR, OpLDRB, OpSTRB, OpLDRH, OpSTRH, OpLDRSW:
		ops = append(ops, i.Rd.String(), mem(i))
	case OpLDP, OpSTP:
		ops = append(ops, i.Rd.String(), i.Ra.String(), mem(i))
	case OpLDADD:
		if i.Acquire {
			name += "a"
		}
		ops = append(ops, i.Ra.String(), i.Rd.String(), fmt.Sprintf("[%s]", i.Rn))
	case OpMRS:
		ops = append(ops, i.Rd.String(), fmt.Sprintf("s%#x", i.Imm))
	case OpMSR:
		ops = append(ops, fmt.Sprintf("s%#x", i.Imm), i.Rd.String())
	case OpUDF, OpBRK:
		ops = append(ops, fmtImm(i.Imm))
	case OpUDIV, OpSDIV:
		ops = append(ops, i.Rd.String(), i.Rn.String(), i.Rm.String())
	case OpMADD, OpMSUB:
		ops = append(ops, i.Rd.String(), i.Rn.String(), i.Rm.String(), i.Ra.String())
	}
	if len(ops) == 0 {
		return name
	}
	return name + "\t" + strings.Join(ops, ", ")
}
