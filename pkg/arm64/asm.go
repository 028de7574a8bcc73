package arm64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Assembler turns assembly text into machine code placed at pc. Lines are
// separated by newlines or semicolons. Branch operands written as #imm are
// relative to the instruction, bare numbers are absolute addresses.
type Assembler interface {
	Assemble(src string, pc uint64) ([]byte, error)
}

// ErrUnsupported is returned for instruction shapes the native assembler
// does not know how to encode.
var ErrUnsupported = errors.New("unsupported instruction")

// NativeAssembler encodes the subset of A64 used by the patch shellcode.
type NativeAssembler struct{}

// Assemble implements Assembler.
func (NativeAssembler) Assemble(src string, pc uint64) ([]byte, error) {
	var out []byte
	for _, line := range SplitLines(src) {
		w, err := assembleLine(line, pc+uint64(len(out)))
		if err != nil {
			return nil, fmt.Errorf("failed to assemble %q: %w", line, err)
		}
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out, nil
}

// SplitLines breaks src into trimmed, comment-free instruction lines.
func SplitLines(src string) []string {
	var lines []string
	for _, l := range strings.FieldsFunc(src, func(r rune) bool { return r == '\n' || r == ';' }) {
		if i := strings.Index(l, "//"); i >= 0 {
			l = l[:i]
		}
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

const (
	kindReg = iota
	kindImm
	kindMem
	kindShift
	kindSym
)

type operand struct {
	kind   int
	reg    Reg
	imm    int64
	index  int
	shift  string
	amount int64
	sym    string
	// label is set for bare numbers, which branch operands treat as
	// absolute addresses.
	label bool
}

func splitOperands(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func parseReg(s string) (Reg, bool) {
	switch s {
	case "sp":
		return SP, true
	case "wsp":
		return Reg{Num: 31, SP: true}, true
	case "xzr":
		return XZR, true
	case "wzr":
		return WZR, true
	case "lr":
		return X(30), true
	case "fp":
		return X(29), true
	}
	if len(s) < 2 || (s[0] != 'x' && s[0] != 'w') {
		return Reg{}, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n > 30 {
		return Reg{}, false
	}
	return Reg{Num: uint8(n), Wide: s[0] == 'x'}, true
}

func parseInt(s string) (int64, error) {
	s = strings.TrimPrefix(s, "#")
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad immediate %q", s)
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

func parseOperand(s string) (operand, error) {
	switch {
	case strings.HasPrefix(s, "["):
		pre := strings.HasSuffix(s, "!")
		s = strings.TrimSuffix(s, "!")
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		parts := splitOperands(inner)
		if len(parts) == 0 || len(parts) > 2 {
			return operand{}, fmt.Errorf("bad memory operand %q", s)
		}
		base, ok := parseReg(parts[0])
		if !ok {
			return operand{}, fmt.Errorf("bad base register %q", parts[0])
		}
		op := operand{kind: kindMem, reg: base, index: IndexOffset}
		if len(parts) == 2 {
			v, err := parseInt(parts[1])
			if err != nil {
				return operand{}, err
			}
			op.imm = v
		}
		if pre {
			op.index = IndexPre
		}
		return op, nil
	case strings.HasPrefix(s, "#"):
		v, err := parseInt(s)
		return operand{kind: kindImm, imm: v}, err
	case strings.HasPrefix(s, "lsl ") || strings.HasPrefix(s, "lsr ") || strings.HasPrefix(s, "asr "):
		v, err := parseInt(strings.TrimSpace(s[4:]))
		return operand{kind: kindShift, shift: s[:3], amount: v}, err
	}
	if r, ok := parseReg(s); ok {
		return operand{kind: kindReg, reg: r}, nil
	}
	if s != "" && (s[0] == '-' || (s[0] >= '0' && s[0] <= '9')) {
		v, err := parseInt(s)
		return operand{kind: kindImm, imm: v, label: true}, err
	}
	return operand{kind: kindSym, sym: s}, nil
}

func assembleLine(line string, pc uint64) (uint32, error) {
	line = strings.ReplaceAll(strings.ToLower(line), "\t", " ")
	mnemonic, rest, _ := strings.Cut(line, " ")
	var ops []operand
	for _, tok := range splitOperands(strings.TrimSpace(rest)) {
		op, err := parseOperand(tok)
		if err != nil {
			return 0, err
		}
		ops = append(ops, op)
	}
	return encode(mnemonic, ops, pc)
}

func want(ops []operand, kinds ...int) bool {
	if len(ops) != len(kinds) {
		return false
	}
	for i, k := range kinds {
		if ops[i].kind != k {
			return false
		}
	}
	return true
}

func branchTarget(op operand, pc uint64) (uint64, error) {
	if op.kind != kindImm {
		return 0, fmt.Errorf("branch needs a numeric target, got %q", op.sym)
	}
	if op.label {
		return uint64(op.imm), nil
	}
	return uint64(int64(pc) + op.imm), nil
}

func rn(r Reg) uint32 { return uint32(r.Num & 31) }

func sf(r Reg) uint32 {
	if r.Wide {
		return 1 << 31
	}
	return 0
}

var condByName = map[string]Cond{
	"eq": CondEQ, "ne": CondNE, "hs": CondHS, "cs": CondHS, "lo": CondLO, "cc": CondLO,
	"mi": CondMI, "pl": CondPL, "vs": CondVS, "vc": CondVC, "hi": CondHI, "ls": CondLS,
	"ge": CondGE, "lt": CondLT, "gt": CondGT, "le": CondLE, "al": CondAL,
}

var sysRegs = map[string]uint32{
	"tpidr_el1":   0x4684,
	"tpidr_el0":   0x5E82,
	"tpidrro_el0": 0x5E83,
	"currentel":   0x4212,
	"daif":        0x5A11,
}

func encode(m string, ops []operand, pc uint64) (uint32, error) {
	switch m {
	case ".long", ".word", ".inst":
		if !want(ops, kindImm) {
			break
		}
		return uint32(ops[0].imm), nil
	case "nop":
		return NOP, nil
	case "pacibsp":
		return PACIBSP, nil
	case "retab":
		return RETAB, nil
	case "ret":
		if len(ops) == 0 {
			return RET, nil
		}
		if want(ops, kindReg) {
			return 0xD65F0000 | rn(ops[0].reg)<<5, nil
		}
	case "br", "blr":
		if want(ops, kindReg) {
			base := uint32(0xD61F0000)
			if m == "blr" {
				base = 0xD63F0000
			}
			return base | rn(ops[0].reg)<<5, nil
		}
	case "bti":
		if len(ops) == 0 {
			return BTI, nil
		}
		switch ops[0].sym {
		case "c":
			return BTIC, nil
		case "j":
			return BTIJ, nil
		case "jc":
			return 0xD50324DF, nil
		}
	case "udf":
		if want(ops, kindImm) {
			return uint32(ops[0].imm) & 0xFFFF, nil
		}
	case "brk":
		if want(ops, kindImm) {
			return 0xD4200000 | (uint32(ops[0].imm)&0xFFFF)<<5, nil
		}
	case "b", "bl":
		if len(ops) != 1 {
			break
		}
		to, err := branchTarget(ops[0], pc)
		if err != nil {
			return 0, err
		}
		if m == "bl" {
			return EncodeBL(pc, to)
		}
		return EncodeB(pc, to)
	case "cbz", "cbnz":
		if len(ops) != 2 || ops[0].kind != kindReg {
			break
		}
		to, err := branchTarget(ops[1], pc)
		if err != nil {
			return 0, err
		}
		return EncodeCB(m == "cbnz", ops[0].reg, pc, to)
	case "tbz", "tbnz":
		if len(ops) != 3 || ops[0].kind != kindReg || ops[1].kind != kindImm {
			break
		}
		to, err := branchTarget(ops[2], pc)
		if err != nil {
			return 0, err
		}
		return EncodeTB(m == "tbnz", ops[0].reg, uint8(ops[1].imm), pc, to)
	case "adr":
		if len(ops) != 2 || ops[0].kind != kindReg {
			break
		}
		to, err := branchTarget(ops[1], pc)
		if err != nil {
			return 0, err
		}
		return EncodeADR(ops[0].reg.Num, pc, to)
	case "adrp":
		if len(ops) != 2 || ops[0].kind != kindReg {
			break
		}
		to, err := branchTarget(ops[1], pc)
		if err != nil {
			return 0, err
		}
		return EncodeADRP(ops[0].reg.Num, pc, to)
	case "mov":
		if len(ops) != 2 || ops[0].kind != kindReg {
			break
		}
		dst := ops[0].reg
		switch ops[1].kind {
		case kindImm:
			return EncodeMovImm(dst, uint64(ops[1].imm))
		case kindReg:
			if dst.SP || ops[1].reg.SP {
				return addSubImm(false, false, dst, ops[1].reg, 0)
			}
			return EncodeMovReg(dst, ops[1].reg), nil
		}
	case "movz", "movn", "movk":
		if len(ops) < 2 || ops[0].kind != kindReg || ops[1].kind != kindImm {
			break
		}
		hw := uint32(0)
		if len(ops) == 3 && ops[2].kind == kindShift && ops[2].shift == "lsl" {
			hw = uint32(ops[2].amount / 16)
		}
		opc := map[string]uint32{"movn": 0x12800000, "movz": 0x52800000, "movk": 0x72800000}[m]
		return sf(ops[0].reg) | opc | hw<<21 | (uint32(ops[1].imm)&0xFFFF)<<5 | rn(ops[0].reg), nil
	case "add", "sub", "adds", "subs":
		if len(ops) < 3 || ops[0].kind != kindReg || ops[1].kind != kindReg {
			break
		}
		sub := strings.HasPrefix(m, "sub")
		flags := strings.HasSuffix(m, "s")
		switch ops[2].kind {
		case kindImm:
			v := ops[2].imm
			if len(ops) == 4 && ops[3].kind == kindShift && ops[3].amount == 12 {
				v <<= 12
			}
			return addSubImm(sub, flags, ops[0].reg, ops[1].reg, v)
		case kindReg:
			return addSubReg(sub, flags, ops[0].reg, ops[1].reg, ops[2].reg, ops[3:])
		}
	case "cmp", "cmn":
		if len(ops) < 2 || ops[0].kind != kindReg {
			break
		}
		zr := Reg{Num: 31, Wide: ops[0].reg.Wide}
		switch ops[1].kind {
		case kindImm:
			return addSubImm(m == "cmp", true, zr, ops[0].reg, ops[1].imm)
		case kindReg:
			return addSubReg(m == "cmp", true, zr, ops[0].reg, ops[1].reg, ops[2:])
		}
	case "and", "orr", "eor", "ands":
		if len(ops) != 3 || ops[0].kind != kindReg || ops[1].kind != kindReg {
			break
		}
		return logical(m, ops[0].reg, ops[1].reg, ops[2])
	case "tst":
		if len(ops) != 2 || ops[0].kind != kindReg {
			break
		}
		return logical("ands", Reg{Num: 31, Wide: ops[0].reg.Wide}, ops[0].reg, ops[1])
	case "udiv", "sdiv":
		if !want(ops, kindReg, kindReg, kindReg) {
			break
		}
		base := uint32(0x1AC00800)
		if m == "sdiv" {
			base |= 1 << 10
		}
		return sf(ops[0].reg) | base | rn(ops[2].reg)<<16 | rn(ops[1].reg)<<5 | rn(ops[0].reg), nil
	case "madd", "msub", "mul":
		if m == "mul" && want(ops, kindReg, kindReg, kindReg) {
			ops = append(ops, operand{kind: kindReg, reg: XZR})
		}
		if !want(ops, kindReg, kindReg, kindReg, kindReg) {
			break
		}
		base := uint32(0x1B000000)
		if m == "msub" {
			base |= 1 << 15
		}
		return sf(ops[0].reg) | base | rn(ops[2].reg)<<16 | rn(ops[3].reg)<<10 | rn(ops[1].reg)<<5 | rn(ops[0].reg), nil
	case "ldr", "str", "ldrb", "strb", "ldrh", "strh", "ldrsw":
		return loadStore(m, ops)
	case "ldp", "stp":
		return pair(m, ops)
	case "mrs":
		if len(ops) == 2 && ops[0].kind == kindReg && ops[1].kind == kindSym {
			if sr, ok := sysRegs[ops[1].sym]; ok {
				return 0xD5300000 | sr<<5 | rn(ops[0].reg), nil
			}
		}
	case "msr":
		if len(ops) == 2 && ops[0].kind == kindSym && ops[1].kind == kindReg {
			if sr, ok := sysRegs[ops[0].sym]; ok {
				return 0xD5100000 | sr<<5 | rn(ops[1].reg), nil
			}
		}
	default:
		if c, ok := strings.CutPrefix(m, "b."); ok && len(ops) == 1 {
			cond, known := condByName[c]
			if !known {
				break
			}
			to, err := branchTarget(ops[0], pc)
			if err != nil {
				return 0, err
			}
			return EncodeBCond(cond, pc, to)
		}
	}
	return 0, fmt.Errorf("%s: %w", m, ErrUnsupported)
}

func addSubImm(sub, flags bool, rd, src Reg, v int64) (uint32, error) {
	if v < 0 {
		sub, v = !sub, -v
	}
	sh := uint32(0)
	if v > 0xFFF {
		if v&0xFFF != 0 || v>>12 > 0xFFF {
			return 0, fmt.Errorf("immediate %#x not encodable in add/sub", v)
		}
		sh, v = 1, v>>12
	}
	w := sf(src) | 0x11000000 | sh<<22 | uint32(v)<<10 | rn(src)<<5 | rn(rd)
	if rd.Wide {
		w |= 1 << 31
	}
	if sub {
		w |= 1 << 30
	}
	if flags {
		w |= 1 << 29
	}
	return w, nil
}

func addSubReg(sub, flags bool, rd, a, b Reg, rest []operand) (uint32, error) {
	w := sf(a) | 0x0B000000 | rn(b)<<16 | rn(a)<<5 | rn(rd)
	if len(rest) == 1 && rest[0].kind == kindShift {
		shifts := map[string]uint32{"lsl": 0, "lsr": 1, "asr": 2}
		w |= shifts[rest[0].shift]<<22 | (uint32(rest[0].amount)&0x3F)<<10
	}
	if sub {
		w |= 1 << 30
	}
	if flags {
		w |= 1 << 29
	}
	return w, nil
}

func logical(m string, rd, src Reg, op operand) (uint32, error) {
	opc := map[string]uint32{"and": 0, "orr": 1, "eor": 2, "ands": 3}[m]
	switch op.kind {
	case kindImm:
		n, immr, imms, ok := encodeBitMask(uint64(op.imm), src.Wide)
		if !ok {
			return 0, fmt.Errorf("%s: %#x is not a logical immediate", m, op.imm)
		}
		return sf(src) | opc<<29 | 0x12000000 | n<<22 | immr<<16 | imms<<10 | rn(src)<<5 | rn(rd), nil
	case kindReg:
		return sf(src) | opc<<29 | 0x0A000000 | rn(op.reg)<<16 | rn(src)<<5 | rn(rd), nil
	}
	return 0, fmt.Errorf("%s: %w", m, ErrUnsupported)
}

func loadStore(m string, ops []operand) (uint32, error) {
	if len(ops) < 2 || ops[0].kind != kindReg || ops[1].kind != kindMem {
		return 0, fmt.Errorf("%s: %w", m, ErrUnsupported)
	}
	rt, mem := ops[0].reg, ops[1]
	var size, opc uint32
	switch m {
	case "ldr", "str":
		size = 2
		if rt.Wide {
			size = 3
		}
		if m == "ldr" {
			opc = 1
		}
	case "ldrsw":
		size, opc = 2, 2
	case "ldrb", "strb":
		if m == "ldrb" {
			opc = 1
		}
	case "ldrh", "strh":
		size = 1
		if m == "ldrh" {
			opc = 1
		}
	}
	idx := mem.index
	off := mem.imm
	if len(ops) == 3 && ops[2].kind == kindImm && idx == IndexOffset {
		idx, off = IndexPost, ops[2].imm
	}
	if idx != IndexOffset {
		if off < -256 || off > 255 {
			return 0, fmt.Errorf("%s: writeback offset %d out of range", m, off)
		}
		mode := uint32(1)
		if idx == IndexPre {
			mode = 3
		}
		return size<<30 | 0x38000000 | opc<<22 | (uint32(off)&0x1FF)<<12 | mode<<10 | rn(mem.reg)<<5 | rn(rt), nil
	}
	scale := int64(1) << size
	if off < 0 || off%scale != 0 || off/scale > 0xFFF {
		return 0, fmt.Errorf("%s: offset %#x not encodable", m, off)
	}
	return size<<30 | 0x39000000 | opc<<22 | uint32(off/scale)<<10 | rn(mem.reg)<<5 | rn(rt), nil
}

func pair(m string, ops []operand) (uint32, error) {
	if len(ops) < 3 || ops[0].kind != kindReg || ops[1].kind != kindReg || ops[2].kind != kindMem {
		return 0, fmt.Errorf("%s: %w", m, ErrUnsupported)
	}
	rt, rt2, mem := ops[0].reg, ops[1].reg, ops[2]
	opc, scale := uint32(0), int64(4)
	if rt.Wide {
		opc, scale = 2, 8
	}
	idx, off := mem.index, mem.imm
	if len(ops) == 4 && ops[3].kind == kindImm && idx == IndexOffset {
		idx, off = IndexPost, ops[3].imm
	}
	if off%scale != 0 || off/scale < -64 || off/scale > 63 {
		return 0, fmt.Errorf("%s: offset %d not encodable", m, off)
	}
	mode := map[int]uint32{IndexPost: 1, IndexOffset: 2, IndexPre: 3}[idx]
	w := opc<<30 | 0x28000000 | mode<<23 | (uint32(off/scale)&0x7F)<<15 | rn(rt2)<<10 | rn(mem.reg)<<5 | rn(rt)
	if m == "ldp" {
		w |= 1 << 22
	}
	return w, nil
}
