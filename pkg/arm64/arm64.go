// Package arm64 is the instruction facade used by the patch engine.
//
// It decodes the restricted set of AArch64 shapes the patch rules match on,
// assembles the handful of shapes the rules emit, and renders instructions as
// text for operator logs. Decoding and assembly are exposed as interfaces so
// the engine can be handed a different backend (llvm-mc, a cache, a fake).
package arm64

import (
	"encoding/binary"
	"fmt"
)

// Op is a decoded operation.
type Op uint8

const (
	OpUnknown Op = iota
	OpNOP
	OpHint
	OpPACIBSP
	OpBTI
	OpRET
	OpRETAB
	OpBR
	OpBLR
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpTBZ
	OpTBNZ
	OpADRP
	OpADR
	OpADD
	OpADDS
	OpSUB
	OpSUBS
	OpCMP
	OpCMN
	OpAND
	OpANDS
	OpORR
	OpEOR
	OpTST
	OpMOV
	OpMOVK
	OpLDR
	OpSTR
	OpLDRB
	OpSTRB
	OpLDRH
	OpSTRH
	OpLDRSW
	OpLDP
	OpSTP
	OpLDADD
	OpMRS
	OpMSR
	OpUDF
	OpBRK
	OpUDIV
	OpSDIV
	OpMADD
	OpMSUB
)

var opNames = [...]string{
	OpUnknown: ".long",
	OpNOP:     "nop",
	OpHint:    "hint",
	OpPACIBSP: "pacibsp",
	OpBTI:     "bti",
	OpRET:     "ret",
	OpRETAB:   "retab",
	OpBR:      "br",
	OpBLR:     "blr",
	OpB:       "b",
	OpBL:      "bl",
	OpBCond:   "b.",
	OpCBZ:     "cbz",
	OpCBNZ:    "cbnz",
	OpTBZ:     "tbz",
	OpTBNZ:    "tbnz",
	OpADRP:    "adrp",
	OpADR:     "adr",
	OpADD:     "add",
	OpADDS:    "adds",
	OpSUB:     "sub",
	OpSUBS:    "subs",
	OpCMP:     "cmp",
	OpCMN:     "cmn",
	OpAND:     "and",
	OpANDS:    "ands",
	OpORR:     "orr",
	OpEOR:     "eor",
	OpTST:     "tst",
	OpMOV:     "mov",
	OpMOVK:    "movk",
	OpLDR:     "ldr",
	OpSTR:     "str",
	OpLDRB:    "ldrb",
	OpSTRB:    "strb",
	OpLDRH:    "ldrh",
	OpSTRH:    "strh",
	OpLDRSW:   "ldrsw",
	OpLDP:     "ldp",
	OpSTP:     "stp",
	OpLDADD:   "ldadd",
	OpMRS:     "mrs",
	OpMSR:     "msr",
	OpUDF:     "udf",
	OpBRK:     "brk",
	OpUDIV:    "udiv",
	OpSDIV:    "sdiv",
	OpMADD:    "madd",
	OpMSUB:    "msub",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// Cond is a condition code for b.cond.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondHS
	CondLO
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	CondNV
)

var condNames = [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al", "nv"}

func (c Cond) String() string { return condNames[c&0xF] }

// Reg is a general purpose register operand. Num 31 is the zero register
// unless SP is set.
type Reg struct {
	Num  uint8
	Wide bool
	SP   bool
}

// X returns the 64-bit register n.
func X(n uint8) Reg { return Reg{Num: n, Wide: true} }

// W returns the 32-bit register n.
func W(n uint8) Reg { return Reg{Num: n} }

var (
	XZR = Reg{Num: 31, Wide: true}
	WZR = Reg{Num: 31}
	SP  = Reg{Num: 31, Wide: true, SP: true}
)

// IsZR reports whether r is xzr/wzr.
func (r Reg) IsZR() bool { return r.Num == 31 && !r.SP }

// Is reports whether r names register n, ignoring width.
func (r Reg) Is(n uint8) bool { return r.Num == n && !r.SP }

func (r Reg) String() string {
	switch {
	case r.Num == 31 && r.SP && r.Wide:
		return "sp"
	case r.Num == 31 && r.SP:
		return "wsp"
	case r.Num == 31 && r.Wide:
		return "xzr"
	case r.Num == 31:
		return "wzr"
	case r.Wide:
		return fmt.Sprintf("x%d", r.Num)
	default:
		return fmt.Sprintf("w%d", r.Num)
	}
}

// Index modes for loads and stores.
const (
	IndexOffset = iota
	IndexPre
	IndexPost
)

// Instruction is a decoded instruction. Field use depends on Op:
// Rd is the destination (Rt for loads, stores and test branches),
// Rn the first source or memory base, Rm the second source and
// Ra the third source (Rt2 for pairs, Rs for atomics).
type Instruction struct {
	Address uint64
	Raw     uint32
	Op      Op

	Rd, Rn, Rm, Ra Reg
	HasRm          bool

	Imm    int64
	Shift  uint8
	Target uint64
	Bit    uint8
	Cond   Cond
	Index  int
	// Acquire marks the acquire form of an atomic (ldadda).
	Acquire bool
}

// Word reads the little-endian instruction at off.
func Word(data []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(data[off:])
}

// Bytes returns w as little-endian bytes.
func Bytes(w uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, w)
	return b
}

// Join concatenates little-endian encodings of words.
func Join(words ...uint32) []byte {
	b := make([]byte, 0, 4*len(words))
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

func (i Instruction) IsCall() bool        { return i.Op == OpBL }
func (i Instruction) IsReturn() bool      { return i.Op == OpRET || i.Op == OpRETAB }
func (i Instruction) IsPrologue() bool    { return i.Op == OpPACIBSP }
func (i Instruction) IsCompareZero() bool { return i.Op == OpCBZ || i.Op == OpCBNZ }
func (i Instruction) IsTestBranch() bool  { return i.Op == OpTBZ || i.Op == OpTBNZ }

// IsCondBranch reports b.cond, cbz/cbnz and tbz/tbnz.
func (i Instruction) IsCondBranch() bool {
	return i.Op == OpBCond || i.IsCompareZero() || i.IsTestBranch()
}

// IsBranch reports any direct or indirect branch, call or return.
func (i Instruction) IsBranch() bool {
	switch i.Op {
	case OpB, OpBL, OpBR, OpBLR, OpRET, OpRETAB:
		return true
	}
	return i.IsCondBranch()
}

// HasTarget reports whether Target holds a pc-relative destination.
func (i Instruction) HasTarget() bool {
	switch i.Op {
	case OpB, OpBL, OpADR, OpADRP:
		return true
	}
	return i.IsCondBranch()
}

// IsMovImm reports a mov of the immediate v into register n.
func (i Instruction) IsMovImm(n uint8, v int64) bool {
	return i.Op == OpMOV && !i.HasRm && i.Rd.Is(n) && i.Imm == v
}

// IsMovReg reports mov dst, src.
func (i Instruction) IsMovReg(dst, src Reg) bool {
	return i.Op == OpMOV && i.HasRm && i.Rd == dst && i.Rm == src
}

func (i Instruction) String() string {
	return Format(i)
}
