// Package disasm wraps the x86 decoder used to walk code blocks and encodes
// the branches the block builder emits.
package disasm

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Mode is the processor mode PE32 code is decoded in.
const Mode = 32

// ErrNotDecodable is returned for bytes that do not form an instruction.
var ErrNotDecodable = errors.New("instruction not decodable")

// Instruction is a decoded x86 instruction and the bytes it was decoded
// from.
type Instruction struct {
	x86asm.Inst
	Bytes []byte
}

// Decode decodes the instruction at the start of src.
func Decode(src []byte) (Instruction, error) {
	inst, err := x86asm.Decode(src, Mode)
	if err != nil {
		return Instruction{}, errors.Wrap(ErrNotDecodable, err.Error())
	}
	// Prefixes without an opcode decode to an empty operation.
	if inst.Op == 0 {
		return Instruction{}, errors.Wrapf(ErrNotDecodable, "no opcode in % X", src[:inst.Len])
	}
	return Instruction{Inst: inst, Bytes: src[:inst.Len]}, nil
}

// Size returns the encoded length.
func (i Instruction) Size() int {
	return i.Len
}

func (i Instruction) String() string {
	return x86asm.IntelSyntax(i.Inst, 0, nil)
}

var branchConditions = map[x86asm.Op]Condition{
	x86asm.JO:     Overflow,
	x86asm.JNO:    NoOverflow,
	x86asm.JB:     Below,
	x86asm.JAE:    AboveOrEqual,
	x86asm.JE:     Equal,
	x86asm.JNE:    NotEqual,
	x86asm.JBE:    BelowOrEqual,
	x86asm.JA:     Above,
	x86asm.JS:     Signed,
	x86asm.JNS:    NotSigned,
	x86asm.JP:     Parity,
	x86asm.JNP:    NoParity,
	x86asm.JL:     Less,
	x86asm.JGE:    GreaterOrEqual,
	x86asm.JLE:    LessOrEqual,
	x86asm.JG:     Greater,
	x86asm.JCXZ:   CounterIsZero,
	x86asm.JECXZ:  CounterIsZero,
	x86asm.JRCXZ:  CounterIsZero,
	x86asm.LOOP:   Loop,
	x86asm.LOOPE:  LoopIfEqual,
	x86asm.LOOPNE: LoopIfNotEqual,
	x86asm.JMP:    True,
}

// Condition returns the branch condition of i, or Invalid when i is not a
// branch.
func (i Instruction) Condition() Condition {
	if c, ok := branchConditions[i.Op]; ok {
		return c
	}
	return Invalid
}

// IsBranch reports whether i is a conditional or unconditional jump.
func (i Instruction) IsBranch() bool {
	_, ok := branchConditions[i.Op]
	return ok
}

// IsConditionalBranch reports whether i is a jump with a condition.
func (i Instruction) IsConditionalBranch() bool {
	return i.IsBranch() && i.Op != x86asm.JMP
}

// IsCall reports whether i is a call.
func (i Instruction) IsCall() bool {
	return i.Op == x86asm.CALL || i.Op == x86asm.LCALL
}

// IsReturn reports whether i returns from a function.
func (i Instruction) IsReturn() bool {
	switch i.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD:
		return true
	}
	return false
}

// IsSystemCall reports whether i transfers control to the system without
// returning to the next instruction through normal flow.
func (i Instruction) IsSystemCall() bool {
	switch i.Op {
	case x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSCALL, x86asm.SYSRET, x86asm.HLT, x86asm.UD2:
		return true
	}
	return false
}

// IsInterrupt3 reports whether i is the one-byte breakpoint used for padding.
func (i Instruction) IsInterrupt3() bool {
	return i.Op == x86asm.INT && i.Len == 1
}

// IsNop reports whether i has no effect.
func (i Instruction) IsNop() bool {
	return i.Op == x86asm.NOP
}

// IsDirect reports whether the first operand of i is a PC-relative target.
func (i Instruction) IsDirect() bool {
	_, ok := i.Args[0].(x86asm.Rel)
	return ok
}

// IsIndirectBranch reports whether i is a jump through a register or memory.
func (i Instruction) IsIndirectBranch() bool {
	return i.Op == x86asm.JMP && !i.IsDirect()
}

// IsTerminator reports whether control never falls through i.
func (i Instruction) IsTerminator() bool {
	return i.IsReturn() || i.IsSystemCall() || i.Op == x86asm.JMP
}

// Displacement returns the PC-relative displacement of a direct branch or
// call, measured from the end of the instruction.
func (i Instruction) Displacement() (int32, bool) {
	rel, ok := i.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return int32(rel), true
}

// DisplacementField returns the offset and size of the PC-relative field in
// the encoding.
func (i Instruction) DisplacementField() (offset int, size int, ok bool) {
	if i.PCRel == 0 {
		return 0, 0, false
	}
	return i.PCRelOff, i.PCRel, true
}
