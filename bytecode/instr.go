// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package bytecode defines the compiled module format the VM executes:
// fixed-width instructions, a deduplicated string pool, a constants pool,
// and the function table an external compiler populates before handing the
// module to the runtime.
//
// Grounded on the go-probe scripting VM's chunk format (lang/vm/chunk.go:
// a flat instruction slice plus parallel constant/string pools, each
// appended to during compilation and read-only thereafter), generalized
// from that VM's variable-width, opcode-plus-operand-bytes encoding to a
// single fixed 4-byte instruction word, because this VM's ABC/ABx/AsBx/Jump
// operand shapes are regular enough to decode without a per-opcode operand
// table.
package bytecode

import "fmt"

// Op identifies an instruction's operation.
type Op uint8

const (
	OpNOP Op = iota
	OpMOVE
	OpLOADI
	OpLOADK
	OpLOADNIL
	OpGETGLOBAL
	OpSETGLOBAL
	OpADD
	OpSUB
	OpMUL
	OpDIV
	OpMOD
	OpNEG
	OpISEQ
	OpISLT
	OpISLE
	OpAND
	OpOR
	OpXOR
	OpNOT
	OpSHL
	OpSHR
	OpUSR
	OpCLOSURE
	OpGETUPVAL
	OpSETUPVAL
	OpNEWSTRUCT
	OpGETFIELD
	OpSETFIELD
	OpNEWARRAY
	OpGETINDEX
	OpSETINDEX
	OpJMP
	OpJMPT
	OpJMPF
	OpCALL
	OpNATIVECALL
	OpRET
	OpRETVOID
	OpGETPROPSET
	OpGETPROPSETFIELD
	OpSETPROPSETFIELD
)

var opNames = [...]string{
	"NOP", "MOVE", "LOADI", "LOADK", "LOADNIL", "GETGLOBAL", "SETGLOBAL",
	"ADD", "SUB", "MUL", "DIV", "MOD", "NEG", "ISEQ", "ISLT", "ISLE",
	"AND", "OR", "XOR", "NOT", "SHL", "SHR", "USR",
	"CLOSURE", "GETUPVAL", "SETUPVAL",
	"NEWSTRUCT", "GETFIELD", "SETFIELD", "NEWARRAY", "GETINDEX", "SETINDEX",
	"JMP", "JMPT", "JMPF", "CALL", "NATIVECALL", "RET", "RETVOID",
	"GETPROPSET", "GETPROPSETFIELD", "SETPROPSETFIELD",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

// DefaultGasCost is charged for any opcode not listed in GasCosts.
const DefaultGasCost = 1

// GasCosts overrides DefaultGasCost for opcodes more expensive than a
// plain register operation: calls and allocations.
var GasCosts = map[Op]int{
	OpCALL:       8,
	OpNATIVECALL: 12,
	OpNEWSTRUCT:  6,
	OpNEWARRAY:   6,
	OpGETPROPSET: 4,
}

// CostOf returns the gas charged for executing op once.
func CostOf(op Op) int {
	if c, ok := GasCosts[op]; ok {
		return c
	}
	return DefaultGasCost
}

// Instruction is a single fixed 4-byte bytecode word: an 8-bit opcode plus
// operand bits whose meaning depends on op's encoding shape (ABC, ABx,
// AsBx, or Jump). Packed as a uint32 because instructions are a real wire
// format: they are produced by an external compiler, stored in a
// BytecodeModule, and walked byte-for-byte by disassemble().
type Instruction uint32

const sBxBias = 1 << 15 // 32768, applied/removed to store a signed 16-bit offset unsigned

// NewABC encodes an instruction with three 8-bit register operands.
func NewABC(op Op, a, b, c uint8) Instruction {
	return Instruction(uint32(op) | uint32(a)<<8 | uint32(b)<<16 | uint32(c)<<24)
}

// NewABx encodes an instruction with an 8-bit register and a 16-bit
// unsigned immediate (constant/string/function index or global slot).
func NewABx(op Op, a uint8, bx uint16) Instruction {
	return Instruction(uint32(op) | uint32(a)<<8 | uint32(bx)<<16)
}

// NewAsBx encodes an instruction with an 8-bit register and a signed
// 16-bit immediate, used by LOADI for its integer operand.
func NewAsBx(op Op, a uint8, sbx int32) Instruction {
	return Instruction(uint32(op) | uint32(a)<<8 | uint32(uint16(sbx+sBxBias))<<16)
}

// NewJump encodes an unconditional jump with a signed 24-bit offset.
func NewJump(op Op, offset int32) Instruction {
	return Instruction(uint32(op) | (uint32(offset)&0xFFFFFF)<<8)
}

// Op returns the instruction's opcode.
func (i Instruction) Op() Op { return Op(i & 0xFF) }

// A returns the instruction's 8-bit A operand (ABC/ABx/AsBx encodings).
func (i Instruction) A() uint8 { return uint8(i >> 8) }

// B returns the instruction's 8-bit B operand (ABC encoding only).
func (i Instruction) B() uint8 { return uint8(i >> 16) }

// C returns the instruction's 8-bit C operand (ABC encoding only).
func (i Instruction) C() uint8 { return uint8(i >> 24) }

// Bx returns the instruction's 16-bit unsigned immediate (ABx encoding).
func (i Instruction) Bx() uint16 { return uint16(i >> 16) }

// SBx returns the instruction's signed 16-bit immediate (AsBx encoding).
func (i Instruction) SBx() int32 { return int32(uint16(i>>16)) - sBxBias }

// JumpOffset returns the instruction's signed 24-bit jump offset (Jump
// encoding, used by JMP/JMPT/JMPF).
func (i Instruction) JumpOffset() int32 {
	raw := int32(i >> 8 & 0xFFFFFF)
	if raw&0x800000 != 0 {
		raw |= ^int32(0xFFFFFF)
	}
	return raw
}

// UpvalueSource describes one CLOSURE descriptor word: whether the
// upvalue is captured from the enclosing frame's register file directly,
// or copied from the enclosing frame's own upvalue list.
type UpvalueSource struct {
	FromLocal bool
	Index     uint8
}
