/*
 * x86core - Instruction decoder
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package decode turns a guest byte stream at a given RIP into a
// DecodedInstruction: mnemonic, operands, prefixes, and length. decode_one
// is pure with respect to its input byte slice — it touches no CpuState and
// performs no memory access of its own.
package decode

import "fmt"

// Mnemonic is a closed tag for the instructions this decoder recognizes.
// Unknown encodings are reported as a DecodeError, never as a zero value of
// this type.
type Mnemonic int

const (
	MOV Mnemonic = iota
	ADD
	OR
	ADC
	SBB
	AND
	SUB
	XOR
	CMP
	TEST
	INC
	DEC
	NOT
	NEG
	MUL
	IMUL
	DIV
	IDIV
	PUSH
	POP
	XCHG
	LEA
	NOP
	SHL
	SHR
	SAR
	ROL
	ROR
	RCL
	RCR
	JMP
	JCC
	CALL
	RET
	LOOP
	LOOPE
	LOOPNE
	JCXZ
	INT3
	INT
	HLT
	CLI
	STI
	CLC
	STC
	CMC
	CLD
	STD
	PUSHF
	POPF
	MOVS
	STOS
	LODS
	SCAS
	CMPS
	CMPXCHG
	CMPXCHG8B
	CMPXCHG16B
	XADD
	BTx
	MOVZX
	MOVSX
	MOVCR
)

// OperandKind is a closed tag for the shape of one operand.
type OperandKind int

const (
	KindNone OperandKind = iota
	KindReg
	KindImm
	KindNearBranch
	KindFarBranch
	KindMem
)

// EffectiveAddress describes a memory operand's address computation:
// base + index*scale + displacement, segment-relative, masked to
// AddressSize bits.
type EffectiveAddress struct {
	Segment     int // cpustate.Segment, duplicated here to avoid an import cycle
	HasBase     bool
	Base        int
	HasIndex    bool
	Index       int
	Scale       int // 1, 2, 4, or 8
	Displacement int64
	RipRelative bool
	AddressSize int // 16, 32, or 64
}

// Operand is one operand of a DecodedInstruction.
type Operand struct {
	Kind OperandKind
	Size int // bits: 8, 16, 32, 64, or 128
	Reg  int // valid when Kind == KindReg
	Imm  int64
	Addr EffectiveAddress
}

// Prefixes records every prefix byte recognized on the instruction.
type Prefixes struct {
	Lock         bool
	Rep          bool
	Repne        bool
	SegOverride  int // -1 when absent
	OpSize       bool // 0x66
	AddrSize     bool // 0x67
	Rex          bool
	RexW, RexR, RexX, RexB bool
}

// DecodedInstruction is the immutable result of decode_one.
type DecodedInstruction struct {
	Mnemonic  Mnemonic
	Cond      int // condition code, valid for JCC
	Operands  []Operand
	Prefixes  Prefixes
	Length    int
	NextRIP   uint64
	opWidth   int // the operation's natural width in bits, for ALU/shift groups
}

// OperandWidth returns the operation's data width in bits (8/16/32/64),
// resolved from the opcode, REX.W, and the 0x66 prefix.
func (d *DecodedInstruction) OperandWidth() int { return d.opWidth }

// DecodeError reports why decode_one could not produce an instruction.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

// ErrInvalidOpcode is returned (wrapped with context) for any encoding this
// decoder does not recognize; Tier-0 maps it to #UD.
var ErrInvalidOpcode = &DecodeError{Reason: "invalid opcode"}

type stream struct {
	b   []byte
	pos int
}

func (s *stream) u8() (byte, error) {
	if s.pos >= len(s.b) {
		return 0, &DecodeError{Reason: "instruction truncated"}
	}
	v := s.b[s.pos]
	s.pos++
	return v, nil
}

func (s *stream) peek() (byte, bool) {
	if s.pos >= len(s.b) {
		return 0, false
	}
	return s.b[s.pos], true
}

func (s *stream) u16() (uint16, error) {
	if s.pos+2 > len(s.b) {
		return 0, &DecodeError{Reason: "instruction truncated"}
	}
	v := uint16(s.b[s.pos]) | uint16(s.b[s.pos+1])<<8
	s.pos += 2
	return v, nil
}

func (s *stream) u32() (uint32, error) {
	if s.pos+4 > len(s.b) {
		return 0, &DecodeError{Reason: "instruction truncated"}
	}
	v := uint32(s.b[s.pos]) | uint32(s.b[s.pos+1])<<8 | uint32(s.b[s.pos+2])<<16 | uint32(s.b[s.pos+3])<<24
	s.pos += 4
	return v, nil
}

func (s *stream) u64() (uint64, error) {
	lo, err := s.u32()
	if err != nil {
		return 0, err
	}
	hi, err := s.u32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// Mode mirrors cpustate.Mode's three decode-relevant shapes; duplicated here
// (as small integers) to keep decode free of a dependency on cpustate.
type Mode int

const (
	Mode16 Mode = iota
	Mode32
	Mode64
)

// DecodeOne decodes a single instruction from bytes (at most 15 bytes are
// consumed, the architectural maximum) assuming it begins at linear address
// rip in the given mode. It is pure: no CpuState or memory bus is touched.
func DecodeOne(mode Mode, rip uint64, bytes []byte) (*DecodedInstruction, error) {
	if len(bytes) > 15 {
		bytes = bytes[:15]
	}
	s := &stream{b: bytes}
	var pfx Prefixes
	pfx.SegOverride = -1

	defaultAddrSize := 32
	defaultOpSize := 32
	if mode == Mode16 {
		defaultAddrSize, defaultOpSize = 16, 16
	}
	if mode == Mode64 {
		defaultAddrSize, defaultOpSize = 64, 32
	}

prefixLoop:
	for {
		b, ok := s.peek()
		if !ok {
			return nil, &DecodeError{Reason: "instruction truncated in prefixes"}
		}
		switch b {
		case 0xF0:
			pfx.Lock = true
		case 0xF2:
			pfx.Repne = true
		case 0xF3:
			pfx.Rep = true
		case 0x2E:
			pfx.SegOverride = 1 // CS
		case 0x36:
			pfx.SegOverride = 2 // SS
		case 0x3E:
			pfx.SegOverride = 3 // DS
		case 0x26:
			pfx.SegOverride = 0 // ES
		case 0x64:
			pfx.SegOverride = 4 // FS
		case 0x65:
			pfx.SegOverride = 5 // GS
		case 0x66:
			pfx.OpSize = true
		case 0x67:
			pfx.AddrSize = true
		default:
			if mode == Mode64 && b >= 0x40 && b <= 0x4F {
				pfx.Rex = true
				pfx.RexW = b&0x8 != 0
				pfx.RexR = b&0x4 != 0
				pfx.RexX = b&0x2 != 0
				pfx.RexB = b&0x1 != 0
				s.pos++
				// Scanning continues after a REX byte: a later REX
				// replaces it, and a legacy prefix after a REX is accepted
				// without clearing the REX bits.
				continue prefixLoop
			}
			break prefixLoop
		}
		s.pos++
	}

	addrSize := defaultAddrSize
	if pfx.AddrSize {
		if addrSize == 64 {
			addrSize = 32
		} else if addrSize == 32 {
			addrSize = 16
		} else {
			addrSize = 32
		}
	}
	opSize := defaultOpSize
	if pfx.OpSize {
		if opSize == 32 {
			opSize = 16
		} else if opSize == 16 {
			opSize = 32
		}
	}
	if pfx.RexW {
		opSize = 64
	}

	d := &DecodedInstruction{Prefixes: pfx, opWidth: opSize}

	opcode, err := s.u8()
	if err != nil {
		return nil, err
	}

	if opcode == 0x0F {
		if err := decodeTwoByte(s, d, addrSize); err != nil {
			return nil, err
		}
	} else if err := decodeOneByte(s, d, opcode, addrSize); err != nil {
		return nil, err
	}

	if pfx.Lock && !lockable(d.Mnemonic) {
		return nil, &DecodeError{Reason: "LOCK prefix on non-lockable instruction"}
	}
	if pfx.Lock && len(d.Operands) > 0 && d.Operands[0].Kind != KindMem {
		return nil, &DecodeError{Reason: "LOCK prefix with register destination"}
	}

	d.Length = s.pos
	d.NextRIP = rip + uint64(s.pos)
	return d, nil
}

func lockable(m Mnemonic) bool {
	switch m {
	case ADD, OR, ADC, SBB, AND, SUB, XOR, INC, DEC, NOT, NEG,
		XADD, CMPXCHG, CMPXCHG8B, CMPXCHG16B, XCHG, BTx:
		return true
	default:
		return false
	}
}

func (d *DecodedInstruction) String() string {
	return fmt.Sprintf("%v len=%d", d.Mnemonic, d.Length)
}
