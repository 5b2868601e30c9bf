/*
 * x86core - Tier-1 intermediate representation
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

// Package ir defines the typed SSA-ish intermediate representation the
// Tier-1 translator lowers basic blocks into: a dense value array, a flat
// instruction list, and a terminator. Every variant here is a closed tag;
// Validate rejects an op or terminator outside these sets.
package ir

// ValueId indexes into a BasicBlock's Values array.
type ValueId int

// ValueType is the type of one SSA value.
type ValueType int

const (
	I32 ValueType = iota
	I64
	V128
	Bool // represented as I32 0/1
)

// GuestRegKind distinguishes the three kinds of architectural state ReadReg
// / WriteReg can name.
type GuestRegKind int

const (
	RegGpr GuestRegKind = iota
	RegRip
	RegFlag
)

// Flag names one of the six flags the IR tracks individually.
type Flag int

const (
	FlagCF Flag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagOF
)

// GuestReg tags one piece of architectural state.
type GuestReg struct {
	Kind    GuestRegKind
	GprID   int // valid when Kind == RegGpr
	Width   int // 8, 16, 32, or 64
	High8   bool // AH/CH/DH/BH
	Flag    Flag // valid when Kind == RegFlag
}

// BinOpKind is the closed set of lowered ALU operations.
type BinOpKind int

const (
	OpAdd BinOpKind = iota
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
)

// FlagMask is a bitset of which flags an instruction's flag-write promises
// to update, the foundation for dead-flag elimination.
type FlagMask uint8

const (
	MaskCF FlagMask = 1 << iota
	MaskPF
	MaskAF
	MaskZF
	MaskSF
	MaskOF
)

// InstOp is a closed tag for IrInst variants.
type InstOp int

const (
	OpConst InstOp = iota
	OpReadReg
	OpWriteReg
	OpTrunc
	OpLoad
	OpStore
	OpBinOp
	OpCmpFlags
	OpTestFlags
	OpEvalCond
	OpSelect
	OpCallHelper
)

// Inst is one instruction in a BasicBlock's flat instruction list. Only the
// fields relevant to Op are meaningful; see the op-specific comments.
type Inst struct {
	Op InstOp

	Dest ValueId // result, when Op produces one

	// OpConst
	ConstValue uint64
	ConstType  ValueType

	// OpReadReg / OpWriteReg
	Reg   GuestReg
	Value ValueId // source value for OpWriteReg

	// OpTrunc
	Src   ValueId
	ToType ValueType

	// OpLoad / OpStore / OpBinOp / OpCmpFlags / OpTestFlags. Width carries
	// the architectural operand width in bits (8/16/32/64, plus 128 for
	// Load/Store): the producing ValueId's ValueType alone cannot
	// distinguish an 8-bit op from a 32-bit one, and flag computation
	// (carry-out bit, sign bit) depends on the exact width.
	Width int
	Addr  ValueId
	StoreValue ValueId
	RequiresTranslation bool

	// OpBinOp / OpCmpFlags / OpTestFlags
	BinOp BinOpKind
	Lhs, Rhs ValueId
	FlagWrite FlagMask

	// OpEvalCond
	Cond int

	// OpSelect
	CondValue, TrueValue, FalseValue ValueId

	// OpCallHelper
	HelperID int
	Args     []ValueId
}

// TermOp is a closed tag for block terminators.
type TermOp int

const (
	TermJump TermOp = iota
	TermCondJump
	TermIndirectJump
	TermExitToInterpreter
)

// Terminator ends every BasicBlock.
type Terminator struct {
	Op TermOp

	Target      uint64  // TermJump / TermCondJump target rip
	Fallthrough uint64  // TermCondJump fallthrough rip
	CondValue   ValueId // TermCondJump
	IndirectVal ValueId // TermIndirectJump
	NextRip     uint64  // TermExitToInterpreter
}

// ValueDef records the declared type of one SSA value, for validation.
type ValueDef struct {
	Type ValueType
}

// BasicBlock is the unit the translator produces and the debug interpreter
// or code generator consumes.
type BasicBlock struct {
	StartRip uint64
	Values   []ValueDef
	Insts    []Inst
	Term     Terminator

	// Bitness and CS.D/L are part of the block cache key (see cache.go)
	// and also needed to interpret address-size-dependent IR nodes.
	Bitness int // 16, 32, or 64

	// EndRip is one past the last byte the block's instructions span
	// (including its terminator's own bytes when the terminator is a
	// lowered branch rather than ExitToInterpreter). Translator-internal
	// bookkeeping for the block cache's page-coverage index; not consulted
	// by ExecuteBlock.
	EndRip uint64

	// NumInsts is the number of guest x86 instructions this block lowers,
	// including its terminator when the terminator is a lowered branch
	// rather than ExitToInterpreter. len(Insts) counts IR operations, not
	// guest instructions, and the two diverge as soon as one guest
	// instruction lowers to more than one IR node; callers that report a
	// retired-instruction count use this field instead.
	NumInsts int
}

// NewValue appends a value declaration and returns its id.
func (b *BasicBlock) NewValue(t ValueType) ValueId {
	b.Values = append(b.Values, ValueDef{Type: t})
	return ValueId(len(b.Values) - 1)
}
