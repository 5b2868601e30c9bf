/*
 * x86core - Tier-1 translator
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

// Lowering from one decode.DecodedInstruction into ir.BasicBlock nodes.
//
// Coverage is deliberately narrower than Tier-0: only register/immediate
// forms of data movement, arithmetic/logic, and near relative and
// register-indirect jumps lower
// here. Any instruction touching memory, LOCK, strings, CR registers, or
// privileged state is left for Tier-0 — block formation stops and emits an
// ExitToInterpreter terminator at that instruction, exactly the "side-exiting
// instruction" case the block-formation algorithm already has to handle.
// This keeps every block this translator emits provably equivalent to
// Tier-0, rather than approximating instructions whose flag or addressing
// semantics are easy to get subtly wrong in IR form.
package translate

import (
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/ir"
)

// eligible reports whether d can be lowered into this translator's IR
// subset at all.
func eligible(d *decode.DecodedInstruction) bool {
	for _, op := range d.Operands {
		if op.Kind == decode.KindMem {
			return false
		}
	}
	switch d.Mnemonic {
	case decode.MOV, decode.MOVZX, decode.MOVSX,
		decode.ADD, decode.SUB, decode.AND, decode.OR, decode.XOR, decode.CMP, decode.TEST,
		decode.INC, decode.DEC, decode.NOT, decode.NEG:
		return true
	default:
		return false
	}
}

func widthType(bits int) ir.ValueType {
	if bits > 32 {
		return ir.I64
	}
	return ir.I32
}

// isHighByteReg mirrors interp's REX-vs-AH/CH/DH/BH disambiguation: true
// only for the no-REX encoding of an 8-bit register index in 4..7.
func isHighByteReg(r int, rex bool) bool { return !rex && r >= 4 && r <= 7 }

func guestReg(r int, width int, rex bool) ir.GuestReg {
	if isHighByteReg(r, rex) && width == 8 {
		return ir.GuestReg{Kind: ir.RegGpr, GprID: r & 3, Width: 8, High8: true}
	}
	return ir.GuestReg{Kind: ir.RegGpr, GprID: r, Width: width}
}

func (lb *blockBuilder) constValue(v uint64, width int) ir.ValueId {
	id := lb.b.NewValue(widthType(width))
	lb.emit(ir.Inst{Op: ir.OpConst, Dest: id, ConstValue: v, ConstType: widthType(width)})
	return id
}

func (lb *blockBuilder) readOperand(op decode.Operand, rex bool) ir.ValueId {
	switch op.Kind {
	case decode.KindImm:
		return lb.constValue(uint64(op.Imm), op.Size)
	case decode.KindReg:
		id := lb.b.NewValue(widthType(op.Size))
		lb.emit(ir.Inst{Op: ir.OpReadReg, Dest: id, Reg: guestReg(op.Reg, op.Size, rex)})
		return id
	default:
		panic("translate: unsupported operand kind in register-only lowering")
	}
}

func (lb *blockBuilder) writeOperand(op decode.Operand, rex bool, v ir.ValueId) {
	if op.Kind != decode.KindReg {
		panic("translate: unsupported write-operand kind in register-only lowering")
	}
	lb.emit(ir.Inst{Op: ir.OpWriteReg, Reg: guestReg(op.Reg, op.Size, rex), Value: v})
}

// blockBuilder accumulates Insts into an ir.BasicBlock while lowering one
// decoded instruction at a time.
type blockBuilder struct {
	b *ir.BasicBlock
}

func (lb *blockBuilder) emit(i ir.Inst) { lb.b.Insts = append(lb.b.Insts, i) }

const allFlags = ir.MaskCF | ir.MaskPF | ir.MaskAF | ir.MaskZF | ir.MaskSF | ir.MaskOF

// lowerInst appends d's IR expansion to b. Caller has already checked
// eligible(d).
func lowerInst(b *ir.BasicBlock, d *decode.DecodedInstruction) {
	lb := &blockBuilder{b: b}
	rex := d.Prefixes.Rex
	width := d.OperandWidth()

	switch d.Mnemonic {
	case decode.MOV:
		v := lb.readOperand(d.Operands[1], rex)
		lb.writeOperand(d.Operands[0], rex, v)

	case decode.MOVZX:
		v := lb.readOperand(d.Operands[1], rex)
		dest := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpTrunc, Dest: dest, Src: v, ToType: widthType(width)})
		lb.writeOperand(d.Operands[0], rex, dest)

	case decode.MOVSX:
		// Sign-extension has no dedicated IR op; express it as a
		// shift-left-then-arithmetic-shift-right pair at the destination
		// width, which sign-extends from the source width exactly.
		v := lb.readOperand(d.Operands[1], rex)
		srcWidth := d.Operands[1].Size
		shiftAmt := lb.constValue(uint64(width-srcWidth), width)
		widened := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpTrunc, Dest: widened, Src: v, ToType: widthType(width)})
		shl := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpBinOp, Dest: shl, BinOp: ir.OpShl, Lhs: widened, Rhs: shiftAmt, Width: width})
		sar := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpBinOp, Dest: sar, BinOp: ir.OpSar, Lhs: shl, Rhs: shiftAmt, Width: width})
		lb.writeOperand(d.Operands[0], rex, sar)

	case decode.ADD, decode.SUB, decode.AND, decode.OR, decode.XOR, decode.CMP, decode.TEST:
		dst := d.Operands[0]
		a := lb.readOperand(dst, rex)
		bnd := lb.readOperand(d.Operands[1], rex)
		var op ir.BinOpKind
		switch d.Mnemonic {
		case decode.ADD:
			op = ir.OpAdd
		case decode.SUB, decode.CMP:
			op = ir.OpSub
		case decode.AND, decode.TEST:
			op = ir.OpAnd
		case decode.OR:
			op = ir.OpOr
		case decode.XOR:
			op = ir.OpXor
		}
		if d.Mnemonic == decode.CMP {
			lb.emit(ir.Inst{Op: ir.OpCmpFlags, Lhs: a, Rhs: bnd, Width: width, FlagWrite: allFlags})
			break
		}
		if d.Mnemonic == decode.TEST {
			lb.emit(ir.Inst{Op: ir.OpTestFlags, Lhs: a, Rhs: bnd, Width: width, FlagWrite: allFlags})
			break
		}
		res := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpBinOp, Dest: res, BinOp: op, Lhs: a, Rhs: bnd, Width: width, FlagWrite: allFlags})
		lb.writeOperand(dst, rex, res)

	case decode.INC, decode.DEC:
		op := d.Operands[0]
		a := lb.readOperand(op, rex)
		one := lb.constValue(1, width)
		binOp := ir.OpAdd
		if d.Mnemonic == decode.DEC {
			binOp = ir.OpSub
		}
		res := lb.b.NewValue(widthType(width))
		// INC/DEC never touch CF; omit it from the flag-write mask so a
		// downstream consumer never overwrites the preserved bit.
		lb.emit(ir.Inst{Op: ir.OpBinOp, Dest: res, BinOp: binOp, Lhs: a, Rhs: one, Width: width,
			FlagWrite: allFlags &^ ir.MaskCF})
		lb.writeOperand(op, rex, res)

	case decode.NOT:
		op := d.Operands[0]
		a := lb.readOperand(op, rex)
		allOnes := lb.constValue(^uint64(0), width)
		res := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpBinOp, Dest: res, BinOp: ir.OpXor, Lhs: a, Rhs: allOnes, Width: width})
		lb.writeOperand(op, rex, res)

	case decode.NEG:
		op := d.Operands[0]
		a := lb.readOperand(op, rex)
		zero := lb.constValue(0, width)
		res := lb.b.NewValue(widthType(width))
		lb.emit(ir.Inst{Op: ir.OpBinOp, Dest: res, BinOp: ir.OpSub, Lhs: zero, Rhs: a, Width: width, FlagWrite: allFlags})
		lb.writeOperand(op, rex, res)
	}
}

// isTerminator reports whether d ends a block (branch family).
func isTerminator(m decode.Mnemonic) bool {
	switch m {
	case decode.JMP, decode.JCC:
		return true
	default:
		return false
	}
}

// lowerTerminator appends d's terminator to b and reports whether it could
// be expressed (a register-indirect or relative branch); false means the
// caller must fall back to ExitToInterpreter instead.
func lowerTerminator(b *ir.BasicBlock, d *decode.DecodedInstruction) bool {
	lb := &blockBuilder{b: b}
	op := d.Operands[0]

	switch d.Mnemonic {
	case decode.JMP:
		switch op.Kind {
		case decode.KindNearBranch:
			target := uint64(int64(d.NextRIP) + op.Imm)
			b.Term = ir.Terminator{Op: ir.TermJump, Target: target}
			return true
		case decode.KindReg:
			v := lb.readOperand(op, d.Prefixes.Rex)
			b.Term = ir.Terminator{Op: ir.TermIndirectJump, IndirectVal: v}
			return true
		default:
			return false
		}
	case decode.JCC:
		if op.Kind != decode.KindNearBranch {
			return false
		}
		target := uint64(int64(d.NextRIP) + op.Imm)
		cond := lb.b.NewValue(ir.Bool)
		lb.emit(ir.Inst{Op: ir.OpEvalCond, Dest: cond, Cond: d.Cond})
		b.Term = ir.Terminator{Op: ir.TermCondJump, CondValue: cond, Target: target, Fallthrough: d.NextRIP}
		return true
	default:
		return false
	}
}
