/*
 * x86core - IR block validation
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

package ir

import "fmt"

// Validate checks that every ValueId referenced by b is in range and that
// the terminator uses a defined value. Invalid blocks must never reach the
// debug interpreter or a code generator; callers fall back to Tier-0.
func (b *BasicBlock) Validate() error {
	n := ValueId(len(b.Values))
	inRange := func(v ValueId) bool { return v >= 0 && v < n }

	check := func(v ValueId, label string) error {
		if !inRange(v) {
			return fmt.Errorf("ir: %s references out-of-range value %d (have %d)", label, v, n)
		}
		return nil
	}

	for i, inst := range b.Insts {
		switch inst.Op {
		case OpConst:
			if inst.Dest >= n {
				return fmt.Errorf("ir: inst %d: dest out of range", i)
			}
		case OpReadReg:
			if err := check(inst.Dest, "ReadReg dest"); err != nil {
				return err
			}
		case OpWriteReg:
			if err := check(inst.Value, "WriteReg value"); err != nil {
				return err
			}
		case OpTrunc:
			if err := check(inst.Src, "Trunc src"); err != nil {
				return err
			}
			if err := check(inst.Dest, "Trunc dest"); err != nil {
				return err
			}
		case OpLoad:
			if err := check(inst.Addr, "Load addr"); err != nil {
				return err
			}
			if err := check(inst.Dest, "Load dest"); err != nil {
				return err
			}
		case OpStore:
			if err := check(inst.Addr, "Store addr"); err != nil {
				return err
			}
			if err := check(inst.StoreValue, "Store value"); err != nil {
				return err
			}
		case OpBinOp:
			if err := check(inst.Lhs, "BinOp lhs"); err != nil {
				return err
			}
			if err := check(inst.Rhs, "BinOp rhs"); err != nil {
				return err
			}
			if err := check(inst.Dest, "BinOp dest"); err != nil {
				return err
			}
		case OpCmpFlags, OpTestFlags:
			if err := check(inst.Lhs, "flags lhs"); err != nil {
				return err
			}
			if err := check(inst.Rhs, "flags rhs"); err != nil {
				return err
			}
		case OpEvalCond:
			if err := check(inst.Dest, "EvalCond dest"); err != nil {
				return err
			}
		case OpSelect:
			if err := check(inst.CondValue, "Select cond"); err != nil {
				return err
			}
			if err := check(inst.TrueValue, "Select true"); err != nil {
				return err
			}
			if err := check(inst.FalseValue, "Select false"); err != nil {
				return err
			}
			if err := check(inst.Dest, "Select dest"); err != nil {
				return err
			}
		case OpCallHelper:
			for _, a := range inst.Args {
				if err := check(a, "CallHelper arg"); err != nil {
					return err
				}
			}
			if err := check(inst.Dest, "CallHelper dest"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("ir: inst %d: unknown op %d", i, inst.Op)
		}
	}

	switch b.Term.Op {
	case TermJump:
	case TermCondJump:
		if err := check(b.Term.CondValue, "terminator cond"); err != nil {
			return err
		}
	case TermIndirectJump:
		if err := check(b.Term.IndirectVal, "terminator indirect"); err != nil {
			return err
		}
	case TermExitToInterpreter:
	default:
		return fmt.Errorf("ir: unknown terminator op %d", b.Term.Op)
	}
	return nil
}
