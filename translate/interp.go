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

// Debug interpreter for the Tier-1 IR: evaluates one BasicBlock instruction
// at a time against the same CpuState/Bus/Mmu a Tier-0 Machine uses, so
// tests can assert Tier-0 and Tier-1 execution of the same guest code leave
// identical architectural state. Shape follows the reference Tier-1 IR
// interpreter's instruction-at-a-time evaluation loop: a dense temp array
// indexed by ValueId, dispatch on Inst.Op, then the terminator.
package translate

import (
	"fmt"
	"math/bits"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/ir"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
)

// ExecResult is the outcome of executing one IR block.
type ExecResult struct {
	ExitToInterpreter bool
	NextRip           uint64
}

// CPU bundles the pieces ExecuteBlock needs, mirroring interp.Machine's
// fields without importing that package (the two tiers must stay
// independently checkable against the same CpuState shape, not coupled to
// each other's internal helpers).
type CPU struct {
	State *cpustate.CpuState
	Bus   *memory.Bus
	Mmu   *mmu.Mmu
}

func (c *CPU) walkInput() mmu.WalkInput {
	return mmu.WalkInput{CR3: c.State.CR3, CPL: c.State.CPL, ACSet: c.State.Flag(cpustate.FlagAC)}
}

type flagVals struct{ cf, pf, af, zf, sf, of bool }

func parityEven(v uint64) bool { return bits.OnesCount8(uint8(v))%2 == 0 }

func truncTo(v uint64, t ir.ValueType) uint64 {
	if t == ir.I32 {
		return v & 0xffffffff
	}
	return v
}

func addFlags(width int, lhs, rhs, result uint64) flagVals {
	sign := uint64(1) << (width - 1)
	var carryOut bool
	if width < 64 {
		carryOut = (lhs+rhs)>>width != 0
	} else {
		carryOut = lhs+rhs < lhs
	}
	return flagVals{
		cf: carryOut,
		pf: parityEven(result),
		af: (lhs^rhs^result)&0x10 != 0,
		zf: result == 0,
		sf: result&sign != 0,
		of: (lhs^result)&(rhs^result)&sign != 0,
	}
}

func subFlags(width int, lhs, rhs, result uint64) flagVals {
	sign := uint64(1) << (width - 1)
	return flagVals{
		cf: lhs < rhs,
		pf: parityEven(result),
		af: (lhs^rhs^result)&0x10 != 0,
		zf: result == 0,
		sf: result&sign != 0,
		of: (lhs^rhs)&(lhs^result)&sign != 0,
	}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (c *CPU) writeFlags(mask ir.FlagMask, v flagVals) {
	if mask&ir.MaskCF != 0 {
		c.State.SetFlag(cpustate.FlagCF, v.cf)
	}
	if mask&ir.MaskPF != 0 {
		c.State.SetFlag(cpustate.FlagPF, v.pf)
	}
	if mask&ir.MaskAF != 0 {
		c.State.SetFlag(cpustate.FlagAF, v.af)
	}
	if mask&ir.MaskZF != 0 {
		c.State.SetFlag(cpustate.FlagZF, v.zf)
	}
	if mask&ir.MaskSF != 0 {
		c.State.SetFlag(cpustate.FlagSF, v.sf)
	}
	if mask&ir.MaskOF != 0 {
		c.State.SetFlag(cpustate.FlagOF, v.of)
	}
}

func (c *CPU) readGprPart(reg ir.GuestReg) uint64 {
	switch reg.Width {
	case 8:
		if reg.High8 {
			return uint64(c.State.GPR8High(cpustate.Reg(reg.GprID)))
		}
		return uint64(c.State.GPR8Low(cpustate.Reg(reg.GprID)))
	case 16:
		return uint64(c.State.GPR16(cpustate.Reg(reg.GprID)))
	case 32:
		return uint64(c.State.GPR32(cpustate.Reg(reg.GprID)))
	default:
		return c.State.GPR(cpustate.Reg(reg.GprID))
	}
}

func (c *CPU) writeGprPart(reg ir.GuestReg, v uint64) {
	switch reg.Width {
	case 8:
		if reg.High8 {
			c.State.SetGPR8High(cpustate.Reg(reg.GprID), uint8(v))
		} else {
			c.State.SetGPR8Low(cpustate.Reg(reg.GprID), uint8(v))
		}
	case 16:
		c.State.SetGPR16(cpustate.Reg(reg.GprID), uint16(v))
	case 32:
		c.State.SetGPR32(cpustate.Reg(reg.GprID), uint32(v))
	default:
		c.State.SetGPR(cpustate.Reg(reg.GprID), v)
	}
}

func flagBit(f ir.Flag) uint64 {
	const (
		cf = cpustate.FlagCF
		pf = cpustate.FlagPF
		af = cpustate.FlagAF
		zf = cpustate.FlagZF
		sf = cpustate.FlagSF
		of = cpustate.FlagOF
	)
	switch f {
	case ir.FlagCF:
		return cf
	case ir.FlagPF:
		return pf
	case ir.FlagAF:
		return af
	case ir.FlagZF:
		return zf
	case ir.FlagSF:
		return sf
	default:
		return of
	}
}

// ExecuteBlock runs b against c until its terminator, returning the next
// RIP to fetch from and whether the host must resume in Tier-0 there.
func ExecuteBlock(b *ir.BasicBlock, c *CPU) (ExecResult, *exceptions.Exception, error) {
	temps := make([]uint64, len(b.Values))

	for _, inst := range b.Insts {
		switch inst.Op {
		case ir.OpConst:
			temps[inst.Dest] = truncTo(inst.ConstValue, inst.ConstType)

		case ir.OpReadReg:
			switch inst.Reg.Kind {
			case ir.RegRip:
				temps[inst.Dest] = c.State.RIP()
			case ir.RegFlag:
				temps[inst.Dest] = boolToU64(c.State.RFlags()&flagBit(inst.Reg.Flag) != 0)
			default:
				temps[inst.Dest] = c.readGprPart(inst.Reg)
			}

		case ir.OpWriteReg:
			v := temps[inst.Value]
			switch inst.Reg.Kind {
			case ir.RegRip:
				c.State.SetRIP(v)
			case ir.RegFlag:
				c.State.SetFlag(flagBit(inst.Reg.Flag), v&1 != 0)
			default:
				c.writeGprPart(inst.Reg, v)
			}

		case ir.OpTrunc:
			temps[inst.Dest] = truncTo(temps[inst.Src], inst.ToType)

		case ir.OpLoad:
			phys, ex := c.Mmu.Translate(c.Bus, temps[inst.Addr], mmu.AccessRead, c.walkInput())
			if ex != nil {
				return ExecResult{}, ex, nil
			}
			v, err := readWidth(c.Bus, phys, inst.Width)
			if err != nil {
				return ExecResult{}, nil, err
			}
			temps[inst.Dest] = v

		case ir.OpStore:
			phys, ex := c.Mmu.Translate(c.Bus, temps[inst.Addr], mmu.AccessWrite, c.walkInput())
			if ex != nil {
				return ExecResult{}, ex, nil
			}
			if err := writeWidth(c.Bus, phys, inst.Width, temps[inst.StoreValue]); err != nil {
				return ExecResult{}, nil, err
			}

		case ir.OpBinOp:
			l, r := temps[inst.Lhs], temps[inst.Rhs]
			res, flags := evalBinOp(inst.BinOp, inst.Width, l, r)
			temps[inst.Dest] = res
			if inst.FlagWrite != 0 {
				c.writeFlags(inst.FlagWrite, flags)
			}

		case ir.OpCmpFlags:
			l, r := temps[inst.Lhs], temps[inst.Rhs]
			res := mask(l-r, inst.Width)
			c.writeFlags(inst.FlagWrite, subFlagsSized(inst.Width, l, r, res))

		case ir.OpTestFlags:
			l, r := temps[inst.Lhs], temps[inst.Rhs]
			res := mask(l&r, inst.Width)
			c.writeFlags(inst.FlagWrite, logicFlagsSized(inst.Width, res))

		case ir.OpEvalCond:
			temps[inst.Dest] = boolToU64(evalCond(c, inst.Cond))

		case ir.OpSelect:
			if temps[inst.CondValue]&1 != 0 {
				temps[inst.Dest] = temps[inst.TrueValue]
			} else {
				temps[inst.Dest] = temps[inst.FalseValue]
			}

		case ir.OpCallHelper:
			return ExecResult{}, nil, fmt.Errorf("translate: helper %d not implemented in debug interpreter", inst.HelperID)
		}
	}

	switch b.Term.Op {
	case ir.TermJump:
		c.State.SetRIP(b.Term.Target)
		return ExecResult{NextRip: b.Term.Target}, nil, nil
	case ir.TermCondJump:
		target := b.Term.Fallthrough
		if temps[b.Term.CondValue]&1 != 0 {
			target = b.Term.Target
		}
		c.State.SetRIP(target)
		return ExecResult{NextRip: target}, nil, nil
	case ir.TermIndirectJump:
		target := temps[b.Term.IndirectVal]
		c.State.SetRIP(target)
		return ExecResult{NextRip: target}, nil, nil
	case ir.TermExitToInterpreter:
		c.State.SetRIP(b.Term.NextRip)
		return ExecResult{ExitToInterpreter: true, NextRip: b.Term.NextRip}, nil, nil
	default:
		return ExecResult{}, nil, fmt.Errorf("translate: unknown terminator op %d", b.Term.Op)
	}
}

func mask(v uint64, width int) uint64 {
	if width >= 64 {
		return v
	}
	return v & (uint64(1)<<width - 1)
}

func subFlagsSized(width int, lhs, rhs, result uint64) flagVals {
	f := subFlags(width, mask(lhs, width), mask(rhs, width), result)
	return f
}

func logicFlagsSized(width int, result uint64) flagVals {
	sign := uint64(1) << (width - 1)
	return flagVals{
		cf: false,
		pf: parityEven(result),
		af: false,
		zf: result == 0,
		sf: result&sign != 0,
		of: false,
	}
}

func evalBinOp(op ir.BinOpKind, width int, l, r uint64) (uint64, flagVals) {
	l, r = mask(l, width), mask(r, width)
	switch op {
	case ir.OpAdd:
		res := mask(l+r, width)
		return res, addFlags(width, l, r, res)
	case ir.OpSub:
		res := mask(l-r, width)
		return res, subFlags(width, l, r, res)
	case ir.OpAnd:
		res := mask(l&r, width)
		return res, logicFlagsSized(width, res)
	case ir.OpOr:
		res := mask(l|r, width)
		return res, logicFlagsSized(width, res)
	case ir.OpXor:
		res := mask(l^r, width)
		return res, logicFlagsSized(width, res)
	case ir.OpShl:
		amt := r & uint64(width-1)
		return mask(l<<amt, width), flagVals{}
	case ir.OpShr:
		amt := r & uint64(width-1)
		return mask(l>>amt, width), flagVals{}
	case ir.OpSar:
		amt := r & uint64(width-1)
		signed := signExtendTo64(l, width)
		return mask(uint64(signed>>amt), width), flagVals{}
	default:
		return 0, flagVals{}
	}
}

func signExtendTo64(v uint64, width int) int64 {
	sign := uint64(1) << (width - 1)
	if v&sign != 0 {
		return int64(v | ^(uint64(1)<<width - 1))
	}
	return int64(v)
}

func evalCond(c *CPU, cond int) bool {
	f := c.State.Flag
	switch cond & 0xf {
	case 0x0:
		return f(cpustate.FlagOF)
	case 0x1:
		return !f(cpustate.FlagOF)
	case 0x2:
		return f(cpustate.FlagCF)
	case 0x3:
		return !f(cpustate.FlagCF)
	case 0x4:
		return f(cpustate.FlagZF)
	case 0x5:
		return !f(cpustate.FlagZF)
	case 0x6:
		return f(cpustate.FlagCF) || f(cpustate.FlagZF)
	case 0x7:
		return !f(cpustate.FlagCF) && !f(cpustate.FlagZF)
	case 0x8:
		return f(cpustate.FlagSF)
	case 0x9:
		return !f(cpustate.FlagSF)
	case 0xA:
		return f(cpustate.FlagPF)
	case 0xB:
		return !f(cpustate.FlagPF)
	case 0xC:
		return f(cpustate.FlagSF) != f(cpustate.FlagOF)
	case 0xD:
		return f(cpustate.FlagSF) == f(cpustate.FlagOF)
	case 0xE:
		return f(cpustate.FlagZF) || f(cpustate.FlagSF) != f(cpustate.FlagOF)
	default:
		return !f(cpustate.FlagZF) && f(cpustate.FlagSF) == f(cpustate.FlagOF)
	}
}

func readWidth(bus *memory.Bus, phys uint64, width int) (uint64, error) {
	switch width {
	case 8:
		v, err := bus.ReadU8(phys)
		return uint64(v), err
	case 16:
		v, err := bus.ReadU16(phys)
		return uint64(v), err
	case 32:
		v, err := bus.ReadU32(phys)
		return uint64(v), err
	default:
		return bus.ReadU64(phys)
	}
}

func writeWidth(bus *memory.Bus, phys uint64, width int, v uint64) error {
	switch width {
	case 8:
		return bus.WriteU8(phys, uint8(v))
	case 16:
		return bus.WriteU16(phys, uint16(v))
	case 32:
		return bus.WriteU32(phys, uint32(v))
	default:
		return bus.WriteU64(phys, v)
	}
}
