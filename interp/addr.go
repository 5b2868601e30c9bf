/*
 * x86core - Tier-0 interpreter
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

package interp

import (
	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/mmu"
)

// linear computes the segment-relative linear address of a memory operand.
// ripAfterInstr is the decoder's NextRIP, the base for RIP-relative operands.
func (m *Machine) linear(ea decode.EffectiveAddress, ripAfterInstr uint64) uint64 {
	var addr uint64
	if ea.RipRelative {
		addr = ripAfterInstr + uint64(ea.Displacement)
	} else {
		if ea.HasBase {
			addr += m.State.GPR(cpustate.Reg(ea.Base))
		}
		if ea.HasIndex {
			addr += m.State.GPR(cpustate.Reg(ea.Index)) * uint64(ea.Scale)
		}
		addr += uint64(ea.Displacement)
	}
	switch ea.AddressSize {
	case 16:
		addr &= 0xffff
	case 32:
		addr &= 0xffffffff
	}
	return addr + m.State.Seg[ea.Segment].Base
}

func (m *Machine) walkInput() mmu.WalkInput {
	return mmu.WalkInput{
		CR3:   m.State.CR3,
		CPL:   m.State.CPL,
		ACSet: m.State.Flag(cpustate.FlagAC),
	}
}

// translate resolves a linear address through the MMU for the given access.
func (m *Machine) translate(vaddr uint64, access mmu.Access) (uint64, *exceptions.Exception) {
	return m.Mmu.Translate(m.Bus, vaddr, access, m.walkInput())
}

// readMem loads width bits (8/16/32/64/128) from a translated memory operand.
func (m *Machine) readMem(ea decode.EffectiveAddress, ripAfterInstr uint64, width int, access mmu.Access) (lo, hi uint64, ex *exceptions.Exception, err error) {
	phys, ex := m.translate(m.linear(ea, ripAfterInstr), access)
	if ex != nil {
		return 0, 0, ex, nil
	}
	switch width {
	case 8:
		v, e := m.Bus.ReadU8(phys)
		return uint64(v), 0, nil, e
	case 16:
		v, e := m.Bus.ReadU16(phys)
		return uint64(v), 0, nil, e
	case 32:
		v, e := m.Bus.ReadU32(phys)
		return uint64(v), 0, nil, e
	case 64:
		v, e := m.Bus.ReadU64(phys)
		return v, 0, nil, e
	case 128:
		l, h, e := m.Bus.ReadU128(phys)
		return l, h, nil, e
	default:
		panic("interp: unsupported memory width")
	}
}

func (m *Machine) writeMem(ea decode.EffectiveAddress, ripAfterInstr uint64, width int, lo, hi uint64) (*exceptions.Exception, error) {
	phys, ex := m.translate(m.linear(ea, ripAfterInstr), mmu.AccessWrite)
	if ex != nil {
		return ex, nil
	}
	switch width {
	case 8:
		return nil, m.Bus.WriteU8(phys, uint8(lo))
	case 16:
		return nil, m.Bus.WriteU16(phys, uint16(lo))
	case 32:
		return nil, m.Bus.WriteU32(phys, uint32(lo))
	case 64:
		return nil, m.Bus.WriteU64(phys, lo)
	case 128:
		return nil, m.Bus.WriteU128(phys, lo, hi)
	default:
		panic("interp: unsupported memory width")
	}
}

// readOperand loads an operand's value. For KindReg/KindImm it never faults.
// rex reports whether the instruction carried a REX prefix, which changes
// the meaning of an 8-bit register encoding in 4..7 from AH/CH/DH/BH to
// SPL/BPL/SIL/DIL.
func (m *Machine) readOperand(op decode.Operand, ripAfterInstr uint64, rex bool) (lo, hi uint64, ex *exceptions.Exception, err error) {
	switch op.Kind {
	case decode.KindImm:
		return truncate(uint64(op.Imm), op.Size), 0, nil, nil
	case decode.KindReg:
		return m.readReg(cpustate.Reg(op.Reg), op.Size, rex), 0, nil, nil
	case decode.KindMem:
		return m.readMem(op.Addr, ripAfterInstr, op.Size, mmu.AccessRead)
	default:
		panic("interp: cannot read this operand kind")
	}
}

func (m *Machine) writeOperand(op decode.Operand, ripAfterInstr uint64, rex bool, lo, hi uint64) (*exceptions.Exception, error) {
	switch op.Kind {
	case decode.KindReg:
		m.writeReg(cpustate.Reg(op.Reg), op.Size, rex, lo)
		return nil, nil
	case decode.KindMem:
		return m.writeMem(op.Addr, ripAfterInstr, op.Size, lo, hi)
	default:
		panic("interp: cannot write this operand kind")
	}
}

func (m *Machine) readReg(r cpustate.Reg, width int, rex bool) uint64 {
	switch width {
	case 8:
		if isHighByteReg(r, rex) {
			return uint64(m.State.GPR8High(r & 3))
		}
		return uint64(m.State.GPR8Low(r))
	case 16:
		return uint64(m.State.GPR16(r))
	case 32:
		return uint64(m.State.GPR32(r))
	default:
		return m.State.GPR(r)
	}
}

func (m *Machine) writeReg(r cpustate.Reg, width int, rex bool, v uint64) {
	switch width {
	case 8:
		if isHighByteReg(r, rex) {
			m.State.SetGPR8High(r&3, uint8(v))
		} else {
			m.State.SetGPR8Low(r, uint8(v))
		}
	case 16:
		m.State.SetGPR16(r, uint16(v))
	case 32:
		m.State.SetGPR32(r, uint32(v))
	default:
		m.State.SetGPR(r, v)
	}
}

// isHighByteReg reports whether r in {4..7} names AH/CH/DH/BH: true only
// for the no-REX encoding of an 8-bit register in that range.
func isHighByteReg(r cpustate.Reg, rex bool) bool { return !rex && r >= 4 && r <= 7 }
