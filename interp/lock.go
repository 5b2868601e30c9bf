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

// LOCK-prefixed read-modify-write instructions (XCHG is implicitly locked,
// XADD/CMPXCHG/CMPXCHG8B/CMPXCHG16B/BTx only when the prefix is present).
//
// The interleave contract an external interrupt must respect is: it may be
// recognized as pending either strictly before or strictly after the atomic
// transaction, never mid-transaction. This package logs the two events it
// owns, EventInterruptPending (the pending-check immediately preceding the
// transaction) and EventAtomicRMW (the transaction itself); the third event,
// EventInterruptDelivered, is logged by the core's step loop once this
// instruction has retired and the controller's vector is actually injected —
// that ordering decision belongs to the instruction-boundary scheduler, not
// to one instruction's execution.
package interp

import (
	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/intr"
	"github.com/rcornwell/x86core/mmu"
)

// logPendingInterrupt records whether an interrupt is currently deliverable,
// immediately before a locked transaction begins.
func (m *Machine) logPendingInterrupt() {
	if m.Intr == nil {
		return
	}
	if _, ok := m.Intr.GetPending(); ok {
		m.State.LogEvent(int(intr.EventInterruptPending), "")
	}
}

func (m *Machine) execXchg(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	a, b := d.Operands[0], d.Operands[1]
	width := d.OperandWidth()

	if a.Kind == decode.KindMem {
		m.logPendingInterrupt()
		phys, ex := m.translate(m.linear(a.Addr, d.NextRIP), mmu.AccessWrite)
		if ex != nil {
			return Result{}, ex, nil
		}
		regVal := m.readReg(cpustate.Reg(b.Reg), width, rex)
		err := m.Bus.AtomicRMW(phys, width/8, func(lo, hi uint64) (uint64, uint64) {
			m.State.LogEvent(int(intr.EventAtomicRMW), "xchg")
			m.writeReg(cpustate.Reg(b.Reg), width, rex, lo)
			return regVal, 0
		})
		if err != nil {
			return Result{}, nil, err
		}
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	}

	// register/register form needs no bus atomicity.
	av, _, ex, err := m.readOperand(a, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	bv, _, ex, err := m.readOperand(b, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	if ex, err := m.writeOperand(a, d.NextRIP, rex, bv, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	if ex, err := m.writeOperand(b, d.NextRIP, rex, av, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execXadd(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	dst, src := d.Operands[0], d.Operands[1]
	width := d.OperandWidth()
	srcVal := m.readReg(cpustate.Reg(src.Reg), width, rex)

	if dst.Kind == decode.KindMem && d.Prefixes.Lock {
		m.logPendingInterrupt()
		phys, ex := m.translate(m.linear(dst.Addr, d.NextRIP), mmu.AccessWrite)
		if ex != nil {
			return Result{}, ex, nil
		}
		var f aluFlags
		var old uint64
		err := m.Bus.AtomicRMW(phys, width/8, func(lo, hi uint64) (uint64, uint64) {
			m.State.LogEvent(int(intr.EventAtomicRMW), "xadd")
			old = lo
			var result uint64
			result, f = addWithFlags(lo, srcVal, width, false)
			return result, 0
		})
		if err != nil {
			return Result{}, nil, err
		}
		m.applyFlags(f)
		m.writeReg(cpustate.Reg(src.Reg), width, rex, old)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	}

	dstVal, _, ex, err := m.readOperand(dst, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	result, f := addWithFlags(dstVal, srcVal, width, false)
	m.applyFlags(f)
	if ex, err := m.writeOperand(dst, d.NextRIP, rex, result, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.writeReg(cpustate.Reg(src.Reg), width, rex, dstVal)
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execCmpxchg(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	dst, src := d.Operands[0], d.Operands[1]
	width := d.OperandWidth()
	srcVal := m.readReg(cpustate.Reg(src.Reg), width, rex)
	accVal := m.readReg(cpustate.RAX, width, rex)

	if dst.Kind == decode.KindMem && d.Prefixes.Lock {
		m.logPendingInterrupt()
		phys, ex := m.translate(m.linear(dst.Addr, d.NextRIP), mmu.AccessWrite)
		if ex != nil {
			return Result{}, ex, nil
		}
		var f aluFlags
		var memVal uint64
		err := m.Bus.AtomicRMW(phys, width/8, func(lo, hi uint64) (uint64, uint64) {
			m.State.LogEvent(int(intr.EventAtomicRMW), "cmpxchg")
			memVal = lo
			_, f = subWithFlags(lo, accVal, width, false)
			if lo == accVal {
				return srcVal, 0
			}
			return lo, 0
		})
		if err != nil {
			return Result{}, nil, err
		}
		m.applyFlags(f)
		if memVal != accVal {
			m.writeReg(cpustate.RAX, width, rex, memVal)
		}
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	}

	memVal, _, ex, err := m.readOperand(dst, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	_, f := subWithFlags(memVal, accVal, width, false)
	m.applyFlags(f)
	if memVal == accVal {
		if ex, err := m.writeOperand(dst, d.NextRIP, rex, srcVal, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	} else {
		m.writeReg(cpustate.RAX, width, rex, memVal)
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execCmpxchg8b(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	mem := d.Operands[0]
	linear := m.linear(mem.Addr, d.NextRIP)
	if linear%8 != 0 {
		return Result{}, exceptions.GeneralProtection(0), nil
	}
	m.logPendingInterrupt()
	phys, ex := m.translate(linear, mmu.AccessWrite)
	if ex != nil {
		return Result{}, ex, nil
	}
	cmp := uint64(m.State.GPR32(cpustate.RDX))<<32 | uint64(m.State.GPR32(cpustate.RAX))
	newVal := uint64(m.State.GPR32(cpustate.RCX))<<32 | uint64(m.State.GPR32(cpustate.RBX))
	var success bool
	var old uint64
	err := m.Bus.AtomicRMW(phys, 8, func(lo, hi uint64) (uint64, uint64) {
		m.State.LogEvent(int(intr.EventAtomicRMW), "cmpxchg8b")
		old = lo
		if lo == cmp {
			success = true
			return newVal, 0
		}
		return lo, 0
	})
	if err != nil {
		return Result{}, nil, err
	}
	m.State.SetFlag(cpustate.FlagZF, success)
	if !success {
		m.State.SetGPR32(cpustate.RDX, uint32(old>>32))
		m.State.SetGPR32(cpustate.RAX, uint32(old))
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execCmpxchg16b(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	mem := d.Operands[0]
	linear := m.linear(mem.Addr, d.NextRIP)
	if linear%16 != 0 {
		return Result{}, exceptions.GeneralProtection(0), nil
	}
	m.logPendingInterrupt()
	phys, ex := m.translate(linear, mmu.AccessWrite)
	if ex != nil {
		return Result{}, ex, nil
	}
	cmpLo := m.State.GPR(cpustate.RAX)
	cmpHi := m.State.GPR(cpustate.RDX)
	newLo := m.State.GPR(cpustate.RBX)
	newHi := m.State.GPR(cpustate.RCX)
	var success bool
	var oldLo, oldHi uint64
	err := m.Bus.AtomicRMW(phys, 16, func(lo, hi uint64) (uint64, uint64) {
		m.State.LogEvent(int(intr.EventAtomicRMW), "cmpxchg16b")
		oldLo, oldHi = lo, hi
		if lo == cmpLo && hi == cmpHi {
			success = true
			return newLo, newHi
		}
		return lo, hi
	})
	if err != nil {
		return Result{}, nil, err
	}
	m.State.SetFlag(cpustate.FlagZF, success)
	if !success {
		m.State.SetGPR(cpustate.RAX, oldLo)
		m.State.SetGPR(cpustate.RDX, oldHi)
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

// execBt implements BT/BTS/BTR/BTC (d.Cond carries the raw two-byte opcode,
// or 0xBA00|reg for the immediate-index group form, set by the decoder).
func (m *Machine) execBt(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	dst := d.Operands[0]
	width := d.OperandWidth()

	var bitIndex uint64
	var kind int // 0=BT 1=BTS 2=BTR 3=BTC
	if d.Cond&0xff00 == 0xba00 {
		bitIndex = uint64(d.Operands[1].Imm) & uint64(width-1)
		kind = (d.Cond & 7) - 4 // group reg field 4=BT,5=BTS,6=BTR,7=BTC
	} else {
		switch d.Cond {
		case 0xa3:
			kind = 0
		case 0xab:
			kind = 1
		case 0xb3:
			kind = 2
		case 0xbb:
			kind = 3
		}
		bitIndex = m.readReg(cpustate.Reg(d.Operands[1].Reg), width, rex) & uint64(width-1)
	}

	v, _, ex, err := m.readOperand(dst, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	bit := (v>>bitIndex)&1 != 0
	m.State.SetFlag(cpustate.FlagCF, bit)

	var nv uint64
	switch kind {
	case 0:
		nv = v
	case 1:
		nv = v | (1 << bitIndex)
	case 2:
		nv = v &^ (1 << bitIndex)
	case 3:
		nv = v ^ (1 << bitIndex)
	}
	if kind != 0 {
		if ex, err := m.writeOperand(dst, d.NextRIP, rex, nv, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}
