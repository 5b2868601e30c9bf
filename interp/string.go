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

// String instructions: MOVS/STOS/LODS/SCAS/CMPS, each optionally repeated by
// REP/REPE/REPNE. Each call to execString advances RSI/RDI by exactly one
// element and decrements RCX once under a repeat prefix, so that an
// interrupt can still be recognized between iterations (the core's step
// loop re-dispatches the same RIP while RCX != 0), rather than this
// function looping internally and hiding the instruction boundary.
package interp

import (
	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/mmu"
)

func (m *Machine) stringElemWidth(d *decode.DecodedInstruction) int {
	w := d.OperandWidth()
	if w == 0 {
		w = 8
	}
	return w
}

func (m *Machine) advanceIndex(reg cpustate.Reg, width int) {
	delta := uint64(width / 8)
	if m.State.Flag(cpustate.FlagDF) {
		delta = ^delta + 1 // -delta
	}
	width64 := m.bitness()
	v := truncate(m.State.GPR(reg)+delta, width64)
	m.writeReg(reg, width64, false, v)
}

func (m *Machine) rcxZero() bool {
	width := m.bitness()
	return truncate(m.State.GPR(cpustate.RCX), width) == 0
}

func (m *Machine) decRcx() {
	width := m.bitness()
	v := truncate(m.State.GPR(cpustate.RCX)-1, width)
	m.writeReg(cpustate.RCX, width, false, v)
}

func (m *Machine) execString(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rep := d.Prefixes.Rep || d.Prefixes.Repne
	if rep && m.rcxZero() {
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	}

	width := m.stringElemWidth(d)
	var ex *exceptions.Exception
	var err error
	var stop bool

	switch d.Mnemonic {
	case decode.MOVS:
		ex, err = m.stringCopy(width)
	case decode.STOS:
		ex, err = m.stringStore(width)
	case decode.LODS:
		ex, err = m.stringLoad(width)
	case decode.SCAS:
		ex, err, stop = m.stringScan(width, d.Prefixes.Rep)
	case decode.CMPS:
		ex, err, stop = m.stringCompare(width, d.Prefixes.Rep)
	}
	if ex != nil || err != nil {
		return Result{}, ex, err
	}

	if rep {
		m.decRcx()
		if stop || m.rcxZero() {
			m.State.SetRIP(d.NextRIP)
			return Result{Outcome: Continue}, nil, nil
		}
		// Repeat: re-enter the same instruction rather than advancing RIP,
		// so the core's step loop can still recognize an interrupt between
		// elements.
		return Result{Outcome: Continue}, nil, nil
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) stringCopy(width int) (*exceptions.Exception, error) {
	srcLinear := m.State.GPR(cpustate.RSI) + m.State.Seg[3].Base // DS
	dstLinear := m.State.GPR(cpustate.RDI) + m.State.Seg[0].Base // ES
	srcPhys, ex := m.translate(srcLinear, mmu.AccessRead)
	if ex != nil {
		return ex, nil
	}
	dstPhys, ex := m.translate(dstLinear, mmu.AccessWrite)
	if ex != nil {
		return ex, nil
	}
	buf := make([]byte, width/8)
	if err := m.Bus.ReadBytes(srcPhys, buf); err != nil {
		return nil, err
	}
	if err := m.Bus.WriteBytes(dstPhys, buf); err != nil {
		return nil, err
	}
	m.advanceIndex(cpustate.RSI, width)
	m.advanceIndex(cpustate.RDI, width)
	return nil, nil
}

func (m *Machine) stringStore(width int) (*exceptions.Exception, error) {
	dstLinear := m.State.GPR(cpustate.RDI) + m.State.Seg[0].Base
	phys, ex := m.translate(dstLinear, mmu.AccessWrite)
	if ex != nil {
		return ex, nil
	}
	v := m.readReg(cpustate.RAX, width, false)
	var err error
	switch width {
	case 8:
		err = m.Bus.WriteU8(phys, uint8(v))
	case 16:
		err = m.Bus.WriteU16(phys, uint16(v))
	case 32:
		err = m.Bus.WriteU32(phys, uint32(v))
	case 64:
		err = m.Bus.WriteU64(phys, v)
	}
	if err != nil {
		return nil, err
	}
	m.advanceIndex(cpustate.RDI, width)
	return nil, nil
}

func (m *Machine) stringLoad(width int) (*exceptions.Exception, error) {
	srcLinear := m.State.GPR(cpustate.RSI) + m.State.Seg[3].Base
	phys, ex := m.translate(srcLinear, mmu.AccessRead)
	if ex != nil {
		return ex, nil
	}
	var v uint64
	var err error
	switch width {
	case 8:
		var b uint8
		b, err = m.Bus.ReadU8(phys)
		v = uint64(b)
	case 16:
		var h uint16
		h, err = m.Bus.ReadU16(phys)
		v = uint64(h)
	case 32:
		var w uint32
		w, err = m.Bus.ReadU32(phys)
		v = uint64(w)
	case 64:
		v, err = m.Bus.ReadU64(phys)
	}
	if err != nil {
		return nil, err
	}
	m.writeReg(cpustate.RAX, width, false, v)
	m.advanceIndex(cpustate.RSI, width)
	return nil, nil
}

func (m *Machine) stringScan(width int, repe bool) (*exceptions.Exception, error, bool) {
	dstLinear := m.State.GPR(cpustate.RDI) + m.State.Seg[0].Base
	phys, ex := m.translate(dstLinear, mmu.AccessRead)
	if ex != nil {
		return ex, nil, true
	}
	memVal, err := m.readAt(phys, width)
	if err != nil {
		return nil, err, true
	}
	acc := m.readReg(cpustate.RAX, width, false)
	_, f := subWithFlags(acc, memVal, width, false)
	m.applyFlags(f)
	m.advanceIndex(cpustate.RDI, width)
	stop := repe && !f.zf || !repe && f.zf
	return nil, nil, stop
}

func (m *Machine) stringCompare(width int, repe bool) (*exceptions.Exception, error, bool) {
	srcLinear := m.State.GPR(cpustate.RSI) + m.State.Seg[3].Base
	dstLinear := m.State.GPR(cpustate.RDI) + m.State.Seg[0].Base
	srcPhys, ex := m.translate(srcLinear, mmu.AccessRead)
	if ex != nil {
		return ex, nil, true
	}
	dstPhys, ex := m.translate(dstLinear, mmu.AccessRead)
	if ex != nil {
		return ex, nil, true
	}
	srcVal, err := m.readAt(srcPhys, width)
	if err != nil {
		return nil, err, true
	}
	dstVal, err := m.readAt(dstPhys, width)
	if err != nil {
		return nil, err, true
	}
	_, f := subWithFlags(srcVal, dstVal, width, false)
	m.applyFlags(f)
	m.advanceIndex(cpustate.RSI, width)
	m.advanceIndex(cpustate.RDI, width)
	stop := repe && !f.zf || !repe && f.zf
	return nil, nil, stop
}

func (m *Machine) readAt(phys uint64, width int) (uint64, error) {
	switch width {
	case 8:
		v, err := m.Bus.ReadU8(phys)
		return uint64(v), err
	case 16:
		v, err := m.Bus.ReadU16(phys)
		return uint64(v), err
	case 32:
		v, err := m.Bus.ReadU32(phys)
		return uint64(v), err
	default:
		return m.Bus.ReadU64(phys)
	}
}
