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

func (m *Machine) pushValue(v uint64, width int) (*exceptions.Exception, error) {
	sp := m.State.GPR(cpustate.RSP) - uint64(width)
	phys, ex := m.translate(sp+m.State.Seg[2].Base, mmu.AccessWrite)
	if ex != nil {
		return ex, nil
	}
	var err error
	switch width {
	case 2:
		err = m.Bus.WriteU16(phys, uint16(v))
	case 4:
		err = m.Bus.WriteU32(phys, uint32(v))
	case 8:
		err = m.Bus.WriteU64(phys, v)
	}
	if err != nil {
		return nil, err
	}
	m.State.SetGPR(cpustate.RSP, sp)
	return nil, nil
}

func (m *Machine) popValue(width int) (uint64, *exceptions.Exception, error) {
	sp := m.State.GPR(cpustate.RSP)
	phys, ex := m.translate(sp+m.State.Seg[2].Base, mmu.AccessRead)
	if ex != nil {
		return 0, ex, nil
	}
	var v uint64
	var err error
	switch width {
	case 2:
		var v16 uint16
		v16, err = m.Bus.ReadU16(phys)
		v = uint64(v16)
	case 4:
		var v32 uint32
		v32, err = m.Bus.ReadU32(phys)
		v = uint64(v32)
	case 8:
		v, err = m.Bus.ReadU64(phys)
	}
	if err != nil {
		return 0, nil, err
	}
	m.State.SetGPR(cpustate.RSP, sp+uint64(width))
	return v, nil, nil
}

func (m *Machine) execPush(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	width := d.OperandWidth() / 8
	if width == 0 {
		width = m.bitness() / 8
	}
	rex := d.Prefixes.Rex
	v, _, ex, err := m.readOperand(d.Operands[0], d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	if ex, err := m.pushValue(v, width); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execPop(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	width := d.OperandWidth() / 8
	if width == 0 {
		width = m.bitness() / 8
	}
	v, ex, err := m.popValue(width)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	dst := d.Operands[0]
	if ex, err := m.writeOperand(dst, d.NextRIP, d.Prefixes.Rex, v, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execPushf(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	width := m.bitness() / 8
	if ex, err := m.pushValue(m.State.RFlags(), width); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execPopf(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	width := m.bitness() / 8
	v, ex, err := m.popValue(width)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRFlagsMasked(v)
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}
