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

func (m *Machine) execMov(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	v, _, ex, err := m.readOperand(d.Operands[1], d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	if ex, err := m.writeOperand(d.Operands[0], d.NextRIP, rex, v, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execMovxx(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	src := d.Operands[1]
	v, _, ex, err := m.readOperand(src, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	var extended uint64
	if d.Mnemonic == decode.MOVZX {
		extended = v
	} else {
		extended = uint64(signExtend(v, src.Size))
	}
	if ex, err := m.writeOperand(d.Operands[0], d.NextRIP, rex, extended, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

// execLea computes a memory operand's effective address without accessing
// memory or the MMU and stores it in a GPR.
func (m *Machine) execLea(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	dest := d.Operands[0]
	ea := d.Operands[1].Addr
	addr := m.linear(ea, d.NextRIP) - m.State.Seg[ea.Segment].Base
	m.writeReg(cpustate.Reg(dest.Reg), d.OperandWidth(), d.Prefixes.Rex, addr)
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execMovCr(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	if err := m.requirePrivileged(); err != nil {
		return Result{}, err, nil
	}
	if d.Cond == 1 {
		// write: CRn <- GPR
		crIdx := d.Operands[0].Reg
		v := m.State.GPR(cpustate.Reg(d.Operands[1].Reg))
		return m.writeCr(d, crIdx, v)
	}
	// read: GPR <- CRn
	crIdx := d.Operands[1].Reg
	v := m.readCr(crIdx)
	m.State.SetGPR(cpustate.Reg(d.Operands[0].Reg), v)
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) readCr(idx int) uint64 {
	switch idx {
	case 0:
		return m.State.CR0
	case 2:
		return m.State.CR2
	case 3:
		return m.State.CR3
	case 4:
		return m.State.CR4
	case 8:
		return m.State.CR8
	default:
		return 0
	}
}

func (m *Machine) writeCr(d *decode.DecodedInstruction, idx int, v uint64) (Result, *exceptions.Exception, error) {
	switch idx {
	case 0:
		m.State.CR0 = v
		m.syncPagingMode()
	case 2:
		m.State.CR2 = v
	case 3:
		noFlush := m.State.CR4&(1<<17) != 0 && v&(1<<63) != 0 // PCIDE && bit 63
		m.State.CR3 = v &^ (1 << 63)
		newPCID := uint16(0)
		if m.State.CR4&(1<<17) != 0 {
			newPCID = uint16(v & 0xfff)
		}
		m.Mmu.OnCr3Write(newPCID, noFlush)
	case 4:
		m.State.CR4 = v
		m.syncPagingMode()
	case 8:
		m.State.CR8 = v
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

// syncPagingMode recomputes the MMU's paging mode and feature bits from the
// current CR0/CR4/EFER whenever a MOV-to-CR write could have changed them.
func (m *Machine) syncPagingMode() {
	const (
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		cr4PSE = 1 << 4
		cr4PGE = 1 << 7
		cr4PCIDE = 1 << 17
		cr4SMEP = 1 << 20
		cr4SMAP = 1 << 21
		eferLME = 1 << 8
		eferNXE = 1 << 11
	)
	pg := m.State.CR0&cr0PG != 0
	pae := m.State.CR4&cr4PAE != 0
	lme := m.State.EFER&eferLME != 0

	mode := mmu.Disabled
	switch {
	case !pg:
		mode = mmu.Disabled
	case pg && pae && lme:
		mode = mmu.ModeIA32e4
	case pg && pae:
		mode = mmu.ModePAE
	case pg:
		mode = mmu.Mode32
	}
	m.Mmu.SetPagingMode(mode,
		m.State.CR4&cr4PSE != 0,
		m.State.CR4&cr4PGE != 0,
		m.State.CR4&cr4PCIDE != 0,
		m.State.CR4&cr4SMEP != 0,
		m.State.CR4&cr4SMAP != 0,
		m.State.EFER&eferNXE != 0,
	)
}
