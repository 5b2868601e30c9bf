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

// Control-flow and stack-operation execution. Grounded on the reference
// Tier-0 control-flow module: near JMP, Jcc, LOOP/JCXZ, CALL and RET, with
// Call/Ret sizing the return address by the current bitness. Far branches
// and the POP SS interrupt shadow are not handled in this file.
package interp

import (
	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
)

// conditionHolds evaluates a Jcc/Loop condition code against current flags.
func (m *Machine) conditionHolds(cond int) bool {
	f := m.State.Flag
	switch cond & 0xf {
	case 0x0: // O
		return f(cpustate.FlagOF)
	case 0x1: // NO
		return !f(cpustate.FlagOF)
	case 0x2: // B/C/NAE
		return f(cpustate.FlagCF)
	case 0x3: // NB/NC/AE
		return !f(cpustate.FlagCF)
	case 0x4: // E/Z
		return f(cpustate.FlagZF)
	case 0x5: // NE/NZ
		return !f(cpustate.FlagZF)
	case 0x6: // BE/NA
		return f(cpustate.FlagCF) || f(cpustate.FlagZF)
	case 0x7: // A/NBE
		return !f(cpustate.FlagCF) && !f(cpustate.FlagZF)
	case 0x8: // S
		return f(cpustate.FlagSF)
	case 0x9: // NS
		return !f(cpustate.FlagSF)
	case 0xA: // P/PE
		return f(cpustate.FlagPF)
	case 0xB: // NP/PO
		return !f(cpustate.FlagPF)
	case 0xC: // L/NGE
		return f(cpustate.FlagSF) != f(cpustate.FlagOF)
	case 0xD: // GE/NL
		return f(cpustate.FlagSF) == f(cpustate.FlagOF)
	case 0xE: // LE/NG
		return f(cpustate.FlagZF) || f(cpustate.FlagSF) != f(cpustate.FlagOF)
	case 0xF: // G/NLE
		return !f(cpustate.FlagZF) && f(cpustate.FlagSF) == f(cpustate.FlagOF)
	}
	return false
}

func (m *Machine) bitness() int {
	switch m.State.Mode {
	case cpustate.Long64:
		return 64
	case cpustate.Protected32:
		return 32
	default:
		return 16
	}
}

func (m *Machine) execJmp(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	target := uint64(int64(d.NextRIP) + d.Operands[0].Imm)
	m.State.SetRIP(target)
	return Result{Outcome: Branch}, nil, nil
}

func (m *Machine) execJcc(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	if m.conditionHolds(d.Cond) {
		target := uint64(int64(d.NextRIP) + d.Operands[0].Imm)
		m.State.SetRIP(target)
		return Result{Outcome: Branch}, nil, nil
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execLoop(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	width := 64
	if m.bitness() != 64 {
		width = 32
	}
	cx := truncate(m.State.GPR(cpustate.RCX), width)
	branch := false
	switch d.Mnemonic {
	case decode.JCXZ:
		branch = cx == 0
	default:
		cx--
		m.writeReg(cpustate.RCX, width, false, cx)
		switch d.Mnemonic {
		case decode.LOOP:
			branch = cx != 0
		case decode.LOOPE:
			branch = cx != 0 && m.State.Flag(cpustate.FlagZF)
		case decode.LOOPNE:
			branch = cx != 0 && !m.State.Flag(cpustate.FlagZF)
		}
	}
	if branch {
		target := uint64(int64(d.NextRIP) + d.Operands[0].Imm)
		m.State.SetRIP(target)
		return Result{Outcome: Branch}, nil, nil
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execCall(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	op := d.Operands[0]
	width := m.bitness() / 8
	if ex, err := m.pushValue(d.NextRIP, width); ex != nil || err != nil {
		return Result{}, ex, err
	}
	var target uint64
	switch op.Kind {
	case decode.KindNearBranch:
		target = uint64(int64(d.NextRIP) + op.Imm)
	case decode.KindMem, decode.KindReg:
		rex := d.Prefixes.Rex
		v, _, ex, err := m.readOperand(op, d.NextRIP, rex)
		if ex != nil || err != nil {
			return Result{}, ex, err
		}
		target = v
	}
	m.State.SetRIP(target)
	return Result{Outcome: Branch}, nil, nil
}

func (m *Machine) execRet(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	width := m.bitness() / 8
	ret, ex, err := m.popValue(width)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	if len(d.Operands) > 0 {
		sp := m.State.GPR(cpustate.RSP) + uint64(d.Operands[0].Imm)
		m.State.SetGPR(cpustate.RSP, sp)
	}
	m.State.SetRIP(ret)
	return Result{Outcome: Branch}, nil, nil
}
