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

// Package interp is the Tier-0 interpreter: it executes one
// decode.DecodedInstruction against a cpustate.CpuState and memory.Bus (via
// mmu.Mmu for linear addresses), implementing flag semantics, privilege
// gating, LOCK atomicity, and the interrupt-delivery interleave.
//
// Dispatch is by mnemonic group, each a small set of sibling functions
// rather than a single 256-entry table. A Mnemonic with no case here
// reaches the default arm and raises #UD.
package interp

import (
	"fmt"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/intr"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
)

// Outcome is the closed result of executing one instruction, mirroring the
// non-exception arm of the interpreter's step result: Continue, Branch,
// ContinueInhibitInterrupts, Assist (host must emulate this instruction at a
// higher level; AssistReason names why), or HaltPending.
type Outcome int

const (
	Continue Outcome = iota
	Branch
	ContinueInhibitInterrupts
	Assist
	HaltPending
)

// Result is the full return of one Exec call.
type Result struct {
	Outcome     Outcome
	AssistReason string // meaningful when Outcome == Assist
}

// Machine bundles the pieces one Exec call needs: architectural state, the
// memory bus, the MMU that sits in front of it, and the host's interrupt
// controller (consulted only by the LOCK interleave).
type Machine struct {
	State *cpustate.CpuState
	Bus   *memory.Bus
	Mmu   *mmu.Mmu
	Intr  intr.Controller
}

// Exec executes one decoded instruction. It returns exactly one of: a
// non-exception Result, an architectural Exception (to be delivered through
// the IDT), or an engine error (a host-side failure with no architectural
// meaning, such as a reference to unmapped guest memory the MMU itself
// cannot explain as a page fault).
func (m *Machine) Exec(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	switch d.Mnemonic {
	case decode.NOP:
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil

	case decode.MOV:
		return m.execMov(d)
	case decode.MOVZX, decode.MOVSX:
		return m.execMovxx(d)
	case decode.LEA:
		return m.execLea(d)

	case decode.ADD, decode.OR, decode.ADC, decode.SBB, decode.AND, decode.SUB, decode.XOR, decode.CMP, decode.TEST:
		return m.execALU(d)
	case decode.INC, decode.DEC, decode.NOT, decode.NEG:
		return m.execUnary(d)
	case decode.SHL, decode.SHR, decode.SAR, decode.ROL, decode.ROR, decode.RCL, decode.RCR:
		return m.execShift(d)

	case decode.PUSH:
		return m.execPush(d)
	case decode.POP:
		return m.execPop(d)
	case decode.PUSHF:
		return m.execPushf(d)
	case decode.POPF:
		return m.execPopf(d)

	case decode.JMP:
		return m.execJmp(d)
	case decode.JCC:
		return m.execJcc(d)
	case decode.CALL:
		return m.execCall(d)
	case decode.RET:
		return m.execRet(d)
	case decode.LOOP, decode.LOOPE, decode.LOOPNE, decode.JCXZ:
		return m.execLoop(d)

	case decode.XCHG:
		return m.execXchg(d)
	case decode.XADD:
		return m.execXadd(d)
	case decode.CMPXCHG:
		return m.execCmpxchg(d)
	case decode.CMPXCHG8B:
		return m.execCmpxchg8b(d)
	case decode.CMPXCHG16B:
		return m.execCmpxchg16b(d)
	case decode.BTx:
		return m.execBt(d)

	case decode.MOVS, decode.STOS, decode.LODS, decode.SCAS, decode.CMPS:
		return m.execString(d)

	case decode.MOVCR:
		return m.execMovCr(d)

	case decode.CLI:
		m.State.SetFlag(cpustate.FlagIF, false)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	case decode.STI:
		if err := m.requirePrivileged(); err != nil {
			return Result{}, err, nil
		}
		m.State.SetFlag(cpustate.FlagIF, true)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: ContinueInhibitInterrupts}, nil, nil
	case decode.CLC:
		m.State.SetFlag(cpustate.FlagCF, false)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	case decode.STC:
		m.State.SetFlag(cpustate.FlagCF, true)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	case decode.CMC:
		m.State.SetFlag(cpustate.FlagCF, !m.State.Flag(cpustate.FlagCF))
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	case decode.CLD:
		m.State.SetFlag(cpustate.FlagDF, false)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	case decode.STD:
		m.State.SetFlag(cpustate.FlagDF, true)
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil

	case decode.HLT:
		if m.State.CPL != 0 {
			return Result{}, exceptions.GeneralProtection(0), nil
		}
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: HaltPending}, nil, nil

	case decode.INT3:
		return Result{}, exceptions.New(exceptions.BP), nil
	case decode.INT:
		// A software interrupt is not one of the fixed architectural
		// vectors exceptions.Kind enumerates; it names an arbitrary
		// IDT entry the host must look up and deliver. RIP already
		// points past this instruction, matching the ordinary trap
		// return-address convention.
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Assist, AssistReason: fmt.Sprintf("int %#x", d.Operands[0].Imm)}, nil, nil

	default:
		return Result{}, exceptions.New(exceptions.UD), nil
	}
}

func (m *Machine) requirePrivileged() *exceptions.Exception {
	if m.State.CPL != 0 {
		return exceptions.GeneralProtection(0)
	}
	return nil
}

// truncate masks v to the low width bits (8/16/32/64).
func truncate(v uint64, width int) uint64 {
	if width >= 64 {
		return v
	}
	return v & ((uint64(1) << width) - 1)
}

func signBit(width int) uint64 { return uint64(1) << (width - 1) }
