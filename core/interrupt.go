/*
 * x86core - CPU core
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

package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/intr"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
)

// nmiVector is the architectural vector number for a non-maskable interrupt.
// Each exceptions.Kind equals its CPU exception vector number (0..19); NMI,
// the unused vectors 9 and 15, and every external/software INT n vector are
// addressed directly as a raw uint8 instead.
const nmiVector = 2

// pushStack writes v, width bytes wide, below the current stack pointer and
// adjusts RSP/ESP/SP, the same convention interp's own pushValue uses.
func (c *CpuCore) pushStack(bus *memory.Bus, v uint64, width int) (*exceptions.Exception, error) {
	sp := c.State.GPR(cpustate.RSP) - uint64(width)
	phys, ex := c.Mmu.Translate(bus, sp+c.State.Seg[cpustate.SS].Base, mmu.AccessWrite, c.walkInput())
	if ex != nil {
		return ex, nil
	}
	var err error
	switch width {
	case 2:
		err = bus.WriteU16(phys, uint16(v))
	case 4:
		err = bus.WriteU32(phys, uint32(v))
	case 8:
		err = bus.WriteU64(phys, v)
	}
	if err != nil {
		return nil, err
	}
	c.State.SetGPR(cpustate.RSP, sp)
	return nil, nil
}

// deliverException vectors an architectural CPU exception into the guest.
func (c *CpuCore) deliverException(bus *memory.Bus, ex exceptions.Exception) (*exceptions.Exception, error) {
	return c.deliverVector(bus, uint8(ex.Kind), ex.Kind.HasErrorCode(), ex.ErrorCode)
}

// deliverInterrupt vectors an external or software interrupt, which never
// carries an architectural error code.
func (c *CpuCore) deliverInterrupt(bus *memory.Bus, vector uint8) (*exceptions.Exception, error) {
	return c.deliverVector(bus, vector, false, 0)
}

// deliverVector is the shared delivery path for every kind of control
// transfer through the vector table: CPU exceptions, external interrupts,
// and software INT n. Real mode (and virtual-8086 mode, which still reads
// the same table) looks up a 4-byte far pointer in the interrupt vector
// table at IDTRBase; every other mode reads an IDT gate. Both paths assume
// delivery stays at the current privilege level on the current stack: no
// privilege-level stack switch, no task or call gates. IRET is outside this
// engine's decoded instruction set, so nothing here depends on being able to
// unwind the frame it builds.
func (c *CpuCore) deliverVector(bus *memory.Bus, vector uint8, hasErrorCode bool, errorCode uint32) (*exceptions.Exception, error) {
	if c.State.Mode == cpustate.Real || c.State.Mode == cpustate.Vm86 {
		return c.deliverRealMode(bus, vector)
	}
	return c.deliverGateMode(bus, vector, hasErrorCode, errorCode)
}

func (c *CpuCore) deliverRealMode(bus *memory.Bus, vector uint8) (*exceptions.Exception, error) {
	flags := c.State.RFlags()
	cs := c.State.Seg[cpustate.CS].Selector
	rip := c.State.RIP()

	if gex, err := c.pushStack(bus, flags, 2); gex != nil || err != nil {
		return gex, err
	}
	if gex, err := c.pushStack(bus, uint64(cs), 2); gex != nil || err != nil {
		return gex, err
	}
	if gex, err := c.pushStack(bus, rip, 2); gex != nil || err != nil {
		return gex, err
	}

	entryAddr := c.State.IDTRBase + uint64(vector)*4
	phys, gex := c.Mmu.Translate(bus, entryAddr, mmu.AccessRead, c.walkInput())
	if gex != nil {
		return gex, nil
	}
	entry, err := bus.ReadU32(phys)
	if err != nil {
		return nil, err
	}
	offset := uint16(entry)
	segment := uint16(entry >> 16)
	base := uint64(segment) << 4

	c.State.Seg[cpustate.CS].Selector = segment
	c.State.Seg[cpustate.CS].Base = base
	// RIP is this engine's flat linear instruction address (nothing adds
	// CS.Base back in at fetch time, the same convention execJmp/execCall
	// already rely on), so the target has to be folded in here rather than
	// left as a bare offset.
	c.State.SetRIP(base + uint64(offset))
	c.State.SetFlag(cpustate.FlagIF, false)
	c.State.SetFlag(cpustate.FlagTF, false)
	c.State.InterruptShadow = 0
	return nil, nil
}

func (c *CpuCore) deliverGateMode(bus *memory.Bus, vector uint8, hasErrorCode bool, errorCode uint32) (*exceptions.Exception, error) {
	width := 4
	entrySize := uint64(8)
	if c.State.Mode == cpustate.Long64 {
		width = 8
		entrySize = 16
	}

	flags := c.State.RFlags()
	cs := c.State.Seg[cpustate.CS].Selector
	rip := c.State.RIP()

	if gex, err := c.pushStack(bus, flags, width); gex != nil || err != nil {
		return gex, err
	}
	if gex, err := c.pushStack(bus, uint64(cs), width); gex != nil || err != nil {
		return gex, err
	}
	if gex, err := c.pushStack(bus, rip, width); gex != nil || err != nil {
		return gex, err
	}
	if hasErrorCode {
		if gex, err := c.pushStack(bus, uint64(errorCode), width); gex != nil || err != nil {
			return gex, err
		}
	}

	entryAddr := c.State.IDTRBase + uint64(vector)*entrySize
	phys, gex := c.Mmu.Translate(bus, entryAddr, mmu.AccessRead, c.walkInput())
	if gex != nil {
		return gex, nil
	}
	lo, err := bus.ReadU64(phys)
	if err != nil {
		return nil, err
	}
	offsetLow := lo & 0xffff
	selector := uint16((lo >> 16) & 0xffff)
	offsetHigh := (lo >> 32) & 0xffff0000
	offset := offsetLow | offsetHigh

	if entrySize == 16 {
		hi, err := bus.ReadU64(phys + 8)
		if err != nil {
			return nil, err
		}
		offset |= (hi & 0xffffffff) << 32
	}

	c.State.Seg[cpustate.CS].Selector = selector
	c.State.SetRIP(offset)
	c.State.SetFlag(cpustate.FlagIF, false)
	c.State.SetFlag(cpustate.FlagTF, false)
	c.State.InterruptShadow = 0
	return nil, nil
}

// pollInterrupt recognizes a pending external interrupt at an instruction
// boundary, when not suppressed by the interrupt shadow, and vectors it. NMI
// is unmaskable and checked first; a maskable line is taken only when
// RFLAGS.IF is set.
func (c *CpuCore) pollInterrupt(bus *memory.Bus, ic intr.Controller) (*exceptions.Exception, error) {
	if ic == nil || c.State.InterruptShadow > 0 {
		return nil, nil
	}
	if ic.PendingNMI() {
		return c.deliverInterrupt(bus, nmiVector)
	}
	if !c.State.Flag(cpustate.FlagIF) {
		return nil, nil
	}
	vector, ok := ic.GetPending()
	if !ok {
		return nil, nil
	}
	ic.Acknowledge(vector)
	dex, err := c.deliverInterrupt(bus, vector)
	if err == nil && dex == nil {
		ic.EOI(vector)
	}
	return dex, err
}

// tryWake polls the wake condition for a halted core: hardware only resumes
// HLT on NMI, reset, or a maskable interrupt while IF is set. A wake that
// requires delivery (NMI, or a maskable line with IF set) delivers inline
// and reports woke=true only when delivery did not itself fault or error.
func (c *CpuCore) tryWake(bus *memory.Bus, ic intr.Controller) (bool, *exceptions.Exception, error) {
	if ic == nil {
		return false, nil, nil
	}
	if ic.PendingNMI() {
		dex, err := c.pollInterrupt(bus, ic)
		return dex == nil && err == nil, dex, err
	}
	if c.State.Flag(cpustate.FlagIF) {
		if _, ok := ic.GetPending(); ok {
			dex, err := c.pollInterrupt(bus, ic)
			return dex == nil && err == nil, dex, err
		}
	}
	return false, nil, nil
}

// handleAssist services the outcomes the Tier-0 interpreter hands back to
// its caller instead of completing inline. The only assist this engine
// currently produces is software INT n, whose reason string interp.Machine
// builds as "int %#x".
func (c *CpuCore) handleAssist(bus *memory.Bus, reason string) (*exceptions.Exception, error) {
	const prefix = "int "
	if !strings.HasPrefix(reason, prefix) {
		return nil, fmt.Errorf("core: unrecognized assist %q", reason)
	}
	vector, err := strconv.ParseUint(strings.TrimPrefix(reason, prefix), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("core: malformed assist %q: %w", reason, err)
	}
	return c.deliverInterrupt(bus, uint8(vector))
}
