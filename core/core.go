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

// Package core ties the decoder, Tier-0 interpreter, Tier-1 translator and
// its block cache, and the MMU together into the one external surface a host
// drives: Step, RunBlock, InjectException, SetMode, WriteCR3. CpuCore owns
// CpuState, the Mmu, and the block cache; the guest memory bus and interrupt
// controller are borrowed for the duration of one call, per the host-owned
// shared-resource split.
package core

import (
	"errors"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/internal/trace"
	"github.com/rcornwell/x86core/interp"
	"github.com/rcornwell/x86core/intr"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
	"github.com/rcornwell/x86core/translate"
)

// RunState is the core's own scheduling state, distinct from cpustate.Mode
// (the guest's architectural operating mode).
type RunState int

const (
	Running RunState = iota
	HaltedWaitingInterrupt
	Shutdown
)

// CpuCore is one logical CPU: architectural state, the MMU sitting in front
// of guest memory, and the Tier-1 block cache. Bus and interrupt controller
// are not fields here; every call that needs them takes them as arguments,
// matching the "mutably borrowed for the duration of a step" resource model.
type CpuCore struct {
	State *cpustate.CpuState
	Mmu   *mmu.Mmu
	Cache *translate.Cache

	Limits translate.Limits

	run             RunState
	pendingInjected *exceptions.Exception
}

// New returns a CpuCore wrapping an already-constructed CpuState and Mmu,
// running, with an empty block cache and the default Tier-1 block-size
// limits (overridable via Limits or the TIER1MAXINSTS configuration
// keyword).
func New(state *cpustate.CpuState, m *mmu.Mmu) *CpuCore {
	return &CpuCore{
		State:  state,
		Mmu:    m,
		Cache:  translate.NewCache(),
		Limits: currentLimits(),
	}
}

// RunState reports the core's current scheduling state.
func (c *CpuCore) RunState() RunState { return c.run }

// StepResult is the outcome of one Step call.
type StepResult struct {
	// Retired is true if an instruction retired (including one that
	// faulted); false while the core remains halted with nothing
	// deliverable.
	Retired bool
	// PendingEvent is true if, after this step, the interrupt controller
	// reports a deliverable vector the host should expect to see consumed
	// on a subsequent step.
	PendingEvent bool
}

// BlockResult is the outcome of one RunBlock call.
type BlockResult struct {
	Retired           int
	NextRip           uint64
	ExitToInterpreter bool
}

// fetchFault wraps an architectural exception raised while fetching
// instruction bytes (an MMU translation failure on an AccessExec lookup),
// so it can travel through decode.DecodeOne's and translate.FormBlock's
// plain-error Fetch contract and be recovered with errors.As at the top.
type fetchFault struct{ ex *exceptions.Exception }

func (f *fetchFault) Error() string { return f.ex.Error() }

func (c *CpuCore) walkInput() mmu.WalkInput {
	return mmu.WalkInput{CR3: c.State.CR3, CPL: c.State.CPL, ACSet: c.State.Flag(cpustate.FlagAC)}
}

// fetchBytes reads up to n bytes of code starting at linear address addr,
// translating only the first byte's page: a fetch that runs off the end of
// that page returns the shorter, in-page prefix rather than following the
// translation into a second page, since an instruction is at most 15 bytes
// and decode.DecodeOne tolerates a short buffer by failing with a decode
// error (mapped to #UD) rather than panicking.
func (c *CpuCore) fetchBytes(bus *memory.Bus, addr uint64, n int) ([]byte, error) {
	phys, ex := c.Mmu.Translate(bus, addr, mmu.AccessExec, c.walkInput())
	if ex != nil {
		return nil, &fetchFault{ex: ex}
	}
	const pageSize = 4096
	remaining := int(pageSize - phys%pageSize)
	if n > remaining {
		n = remaining
	}
	buf := make([]byte, n)
	if err := bus.ReadBytes(phys, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func asFetchFault(err error) (*exceptions.Exception, bool) {
	var ff *fetchFault
	if errors.As(err, &ff) {
		return ff.ex, true
	}
	return nil, false
}

// Step decodes and executes exactly one Tier-0 instruction, or, while
// halted, polls for a deliverable interrupt without retiring anything.
func (c *CpuCore) Step(bus *memory.Bus, ic intr.Controller) (StepResult, *exceptions.Exception, error) {
	if c.run == Shutdown {
		return StepResult{}, nil, nil
	}

	if c.pendingInjected != nil {
		ex := *c.pendingInjected
		c.pendingInjected = nil
		if dex, derr := c.deliverException(bus, ex); derr != nil {
			return StepResult{Retired: true}, dex, derr
		}
		return StepResult{Retired: true}, &ex, nil
	}

	if c.run == HaltedWaitingInterrupt {
		woke, ex, err := c.tryWake(bus, ic)
		if ex != nil || err != nil {
			return StepResult{Retired: true}, ex, err
		}
		if !woke {
			return StepResult{PendingEvent: pendingEvent(ic)}, nil, nil
		}
		// Delivering the pending wake is this call's unit of progress;
		// the next Step fetches the handler's first instruction normally.
		c.run = Running
		return StepResult{Retired: true, PendingEvent: pendingEvent(ic)}, nil, nil
	}

	rip := c.State.RIP()
	buf, err := c.fetchBytes(bus, rip, 15)
	if err != nil {
		if ex, ok := asFetchFault(err); ok {
			return StepResult{Retired: true}, ex, nil
		}
		return StepResult{}, nil, err
	}

	d, err := decode.DecodeOne(decodeMode(c.State.Mode), rip, buf)
	if err != nil {
		trace.Tracef(trace.Core, "core: decode failed at %#x: %v", rip, err)
		return StepResult{Retired: true}, exceptions.New(exceptions.UD), nil
	}

	machine := &interp.Machine{State: c.State, Bus: bus, Mmu: c.Mmu, Intr: ic}
	res, ex, err := machine.Exec(d)
	if err != nil {
		return StepResult{}, nil, err
	}
	if ex != nil {
		if dex, derr := c.deliverException(bus, *ex); derr != nil {
			return StepResult{Retired: true}, dex, derr
		}
		return StepResult{Retired: true}, ex, nil
	}

	switch res.Outcome {
	case interp.HaltPending:
		c.run = HaltedWaitingInterrupt
		return StepResult{Retired: true, PendingEvent: pendingEvent(ic)}, nil, nil
	case interp.Assist:
		if dex, derr := c.handleAssist(bus, res.AssistReason); dex != nil || derr != nil {
			return StepResult{Retired: true}, dex, derr
		}
		return StepResult{Retired: true, PendingEvent: pendingEvent(ic)}, nil, nil
	case interp.ContinueInhibitInterrupts:
		c.State.InterruptShadow = 1
		return StepResult{Retired: true}, nil, nil
	}

	if c.State.InterruptShadow > 0 {
		c.State.InterruptShadow--
		return StepResult{Retired: true}, nil, nil
	}

	dex, derr := c.pollInterrupt(bus, ic)
	if dex != nil || derr != nil {
		return StepResult{Retired: true}, dex, derr
	}
	return StepResult{Retired: true, PendingEvent: pendingEvent(ic)}, nil, nil
}

// RunBlock executes one Tier-1 block starting at the current RIP, forming
// and caching it on a miss. A block that exits to the interpreter mid-form
// (a side-exiting instruction, a decode failure, or the size limit) still
// retires every instruction lowered before that point; the host resumes
// with Step at BlockResult.NextRip.
func (c *CpuCore) RunBlock(bus *memory.Bus, ic intr.Controller) (BlockResult, *exceptions.Exception, error) {
	if c.run != Running {
		return BlockResult{NextRip: c.State.RIP()}, nil, nil
	}

	key := c.cacheKey()
	block, ok := c.Cache.Get(key)
	if !ok {
		fetch := func(addr uint64, n int) ([]byte, error) { return c.fetchBytes(bus, addr, n) }
		mode := decodeMode(c.State.Mode)
		formed, err := translate.FormBlock(mode, c.State.RIP(), bitness(c.State.Mode), c.Limits, fetch)
		if err != nil {
			if ex, ok := asFetchFault(err); ok {
				return BlockResult{}, ex, nil
			}
			// Decode failure on the very first instruction: nothing to
			// retire, report it exactly as Step would.
			return BlockResult{NextRip: c.State.RIP(), ExitToInterpreter: true}, exceptions.New(exceptions.UD), nil
		}
		block = formed
		c.Cache.Put(key, block, block.EndRip)
	}

	cpu := &translate.CPU{State: c.State, Bus: bus, Mmu: c.Mmu}
	res, ex, err := translate.ExecuteBlock(block, cpu)
	if err != nil {
		return BlockResult{}, nil, err
	}
	if ex != nil {
		if dex, derr := c.deliverException(bus, *ex); derr != nil {
			return BlockResult{}, dex, derr
		}
		return BlockResult{Retired: block.NumInsts, NextRip: c.State.RIP()}, ex, nil
	}

	if dex, derr := c.pollInterrupt(bus, ic); dex != nil || derr != nil {
		return BlockResult{Retired: block.NumInsts, NextRip: res.NextRip, ExitToInterpreter: res.ExitToInterpreter}, dex, derr
	}

	return BlockResult{Retired: block.NumInsts, NextRip: res.NextRip, ExitToInterpreter: res.ExitToInterpreter}, nil, nil
}

// InjectException arranges for kind to be delivered through the guest IDT
// on the very next Step call, ahead of decoding whatever instruction sits at
// the current RIP. It does not itself need a bus, since delivery only
// happens once one is supplied.
func (c *CpuCore) InjectException(kind exceptions.Kind, errorCode uint32) {
	c.pendingInjected = &exceptions.Exception{Kind: kind, ErrorCode: errorCode}
}

// SetMode changes the guest's architectural operating mode. It does not by
// itself alter paging state; CR0/CR4/EFER writes (handled in interp) remain
// the source of truth for the Mmu's paging mode.
func (c *CpuCore) SetMode(mode cpustate.Mode) {
	c.State.Mode = mode
	c.Cache.InvalidateAll()
}

// WriteCR3 applies a CR3 write's TLB-flush policy (see mmu.Mmu.OnCr3Write)
// and, when noFlushBit is false, invalidates every cached Tier-1 block tagged
// with the outgoing CR3, since the block cache key embeds CR3 directly.
func (c *CpuCore) WriteCR3(value uint64, noFlushBit bool) {
	old := c.State.CR3
	pcide := c.State.CR4&(1<<17) != 0
	c.State.CR3 = value &^ (1 << 63)
	newPCID := uint16(0)
	if pcide {
		newPCID = uint16(value & 0xfff)
	}
	c.Mmu.OnCr3Write(newPCID, noFlushBit)
	if !noFlushBit {
		c.Cache.InvalidateCR3(old)
	}
}

// NotifyWrite must be called by the host after any guest-physical write that
// did not go through Step/RunBlock's own memory accesses (e.g. DMA from a
// device model), so the block cache evicts any block covering that page.
func (c *CpuCore) NotifyWrite(paddr uint64) {
	c.Cache.InvalidatePage(paddr)
}

func pendingEvent(ic intr.Controller) bool {
	if ic == nil {
		return false
	}
	_, ok := ic.GetPending()
	return ok || ic.PendingNMI()
}
