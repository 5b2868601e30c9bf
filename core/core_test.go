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
	"testing"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
)

// fakeController is a minimal intr.Controller for testing: one latchable
// vector, plus an NMI flag, with no line-numbering logic.
type fakeController struct {
	vector     uint8
	hasVector  bool
	nmi        bool
	acked      []uint8
	eoid       []uint8
}

func (f *fakeController) GetPending() (uint8, bool) {
	if !f.hasVector {
		return 0, false
	}
	return f.vector, true
}

func (f *fakeController) Acknowledge(vector uint8) {
	f.acked = append(f.acked, vector)
	f.hasVector = false
}

func (f *fakeController) EOI(vector uint8) { f.eoid = append(f.eoid, vector) }

func (f *fakeController) PendingNMI() bool { return f.nmi }

func (f *fakeController) RaiseLine(_ int) {}
func (f *fakeController) LowerLine(_ int) {}

// newTestCore builds a real-mode core over a fresh 1MiB bus with an IVT
// installed at address 0, every entry pointing at segment 0x1000 offset
// 0x0000.
func newTestCore(t *testing.T) (*CpuCore, *memory.Bus) {
	t.Helper()
	bus := memory.NewBus(1024 * 1024)
	for v := 0; v < 256; v++ {
		entry := uint32(0x1000)<<16 | 0x0000
		if err := bus.WriteU32(uint64(v)*4, entry); err != nil {
			t.Fatalf("seeding IVT: %v", err)
		}
	}
	state := cpustate.New()
	state.SetRIP(0x8000)
	state.SetGPR(cpustate.RSP, 0x9000)
	c := New(state, mmu.New())
	return c, bus
}

func loadCode(t *testing.T, bus *memory.Bus, addr uint64, code []byte) {
	t.Helper()
	if err := bus.WriteBytes(addr, code); err != nil {
		t.Fatalf("loading code at %#x: %v", addr, err)
	}
}

func TestStepNopAdvancesRip(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, []byte{0x90}) // NOP

	res, ex, err := c.Step(bus, nil)
	if err != nil || ex != nil {
		t.Fatalf("Step() = ex=%v err=%v, want none", ex, err)
	}
	if !res.Retired {
		t.Errorf("Retired = false, want true")
	}
	if got := c.State.RIP(); got != 0x8001 {
		t.Errorf("RIP = %#x, want %#x", got, 0x8001)
	}
}

func TestStepInt3RaisesBreakpoint(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, []byte{0xCC}) // INT3

	_, ex, err := c.Step(bus, nil)
	if err != nil {
		t.Fatalf("Step() err = %v, want nil", err)
	}
	if ex == nil || ex.Kind != exceptions.BP {
		t.Fatalf("ex = %v, want #BP", ex)
	}
	if got := c.State.RIP(); got != 0x1000<<4 {
		t.Errorf("RIP after delivery = %#x, want %#x", got, uint64(0x1000)<<4)
	}
	if c.State.Flag(cpustate.FlagIF) {
		t.Errorf("IF still set after delivery")
	}
}

func TestStepSoftwareIntDeliversThroughIvt(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, []byte{0xCD, 0x21}) // INT 0x21

	_, ex, err := c.Step(bus, nil)
	if err != nil || ex != nil {
		t.Fatalf("Step() = ex=%v err=%v, want none (software INT is handled internally)", ex, err)
	}
	if got := c.State.RIP(); got != 0x1000<<4 {
		t.Errorf("RIP = %#x, want %#x", got, uint64(0x1000)<<4)
	}
	if got := c.State.GPR(cpustate.RSP); got != 0x9000-6 {
		t.Errorf("RSP = %#x, want %#x", got, uint64(0x9000-6))
	}
}

func TestStepHltHaltsThenWakesOnInterrupt(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, []byte{0xF4}) // HLT
	c.State.SetFlag(cpustate.FlagIF, true)

	res, ex, err := c.Step(bus, nil)
	if err != nil || ex != nil {
		t.Fatalf("Step() = ex=%v err=%v, want none", ex, err)
	}
	if !res.Retired {
		t.Errorf("Retired = false on the HLT step itself, want true")
	}
	if c.RunState() != HaltedWaitingInterrupt {
		t.Fatalf("RunState = %v, want HaltedWaitingInterrupt", c.RunState())
	}

	ic := &fakeController{}
	res, ex, err = c.Step(bus, ic)
	if err != nil || ex != nil {
		t.Fatalf("Step() while halted, no pending = ex=%v err=%v, want none", ex, err)
	}
	if res.Retired {
		t.Errorf("Retired = true with nothing pending, want false")
	}
	if c.RunState() != HaltedWaitingInterrupt {
		t.Fatalf("RunState changed with nothing pending")
	}

	ic.hasVector = true
	ic.vector = 0x30
	res, ex, err = c.Step(bus, ic)
	if err != nil || ex != nil {
		t.Fatalf("Step() waking from halt = ex=%v err=%v, want none", ex, err)
	}
	if !res.Retired {
		t.Errorf("Retired = false on the waking step, want true")
	}
	if c.RunState() != Running {
		t.Fatalf("RunState = %v, want Running after wake", c.RunState())
	}
	if len(ic.acked) != 1 || ic.acked[0] != 0x30 {
		t.Errorf("Acknowledge calls = %v, want [0x30]", ic.acked)
	}
}

func TestInjectExceptionDeliversOnNextStep(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, []byte{0x90}) // NOP, never reached

	c.InjectException(exceptions.GP, 0x7)

	_, ex, err := c.Step(bus, nil)
	if err != nil {
		t.Fatalf("Step() err = %v, want nil", err)
	}
	if ex == nil || ex.Kind != exceptions.GP || ex.ErrorCode != 0x7 {
		t.Fatalf("ex = %v, want #GP(0x7)", ex)
	}
	if got := c.State.RIP(); got != 0x1000<<4 {
		t.Errorf("RIP after injected delivery = %#x, want %#x", got, uint64(0x1000)<<4)
	}
}

// selfLoopCode is a Tier-1-eligible straight-line sequence (two
// register/immediate MOVs) ending in a short JMP back to its own address,
// so the formed block has a real TermJump terminator instead of exiting to
// the interpreter: B8 34 12 (MOV AX,0x1234); B9 01 00 (MOV CX,1);
// EB FE (JMP $).
var selfLoopCode = []byte{0xB8, 0x34, 0x12, 0xB9, 0x01, 0x00, 0xEB, 0xFE}

func TestRunBlockRetiresEligibleRunAndStopsAtJump(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, selfLoopCode)

	res, ex, err := c.RunBlock(bus, nil)
	if err != nil || ex != nil {
		t.Fatalf("RunBlock() = ex=%v err=%v, want none", ex, err)
	}
	if res.Retired != 3 {
		t.Errorf("Retired = %d, want 3 (two MOVs plus the JMP terminator)", res.Retired)
	}
	if res.ExitToInterpreter {
		t.Errorf("ExitToInterpreter = true, want false (JMP lowers to a terminator, not a side exit)")
	}
	if got, want := res.NextRip, uint64(0x8006); got != want {
		t.Errorf("NextRip = %#x, want %#x (the JMP's own address, a self-loop)", got, want)
	}
	if got := c.State.GPR16(cpustate.RAX); got != 0x1234 {
		t.Errorf("AX = %#x, want 0x1234", got)
	}
	if got := c.State.GPR16(cpustate.RCX); got != 1 {
		t.Errorf("CX = %#x, want 1", got)
	}
}

func TestRunBlockReusesCachedBlockOnSecondCall(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, selfLoopCode)

	key := c.cacheKey()
	if _, _, err := c.RunBlock(bus, nil); err != nil {
		t.Fatalf("first RunBlock() err = %v", err)
	}
	block, ok := c.Cache.Get(key)
	if !ok {
		t.Fatalf("block not cached after first RunBlock")
	}

	// The block's jump leaves RIP at its target, past the block start, so
	// rewind to the start for the second call to look up the same cache key.
	c.State.SetRIP(0x8000)
	if _, _, err := c.RunBlock(bus, nil); err != nil {
		t.Fatalf("second RunBlock() err = %v", err)
	}
	again, ok := c.Cache.Get(key)
	if !ok || again != block {
		t.Errorf("second RunBlock formed a new block instead of reusing the cached one")
	}
}

func TestWriteCr3InvalidatesCachedBlocksForOldCr3(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, selfLoopCode)

	key := c.cacheKey()
	if _, _, err := c.RunBlock(bus, nil); err != nil {
		t.Fatalf("RunBlock() err = %v", err)
	}
	if _, ok := c.Cache.Get(key); !ok {
		t.Fatalf("block not cached after RunBlock")
	}

	c.WriteCR3(0x1000, false)

	if _, ok := c.Cache.Get(key); ok {
		t.Errorf("block for old CR3 still cached after WriteCR3 without no-flush")
	}
}

func TestSetModeInvalidatesCache(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, selfLoopCode)

	key := c.cacheKey()
	if _, _, err := c.RunBlock(bus, nil); err != nil {
		t.Fatalf("RunBlock() err = %v", err)
	}
	if _, ok := c.Cache.Get(key); !ok {
		t.Fatalf("block not cached after RunBlock")
	}

	c.SetMode(cpustate.Protected32)

	if _, ok := c.Cache.Get(key); ok {
		t.Errorf("block still cached under the old key after SetMode")
	}
}

func TestNotifyWriteInvalidatesCoveringBlock(t *testing.T) {
	c, bus := newTestCore(t)
	loadCode(t, bus, 0x8000, selfLoopCode)

	key := c.cacheKey()
	if _, _, err := c.RunBlock(bus, nil); err != nil {
		t.Fatalf("RunBlock() err = %v", err)
	}
	if _, ok := c.Cache.Get(key); !ok {
		t.Fatalf("block not cached after RunBlock")
	}

	c.NotifyWrite(0x8000)

	if _, ok := c.Cache.Get(key); ok {
		t.Errorf("block still cached after NotifyWrite touched its page")
	}
}
