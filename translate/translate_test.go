/*
 * x86core - Tier-1 translator
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

package translate

import (
	"fmt"
	"testing"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/ir"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
)

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// fetchFromBuf serves FormBlock's fetches out of a fixed byte slice starting
// at base, trimming the requested window to whatever remains rather than
// padding it -- a short final read is exactly what the real bus gives a
// block that runs off the end of mapped memory.
func fetchFromBuf(buf []byte, base uint64) Fetch {
	return func(addr uint64, n int) ([]byte, error) {
		if addr < base || addr > base+uint64(len(buf)) {
			return nil, fmt.Errorf("fetch %#x out of range", addr)
		}
		off := addr - base
		end := off + uint64(n)
		if end > uint64(len(buf)) {
			end = uint64(len(buf))
		}
		return buf[off:end], nil
	}
}

func TestEligibleRejectsMemoryOperand(t *testing.T) {
	d, err := decode.DecodeOne(decode.Mode32, 0x1000, []byte{0x8B, 0x00}) // MOV EAX, [EAX]
	if err != nil {
		t.Fatalf("DecodeOne failed: %v", err)
	}
	if eligible(d) {
		t.Errorf("eligible(MOV EAX,[EAX]) = true, want false (has a memory operand)")
	}
}

func TestEligibleAcceptsRegisterImmediateArithmetic(t *testing.T) {
	d, err := decode.DecodeOne(decode.Mode32, 0x1000, append([]byte{0x05}, le32(1)...)) // ADD EAX, 1
	if err != nil {
		t.Fatalf("DecodeOne failed: %v", err)
	}
	if !eligible(d) {
		t.Errorf("eligible(ADD EAX,1) = false, want true")
	}
}

func TestIsTerminatorRecognizesJmpAndJcc(t *testing.T) {
	if !isTerminator(decode.JMP) {
		t.Errorf("isTerminator(JMP) = false, want true")
	}
	if !isTerminator(decode.JCC) {
		t.Errorf("isTerminator(JCC) = false, want true")
	}
	if isTerminator(decode.MOV) {
		t.Errorf("isTerminator(MOV) = true, want false")
	}
}

// selfLoopCode is a Tier-1-eligible straight-line sequence (two
// register/immediate MOVs) ending in a short JMP back to its own address:
// B8 34 12 (MOV AX,0x1234); B9 01 00 (MOV CX,1); EB FE (JMP $).
var selfLoopCode = []byte{0xB8, 0x34, 0x12, 0xB9, 0x01, 0x00, 0xEB, 0xFE}

func TestFormBlockLowersStraightLineAndStopsAtJump(t *testing.T) {
	const start = 0x8000
	fetch := fetchFromBuf(selfLoopCode, start)

	b, err := FormBlock(decode.Mode16, start, 16, DefaultLimits, fetch)
	if err != nil {
		t.Fatalf("FormBlock failed: %v", err)
	}
	if b.NumInsts != 3 {
		t.Errorf("NumInsts = %d, want 3", b.NumInsts)
	}
	if b.Term.Op != ir.TermJump {
		t.Fatalf("Term.Op = %v, want TermJump", b.Term.Op)
	}
	if want := uint64(start + 6); b.Term.Target != want {
		t.Errorf("Term.Target = %#x, want %#x (the JMP's own address, a self-loop)", b.Term.Target, want)
	}
	if len(b.Insts) == 0 {
		t.Errorf("Insts is empty, want the lowered MOVs")
	}
}

func TestFormBlockStopsAtMemoryOperandWithoutLoweringIt(t *testing.T) {
	const start = 0x1000
	buf := []byte{0x8B, 0x00} // MOV EAX, [EAX]
	fetch := fetchFromBuf(buf, start)

	b, err := FormBlock(decode.Mode32, start, 32, DefaultLimits, fetch)
	if err != nil {
		t.Fatalf("FormBlock failed: %v", err)
	}
	if b.NumInsts != 0 {
		t.Errorf("NumInsts = %d, want 0 (nothing lowered before the side-exit)", b.NumInsts)
	}
	if b.Term.Op != ir.TermExitToInterpreter {
		t.Fatalf("Term.Op = %v, want TermExitToInterpreter", b.Term.Op)
	}
	if b.Term.NextRip != start {
		t.Errorf("Term.NextRip = %#x, want %#x", b.Term.NextRip, uint64(start))
	}
}

func TestFormBlockStopsAtMaxInstsLimit(t *testing.T) {
	const start = 0x1000
	one := append([]byte{0x05}, le32(1)...) // ADD EAX, 1
	buf := append(append([]byte{}, one...), one...)
	fetch := fetchFromBuf(buf, start)

	b, err := FormBlock(decode.Mode32, start, 32, Limits{MaxInsts: 1, MaxBytes: 256}, fetch)
	if err != nil {
		t.Fatalf("FormBlock failed: %v", err)
	}
	if b.NumInsts != 1 {
		t.Errorf("NumInsts = %d, want 1 (MaxInsts limit)", b.NumInsts)
	}
	if want := uint64(start + len(one)); b.Term.NextRip != want {
		t.Errorf("Term.NextRip = %#x, want %#x", b.Term.NextRip, want)
	}
}

func TestFormBlockFetchErrorOnFirstInstructionPropagates(t *testing.T) {
	fetch := func(addr uint64, n int) ([]byte, error) {
		return nil, fmt.Errorf("no mapping at %#x", addr)
	}
	b, err := FormBlock(decode.Mode32, 0x1000, 32, DefaultLimits, fetch)
	if err == nil {
		t.Fatalf("FormBlock err = nil, want a fetch error")
	}
	if b != nil {
		t.Errorf("FormBlock block = %v, want nil on a first-instruction fetch failure", b)
	}
}

func TestFormBlockDecodeErrorMidBlockExitsToInterpreter(t *testing.T) {
	const start = 0x1000
	good := append([]byte{0x05}, le32(1)...) // ADD EAX, 1
	buf := append(append([]byte{}, good...), 0x0F, 0x04) // 0F 04 is not an assigned two-byte opcode
	fetch := fetchFromBuf(buf, start)

	b, err := FormBlock(decode.Mode32, start, 32, DefaultLimits, fetch)
	if err != nil {
		t.Fatalf("FormBlock failed: %v, want it to tolerate a mid-block decode failure", err)
	}
	if b.NumInsts != 1 {
		t.Errorf("NumInsts = %d, want 1 (only the first instruction lowered)", b.NumInsts)
	}
	if want := uint64(start + len(good)); b.Term.NextRip != want {
		t.Errorf("Term.NextRip = %#x, want %#x", b.Term.NextRip, want)
	}
}

func newIrBlock() *ir.BasicBlock { return &ir.BasicBlock{} }

func TestCacheGetMissThenHitAfterPut(t *testing.T) {
	c := NewCache()
	k := Key{StartRip: 0x1000}
	if _, ok := c.Get(k); ok {
		t.Fatalf("Get on an empty cache returned a hit")
	}
	b := newIrBlock()
	c.Put(k, b, 0x1010)
	got, ok := c.Get(k)
	if !ok || got != b {
		t.Errorf("Get() = (%v,%v), want the block just Put", got, ok)
	}
}

func TestCacheInvalidatePageEvictsCoveringBlocksOnly(t *testing.T) {
	c := NewCache()
	kSamePage := Key{StartRip: 0x1000}
	kOtherPage := Key{StartRip: 0x2000}
	c.Put(kSamePage, newIrBlock(), 0x1010)
	c.Put(kOtherPage, newIrBlock(), 0x2010)

	c.InvalidatePage(0x1004) // same 4KiB page as kSamePage's range

	if _, ok := c.Get(kSamePage); ok {
		t.Errorf("kSamePage still cached after InvalidatePage covering its page")
	}
	if _, ok := c.Get(kOtherPage); !ok {
		t.Errorf("kOtherPage evicted by an unrelated page's invalidation")
	}
}

func TestCacheInvalidateCR3EvictsMatchingKeysOnly(t *testing.T) {
	c := NewCache()
	k1 := Key{StartRip: 0x1000, CR3: 0x1000}
	k2 := Key{StartRip: 0x2000, CR3: 0x2000}
	c.Put(k1, newIrBlock(), 0x1010)
	c.Put(k2, newIrBlock(), 0x2010)

	c.InvalidateCR3(0x1000)

	if _, ok := c.Get(k1); ok {
		t.Errorf("k1 still cached after InvalidateCR3(0x1000)")
	}
	if _, ok := c.Get(k2); !ok {
		t.Errorf("k2 evicted by an unrelated CR3's invalidation")
	}
}

func TestCacheInvalidateAllClearsEverything(t *testing.T) {
	c := NewCache()
	k1 := Key{StartRip: 0x1000}
	k2 := Key{StartRip: 0x2000}
	c.Put(k1, newIrBlock(), 0x1010)
	c.Put(k2, newIrBlock(), 0x2010)

	c.InvalidateAll()

	if _, ok := c.Get(k1); ok {
		t.Errorf("k1 still cached after InvalidateAll")
	}
	if _, ok := c.Get(k2); ok {
		t.Errorf("k2 still cached after InvalidateAll")
	}
}

func newTestCPU() *CPU {
	return &CPU{
		State: cpustate.New(),
		Bus:   memory.NewBus(4096),
		Mmu:   mmu.New(),
	}
}

func TestExecuteBlockAddWithFlagsAndTermJump(t *testing.T) {
	cpu := newTestCPU()
	cpu.State.SetGPR32(cpustate.RAX, 0xFFFFFFFF)

	b := &ir.BasicBlock{}
	vReg := b.NewValue(ir.I32)
	vConst := b.NewValue(ir.I32)
	vRes := b.NewValue(ir.I32)
	b.Insts = []ir.Inst{
		{Op: ir.OpReadReg, Dest: vReg, Reg: ir.GuestReg{Kind: ir.RegGpr, GprID: int(cpustate.RAX), Width: 32}},
		{Op: ir.OpConst, Dest: vConst, ConstValue: 1, ConstType: ir.I32},
		{Op: ir.OpBinOp, Dest: vRes, BinOp: ir.OpAdd, Lhs: vReg, Rhs: vConst, Width: 32, FlagWrite: allFlags},
		{Op: ir.OpWriteReg, Reg: ir.GuestReg{Kind: ir.RegGpr, GprID: int(cpustate.RAX), Width: 32}, Value: vRes},
	}
	b.Term = ir.Terminator{Op: ir.TermJump, Target: 0x9000}

	res, ex, err := ExecuteBlock(b, cpu)
	if ex != nil || err != nil {
		t.Fatalf("ExecuteBlock() = ex=%v err=%v, want none", ex, err)
	}
	if res.ExitToInterpreter {
		t.Errorf("ExitToInterpreter = true, want false for a lowered TermJump")
	}
	if res.NextRip != 0x9000 {
		t.Errorf("NextRip = %#x, want %#x", res.NextRip, uint64(0x9000))
	}
	if got := cpu.State.GPR32(cpustate.RAX); got != 0 {
		t.Errorf("EAX = %#x, want 0", got)
	}
	if !cpu.State.Flag(cpustate.FlagCF) {
		t.Errorf("CF not set after wraparound add")
	}
	if !cpu.State.Flag(cpustate.FlagZF) {
		t.Errorf("ZF not set for a zero result")
	}
}

func TestExecuteBlockCondJumpBranchesOnEvalCond(t *testing.T) {
	build := func() *ir.BasicBlock {
		b := &ir.BasicBlock{}
		vCond := b.NewValue(ir.Bool)
		b.Insts = []ir.Inst{{Op: ir.OpEvalCond, Dest: vCond, Cond: 4}} // JZ
		b.Term = ir.Terminator{Op: ir.TermCondJump, CondValue: vCond, Target: 0x2000, Fallthrough: 0x1010}
		return b
	}

	cpu := newTestCPU()
	cpu.State.SetFlag(cpustate.FlagZF, true)
	res, ex, err := ExecuteBlock(build(), cpu)
	if ex != nil || err != nil {
		t.Fatalf("ExecuteBlock() = ex=%v err=%v, want none", ex, err)
	}
	if res.NextRip != 0x2000 {
		t.Errorf("NextRip = %#x, want the branch target 0x2000 when ZF is set", res.NextRip)
	}

	cpu2 := newTestCPU()
	cpu2.State.SetFlag(cpustate.FlagZF, false)
	res, ex, err = ExecuteBlock(build(), cpu2)
	if ex != nil || err != nil {
		t.Fatalf("ExecuteBlock() = ex=%v err=%v, want none", ex, err)
	}
	if res.NextRip != 0x1010 {
		t.Errorf("NextRip = %#x, want the fallthrough 0x1010 when ZF is clear", res.NextRip)
	}
}

func TestExecuteBlockLoadStoreRoundTrip(t *testing.T) {
	cpu := newTestCPU()

	b := &ir.BasicBlock{}
	vAddr := b.NewValue(ir.I64)
	vVal := b.NewValue(ir.I32)
	vLoaded := b.NewValue(ir.I32)
	b.Insts = []ir.Inst{
		{Op: ir.OpConst, Dest: vAddr, ConstValue: 0x100, ConstType: ir.I64},
		{Op: ir.OpConst, Dest: vVal, ConstValue: 0xCAFEBABE, ConstType: ir.I32},
		{Op: ir.OpStore, Addr: vAddr, StoreValue: vVal, Width: 32},
		{Op: ir.OpLoad, Addr: vAddr, Dest: vLoaded, Width: 32},
	}
	b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: 0x3000}

	res, ex, err := ExecuteBlock(b, cpu)
	if ex != nil || err != nil {
		t.Fatalf("ExecuteBlock() = ex=%v err=%v, want none", ex, err)
	}
	if !res.ExitToInterpreter {
		t.Errorf("ExitToInterpreter = false, want true for TermExitToInterpreter")
	}
	if res.NextRip != 0x3000 {
		t.Errorf("NextRip = %#x, want %#x", res.NextRip, uint64(0x3000))
	}
	got, err := cpu.Bus.ReadU32(0x100)
	if err != nil {
		t.Fatalf("reading back memory: %v", err)
	}
	if got != 0xCAFEBABE {
		t.Errorf("memory at 0x100 = %#x, want 0xcafebabe", got)
	}
}

func TestExecuteBlockCallHelperReturnsError(t *testing.T) {
	cpu := newTestCPU()
	b := &ir.BasicBlock{}
	vDest := b.NewValue(ir.I32)
	b.Insts = []ir.Inst{{Op: ir.OpCallHelper, Dest: vDest, HelperID: 7}}
	b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: 0x1000}

	_, ex, err := ExecuteBlock(b, cpu)
	if ex != nil {
		t.Errorf("ex = %v, want nil", ex)
	}
	if err == nil {
		t.Fatalf("err = nil, want an error for an unimplemented helper")
	}
}
