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
	"testing"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/intr"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
)

// fakeController is a minimal intr.Controller: one latchable vector, no NMI
// (PendingNMI always reports false), and no line-numbering logic.
type fakeController struct {
	vector    uint8
	hasVector bool
}

func (f *fakeController) GetPending() (uint8, bool) {
	if !f.hasVector {
		return 0, false
	}
	return f.vector, true
}

func (f *fakeController) Acknowledge(uint8) {}
func (f *fakeController) EOI(uint8)         {}
func (f *fakeController) PendingNMI() bool  { return false }
func (f *fakeController) RaiseLine(int)     {}
func (f *fakeController) LowerLine(int)     {}

var _ intr.Controller = (*fakeController)(nil)

// newTestMachine builds a Machine over a fresh 64KiB identity-mapped bus
// (paging disabled), in 32-bit protected mode at CPL 0.
func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	state := cpustate.New()
	state.Mode = cpustate.Protected32
	return &Machine{
		State: state,
		Bus:   memory.NewBus(64 * 1024),
		Mmu:   mmu.New(),
	}
}

// decodeAt decodes one instruction from code as if fetched at rip, in
// 32-bit mode, failing the test on any decode error.
func decodeAt(t *testing.T, rip uint64, code []byte) *decode.DecodedInstruction {
	t.Helper()
	d, err := decode.DecodeOne(decode.Mode32, rip, code)
	if err != nil {
		t.Fatalf("DecodeOne(%x) failed: %v", code, err)
	}
	return d
}

// absMem32 encodes a ModRM byte selecting reg (0..7) against a disp32
// absolute memory operand (mod=00, rm=101), per the decoder's convention
// for mod=0/rm=5 in 32-bit addressing.
func absMem32(reg byte) byte { return 0<<6 | (reg&7)<<3 | 5 }

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestExecAddOverflowsToZeroAndSetsCarryZero(t *testing.T) {
	m := newTestMachine(t)
	m.State.SetGPR32(cpustate.RAX, 0xFFFFFFFF)
	d := decodeAt(t, 0x1000, append([]byte{0x05}, le32(1)...)) // ADD EAX, 1

	res, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if res.Outcome != Continue {
		t.Errorf("Outcome = %v, want Continue", res.Outcome)
	}
	if got := m.State.GPR32(cpustate.RAX); got != 0 {
		t.Errorf("EAX = %#x, want 0", got)
	}
	if !m.State.Flag(cpustate.FlagCF) {
		t.Errorf("CF not set after wraparound add")
	}
	if !m.State.Flag(cpustate.FlagZF) {
		t.Errorf("ZF not set for a zero result")
	}
	if m.State.Flag(cpustate.FlagOF) {
		t.Errorf("OF set, want clear (same-sign operands never signed-overflow to zero)")
	}
	if got := m.State.RIP(); got != d.NextRIP {
		t.Errorf("RIP = %#x, want %#x", got, d.NextRIP)
	}
}

func TestExecSubSignedOverflowSetsOf(t *testing.T) {
	m := newTestMachine(t)
	m.State.SetGPR32(cpustate.RAX, 0x7FFFFFFF)
	d := decodeAt(t, 0x1000, append([]byte{0x2D}, le32(0xFFFFFFFF)...)) // SUB EAX, -1

	_, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if got := m.State.GPR32(cpustate.RAX); got != 0x80000000 {
		t.Errorf("EAX = %#x, want 0x80000000", got)
	}
	if !m.State.Flag(cpustate.FlagOF) {
		t.Errorf("OF not set for MaxInt32 - (-1)")
	}
	if !m.State.Flag(cpustate.FlagCF) {
		t.Errorf("CF not set (unsigned 0x7fffffff < 0xffffffff)")
	}
}

func TestExecAndClearsCarryOverflowAndAf(t *testing.T) {
	m := newTestMachine(t)
	m.State.SetGPR32(cpustate.RAX, 0xFF00FF00)
	m.State.SetFlag(cpustate.FlagCF, true)
	m.State.SetFlag(cpustate.FlagOF, true)
	d := decodeAt(t, 0x1000, append([]byte{0x25}, le32(0x0F0F0F0F)...)) // AND EAX, imm32

	_, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if got, want := m.State.GPR32(cpustate.RAX), uint32(0x0F000F00); got != want {
		t.Errorf("EAX = %#x, want %#x", got, want)
	}
	if m.State.Flag(cpustate.FlagCF) {
		t.Errorf("CF still set, logic ops always clear it")
	}
	if m.State.Flag(cpustate.FlagOF) {
		t.Errorf("OF still set, logic ops always clear it")
	}
	if m.State.Flag(cpustate.FlagAF) {
		t.Errorf("AF set, this core defines AF after a logic op as always clear")
	}
}

// TestExecLockedXaddOrdersEventsPendingBeforeAtomic exercises the LOCK
// interleave contract: a pending interrupt is recognized strictly before
// the atomic transaction, never mid-transaction, and both events land in
// the state's event log in that order.
func TestExecLockedXaddOrdersEventsPendingBeforeAtomic(t *testing.T) {
	m := newTestMachine(t)
	m.Intr = &fakeController{hasVector: true, vector: 0x40}
	const addr = 0x2000
	if err := m.Bus.WriteU32(addr, 100); err != nil {
		t.Fatalf("seeding memory: %v", err)
	}
	m.State.SetGPR32(cpustate.RCX, 7)

	code := append([]byte{0xF0, 0x0F, 0xC1}, absMem32(1)) // LOCK XADD [disp32], ECX
	code = append(code, le32(addr)...)
	d := decodeAt(t, 0x1000, code)

	_, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}

	if got, want := m.State.GPR32(cpustate.RCX), uint32(100); got != want {
		t.Errorf("ECX (old memory value) = %#x, want %#x", got, want)
	}
	v, err := m.Bus.ReadU32(addr)
	if err != nil {
		t.Fatalf("reading back memory: %v", err)
	}
	if v != 107 {
		t.Errorf("memory = %d, want 107", v)
	}

	if len(m.State.EventLog) != 2 {
		t.Fatalf("EventLog = %v, want exactly 2 entries", m.State.EventLog)
	}
	if m.State.EventLog[0].Kind != int(intr.EventInterruptPending) {
		t.Errorf("EventLog[0] = %v, want EventInterruptPending", m.State.EventLog[0])
	}
	if m.State.EventLog[1].Kind != int(intr.EventAtomicRMW) {
		t.Errorf("EventLog[1] = %v, want EventAtomicRMW", m.State.EventLog[1])
	}
}

func TestExecCmpxchg16bSuccessSwapsAndSetsZf(t *testing.T) {
	m := newTestMachine(t)
	m.State.Mode = cpustate.Long64
	const addr = 0x2000 // 16-byte aligned
	if err := m.Bus.WriteU128(addr, 0x1111, 0x2222); err != nil {
		t.Fatalf("seeding memory: %v", err)
	}
	m.State.SetGPR(cpustate.RAX, 0x1111)
	m.State.SetGPR(cpustate.RDX, 0x2222)
	m.State.SetGPR(cpustate.RBX, 0xAAAA)
	m.State.SetGPR(cpustate.RCX, 0xBBBB)

	// 0x67 forces 32-bit addressing so mod=0/rm=5 encodes a disp32 address
	// (base register 5 resolves to RBP, which is left at 0) instead of the
	// RIP-relative form that mod=0/rm=5 takes under 64-bit addressing.
	code := append([]byte{0x67, 0x48, 0x0F, 0xC7}, absMem32(1)) // REX.W 0F C7 /1
	code = append(code, le32(addr)...)
	d, err := decode.DecodeOne(decode.Mode64, 0x1000, code)
	if err != nil {
		t.Fatalf("DecodeOne failed: %v", err)
	}

	_, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if !m.State.Flag(cpustate.FlagZF) {
		t.Errorf("ZF not set on a matching compare")
	}
	lo, hi, err := m.Bus.ReadU128(addr)
	if err != nil {
		t.Fatalf("reading back memory: %v", err)
	}
	if lo != 0xAAAA || hi != 0xBBBB {
		t.Errorf("memory = (%#x,%#x), want (0xaaaa,0xbbbb)", lo, hi)
	}
}

func TestExecCmpxchg16bMisalignedFaultsGp(t *testing.T) {
	m := newTestMachine(t)
	m.State.Mode = cpustate.Long64
	const addr = 0x2001 // not 16-byte aligned

	code := append([]byte{0x67, 0x48, 0x0F, 0xC7}, absMem32(1))
	code = append(code, le32(addr)...)
	d, err := decode.DecodeOne(decode.Mode64, 0x1000, code)
	if err != nil {
		t.Fatalf("DecodeOne failed: %v", err)
	}

	_, ex, err := m.Exec(d)
	if err != nil {
		t.Fatalf("Exec() err = %v, want nil", err)
	}
	if ex == nil || ex.Kind != exceptions.GP {
		t.Fatalf("ex = %v, want #GP", ex)
	}
}

// TestExecPopfIfGateBlockedAboveIopl exercises the POPF privilege gate: at
// CPL 3 with IOPL 0, an attempt to set IF through POPF must leave IF
// unchanged, matching SetRFlagsMasked's contract.
func TestExecPopfIfGateBlockedAboveIopl(t *testing.T) {
	m := newTestMachine(t)
	m.State.CPL = 3
	m.State.SetFlag(cpustate.FlagIF, false) // IOPL left at 0 by cpustate.New

	sp := uint64(0x3000)
	m.State.SetGPR(cpustate.RSP, sp)
	if err := m.Bus.WriteU32(sp, uint32(cpustate.FlagIF|cpustate.FlagZF)); err != nil {
		t.Fatalf("seeding stack: %v", err)
	}
	d := decodeAt(t, 0x1000, []byte{0x9D}) // POPF

	_, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if m.State.Flag(cpustate.FlagIF) {
		t.Errorf("IF set despite CPL(3) > IOPL(0)")
	}
	if !m.State.Flag(cpustate.FlagZF) {
		t.Errorf("ZF not applied, POPF should still update flags CPL doesn't gate")
	}
	if got, want := m.State.GPR(cpustate.RSP), sp+4; got != want {
		t.Errorf("RSP = %#x, want %#x", got, want)
	}
}

func TestExecRepStosStopsOnRcxZeroWithoutInternalLooping(t *testing.T) {
	m := newTestMachine(t)
	const dst = 0x2000
	m.State.SetGPR(cpustate.RDI, dst)
	m.State.SetGPR(cpustate.RCX, 2)
	m.State.SetGPR32(cpustate.RAX, 0x5A)
	d := decodeAt(t, 0x1000, []byte{0xF3, 0xAA}) // REP STOS BYTE [EDI]

	// First call: RCX goes from 2 to 1, still nonzero, so the instruction
	// does not advance RIP -- the core's step loop is expected to
	// re-dispatch the same RIP so an interrupt can be recognized between
	// elements.
	const startRip = 0x1000
	m.State.SetRIP(startRip)
	res, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("first Exec() = ex=%v err=%v, want none", ex, err)
	}
	if res.Outcome != Continue {
		t.Errorf("Outcome = %v, want Continue", res.Outcome)
	}
	if got := m.State.RIP(); got != startRip {
		t.Errorf("RIP = %#x, want unchanged %#x mid-repeat", got, uint64(startRip))
	}
	if got := m.State.GPR(cpustate.RCX); got != 1 {
		t.Errorf("RCX = %d, want 1", got)
	}

	// Second call: RCX goes from 1 to 0, the repeat completes and RIP
	// finally advances past the instruction.
	_, ex, err = m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("second Exec() = ex=%v err=%v, want none", ex, err)
	}
	if got := m.State.RIP(); got != d.NextRIP {
		t.Errorf("RIP = %#x, want %#x after repeat completes", got, d.NextRIP)
	}
	if got := m.State.GPR(cpustate.RCX); got != 0 {
		t.Errorf("RCX = %d, want 0", got)
	}
	b, err := m.Bus.ReadU8(dst)
	if err != nil || b != 0x5A {
		t.Errorf("dst byte 0 = %#x err=%v, want 0x5a", b, err)
	}
	b, err = m.Bus.ReadU8(dst + 1)
	if err != nil || b != 0x5A {
		t.Errorf("dst byte 1 = %#x err=%v, want 0x5a", b, err)
	}
}

func TestExecJccBranchesOnlyWhenConditionHolds(t *testing.T) {
	m := newTestMachine(t)
	m.State.SetFlag(cpustate.FlagZF, true)
	d := decodeAt(t, 0x1000, []byte{0x74, 0x10}) // JZ +0x10

	res, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if res.Outcome != Branch {
		t.Errorf("Outcome = %v, want Branch", res.Outcome)
	}
	if want := d.NextRIP + 0x10; m.State.RIP() != want {
		t.Errorf("RIP = %#x, want %#x", m.State.RIP(), want)
	}

	m.State.SetFlag(cpustate.FlagZF, false)
	d2 := decodeAt(t, 0x1000, []byte{0x74, 0x10})
	res, ex, err = m.Exec(d2)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if res.Outcome != Continue {
		t.Errorf("Outcome = %v, want Continue when ZF clear", res.Outcome)
	}
	if m.State.RIP() != d2.NextRIP {
		t.Errorf("RIP = %#x, want %#x (fallthrough)", m.State.RIP(), d2.NextRIP)
	}
}

func TestExecCallPushesReturnAddressAndRetRestoresIt(t *testing.T) {
	m := newTestMachine(t)
	m.State.SetGPR(cpustate.RSP, 0x4000)
	call := decodeAt(t, 0x1000, append([]byte{0xE8}, le32(0x20)...)) // CALL rel32

	_, ex, err := m.Exec(call)
	if ex != nil || err != nil {
		t.Fatalf("CALL Exec() = ex=%v err=%v, want none", ex, err)
	}
	wantTarget := call.NextRIP + 0x20
	if m.State.RIP() != wantTarget {
		t.Errorf("RIP after CALL = %#x, want %#x", m.State.RIP(), wantTarget)
	}
	if got, want := m.State.GPR(cpustate.RSP), uint64(0x4000-4); got != want {
		t.Errorf("RSP after CALL = %#x, want %#x", got, want)
	}

	ret := decodeAt(t, m.State.RIP(), []byte{0xC3}) // RET
	_, ex, err = m.Exec(ret)
	if ex != nil || err != nil {
		t.Fatalf("RET Exec() = ex=%v err=%v, want none", ex, err)
	}
	if m.State.RIP() != call.NextRIP {
		t.Errorf("RIP after RET = %#x, want %#x (the CALL's own return address)", m.State.RIP(), call.NextRIP)
	}
	if got, want := m.State.GPR(cpustate.RSP), uint64(0x4000); got != want {
		t.Errorf("RSP after RET = %#x, want %#x", got, want)
	}
}

// TestExecPushPopRoundTrip exercises the register-form PUSH/POP opcodes
// (0x50-0x5F), which this decoder always sizes at 64 bits regardless of
// CPU mode, so the stack moves by 8 bytes even though EBX itself is a
// 32-bit sub-register.
func TestExecPushPopRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	m.State.SetGPR(cpustate.RSP, 0x4000)
	m.State.SetGPR32(cpustate.RBX, 0xDEADBEEF)

	push := decodeAt(t, 0x1000, []byte{0x53}) // PUSH EBX
	if _, ex, err := m.Exec(push); ex != nil || err != nil {
		t.Fatalf("PUSH Exec() = ex=%v err=%v, want none", ex, err)
	}
	if got, want := m.State.GPR(cpustate.RSP), uint64(0x4000-8); got != want {
		t.Errorf("RSP after PUSH = %#x, want %#x", got, want)
	}

	m.State.SetGPR(cpustate.RBX, 0)
	pop := decodeAt(t, m.State.RIP(), []byte{0x5B}) // POP EBX
	if _, ex, err := m.Exec(pop); ex != nil || err != nil {
		t.Fatalf("POP Exec() = ex=%v err=%v, want none", ex, err)
	}
	if got := m.State.GPR32(cpustate.RBX); got != 0xDEADBEEF {
		t.Errorf("EBX after POP = %#x, want 0xdeadbeef", got)
	}
	if got, want := m.State.GPR(cpustate.RSP), uint64(0x4000); got != want {
		t.Errorf("RSP after POP = %#x, want %#x", got, want)
	}
}

func TestExecMovCrSyncsPagingModeOnCr0Write(t *testing.T) {
	m := newTestMachine(t)
	// MOV CR0, EAX: 0F 22 /r with modrm.reg selecting CR0 (reg=0) and
	// modrm.rm selecting the source GPR (EAX=0).
	m.State.SetGPR(cpustate.RAX, 0x80000011) // PG | ET | bit4
	d := decodeAt(t, 0x1000, []byte{0x0F, 0x22, 0xC0})

	_, ex, err := m.Exec(d)
	if ex != nil || err != nil {
		t.Fatalf("Exec() = ex=%v err=%v, want none", ex, err)
	}
	if m.State.CR0 != 0x80000011 {
		t.Errorf("CR0 = %#x, want %#x", m.State.CR0, uint64(0x80000011))
	}
	if _, ex := m.translate(0x1000, mmu.AccessRead); ex == nil || ex.Kind != exceptions.PF {
		t.Errorf("translate after enabling paging = %v, want #PF from the empty page tables", ex)
	}
}
