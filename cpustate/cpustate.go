/*
 * x86core - Architectural CPU state
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

// Package cpustate holds the architectural register file: general-purpose
// registers with subregister aliasing, RFLAGS, segment registers, control
// registers, descriptor-table bases, privilege/mode state, and the event
// log used by tests to observe the LOCK/interrupt-delivery interleave.
//
// CpuState is a plain struct owned exclusively by a core.CpuCore; there is
// no package-level mutable state here.
package cpustate

import "sync/atomic"

// Mode is the CPU's current operating mode.
type Mode int

const (
	Real Mode = iota
	Vm86
	Bit16Protected
	Protected32
	Long64
)

// RFLAGS bit positions.
const (
	FlagCF   = 1 << 0
	flagOne  = 1 << 1 // always reads as 1; POPF/writes cannot clear it
	FlagPF   = 1 << 2
	FlagAF   = 1 << 4
	FlagZF   = 1 << 6
	FlagSF   = 1 << 7
	FlagTF   = 1 << 8
	FlagIF   = 1 << 9
	FlagDF   = 1 << 10
	FlagOF   = 1 << 11
	FlagIOPL = 3 << 12
	FlagNT   = 1 << 14
	FlagRF   = 1 << 16
	FlagVM   = 1 << 17
	FlagAC   = 1 << 18
	FlagVIF  = 1 << 19
	FlagVIP  = 1 << 20
	FlagID   = 1 << 21
)

// Reg is a general-purpose register index, 0..15 (RAX..R15).
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Segment is a segment-register index.
type Segment int

const (
	ES Segment = iota
	CS
	SS
	DS
	FS
	GS
)

// SegDesc is the cached base/limit/attributes for one segment register, as
// loaded by the last MOV-to-Sreg or far branch.
type SegDesc struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attrs    uint16
}

// Event is one entry in the test-observable event log (see intr.Event).
type Event struct {
	Kind int
	Note string
}

// CpuState is the full architectural register file of one logical CPU.
type CpuState struct {
	gpr [16]uint64
	rip uint64

	// rflags is accessed both as an atomic word (for inspection from a
	// debug console mid-step) and through the bit helpers below, which
	// enforce the always-one bit and privilege gating on writes.
	rflags atomic.Uint64

	Seg [6]SegDesc

	CR0, CR2, CR3, CR4, CR8, EFER uint64

	GDTRBase  uint64
	GDTRLimit uint16
	IDTRBase  uint64
	IDTRLimit uint16
	LDTR      SegDesc
	TR        SegDesc

	Mode Mode
	CPL  int

	// InterruptShadow counts down the number of subsequent instructions
	// during which external interrupts stay inhibited (MOV SS / POP SS /
	// STI set it to 1).
	InterruptShadow int

	EventLog []Event
}

// New returns a CpuState reset to the architectural power-on state: real
// mode, RFLAGS bit 1 set and nothing else, RIP zero.
func New() *CpuState {
	s := &CpuState{Mode: Real}
	s.rflags.Store(flagOne)
	s.CR0 = 0x60000010 // ET and the always-set reserved bits, paging/PE off
	return s
}

// GPR reads the full 64-bit value of register r.
func (s *CpuState) GPR(r Reg) uint64 { return s.gpr[r] }

// SetGPR writes the full 64-bit value of register r.
func (s *CpuState) SetGPR(r Reg, v uint64) { s.gpr[r] = v }

// GPR32 reads the low 32 bits of r.
func (s *CpuState) GPR32(r Reg) uint32 { return uint32(s.gpr[r]) }

// SetGPR32 writes the low 32 bits of r and zero-extends into the upper 32,
// per the architectural rule for 32-bit GPR destinations in 64-bit mode.
func (s *CpuState) SetGPR32(r Reg, v uint32) { s.gpr[r] = uint64(v) }

// GPR16 reads the low 16 bits of r.
func (s *CpuState) GPR16(r Reg) uint16 { return uint16(s.gpr[r]) }

// SetGPR16 writes the low 16 bits of r, preserving the rest of the register.
func (s *CpuState) SetGPR16(r Reg, v uint16) {
	s.gpr[r] = (s.gpr[r] &^ 0xffff) | uint64(v)
}

// GPR8Low reads bits 7:0 of r.
func (s *CpuState) GPR8Low(r Reg) uint8 { return uint8(s.gpr[r]) }

// SetGPR8Low writes bits 7:0 of r, preserving the rest.
func (s *CpuState) SetGPR8Low(r Reg, v uint8) {
	s.gpr[r] = (s.gpr[r] &^ 0xff) | uint64(v)
}

// GPR8High reads bits 15:8 of r (AH/CH/DH/BH; only legal for RAX/RCX/RDX/RBX
// and only without a REX prefix, which the decoder enforces).
func (s *CpuState) GPR8High(r Reg) uint8 { return uint8(s.gpr[r] >> 8) }

// SetGPR8High writes bits 15:8 of r, preserving the rest.
func (s *CpuState) SetGPR8High(r Reg, v uint8) {
	s.gpr[r] = (s.gpr[r] &^ 0xff00) | (uint64(v) << 8)
}

// RIP returns the instruction pointer.
func (s *CpuState) RIP() uint64 { return s.rip }

// SetRIP sets the instruction pointer.
func (s *CpuState) SetRIP(v uint64) { s.rip = v }

// RFlags returns the full RFLAGS word.
func (s *CpuState) RFlags() uint64 { return s.rflags.Load() }

// SetRFlagsRaw stores v verbatim except for forcing the always-one bit.
// Used internally by helpers that have already computed the masked value;
// most callers should use SetRFlagsMasked.
func (s *CpuState) SetRFlagsRaw(v uint64) { s.rflags.Store(v | flagOne) }

// Flag reports whether every bit in mask is set in RFLAGS.
func (s *CpuState) Flag(mask uint64) bool { return s.rflags.Load()&mask == mask }

// SetFlag sets or clears the bits in mask.
func (s *CpuState) SetFlag(mask uint64, v bool) {
	for {
		old := s.rflags.Load()
		var nv uint64
		if v {
			nv = old | mask
		} else {
			nv = (old &^ mask) | flagOne
		}
		if s.rflags.CompareAndSwap(old, nv) {
			return
		}
	}
}

// IOPL returns the current I/O privilege level (bits 13:12 of RFLAGS).
func (s *CpuState) IOPL() int {
	return int((s.rflags.Load() & FlagIOPL) >> 12)
}

// SetRFlagsMasked applies POPF's privilege-gated update: bits VM/VIF/VIP are
// never touched by POPF, IOPL may only change at CPL 0, and IF may only
// change when CPL <= current IOPL (evaluated against the pre-update IOPL,
// matching the architecture). The always-one bit is forced regardless.
func (s *CpuState) SetRFlagsMasked(newValue uint64) {
	old := s.rflags.Load()
	iopl := int((old & FlagIOPL) >> 12)

	keepFromOld := uint64(FlagVM | FlagVIF | FlagVIP)
	result := (newValue &^ keepFromOld) | (old & keepFromOld)

	if s.CPL > 0 {
		// IOPL may only be changed at CPL 0; keep the old value.
		result = (result &^ uint64(FlagIOPL)) | (old & FlagIOPL)
	}
	if s.CPL > iopl {
		// IF may only be changed when CPL <= IOPL.
		result = (result &^ uint64(FlagIF)) | (old & FlagIF)
	}
	s.rflags.Store(result | flagOne)
}

// LogEvent appends an entry to the test-observable event log.
func (s *CpuState) LogEvent(kind int, note string) {
	s.EventLog = append(s.EventLog, Event{Kind: kind, Note: note})
}
