/*
 * x86core - Architectural exception taxonomy
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

// Package exceptions defines the closed taxonomy of architectural exceptions
// the interpreter and MMU can raise. An Exception is returned as a normal Go
// error value up the call stack; the core never panics to signal one.
package exceptions

import "fmt"

// Kind is a closed tag for the architectural exception vectors the core can
// raise. Each value equals its architectural vector number, so delivery can
// use it directly as the vector. SMM is not represented.
type Kind int

const (
	DE Kind = iota // Divide error
	DB             // Debug
	_              // vector 2 is NMI, delivered as a raw vector
	BP             // Breakpoint
	OF             // Overflow (INTO)
	BR             // BOUND range exceeded
	UD             // Invalid opcode
	NM             // Device not available
	DF             // Double fault (fatal)
	_              // vector 9 is not raised
	TS             // Invalid TSS
	NP             // Segment not present
	SS             // Stack-segment fault
	GP             // General protection
	PF             // Page fault
	_              // vector 15 is reserved
	MF             // x87 floating point
	AC             // Alignment check
	MC             // Machine check
	XM             // SIMD floating point
)

var names = [...]string{
	DE: "#DE", DB: "#DB", BP: "#BP", OF: "#OF", BR: "#BR", UD: "#UD",
	NM: "#NM", DF: "#DF", TS: "#TS", NP: "#NP", SS: "#SS", GP: "#GP",
	PF: "#PF", MF: "#MF", AC: "#AC", MC: "#MC", XM: "#XM",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(names) || names[k] == "" {
		return "#??"
	}
	return names[k]
}

// HasErrorCode reports whether vector k pushes an error code onto the stack
// during delivery (the architectural convention, not an engine detail).
func (k Kind) HasErrorCode() bool {
	switch k {
	case DF, TS, NP, SS, GP, PF, AC:
		return true
	default:
		return false
	}
}

// PageFaultBits are the architectural #PF error-code bit positions.
const (
	PFPresent = 1 << 0 // 0 = not-present, 1 = protection violation
	PFWrite   = 1 << 1
	PFUser    = 1 << 2
	PFReservd = 1 << 3
	PFInstr   = 1 << 4 // I/D: fault was an instruction fetch (NX/SMEP)
	PFPK      = 1 << 5
	PFSGX     = 1 << 15
)

// Exception is an architectural fault or trap produced by the interpreter or
// MMU. It carries the vector and, when HasErrorCode is true, the error code
// pushed during delivery.
type Exception struct {
	Kind      Kind
	ErrorCode uint32
	// FaultAddr is the linear address that faulted; meaningful for PF only.
	FaultAddr uint64
}

func (e *Exception) Error() string {
	if e.Kind.HasErrorCode() {
		return fmt.Sprintf("%s(%#x)", e.Kind, e.ErrorCode)
	}
	return e.Kind.String()
}

// New builds an Exception with no error code (vectors like #UD, #BP).
func New(kind Kind) *Exception {
	return &Exception{Kind: kind}
}

// GeneralProtection builds a #GP with the given error code (0 for most
// privilege-check failures per the architecture).
func GeneralProtection(errorCode uint32) *Exception {
	return &Exception{Kind: GP, ErrorCode: errorCode}
}

// PageFault builds a #PF carrying the faulting linear address and the
// error-code bits accumulated by the MMU walk.
func PageFault(addr uint64, errorCode uint32) *Exception {
	return &Exception{Kind: PF, ErrorCode: errorCode, FaultAddr: addr}
}
