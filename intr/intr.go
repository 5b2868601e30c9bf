/*
 * x86core - Interrupt controller interface
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

// Package intr declares the small capability set a host must provide so the
// core can poll for and acknowledge external interrupts. PIC/APIC routing,
// priority, and line wiring are the host's concern; the core only consumes a
// delivered vector at an instruction boundary.
package intr

// Controller is implemented by the host's interrupt-routing model (PIC,
// IOAPIC+LAPIC, or a test double). All methods are called from the single
// CPU-stepping thread; no synchronization is required on the core's side.
type Controller interface {
	// GetPending returns the next deliverable vector and true, or false if
	// nothing is currently deliverable (masked by IF, shadow, or empty).
	GetPending() (vector uint8, ok bool)

	// Acknowledge tells the controller the CPU has accepted vector for
	// delivery (INTA cycle equivalent).
	Acknowledge(vector uint8)

	// EOI signals end-of-interrupt for vector once the handler returns.
	EOI(vector uint8)

	// PendingNMI reports whether a non-maskable interrupt is latched.
	PendingNMI() bool

	// RaiseLine and LowerLine assert/deassert a host-numbered interrupt
	// line; used by tests and by device models driving the controller.
	RaiseLine(line int)
	LowerLine(line int)
}

// Event tags the kind of asynchronous notice recorded in the core's event
// log (used by tests to assert the LOCK/interrupt interleave ordering).
type Event int

const (
	EventInterruptPending Event = iota
	EventAtomicRMW
	EventInterruptDelivered
)

func (e Event) String() string {
	switch e {
	case EventInterruptPending:
		return "interrupt_pending"
	case EventAtomicRMW:
		return "atomic_rmw"
	case EventInterruptDelivered:
		return "interrupt_delivered"
	default:
		return "unknown"
	}
}
