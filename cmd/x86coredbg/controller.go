/*
 * x86core - Debug console interrupt controller
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

package main

// consoleController is the intr.Controller the debug console hands to
// core.CpuCore: a single pending-vector slot the "raise" command latches
// into, plus an NMI latch, with no priority or line wiring of its own. A
// full PIC/APIC model is a device concern outside this harness.
type consoleController struct {
	vector    uint8
	hasVector bool
	nmi       bool
}

func (c *consoleController) GetPending() (uint8, bool) {
	if !c.hasVector {
		return 0, false
	}
	return c.vector, true
}

func (c *consoleController) Acknowledge(vector uint8) { c.hasVector = false }

func (c *consoleController) EOI(vector uint8) {}

func (c *consoleController) PendingNMI() bool {
	nmi := c.nmi
	c.nmi = false
	return nmi
}

func (c *consoleController) RaiseLine(line int) {
	if line == -1 {
		c.nmi = true
		return
	}
	c.vector = uint8(line)
	c.hasVector = true
}

func (c *consoleController) LowerLine(line int) {
	if line == -1 {
		c.nmi = false
		return
	}
	c.hasVector = false
}
