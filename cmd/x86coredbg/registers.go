/*
 * x86core - Debug console register formatting
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

import (
	"fmt"
	"strings"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/util/hex"
)

var gprNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func modeName(m cpustate.Mode) string {
	switch m {
	case cpustate.Real:
		return "real"
	case cpustate.Vm86:
		return "vm86"
	case cpustate.Bit16Protected:
		return "prot16"
	case cpustate.Protected32:
		return "prot32"
	case cpustate.Long64:
		return "long64"
	default:
		return "unknown"
	}
}

// formatRegs renders a register dump in the teacher's "label value" console
// style: a handful of wide fields per line, hex throughout, built with
// hex.FormatQuad.
func formatRegs(s *cpustate.CpuState) string {
	var out strings.Builder
	out.WriteString("rip=")
	hex.FormatQuad(&out, []uint64{s.RIP()})
	out.WriteString("rflags=")
	hex.FormatQuad(&out, []uint64{s.RFlags()})
	fmt.Fprintf(&out, "mode=%-7s cpl=%d\n", modeName(s.Mode), s.CPL)

	for i := 0; i < 16; i += 4 {
		for j := i; j < i+4; j++ {
			fmt.Fprintf(&out, "%-4s=", gprNames[j])
			hex.FormatQuad(&out, []uint64{s.GPR(cpustate.Reg(j))})
		}
		out.WriteByte('\n')
	}

	out.WriteString("cr0=")
	hex.FormatQuad(&out, []uint64{s.CR0})
	out.WriteString("cr2=")
	hex.FormatQuad(&out, []uint64{s.CR2})
	out.WriteString("cr3=")
	hex.FormatQuad(&out, []uint64{s.CR3})
	out.WriteString("cr4=")
	hex.FormatQuad(&out, []uint64{s.CR4})
	return out.String()
}
