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

	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/internal/trace"
	"github.com/rcornwell/x86core/ir"
)

// Limits bounds one block's formation.
type Limits struct {
	MaxInsts int
	MaxBytes int
}

// DefaultLimits matches the "Tier-1 block-size limits" configuration knob
// (TIER1MAXINSTS/TIER1MAXBYTES in core/config.go); callers may override per core.
var DefaultLimits = Limits{MaxInsts: 64, MaxBytes: 256}

// Fetch reads up to n bytes of guest code starting at addr. It is the only
// way FormBlock touches guest memory; no byte is cached across calls.
type Fetch func(addr uint64, n int) ([]byte, error)

// FormBlock decodes consecutively from startRip, lowering each eligible
// instruction into IR, and stops at the first terminator, the first
// instruction this translator cannot lower, a decode failure, or the
// configured size limit — whichever comes first. A block with zero
// instructions beyond its terminator is still valid IR (e.g. an
// unconditional JMP as the block's sole content).
func FormBlock(mode decode.Mode, startRip uint64, bitness int, limits Limits, fetch Fetch) (*ir.BasicBlock, error) {
	b := &ir.BasicBlock{StartRip: startRip, Bitness: bitness}
	rip := startRip
	totalBytes := 0

	for i := 0; i < limits.MaxInsts; i++ {
		buf, err := fetch(rip, 15)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("translate: fetch at %#x: %w", rip, err)
			}
			b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: rip}
			b.EndRip = rip
			b.NumInsts = i
			return finish(b)
		}

		d, err := decode.DecodeOne(mode, rip, buf)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("translate: decode at %#x: %w", rip, err)
			}
			b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: rip}
			b.EndRip = rip
			b.NumInsts = i
			return finish(b)
		}

		if totalBytes+d.Length > limits.MaxBytes {
			b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: rip}
			b.EndRip = rip
			b.NumInsts = i
			return finish(b)
		}
		totalBytes += d.Length

		if isTerminator(d.Mnemonic) {
			if !lowerTerminator(b, d) {
				b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: rip}
				b.EndRip = rip
				b.NumInsts = i
			} else {
				b.EndRip = d.NextRIP
				b.NumInsts = i + 1
			}
			return finish(b)
		}

		if !eligible(d) {
			b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: rip}
			b.EndRip = rip
			b.NumInsts = i
			return finish(b)
		}
		lowerInst(b, d)
		rip = d.NextRIP
	}

	b.Term = ir.Terminator{Op: ir.TermExitToInterpreter, NextRip: rip}
	b.EndRip = rip
	b.NumInsts = limits.MaxInsts
	return finish(b)
}

func finish(b *ir.BasicBlock) (*ir.BasicBlock, error) {
	if err := b.Validate(); err != nil {
		trace.Tracef(trace.Translate, "translate: block at %#x failed validation: %v", b.StartRip, err)
		return nil, err
	}
	return b, nil
}
