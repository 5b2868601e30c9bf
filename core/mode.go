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
	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/translate"
)

// bitness maps a guest mode to its default operand/address width, the same
// mapping the Tier-0 interpreter uses internally.
func bitness(mode cpustate.Mode) int {
	switch mode {
	case cpustate.Long64:
		return 64
	case cpustate.Protected32:
		return 32
	default:
		return 16
	}
}

// decodeMode maps a guest mode to the decoder's mode tag.
func decodeMode(mode cpustate.Mode) decode.Mode {
	switch bitness(mode) {
	case 64:
		return decode.Mode64
	case 32:
		return decode.Mode32
	default:
		return decode.Mode16
	}
}

// csdl packs CS.D/L into the cache key's compact field: 0=16-bit, 1=32-bit,
// 2=64-bit. It tracks bitness rather than consulting CS.Attrs directly since
// nothing else in this engine derives operand size from the segment
// descriptor's D-bit; Mode alone already determines it.
func csdl(mode cpustate.Mode) int {
	switch bitness(mode) {
	case 64:
		return 2
	case 32:
		return 1
	default:
		return 0
	}
}

// fingerprint folds together the paging-mode bits that affect address
// translation, so a block formed under one set of CR0/CR4/EFER bits is never
// reused after those bits change. The Mmu keeps no exported view of its own
// derived mode, so this reads the same architectural registers the MMU's
// paging-mode sync reads.
func (c *CpuCore) fingerprint() uint64 {
	const (
		cr0PG = 1 << 31
		cr0WP = 1 << 16
		cr4PAE = 1 << 5
		cr4PSE = 1 << 4
		cr4PGE = 1 << 7
		cr4SMEP = 1 << 20
		cr4SMAP = 1 << 21
		cr4PCIDE = 1 << 17
		cr4LA57 = 1 << 12
		eferLME = 1 << 8
		eferNXE = 1 << 11
	)
	var fp uint64
	fp |= c.State.CR0 & (cr0PG | cr0WP)
	fp |= c.State.CR4 & (cr4PAE | cr4PSE | cr4PGE | cr4SMEP | cr4SMAP | cr4PCIDE | cr4LA57)
	fp |= c.State.EFER & (eferLME | eferNXE)
	return fp
}

// cacheKey derives the block cache key for the core's current architectural
// state.
func (c *CpuCore) cacheKey() translate.Key {
	return translate.Key{
		StartRip:    c.State.RIP(),
		CR3:         c.State.CR3,
		Fingerprint: c.fingerprint(),
		Bitness:     bitness(c.State.Mode),
		CSDL:        csdl(c.State.Mode),
	}
}
