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

// Block cache: keyed on every bit of state that changes decoding or
// semantics (start RIP, CR3, a paging-mode fingerprint, bitness, CS.D/L),
// and invalidated when a covering guest page is written, CR3 changes
// without a matching PCID, or the paging mode changes.
package translate

import (
	"github.com/rcornwell/x86core/ir"
)

// Key identifies one cached block. Fingerprint folds together whatever
// paging-mode bits affect decoding or address translation (PAE/long-mode/
// SMEP/SMAP/NXE/PCID); callers derive it the same way on every lookup.
type Key struct {
	StartRip    uint64
	CR3         uint64
	Fingerprint uint64
	Bitness     int
	CSDL        int // CS.D/L, packed: 0=16-bit, 1=32-bit, 2=64-bit
}

const pageShift = 12

type entry struct {
	block     *ir.BasicBlock
	firstPage uint64
	lastPage  uint64
}

// Cache maps Key to a formed BasicBlock, plus a reverse page->keys index so
// a single guest write can evict every block covering that page without
// scanning the whole cache.
type Cache struct {
	blocks     map[Key]entry
	pageOwners map[uint64]map[Key]struct{}
}

func NewCache() *Cache {
	return &Cache{
		blocks:     make(map[Key]entry),
		pageOwners: make(map[uint64]map[Key]struct{}),
	}
}

func (c *Cache) Get(k Key) (*ir.BasicBlock, bool) {
	e, ok := c.blocks[k]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// Put inserts b under k. endRip is one past the last byte the block's
// instructions span; it is used only to compute the covered page range for
// invalidation, not stored in the IR itself.
func (c *Cache) Put(k Key, b *ir.BasicBlock, endRip uint64) {
	first := k.StartRip >> pageShift
	last := endRip >> pageShift
	c.blocks[k] = entry{block: b, firstPage: first, lastPage: last}
	for p := first; p <= last; p++ {
		owners, ok := c.pageOwners[p]
		if !ok {
			owners = make(map[Key]struct{})
			c.pageOwners[p] = owners
		}
		owners[k] = struct{}{}
	}
}

// InvalidatePage evicts every block covering the guest page containing
// paddr, called when the guest writes that page.
func (c *Cache) InvalidatePage(paddr uint64) {
	page := paddr >> pageShift
	owners, ok := c.pageOwners[page]
	if !ok {
		return
	}
	for k := range owners {
		c.evict(k)
	}
}

// InvalidateCR3 evicts every block tagged with cr3, used on a CR3 write
// that does not carry a matching no-flush PCID.
func (c *Cache) InvalidateCR3(cr3 uint64) {
	for k := range c.blocks {
		if k.CR3 == cr3 {
			c.evict(k)
		}
	}
}

// InvalidateAll evicts the entire cache, used on a paging-mode change.
func (c *Cache) InvalidateAll() {
	c.blocks = make(map[Key]entry)
	c.pageOwners = make(map[uint64]map[Key]struct{})
}

func (c *Cache) evict(k Key) {
	e, ok := c.blocks[k]
	if !ok {
		return
	}
	delete(c.blocks, k)
	for p := e.firstPage; p <= e.lastPage; p++ {
		if owners, ok := c.pageOwners[p]; ok {
			delete(owners, k)
			if len(owners) == 0 {
				delete(c.pageOwners, p)
			}
		}
	}
}
