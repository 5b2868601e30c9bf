/*
 * x86core - Set-associative TLB
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

package mmu

// PageSize is the set of leaf page sizes the paging hierarchy can produce.
type PageSize int

const (
	Size4K PageSize = iota
	Size2M
	Size4M
	Size1G
)

// Bytes returns the span of one page of size p.
func (p PageSize) Bytes() uint64 {
	switch p {
	case Size4K:
		return 4 * 1024
	case Size2M:
		return 2 * 1024 * 1024
	case Size4M:
		return 4 * 1024 * 1024
	case Size1G:
		return 1024 * 1024 * 1024
	default:
		panic("mmu: unknown page size")
	}
}

// LookupPageSizes narrows which sizes lookup scans, keyed by the current
// paging mode: long mode never produces 4M pages, legacy 32-bit (no PAE)
// never produces 1G pages, and so on.
type LookupPageSizes int

const (
	Only4K LookupPageSizes = iota
	Size2MAnd4K
	Size4MAnd4K
	Size1G2MAnd4K
)

// EntryAttributes carries the leaf-derived fields a TlbEntry needs beyond
// its key (vbase/pbase/size/pcid).
type EntryAttributes struct {
	User      bool
	Writable  bool
	NX        bool
	Global    bool
	LeafAddr  uint64 // physical address of the leaf paging-structure entry
	LeafIs64  bool   // true for PAE/long-mode (64-bit) entries
	Dirty     bool   // cached leaf dirty-bit state
}

// Entry is one cached translation. Physical = entry.PBase + (vaddr - entry.VBase).
type Entry struct {
	VBase, PBase uint64
	PageSize     PageSize
	User         bool
	Writable     bool
	NX           bool
	Global       bool
	LeafAddr     uint64
	LeafIs64     bool
	Dirty        bool
	PCID         uint16
	Valid        bool
}

func newEntry(vbase, pbase uint64, size PageSize, pcid uint16, attrs EntryAttributes) Entry {
	return Entry{
		VBase: vbase, PBase: pbase, PageSize: size, PCID: pcid, Valid: true,
		User: attrs.User, Writable: attrs.Writable, NX: attrs.NX, Global: attrs.Global,
		LeafAddr: attrs.LeafAddr, LeafIs64: attrs.LeafIs64, Dirty: attrs.Dirty,
	}
}

// Translate maps a virtual address known to fall within this entry's page.
func (e *Entry) Translate(vaddr uint64) uint64 {
	return e.PBase + (vaddr - e.VBase)
}

func (e *Entry) matchesPCID(pcid uint16) bool {
	return e.Valid && (e.Global || e.PCID == pcid)
}

const (
	ways = 4
	sets = 64 // 256 entries per bank, 4-way set associative.
)

// set is one bank (ITLB or DTLB): 64 sets of 4 ways, plus per-set flags
// recording which large-page sizes are present so lookup can skip scanning
// sizes that have never been inserted.
type set struct {
	entries [sets][ways]Entry
	nextWay [sets]uint8
	has1G   bool
	has4M   bool
	has2M   bool
}

func setIndex(tag uint64) int {
	x := tag ^ (tag >> 17) ^ (tag >> 35)
	return int(x) & (sets - 1)
}

func (s *set) lookup(vaddr uint64, pcid uint16, pageSizes LookupPageSizes) (*Entry, bool) {
	lookupSize := func(size PageSize) (*Entry, bool) {
		vbase := vaddr &^ (size.Bytes() - 1)
		tg := vbase >> 12
		st := setIndex(tg)
		for way := 0; way < ways; way++ {
			e := &s.entries[st][way]
			if e.PageSize == size && e.VBase == vbase && e.matchesPCID(pcid) {
				return e, true
			}
		}
		return nil, false
	}

	// Try larger pages first so indexing differences never hide a large
	// page's entry behind a 4K-sized probe.
	switch pageSizes {
	case Only4K:
		return lookupSize(Size4K)
	case Size2MAnd4K:
		if s.has2M {
			if e, ok := lookupSize(Size2M); ok {
				return e, true
			}
		}
		return lookupSize(Size4K)
	case Size4MAnd4K:
		if s.has4M {
			if e, ok := lookupSize(Size4M); ok {
				return e, true
			}
		}
		return lookupSize(Size4K)
	case Size1G2MAnd4K:
		if s.has1G {
			if e, ok := lookupSize(Size1G); ok {
				return e, true
			}
		}
		if s.has2M {
			if e, ok := lookupSize(Size2M); ok {
				return e, true
			}
		}
		return lookupSize(Size4K)
	default:
		return nil, false
	}
}

func (s *set) insert(entry Entry) {
	switch entry.PageSize {
	case Size1G:
		s.has1G = true
	case Size4M:
		s.has4M = true
	case Size2M:
		s.has2M = true
	case Size4K:
	}

	tg := entry.VBase >> 12
	st := setIndex(tg)

	for way := 0; way < ways; way++ {
		cur := &s.entries[st][way]
		if cur.Valid && cur.VBase == entry.VBase && cur.PageSize == entry.PageSize &&
			(cur.Global || cur.PCID == entry.PCID) {
			*cur = entry
			return
		}
	}

	way := int(s.nextWay[st]) % ways
	s.nextWay[st]++
	s.entries[st][way] = entry
}

var allSizesLargestFirst = [...]PageSize{Size1G, Size4M, Size2M, Size4K}

func (s *set) invalidateAddressAll(vaddr uint64) {
	for _, size := range allSizesLargestFirst {
		vbase := vaddr &^ (size.Bytes() - 1)
		tg := vbase >> 12
		st := setIndex(tg)
		for way := 0; way < ways; way++ {
			e := &s.entries[st][way]
			if e.Valid && e.VBase == vbase && e.PageSize == size {
				e.Valid = false
			}
		}
	}
}

func (s *set) invalidateAddressPCID(vaddr uint64, pcid uint16, includeGlobal bool) {
	for _, size := range allSizesLargestFirst {
		vbase := vaddr &^ (size.Bytes() - 1)
		tg := vbase >> 12
		st := setIndex(tg)
		for way := 0; way < ways; way++ {
			e := &s.entries[st][way]
			if !e.Valid || e.PageSize != size || e.VBase != vbase {
				continue
			}
			if e.Global {
				if includeGlobal {
					e.Valid = false
				}
				continue
			}
			if e.PCID == pcid {
				e.Valid = false
			}
		}
	}
}

func (s *set) flushAll() {
	s.has1G, s.has4M, s.has2M = false, false, false
	for st := 0; st < sets; st++ {
		for way := 0; way < ways; way++ {
			s.entries[st][way].Valid = false
		}
	}
}

func (s *set) flushNonGlobal() {
	for st := 0; st < sets; st++ {
		for way := 0; way < ways; way++ {
			e := &s.entries[st][way]
			if e.Valid && !e.Global {
				e.Valid = false
			}
		}
	}
}

func (s *set) flushPCID(pcid uint16, includeGlobal bool) {
	for st := 0; st < sets; st++ {
		for way := 0; way < ways; way++ {
			e := &s.entries[st][way]
			if !e.Valid {
				continue
			}
			if e.Global {
				if includeGlobal {
					e.Valid = false
				}
				continue
			}
			if e.PCID == pcid {
				e.Valid = false
			}
		}
	}
}

func (s *set) setDirtyKnown(vbase uint64, size PageSize, pcid uint16) bool {
	tg := vbase >> 12
	st := setIndex(tg)
	for way := 0; way < ways; way++ {
		e := &s.entries[st][way]
		if e.PageSize == size && e.VBase == vbase && e.matchesPCID(pcid) {
			e.Dirty = true
			return true
		}
	}
	return false
}

// Tlb wraps the two per-purpose banks (ITLB, DTLB) spec.md requires.
type Tlb struct {
	itlb set
	dtlb set
}

// NewTlb returns an empty TLB with both banks cold.
func NewTlb() *Tlb {
	return &Tlb{}
}

// Lookup probes the ITLB (isExec) or DTLB for vaddr tagged with pcid.
func (t *Tlb) Lookup(vaddr uint64, isExec bool, pcid uint16, pageSizes LookupPageSizes) (*Entry, bool) {
	if isExec {
		return t.itlb.lookup(vaddr, pcid, pageSizes)
	}
	return t.dtlb.lookup(vaddr, pcid, pageSizes)
}

// Insert caches entry in the ITLB or DTLB.
func (t *Tlb) Insert(isExec bool, entry Entry) {
	if isExec {
		t.itlb.insert(entry)
	} else {
		t.dtlb.insert(entry)
	}
}

// InvalidateAddressAll implements INVLPG: remove entries covering vaddr from
// both banks, across every PCID, irrespective of the global bit.
func (t *Tlb) InvalidateAddressAll(vaddr uint64) {
	t.itlb.invalidateAddressAll(vaddr)
	t.dtlb.invalidateAddressAll(vaddr)
}

func (t *Tlb) invalidateAddressPCID(vaddr uint64, pcid uint16, includeGlobal bool) {
	t.itlb.invalidateAddressPCID(vaddr, pcid, includeGlobal)
	t.dtlb.invalidateAddressPCID(vaddr, pcid, includeGlobal)
}

// SetDirty flips the cached dirty bit for the entry matching vbase/size/pcid
// in the ITLB or DTLB; used by the lazy dirty-bit writeback path once the
// leaf has already been updated in guest memory.
func (t *Tlb) SetDirty(vbase uint64, size PageSize, isExec bool, pcid uint16) {
	if isExec {
		t.itlb.setDirtyKnown(vbase, size, pcid)
	} else {
		t.dtlb.setDirtyKnown(vbase, size, pcid)
	}
}

// FlushAll invalidates every entry in both banks, including global ones.
func (t *Tlb) FlushAll() {
	t.itlb.flushAll()
	t.dtlb.flushAll()
}

// OnCr3Write applies the CR3-write flush policy matrix: with PCID enabled
// and the no-flush bit clear, flush only the incoming PCID's non-global
// entries (other PCIDs, and all global entries, survive); with PGE set but
// no PCID, flush all non-global entries; otherwise flush everything.
func (t *Tlb) OnCr3Write(pge, pcidEnabled bool, newPCID uint16, noFlush bool) {
	if pcidEnabled {
		if !noFlush {
			t.itlb.flushPCID(newPCID, false)
			t.dtlb.flushPCID(newPCID, false)
		}
		return
	}

	if pge {
		t.itlb.flushNonGlobal()
		t.dtlb.flushNonGlobal()
	} else {
		t.FlushAll()
	}
}

// InvpcidType is the INVPCID instruction's descriptor-type field.
type InvpcidType int

const (
	InvpcidIndividualAddress InvpcidType = iota
	InvpcidSingleContext
	InvpcidAllIncludingGlobal
	InvpcidAllExcludingGlobal
)

// Invpcid implements INVPCID; vaddr is only consulted for
// InvpcidIndividualAddress.
func (t *Tlb) Invpcid(pcid uint16, kind InvpcidType, vaddr uint64) {
	switch kind {
	case InvpcidIndividualAddress:
		t.invalidateAddressPCID(vaddr, pcid, false)
	case InvpcidSingleContext:
		t.itlb.flushPCID(pcid, false)
		t.dtlb.flushPCID(pcid, false)
	case InvpcidAllIncludingGlobal:
		t.FlushAll()
	case InvpcidAllExcludingGlobal:
		t.itlb.flushNonGlobal()
		t.dtlb.flushNonGlobal()
	}
}
