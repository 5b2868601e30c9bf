/*
 * x86core - Page-table walk
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

import (
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/memory"
)

const (
	entPresent  = 1 << 0
	entWrite    = 1 << 1
	entUser     = 1 << 2
	entAccessed = 1 << 5
	entDirty    = 1 << 6
	entPS       = 1 << 7
	entGlobal   = 1 << 8
	entNX       = 1 << 63
)

// walk performs the page-table walk per §4.2: descend the hierarchy rooted
// at in.CR3, accumulate effective permissions as the AND of per-level U/W
// and the OR of NX, set the Accessed bit on every level traversed, and set
// the leaf Dirty bit up front when access is a write (the hot path then
// skips the writeback on the next hit via the TLB's cached dirty flag).
func (m *Mmu) walk(bus *memory.Bus, vaddr uint64, access Access, in WalkInput) (Entry, *exceptions.Exception) {
	switch m.mode {
	case Mode32:
		return m.walk32(bus, vaddr, access, in)
	case ModePAE:
		return m.walkPAE(bus, vaddr, access, in)
	case ModeIA32e4:
		return m.walkIA32e4(bus, vaddr, access, in)
	default:
		panic("mmu: walk called with paging disabled")
	}
}

func faultCode(access Access, user bool) uint32 {
	code := uint32(0) // not-present by default; caller ORs in PFPresent when an entry exists but is denied
	if access == AccessWrite {
		code |= exceptions.PFWrite
	}
	if user {
		code |= exceptions.PFUser
	}
	if access == AccessExec {
		code |= exceptions.PFInstr
	}
	return code
}

func accessAndDirty(bus *memory.Bus, addr uint64, is64 bool, setDirty bool) *exceptions.Exception {
	if is64 {
		v, err := bus.ReadU64(addr)
		if err != nil {
			return exceptions.PageFault(addr, 0)
		}
		v |= entAccessed
		if setDirty {
			v |= entDirty
		}
		if err := bus.WriteU64(addr, v); err != nil {
			return exceptions.PageFault(addr, 0)
		}
		return nil
	}
	v, err := bus.ReadU32(addr)
	if err != nil {
		return exceptions.PageFault(addr, 0)
	}
	v |= entAccessed
	if setDirty {
		v |= entDirty
	}
	if err := bus.WriteU32(addr, uint32(v)); err != nil {
		return exceptions.PageFault(addr, 0)
	}
	return nil
}

// walk32 is the legacy 2-level, 4-byte-entry walk (optionally PSE 4M leaves).
func (m *Mmu) walk32(bus *memory.Bus, vaddr uint64, access Access, in WalkInput) (Entry, *exceptions.Exception) {
	user := in.CPL == 3
	pdeAddr := (in.CR3 &^ 0xfff) + ((vaddr >> 22) & 0x3ff)*4
	pde, err := bus.ReadU32(pdeAddr)
	if err != nil || pde&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}

	if m.pse && pde&entPS != 0 {
		if ferr := accessAndDirty(bus, pdeAddr, false, access == AccessWrite); ferr != nil {
			return Entry{}, ferr
		}
		vbase := vaddr &^ (Size4M.Bytes() - 1)
		pbase := (uint64(pde) &^ 0x3fffff) & 0xffffffff
		return newEntry(vbase, pbase, Size4M, 0, EntryAttributes{
			User: pde&entUser != 0, Writable: pde&entWrite != 0,
			LeafAddr: pdeAddr, LeafIs64: false, Dirty: access == AccessWrite,
		}), nil
	}

	if ferr := accessAndDirty(bus, pdeAddr, false, false); ferr != nil {
		return Entry{}, ferr
	}

	ptAddr := (uint64(pde) &^ 0xfff) + ((vaddr >> 12) & 0x3ff)*4
	pte, err := bus.ReadU32(ptAddr)
	if err != nil || pte&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}
	if ferr := accessAndDirty(bus, ptAddr, false, access == AccessWrite); ferr != nil {
		return Entry{}, ferr
	}

	vbase := vaddr &^ (Size4K.Bytes() - 1)
	pbase := uint64(pte) &^ 0xfff
	return newEntry(vbase, pbase, Size4K, 0, EntryAttributes{
		User:     pde&entUser != 0 && pte&entUser != 0,
		Writable: pde&entWrite != 0 && pte&entWrite != 0,
		LeafAddr: ptAddr, LeafIs64: false, Dirty: access == AccessWrite,
	}), nil
}

// walkPAE is the 3-level, 8-byte-entry walk (2M or 4K leaves). The top-level
// PDPTE contributes only its Present bit to the walk per the architecture;
// its U/S/R/W fields are folded in as always-granted so the effective
// permission is driven by the PDE/PTE levels below it.
func (m *Mmu) walkPAE(bus *memory.Bus, vaddr uint64, access Access, in WalkInput) (Entry, *exceptions.Exception) {
	user := in.CPL == 3
	pdpteAddr := (in.CR3 &^ 0x1f) + ((vaddr >> 30) & 0x3)*8
	pdpte, err := bus.ReadU64(pdpteAddr)
	if err != nil || pdpte&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}

	pdeAddr := (pdpte &^ 0xfff) + ((vaddr >> 21) & 0x1ff)*8
	pde, err := bus.ReadU64(pdeAddr)
	if err != nil || pde&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}

	if pde&entPS != 0 {
		if ferr := accessAndDirty(bus, pdeAddr, true, access == AccessWrite); ferr != nil {
			return Entry{}, ferr
		}
		vbase := vaddr &^ (Size2M.Bytes() - 1)
		pbase := pde &^ 0x1fffff
		return newEntry(vbase, pbase, Size2M, 0, EntryAttributes{
			User: pde&entUser != 0, Writable: pde&entWrite != 0, NX: pde&entNX != 0,
			Global: pde&entGlobal != 0 && m.pge, LeafAddr: pdeAddr, LeafIs64: true,
			Dirty: access == AccessWrite,
		}), nil
	}

	if ferr := accessAndDirty(bus, pdeAddr, true, false); ferr != nil {
		return Entry{}, ferr
	}

	pteAddr := (pde &^ 0xfff) + ((vaddr >> 12) & 0x1ff)*8
	pte, err := bus.ReadU64(pteAddr)
	if err != nil || pte&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}
	if ferr := accessAndDirty(bus, pteAddr, true, access == AccessWrite); ferr != nil {
		return Entry{}, ferr
	}

	vbase := vaddr &^ (Size4K.Bytes() - 1)
	pbase := pte &^ 0xfff
	return newEntry(vbase, pbase, Size4K, 0, EntryAttributes{
		User:     pde&entUser != 0 && pte&entUser != 0,
		Writable: pde&entWrite != 0 && pte&entWrite != 0,
		NX:       pde&entNX != 0 || pte&entNX != 0,
		Global:   pte&entGlobal != 0 && m.pge,
		LeafAddr: pteAddr, LeafIs64: true, Dirty: access == AccessWrite,
	}), nil
}

// walkIA32e4 is the 4-level long-mode walk (1G/2M/4K leaves), PCID-tagged.
func (m *Mmu) walkIA32e4(bus *memory.Bus, vaddr uint64, access Access, in WalkInput) (Entry, *exceptions.Exception) {
	user := in.CPL == 3
	pcid := m.curPCID

	pml4Addr := (in.CR3 &^ 0xfff) + ((vaddr >> 39) & 0x1ff)*8
	pml4e, err := bus.ReadU64(pml4Addr)
	if err != nil || pml4e&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}
	if ferr := accessAndDirty(bus, pml4Addr, true, false); ferr != nil {
		return Entry{}, ferr
	}
	permUser, permWrite, permNX := pml4e&entUser != 0, pml4e&entWrite != 0, pml4e&entNX != 0

	pdpteAddr := (pml4e &^ 0xfff) + ((vaddr >> 30) & 0x1ff)*8
	pdpte, err := bus.ReadU64(pdpteAddr)
	if err != nil || pdpte&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}
	permUser = permUser && pdpte&entUser != 0
	permWrite = permWrite && pdpte&entWrite != 0
	permNX = permNX || pdpte&entNX != 0

	if pdpte&entPS != 0 {
		if ferr := accessAndDirty(bus, pdpteAddr, true, access == AccessWrite); ferr != nil {
			return Entry{}, ferr
		}
		vbase := vaddr &^ (Size1G.Bytes() - 1)
		pbase := pdpte &^ 0x3fffffff
		return newEntry(vbase, pbase, Size1G, pcid, EntryAttributes{
			User: permUser, Writable: permWrite, NX: permNX,
			Global: pdpte&entGlobal != 0 && m.pge, LeafAddr: pdpteAddr, LeafIs64: true,
			Dirty: access == AccessWrite,
		}), nil
	}
	if ferr := accessAndDirty(bus, pdpteAddr, true, false); ferr != nil {
		return Entry{}, ferr
	}

	pdeAddr := (pdpte &^ 0xfff) + ((vaddr >> 21) & 0x1ff)*8
	pde, err := bus.ReadU64(pdeAddr)
	if err != nil || pde&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}
	permUser = permUser && pde&entUser != 0
	permWrite = permWrite && pde&entWrite != 0
	permNX = permNX || pde&entNX != 0

	if pde&entPS != 0 {
		if ferr := accessAndDirty(bus, pdeAddr, true, access == AccessWrite); ferr != nil {
			return Entry{}, ferr
		}
		vbase := vaddr &^ (Size2M.Bytes() - 1)
		pbase := pde &^ 0x1fffff
		return newEntry(vbase, pbase, Size2M, pcid, EntryAttributes{
			User: permUser, Writable: permWrite, NX: permNX,
			Global: pde&entGlobal != 0 && m.pge, LeafAddr: pdeAddr, LeafIs64: true,
			Dirty: access == AccessWrite,
		}), nil
	}
	if ferr := accessAndDirty(bus, pdeAddr, true, false); ferr != nil {
		return Entry{}, ferr
	}

	pteAddr := (pde &^ 0xfff) + ((vaddr >> 12) & 0x1ff)*8
	pte, err := bus.ReadU64(pteAddr)
	if err != nil || pte&entPresent == 0 {
		return Entry{}, exceptions.PageFault(vaddr, faultCode(access, user))
	}
	permUser = permUser && pte&entUser != 0
	permWrite = permWrite && pte&entWrite != 0
	permNX = permNX || pte&entNX != 0
	if ferr := accessAndDirty(bus, pteAddr, true, access == AccessWrite); ferr != nil {
		return Entry{}, ferr
	}

	vbase := vaddr &^ (Size4K.Bytes() - 1)
	pbase := pte &^ 0xfff
	return newEntry(vbase, pbase, Size4K, pcid, EntryAttributes{
		User: permUser, Writable: permWrite, NX: permNX,
		Global: pte&entGlobal != 0 && m.pge, LeafAddr: pteAddr, LeafIs64: true,
		Dirty: access == AccessWrite,
	}), nil
}
