/*
 * x86core - Paging MMU
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

// Package mmu implements linear-to-physical translation: the set-associative
// TLB (tlb.go, grounded directly on the reference TLB implementation) and the
// multi-level page-walk algorithm that backs it.
package mmu

import (
	"github.com/rcornwell/x86core/exceptions"
	"github.com/rcornwell/x86core/internal/trace"
	"github.com/rcornwell/x86core/memory"
)

// Mode selects the paging hierarchy shape. Each mode has a fixed legal
// page-size set so TLB lookup never scans impossible sizes.
type Mode int

const (
	Disabled Mode = iota
	Mode32       // legacy 2-level, optionally PSE (4M pages)
	ModePAE      // 3-level PAE, 2M/4K pages
	ModeIA32e4   // 4-level long mode, 1G/2M/4K pages
)

// Access is the kind of reference being translated.
type Access int

const (
	AccessExec Access = iota
	AccessRead
	AccessWrite
)

// Mmu owns the TLB and the feature bits that shape the page walk: SMEP/SMAP
// enforcement, PSE (4M pages in 32-bit mode), and PCID.
type Mmu struct {
	tlb *Tlb

	mode   Mode
	pse    bool
	pge    bool
	pcide  bool
	smep   bool
	smap   bool
	nxe    bool // EFER.NXE: NX bit is honored only when set
	curPCID uint16
}

// New returns an Mmu with paging disabled and a cold TLB.
func New() *Mmu {
	return &Mmu{tlb: NewTlb(), mode: Disabled}
}

// SetPagingMode reconfigures the walk shape and feature bits. Any change
// that alters translation semantics triggers a full TLB flush, per the
// "full flush on any change" contract.
func (m *Mmu) SetPagingMode(mode Mode, pse, pge, pcide, smep, smap, nxe bool) {
	if mode != m.mode || pse != m.pse || pge != m.pge || pcide != m.pcide ||
		smep != m.smep || smap != m.smap || nxe != m.nxe {
		m.tlb.FlushAll()
	}
	m.mode, m.pse, m.pge, m.pcide, m.smep, m.smap, m.nxe = mode, pse, pge, pcide, smep, smap, nxe
}

// OnCr3Write applies the CR3-write flush policy (see Tlb.OnCr3Write) and
// records the new current PCID (0 when PCID is disabled).
func (m *Mmu) OnCr3Write(newPCID uint16, noFlush bool) {
	m.tlb.OnCr3Write(m.pge, m.pcide, newPCID, noFlush)
	m.curPCID = newPCID
}

// InvalidatePage implements INVLPG.
func (m *Mmu) InvalidatePage(vaddr uint64) {
	m.tlb.InvalidateAddressAll(vaddr)
}

// InvalidatePcid implements INVPCID.
func (m *Mmu) InvalidatePcid(pcid uint16, kind InvpcidType, vaddr uint64) {
	m.tlb.Invpcid(pcid, kind, vaddr)
}

func (m *Mmu) lookupPageSizes() LookupPageSizes {
	switch m.mode {
	case ModeIA32e4:
		return Size1G2MAnd4K
	case ModePAE:
		return Size2MAnd4K
	case Mode32:
		if m.pse {
			return Size4MAnd4K
		}
		return Only4K
	default:
		return Only4K
	}
}

// WalkInput carries the privilege context a translation needs beyond the
// linear address: CPL and whether EFLAGS.AC is set (for SMAP).
type WalkInput struct {
	CR3  uint64
	CPL  int
	ACSet bool
}

// Translate resolves a linear address to a physical one, consulting the TLB
// first and walking the paging hierarchy on miss. access/user together
// select the permission check; size is informational (byte count of the
// access) and is not used to cross page boundaries — callers split
// page-crossing accesses themselves.
func (m *Mmu) Translate(bus *memory.Bus, vaddr uint64, access Access, in WalkInput) (uint64, *exceptions.Exception) {
	if m.mode == Disabled {
		return vaddr, nil
	}

	isExec := access == AccessExec
	if e, ok := m.tlb.Lookup(vaddr, isExec, m.curPCID, m.lookupPageSizes()); ok {
		if err := m.checkPermission(e, access, in); err != nil {
			return 0, err
		}
		phys := e.Translate(vaddr)
		if access == AccessWrite && !e.Dirty {
			m.writebackDirty(bus, e)
			m.tlb.SetDirty(e.VBase, e.PageSize, isExec, e.PCID)
		}
		trace.Tracef(trace.MMU, "mmu: hit vaddr=%#x -> phys=%#x", vaddr, phys)
		return phys, nil
	}

	entry, err := m.walk(bus, vaddr, access, in)
	if err != nil {
		return 0, err
	}
	if err := m.checkPermission(&entry, access, in); err != nil {
		return 0, err
	}
	m.tlb.Insert(isExec, entry)
	trace.Tracef(trace.MMU, "mmu: walk vaddr=%#x -> phys=%#x size=%v", vaddr, entry.Translate(vaddr), entry.PageSize)
	return entry.Translate(vaddr), nil
}

func (m *Mmu) checkPermission(e *Entry, access Access, in WalkInput) *exceptions.Exception {
	user := in.CPL == 3
	errCode := uint32(exceptions.PFPresent)
	if access == AccessWrite {
		errCode |= exceptions.PFWrite
	}
	if user {
		errCode |= exceptions.PFUser
	}
	if access == AccessExec {
		errCode |= exceptions.PFInstr
	}

	if user && !e.User {
		return exceptions.PageFault(0, errCode)
	}
	if access == AccessWrite && !e.Writable {
		return exceptions.PageFault(0, errCode)
	}
	if access == AccessExec {
		if e.NX && m.nxe {
			return exceptions.PageFault(0, errCode)
		}
		if !user && e.User && m.smep {
			return exceptions.PageFault(0, errCode)
		}
	}
	if access != AccessExec && !user && e.User && m.smap && !in.ACSet {
		return exceptions.PageFault(0, errCode)
	}
	return nil
}

func (m *Mmu) writebackDirty(bus *memory.Bus, e *Entry) {
	if e.LeafIs64 {
		v, err := bus.ReadU64(e.LeafAddr)
		if err != nil {
			return
		}
		bus.WriteU64(e.LeafAddr, v|(1<<6))
	} else {
		v, err := bus.ReadU32(e.LeafAddr)
		if err != nil {
			return
		}
		bus.WriteU32(e.LeafAddr, v|(1<<6))
	}
	e.Dirty = true
}
