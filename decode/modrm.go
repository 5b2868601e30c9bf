/*
 * x86core - ModRM/SIB operand decoding
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

package decode

// modrm holds the raw ModRM byte fields plus the decoded reg/rm operands.
type modrm struct {
	mod, reg, rm int
}

func readModRM(s *stream, pfx *Prefixes, addrSize, regSize int) (modrm, Operand, error) {
	b, err := s.u8()
	if err != nil {
		return modrm{}, Operand{}, err
	}
	m := modrm{mod: int(b >> 6), reg: int((b >> 3) & 7), rm: int(b & 7)}
	if pfx.RexR {
		m.reg |= 8
	}

	if m.mod == 3 {
		rm := m.rm
		if pfx.RexB {
			rm |= 8
		}
		return m, Operand{Kind: KindReg, Size: regSize, Reg: rm}, nil
	}

	addr, err := readMemOperand(s, pfx, m, addrSize)
	if err != nil {
		return modrm{}, Operand{}, err
	}
	return m, Operand{Kind: KindMem, Size: regSize, Addr: addr}, nil
}

func readMemOperand(s *stream, pfx *Prefixes, m modrm, addrSize int) (EffectiveAddress, error) {
	ea := EffectiveAddress{Scale: 1, AddressSize: addrSize, HasBase: true}
	ea.Segment = defaultSegmentFor(m.rm, pfx)

	if addrSize == 16 {
		return read16BitMem(s, m)
	}

	rm := m.rm
	if pfx.RexB {
		rm |= 8
	}

	if m.rm == 4 {
		sibByte, err := s.u8()
		if err != nil {
			return ea, err
		}
		scale := 1 << (sibByte >> 6)
		index := int((sibByte >> 3) & 7)
		base := int(sibByte & 7)
		if pfx.RexX {
			index |= 8
		}
		if pfx.RexB {
			base |= 8
		}
		if index != 4 { // RSP/no-index encoding has no RexX effect at index=4
			ea.HasIndex = true
			ea.Index = index
			ea.Scale = scale
		}
		if base&7 == 5 && m.mod == 0 {
			disp, err := s.u32()
			if err != nil {
				return ea, err
			}
			ea.HasBase = false
			ea.Displacement = int64(int32(disp))
		} else {
			ea.Base = base
		}
	} else if m.rm == 5 && m.mod == 0 {
		disp, err := s.u32()
		if err != nil {
			return ea, err
		}
		ea.HasBase = addrSize != 64
		ea.Base = 5 // RBP encoding reused as RIP base marker when 64-bit
		ea.RipRelative = addrSize == 64
		ea.Displacement = int64(int32(disp))
		return ea, nil
	} else {
		ea.Base = rm
	}

	switch m.mod {
	case 1:
		disp, err := s.u8()
		if err != nil {
			return ea, err
		}
		ea.Displacement = int64(int8(disp))
	case 2:
		disp, err := s.u32()
		if err != nil {
			return ea, err
		}
		ea.Displacement = int64(int32(disp))
	}
	return ea, nil
}

func read16BitMem(s *stream, m modrm) (EffectiveAddress, error) {
	ea := EffectiveAddress{AddressSize: 16, Scale: 1}
	bases := [8][2]int{
		{3, 6}, {3, 7}, {5, 6}, {5, 7}, {6, -1}, {7, -1}, {5, -1}, {3, -1},
	}
	if m.mod == 0 && m.rm == 6 {
		disp, err := s.u16()
		if err != nil {
			return ea, err
		}
		ea.HasBase = false
		ea.Displacement = int64(int16(disp))
		return ea, nil
	}
	pair := bases[m.rm]
	ea.HasBase = true
	ea.Base = pair[0]
	if pair[1] >= 0 {
		ea.HasIndex = true
		ea.Index = pair[1]
	}
	switch m.mod {
	case 1:
		disp, err := s.u8()
		if err != nil {
			return ea, err
		}
		ea.Displacement = int64(int8(disp))
	case 2:
		disp, err := s.u16()
		if err != nil {
			return ea, err
		}
		ea.Displacement = int64(int16(disp))
	}
	return ea, nil
}

// defaultSegmentFor returns the implicit segment for a memory operand
// (SS for RBP/RSP-based addressing, DS otherwise), honoring an explicit
// segment-override prefix.
func defaultSegmentFor(rm int, pfx *Prefixes) int {
	if pfx.SegOverride >= 0 {
		return pfx.SegOverride
	}
	if rm == 4 || rm == 5 {
		return 2 // SS
	}
	return 3 // DS
}

func immSize(opSize int) int {
	if opSize == 64 {
		return 32 // immediates sign-extend from 32 bits in 64-bit operand size
	}
	return opSize
}

func readImm(s *stream, bits int) (int64, error) {
	switch bits {
	case 8:
		v, err := s.u8()
		return int64(int8(v)), err
	case 16:
		v, err := s.u16()
		return int64(int16(v)), err
	case 32:
		v, err := s.u32()
		return int64(int32(v)), err
	case 64:
		v, err := s.u64()
		return int64(v), err
	default:
		return 0, &DecodeError{Reason: "bad immediate size"}
	}
}
