/*
 * x86core - One- and two-byte opcode tables
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

var aluMnemonics = [8]Mnemonic{ADD, OR, ADC, SBB, AND, SUB, XOR, CMP}

func decodeOneByte(s *stream, d *DecodedInstruction, opcode byte, addrSize int) error {
	if opcode <= 0x3D && (opcode&0x7) <= 5 {
		group := opcode >> 3
		return decodeALUForm(s, d, aluMnemonics[group], opcode&0x7, addrSize)
	}

	switch {
	case opcode >= 0x50 && opcode <= 0x57:
		d.Mnemonic = PUSH
		d.opWidth = 64
		reg := int(opcode - 0x50)
		if d.Prefixes.RexB {
			reg |= 8
		}
		d.Operands = []Operand{{Kind: KindReg, Size: 64, Reg: reg}}
		return nil

	case opcode >= 0x58 && opcode <= 0x5F:
		d.Mnemonic = POP
		d.opWidth = 64
		reg := int(opcode - 0x58)
		if d.Prefixes.RexB {
			reg |= 8
		}
		d.Operands = []Operand{{Kind: KindReg, Size: 64, Reg: reg}}
		return nil

	case opcode >= 0x70 && opcode <= 0x7F:
		rel, err := readImm(s, 8)
		if err != nil {
			return err
		}
		d.Mnemonic = JCC
		d.Cond = int(opcode - 0x70)
		d.Operands = []Operand{{Kind: KindNearBranch, Imm: rel}}
		return nil

	case opcode == 0x84 || opcode == 0x85:
		width := byteOrWidth(opcode, d.opWidth)
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.Mnemonic = TEST
		d.opWidth = width
		d.Operands = []Operand{rm, regOperand(m.reg, width)}
		return nil

	case opcode == 0x86 || opcode == 0x87:
		width := byteOrWidth(opcode, d.opWidth)
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.Mnemonic = XCHG
		d.opWidth = width
		d.Operands = []Operand{rm, regOperand(m.reg, width)}
		return nil

	case opcode >= 0x88 && opcode <= 0x8B:
		toReg := opcode == 0x8A || opcode == 0x8B
		width := byteOrWidth(opcode, d.opWidth)
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.Mnemonic = MOV
		d.opWidth = width
		reg := regOperand(m.reg, width)
		if toReg {
			d.Operands = []Operand{reg, rm}
		} else {
			d.Operands = []Operand{rm, reg}
		}
		return nil

	case opcode == 0x8D:
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, d.opWidth)
		if err != nil {
			return err
		}
		if rm.Kind != KindMem {
			return &DecodeError{Reason: "LEA with register operand"}
		}
		d.Mnemonic = LEA
		d.Operands = []Operand{regOperand(m.reg, d.opWidth), rm}
		return nil

	case opcode == 0x90:
		d.Mnemonic = NOP
		return nil

	case opcode == 0x9C:
		d.Mnemonic = PUSHF
		return nil

	case opcode == 0x9D:
		d.Mnemonic = POPF
		return nil

	case opcode == 0xA4 || opcode == 0xA5:
		d.Mnemonic = MOVS
		d.opWidth = byteOrWidth(opcode, d.opWidth)
		return nil
	case opcode == 0xA6 || opcode == 0xA7:
		d.Mnemonic = CMPS
		d.opWidth = byteOrWidth(opcode, d.opWidth)
		return nil
	case opcode == 0xAA || opcode == 0xAB:
		d.Mnemonic = STOS
		d.opWidth = byteOrWidth(opcode, d.opWidth)
		return nil
	case opcode == 0xAC || opcode == 0xAD:
		d.Mnemonic = LODS
		d.opWidth = byteOrWidth(opcode, d.opWidth)
		return nil
	case opcode == 0xAE || opcode == 0xAF:
		d.Mnemonic = SCAS
		d.opWidth = byteOrWidth(opcode, d.opWidth)
		return nil

	case opcode >= 0xB0 && opcode <= 0xB7:
		imm, err := readImm(s, 8)
		if err != nil {
			return err
		}
		reg := int(opcode - 0xB0)
		if d.Prefixes.RexB {
			reg |= 8
		}
		d.Mnemonic = MOV
		d.opWidth = 8
		d.Operands = []Operand{{Kind: KindReg, Size: 8, Reg: reg}, {Kind: KindImm, Size: 8, Imm: imm}}
		return nil

	case opcode >= 0xB8 && opcode <= 0xBF:
		immBits := d.opWidth
		if immBits == 64 {
			immBits = 64
		}
		imm, err := readImm(s, immBits)
		if err != nil {
			return err
		}
		reg := int(opcode - 0xB8)
		if d.Prefixes.RexB {
			reg |= 8
		}
		d.Mnemonic = MOV
		d.Operands = []Operand{{Kind: KindReg, Size: d.opWidth, Reg: reg}, {Kind: KindImm, Size: immBits, Imm: imm}}
		return nil

	case opcode == 0xC0 || opcode == 0xC1:
		return decodeShiftGroup(s, d, addrSize, opcode)
	case opcode == 0xD0 || opcode == 0xD1:
		return decodeShiftGroupBy(s, d, addrSize, opcode, 1)
	case opcode == 0xD2 || opcode == 0xD3:
		return decodeShiftGroupByCL(s, d, addrSize, opcode)

	case opcode == 0xC2:
		imm, err := readImm(s, 16)
		if err != nil {
			return err
		}
		d.Mnemonic = RET
		d.Operands = []Operand{{Kind: KindImm, Size: 16, Imm: imm}}
		return nil
	case opcode == 0xC3:
		d.Mnemonic = RET
		return nil

	case opcode == 0xC6 || opcode == 0xC7:
		width := byteOrWidth(opcode, d.opWidth)
		_, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		imm, err := readImm(s, immSize(width))
		if err != nil {
			return err
		}
		d.Mnemonic = MOV
		d.opWidth = width
		d.Operands = []Operand{rm, {Kind: KindImm, Size: width, Imm: imm}}
		return nil

	case opcode == 0xCC:
		d.Mnemonic = INT3
		return nil
	case opcode == 0xCD:
		imm, err := readImm(s, 8)
		if err != nil {
			return err
		}
		d.Mnemonic = INT
		d.Operands = []Operand{{Kind: KindImm, Size: 8, Imm: imm}}
		return nil

	case opcode >= 0xE0 && opcode <= 0xE3:
		rel, err := readImm(s, 8)
		if err != nil {
			return err
		}
		switch opcode {
		case 0xE0:
			d.Mnemonic = LOOPNE
		case 0xE1:
			d.Mnemonic = LOOPE
		case 0xE2:
			d.Mnemonic = LOOP
		case 0xE3:
			d.Mnemonic = JCXZ
		}
		d.Operands = []Operand{{Kind: KindNearBranch, Imm: rel}}
		return nil

	case opcode == 0xE8:
		rel, err := readImm(s, 32)
		if err != nil {
			return err
		}
		d.Mnemonic = CALL
		d.Operands = []Operand{{Kind: KindNearBranch, Imm: rel}}
		return nil
	case opcode == 0xE9:
		rel, err := readImm(s, 32)
		if err != nil {
			return err
		}
		d.Mnemonic = JMP
		d.Operands = []Operand{{Kind: KindNearBranch, Imm: rel}}
		return nil
	case opcode == 0xEB:
		rel, err := readImm(s, 8)
		if err != nil {
			return err
		}
		d.Mnemonic = JMP
		d.Operands = []Operand{{Kind: KindNearBranch, Imm: rel}}
		return nil

	case opcode == 0xF4:
		d.Mnemonic = HLT
		return nil
	case opcode == 0xF5:
		d.Mnemonic = CMC
		return nil
	case opcode == 0xF6 || opcode == 0xF7:
		return decodeUnaryGroup(s, d, addrSize, opcode)
	case opcode == 0xF8:
		d.Mnemonic = CLC
		return nil
	case opcode == 0xF9:
		d.Mnemonic = STC
		return nil
	case opcode == 0xFA:
		d.Mnemonic = CLI
		return nil
	case opcode == 0xFB:
		d.Mnemonic = STI
		return nil
	case opcode == 0xFC:
		d.Mnemonic = CLD
		return nil
	case opcode == 0xFD:
		d.Mnemonic = STD
		return nil
	case opcode == 0xFE || opcode == 0xFF:
		return decodeIncDecGroup(s, d, addrSize, opcode == 0xFF)
	}

	return ErrInvalidOpcode
}

func decodeALUForm(s *stream, d *DecodedInstruction, mn Mnemonic, form byte, addrSize int) error {
	d.Mnemonic = mn
	switch form {
	case 0, 1: // Eb,Gb / Ev,Gv
		width := d.opWidth
		if form == 0 {
			width = 8
		}
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.opWidth = width
		d.Operands = []Operand{rm, regOperand(m.reg, width)}
	case 2, 3: // Gb,Eb / Gv,Ev
		width := 8
		if form == 3 {
			width = d.opWidth
		}
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.opWidth = width
		d.Operands = []Operand{regOperand(m.reg, width), rm}
	case 4: // AL, ib
		imm, err := readImm(s, 8)
		if err != nil {
			return err
		}
		d.opWidth = 8
		d.Operands = []Operand{{Kind: KindReg, Size: 8, Reg: 0}, {Kind: KindImm, Size: 8, Imm: imm}}
	case 5: // eAX, iz
		imm, err := readImm(s, immSize(d.opWidth))
		if err != nil {
			return err
		}
		d.Operands = []Operand{{Kind: KindReg, Size: d.opWidth, Reg: 0}, {Kind: KindImm, Size: d.opWidth, Imm: imm}}
	default:
		return ErrInvalidOpcode
	}
	return nil
}

func byteOrWidth(opcode byte, width int) int {
	if opcode&1 == 0 {
		return 8
	}
	return width
}

func regOperand(reg, width int) Operand {
	return Operand{Kind: KindReg, Size: width, Reg: reg}
}

// shiftOps maps a ModRM.reg field (0..7) to the shift/rotate mnemonic for
// opcode groups 0xC0/0xC1/0xD0-0xD3.
var shiftOps = [8]Mnemonic{ROL, ROR, RCL, RCR, SHL, SHR, SHL, SAR}

func decodeShiftGroup(s *stream, d *DecodedInstruction, addrSize int, opcode byte) error {
	width := byteOrWidth(opcode, d.opWidth)
	m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
	if err != nil {
		return err
	}
	d.Mnemonic = shiftOps[m.reg&7]
	d.opWidth = width
	imm, err := readImm(s, 8)
	if err != nil {
		return err
	}
	d.Operands = []Operand{rm, {Kind: KindImm, Size: 8, Imm: imm}}
	return nil
}

func decodeShiftGroupBy(s *stream, d *DecodedInstruction, addrSize int, opcode byte, by int64) error {
	width := byteOrWidth(opcode, d.opWidth)
	m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
	if err != nil {
		return err
	}
	d.Mnemonic = shiftOps[m.reg&7]
	d.opWidth = width
	d.Operands = []Operand{rm, {Kind: KindImm, Size: 8, Imm: by}}
	return nil
}

func decodeShiftGroupByCL(s *stream, d *DecodedInstruction, addrSize int, opcode byte) error {
	width := byteOrWidth(opcode, d.opWidth)
	m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
	if err != nil {
		return err
	}
	d.Mnemonic = shiftOps[m.reg&7]
	d.opWidth = width
	d.Operands = []Operand{rm, {Kind: KindReg, Size: 8, Reg: 1}} // CL
	return nil
}

func decodeUnaryGroup(s *stream, d *DecodedInstruction, addrSize int, opcode byte) error {
	width := byteOrWidth(opcode, d.opWidth)
	m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
	if err != nil {
		return err
	}
	switch m.reg & 7 {
	case 0, 1:
		imm, err := readImm(s, immSize(width))
		if err != nil {
			return err
		}
		d.Mnemonic = TEST
		d.Operands = []Operand{rm, {Kind: KindImm, Size: width, Imm: imm}}
	case 2:
		d.Mnemonic = NOT
		d.Operands = []Operand{rm}
	case 3:
		d.Mnemonic = NEG
		d.Operands = []Operand{rm}
	case 4:
		d.Mnemonic = MUL
		d.Operands = []Operand{rm}
	case 5:
		d.Mnemonic = IMUL
		d.Operands = []Operand{rm}
	case 6:
		d.Mnemonic = DIV
		d.Operands = []Operand{rm}
	case 7:
		d.Mnemonic = IDIV
		d.Operands = []Operand{rm}
	}
	d.opWidth = width
	return nil
}

func decodeIncDecGroup(s *stream, d *DecodedInstruction, addrSize int, wide bool) error {
	width := 8
	if wide {
		width = d.opWidth
	}
	m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
	if err != nil {
		return err
	}
	switch m.reg & 7 {
	case 0:
		d.Mnemonic = INC
		d.Operands = []Operand{rm}
	case 1:
		d.Mnemonic = DEC
		d.Operands = []Operand{rm}
	case 2:
		d.Mnemonic = CALL
		d.Operands = []Operand{rm}
	case 4:
		d.Mnemonic = JMP
		d.Operands = []Operand{rm}
	case 6:
		d.Mnemonic = PUSH
		d.opWidth = 64
		d.Operands = []Operand{rm}
	default:
		return ErrInvalidOpcode
	}
	d.opWidth = width
	return nil
}

func decodeTwoByte(s *stream, d *DecodedInstruction, addrSize int) error {
	opcode, err := s.u8()
	if err != nil {
		return err
	}

	switch {
	case opcode >= 0x80 && opcode <= 0x8F:
		rel, err := readImm(s, 32)
		if err != nil {
			return err
		}
		d.Mnemonic = JCC
		d.Cond = int(opcode - 0x80)
		d.Operands = []Operand{{Kind: KindNearBranch, Imm: rel}}
		return nil

	case opcode == 0xB0 || opcode == 0xB1:
		width := byteOrWidth(opcode, d.opWidth)
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.Mnemonic = CMPXCHG
		d.opWidth = width
		d.Operands = []Operand{rm, regOperand(m.reg, width)}
		return nil

	case opcode == 0xB6 || opcode == 0xB7:
		srcWidth := 8
		if opcode == 0xB7 {
			srcWidth = 16
		}
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, srcWidth)
		if err != nil {
			return err
		}
		d.Mnemonic = MOVZX
		d.Operands = []Operand{regOperand(m.reg, d.opWidth), rm}
		return nil

	case opcode == 0xBE || opcode == 0xBF:
		srcWidth := 8
		if opcode == 0xBF {
			srcWidth = 16
		}
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, srcWidth)
		if err != nil {
			return err
		}
		d.Mnemonic = MOVSX
		d.Operands = []Operand{regOperand(m.reg, d.opWidth), rm}
		return nil

	case opcode == 0xA3 || opcode == 0xAB || opcode == 0xB3 || opcode == 0xBB:
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, d.opWidth)
		if err != nil {
			return err
		}
		d.Mnemonic = BTx
		d.Cond = int(opcode) // distinguishes BT/BTS/BTR/BTC by raw opcode
		d.Operands = []Operand{rm, regOperand(m.reg, d.opWidth)}
		return nil

	case opcode == 0xBA:
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, d.opWidth)
		if err != nil {
			return err
		}
		imm, err := readImm(s, 8)
		if err != nil {
			return err
		}
		d.Mnemonic = BTx
		d.Cond = 0xBA00 | (m.reg & 7)
		d.Operands = []Operand{rm, {Kind: KindImm, Size: 8, Imm: imm}}
		return nil

	case opcode == 0xC0 || opcode == 0xC1:
		width := byteOrWidth(opcode, d.opWidth)
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, width)
		if err != nil {
			return err
		}
		d.Mnemonic = XADD
		d.opWidth = width
		d.Operands = []Operand{rm, regOperand(m.reg, width)}
		return nil

	case opcode == 0xC7:
		m, rm, err := readModRM(s, &d.Prefixes, addrSize, d.opWidth)
		if err != nil {
			return err
		}
		if m.reg&7 != 1 || rm.Kind != KindMem {
			return ErrInvalidOpcode
		}
		if d.Prefixes.RexW {
			d.Mnemonic = CMPXCHG16B
			d.opWidth = 128
		} else {
			d.Mnemonic = CMPXCHG8B
			d.opWidth = 64
		}
		d.Operands = []Operand{rm}
		return nil

	case opcode == 0x1F: // multi-byte NOP (0F 1F /0)
		_, _, err := readModRM(s, &d.Prefixes, addrSize, d.opWidth)
		if err != nil {
			return err
		}
		d.Mnemonic = NOP
		return nil

	case opcode == 0x20: // MOV r64, CRn
		b, err := s.u8()
		if err != nil {
			return err
		}
		m := modrm{mod: int(b >> 6), reg: int((b >> 3) & 7), rm: int(b & 7)}
		d.Mnemonic = MOVCR
		d.Cond = 0 // read: GPR <- CRn
		d.Operands = []Operand{{Kind: KindReg, Size: 64, Reg: m.rm}, {Kind: KindReg, Size: 64, Reg: m.reg}}
		return nil
	case opcode == 0x22: // MOV CRn, r64
		b, err := s.u8()
		if err != nil {
			return err
		}
		m := modrm{mod: int(b >> 6), reg: int((b >> 3) & 7), rm: int(b & 7)}
		d.Mnemonic = MOVCR
		d.Cond = 1 // write: CRn <- GPR
		d.Operands = []Operand{{Kind: KindReg, Size: 64, Reg: m.reg}, {Kind: KindReg, Size: 64, Reg: m.rm}}
		return nil
	}

	return ErrInvalidOpcode
}
