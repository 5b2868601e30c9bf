/*
 * x86core - Tier-0 interpreter
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

package interp

import (
	"math/bits"

	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/decode"
	"github.com/rcornwell/x86core/exceptions"
)

// aluFlags is the six-flag result of one ALU operation, applied to RFLAGS by
// applyFlags. AF after a pure logic op (AND/OR/XOR/TEST) is architecturally
// undefined; this core defines it as always-cleared.
type aluFlags struct {
	cf, pf, af, zf, sf, of bool
}

func parity(v uint64) bool { return bits.OnesCount8(uint8(v))%2 == 0 }

// addWithFlags computes a+b(+carryIn) at the given width and returns the
// truncated result and its flags.
func addWithFlags(a, b uint64, width int, carryIn bool) (uint64, aluFlags) {
	a = truncate(a, width)
	b = truncate(b, width)
	c := uint64(0)
	if carryIn {
		c = 1
	}
	full := a + b + c
	result := truncate(full, width)

	var f aluFlags
	if width < 64 {
		f.cf = full>>width != 0
	} else {
		sum := a + b
		carryOut := sum < a
		if carryIn && sum+1 == 0 {
			carryOut = true
		}
		f.cf = carryOut
	}
	f.af = (a^b^result)&0x10 != 0
	f.pf = parity(result)
	f.zf = result == 0
	f.sf = result&signBit(width) != 0
	signA := a&signBit(width) != 0
	signB := b&signBit(width) != 0
	signR := result&signBit(width) != 0
	f.of = signA == signB && signR != signA
	return result, f
}

// subWithFlags computes a-b(-borrowIn) at the given width and returns the
// truncated result and its flags (CF is the borrow-out).
func subWithFlags(a, b uint64, width int, borrowIn bool) (uint64, aluFlags) {
	a = truncate(a, width)
	b = truncate(b, width)
	bi := uint64(0)
	if borrowIn {
		bi = 1
	}
	result := truncate(a-b-bi, width)

	var f aluFlags
	f.cf = a < b+bi || (bi == 1 && b == truncate(^uint64(0), width))
	f.af = (a^b^result)&0x10 != 0
	f.pf = parity(result)
	f.zf = result == 0
	f.sf = result&signBit(width) != 0
	signA := a&signBit(width) != 0
	signB := b&signBit(width) != 0
	signR := result&signBit(width) != 0
	f.of = signA != signB && signR != signA
	return result, f
}

// logicFlags computes the flags for AND/OR/XOR/TEST: CF and OF are always
// cleared, AF is cleared (the Open Question this core resolves as "always
// cleared" rather than "undefined"), and SF/ZF/PF come from the result.
func logicFlags(result uint64, width int) aluFlags {
	result = truncate(result, width)
	return aluFlags{
		cf: false,
		of: false,
		af: false,
		pf: parity(result),
		zf: result == 0,
		sf: result&signBit(width) != 0,
	}
}

func (m *Machine) applyFlags(f aluFlags) {
	m.State.SetFlag(cpustate.FlagCF, f.cf)
	m.State.SetFlag(cpustate.FlagPF, f.pf)
	m.State.SetFlag(cpustate.FlagAF, f.af)
	m.State.SetFlag(cpustate.FlagZF, f.zf)
	m.State.SetFlag(cpustate.FlagSF, f.sf)
	m.State.SetFlag(cpustate.FlagOF, f.of)
}

func (m *Machine) execALU(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	width := d.OperandWidth()
	dst := d.Operands[0]
	srcVal, _, ex, err := m.readOperand(d.Operands[1], d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	dstVal, _, ex, err := m.readOperand(dst, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}

	var result uint64
	var f aluFlags
	switch d.Mnemonic {
	case decode.ADD:
		result, f = addWithFlags(dstVal, srcVal, width, false)
	case decode.ADC:
		result, f = addWithFlags(dstVal, srcVal, width, m.State.Flag(cpustate.FlagCF))
	case decode.SUB, decode.CMP:
		result, f = subWithFlags(dstVal, srcVal, width, false)
	case decode.SBB:
		result, f = subWithFlags(dstVal, srcVal, width, m.State.Flag(cpustate.FlagCF))
	case decode.AND, decode.TEST:
		result = truncate(dstVal&srcVal, width)
		f = logicFlags(result, width)
	case decode.OR:
		result = truncate(dstVal|srcVal, width)
		f = logicFlags(result, width)
	case decode.XOR:
		result = truncate(dstVal^srcVal, width)
		f = logicFlags(result, width)
	}
	m.applyFlags(f)

	if d.Mnemonic != decode.CMP && d.Mnemonic != decode.TEST {
		if ex, err := m.writeOperand(dst, d.NextRIP, rex, result, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execUnary(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	width := d.OperandWidth()
	op := d.Operands[0]
	v, _, ex, err := m.readOperand(op, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}

	switch d.Mnemonic {
	case decode.INC:
		result, f := addWithFlags(v, 1, width, false)
		f.cf = m.State.Flag(cpustate.FlagCF) // INC/DEC never touch CF
		m.applyFlags(f)
		if ex, err := m.writeOperand(op, d.NextRIP, rex, result, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	case decode.DEC:
		result, f := subWithFlags(v, 1, width, false)
		f.cf = m.State.Flag(cpustate.FlagCF)
		m.applyFlags(f)
		if ex, err := m.writeOperand(op, d.NextRIP, rex, result, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	case decode.NOT:
		result := truncate(^v, width)
		if ex, err := m.writeOperand(op, d.NextRIP, rex, result, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	case decode.NEG:
		result, f := subWithFlags(0, v, width, false)
		f.cf = v != 0
		m.applyFlags(f)
		if ex, err := m.writeOperand(op, d.NextRIP, rex, result, 0); ex != nil || err != nil {
			return Result{}, ex, err
		}
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func (m *Machine) execShift(d *decode.DecodedInstruction) (Result, *exceptions.Exception, error) {
	rex := d.Prefixes.Rex
	width := d.OperandWidth()
	dst := d.Operands[0]
	v, _, ex, err := m.readOperand(dst, d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	countVal, _, ex, err := m.readOperand(d.Operands[1], d.NextRIP, rex)
	if ex != nil || err != nil {
		return Result{}, ex, err
	}
	count := int(countVal) & 0x1f
	if width == 64 {
		count = int(countVal) & 0x3f
	}
	if count == 0 {
		m.State.SetRIP(d.NextRIP)
		return Result{Outcome: Continue}, nil, nil
	}

	var result uint64
	var cf, of bool
	switch d.Mnemonic {
	case decode.SHL:
		result = truncate(v<<uint(count), width)
		cf = count <= width && (v<<uint(count-1))&signBit(width) != 0
		of = count == 1 && (result&signBit(width) != 0) != cf
	case decode.SHR:
		uv := truncate(v, width)
		result = uv >> uint(count)
		cf = (uv>>uint(count-1))&1 != 0
		of = count == 1 && uv&signBit(width) != 0
	case decode.SAR:
		sv := signExtend(v, width)
		result = truncate(uint64(sv>>uint(count)), width)
		cf = (truncate(v, width)>>uint(count-1))&1 != 0
		of = false
	case decode.ROL:
		result = truncate(bitsRotateLeft(v, width, count), width)
		cf = result&1 != 0
		of = count == 1 && (result&signBit(width) != 0) != (cf)
	case decode.ROR:
		result = truncate(bitsRotateLeft(v, width, width-count%width), width)
		cf = result&signBit(width) != 0
		topTwo := (result >> (uint(width) - 2)) & 3
		of = count == 1 && (topTwo == 1 || topTwo == 2)
	case decode.RCL, decode.RCR:
		// Rotate-through-carry: treated as an ordinary rotate of width+1 bits
		// with CF as the extra bit, matching the architectural definition.
		result, cf, of = rotateThroughCarry(v, width, count, m.State.Flag(cpustate.FlagCF), d.Mnemonic == decode.RCL)
	}

	m.State.SetFlag(cpustate.FlagCF, cf)
	if count == 1 || d.Mnemonic == decode.RCL || d.Mnemonic == decode.RCR {
		m.State.SetFlag(cpustate.FlagOF, of)
	}
	if d.Mnemonic == decode.SHL || d.Mnemonic == decode.SHR || d.Mnemonic == decode.SAR {
		m.State.SetFlag(cpustate.FlagSF, result&signBit(width) != 0)
		m.State.SetFlag(cpustate.FlagZF, result == 0)
		m.State.SetFlag(cpustate.FlagPF, parity(result))
	}
	if ex, err := m.writeOperand(dst, d.NextRIP, rex, result, 0); ex != nil || err != nil {
		return Result{}, ex, err
	}
	m.State.SetRIP(d.NextRIP)
	return Result{Outcome: Continue}, nil, nil
}

func signExtend(v uint64, width int) int64 {
	v = truncate(v, width)
	if v&signBit(width) != 0 {
		return int64(v | ^((uint64(1) << width) - 1))
	}
	return int64(v)
}

func bitsRotateLeft(v uint64, width, count int) uint64 {
	v = truncate(v, width)
	count %= width
	if count == 0 {
		return v
	}
	return (v << uint(count)) | (v >> uint(width-count))
}

// rotateThroughCarry implements RCL/RCR as a rotate of the (width+1)-bit
// value formed by CF followed by the operand.
func rotateThroughCarry(v uint64, width, count int, cfIn bool, left bool) (result uint64, cfOut, ofOut bool) {
	v = truncate(v, width)
	modulus := width + 1
	count %= modulus
	cf := uint64(0)
	if cfIn {
		cf = 1
	}
	combined := v | (cf << uint(width))
	if !left {
		count = modulus - count
		if count == modulus {
			count = 0
		}
	}
	rotated := combined
	for i := 0; i < count; i++ {
		top := (rotated >> uint(width)) & 1
		rotated = ((rotated << 1) | top) & ((uint64(1) << uint(modulus)) - 1)
	}
	result = rotated & ((uint64(1) << uint(width)) - 1)
	cfOut = (rotated>>uint(width))&1 != 0
	if left {
		ofOut = (result&signBit(width) != 0) != cfOut
	} else {
		topTwo := (result >> uint(width-2)) & 3
		ofOut = topTwo == 1 || topTwo == 2
	}
	return result, cfOut, ofOut
}
