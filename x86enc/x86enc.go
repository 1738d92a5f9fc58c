// Package x86enc provides the small instruction-encoding builders for
// the x86 and x86-64 targets: ModR/M, SIB and REX composition, register
// index mapping, condition-code handling, and the immediate split
// searches used by the rewriting strategies.
package x86enc

import (
	"golang.org/x/arch/x86/x86asm"
)

// ModR/M mod field values.
const (
	ModIndirect = 0 // [rm], no displacement (except rm=101 special case)
	ModDisp8    = 1 // [rm+disp8]
	ModDisp32   = 2 // [rm+disp32]
	ModDirect   = 3 // register operand
)

// ModRM composes a ModR/M byte from its three fields. reg and rm are
// 3-bit encoded indices; extension bits go into REX.
func ModRM(mod, reg, rm byte) byte {
	return (mod&3)<<6 | (reg&7)<<3 | (rm & 7)
}

// SIB composes a SIB byte. scale is the raw 2-bit exponent field.
func SIB(scale, index, base byte) byte {
	return (scale&3)<<6 | (index&7)<<3 | (base & 7)
}

// REX composes a REX prefix byte from its four extension bits.
func REX(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// RegIndex returns the 4-bit encoded index of a general-purpose
// register of any width, and whether the register is one the encoders
// handle. Index 8..15 requires a REX extension bit.
func RegIndex(r x86asm.Reg) (byte, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		// AL CL DL BL AH CH DH BH: high-byte registers encode 4..7
		return byte(r - x86asm.AL), true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return byte(r-x86asm.R8B) + 8, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return byte(r - x86asm.AX), true
	case r >= x86asm.R8W && r <= x86asm.R15W:
		return byte(r-x86asm.R8W) + 8, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return byte(r - x86asm.EAX), true
	case r >= x86asm.R8L && r <= x86asm.R15L:
		return byte(r-x86asm.R8L) + 8, true
	case r >= x86asm.RAX && r <= x86asm.RDI:
		return byte(r - x86asm.RAX), true
	case r >= x86asm.R8 && r <= x86asm.R15:
		return byte(r-x86asm.R8) + 8, true
	default:
		return 0, false
	}
}

// RegWidth returns the width in bits of a general-purpose register, or
// 0 if r is not a general-purpose register.
func RegWidth(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 8
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 32
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 64
	default:
		return 0
	}
}

// IsLowByteReg reports whether r is one of AL, CL, DL, BL: the byte
// registers that alias the low byte of a directly incrementable
// 16/32-bit register.
func IsLowByteReg(r x86asm.Reg) bool {
	return r >= x86asm.AL && r <= x86asm.BL
}

// Condition-code field values (the tttn nibble of Jcc/SETcc/CMOVcc).
const (
	CondO  = 0x0
	CondNO = 0x1
	CondB  = 0x2
	CondAE = 0x3
	CondE  = 0x4
	CondNE = 0x5
	CondBE = 0x6
	CondA  = 0x7
	CondS  = 0x8
	CondNS = 0x9
	CondP  = 0xA
	CondNP = 0xB
	CondL  = 0xC
	CondGE = 0xD
	CondLE = 0xE
	CondG  = 0xF
)

// CondFromOp maps a conditional-jump mnemonic to its tttn field.
func CondFromOp(op x86asm.Op) (byte, bool) {
	switch op {
	case x86asm.JO:
		return CondO, true
	case x86asm.JNO:
		return CondNO, true
	case x86asm.JB:
		return CondB, true
	case x86asm.JAE:
		return CondAE, true
	case x86asm.JE:
		return CondE, true
	case x86asm.JNE:
		return CondNE, true
	case x86asm.JBE:
		return CondBE, true
	case x86asm.JA:
		return CondA, true
	case x86asm.JS:
		return CondS, true
	case x86asm.JNS:
		return CondNS, true
	case x86asm.JP:
		return CondP, true
	case x86asm.JNP:
		return CondNP, true
	case x86asm.JL:
		return CondL, true
	case x86asm.JGE:
		return CondGE, true
	case x86asm.JLE:
		return CondLE, true
	case x86asm.JG:
		return CondG, true
	default:
		return 0, false
	}
}

// InvertCond flips a tttn condition field to its logical inverse.
// Every x86 condition pairs with its inverse by toggling the low bit.
func InvertCond(cc byte) byte { return cc ^ 1 }

// JccShortOpcode returns the one-byte opcode of the short form of the
// conditional jump with field cc.
func JccShortOpcode(cc byte) byte { return 0x70 + (cc & 0xF) }

// JccNearOpcode returns the two-byte opcode of the near form.
func JccNearOpcode(cc byte) [2]byte { return [2]byte{0x0F, 0x80 + (cc & 0xF)} }

// SplitAdd searches for an additive split v = a + b where both halves
// satisfy ok. Candidates are byte-boundary masks of v, deltas that
// replicate a single byte across all four lanes (so every lane of the
// delta stays clean at once), and a window of small perturbations.
func SplitAdd(v uint32, ok func(uint32) bool) (a, b uint32, found bool) {
	for _, mask := range [...]uint32{0x000000FF, 0x0000FFFF, 0x00FFFFFF} {
		a = v & mask
		b = v - a
		if a != 0 && b != 0 && ok(a) && ok(b) {
			return a, b, true
		}
	}
	for c := uint32(1); c <= 0xFF; c++ {
		d := c * 0x01010101
		a = v - d
		if a != 0 && ok(d) && ok(a) {
			return a, d, true
		}
	}
	for d := uint32(1); d <= 0x1FF; d++ {
		a = v - d
		if a != 0 && ok(d) && ok(a) {
			return a, d, true
		}
	}
	return 0, 0, false
}

// SplitSub searches for a subtractive split v = a - b with both halves
// satisfying ok, over the same candidate deltas as SplitAdd.
func SplitSub(v uint32, ok func(uint32) bool) (a, b uint32, found bool) {
	for c := uint32(1); c <= 0xFF; c++ {
		d := c * 0x01010101
		a = v + d
		if a != 0 && ok(d) && ok(a) {
			return a, d, true
		}
	}
	for d := uint32(1); d <= 0x1FF; d++ {
		a = v + d
		if a != 0 && ok(d) && ok(a) {
			return a, d, true
		}
	}
	return 0, 0, false
}

// FindXORKey searches for a key k such that both k and v^k satisfy ok.
// Candidate keys replicate a single byte across all four lanes so a
// one-byte scan covers the space.
func FindXORKey(v uint32, ok func(uint32) bool) (uint32, bool) {
	for b := uint32(1); b <= 0xFF; b++ {
		k := b * 0x01010101
		if ok(k) && ok(v^k) {
			return k, true
		}
	}
	return 0, false
}

// ShiftForm reports whether v can be written m << k with m in [1,127]
// and k at least 1.
// Returns the smallest such mantissa and its shift.
func ShiftForm(v uint32) (m byte, k byte, ok bool) {
	if v == 0 {
		return 0, 0, false
	}
	shift := byte(0)
	for v&1 == 0 {
		v >>= 1
		shift++
	}
	if v <= 0x7F && shift > 0 {
		return byte(v), shift, true
	}
	return 0, 0, false
}
