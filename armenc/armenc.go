// Package armenc provides the A32 word builders and field helpers used
// by the ARM32 rewriting strategies: the rotated 8-bit immediate
// encoder, data-processing and load/store composers, the 24-bit branch
// offset codec, condition-code inversion, and the bounded displacement
// split search.
package armenc

import "fmt"

// EncodeImmediate encodes a 32-bit value as an 8-bit immediate with a
// 4-bit even rotation, searching all 16 rotations. The returned field
// packs the rotation count in bits 11-8 and the payload in bits 7-0.
func EncodeImmediate(value uint32) (uint32, bool) {
	for rotate := uint32(0); rotate < 32; rotate += 2 {
		rotated := (value >> rotate) | (value << (32 - rotate))
		if rotated <= 0xFF {
			// We rotated right by 'rotate' to compress; the CPU rotates
			// right by the encoded count to decompress.
			decodeRotate := (32 - rotate) % 32
			return ((decodeRotate / 2) << 8) | rotated, true
		}
	}
	return 0, false
}

// DecodeImmediate expands a 12-bit rotated-immediate field back into
// its 32-bit value.
func DecodeImmediate(field uint32) uint32 {
	imm := field & Mask8Bit
	rotate := ((field >> 8) & Mask4Bit) * 2
	return (imm >> rotate) | (imm << (32 - rotate))
}

// IsEncodable reports whether value has at least one rotated-immediate
// encoding.
func IsEncodable(value uint32) bool {
	_, ok := EncodeImmediate(value)
	return ok
}

// EncodeImmediateAll returns every rotated-immediate field that decodes
// to value. Several exist when the payload has few significant bits;
// strategies search them for a clean instruction word.
func EncodeImmediateAll(value uint32) []uint32 {
	var fields []uint32
	for rot := uint32(0); rot < 16; rot++ {
		field := (rot << 8) | (value>>((32-2*rot)%32)|value<<(2*rot))&Mask8Bit
		if DecodeImmediate(field) == value {
			fields = append(fields, field)
		}
	}
	return fields
}

// InvertCondition returns the logical inverse of a condition code. The
// 14 meaningful codes pair by toggling the low bit; AL and NV have no
// inverse and the request fails.
func InvertCondition(cond uint32) (uint32, error) {
	if cond >= CondAL {
		return 0, fmt.Errorf("condition %X has no inverse", cond)
	}
	return cond ^ 1, nil
}

// DataProcImm composes a data-processing instruction with a rotated
// immediate operand2 field.
// Format: cond 001 opcode S Rn Rd imm12
func DataProcImm(cond, opcode, sBit, rn, rd, imm12 uint32) uint32 {
	return (cond << ConditionShift) | (1 << ImmBitShift) | (opcode << OpcodeShift) |
		(sBit << SBitShift) | (rn << RnShift) | (rd << RdShift) | (imm12 & Mask12Bit)
}

// DataProcReg composes a data-processing instruction with an unshifted
// register operand2.
// Format: cond 000 opcode S Rn Rd 00000000 Rm
func DataProcReg(cond, opcode, sBit, rn, rd, rm uint32) uint32 {
	return (cond << ConditionShift) | (opcode << OpcodeShift) |
		(sBit << SBitShift) | (rn << RnShift) | (rd << RdShift) | (rm & Mask4Bit)
}

// LoadStoreImm composes a single-register load/store with an immediate
// offset. The offset magnitude must be at most 4095.
// Format: cond 010 P U B W L Rn Rd offset12
func LoadStoreImm(cond uint32, load, byteAccess bool, rn, rd uint32, offset int32) (uint32, error) {
	uBit := uint32(1)
	mag := offset
	if offset < 0 {
		uBit = 0
		mag = -offset
	}
	if mag > MaxOffset12Bit {
		return 0, fmt.Errorf("load/store offset %d out of range", offset)
	}
	word := (cond << ConditionShift) | (1 << 26) | (1 << PBitShift) | (uBit << UBitShift) |
		(rn << RnShift) | (rd << RdShift) | uint32(mag)
	if load {
		word |= 1 << LBitShift
	}
	if byteAccess {
		word |= 1 << BBitShift
	}
	return word, nil
}

// Branch composes a B or BL with the given signed word offset (the
// 24-bit field value, already excluding the pipeline adjustment).
func Branch(cond uint32, wordOffset int32, link bool) (uint32, error) {
	if wordOffset < MinBranchOffsetNeg || wordOffset > MaxBranchOffsetPos {
		return 0, fmt.Errorf("branch offset %d out of 24-bit range", wordOffset)
	}
	lBit := uint32(0)
	if link {
		lBit = 1
	}
	encoded := uint32(wordOffset) & Mask24Bit
	return (cond << ConditionShift) | (5 << 25) | (lBit << BranchLinkShift) | encoded, nil
}

// BranchOffset extracts the sign-extended word offset of a B/BL word.
func BranchOffset(word uint32) int32 {
	off := int32(word&Mask24Bit) << 8 >> 8
	return off
}

// IsBranch reports whether word encodes B or BL (not BX).
func IsBranch(word uint32) bool {
	return (word>>25)&0x7 == 5
}

// IsBranchLink reports whether word encodes BL.
func IsBranchLink(word uint32) bool {
	return IsBranch(word) && (word>>BranchLinkShift)&1 == 1
}

// Cond extracts the condition field of an instruction word.
func Cond(word uint32) uint32 { return word >> ConditionShift }

// NOP returns the canonical A32 no-op, MOV R0, R0, under the given
// condition.
func NOP(cond uint32) uint32 {
	return DataProcReg(cond, OpMOV, 0, 0, 0, 0)
}

// InDisplacementRange reports whether d is a legal single load/store
// displacement.
func InDisplacementRange(d int32) bool {
	return d >= -MaxOffset12Bit && d <= MaxOffset12Bit
}

// SplitDisplacement finds (pre, residual) with pre+residual = d, both
// within the single-displacement range, pre accepted by okPre and
// residual by okRes. The predicates receive the candidate components;
// callers pass closures that build and byte-check the full pre-adjust
// and load/store words. pre is enumerated over a bounded window around
// d rounded toward zero to a multiple of 256, then around d/2.
func SplitDisplacement(d int32, okPre, okRes func(int32) bool) (pre, residual int32, found bool) {
	if d == 0 || d < -MaxOffset12Bit || d > MaxOffset12Bit {
		return 0, 0, false
	}
	try := func(p int32) bool {
		r := d - p
		if p == 0 || r == 0 {
			return false
		}
		if !InDisplacementRange(p) || !InDisplacementRange(r) {
			return false
		}
		if okPre(p) && okRes(r) {
			pre, residual = p, r
			return true
		}
		return false
	}
	// The byte-boundary base first, then the halfway base, each with a
	// window of ±255.
	for _, base := range [...]int32{d - d%256, d / 2} {
		for w := int32(0); w <= 255; w++ {
			if try(base+w) || try(base-w) {
				return pre, residual, true
			}
		}
	}
	return 0, 0, false
}

// SplitImmediate finds an additive split v = a + b where both parts are
// rotated-immediate encodable and accepted by ok. Candidates peel the
// value one byte lane at a time, then scan a small delta window.
func SplitImmediate(v uint32, ok func(uint32) bool) (a, b uint32, found bool) {
	for _, mask := range [...]uint32{0xFF, 0xFF00, 0xFF0000, 0xFF000000} {
		a = v & mask
		b = v - a
		if a != 0 && b != 0 && IsEncodable(a) && IsEncodable(b) && ok(a) && ok(b) {
			return a, b, true
		}
	}
	for d := uint32(1); d <= 0xFF; d++ {
		b = v - d
		if b != 0 && IsEncodable(d) && IsEncodable(b) && ok(d) && ok(b) {
			return b, d, true
		}
	}
	return 0, 0, false
}
