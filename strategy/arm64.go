package strategy

import (
	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/arm64enc"
	"github.com/maleick/byvalver/disasm"
)

// a64MovWide re-encodes an unclean MOVZ/MOVN: the complementary wide
// move first, another lane when the value permits, then a
// MOVZ-plus-ADD split of the 16-bit chunk.
type a64MovWide struct{}

func (s *a64MovWide) Name() string   { return "arm64/mov-wide" }
func (s *a64MovWide) Arch() arch.Tag { return arch.ARM64 }
func (s *a64MovWide) Priority() int  { return 90 }

func (s *a64MovWide) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if inst.A64 == nil || ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	isMovz, isMovn, _ := arm64enc.IsMoveWide(inst.Word)
	return isMovz || isMovn
}

func (s *a64MovWide) EstimatedSize(inst *disasm.Instruction) int { return 12 }

func (s *a64MovWide) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	isMovz, _, _ := arm64enc.IsMoveWide(inst.Word)
	sf, rd, imm16, hw := arm64enc.MoveWideFields(inst.Word)

	emit := func(words ...uint32) bool {
		for _, w := range words {
			if !wordClean(ctx, w) {
				return false
			}
		}
		for _, w := range words {
			out.AppendWord(w)
		}
		return true
	}

	// The register value the instruction produces.
	var value uint64
	if isMovz {
		value = uint64(imm16) << (16 * hw)
	} else {
		value = ^(uint64(imm16) << (16 * hw))
	}
	if !sf {
		value &= 0xFFFFFFFF
	}

	// Complementary wide move: MOVN for a MOVZ value and vice versa,
	// on whichever lane carries the payload.
	lanes := uint32(2)
	if sf {
		lanes = 4
	}
	comp := ^value
	if !sf {
		comp &= 0xFFFFFFFF
	}
	for lane := uint32(0); lane < lanes; lane++ {
		chunk := uint32(value>>(16*lane)) & 0xFFFF
		if value == uint64(chunk)<<(16*lane) {
			if emit(arm64enc.MOVZ(sf, rd, chunk, lane)) {
				return nil
			}
		}
		nchunk := uint32(comp>>(16*lane)) & 0xFFFF
		if comp == uint64(nchunk)<<(16*lane) {
			if emit(arm64enc.MOVN(sf, rd, nchunk, lane)) {
				return nil
			}
		}
	}

	// MOVZ rd, #a, lsl hw; ADD rd, rd, #b with a + b = imm16, both
	// clean. LSL #12 places the ADD immediate at bit 12, so lane 1
	// (bit 16) takes b<<4 and is reachable for b up to 0xFF; lanes 2
	// and 3 are out of reach.
	if isMovz && hw <= 1 {
		for b := uint32(1); b <= 0xFFF && b < imm16; b++ {
			a := imm16 - b
			movz := arm64enc.MOVZ(sf, rd, a, hw)
			add, err := arm64enc.AddImm(sf, false, rd, rd, b<<(4*hw), hw == 1)
			if err != nil {
				continue
			}
			if emit(movz, add) {
				return nil
			}
		}
	}
	return nil
}

// a64AddSub splits an unclean ADD/SUB immediate into two applications.
type a64AddSub struct{}

func (s *a64AddSub) Name() string   { return "arm64/addsub-split" }
func (s *a64AddSub) Arch() arch.Tag { return arch.ARM64 }
func (s *a64AddSub) Priority() int  { return 85 }

func (s *a64AddSub) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if inst.A64 == nil || ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	ok, _ := arm64enc.IsAddSubImm(inst.Word)
	if !ok {
		return false
	}
	_, _, _, _, imm12, _ := arm64enc.AddSubImmFields(inst.Word)
	return imm12 != 0
}

func (s *a64AddSub) EstimatedSize(inst *disasm.Instruction) int { return 8 }

func (s *a64AddSub) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	sf, sub, rd, rn, imm12, shift12 := arm64enc.AddSubImmFields(inst.Word)

	for b := uint32(1); b < imm12; b++ {
		a := imm12 - b
		first, err1 := arm64enc.AddImm(sf, sub, rd, rn, a, shift12)
		second, err2 := arm64enc.AddImm(sf, sub, rd, rd, b, shift12)
		if err1 != nil || err2 != nil {
			continue
		}
		if wordClean(ctx, first) && wordClean(ctx, second) {
			out.AppendWord(first)
			out.AppendWord(second)
			return nil
		}
	}
	return nil
}
