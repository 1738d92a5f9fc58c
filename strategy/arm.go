package strategy

import (
	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/armenc"
	"github.com/maleick/byvalver/disasm"
)

func wordClean(ctx *Context, w uint32) bool {
	return ctx.Bad.IntegerOK(uint64(w), 4)
}

// dpFields extracts the fields of a data-processing immediate word.
func dpFields(word uint32) (cond, opcode, sBit, rn, rd, imm12 uint32) {
	return word >> armenc.ConditionShift,
		(word >> armenc.OpcodeShift) & armenc.Mask4Bit,
		(word >> armenc.SBitShift) & 1,
		(word >> armenc.RnShift) & armenc.Mask4Bit,
		(word >> armenc.RdShift) & armenc.Mask4Bit,
		word & armenc.Mask12Bit
}

func isDataProcImm(word uint32) bool {
	if (word>>26)&3 != 0 || (word>>armenc.ImmBitShift)&1 != 1 {
		return false
	}
	opcode := (word >> armenc.OpcodeShift) & armenc.Mask4Bit
	sBit := (word >> armenc.SBitShift) & 1
	// Compare-class opcodes with S clear are the MSR/MRS space.
	if opcode >= armenc.OpTST && opcode <= armenc.OpCMN && sBit == 0 {
		return false
	}
	return word>>armenc.ConditionShift != armenc.CondNV
}

// armDataProc re-encodes a data-processing immediate whose word is
// unclean: alternate rotations first, then the paired-opcode transform
// (MOV<->MVN, AND<->BIC, ADD<->SUB, CMP<->CMN), then an additive split,
// then a byte-by-byte MOV/ORR build.
type armDataProc struct{}

func (s *armDataProc) Name() string   { return "arm/data-processing" }
func (s *armDataProc) Arch() arch.Tag { return arch.ARM32 }
func (s *armDataProc) Priority() int  { return 90 }

func (s *armDataProc) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	return inst.ARM != nil && !ctx.Bad.BytesOK(inst.Raw) && isDataProcImm(inst.Word)
}

func (s *armDataProc) EstimatedSize(inst *disasm.Instruction) int { return 16 }

// pairedOpcode returns the opcode computing the same result from a
// transformed immediate, and the transform.
func pairedOpcode(opcode uint32) (alt uint32, transform func(uint32) uint32, ok bool) {
	switch opcode {
	case armenc.OpMOV:
		return armenc.OpMVN, func(v uint32) uint32 { return ^v }, true
	case armenc.OpMVN:
		return armenc.OpMOV, func(v uint32) uint32 { return ^v }, true
	case armenc.OpAND:
		return armenc.OpBIC, func(v uint32) uint32 { return ^v }, true
	case armenc.OpBIC:
		return armenc.OpAND, func(v uint32) uint32 { return ^v }, true
	case armenc.OpCMP:
		return armenc.OpCMN, func(v uint32) uint32 { return uint32(-int32(v)) }, true
	case armenc.OpCMN:
		return armenc.OpCMP, func(v uint32) uint32 { return uint32(-int32(v)) }, true
	case armenc.OpADD:
		return armenc.OpSUB, func(v uint32) uint32 { return uint32(-int32(v)) }, true
	case armenc.OpSUB:
		return armenc.OpADD, func(v uint32) uint32 { return uint32(-int32(v)) }, true
	}
	return 0, nil, false
}

func (s *armDataProc) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	cond, opcode, sBit, rn, rd, imm12 := dpFields(inst.Word)
	value := armenc.DecodeImmediate(imm12)

	emit := func(w uint32) bool {
		if !wordClean(ctx, w) {
			return false
		}
		out.AppendWord(w)
		return true
	}

	// Alternate rotations of the same value.
	for _, field := range armenc.EncodeImmediateAll(value) {
		if emit(armenc.DataProcImm(cond, opcode, sBit, rn, rd, field)) {
			return nil
		}
	}

	// Paired opcode with the transformed immediate.
	if alt, transform, ok := pairedOpcode(opcode); ok {
		for _, field := range armenc.EncodeImmediateAll(transform(value)) {
			if emit(armenc.DataProcImm(cond, alt, sBit, rn, rd, field)) {
				return nil
			}
		}
	}

	// The remaining forms synthesize the value in Rd; they apply to MOV
	// with the S bit clear only.
	if opcode != armenc.OpMOV || sBit != 0 {
		return nil
	}

	if value == 0 {
		// EOR Rd, Rd, Rd
		if emit(armenc.DataProcReg(cond, armenc.OpEOR, 0, rd, rd, rd)) {
			return nil
		}
	}

	okImm := func(v uint32) bool {
		field, encodable := armenc.EncodeImmediate(v)
		return encodable && wordClean(ctx, armenc.DataProcImm(cond, armenc.OpADD, 0, rd, rd, field))
	}
	if a, b, found := armenc.SplitImmediate(value, okImm); found {
		fa, _ := armenc.EncodeImmediate(a)
		fb, _ := armenc.EncodeImmediate(b)
		mov := armenc.DataProcImm(cond, armenc.OpMOV, 0, 0, rd, fa)
		add := armenc.DataProcImm(cond, armenc.OpADD, 0, rd, rd, fb)
		if wordClean(ctx, mov) && wordClean(ctx, add) {
			out.AppendWord(mov)
			out.AppendWord(add)
			return nil
		}
	}

	// Byte-by-byte build: MOV the first populated lane, ORR the rest.
	var words []uint32
	first := true
	for lane := uint32(0); lane < 4; lane++ {
		chunk := value & (0xFF << (8 * lane))
		if chunk == 0 {
			continue
		}
		field, encodable := armenc.EncodeImmediate(chunk)
		if !encodable {
			return nil
		}
		var w uint32
		if first {
			w = armenc.DataProcImm(cond, armenc.OpMOV, 0, 0, rd, field)
			first = false
		} else {
			w = armenc.DataProcImm(cond, armenc.OpORR, 0, rd, rd, field)
		}
		if !wordClean(ctx, w) {
			return nil
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return nil
	}
	for _, w := range words {
		out.AppendWord(w)
	}
	return nil
}

// lsFields extracts the fields of a load/store immediate word.
func lsFields(word uint32) (cond uint32, load, byteAccess bool, rn, rd uint32, disp int32) {
	cond = word >> armenc.ConditionShift
	load = (word>>armenc.LBitShift)&1 == 1
	byteAccess = (word>>armenc.BBitShift)&1 == 1
	rn = (word >> armenc.RnShift) & armenc.Mask4Bit
	rd = (word >> armenc.RdShift) & armenc.Mask4Bit
	disp = int32(word & armenc.Mask12Bit)
	if (word>>armenc.UBitShift)&1 == 0 {
		disp = -disp
	}
	return
}

func isLoadStoreImm(word uint32) bool {
	// cond 010 1 U B 0 L: immediate offset, pre-indexed, no writeback.
	if (word>>26)&3 != 1 || (word>>armenc.ImmBitShift)&1 != 0 {
		return false
	}
	if (word>>armenc.PBitShift)&1 != 1 || (word>>armenc.WBitShift)&1 != 0 {
		return false
	}
	return word>>armenc.ConditionShift != armenc.CondNV
}

// armLoadStore splits an unclean load/store displacement into a
// pre-adjust ADD/SUB, a narrower access, and a restoring adjustment.
type armLoadStore struct{}

func (s *armLoadStore) Name() string   { return "arm/loadstore-split" }
func (s *armLoadStore) Arch() arch.Tag { return arch.ARM32 }
func (s *armLoadStore) Priority() int  { return 85 }

func (s *armLoadStore) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if inst.ARM == nil || ctx.Bad.BytesOK(inst.Raw) || !isLoadStoreImm(inst.Word) {
		return false
	}
	_, _, _, rn, _, disp := lsFields(inst.Word)
	return disp != 0 && rn != armenc.RegisterPC
}

func (s *armLoadStore) EstimatedSize(inst *disasm.Instruction) int { return 12 }

func (s *armLoadStore) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	cond, load, byteAccess, rn, rd, disp := lsFields(inst.Word)

	adjust := func(amount int32) (uint32, bool) {
		op := uint32(armenc.OpADD)
		mag := amount
		if amount < 0 {
			op = armenc.OpSUB
			mag = -amount
		}
		field, encodable := armenc.EncodeImmediate(uint32(mag))
		if !encodable {
			return 0, false
		}
		w := armenc.DataProcImm(cond, op, 0, rn, rn, field)
		return w, wordClean(ctx, w)
	}
	access := func(residual int32) (uint32, bool) {
		w, err := armenc.LoadStoreImm(cond, load, byteAccess, rn, rd, residual)
		if err != nil {
			return 0, false
		}
		return w, wordClean(ctx, w)
	}

	pre, residual, found := armenc.SplitDisplacement(disp,
		func(p int32) bool { _, ok := adjust(p); return ok },
		func(r int32) bool { _, ok := access(r); return ok },
	)
	if !found {
		return nil
	}

	preWord, _ := adjust(pre)
	accWord, _ := access(residual)
	out.AppendWord(preWord)
	out.AppendWord(accWord)

	// Restore the base unless the load overwrote it.
	if !(load && rn == rd) {
		restore, ok := adjust(-pre)
		if !ok {
			out.Truncate(out.Len() - 8)
			return nil
		}
		out.AppendWord(restore)
	}
	return nil
}
