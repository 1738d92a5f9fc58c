package strategy

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/disasm"
	"github.com/maleick/byvalver/x86enc"
)

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// movRegImm extracts (register index, immediate) from MOV reg, imm with
// a directly encodable destination. Accepts 32-bit destinations in both
// modes and 64-bit destinations when the immediate zero-extends.
func movRegImm(inst *disasm.Instruction) (reg byte, imm uint32, ok bool) {
	x := inst.X86
	if x == nil || x.Op != x86asm.MOV {
		return 0, 0, false
	}
	dst, okDst := x.Args[0].(x86asm.Reg)
	val, okImm := x.Args[1].(x86asm.Imm)
	if !okDst || !okImm {
		return 0, 0, false
	}
	idx, okIdx := x86enc.RegIndex(dst)
	if !okIdx || idx >= 8 {
		return 0, 0, false
	}
	switch x86enc.RegWidth(dst) {
	case 32:
		return idx, uint32(val), true
	case 64:
		if val >= 0 && val <= 0x7FFFFFFF {
			return idx, uint32(val), true
		}
	}
	return 0, 0, false
}

// xorZero rewrites MOV reg, 0 as XOR reg, reg.
type xorZero struct {
	tag arch.Tag
}

func (s *xorZero) Name() string   { return "x86/xor-zero" }
func (s *xorZero) Arch() arch.Tag { return s.tag }
func (s *xorZero) Priority() int  { return 100 }

func (s *xorZero) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	_, imm, ok := movRegImm(inst)
	return ok && imm == 0
}

func (s *xorZero) EstimatedSize(inst *disasm.Instruction) int { return 2 }

func (s *xorZero) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	reg, _, _ := movRegImm(inst)
	// XOR r32, r32 zero-extends on x86-64, covering 64-bit destinations.
	out.Append(0x31, x86enc.ModRM(x86enc.ModDirect, reg, reg))
	return nil
}

// immSub realises MOV reg, imm through a bitwise-equivalent constant:
// complement, negation, XOR with a key, additive or subtractive split,
// or a shift of a small mantissa.
type immSub struct {
	tag arch.Tag
}

func (s *immSub) Name() string   { return "x86/imm-substitution" }
func (s *immSub) Arch() arch.Tag { return s.tag }
func (s *immSub) Priority() int  { return 90 }

func (s *immSub) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	_, imm, ok := movRegImm(inst)
	return ok && imm != 0
}

func (s *immSub) EstimatedSize(inst *disasm.Instruction) int { return 11 }

func (s *immSub) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	reg, v, _ := movRegImm(inst)
	ok := func(x uint32) bool { return ctx.Bad.IntegerOK(uint64(x), 4) }

	movImm := func(val uint32) []byte {
		return append([]byte{0xB8 + reg}, le32(val)...)
	}
	group1 := func(slash byte, val uint32) []byte {
		return append([]byte{0x81, x86enc.ModRM(x86enc.ModDirect, slash, reg)}, le32(val)...)
	}

	var seq []byte
	switch {
	case ok(^v):
		// MOV reg, ~v; NOT reg
		seq = append(movImm(^v), 0xF7, x86enc.ModRM(x86enc.ModDirect, 2, reg))
	case ok(uint32(-int32(v))):
		// MOV reg, -v; NEG reg
		seq = append(movImm(uint32(-int32(v))), 0xF7, x86enc.ModRM(x86enc.ModDirect, 3, reg))
	default:
		if k, found := x86enc.FindXORKey(v, ok); found {
			seq = append(movImm(v^k), group1(6, k)...)
			break
		}
		if a, b, found := x86enc.SplitAdd(v, ok); found {
			seq = append(movImm(a), group1(0, b)...)
			break
		}
		if a, b, found := x86enc.SplitSub(v, ok); found {
			seq = append(movImm(a), group1(5, b)...)
			break
		}
		if m, k, found := x86enc.ShiftForm(v); found && !ctx.Bad.IsBad(m) && !ctx.Bad.IsBad(k) {
			// PUSH imm8; POP reg; SHL reg, k
			seq = []byte{0x6A, m, 0x58 + reg, 0xC1, x86enc.ModRM(x86enc.ModDirect, 4, reg), k}
		}
	}
	if seq == nil {
		return nil // no variant found; post-condition check triggers fallback
	}
	out.AppendBytes(seq)
	return nil
}

// pushPopSmall loads a small constant through PUSH imm8 / POP reg.
type pushPopSmall struct {
	tag arch.Tag
}

func (s *pushPopSmall) Name() string   { return "x86/push-pop-small" }
func (s *pushPopSmall) Arch() arch.Tag { return s.tag }
func (s *pushPopSmall) Priority() int  { return 85 }

func (s *pushPopSmall) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	_, imm, ok := movRegImm(inst)
	return ok && imm >= 1 && imm <= 127 && !ctx.Bad.IsBad(byte(imm))
}

func (s *pushPopSmall) EstimatedSize(inst *disasm.Instruction) int { return 3 }

func (s *pushPopSmall) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	reg, imm, _ := movRegImm(inst)
	out.Append(0x6A, byte(imm), 0x58+reg)
	return nil
}

// incChain realises MOV reg8, n for small n as XOR reg, reg followed by
// n 16-bit INCs. The 66 40+r form is chosen because both bytes stay
// clean for the common byte sets.
type incChain struct{}

func (s *incChain) Name() string   { return "x86/inc-chain" }
func (s *incChain) Arch() arch.Tag { return arch.X86 }
func (s *incChain) Priority() int  { return 80 }

func (s *incChain) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	x := inst.X86
	if x == nil || x.Op != x86asm.MOV {
		return false
	}
	dst, okDst := x.Args[0].(x86asm.Reg)
	val, okImm := x.Args[1].(x86asm.Imm)
	return okDst && okImm && x86enc.IsLowByteReg(dst) && val >= 1 && val <= 16
}

func (s *incChain) EstimatedSize(inst *disasm.Instruction) int { return 2 + 16*2 }

func (s *incChain) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	x := inst.X86
	dst := x.Args[0].(x86asm.Reg)
	n := int(x.Args[1].(x86asm.Imm))
	reg, _ := x86enc.RegIndex(dst)
	out.Append(0x31, x86enc.ModRM(x86enc.ModDirect, reg, reg))
	for i := 0; i < n; i++ {
		out.Append(0x66, 0x40+reg)
	}
	return nil
}

// leaAddSub rewrites ADD/SUB reg, imm as LEA reg, [reg+imm], or as two
// LEAs with a split displacement when the whole immediate is unclean.
type leaAddSub struct {
	tag arch.Tag
}

func (s *leaAddSub) Name() string   { return "x86/lea-addsub" }
func (s *leaAddSub) Arch() arch.Tag { return s.tag }
func (s *leaAddSub) Priority() int  { return 70 }

func (s *leaAddSub) operands(inst *disasm.Instruction) (reg byte, disp int32, ok bool) {
	x := inst.X86
	if x == nil || (x.Op != x86asm.ADD && x.Op != x86asm.SUB) {
		return 0, 0, false
	}
	dst, okDst := x.Args[0].(x86asm.Reg)
	val, okImm := x.Args[1].(x86asm.Imm)
	if !okDst || !okImm || x86enc.RegWidth(dst) != 32 {
		return 0, 0, false
	}
	idx, okIdx := x86enc.RegIndex(dst)
	// rm=4 selects a SIB byte; the plain [reg+disp] form cannot encode ESP.
	if !okIdx || idx >= 8 || idx == 4 {
		return 0, 0, false
	}
	disp = int32(val)
	if x.Op == x86asm.SUB {
		disp = -disp
	}
	return idx, disp, true
}

func (s *leaAddSub) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	_, _, ok := s.operands(inst)
	return ok
}

func (s *leaAddSub) EstimatedSize(inst *disasm.Instruction) int { return 12 }

func (s *leaAddSub) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	reg, disp, _ := s.operands(inst)
	ok := func(x uint32) bool { return ctx.Bad.IntegerOK(uint64(x), 4) }

	lea32 := func(d int32) []byte {
		return append([]byte{0x8D, x86enc.ModRM(x86enc.ModDisp32, reg, reg)}, le32(uint32(d))...)
	}

	if disp >= -128 && disp <= 127 && !ctx.Bad.IsBad(byte(disp)) {
		out.Append(0x8D, x86enc.ModRM(x86enc.ModDisp8, reg, reg), byte(disp))
		return nil
	}
	if ok(uint32(disp)) {
		out.AppendBytes(lea32(disp))
		return nil
	}
	if a, b, found := x86enc.SplitAdd(uint32(disp), ok); found {
		out.AppendBytes(lea32(int32(a)))
		out.AppendBytes(lea32(int32(b)))
		return nil
	}
	return nil // post-condition check triggers fallback
}
