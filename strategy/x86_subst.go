package strategy

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/disasm"
)

// x86Subst replaces the awkward single-byte and frame instructions with
// their fixed multi-instruction equivalents: XLAT, LAHF, SAHF, ENTER,
// and LEAVE. JECXZ is handled by the branch planner because its
// replacement carries a displacement.
type x86Subst struct {
	tag arch.Tag
}

func (s *x86Subst) Name() string   { return "x86/substitution" }
func (s *x86Subst) Arch() arch.Tag { return s.tag }
func (s *x86Subst) Priority() int  { return 95 }

func (s *x86Subst) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	x := inst.X86
	if x == nil {
		return false
	}
	switch x.Op {
	case x86asm.XLATB, x86asm.LAHF, x86asm.SAHF, x86asm.ENTER, x86asm.LEAVE:
		return true
	}
	return false
}

func (s *x86Subst) EstimatedSize(inst *disasm.Instruction) int { return 12 }

func (s *x86Subst) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	x := inst.X86
	long := s.tag == arch.X64

	switch x.Op {
	case x86asm.XLATB:
		// MOVZX EAX, AL; ADD EAX, EBX; MOV AL, [EAX]
		// preserves AL <- [EBX+AL]; the 64-bit form widens to RAX/RBX.
		if long {
			out.Append(0x48, 0x0F, 0xB6, 0xC0, 0x48, 0x01, 0xD8, 0x8A, 0x00)
		} else {
			out.Append(0x0F, 0xB6, 0xC0, 0x01, 0xD8, 0x8A, 0x00)
		}

	case x86asm.LAHF:
		// PUSHF; POP EAX; MOV AH, AL
		out.Append(0x9C, 0x58, 0x88, 0xC4)

	case x86asm.SAHF:
		// PUSHF; POP EBX; MOV BL, AH; PUSH EBX; POPF
		out.Append(0x9C, 0x5B, 0x88, 0xE3, 0x53, 0x9D)

	case x86asm.ENTER:
		size, _ := x.Args[0].(x86asm.Imm)
		level, _ := x.Args[1].(x86asm.Imm)
		if level != 0 {
			return ErrUnsupported
		}
		// PUSH EBP; MOV EBP, ESP; SUB ESP, imm
		if long {
			out.Append(0x55, 0x48, 0x89, 0xE5)
		} else {
			out.Append(0x55, 0x89, 0xE5)
		}
		if size >= 0 && size <= 127 && !ctx.Bad.IsBad(byte(size)) {
			if long {
				out.Append(0x48)
			}
			out.Append(0x83, 0xEC, byte(size))
		} else {
			if long {
				out.Append(0x48)
			}
			out.Append(0x81, 0xEC)
			out.AppendBytes(le32(uint32(size)))
		}

	case x86asm.LEAVE:
		// MOV ESP, EBP; POP EBP
		if long {
			out.Append(0x48, 0x89, 0xEC, 0x5D)
		} else {
			out.Append(0x89, 0xEC, 0x5D)
		}
	}
	return nil
}

// repExpand expands REP-prefixed byte string primitives into explicit
// load/store/step loops, removing the REP prefix byte from the
// encoding; the unprefixed string opcode stays as the loop step.
type repExpand struct {
	tag arch.Tag
}

func (s *repExpand) Name() string   { return "x86/rep-expand" }
func (s *repExpand) Arch() arch.Tag { return s.tag }
func (s *repExpand) Priority() int  { return 60 }

func hasREP(x *x86asm.Inst) bool {
	for _, p := range x.Prefix {
		if p == 0 {
			break
		}
		if byte(p) == 0xF3 {
			return true
		}
	}
	return false
}

func (s *repExpand) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	if ctx.Bad.BytesOK(inst.Raw) {
		return false
	}
	x := inst.X86
	if x == nil || !hasREP(x) {
		return false
	}
	switch x.Op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB:
		return true
	}
	return false
}

func (s *repExpand) EstimatedSize(inst *disasm.Instruction) int { return 12 }

func (s *repExpand) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	var step byte
	switch inst.X86.Op {
	case x86asm.MOVSB:
		step = 0xA4
	case x86asm.STOSB:
		step = 0xAA
	case x86asm.LODSB:
		step = 0xAC
	}

	// TEST ECX, ECX; JZ done; loop: step; DEC ECX; JNZ loop; done:
	var dec []byte
	if s.tag == arch.X64 {
		dec = []byte{0x48, 0xFF, 0xC9} // DEC RCX
	} else {
		dec = []byte{0x49} // DEC ECX
	}
	body := append([]byte{step}, dec...)
	back := byte(-(len(body) + 2) & 0xFF)
	body = append(body, 0x75, back)

	out.Append(0x85, 0xC9)            // TEST ECX, ECX
	out.Append(0x74, byte(len(body))) // JZ past the loop
	out.AppendBytes(body)
	return nil
}
