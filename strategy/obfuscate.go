package strategy

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/disasm"
	"github.com/maleick/byvalver/x86enc"
)

// Obfuscator is a pre-rewrite transformation sharing the strategy
// contract, plus a sampling rate and a placement mode. Inserting
// obfuscators emit a prelude before the instruction, which is then
// processed normally; replacing obfuscators emit a semantic equivalent
// instead of it. Sampling draws from the job PRNG, never from process
// globals.
type Obfuscator interface {
	Strategy
	Rate() float64
	Inserts() bool
}

// DefaultObfuscators returns the built-in obfuscation strategies.
func DefaultObfuscators(tag arch.Tag) []Obfuscator {
	switch tag {
	case arch.X86, arch.X64:
		return []Obfuscator{
			&junkInsert{tag: tag},
			&fnopPad{tag: tag},
			&xorSubSwap{tag: tag},
			&incToLEA{tag: tag},
			&picDelta{tag: tag},
		}
	default:
		return nil
	}
}

// junkInsert prepends a semantically inert fragment: a NOP, a
// self-exchange, or a push/pop pair chosen by the job PRNG.
type junkInsert struct {
	tag arch.Tag
}

func (o *junkInsert) Name() string   { return "obf/junk-insert" }
func (o *junkInsert) Arch() arch.Tag { return o.tag }
func (o *junkInsert) Priority() int  { return 50 }
func (o *junkInsert) Rate() float64  { return 0.25 }
func (o *junkInsert) Inserts() bool  { return true }

func (o *junkInsert) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	return inst.X86 != nil
}

func (o *junkInsert) EstimatedSize(inst *disasm.Instruction) int { return 2 }

func (o *junkInsert) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	variants := [][]byte{
		{0x90},             // NOP
		{0x87, 0xC9},       // XCHG ECX, ECX
		{0x87, 0xD2},       // XCHG EDX, EDX
		{0x50, 0x58},       // PUSH EAX; POP EAX
		{0x53, 0x5B},       // PUSH EBX; POP EBX
	}
	out.AppendBytes(variants[ctx.Rand.Intn(len(variants))])
	return nil
}

// fnopPad prepends an FPU no-op.
type fnopPad struct {
	tag arch.Tag
}

func (o *fnopPad) Name() string   { return "obf/fnop-pad" }
func (o *fnopPad) Arch() arch.Tag { return o.tag }
func (o *fnopPad) Priority() int  { return 40 }
func (o *fnopPad) Rate() float64  { return 0.15 }
func (o *fnopPad) Inserts() bool  { return true }

func (o *fnopPad) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	return inst.X86 != nil
}

func (o *fnopPad) EstimatedSize(inst *disasm.Instruction) int { return 2 }

func (o *fnopPad) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	out.Append(0xD9, 0xD0) // FNOP
	return nil
}

// xorSubSwap replaces the XOR reg, reg zeroing idiom with SUB reg, reg.
type xorSubSwap struct {
	tag arch.Tag
}

func (o *xorSubSwap) Name() string   { return "obf/xor-sub-swap" }
func (o *xorSubSwap) Arch() arch.Tag { return o.tag }
func (o *xorSubSwap) Priority() int  { return 45 }
func (o *xorSubSwap) Rate() float64  { return 0.5 }
func (o *xorSubSwap) Inserts() bool  { return false }

func (o *xorSubSwap) selfOperand(inst *disasm.Instruction) (byte, bool) {
	x := inst.X86
	if x == nil || x.Op != x86asm.XOR {
		return 0, false
	}
	a, okA := x.Args[0].(x86asm.Reg)
	b, okB := x.Args[1].(x86asm.Reg)
	if !okA || !okB || a != b || x86enc.RegWidth(a) != 32 {
		return 0, false
	}
	idx, ok := x86enc.RegIndex(a)
	if !ok || idx >= 8 {
		return 0, false
	}
	return idx, true
}

func (o *xorSubSwap) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	_, ok := o.selfOperand(inst)
	return ok
}

func (o *xorSubSwap) EstimatedSize(inst *disasm.Instruction) int { return 2 }

func (o *xorSubSwap) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	reg, _ := o.selfOperand(inst)
	out.Append(0x29, x86enc.ModRM(x86enc.ModDirect, reg, reg)) // SUB reg, reg
	return nil
}

// incToLEA replaces INC reg with LEA reg, [reg+1]. LEA leaves every
// flag unchanged, whereas INC sets OF, SF, ZF, AF and PF.
type incToLEA struct {
	tag arch.Tag
}

func (o *incToLEA) Name() string   { return "obf/inc-to-lea" }
func (o *incToLEA) Arch() arch.Tag { return o.tag }
func (o *incToLEA) Priority() int  { return 44 }
func (o *incToLEA) Rate() float64  { return 0.5 }
func (o *incToLEA) Inserts() bool  { return false }

func (o *incToLEA) operand(inst *disasm.Instruction) (byte, bool) {
	x := inst.X86
	if x == nil || x.Op != x86asm.INC {
		return 0, false
	}
	r, ok := x.Args[0].(x86asm.Reg)
	if !ok || x86enc.RegWidth(r) != 32 {
		return 0, false
	}
	idx, okIdx := x86enc.RegIndex(r)
	if !okIdx || idx >= 8 || idx == 4 {
		return 0, false
	}
	return idx, true
}

func (o *incToLEA) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	_, ok := o.operand(inst)
	return ok
}

func (o *incToLEA) EstimatedSize(inst *disasm.Instruction) int { return 3 }

func (o *incToLEA) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	reg, _ := o.operand(inst)
	out.Append(0x8D, x86enc.ModRM(x86enc.ModDisp8, reg, reg), 0x01)
	return nil
}

// picDelta prepends the CALL/POP position-delta retrieval idiom,
// leaving the current address in EBX. Clobbering EBX restricts the
// sampling to instructions that immediately redefine it.
type picDelta struct {
	tag arch.Tag
}

func (o *picDelta) Name() string   { return "obf/pic-delta" }
func (o *picDelta) Arch() arch.Tag { return o.tag }
func (o *picDelta) Priority() int  { return 30 }
func (o *picDelta) Rate() float64  { return 0.1 }
func (o *picDelta) Inserts() bool  { return true }

func (o *picDelta) Applicable(inst *disasm.Instruction, ctx *Context) bool {
	x := inst.X86
	if x == nil || x.Op != x86asm.MOV {
		return false
	}
	// Only before an instruction that overwrites EBX anyway.
	dst, ok := x.Args[0].(x86asm.Reg)
	if !ok {
		return false
	}
	idx, okIdx := x86enc.RegIndex(dst)
	return okIdx && idx == 3 && x86enc.RegWidth(dst) >= 32
}

func (o *picDelta) EstimatedSize(inst *disasm.Instruction) int { return 6 }

func (o *picDelta) Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error {
	// CALL +0; POP EBX
	out.Append(0xE8, 0x00, 0x00, 0x00, 0x00, 0x5B)
	return nil
}
