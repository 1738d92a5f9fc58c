// Package disasm adapts the golang.org/x/arch decoders into the linear
// instruction stream the rewriting engine consumes.
package disasm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/arm64enc"
	"github.com/maleick/byvalver/armenc"
)

// Instruction is one decoded input instruction. Produced by Decode and
// read-only thereafter.
type Instruction struct {
	Addr     uint64 // original address (base + offset)
	Raw      []byte // original encoding, at most 16 bytes
	Mnemonic string

	// Exactly one of the architecture views is populated.
	X86 *x86asm.Inst
	ARM *armasm.Inst
	A64 *arm64asm.Inst

	// Word is the raw little-endian instruction word for the ARM
	// families; strategies operate on its fields directly.
	Word uint32

	// Branch target, when the instruction carries a PC-relative
	// displacement the relocation pass must maintain.
	HasTarget bool
	Target    uint64
}

// Size returns the encoded length in bytes.
func (i *Instruction) Size() int { return len(i.Raw) }

// DecodeError reports the offset at which the underlying disassembler
// could not advance. It is fatal for the job.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at offset %#x: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode translates blob into a finite sequence of instructions in
// address order. The sequence is complete or the decode fails; there is
// no partial success.
func Decode(blob []byte, base uint64, a *arch.Arch) ([]*Instruction, error) {
	switch a.Tag {
	case arch.X86, arch.X64:
		return decodeX86(blob, base, a.DisasmMode())
	case arch.ARM32:
		return decodeARM(blob, base)
	case arch.ARM64:
		return decodeARM64(blob, base)
	default:
		return nil, fmt.Errorf("unsupported architecture %v", a.Tag)
	}
}

func decodeX86(blob []byte, base uint64, mode int) ([]*Instruction, error) {
	var insts []*Instruction
	off := 0
	for off < len(blob) {
		x, err := x86asm.Decode(blob[off:], mode)
		if err == nil && x.Op == 0 {
			// x86asm reports a truncated or unrecognised sequence as a
			// bare prefix byte with no opcode.
			err = fmt.Errorf("no instruction decodes at byte %#02x", blob[off])
		}
		if err != nil {
			return nil, &DecodeError{Offset: off, Err: err}
		}
		inst := &Instruction{
			Addr:     base + uint64(off),
			Raw:      append([]byte(nil), blob[off:off+x.Len]...),
			Mnemonic: x.Op.String(),
			X86:      &x,
		}
		for _, a := range x.Args {
			if rel, ok := a.(x86asm.Rel); ok {
				inst.HasTarget = true
				inst.Target = inst.Addr + uint64(x.Len) + uint64(int64(rel))
				break
			}
		}
		insts = append(insts, inst)
		off += x.Len
	}
	return insts, nil
}

func decodeARM(blob []byte, base uint64) ([]*Instruction, error) {
	var insts []*Instruction
	for off := 0; off < len(blob); off += 4 {
		if off+4 > len(blob) {
			return nil, &DecodeError{Offset: off, Err: fmt.Errorf("truncated word")}
		}
		src := blob[off : off+4]
		x, err := armasm.Decode(src, armasm.ModeARM)
		if err != nil {
			return nil, &DecodeError{Offset: off, Err: err}
		}
		word := binary.LittleEndian.Uint32(src)
		inst := &Instruction{
			Addr:     base + uint64(off),
			Raw:      append([]byte(nil), src...),
			Mnemonic: x.Op.String(),
			ARM:      &x,
			Word:     word,
		}
		if armenc.IsBranch(word) {
			inst.HasTarget = true
			delta := int64(armenc.BranchOffset(word))*4 + armenc.PipelineOffset
			inst.Target = uint64(int64(inst.Addr) + delta)
		}
		insts = append(insts, inst)
	}
	return insts, nil
}

func decodeARM64(blob []byte, base uint64) ([]*Instruction, error) {
	var insts []*Instruction
	for off := 0; off < len(blob); off += 4 {
		if off+4 > len(blob) {
			return nil, &DecodeError{Offset: off, Err: fmt.Errorf("truncated word")}
		}
		src := blob[off : off+4]
		x, err := arm64asm.Decode(src)
		if err != nil {
			return nil, &DecodeError{Offset: off, Err: err}
		}
		word := binary.LittleEndian.Uint32(src)
		inst := &Instruction{
			Addr:     base + uint64(off),
			Raw:      append([]byte(nil), src...),
			Mnemonic: x.Op.String(),
			A64:      &x,
			Word:     word,
		}
		switch {
		case arm64enc.IsBranch(word):
			inst.HasTarget = true
			inst.Target = uint64(int64(inst.Addr) + int64(arm64enc.BranchOffset(word))*4)
		case arm64enc.IsCondBranch(word):
			inst.HasTarget = true
			inst.Target = uint64(int64(inst.Addr) + int64(arm64enc.CondBranchOffset(word))*4)
		}
		insts = append(insts, inst)
	}
	return insts, nil
}
