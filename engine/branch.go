package engine

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/arm64enc"
	"github.com/maleick/byvalver/armenc"
	"github.com/maleick/byvalver/disasm"
	"github.com/maleick/byvalver/strategy"
	"github.com/maleick/byvalver/x86enc"
)

// planned is one emission form of a PC-relative instruction: the bytes
// with a placeholder displacement, plus where the displacement field
// sits and how the relocation pass must interpret it.
type planned struct {
	name     string
	bytes    []byte
	dispOff  int // offset of the displacement field within bytes
	kind     strategy.SiteKind
	endDelta int
}

func siteWidth(k strategy.SiteKind) int {
	switch k {
	case strategy.SiteRel8:
		return 1
	case strategy.SiteAbs64:
		return 8
	case strategy.SiteARMBranch, strategy.SiteA64Branch26, strategy.SiteA64Branch19:
		return 4
	default:
		return 4
	}
}

// fixedClean reports whether every byte of the form outside the
// displacement field is clean.
func (j *job) fixedClean(f *planned) bool {
	w := siteWidth(f.kind)
	for idx, b := range f.bytes {
		if idx >= f.dispOff && idx < f.dispOff+w {
			continue
		}
		if j.bad.IsBad(b) {
			return false
		}
	}
	return true
}

// emitBranch emits a displacement-carrying instruction at its current
// widening level and records the relocation site. Forms escalate when
// their fixed bytes are unclean; the widening counter is updated so
// later passes re-emit the same form.
func (j *job) emitBranch(i int, inst *disasm.Instruction, p *pass, emctx *strategy.Context) (string, string) {
	forms := j.branchForms(inst)
	if len(forms) == 0 {
		// Not a plannable transfer (LOOPE/LOOPNE and friends): identity
		// with a same-width site.
		p.buf.AppendBytes(inst.Raw)
		j.recordIdentitySites(i, inst, p)
		return "identity", ""
	}

	lvl := j.widen[i]
	if lvl >= len(forms) {
		lvl = len(forms) - 1
	}
	// Escalate past forms whose fixed bytes are unclean.
	chosen := -1
	for l := lvl; l < len(forms); l++ {
		if j.fixedClean(forms[l]) {
			chosen = l
			break
		}
	}
	residual := ""
	if chosen < 0 {
		chosen = lvl
		residual = ReasonNoCleanEncoding
	}
	j.widen[i] = chosen

	f := forms[chosen]
	start := p.buf.Len()
	p.buf.AppendBytes(f.bytes)
	p.sites = append(p.sites, strategy.Site{
		Kind:     f.kind,
		Offset:   start + f.dispOff,
		Target:   inst.Target,
		Inst:     i,
		EndDelta: f.endDelta,
	})
	return f.name, residual
}

// maxWiden returns the last widening level available to instruction i.
func (j *job) maxWiden(i int) int {
	forms := j.branchForms(j.insts[i])
	if len(forms) == 0 {
		return 0
	}
	return len(forms) - 1
}

func (j *job) branchForms(inst *disasm.Instruction) []*planned {
	switch {
	case j.arch.IsX86Family():
		return j.x86Forms(inst)
	case j.arch.Tag == arch.ARM32:
		return j.armForms(inst)
	case j.arch.Tag == arch.ARM64:
		return j.a64Forms(inst)
	}
	return nil
}

// --- x86 forms ---

const placeholder = 0x01

func rel8Form(name string, opcode ...byte) *planned {
	b := append(append([]byte(nil), opcode...), placeholder)
	return &planned{name: name, bytes: b, dispOff: len(opcode),
		kind: strategy.SiteRel8, endDelta: 1}
}

func rel32Form(name string, opcode ...byte) *planned {
	b := append(append([]byte(nil), opcode...), placeholder, placeholder, placeholder, placeholder)
	return &planned{name: name, bytes: b, dispOff: len(opcode),
		kind: strategy.SiteRel32, endDelta: 4}
}

// movJmpTail returns the absolute-transfer island MOV tmp, target;
// JMP/CALL tmp, with the immediate's offset within the tail.
func movJmpTail(long bool, call bool) (tail []byte, immOff int, kind strategy.SiteKind) {
	ctl := byte(0xE0) // JMP EAX
	if call {
		ctl = 0xD0 // CALL EAX
	}
	if long {
		tail = []byte{0x48, 0xB8, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, ctl}
		for i := 2; i < 10; i++ {
			tail[i] = placeholder
		}
		return tail, 2, strategy.SiteAbs64
	}
	tail = []byte{0xB8, placeholder, placeholder, placeholder, placeholder, 0xFF, ctl}
	return tail, 1, strategy.SiteAbs32
}

func absForm(name string, prefix []byte, long bool, call bool) *planned {
	tail, immOff, kind := movJmpTail(long, call)
	b := append(append([]byte(nil), prefix...), tail...)
	return &planned{name: name, bytes: b, dispOff: len(prefix) + immOff, kind: kind}
}

func (j *job) x86Forms(inst *disasm.Instruction) []*planned {
	x := inst.X86
	long := j.arch.Tag == arch.X64
	origShort := x.PCRel == 1

	var forms []*planned
	if cc, isCond := x86enc.CondFromOp(x.Op); isCond {
		if origShort {
			forms = append(forms, rel8Form("branch/jcc-short", x86enc.JccShortOpcode(cc)))
		}
		near := x86enc.JccNearOpcode(cc)
		forms = append(forms, rel32Form("branch/jcc-near", near[0], near[1]))
		inv := x86enc.InvertCond(cc)
		skip := movJmpSkipLen(long)
		f := absForm("branch/jcc-abs", []byte{x86enc.JccShortOpcode(inv), skip}, long, false)
		forms = append(forms, f)
		return forms
	}

	switch x.Op {
	case x86asm.JMP:
		if origShort {
			forms = append(forms, rel8Form("branch/jmp-short", 0xEB))
		}
		forms = append(forms, rel32Form("branch/jmp-near", 0xE9))
		forms = append(forms, absForm("branch/jmp-abs", nil, long, false))
	case x86asm.CALL:
		forms = append(forms, rel32Form("branch/call-near", 0xE8))
		forms = append(forms, absForm("branch/call-abs", nil, long, true))
	case x86asm.JECXZ, x86asm.JCXZ, x86asm.JRCXZ:
		// TEST ECX, ECX; JZ target (TEST RCX, RCX on x86-64).
		prefix := []byte{0x85, 0xC9}
		if long {
			prefix = []byte{0x48, 0x85, 0xC9}
		}
		forms = append(forms,
			withPrefix(prefix, rel8Form("branch/jecxz-test", 0x74)),
			withPrefix(prefix, rel32Form("branch/jecxz-test-near", 0x0F, 0x84)),
			withPrefix(prefix, absForm("branch/jecxz-test-abs",
				[]byte{0x75, movJmpSkipLen(long)}, long, false)))
	case x86asm.LOOP:
		// DEC ECX; JNZ target.
		prefix := []byte{0x49}
		if long {
			prefix = []byte{0x48, 0xFF, 0xC9}
		}
		forms = append(forms,
			withPrefix(prefix, rel8Form("branch/loop-dec", 0x75)),
			withPrefix(prefix, rel32Form("branch/loop-dec-near", 0x0F, 0x85)),
			withPrefix(prefix, absForm("branch/loop-dec-abs",
				[]byte{0x74, movJmpSkipLen(long)}, long, false)))
	default:
		// LOOPE/LOOPNE depend on flags a DEC would clobber.
		return nil
	}
	return forms
}

func movJmpSkipLen(long bool) byte {
	if long {
		return 12 // 48 B8 imm64; FF E0
	}
	return 7 // B8 imm32; FF E0
}

func withPrefix(prefix []byte, f *planned) *planned {
	f.bytes = append(append([]byte(nil), prefix...), f.bytes...)
	f.dispOff += len(prefix)
	return f
}

// --- ARM32 forms ---

func wordForm(name string, words []uint32, siteWordIdx int, kind strategy.SiteKind, endDelta int) *planned {
	b := make([]byte, 0, 4*len(words))
	for _, w := range words {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], w)
		b = append(b, tmp[:]...)
	}
	return &planned{name: name, bytes: b, dispOff: siteWordIdx * 4, kind: kind, endDelta: endDelta}
}

const armPlaceholder24 = 0x010101

func (j *job) armForms(inst *disasm.Instruction) []*planned {
	word := inst.Word
	cond := armenc.Cond(word)
	link := armenc.IsBranchLink(word)

	direct := (word &^ uint32(armenc.Mask24Bit)) | armPlaceholder24
	forms := []*planned{
		wordForm("branch/arm-direct", []uint32{direct}, 0,
			strategy.SiteARMBranch, armenc.PipelineOffset),
	}

	// One-word skip, then an always-taken branch whose offset shrinks
	// by one word relative to the direct form.
	alWord, _ := armenc.Branch(armenc.CondAL, 0, link)
	alWord = (alWord &^ uint32(armenc.Mask24Bit)) | armPlaceholder24
	if inv, err := armenc.InvertCondition(cond); err == nil {
		skip, _ := armenc.Branch(inv, 0, false)
		forms = append(forms, wordForm("branch/arm-skip-alt",
			[]uint32{skip, alWord}, 1, strategy.SiteARMBranch, armenc.PipelineOffset))
	} else if cond == armenc.CondAL {
		if pad, ok := j.cleanPadWord(); ok {
			forms = append(forms, wordForm("branch/arm-pad-alt",
				[]uint32{pad, alWord}, 1, strategy.SiteARMBranch, armenc.PipelineOffset))
		}
	}
	return forms
}

// cleanPadWord picks a harmless MOV Rn, Rn whose encoding is clean.
func (j *job) cleanPadWord() (uint32, bool) {
	for _, r := range [...]uint32{1, 2, 3, 4, 0} {
		w := armenc.DataProcReg(armenc.CondAL, armenc.OpMOV, 0, 0, r, r)
		if j.bad.IntegerOK(uint64(w), 4) {
			return w, true
		}
	}
	return 0, false
}

// --- AArch64 forms ---

func (j *job) a64Forms(inst *disasm.Instruction) []*planned {
	word := inst.Word
	const a64NOP = 0xD503201F

	if arm64enc.IsBranch(word) {
		direct := (word &^ uint32(0x03FFFFFF)) | armPlaceholder24
		forms := []*planned{
			wordForm("branch/a64-direct", []uint32{direct}, 0, strategy.SiteA64Branch26, 0),
		}
		forms = append(forms, wordForm("branch/a64-pad-alt",
			[]uint32{a64NOP, direct}, 1, strategy.SiteA64Branch26, 0))
		return forms
	}

	// B.cond
	cond := word & 0xF
	imm19Mask := uint32(0x7FFFF) << 5
	direct := (word &^ imm19Mask) | (uint32(armPlaceholder24) << 5 & imm19Mask)
	forms := []*planned{
		wordForm("branch/a64-cond", []uint32{direct}, 0, strategy.SiteA64Branch19, 0),
	}
	if inv, err := arm64enc.InvertCondition(cond); err == nil {
		skip, _ := arm64enc.CondBranch(inv, 2)
		b, _ := arm64enc.Branch(1, false)
		b = (b &^ uint32(0x03FFFFFF)) | armPlaceholder24
		forms = append(forms, wordForm("branch/a64-skip-alt",
			[]uint32{skip, b}, 1, strategy.SiteA64Branch26, 0))
	}
	return forms
}

// recordIdentitySites registers the displacement sites of an
// identity-emitted instruction: the PC-relative field of an unplanned
// transfer, or the RIP-relative displacement of an x86-64 memory
// operand.
func (j *job) recordIdentitySites(i int, inst *disasm.Instruction, p *pass) {
	start := p.buf.Len() - len(inst.Raw)
	if x := inst.X86; x != nil {
		if inst.HasTarget && x.PCRel > 0 {
			kind := strategy.SiteRel32
			if x.PCRel == 1 {
				kind = strategy.SiteRel8
			}
			p.sites = append(p.sites, strategy.Site{
				Kind:     kind,
				Offset:   start + x.PCRelOff,
				Target:   inst.Target,
				Inst:     i,
				EndDelta: x.Len - x.PCRelOff,
			})
			return
		}
		if j.arch.Tag == arch.X64 {
			if off, target, ok := ripDispSite(inst); ok {
				p.sites = append(p.sites, strategy.Site{
					Kind:     strategy.SiteRel32,
					Offset:   start + off,
					Target:   target,
					Inst:     i,
					EndDelta: x.Len - off,
				})
			}
		}
	}
}

// ripDispSite locates the 32-bit RIP-relative displacement field inside
// an instruction's raw bytes by value search from the tail.
func ripDispSite(inst *disasm.Instruction) (off int, target uint64, ok bool) {
	x := inst.X86
	for _, a := range x.Args {
		m, isMem := a.(x86asm.Mem)
		if !isMem || m.Base != x86asm.RIP {
			continue
		}
		disp := uint32(int32(m.Disp))
		for o := len(inst.Raw) - 4; o >= 1; o-- {
			if binary.LittleEndian.Uint32(inst.Raw[o:]) == disp {
				return o, inst.Addr + uint64(x.Len) + uint64(int64(int32(m.Disp))), true
			}
		}
	}
	return 0, 0, false
}
