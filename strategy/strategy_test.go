package strategy_test

import (
	"bytes"
	"testing"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/badbyte"
	"github.com/maleick/byvalver/disasm"
	"github.com/maleick/byvalver/strategy"
)

// Helper to decode a single instruction for strategy probing.
func decodeOne(t *testing.T, tag arch.Tag, raw []byte) *disasm.Instruction {
	t.Helper()
	insts, err := disasm.Decode(raw, 0, arch.Lookup(tag))
	if err != nil {
		t.Fatalf("decode %x failed: %v", raw, err)
	}
	if len(insts) != 1 {
		t.Fatalf("decode %x yielded %d instructions", raw, len(insts))
	}
	return insts[0]
}

// Helper to build an emission context over a fresh buffer.
func newTestContext(tag arch.Tag, bad *badbyte.Set) (*strategy.Context, *strategy.Buffer) {
	buf := &strategy.Buffer{}
	ctx := &strategy.Context{
		Arch:      arch.Lookup(tag),
		Bad:       bad,
		OffsetFn:  buf.Len,
		RecordFn:  func(strategy.Site) {},
		NewAddrFn: func(uint64) (uint64, bool) { return 0, false },
	}
	return ctx, buf
}

// runFirst applies the highest-priority applicable strategy the way the
// engine does, including the post-condition check.
func runFirst(t *testing.T, reg *strategy.Registry, tag arch.Tag, bad *badbyte.Set, raw []byte) []byte {
	t.Helper()
	inst := decodeOne(t, tag, raw)
	ctx, buf := newTestContext(tag, bad)
	for _, s := range reg.ForArch(tag) {
		if !s.Applicable(inst, ctx) {
			continue
		}
		mark := buf.Len()
		if err := s.Emit(inst, buf, ctx); err != nil {
			buf.Truncate(mark)
			continue
		}
		if buf.Len() == mark || !bad.BytesOK(buf.Bytes()[mark:]) {
			buf.Truncate(mark)
			continue
		}
		return buf.Bytes()
	}
	return nil
}

func TestRegistryOrdering(t *testing.T) {
	reg := strategy.DefaultRegistry()
	for _, tag := range []arch.Tag{arch.X86, arch.X64, arch.ARM32, arch.ARM64} {
		list := reg.ForArch(tag)
		if len(list) == 0 {
			t.Fatalf("no strategies for %v", tag)
		}
		for i := 1; i < len(list); i++ {
			if list[i].Priority() > list[i-1].Priority() {
				t.Errorf("%v registry not sorted: %s before %s", tag, list[i-1].Name(), list[i].Name())
			}
			if list[i].Arch() != tag {
				t.Errorf("foreign strategy %s in %v list", list[i].Name(), tag)
			}
		}
	}
}

func TestXorZero(t *testing.T) {
	reg := strategy.DefaultRegistry()
	// MOV EAX, 0
	out := runFirst(t, reg, arch.X86, badbyte.NewSet(0x00), []byte{0xB8, 0x00, 0x00, 0x00, 0x00})
	if !bytes.Equal(out, []byte{0x31, 0xC0}) {
		t.Errorf("MOV EAX, 0 rewrote to %x, want 31c0", out)
	}
	// MOV EBX, 0
	out = runFirst(t, reg, arch.X86, badbyte.NewSet(0x00), []byte{0xBB, 0x00, 0x00, 0x00, 0x00})
	if !bytes.Equal(out, []byte{0x31, 0xDB}) {
		t.Errorf("MOV EBX, 0 rewrote to %x, want 31db", out)
	}
}

func TestIncChain(t *testing.T) {
	reg := strategy.DefaultRegistry()
	// MOV BL, 3 with 0x03 forbidden
	out := runFirst(t, reg, arch.X86, badbyte.NewSet(0x03), []byte{0xB3, 0x03})
	if out == nil {
		t.Fatal("no strategy produced clean bytes")
	}
	want := []byte{0x31, 0xDB, 0x66, 0x43, 0x66, 0x43, 0x66, 0x43}
	if !bytes.Equal(out, want) {
		t.Errorf("MOV BL, 3 rewrote to %x, want %x", out, want)
	}
	for _, b := range out {
		if b == 0x03 {
			t.Fatal("output contains the forbidden byte")
		}
	}
}

func TestImmSubstitution(t *testing.T) {
	reg := strategy.DefaultRegistry()
	bad := badbyte.NewSet(0x00)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"low null lanes", []byte{0xB8, 0x41, 0x00, 0x00, 0x00}}, // MOV EAX, 0x41
		{"mixed lanes", []byte{0xB9, 0x00, 0x10, 0x00, 0x00}},    // MOV ECX, 0x1000
		{"high half", []byte{0xBA, 0x00, 0x00, 0x41, 0x41}},      // MOV EDX, 0x41410000
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runFirst(t, reg, arch.X86, bad, tt.raw)
			if out == nil {
				t.Fatal("no strategy produced clean bytes")
			}
			if !bad.BytesOK(out) {
				t.Fatalf("output %x contains a forbidden byte", out)
			}
		})
	}
}

func TestX86Substitutions(t *testing.T) {
	reg := strategy.DefaultRegistry()

	tests := []struct {
		name string
		raw  []byte
		bad  *badbyte.Set
		want []byte
	}{
		{
			"xlat",
			[]byte{0xD7},
			badbyte.NewSet(0xD7),
			[]byte{0x0F, 0xB6, 0xC0, 0x01, 0xD8, 0x8A, 0x00},
		},
		{
			"lahf",
			[]byte{0x9F},
			badbyte.NewSet(0x9F),
			[]byte{0x9C, 0x58, 0x88, 0xC4},
		},
		{
			"sahf",
			[]byte{0x9E},
			badbyte.NewSet(0x9E),
			[]byte{0x9C, 0x5B, 0x88, 0xE3, 0x53, 0x9D},
		},
		{
			"leave",
			[]byte{0xC9},
			badbyte.NewSet(0xC9),
			[]byte{0x89, 0xEC, 0x5D},
		},
		{
			"enter 0x20, 0",
			[]byte{0xC8, 0x20, 0x00, 0x00},
			badbyte.NewSet(0xC8),
			[]byte{0x55, 0x89, 0xE5, 0x83, 0xEC, 0x20},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runFirst(t, reg, arch.X86, tt.bad, tt.raw)
			if !bytes.Equal(out, tt.want) {
				t.Errorf("rewrote to %x, want %x", out, tt.want)
			}
		})
	}
}

func TestEnterNestedUnsupported(t *testing.T) {
	// ENTER 0x10, 1: non-zero nesting level.
	inst := decodeOne(t, arch.X86, []byte{0xC8, 0x10, 0x00, 0x01})
	ctx, buf := newTestContext(arch.X86, badbyte.NewSet(0xC8))
	var subst strategy.Strategy
	for _, s := range strategy.DefaultRegistry().ForArch(arch.X86) {
		if s.Name() == "x86/substitution" {
			subst = s
			break
		}
	}
	if subst == nil {
		t.Fatal("substitution strategy not registered")
	}
	if !subst.Applicable(inst, ctx) {
		t.Fatal("substitution should match ENTER")
	}
	if err := subst.Emit(inst, buf, ctx); err != strategy.ErrUnsupported {
		t.Errorf("Emit error = %v, want ErrUnsupported", err)
	}
}

func TestRepExpand(t *testing.T) {
	reg := strategy.DefaultRegistry()
	// REP MOVSB with 0xF3 forbidden.
	out := runFirst(t, reg, arch.X86, badbyte.NewSet(0xF3), []byte{0xF3, 0xA4})
	want := []byte{0x85, 0xC9, 0x74, 0x04, 0xA4, 0x49, 0x75, 0xFC}
	if !bytes.Equal(out, want) {
		t.Errorf("REP MOVSB expanded to %x, want %x", out, want)
	}
}

func TestARMDataProc(t *testing.T) {
	reg := strategy.DefaultRegistry()

	// MOV R0, #0xFF with 0xFF forbidden: no single-instruction encoding
	// survives, so an additive split is expected.
	bad := badbyte.NewSet(0xFF)
	out := runFirst(t, reg, arch.ARM32, bad, []byte{0xFF, 0x00, 0xA0, 0xE3})
	if out == nil {
		t.Fatal("no strategy produced clean bytes")
	}
	if !bad.BytesOK(out) {
		t.Fatalf("output %x contains a forbidden byte", out)
	}
	if len(out)%4 != 0 {
		t.Fatalf("output length %d not word-aligned", len(out))
	}

	// MOV R1, #0 with 0x00 forbidden: every rotation keeps a null low
	// byte and ~0 has no rotated encoding for MVN, so the EOR R1, R1, R1
	// zeroing form remains; the bytes must be clean.
	bad = badbyte.NewSet(0x00)
	out = runFirst(t, reg, arch.ARM32, bad, []byte{0x00, 0x10, 0xA0, 0xE3})
	if out == nil {
		t.Fatal("no strategy produced clean bytes for MOV R1, #0")
	}
	if !bad.BytesOK(out) {
		t.Fatalf("output %x contains a forbidden byte", out)
	}
}

func TestARMLoadStoreSplit(t *testing.T) {
	reg := strategy.DefaultRegistry()
	// LDR R0, [R1, #0x100] with 0x01 forbidden: the offset byte 0x01
	// (of 0x100's encoding) is unclean, so the displacement splits.
	bad := badbyte.NewSet(0x01)
	raw := []byte{0x00, 0x01, 0x91, 0xE5} // E5910100
	out := runFirst(t, reg, arch.ARM32, bad, raw)
	if out == nil {
		t.Fatal("no strategy produced clean bytes")
	}
	if !bad.BytesOK(out) {
		t.Fatalf("output %x contains a forbidden byte", out)
	}
	if len(out) != 12 {
		t.Errorf("expected pre-adjust, access, restore (12 bytes), got %d", len(out))
	}
}

func TestA64MovWide(t *testing.T) {
	reg := strategy.DefaultRegistry()
	// MOVZ W0, #0xFFFF with 0xFF forbidden: the complementary
	// MOVN W0, #0xFFFF, LSL #16 also carries 0xFF bytes, so a clean
	// alternative must be found.
	bad := badbyte.NewSet(0xFF)
	raw := []byte{0xE0, 0xFF, 0x9F, 0x52} // MOVZ W0, #0xFFFF
	out := runFirst(t, reg, arch.ARM64, bad, raw)
	if out == nil {
		t.Fatal("no strategy produced clean bytes")
	}
	if !bad.BytesOK(out) {
		t.Fatalf("output %x contains a forbidden byte", out)
	}
}

func TestBufferPrimitives(t *testing.T) {
	var b strategy.Buffer
	b.Append(0x01, 0x02)
	b.AppendBytes([]byte{0x03, 0x04})
	b.AppendWord(0x08070605)
	if b.Len() != 8 {
		t.Fatalf("Len = %d, want 8", b.Len())
	}
	if !bytes.Equal(b.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("Bytes = %x", b.Bytes())
	}
	b.WriteAt(2, []byte{0xAA, 0xBB})
	if b.Bytes()[2] != 0xAA || b.Bytes()[3] != 0xBB {
		t.Error("WriteAt did not overwrite")
	}
	if b.WordAt(4) != 0x08070605 {
		t.Errorf("WordAt = %#x", b.WordAt(4))
	}
	b.Truncate(3)
	if b.Len() != 3 {
		t.Errorf("Len after Truncate = %d", b.Len())
	}
	b.Reset()
	if b.Len() != 0 {
		t.Error("Reset did not empty the buffer")
	}
}
