package engine_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/badbyte"
	"github.com/maleick/byvalver/engine"
	"github.com/maleick/byvalver/strategy"
)

func allBytesSet() *badbyte.Set {
	vals := make([]byte, 256)
	for i := range vals {
		vals[i] = byte(i)
	}
	return badbyte.NewSet(vals...)
}

func rewrite(t *testing.T, blob []byte, opts engine.Options) *engine.Result {
	t.Helper()
	res, err := engine.Rewrite(context.Background(), blob, opts)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	return res
}

// Scenario: x86 zero-load. MOV EAX, 0 becomes XOR EAX, EAX with no
// null byte and an empty residual list.
func TestX86ZeroLoad(t *testing.T) {
	res := rewrite(t, []byte{0xB8, 0x00, 0x00, 0x00, 0x00}, engine.Options{
		Arch: arch.X86,
		Bad:  badbyte.NewSet(0x00),
	})
	if !bytes.Equal(res.Output, []byte{0x31, 0xC0}) {
		t.Errorf("output = %x, want 31c0", res.Output)
	}
	if len(res.Residuals) != 0 {
		t.Errorf("residuals = %v, want none", res.Residuals)
	}
	if len(res.Records) != 1 {
		t.Errorf("records = %d, want 1", len(res.Records))
	}
}

// Scenario: x86 small constant in BL with 0x03 forbidden realises
// BL=3 through an XOR + INC chain.
func TestX86SmallConstantBL(t *testing.T) {
	bad := badbyte.NewSet(0x03)
	res := rewrite(t, []byte{0xB3, 0x03}, engine.Options{
		Arch: arch.X86,
		Bad:  bad,
	})
	if !bad.BytesOK(res.Output) {
		t.Fatalf("output %x contains 0x03", res.Output)
	}
	if len(res.Residuals) != 0 {
		t.Errorf("residuals = %v, want none", res.Residuals)
	}
	if res.Records[0].Strategy != "x86/inc-chain" {
		t.Errorf("strategy = %s, want x86/inc-chain", res.Records[0].Strategy)
	}
}

// Scenario: a short JMP straddling a rewrite keeps reaching its
// original target after the MOV shrinks to a 2-byte XOR.
func TestX86JumpAcrossRewrite(t *testing.T) {
	// MOV EAX, 0; JMP +1 (to the second NOP); NOP; NOP
	blob := []byte{
		0xB8, 0x00, 0x00, 0x00, 0x00,
		0xEB, 0x01,
		0x90,
		0x90,
	}
	bad := badbyte.NewSet(0x00)
	res := rewrite(t, blob, engine.Options{Arch: arch.X86, Bad: bad})

	if !bad.BytesOK(res.Output) {
		t.Fatalf("output %x contains 0x00", res.Output)
	}
	want := []byte{0x31, 0xC0, 0xEB, 0x01, 0x90, 0x90}
	if !bytes.Equal(res.Output, want) {
		t.Fatalf("output = %x, want %x", res.Output, want)
	}
	// The displacement still lands on the rewritten offset of old 0x8.
	if off, ok := res.AddrMap[8]; !ok || off != 5 {
		t.Errorf("AddrMap[8] = %d, %v; want 5", off, ok)
	}
}

// Scenario: a short JMP whose displacement would become unclean is
// widened until a form with a clean displacement is found.
func TestX86JumpWidening(t *testing.T) {
	// JMP +0: the next instruction. Forbidding 0x00 forces the rel8
	// displacement of zero out of the short form, then out of the near
	// form, landing on the absolute-transfer pattern.
	blob := []byte{
		0xEB, 0x00,
		0x90,
	}
	const base = 0x11223344
	bad := badbyte.NewSet(0x00)
	res := rewrite(t, blob, engine.Options{Arch: arch.X86, Bad: bad, Base: base})
	if !bad.BytesOK(res.Output) {
		t.Fatalf("output %x contains 0x00", res.Output)
	}
	if len(res.Residuals) != 0 {
		t.Errorf("residuals = %v, want none", res.Residuals)
	}
	// The NOP must still be reachable as the jump target.
	if off, ok := res.AddrMap[base+2]; !ok || res.Output[off] != 0x90 {
		t.Errorf("jump target not preserved: AddrMap[base+2] = %d, %v", off, ok)
	}
	if res.Passes < 2 {
		t.Errorf("expected at least one widening pass, got %d", res.Passes)
	}
}

// Scenario: ARM32 MOV of an immediate whose encoding carries a
// forbidden byte is re-expressed cleanly.
func TestARMImmediateRewrite(t *testing.T) {
	// MOV R0, #0xFF with 0xFF forbidden.
	blob := []byte{0xFF, 0x00, 0xA0, 0xE3}
	bad := badbyte.NewSet(0xFF)
	res := rewrite(t, blob, engine.Options{Arch: arch.ARM32, Bad: bad})
	if !bad.BytesOK(res.Output) {
		t.Fatalf("output %x contains 0xFF", res.Output)
	}
	if len(res.Residuals) != 0 {
		t.Errorf("residuals = %v, want none", res.Residuals)
	}
	if len(res.Output)%4 != 0 {
		t.Errorf("output length %d not word-aligned", len(res.Output))
	}
}

// Scenario: an ARM32 conditional branch with a forbidden byte in its
// offset becomes an inverted one-word skip plus an always-taken branch
// with the offset reduced by one word.
func TestARMConditionalBranchSkip(t *testing.T) {
	// BNE +0x10 words: offset byte 0x10 is forbidden.
	word := uint32(0x1A000010)
	blob := make([]byte, 4)
	binary.LittleEndian.PutUint32(blob, word)

	bad := badbyte.NewSet(0x10)
	res := rewrite(t, blob, engine.Options{Arch: arch.ARM32, Bad: bad})
	if !bad.BytesOK(res.Output) {
		t.Fatalf("output %x contains 0x10", res.Output)
	}
	if len(res.Output) != 8 {
		t.Fatalf("output length = %d, want 8", len(res.Output))
	}
	skip := binary.LittleEndian.Uint32(res.Output[0:4])
	taken := binary.LittleEndian.Uint32(res.Output[4:8])
	if skip != 0x0A000000 {
		t.Errorf("skip word = %#08x, want 0x0A000000 (BEQ +0)", skip)
	}
	// Offset reduced by one word: 0x10 - 1.
	if taken != 0xEA00000F {
		t.Errorf("taken word = %#08x, want 0xEA00000F", taken)
	}
}

// Scenario: residual reporting. With every byte forbidden the output
// equals the input and each instruction is reported.
func TestResidualReporting(t *testing.T) {
	blob := []byte{
		0xB8, 0x01, 0x01, 0x01, 0x01, // MOV EAX, 0x01010101
		0x90, // NOP
	}
	res := rewrite(t, blob, engine.Options{Arch: arch.X86, Bad: allBytesSet()})
	if !bytes.Equal(res.Output, blob) {
		t.Fatalf("output = %x, want the input unchanged", res.Output)
	}
	if len(res.Residuals) != 2 {
		t.Fatalf("residuals = %d, want 2", len(res.Residuals))
	}
	for _, r := range res.Residuals {
		if r.Reason != engine.ReasonNoCleanEncoding {
			t.Errorf("residual reason = %s", r.Reason)
		}
	}
}

// Rewriting an already-clean input with an empty registry is the
// identity.
func TestIdempotentOnCleanInput(t *testing.T) {
	blob := []byte{
		0x90,
		0x90,
		0xEB, 0xFC, // JMP back to offset 0
	}
	res := rewrite(t, blob, engine.Options{
		Arch:     arch.X86,
		Bad:      badbyte.NewSet(0x00),
		Registry: strategy.NewRegistry(),
	})
	if !bytes.Equal(res.Output, blob) {
		t.Errorf("output = %x, want byte-identical input", res.Output)
	}
	if len(res.Residuals) != 0 {
		t.Errorf("residuals = %v", res.Residuals)
	}
}

// One RewriteRecord per decoded instruction, sizes matching the bytes
// emitted, and a total address map.
func TestRecordInvariants(t *testing.T) {
	blob := []byte{
		0xB8, 0x00, 0x00, 0x00, 0x00,
		0x31, 0xDB,
		0x90,
	}
	res := rewrite(t, blob, engine.Options{Arch: arch.X86, Bad: badbyte.NewSet(0x00)})
	if len(res.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(res.Records))
	}
	total := 0
	for _, rec := range res.Records {
		if rec.NewOff != total {
			t.Errorf("record %#x: NewOff = %d, want %d", rec.OldAddr, rec.NewOff, total)
		}
		total += rec.Size
		if _, ok := res.AddrMap[rec.OldAddr]; !ok {
			t.Errorf("address map missing %#x", rec.OldAddr)
		}
	}
	if total != len(res.Output) {
		t.Errorf("record sizes sum to %d, output is %d bytes", total, len(res.Output))
	}
}

// JECXZ is replaced by TEST ECX, ECX; JZ target.
func TestJECXZSubstitution(t *testing.T) {
	blob := []byte{
		0xE3, 0x01, // JECXZ +1
		0x90,
		0x90,
	}
	bad := badbyte.NewSet(0xE3)
	res := rewrite(t, blob, engine.Options{Arch: arch.X86, Bad: bad})
	if !bad.BytesOK(res.Output) {
		t.Fatalf("output %x contains 0xE3", res.Output)
	}
	if !bytes.HasPrefix(res.Output, []byte{0x85, 0xC9, 0x74}) {
		t.Errorf("output = %x, want TEST ECX, ECX; JZ prefix", res.Output)
	}
}

// The obfuscation pass stays deterministic for a fixed seed and never
// emits a forbidden byte.
func TestObfuscationDeterministic(t *testing.T) {
	blob := []byte{
		0xB8, 0x00, 0x00, 0x00, 0x00,
		0x31, 0xDB,
		0x41, // INC ECX
		0x90,
	}
	opts := engine.Options{
		Arch:      arch.X86,
		Bad:       badbyte.NewSet(0x00),
		Obfuscate: true,
		Seed:      7,
	}
	first := rewrite(t, blob, opts)
	second := rewrite(t, blob, opts)
	if !bytes.Equal(first.Output, second.Output) {
		t.Error("same seed produced different outputs")
	}
	if !badbyte.NewSet(0x00).BytesOK(first.Output) {
		t.Fatalf("obfuscated output %x contains 0x00", first.Output)
	}
}

// Cancellation is honoured at instruction boundaries.
func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Rewrite(ctx, []byte{0x90, 0x90}, engine.Options{
		Arch: arch.X86,
		Bad:  badbyte.NewSet(0x00),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// The instruction-count ceiling reports as unconvergent.
func TestInstructionCeiling(t *testing.T) {
	_, err := engine.Rewrite(context.Background(), []byte{0x90, 0x90, 0x90}, engine.Options{
		Arch:            arch.X86,
		Bad:             badbyte.NewSet(0x00),
		MaxInstructions: 2,
	})
	if !errors.Is(err, engine.ErrUnconvergent) {
		t.Errorf("error = %v, want ErrUnconvergent", err)
	}
}

// An empty bad-byte set passes everything through unchanged.
func TestEmptyBadSetIdentity(t *testing.T) {
	blob := []byte{0xB8, 0x00, 0x00, 0x00, 0x00, 0x90}
	res := rewrite(t, blob, engine.Options{Arch: arch.X86, Bad: badbyte.NewSet()})
	if !bytes.Equal(res.Output, blob) {
		t.Errorf("output = %x, want untouched input", res.Output)
	}
	if len(res.Residuals) != 0 {
		t.Errorf("residuals = %v", res.Residuals)
	}
}
