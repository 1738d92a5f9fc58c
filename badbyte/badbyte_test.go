package badbyte_test

import (
	"testing"

	"github.com/maleick/byvalver/badbyte"
)

func TestIsBad(t *testing.T) {
	s := badbyte.NewSet(0x00, 0x0A, 0xFF)

	tests := []struct {
		name string
		b    byte
		want bool
	}{
		{"null is bad", 0x00, true},
		{"newline is bad", 0x0A, true},
		{"0xFF is bad", 0xFF, true},
		{"0x01 is clean", 0x01, false},
		{"0x90 is clean", 0x90, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsBad(tt.b); got != tt.want {
				t.Errorf("IsBad(0x%02X) = %v, want %v", tt.b, got, tt.want)
			}
		})
	}
}

func TestBytesOK(t *testing.T) {
	s := badbyte.NewSet(0x00)

	if s.BytesOK([]byte{0x31, 0xC0, 0x00}) {
		t.Error("BytesOK should reject a buffer containing 0x00")
	}
	if !s.BytesOK([]byte{0x31, 0xC0}) {
		t.Error("BytesOK should accept a clean buffer")
	}
	if !s.BytesOK(nil) {
		t.Error("BytesOK should accept an empty buffer")
	}
}

func TestIntegerOK(t *testing.T) {
	s := badbyte.NewSet(0x00)

	tests := []struct {
		name  string
		v     uint64
		width int
		want  bool
	}{
		{"0x41414141 clean at 4", 0x41414141, 4, true},
		{"0xFF has null high bytes at 4", 0xFF, 4, false},
		{"0xFF clean at 1", 0xFF, 1, true},
		{"0x01010101 clean at 4", 0x01010101, 4, true},
		{"zero always null", 0, 4, false},
		{"0x0102 clean at 2", 0x0102, 2, true},
		{"0x0102 null at 4", 0x0102, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IntegerOK(tt.v, tt.width); got != tt.want {
				t.Errorf("IntegerOK(0x%X, %d) = %v, want %v", tt.v, tt.width, got, tt.want)
			}
		})
	}
}

func TestParseSet(t *testing.T) {
	s, err := badbyte.ParseSet("0x00, 0x0a, 255")
	if err != nil {
		t.Fatalf("ParseSet failed: %v", err)
	}
	if s.Count() != 3 {
		t.Errorf("Count = %d, want 3", s.Count())
	}
	if !s.IsBad(0xFF) || !s.IsBad(0x0A) || !s.IsBad(0x00) {
		t.Error("parsed set missing expected members")
	}

	if _, err := badbyte.ParseSet("0x100"); err == nil {
		t.Error("expected error for out-of-range byte")
	}
	if _, err := badbyte.ParseSet("xyz"); err == nil {
		t.Error("expected error for non-numeric value")
	}

	empty, err := badbyte.ParseSet("")
	if err != nil {
		t.Fatalf("empty spec should parse: %v", err)
	}
	if empty.Count() != 0 {
		t.Errorf("empty spec Count = %d, want 0", empty.Count())
	}
}

func TestValuesSorted(t *testing.T) {
	s := badbyte.NewSet(0xFF, 0x00, 0x7F)
	vals := s.Values()
	if len(vals) != 3 || vals[0] != 0x00 || vals[1] != 0x7F || vals[2] != 0xFF {
		t.Errorf("Values = %v, want [0x00 0x7F 0xFF]", vals)
	}
	if s.String() != "0x00,0x7F,0xFF" {
		t.Errorf("String = %q", s.String())
	}
}
