// Package badbyte implements the byte-set oracle: the immutable set of
// byte values the rewritten output must not contain.
package badbyte

import (
	"fmt"
	"strconv"
	"strings"
)

// Set is a 256-entry membership table over byte values. It is built once
// from configuration and shared read-only by every component of a job.
type Set struct {
	member [256]bool
	count  int
}

// NewSet builds a Set from the given byte values. Duplicates are allowed.
func NewSet(values ...byte) *Set {
	s := &Set{}
	for _, v := range values {
		if !s.member[v] {
			s.member[v] = true
			s.count++
		}
	}
	return s
}

// ParseSet builds a Set from a comma-separated list of byte literals,
// e.g. "0x00,0x0a,255". An empty string yields the empty set.
func ParseSet(spec string) (*Set, error) {
	s := &Set{}
	if strings.TrimSpace(spec) == "" {
		return s, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		v, err := strconv.ParseUint(part, 0, 16)
		if err != nil || v > 0xFF {
			return nil, fmt.Errorf("invalid bad-byte value %q", part)
		}
		if !s.member[byte(v)] {
			s.member[byte(v)] = true
			s.count++
		}
	}
	return s, nil
}

// Count returns the number of distinct bad byte values in the set.
func (s *Set) Count() int { return s.count }

// IsBad reports whether b is a member of the set.
func (s *Set) IsBad(b byte) bool { return s.member[b] }

// BytesOK reports whether no byte of buf is a member of the set.
func (s *Set) BytesOK(buf []byte) bool {
	for _, b := range buf {
		if s.member[b] {
			return false
		}
	}
	return true
}

// IntegerOK reports whether every constituent little-endian byte of v,
// at the given width in bytes, is outside the set.
func (s *Set) IntegerOK(v uint64, width int) bool {
	for i := 0; i < width; i++ {
		if s.member[byte(v>>(8*i))] {
			return false
		}
	}
	return true
}

// Values returns the members of the set in ascending order. Used for
// reporting only.
func (s *Set) Values() []byte {
	out := make([]byte, 0, s.count)
	for i := 0; i < 256; i++ {
		if s.member[byte(i)] {
			out = append(out, byte(i))
		}
	}
	return out
}

// String renders the set as a comma-separated hex list.
func (s *Set) String() string {
	parts := make([]string, 0, s.count)
	for _, v := range s.Values() {
		parts = append(parts, fmt.Sprintf("0x%02X", v))
	}
	return strings.Join(parts, ",")
}
