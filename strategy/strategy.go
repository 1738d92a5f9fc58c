// Package strategy defines the rewriting-strategy contract, the
// per-architecture registry, and the built-in strategy families.
package strategy

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/badbyte"
	"github.com/maleick/byvalver/disasm"
)

// ErrUnsupported signals that a strategy cannot handle a subcase of an
// instruction family it otherwise matches (e.g. nested ENTER). The
// engine records the instruction as residual and keeps going.
var ErrUnsupported = errors.New("unsupported instruction subcase")

// SiteKind describes the width and interpretation of a relocation site.
type SiteKind int

const (
	SiteRel8       SiteKind = iota // x86 8-bit displacement
	SiteRel32                      // x86 32-bit displacement
	SiteAbs32                      // x86 32-bit absolute address (base + new offset)
	SiteAbs64                      // x86-64 64-bit absolute address
	SiteARMBranch                  // A32 24-bit word offset, PC+8 relative
	SiteA64Branch26                // AArch64 B/BL imm26 word offset
	SiteA64Branch19                // AArch64 B.cond imm19 word offset
)

// Site is a position in the output whose bytes encode a displacement
// requiring fixup after emission. For the x86 kinds Offset addresses
// the displacement field itself and EndDelta is the distance from the
// field start to the end of the owning instruction. For the ARM kinds
// Offset addresses the instruction word and EndDelta is the PC read
// offset (8 for A32, 0 for AArch64).
type Site struct {
	Kind     SiteKind
	Offset   int
	Target   uint64 // old target address
	Inst     int    // owning instruction index
	EndDelta int
}

// Buffer is the growable output byte vector owned by one rewrite job.
type Buffer struct {
	data []byte
}

// Len returns the current output size.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the underlying slice. Callers must not hold it across
// further appends.
func (b *Buffer) Bytes() []byte { return b.data }

// Append appends individual bytes.
func (b *Buffer) Append(p ...byte) { b.data = append(b.data, p...) }

// AppendBytes appends a slice.
func (b *Buffer) AppendBytes(p []byte) { b.data = append(b.data, p...) }

// AppendWord appends a 32-bit word little-endian.
func (b *Buffer) AppendWord(w uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], w)
	b.data = append(b.data, tmp[:]...)
}

// WriteAt overwrites len(p) bytes at off. off+len(p) must not exceed
// the current length.
func (b *Buffer) WriteAt(off int, p []byte) {
	copy(b.data[off:off+len(p)], p)
}

// WordAt reads the little-endian 32-bit word at off.
func (b *Buffer) WordAt(off int) uint32 {
	return binary.LittleEndian.Uint32(b.data[off : off+4])
}

// Truncate discards everything past n. Used to revert a failed emit.
func (b *Buffer) Truncate(n int) { b.data = b.data[:n] }

// Reset empties the buffer, keeping capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Context is the emission context supplied to Emit. It exposes the
// current output offset, the byte-set oracle, the architecture, the
// site recorder, the working old-to-new address map, and the job PRNG
// for sampling decisions. All mutation goes through the function
// fields, which the engine wires per pass.
type Context struct {
	Arch *arch.Arch
	Bad  *badbyte.Set
	Base uint64
	Rand *rand.Rand

	OffsetFn  func() int
	RecordFn  func(Site)
	NewAddrFn func(old uint64) (uint64, bool)
}

// Offset returns the current output offset.
func (c *Context) Offset() int { return c.OffsetFn() }

// Record registers a relocation site for the fixup pass.
func (c *Context) Record(s Site) { c.RecordFn(s) }

// NewAddr looks up the provisional new offset of an old address.
func (c *Context) NewAddr(old uint64) (uint64, bool) { return c.NewAddrFn(old) }

// Strategy is one named rewriting transformation, scoped to a single
// architecture, with an integer priority (higher is preferred). All
// three operations are pure with respect to global state.
type Strategy interface {
	Name() string
	Arch() arch.Tag
	Priority() int

	// Applicable may inspect any part of the instruction, including
	// raw bytes and operand details, and may consult the oracle.
	Applicable(inst *disasm.Instruction, ctx *Context) bool

	// EstimatedSize is an upper bound on emitted bytes, used for
	// provisional address planning.
	EstimatedSize(inst *disasm.Instruction) int

	// Emit appends replacement bytes and may record relocation sites.
	// The engine verifies the appended slice against the oracle and
	// reverts on violation; Emit itself reports hard failure only for
	// unsupported subcases.
	Emit(inst *disasm.Instruction, out *Buffer, ctx *Context) error
}

// Registry is the ordered strategy collection. It is populated once at
// startup and read-only during jobs.
type Registry struct {
	all []Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register appends a strategy. Registration order breaks priority ties.
func (r *Registry) Register(s Strategy) { r.all = append(r.all, s) }

// Len returns the number of registered strategies.
func (r *Registry) Len() int { return len(r.all) }

// ForArch returns the strategies for the given architecture, sorted by
// descending priority with registration order preserved among equals.
func (r *Registry) ForArch(tag arch.Tag) []Strategy {
	var out []Strategy
	for _, s := range r.all {
		if s.Arch() == tag {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// DefaultRegistry returns a registry with every built-in strategy
// registered, for all four architectures.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// x86 families; registered for both modes where the encoding is
	// shared.
	for _, tag := range []arch.Tag{arch.X86, arch.X64} {
		r.Register(&xorZero{tag: tag})
		r.Register(&x86Subst{tag: tag})
		r.Register(&immSub{tag: tag})
		r.Register(&pushPopSmall{tag: tag})
		r.Register(&leaAddSub{tag: tag})
		r.Register(&repExpand{tag: tag})
	}
	r.Register(&incChain{}) // the 66 40+r form exists on x86 only

	r.Register(&armDataProc{})
	r.Register(&armLoadStore{})

	r.Register(&a64MovWide{})
	r.Register(&a64AddSub{})

	return r
}
