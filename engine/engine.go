// Package engine drives the rewrite pipeline: disassembly, per
// instruction strategy selection and emission, and the iterating
// control-flow relocation pass.
package engine

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/badbyte"
	"github.com/maleick/byvalver/disasm"
	"github.com/maleick/byvalver/strategy"
)

// Defaults for the job ceilings.
const (
	DefaultMaxPasses       = 8
	DefaultMaxInstructions = 1 << 20
)

// RewriteRecord describes how one input instruction landed in the
// output. One per decoded instruction.
type RewriteRecord struct {
	OldAddr  uint64
	NewOff   int
	Size     int
	Strategy string
}

// Residual is an instruction for which no strategy produced a clean
// encoding; the identity bytes were emitted instead.
type Residual struct {
	Addr   uint64
	Reason string
}

// Result is the outcome of one rewrite job. On fatal relocation
// failure the partial output is still populated.
type Result struct {
	Output    []byte
	Records   []RewriteRecord
	Residuals []Residual
	AddrMap   map[uint64]uint64 // old address -> new output offset
	Passes    int
}

// Advisor may reorder the candidate strategies before selection. The
// engine is deterministic under a nil advisor.
type Advisor interface {
	Rank(inst *disasm.Instruction, candidates []strategy.Strategy) []strategy.Strategy
}

// Options configures one rewrite job.
type Options struct {
	Arch            arch.Tag
	Bad             *badbyte.Set
	Base            uint64
	Obfuscate       bool
	MaxPasses       int // relocation-iteration ceiling; 0 means default
	MaxInstructions int // instruction-count ceiling; 0 means default
	Seed            int64
	Registry        *strategy.Registry // nil means DefaultRegistry
	Obfuscators     []strategy.Obfuscator
	Advisor         Advisor
}

type job struct {
	arch        *arch.Arch
	bad         *badbyte.Set
	base        uint64
	blobLen     int
	seed        int64
	obfuscate   bool
	strategies  []strategy.Strategy
	obfuscators []strategy.Obfuscator
	advisor     Advisor
	insts       []*disasm.Instruction
	widen       []int // per-instruction branch widening counter
	maxPasses   int
}

// state of one emission pass.
type pass struct {
	buf          strategy.Buffer
	records      []RewriteRecord
	residuals    []Residual
	residualInst map[int]bool // instruction indexes exempt from the clean invariant
	sites        []strategy.Site
	addrMap      map[uint64]uint64
	rng          *rand.Rand
	prevMap      map[uint64]uint64
}

// Rewrite runs one job: disassemble, emit, relocate to fixpoint.
func Rewrite(ctx context.Context, blob []byte, opts Options) (*Result, error) {
	a := arch.Lookup(opts.Arch)
	if a == nil {
		return nil, fmt.Errorf("unknown architecture tag %d", opts.Arch)
	}
	bad := opts.Bad
	if bad == nil {
		bad = badbyte.NewSet()
	}
	reg := opts.Registry
	if reg == nil {
		reg = strategy.DefaultRegistry()
	}
	maxPasses := opts.MaxPasses
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	maxInsts := opts.MaxInstructions
	if maxInsts <= 0 {
		maxInsts = DefaultMaxInstructions
	}

	insts, err := disasm.Decode(blob, opts.Base, a)
	if err != nil {
		return nil, err
	}
	if len(insts) > maxInsts {
		return nil, &RelocationError{Offset: -1, Passes: 0,
			Detail: fmt.Sprintf("instruction count %d exceeds ceiling %d", len(insts), maxInsts)}
	}

	obfs := opts.Obfuscators
	if opts.Obfuscate && obfs == nil {
		obfs = strategy.DefaultObfuscators(opts.Arch)
	}

	j := &job{
		arch:        a,
		bad:         bad,
		base:        opts.Base,
		blobLen:     len(blob),
		seed:        opts.Seed,
		obfuscate:   opts.Obfuscate,
		strategies:  reg.ForArch(opts.Arch),
		obfuscators: obfs,
		advisor:     opts.Advisor,
		insts:       insts,
		widen:       make([]int, len(insts)),
		maxPasses:   maxPasses,
	}
	return j.run(ctx)
}

func (j *job) run(ctx context.Context) (*Result, error) {
	prevMap := j.provisionalMap()

	var p *pass
	for n := 1; n <= j.maxPasses; n++ {
		var err error
		p, err = j.emitPass(ctx, prevMap)
		if err != nil {
			return nil, err
		}

		dirty := false
		for _, site := range p.sites {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ok := j.fixSite(p, site)
			if ok {
				continue
			}
			// Widen the owning instruction and go around again.
			if j.widen[site.Inst] >= j.maxWiden(site.Inst) {
				return j.result(p, n), &RelocationError{
					Offset: site.Offset,
					Target: site.Target,
					Passes: n,
					Detail: "no clean displacement after exhausting widenings",
				}
			}
			j.widen[site.Inst]++
			dirty = true
		}
		if !dirty {
			res := j.result(p, n)
			j.verify(res, p)
			return res, nil
		}
		prevMap = p.addrMap
	}
	return j.result(p, j.maxPasses), &RelocationError{
		Offset: -1,
		Passes: j.maxPasses,
		Detail: "iteration ceiling reached before the size map stabilised",
	}
}

// provisionalMap plans addresses for the first pass from the strategy
// size estimates.
func (j *job) provisionalMap() map[uint64]uint64 {
	m := make(map[uint64]uint64, len(j.insts))
	stub := j.context(nil, m)
	off := uint64(0)
	for _, inst := range j.insts {
		m[inst.Addr] = off
		est := inst.Size()
		for _, s := range j.strategies {
			if s.Applicable(inst, stub) && s.EstimatedSize(inst) > est {
				est = s.EstimatedSize(inst)
			}
		}
		off += uint64(est)
	}
	return m
}

func (j *job) context(p *pass, prevMap map[uint64]uint64) *strategy.Context {
	c := &strategy.Context{
		Arch: j.arch,
		Bad:  j.bad,
		Base: j.base,
	}
	if p != nil {
		c.Rand = p.rng
		c.OffsetFn = p.buf.Len
		c.RecordFn = func(s strategy.Site) { p.sites = append(p.sites, s) }
	} else {
		c.OffsetFn = func() int { return 0 }
		c.RecordFn = func(strategy.Site) {}
	}
	c.NewAddrFn = func(old uint64) (uint64, bool) {
		v, ok := prevMap[old]
		return v, ok
	}
	return c
}

// emitPass walks the instructions in address order and emits each one,
// producing the records, residuals, and relocation sites of one pass.
func (j *job) emitPass(ctx context.Context, prevMap map[uint64]uint64) (*pass, error) {
	p := &pass{
		rng:          rand.New(rand.NewSource(j.seed)),
		prevMap:      prevMap,
		addrMap:      make(map[uint64]uint64, len(j.insts)),
		residualInst: make(map[int]bool),
	}
	emctx := j.context(p, prevMap)

	for i, inst := range j.insts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := p.buf.Len()
		name, residualReason := j.emitOne(i, inst, p, emctx)
		p.records = append(p.records, RewriteRecord{
			OldAddr:  inst.Addr,
			NewOff:   start,
			Size:     p.buf.Len() - start,
			Strategy: name,
		})
		p.addrMap[inst.Addr] = uint64(start)
		if residualReason != "" {
			p.residuals = append(p.residuals, Residual{Addr: inst.Addr, Reason: residualReason})
			p.residualInst[i] = true
		}
	}
	return p, nil
}

// emitOne emits one instruction and returns the strategy name used and
// a residual reason when identity fallback had to carry unclean bytes.
func (j *job) emitOne(i int, inst *disasm.Instruction, p *pass, emctx *strategy.Context) (string, string) {
	// Branches carry displacements the relocation pass owns; they are
	// planned, not strategy-selected.
	if inst.HasTarget {
		return j.emitBranch(i, inst, p, emctx)
	}

	// Optional obfuscation pass: inserters first, then one replacer.
	if j.obfuscate {
		for _, o := range j.obfuscators {
			if !o.Inserts() {
				continue
			}
			if p.rng.Float64() >= o.Rate() || !o.Applicable(inst, emctx) {
				continue
			}
			mark := p.buf.Len()
			if err := o.Emit(inst, &p.buf, emctx); err != nil || !j.bad.BytesOK(p.buf.Bytes()[mark:]) {
				p.buf.Truncate(mark)
			}
		}
		for _, o := range j.obfuscators {
			if o.Inserts() {
				continue
			}
			if p.rng.Float64() >= o.Rate() || !o.Applicable(inst, emctx) {
				continue
			}
			mark := p.buf.Len()
			if err := o.Emit(inst, &p.buf, emctx); err != nil || p.buf.Len() == mark ||
				!j.bad.BytesOK(p.buf.Bytes()[mark:]) {
				p.buf.Truncate(mark)
				continue
			}
			return o.Name(), ""
		}
	}

	// Strategy selection: filter, order, try, verify, revert.
	var candidates []strategy.Strategy
	for _, s := range j.strategies {
		if s.Applicable(inst, emctx) {
			candidates = append(candidates, s)
		}
	}
	if j.advisor != nil && len(candidates) > 1 {
		candidates = j.advisor.Rank(inst, candidates)
	}

	unsupported := false
	for _, s := range candidates {
		mark := p.buf.Len()
		err := s.Emit(inst, &p.buf, emctx)
		if err != nil {
			p.buf.Truncate(mark)
			if err == strategy.ErrUnsupported {
				unsupported = true
			}
			continue
		}
		if p.buf.Len() == mark || !j.bad.BytesOK(p.buf.Bytes()[mark:]) {
			p.buf.Truncate(mark)
			continue
		}
		return s.Name(), ""
	}

	// Identity fallback: always legal, recorded as residual when the
	// original bytes are unclean.
	p.buf.AppendBytes(inst.Raw)
	j.recordIdentitySites(i, inst, p)
	switch {
	case unsupported:
		return "identity", ReasonUnsupported
	case !j.bad.BytesOK(inst.Raw):
		return "identity", ReasonNoCleanEncoding
	default:
		return "identity", ""
	}
}

func (j *job) result(p *pass, passes int) *Result {
	if p == nil {
		return &Result{Passes: passes}
	}
	out := make([]byte, p.buf.Len())
	copy(out, p.buf.Bytes())
	return &Result{
		Output:    out,
		Records:   p.records,
		Residuals: p.residuals,
		AddrMap:   p.addrMap,
		Passes:    passes,
	}
}

// verify asserts the final-output invariant: every byte outside the
// identity-residual ranges is clean. Violations become residuals so
// the caller always learns about them.
func (j *job) verify(res *Result, p *pass) {
	residual := make(map[uint64]bool, len(res.Residuals))
	for _, r := range res.Residuals {
		residual[r.Addr] = true
	}
	for _, rec := range res.Records {
		if residual[rec.OldAddr] {
			continue
		}
		if !j.bad.BytesOK(res.Output[rec.NewOff : rec.NewOff+rec.Size]) {
			res.Residuals = append(res.Residuals, Residual{Addr: rec.OldAddr, Reason: ReasonNoCleanEncoding})
		}
	}
}
