package engine

import (
	"encoding/binary"
	"math"

	"github.com/maleick/byvalver/arm64enc"
	"github.com/maleick/byvalver/armenc"
	"github.com/maleick/byvalver/strategy"
)

// newOffset resolves the post-rewrite output offset of an old address.
// Targets outside the decoded input keep their original distance from
// the base.
func (j *job) newOffset(p *pass, target uint64) int64 {
	if off, ok := p.addrMap[target]; ok {
		return int64(off)
	}
	return int64(target) - int64(j.base)
}

// fixSite patches one relocation site against the current address map.
// Returns false when the displacement does not fit the site's width or
// the patched bytes would be unclean, in which case the owner must be
// widened and the pass repeated.
func (j *job) fixSite(p *pass, site strategy.Site) bool {
	targetOff := j.newOffset(p, site.Target)
	// A residual owner already failed the clean invariant; its
	// displacement is patched for correctness only.
	exempt := p.residualInst[site.Inst]

	switch site.Kind {
	case strategy.SiteRel8:
		disp := targetOff - int64(site.Offset+site.EndDelta)
		if disp < math.MinInt8 || disp > math.MaxInt8 {
			return false
		}
		b := byte(int8(disp))
		if !exempt && j.bad.IsBad(b) {
			return false
		}
		p.buf.WriteAt(site.Offset, []byte{b})
		return true

	case strategy.SiteRel32:
		disp := targetOff - int64(site.Offset+site.EndDelta)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return false
		}
		if !exempt && !j.bad.IntegerOK(uint64(uint32(int32(disp))), 4) {
			return false
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(disp)))
		p.buf.WriteAt(site.Offset, b[:])
		return true

	case strategy.SiteAbs32:
		addr := uint64(int64(j.base) + targetOff)
		if addr > math.MaxUint32 || (!exempt && !j.bad.IntegerOK(addr, 4)) {
			return false
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(addr))
		p.buf.WriteAt(site.Offset, b[:])
		return true

	case strategy.SiteAbs64:
		addr := uint64(int64(j.base) + targetOff)
		if !exempt && !j.bad.IntegerOK(addr, 8) {
			return false
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], addr)
		p.buf.WriteAt(site.Offset, b[:])
		return true

	case strategy.SiteARMBranch:
		delta := targetOff - int64(site.Offset) - int64(site.EndDelta)
		words := delta / 4
		if delta%4 != 0 || words < armenc.MinBranchOffsetNeg || words > armenc.MaxBranchOffsetPos {
			return false
		}
		w := p.buf.WordAt(site.Offset)
		w = (w &^ uint32(armenc.Mask24Bit)) | (uint32(words) & armenc.Mask24Bit)
		return j.patchWord(p, site.Offset, w, exempt)

	case strategy.SiteA64Branch26:
		delta := targetOff - int64(site.Offset)
		words := delta / 4
		if delta%4 != 0 || words < arm64enc.MinImm26 || words > arm64enc.MaxImm26 {
			return false
		}
		w := p.buf.WordAt(site.Offset)
		w = (w &^ uint32(0x03FFFFFF)) | (uint32(words) & 0x03FFFFFF)
		return j.patchWord(p, site.Offset, w, exempt)

	case strategy.SiteA64Branch19:
		delta := targetOff - int64(site.Offset)
		words := delta / 4
		if delta%4 != 0 || words < arm64enc.MinImm19 || words > arm64enc.MaxImm19 {
			return false
		}
		mask := uint32(0x7FFFF) << 5
		w := p.buf.WordAt(site.Offset)
		w = (w &^ mask) | (uint32(words) << 5 & mask)
		return j.patchWord(p, site.Offset, w, exempt)
	}
	return false
}

// patchWord writes a full instruction word back if it is clean.
func (j *job) patchWord(p *pass, off int, w uint32, exempt bool) bool {
	if !exempt && !j.bad.IntegerOK(uint64(w), 4) {
		return false
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	p.buf.WriteAt(off, b[:])
	return true
}
