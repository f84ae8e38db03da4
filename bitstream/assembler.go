// Package bitstream turns arbitrarily chunked Annex B byte streams into
// complete access units. The assembler is stateful: an incomplete NAL or
// access unit is retained across calls and scanning resumes where the
// previous call stopped, so re-feeding a stream in different chunk sizes
// yields an identical access-unit sequence.
package bitstream

import (
	"log/slog"

	"github.com/zsiec/hwcodec/media"
)

// Assembler incrementally parses an Annex B byte stream into access
// units for one codec. It is not safe for concurrent use; each decode
// session owns one.
//
// An access unit ends when, after at least one slice NAL has been seen,
// one of the following arrives: an access unit delimiter, a parameter
// set, a slice starting a new picture, or Flush.
type Assembler struct {
	codec media.Codec
	cache *ParamSetCache
	log   *slog.Logger

	buf      []byte // unconsumed tail of the stream
	nalStart int    // data start of the in-progress NAL within buf, -1 before the first start code
	scan     int    // resume offset for start-code search

	cur         []media.NALU
	curHasSlice bool
	curKeyframe bool
	lastPTS     int64
}

// NewAssembler creates an Assembler for codec. Parameter sets observed
// in the stream are recorded into cache; pass nil to have the assembler
// create its own. If log is nil, slog.Default() is used.
func NewAssembler(codec media.Codec, cache *ParamSetCache, log *slog.Logger) *Assembler {
	if cache == nil {
		cache = NewParamSetCache(codec)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		codec:    codec,
		cache:    cache,
		log:      log.With("component", "assembler", "codec", codec.String()),
		nalStart: -1,
		lastPTS:  media.NoPTS,
	}
}

// Cache returns the parameter-set cache the assembler records into.
func (a *Assembler) Cache() *ParamSetCache { return a.cache }

// Push absorbs the next chunk of the stream and returns every access
// unit whose boundary was confirmed by it. The chunk's timestamp is
// attached to all access units completed during this call; callers
// needing exact per-AU timestamps must chunk on AU boundaries.
//
// A malformed region (zero-length NAL, bytes outside any start code)
// yields an InvalidBitstream error alongside any access units that were
// completed before it; the current access unit is dropped and scanning
// continues from a clean state.
func (a *Assembler) Push(b []byte, pts int64) ([]media.AccessUnit, error) {
	a.buf = append(a.buf, b...)
	a.lastPTS = pts
	out, err := a.consume()
	a.compact()
	return out, err
}

// Flush completes the in-progress NAL and access unit and returns any
// remaining access units. The assembler is reusable afterwards; the
// parameter-set cache survives.
func (a *Assembler) Flush() []media.AccessUnit {
	var out []media.AccessUnit

	// Whatever bytes remain after the last start code form the final
	// NAL. Trailing zeros are trailing_zero_8bits, not NAL data.
	if a.nalStart >= 0 && a.nalStart < len(a.buf) {
		nal := a.buf[a.nalStart:]
		for len(nal) > 0 && nal[len(nal)-1] == 0 {
			nal = nal[:len(nal)-1]
		}
		if len(nal) > 0 {
			a.acceptNAL(nal, &out)
		}
	}

	if a.curHasSlice {
		a.emit(&out)
	} else if len(a.cur) > 0 {
		// Parameter sets without a slice are already cached; an AU
		// must contain at least one slice, so nothing to emit.
		a.log.Debug("dropping sliceless trailing NALs at flush", "count", len(a.cur))
	}

	a.cur = nil
	a.curHasSlice = false
	a.curKeyframe = false
	a.buf = a.buf[:0]
	a.nalStart = -1
	a.scan = 0
	return out
}

// consume extracts completed NALs from buf, folding them into access
// units and emitting units whose boundary is confirmed.
func (a *Assembler) consume() ([]media.AccessUnit, error) {
	var out []media.AccessUnit
	var firstErr error

	for {
		idx, scLen := findStartCode(a.buf, a.scan)
		if idx < 0 {
			// No further start code yet. Park the scan offset so the
			// next Push resumes without rescanning, keeping enough
			// overlap for a start code split across chunks.
			base := a.nalStart
			if base < 0 {
				base = 0
			}
			ns := len(a.buf) - 3
			if ns < base {
				ns = base
			}
			a.scan = ns
			break
		}

		if a.nalStart < 0 {
			// First start code of the stream. Anything before it other
			// than zero padding is not valid Annex B.
			if !allZero(a.buf[:idx]) && firstErr == nil {
				firstErr = media.InvalidBitstreamf("%d bytes before first start code", idx)
			}
			a.nalStart = idx + scLen
			a.scan = a.nalStart
			continue
		}

		nal := a.buf[a.nalStart:idx]
		if len(nal) == 0 {
			if firstErr == nil {
				firstErr = media.InvalidBitstreamf("zero-length NAL unit")
			}
			// Drop the AU under construction and keep scanning.
			a.cur = nil
			a.curHasSlice = false
			a.curKeyframe = false
		} else {
			a.acceptNAL(nal, &out)
		}
		a.nalStart = idx + scLen
		a.scan = a.nalStart
	}

	return out, firstErr
}

// acceptNAL folds one complete NAL into the current access unit,
// emitting the previous unit first when this NAL confirms a boundary.
func (a *Assembler) acceptNAL(nal []byte, out *[]media.AccessUnit) {
	t := a.nalType(nal)

	isSlice, isKey, isParam, isAUD, isFiller := a.classify(t)

	if a.curHasSlice {
		boundary := isAUD || isParam
		if !boundary && isSlice {
			boundary = a.startsNewPicture(nal)
		}
		if boundary {
			a.emit(out)
		}
	}

	if isParam {
		a.cache.Observe(nal)
	}

	// AUD and filler NALs delimit but carry nothing a backend needs.
	if isAUD || isFiller {
		return
	}

	cp := make([]byte, len(nal))
	copy(cp, nal)
	a.cur = append(a.cur, cp)

	if isSlice {
		a.curHasSlice = true
		if isKey {
			a.curKeyframe = true
		}
	}
}

func (a *Assembler) emit(out *[]media.AccessUnit) {
	*out = append(*out, media.AccessUnit{
		Codec:      a.codec,
		NALUs:      a.cur,
		PTS:        a.lastPTS,
		IsKeyframe: a.curKeyframe,
	})
	a.cur = nil
	a.curHasSlice = false
	a.curKeyframe = false
}

func (a *Assembler) nalType(nal []byte) byte {
	if a.codec == media.H264 {
		return H264NALType(nal[0])
	}
	return HEVCNALType(nal[0])
}

func (a *Assembler) classify(t byte) (isSlice, isKey, isParam, isAUD, isFiller bool) {
	if a.codec == media.H264 {
		return IsH264Slice(t), IsH264IDR(t), IsH264ParamSet(t),
			t == H264NALAUD, t == H264NALFillerData
	}
	return IsHEVCSlice(t), IsHEVCKeyframe(t), IsHEVCParamSet(t),
		t == HEVCNALAUD, t == HEVCNALFillerData
}

// startsNewPicture reports whether a slice NAL begins a new picture:
// first_mb_in_slice == 0 for H.264, first_slice_segment_in_pic_flag for
// HEVC. Parse failures are treated as a boundary so a truncated header
// cannot glue two pictures together.
func (a *Assembler) startsNewPicture(nal []byte) bool {
	if a.codec == media.H264 {
		firstMB, err := h264FirstMBInSlice(nal)
		return err != nil || firstMB == 0
	}
	first, err := hevcFirstSliceSegmentInPic(nal)
	return err != nil || first
}

// compact discards consumed bytes so the retained tail stays bounded by
// the size of one incomplete NAL.
func (a *Assembler) compact() {
	switch {
	case a.nalStart > 0:
		a.buf = append(a.buf[:0], a.buf[a.nalStart:]...)
		a.scan -= a.nalStart
		a.nalStart = 0
	case a.nalStart < 0 && len(a.buf) > 3:
		// Still hunting for the first start code; only the last three
		// bytes can begin one.
		a.buf = append(a.buf[:0], a.buf[len(a.buf)-3:]...)
		a.scan = 0
	}
}

// findStartCode returns the index and length of the next Annex B start
// code at or after from, preferring the 4-byte form so a preceding zero
// is absorbed into the code rather than treated as NAL data. Returns
// (-1, 0) when none is present.
func findStartCode(b []byte, from int) (int, int) {
	if from < 0 {
		from = 0
	}
	for i := from; i+3 <= len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if i+4 <= len(b) && b[i+2] == 0 && b[i+3] == 1 {
			return i, 4
		}
		if b[i+2] == 1 {
			return i, 3
		}
	}
	return -1, 0
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
