package bitstream

import (
	"sync"

	"github.com/zsiec/hwcodec/media"
)

// ParamSetCache retains the most recent parameter set of each kind
// observed in a stream. Decoder creation is gated on Complete: a session
// cannot be built until the cache holds the full set its codec requires
// (SPS+PPS for H.264, VPS+SPS+PPS for HEVC).
//
// Parameter sets live for the lifetime of the decoder session; each new
// set of the same kind replaces the prior entry.
type ParamSetCache struct {
	codec media.Codec

	mu  sync.RWMutex
	vps []byte
	sps []byte
	pps []byte
}

// NewParamSetCache creates an empty cache for the given codec.
func NewParamSetCache(codec media.Codec) *ParamSetCache {
	return &ParamSetCache{codec: codec}
}

// Observe records a NAL unit if it is a parameter set for the cache's
// codec, replacing any prior entry of the same kind. Non-parameter-set
// NALs are ignored. It reports whether the NAL was a parameter set.
func (c *ParamSetCache) Observe(nal media.NALU) bool {
	if len(nal) == 0 {
		return false
	}

	var slot *[]byte
	if c.codec == media.H264 {
		switch H264NALType(nal[0]) {
		case H264NALSPS:
			slot = &c.sps
		case H264NALPPS:
			slot = &c.pps
		default:
			return false
		}
	} else {
		switch HEVCNALType(nal[0]) {
		case HEVCNALVPS:
			slot = &c.vps
		case HEVCNALSPS:
			slot = &c.sps
		case HEVCNALPPS:
			slot = &c.pps
		default:
			return false
		}
	}

	cp := make([]byte, len(nal))
	copy(cp, nal)

	c.mu.Lock()
	*slot = cp
	c.mu.Unlock()
	return true
}

// Complete reports whether the cache holds every parameter set required
// to initialize a decoder for its codec.
func (c *ParamSetCache) Complete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.codec == media.HEVC && c.vps == nil {
		return false
	}
	return c.sps != nil && c.pps != nil
}

// SPS returns the cached SPS, or nil.
func (c *ParamSetCache) SPS() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sps
}

// PPS returns the cached PPS, or nil.
func (c *ParamSetCache) PPS() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pps
}

// VPS returns the cached VPS, or nil. Always nil for H.264.
func (c *ParamSetCache) VPS() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vps
}

// Dimensions parses the cached SPS and returns the coded picture
// dimensions, or false when no SPS is cached or parsing fails.
func (c *ParamSetCache) Dimensions() (media.Dimensions, bool) {
	sps := c.SPS()
	if sps == nil {
		return media.Dimensions{}, false
	}
	if c.codec == media.H264 {
		info, err := ParseSPS(sps)
		if err != nil {
			return media.Dimensions{}, false
		}
		return media.Dimensions{Width: info.Width, Height: info.Height}, true
	}
	info, err := ParseHEVCSPS(sps)
	if err != nil {
		return media.Dimensions{}, false
	}
	return media.Dimensions{Width: info.Width, Height: info.Height}, true
}
