// Package vt adapts Apple VideoToolbox to the backend driver contract.
// Decoder input is length-prefixed samples wrapped in a format
// description built from the cached parameter sets; encoder output is
// AVCC (H.264) or HVCC (HEVC). The cgo driver registers itself on
// darwin; this file holds the pure packet-layout policy so it stays
// testable everywhere.
package vt

import (
	"encoding/binary"

	"github.com/zsiec/hwcodec/bitstream"
	"github.com/zsiec/hwcodec/media"
)

// KeyframeFromSample walks the length-prefixed NAL units of a
// VideoToolbox output sample and reports whether the first slice NAL is
// a random access point. VideoToolbox has no picture-type flag on its
// output, so the bitstream itself is the source of truth.
func KeyframeFromSample(codec media.Codec, b []byte) bool {
	for off := 0; off+4 <= len(b); {
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if n <= 0 || off+n > len(b) {
			return false
		}
		nal := b[off : off+n]
		off += n

		if codec == media.H264 {
			t := bitstream.H264NALType(nal[0])
			if bitstream.IsH264Slice(t) {
				return bitstream.IsH264IDR(t)
			}
		} else {
			t := bitstream.HEVCNALType(nal[0])
			if bitstream.IsHEVCSlice(t) {
				return bitstream.IsHEVCKeyframe(t)
			}
		}
	}
	return false
}

// OutputLayout is the layout VideoToolbox encoders produce.
func OutputLayout(codec media.Codec) media.Layout {
	if codec == media.HEVC {
		return media.LayoutHVCC
	}
	return media.LayoutAVCC
}
