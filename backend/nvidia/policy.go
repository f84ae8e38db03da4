// Package nvidia adapts NVENC/NVDEC to the backend driver contract.
// Decoder input is an Annex B "complete access unit" packet with the
// end-of-picture flag set; encoder output is Annex B. The cgo driver
// registers itself when built with the nvcodec tag; this file holds the
// pure packet-layout policy so it stays testable everywhere.
package nvidia

import "github.com/zsiec/hwcodec/media"

// NVENC picture types as reported on the output bitstream lock. The
// reap path derives the keyframe flag from these rather than parsing
// the bitstream.
const (
	PicTypeP   uint32 = 0x0
	PicTypeB   uint32 = 0x01
	PicTypeI   uint32 = 0x02
	PicTypeIDR uint32 = 0x03
)

// KeyframeFromPicType maps the SDK picture-type flag to the chunk
// keyframe flag.
func KeyframeFromPicType(picType uint32) bool {
	return picType == PicTypeIDR || picType == PicTypeI
}

// OutputLayout is the layout NVENC produces for every codec.
func OutputLayout(media.Codec) media.Layout { return media.LayoutAnnexB }
