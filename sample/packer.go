// Package sample serializes access units into the byte layouts the
// hardware backends consume: Annex B start codes for NVIDIA, u32
// big-endian length prefixes (AVCC/HVCC) for VideoToolbox.
package sample

import (
	"encoding/binary"
	"math"

	"github.com/zsiec/hwcodec/media"
)

// Packer transforms one access unit into a backend-consumable sample.
// Packing is pure: a packer holds no hidden state.
type Packer interface {
	Pack(au media.AccessUnit) (media.PackedSample, error)
	Layout(codec media.Codec) media.Layout
}

// AnnexBPacker prepends a 4-byte start code to every NAL unit and
// concatenates.
type AnnexBPacker struct{}

var startCode = []byte{0, 0, 0, 1}

// Layout returns LayoutAnnexB for every codec.
func (AnnexBPacker) Layout(media.Codec) media.Layout { return media.LayoutAnnexB }

// Pack serializes the access unit in Annex B form.
func (p AnnexBPacker) Pack(au media.AccessUnit) (media.PackedSample, error) {
	size := 0
	for _, nal := range au.NALUs {
		if len(nal) == 0 {
			return media.PackedSample{}, media.InvalidInputf("empty NAL in access unit")
		}
		size += len(startCode) + len(nal)
	}

	buf := make([]byte, 0, size)
	for _, nal := range au.NALUs {
		buf = append(buf, startCode...)
		buf = append(buf, nal...)
	}

	return media.PackedSample{
		Codec:  au.Codec,
		Layout: media.LayoutAnnexB,
		PTS:    au.PTS,
		Bytes:  buf,
	}, nil
}

// LengthPrefixedPacker prepends each NAL unit with its 4-byte big-endian
// length. The resulting layout is AVCC for H.264 and HVCC for HEVC.
type LengthPrefixedPacker struct{}

// Layout returns the length-prefixed layout for the codec.
func (LengthPrefixedPacker) Layout(codec media.Codec) media.Layout {
	if codec == media.HEVC {
		return media.LayoutHVCC
	}
	return media.LayoutAVCC
}

// Pack serializes the access unit in length-prefixed form.
func (p LengthPrefixedPacker) Pack(au media.AccessUnit) (media.PackedSample, error) {
	size := 0
	for _, nal := range au.NALUs {
		if len(nal) == 0 {
			return media.PackedSample{}, media.InvalidInputf("empty NAL in access unit")
		}
		if uint64(len(nal)) > math.MaxUint32 {
			return media.PackedSample{}, media.InvalidInputf("NAL length %d exceeds u32", len(nal))
		}
		size += 4 + len(nal)
	}

	buf := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, nal := range au.NALUs {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nal)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, nal...)
	}

	return media.PackedSample{
		Codec:  au.Codec,
		Layout: p.Layout(au.Codec),
		PTS:    au.PTS,
		Bytes:  buf,
	}, nil
}

// UnpackLengthPrefixed is the inverse of LengthPrefixedPacker.Pack: it
// splits a u32-BE length-prefixed sample back into raw NAL units. A
// truncated prefix or payload fails with InvalidBitstream.
func UnpackLengthPrefixed(b []byte) ([]media.NALU, error) {
	var nalus []media.NALU
	for off := 0; off < len(b); {
		if off+4 > len(b) {
			return nil, media.InvalidBitstreamf("truncated length prefix at offset %d", off)
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if n == 0 {
			return nil, media.InvalidBitstreamf("zero-length NAL at offset %d", off-4)
		}
		if off+n > len(b) {
			return nil, media.InvalidBitstreamf("NAL length %d overruns sample", n)
		}
		nal := make([]byte, n)
		copy(nal, b[off:off+n])
		nalus = append(nalus, nal)
		off += n
	}
	if len(nalus) == 0 {
		return nil, media.InvalidBitstreamf("empty length-prefixed sample")
	}
	return nalus, nil
}

// PackerFor returns the packer a backend's decoder input requires:
// length-prefixed samples for VideoToolbox, Annex B packets for NVIDIA.
func PackerFor(b media.Backend) Packer {
	if b == media.VideoToolbox {
		return LengthPrefixedPacker{}
	}
	return AnnexBPacker{}
}
