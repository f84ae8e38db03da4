package vt

import (
	"testing"

	"github.com/zsiec/hwcodec/media"
)

func lengthPrefixed(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		n := len(nal)
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		out = append(out, nal...)
	}
	return out
}

func TestKeyframeFromSampleH264(t *testing.T) {
	t.Parallel()

	sei := []byte{0x06, 0x05, 0xFF}
	idr := []byte{0x65, 0x88, 0x84}
	delta := []byte{0x41, 0x9A, 0x00}

	if !KeyframeFromSample(media.H264, lengthPrefixed(sei, idr)) {
		t.Error("IDR sample not detected as keyframe")
	}
	if KeyframeFromSample(media.H264, lengthPrefixed(sei, delta)) {
		t.Error("delta sample detected as keyframe")
	}
	if KeyframeFromSample(media.H264, nil) {
		t.Error("empty sample detected as keyframe")
	}
}

func TestKeyframeFromSampleHEVC(t *testing.T) {
	t.Parallel()

	idr := []byte{0x26, 0x01, 0x80}   // IDR_W_RADL
	trail := []byte{0x02, 0x01, 0x80} // TRAIL_R

	if !KeyframeFromSample(media.HEVC, lengthPrefixed(idr)) {
		t.Error("HEVC IDR sample not detected as keyframe")
	}
	if KeyframeFromSample(media.HEVC, lengthPrefixed(trail)) {
		t.Error("HEVC trailing sample detected as keyframe")
	}
}

func TestKeyframeFromSampleTruncated(t *testing.T) {
	t.Parallel()

	// Length prefix overruns the buffer.
	if KeyframeFromSample(media.H264, []byte{0x00, 0x00, 0x00, 0x09, 0x65}) {
		t.Error("truncated sample detected as keyframe")
	}
}

func TestOutputLayout(t *testing.T) {
	t.Parallel()

	if OutputLayout(media.H264) != media.LayoutAVCC {
		t.Error("H264 should produce avcc")
	}
	if OutputLayout(media.HEVC) != media.LayoutHVCC {
		t.Error("HEVC should produce hvcc")
	}
}
