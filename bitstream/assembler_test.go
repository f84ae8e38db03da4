package bitstream

import (
	"bytes"
	"testing"

	"github.com/zsiec/hwcodec/media"
)

var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, startCode4...)
		out = append(out, nal...)
	}
	return out
}

// Slice NALs: 0x9A opens with a set bit so first_mb_in_slice parses as
// 0 (a new picture); 0x40 parses as 1 (a continuation slice).
func h264IDR(seq byte) []byte       { return []byte{0x65, 0x9A, 0x00, seq} }
func h264Slice(seq byte) []byte     { return []byte{0x41, 0x9A, 0x00, seq} }
func h264SliceCont(seq byte) []byte { return []byte{0x41, 0x40, 0x00, seq} }

var testPPS = []byte{0x68, 0xCE, 0x38, 0x80}

// buildStream returns an Annex B stream holding SPS+PPS+IDR followed by
// frames-1 single-slice pictures.
func buildStream(frames int) []byte {
	stream := annexB(testSPS(), testPPS, h264IDR(0))
	for i := 1; i < frames; i++ {
		stream = append(stream, annexB(h264Slice(byte(i)))...)
	}
	return stream
}

func collectAUs(t *testing.T, stream []byte, chunkSize int) []media.AccessUnit {
	t.Helper()
	a := NewAssembler(media.H264, nil, nil)

	var aus []media.AccessUnit
	for off := 0; off < len(stream); off += chunkSize {
		end := off + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		got, err := a.Push(stream[off:end], media.NoPTS)
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		aus = append(aus, got...)
	}
	return append(aus, a.Flush()...)
}

func flattenAU(au media.AccessUnit) []byte {
	var out []byte
	for _, nal := range au.NALUs {
		out = append(out, nal...)
	}
	return out
}

func TestAssemblerBasicBoundaries(t *testing.T) {
	t.Parallel()

	aus := collectAUs(t, buildStream(3), len(buildStream(3)))
	if len(aus) != 3 {
		t.Fatalf("expected 3 access units, got %d", len(aus))
	}

	if !aus[0].IsKeyframe {
		t.Error("first access unit should be a keyframe")
	}
	if len(aus[0].NALUs) != 3 {
		t.Errorf("keyframe AU should carry SPS+PPS+IDR, got %d NALs", len(aus[0].NALUs))
	}
	if aus[1].IsKeyframe || aus[2].IsKeyframe {
		t.Error("delta access units flagged as keyframes")
	}
	if len(aus[1].NALUs) != 1 {
		t.Errorf("delta AU should carry one slice, got %d NALs", len(aus[1].NALUs))
	}
}

func TestAssemblerChunkIndependence(t *testing.T) {
	t.Parallel()

	stream := buildStream(17)
	reference := collectAUs(t, stream, len(stream))

	for _, chunk := range []int{1, 3, 7, 64, 4096} {
		aus := collectAUs(t, stream, chunk)
		if len(aus) != len(reference) {
			t.Fatalf("chunk %d: expected %d AUs, got %d", chunk, len(reference), len(aus))
		}
		for i := range aus {
			if !bytes.Equal(flattenAU(aus[i]), flattenAU(reference[i])) {
				t.Errorf("chunk %d: AU %d differs from single-shot parse", chunk, i)
			}
			if aus[i].IsKeyframe != reference[i].IsKeyframe {
				t.Errorf("chunk %d: AU %d keyframe flag differs", chunk, i)
			}
		}
	}
}

func TestAssemblerMultiSlicePicture(t *testing.T) {
	t.Parallel()

	// Two pictures of two slices each: the continuation slice must not
	// open a new access unit.
	stream := annexB(testSPS(), testPPS, h264IDR(0), h264SliceCont(1),
		h264Slice(2), h264SliceCont(3))
	aus := collectAUs(t, stream, len(stream))
	if len(aus) != 2 {
		t.Fatalf("expected 2 access units, got %d", len(aus))
	}
	if len(aus[0].NALUs) != 4 {
		t.Errorf("first AU should carry SPS+PPS+2 slices, got %d NALs", len(aus[0].NALUs))
	}
	if len(aus[1].NALUs) != 2 {
		t.Errorf("second AU should carry 2 slices, got %d NALs", len(aus[1].NALUs))
	}
}

func TestAssemblerAUDBoundary(t *testing.T) {
	t.Parallel()

	aud := []byte{0x09, 0xF0}
	stream := annexB(testSPS(), testPPS, h264IDR(0), aud, h264SliceCont(1))
	aus := collectAUs(t, stream, len(stream))

	// The AUD closes the first picture even though the following slice
	// is a continuation type, and the AUD itself is not retained.
	if len(aus) != 2 {
		t.Fatalf("expected 2 access units, got %d", len(aus))
	}
	for _, au := range aus {
		for _, nal := range au.NALUs {
			if H264NALType(nal[0]) == H264NALAUD {
				t.Error("AUD retained in access unit")
			}
		}
	}
}

func TestAssemblerParamSetCache(t *testing.T) {
	t.Parallel()

	a := NewAssembler(media.H264, nil, nil)
	if a.Cache().Complete() {
		t.Fatal("cache complete before any input")
	}

	if _, err := a.Push(annexB(testSPS()), media.NoPTS); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// The SPS NAL is still buffered (no following start code confirms
	// it); push the PPS to flush it through.
	if _, err := a.Push(annexB(testPPS, h264IDR(0)), media.NoPTS); err != nil {
		t.Fatalf("Push: %v", err)
	}
	a.Flush()

	if !a.Cache().Complete() {
		t.Fatal("cache incomplete after SPS and PPS")
	}
	dims, ok := a.Cache().Dimensions()
	if !ok {
		t.Fatal("cached SPS did not parse")
	}
	if dims.Width != 640 || dims.Height != 360 {
		t.Errorf("expected 640x360, got %s", dims)
	}
}

func TestAssemblerHEVCCacheRequiresVPS(t *testing.T) {
	t.Parallel()

	c := NewParamSetCache(media.HEVC)
	c.Observe(media.NALU(testHEVCSPS()))
	c.Observe(media.NALU{0x44, 0x01, 0xC0}) // PPS
	if c.Complete() {
		t.Fatal("HEVC cache complete without VPS")
	}
	c.Observe(media.NALU{0x40, 0x01, 0x0C}) // VPS
	if !c.Complete() {
		t.Fatal("HEVC cache incomplete with VPS+SPS+PPS")
	}
}

func TestAssemblerHEVCBoundaries(t *testing.T) {
	t.Parallel()

	vps := []byte{0x40, 0x01, 0x0C}
	pps := []byte{0x44, 0x01, 0xC0}
	idr := []byte{0x26, 0x01, 0x80, 0x01}  // first_slice_segment set
	cont := []byte{0x02, 0x01, 0x00, 0x02} // continuation segment
	next := []byte{0x02, 0x01, 0x80, 0x03} // new picture

	stream := annexB(vps, testHEVCSPS(), pps, idr, cont, next)
	a := NewAssembler(media.HEVC, nil, nil)
	aus, err := a.Push(stream, 1234)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	aus = append(aus, a.Flush()...)

	if len(aus) != 2 {
		t.Fatalf("expected 2 access units, got %d", len(aus))
	}
	if !aus[0].IsKeyframe {
		t.Error("IDR access unit not flagged as keyframe")
	}
	if aus[0].PTS != 1234 {
		t.Errorf("expected PTS 1234, got %d", aus[0].PTS)
	}
	if len(aus[0].NALUs) != 5 {
		t.Errorf("expected VPS+SPS+PPS+2 slices in first AU, got %d NALs", len(aus[0].NALUs))
	}
}

func TestAssemblerZeroLengthNAL(t *testing.T) {
	t.Parallel()

	a := NewAssembler(media.H264, nil, nil)
	// Adjacent start codes produce a zero-length NAL.
	stream := annexB(testSPS(), testPPS, h264IDR(0))
	stream = append(stream, startCode4...)
	stream = append(stream, startCode4...)
	stream = append(stream, annexB(h264Slice(1))...)

	_, err := a.Push(stream, media.NoPTS)
	if !media.IsInvalidBitstream(err) {
		t.Fatalf("expected InvalidBitstream, got %v", err)
	}

	// The stream continues: the next pictures still assemble.
	aus, err := a.Push(annexB(h264Slice(2)), media.NoPTS)
	if err != nil {
		t.Fatalf("Push after error: %v", err)
	}
	aus = append(aus, a.Flush()...)
	if len(aus) == 0 {
		t.Error("no access units after parser recovered")
	}
}

func TestAssemblerGarbageBeforeStartCode(t *testing.T) {
	t.Parallel()

	a := NewAssembler(media.H264, nil, nil)
	stream := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, buildStream(2)...)
	aus, err := a.Push(stream, media.NoPTS)
	if !media.IsInvalidBitstream(err) {
		t.Fatalf("expected InvalidBitstream, got %v", err)
	}
	aus = append(aus, a.Flush()...)
	if len(aus) != 2 {
		t.Errorf("expected 2 access units after skipping garbage, got %d", len(aus))
	}
}

func TestAssemblerChunkTimestamps(t *testing.T) {
	t.Parallel()

	a := NewAssembler(media.H264, nil, nil)

	// The last NAL of the chunk is still open, so no boundary is
	// confirmed yet.
	aus, err := a.Push(buildStream(2), 9000)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(aus) != 0 {
		t.Fatalf("expected no completed AUs, got %d", len(aus))
	}

	// A boundary confirmed by a later chunk carries that chunk's PTS.
	aus, err = a.Push(annexB(h264Slice(9)), 12000)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(aus) != 1 {
		t.Fatalf("expected 1 completed AU, got %d", len(aus))
	}
	if aus[0].PTS != 12000 {
		t.Errorf("expected PTS 12000, got %d", aus[0].PTS)
	}
	if !aus[0].IsKeyframe {
		t.Error("first AU should be the keyframe picture")
	}

	if aus = a.Flush(); len(aus) != 2 {
		t.Errorf("expected 2 AUs at flush, got %d", len(aus))
	}
}

func TestAssemblerEmptyFlush(t *testing.T) {
	t.Parallel()

	a := NewAssembler(media.H264, nil, nil)
	if aus := a.Flush(); len(aus) != 0 {
		t.Errorf("expected no access units, got %d", len(aus))
	}
}
