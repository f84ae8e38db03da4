package sample

import (
	"bytes"
	"testing"

	"github.com/zsiec/hwcodec/media"
)

func testAU() media.AccessUnit {
	return media.AccessUnit{
		Codec: media.H264,
		NALUs: []media.NALU{
			{0x67, 0x42, 0xE0, 0x1E},
			{0x68, 0xCE, 0x38, 0x80},
			{0x65, 0x88, 0x84, 0x00, 0xFF},
		},
		PTS:        9000,
		IsKeyframe: true,
	}
}

func TestAnnexBPack(t *testing.T) {
	t.Parallel()

	s, err := AnnexBPacker{}.Pack(testAU())
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if s.Layout != media.LayoutAnnexB {
		t.Errorf("expected annexb layout, got %s", s.Layout)
	}
	if s.PTS != 9000 {
		t.Errorf("expected PTS 9000, got %d", s.PTS)
	}

	want := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0xE0, 0x1E,
		0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0xFF,
	}
	if !bytes.Equal(s.Bytes, want) {
		t.Errorf("annexb bytes mismatch:\n got %x\nwant %x", s.Bytes, want)
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	t.Parallel()

	au := testAU()
	s, err := LengthPrefixedPacker{}.Pack(au)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if s.Layout != media.LayoutAVCC {
		t.Errorf("expected avcc layout, got %s", s.Layout)
	}

	nalus, err := UnpackLengthPrefixed(s.Bytes)
	if err != nil {
		t.Fatalf("UnpackLengthPrefixed: %v", err)
	}
	if len(nalus) != len(au.NALUs) {
		t.Fatalf("expected %d NALs, got %d", len(au.NALUs), len(nalus))
	}
	for i := range nalus {
		if !bytes.Equal(nalus[i], au.NALUs[i]) {
			t.Errorf("NAL %d round-trip mismatch", i)
		}
	}
}

func TestLengthPrefixedLayoutByCodec(t *testing.T) {
	t.Parallel()

	p := LengthPrefixedPacker{}
	if got := p.Layout(media.H264); got != media.LayoutAVCC {
		t.Errorf("H264: expected avcc, got %s", got)
	}
	if got := p.Layout(media.HEVC); got != media.LayoutHVCC {
		t.Errorf("HEVC: expected hvcc, got %s", got)
	}

	au := testAU()
	au.Codec = media.HEVC
	s, err := p.Pack(au)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if s.Layout != media.LayoutHVCC {
		t.Errorf("expected hvcc layout, got %s", s.Layout)
	}
}

func TestPackEmptyNAL(t *testing.T) {
	t.Parallel()

	au := media.AccessUnit{Codec: media.H264, NALUs: []media.NALU{{}}}
	if _, err := (AnnexBPacker{}).Pack(au); !media.IsInvalidInput(err) {
		t.Errorf("annexb: expected InvalidInput, got %v", err)
	}
	if _, err := (LengthPrefixedPacker{}).Pack(au); !media.IsInvalidInput(err) {
		t.Errorf("length-prefixed: expected InvalidInput, got %v", err)
	}
}

func TestUnpackTruncated(t *testing.T) {
	t.Parallel()

	// Truncated length prefix.
	if _, err := UnpackLengthPrefixed([]byte{0x00, 0x00}); !media.IsInvalidBitstream(err) {
		t.Errorf("expected InvalidBitstream, got %v", err)
	}
	// Length overruns the buffer.
	if _, err := UnpackLengthPrefixed([]byte{0x00, 0x00, 0x00, 0x09, 0x65}); !media.IsInvalidBitstream(err) {
		t.Errorf("expected InvalidBitstream, got %v", err)
	}
	// Zero-length NAL.
	if _, err := UnpackLengthPrefixed([]byte{0x00, 0x00, 0x00, 0x00}); !media.IsInvalidBitstream(err) {
		t.Errorf("expected InvalidBitstream, got %v", err)
	}
}

func TestPackerFor(t *testing.T) {
	t.Parallel()

	if _, ok := PackerFor(media.VideoToolbox).(LengthPrefixedPacker); !ok {
		t.Error("VideoToolbox should use the length-prefixed packer")
	}
	if _, ok := PackerFor(media.Nvidia).(AnnexBPacker); !ok {
		t.Error("NVIDIA should use the Annex B packer")
	}
}
