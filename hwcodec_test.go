package hwcodec_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwcodec"
	"github.com/zsiec/hwcodec/backend/backendtest"
	"github.com/zsiec/hwcodec/media"
)

// Tests in this file re-register fake drivers per test and therefore
// run sequentially.

func registerFakes() (vt, nv *backendtest.Driver) {
	vt = backendtest.New(media.VideoToolbox)
	nv = backendtest.New(media.Nvidia)
	vt.Register()
	nv.Register()
	return vt, nv
}

// bitWriter mirrors the assembler test helper to craft a real SPS.
type bitWriter struct {
	buf []byte
	bit int
}

func (w *bitWriter) u(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.bit == 0 {
			w.buf = append(w.buf, 0)
		}
		if v&(1<<uint(i)) != 0 {
			w.buf[len(w.buf)-1] |= 1 << (7 - w.bit)
		}
		w.bit = (w.bit + 1) % 8
	}
}

func (w *bitWriter) ue(v uint) {
	k := v + 1
	n := 0
	for t := k; t > 0; t >>= 1 {
		n++
	}
	w.u(0, n-1)
	w.u(k, n)
}

func testSPS() []byte {
	w := &bitWriter{}
	w.u(66, 8)
	w.u(0, 8)
	w.u(30, 8)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(1)
	w.u(0, 1)
	w.ue(39) // 640 wide
	w.ue(22) // 368 tall before cropping
	w.u(1, 1)
	w.u(1, 1)
	w.u(1, 1)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(4) // crop to 360
	w.u(0, 1)
	w.u(0, 7)
	return append([]byte{0x67}, w.buf...)
}

var testPPS = []byte{0x68, 0xCE, 0x38, 0x80}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nal...)
	}
	return out
}

// buildStream returns frames pictures: SPS+PPS+IDR then delta slices.
func buildStream(frames int) []byte {
	stream := annexB(testSPS(), testPPS, []byte{0x65, 0x9A, 0x00, 0x00})
	for i := 1; i < frames; i++ {
		stream = append(stream, annexB([]byte{0x41, 0x9A, 0x00, byte(i)})...)
	}
	return stream
}

func argbFrame(w, h int, pts int64) media.RawFrame {
	return media.RawFrame{
		Kind:  media.RawARGB8888,
		Dims:  media.Dimensions{Width: w, Height: h},
		PTS:   pts,
		Bytes: make([]byte, w*h*4),
	}
}

func TestQueryCapability(t *testing.T) {
	registerFakes()

	capa := hwcodec.QueryCapability(media.Nvidia, media.H264)
	require.True(t, capa.CanDecode)
	require.True(t, capa.CanEncode)
	require.True(t, capa.HardwareAccelerated)
}

func TestUnsupportedBackendCombination(t *testing.T) {
	vt, _ := registerFakes()
	vt.DisableEncode = true

	_, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend: media.VideoToolbox,
		Codec:   media.H264,
		Dims:    media.Dimensions{Width: 640, Height: 360},
	})
	require.Error(t, err)
	require.True(t, media.IsUnsupported(err))
}

func TestDecodeEmptyFlush(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewDecodeSession(hwcodec.DecodeConfig{
		Backend: media.VideoToolbox,
		Codec:   media.H264,
	})
	require.NoError(t, err)
	defer s.Close()

	frames, err := s.Flush()
	require.NoError(t, err)
	require.Empty(t, frames)

	sum := s.Summary()
	require.EqualValues(t, 0, sum.DecodedFrames)
}

func TestDecodeChunkConvergence(t *testing.T) {
	const frames = 120
	stream := buildStream(frames)

	for _, chunkSize := range []int{4096, 1 << 20, len(stream)} {
		t.Run(fmt.Sprintf("chunk-%d", chunkSize), func(t *testing.T) {
			registerFakes()

			s, err := hwcodec.NewDecodeSession(hwcodec.DecodeConfig{
				Backend:     media.VideoToolbox,
				Codec:       media.H264,
				MaxInFlight: 256,
			})
			require.NoError(t, err)
			defer s.Close()

			for off := 0; off < len(stream); off += chunkSize {
				end := off + chunkSize
				if end > len(stream) {
					end = len(stream)
				}
				require.NoError(t, s.Submit(media.AnnexBChunk(stream[off:end], media.NoPTS)))
			}

			out, err := s.Flush()
			require.NoError(t, err)
			require.Len(t, out, frames)

			sum := s.Summary()
			require.EqualValues(t, frames, sum.DecodedFrames)
			require.Equal(t, media.Dimensions{Width: 640, Height: 360}, sum.LastDims)
		})
	}
}

func TestDecodeSummaryMatchesReapPlusFlush(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewDecodeSession(hwcodec.DecodeConfig{
		Backend:     media.VideoToolbox,
		Codec:       media.H264,
		MaxInFlight: 64,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Submit(media.AnnexBChunk(buildStream(10), media.NoPTS)))

	reaped := 0
	deadline := time.Now().Add(2 * time.Second)
	for reaped < 3 && time.Now().Before(deadline) {
		if _, ok, err := s.ReapTimeout(100 * time.Millisecond); err == nil && ok {
			reaped++
		}
	}
	require.Equal(t, 3, reaped)

	out, err := s.Flush()
	require.NoError(t, err)

	sum := s.Summary()
	require.EqualValues(t, reaped+len(out), sum.DecodedFrames)
}

func TestDecodeParamSetGating(t *testing.T) {
	vt, _ := registerFakes()

	s, err := hwcodec.NewDecodeSession(hwcodec.DecodeConfig{
		Backend:     media.VideoToolbox,
		Codec:       media.H264,
		MaxInFlight: 64,
	})
	require.NoError(t, err)
	defer s.Close()

	// Slices arrive before any parameter set: they must buffer, not
	// decode and not fail.
	idr := media.NALU{0x65, 0x9A, 0x00, 0x00}
	require.NoError(t, s.Submit(media.AccessUnitRawNAL(media.H264, []media.NALU{idr}, 0)))

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, vt.Decoders.Load(), "decoder must not exist before parameter sets")

	// Parameter sets alone produce no access unit but complete the cache.
	require.NoError(t, s.Submit(media.AccessUnitRawNAL(media.H264,
		[]media.NALU{testSPS(), testPPS}, 0)))

	// The next slice unblocks creation and the buffered input decodes
	// first, in order.
	slice := media.NALU{0x41, 0x9A, 0x00, 0x01}
	require.NoError(t, s.Submit(media.AccessUnitRawNAL(media.H264, []media.NALU{slice}, 3000)))

	out, err := s.Flush()
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.EqualValues(t, 1, vt.Decoders.Load())
	require.Equal(t, int64(0), out[0].PTS)
	require.Equal(t, int64(3000), out[1].PTS)
}

func TestEncodePTSMonotonic(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend:     media.Nvidia,
		Codec:       media.H264,
		Dims:        media.Dimensions{Width: 640, Height: 360},
		FPS:         30,
		MaxInFlight: 64,
	})
	require.NoError(t, err)
	defer s.Close()

	for i := int64(0); i < 30; i++ {
		require.NoError(t, s.Submit(argbFrame(640, 360, i*3000)))
	}

	chunks, err := s.Flush()
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	last := int64(-1)
	for _, c := range chunks {
		require.GreaterOrEqual(t, c.PTS, last, "encoded PTS must be non-decreasing")
		last = c.PTS
		require.Equal(t, media.LayoutAnnexB, c.Layout)
	}
}

func TestEncodeInvalidARGBSize(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend: media.Nvidia,
		Codec:   media.H264,
		Dims:    media.Dimensions{Width: 640, Height: 360},
	})
	require.NoError(t, err)
	defer s.Close()

	bad := media.RawFrame{
		Kind:  media.RawARGB8888,
		Dims:  media.Dimensions{Width: 640, Height: 360},
		Bytes: make([]byte, 100),
	}
	err = s.Submit(bad)
	require.Error(t, err)
	require.True(t, media.IsInvalidInput(err))
	require.Contains(t, err.Error(), "argb payload size mismatch")

	// No session damage: a correct frame still encodes.
	require.NoError(t, s.Submit(argbFrame(640, 360, 0)))
	chunks, err := s.Flush()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestEncodeDimensionImmutableWithinCycle(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend: media.Nvidia,
		Codec:   media.H264,
		Dims:    media.Dimensions{Width: 640, Height: 360},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Submit(argbFrame(640, 360, 0)))

	err = s.Submit(argbFrame(1280, 720, 3000))
	require.Error(t, err)
	require.True(t, media.IsInvalidInput(err))
}

func TestEncodeZeroDimensions(t *testing.T) {
	registerFakes()

	_, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend: media.Nvidia,
		Codec:   media.H264,
	})
	require.Error(t, err)
	require.True(t, media.IsInvalidInput(err))
}

func TestBackendLayoutMapping(t *testing.T) {
	require.Equal(t, media.LayoutAVCC, media.LayoutOf(media.VideoToolbox, media.H264))
	require.Equal(t, media.LayoutHVCC, media.LayoutOf(media.VideoToolbox, media.HEVC))
	require.Equal(t, media.LayoutAnnexB, media.LayoutOf(media.Nvidia, media.H264))
	require.Equal(t, media.LayoutAnnexB, media.LayoutOf(media.Nvidia, media.HEVC))

	registerFakes()

	for _, tc := range []struct {
		backend media.Backend
		codec   media.Codec
		layout  media.Layout
	}{
		{media.VideoToolbox, media.H264, media.LayoutAVCC},
		{media.Nvidia, media.H264, media.LayoutAnnexB},
		{media.Nvidia, media.HEVC, media.LayoutAnnexB},
	} {
		s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
			Backend: tc.backend,
			Codec:   tc.codec,
			Dims:    media.Dimensions{Width: 320, Height: 240},
		})
		require.NoError(t, err)

		require.NoError(t, s.Submit(argbFrame(320, 240, 0)))
		chunks, err := s.Flush()
		require.NoError(t, err)
		require.NotEmpty(t, chunks)
		for _, c := range chunks {
			require.Equal(t, tc.layout, c.Layout, "%s %s", tc.backend, tc.codec)
		}
		require.NoError(t, s.Close())
	}
}

func TestGenerationDropOnImmediateSwitch(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend:     media.Nvidia,
		Codec:       media.H264,
		Dims:        media.Dimensions{Width: 640, Height: 360},
		MaxInFlight: 64,
	})
	require.NoError(t, err)
	defer s.Close()

	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Submit(argbFrame(640, 360, i*3000)))
	}

	require.NoError(t, s.RequestSessionSwitch(media.SessionSwitchRequest{
		Target: media.SessionConfig{
			Codec: media.H264,
			Dims:  media.Dimensions{Width: 640, Height: 360},
		},
		Mode:               media.SwitchImmediate,
		ForceIDROnActivate: true,
	}))

	const newBase = 1_000_000
	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Submit(argbFrame(640, 360, newBase+i*3000)))
	}

	chunks, err := s.Flush()
	require.NoError(t, err)
	require.LessOrEqual(t, len(chunks), 10)
	for _, c := range chunks {
		require.GreaterOrEqual(t, c.PTS, int64(newBase),
			"no output from the retired generation may surface")
	}
}

func TestDrainThenSwapKeepsWork(t *testing.T) {
	_, nv := registerFakes()

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend:     media.Nvidia,
		Codec:       media.H264,
		Dims:        media.Dimensions{Width: 640, Height: 360},
		MaxInFlight: 64,
	})
	require.NoError(t, err)
	defer s.Close()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Submit(argbFrame(640, 360, i*3000)))
	}

	require.NoError(t, s.RequestSessionSwitch(media.SessionSwitchRequest{
		Target: media.SessionConfig{
			Codec: media.H264,
			Dims:  media.Dimensions{Width: 1280, Height: 720},
		},
		Mode: media.SwitchDrainThenSwap,
	}))

	require.NoError(t, s.Submit(argbFrame(1280, 720, 100_000)))

	chunks, err := s.Flush()
	require.NoError(t, err)
	require.Len(t, chunks, 6, "drain-then-swap must not lose completed work")
	require.EqualValues(t, 2, nv.Encoders.Load(), "the vendor session is rebuilt on swap")
}

func TestBusyRetry(t *testing.T) {
	_, nv := registerFakes()
	nv.BusyFirstN = 3

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend:     media.Nvidia,
		Codec:       media.H264,
		Dims:        media.Dimensions{Width: 320, Height: 240},
		MaxInFlight: 16,
	})
	require.NoError(t, err)
	defer s.Close()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Submit(argbFrame(320, 240, i*3000)))
	}
	chunks, err := s.Flush()
	require.NoError(t, err)
	require.Len(t, chunks, 5, "busy responses must be retried, not dropped")
}

func TestDeviceLostLatches(t *testing.T) {
	_, nv := registerFakes()
	nv.SubmitErr = media.DeviceLostf("gpu fell off the bus")

	s, err := hwcodec.NewEncodeSession(hwcodec.EncodeConfig{
		Backend: media.Nvidia,
		Codec:   media.H264,
		Dims:    media.Dimensions{Width: 320, Height: 240},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Submit(argbFrame(320, 240, 0)))

	// The loss is detected asynchronously; every subsequent operation
	// fails fast with the same error.
	require.Eventually(t, func() bool {
		err := s.Submit(argbFrame(320, 240, 3000))
		return err != nil && media.IsDeviceLost(err)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Flush()
	require.Error(t, err)
	require.True(t, media.IsDeviceLost(err))
}

func TestDecodeLengthPrefixedInput(t *testing.T) {
	registerFakes()

	s, err := hwcodec.NewDecodeSession(hwcodec.DecodeConfig{
		Backend:     media.VideoToolbox,
		Codec:       media.H264,
		MaxInFlight: 16,
	})
	require.NoError(t, err)
	defer s.Close()

	var sampleBytes []byte
	for _, nal := range [][]byte{testSPS(), testPPS, {0x65, 0x9A, 0x00, 0x00}} {
		sampleBytes = append(sampleBytes,
			byte(len(nal)>>24), byte(len(nal)>>16), byte(len(nal)>>8), byte(len(nal)))
		sampleBytes = append(sampleBytes, nal...)
	}
	require.NoError(t, s.Submit(media.LengthPrefixedSample(media.H264, sampleBytes, 0)))

	out, err := s.Flush()
	require.NoError(t, err)
	require.Len(t, out, 1)
}
