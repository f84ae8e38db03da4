package hwcodec

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwcodec/bitstream"
	"github.com/zsiec/hwcodec/config"
	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/metrics"
	"github.com/zsiec/hwcodec/sample"
	"github.com/zsiec/hwcodec/session"
	"github.com/zsiec/hwcodec/transform"
)

// DecodeConfig configures a DecodeSession.
type DecodeConfig struct {
	Backend media.Backend
	Codec   media.Codec

	// Dims may be zero; they are then parsed from the stream's SPS.
	Dims media.Dimensions

	// MaxInFlight bounds outstanding access units. Zero selects the
	// backend default.
	MaxInFlight int

	// WaitForCredit makes Submit block on credit exhaustion instead of
	// returning backpressure.
	WaitForCredit bool

	// Color and Resize select the terminal transform for decoded
	// frames. The default (KeepNative, no resize) passes frames through
	// as the backend delivers them: the VideoToolbox and NVIDIA drivers
	// copy out the NV12 surface, so outputs carry pixels even with no
	// transform requested.
	Color  transform.ColorRequest
	Resize *media.Dimensions

	// EnableMetrics attaches a telemetry collector, readable via
	// Metrics.
	EnableMetrics bool

	Log *slog.Logger
}

// DecodeSummary is the cumulative view of a decode session's output.
type DecodeSummary struct {
	DecodedFrames   int64
	LastDims        media.Dimensions
	LastPixelFormat media.PixelFormat
}

// DecodeSession decodes one elementary stream on one backend. Not safe
// for concurrent use.
type DecodeSession struct {
	log   *slog.Logger
	cfg   DecodeConfig
	dec   *session.Decoder
	stats *metrics.Collector

	asm      *bitstream.Assembler
	asmCodec media.Codec

	frames atomic.Int64
}

// NewDecodeSession creates a decode session. The vendor session itself
// is created once the stream's parameter sets have been observed;
// earlier submissions are buffered and decoded in order afterwards.
func NewDecodeSession(cfg DecodeConfig) (*DecodeSession, error) {
	drv, err := resolveDriver(cfg.Backend, cfg.Codec, true)
	if err != nil {
		return nil, err
	}
	if cfg.Dims != (media.Dimensions{}) && !cfg.Dims.Valid() {
		return nil, media.InvalidInputf("dimensions %s", cfg.Dims)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	tun := config.Load()
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = tun.MaxInFlight(cfg.Backend)
	}

	var stats *metrics.Collector
	if cfg.EnableMetrics {
		stats = metrics.NewCollector()
	}

	cache := bitstream.NewParamSetCache(cfg.Codec)
	dec := session.NewDecoder(cfg.Backend, drv, media.SessionConfig{
		Codec:         cfg.Codec,
		Dims:          cfg.Dims,
		MaxInFlight:   maxInFlight,
		WaitForCredit: cfg.WaitForCredit,
	}, cache, session.DecoderOptions{
		Dispatcher:  sharedDispatcher(),
		Color:       cfg.Color,
		Resize:      cfg.Resize,
		SubmitQueue: tun.SubmitQueue,
		OutputQueue: tun.OutputQueue,
		Stats:       stats,
		Log:         log,
	})

	s := &DecodeSession{
		log:      log.With("component", "decode", "backend", cfg.Backend.String()),
		cfg:      cfg,
		dec:      dec,
		stats:    stats,
		asm:      bitstream.NewAssembler(cfg.Codec, cache, log),
		asmCodec: cfg.Codec,
	}
	return s, nil
}

// Submit feeds one bitstream input. Annex B chunks may be split
// anywhere; complete access units are submitted as their boundaries are
// confirmed. Raw NAL lists and length-prefixed samples are treated as
// one access unit each.
func (s *DecodeSession) Submit(in media.BitstreamInput) error {
	s.syncAssembler()

	switch in.Kind {
	case media.BitstreamAnnexB:
		aus, err := s.asm.Push(in.AnnexB, in.PTS)
		for _, au := range aus {
			if serr := s.dec.Submit(au); serr != nil && err == nil {
				err = serr
			}
		}
		return err

	case media.BitstreamAccessUnit:
		return s.submitRawNALs(in.Codec, in.NALUs, in.PTS)

	case media.BitstreamLengthPrefixed:
		nalus, err := sample.UnpackLengthPrefixed(in.Sample)
		if err != nil {
			return err
		}
		return s.submitRawNALs(in.Codec, nalus, in.PTS)

	default:
		return media.InvalidInputf("unknown bitstream input kind %d", int(in.Kind))
	}
}

// submitRawNALs packs a NAL list into one access unit, updating the
// parameter-set cache on the way. A list holding only parameter sets is
// cached and produces no access unit.
func (s *DecodeSession) submitRawNALs(codec media.Codec, nalus []media.NALU, pts int64) error {
	if codec != s.dec.Codec() {
		return media.InvalidInputf("input codec %s, session codec %s", codec, s.dec.Codec())
	}

	cache := s.dec.Cache()
	hasSlice := false
	keyframe := false
	for _, nal := range nalus {
		if len(nal) == 0 {
			return media.InvalidBitstreamf("zero-length NAL unit")
		}
		cache.Observe(nal)
		if codec == media.H264 {
			t := bitstream.H264NALType(nal[0])
			if bitstream.IsH264Slice(t) {
				hasSlice = true
				keyframe = keyframe || bitstream.IsH264IDR(t)
			}
		} else {
			t := bitstream.HEVCNALType(nal[0])
			if bitstream.IsHEVCSlice(t) {
				hasSlice = true
				keyframe = keyframe || bitstream.IsHEVCKeyframe(t)
			}
		}
	}
	if !hasSlice {
		return nil
	}

	return s.dec.Submit(media.AccessUnit{
		Codec:      codec,
		NALUs:      nalus,
		PTS:        pts,
		IsKeyframe: keyframe,
	})
}

// TryReap returns the next decoded output without blocking. ok is false
// when nothing is ready.
func (s *DecodeSession) TryReap() (media.DecodedFrame, bool, error) {
	frame, ok, err := s.dec.TryReap()
	if ok {
		s.frames.Add(1)
	}
	return frame, ok, err
}

// ReapTimeout blocks up to d for the next decoded output.
func (s *DecodeSession) ReapTimeout(d time.Duration) (media.DecodedFrame, bool, error) {
	frame, ok, err := s.dec.ReapTimeout(d)
	if ok {
		s.frames.Add(1)
	}
	return frame, ok, err
}

// Flush signals end of stream, drains every pending output, and returns
// them. The session remains usable for the next cycle.
func (s *DecodeSession) Flush() ([]media.DecodedFrame, error) {
	s.syncAssembler()
	for _, au := range s.asm.Flush() {
		if err := s.dec.Submit(au); err != nil {
			s.log.Warn("dropping trailing access unit at flush", "error", err)
		}
	}
	frames, err := s.dec.Flush()
	s.frames.Add(int64(len(frames)))
	return frames, err
}

// Summary returns the cumulative decoded frame count and the last
// observed dimensions and pixel format. The count equals the number of
// frames returned via reap and flush over the session's lifetime.
func (s *DecodeSession) Summary() DecodeSummary {
	dims, pix := s.dec.LastObserved()
	return DecodeSummary{
		DecodedFrames:   s.frames.Load(),
		LastDims:        dims,
		LastPixelFormat: pix,
	}
}

// RequestSessionSwitch reconfigures the session in the requested mode.
func (s *DecodeSession) RequestSessionSwitch(req media.SessionSwitchRequest) error {
	return s.dec.RequestSwitch(req)
}

// Metrics returns the telemetry snapshot. Zero when metrics are
// disabled.
func (s *DecodeSession) Metrics() metrics.Snapshot {
	return s.stats.Snapshot()
}

// Close destroys the session and its vendor resources.
func (s *DecodeSession) Close() error {
	return s.dec.Close()
}

// syncAssembler rebuilds the assembler after a session switch changed
// the codec, reusing the session's parameter-set cache.
func (s *DecodeSession) syncAssembler() {
	if c := s.dec.Codec(); c != s.asmCodec {
		s.asm = bitstream.NewAssembler(c, s.dec.Cache(), s.log)
		s.asmCodec = c
	}
}
