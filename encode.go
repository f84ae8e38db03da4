package hwcodec

import (
	"log/slog"
	"time"

	"github.com/zsiec/hwcodec/config"
	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/metrics"
	"github.com/zsiec/hwcodec/session"
)

// EncodeConfig configures an EncodeSession.
type EncodeConfig struct {
	Backend media.Backend
	Codec   media.Codec
	Dims    media.Dimensions

	FPS         int
	BitrateKbps int
	GOPLength   int

	// MaxInFlight bounds outstanding frames. Zero selects the backend
	// default (6 for NVENC).
	MaxInFlight int

	// WaitForCredit makes Submit block on credit exhaustion instead of
	// returning backpressure.
	WaitForCredit bool

	// EnableMetrics attaches a telemetry collector, readable via
	// Metrics.
	EnableMetrics bool

	Log *slog.Logger
}

// EncodeSession encodes raw frames on one backend. Not safe for
// concurrent use. The frame dimensions are those of the active session
// configuration; Flush does not change them, only a session switch does.
type EncodeSession struct {
	log   *slog.Logger
	cfg   EncodeConfig
	enc   *session.Encoder
	stats *metrics.Collector
}

// NewEncodeSession creates an encode session. The vendor session is
// created eagerly; zero dimensions or an unsupported configuration fail
// here.
func NewEncodeSession(cfg EncodeConfig) (*EncodeSession, error) {
	drv, err := resolveDriver(cfg.Backend, cfg.Codec, false)
	if err != nil {
		return nil, err
	}
	if !cfg.Dims.Valid() {
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

	enc, err := session.NewEncoder(cfg.Backend, drv, media.SessionConfig{
		Codec:         cfg.Codec,
		Dims:          cfg.Dims,
		FPS:           cfg.FPS,
		BitrateKbps:   cfg.BitrateKbps,
		GOPLength:     cfg.GOPLength,
		MaxInFlight:   maxInFlight,
		WaitForCredit: cfg.WaitForCredit,
	}, session.EncoderOptions{
		SubmitQueue: tun.SubmitQueue,
		OutputQueue: tun.OutputQueue,
		Stats:       stats,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	return &EncodeSession{
		log:   log.With("component", "encode", "backend", cfg.Backend.String()),
		cfg:   cfg,
		enc:   enc,
		stats: stats,
	}, nil
}

// Submit hands one raw frame to the encoder. It validates the payload
// against the frame's stated kind and the session's dimensions, then
// blocks only on credit acquisition when the session was configured to
// wait.
func (s *EncodeSession) Submit(frame media.RawFrame) error {
	if err := s.validateFrame(frame); err != nil {
		return err
	}
	return s.enc.Submit(frame)
}

func (s *EncodeSession) validateFrame(frame media.RawFrame) error {
	if !frame.Dims.Valid() {
		return media.InvalidInputf("frame dimensions %s", frame.Dims)
	}
	if dims := s.enc.Dims(); frame.Dims != dims {
		return media.InvalidInputf("frame dimensions %s, session encodes %s", frame.Dims, dims)
	}

	w, h := frame.Dims.Width, frame.Dims.Height
	switch frame.Kind {
	case media.RawARGB8888, media.RawARGB8888Shared:
		if len(frame.Bytes) != w*h*4 {
			return media.InvalidInputf("argb payload size mismatch")
		}
	case media.RawNV12:
		pitch := frame.Pitch
		if pitch < w {
			return media.InvalidInputf("nv12 pitch %d below width %d", pitch, w)
		}
		if len(frame.Bytes) != pitch*h+pitch*h/2 {
			return media.InvalidInputf("nv12 payload size mismatch")
		}
	case media.RawRGB24:
		if len(frame.Bytes) != w*h*3 {
			return media.InvalidInputf("rgb24 payload size mismatch")
		}
	default:
		return media.InvalidInputf("unknown raw frame kind %d", int(frame.Kind))
	}
	return nil
}

// TryReap returns the next encoded chunk without blocking. ok is false
// when nothing is ready.
func (s *EncodeSession) TryReap() (media.EncodedChunk, bool, error) {
	return s.enc.TryReap()
}

// ReapTimeout blocks up to d for the next encoded chunk.
func (s *EncodeSession) ReapTimeout(d time.Duration) (media.EncodedChunk, bool, error) {
	return s.enc.ReapTimeout(d)
}

// Flush signals end of stream, drains every in-flight frame, and
// returns the pending chunks. The session remains usable; the next
// cycle may carry new dimensions after a switch.
func (s *EncodeSession) Flush() ([]media.EncodedChunk, error) {
	return s.enc.Flush()
}

// RequestSessionSwitch reconfigures the session in the requested mode.
func (s *EncodeSession) RequestSessionSwitch(req media.SessionSwitchRequest) error {
	return s.enc.RequestSwitch(req)
}

// Metrics returns the telemetry snapshot. Zero when metrics are
// disabled.
func (s *EncodeSession) Metrics() metrics.Snapshot {
	return s.stats.Snapshot()
}

// Close destroys the session and its vendor resources.
func (s *EncodeSession) Close() error {
	return s.enc.Close()
}
