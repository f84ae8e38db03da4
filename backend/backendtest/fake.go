// Package backendtest provides an in-memory backend driver for
// exercising the streaming pipeline without vendor hardware. The fake
// decoder emits one metadata frame per submitted sample; the fake
// encoder emits one chunk per frame in the layout the real backend
// would produce.
package backendtest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwcodec/backend"
	"github.com/zsiec/hwcodec/media"
)

// Driver is a configurable fake vendor adapter.
type Driver struct {
	ID media.Backend

	// BusyFirstN makes each session's first N submissions fail with
	// backend.ErrBusy before succeeding, to exercise the retry path.
	BusyFirstN int

	// SubmitErr, when set, fails every submission with this error.
	SubmitErr error

	// DecoderErr, when set, fails decoder creation.
	DecoderErr error

	// EncoderErr, when set, fails encoder creation.
	EncoderErr error

	// DisableDecode and DisableEncode shrink the advertised capability.
	DisableDecode bool
	DisableEncode bool

	// Decoders and Encoders count sessions created, for reconfigure
	// assertions.
	Decoders atomic.Int32
	Encoders atomic.Int32
}

// New creates a fake driver presenting as backend b.
func New(b media.Backend) *Driver {
	return &Driver{ID: b}
}

// Register installs the fake in the process registry.
func (d *Driver) Register() { backend.Register(d) }

// Backend implements backend.Driver.
func (d *Driver) Backend() media.Backend { return d.ID }

// Capability implements backend.Driver: everything is supported and
// hardware accelerated unless a knob disables it.
func (d *Driver) Capability(media.Codec) media.Capability {
	return media.Capability{
		CanDecode:           !d.DisableDecode,
		CanEncode:           !d.DisableEncode,
		HardwareAccelerated: true,
	}
}

// NewDecoder implements backend.Driver.
func (d *Driver) NewDecoder(cfg backend.DecoderConfig) (backend.Decoder, error) {
	if d.DecoderErr != nil {
		return nil, d.DecoderErr
	}
	d.Decoders.Add(1)
	return &fakeDecoder{drv: d, cfg: cfg, out: make(chan media.DecodedFrame, 256)}, nil
}

// NewEncoder implements backend.Driver.
func (d *Driver) NewEncoder(cfg backend.EncoderConfig) (backend.Encoder, error) {
	if d.EncoderErr != nil {
		return nil, d.EncoderErr
	}
	if !cfg.Dims.Valid() {
		return nil, media.InvalidInputf("dimensions %s", cfg.Dims)
	}
	d.Encoders.Add(1)
	return &fakeEncoder{drv: d, cfg: cfg, out: make(chan media.EncodedChunk, 256)}, nil
}

type fakeDecoder struct {
	drv *Driver
	cfg backend.DecoderConfig
	out chan media.DecodedFrame

	mu       sync.Mutex
	busySent int
	closed   bool
}

func (f *fakeDecoder) Submit(s media.PackedSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return media.InvalidInputf("decoder closed")
	}
	if f.drv.SubmitErr != nil {
		return f.drv.SubmitErr
	}
	if f.busySent < f.drv.BusyFirstN {
		f.busySent++
		return backend.ErrBusy
	}

	f.out <- media.DecodedFrame{
		Kind:        media.FrameMetadata,
		Dims:        f.cfg.Dims,
		PTS:         s.PTS,
		PixelFormat: media.PixelFormatNV12,
	}
	return nil
}

func (f *fakeDecoder) Reap(timeout time.Duration) (media.DecodedFrame, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case frame, ok := <-f.out:
		if !ok {
			return media.DecodedFrame{}, false, nil
		}
		return frame, true, nil
	case <-t.C:
		return media.DecodedFrame{}, false, nil
	}
}

func (f *fakeDecoder) Flush() error { return nil }

func (f *fakeDecoder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

type fakeEncoder struct {
	drv *Driver
	cfg backend.EncoderConfig
	out chan media.EncodedChunk

	mu       sync.Mutex
	busySent int
	frameIdx int
	closed   bool
}

func (f *fakeEncoder) Submit(frame media.RawFrame, upload []byte, forceIDR bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return media.InvalidInputf("encoder closed")
	}
	if f.drv.SubmitErr != nil {
		return f.drv.SubmitErr
	}
	if f.busySent < f.drv.BusyFirstN {
		f.busySent++
		return backend.ErrBusy
	}

	idx := f.frameIdx
	f.frameIdx++
	keyframe := forceIDR || idx == 0
	if f.cfg.GOPLength > 0 && idx%f.cfg.GOPLength == 0 {
		keyframe = true
	}

	// A tiny but well-formed payload in the backend's layout.
	payload := []byte{0x65, 0x88, 0x84, byte(idx)}
	var chunk []byte
	if media.LayoutOf(f.drv.ID, f.cfg.Codec) == media.LayoutAnnexB {
		chunk = append([]byte{0, 0, 0, 1}, payload...)
	} else {
		chunk = append([]byte{0, 0, 0, byte(len(payload))}, payload...)
	}

	f.out <- media.EncodedChunk{
		Codec:      f.cfg.Codec,
		Layout:     media.LayoutOf(f.drv.ID, f.cfg.Codec),
		PTS:        frame.PTS,
		IsKeyframe: keyframe,
		Bytes:      chunk,
	}
	return nil
}

func (f *fakeEncoder) Reap(timeout time.Duration) (media.EncodedChunk, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case chunk, ok := <-f.out:
		if !ok {
			return media.EncodedChunk{}, false, nil
		}
		return chunk, true, nil
	case <-t.C:
		return media.EncodedChunk{}, false, nil
	}
}

func (f *fakeEncoder) Flush() error { return nil }

func (f *fakeEncoder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}
