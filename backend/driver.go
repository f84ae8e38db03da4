// Package backend defines the capability contract a vendor codec API
// must satisfy and the process-wide registry the facade resolves
// backends through. Vendor adapters register themselves from
// build-tag-gated init functions, so an unavailable SDK simply leaves
// its backend unregistered.
package backend

import (
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/hwcodec/media"
)

// ErrBusy is returned by a driver Submit when the vendor reports a
// recoverable "try again" condition (encoder queue full, no surface
// available). The session keeps the item queued and retries.
var ErrBusy = errors.New("backend: busy")

// ParamSets carries the cached parameter sets a decoder session is
// created from. VPS is nil for H.264.
type ParamSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// DecoderConfig configures one vendor decode session.
type DecoderConfig struct {
	Codec     media.Codec
	Dims      media.Dimensions
	ParamSets ParamSets
	Log       *slog.Logger
}

// EncoderConfig configures one vendor encode session.
type EncoderConfig struct {
	Codec       media.Codec
	Dims        media.Dimensions
	FPS         int
	BitrateKbps int
	GOPLength   int
	MaxInFlight int
	Log         *slog.Logger
}

// Decoder is one vendor decode session. The implementation pins its
// vendor state for the session's life; callers hold only this handle
// and never copy it. Submit and Reap are called from the session's
// split workers, one goroutine each.
type Decoder interface {
	// Submit feeds one packed access unit. Returns ErrBusy when the
	// vendor cannot accept more work right now.
	Submit(s media.PackedSample) error

	// Reap blocks up to timeout for the next decoded frame. ok is
	// false when nothing became available.
	Reap(timeout time.Duration) (frame media.DecodedFrame, ok bool, err error)

	// Flush signals end of stream; remaining frames are reaped
	// normally afterwards.
	Flush() error

	Close() error
}

// Encoder is one vendor encode session, mirroring Decoder. upload is
// pool-owned staging memory of at least the frame's byte size; the
// driver converts or copies into it for upload and must not retain it
// past the corresponding reap.
type Encoder interface {
	Submit(frame media.RawFrame, upload []byte, forceIDR bool) error
	Reap(timeout time.Duration) (chunk media.EncodedChunk, ok bool, err error)
	Flush() error
	Close() error
}

// Driver is the top-level vendor adapter contract.
type Driver interface {
	Backend() media.Backend
	Capability(codec media.Codec) media.Capability
	NewDecoder(cfg DecoderConfig) (Decoder, error)
	NewEncoder(cfg EncoderConfig) (Encoder, error)
}
