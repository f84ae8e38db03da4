// Package media defines the core types that flow through the hwcodec
// pipeline: codecs, backends, capabilities, access units, frames, and
// encoded chunks, plus the error taxonomy shared by every layer.
package media

import "fmt"

// Codec identifies a supported video codec. Immutable for the life of a
// session.
type Codec int

// Supported codecs.
const (
	H264 Codec = iota
	HEVC
)

// String returns the lowercase codec name used in logs and codec strings.
func (c Codec) String() string {
	switch c {
	case H264:
		return "h264"
	case HEVC:
		return "h265"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// Backend identifies a hardware codec vendor API.
type Backend int

// Supported backends.
const (
	VideoToolbox Backend = iota
	Nvidia
)

// String returns the backend name used in logs and driver registration.
func (b Backend) String() string {
	switch b {
	case VideoToolbox:
		return "videotoolbox"
	case Nvidia:
		return "nvidia"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// TimeBase is the timestamp clock rate: 90 kHz ticks, as in MPEG transport.
const TimeBase = 90000

// NoPTS marks an absent timestamp. Backends may synthesize a timestamp
// from frame index and frame rate when they see it.
const NoPTS int64 = -1 << 62

// Dimensions is a strictly positive width and height in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are strictly positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

// String formats the dimensions as WxH.
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Capability describes what a (backend, codec) pair can do. Queried
// before any session creation.
type Capability struct {
	CanDecode           bool
	CanEncode           bool
	HardwareAccelerated bool
}

// Layout identifies the byte layout of a packed sample or encoded chunk.
type Layout int

// Packed-sample layouts.
const (
	// LayoutAnnexB delimits NAL units with 00 00 00 01 start codes.
	LayoutAnnexB Layout = iota
	// LayoutAVCC prefixes each NAL unit with its u32 big-endian length (H.264).
	LayoutAVCC
	// LayoutHVCC prefixes each NAL unit with its u32 big-endian length (HEVC).
	LayoutHVCC
	// LayoutOpaque is a vendor-private layout the facade does not inspect.
	LayoutOpaque
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutAnnexB:
		return "annexb"
	case LayoutAVCC:
		return "avcc"
	case LayoutHVCC:
		return "hvcc"
	case LayoutOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// LayoutOf returns the encoded-output layout a backend produces for a
// codec: VideoToolbox emits length-prefixed AVCC/HVCC, NVIDIA emits
// Annex B. The facade rejects reaped chunks that contradict this mapping.
func LayoutOf(b Backend, c Codec) Layout {
	if b == VideoToolbox {
		if c == HEVC {
			return LayoutHVCC
		}
		return LayoutAVCC
	}
	return LayoutAnnexB
}

// PixelFormat describes a decoded surface format. It is best-effort
// telemetry: some backends never report it, and no pipeline logic may
// gate on it.
type PixelFormat int

// Known pixel formats.
const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatNV12
	PixelFormatBGRA
	PixelFormatRGB24
	PixelFormatRGBA8
)

// String returns the pixel format name.
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatBGRA:
		return "bgra"
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatRGBA8:
		return "rgba8"
	default:
		return "unknown"
	}
}

// SwitchMode selects how a session switch activates.
type SwitchMode int

// Session-switch activation modes.
const (
	// SwitchImmediate activates at the next submit, cancelling pending
	// inputs at the submit boundary.
	SwitchImmediate SwitchMode = iota
	// SwitchOnNextKeyframe holds the switch pending until the next
	// natural or forced IDR, then commits atomically.
	SwitchOnNextKeyframe
	// SwitchDrainThenSwap stops accepting submissions, drains the reap
	// queue, then swaps.
	SwitchDrainThenSwap
)

// String returns the switch mode name.
func (m SwitchMode) String() string {
	switch m {
	case SwitchImmediate:
		return "immediate"
	case SwitchOnNextKeyframe:
		return "on-next-keyframe"
	case SwitchDrainThenSwap:
		return "drain-then-swap"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// SessionSwitchRequest asks a running session to reconfigure. Committing
// the switch bumps the session generation; outputs tagged with a retired
// generation are never surfaced.
type SessionSwitchRequest struct {
	Target             SessionConfig
	Mode               SwitchMode
	ForceIDROnActivate bool
}

// SessionConfig carries the per-session configuration shared by encode
// and decode sessions. The facade fills a zero MaxInFlight from the
// config defaults before a session is built.
type SessionConfig struct {
	Codec       Codec
	Dims        Dimensions
	FPS         int
	BitrateKbps int
	GOPLength   int

	// MaxInFlight bounds concurrent outstanding work. The session
	// package treats zero as one.
	MaxInFlight int

	// WaitForCredit makes Submit block while in-flight credits are
	// exhausted instead of returning backpressure.
	WaitForCredit bool
}
