package media

// NALU is a single raw NAL unit: header byte(s) plus payload, with no
// start code and no length prefix.
type NALU []byte

// AccessUnit is the ordered set of NAL units representing exactly one
// coded picture, plus its parameter sets and delimiters. Every access
// unit contains at least one slice NAL. Parameter-set NALs observed in
// the stream are cached separately but retained here where they
// originated.
type AccessUnit struct {
	Codec      Codec
	NALUs      []NALU
	PTS        int64 // NoPTS when the source carried no timestamp
	IsKeyframe bool
}

// PackedSample is one access unit serialized into a backend-consumable
// byte layout.
type PackedSample struct {
	Codec  Codec
	Layout Layout
	PTS    int64
	Bytes  []byte
}

// FrameKind discriminates the DecodedFrame variants.
type FrameKind int

// Decoded frame variants. With a color transform the variant is its
// output (RGB24 or RGBA8); otherwise it is what the backend delivered:
// NV12 pixels from the VideoToolbox and NVIDIA drivers, metadata only
// from a backend that does no pixel readback.
const (
	FrameMetadata FrameKind = iota
	FrameNV12
	FrameRGB24
	FrameRGBA8
)

// DecodedFrame is one decoded picture, or only its metadata when the
// backend did no pixel readback.
type DecodedFrame struct {
	Kind FrameKind
	Dims Dimensions
	PTS  int64

	// PixelFormat and DecodeInfoFlags are best-effort vendor telemetry.
	// Either may be absent depending on backend; logic never gates on them.
	PixelFormat     PixelFormat
	DecodeInfoFlags uint32

	// Pitch is the row stride of the Y plane for FrameNV12.
	Pitch int

	// Bytes holds the interleaved NV12 planes, packed RGB24, or packed
	// RGBA8 payload depending on Kind. Nil for FrameMetadata.
	Bytes []byte
}

// EncodedChunk is one encoder output packet. The layout is a function of
// (backend, codec); see LayoutOf.
type EncodedChunk struct {
	Codec      Codec
	Layout     Layout
	PTS        int64
	IsKeyframe bool
	Bytes      []byte
}

// RawFrameKind discriminates the raw-frame encode inputs.
type RawFrameKind int

// Raw frame input kinds.
const (
	// RawARGB8888 is packed 4-byte A,R,G,B; len == w*h*4.
	RawARGB8888 RawFrameKind = iota
	// RawARGB8888Shared has the same layout behind shared ownership:
	// the encoder treats the bytes as read-only and never copies them
	// before upload.
	RawARGB8888Shared
	// RawNV12 is a Y plane of pitch*h bytes followed by interleaved UV
	// of pitch*h/2 bytes.
	RawNV12
	// RawRGB24 is packed 3-byte R,G,B.
	RawRGB24
)

// RawFrame is one uncompressed picture submitted for encoding.
type RawFrame struct {
	Kind  RawFrameKind
	Dims  Dimensions
	PTS   int64
	Pitch int // RawNV12 only
	Bytes []byte
}

// BitstreamInput is one of the three accepted decode input forms. Exactly
// one of the payload fields is populated, per Kind.
type BitstreamInput struct {
	Kind BitstreamInputKind
	PTS  int64

	// AnnexB holds start-code-delimited bytes; any chunking is permitted.
	AnnexB []byte

	// NALUs holds a raw NAL list for BitstreamAccessUnit.
	Codec Codec
	NALUs []NALU

	// Sample holds u32-BE length-prefixed bytes for BitstreamLengthPrefixed.
	Sample []byte
}

// BitstreamInputKind discriminates BitstreamInput.
type BitstreamInputKind int

// Decode input forms.
const (
	// BitstreamAnnexB is a start-code delimited chunk.
	BitstreamAnnexB BitstreamInputKind = iota
	// BitstreamAccessUnit is a raw NAL list forming one access unit.
	BitstreamAccessUnit
	// BitstreamLengthPrefixed is a u32-BE length-prefixed sample.
	BitstreamLengthPrefixed
)

// AnnexBChunk builds a BitstreamInput from start-code delimited bytes.
func AnnexBChunk(b []byte, pts int64) BitstreamInput {
	return BitstreamInput{Kind: BitstreamAnnexB, AnnexB: b, PTS: pts}
}

// AccessUnitRawNAL builds a BitstreamInput from a raw NAL list.
func AccessUnitRawNAL(codec Codec, nalus []NALU, pts int64) BitstreamInput {
	return BitstreamInput{Kind: BitstreamAccessUnit, Codec: codec, NALUs: nalus, PTS: pts}
}

// LengthPrefixedSample builds a BitstreamInput from length-prefixed bytes.
func LengthPrefixedSample(codec Codec, b []byte, pts int64) BitstreamInput {
	return BitstreamInput{Kind: BitstreamLengthPrefixed, Codec: codec, Sample: b, PTS: pts}
}
