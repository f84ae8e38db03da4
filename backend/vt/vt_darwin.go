//go:build darwin && cgo

package vt

/*
#cgo LDFLAGS: -framework VideoToolbox -framework CoreMedia -framework CoreFoundation -framework CoreVideo

#include <VideoToolbox/VideoToolbox.h>
#include <CoreMedia/CoreMedia.h>
#include <CoreFoundation/CoreFoundation.h>
#include <CoreVideo/CoreVideo.h>
#include <stdlib.h>
#include <string.h>
#include <pthread.h>

// ---- shared output ring -------------------------------------------------
//
// VideoToolbox delivers outputs on its own callback thread. Each slot
// carries one decoded NV12 surface or one encoded sample; the Go side
// drains the ring from its reap worker.

#define VT_RING 32

typedef struct {
	unsigned char *data;
	size_t size;
	int width;
	int height;
	int pitch;
	int64_t pts;
	int keyframe;
	int infoFlags;
} vtSlot;

typedef struct {
	vtSlot slots[VT_RING];
	int head;
	int tail;
	int count;
	pthread_mutex_t mu;
} vtRing;

static void vtRingInit(vtRing *r) {
	memset(r, 0, sizeof(*r));
	pthread_mutex_init(&r->mu, NULL);
}

static int vtRingPush(vtRing *r, vtSlot *s) {
	pthread_mutex_lock(&r->mu);
	if (r->count == VT_RING) {
		pthread_mutex_unlock(&r->mu);
		return -1;
	}
	r->slots[r->tail] = *s;
	r->tail = (r->tail + 1) % VT_RING;
	r->count++;
	pthread_mutex_unlock(&r->mu);
	return 0;
}

static int vtRingPop(vtRing *r, vtSlot *out) {
	pthread_mutex_lock(&r->mu);
	if (r->count == 0) {
		pthread_mutex_unlock(&r->mu);
		return -1;
	}
	*out = r->slots[r->head];
	r->head = (r->head + 1) % VT_RING;
	r->count--;
	pthread_mutex_unlock(&r->mu);
	return 0;
}

static void vtRingDrain(vtRing *r) {
	vtSlot s;
	while (vtRingPop(r, &s) == 0) {
		free(s.data);
	}
}

// ---- decoder ------------------------------------------------------------

typedef struct {
	VTDecompressionSessionRef session;
	CMFormatDescriptionRef formatDesc;
	vtRing ring;
	int64_t pendingPTS;
} vtDecoder;

static void vtDecodeOutput(void *refCon, void *srcRefCon, OSStatus status,
                           VTDecodeInfoFlags infoFlags, CVImageBufferRef imageBuffer,
                           CMTime pts, CMTime duration) {
	vtDecoder *d = (vtDecoder *)refCon;
	if (status != noErr || imageBuffer == NULL) {
		return;
	}

	CVPixelBufferLockBaseAddress(imageBuffer, kCVPixelBufferLock_ReadOnly);

	size_t width = CVPixelBufferGetWidth(imageBuffer);
	size_t height = CVPixelBufferGetHeight(imageBuffer);
	size_t yStride = CVPixelBufferGetBytesPerRowOfPlane(imageBuffer, 0);
	size_t uvStride = CVPixelBufferGetBytesPerRowOfPlane(imageBuffer, 1);
	unsigned char *yBase = CVPixelBufferGetBaseAddressOfPlane(imageBuffer, 0);
	unsigned char *uvBase = CVPixelBufferGetBaseAddressOfPlane(imageBuffer, 1);

	size_t pitch = yStride;
	size_t size = pitch * height + pitch * height / 2;
	unsigned char *copy = (unsigned char *)malloc(size);
	if (copy != NULL) {
		size_t y;
		for (y = 0; y < height; y++) {
			memcpy(copy + y * pitch, yBase + y * yStride, pitch);
		}
		unsigned char *uvDst = copy + pitch * height;
		for (y = 0; y < height / 2; y++) {
			memcpy(uvDst + y * pitch, uvBase + y * uvStride,
			       pitch < uvStride ? pitch : uvStride);
		}

		vtSlot s;
		memset(&s, 0, sizeof(s));
		s.data = copy;
		s.size = size;
		s.width = (int)width;
		s.height = (int)height;
		s.pitch = (int)pitch;
		s.pts = CMTIME_IS_VALID(pts) ? pts.value : d->pendingPTS;
		s.infoFlags = (int)infoFlags;
		if (vtRingPush(&d->ring, &s) != 0) {
			free(copy);
		}
	}

	CVPixelBufferUnlockBaseAddress(imageBuffer, kCVPixelBufferLock_ReadOnly);
}

static vtDecoder *vtDecoderCreate(int isHEVC,
                                  const unsigned char *vps, size_t vpsLen,
                                  const unsigned char *sps, size_t spsLen,
                                  const unsigned char *pps, size_t ppsLen) {
	vtDecoder *d = (vtDecoder *)calloc(1, sizeof(vtDecoder));
	if (d == NULL) {
		return NULL;
	}
	vtRingInit(&d->ring);

	OSStatus status;
	if (isHEVC) {
		const uint8_t *ps[3] = { vps, sps, pps };
		size_t sizes[3] = { vpsLen, spsLen, ppsLen };
		status = CMVideoFormatDescriptionCreateFromHEVCParameterSets(
			kCFAllocatorDefault, 3, ps, sizes, 4, NULL, &d->formatDesc);
	} else {
		const uint8_t *ps[2] = { sps, pps };
		size_t sizes[2] = { spsLen, ppsLen };
		status = CMVideoFormatDescriptionCreateFromH264ParameterSets(
			kCFAllocatorDefault, 2, ps, sizes, 4, &d->formatDesc);
	}
	if (status != noErr) {
		free(d);
		return NULL;
	}

	CFMutableDictionaryRef attrs = CFDictionaryCreateMutable(
		kCFAllocatorDefault, 0,
		&kCFTypeDictionaryKeyCallBacks, &kCFTypeDictionaryValueCallBacks);
	SInt32 fmt = kCVPixelFormatType_420YpCbCr8BiPlanarVideoRange;
	CFNumberRef fmtNum = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &fmt);
	CFDictionarySetValue(attrs, kCVPixelBufferPixelFormatTypeKey, fmtNum);
	CFRelease(fmtNum);

	VTDecompressionOutputCallbackRecord cb;
	cb.decompressionOutputCallback = vtDecodeOutput;
	cb.decompressionOutputRefCon = d;

	status = VTDecompressionSessionCreate(kCFAllocatorDefault, d->formatDesc,
	                                      NULL, attrs, &cb, &d->session);
	CFRelease(attrs);
	if (status != noErr) {
		CFRelease(d->formatDesc);
		free(d);
		return NULL;
	}
	return d;
}

static int vtDecoderSubmit(vtDecoder *d, const unsigned char *data, size_t size, int64_t pts) {
	CMBlockBufferRef block = NULL;
	OSStatus status = CMBlockBufferCreateWithMemoryBlock(
		kCFAllocatorDefault, NULL, size, kCFAllocatorDefault, NULL, 0, size, 0, &block);
	if (status != noErr) {
		return (int)status;
	}
	status = CMBlockBufferReplaceDataBytes(data, block, 0, size);
	if (status != noErr) {
		CFRelease(block);
		return (int)status;
	}

	CMSampleTimingInfo timing;
	timing.duration = kCMTimeInvalid;
	timing.presentationTimeStamp = CMTimeMake(pts, 90000);
	timing.decodeTimeStamp = kCMTimeInvalid;

	CMSampleBufferRef sample = NULL;
	size_t sampleSizes[1] = { size };
	status = CMSampleBufferCreate(kCFAllocatorDefault, block, true, NULL, NULL,
	                              d->formatDesc, 1, 1, &timing, 1, sampleSizes, &sample);
	CFRelease(block);
	if (status != noErr) {
		return (int)status;
	}

	d->pendingPTS = pts;
	VTDecodeInfoFlags info;
	status = VTDecompressionSessionDecodeFrame(
		d->session, sample, kVTDecodeFrame_EnableAsynchronousDecompression, NULL, &info);
	CFRelease(sample);
	return (int)status;
}

static int vtDecoderPoll(vtDecoder *d, vtSlot *out) {
	return vtRingPop(&d->ring, out);
}

static void vtDecoderFlush(vtDecoder *d) {
	VTDecompressionSessionFinishDelayedFrames(d->session);
	VTDecompressionSessionWaitForAsynchronousFrames(d->session);
}

static void vtDecoderDestroy(vtDecoder *d) {
	if (d == NULL) {
		return;
	}
	if (d->session != NULL) {
		VTDecompressionSessionInvalidate(d->session);
		CFRelease(d->session);
	}
	if (d->formatDesc != NULL) {
		CFRelease(d->formatDesc);
	}
	vtRingDrain(&d->ring);
	free(d);
}

// ---- encoder ------------------------------------------------------------

typedef struct {
	VTCompressionSessionRef session;
	vtRing ring;
	int width;
	int height;
} vtEncoder;

static void vtEncodeOutput(void *refCon, void *srcRefCon, OSStatus status,
                           VTEncodeInfoFlags infoFlags, CMSampleBufferRef sample) {
	vtEncoder *e = (vtEncoder *)refCon;
	if (status != noErr || sample == NULL) {
		return;
	}
	CMBlockBufferRef block = CMSampleBufferGetDataBuffer(sample);
	if (block == NULL) {
		return;
	}

	size_t size = CMBlockBufferGetDataLength(block);
	unsigned char *copy = (unsigned char *)malloc(size);
	if (copy == NULL) {
		return;
	}
	if (CMBlockBufferCopyDataBytes(block, 0, size, copy) != kCMBlockBufferNoErr) {
		free(copy);
		return;
	}

	int keyframe = 1;
	CFArrayRef attachments = CMSampleBufferGetSampleAttachmentsArray(sample, false);
	if (attachments != NULL && CFArrayGetCount(attachments) > 0) {
		CFDictionaryRef attach = (CFDictionaryRef)CFArrayGetValueAtIndex(attachments, 0);
		keyframe = !CFDictionaryContainsKey(attach, kCMSampleAttachmentKey_NotSync);
	}

	CMTime pts = CMSampleBufferGetPresentationTimeStamp(sample);

	vtSlot s;
	memset(&s, 0, sizeof(s));
	s.data = copy;
	s.size = size;
	s.pts = CMTIME_IS_VALID(pts) ? pts.value : 0;
	s.keyframe = keyframe;
	if (vtRingPush(&e->ring, &s) != 0) {
		free(copy);
	}
}

static vtEncoder *vtEncoderCreate(int isHEVC, int width, int height,
                                  int fps, int bitrateKbps, int gopLength) {
	vtEncoder *e = (vtEncoder *)calloc(1, sizeof(vtEncoder));
	if (e == NULL) {
		return NULL;
	}
	vtRingInit(&e->ring);
	e->width = width;
	e->height = height;

	CMVideoCodecType codec = isHEVC ? kCMVideoCodecType_HEVC : kCMVideoCodecType_H264;
	OSStatus status = VTCompressionSessionCreate(
		kCFAllocatorDefault, width, height, codec, NULL, NULL, NULL,
		vtEncodeOutput, e, &e->session);
	if (status != noErr) {
		free(e);
		return NULL;
	}

	VTSessionSetProperty(e->session, kVTCompressionPropertyKey_RealTime, kCFBooleanTrue);
	VTSessionSetProperty(e->session, kVTCompressionPropertyKey_AllowFrameReordering, kCFBooleanFalse);

	if (bitrateKbps > 0) {
		SInt32 bps = bitrateKbps * 1000;
		CFNumberRef n = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &bps);
		VTSessionSetProperty(e->session, kVTCompressionPropertyKey_AverageBitRate, n);
		CFRelease(n);
	}
	if (gopLength > 0) {
		SInt32 gop = gopLength;
		CFNumberRef n = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &gop);
		VTSessionSetProperty(e->session, kVTCompressionPropertyKey_MaxKeyFrameInterval, n);
		CFRelease(n);
	}
	if (fps > 0) {
		SInt32 rate = fps;
		CFNumberRef n = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &rate);
		VTSessionSetProperty(e->session, kVTCompressionPropertyKey_ExpectedFrameRate, n);
		CFRelease(n);
	}

	VTCompressionSessionPrepareToEncodeFrames(e->session);
	return e;
}

// vtEncoderSubmit uploads a packed BGRA frame and encodes it. The frame
// bytes were staged into the pool buffer by the Go side.
static int vtEncoderSubmit(vtEncoder *e, const unsigned char *bgra, int64_t pts, int forceIDR) {
	CVPixelBufferRef pixbuf = NULL;
	CVReturn cvret = CVPixelBufferCreate(kCFAllocatorDefault, e->width, e->height,
	                                     kCVPixelFormatType_32BGRA, NULL, &pixbuf);
	if (cvret != kCVReturnSuccess) {
		return (int)cvret;
	}

	CVPixelBufferLockBaseAddress(pixbuf, 0);
	unsigned char *base = (unsigned char *)CVPixelBufferGetBaseAddress(pixbuf);
	size_t stride = CVPixelBufferGetBytesPerRow(pixbuf);
	int y;
	for (y = 0; y < e->height; y++) {
		memcpy(base + y * stride, bgra + (size_t)y * e->width * 4, (size_t)e->width * 4);
	}
	CVPixelBufferUnlockBaseAddress(pixbuf, 0);

	CFDictionaryRef props = NULL;
	if (forceIDR) {
		const void *keys[1] = { kVTEncodeFrameOptionKey_ForceKeyFrame };
		const void *vals[1] = { kCFBooleanTrue };
		props = CFDictionaryCreate(kCFAllocatorDefault, keys, vals, 1,
		                           &kCFTypeDictionaryKeyCallBacks,
		                           &kCFTypeDictionaryValueCallBacks);
	}

	OSStatus status = VTCompressionSessionEncodeFrame(
		e->session, pixbuf, CMTimeMake(pts, 90000), kCMTimeInvalid, props, NULL, NULL);
	if (props != NULL) {
		CFRelease(props);
	}
	CVPixelBufferRelease(pixbuf);
	return (int)status;
}

static int vtEncoderPoll(vtEncoder *e, vtSlot *out) {
	return vtRingPop(&e->ring, out);
}

static void vtEncoderFlush(vtEncoder *e) {
	VTCompressionSessionCompleteFrames(e->session, kCMTimeInvalid);
}

static void vtEncoderDestroy(vtEncoder *e) {
	if (e == NULL) {
		return;
	}
	if (e->session != NULL) {
		VTCompressionSessionInvalidate(e->session);
		CFRelease(e->session);
	}
	vtRingDrain(&e->ring);
	free(e);
}
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/zsiec/hwcodec/backend"
	"github.com/zsiec/hwcodec/media"
)

func init() {
	backend.Register(&driver{})
}

type driver struct{}

func (driver) Backend() media.Backend { return media.VideoToolbox }

func (driver) Capability(c media.Codec) media.Capability {
	return media.Capability{CanDecode: true, CanEncode: true, HardwareAccelerated: true}
}

func (driver) NewDecoder(cfg backend.DecoderConfig) (backend.Decoder, error) {
	var vpsPtr, spsPtr, ppsPtr *C.uchar
	if len(cfg.ParamSets.VPS) > 0 {
		vpsPtr = (*C.uchar)(unsafe.Pointer(&cfg.ParamSets.VPS[0]))
	}
	if len(cfg.ParamSets.SPS) > 0 {
		spsPtr = (*C.uchar)(unsafe.Pointer(&cfg.ParamSets.SPS[0]))
	}
	if len(cfg.ParamSets.PPS) > 0 {
		ppsPtr = (*C.uchar)(unsafe.Pointer(&cfg.ParamSets.PPS[0]))
	}

	isHEVC := C.int(0)
	if cfg.Codec == media.HEVC {
		isHEVC = 1
	}

	// The C struct the session pointer lives in is heap-allocated by
	// calloc and never moves; VideoToolbox captures its address for the
	// output callback.
	d := C.vtDecoderCreate(isHEVC,
		vpsPtr, C.size_t(len(cfg.ParamSets.VPS)),
		spsPtr, C.size_t(len(cfg.ParamSets.SPS)),
		ppsPtr, C.size_t(len(cfg.ParamSets.PPS)))
	if d == nil {
		return nil, media.Unsupportedf("videotoolbox decompression session for %s", cfg.Codec)
	}
	return &decoder{c: d, codec: cfg.Codec}, nil
}

func (driver) NewEncoder(cfg backend.EncoderConfig) (backend.Encoder, error) {
	isHEVC := C.int(0)
	if cfg.Codec == media.HEVC {
		isHEVC = 1
	}
	e := C.vtEncoderCreate(isHEVC,
		C.int(cfg.Dims.Width), C.int(cfg.Dims.Height),
		C.int(cfg.FPS), C.int(cfg.BitrateKbps), C.int(cfg.GOPLength))
	if e == nil {
		return nil, media.Unsupportedf("videotoolbox compression session for %s %s", cfg.Codec, cfg.Dims)
	}
	return &encoder{c: e, codec: cfg.Codec, dims: cfg.Dims}, nil
}

type decoder struct {
	c     *C.vtDecoder
	codec media.Codec
}

func (d *decoder) Submit(s media.PackedSample) error {
	if len(s.Bytes) == 0 {
		return media.InvalidInputf("empty sample")
	}
	rc := C.vtDecoderSubmit(d.c,
		(*C.uchar)(unsafe.Pointer(&s.Bytes[0])), C.size_t(len(s.Bytes)), C.int64_t(s.PTS))
	switch rc {
	case 0:
		return nil
	case C.kVTInvalidSessionErr:
		return media.DeviceLostf("videotoolbox session invalidated (%d)", int(rc))
	default:
		return media.BackendErrorf("VTDecompressionSessionDecodeFrame: %d", int(rc))
	}
}

func (d *decoder) Reap(timeout time.Duration) (media.DecodedFrame, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		var slot C.vtSlot
		if C.vtDecoderPoll(d.c, &slot) == 0 {
			frame := media.DecodedFrame{
				Kind: media.FrameNV12,
				Dims: media.Dimensions{
					Width:  int(slot.width),
					Height: int(slot.height),
				},
				PTS:             int64(slot.pts),
				Pitch:           int(slot.pitch),
				PixelFormat:     media.PixelFormatNV12,
				DecodeInfoFlags: uint32(slot.infoFlags),
				Bytes:           C.GoBytes(unsafe.Pointer(slot.data), C.int(slot.size)),
			}
			C.free(unsafe.Pointer(slot.data))
			return frame, true, nil
		}
		if time.Now().After(deadline) {
			return media.DecodedFrame{}, false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *decoder) Flush() error {
	// Finish delayed frames and wait for async decompression only at
	// EOS, per the session wait policy.
	C.vtDecoderFlush(d.c)
	return nil
}

func (d *decoder) Close() error {
	C.vtDecoderDestroy(d.c)
	d.c = nil
	return nil
}

type encoder struct {
	c     *C.vtEncoder
	codec media.Codec
	dims  media.Dimensions
}

// Submit stages the frame as packed BGRA into the pooled upload buffer
// and hands it to the compression session.
func (e *encoder) Submit(frame media.RawFrame, upload []byte, forceIDR bool) error {
	if err := stageBGRA(frame, upload); err != nil {
		return err
	}
	idr := C.int(0)
	if forceIDR {
		idr = 1
	}
	rc := C.vtEncoderSubmit(e.c,
		(*C.uchar)(unsafe.Pointer(&upload[0])), C.int64_t(frame.PTS), idr)
	switch rc {
	case 0:
		return nil
	case C.kVTInvalidSessionErr:
		return media.DeviceLostf("videotoolbox session invalidated (%d)", int(rc))
	default:
		return media.BackendErrorf("VTCompressionSessionEncodeFrame: %d", int(rc))
	}
}

func (e *encoder) Reap(timeout time.Duration) (media.EncodedChunk, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		var slot C.vtSlot
		if C.vtEncoderPoll(e.c, &slot) == 0 {
			payload := C.GoBytes(unsafe.Pointer(slot.data), C.int(slot.size))
			C.free(unsafe.Pointer(slot.data))

			keyframe := slot.keyframe != 0
			if !keyframe {
				// A sync attachment is taken as is; when it reports
				// not-sync, the bitstream is checked for an IDR.
				keyframe = KeyframeFromSample(e.codec, payload)
			}
			return media.EncodedChunk{
				Codec:      e.codec,
				Layout:     OutputLayout(e.codec),
				PTS:        int64(slot.pts),
				IsKeyframe: keyframe,
				Bytes:      payload,
			}, true, nil
		}
		if time.Now().After(deadline) {
			return media.EncodedChunk{}, false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *encoder) Flush() error {
	C.vtEncoderFlush(e.c)
	return nil
}

func (e *encoder) Close() error {
	C.vtEncoderDestroy(e.c)
	e.c = nil
	return nil
}

// stageBGRA converts any accepted raw layout into the packed BGRA the
// pixel buffer upload expects.
func stageBGRA(frame media.RawFrame, upload []byte) error {
	w, h := frame.Dims.Width, frame.Dims.Height
	need := w * h * 4
	if len(upload) < need {
		return media.InvalidInputf("upload buffer %d bytes, need %d", len(upload), need)
	}

	switch frame.Kind {
	case media.RawARGB8888, media.RawARGB8888Shared:
		// A,R,G,B -> B,G,R,A. The shared variant is read-only; the
		// swizzle writes only into the pool buffer.
		for i := 0; i < w*h; i++ {
			upload[i*4+0] = frame.Bytes[i*4+3]
			upload[i*4+1] = frame.Bytes[i*4+2]
			upload[i*4+2] = frame.Bytes[i*4+1]
			upload[i*4+3] = frame.Bytes[i*4+0]
		}
	case media.RawRGB24:
		for i := 0; i < w*h; i++ {
			upload[i*4+0] = frame.Bytes[i*3+2]
			upload[i*4+1] = frame.Bytes[i*3+1]
			upload[i*4+2] = frame.Bytes[i*3+0]
			upload[i*4+3] = 0xFF
		}
	case media.RawNV12:
		pitch := frame.Pitch
		if pitch < w {
			pitch = w
		}
		yPlane := frame.Bytes[:pitch*h]
		uvPlane := frame.Bytes[pitch*h:]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := int(yPlane[y*pitch+x]) - 16
				d := int(uvPlane[(y/2)*pitch+(x/2)*2]) - 128
				ev := int(uvPlane[(y/2)*pitch+(x/2)*2+1]) - 128
				r := (298*c + 409*ev + 128) >> 8
				g := (298*c - 100*d - 208*ev + 128) >> 8
				b := (298*c + 516*d + 128) >> 8
				i := (y*w + x) * 4
				upload[i+0] = clamp8(b)
				upload[i+1] = clamp8(g)
				upload[i+2] = clamp8(r)
				upload[i+3] = 0xFF
			}
		}
	default:
		return media.InvalidInputf("unknown raw frame kind %d", int(frame.Kind))
	}
	return nil
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
