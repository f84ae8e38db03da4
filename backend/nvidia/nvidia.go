//go:build nvcodec && cgo

package nvidia

/*
#cgo LDFLAGS: -lcuda -lnvcuvid -lnvidia-encode

#include <cuda.h>
#include <nvcuvid.h>
#include <nvEncodeAPI.h>
#include <stdlib.h>
#include <string.h>
#include <pthread.h>

// ---- shared output ring -------------------------------------------------

#define NV_RING 32

typedef struct {
	unsigned char *data;
	size_t size;
	int width;
	int height;
	int pitch;
	int64_t pts;
	unsigned int picType;
} nvSlot;

typedef struct {
	nvSlot slots[NV_RING];
	int head;
	int tail;
	int count;
	pthread_mutex_t mu;
} nvRing;

static void nvRingInit(nvRing *r) {
	memset(r, 0, sizeof(*r));
	pthread_mutex_init(&r->mu, NULL);
}

static int nvRingPush(nvRing *r, nvSlot *s) {
	pthread_mutex_lock(&r->mu);
	if (r->count == NV_RING) {
		pthread_mutex_unlock(&r->mu);
		return -1;
	}
	r->slots[r->tail] = *s;
	r->tail = (r->tail + 1) % NV_RING;
	r->count++;
	pthread_mutex_unlock(&r->mu);
	return 0;
}

static int nvRingPop(nvRing *r, nvSlot *out) {
	pthread_mutex_lock(&r->mu);
	if (r->count == 0) {
		pthread_mutex_unlock(&r->mu);
		return -1;
	}
	*out = r->slots[r->head];
	r->head = (r->head + 1) % NV_RING;
	r->count--;
	pthread_mutex_unlock(&r->mu);
	return 0;
}

static void nvRingDrain(nvRing *r) {
	nvSlot s;
	while (nvRingPop(r, &s) == 0) {
		free(s.data);
	}
}

static int nvInitCuda(CUcontext *ctx) {
	static int inited = 0;
	CUdevice dev;
	if (!inited) {
		if (cuInit(0) != CUDA_SUCCESS) {
			return -1;
		}
		inited = 1;
	}
	if (cuDeviceGet(&dev, 0) != CUDA_SUCCESS) {
		return -1;
	}
	if (cuCtxCreate(ctx, 0, dev) != CUDA_SUCCESS) {
		return -1;
	}
	return 0;
}

// ---- decoder ------------------------------------------------------------

typedef struct {
	CUcontext cuctx;
	CUvideoparser parser;
	CUvideodecoder decoder;
	nvRing ring;
	int width;
	int height;
	int isHEVC;
} nvDecoder;

static int CUDAAPI nvSeqCallback(void *user, CUVIDEOFORMAT *fmt) {
	nvDecoder *d = (nvDecoder *)user;

	CUVIDDECODECREATEINFO info;
	memset(&info, 0, sizeof(info));
	info.CodecType = fmt->codec;
	info.ChromaFormat = fmt->chroma_format;
	info.OutputFormat = cudaVideoSurfaceFormat_NV12;
	info.bitDepthMinus8 = fmt->bit_depth_luma_minus8;
	info.DeinterlaceMode = cudaVideoDeinterlaceMode_Weave;
	info.ulNumOutputSurfaces = 2;
	info.ulNumDecodeSurfaces = fmt->min_num_decode_surfaces;
	info.ulCreationFlags = cudaVideoCreate_PreferCUVID;
	info.ulWidth = fmt->coded_width;
	info.ulHeight = fmt->coded_height;
	info.ulTargetWidth = fmt->coded_width;
	info.ulTargetHeight = fmt->coded_height;

	d->width = fmt->display_area.right - fmt->display_area.left;
	d->height = fmt->display_area.bottom - fmt->display_area.top;

	cuCtxPushCurrent(d->cuctx);
	CUresult rc = cuvidCreateDecoder(&d->decoder, &info);
	cuCtxPopCurrent(NULL);
	if (rc != CUDA_SUCCESS) {
		return 0;
	}
	return fmt->min_num_decode_surfaces;
}

static int CUDAAPI nvDecodeCallback(void *user, CUVIDPICPARAMS *pic) {
	nvDecoder *d = (nvDecoder *)user;
	if (d->decoder == NULL) {
		return 0;
	}
	cuCtxPushCurrent(d->cuctx);
	CUresult rc = cuvidDecodePicture(d->decoder, pic);
	cuCtxPopCurrent(NULL);
	return rc == CUDA_SUCCESS;
}

static int CUDAAPI nvDisplayCallback(void *user, CUVIDPARSERDISPINFO *disp) {
	nvDecoder *d = (nvDecoder *)user;

	CUVIDPROCPARAMS proc;
	memset(&proc, 0, sizeof(proc));
	proc.progressive_frame = disp->progressive_frame;
	proc.top_field_first = disp->top_field_first;

	cuCtxPushCurrent(d->cuctx);

	CUdeviceptr src = 0;
	unsigned int pitch = 0;
	if (cuvidMapVideoFrame(d->decoder, disp->picture_index, &src, &pitch, &proc) != CUDA_SUCCESS) {
		cuCtxPopCurrent(NULL);
		return 0;
	}

	size_t size = (size_t)pitch * d->height * 3 / 2;
	unsigned char *copy = (unsigned char *)malloc(size);
	if (copy != NULL) {
		CUDA_MEMCPY2D m;
		memset(&m, 0, sizeof(m));
		m.srcMemoryType = CU_MEMORYTYPE_DEVICE;
		m.srcDevice = src;
		m.srcPitch = pitch;
		m.dstMemoryType = CU_MEMORYTYPE_HOST;
		m.dstHost = copy;
		m.dstPitch = pitch;
		m.WidthInBytes = d->width;
		m.Height = (size_t)d->height * 3 / 2;
		if (cuMemcpy2D(&m) == CUDA_SUCCESS) {
			nvSlot s;
			memset(&s, 0, sizeof(s));
			s.data = copy;
			s.size = size;
			s.width = d->width;
			s.height = d->height;
			s.pitch = (int)pitch;
			s.pts = disp->timestamp;
			if (nvRingPush(&d->ring, &s) != 0) {
				free(copy);
			}
		} else {
			free(copy);
		}
	}

	cuvidUnmapVideoFrame(d->decoder, src);
	cuCtxPopCurrent(NULL);
	return 1;
}

static nvDecoder *nvDecoderCreate(int isHEVC) {
	nvDecoder *d = (nvDecoder *)calloc(1, sizeof(nvDecoder));
	if (d == NULL) {
		return NULL;
	}
	nvRingInit(&d->ring);
	d->isHEVC = isHEVC;

	if (nvInitCuda(&d->cuctx) != 0) {
		free(d);
		return NULL;
	}

	CUVIDPARSERPARAMS parser;
	memset(&parser, 0, sizeof(parser));
	parser.CodecType = isHEVC ? cudaVideoCodec_HEVC : cudaVideoCodec_H264;
	parser.ulMaxNumDecodeSurfaces = 8;
	parser.ulMaxDisplayDelay = 0;
	parser.pUserData = d;
	parser.pfnSequenceCallback = nvSeqCallback;
	parser.pfnDecodePicture = nvDecodeCallback;
	parser.pfnDisplayPicture = nvDisplayCallback;

	if (cuvidCreateVideoParser(&d->parser, &parser) != CUDA_SUCCESS) {
		cuCtxDestroy(d->cuctx);
		free(d);
		return NULL;
	}
	return d;
}

// nvDecoderSubmit feeds one complete Annex B access unit with the
// end-of-picture flag so the parser emits exactly one picture per packet.
static int nvDecoderSubmit(nvDecoder *d, const unsigned char *data, size_t size, int64_t pts) {
	CUVIDSOURCEDATAPACKET pkt;
	memset(&pkt, 0, sizeof(pkt));
	pkt.payload = data;
	pkt.payload_size = (unsigned long)size;
	pkt.flags = CUVID_PKT_TIMESTAMP | CUVID_PKT_ENDOFPICTURE;
	pkt.timestamp = pts;
	return cuvidParseVideoData(d->parser, &pkt) == CUDA_SUCCESS ? 0 : -1;
}

static int nvDecoderFlush(nvDecoder *d) {
	CUVIDSOURCEDATAPACKET pkt;
	memset(&pkt, 0, sizeof(pkt));
	pkt.flags = CUVID_PKT_ENDOFSTREAM;
	return cuvidParseVideoData(d->parser, &pkt) == CUDA_SUCCESS ? 0 : -1;
}

static int nvDecoderPoll(nvDecoder *d, nvSlot *out) {
	return nvRingPop(&d->ring, out);
}

static void nvDecoderDestroy(nvDecoder *d) {
	if (d == NULL) {
		return;
	}
	if (d->parser != NULL) {
		cuvidDestroyVideoParser(d->parser);
	}
	if (d->decoder != NULL) {
		cuvidDestroyDecoder(d->decoder);
	}
	nvRingDrain(&d->ring);
	cuCtxDestroy(d->cuctx);
	free(d);
}

// ---- encoder ------------------------------------------------------------

typedef struct {
	CUcontext cuctx;
	void *encoder;
	NV_ENCODE_API_FUNCTION_LIST fn;
	NV_ENC_INPUT_PTR inputBuf;
	NV_ENC_OUTPUT_PTR outputBuf;
	int width;
	int height;
} nvEncoder;

static nvEncoder *nvEncoderCreate(int isHEVC, int width, int height,
                                  int fps, int bitrateKbps, int gopLength) {
	nvEncoder *e = (nvEncoder *)calloc(1, sizeof(nvEncoder));
	if (e == NULL) {
		return NULL;
	}
	e->width = width;
	e->height = height;

	if (nvInitCuda(&e->cuctx) != 0) {
		free(e);
		return NULL;
	}

	e->fn.version = NV_ENCODE_API_FUNCTION_LIST_VER;
	if (NvEncodeAPICreateInstance(&e->fn) != NV_ENC_SUCCESS) {
		cuCtxDestroy(e->cuctx);
		free(e);
		return NULL;
	}

	NV_ENC_OPEN_ENCODE_SESSION_EX_PARAMS open;
	memset(&open, 0, sizeof(open));
	open.version = NV_ENC_OPEN_ENCODE_SESSION_EX_PARAMS_VER;
	open.deviceType = NV_ENC_DEVICE_TYPE_CUDA;
	open.device = e->cuctx;
	open.apiVersion = NVENCAPI_VERSION;
	if (e->fn.nvEncOpenEncodeSessionEx(&open, &e->encoder) != NV_ENC_SUCCESS) {
		cuCtxDestroy(e->cuctx);
		free(e);
		return NULL;
	}

	GUID codecGUID = isHEVC ? NV_ENC_CODEC_HEVC_GUID : NV_ENC_CODEC_H264_GUID;

	NV_ENC_INITIALIZE_PARAMS init;
	NV_ENC_CONFIG cfg;
	memset(&init, 0, sizeof(init));
	memset(&cfg, 0, sizeof(cfg));
	init.version = NV_ENC_INITIALIZE_PARAMS_VER;
	cfg.version = NV_ENC_CONFIG_VER;

	NV_ENC_PRESET_CONFIG preset;
	memset(&preset, 0, sizeof(preset));
	preset.version = NV_ENC_PRESET_CONFIG_VER;
	preset.presetCfg.version = NV_ENC_CONFIG_VER;
	if (e->fn.nvEncGetEncodePresetConfigEx(e->encoder, codecGUID,
			NV_ENC_PRESET_P4_GUID, NV_ENC_TUNING_INFO_LOW_LATENCY,
			&preset) == NV_ENC_SUCCESS) {
		cfg = preset.presetCfg;
	}

	init.encodeGUID = codecGUID;
	init.presetGUID = NV_ENC_PRESET_P4_GUID;
	init.tuningInfo = NV_ENC_TUNING_INFO_LOW_LATENCY;
	init.encodeWidth = width;
	init.encodeHeight = height;
	init.darWidth = width;
	init.darHeight = height;
	init.frameRateNum = fps > 0 ? fps : 30;
	init.frameRateDen = 1;
	init.enablePTD = 1;
	init.encodeConfig = &cfg;

	if (gopLength > 0) {
		cfg.gopLength = gopLength;
	}
	if (bitrateKbps > 0) {
		cfg.rcParams.averageBitRate = (unsigned int)bitrateKbps * 1000;
	}

	if (e->fn.nvEncInitializeEncoder(e->encoder, &init) != NV_ENC_SUCCESS) {
		e->fn.nvEncDestroyEncoder(e->encoder);
		cuCtxDestroy(e->cuctx);
		free(e);
		return NULL;
	}

	NV_ENC_CREATE_INPUT_BUFFER in;
	memset(&in, 0, sizeof(in));
	in.version = NV_ENC_CREATE_INPUT_BUFFER_VER;
	in.width = width;
	in.height = height;
	in.bufferFmt = NV_ENC_BUFFER_FORMAT_ARGB;
	if (e->fn.nvEncCreateInputBuffer(e->encoder, &in) != NV_ENC_SUCCESS) {
		e->fn.nvEncDestroyEncoder(e->encoder);
		cuCtxDestroy(e->cuctx);
		free(e);
		return NULL;
	}
	e->inputBuf = in.inputBuffer;

	NV_ENC_CREATE_BITSTREAM_BUFFER out;
	memset(&out, 0, sizeof(out));
	out.version = NV_ENC_CREATE_BITSTREAM_BUFFER_VER;
	if (e->fn.nvEncCreateBitstreamBuffer(e->encoder, &out) != NV_ENC_SUCCESS) {
		e->fn.nvEncDestroyInputBuffer(e->encoder, e->inputBuf);
		e->fn.nvEncDestroyEncoder(e->encoder);
		cuCtxDestroy(e->cuctx);
		free(e);
		return NULL;
	}
	e->outputBuf = out.bitstreamBuffer;
	return e;
}

// nvEncoderSubmit uploads packed BGRA and encodes one frame
// synchronously, then locks and copies the output bitstream.
// Returns 0 on output ready, 1 when the encoder needs more input,
// 2 on NV_ENC_ERR_ENCODER_BUSY, -1 on failure.
static int nvEncoderSubmit(nvEncoder *e, const unsigned char *bgra, int64_t pts,
                           int forceIDR, unsigned char **outData, size_t *outSize,
                           int64_t *outPTS, unsigned int *outPicType) {
	NV_ENC_LOCK_INPUT_BUFFER lockIn;
	memset(&lockIn, 0, sizeof(lockIn));
	lockIn.version = NV_ENC_LOCK_INPUT_BUFFER_VER;
	lockIn.inputBuffer = e->inputBuf;
	if (e->fn.nvEncLockInputBuffer(e->encoder, &lockIn) != NV_ENC_SUCCESS) {
		return -1;
	}
	{
		int y;
		unsigned char *dst = (unsigned char *)lockIn.bufferDataPtr;
		for (y = 0; y < e->height; y++) {
			memcpy(dst + (size_t)y * lockIn.pitch,
			       bgra + (size_t)y * e->width * 4, (size_t)e->width * 4);
		}
	}
	e->fn.nvEncUnlockInputBuffer(e->encoder, e->inputBuf);

	NV_ENC_PIC_PARAMS pic;
	memset(&pic, 0, sizeof(pic));
	pic.version = NV_ENC_PIC_PARAMS_VER;
	pic.inputBuffer = e->inputBuf;
	pic.bufferFmt = NV_ENC_BUFFER_FORMAT_ARGB;
	pic.inputWidth = e->width;
	pic.inputHeight = e->height;
	pic.outputBitstream = e->outputBuf;
	pic.inputTimeStamp = pts;
	pic.pictureStruct = NV_ENC_PIC_STRUCT_FRAME;
	if (forceIDR) {
		pic.encodePicFlags |= NV_ENC_PIC_FLAG_FORCEIDR;
	}

	NVENCSTATUS rc = e->fn.nvEncEncodePicture(e->encoder, &pic);
	if (rc == NV_ENC_ERR_NEED_MORE_INPUT) {
		return 1;
	}
	if (rc == NV_ENC_ERR_ENCODER_BUSY) {
		return 2;
	}
	if (rc != NV_ENC_SUCCESS) {
		return -1;
	}

	NV_ENC_LOCK_BITSTREAM lock;
	memset(&lock, 0, sizeof(lock));
	lock.version = NV_ENC_LOCK_BITSTREAM_VER;
	lock.outputBitstream = e->outputBuf;
	if (e->fn.nvEncLockBitstream(e->encoder, &lock) != NV_ENC_SUCCESS) {
		return -1;
	}

	unsigned char *copy = (unsigned char *)malloc(lock.bitstreamSizeInBytes);
	if (copy == NULL) {
		e->fn.nvEncUnlockBitstream(e->encoder, e->outputBuf);
		return -1;
	}
	memcpy(copy, lock.bitstreamBufferPtr, lock.bitstreamSizeInBytes);
	*outData = copy;
	*outSize = lock.bitstreamSizeInBytes;
	*outPTS = (int64_t)lock.outputTimeStamp;
	*outPicType = (unsigned int)lock.pictureType;

	e->fn.nvEncUnlockBitstream(e->encoder, e->outputBuf);
	return 0;
}

static int nvEncoderFlush(nvEncoder *e) {
	NV_ENC_PIC_PARAMS pic;
	memset(&pic, 0, sizeof(pic));
	pic.version = NV_ENC_PIC_PARAMS_VER;
	pic.encodePicFlags = NV_ENC_PIC_FLAG_EOS;
	return e->fn.nvEncEncodePicture(e->encoder, &pic) == NV_ENC_SUCCESS ? 0 : -1;
}

static void nvEncoderDestroy(nvEncoder *e) {
	if (e == NULL) {
		return;
	}
	if (e->encoder != NULL) {
		if (e->inputBuf != NULL) {
			e->fn.nvEncDestroyInputBuffer(e->encoder, e->inputBuf);
		}
		if (e->outputBuf != NULL) {
			e->fn.nvEncDestroyBitstreamBuffer(e->encoder, e->outputBuf);
		}
		e->fn.nvEncDestroyEncoder(e->encoder);
	}
	cuCtxDestroy(e->cuctx);
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

func (driver) Backend() media.Backend { return media.Nvidia }

func (driver) Capability(media.Codec) media.Capability {
	return media.Capability{CanDecode: true, CanEncode: true, HardwareAccelerated: true}
}

func (driver) NewDecoder(cfg backend.DecoderConfig) (backend.Decoder, error) {
	isHEVC := C.int(0)
	if cfg.Codec == media.HEVC {
		isHEVC = 1
	}
	// The decoder context is calloc-allocated and never moves; the
	// cuvid callbacks capture its address.
	d := C.nvDecoderCreate(isHEVC)
	if d == nil {
		return nil, media.Unsupportedf("nvdec session for %s", cfg.Codec)
	}
	return &decoder{c: d, codec: cfg.Codec}, nil
}

func (driver) NewEncoder(cfg backend.EncoderConfig) (backend.Encoder, error) {
	isHEVC := C.int(0)
	if cfg.Codec == media.HEVC {
		isHEVC = 1
	}
	e := C.nvEncoderCreate(isHEVC,
		C.int(cfg.Dims.Width), C.int(cfg.Dims.Height),
		C.int(cfg.FPS), C.int(cfg.BitrateKbps), C.int(cfg.GOPLength))
	if e == nil {
		return nil, media.Unsupportedf("nvenc session for %s %s", cfg.Codec, cfg.Dims)
	}
	return &encoder{c: e, codec: cfg.Codec, dims: cfg.Dims}, nil
}

type decoder struct {
	c     *C.nvDecoder
	codec media.Codec
}

func (d *decoder) Submit(s media.PackedSample) error {
	if len(s.Bytes) == 0 {
		return media.InvalidInputf("empty sample")
	}
	rc := C.nvDecoderSubmit(d.c,
		(*C.uchar)(unsafe.Pointer(&s.Bytes[0])), C.size_t(len(s.Bytes)), C.int64_t(s.PTS))
	if rc != 0 {
		return media.BackendErrorf("cuvidParseVideoData failed")
	}
	return nil
}

func (d *decoder) Reap(timeout time.Duration) (media.DecodedFrame, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		var slot C.nvSlot
		if C.nvDecoderPoll(d.c, &slot) == 0 {
			frame := media.DecodedFrame{
				Kind: media.FrameNV12,
				Dims: media.Dimensions{
					Width:  int(slot.width),
					Height: int(slot.height),
				},
				PTS:   int64(slot.pts),
				Pitch: int(slot.pitch),
				Bytes: C.GoBytes(unsafe.Pointer(slot.data), C.int(slot.size)),
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
	if C.nvDecoderFlush(d.c) != 0 {
		return media.BackendErrorf("nvdec end-of-stream failed")
	}
	return nil
}

func (d *decoder) Close() error {
	C.nvDecoderDestroy(d.c)
	d.c = nil
	return nil
}

type encoder struct {
	c     *C.nvEncoder
	codec media.Codec
	dims  media.Dimensions

	pending []media.EncodedChunk
}

func (e *encoder) Submit(frame media.RawFrame, upload []byte, forceIDR bool) error {
	if err := stageBGRA(frame, upload); err != nil {
		return err
	}
	idr := C.int(0)
	if forceIDR {
		idr = 1
	}

	var outData *C.uchar
	var outSize C.size_t
	var outPTS C.int64_t
	var picType C.uint

	rc := C.nvEncoderSubmit(e.c,
		(*C.uchar)(unsafe.Pointer(&upload[0])), C.int64_t(frame.PTS), idr,
		&outData, &outSize, &outPTS, &picType)
	switch rc {
	case 0:
		chunk := media.EncodedChunk{
			Codec:      e.codec,
			Layout:     OutputLayout(e.codec),
			PTS:        int64(outPTS),
			IsKeyframe: KeyframeFromPicType(uint32(picType)),
			Bytes:      C.GoBytes(unsafe.Pointer(outData), C.int(outSize)),
		}
		C.free(unsafe.Pointer(outData))
		e.pending = append(e.pending, chunk)
		return nil
	case 1:
		// The encoder buffered the frame; output follows later.
		return nil
	case 2:
		return backend.ErrBusy
	default:
		return media.BackendErrorf("nvEncEncodePicture failed")
	}
}

func (e *encoder) Reap(timeout time.Duration) (media.EncodedChunk, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if len(e.pending) > 0 {
			chunk := e.pending[0]
			e.pending = e.pending[1:]
			return chunk, true, nil
		}
		if time.Now().After(deadline) {
			return media.EncodedChunk{}, false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *encoder) Flush() error {
	if C.nvEncoderFlush(e.c) != 0 {
		return media.BackendErrorf("nvenc end-of-stream failed")
	}
	return nil
}

func (e *encoder) Close() error {
	C.nvEncoderDestroy(e.c)
	e.c = nil
	return nil
}

// stageBGRA converts any accepted raw layout into the packed BGRA the
// NVENC ARGB input buffer expects.
func stageBGRA(frame media.RawFrame, upload []byte) error {
	w, h := frame.Dims.Width, frame.Dims.Height
	need := w * h * 4
	if len(upload) < need {
		return media.InvalidInputf("upload buffer %d bytes, need %d", len(upload), need)
	}

	switch frame.Kind {
	case media.RawARGB8888, media.RawARGB8888Shared:
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
