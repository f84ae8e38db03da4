package transform

import (
	"github.com/zsiec/hwcodec/media"
)

// convertCPU is the fallback pixel path: plain Go, BT.601 integer math.
func convertCPU(in media.DecodedFrame, color ColorRequest, resize *media.Dimensions) (media.DecodedFrame, error) {
	if in.Kind == media.FrameMetadata {
		return media.DecodedFrame{}, media.InvalidInputf("transform requires a pixel payload, got metadata")
	}

	out := in
	var err error

	switch color {
	case KeepNative:
		// resize-only below
	case Rgb24:
		out, err = toRGB(in, 3)
	case Rgba8:
		out, err = toRGB(in, 4)
	default:
		return media.DecodedFrame{}, media.InvalidInputf("unknown color request %d", int(color))
	}
	if err != nil {
		return media.DecodedFrame{}, err
	}

	if resize != nil && (resize.Width != out.Dims.Width || resize.Height != out.Dims.Height) {
		if !resize.Valid() {
			return media.DecodedFrame{}, media.InvalidInputf("resize target %s", resize)
		}
		out, err = resizeFrame(out, *resize)
		if err != nil {
			return media.DecodedFrame{}, err
		}
	}
	return out, nil
}

// toRGB converts a decoded surface to packed RGB24 (bpp=3) or RGBA8
// (bpp=4).
func toRGB(in media.DecodedFrame, bpp int) (media.DecodedFrame, error) {
	switch in.Kind {
	case media.FrameNV12:
		return nv12ToRGB(in, bpp)
	case media.FrameRGB24:
		if bpp == 3 {
			return in, nil
		}
		return rgb24ToRGBA(in), nil
	case media.FrameRGBA8:
		if bpp == 4 {
			return in, nil
		}
		return rgbaToRGB24(in), nil
	default:
		return media.DecodedFrame{}, media.InvalidInputf("cannot convert frame kind %d", int(in.Kind))
	}
}

// nv12ToRGB expands biplanar 4:2:0 YCbCr into packed RGB using the
// fixed-point BT.601 coefficients.
func nv12ToRGB(in media.DecodedFrame, bpp int) (media.DecodedFrame, error) {
	w, h := in.Dims.Width, in.Dims.Height
	pitch := in.Pitch
	if pitch < w {
		pitch = w
	}
	need := pitch*h + pitch*h/2
	if len(in.Bytes) < need {
		return media.DecodedFrame{}, media.InvalidInputf("nv12 payload %d bytes, need %d", len(in.Bytes), need)
	}

	yPlane := in.Bytes[:pitch*h]
	uvPlane := in.Bytes[pitch*h:]

	dst := make([]byte, w*h*bpp)
	for y := 0; y < h; y++ {
		yRow := yPlane[y*pitch:]
		uvRow := uvPlane[(y/2)*pitch:]
		dRow := dst[y*w*bpp:]
		for x := 0; x < w; x++ {
			c := int(yRow[x]) - 16
			d := int(uvRow[(x/2)*2]) - 128
			e := int(uvRow[(x/2)*2+1]) - 128

			r := (298*c + 409*e + 128) >> 8
			g := (298*c - 100*d - 208*e + 128) >> 8
			b := (298*c + 516*d + 128) >> 8

			di := x * bpp
			dRow[di+0] = clamp8(r)
			dRow[di+1] = clamp8(g)
			dRow[di+2] = clamp8(b)
			if bpp == 4 {
				dRow[di+3] = 0xFF
			}
		}
	}

	out := in
	out.Bytes = dst
	out.Pitch = 0
	if bpp == 3 {
		out.Kind = media.FrameRGB24
		out.PixelFormat = media.PixelFormatRGB24
	} else {
		out.Kind = media.FrameRGBA8
		out.PixelFormat = media.PixelFormatRGBA8
	}
	return out, nil
}

func rgb24ToRGBA(in media.DecodedFrame) media.DecodedFrame {
	n := in.Dims.Width * in.Dims.Height
	dst := make([]byte, n*4)
	for i := 0; i < n; i++ {
		dst[i*4+0] = in.Bytes[i*3+0]
		dst[i*4+1] = in.Bytes[i*3+1]
		dst[i*4+2] = in.Bytes[i*3+2]
		dst[i*4+3] = 0xFF
	}
	out := in
	out.Kind = media.FrameRGBA8
	out.PixelFormat = media.PixelFormatRGBA8
	out.Bytes = dst
	return out
}

func rgbaToRGB24(in media.DecodedFrame) media.DecodedFrame {
	n := in.Dims.Width * in.Dims.Height
	dst := make([]byte, n*3)
	for i := 0; i < n; i++ {
		dst[i*3+0] = in.Bytes[i*4+0]
		dst[i*3+1] = in.Bytes[i*4+1]
		dst[i*3+2] = in.Bytes[i*4+2]
	}
	out := in
	out.Kind = media.FrameRGB24
	out.PixelFormat = media.PixelFormatRGB24
	out.Bytes = dst
	return out
}

// resizeFrame scales a frame to target with nearest-neighbour sampling.
func resizeFrame(in media.DecodedFrame, target media.Dimensions) (media.DecodedFrame, error) {
	switch in.Kind {
	case media.FrameRGB24:
		return resizePacked(in, target, 3), nil
	case media.FrameRGBA8:
		return resizePacked(in, target, 4), nil
	case media.FrameNV12:
		return resizeNV12(in, target)
	default:
		return media.DecodedFrame{}, media.InvalidInputf("cannot resize frame kind %d", int(in.Kind))
	}
}

func resizePacked(in media.DecodedFrame, target media.Dimensions, bpp int) media.DecodedFrame {
	sw, sh := in.Dims.Width, in.Dims.Height
	tw, th := target.Width, target.Height

	dst := make([]byte, tw*th*bpp)
	for y := 0; y < th; y++ {
		sy := y * sh / th
		sRow := in.Bytes[sy*sw*bpp:]
		dRow := dst[y*tw*bpp:]
		for x := 0; x < tw; x++ {
			sx := x * sw / tw
			copy(dRow[x*bpp:(x+1)*bpp], sRow[sx*bpp:(sx+1)*bpp])
		}
	}

	out := in
	out.Dims = target
	out.Bytes = dst
	return out
}

func resizeNV12(in media.DecodedFrame, target media.Dimensions) (media.DecodedFrame, error) {
	sw, sh := in.Dims.Width, in.Dims.Height
	pitch := in.Pitch
	if pitch < sw {
		pitch = sw
	}
	// Chroma subsampling needs even dimensions.
	tw, th := target.Width&^1, target.Height&^1
	if tw == 0 || th == 0 {
		return media.DecodedFrame{}, media.InvalidInputf("nv12 resize target %s too small", target)
	}
	need := pitch*sh + pitch*sh/2
	if len(in.Bytes) < need {
		return media.DecodedFrame{}, media.InvalidInputf("nv12 payload %d bytes, need %d", len(in.Bytes), need)
	}

	srcY := in.Bytes[:pitch*sh]
	srcUV := in.Bytes[pitch*sh:]

	dst := make([]byte, tw*th+tw*th/2)
	dstY := dst[:tw*th]
	dstUV := dst[tw*th:]

	for y := 0; y < th; y++ {
		sy := y * sh / th
		for x := 0; x < tw; x++ {
			sx := x * sw / tw
			dstY[y*tw+x] = srcY[sy*pitch+sx]
		}
	}
	for y := 0; y < th/2; y++ {
		sy := y * (sh / 2) / (th / 2)
		for x := 0; x < tw/2; x++ {
			sx := x * (sw / 2) / (tw / 2)
			dstUV[y*tw+x*2] = srcUV[sy*pitch+sx*2]
			dstUV[y*tw+x*2+1] = srcUV[sy*pitch+sx*2+1]
		}
	}

	out := in
	out.Dims = media.Dimensions{Width: tw, Height: th}
	out.Pitch = tw
	out.Bytes = dst
	return out, nil
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
