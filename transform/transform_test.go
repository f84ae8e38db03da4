package transform

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwcodec/media"
)

func nv12Frame(w, h int) media.DecodedFrame {
	bytes := make([]byte, w*h+w*h/2)
	return media.DecodedFrame{
		Kind:  media.FrameNV12,
		Dims:  media.Dimensions{Width: w, Height: h},
		Pitch: w,
		Bytes: bytes,
	}
}

func TestFastPathBypassesPool(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(1, 1, nil)
	defer d.Close()

	in := nv12Frame(4, 4)
	out, done, err := d.Submit(Job{Input: in, Color: KeepNative})
	require.NoError(t, err)
	require.True(t, done, "KeepNative with no resize must complete synchronously")
	require.Equal(t, in.Bytes, out.Bytes)
}

func TestNV12ToRGB24Values(t *testing.T) {
	t.Parallel()

	// 2x2 NV12: left column black (Y=16), right column white (Y=235),
	// neutral chroma.
	in := media.DecodedFrame{
		Kind:  media.FrameNV12,
		Dims:  media.Dimensions{Width: 2, Height: 2},
		Pitch: 2,
		Bytes: []byte{16, 235, 16, 235, 128, 128},
	}

	out, err := convertCPU(in, Rgb24, nil)
	require.NoError(t, err)
	require.Equal(t, media.FrameRGB24, out.Kind)
	require.Len(t, out.Bytes, 2*2*3)

	// Pixel (0,0) black, pixel (1,0) white.
	require.Equal(t, []byte{0, 0, 0}, out.Bytes[0:3])
	require.Equal(t, []byte{255, 255, 255}, out.Bytes[3:6])
}

func TestNV12ToRGBA8Alpha(t *testing.T) {
	t.Parallel()

	out, err := convertCPU(nv12Frame(2, 2), Rgba8, nil)
	require.NoError(t, err)
	require.Equal(t, media.FrameRGBA8, out.Kind)
	require.Len(t, out.Bytes, 2*2*4)
	for i := 3; i < len(out.Bytes); i += 4 {
		require.EqualValues(t, 0xFF, out.Bytes[i])
	}
}

func TestResizePacked(t *testing.T) {
	t.Parallel()

	in := media.DecodedFrame{
		Kind: media.FrameRGB24,
		Dims: media.Dimensions{Width: 2, Height: 2},
		Bytes: []byte{
			1, 1, 1, 2, 2, 2,
			3, 3, 3, 4, 4, 4,
		},
	}
	out, err := convertCPU(in, KeepNative, &media.Dimensions{Width: 1, Height: 1})
	require.NoError(t, err)
	require.Equal(t, media.Dimensions{Width: 1, Height: 1}, out.Dims)
	require.Equal(t, []byte{1, 1, 1}, out.Bytes)
}

func TestResizeNV12(t *testing.T) {
	t.Parallel()

	out, err := convertCPU(nv12Frame(4, 4), KeepNative, &media.Dimensions{Width: 2, Height: 2})
	require.NoError(t, err)
	require.Equal(t, media.FrameNV12, out.Kind)
	require.Equal(t, media.Dimensions{Width: 2, Height: 2}, out.Dims)
	require.Len(t, out.Bytes, 2*2+2*2/2)
}

func TestMetadataInputFails(t *testing.T) {
	t.Parallel()

	_, err := convertCPU(media.DecodedFrame{Kind: media.FrameMetadata}, Rgb24, nil)
	require.Error(t, err)
	require.True(t, media.IsInvalidInput(err))
}

func TestDispatcherOrdering(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(4, 64, nil)
	defer d.Close()

	const jobs = 32
	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, jobs)

	for i := 0; i < jobs; i++ {
		i := i
		_, wasSync, err := d.Submit(Job{
			Input: nv12Frame(16, 16),
			Color: Rgb24,
			Done: func(Result) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				done <- struct{}{}
			},
		})
		require.NoError(t, err)
		require.False(t, wasSync)
	}

	for i := 0; i < jobs; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for transform results")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, jobs)
	for i, v := range order {
		require.Equal(t, i, v, "results must arrive in submission order")
	}
}

// blockingConverter parks every Convert call until released, to make
// queue saturation deterministic.
type blockingConverter struct {
	release chan struct{}
}

func (b *blockingConverter) Convert(in media.DecodedFrame, _ ColorRequest, _ *media.Dimensions) (media.DecodedFrame, error) {
	<-b.release
	return in, nil
}

func TestDispatcherBackpressure(t *testing.T) {
	// Touches the global accelerated-converter registry; not parallel.
	conv := &blockingConverter{release: make(chan struct{})}
	RegisterAccelerated(conv)
	defer RegisterAccelerated(nil)

	d := NewDispatcher(1, 1, nil)
	defer d.Close()

	accepted := 0
	done := make(chan struct{}, 16)
	submit := func() error {
		_, _, err := d.Submit(Job{
			Input: nv12Frame(2, 2),
			Color: Rgb24,
			Done:  func(Result) { done <- struct{}{} },
		})
		if err == nil {
			accepted++
		}
		return err
	}

	// One job occupies the worker, one fills the queue; a further
	// submission must refuse with backpressure.
	sawBackpressure := false
	for i := 0; i < 8 && !sawBackpressure; i++ {
		if err := submit(); err != nil {
			require.True(t, media.IsBackpressure(err))
			sawBackpressure = true
		}
	}
	require.True(t, sawBackpressure)
	require.GreaterOrEqual(t, accepted, 1)

	close(conv.release)
	for i := 0; i < accepted; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining accepted jobs")
		}
	}
}

func TestAcceleratedFallback(t *testing.T) {
	// Touches the global accelerated-converter registry; not parallel.
	RegisterAccelerated(failingConverter{})
	defer RegisterAccelerated(nil)

	d := NewDispatcher(1, 4, nil)
	defer d.Close()

	res := make(chan Result, 1)
	_, _, err := d.Submit(Job{
		Input: nv12Frame(2, 2),
		Color: Rgb24,
		Done:  func(r Result) { res <- r },
	})
	require.NoError(t, err)

	select {
	case r := <-res:
		require.NoError(t, r.Err, "accelerated failure must fall back to the CPU path silently")
		require.Equal(t, media.FrameRGB24, r.Frame.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fallback result")
	}
}

type failingConverter struct{}

func (failingConverter) Convert(media.DecodedFrame, ColorRequest, *media.Dimensions) (media.DecodedFrame, error) {
	return media.DecodedFrame{}, media.BackendErrorf("gpu path unavailable")
}
