package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/transform"
)

func frame(pts int64) media.DecodedFrame {
	return media.DecodedFrame{
		Kind: media.FrameMetadata,
		Dims: media.Dimensions{Width: 640, Height: 360},
		PTS:  pts,
	}
}

func TestSchedulerFastPathOrder(t *testing.T) {
	t.Parallel()

	s := New(nil, 16, nil, nil)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Submit(frame(i*3000), 0, transform.KeepNative, nil, nil))
	}

	for i := int64(0); i < 5; i++ {
		o, ok := s.TryReap()
		require.True(t, ok)
		require.NoError(t, o.Err)
		require.Equal(t, i*3000, o.Frame.PTS)
	}
	_, ok := s.TryReap()
	require.False(t, ok)
}

func TestSchedulerGenerationRetire(t *testing.T) {
	t.Parallel()

	s := New(nil, 16, nil, nil)
	require.NoError(t, s.Submit(frame(0), 0, transform.KeepNative, nil, nil))
	require.NoError(t, s.Submit(frame(3000), 0, transform.KeepNative, nil, nil))

	// Immediate switch: everything from generation 0 is retired.
	s.SetGeneration(1)
	s.RetireBelow(1)
	require.Equal(t, 2, s.DrainStale())

	require.NoError(t, s.Submit(frame(6000), 1, transform.KeepNative, nil, nil))

	o, ok := s.TryReap()
	require.True(t, ok)
	require.Equal(t, int64(6000), o.Frame.PTS)
	_, ok = s.TryReap()
	require.False(t, ok)
}

func TestSchedulerStaleSubmitDropped(t *testing.T) {
	t.Parallel()

	s := New(nil, 16, nil, nil)
	s.SetGeneration(2)
	s.RetireBelow(2)

	released := false
	require.NoError(t, s.Submit(frame(0), 1, transform.KeepNative, nil, func() { released = true }))
	require.True(t, released, "stale submission must release its credit")
	_, ok := s.TryReap()
	require.False(t, ok)
}

func TestSchedulerGentleSwitchKeepsOutputs(t *testing.T) {
	t.Parallel()

	s := New(nil, 16, nil, nil)
	require.NoError(t, s.Submit(frame(0), 0, transform.KeepNative, nil, nil))

	// Drain-then-swap raises the tag generation only; queued outputs
	// stay consumable.
	s.SetGeneration(1)

	o, ok := s.TryReap()
	require.True(t, ok)
	require.Equal(t, int64(0), o.Frame.PTS)
}

func TestSchedulerSubmitError(t *testing.T) {
	t.Parallel()

	s := New(nil, 16, nil, nil)
	require.NoError(t, s.Submit(frame(0), 0, transform.KeepNative, nil, nil))
	s.SubmitError(media.BackendErrorf("vendor hiccup"), 0, nil)

	o, ok := s.TryReap()
	require.True(t, ok)
	require.NoError(t, o.Err)

	o, ok = s.TryReap()
	require.True(t, ok)
	require.Error(t, o.Err)
}

func TestSchedulerReleaseOnReap(t *testing.T) {
	t.Parallel()

	s := New(nil, 16, nil, nil)
	released := 0
	require.NoError(t, s.Submit(frame(0), 0, transform.KeepNative, nil, func() { released++ }))
	require.Equal(t, 0, released, "credit held while output is queued")

	_, ok := s.TryReap()
	require.True(t, ok)
	require.Equal(t, 1, released)
}

func TestSchedulerTransformRouting(t *testing.T) {
	t.Parallel()

	d := transform.NewDispatcher(2, 8, nil)
	defer d.Close()
	s := New(d, 16, nil, nil)

	in := media.DecodedFrame{
		Kind:  media.FrameNV12,
		Dims:  media.Dimensions{Width: 4, Height: 4},
		Pitch: 4,
		Bytes: make([]byte, 4*4+4*4/2),
		PTS:   77,
	}
	require.NoError(t, s.Submit(in, 0, transform.Rgb24, nil, nil))

	o, ok := s.ReapTimeout(5 * time.Second)
	require.True(t, ok)
	require.NoError(t, o.Err)
	require.Equal(t, media.FrameRGB24, o.Frame.Kind)
	require.Equal(t, int64(77), o.Frame.PTS)

	require.Equal(t, 0, s.Unsequenced())
}
