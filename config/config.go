// Package config resolves pipeline tunables from the environment with
// code defaults. The facade picks these up when the caller leaves the
// matching DecodeConfig/EncodeConfig fields zero; nothing here is
// required for correctness, only sizing.
package config

import (
	"sync"

	"github.com/kelseyhightower/envconfig"

	"github.com/zsiec/hwcodec/media"
)

// Tunables are the environment-adjustable pipeline sizes. All have
// working defaults; the HWCODEC_ prefix selects them, e.g.
// HWCODEC_TRANSFORM_WORKERS=4.
type Tunables struct {
	// TransformWorkers sizes the shared transform pool. Zero means
	// max(1, runtime.NumCPU() - 2), counting logical CPUs.
	TransformWorkers int `envconfig:"TRANSFORM_WORKERS"`

	// TransformQueue is the transform job queue capacity. Zero means
	// twice the worker count.
	TransformQueue int `envconfig:"TRANSFORM_QUEUE"`

	// SubmitQueue is the per-session submission queue capacity.
	SubmitQueue int `envconfig:"SUBMIT_QUEUE" default:"8"`

	// OutputQueue is the per-session output queue capacity.
	OutputQueue int `envconfig:"OUTPUT_QUEUE" default:"16"`

	// MaxInFlightVT bounds outstanding work per VideoToolbox session.
	MaxInFlightVT int `envconfig:"MAX_IN_FLIGHT_VT" default:"4"`

	// MaxInFlightNvidia bounds outstanding work per NVENC/NVDEC
	// session. Six keeps the encoder's internal queue full without
	// starving reap, per measurement.
	MaxInFlightNvidia int `envconfig:"MAX_IN_FLIGHT_NVIDIA" default:"6"`
}

var (
	once sync.Once
	tun  Tunables
)

// Load returns the process tunables, reading the environment once.
// Environment parse failures fall back to defaults.
func Load() Tunables {
	once.Do(func() {
		tun = Tunables{SubmitQueue: 8, OutputQueue: 16, MaxInFlightVT: 4, MaxInFlightNvidia: 6}
		_ = envconfig.Process("hwcodec", &tun)
	})
	return tun
}

// MaxInFlight returns the in-flight bound for a backend when the caller
// did not set one.
func (t Tunables) MaxInFlight(b media.Backend) int {
	if b == media.Nvidia {
		return t.MaxInFlightNvidia
	}
	return t.MaxInFlightVT
}
