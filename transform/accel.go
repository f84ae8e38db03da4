package transform

import (
	"sync"

	"github.com/zsiec/hwcodec/media"
)

// Converter is the contract an accelerated pixel path implements. On
// NVIDIA this is a CUDA NV12-to-RGB kernel, on VideoToolbox a Metal
// compute shader. A Converter's failure is never surfaced to callers;
// the worker falls back to the CPU path.
type Converter interface {
	Convert(in media.DecodedFrame, color ColorRequest, resize *media.Dimensions) (media.DecodedFrame, error)
}

var (
	accelMu sync.RWMutex
	accel   Converter
)

// RegisterAccelerated installs the process-wide accelerated converter.
// Backend drivers call this from their init when the device supports a
// GPU pixel path. Registering nil removes it.
func RegisterAccelerated(c Converter) {
	accelMu.Lock()
	accel = c
	accelMu.Unlock()
}

func acceleratedConverter() Converter {
	accelMu.RLock()
	defer accelMu.RUnlock()
	return accel
}
