// Package hwcodec is a backend-agnostic facade over hardware video
// codecs. Callers feed Annex B chunks or raw frames into a
// DecodeSession or EncodeSession bound to one backend (VideoToolbox or
// NVIDIA) and reap access-unit-aligned decoded frames or vendor-correct
// encoded packets. The streaming pipeline underneath — bitstream
// assembly, sample packing, credit-bounded submit/reap workers,
// generation-gated session switches, and the transform pool — is shared
// by every backend; only the thin vendor drivers differ.
//
// A session is externally synchronized: concurrent submission from two
// goroutines on the same session is undefined.
package hwcodec

import (
	"log/slog"
	"sync"

	"github.com/zsiec/hwcodec/backend"
	"github.com/zsiec/hwcodec/config"
	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/transform"
)

// QueryCapability reports what a (backend, codec) pair can do on this
// machine. Query before creating sessions; an unregistered backend
// reports the zero capability.
func QueryCapability(b media.Backend, c media.Codec) media.Capability {
	return backend.Capability(b, c)
}

// Backends returns the backends available in this process.
func Backends() []media.Backend {
	return backend.Registered()
}

var (
	dispOnce sync.Once
	disp     *transform.Dispatcher
)

// sharedDispatcher returns the process-wide transform pool, created on
// first use and shared across sessions.
func sharedDispatcher() *transform.Dispatcher {
	dispOnce.Do(func() {
		t := config.Load()
		disp = transform.NewDispatcher(t.TransformWorkers, t.TransformQueue, slog.Default())
	})
	return disp
}

func resolveDriver(b media.Backend, c media.Codec, decode bool) (backend.Driver, error) {
	drv, ok := backend.Get(b)
	if !ok {
		return nil, media.Unsupportedf("backend %s is not available", b)
	}
	capa := drv.Capability(c)
	if decode && !capa.CanDecode {
		return nil, media.Unsupportedf("backend %s cannot decode %s", b, c)
	}
	if !decode && !capa.CanEncode {
		return nil, media.Unsupportedf("backend %s cannot encode %s", b, c)
	}
	return drv, nil
}
