package backend

import (
	"sync"

	"github.com/zsiec/hwcodec/media"
)

var (
	regMu   sync.RWMutex
	drivers = make(map[media.Backend]Driver)
)

// Register installs a driver for its backend, replacing any prior
// registration. Vendor adapters call this from init.
func Register(d Driver) {
	regMu.Lock()
	drivers[d.Backend()] = d
	regMu.Unlock()
}

// Get returns the registered driver for b.
func Get(b media.Backend) (Driver, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	d, ok := drivers[b]
	return d, ok
}

// Capability reports what a (backend, codec) pair can do. An
// unregistered backend reports the zero capability.
func Capability(b media.Backend, c media.Codec) media.Capability {
	d, ok := Get(b)
	if !ok {
		return media.Capability{}
	}
	return d.Capability(c)
}

// Registered returns the backends with an installed driver.
func Registered() []media.Backend {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]media.Backend, 0, len(drivers))
	for b := range drivers {
		out = append(out, b)
	}
	return out
}
