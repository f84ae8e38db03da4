package session

import "log/slog"

// BufferPool recycles fixed-size upload buffers so the encoder hot path
// never allocates. Entries are created once, handed to the driver for
// the duration of a submit/reap round trip, and returned on reap. The
// pool is owned exclusively by the session; callers never see entries.
type BufferPool struct {
	ch   chan []byte
	size int
	log  *slog.Logger
}

// NewBufferPool creates n buffers of size bytes each.
func NewBufferPool(n, size int, log *slog.Logger) *BufferPool {
	if log == nil {
		log = slog.Default()
	}
	p := &BufferPool{
		ch:   make(chan []byte, n),
		size: size,
		log:  log,
	}
	for i := 0; i < n; i++ {
		p.ch <- make([]byte, size)
	}
	return p
}

// Get returns a pooled buffer. The credit pool bounds outstanding work
// to the pool size, so the cold allocation below only fires if that
// accounting is broken; it keeps the session alive rather than correct
// a bug silently.
func (p *BufferPool) Get() []byte {
	select {
	case b := <-p.ch:
		return b
	default:
		p.log.Warn("buffer pool empty, allocating off-pool buffer", "size", p.size)
		return make([]byte, p.size)
	}
}

// Put returns a buffer to the pool. Off-pool buffers and buffers from a
// retired configuration (wrong size) are dropped.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	select {
	case p.ch <- b[:p.size]:
	default:
	}
}

// BufferSize returns the per-entry size in bytes.
func (p *BufferPool) BufferSize() int { return p.size }
