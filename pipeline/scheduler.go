// Package pipeline routes decoded units from a backend adapter through
// the transform dispatcher, enforcing generation validity and
// presentation order on the way to the caller.
package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwcodec/internal/queue"
	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/metrics"
	"github.com/zsiec/hwcodec/transform"
)

// Output is one frame ready for the caller, or the error that replaced
// it. Errors from the transform CPU path and from vendor reap surface
// here, in order.
type Output struct {
	Frame media.DecodedFrame
	Err   error
}

type slot struct {
	frame   media.DecodedFrame
	err     error
	gen     uint64
	skip    bool
	release func()
}

type queued struct {
	frame   media.DecodedFrame
	err     error
	gen     uint64
	release func()
}

// Scheduler owns the generation gate for one session and the
// resequencing state that keeps outputs in submission order even when
// some frames ride the asynchronous transform pool and others take the
// synchronous fast path.
//
// Two counters implement the gate: gen is the tag new submissions
// carry, minGen is the validity threshold. An immediate switch raises
// both, retiring everything in flight; the gentler switch modes raise
// only gen so outputs produced before the swap stay consumable.
type Scheduler struct {
	log   *slog.Logger
	disp  *transform.Dispatcher
	out   *queue.Queue[queued]
	stats *metrics.Collector

	gen    atomic.Uint64
	minGen atomic.Uint64

	mu      sync.Mutex
	nextSeq uint64
	emitSeq uint64
	ready   map[uint64]slot
}

// New creates a Scheduler delivering into an output queue of the given
// capacity. disp may be nil when the session never transforms. If log
// is nil, slog.Default() is used.
func New(disp *transform.Dispatcher, outCap int, stats *metrics.Collector, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:   log.With("component", "scheduler"),
		disp:  disp,
		out:   queue.New[queued](outCap),
		stats: stats,
		ready: make(map[uint64]slot),
	}
}

// Generation returns the tag new submissions carry.
func (s *Scheduler) Generation() uint64 { return s.gen.Load() }

// SetGeneration activates a session switch: submissions from here on
// carry g. Outputs already in flight remain valid unless RetireBelow is
// also raised.
func (s *Scheduler) SetGeneration(g uint64) { s.gen.Store(g) }

// RetireBelow discards every output tagged with a generation below g,
// wherever it is in the pipe. Used by immediate switches.
func (s *Scheduler) RetireBelow(g uint64) { s.minGen.Store(g) }

// Submit routes one decoded frame tagged with the generation its
// submission carried. release, which may be nil, is invoked exactly
// once when the frame leaves the pipeline: on caller reap or on a
// stale drop. KeepNative requests with no resize bypass the transform
// dispatcher entirely. A full transform queue surfaces as backpressure
// and the frame is not accepted.
func (s *Scheduler) Submit(frame media.DecodedFrame, gen uint64, color transform.ColorRequest, resize *media.Dimensions, release func()) error {
	if gen < s.minGen.Load() {
		s.stats.RecordStaleDrop()
		if release != nil {
			release()
		}
		return nil
	}

	fast := color == transform.KeepNative && resize == nil

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	if fast || s.disp == nil {
		s.complete(seq, slot{frame: frame, gen: gen, release: release})
		return nil
	}

	_, done, err := s.disp.Submit(transform.Job{
		Input:  frame,
		Color:  color,
		Resize: resize,
		Done: func(r transform.Result) {
			s.complete(seq, slot{frame: r.Frame, err: r.Err, gen: gen, release: release})
		},
	})
	if err != nil {
		// The sequence number was consumed; retire it so resequencing
		// does not stall on a frame that will never arrive.
		s.complete(seq, slot{skip: true})
		return err
	}
	if done {
		s.complete(seq, slot{frame: frame, gen: gen, release: release})
	}
	return nil
}

// SubmitError queues an error in place of a frame, so reap-side vendor
// failures surface to the caller from the next reap in order.
func (s *Scheduler) SubmitError(err error, gen uint64, release func()) {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()
	s.complete(seq, slot{err: err, gen: gen, release: release})
}

// complete records one finished frame and flushes the run of in-order
// results that became deliverable.
func (s *Scheduler) complete(seq uint64, sl slot) {
	s.mu.Lock()
	s.ready[seq] = sl
	var emit []slot
	for {
		next, ok := s.ready[s.emitSeq]
		if !ok {
			break
		}
		delete(s.ready, s.emitSeq)
		s.emitSeq++
		if !next.skip {
			emit = append(emit, next)
		}
	}
	s.mu.Unlock()

	for _, next := range emit {
		if next.gen < s.minGen.Load() {
			s.stats.RecordStaleDrop()
			if next.release != nil {
				next.release()
			}
			continue
		}
		q := queued{frame: next.frame, err: next.err, gen: next.gen, release: next.release}
		if err := s.out.TryPush(q); err != nil {
			// Credits bound outputs in flight to the queue capacity;
			// this fires only if that accounting is broken.
			s.log.Warn("output queue full, dropping frame", "error", err)
			if next.release != nil {
				next.release()
			}
			continue
		}
		s.stats.RecordQueueDepth(s.out.Depth())
	}
}

// TryReap returns the next valid output without blocking, releasing its
// credit and skipping any output retired since it was queued.
func (s *Scheduler) TryReap() (Output, bool) {
	for {
		q, ok := s.out.TryPop()
		if !ok {
			return Output{}, false
		}
		if q.gen < s.minGen.Load() {
			s.stats.RecordStaleDrop()
			if q.release != nil {
				q.release()
			}
			continue
		}
		if q.release != nil {
			q.release()
		}
		return Output{Frame: q.frame, Err: q.err}, true
	}
}

// ReapTimeout blocks up to d for the next valid output.
func (s *Scheduler) ReapTimeout(d time.Duration) (Output, bool) {
	deadline := time.Now().Add(d)
	for {
		q, ok := s.out.PopTimeout(time.Until(deadline))
		if !ok {
			return Output{}, false
		}
		if q.gen < s.minGen.Load() {
			s.stats.RecordStaleDrop()
			if q.release != nil {
				q.release()
			}
			continue
		}
		if q.release != nil {
			q.release()
		}
		return Output{Frame: q.frame, Err: q.err}, true
	}
}

// Unsequenced returns the number of frames still inside the transform
// or resequencing stage, excluding outputs already queued for reap.
// Flush waits on this reaching zero.
func (s *Scheduler) Unsequenced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.nextSeq - s.emitSeq)
}

// DrainStale discards every queued output whose generation has been
// retired, preserving the order of any that remain valid.
func (s *Scheduler) DrainStale() int {
	stale := 0
	for _, q := range s.out.Drain() {
		if q.gen < s.minGen.Load() {
			s.stats.RecordStaleDrop()
			if q.release != nil {
				q.release()
			}
			stale++
			continue
		}
		if err := s.out.TryPush(q); err != nil {
			s.log.Warn("output lost during drain", "error", err)
			if q.release != nil {
				q.release()
			}
		}
	}
	return stale
}
