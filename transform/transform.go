// Package transform runs color conversion and resize off the codec
// threads. A worker pool drains a bounded job queue and delivers results
// in submission order; requests that need no work bypass the pool
// entirely.
package transform

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/zsiec/hwcodec/internal/queue"
	"github.com/zsiec/hwcodec/media"
)

// ColorRequest selects the terminal pixel format of a transform job.
type ColorRequest int

// Color requests.
const (
	// KeepNative leaves the decoded surface untouched.
	KeepNative ColorRequest = iota
	// Rgb24 converts to packed 3-byte RGB.
	Rgb24
	// Rgba8 converts to packed 4-byte RGBA.
	Rgba8
)

// String returns the request name.
func (c ColorRequest) String() string {
	switch c {
	case KeepNative:
		return "keep-native"
	case Rgb24:
		return "rgb24"
	case Rgba8:
		return "rgba8"
	default:
		return fmt.Sprintf("color(%d)", int(c))
	}
}

// Job is one transform request against a decoded frame. Done is invoked
// exactly once for every asynchronously accepted job, in submission
// order across the whole dispatcher. Done must not block and must not
// call back into the Dispatcher.
type Job struct {
	Input  media.DecodedFrame
	Color  ColorRequest
	Resize *media.Dimensions
	Done   func(Result)
}

// fastPath reports whether the job needs no pixel work at all.
func (j Job) fastPath() bool {
	return j.Color == KeepNative && j.Resize == nil
}

// Result is one completed transform. Err is set only when the CPU path
// failed; accelerated-path failures fall back silently.
type Result struct {
	Frame media.DecodedFrame
	Err   error
}

type seqJob struct {
	job Job
	seq uint64
}

type doneSlot struct {
	res  Result
	done func(Result)
}

// Dispatcher owns the transform worker pool. It is shared across
// sessions; jobs from all sessions ride the same bounded queue, and
// per-session order follows from the global submission order.
type Dispatcher struct {
	log  *slog.Logger
	jobs *queue.Queue[seqJob]
	wg   sync.WaitGroup

	mu      sync.Mutex
	nextSeq uint64
	emitSeq uint64
	pending map[uint64]doneSlot

	closeOnce sync.Once
}

// DefaultWorkers is the worker pool size used when the caller passes
// zero: runtime.NumCPU() minus two reserved for the codec threads, and
// at least one. NumCPU counts logical CPUs, not physical cores.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 2
	if n < 1 {
		n = 1
	}
	return n
}

// NewDispatcher creates a Dispatcher and starts its workers. Zero
// workers selects DefaultWorkers; zero queueCap defaults to twice the
// worker count. If log is nil, slog.Default() is used.
func NewDispatcher(workers, queueCap int, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if queueCap <= 0 {
		queueCap = workers * 2
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		log:     log.With("component", "transform"),
		jobs:    queue.New[seqJob](queueCap),
		pending: make(map[uint64]doneSlot),
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Submit dispatches one job. When the job needs no work it is returned
// synchronously with done=true, its Done callback unused. Otherwise it
// is enqueued, Submit returns done=false, and Done fires later in
// submission order. A full job queue fails with a backpressure error
// and the job is not accepted.
func (d *Dispatcher) Submit(job Job) (media.DecodedFrame, bool, error) {
	if job.fastPath() {
		return job.Input, true, nil
	}

	d.mu.Lock()
	seq := d.nextSeq
	err := d.jobs.TryPush(seqJob{job: job, seq: seq})
	if err == nil {
		d.nextSeq++
	}
	d.mu.Unlock()

	if err != nil {
		return media.DecodedFrame{}, false, media.Backpressuref("transform queue full")
	}
	return media.DecodedFrame{}, false, nil
}

// Close stops the workers after the queued jobs finish and their Done
// callbacks have fired.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.jobs.Close()
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		sj, ok := d.jobs.Pop()
		if !ok {
			return
		}
		frame, err := d.run(sj.job)
		d.deliver(sj.seq, sj.job.Done, Result{Frame: frame, Err: err})
	}
}

// run executes one job: the accelerated converter first when one is
// registered, the CPU path on any accelerated failure. Only the CPU
// path's error is surfaced.
func (d *Dispatcher) run(job Job) (media.DecodedFrame, error) {
	if conv := acceleratedConverter(); conv != nil {
		frame, err := conv.Convert(job.Input, job.Color, job.Resize)
		if err == nil {
			return frame, nil
		}
		d.log.Debug("accelerated transform failed, using cpu path", "error", err)
	}
	return convertCPU(job.Input, job.Color, job.Resize)
}

// deliver resequences completions so Done callbacks fire in submission
// order even when workers finish out of order. Callbacks run under the
// dispatcher lock, which is what serializes them; they are required to
// be non-blocking.
func (d *Dispatcher) deliver(seq uint64, done func(Result), res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[seq] = doneSlot{res: res, done: done}
	for {
		next, ok := d.pending[d.emitSeq]
		if !ok {
			return
		}
		delete(d.pending, d.emitSeq)
		d.emitSeq++
		if next.done != nil {
			next.done(next.res)
		}
	}
}
