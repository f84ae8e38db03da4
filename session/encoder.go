package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwcodec/backend"
	"github.com/zsiec/hwcodec/internal/queue"
	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/metrics"
)

type encodeWork struct {
	frame    media.RawFrame
	upload   []byte
	gen      uint64
	forceIDR bool
	eos      bool
	eosDone  chan struct{}
}

type encOutput struct {
	chunk   media.EncodedChunk
	err     error
	gen     uint64
	release func()
}

// EncoderOptions configure the pipeline around an encode session.
type EncoderOptions struct {
	SubmitQueue int
	OutputQueue int
	Stats       *metrics.Collector
	Log         *slog.Logger
}

// Encoder couples one vendor encode session to the pipeline. The vendor
// session and the upload buffer pool are created eagerly, so an
// unsupported configuration fails at construction rather than at the
// first frame.
//
// An in-flight credit is acquired at Submit and released when the
// corresponding chunk reaches the caller (or is retired by a switch).
// Upload buffers recycle earlier, as soon as the vendor is done with
// them on reap.
type Encoder struct {
	log     *slog.Logger
	b       media.Backend
	drv     backend.Driver
	cfg     media.SessionConfig
	stats   *metrics.Collector
	pool    *BufferPool
	subQ    *queue.Queue[encodeWork]
	outQ    *queue.Queue[encOutput]
	credits *queue.CreditPool

	inFlight    flightQueue
	outstanding atomic.Int64

	gen      atomic.Uint64
	minGen   atomic.Uint64
	state    atomic.Int32
	frameIdx atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	enc           backend.Encoder
	pendingSwitch *media.SessionSwitchRequest
	reconfigure   bool
	nextForceIDR  bool
	fatal         error
	asyncErr      error
}

// NewEncoder creates a running encode session.
func NewEncoder(b media.Backend, drv backend.Driver, cfg media.SessionConfig, opts EncoderOptions) (*Encoder, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "encode-session", "backend", b.String(), "codec", cfg.Codec.String())

	maxInFlight := cfg.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	enc, err := drv.NewEncoder(backend.EncoderConfig{
		Codec:       cfg.Codec,
		Dims:        cfg.Dims,
		FPS:         cfg.FPS,
		BitrateKbps: cfg.BitrateKbps,
		GOPLength:   cfg.GOPLength,
		MaxInFlight: maxInFlight,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	subCap := opts.SubmitQueue
	if subCap < maxInFlight {
		subCap = maxInFlight * 2
	}
	outCap := opts.OutputQueue
	if outCap < maxInFlight+1 {
		outCap = maxInFlight + 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Encoder{
		log:      log,
		b:        b,
		drv:      drv,
		cfg:      cfg,
		stats:    opts.Stats,
		pool:     NewBufferPool(maxInFlight, uploadBufferSize(cfg.Dims), log),
		subQ:     queue.New[encodeWork](subCap),
		outQ:     queue.New[encOutput](outCap),
		credits:  queue.NewCreditPool(maxInFlight),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		enc:      enc,
	}
	e.state.Store(int32(StateRunning))

	e.wg.Add(2)
	go e.submitWorker()
	go e.reapWorker()
	return e, nil
}

// uploadBufferSize is the staging size covering the largest accepted
// raw-frame layout: packed 4-byte ARGB.
func uploadBufferSize(d media.Dimensions) int {
	return d.Width * d.Height * 4
}

// State returns the lifecycle state.
func (e *Encoder) State() State { return State(e.state.Load()) }

// Generation returns the current configuration epoch.
func (e *Encoder) Generation() uint64 { return e.gen.Load() }

// Dims returns the session's current encode dimensions.
func (e *Encoder) Dims() media.Dimensions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Dims
}

// Submit hands one raw frame to the submit worker. It blocks only on
// credit acquisition, and only when the session was configured to wait.
func (e *Encoder) Submit(frame media.RawFrame) error {
	start := time.Now()
	if err := e.takeErr(); err != nil {
		return err
	}
	switch e.State() {
	case StateRunning:
	case StateSwitchPending, StateDraining:
		return media.Backpressuref("session is %s", e.State())
	default:
		return media.InvalidInputf("session is %s", e.State())
	}

	idx := e.frameIdx.Add(1) - 1
	naturalIDR := e.cfg.GOPLength > 0 && idx%int64(e.cfg.GOPLength) == 0

	e.mu.Lock()
	forceIDR := e.nextForceIDR
	e.nextForceIDR = false
	if ps := e.pendingSwitch; ps != nil && (forceIDR || naturalIDR) {
		e.commitSwitchLocked(ps.Target, ps.ForceIDROnActivate, false)
		e.pendingSwitch = nil
		forceIDR = forceIDR || e.nextForceIDR
		e.nextForceIDR = false
	}
	e.mu.Unlock()

	if frame.PTS == media.NoPTS && e.cfg.FPS > 0 {
		frame.PTS = idx * int64(media.TimeBase) / int64(e.cfg.FPS)
	}

	if e.cfg.WaitForCredit {
		if err := e.credits.Acquire(e.ctx); err != nil {
			return media.InvalidInputf("session closed while waiting for credit")
		}
	} else if !e.credits.TryAcquire() {
		return media.Backpressuref("in-flight credits exhausted (%d)", e.credits.Max())
	}

	w := encodeWork{
		frame:    frame,
		upload:   e.getUpload(),
		gen:      e.gen.Load(),
		forceIDR: forceIDR || naturalIDR,
	}
	if err := e.subQ.TryPush(w); err != nil {
		e.putUpload(w.upload)
		e.credits.Release()
		return media.Backpressuref("submit queue full")
	}
	e.stats.RecordSubmit(time.Since(start))
	e.stats.RecordCopyBytes(len(frame.Bytes))
	return nil
}

// TryReap returns the next encoded chunk without blocking.
func (e *Encoder) TryReap() (media.EncodedChunk, bool, error) {
	for {
		o, ok := e.outQ.TryPop()
		if !ok {
			return media.EncodedChunk{}, false, e.fatalErr()
		}
		if o.gen < e.minGen.Load() {
			e.stats.RecordStaleDrop()
			o.releaseCredit()
			continue
		}
		o.releaseCredit()
		return o.chunk, o.err == nil, o.err
	}
}

// ReapTimeout blocks up to dur for the next encoded chunk.
func (e *Encoder) ReapTimeout(dur time.Duration) (media.EncodedChunk, bool, error) {
	deadline := time.Now().Add(dur)
	for {
		o, ok := e.outQ.PopTimeout(time.Until(deadline))
		if !ok {
			return media.EncodedChunk{}, false, e.fatalErr()
		}
		if o.gen < e.minGen.Load() {
			e.stats.RecordStaleDrop()
			o.releaseCredit()
			continue
		}
		o.releaseCredit()
		return o.chunk, o.err == nil, o.err
	}
}

func (o encOutput) releaseCredit() {
	if o.release != nil {
		o.release()
	}
}

// Flush signals end of stream, drains all in-flight frames, and returns
// the pending chunks. The session remains usable; the next cycle may
// change dimensions after a switch.
func (e *Encoder) Flush() ([]media.EncodedChunk, error) {
	if err := e.fatalErr(); err != nil {
		return nil, err
	}
	if e.State() == StateClosed || e.State() == StateIdle {
		return nil, media.InvalidInputf("session is %s", e.State())
	}

	eosDone := make(chan struct{})
	w := encodeWork{eos: true, eosDone: eosDone}
	for {
		if err := e.subQ.TryPush(w); err == nil {
			break
		} else if errors.Is(err, queue.ErrClosed) {
			return nil, media.InvalidInputf("session is closed")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-eosDone:
	case <-e.shutdown:
		return nil, media.InvalidInputf("session closed during flush")
	}

	for e.outstanding.Load() > 0 {
		if err := e.fatalErr(); err != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	var out []media.EncodedChunk
	var firstErr error
	for {
		o, ok := e.outQ.TryPop()
		if !ok {
			break
		}
		if o.gen < e.minGen.Load() {
			e.stats.RecordStaleDrop()
			o.releaseCredit()
			continue
		}
		o.releaseCredit()
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		out = append(out, o.chunk)
	}
	if firstErr == nil {
		firstErr = e.fatalErr()
	}
	e.frameIdx.Store(0)
	return out, firstErr
}

// RequestSwitch applies a session switch in the requested mode.
func (e *Encoder) RequestSwitch(req media.SessionSwitchRequest) error {
	if err := e.fatalErr(); err != nil {
		return err
	}
	if e.State() != StateRunning {
		return media.InvalidInputf("cannot switch while session is %s", e.State())
	}
	if req.Target.Dims != (media.Dimensions{}) && !req.Target.Dims.Valid() {
		return media.InvalidInputf("switch target dimensions %s", req.Target.Dims)
	}

	switch req.Mode {
	case media.SwitchImmediate:
		e.mu.Lock()
		e.commitSwitchLocked(req.Target, req.ForceIDROnActivate, true)
		e.mu.Unlock()
		e.dropStaleOutputs()
		return nil

	case media.SwitchOnNextKeyframe:
		e.mu.Lock()
		r := req
		e.pendingSwitch = &r
		e.mu.Unlock()
		return nil

	case media.SwitchDrainThenSwap:
		e.state.Store(int32(StateSwitchPending))
		for e.subQ.Depth() > 0 || e.outstanding.Load() > 0 {
			if err := e.fatalErr(); err != nil {
				e.state.Store(int32(StateRunning))
				return err
			}
			time.Sleep(2 * time.Millisecond)
		}
		e.mu.Lock()
		e.commitSwitchLocked(req.Target, req.ForceIDROnActivate, false)
		e.mu.Unlock()
		e.state.Store(int32(StateRunning))
		return nil

	default:
		return media.InvalidInputf("unknown switch mode %d", int(req.Mode))
	}
}

// commitSwitchLocked bumps the generation and marks the vendor session
// for rebuild at the next submission. When retire is set (immediate
// mode), chunks produced under prior generations are discarded.
func (e *Encoder) commitSwitchLocked(target media.SessionConfig, forceIDR, retire bool) {
	g := e.gen.Add(1)
	if retire {
		e.minGen.Store(g)
	}
	e.cfg.Codec = target.Codec
	if target.Dims.Valid() {
		e.cfg.Dims = target.Dims
	}
	if target.FPS > 0 {
		e.cfg.FPS = target.FPS
	}
	if target.BitrateKbps > 0 {
		e.cfg.BitrateKbps = target.BitrateKbps
	}
	if target.GOPLength > 0 {
		e.cfg.GOPLength = target.GOPLength
	}
	e.reconfigure = true
	e.nextForceIDR = forceIDR
	e.frameIdx.Store(0)
	// Rebuild the pool now so the very next Submit stages into a
	// correctly sized buffer. Entries still out with the vendor are
	// dropped on return instead of re-pooled.
	if size := uploadBufferSize(e.cfg.Dims); size != e.pool.BufferSize() {
		e.pool = NewBufferPool(e.credits.Max(), size, e.log)
	}
	e.log.Info("encode session switch committed",
		"generation", g, "dims", e.cfg.Dims.String(), "retired", retire)
}

// dropStaleOutputs discards queued chunks retired by an immediate
// switch, preserving any that remain valid.
func (e *Encoder) dropStaleOutputs() {
	gen := e.minGen.Load()
	for _, o := range e.outQ.Drain() {
		if o.gen < gen {
			e.stats.RecordStaleDrop()
			o.releaseCredit()
			continue
		}
		if err := e.outQ.TryPush(o); err != nil {
			e.log.Warn("output lost during switch drain", "error", err)
			o.releaseCredit()
		}
	}
}

// Close drains the workers and destroys the vendor session.
func (e *Encoder) Close() error {
	if e.State() == StateClosed {
		return nil
	}
	e.state.Store(int32(StateDraining))
	close(e.shutdown)
	e.cancel()
	e.subQ.Close()
	e.wg.Wait()

	e.mu.Lock()
	enc := e.enc
	e.enc = nil
	e.mu.Unlock()

	var err error
	if enc != nil {
		err = enc.Close()
	}
	e.state.Store(int32(StateClosed))
	e.log.Info("encode session closed")
	return err
}

func (e *Encoder) submitWorker() {
	defer e.wg.Done()
	for {
		w, ok := e.subQ.Pop()
		if !ok {
			return
		}

		select {
		case <-e.shutdown:
			if !w.eos {
				e.putUpload(w.upload)
				e.credits.Release()
			} else if w.eosDone != nil {
				close(w.eosDone)
			}
			continue
		default:
		}

		if w.eos {
			e.mu.Lock()
			enc := e.enc
			e.mu.Unlock()
			if enc != nil {
				if err := enc.Flush(); err != nil {
					e.recordAsync(err)
				}
			}
			if w.eosDone != nil {
				close(w.eosDone)
			}
			continue
		}

		if w.gen < e.gen.Load() {
			e.putUpload(w.upload)
			e.credits.Release()
			continue
		}

		e.mu.Lock()
		if err := e.ensureEncoderLocked(); err != nil {
			e.mu.Unlock()
			e.putUpload(w.upload)
			e.credits.Release()
			e.recordAsync(err)
			continue
		}
		enc := e.enc
		e.mu.Unlock()

		e.submitOne(enc, w)
	}
}

// ensureEncoderLocked rebuilds the vendor session after a committed
// switch changed the configuration.
func (e *Encoder) ensureEncoderLocked() error {
	if !e.reconfigure {
		return nil
	}
	e.reconfigure = false

	if e.enc != nil {
		if err := e.enc.Close(); err != nil {
			e.log.Warn("closing encoder for reconfigure", "error", err)
		}
		e.enc = nil
	}

	maxInFlight := e.credits.Max()
	enc, err := e.drv.NewEncoder(backend.EncoderConfig{
		Codec:       e.cfg.Codec,
		Dims:        e.cfg.Dims,
		FPS:         e.cfg.FPS,
		BitrateKbps: e.cfg.BitrateKbps,
		GOPLength:   e.cfg.GOPLength,
		MaxInFlight: maxInFlight,
		Log:         e.log,
	})
	if err != nil {
		return err
	}
	e.enc = enc
	e.log.Info("vendor encode session rebuilt", "dims", e.cfg.Dims.String())
	return nil
}

func (e *Encoder) submitOne(enc backend.Encoder, w encodeWork) {
	// Pair the submission before the vendor sees it: its output may
	// arrive on the vendor's thread before Submit returns.
	e.outstanding.Add(1)
	e.inFlight.pushBack(flight{gen: w.gen, upload: w.upload})

	for {
		err := enc.Submit(w.frame, w.upload, w.forceIDR)
		if err == nil {
			return
		}
		if errors.Is(err, backend.ErrBusy) {
			// Recoverable vendor backpressure: the frame stays ours and
			// is retried until the encoder accepts it.
			select {
			case <-e.shutdown:
			case <-time.After(busyRetryDelayMillis * time.Millisecond):
				continue
			}
		}
		// Withdraw the pairing; no output will ever match it.
		if _, ok := e.inFlight.popBack(); ok {
			e.outstanding.Add(-1)
			e.putUpload(w.upload)
			e.credits.Release()
		}
		if errors.Is(err, backend.ErrBusy) {
			return // shutdown during retry
		}
		if media.IsDeviceLost(err) {
			e.latchFatal(err)
		} else {
			e.recordAsync(err)
		}
		return
	}
}

func (e *Encoder) reapWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdown:
			return
		default:
		}

		e.mu.Lock()
		enc := e.enc
		e.mu.Unlock()
		if enc == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		start := time.Now()
		chunk, ok, err := enc.Reap(reapPollMillis * time.Millisecond)
		if err != nil {
			gen, release, tracked := e.popInFlight()
			e.pushOutput(encOutput{err: err, gen: gen, release: release})
			if tracked {
				e.outstanding.Add(-1)
			}
			if media.IsDeviceLost(err) {
				e.latchFatal(err)
				return
			}
			continue
		}
		if !ok {
			continue
		}

		gen, release, tracked := e.popInFlight()

		if want := media.LayoutOf(e.b, chunk.Codec); chunk.Layout != want {
			e.pushOutput(encOutput{
				err:     media.BackendErrorf("chunk layout %s, backend produces %s", chunk.Layout, want),
				gen:     gen,
				release: release,
			})
		} else {
			e.pushOutput(encOutput{chunk: chunk, gen: gen, release: release})
		}
		if tracked {
			e.outstanding.Add(-1)
		}
		e.stats.RecordReap(time.Since(start))
		e.stats.RecordQueueDepth(e.outQ.Depth())
	}
}

// popInFlight recycles the upload buffer of the oldest outstanding
// submission immediately and returns its generation plus the
// credit-release hook invoked when the chunk reaches the caller.
func (e *Encoder) popInFlight() (uint64, func(), bool) {
	if f, ok := e.inFlight.popFront(); ok {
		e.putUpload(f.upload)
		return f.gen, e.credits.Release, true
	}
	return e.gen.Load(), nil, false
}

// getUpload and putUpload snapshot the pool pointer under the session
// lock: a committed switch may swap the pool for a differently sized
// one while buffers are still in flight.
func (e *Encoder) getUpload() []byte {
	e.mu.Lock()
	p := e.pool
	e.mu.Unlock()
	return p.Get()
}

func (e *Encoder) putUpload(b []byte) {
	e.mu.Lock()
	p := e.pool
	e.mu.Unlock()
	p.Put(b)
}

func (e *Encoder) pushOutput(o encOutput) {
	if err := e.outQ.TryPush(o); err != nil {
		e.log.Warn("output queue full, dropping chunk", "error", err)
		o.releaseCredit()
	}
}

func (e *Encoder) latchFatal(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
		e.log.Error("session is terminal", "error", err)
	}
	e.mu.Unlock()
}

func (e *Encoder) fatalErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

func (e *Encoder) recordAsync(err error) {
	e.mu.Lock()
	if e.asyncErr == nil {
		e.asyncErr = err
	}
	e.mu.Unlock()
	e.log.Warn("vendor error recorded", "error", err)
}

func (e *Encoder) takeErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return e.fatal
	}
	if err := e.asyncErr; err != nil {
		e.asyncErr = nil
		return err
	}
	return nil
}
