package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwcodec/backend"
	"github.com/zsiec/hwcodec/bitstream"
	"github.com/zsiec/hwcodec/internal/queue"
	"github.com/zsiec/hwcodec/media"
	"github.com/zsiec/hwcodec/metrics"
	"github.com/zsiec/hwcodec/pipeline"
	"github.com/zsiec/hwcodec/sample"
	"github.com/zsiec/hwcodec/transform"
)

// errParamsIncomplete marks a submission that must wait for the
// parameter-set cache to fill before the vendor session can exist.
var errParamsIncomplete = errors.New("session: parameter sets incomplete")

type decodeWork struct {
	sample  media.PackedSample
	gen     uint64
	eos     bool
	eosDone chan struct{}
}

// DecoderOptions configure the pipeline around a decode session.
type DecoderOptions struct {
	Dispatcher *transform.Dispatcher
	Color      transform.ColorRequest
	Resize     *media.Dimensions

	SubmitQueue int
	OutputQueue int
	Stats       *metrics.Collector
	Log         *slog.Logger
}

// Decoder couples one vendor decode session to the pipeline. Vendor
// session creation is deferred until the parameter-set cache is
// complete; submissions arriving earlier are parked and drained in
// order once creation succeeds.
//
// An in-flight credit is acquired at Submit and released when the
// corresponding output reaches the caller (or is retired by a switch),
// bounding every stage of the pipe at once.
type Decoder struct {
	log     *slog.Logger
	b       media.Backend
	drv     backend.Driver
	cfg     media.SessionConfig
	stats   *metrics.Collector
	packer  sample.Packer
	sched   *pipeline.Scheduler
	color   transform.ColorRequest
	resize  *media.Dimensions
	subQ    *queue.Queue[decodeWork]
	credits *queue.CreditPool

	inFlightGens flightQueue
	outstanding  atomic.Int64 // items inside the vendor or being handed to the scheduler

	gen   atomic.Uint64
	state atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	cache         *bitstream.ParamSetCache
	dec           backend.Decoder
	parked        []decodeWork
	pendingSwitch *media.SessionSwitchRequest
	reconfigure   bool
	fatal         error
	asyncErr      error
	lastDims      media.Dimensions
	lastPix       media.PixelFormat
}

// NewDecoder creates a running decode session. The vendor session
// itself is created lazily, once cache completes.
func NewDecoder(b media.Backend, drv backend.Driver, cfg media.SessionConfig, cache *bitstream.ParamSetCache, opts DecoderOptions) *Decoder {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "decode-session", "backend", b.String(), "codec", cfg.Codec.String())

	maxInFlight := cfg.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	subCap := opts.SubmitQueue
	if subCap < maxInFlight {
		subCap = maxInFlight * 2
	}
	// Credits bound unreaped outputs, so the output queue only ever
	// holds maxInFlight entries.
	outCap := opts.OutputQueue
	if outCap < maxInFlight+1 {
		outCap = maxInFlight + 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Decoder{
		log:      log,
		b:        b,
		drv:      drv,
		cfg:      cfg,
		stats:    opts.Stats,
		packer:   sample.PackerFor(b),
		sched:    pipeline.New(opts.Dispatcher, outCap, opts.Stats, log),
		color:    opts.Color,
		resize:   opts.Resize,
		subQ:     queue.New[decodeWork](subCap),
		credits:  queue.NewCreditPool(maxInFlight),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		cache:    cache,
	}
	d.state.Store(int32(StateRunning))

	d.wg.Add(2)
	go d.submitWorker()
	go d.reapWorker()
	return d
}

// State returns the lifecycle state.
func (d *Decoder) State() State { return State(d.state.Load()) }

// Generation returns the current configuration epoch.
func (d *Decoder) Generation() uint64 { return d.gen.Load() }

// Cache returns the parameter-set cache the session decodes against.
// The facade assembles into this cache; it changes when a switch
// commits with a different codec.
func (d *Decoder) Cache() *bitstream.ParamSetCache {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache
}

// Codec returns the session's current codec.
func (d *Decoder) Codec() media.Codec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Codec
}

// LastObserved returns the most recent decoded dimensions and pixel
// format, for the facade summary.
func (d *Decoder) LastObserved() (media.Dimensions, media.PixelFormat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDims, d.lastPix
}

// Submit packs one access unit and hands it to the submit worker.
// It blocks only on credit acquisition, and only when the session was
// configured to wait.
func (d *Decoder) Submit(au media.AccessUnit) error {
	start := time.Now()
	if err := d.takeErr(); err != nil {
		return err
	}
	switch d.State() {
	case StateRunning:
	case StateSwitchPending, StateDraining:
		return media.Backpressuref("session is %s", d.State())
	default:
		return media.InvalidInputf("session is %s", d.State())
	}

	d.mu.Lock()
	if ps := d.pendingSwitch; ps != nil && au.IsKeyframe {
		d.commitSwitchLocked(ps.Target, false)
		d.pendingSwitch = nil
	}
	d.mu.Unlock()

	s, err := d.packer.Pack(au)
	if err != nil {
		return err
	}

	if d.cfg.WaitForCredit {
		if err := d.credits.Acquire(d.ctx); err != nil {
			return media.InvalidInputf("session closed while waiting for credit")
		}
	} else if !d.credits.TryAcquire() {
		return media.Backpressuref("in-flight credits exhausted (%d)", d.credits.Max())
	}

	w := decodeWork{sample: s, gen: d.gen.Load()}
	if err := d.subQ.TryPush(w); err != nil {
		d.credits.Release()
		return media.Backpressuref("submit queue full")
	}
	d.stats.RecordSubmit(time.Since(start))
	d.stats.RecordCopyBytes(len(s.Bytes))
	return nil
}

// TryReap returns the next decoded output without blocking.
func (d *Decoder) TryReap() (media.DecodedFrame, bool, error) {
	o, ok := d.sched.TryReap()
	if !ok {
		return media.DecodedFrame{}, false, d.fatalErr()
	}
	return o.Frame, o.Err == nil, o.Err
}

// ReapTimeout blocks up to dur for the next decoded output.
func (d *Decoder) ReapTimeout(dur time.Duration) (media.DecodedFrame, bool, error) {
	o, ok := d.sched.ReapTimeout(dur)
	if !ok {
		return media.DecodedFrame{}, false, d.fatalErr()
	}
	return o.Frame, o.Err == nil, o.Err
}

// Flush signals end of stream, waits for every in-flight unit to reach
// the output queue, and returns all pending outputs. The session
// remains usable for the next cycle.
func (d *Decoder) Flush() ([]media.DecodedFrame, error) {
	if err := d.fatalErr(); err != nil {
		return nil, err
	}
	if d.State() == StateClosed || d.State() == StateIdle {
		return nil, media.InvalidInputf("session is %s", d.State())
	}

	eosDone := make(chan struct{})
	w := decodeWork{eos: true, eosDone: eosDone}
	for {
		if err := d.subQ.TryPush(w); err == nil {
			break
		} else if errors.Is(err, queue.ErrClosed) {
			return nil, media.InvalidInputf("session is closed")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-eosDone:
	case <-d.shutdown:
		return nil, media.InvalidInputf("session closed during flush")
	}

	// The submit queue is FIFO, so eosDone implies every earlier
	// submission reached the vendor; now wait for their outputs.
	for d.outstanding.Load() > 0 || d.sched.Unsequenced() > 0 {
		if err := d.fatalErr(); err != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	var out []media.DecodedFrame
	var firstErr error
	for {
		o, ok := d.sched.TryReap()
		if !ok {
			break
		}
		if o.Err != nil {
			if firstErr == nil {
				firstErr = o.Err
			}
			continue
		}
		out = append(out, o.Frame)
	}
	if firstErr == nil {
		firstErr = d.fatalErr()
	}
	return out, firstErr
}

// RequestSwitch applies a session switch in the requested mode.
func (d *Decoder) RequestSwitch(req media.SessionSwitchRequest) error {
	if err := d.fatalErr(); err != nil {
		return err
	}
	if d.State() != StateRunning {
		return media.InvalidInputf("cannot switch while session is %s", d.State())
	}
	if req.Target.Dims != (media.Dimensions{}) && !req.Target.Dims.Valid() {
		return media.InvalidInputf("switch target dimensions %s", req.Target.Dims)
	}

	switch req.Mode {
	case media.SwitchImmediate:
		d.mu.Lock()
		d.commitSwitchLocked(req.Target, true)
		d.mu.Unlock()
		return nil

	case media.SwitchOnNextKeyframe:
		d.mu.Lock()
		r := req
		d.pendingSwitch = &r
		d.mu.Unlock()
		return nil

	case media.SwitchDrainThenSwap:
		d.state.Store(int32(StateSwitchPending))
		for d.subQ.Depth() > 0 || d.outstanding.Load() > 0 || d.sched.Unsequenced() > 0 {
			if err := d.fatalErr(); err != nil {
				d.state.Store(int32(StateRunning))
				return err
			}
			time.Sleep(2 * time.Millisecond)
		}
		d.mu.Lock()
		d.commitSwitchLocked(req.Target, false)
		d.mu.Unlock()
		d.state.Store(int32(StateRunning))
		return nil

	default:
		return media.InvalidInputf("unknown switch mode %d", int(req.Mode))
	}
}

// commitSwitchLocked bumps the generation and marks the vendor session
// for rebuild at the next submission. When retire is set (immediate
// mode), everything produced under prior generations is discarded;
// otherwise in-flight outputs stay consumable.
func (d *Decoder) commitSwitchLocked(target media.SessionConfig, retire bool) {
	g := d.gen.Add(1)
	d.sched.SetGeneration(g)
	if retire {
		d.sched.RetireBelow(g)
		d.sched.DrainStale()
	}

	if target.Codec != d.cfg.Codec {
		d.cache = bitstream.NewParamSetCache(target.Codec)
	}
	d.cfg.Codec = target.Codec
	if target.Dims.Valid() {
		d.cfg.Dims = target.Dims
	}
	d.reconfigure = true
	d.log.Info("decode session switch committed",
		"generation", g, "codec", d.cfg.Codec.String(), "retired", retire)
}

// Close drains the workers and destroys the vendor session.
func (d *Decoder) Close() error {
	if d.State() == StateClosed {
		return nil
	}
	d.state.Store(int32(StateDraining))
	close(d.shutdown)
	d.cancel()
	d.subQ.Close()
	d.wg.Wait()

	d.mu.Lock()
	dec := d.dec
	d.dec = nil
	d.mu.Unlock()

	var err error
	if dec != nil {
		err = dec.Close()
	}
	d.state.Store(int32(StateClosed))
	d.log.Info("decode session closed")
	return err
}

func (d *Decoder) submitWorker() {
	defer d.wg.Done()
	for {
		w, ok := d.subQ.Pop()
		if !ok {
			return
		}

		select {
		case <-d.shutdown:
			if !w.eos {
				d.credits.Release()
			} else if w.eosDone != nil {
				close(w.eosDone)
			}
			continue
		default:
		}

		if w.eos {
			d.handleEOS(w)
			continue
		}
		if w.gen < d.gen.Load() {
			// Cancelled by an immediate switch: drained without decoding.
			d.credits.Release()
			continue
		}

		d.mu.Lock()
		err := d.ensureDecoderLocked()
		if errors.Is(err, errParamsIncomplete) {
			d.parked = append(d.parked, w)
			d.mu.Unlock()
			continue
		}
		if err != nil {
			d.mu.Unlock()
			d.credits.Release()
			d.recordAsync(err)
			continue
		}
		parked := d.parked
		d.parked = nil
		dec := d.dec
		d.mu.Unlock()

		for _, pw := range parked {
			d.submitOne(dec, pw)
		}
		d.submitOne(dec, w)
	}
}

func (d *Decoder) handleEOS(w decodeWork) {
	d.mu.Lock()
	parked := d.parked
	d.parked = nil
	dec := d.dec
	d.mu.Unlock()

	// Parked submissions can never decode without parameter sets;
	// release their credits so the drain completes.
	if len(parked) > 0 {
		d.log.Warn("dropping parked submissions at flush, parameter sets never completed",
			"count", len(parked))
		for range parked {
			d.credits.Release()
		}
	}

	if dec != nil {
		if err := dec.Flush(); err != nil {
			d.recordAsync(err)
		}
	}
	if w.eosDone != nil {
		close(w.eosDone)
	}
}

// ensureDecoderLocked creates or rebuilds the vendor session once the
// parameter-set cache is complete.
func (d *Decoder) ensureDecoderLocked() error {
	if d.reconfigure && d.dec != nil {
		if err := d.dec.Close(); err != nil {
			d.log.Warn("closing decoder for reconfigure", "error", err)
		}
		d.dec = nil
	}
	d.reconfigure = false
	if d.dec != nil {
		return nil
	}
	if !d.cache.Complete() {
		return errParamsIncomplete
	}

	dims := d.cfg.Dims
	if !dims.Valid() {
		if parsed, ok := d.cache.Dimensions(); ok {
			dims = parsed
		}
	}

	dec, err := d.drv.NewDecoder(backend.DecoderConfig{
		Codec: d.cfg.Codec,
		Dims:  dims,
		ParamSets: backend.ParamSets{
			VPS: d.cache.VPS(),
			SPS: d.cache.SPS(),
			PPS: d.cache.PPS(),
		},
		Log: d.log,
	})
	if err != nil {
		return err
	}
	d.dec = dec
	d.log.Info("vendor decode session created", "dims", dims.String())
	return nil
}

func (d *Decoder) submitOne(dec backend.Decoder, w decodeWork) {
	// Pair the submission before the vendor sees it: its output may
	// arrive on the vendor's thread before Submit returns.
	d.outstanding.Add(1)
	d.inFlightGens.pushBack(flight{gen: w.gen})

	for {
		err := dec.Submit(w.sample)
		if err == nil {
			return
		}
		if errors.Is(err, backend.ErrBusy) {
			select {
			case <-d.shutdown:
			case <-time.After(busyRetryDelayMillis * time.Millisecond):
				continue
			}
		}
		// Withdraw the pairing; no output will ever match it.
		if _, ok := d.inFlightGens.popBack(); ok {
			d.outstanding.Add(-1)
			d.credits.Release()
		}
		if errors.Is(err, backend.ErrBusy) {
			return // shutdown during retry
		}
		if media.IsDeviceLost(err) {
			d.latchFatal(err)
		} else {
			d.recordAsync(err)
		}
		return
	}
}

func (d *Decoder) reapWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			return
		default:
		}

		d.mu.Lock()
		dec := d.dec
		d.mu.Unlock()
		if dec == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		start := time.Now()
		frame, ok, err := dec.Reap(reapPollMillis * time.Millisecond)
		if err != nil {
			gen, release := d.popInFlightGen()
			d.sched.SubmitError(err, gen, release)
			if release != nil {
				d.outstanding.Add(-1)
			}
			if media.IsDeviceLost(err) {
				d.latchFatal(err)
				return
			}
			continue
		}
		if !ok {
			continue
		}

		gen, release := d.popInFlightGen()
		d.mu.Lock()
		d.lastDims = frame.Dims
		if frame.PixelFormat != media.PixelFormatUnknown {
			d.lastPix = frame.PixelFormat
		}
		d.mu.Unlock()

		for {
			err := d.sched.Submit(frame, gen, d.color, d.resize, release)
			if err == nil {
				break
			}
			// Transform pipeline full; wait for it to drain rather
			// than lose the frame.
			select {
			case <-d.shutdown:
				return
			case <-time.After(time.Millisecond):
			}
		}
		if release != nil {
			d.outstanding.Add(-1)
		}
		d.stats.RecordReap(time.Since(start))
	}
}

// popInFlightGen pairs one reaped output with the generation its
// submission carried and a credit-release hook invoked when the output
// leaves the pipeline. Submissions flow through the vendor in order, so
// a FIFO is sufficient.
func (d *Decoder) popInFlightGen() (uint64, func()) {
	if f, ok := d.inFlightGens.popFront(); ok {
		return f.gen, d.credits.Release
	}
	return d.gen.Load(), nil
}

func (d *Decoder) latchFatal(err error) {
	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = err
		d.log.Error("session is terminal", "error", err)
	}
	d.mu.Unlock()
}

func (d *Decoder) fatalErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

func (d *Decoder) recordAsync(err error) {
	d.mu.Lock()
	if d.asyncErr == nil {
		d.asyncErr = err
	}
	d.mu.Unlock()
	d.log.Warn("vendor error recorded", "error", err)
}

// takeErr returns the fatal error, or consumes and returns the last
// asynchronous vendor error so it surfaces exactly once.
func (d *Decoder) takeErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal != nil {
		return d.fatal
	}
	if err := d.asyncErr; err != nil {
		d.asyncErr = nil
		return err
	}
	return nil
}
