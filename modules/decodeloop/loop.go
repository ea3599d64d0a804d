package decodeloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VivifySoftIT/PoSync/modules/framesampler"
)

// Cadence bounds for the decode tick.
const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 500 * time.Millisecond
	DefaultInterval = 200 * time.Millisecond
)

// ErrAlreadyRunning is returned by Start when a poller is already active.
var ErrAlreadyRunning = errors.New("decodeloop: loop already running")

// FrameSource is the pull side of the frame sampler.
type FrameSource interface {
	CurrentFrame(h framesampler.Handle) (framesampler.Frame, error)
}

// State is the loop state.
type State int

const (
	// Stopped: no poller, no ticks
	Stopped State = iota
	// Running: ticking and decoding
	Running
	// Suspended: the frame source failed; waiting for Stop
	Suspended
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Config configures a Loop.
type Config struct {
	// Interval between ticks (100-500ms, default 200ms)
	Interval time.Duration
	// CropRatio, when in (0,1), decodes only a centred region of that
	// fraction of the declared width/height
	CropRatio float64
}

// Callbacks receive the outcome of a run. Both are called from the loop
// goroutine after the loop already left Running, so they may call Stop.
type Callbacks struct {
	// OnDecoded fires at most once per Start with the accepted payload
	OnDecoded func(payload string)
	// OnSuspend fires when the frame source fails (device lost, handle
	// released underneath the loop)
	OnSuspend func(err error)
}

// Loop repeatedly samples the current frame and decodes it until the first
// symbol is found (stop-on-first-decode).
//
// Goroutine topology: one poller per Start, exiting on Stop, on the first
// accepted decode, on suspension or when the Start context is cancelled.
// A poller started after Stop waits for the previous poller to finish its
// in-flight tick, so two pollers never tick concurrently.
//
// Thread-safety: all methods are safe for concurrent use.
type Loop struct {
	source  FrameSource
	decoder Decoder
	cfg     Config

	mu       sync.Mutex
	state    State
	runID    uint64
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen string // LastSeenPayload of the current run
	seen     bool   // lastSeen holds an accepted payload, which may be ""

	// Statistics (atomic)
	ticks               uint64
	notReady            uint64
	staleFrames         uint64
	attempts            uint64
	found               uint64
	duplicates          uint64
	decoderFailures     uint64
	dimensionMismatches uint64
	runs                uint64
}

// New creates a loop with fail-fast validation.
func New(source FrameSource, decoder Decoder, cfg Config) (*Loop, error) {
	if source == nil {
		return nil, fmt.Errorf("decodeloop: frame source is required")
	}
	if decoder == nil {
		return nil, fmt.Errorf("decodeloop: decoder is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval || cfg.Interval > MaxInterval {
		return nil, fmt.Errorf(
			"decodeloop: invalid interval %s (must be %s-%s)",
			cfg.Interval, MinInterval, MaxInterval,
		)
	}
	if cfg.CropRatio < 0 || cfg.CropRatio > 1 {
		return nil, fmt.Errorf("decodeloop: invalid crop ratio %.2f (must be 0-1)", cfg.CropRatio)
	}

	return &Loop{
		source:  source,
		decoder: decoder,
		cfg:     cfg,
	}, nil
}

// Start launches the poller for handle h.
//
// Stopped → Running only; while Running or Suspended the call is rejected
// with ErrAlreadyRunning and changes nothing. LastSeenPayload is reset.
func (l *Loop) Start(ctx context.Context, h framesampler.Handle, cb Callbacks) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Stopped {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	prev := l.done
	done := make(chan struct{})

	l.runID++
	l.state = Running
	l.cancel = cancel
	l.done = done
	l.lastSeen = ""
	l.seen = false
	atomic.AddUint64(&l.runs, 1)

	go l.run(runCtx, l.runID, h, cb, prev, done)

	slog.Debug("decodeloop: started",
		"run", l.runID,
		"handle", h.String(),
		"interval", l.cfg.Interval,
	)
	return nil
}

// Stop moves the loop to Stopped and cancels the pending tick.
//
// Idempotent and non-blocking: a decode already in flight completes, but its
// result is discarded. Safe to call from Callbacks.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Stopped {
		return
	}
	prev := l.state
	l.state = Stopped
	l.cancel()

	slog.Debug("decodeloop: stopped", "run", l.runID, "from", prev.String())
}

// Done is closed when the poller of the most recent Start has exited.
// Returns nil if Start was never called.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastSeenPayload returns the payload accepted by the current run, if any.
func (l *Loop) LastSeenPayload() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

func (l *Loop) run(ctx context.Context, id uint64, h framesampler.Handle, cb Callbacks, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer l.exitRun(id)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !l.tick(id, h, cb, &lastSeq) {
			return
		}
	}
}

// exitRun stops a run that ended because its context was cancelled.
func (l *Loop) exitRun(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runID == id && l.state == Running {
		l.state = Stopped
		l.cancel()
	}
}

// tick runs one sample-decode step. Returns false when the run is over.
func (l *Loop) tick(id uint64, h framesampler.Handle, cb Callbacks, lastSeq *uint64) bool {
	if !l.isCurrent(id) {
		return false
	}
	atomic.AddUint64(&l.ticks, 1)

	frame, err := l.source.CurrentFrame(h)
	switch {
	case errors.Is(err, framesampler.ErrNotReady):
		atomic.AddUint64(&l.notReady, 1)
		return true
	case err != nil:
		l.suspend(id, err, cb)
		return false
	}

	if frame.Seq != 0 && frame.Seq == *lastSeq {
		atomic.AddUint64(&l.staleFrames, 1)
		return true
	}
	*lastSeq = frame.Seq

	if err := frame.Validate(); err != nil {
		atomic.AddUint64(&l.dimensionMismatches, 1)
		slog.Warn("decodeloop: frame rejected",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return true
	}

	region := cropCenter(frame, l.cfg.CropRatio)
	res := l.decode(region)
	if !res.Found {
		return true
	}
	atomic.AddUint64(&l.found, 1)

	l.mu.Lock()
	if l.runID != id || l.state != Running {
		// Stopped while this tick was decoding
		l.mu.Unlock()
		slog.Debug("decodeloop: discarding decode from stopped run", "run", id)
		return false
	}
	if l.seen && res.Payload == l.lastSeen {
		l.mu.Unlock()
		atomic.AddUint64(&l.duplicates, 1)
		return true
	}
	l.lastSeen = res.Payload
	l.seen = true
	l.state = Stopped
	l.cancel()
	l.mu.Unlock()

	slog.Info("decodeloop: symbol decoded",
		"run", id,
		"seq", frame.Seq,
		"trace_id", frame.TraceID,
		"payload_len", len(res.Payload),
	)

	if cb.OnDecoded != nil {
		cb.OnDecoded(res.Payload)
	}
	return false
}

// decode invokes the decoder, turning errors and panics into NotFound.
func (l *Loop) decode(frame framesampler.Frame) (res Result) {
	atomic.AddUint64(&l.attempts, 1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&l.decoderFailures, 1)
			slog.Error("decodeloop: decoder panicked",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"panic", fmt.Sprint(r),
			)
			res = NotFound
		}
	}()

	res, err := l.decoder.Decode(frame)
	if err != nil {
		atomic.AddUint64(&l.decoderFailures, 1)
		slog.Warn("decodeloop: decoder failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return NotFound
	}
	return res
}

func (l *Loop) suspend(id uint64, err error, cb Callbacks) {
	l.mu.Lock()
	if l.runID != id || l.state != Running {
		l.mu.Unlock()
		return
	}
	l.state = Suspended
	l.cancel()
	l.mu.Unlock()

	slog.Warn("decodeloop: suspended on frame source error", "run", id, "error", err)

	if cb.OnSuspend != nil {
		cb.OnSuspend(err)
	}
}

func (l *Loop) isCurrent(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID == id && l.state == Running
}

// cropCenter returns the centred ratio×ratio region of f, computed from the
// frame's declared dimensions. A ratio outside (0,1) returns f unchanged.
func cropCenter(f framesampler.Frame, ratio float64) framesampler.Frame {
	if ratio <= 0 || ratio >= 1 {
		return f
	}

	cw := int(float64(f.Width) * ratio)
	ch := int(float64(f.Height) * ratio)
	if cw <= 0 || ch <= 0 {
		return f
	}

	bpp := f.Format.BytesPerPixel()
	x0 := (f.Width - cw) / 2
	y0 := (f.Height - ch) / 2
	srcStride := f.Width * bpp
	dstStride := cw * bpp

	data := make([]byte, dstStride*ch)
	for y := 0; y < ch; y++ {
		src := (y0+y)*srcStride + x0*bpp
		copy(data[y*dstStride:(y+1)*dstStride], f.Data[src:src+dstStride])
	}

	out := f
	out.Width = cw
	out.Height = ch
	out.Data = data
	return out
}
