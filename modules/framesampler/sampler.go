package framesampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VivifySoftIT/PoSync/modules/framesampler/internal/mailbox"
	"github.com/google/uuid"
)

// Callbacks are how a Backend hands results back to the Sampler.
type Callbacks struct {
	// OnFrame receives every captured frame (Seq and TraceID may be empty;
	// the sampler fills them in). Must not block.
	OnFrame func(Frame)
	// OnError reports a failure after Start returned successfully
	// (device unplugged, pipeline error). Must not block.
	OnError func(error)
}

// Backend is a camera implementation (GStreamer, OpenCV, test fakes).
//
// Contract:
//   - Start blocks until the device is streaming or has failed; it must honor
//     ctx cancellation while waiting
//   - After Start returns nil, frames are delivered through cb.OnFrame
//   - Stop releases the device and every buffer; it is idempotent and must be
//     safe to call concurrently with, or before, Start
type Backend interface {
	Start(ctx context.Context, dev Device, cb Callbacks) error
	Stop() error
	Name() string
}

// Config configures a Sampler.
type Config struct {
	// Devices maps facing modes to backend device paths
	Devices DeviceMap
	// FPS is the capture rate requested from the device (0.5-30, default 15)
	FPS float64
	// FirstFrameTimeout, when > 0, makes Acquire wait for the first frame and
	// fail with DeviceError if none arrives in time
	FirstFrameTimeout time.Duration
}

// Sampler owns the media source lifecycle and exposes the latest frame.
//
// At most one acquisition is held at a time. All methods are safe for
// concurrent use.
type Sampler struct {
	backend Backend
	cfg     Config

	mu     sync.Mutex
	nextID uint64
	active *acquisition

	// Statistics (atomic)
	acquires        uint64
	acquireFailures uint64
	releases        uint64
	framesPublished uint64
	framesDropped   uint64
	lastFrameAt     atomic.Int64
}

type acquisition struct {
	handle Handle
	device string
	box    *mailbox.Mailbox[Frame]
	seq    uint64 // atomic

	errMu sync.Mutex
	err   error // set by Backend OnError
}

func (a *acquisition) failure() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// NewSampler creates a sampler over backend with fail-fast validation.
func NewSampler(backend Backend, cfg Config) (*Sampler, error) {
	if backend == nil {
		return nil, fmt.Errorf("framesampler: backend is required")
	}
	if cfg.FPS == 0 {
		cfg.FPS = 15
	}
	if cfg.FPS < 0.5 || cfg.FPS > 30 {
		return nil, fmt.Errorf("framesampler: invalid FPS %.2f (must be 0.5-30)", cfg.FPS)
	}
	if cfg.FirstFrameTimeout < 0 {
		return nil, fmt.Errorf("framesampler: negative first frame timeout %s", cfg.FirstFrameTimeout)
	}

	slog.Info("framesampler: sampler created",
		"backend", backend.Name(),
		"fps", cfg.FPS,
		"first_frame_timeout", cfg.FirstFrameTimeout,
	)

	return &Sampler{backend: backend, cfg: cfg}, nil
}

// Acquire opens the camera selected by req.
//
// Failures are returned as *MediaError (PermissionDenied, NoDeviceFound,
// Unsupported, DeviceError). Whatever was partially opened is released
// before Acquire returns an error, so a failed Acquire can simply be retried.
// Acquire fails fast with ErrBusy while a previous handle is still held.
func (s *Sampler) Acquire(ctx context.Context, req Request) (Handle, error) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return Handle{}, ErrBusy
	}
	s.nextID++
	acq := &acquisition{
		handle: Handle{id: s.nextID},
		device: s.cfg.Devices.Resolve(req.Facing),
		box:    mailbox.New[Frame](),
	}
	s.active = acq
	s.mu.Unlock()

	atomic.AddUint64(&s.acquires, 1)

	width, height := req.Resolution.Width, req.Resolution.Height
	if req.Resolution.IsZero() {
		width, height = Res720p.Width, Res720p.Height
	}
	dev := Device{
		Path:   acq.device,
		Width:  width,
		Height: height,
		FPS:    s.cfg.FPS,
	}

	slog.Info("framesampler: acquiring media source",
		"handle", acq.handle.String(),
		"backend", s.backend.Name(),
		"device", dev.Path,
		"facing", req.Facing.String(),
		"resolution", fmt.Sprintf("%dx%d", width, height),
	)

	cb := Callbacks{
		OnFrame: func(f Frame) { s.publish(acq, f) },
		OnError: func(err error) { s.fail(acq, err) },
	}

	if err := s.backend.Start(ctx, dev, cb); err != nil {
		s.Release(acq.handle)
		return Handle{}, s.acquireFailed(acq, err)
	}

	if s.cfg.FirstFrameTimeout > 0 {
		timer := time.NewTimer(s.cfg.FirstFrameTimeout)
		defer timer.Stop()

		select {
		case <-acq.box.Ready():
		case <-timer.C:
			s.Release(acq.handle)
			return Handle{}, s.acquireFailed(acq, &MediaError{
				Kind:   DeviceError,
				Device: dev.Path,
				Err:    fmt.Errorf("no frame received within %s", s.cfg.FirstFrameTimeout),
			})
		case <-ctx.Done():
			s.Release(acq.handle)
			return Handle{}, s.acquireFailed(acq, ctx.Err())
		}
	}

	// Release may have run while the backend was starting; make sure the
	// device it just opened does not outlive the handle.
	if !s.holds(acq.handle) {
		if err := s.backend.Stop(); err != nil {
			slog.Warn("framesampler: stop after concurrent release failed", "error", err)
		}
		atomic.AddUint64(&s.acquireFailures, 1)
		return Handle{}, ErrReleased
	}

	slog.Info("framesampler: media source acquired",
		"handle", acq.handle.String(),
		"device", dev.Path,
	)
	return acq.handle, nil
}

func (s *Sampler) acquireFailed(acq *acquisition, err error) error {
	atomic.AddUint64(&s.acquireFailures, 1)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Info("framesampler: acquire cancelled", "handle", acq.handle.String())
		return err
	}

	me := AsMediaError(acq.device, err)
	slog.Error("framesampler: acquire failed",
		"handle", acq.handle.String(),
		"device", acq.device,
		"kind", me.Kind.String(),
		"error", me.Err,
	)
	return me
}

// CurrentFrame returns the most recent frame for h without blocking.
//
// Returns ErrNotReady until the source produced its first full frame,
// ErrReleased when h is no longer held, or a *MediaError when the device
// failed while streaming.
func (s *Sampler) CurrentFrame(h Handle) (Frame, error) {
	s.mu.Lock()
	acq := s.active
	s.mu.Unlock()

	if acq == nil || acq.handle != h {
		return Frame{}, ErrReleased
	}
	if err := acq.failure(); err != nil {
		return Frame{}, err
	}

	f, ok := acq.box.Latest()
	if !ok {
		return Frame{}, ErrNotReady
	}
	return f, nil
}

// Release stops the device behind h and frees its buffers.
//
// Safe on every path: releasing a zero handle, a stale handle or the same
// handle twice is a no-op.
func (s *Sampler) Release(h Handle) {
	s.mu.Lock()
	acq := s.active
	if acq == nil || acq.handle != h {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.mu.Unlock()

	acq.box.Close()
	atomic.AddUint64(&s.framesDropped, acq.box.Drops())

	if err := s.backend.Stop(); err != nil {
		slog.Error("framesampler: backend stop failed",
			"handle", h.String(),
			"error", err,
		)
	}

	atomic.AddUint64(&s.releases, 1)
	slog.Info("framesampler: media source released",
		"handle", h.String(),
		"frames", atomic.LoadUint64(&acq.seq),
	)
}

// Held reports whether any handle is currently held.
func (s *Sampler) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Sampler) holds(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.handle == h
}

// Stats returns a snapshot of sampler counters.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	acq := s.active
	s.mu.Unlock()

	dropped := atomic.LoadUint64(&s.framesDropped)
	if acq != nil {
		dropped += acq.box.Drops()
	}

	var last time.Time
	if ns := s.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		Acquires:        atomic.LoadUint64(&s.acquires),
		AcquireFailures: atomic.LoadUint64(&s.acquireFailures),
		Releases:        atomic.LoadUint64(&s.releases),
		FramesPublished: atomic.LoadUint64(&s.framesPublished),
		FramesDropped:   dropped,
		LastFrameAt:     last,
		Active:          acq != nil,
	}
}

func (s *Sampler) publish(acq *acquisition, f Frame) {
	f.Seq = atomic.AddUint64(&acq.seq, 1)
	if f.TraceID == "" {
		f.TraceID = uuid.New().String()
	}
	if f.Source == "" {
		f.Source = acq.device
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	if !acq.box.Put(f) {
		return // released
	}
	atomic.AddUint64(&s.framesPublished, 1)
	s.lastFrameAt.Store(f.Timestamp.UnixNano())
}

func (s *Sampler) fail(acq *acquisition, err error) {
	me := AsMediaError(acq.device, err)

	acq.errMu.Lock()
	if acq.err == nil {
		acq.err = me
	}
	acq.errMu.Unlock()

	slog.Error("framesampler: media source failed while streaming",
		"handle", acq.handle.String(),
		"device", acq.device,
		"kind", me.Kind.String(),
		"error", err,
	)
}
