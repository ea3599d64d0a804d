package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/VivifySoftIT/PoSync/modules/decodeloop"
	"github.com/VivifySoftIT/PoSync/modules/framesampler"
	"github.com/VivifySoftIT/PoSync/modules/identifier"
	"github.com/VivifySoftIT/PoSync/modules/posync"
)

var (
	// ErrAlreadyScanning is returned when a camera session is already active.
	ErrAlreadyScanning = errors.New("session: already scanning")
	// ErrSessionClosed is returned by Open when Close won the race with Acquire.
	ErrSessionClosed = errors.New("session: closed while acquiring")
	// ErrNoCodeFound is returned by ScanImage when the image holds no symbol.
	ErrNoCodeFound = errors.New("session: no code found in image")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("session: controller shut down")
	// ErrNoIdentifier is returned when a reference yields no identifier.
	ErrNoIdentifier = errors.New("session: no identifier")
)

// MediaSource is the acquire/release side of the frame sampler.
type MediaSource interface {
	Acquire(ctx context.Context, req framesampler.Request) (framesampler.Handle, error)
	Release(h framesampler.Handle)
}

// DecodeLoop is the continuous decoder driven by a session.
type DecodeLoop interface {
	Start(ctx context.Context, h framesampler.Handle, cb decodeloop.Callbacks) error
	Stop()
}

// Gateway is the remote purchase-order service.
type Gateway interface {
	Lookup(ctx context.Context, identifier string) (*posync.PurchaseOrderRecord, error)
	UpdateQuantity(ctx context.Context, identifier string, qty int) (posync.Ack, error)
}

// Config configures a Controller.
type Config struct {
	// Request selects the camera for Open
	Request framesampler.Request
	// LookupTimeout bounds each gateway call (default 15s)
	LookupTimeout time.Duration
	// Extractor derives identifiers (default identifier.NewExtractor())
	Extractor *identifier.Extractor
	// ImageDecoder decodes static images (default QR decoder, try-harder)
	ImageDecoder decodeloop.Decoder
}

// Result is the outcome of the most recent decode or lookup.
type Result struct {
	SessionID  string                      `json:"session_id,omitempty"`
	Source     Source                      `json:"source"`
	Payload    string                      `json:"payload,omitempty"`
	Identifier string                      `json:"identifier"`
	Record     *posync.PurchaseOrderRecord `json:"record,omitempty"`
	Pending    bool                        `json:"pending"`
	Error      string                      `json:"error,omitempty"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	SessionID  string    `json:"session_id,omitempty"`
	Generation uint64    `json:"generation"`
	Status     Status    `json:"status"`
	Holding    bool      `json:"holding"`
	Handle     string    `json:"handle,omitempty"`
	Error      string    `json:"error,omitempty"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
	Last       *Result   `json:"last,omitempty"`
}

// Stats contains controller counters.
type Stats struct {
	Opens           uint64
	AcquireFailures uint64
	Decodes         uint64
	StaleCallbacks  uint64
	Releases        uint64
	Closes          uint64
	Lookups         uint64
	LookupFailures  uint64
	Updates         uint64
}

// Controller owns the scan session state machine.
//
// Exactly one session may hold the camera at a time. The camera is held iff
// the status is Acquiring, Ready or Scanning; every transition out of those
// states stops the decode loop and releases the handle exactly once.
//
// Decode-loop callbacks carry the generation they were started with and are
// discarded once the generation or status has moved on.
//
// Thread-safety: all methods are safe for concurrent use.
type Controller struct {
	source    MediaSource
	loop      DecodeLoop
	gateway   Gateway
	cfg       Config
	extractor *identifier.Extractor
	decoder   decodeloop.Decoder

	ctx    context.Context // controller lifetime (loop runs, lookups)
	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	generation    uint64
	sessionID     string
	openedAt      time.Time
	handle        framesampler.Handle
	held          bool
	acquireCancel context.CancelFunc
	acquireDone   chan struct{} // closed once the latest Open's Acquire has unwound
	lastErr       error
	last          *Result
	shutdown      bool
	observers     []Observer

	lookups sync.WaitGroup

	// Statistics (atomic)
	opens           uint64
	acquireFailures uint64
	decodes         uint64
	staleCallbacks  uint64
	releases        uint64
	closes          uint64
	lookupCount     uint64
	lookupFailures  uint64
	updates         uint64
}

// New creates a controller with fail-fast validation.
func New(source MediaSource, loop DecodeLoop, gateway Gateway, cfg Config) (*Controller, error) {
	if source == nil {
		return nil, fmt.Errorf("session: media source is required")
	}
	if loop == nil {
		return nil, fmt.Errorf("session: decode loop is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("session: gateway is required")
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = 15 * time.Second
	}
	if cfg.LookupTimeout < 0 {
		return nil, fmt.Errorf("session: invalid lookup timeout %s", cfg.LookupTimeout)
	}

	ext := cfg.Extractor
	if ext == nil {
		ext = identifier.NewExtractor()
	}
	dec := cfg.ImageDecoder
	if dec == nil {
		dec = decodeloop.NewQRDecoder(decodeloop.QROptions{TryHarder: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		source:    source,
		loop:      loop,
		gateway:   gateway,
		cfg:       cfg,
		extractor: ext,
		decoder:   dec,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Subscribe registers an observer for all future events.
func (c *Controller) Subscribe(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Open starts a camera session: acquire the media source, then start the
// decode loop.
//
// Fails with ErrAlreadyScanning (and no side effects) while a session is
// active. An acquisition failure leaves the session Failed with nothing held
// and returns the *framesampler.MediaError. If Close runs while Acquire is
// in flight, the late handle is released and ErrSessionClosed returned; a
// following Open waits for that release before acquiring again.
func (c *Controller) Open(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return c.Snapshot(), ErrShutdown
	}
	if c.status.Active() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrAlreadyScanning
	}

	c.generation++
	gen := c.generation
	c.sessionID = uuid.NewString()
	c.status = Acquiring
	c.openedAt = time.Now()
	c.lastErr = nil
	acqCtx, cancel := context.WithCancel(ctx)
	c.acquireCancel = cancel
	superseded := c.acquireDone
	done := make(chan struct{})
	c.acquireDone = done
	ev := c.eventLocked(EventOpened)
	c.mu.Unlock()
	defer close(done)

	atomic.AddUint64(&c.opens, 1)
	slog.Info("session: opened",
		"session_id", ev.SessionID,
		"generation", gen,
		"facing", c.cfg.Request.Facing.String(),
		"resolution", c.cfg.Request.Resolution.String(),
	)
	c.emit(ev)

	var h framesampler.Handle
	err := awaitAcquire(acqCtx, superseded)
	if err == nil {
		h, err = c.source.Acquire(acqCtx, c.cfg.Request)
	}
	cancel()

	c.mu.Lock()
	if c.generation != gen || c.status != Acquiring {
		c.mu.Unlock()
		if err == nil {
			c.release(h, gen)
		}
		slog.Info("session: closed while acquiring", "generation", gen)
		return c.Snapshot(), ErrSessionClosed
	}
	c.acquireCancel = nil

	if err != nil {
		c.status = Failed
		c.lastErr = err
		ev := c.eventLocked(EventAcquireFailed)
		snap := c.snapshotLocked()
		c.mu.Unlock()

		atomic.AddUint64(&c.acquireFailures, 1)
		slog.Warn("session: acquire failed",
			"session_id", ev.SessionID,
			"generation", gen,
			"error", err,
		)
		c.emit(ev)
		return snap, err
	}

	c.handle = h
	c.held = true
	c.status = Ready

	err = c.loop.Start(c.ctx, h, decodeloop.Callbacks{
		OnDecoded: func(payload string) { c.onDecoded(gen, payload) },
		OnSuspend: func(err error) { c.onSuspend(gen, err) },
	})
	if err != nil {
		c.status = Failed
		c.lastErr = err
		c.held = false
		c.handle = framesampler.Handle{}
		ev := c.eventLocked(EventAcquireFailed)
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.release(h, gen)
		c.emit(ev)
		return snap, fmt.Errorf("session: start decode loop: %w", err)
	}

	c.status = Scanning
	ev = c.eventLocked(EventScanning)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	slog.Info("session: scanning", "session_id", ev.SessionID, "generation", gen, "handle", h.String())
	c.emit(ev)
	return snap, nil
}

// awaitAcquire blocks until a superseded acquisition has given the camera
// back, so a quick reopen does not collide with it.
func awaitAcquire(ctx context.Context, superseded <-chan struct{}) error {
	if superseded == nil {
		return nil
	}
	select {
	case <-superseded:
		return nil
	default:
	}
	slog.Debug("session: waiting for superseded acquire to unwind")
	select {
	case <-superseded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the current session from any state: stops the decode loop,
// cancels a pending acquisition, releases the camera if held and moves to
// Closed. Calling it again is harmless.
func (c *Controller) Close() {
	c.mu.Lock()
	prev := c.status
	gen := c.generation
	h, held := c.handle, c.held
	if c.acquireCancel != nil {
		c.acquireCancel()
		c.acquireCancel = nil
	}
	c.held = false
	c.handle = framesampler.Handle{}
	c.status = Closed
	ev := c.eventLocked(EventClosed)
	c.mu.Unlock()

	c.loop.Stop()
	if held {
		c.release(h, gen)
	}

	if prev == Closed {
		return
	}
	atomic.AddUint64(&c.closes, 1)
	slog.Info("session: closed",
		"session_id", ev.SessionID,
		"generation", gen,
		"from", prev.String(),
		"released", held,
	)
	c.emit(ev)
}

// onDecoded is the decode loop's callback for generation gen.
func (c *Controller) onDecoded(gen uint64, payload string) {
	c.mu.Lock()
	if gen != c.generation || c.status != Scanning {
		status := c.status
		c.mu.Unlock()
		atomic.AddUint64(&c.staleCallbacks, 1)
		slog.Debug("session: discarding stale decode",
			"generation", gen,
			"current_generation", c.Generation(),
			"status", status.String(),
		)
		return
	}

	h := c.handle
	c.held = false
	c.handle = framesampler.Handle{}
	c.status = Decoded

	id := c.extractor.Extract(payload)
	res := &Result{
		SessionID:  c.sessionID,
		Source:     SourceCamera,
		Payload:    payload,
		Identifier: id,
		Pending:    true,
		Timestamp:  time.Now(),
	}
	c.last = res
	ev := c.eventLocked(EventDecoded)
	ev.Source = SourceCamera
	ev.Payload = payload
	ev.Identifier = id
	c.lookups.Add(1)
	c.mu.Unlock()

	c.loop.Stop()
	c.release(h, gen)

	atomic.AddUint64(&c.decodes, 1)
	slog.Info("session: decoded",
		"session_id", ev.SessionID,
		"generation", gen,
		"identifier", id,
	)
	c.emit(ev)

	go c.lookupAsync(gen, ev.SessionID, id)
}

// onSuspend is the decode loop's callback when the frame source fails.
func (c *Controller) onSuspend(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.status != Scanning {
		c.mu.Unlock()
		atomic.AddUint64(&c.staleCallbacks, 1)
		return
	}
	h := c.handle
	c.held = false
	c.handle = framesampler.Handle{}
	c.status = Failed
	c.lastErr = err
	ev := c.eventLocked(EventSuspended)
	c.mu.Unlock()

	c.loop.Stop()
	c.release(h, gen)

	slog.Warn("session: camera lost while scanning",
		"session_id", ev.SessionID,
		"generation", gen,
		"error", err,
	)
	c.emit(ev)
}

// lookupAsync resolves a camera decode. The result is only stored if no newer
// session replaced the one that produced it.
func (c *Controller) lookupAsync(gen uint64, sessionID, id string) {
	defer c.lookups.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.LookupTimeout)
	defer cancel()

	rec, err := c.lookup(ctx, id)

	c.mu.Lock()
	current := c.generation == gen
	if current && c.last != nil && c.last.SessionID == sessionID {
		c.last = settle(c.last, rec, err)
	}
	c.mu.Unlock()

	if !current {
		slog.Debug("session: lookup finished for superseded session", "generation", gen)
	}
	c.emitLookup(gen, sessionID, SourceCamera, id, rec, err)
}

// AutoLookup resolves an identifier carried by a page address or a raw
// reference, without opening the camera. The status stays as it is.
func (c *Controller) AutoLookup(ctx context.Context, reference string) (Result, error) {
	if err := c.checkIdle(); err != nil {
		return Result{}, err
	}

	id := c.extractor.Extract(reference)
	if id == "" {
		return Result{Source: SourceReference}, ErrNoIdentifier
	}
	return c.resolve(ctx, SourceReference, reference, id)
}

// ScanImage decodes a static image once and resolves the identifier it
// carries. No camera session is involved.
func (c *Controller) ScanImage(ctx context.Context, img image.Image) (Result, error) {
	if err := c.checkIdle(); err != nil {
		return Result{}, err
	}
	return c.scanFrame(ctx, framesampler.FrameFromImage(img))
}

// ScanImageReader is ScanImage for an encoded JPEG, PNG or GIF stream.
func (c *Controller) ScanImageReader(ctx context.Context, r io.Reader) (Result, error) {
	if err := c.checkIdle(); err != nil {
		return Result{}, err
	}
	frame, err := framesampler.LoadImage(r)
	if err != nil {
		return Result{Source: SourceImage}, err
	}
	return c.scanFrame(ctx, frame)
}

func (c *Controller) scanFrame(ctx context.Context, frame framesampler.Frame) (Result, error) {
	res, err := c.decodeOnce(frame)
	if err != nil {
		slog.Warn("session: image decoder failed", "source", frame.Source, "error", err)
	}
	if !res.Found {
		return Result{Source: SourceImage}, ErrNoCodeFound
	}

	id := c.extractor.Extract(res.Payload)

	c.mu.Lock()
	ev := c.eventLocked(EventDecoded)
	c.mu.Unlock()
	ev.SessionID = ""
	ev.Source = SourceImage
	ev.Payload = res.Payload
	ev.Identifier = id
	atomic.AddUint64(&c.decodes, 1)
	c.emit(ev)

	return c.resolve(ctx, SourceImage, res.Payload, id)
}

// decodeOnce runs the image decoder, turning a panic into NotFound.
func (c *Controller) decodeOnce(frame framesampler.Frame) (res decodeloop.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = decodeloop.NotFound, fmt.Errorf("session: decoder panicked: %v", r)
		}
	}()
	return c.decoder.Decode(frame)
}

// resolve runs a synchronous lookup for the image and reference paths.
func (c *Controller) resolve(ctx context.Context, src Source, payload, id string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	rec, err := c.lookup(ctx, id)
	res := settle(&Result{
		Source:     src,
		Payload:    payload,
		Identifier: id,
		Timestamp:  time.Now(),
	}, rec, err)

	c.mu.Lock()
	c.last = res
	gen := c.generation
	c.mu.Unlock()

	c.emitLookup(gen, "", src, id, rec, err)
	return *res, err
}

func (c *Controller) lookup(ctx context.Context, id string) (*posync.PurchaseOrderRecord, error) {
	atomic.AddUint64(&c.lookupCount, 1)
	rec, err := c.gateway.Lookup(ctx, id)
	if err != nil {
		atomic.AddUint64(&c.lookupFailures, 1)
		slog.Warn("session: lookup failed", "identifier", id, "error", err)
		return nil, err
	}
	return rec, nil
}

// UpdateQuantity validates raw locally, sends the update and, when the last
// result is for the same identifier, applies the new quantity to its record.
// An empty identifier means the identifier of the last result.
func (c *Controller) UpdateQuantity(ctx context.Context, id, raw string) (posync.Ack, error) {
	qty, err := posync.ParseQuantity(raw)
	if err != nil {
		return posync.Ack{}, err
	}

	if id == "" {
		c.mu.Lock()
		if c.last != nil {
			id = c.last.Identifier
		}
		c.mu.Unlock()
	}
	if id == "" {
		return posync.Ack{}, ErrNoIdentifier
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	ack, err := c.gateway.UpdateQuantity(ctx, id, qty)
	if err != nil {
		return posync.Ack{}, err
	}
	atomic.AddUint64(&c.updates, 1)

	c.mu.Lock()
	var rec *posync.PurchaseOrderRecord
	if c.last != nil && c.last.Identifier == id && c.last.Record != nil {
		updated := *c.last
		r := *c.last.Record
		r.ApplyQuantity(qty)
		updated.Record = &r
		c.last = &updated
		rec = &r
	}
	ev := c.eventLocked(EventQuantityUpdated)
	c.mu.Unlock()

	ev.Identifier = id
	ev.Quantity = qty
	ev.Record = rec
	slog.Info("session: quantity updated", "identifier", id, "quantity", qty)
	c.emit(ev)
	return ack, nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Generation returns the current session generation.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Shutdown closes the session, waits for in-flight lookups and rejects
// further Opens. It returns ctx.Err() if lookups did not finish in time.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()

	c.Close()

	done := make(chan struct{})
	go func() {
		c.lookups.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		slog.Info("session: controller shut down")
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Opens:           atomic.LoadUint64(&c.opens),
		AcquireFailures: atomic.LoadUint64(&c.acquireFailures),
		Decodes:         atomic.LoadUint64(&c.decodes),
		StaleCallbacks:  atomic.LoadUint64(&c.staleCallbacks),
		Releases:        atomic.LoadUint64(&c.releases),
		Closes:          atomic.LoadUint64(&c.closes),
		Lookups:         atomic.LoadUint64(&c.lookupCount),
		LookupFailures:  atomic.LoadUint64(&c.lookupFailures),
		Updates:         atomic.LoadUint64(&c.updates),
	}
}

func (c *Controller) checkIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}
	if c.status.Active() {
		return ErrAlreadyScanning
	}
	return nil
}

func (c *Controller) release(h framesampler.Handle, gen uint64) {
	c.source.Release(h)
	atomic.AddUint64(&c.releases, 1)
	slog.Debug("session: camera released", "generation", gen, "handle", h.String())
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  c.sessionID,
		Generation: c.generation,
		Status:     c.status,
		Holding:    c.held,
		OpenedAt:   c.openedAt,
	}
	if c.held {
		snap.Handle = c.handle.String()
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	if c.last != nil {
		last := *c.last
		snap.Last = &last
	}
	return snap
}

func (c *Controller) eventLocked(t EventType) Event {
	e := Event{
		Type:       t,
		SessionID:  c.sessionID,
		Generation: c.generation,
		Status:     c.status,
		Timestamp:  time.Now(),
	}
	if c.lastErr != nil && (t == EventAcquireFailed || t == EventSuspended) {
		e.Error = c.lastErr.Error()
	}
	return e
}

func (c *Controller) emitLookup(gen uint64, sessionID string, src Source, id string, rec *posync.PurchaseOrderRecord, err error) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	ev := Event{
		Type:       EventLookupSucceeded,
		SessionID:  sessionID,
		Generation: gen,
		Status:     status,
		Source:     src,
		Identifier: id,
		Record:     rec,
		Timestamp:  time.Now(),
	}
	if err != nil {
		ev.Type = EventLookupFailed
		ev.Error = err.Error()
	}
	c.emit(ev)
}

func (c *Controller) emit(e Event) {
	c.mu.Lock()
	observers := c.observers
	c.mu.Unlock()

	for _, o := range observers {
		o.OnEvent(e)
	}
}

// settle copies res with the lookup outcome filled in.
func settle(res *Result, rec *posync.PurchaseOrderRecord, err error) *Result {
	out := *res
	out.Pending = false
	out.Record = rec
	out.Error = ""
	if err != nil {
		out.Error = err.Error()
	}
	return &out
}
