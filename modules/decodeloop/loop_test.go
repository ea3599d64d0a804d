package decodeloop_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VivifySoftIT/PoSync/modules/decodeloop"
	"github.com/VivifySoftIT/PoSync/modules/framesampler"
)

// fakeSource hands out a fresh 4x4 gray frame per pull, or a scripted error.
type fakeSource struct {
	mu    sync.Mutex
	seq   uint64
	err   error
	frame func(seq uint64) framesampler.Frame
}

func (s *fakeSource) CurrentFrame(h framesampler.Handle) (framesampler.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return framesampler.Frame{}, s.err
	}
	s.seq++
	if s.frame != nil {
		return s.frame(s.seq), nil
	}
	return grayFrame(s.seq, 4, 4), nil
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func grayFrame(seq uint64, w, h int) framesampler.Frame {
	return framesampler.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Format:    framesampler.FormatGray,
		Data:      make([]byte, w*h),
	}
}

// countingDecoder returns NotFound until call number foundAt, then payload.
type countingDecoder struct {
	calls   atomic.Int64
	foundAt int64
	payload string
}

func (d *countingDecoder) Decode(f framesampler.Frame) (decodeloop.Result, error) {
	n := d.calls.Add(1)
	if d.foundAt > 0 && n >= d.foundAt {
		return decodeloop.Found(d.payload), nil
	}
	return decodeloop.NotFound, nil
}

func newLoop(t *testing.T, src decodeloop.FrameSource, dec decodeloop.Decoder) *decodeloop.Loop {
	t.Helper()
	l, err := decodeloop.New(src, dec, decodeloop.Config{Interval: decodeloop.MinInterval})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestNew_FailFast tests constructor validation
func TestNew_FailFast(t *testing.T) {
	src := &fakeSource{}
	dec := &countingDecoder{}

	tests := []struct {
		name    string
		src     decodeloop.FrameSource
		dec     decodeloop.Decoder
		cfg     decodeloop.Config
		wantErr bool
	}{
		{name: "defaults", src: src, dec: dec},
		{name: "minimum interval", src: src, dec: dec, cfg: decodeloop.Config{Interval: 100 * time.Millisecond}},
		{name: "maximum interval", src: src, dec: dec, cfg: decodeloop.Config{Interval: 500 * time.Millisecond}},
		{name: "interval too short", src: src, dec: dec, cfg: decodeloop.Config{Interval: 16 * time.Millisecond}, wantErr: true},
		{name: "interval too long", src: src, dec: dec, cfg: decodeloop.Config{Interval: time.Second}, wantErr: true},
		{name: "bad crop", src: src, dec: dec, cfg: decodeloop.Config{CropRatio: 1.5}, wantErr: true},
		{name: "nil source", dec: dec, wantErr: true},
		{name: "nil decoder", src: src, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeloop.New(tt.src, tt.dec, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestStopOnFirstDecode validates the single-shot contract.
//
// Contract:
//   - OnDecoded fires exactly once
//   - Loop is Stopped when OnDecoded fires
//   - No tick after the decode invokes the decoder again
//
// Scenario:
//  1. Decoder finds the symbol on its 3rd call
//  2. Wait for OnDecoded
//  3. Sleep 5 intervals
//  4. Assert: decoder call count unchanged
func TestStopOnFirstDecode(t *testing.T) {
	dec := &countingDecoder{foundAt: 3, payload: "PO-1"}
	l := newLoop(t, &fakeSource{}, dec)

	var decoded atomic.Int32
	var gotPayload atomic.Value
	var stateAtCallback atomic.Value

	err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{
		OnDecoded: func(p string) {
			decoded.Add(1)
			gotPayload.Store(p)
			stateAtCallback.Store(l.State())
		},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, "decode", func() bool { return decoded.Load() == 1 })
	callsAtDecode := dec.calls.Load()

	time.Sleep(5 * decodeloop.MinInterval)

	if got := decoded.Load(); got != 1 {
		t.Errorf("OnDecoded fired %d times, want 1", got)
	}
	if got := dec.calls.Load(); got != callsAtDecode {
		t.Errorf("decoder invoked %d more times after decode", got-callsAtDecode)
	}
	if got := gotPayload.Load().(string); got != "PO-1" {
		t.Errorf("payload = %q, want PO-1", got)
	}
	if got := stateAtCallback.Load().(decodeloop.State); got != decodeloop.Stopped {
		t.Errorf("state during OnDecoded = %s, want stopped", got)
	}
	if got := l.LastSeenPayload(); got != "PO-1" {
		t.Errorf("LastSeenPayload() = %q, want PO-1", got)
	}

	t.Logf("✅ decoded after %d attempts, no further decoder calls", callsAtDecode)
}

// TestEmptyPayload_Decoded tests that a symbol with an empty payload still
// ends the run.
//
// Scenario:
//  1. The decoder finds a symbol whose payload is ""
//  2. OnDecoded fires once with "" and the loop stops
//  3. No duplicate is counted for the first decode of the run
func TestEmptyPayload_Decoded(t *testing.T) {
	dec := &countingDecoder{foundAt: 1, payload: ""}
	l := newLoop(t, &fakeSource{}, dec)

	var decoded atomic.Int32
	err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{
		OnDecoded: func(p string) {
			if p != "" {
				t.Errorf("payload = %q, want empty", p)
			}
			decoded.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, "empty decode", func() bool { return decoded.Load() == 1 })
	waitFor(t, "stopped", func() bool { return l.State() == decodeloop.Stopped })

	time.Sleep(5 * decodeloop.MinInterval)
	if got := decoded.Load(); got != 1 {
		t.Errorf("OnDecoded fired %d times, want 1", got)
	}
	if got := l.Stats().Duplicates; got != 0 {
		t.Errorf("Duplicates = %d, want 0", got)
	}

	t.Logf("✅ empty payload accepted after %d decoder calls", dec.calls.Load())
}

// TestStartTwice_SinglePoller verifies a second Start is rejected and does
// not double the decode rate.
func TestStartTwice_SinglePoller(t *testing.T) {
	dec := &countingDecoder{}
	l := newLoop(t, &fakeSource{}, dec)
	defer l.Stop()

	if err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{}); !errors.Is(err, decodeloop.ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	window := 10 * decodeloop.MinInterval
	time.Sleep(window)

	// One poller at 100ms ticks makes ~10 calls per second; two would make ~20.
	if got := dec.calls.Load(); got > 12 {
		t.Errorf("decoder invoked %d times in %s, want <= 12 (single poller)", got, window)
	}
	if got := l.Stats().Runs; got != 1 {
		t.Errorf("Stats().Runs = %d, want 1", got)
	}
}

// TestNotReady_SkipsTick verifies no decode happens before the first frame
func TestNotReady_SkipsTick(t *testing.T) {
	src := &fakeSource{err: framesampler.ErrNotReady}
	dec := &countingDecoder{}
	l := newLoop(t, src, dec)
	defer l.Stop()

	if err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, "not-ready ticks", func() bool { return l.Stats().NotReady >= 3 })

	if got := dec.calls.Load(); got != 0 {
		t.Errorf("decoder invoked %d times before first frame", got)
	}
	if l.State() != decodeloop.Running {
		t.Errorf("State() = %s, want running", l.State())
	}
}

// TestDecoderFailure_TreatedAsNotFound verifies errors and panics don't kill the loop
func TestDecoderFailure_TreatedAsNotFound(t *testing.T) {
	var calls atomic.Int32
	dec := decodeloop.DecoderFunc(func(f framesampler.Frame) (decodeloop.Result, error) {
		switch calls.Add(1) {
		case 1:
			panic("corrupt frame")
		case 2:
			return decodeloop.NotFound, errors.New("decoder exploded")
		default:
			return decodeloop.Found("after-failures"), nil
		}
	})
	l := newLoop(t, &fakeSource{}, dec)

	done := make(chan string, 1)
	err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{
		OnDecoded: func(p string) { done <- p },
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	select {
	case p := <-done:
		if p != "after-failures" {
			t.Errorf("payload = %q", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not survive decoder failures")
	}

	if got := l.Stats().DecoderFailures; got != 2 {
		t.Errorf("Stats().DecoderFailures = %d, want 2", got)
	}
}

// TestDimensionMismatch_Guarded verifies frames whose data does not match
// their declared size never reach the decoder.
func TestDimensionMismatch_Guarded(t *testing.T) {
	src := &fakeSource{frame: func(seq uint64) framesampler.Frame {
		f := grayFrame(seq, 8, 8)
		f.Data = f.Data[:10] // declared 8x8, carries 10 bytes
		return f
	}}
	dec := &countingDecoder{}
	l := newLoop(t, src, dec)
	defer l.Stop()

	if err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, "rejected frames", func() bool { return l.Stats().DimensionMismatches >= 2 })

	if got := dec.calls.Load(); got != 0 {
		t.Errorf("decoder invoked %d times with mismatched frames", got)
	}
}

// TestStaleFrame_DecodedOnce verifies the same frame is not decoded twice
func TestStaleFrame_DecodedOnce(t *testing.T) {
	src := &fakeSource{frame: func(uint64) framesampler.Frame {
		return grayFrame(42, 4, 4) // camera stalled on frame 42
	}}
	dec := &countingDecoder{}
	l := newLoop(t, src, dec)
	defer l.Stop()

	if err := l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, "stale ticks", func() bool { return l.Stats().StaleFrames >= 3 })

	if got := dec.calls.Load(); got != 1 {
		t.Errorf("decoder invoked %d times for one frame, want 1", got)
	}
}

// TestSuspendOnSourceError validates the Suspended-on-error state.
//
// Scenario:
//  1. Source reports ErrReleased mid-run
//  2. OnSuspend fires, state = Suspended
//  3. Start is rejected while Suspended
//  4. Stop → Stopped, Start accepted again
func TestSuspendOnSourceError(t *testing.T) {
	src := &fakeSource{}
	dec := &countingDecoder{}
	l := newLoop(t, src, dec)

	suspended := make(chan error, 1)
	cb := decodeloop.Callbacks{OnSuspend: func(err error) { suspended <- err }}

	if err := l.Start(context.Background(), framesampler.Handle{}, cb); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	src.setErr(framesampler.ErrReleased)

	select {
	case err := <-suspended:
		if !errors.Is(err, framesampler.ErrReleased) {
			t.Errorf("OnSuspend error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnSuspend not called")
	}

	if l.State() != decodeloop.Suspended {
		t.Fatalf("State() = %s, want suspended", l.State())
	}
	if err := l.Start(context.Background(), framesampler.Handle{}, cb); !errors.Is(err, decodeloop.ErrAlreadyRunning) {
		t.Errorf("Start() while suspended = %v, want ErrAlreadyRunning", err)
	}

	l.Stop()
	if l.State() != decodeloop.Stopped {
		t.Fatalf("State() after Stop = %s, want stopped", l.State())
	}

	src.setErr(nil)
	if err := l.Start(context.Background(), framesampler.Handle{}, cb); err != nil {
		t.Errorf("Start() after Stop failed: %v", err)
	}
	l.Stop()
}

// TestStop_IdempotentAndRestart verifies Stop semantics and LastSeenPayload reset
func TestStop_IdempotentAndRestart(t *testing.T) {
	dec := &countingDecoder{foundAt: 1, payload: "same"}
	l := newLoop(t, &fakeSource{}, dec)

	l.Stop() // never started

	decoded := make(chan string, 2)
	cb := decodeloop.Callbacks{OnDecoded: func(p string) { decoded <- p }}

	for run := 1; run <= 2; run++ {
		if err := l.Start(context.Background(), framesampler.Handle{}, cb); err != nil {
			t.Fatalf("run %d: Start() failed: %v", run, err)
		}
		select {
		case <-decoded:
		case <-time.After(3 * time.Second):
			t.Fatalf("run %d: no decode (LastSeenPayload not reset?)", run)
		}
		l.Stop()
		l.Stop()
		<-l.Done()
	}

	if got := l.Stats().Duplicates; got != 0 {
		t.Errorf("Stats().Duplicates = %d, want 0", got)
	}
}

// TestContextCancel_StopsLoop verifies the parent context ends the run
func TestContextCancel_StopsLoop(t *testing.T) {
	l := newLoop(t, &fakeSource{}, &countingDecoder{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx, framesampler.Handle{}, decodeloop.Callbacks{}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	cancel()

	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("poller still running after context cancel")
	}
	if l.State() != decodeloop.Stopped {
		t.Errorf("State() = %s, want stopped", l.State())
	}
}

// TestCropRatio_DecodesCentre verifies the decoder receives a centred region
// computed from the declared dimensions.
func TestCropRatio_DecodesCentre(t *testing.T) {
	var gotW, gotH atomic.Int64
	dec := decodeloop.DecoderFunc(func(f framesampler.Frame) (decodeloop.Result, error) {
		if err := f.Validate(); err != nil {
			return decodeloop.NotFound, err
		}
		gotW.Store(int64(f.Width))
		gotH.Store(int64(f.Height))
		return decodeloop.Found("x"), nil
	})

	src := &fakeSource{frame: func(seq uint64) framesampler.Frame { return grayFrame(seq, 100, 50) }}
	l, err := decodeloop.New(src, dec, decodeloop.Config{Interval: decodeloop.MinInterval, CropRatio: 0.5})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	done := make(chan struct{})
	l.Start(context.Background(), framesampler.Handle{}, decodeloop.Callbacks{
		OnDecoded: func(string) { close(done) },
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("no decode")
	}

	if gotW.Load() != 50 || gotH.Load() != 25 {
		t.Errorf("decoded region = %dx%d, want 50x25", gotW.Load(), gotH.Load())
	}
}
