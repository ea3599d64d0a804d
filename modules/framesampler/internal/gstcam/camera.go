// Package gstcam captures camera frames through a GStreamer pipeline.
package gstcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// startTimeout bounds how long Start waits for the pipeline to reach PLAYING.
const startTimeout = 5 * time.Second

// Camera runs one pipeline at a time.
type Camera struct {
	mu       sync.Mutex
	elements *PipelineElements
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	frameCount uint64 // atomic
	bytesRead  uint64 // atomic
}

// New returns an idle camera.
func New() *Camera {
	return &Camera{}
}

// CheckAvailable verifies GStreamer can be initialised and create elements.
func CheckAvailable() error {
	gst.Init(nil)

	if _, err := gst.NewElement("fakesrc"); err != nil {
		return fmt.Errorf("GStreamer not properly initialized: %w", err)
	}
	return nil
}

// Start builds the pipeline, sets it PLAYING and waits until it is streaming.
//
// On any failure the pipeline is destroyed before returning, so the device
// is never left open. onError receives pipeline errors raised after Start
// returned.
func (c *Camera) Start(ctx context.Context, cfg PipelineConfig, onFrame func(Frame), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.elements != nil {
		return fmt.Errorf("gstcam: camera already started")
	}

	elements, err := CreatePipeline(cfg)
	if err != nil {
		return err
	}

	atomic.StoreUint64(&c.frameCount, 0)
	atomic.StoreUint64(&c.bytesRead, 0)

	callbackCtx := &CallbackContext{
		OnFrame:      onFrame,
		FrameCounter: &c.frameCount,
		BytesRead:    &c.bytesRead,
		Width:        cfg.Width,
		Height:       cfg.Height,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return OnNewSample(sink, callbackCtx)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		DestroyPipeline(elements)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	if err := waitPlaying(ctx, elements); err != nil {
		if derr := DestroyPipeline(elements); derr != nil {
			slog.Warn("gstcam: failed to destroy pipeline after start error", "error", derr)
		}
		return err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	c.elements = elements
	c.cancel = cancel

	c.wg.Add(1)
	go c.monitor(monitorCtx, elements, onError)

	slog.Info("gstcam: pipeline playing",
		"device", cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
	)
	return nil
}

// waitPlaying polls the bus until the pipeline reaches PLAYING, reports an
// error, ctx is cancelled or startTimeout elapses.
func waitPlaying(ctx context.Context, elements *PipelineElements) error {
	bus := elements.Pipeline.GetPipelineBus()
	deadline := time.Now().Add(startTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gstcam: timeout waiting for pipeline to reach PLAYING (%s)", startTimeout)
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("gstcam: %s (%s)", gerr.Error(), gerr.DebugString())

		case gst.MessageStateChanged:
			if msg.Source() != elements.Pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				return nil
			}
		}
	}
}

// monitor watches the bus while streaming and reports fatal messages.
func (c *Camera) monitor(ctx context.Context, elements *PipelineElements, onError func(error)) {
	defer c.wg.Done()

	bus := elements.Pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstcam: context cancelled, stopping bus monitor")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstcam: end of stream received",
				"frames", atomic.LoadUint64(&c.frameCount),
			)
			if onError != nil {
				onError(fmt.Errorf("gstcam: end of stream"))
			}
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstcam: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"frames", atomic.LoadUint64(&c.frameCount),
			)
			if onError != nil {
				onError(fmt.Errorf("gstcam: %s (%s)", gerr.Error(), gerr.DebugString()))
			}
			return
		}
	}
}

// Stop destroys the pipeline. Idempotent.
func (c *Camera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.elements == nil {
		return nil
	}

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("gstcam: stop timeout exceeded, bus monitor may still be running")
	}

	err := DestroyPipeline(c.elements)
	c.elements = nil
	c.cancel = nil

	slog.Info("gstcam: pipeline stopped",
		"frames_captured", atomic.LoadUint64(&c.frameCount),
		"bytes_read", atomic.LoadUint64(&c.bytesRead),
	)
	return err
}
