package framesampler

import (
	"context"
	"fmt"
	"strings"

	"github.com/VivifySoftIT/PoSync/modules/framesampler/internal/cvcam"
	"github.com/VivifySoftIT/PoSync/modules/framesampler/internal/gstcam"
)

// NewGStreamerBackend returns a Backend that captures through a GStreamer
// v4l2src pipeline. Fails fast if GStreamer cannot be initialised.
func NewGStreamerBackend() (Backend, error) {
	if err := gstcam.CheckAvailable(); err != nil {
		return nil, fmt.Errorf("framesampler: GStreamer not available: %w", err)
	}
	return &gstreamerBackend{cam: gstcam.New()}, nil
}

type gstreamerBackend struct {
	cam *gstcam.Camera
}

func (b *gstreamerBackend) Name() string { return "gstreamer" }

func (b *gstreamerBackend) Start(ctx context.Context, dev Device, cb Callbacks) error {
	cfg := gstcam.PipelineConfig{
		Device: dev.Path,
		Width:  dev.Width,
		Height: dev.Height,
		FPS:    dev.FPS,
	}
	onFrame := func(f gstcam.Frame) {
		cb.OnFrame(Frame{
			Timestamp: f.Timestamp,
			Width:     f.Width,
			Height:    f.Height,
			Format:    FormatRGB,
			Data:      f.Data,
		})
	}
	return b.cam.Start(ctx, cfg, onFrame, cb.OnError)
}

func (b *gstreamerBackend) Stop() error { return b.cam.Stop() }

// NewOpenCVBackend returns a Backend that captures through gocv.VideoCapture.
func NewOpenCVBackend() Backend {
	return &opencvBackend{cam: cvcam.New()}
}

type opencvBackend struct {
	cam *cvcam.Camera
}

func (b *opencvBackend) Name() string { return "opencv" }

func (b *opencvBackend) Start(ctx context.Context, dev Device, cb Callbacks) error {
	cfg := cvcam.Config{
		Device: dev.Path,
		Width:  dev.Width,
		Height: dev.Height,
		FPS:    dev.FPS,
	}
	onFrame := func(f cvcam.Frame) {
		cb.OnFrame(Frame{
			Timestamp: f.Timestamp,
			Width:     f.Width,
			Height:    f.Height,
			Format:    FormatRGB,
			Data:      f.Data,
		})
	}
	return b.cam.Start(ctx, cfg, onFrame, cb.OnError)
}

func (b *opencvBackend) Stop() error { return b.cam.Stop() }

// NewBackend returns the backend registered under name
// ("gstreamer" or "opencv").
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "gstreamer", "gst":
		return NewGStreamerBackend()
	case "opencv", "gocv":
		return NewOpenCVBackend(), nil
	default:
		return nil, fmt.Errorf("framesampler: unknown backend %q (must be gstreamer or opencv)", name)
	}
}
