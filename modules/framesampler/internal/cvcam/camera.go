// Package cvcam captures camera frames through OpenCV (gocv).
package cvcam

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// maxReadFailures is how many consecutive empty reads end the capture.
const maxReadFailures = 10

// Frame is the backend-local frame.
type Frame struct {
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte // packed RGB
}

// Config describes the device to open.
type Config struct {
	Device string // index ("0") or path; "" = default camera
	Width  int
	Height int
	FPS    float64
}

// Camera wraps one gocv.VideoCapture.
type Camera struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	cancel  context.CancelFunc
	done    chan struct{}

	frameCount uint64 // atomic
}

// New returns an idle camera.
func New() *Camera {
	return &Camera{}
}

// Start opens the device and launches the read loop.
func (c *Camera) Start(ctx context.Context, cfg Config, onFrame func(Frame), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return fmt.Errorf("cvcam: camera already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	capture, err := gocv.OpenVideoCapture(deviceID(cfg.Device))
	if err != nil {
		return fmt.Errorf("cvcam: cannot open device %q: %w", cfg.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("cvcam: cannot open device %q", cfg.Device)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.capture = capture
	c.cancel = cancel
	c.done = make(chan struct{})
	atomic.StoreUint64(&c.frameCount, 0)

	go c.readLoop(readCtx, capture, cfg.FPS, onFrame, onError)

	slog.Info("cvcam: device opened",
		"device", cfg.Device,
		"requested", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
	)
	return nil
}

func (c *Camera) readLoop(ctx context.Context, capture *gocv.VideoCapture, fps float64, onFrame func(Frame), onError func(error)) {
	defer close(c.done)

	interval := time.Second / 15
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bgr := gocv.NewMat()
	defer bgr.Close()
	rgb := gocv.NewMat()
	defer rgb.Close()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ok := capture.Read(&bgr); !ok || bgr.Empty() {
			failures++
			if failures >= maxReadFailures {
				if onError != nil {
					onError(fmt.Errorf("cvcam: device stopped delivering frames (%d failed reads)", failures))
				}
				return
			}
			continue
		}
		failures = 0

		gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)

		onFrame(Frame{
			Timestamp: time.Now(),
			Width:     rgb.Cols(),
			Height:    rgb.Rows(),
			Data:      rgb.ToBytes(),
		})
		atomic.AddUint64(&c.frameCount, 1)
	}
}

// Stop ends the read loop and closes the device. Idempotent.
func (c *Camera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}

	c.cancel()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		slog.Warn("cvcam: stop timeout exceeded, read loop may still be running")
	}

	err := c.capture.Close()
	c.capture = nil
	c.cancel = nil

	slog.Info("cvcam: device closed", "frames_captured", atomic.LoadUint64(&c.frameCount))
	return err
}

// deviceID turns "0" into an index and keeps paths/URLs as strings.
func deviceID(device string) interface{} {
	if device == "" {
		return 0
	}
	if idx, err := strconv.Atoi(device); err == nil {
		return idx
	}
	return device
}
