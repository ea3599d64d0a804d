package gstcam

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Frame is the backend-local frame (the public type lives in the parent
// package, which imports this one).
type Frame struct {
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte // packed RGB
}

// CallbackContext holds state needed by the appsink callback
type CallbackContext struct {
	OnFrame      func(Frame)
	FrameCounter *uint64 // atomic
	BytesRead    *uint64 // atomic
	Width        int
	Height       int
}

// OnNewSample is called by GStreamer when the appsink has a new buffer.
//
// The mapped buffer is copied because GStreamer reuses it once the sample is
// released. A bad sample is skipped; it never stops the pipeline.
func OnNewSample(sink *app.Sink, ctx *CallbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstcam: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstcam: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstcam: empty buffer received")
		return gst.FlowOK
	}

	frameData := packRows(data, ctx.Width, ctx.Height)
	buffer.Unmap()

	seq := atomic.AddUint64(ctx.FrameCounter, 1)
	atomic.AddUint64(ctx.BytesRead, uint64(len(frameData)))

	ctx.OnFrame(Frame{
		Timestamp: time.Now(),
		Width:     ctx.Width,
		Height:    ctx.Height,
		Data:      frameData,
	})

	if seq == 1 {
		slog.Debug("gstcam: first frame received", "size_bytes", len(frameData))
	}

	return gst.FlowOK
}

// rgbStride is the row pitch GStreamer uses for RGB: rows are padded to a
// multiple of 4 bytes.
func rgbStride(width int) int {
	return (width*3 + 3) &^ 3
}

// packRows copies a mapped RGB buffer into a tightly packed slice. Buffers
// whose length matches neither the packed nor the padded layout are copied
// as-is and left for frame validation to reject.
func packRows(data []byte, width, height int) []byte {
	row := width * 3
	stride := rgbStride(width)
	if width <= 0 || height <= 0 || stride == row || len(data) != stride*height {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}

	out := make([]byte, row*height)
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out
}
