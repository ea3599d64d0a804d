package framesampler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame is one sampled pixel buffer from a media source.
//
// Frames are ephemeral: they are produced by a backend, parked in the
// latest-frame mailbox and consumed within one decode tick. Data MUST NOT be
// modified after the frame has been published (it is shared, not copied).
type Frame struct {
	// Seq is the per-acquisition sequence number (starts at 1)
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format describes the sample layout of Data
	Format PixelFormat
	// Data contains the raw samples, row-major, no padding
	Data []byte
	// Source identifies the device or image the frame came from
	Source string
	// TraceID is a unique identifier for log correlation
	TraceID string
}

// Validate checks that Data holds exactly Width*Height pixels of Format.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("framesampler: invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("framesampler: unknown pixel format %d", f.Format)
	}
	want := f.Width * f.Height * bpp
	if len(f.Data) != want {
		return fmt.Errorf(
			"framesampler: frame data length %d does not match %dx%d %s (want %d)",
			len(f.Data), f.Width, f.Height, f.Format, want,
		)
	}
	return nil
}

// PixelFormat is the sample layout of Frame.Data.
type PixelFormat int

const (
	// FormatRGB is packed 8-bit R,G,B (GStreamer and OpenCV backends)
	FormatRGB PixelFormat = iota
	// FormatRGBA is packed 8-bit R,G,B,A (static images)
	FormatRGBA
	// FormatGray is 8-bit luminance
	FormatGray
)

// BytesPerPixel returns the sample size, or 0 for an unknown format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case FormatRGB:
		return 3
	case FormatRGBA:
		return 4
	case FormatGray:
		return 1
	default:
		return 0
	}
}

// String returns the GStreamer-style name of the format.
func (p PixelFormat) String() string {
	switch p {
	case FormatRGB:
		return "RGB"
	case FormatRGBA:
		return "RGBA"
	case FormatGray:
		return "GRAY8"
	default:
		return "unknown"
	}
}

// Facing selects which camera to use on devices that have more than one.
type Facing int

const (
	// FacingEnvironment is the rear camera (default for scanning printed codes)
	FacingEnvironment Facing = iota
	// FacingUser is the front camera
	FacingUser
)

// String returns the facing mode name.
func (f Facing) String() string {
	switch f {
	case FacingEnvironment:
		return "environment"
	case FacingUser:
		return "user"
	default:
		return "environment"
	}
}

// ParseFacing accepts "environment"/"rear"/"back" and "user"/"front".
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "environment", "rear", "back":
		return FacingEnvironment, nil
	case "user", "front":
		return FacingUser, nil
	default:
		return FacingEnvironment, fmt.Errorf("framesampler: unknown facing mode %q", s)
	}
}

// Resolution is a requested capture size.
type Resolution struct {
	Width  int
	Height int
}

// Common capture sizes.
var (
	Res480p  = Resolution{Width: 640, Height: 480}
	Res720p  = Resolution{Width: 1280, Height: 720}
	Res1080p = Resolution{Width: 1920, Height: 1080}
)

// IsZero reports whether no size was requested.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// String returns "WxH".
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution accepts presets ("480p", "720p", "1080p") or "WxH".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "480p":
		return Res480p, nil
	case "", "720p":
		return Res720p, nil
	case "1080p":
		return Res1080p, nil
	}

	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("framesampler: invalid resolution %q (want 720p or WxH)", s)
	}
	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return Resolution{}, fmt.Errorf("framesampler: invalid resolution %q (want 720p or WxH)", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// Request describes what Acquire should open.
type Request struct {
	Facing     Facing
	Resolution Resolution
}

// Handle identifies one acquisition. The zero Handle is never valid.
type Handle struct {
	id uint64
}

// IsZero reports whether h was never returned by Acquire.
func (h Handle) IsZero() bool {
	return h.id == 0
}

// String returns a log-friendly form of the handle.
func (h Handle) String() string {
	return "acq-" + strconv.FormatUint(h.id, 10)
}

// DeviceMap maps facing modes to backend device identifiers
// (e.g. "/dev/video0" for v4l2, "0" for OpenCV).
type DeviceMap map[Facing]string

// Resolve returns the device for f. When f is not mapped the environment
// device is used; an empty result lets the backend pick its default device.
func (m DeviceMap) Resolve(f Facing) string {
	if dev, ok := m[f]; ok {
		return dev
	}
	return m[FacingEnvironment]
}

// Device is what a Backend is asked to open.
type Device struct {
	// Path is the backend device identifier ("" = backend default)
	Path string
	// Width and Height are the requested output size
	Width  int
	Height int
	// FPS is the capture rate requested from the device
	FPS float64
}

// Stats contains sampler counters.
type Stats struct {
	// Acquires is the number of Acquire calls that reached the backend
	Acquires uint64
	// AcquireFailures is the number of Acquire calls that returned an error
	AcquireFailures uint64
	// Releases is the number of acquisitions actually released
	Releases uint64
	// FramesPublished is the number of frames delivered by backends
	FramesPublished uint64
	// FramesDropped is the number of frames overwritten before anyone pulled them
	FramesDropped uint64
	// LastFrameAt is when the most recent frame arrived
	LastFrameAt time.Time
	// Active is true while a handle is held
	Active bool
}
