package framesampler

import (
	"errors"
	"io/fs"
	"strings"
)

var (
	// ErrNotReady is returned by CurrentFrame until the first full frame arrives.
	ErrNotReady = errors.New("framesampler: no frame available yet")

	// ErrReleased is returned for a handle that is no longer held.
	ErrReleased = errors.New("framesampler: handle released")

	// ErrBusy is returned by Acquire while another acquisition is held.
	ErrBusy = errors.New("framesampler: media source already acquired")
)

// MediaErrorKind classifies acquisition failures.
type MediaErrorKind int

const (
	// PermissionDenied means the operator or OS refused camera access
	PermissionDenied MediaErrorKind = iota + 1
	// NoDeviceFound means no camera matched the request
	NoDeviceFound
	// Unsupported means the device exists but cannot produce the requested format
	Unsupported
	// DeviceError wraps any other lower-level failure
	DeviceError
)

// String returns a human-readable name of the kind.
func (k MediaErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case NoDeviceFound:
		return "no device found"
	case Unsupported:
		return "unsupported"
	case DeviceError:
		return "device error"
	default:
		return "device error"
	}
}

// MediaError is the error returned by Acquire.
type MediaError struct {
	Kind   MediaErrorKind
	Device string
	Err    error
}

// Sentinel values for errors.Is matching on the kind only.
var (
	ErrPermissionDenied = &MediaError{Kind: PermissionDenied}
	ErrNoDeviceFound    = &MediaError{Kind: NoDeviceFound}
	ErrUnsupported      = &MediaError{Kind: Unsupported}
	ErrDeviceError      = &MediaError{Kind: DeviceError}
)

func (e *MediaError) Error() string {
	msg := "framesampler: " + e.Kind.String()
	if e.Device != "" {
		msg += " (" + e.Device + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// Is matches another *MediaError of the same kind that carries no detail,
// so errors.Is(err, ErrPermissionDenied) works on wrapped errors.
func (e *MediaError) Is(target error) bool {
	t, ok := target.(*MediaError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Device == "" && t.Err == nil
}

// AsMediaError converts err into a *MediaError for device, classifying it by
// message when it is not one already.
func AsMediaError(device string, err error) *MediaError {
	if err == nil {
		return nil
	}
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}
	return &MediaError{Kind: ClassifyError(err), Device: device, Err: err}
}

// ClassifyError maps a backend failure to a MediaErrorKind.
//
// Backends (GStreamer, OpenCV, V4L2) report failures as free-form text, so
// classification relies on keywords. Checks run from most to least specific.
func ClassifyError(err error) MediaErrorKind {
	if err == nil {
		return DeviceError
	}
	if errors.Is(err, fs.ErrPermission) {
		return PermissionDenied
	}
	if errors.Is(err, fs.ErrNotExist) {
		return NoDeviceFound
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, permissionKeywords):
		return PermissionDenied
	case containsAny(msg, noDeviceKeywords):
		return NoDeviceFound
	case containsAny(msg, unsupportedKeywords):
		return Unsupported
	default:
		return DeviceError
	}
}

var permissionKeywords = []string{
	"permission denied",
	"not permitted",
	"access denied",
	"eacces",
	"eperm",
	"not authorized",
	"unauthorized",
	"forbidden",
}

var noDeviceKeywords = []string{
	"no such file",
	"no such device",
	"cannot identify device",
	"could not open device",
	"cannot open device",
	"device not found",
	"no device",
	"enodev",
	"enoent",
	"not found",
}

var unsupportedKeywords = []string{
	"not-negotiated",
	"not negotiated",
	"negotiation",
	"unsupported",
	"not supported",
	"no such element",
	"missing plugin",
	"caps",
	"format",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
