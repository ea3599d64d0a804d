package session

import "fmt"

// Status is the lifecycle state of the current session.
type Status int

const (
	// Idle: no session was ever opened
	Idle Status = iota
	// Acquiring: waiting for the media source
	Acquiring
	// Ready: media source held, decode loop not started yet
	Ready
	// Scanning: decode loop running
	Scanning
	// Decoded: a payload was accepted; the camera is released
	Decoded
	// Failed: acquisition or streaming failed; nothing is held
	Failed
	// Closed: the operator (or shutdown) closed the session
	Closed
)

var statusNames = [...]string{
	Idle:      "idle",
	Acquiring: "acquiring",
	Ready:     "ready",
	Scanning:  "scanning",
	Decoded:   "decoded",
	Failed:    "failed",
	Closed:    "closed",
}

// String returns the status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Active reports whether the session holds (or is acquiring) the camera.
func (s Status) Active() bool {
	return s == Acquiring || s == Ready || s == Scanning
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown status %q", b)
}
