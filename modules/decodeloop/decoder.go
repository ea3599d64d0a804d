package decodeloop

import (
	"github.com/VivifySoftIT/PoSync/modules/framesampler"
)

// Result is the outcome of one decode attempt.
type Result struct {
	// Found is true when a symbol was decoded
	Found bool
	// Payload is the decoded text (only meaningful when Found)
	Payload string
}

// NotFound is the normal "no symbol in this frame" outcome.
var NotFound = Result{}

// Found returns a successful result for payload.
func Found(payload string) Result {
	return Result{Found: true, Payload: payload}
}

// Decoder maps one frame to a symbol payload or NotFound.
//
// Decoders are expected to be pure and bounded in time. An error (or a panic)
// is logged by the loop and treated as NotFound for that tick.
type Decoder interface {
	Decode(frame framesampler.Frame) (Result, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(frame framesampler.Frame) (Result, error)

// Decode calls f(frame).
func (f DecoderFunc) Decode(frame framesampler.Frame) (Result, error) {
	return f(frame)
}
