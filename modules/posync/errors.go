package posync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies gateway failures.
type Kind int

const (
	// Unauthenticated: the service rejected the credentials (401/403)
	Unauthenticated Kind = iota + 1
	// NotFound: no record for the identifier (404)
	NotFound
	// Timeout: the request did not complete in time
	Timeout
	// ServerError: anything else; Message carries the service's text
	ServerError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case NotFound:
		return "not found"
	case Timeout:
		return "timeout"
	case ServerError:
		return "server error"
	default:
		return "unknown"
	}
}

// GatewayError is returned by every Client operation that reached (or tried
// to reach) the remote service.
type GatewayError struct {
	Kind Kind
	// Op is "lookup" or "update"
	Op string
	// StatusCode is the HTTP or application status code, 0 if none
	StatusCode int
	// Message is the service's message, passed through verbatim
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := "posync: " + e.Kind.String()
	if e.Op != "" {
		msg = "posync: " + e.Op + ": " + e.Kind.String()
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the Err* kind sentinels below.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.StatusCode == 0 && t.Message == "" && t.Err == nil
}

// Kind sentinels for errors.Is.
var (
	ErrUnauthenticated = &GatewayError{Kind: Unauthenticated}
	ErrNotFound        = &GatewayError{Kind: NotFound}
	ErrTimeout         = &GatewayError{Kind: Timeout}
	ErrServer          = &GatewayError{Kind: ServerError}
)

// Local validation errors. These are returned before any network call.
var (
	ErrInvalidQuantity    = errors.New("posync: quantity must be a positive whole number")
	ErrEmptyIdentifier    = errors.New("posync: identifier is empty")
	ErrMissingCredentials = errors.New("posync: no bearer token available")
)

// KindOf returns the gateway kind of err, or 0 if err is not a GatewayError.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// kindForStatus maps an HTTP or application status code to a kind.
func kindForStatus(code int) Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthenticated
	case http.StatusNotFound:
		return NotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Timeout
	default:
		return ServerError
	}
}

// transportError classifies a failure that happened before a response arrived.
func transportError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &GatewayError{Kind: Timeout, Op: op, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &GatewayError{Kind: Timeout, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("posync: %s: %w", op, err)
	default:
		return &GatewayError{Kind: ServerError, Op: op, Err: err}
	}
}
