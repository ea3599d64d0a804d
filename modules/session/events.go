package session

import (
	"time"

	"github.com/VivifySoftIT/PoSync/modules/posync"
)

// EventType names a session event.
type EventType string

const (
	EventOpened          EventType = "opened"
	EventAcquireFailed   EventType = "acquire_failed"
	EventScanning        EventType = "scanning"
	EventDecoded         EventType = "decoded"
	EventSuspended       EventType = "suspended"
	EventLookupSucceeded EventType = "lookup_succeeded"
	EventLookupFailed    EventType = "lookup_failed"
	EventQuantityUpdated EventType = "quantity_updated"
	EventClosed          EventType = "closed"
)

// Source is where a payload came from.
type Source string

const (
	SourceCamera    Source = "camera"
	SourceImage     Source = "image"
	SourceReference Source = "reference"
)

// Event is one observable step of a session.
type Event struct {
	Type       EventType                   `json:"type"`
	SessionID  string                      `json:"session_id,omitempty"`
	Generation uint64                      `json:"generation"`
	Status     Status                      `json:"status"`
	Source     Source                      `json:"source,omitempty"`
	Payload    string                      `json:"payload,omitempty"`
	Identifier string                      `json:"identifier,omitempty"`
	Record     *posync.PurchaseOrderRecord `json:"record,omitempty"`
	Quantity   int                         `json:"quantity,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// Observer receives session events.
//
// OnEvent is called synchronously from the goroutine that caused the event
// (an API call, the decode loop, or a lookup). It must not block and must
// not call back into the Controller.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }
