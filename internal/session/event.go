package session

import "github.com/carbono-zero/co2-live/internal/airquality"

// EventKind names the four things an ingestion channel can report.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventSample
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventSample:
		return "sample"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one inbound message for a session. Sample is set for EventSample,
// Err optionally for EventError.
type Event struct {
	Kind      EventKind
	SessionID string
	Sample    airquality.Sample
	Err       error
}
