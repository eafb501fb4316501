package bridge

import "encoding/json"

// EventType tags an Event.
type EventType string

const (
	EventOutput          EventType = "output"
	EventStatus          EventType = "status"
	EventError           EventType = "error"
	EventCommandComplete EventType = "command_complete"
)

// Session phases carried by status events.
const (
	PhaseConnected    = "connected"
	PhaseDisconnected = "disconnected"
)

// Event is one message from the session's output channel.
type Event struct {
	Type EventType

	// Output events.
	Text     string
	IsStderr bool
	// Raw is set when the output data was not valid base64 and Text is the
	// payload exactly as received.
	Raw bool

	// Phase of a status event.
	Phase string

	// Message of an error event.
	Message string

	// Payload is the message as received. Status, error and
	// command_complete consumers that need fields beyond the above read
	// them from here.
	Payload json.RawMessage
}

// Sink consumes a bridge's events. HandleEvent is called one event at a
// time, in the order the remote side produced them.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(e Event) { f(e) }

// wireMessage is the union of every message type published on a session
// channel.
type wireMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	IsStderr bool   `json:"is_stderr,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

type inputParams struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type resizeParams struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}
