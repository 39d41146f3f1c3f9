package relay

import "encoding/json"

// Wire event names.
const (
	EventLoadMessages = "load-messages"
	EventNewMessage   = "new-message"
	EventSendMessage  = "send-message"
	EventError        = "error"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}
