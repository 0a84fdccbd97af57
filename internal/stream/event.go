package stream

import "encoding/json"

// EventType is the "type" field of a server-to-client frame.
type EventType string

const (
	TypeStart EventType = "start"
	TypeChunk EventType = "chunk"
	TypeDone  EventType = "done"
	TypeError EventType = "error"
)

// CodeProcessingError is the only error code the orchestrator emits.
const CodeProcessingError = "PROCESSING_ERROR"

// Event is one frame of a request's stream.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId"`
	Seq       int       `json:"seq,omitempty"`
	Content   string    `json:"content,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func StartEvent(requestID string) Event {
	return Event{Type: TypeStart, RequestID: requestID}
}

func ChunkEvent(requestID string, seq int, content string) Event {
	return Event{Type: TypeChunk, RequestID: requestID, Seq: seq, Content: content}
}

func DoneEvent(requestID string) Event {
	return Event{Type: TypeDone, RequestID: requestID}
}

func ErrorEvent(requestID, message string) Event {
	return Event{Type: TypeError, RequestID: requestID, Code: CodeProcessingError, Message: message}
}

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// MarshalJSON keeps "content" on chunk frames and "message" on error frames
// even when they are empty.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	switch e.Type {
	case TypeChunk:
		return json.Marshal(struct {
			wire
			Content string `json:"content"`
		}{wire(e), e.Content})
	case TypeError:
		return json.Marshal(struct {
			wire
			Message string `json:"message"`
		}{wire(e), e.Message})
	}
	return json.Marshal(wire(e))
}
