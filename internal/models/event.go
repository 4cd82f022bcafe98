package models

import (
	"encoding/json"
	"fmt"
	"time"
)

//
// Buffer events
//

type EventType string

const (
	EventPrompt             EventType = "PROMPT"
	EventRequest            EventType = "REQUEST"
	EventResponse           EventType = "RESPONSE"
	EventFunctionCallResult EventType = "FUNCTION_CALL_RESULT"
	EventCustom             EventType = "CUSTOM"
	EventError              EventType = "ERROR"
)

// Event is one typed, timestamped input captured for a request.
// Data is the payload frozen as JSON at append time.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data and stamps the event with ts.
func NewEvent(eventType EventType, ts time.Time, data any) (Event, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = append(json.RawMessage(nil), v...)
	case []byte:
		if !json.Valid(v) {
			return Event{}, fmt.Errorf("%s payload is not valid JSON", eventType)
		}
		raw = append(json.RawMessage(nil), v...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		raw = b
	}

	return Event{
		Type:      eventType,
		Timestamp: ts.UTC(),
		Data:      raw,
	}, nil
}

// Decode unmarshals the event payload into v. An empty payload leaves v untouched.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s event: %w", e.Type, err)
	}
	return nil
}

// PromptData is the payload of a PROMPT event.
type PromptData struct {
	Prompt  string `json:"prompt"`
	Trigger string `json:"trigger,omitempty"`
}

// CustomData is the payload of a CUSTOM event.
type CustomData struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the normalized payload of an ERROR event.
type ErrorData struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

//
// Frozen buffer
//

// Buffer is an immutable snapshot of the events logged for one request,
// in append order.
type Buffer struct {
	events []Event
}

// NewBuffer copies events into a frozen buffer.
func NewBuffer(events []Event) Buffer {
	cp := make([]Event, len(events))
	copy(cp, events)
	return Buffer{events: cp}
}

func (b Buffer) Len() int {
	return len(b.events)
}

// Events returns a copy of the buffered events.
func (b Buffer) Events() []Event {
	cp := make([]Event, len(b.events))
	copy(cp, b.events)
	return cp
}

// First returns the earliest event of the given type.
func (b Buffer) First(eventType EventType) (Event, bool) {
	for _, e := range b.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return Event{}, false
}

// All returns every event of the given type in append order.
func (b Buffer) All(eventType EventType) []Event {
	var out []Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Timestamp returns the timestamp of the first event of the given type, or nil.
func (b Buffer) Timestamp(eventType EventType) *time.Time {
	e, ok := b.First(eventType)
	if !ok {
		return nil
	}
	ts := e.Timestamp
	return &ts
}
