// Package wire defines the generation event stream shared by the server and
// its clients, plus the request and read-model DTOs of the HTTP API.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event names as they appear on the "event:" line of a frame.
const (
	EventStart          = "start"
	EventToken          = "token"
	EventFinish         = "finish"
	EventStatus         = "status"
	EventStructuredData = "structured_data"
	EventVizConfig      = "viz_config"
	EventTitle          = "title"
	EventEnd            = "end"
	EventError          = "error"
)

// Values of End.Status.
const (
	EndComplete    = "complete"
	EndInterrupted = "interrupted"
)

// Event is one frame of a generation stream. The set of implementations is
// closed; consumers switch over the concrete types.
type Event interface {
	EventName() string
	isEvent()
}

type Start struct {
	ConversationID string  `json:"conversationId"`
	MessageID      string  `json:"messageId"`
	ParentID       *string `json:"parentId"`
	Role           string  `json:"role"`
	Model          string  `json:"model"`
}

type Token struct {
	Token string `json:"token"`
}

type Finish struct {
	FinishReason string `json:"finishReason"`
}

type Status struct {
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StructuredData carries an opaque JSON document produced by the
// visualization pipeline.
type StructuredData struct {
	Data json.RawMessage
}

type VizConfig struct {
	Config json.RawMessage
}

type Title struct {
	Title string `json:"title"`
}

type End struct {
	Status string `json:"status"`
}

type Error struct {
	Message string `json:"message"`
}

func (Start) EventName() string          { return EventStart }
func (Token) EventName() string          { return EventToken }
func (Finish) EventName() string         { return EventFinish }
func (Status) EventName() string         { return EventStatus }
func (StructuredData) EventName() string { return EventStructuredData }
func (VizConfig) EventName() string      { return EventVizConfig }
func (Title) EventName() string          { return EventTitle }
func (End) EventName() string            { return EventEnd }
func (Error) EventName() string          { return EventError }

func (Start) isEvent()          {}
func (Token) isEvent()          {}
func (Finish) isEvent()         {}
func (Status) isEvent()         {}
func (StructuredData) isEvent() {}
func (VizConfig) isEvent()      {}
func (Title) isEvent()          {}
func (End) isEvent()            {}
func (Error) isEvent()          {}

// Terminal reports whether e closes a generation stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case End, *End, Error, *Error:
		return true
	}
	return false
}

// Payload returns the JSON body of e's data line.
func Payload(e Event) ([]byte, error) {
	switch v := e.(type) {
	case StructuredData:
		return rawOrNull(v.Data), nil
	case *StructuredData:
		return rawOrNull(v.Data), nil
	case VizConfig:
		return rawOrNull(v.Config), nil
	case *VizConfig:
		return rawOrNull(v.Config), nil
	}
	return json.Marshal(e)
}

// DecodeEvent maps an event name and its JSON payload to the concrete event.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch name {
	case EventStart:
		var e Start
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventToken:
		var e Token
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventFinish:
		var e Finish
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventStatus:
		var e Status
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventStructuredData:
		if !json.Valid(data) {
			return nil, fmt.Errorf("wire: invalid %s payload", name)
		}
		return StructuredData{Data: append(json.RawMessage(nil), data...)}, nil
	case EventVizConfig:
		if !json.Valid(data) {
			return nil, fmt.Errorf("wire: invalid %s payload", name)
		}
		return VizConfig{Config: append(json.RawMessage(nil), data...)}, nil
	case EventTitle:
		var e Title
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventEnd:
		var e End
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventError:
		var e Error
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("wire: unknown event %q", name)
	}
}

func unmarshal(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", name, err)
	}
	return nil
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
