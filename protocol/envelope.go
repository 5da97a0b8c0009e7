// Package protocol defines the JSON frame exchanged between the broker and
// connected game worlds. A frame carries an operation type, a correlation
// requestId, and an arbitrary payload whose fields sit at the top level of
// the JSON object alongside the reserved fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode when a frame is not valid JSON,
// is not a JSON object, or is missing its type field.
var ErrMalformedFrame = errors.New("malformed frame")

// Reserved field names. Payload entries with these names are ignored on
// encode so they can never shadow the routing fields.
const (
	fieldType       = "type"
	fieldRequestID  = "requestId"
	fieldClientID   = "clientId"
	fieldError      = "error"
	fieldSuggestion = "suggestion"
)

// Envelope is one message on the wire.
//
// Request:  {"type": "<op>", "requestId": "<uuid>", "clientId": "<world>", ...payload}
// Response: {"type": "<op>-result", "requestId": "<uuid>", ...payload}
// Error:    {"type": "<op>-result", "requestId": "<uuid>", "error": "<msg>"}
//
// Payload holds every field that is not one of the reserved routing fields.
// The broker never interprets payload contents.
type Envelope struct {
	Type       string
	RequestID  string
	ClientID   string
	Error      string
	Suggestion string
	Payload    map[string]interface{}
}

// IsError reports whether the envelope carries a world-reported error.
func (e Envelope) IsError() bool {
	return e.Error != ""
}

// Encode serializes an envelope to its wire form, flattening the payload
// into the top-level object.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	frame := make(map[string]interface{}, len(env.Payload)+5)
	for k, v := range env.Payload {
		switch k {
		case fieldType, fieldRequestID, fieldClientID, fieldError, fieldSuggestion:
			continue
		}
		frame[k] = v
	}

	frame[fieldType] = env.Type
	if env.RequestID != "" {
		frame[fieldRequestID] = env.RequestID
	}
	if env.ClientID != "" {
		frame[fieldClientID] = env.ClientID
	}
	if env.Error != "" {
		frame[fieldError] = env.Error
	}
	if env.Suggestion != "" {
		frame[fieldSuggestion] = env.Suggestion
	}

	return json.Marshal(frame)
}

// Decode parses a wire frame. Every non-reserved field ends up in Payload.
func Decode(data []byte) (Envelope, error) {
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame == nil {
		return Envelope{}, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}

	env := Envelope{Payload: make(map[string]interface{})}

	for k, v := range frame {
		switch k {
		case fieldType:
			env.Type, _ = v.(string)
		case fieldRequestID:
			env.RequestID, _ = v.(string)
		case fieldClientID:
			env.ClientID, _ = v.(string)
		case fieldError:
			env.Error, _ = v.(string)
		case fieldSuggestion:
			env.Suggestion, _ = v.(string)
		default:
			env.Payload[k] = v
		}
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return env, nil
}
