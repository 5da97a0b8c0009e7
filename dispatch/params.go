package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Source says where a parameter may arrive from.
type Source int

const (
	FromQuery Source = iota
	FromBody
	FromQueryOrBody
)

// Kind is the JSON type a parameter must coerce to. Coercion is strict:
// a query string "abc" never passes for a Number, and a body number never
// passes for a String.
type Kind int

const (
	String Kind = iota
	Number
	Boolean
	Object
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Boolean:
		return "boolean"
	case Object:
		return "object"
	}
	return "unknown"
}

// Param declares one parameter of an operation.
type Param struct {
	Name   string
	Source Source
	Kind   Kind
}

// Rejection is a validation failure surfaced to the REST caller as a 400.
type Rejection struct {
	Error      string
	Suggestion string
}

// Spec describes one relayed operation: its wire type string and the
// parameters that make up the forwarded payload. Validate, when set, gets
// the coerced payload and may reject the request before anything is sent
// upstream.
type Spec struct {
	Type     string
	Required []Param
	Optional []Param
	Validate func(payload map[string]interface{}) *Rejection
}

// extract pulls one parameter out of the request's query and parsed body,
// coercing it to the declared kind. found is false when the parameter is
// absent from every allowed source.
func extract(p Param, query map[string]string, body map[string]interface{}) (interface{}, bool, error) {
	if p.Source == FromQuery || p.Source == FromQueryOrBody {
		if raw, ok := query[p.Name]; ok {
			v, err := coerceQuery(p, raw)
			return v, true, err
		}
	}
	if p.Source == FromBody || p.Source == FromQueryOrBody {
		if raw, ok := body[p.Name]; ok {
			v, err := coerceBody(p, raw)
			return v, true, err
		}
	}
	return nil, false, nil
}

// coerceQuery converts a query string value to the declared kind. Query
// values always arrive as strings, so non-string kinds are parsed.
func coerceQuery(p Param, raw string) (interface{}, error) {
	switch p.Kind {
	case String:
		return raw, nil
	case Number:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, typeMismatch(p, "a numeric string")
		}
		return n, nil
	case Boolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, typeMismatch(p, `"true" or "false"`)
		}
		return b, nil
	case Object:
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
			return nil, typeMismatch(p, "a JSON object")
		}
		return obj, nil
	}
	return nil, typeMismatch(p, p.Kind.String())
}

// coerceBody checks a decoded JSON body value against the declared kind.
// Body values already carry their JSON type, so no parsing happens here.
func coerceBody(p Param, raw interface{}) (interface{}, error) {
	switch p.Kind {
	case String:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case Number:
		if n, ok := raw.(float64); ok {
			return n, nil
		}
	case Boolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case Object:
		if obj, ok := raw.(map[string]interface{}); ok {
			return obj, nil
		}
	}
	return nil, typeMismatch(p, "a JSON "+p.Kind.String())
}

func typeMismatch(p Param, want string) error {
	return &paramError{
		code:       "TypeMismatch",
		suggestion: fmt.Sprintf("Parameter %q must be %s", p.Name, want),
	}
}

func missingParam(p Param) error {
	return &paramError{
		code:       "MissingParameter",
		suggestion: fmt.Sprintf("Provide the required parameter %q", p.Name),
	}
}

// paramError is a request-shape failure that maps to HTTP 400.
type paramError struct {
	code       string
	suggestion string
}

func (e *paramError) Error() string { return e.code }
