// Package dispatch turns HTTP REST calls into correlated request/response
// exchanges with a connected world. Each operation is declared as a Spec;
// the dispatcher validates parameters, sends the envelope over the target
// world's session, and blocks until the reply, a timeout, or a lost session
// resolves it.
package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gobuffalo/buffalo"
	"github.com/google/uuid"

	"github.com/gamebridge/relaykit/pending"
	"github.com/gamebridge/relaykit/protocol"
	"github.com/gamebridge/relaykit/telemetry"
)

// Sender is the outbound half of a world session.
type Sender interface {
	ID() string
	ClientID() string
	Send(env protocol.Envelope) error
}

// Targets resolves a clientId to its live session.
type Targets interface {
	Get(clientID string) (Sender, bool)
}

// Dispatcher relays REST calls to world sessions and correlates the replies.
type Dispatcher struct {
	Targets Targets
	Pending *pending.Table
	Timeout time.Duration
	Log     telemetry.Sink
	Metrics *telemetry.Metrics
}

// NewDispatcher wires a dispatcher. metrics may be nil.
func NewDispatcher(targets Targets, tbl *pending.Table, timeout time.Duration, log telemetry.Sink, metrics *telemetry.Metrics) *Dispatcher {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Dispatcher{
		Targets: targets,
		Pending: tbl,
		Timeout: timeout,
		Log:     log,
		Metrics: metrics,
	}
}

// Handler builds the Buffalo handler for one operation spec.
func (d *Dispatcher) Handler(spec Spec) buffalo.Handler {
	return func(c buffalo.Context) error {
		start := time.Now()
		status, err := d.relay(c, spec)
		if d.Metrics != nil {
			d.Metrics.RequestsTotal.WithLabelValues(spec.Type, strconv.Itoa(status)).Inc()
			d.Metrics.RequestDuration.WithLabelValues(spec.Type).Observe(time.Since(start).Seconds())
		}
		return err
	}
}

// relay runs one dispatch end to end and returns the HTTP status it wrote.
func (d *Dispatcher) relay(c buffalo.Context, spec Spec) (int, error) {
	req := c.Request()

	query := make(map[string]string)
	for key, values := range req.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	body, err := parseBody(req)
	if err != nil {
		return writeJSON(c, http.StatusBadRequest, map[string]string{
			"error":      "MalformedBody",
			"suggestion": "Send a valid JSON object as the request body",
		})
	}

	payload := make(map[string]interface{})
	var clientID string

	for _, p := range spec.Required {
		v, found, err := extract(p, query, body)
		if err != nil {
			return writeParamError(c, err)
		}
		if !found {
			return writeParamError(c, missingParam(p))
		}
		if p.Name == "clientId" {
			clientID, _ = v.(string)
			continue
		}
		payload[p.Name] = v
	}
	for _, p := range spec.Optional {
		v, found, err := extract(p, query, body)
		if err != nil {
			return writeParamError(c, err)
		}
		if found {
			payload[p.Name] = v
		}
	}

	if spec.Validate != nil {
		if rej := spec.Validate(payload); rej != nil {
			return writeJSON(c, http.StatusBadRequest, map[string]string{
				"error":      rej.Error,
				"suggestion": rej.Suggestion,
			})
		}
	}

	target, ok := d.Targets.Get(clientID)
	if !ok {
		return writeJSON(c, http.StatusNotFound, map[string]string{
			"error":      "WorldOffline",
			"suggestion": "The world is not connected; retry once it reconnects",
		})
	}

	requestID := uuid.NewString()
	w := d.Pending.Register(requestID, target.ID())

	env := protocol.Envelope{
		Type:      spec.Type,
		RequestID: requestID,
		ClientID:  clientID,
		Payload:   payload,
	}
	if err := target.Send(env); err != nil {
		d.Pending.Fail(requestID, pending.ErrSessionLost)
		d.Log.Warn("upstream send failed", telemetry.Fields{
			"clientId":  clientID,
			"op":        spec.Type,
			"requestId": requestID,
			"error":     err.Error(),
		})
		return writeJSON(c, http.StatusBadGateway, map[string]string{
			"error": "UpstreamSendFailed",
		})
	}

	reply, err := d.Pending.Await(req.Context(), w, d.Timeout)
	switch {
	case err == nil && reply.IsError():
		resp := map[string]string{"error": reply.Error}
		if reply.Suggestion != "" {
			resp["suggestion"] = reply.Suggestion
		}
		return writeJSON(c, http.StatusUnprocessableEntity, resp)

	case err == nil:
		return writeJSON(c, http.StatusOK, reply.Payload)

	case errors.Is(err, pending.ErrTimeout):
		d.Log.Warn("upstream timeout", telemetry.Fields{
			"clientId":  clientID,
			"op":        spec.Type,
			"requestId": requestID,
		})
		return writeJSON(c, http.StatusGatewayTimeout, map[string]string{
			"error":      "UpstreamTimeout",
			"suggestion": "The world did not reply in time; retry the request",
		})

	case errors.Is(err, pending.ErrSessionLost):
		return writeJSON(c, http.StatusBadGateway, map[string]string{
			"error":      "WorldDisconnected",
			"suggestion": "The world disconnected before replying; retry once it reconnects",
		})

	default:
		// The REST caller went away; there is nobody left to answer.
		return 0, nil
	}
}

// parseBody decodes a JSON object body. Absent or empty bodies decode to an
// empty map; anything else must be a JSON object.
func parseBody(req *http.Request) (map[string]interface{}, error) {
	if req.Body == nil {
		return map[string]interface{}{}, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}

	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, nil
}

func writeParamError(c buffalo.Context, err error) (int, error) {
	var pe *paramError
	if errors.As(err, &pe) {
		return writeJSON(c, http.StatusBadRequest, map[string]string{
			"error":      pe.code,
			"suggestion": pe.suggestion,
		})
	}
	return writeJSON(c, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeJSON writes a JSON response and reports the status back for metrics.
func writeJSON(c buffalo.Context, status int, body interface{}) (int, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	c.Response().Header().Set("Content-Type", "application/json; charset=utf-8")
	c.Response().WriteHeader(status)
	return status, json.NewEncoder(c.Response()).Encode(body)
}
