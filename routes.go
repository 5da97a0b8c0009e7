package relaykit

import (
	"encoding/json"
	"net/http"

	"github.com/gobuffalo/buffalo"

	"github.com/gamebridge/relaykit/auth"
	"github.com/gamebridge/relaykit/dispatch"
	"github.com/gamebridge/relaykit/scripts"
)

// Operation specs. The Type strings are what worlds dispatch on; they are
// wire-compatible with existing worlds and must not change.
var (
	clientID = dispatch.Param{Name: "clientId", Source: dispatch.FromQueryOrBody, Kind: dispatch.String}

	getSpec = dispatch.Spec{
		Type:     "entity",
		Required: []dispatch.Param{clientID},
		Optional: []dispatch.Param{
			{Name: "uuid", Source: dispatch.FromQuery, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQuery, Kind: dispatch.Boolean},
			{Name: "actor", Source: dispatch.FromQuery, Kind: dispatch.Boolean},
		},
	}

	createSpec = dispatch.Spec{
		Type: "create",
		Required: []dispatch.Param{
			clientID,
			{Name: "entityType", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "data", Source: dispatch.FromBody, Kind: dispatch.Object},
		},
		Optional: []dispatch.Param{
			{Name: "folder", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
		},
		Validate: validateMacro,
	}

	updateSpec = dispatch.Spec{
		Type: "update",
		Required: []dispatch.Param{
			clientID,
			{Name: "data", Source: dispatch.FromBody, Kind: dispatch.Object},
		},
		Optional: []dispatch.Param{
			{Name: "uuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQueryOrBody, Kind: dispatch.Boolean},
			{Name: "actor", Source: dispatch.FromQueryOrBody, Kind: dispatch.Boolean},
		},
	}

	deleteSpec = dispatch.Spec{
		Type:     "delete",
		Required: []dispatch.Param{clientID},
		Optional: []dispatch.Param{
			{Name: "uuid", Source: dispatch.FromQuery, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQuery, Kind: dispatch.Boolean},
		},
	}

	giveSpec = dispatch.Spec{
		Type:     "give",
		Required: []dispatch.Param{clientID},
		Optional: []dispatch.Param{
			{Name: "fromUuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "toUuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQueryOrBody, Kind: dispatch.Boolean},
			{Name: "itemUuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "itemName", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "quantity", Source: dispatch.FromQueryOrBody, Kind: dispatch.Number},
		},
	}

	removeSpec = dispatch.Spec{
		Type:     "remove",
		Required: []dispatch.Param{clientID},
		Optional: []dispatch.Param{
			{Name: "actorUuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQueryOrBody, Kind: dispatch.Boolean},
			{Name: "itemUuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "itemName", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "quantity", Source: dispatch.FromQueryOrBody, Kind: dispatch.Number},
		},
	}

	increaseSpec = attributeSpec("increase")
	decreaseSpec = attributeSpec("decrease")

	killSpec = dispatch.Spec{
		Type:     "kill",
		Required: []dispatch.Param{clientID},
		Optional: []dispatch.Param{
			{Name: "uuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQueryOrBody, Kind: dispatch.Boolean},
		},
	}
)

func attributeSpec(op string) dispatch.Spec {
	return dispatch.Spec{
		Type: op,
		Required: []dispatch.Param{
			clientID,
			{Name: "attribute", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "amount", Source: dispatch.FromQueryOrBody, Kind: dispatch.Number},
		},
		Optional: []dispatch.Param{
			{Name: "uuid", Source: dispatch.FromQueryOrBody, Kind: dispatch.String},
			{Name: "selected", Source: dispatch.FromQueryOrBody, Kind: dispatch.Boolean},
		},
	}
}

// validateMacro rejects macro creation whose command body would escape the
// world-side sandbox. Non-macro entities pass untouched.
func validateMacro(payload map[string]interface{}) *dispatch.Rejection {
	if payload["entityType"] != "Macro" {
		return nil
	}
	data, ok := payload["data"].(map[string]interface{})
	if !ok {
		return nil
	}
	command, _ := data["command"].(string)
	if !scripts.Allowed(command) {
		return &dispatch.Rejection{
			Error:      scripts.RejectionMessage,
			Suggestion: scripts.Suggestion,
		}
	}
	return nil
}

// mountRoutes wires the REST surface. Every relayed route and the session
// inventory sit behind the API-key middleware; /health stays open for load
// balancers.
func mountRoutes(app *buffalo.App, kit *Kit) {
	keyed := auth.RequireAPIKey(kit.Store, kit.Log)
	d := kit.Dispatcher

	entity := app.Group("/entity")
	entity.Use(keyed)
	entity.GET("/get", d.Handler(getSpec))
	entity.POST("/create", d.Handler(createSpec))
	entity.PUT("/update", d.Handler(updateSpec))
	entity.DELETE("/delete", d.Handler(deleteSpec))
	entity.POST("/give", d.Handler(giveSpec))
	entity.POST("/remove", d.Handler(removeSpec))
	entity.POST("/increase", d.Handler(increaseSpec))
	entity.POST("/decrease", d.Handler(decreaseSpec))
	entity.POST("/kill", d.Handler(killSpec))

	app.GET("/clients", keyed(kit.clientsHandler))
	app.GET("/health", kit.healthHandler)
}

// clientsHandler lists the connected worlds.
func (k *Kit) clientsHandler(c buffalo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]interface{}{
		"clients": k.Registry.Snapshot(),
	})
}

// healthHandler reports process liveness and headline counts.
func (k *Kit) healthHandler(c buffalo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  Version(),
		"sessions": k.Registry.Len(),
		"pending":  k.Pending.Len(),
	})
}

func writeJSON(c buffalo.Context, status int, body interface{}) error {
	c.Response().Header().Set("Content-Type", "application/json; charset=utf-8")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(body)
}
