package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gobuffalo/buffalo"

	"github.com/gamebridge/relaykit/telemetry"
)

// HeaderAPIKey is the request header REST callers authenticate with.
const HeaderAPIKey = "x-api-key"

// ContextKeyCredential is where RequireAPIKey stashes the caller's
// credential for downstream handlers.
const ContextKeyCredential = "credential"

// RequireAPIKey returns Buffalo middleware that authenticates REST callers
// and enforces their daily quota. 401 on a missing key, 403 on an unknown
// or revoked key, 429 once the quota is spent, 500 when the backend fails.
func RequireAPIKey(store KeyStore, log telemetry.Sink) buffalo.MiddlewareFunc {
	if log == nil {
		log = telemetry.Nop()
	}

	return func(next buffalo.Handler) buffalo.Handler {
		return func(c buffalo.Context) error {
			key := c.Request().Header.Get(HeaderAPIKey)
			if key == "" {
				return writeAuthError(c, http.StatusUnauthorized, "MissingAPIKey",
					"Provide an API key in the x-api-key header")
			}

			ctx := c.Request().Context()
			cred, err := store.ByKey(ctx, key)
			if errors.Is(err, ErrKeyNotFound) {
				log.Warn("rejected unknown api key", telemetry.Fields{"path": c.Request().URL.Path})
				return writeAuthError(c, http.StatusForbidden, "InvalidAPIKey", "")
			}
			if err != nil {
				log.Error("auth backend unavailable", telemetry.Fields{"error": err.Error()})
				return writeAuthError(c, http.StatusInternalServerError, "AuthBackendUnavailable", "")
			}
			if cred.Revoked {
				return writeAuthError(c, http.StatusForbidden, "APIKeyRevoked", "")
			}

			now := time.Now()
			count, err := store.RecordRequest(ctx, key, DateStamp(now))
			if err != nil {
				log.Error("auth backend unavailable", telemetry.Fields{"error": err.Error()})
				return writeAuthError(c, http.StatusInternalServerError, "AuthBackendUnavailable", "")
			}
			if cred.DailyQuota > 0 && count > cred.DailyQuota {
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", secondsUntilMidnightUTC(now)))
				return writeAuthError(c, http.StatusTooManyRequests, "QuotaExceeded",
					"Daily request quota exhausted; retry after the daily reset")
			}

			c.Set(ContextKeyCredential, cred)
			return next(c)
		}
	}
}

func secondsUntilMidnightUTC(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}

func writeAuthError(c buffalo.Context, status int, code, suggestion string) error {
	body := map[string]string{"error": code}
	if suggestion != "" {
		body["suggestion"] = suggestion
	}
	c.Response().Header().Set("Content-Type", "application/json; charset=utf-8")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(body)
}
