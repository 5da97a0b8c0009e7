// Package auth provides the broker's credential layer: API keys for REST
// callers (with daily request quotas) and opaque tokens for connecting
// worlds. Storage is pluggable behind KeyStore; SQL and in-memory
// implementations ship in this package.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Credential is one API key record. The broker reads and bumps the daily
// counter; it never changes the schema.
type Credential struct {
	APIKey          string    `json:"apiKey" db:"api_key"`
	UserID          string    `json:"userId" db:"user_id"`
	RequestsToday   int       `json:"requestsToday" db:"requests_today"`
	DailyQuota      int       `json:"dailyQuota" db:"daily_quota"`
	LastRequestDate string    `json:"lastRequestDate" db:"last_request_date"`
	Revoked         bool      `json:"revoked" db:"revoked"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

var (
	ErrKeyNotFound   = errors.New("api key not found")
	ErrKeyExists     = errors.New("api key already exists")
	ErrWorldNotFound = errors.New("world not registered")
	ErrWorldExists   = errors.New("world already registered")
)

// KeyStore is the credential and quota provider consumed by the broker.
type KeyStore interface {
	// CreateKey inserts a new API key record.
	CreateKey(ctx context.Context, cred *Credential) error

	// ByKey returns the credential for an API key, or ErrKeyNotFound.
	ByKey(ctx context.Context, apiKey string) (*Credential, error)

	// RevokeKey marks a key revoked. Revoked keys keep their usage history.
	RevokeKey(ctx context.Context, apiKey string) error

	// RecordRequest bumps the key's daily counter, rolling it over to 1 when
	// date differs from the stored lastRequestDate, and returns the count
	// after the bump.
	RecordRequest(ctx context.Context, apiKey, date string) (int, error)

	// ResetDailyCounters zeroes requestsToday for every key in one bulk
	// update and returns the number of keys touched.
	ResetDailyCounters(ctx context.Context) (int64, error)

	// RegisterWorld stores the bcrypt digest of a world's connection token.
	RegisterWorld(ctx context.Context, clientID, tokenDigest string) error

	// WorldTokenDigest returns the stored digest for a world, or
	// ErrWorldNotFound.
	WorldTokenDigest(ctx context.Context, clientID string) (string, error)
}

// DateStamp formats t the way daily counters are keyed.
func DateStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// HashToken digests a world connection token for storage.
func HashToken(token string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(digest), err
}

// CheckToken reports whether token matches a stored digest.
func CheckToken(token, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(token)) == nil
}

// GenerateKey mints a fresh API key: 32 bytes of entropy, hex encoded.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Validator answers WebSocket handshake checks against a KeyStore.
type Validator struct {
	Store KeyStore
}

// ValidateHeadlessSession reports whether the id/token pair presented during
// the handshake belongs to a registered world. An unknown world is a plain
// rejection, not an error; errors mean the backend itself failed.
func (v Validator) ValidateHeadlessSession(ctx context.Context, clientID, token string) (bool, error) {
	digest, err := v.Store.WorldTokenDigest(ctx, clientID)
	if errors.Is(err, ErrWorldNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return CheckToken(token, digest), nil
}
