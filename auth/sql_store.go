package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ensure SQLStore implements KeyStore
var _ KeyStore = (*SQLStore)(nil)

// SQLStore is a database/sql-backed KeyStore. It works against postgres,
// sqlite, and mysql; queries are written with $n placeholders and rebound
// for dialects that use ?.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an existing connection. The tables are created by the
// migrations package.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind converts $n placeholders to ? for dialects that want them.
func (s *SQLStore) rebind(query string) string {
	if s.dialect == "postgres" {
		return query
	}
	for i := 9; i >= 1; i-- {
		query = strings.ReplaceAll(query, "$"+strconv.Itoa(i), "?")
	}
	return query
}

func (s *SQLStore) CreateKey(ctx context.Context, cred *Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	if cred.LastRequestDate == "" {
		cred.LastRequestDate = DateStamp(cred.CreatedAt)
	}

	query := s.rebind(`
		INSERT INTO relay_api_keys
			(api_key, user_id, requests_today, daily_quota, last_request_date, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)

	_, err := s.db.ExecContext(ctx, query,
		cred.APIKey, cred.UserID, cred.RequestsToday, cred.DailyQuota,
		cred.LastRequestDate, boolToInt(cred.Revoked), cred.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *SQLStore) ByKey(ctx context.Context, apiKey string) (*Credential, error) {
	query := s.rebind(`
		SELECT api_key, user_id, requests_today, daily_quota, last_request_date, revoked, created_at
		FROM relay_api_keys
		WHERE api_key = $1
	`)

	cred := &Credential{}
	var revoked int
	err := s.db.QueryRowContext(ctx, query, apiKey).Scan(
		&cred.APIKey, &cred.UserID, &cred.RequestsToday, &cred.DailyQuota,
		&cred.LastRequestDate, &revoked, &cred.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	cred.Revoked = revoked != 0
	return cred, nil
}

func (s *SQLStore) RevokeKey(ctx context.Context, apiKey string) error {
	query := s.rebind(`UPDATE relay_api_keys SET revoked = 1 WHERE api_key = $1`)

	result, err := s.db.ExecContext(ctx, query, apiKey)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLStore) RecordRequest(ctx context.Context, apiKey, date string) (int, error) {
	// The CASE rolls the counter over on the first request of a new day.
	// All three dialects execute single UPDATE statements atomically.
	update := s.rebind(`
		UPDATE relay_api_keys
		SET requests_today = CASE WHEN last_request_date = $1 THEN requests_today + 1 ELSE 1 END,
		    last_request_date = $2
		WHERE api_key = $3
	`)

	result, err := s.db.ExecContext(ctx, update, date, date, apiKey)
	if err != nil {
		return 0, fmt.Errorf("failed to record request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrKeyNotFound
	}

	var count int
	query := s.rebind(`SELECT requests_today FROM relay_api_keys WHERE api_key = $1`)
	if err := s.db.QueryRowContext(ctx, query, apiKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read request count: %w", err)
	}
	return count, nil
}

func (s *SQLStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE relay_api_keys SET requests_today = 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLStore) RegisterWorld(ctx context.Context, clientID, tokenDigest string) error {
	query := s.rebind(`
		INSERT INTO relay_worlds (client_id, token_digest, created_at)
		VALUES ($1, $2, $3)
	`)

	_, err := s.db.ExecContext(ctx, query, clientID, tokenDigest, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWorldExists
		}
		return fmt.Errorf("failed to register world: %w", err)
	}
	return nil
}

func (s *SQLStore) WorldTokenDigest(ctx context.Context, clientID string) (string, error) {
	query := s.rebind(`SELECT token_digest FROM relay_worlds WHERE client_id = $1`)

	var digest string
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", ErrWorldNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load world token: %w", err)
	}
	return digest, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation sniffs driver error text rather than importing all three
// drivers' error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
