package auth

import (
	"context"
	"sync"
	"time"
)

// Ensure MemoryStore implements KeyStore
var _ KeyStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory KeyStore for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]*Credential
	worlds map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*Credential),
		worlds: make(map[string]string),
	}
}

func (m *MemoryStore) CreateKey(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[cred.APIKey]; exists {
		return ErrKeyExists
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	if cred.LastRequestDate == "" {
		cred.LastRequestDate = DateStamp(cred.CreatedAt)
	}
	clone := *cred
	m.keys[cred.APIKey] = &clone
	return nil
}

func (m *MemoryStore) ByKey(ctx context.Context, apiKey string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.keys[apiKey]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := *cred
	return &clone, nil
}

func (m *MemoryStore) RevokeKey(ctx context.Context, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.keys[apiKey]
	if !ok {
		return ErrKeyNotFound
	}
	cred.Revoked = true
	return nil
}

func (m *MemoryStore) RecordRequest(ctx context.Context, apiKey, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.keys[apiKey]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if cred.LastRequestDate == date {
		cred.RequestsToday++
	} else {
		cred.RequestsToday = 1
		cred.LastRequestDate = date
	}
	return cred.RequestsToday, nil
}

func (m *MemoryStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cred := range m.keys {
		cred.RequestsToday = 0
	}
	return int64(len(m.keys)), nil
}

func (m *MemoryStore) RegisterWorld(ctx context.Context, clientID, tokenDigest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.worlds[clientID]; exists {
		return ErrWorldExists
	}
	m.worlds[clientID] = tokenDigest
	return nil
}

func (m *MemoryStore) WorldTokenDigest(ctx context.Context, clientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest, ok := m.worlds[clientID]
	if !ok {
		return "", ErrWorldNotFound
	}
	return digest, nil
}
