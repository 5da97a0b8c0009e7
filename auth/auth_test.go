package auth

import (
	"context"
	"testing"
	"time"
)

func TestHashAndCheckToken(t *testing.T) {
	digest, err := HashToken("world-secret")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	if !CheckToken("world-secret", digest) {
		t.Error("Token should match its own digest")
	}
	if CheckToken("wrong-secret", digest) {
		t.Error("Wrong token should not match")
	}
}

func TestGenerateKeyIsUnique(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	b, _ := GenerateKey()
	if a == b {
		t.Error("Two generated keys should differ")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
}

func TestValidatorHeadlessSession(t *testing.T) {
	store := NewMemoryStore()
	digest, _ := HashToken("token-1")
	if err := store.RegisterWorld(context.Background(), "W1", digest); err != nil {
		t.Fatalf("RegisterWorld failed: %v", err)
	}

	v := Validator{Store: store}

	ok, err := v.ValidateHeadlessSession(context.Background(), "W1", "token-1")
	if err != nil || !ok {
		t.Errorf("Expected valid session, got ok=%v err=%v", ok, err)
	}

	ok, err = v.ValidateHeadlessSession(context.Background(), "W1", "bad-token")
	if err != nil || ok {
		t.Errorf("Expected rejection for bad token, got ok=%v err=%v", ok, err)
	}

	ok, err = v.ValidateHeadlessSession(context.Background(), "unknown-world", "token-1")
	if err != nil || ok {
		t.Errorf("Unknown world should reject without error, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreDailyRollover(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.CreateKey(ctx, &Credential{APIKey: "key-1", UserID: "u1", DailyQuota: 100})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	today := DateStamp(time.Now())
	for i := 1; i <= 3; i++ {
		count, err := store.RecordRequest(ctx, "key-1", today)
		if err != nil {
			t.Fatalf("RecordRequest failed: %v", err)
		}
		if count != i {
			t.Errorf("Expected count %d, got %d", i, count)
		}
	}

	// A new date rolls the counter back to 1.
	tomorrow := DateStamp(time.Now().Add(24 * time.Hour))
	count, err := store.RecordRequest(ctx, "key-1", tomorrow)
	if err != nil {
		t.Fatalf("RecordRequest failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected rollover to 1, got %d", count)
	}
}

func TestMemoryStoreResetDailyCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	today := DateStamp(time.Now())

	_ = store.CreateKey(ctx, &Credential{APIKey: "key-1", DailyQuota: 10})
	_ = store.CreateKey(ctx, &Credential{APIKey: "key-2", DailyQuota: 10})
	_, _ = store.RecordRequest(ctx, "key-1", today)
	_, _ = store.RecordRequest(ctx, "key-2", today)

	n, err := store.ResetDailyCounters(ctx)
	if err != nil {
		t.Fatalf("ResetDailyCounters failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 keys touched, got %d", n)
	}

	cred, _ := store.ByKey(ctx, "key-1")
	if cred.RequestsToday != 0 {
		t.Errorf("Expected counter reset to 0, got %d", cred.RequestsToday)
	}
}

func TestMemoryStoreRevoke(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.CreateKey(ctx, &Credential{APIKey: "key-1"})
	if err := store.RevokeKey(ctx, "key-1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	cred, _ := store.ByKey(ctx, "key-1")
	if !cred.Revoked {
		t.Error("Key should be revoked")
	}

	if err := store.RevokeKey(ctx, "no-such-key"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}
