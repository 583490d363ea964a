package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clank-bot/clank/store"
)

func TestOpenStoreSQLiteDefaultPath(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", ":memory:")
	st, err := openStore(context.Background(), "")
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "carrier-pigeon")
	if _, err := openStore(context.Background(), ""); err == nil {
		t.Error("expected error for unknown STORE_BACKEND")
	}
}

func TestMigrationEncryptsPlaintextRowInPlace(t *testing.T) {
	testKey := "bWlncmF0ZS1hdXRoLXRlc3Qta2V5LTMyLWJ5dGVzISE="
	dbPath := filepath.Join(t.TempDir(), "clank.db")
	ctx := context.Background()

	// Write a plaintext row with no encryption key configured.
	unencrypted, err := store.OpenSQLite(ctx, dbPath, "")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	original := store.AuthMaterial{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		BotUsername:  "clankbot",
	}
	if err := unencrypted.PutAuth(ctx, original); err != nil {
		t.Fatalf("PutAuth: %v", err)
	}
	if err := unencrypted.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen the same file with an encryption key: GetAuth still returns the
	// plaintext row (encryption_version=0 skips decryption), and writing it
	// back through PutAuth now encrypts it at rest.
	encrypted, err := store.OpenSQLite(ctx, dbPath, testKey)
	if err != nil {
		t.Fatalf("reopen with encryption key: %v", err)
	}
	defer encrypted.Close()

	auth, ok, err := encrypted.GetAuth(ctx)
	if err != nil || !ok {
		t.Fatalf("GetAuth: ok=%v err=%v", ok, err)
	}
	if auth.AccessToken != original.AccessToken {
		t.Fatalf("expected plaintext row to read back unchanged before migration, got %q", auth.AccessToken)
	}

	if err := encrypted.PutAuth(ctx, auth); err != nil {
		t.Fatalf("PutAuth (migration write): %v", err)
	}

	roundTripped, ok, err := encrypted.GetAuth(ctx)
	if err != nil || !ok {
		t.Fatalf("GetAuth after migration: ok=%v err=%v", ok, err)
	}
	if roundTripped.AccessToken != original.AccessToken || roundTripped.RefreshToken != original.RefreshToken {
		t.Errorf("round trip mismatch after migration: got %+v, want %+v", roundTripped, original)
	}
}
