package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clank-bot/clank/config"
	"github.com/clank-bot/clank/store"
)

func baseTestConfig(t *testing.T) *config.Config {
	t.Helper()
	blockList := filepath.Join(t.TempDir(), "blocked.txt")
	if err := os.WriteFile(blockList, []byte(""), 0o644); err != nil {
		t.Fatalf("write blocklist: %v", err)
	}
	return &config.Config{
		StoreBackend:               config.StoreBackendSQLite,
		SQLitePath:                 ":memory:",
		GeneratorBaseURL:           "http://127.0.0.1:1",
		GeneratorModel:             "llama3",
		GeneratorTimeout:           200 * time.Millisecond,
		TwitchClientID:             "id",
		TwitchClientSecret:         "secret",
		TwitchBotUsername:          "clankbot",
		Channels:                   []string{"testchan"},
		FilterEnabled:              true,
		BlockedWordsFile:           blockList,
		DefaultMessageThreshold:    30,
		DefaultSpontaneousCooldown: 5 * time.Minute,
		DefaultResponseCooldown:    time.Minute,
		DefaultContextLimit:        200,
		RetentionMessageDays:       30,
		RetentionMetricDays:        14,
		CleanupInterval:            time.Hour,
		HTTPAddr:                   "127.0.0.1:0",
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := baseTestConfig(t)
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := baseTestConfig(t)
	cfg.StoreBackend = "carrier-pigeon"
	if _, err := openStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown store backend")
	}
}

func TestRunFailsWithoutAuthMaterial(t *testing.T) {
	cfg := baseTestConfig(t)
	sup := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	if err == nil {
		t.Fatal("expected error when no auth material is present")
	}
}

func TestRunFailsWhenGeneratorUnreachable(t *testing.T) {
	cfg := baseTestConfig(t)

	// Pre-seed a store with auth material at a real file path so Run can
	// reopen the same database and find it.
	dbPath := filepath.Join(t.TempDir(), "clank.db")
	cfg.SQLitePath = dbPath

	st, err := store.OpenSQLite(context.Background(), dbPath, "")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := st.PutAuth(context.Background(), store.AuthMaterial{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		BotUsername:  "clankbot",
	}); err != nil {
		t.Fatalf("PutAuth: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sup := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = sup.Run(ctx)
	if err == nil {
		t.Fatal("expected error because the generator backend is unreachable")
	}
}
