package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:", "")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessageDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := Message{MessageID: "m1", Channel: "c1", UserID: "u1", DisplayName: "U1", Content: "hi", Timestamp: time.Now()}

	res, count, err := s.AppendMessage(ctx, msg)
	if err != nil || res != AppendOK || count != 1 {
		t.Fatalf("first append: res=%v count=%d err=%v", res, count, err)
	}

	res, count, err = s.AppendMessage(ctx, msg)
	if err != nil || res != AppendDuplicate {
		t.Fatalf("second append: res=%v err=%v, want AppendDuplicate", res, err)
	}
	if count != 0 {
		t.Fatalf("duplicate append must not report a count, got %d", count)
	}
}

func TestAppendMessageAdvancesCountAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := Message{MessageID: id, Channel: "c1", UserID: "u1", DisplayName: "U1", Content: id, Timestamp: time.Now().Add(time.Duration(i) * time.Second)}
		_, count, err := s.AppendMessage(ctx, msg)
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		if count != i+1 {
			t.Fatalf("append %s: count = %d, want %d", id, count, i+1)
		}
	}

	// A duplicate insert must not advance the counter further.
	if _, _, err := s.AppendMessage(ctx, Message{MessageID: "m1", Channel: "c1", UserID: "u1", DisplayName: "U1", Content: "m1", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.GetChannelConfig(ctx, "c1", Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3 (duplicate must not increment)", cfg.MessageCount)
	}
}

func TestRecentMessagesChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := Message{MessageID: id, Channel: "c1", UserID: "u1", DisplayName: "U1", Content: id, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if _, _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[0].MessageID != "m1" || msgs[2].MessageID != "m3" {
		t.Fatalf("unexpected order: %v", msgs)
	}
}

func TestChannelIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.AppendMessage(ctx, Message{MessageID: "a", Channel: "c1", UserID: "u1", DisplayName: "U1", Content: "x", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AppendMessage(ctx, Message{MessageID: "b", Channel: "c2", UserID: "u1", DisplayName: "U1", Content: "y", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "a" {
		t.Fatalf("channel isolation violated: %v", msgs)
	}
}

func TestDeleteByUserPurgesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2"} {
		if _, _, err := s.AppendMessage(ctx, Message{MessageID: id, Channel: "c1", UserID: "banned", DisplayName: "B", Content: id, Timestamp: time.Now().Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := s.AppendMessage(ctx, Message{MessageID: "m3", Channel: "c1", UserID: "other", DisplayName: "O", Content: "safe", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteByUser(ctx, "c1", "banned"); err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].UserID != "other" {
		t.Fatalf("expected only the untouched user's message, got %v", msgs)
	}
}

func TestGetChannelConfigSynthesizesDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	defaults := Defaults{MessageThreshold: 30, SpontaneousCooldown: 5 * time.Minute, ResponseCooldown: time.Minute, ContextLimit: 200}
	cfg, err := s.GetChannelConfig(ctx, "newchan", defaults)
	if err != nil {
		t.Fatalf("GetChannelConfig: %v", err)
	}
	if cfg.MessageThreshold != 30 || cfg.ContextLimit != 200 {
		t.Fatalf("unexpected synthesized config: %+v", cfg)
	}

	cfg2, err := s.GetChannelConfig(ctx, "newchan", Defaults{MessageThreshold: 999})
	if err != nil {
		t.Fatalf("GetChannelConfig second read: %v", err)
	}
	if cfg2.MessageThreshold != 30 {
		t.Fatalf("second read should not re-synthesize: got %d", cfg2.MessageThreshold)
	}
}

func TestIncrementAndResetMessageCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetChannelConfig(ctx, "c1", Defaults{}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		msg := Message{MessageID: id, Channel: "c1", UserID: "u1", DisplayName: "U1", Content: "hi", Timestamp: time.Now()}
		if _, _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	cfg, err := s.GetChannelConfig(ctx, "c1", Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", cfg.MessageCount)
	}
	if err := s.ResetMessageCount(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	cfg, err = s.GetChannelConfig(ctx, "c1", Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessageCount != 0 {
		t.Fatalf("MessageCount after reset = %d, want 0", cfg.MessageCount)
	}
}

func TestUserCooldownRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := s.GetUserCooldown(ctx, "c1", "u1"); err != nil || ok {
		t.Fatalf("expected no cooldown yet, ok=%v err=%v", ok, err)
	}
	now := time.Now().Truncate(time.Second)
	if err := s.StampUserCooldown(ctx, "c1", "u1", now); err != nil {
		t.Fatal(err)
	}
	cd, ok, err := s.GetUserCooldown(ctx, "c1", "u1")
	if err != nil || !ok {
		t.Fatalf("expected cooldown, ok=%v err=%v", ok, err)
	}
	if !cd.LastResponseAt.Equal(now) {
		t.Fatalf("LastResponseAt = %v, want %v", cd.LastResponseAt, now)
	}
}

func TestAuthMaterialEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=" // 32 bytes base64
	s, err := OpenSQLite(ctx, ":memory:", key)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	auth := AuthMaterial{AccessToken: "access-secret", RefreshToken: "refresh-secret", ExpiresAt: time.Now().Add(time.Hour), BotUsername: "clank"}
	if err := s.PutAuth(ctx, auth); err != nil {
		t.Fatalf("PutAuth: %v", err)
	}
	got, ok, err := s.GetAuth(ctx)
	if err != nil || !ok {
		t.Fatalf("GetAuth: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != auth.AccessToken || got.RefreshToken != auth.RefreshToken {
		t.Fatalf("decrypted auth mismatch: %+v", got)
	}
}

func TestCleanupRespectsRetentionWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := Message{MessageID: "old", Channel: "c1", UserID: "u1", DisplayName: "U1", Content: "old", Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := Message{MessageID: "fresh", Channel: "c1", UserID: "u1", DisplayName: "U1", Content: "fresh", Timestamp: time.Now()}
	if _, _, err := s.AppendMessage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AppendMessage(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(ctx, 24*time.Hour, 24*time.Hour, 24*time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "fresh" {
		t.Fatalf("cleanup did not respect retention window: %v", msgs)
	}
}

func TestCleanupPrunesStaleCooldowns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.StampUserCooldown(ctx, "c1", "stale-user", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.StampUserCooldown(ctx, "c1", "fresh-user", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(ctx, 24*time.Hour, 24*time.Hour, 24*time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, ok, err := s.GetUserCooldown(ctx, "c1", "stale-user"); err != nil || ok {
		t.Fatalf("expected stale cooldown to be pruned, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetUserCooldown(ctx, "c1", "fresh-user"); err != nil || !ok {
		t.Fatalf("expected fresh cooldown to survive, ok=%v err=%v", ok, err)
	}
}
