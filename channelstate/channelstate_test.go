package channelstate

import (
	"context"
	"testing"
	"time"

	"github.com/clank-bot/clank/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), ":memory:", "")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefaults() store.Defaults {
	return store.Defaults{
		MessageThreshold:    30,
		SpontaneousCooldown: 5 * time.Minute,
		ResponseCooldown:    time.Minute,
		ContextLimit:        200,
	}
}

func TestLoadSynthesizesDefaults(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	if err := reg.Load(context.Background(), []string{"alice"}, testDefaults()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st, ok := reg.Get("alice")
	if !ok {
		t.Fatal("expected channel state to be tracked")
	}
	snap := st.Snapshot()
	if snap.MessageThreshold != 30 || snap.ContextLimit != 200 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestSetMessageCountUpdatesInMemoryOnly(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	reg.Load(context.Background(), []string{"alice"}, testDefaults())
	st, _ := reg.Get("alice")

	st.SetMessageCount(1)
	if st.Snapshot().MessageCount != 1 {
		t.Errorf("in-memory count not updated: %+v", st.Snapshot())
	}

	// SetMessageCount never itself writes through; the store row is
	// unaffected until something else (AppendMessage) commits it.
	cfg, err := s.GetChannelConfig(context.Background(), "alice", testDefaults())
	if err != nil {
		t.Fatalf("GetChannelConfig: %v", err)
	}
	if cfg.MessageCount != 0 {
		t.Errorf("store count = %d, want 0 (SetMessageCount is in-memory only)", cfg.MessageCount)
	}
}

func TestResetMessageCount(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	reg.Load(context.Background(), []string{"alice"}, testDefaults())
	st, _ := reg.Get("alice")
	st.SetMessageCount(2)

	if err := st.ResetMessageCount(context.Background(), s); err != nil {
		t.Fatalf("ResetMessageCount: %v", err)
	}
	if st.Snapshot().MessageCount != 0 {
		t.Errorf("expected in-memory reset, got %+v", st.Snapshot())
	}
}

func TestSetFieldUpdatesThresholdInMemoryAndStore(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	reg.Load(context.Background(), []string{"alice"}, testDefaults())
	st, _ := reg.Get("alice")

	if err := st.SetField(context.Background(), s, store.FieldMessageThreshold, 50); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if st.Snapshot().MessageThreshold != 50 {
		t.Errorf("in-memory threshold not updated: %+v", st.Snapshot())
	}

	cfg, err := s.GetChannelConfig(context.Background(), "alice", testDefaults())
	if err != nil {
		t.Fatalf("GetChannelConfig: %v", err)
	}
	if cfg.MessageThreshold != 50 {
		t.Errorf("store threshold = %d, want 50", cfg.MessageThreshold)
	}
}

func TestSetFieldCooldownConvertsSecondsToDuration(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	reg.Load(context.Background(), []string{"alice"}, testDefaults())
	st, _ := reg.Get("alice")

	if err := st.SetField(context.Background(), s, store.FieldSpontaneousCooldown, 120); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if st.Snapshot().SpontaneousCooldown != 2*time.Minute {
		t.Errorf("SpontaneousCooldown = %v, want 2m", st.Snapshot().SpontaneousCooldown)
	}
}

func TestStampLastSpontaneous(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	reg.Load(context.Background(), []string{"alice"}, testDefaults())
	st, _ := reg.Get("alice")

	now := time.Now().Truncate(time.Second)
	if err := st.StampLastSpontaneous(context.Background(), s, now); err != nil {
		t.Fatalf("StampLastSpontaneous: %v", err)
	}
	snap := st.Snapshot()
	if !snap.HasLastSpontaneousAt || !snap.LastSpontaneousAt.Equal(now) {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestGetUnknownChannel(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s)
	if _, ok := reg.Get("nowhere"); ok {
		t.Error("expected unknown channel to not be tracked")
	}
}
