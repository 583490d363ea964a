// Package channelstate holds the in-memory, per-channel counters and tuning
// knobs the Processor consults on every message. Every mutation writes
// through to the Store before the in-memory value is considered committed;
// if the write fails, the in-memory value rolls back so the two never
// diverge for long.
package channelstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clank-bot/clank/store"
)

// State is the live view of one channel's configuration and counters.
type State struct {
	Channel string

	mu                   sync.RWMutex
	messageThreshold     int
	spontaneousCooldown  time.Duration
	responseCooldown     time.Duration
	contextLimit         int
	modelName            string
	messageCount         int
	lastSpontaneousAt    time.Time
	hasLastSpontaneousAt bool
}

// Snapshot is a point-in-time copy of a channel's tuning and counters, safe
// to read without holding any lock.
type Snapshot struct {
	Channel              string
	MessageThreshold     int
	SpontaneousCooldown  time.Duration
	ResponseCooldown     time.Duration
	ContextLimit         int
	ModelName            string
	MessageCount         int
	LastSpontaneousAt    time.Time
	HasLastSpontaneousAt bool
}

func fromConfig(cfg store.ChannelConfig) *State {
	return &State{
		Channel:              cfg.Channel,
		messageThreshold:     cfg.MessageThreshold,
		spontaneousCooldown:  cfg.SpontaneousCooldown,
		responseCooldown:     cfg.ResponseCooldown,
		contextLimit:         cfg.ContextLimit,
		modelName:            cfg.ModelName,
		messageCount:         cfg.MessageCount,
		lastSpontaneousAt:    cfg.LastSpontaneousAt,
		hasLastSpontaneousAt: cfg.HasLastSpontaneousAt,
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Channel:              s.Channel,
		MessageThreshold:     s.messageThreshold,
		SpontaneousCooldown:  s.spontaneousCooldown,
		ResponseCooldown:     s.responseCooldown,
		ContextLimit:         s.contextLimit,
		ModelName:            s.modelName,
		MessageCount:         s.messageCount,
		LastSpontaneousAt:    s.lastSpontaneousAt,
		HasLastSpontaneousAt: s.hasLastSpontaneousAt,
	}
}

// Registry tracks live State for every configured channel.
type Registry struct {
	store store.Store

	mu       sync.RWMutex
	channels map[string]*State
}

// NewRegistry constructs an empty registry bound to a Store.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, channels: make(map[string]*State)}
}

// Load populates the registry for the given channels from Store, synthesizing
// defaults for any channel seen for the first time.
func (r *Registry) Load(ctx context.Context, channels []string, defaults store.Defaults) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			cfg, err := r.store.GetChannelConfig(gctx, ch, defaults)
			if err != nil {
				return fmt.Errorf("load channel state for %q: %w", ch, err)
			}
			r.mu.Lock()
			r.channels[ch] = fromConfig(cfg)
			r.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Get returns the live state for a channel, or false if it is not tracked.
func (r *Registry) Get(channel string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.channels[channel]
	return st, ok
}

// Snapshots returns a point-in-time snapshot of every tracked channel, keyed
// by channel name.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.channels))
	for ch, st := range r.channels {
		out[ch] = st.Snapshot()
	}
	return out
}

// SetMessageCount adopts a message_count value the caller already committed
// to Store (AppendMessage advances the counter atomically with the insert),
// so this only ever updates the in-memory mirror.
func (s *State) SetMessageCount(count int) {
	s.mu.Lock()
	s.messageCount = count
	s.mu.Unlock()
}

// ResetMessageCount writes through to Store then zeroes the in-memory
// counter. On Store failure the in-memory counter is left untouched.
func (s *State) ResetMessageCount(ctx context.Context, st store.Store) error {
	if err := st.ResetMessageCount(ctx, s.Channel); err != nil {
		return err
	}
	s.mu.Lock()
	s.messageCount = 0
	s.mu.Unlock()
	return nil
}

// StampLastSpontaneous writes through to Store then updates the in-memory
// timestamp. On Store failure the in-memory value is left untouched.
func (s *State) StampLastSpontaneous(ctx context.Context, st store.Store, at time.Time) error {
	if err := st.StampLastSpontaneous(ctx, s.Channel, at); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSpontaneousAt = at
	s.hasLastSpontaneousAt = true
	s.mu.Unlock()
	return nil
}

// SetField validates nothing itself (the command package does that); it
// writes the field through to Store and, only on success, applies it to the
// in-memory snapshot so the two never diverge.
//
// value must match what the Store column expects: int for
// FieldMessageThreshold/FieldContextLimit, int (seconds) for the two cooldown
// fields, string for FieldModelName.
func (s *State) SetField(ctx context.Context, st store.Store, field store.ConfigField, value any) error {
	if err := st.SetChannelConfigField(ctx, s.Channel, field, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch field {
	case store.FieldMessageThreshold:
		s.messageThreshold = value.(int)
	case store.FieldSpontaneousCooldown:
		s.spontaneousCooldown = time.Duration(value.(int)) * time.Second
	case store.FieldResponseCooldown:
		s.responseCooldown = time.Duration(value.(int)) * time.Second
	case store.FieldContextLimit:
		s.contextLimit = value.(int)
	case store.FieldModelName:
		s.modelName = value.(string)
	default:
		return fmt.Errorf("unknown config field %q", field)
	}
	return nil
}
