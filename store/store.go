// Package store durably persists messages, per-channel configuration, per-user
// response cooldowns, auth material, and performance counters behind one
// interface backed by either an embedded SQLite file or a networked Postgres
// database. Selection is by configuration; there is no auto-fallback between
// the two, and the schema is identical across both.
package store

import (
	"context"
	"errors"
	"time"
)

// AppendResult discriminates the outcome of AppendMessage instead of relying
// on sentinel errors for the expected duplicate case.
type AppendResult int

const (
	AppendOK AppendResult = iota
	AppendDuplicate
	AppendUnavailable
)

func (r AppendResult) String() string {
	switch r {
	case AppendOK:
		return "ok"
	case AppendDuplicate:
		return "duplicate"
	case AppendUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned by read operations when the backend cannot be
// reached. Callers must treat this as "no adequate context", never as an
// empty-but-valid result.
var ErrUnavailable = errors.New("store unavailable")

// Message is a single stored chat line. Rows are immutable except for
// moderation-driven deletion.
type Message struct {
	MessageID   string
	Channel     string
	UserID      string
	DisplayName string
	Content     string
	Timestamp   time.Time
}

// ChannelConfig holds the mutable per-channel tuning knobs. ModelName is
// nullable in storage; an empty string here means "inherit the global
// default model".
type ChannelConfig struct {
	Channel               string
	MessageThreshold      int
	SpontaneousCooldown   time.Duration
	ResponseCooldown      time.Duration
	ContextLimit          int
	ModelName             string
	MessageCount          int
	LastSpontaneousAt     time.Time
	HasLastSpontaneousAt  bool
}

// UserResponseCooldown records the last time a mention response was sent to
// a specific user in a specific channel.
type UserResponseCooldown struct {
	Channel       string
	UserID        string
	LastResponseAt time.Time
}

// AuthMaterial is the single row of chat credentials. AccessToken and
// RefreshToken are encrypted at rest when the backend was opened with an
// encryption key, and stored as plaintext otherwise.
type AuthMaterial struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	BotUsername  string
}

// MetricKind names the small closed set of counters the Processor and
// Supervisor record. Kept as a string type so new kinds don't require
// schema changes, but callers should draw from these constants.
type MetricKind string

const (
	MetricFilterBlockInput       MetricKind = "filter_block_input"
	MetricFilterBlockOutput      MetricKind = "filter_block_output"
	MetricGeneratorUnavailable   MetricKind = "generator_unavailable"
	MetricGeneratorInvalid       MetricKind = "generator_invalid"
	MetricSpontaneousEmission    MetricKind = "spontaneous_emission"
	MetricResponseEmission       MetricKind = "response_emission"
	MetricEventDropped           MetricKind = "event_dropped"
	MetricStoreUnavailable       MetricKind = "store_unavailable"
)

// Defaults captures the global fallback thresholds a ChannelConfig is
// synthesized from the first time a channel is seen.
type Defaults struct {
	MessageThreshold    int
	SpontaneousCooldown time.Duration
	ResponseCooldown    time.Duration
	ContextLimit        int
}

// ConfigField is the closed set of ChannelConfig columns the Command Handler
// is allowed to write.
type ConfigField string

const (
	FieldMessageThreshold    ConfigField = "message_threshold"
	FieldSpontaneousCooldown ConfigField = "spontaneous_cooldown_s"
	FieldResponseCooldown    ConfigField = "response_cooldown_s"
	FieldContextLimit        ConfigField = "context_limit"
	FieldModelName           ConfigField = "model_name"
)

// Store is the persistence contract shared by every backend. All methods are
// safe for concurrent use across channels; per-channel ordering is enforced
// by the caller (Processor), not by Store itself.
type Store interface {
	// AppendMessage inserts msg and, in the same transaction, advances the
	// channel's message_count -- the two must never observably diverge, so
	// a store outage between them can never leave one done and the other
	// not. count is only meaningful when the result is AppendOK.
	AppendMessage(ctx context.Context, msg Message) (result AppendResult, count int, err error)
	RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error)
	CountRecent(ctx context.Context, channel string) (int, error)

	DeleteByMessageID(ctx context.Context, messageID string) error
	DeleteByUser(ctx context.Context, channel, userID string) error
	ClearChannel(ctx context.Context, channel string) error

	GetChannelConfig(ctx context.Context, channel string, defaults Defaults) (ChannelConfig, error)
	SetChannelConfigField(ctx context.Context, channel string, field ConfigField, value any) error
	ResetMessageCount(ctx context.Context, channel string) error
	StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error

	GetUserCooldown(ctx context.Context, channel, userID string) (UserResponseCooldown, bool, error)
	StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error

	GetAuth(ctx context.Context) (AuthMaterial, bool, error)
	PutAuth(ctx context.Context, auth AuthMaterial) error

	RecordMetric(ctx context.Context, channel string, kind MetricKind, value float64) error
	Aggregate(ctx context.Context, channel string, kind MetricKind, window time.Duration) (float64, error)

	// Cleanup prunes rows older than each retention window: messages,
	// aggregated metrics, and stale per-user response cooldowns.
	Cleanup(ctx context.Context, retentionMessages, retentionMetrics, retentionCooldowns time.Duration) error

	Close() error
}
