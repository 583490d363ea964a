package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver registered as "sqlite"

	"github.com/clank-bot/clank/crypto"
)

// SQLiteStore is the embedded single-file backend. It applies its schema with
// idempotent CREATE TABLE IF NOT EXISTS statements rather than a versioned
// migration runner, since golang-migrate's sqlite3 driver requires cgo and
// would defeat the point of a pure-Go embedded database.
type SQLiteStore struct {
	db        *sql.DB
	encryptor crypto.Encryptor // nil when no ENCRYPTION_KEY is configured
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if necessary) a SQLite database file at path and
// applies the schema. encryptionKey may be empty; AuthMaterial is then stored
// in plaintext, which is only acceptable when the file has restrictive
// permissions.
func OpenSQLite(ctx context.Context, path, encryptionKey string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("failed to enable WAL mode", slog.Any("err", err))
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		slog.Warn("failed to enable foreign keys", slog.Any("err", err))
	}

	s := &SQLiteStore{db: db}

	if encryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init encryptor: %w", err)
		}
		s.encryptor = enc
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id)`,

		`CREATE TABLE IF NOT EXISTS channel_configs (
			channel TEXT PRIMARY KEY,
			message_threshold INTEGER NOT NULL,
			spontaneous_cooldown_s INTEGER NOT NULL,
			response_cooldown_s INTEGER NOT NULL,
			context_limit INTEGER NOT NULL,
			model_name TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_spontaneous_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS user_response_cooldowns (
			channel TEXT NOT NULL,
			user_id TEXT NOT NULL,
			last_response_at DATETIME NOT NULL,
			PRIMARY KEY (channel, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS auth_material (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT,
			refresh_token TEXT,
			expires_at DATETIME,
			bot_username TEXT,
			encryption_version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			kind TEXT NOT NULL,
			value REAL NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_channel_kind_ts ON metrics(channel, kind, timestamp)`,
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate step %d: %w", i, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (AppendResult, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, channel, user_id, display_name, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.Channel, msg.UserID, msg.DisplayName, msg.Content, msg.Timestamp.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return AppendDuplicate, 0, nil
		}
		return AppendUnavailable, 0, fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, message_count)
		 VALUES (?, 0, 0, 0, 0, 0) ON CONFLICT(channel) DO NOTHING`, msg.Channel); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE channel_configs SET message_count = message_count + 1 WHERE channel = ?`, msg.Channel); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT message_count FROM channel_configs WHERE channel = ?`, msg.Channel).Scan(&count); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return AppendOK, count, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces "UNIQUE constraint failed" in the error text;
	// there is no typed sentinel exported for it.
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel, user_id, display_name, content, timestamp FROM messages
		 WHERE channel = ? ORDER BY timestamp DESC LIMIT ?`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var descending []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.Channel, &m.UserID, &m.DisplayName, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		descending = append(descending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Reverse to chronological (newest-last) order for delivery.
	out := make([]Message, len(descending))
	for i, m := range descending {
		out[len(descending)-1-i] = m
	}
	return out, nil
}

func (s *SQLiteStore) CountRecent(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = ?`, channel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID)
	return err
}

func (s *SQLiteStore) DeleteByUser(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ? AND user_id = ?`, channel, userID)
	return err
}

func (s *SQLiteStore) ClearChannel(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
	return err
}

func (s *SQLiteStore) GetChannelConfig(ctx context.Context, channel string, defaults Defaults) (ChannelConfig, error) {
	var cfg ChannelConfig
	var modelName sql.NullString
	var lastSpontaneous sql.NullTime
	row := s.db.QueryRowContext(ctx,
		`SELECT channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, model_name, message_count, last_spontaneous_at
		 FROM channel_configs WHERE channel = ?`, channel)
	var thresholdS, spontS, respS, ctxS int
	err := row.Scan(&cfg.Channel, &thresholdS, &spontS, &respS, &ctxS, &modelName, &cfg.MessageCount, &lastSpontaneous)
	if errors.Is(err, sql.ErrNoRows) {
		cfg = ChannelConfig{
			Channel:             channel,
			MessageThreshold:    defaults.MessageThreshold,
			SpontaneousCooldown: defaults.SpontaneousCooldown,
			ResponseCooldown:    defaults.ResponseCooldown,
			ContextLimit:        defaults.ContextLimit,
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit)
			 VALUES (?, ?, ?, ?, ?)`,
			channel, cfg.MessageThreshold, int(cfg.SpontaneousCooldown.Seconds()), int(cfg.ResponseCooldown.Seconds()), cfg.ContextLimit); err != nil {
			return ChannelConfig{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return cfg, nil
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cfg.MessageThreshold = thresholdS
	cfg.SpontaneousCooldown = time.Duration(spontS) * time.Second
	cfg.ResponseCooldown = time.Duration(respS) * time.Second
	cfg.ContextLimit = ctxS
	if modelName.Valid {
		cfg.ModelName = modelName.String
	}
	if lastSpontaneous.Valid {
		cfg.LastSpontaneousAt = lastSpontaneous.Time
		cfg.HasLastSpontaneousAt = true
	}
	return cfg, nil
}

func (s *SQLiteStore) SetChannelConfigField(ctx context.Context, channel string, field ConfigField, value any) error {
	if _, err := s.GetChannelConfig(ctx, channel, Defaults{}); err != nil {
		return err
	}
	var column string
	switch field {
	case FieldMessageThreshold:
		column = "message_threshold"
	case FieldSpontaneousCooldown:
		column = "spontaneous_cooldown_s"
	case FieldResponseCooldown:
		column = "response_cooldown_s"
	case FieldContextLimit:
		column = "context_limit"
	case FieldModelName:
		column = "model_name"
	default:
		return fmt.Errorf("unknown config field %q", field)
	}
	q := fmt.Sprintf(`UPDATE channel_configs SET %s = ? WHERE channel = ?`, column)
	if _, err := s.db.ExecContext(ctx, q, value, channel); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_configs SET message_count = 0 WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_configs SET last_spontaneous_at = ? WHERE channel = ?`, at.UTC(), channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserCooldown(ctx context.Context, channel, userID string) (UserResponseCooldown, bool, error) {
	var c UserResponseCooldown
	row := s.db.QueryRowContext(ctx, `SELECT channel, user_id, last_response_at FROM user_response_cooldowns WHERE channel = ? AND user_id = ?`, channel, userID)
	err := row.Scan(&c.Channel, &c.UserID, &c.LastResponseAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserResponseCooldown{}, false, nil
	}
	if err != nil {
		return UserResponseCooldown{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_response_cooldowns (channel, user_id, last_response_at) VALUES (?, ?, ?)
		 ON CONFLICT(channel, user_id) DO UPDATE SET last_response_at = excluded.last_response_at`,
		channel, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetAuth(ctx context.Context) (AuthMaterial, bool, error) {
	var a AuthMaterial
	var access, refresh sql.NullString
	var encVersion int
	row := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, bot_username, encryption_version FROM auth_material WHERE id = 1`)
	err := row.Scan(&access, &refresh, &a.ExpiresAt, &a.BotUsername, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthMaterial{}, false, nil
	}
	if err != nil {
		return AuthMaterial{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.AccessToken, a.RefreshToken = access.String, refresh.String
	if encVersion == 1 {
		if s.encryptor == nil {
			return AuthMaterial{}, false, fmt.Errorf("auth material is encrypted but no ENCRYPTION_KEY configured")
		}
		if a.AccessToken, err = crypto.DecryptString(s.encryptor, a.AccessToken); err != nil {
			return AuthMaterial{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if a.RefreshToken, err = crypto.DecryptString(s.encryptor, a.RefreshToken); err != nil {
			return AuthMaterial{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return a, true, nil
}

func (s *SQLiteStore) PutAuth(ctx context.Context, auth AuthMaterial) error {
	access, refresh := auth.AccessToken, auth.RefreshToken
	encVersion := 0
	if s.encryptor != nil {
		var err error
		if access, err = crypto.EncryptString(s.encryptor, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.encryptor, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_material (id, access_token, refresh_token, expires_at, bot_username, encryption_version)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token,
		   expires_at=excluded.expires_at, bot_username=excluded.bot_username, encryption_version=excluded.encryption_version`,
		access, refresh, auth.ExpiresAt.UTC(), auth.BotUsername, encVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RecordMetric(ctx context.Context, channel string, kind MetricKind, value float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics (channel, kind, value, timestamp) VALUES (?, ?, ?, ?)`,
		channel, string(kind), value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Aggregate(ctx context.Context, channel string, kind MetricKind, window time.Duration) (float64, error) {
	cutoff := time.Now().Add(-window).UTC()
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(value) FROM metrics WHERE channel = ? AND kind = ? AND timestamp >= ?`,
		channel, string(kind), cutoff).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sum.Float64, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, retentionMessages, retentionMetrics, retentionCooldowns time.Duration) error {
	const batchSize = 500
	messageCutoff := time.Now().Add(-retentionMessages).UTC()
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE message_id IN (SELECT message_id FROM messages WHERE timestamp < ? LIMIT ?)`,
			messageCutoff, batchSize)
		if err != nil {
			return fmt.Errorf("cleanup messages: %w", err)
		}
		n, _ := res.RowsAffected()
		if n < batchSize {
			break
		}
	}

	metricCutoff := time.Now().Add(-retentionMetrics).UTC()
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM metrics WHERE id IN (SELECT id FROM metrics WHERE timestamp < ? LIMIT ?)`,
			metricCutoff, batchSize)
		if err != nil {
			return fmt.Errorf("cleanup metrics: %w", err)
		}
		n, _ := res.RowsAffected()
		if n < batchSize {
			break
		}
	}

	cooldownCutoff := time.Now().Add(-retentionCooldowns).UTC()
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM user_response_cooldowns WHERE (channel, user_id) IN (
				SELECT channel, user_id FROM user_response_cooldowns WHERE last_response_at < ? LIMIT ?)`,
			cooldownCutoff, batchSize)
		if err != nil {
			return fmt.Errorf("cleanup cooldowns: %w", err)
		}
		n, _ := res.RowsAffected()
		if n < batchSize {
			break
		}
	}

	slog.Info("retention cleanup completed",
		slog.Duration("message_window", retentionMessages),
		slog.Duration("metric_window", retentionMetrics),
		slog.Duration("cooldown_window", retentionCooldowns))
	return nil
}
