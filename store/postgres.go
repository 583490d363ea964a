package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	stdlib "github.com/jackc/pgx/v5/stdlib"

	"github.com/clank-bot/clank/crypto"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore is the networked relational backend, used when multiple
// processes or a durable managed database is required.
type PostgresStore struct {
	pool      *pgxpool.Pool
	encryptor crypto.Encryptor
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to Postgres and runs versioned migrations from the
// embedded migrations directory. encryptionKey is required by config.Validate
// whenever this backend is selected.
func OpenPostgres(ctx context.Context, dsn, encryptionKey string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if encryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(encryptionKey)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("init encryptor: %w", err)
		}
		s.encryptor = enc
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// runMigrations applies pending versioned migrations using a plain
// database/sql connection, since golang-migrate's postgres driver expects
// *sql.DB rather than a pgxpool.Pool.
func runMigrations(dsn string) error {
	cfg, err := parseConfig(dsn)
	if err != nil {
		return err
	}
	db := stdlib.OpenDB(*cfg)
	defer db.Close()

	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("postgres schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		slog.Info("postgres migrations applied", slog.Uint64("version", uint64(version)))
		if dirty {
			return fmt.Errorf("database is in a dirty state at version %d", version)
		}
	}
	return nil
}

func parseConfig(dsn string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (AppendResult, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (message_id, channel, user_id, display_name, content, timestamp) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.Channel, msg.UserID, msg.DisplayName, msg.Content, msg.Timestamp.UTC())
	if err != nil {
		return AppendUnavailable, 0, fmt.Errorf("append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// ON CONFLICT DO NOTHING with no rows affected means message_id already existed.
		return AppendDuplicate, 0, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, message_count)
		 VALUES ($1, 0, 0, 0, 0, 0) ON CONFLICT (channel) DO NOTHING`, msg.Channel); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var count int
	if err := tx.QueryRow(ctx,
		`UPDATE channel_configs SET message_count = message_count + 1 WHERE channel = $1 RETURNING message_count`, msg.Channel).Scan(&count); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendUnavailable, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return AppendOK, count, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, channel, user_id, display_name, content, timestamp FROM messages
		 WHERE channel = $1 ORDER BY timestamp DESC LIMIT $2`, channel, limit)
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

	out := make([]Message, len(descending))
	for i, m := range descending {
		out[len(descending)-1-i] = m
	}
	return out, nil
}

func (s *PostgresStore) CountRecent(ctx context.Context, channel string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE channel = $1`, channel).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE message_id = $1`, messageID)
	return err
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, channel, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE channel = $1 AND user_id = $2`, channel, userID)
	return err
}

func (s *PostgresStore) ClearChannel(ctx context.Context, channel string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE channel = $1`, channel)
	return err
}

func (s *PostgresStore) GetChannelConfig(ctx context.Context, channel string, defaults Defaults) (ChannelConfig, error) {
	var cfg ChannelConfig
	var modelName *string
	var lastSpontaneous *time.Time
	var thresholdS, spontS, respS, ctxS int
	row := s.pool.QueryRow(ctx,
		`SELECT channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, model_name, message_count, last_spontaneous_at
		 FROM channel_configs WHERE channel = $1`, channel)
	err := row.Scan(&cfg.Channel, &thresholdS, &spontS, &respS, &ctxS, &modelName, &cfg.MessageCount, &lastSpontaneous)
	if errors.Is(err, pgx.ErrNoRows) {
		cfg = ChannelConfig{
			Channel:             channel,
			MessageThreshold:    defaults.MessageThreshold,
			SpontaneousCooldown: defaults.SpontaneousCooldown,
			ResponseCooldown:    defaults.ResponseCooldown,
			ContextLimit:        defaults.ContextLimit,
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit)
			 VALUES ($1, $2, $3, $4, $5)`,
			channel, cfg.MessageThreshold, int(cfg.SpontaneousCooldown.Seconds()), int(cfg.ResponseCooldown.Seconds()), cfg.ContextLimit)
		if err != nil {
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
	if modelName != nil {
		cfg.ModelName = *modelName
	}
	if lastSpontaneous != nil {
		cfg.LastSpontaneousAt = *lastSpontaneous
		cfg.HasLastSpontaneousAt = true
	}
	return cfg, nil
}

func (s *PostgresStore) SetChannelConfigField(ctx context.Context, channel string, field ConfigField, value any) error {
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
	q := fmt.Sprintf(`UPDATE channel_configs SET %s = $1 WHERE channel = $2`, column)
	if _, err := s.pool.Exec(ctx, q, value, channel); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := s.pool.Exec(ctx, `UPDATE channel_configs SET message_count = 0 WHERE channel = $1`, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE channel_configs SET last_spontaneous_at = $1 WHERE channel = $2`, at.UTC(), channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetUserCooldown(ctx context.Context, channel, userID string) (UserResponseCooldown, bool, error) {
	var c UserResponseCooldown
	row := s.pool.QueryRow(ctx, `SELECT channel, user_id, last_response_at FROM user_response_cooldowns WHERE channel = $1 AND user_id = $2`, channel, userID)
	err := row.Scan(&c.Channel, &c.UserID, &c.LastResponseAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserResponseCooldown{}, false, nil
	}
	if err != nil {
		return UserResponseCooldown{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c, true, nil
}

func (s *PostgresStore) StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_response_cooldowns (channel, user_id, last_response_at) VALUES ($1, $2, $3)
		 ON CONFLICT (channel, user_id) DO UPDATE SET last_response_at = EXCLUDED.last_response_at`,
		channel, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetAuth(ctx context.Context) (AuthMaterial, bool, error) {
	var a AuthMaterial
	var access, refresh *string
	var encVersion int
	row := s.pool.QueryRow(ctx, `SELECT access_token, refresh_token, expires_at, bot_username, encryption_version FROM auth_material WHERE id = 1`)
	err := row.Scan(&access, &refresh, &a.ExpiresAt, &a.BotUsername, &encVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthMaterial{}, false, nil
	}
	if err != nil {
		return AuthMaterial{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if access != nil {
		a.AccessToken = *access
	}
	if refresh != nil {
		a.RefreshToken = *refresh
	}
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

func (s *PostgresStore) PutAuth(ctx context.Context, auth AuthMaterial) error {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_material (id, access_token, refresh_token, expires_at, bot_username, encryption_version)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at, bot_username=EXCLUDED.bot_username, encryption_version=EXCLUDED.encryption_version`,
		access, refresh, auth.ExpiresAt.UTC(), auth.BotUsername, encVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RecordMetric(ctx context.Context, channel string, kind MetricKind, value float64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO metrics (channel, kind, value, timestamp) VALUES ($1, $2, $3, $4)`,
		channel, string(kind), value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, channel string, kind MetricKind, window time.Duration) (float64, error) {
	cutoff := time.Now().Add(-window).UTC()
	var sum *float64
	err := s.pool.QueryRow(ctx,
		`SELECT SUM(value) FROM metrics WHERE channel = $1 AND kind = $2 AND timestamp >= $3`,
		channel, string(kind), cutoff).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, retentionMessages, retentionMetrics, retentionCooldowns time.Duration) error {
	const batchSize = 500
	messageCutoff := time.Now().Add(-retentionMessages).UTC()
	for {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM messages WHERE message_id IN (SELECT message_id FROM messages WHERE timestamp < $1 LIMIT $2)`,
			messageCutoff, batchSize)
		if err != nil {
			return fmt.Errorf("cleanup messages: %w", err)
		}
		if tag.RowsAffected() < batchSize {
			break
		}
	}

	metricCutoff := time.Now().Add(-retentionMetrics).UTC()
	for {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM metrics WHERE id IN (SELECT id FROM metrics WHERE timestamp < $1 LIMIT $2)`,
			metricCutoff, batchSize)
		if err != nil {
			return fmt.Errorf("cleanup metrics: %w", err)
		}
		if tag.RowsAffected() < batchSize {
			break
		}
	}

	cooldownCutoff := time.Now().Add(-retentionCooldowns).UTC()
	for {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM user_response_cooldowns WHERE (channel, user_id) IN (
				SELECT channel, user_id FROM user_response_cooldowns WHERE last_response_at < $1 LIMIT $2)`,
			cooldownCutoff, batchSize)
		if err != nil {
			return fmt.Errorf("cleanup cooldowns: %w", err)
		}
		if tag.RowsAffected() < batchSize {
			break
		}
	}

	slog.Info("retention cleanup completed",
		slog.Duration("message_window", retentionMessages),
		slog.Duration("metric_window", retentionMetrics),
		slog.Duration("cooldown_window", retentionCooldowns))
	return nil
}
