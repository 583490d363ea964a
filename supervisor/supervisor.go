// Package supervisor drives the strict startup sequence, owns the
// long-running goroutines (chat transport, cleanup cron, HTTP surface), and
// coordinates graceful shutdown across all of them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clank-bot/clank/channelstate"
	"github.com/clank-bot/clank/chat"
	"github.com/clank-bot/clank/chatauth"
	"github.com/clank-bot/clank/command"
	"github.com/clank-bot/clank/config"
	"github.com/clank-bot/clank/errtaxonomy"
	"github.com/clank-bot/clank/filter"
	"github.com/clank-bot/clank/generator"
	"github.com/clank-bot/clank/oauth"
	"github.com/clank-bot/clank/processor"
	"github.com/clank-bot/clank/server"
	"github.com/clank-bot/clank/store"
	"github.com/clank-bot/clank/telemetry"
)

// Supervisor owns every long-running component of a running bot instance.
type Supervisor struct {
	cfg *config.Config

	store     store.Store
	filter    *filter.Filter
	generator *generator.Client
	channels  *channelstate.Registry
	commands  *command.Handler
	adapter   *chat.Adapter
	processor *processor.Processor
	cron      *cron.Cron
}

// New stores cfg and performs no I/O; Run constructs and wires every
// component as it executes the startup sequence.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run executes the strict startup sequence and then blocks until ctx is
// canceled, at which point it shuts every component down gracefully.
// Failures during startup steps 1-3 (store, auth, generator) are fatal: Run
// returns a non-zero-worthy error and the caller should exit(1).
func (s *Supervisor) Run(ctx context.Context) error {
	defaults := store.Defaults{
		MessageThreshold:    s.cfg.DefaultMessageThreshold,
		SpontaneousCooldown: s.cfg.DefaultSpontaneousCooldown,
		ResponseCooldown:    s.cfg.DefaultResponseCooldown,
		ContextLimit:        s.cfg.DefaultContextLimit,
	}

	// Step 1: open Store and migrate.
	st, err := openStore(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st

	// Step 2: load or refresh AuthMaterial. A missing chat credential is
	// fatal; the bot cannot connect without one. If the stored token is
	// already expired (or within the refresh window), refresh it once,
	// synchronously, before connecting -- a token dead on arrival must not
	// reach the chat adapter, and a failed refresh here is startup-fatal.
	refreshWindow := 15 * time.Minute
	refresh := func(rctx context.Context, refreshToken string) (string, string, time.Time, error) {
		res, err := chatauth.RefreshToken(rctx, s.cfg.TwitchClientID, s.cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, err
		}
		return res.AccessToken, res.RefreshToken, chatauth.ComputeExpiry(res.ExpiresIn), nil
	}

	auth, ok, err := s.store.GetAuth(ctx)
	if err != nil {
		return fmt.Errorf("load auth material: %w", err)
	}
	if !ok || auth.AccessToken == "" {
		return errors.New("no chat auth material present; provision an access token before starting")
	}
	if time.Until(auth.ExpiresAt) <= refreshWindow {
		if auth.RefreshToken == "" {
			return errors.New("stored chat access token is expired and no refresh token is present")
		}
		newAccess, newRefresh, newExpiry, err := refresh(ctx, auth.RefreshToken)
		if err != nil {
			return fmt.Errorf("startup token refresh failed: %w", err)
		}
		if newRefresh == "" {
			newRefresh = auth.RefreshToken
		}
		auth = store.AuthMaterial{
			AccessToken:  newAccess,
			RefreshToken: newRefresh,
			ExpiresAt:    newExpiry,
			BotUsername:  auth.BotUsername,
		}
		if err := s.store.PutAuth(ctx, auth); err != nil {
			return fmt.Errorf("persist refreshed auth material: %w", err)
		}
		slog.Info("chat auth token refreshed at startup")
	}
	oauth.StartRefresher(ctx, s.store, 5*time.Minute, refreshWindow, refresh)

	// Step 3: probe Generator and validate the configured startup model.
	s.generator = generator.New(s.cfg.GeneratorBaseURL, s.cfg.GeneratorTimeout)
	if err := s.generator.ValidateStartupModel(ctx, s.cfg.GeneratorModel); err != nil {
		if errtaxonomy.ClassOf(err) == errtaxonomy.StartupFatal {
			models, _ := s.generator.ListModels(ctx)
			return fmt.Errorf("generator model %q unavailable at startup (catalog: %v): %w", s.cfg.GeneratorModel, models, err)
		}
		return fmt.Errorf("generator probe failed: %w", err)
	}
	telemetry.UpdateGeneratorAvailableGauge(true)

	// Step 4: filter, channel state, and command handler. This runs before
	// the chat connect step below (reversed from listing order elsewhere)
	// because channel state and the command handler have no dependency on
	// the adapter, and loading them first means the very first inbound
	// event after connecting already has a populated channel registry.
	s.filter = filter.New(s.cfg.BlockedWordsFile, s.cfg.FilterStrict, s.cfg.FilterEnabled)
	s.channels = channelstate.NewRegistry(s.store)
	if err := s.channels.Load(ctx, s.cfg.Channels, defaults); err != nil {
		return fmt.Errorf("load channel state: %w", err)
	}
	s.commands = command.New(s.store, s.generator, defaults)

	// Step 5: connect to chat and join channels. The Adapter is constructed
	// before the Processor (it must exist to serve as the Processor's
	// Egress), then wired to submit into the Processor once that exists.
	s.adapter = chat.NewAdapter(s.cfg.TwitchBotUsername, auth.AccessToken, nil)
	s.processor = processor.New(s.store, s.filter, s.generator, s.channels, s.commands, s.adapter, s.cfg.TwitchBotUsername, s.cfg.KnownOtherBots)
	s.adapter.SetSubmit(s.processor.Submit)
	s.adapter.Join(s.cfg.Channels)
	go s.adapter.Run(ctx)

	// Step 6: periodic retention cleanup.
	s.cron = cron.New()
	retentionMessages := time.Duration(s.cfg.RetentionMessageDays) * 24 * time.Hour
	retentionMetrics := time.Duration(s.cfg.RetentionMetricDays) * 24 * time.Hour
	retentionCooldowns := time.Duration(s.cfg.RetentionCooldownDays) * 24 * time.Hour
	spec := fmt.Sprintf("@every %s", s.cfg.CleanupInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		cctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := s.store.Cleanup(cctx, retentionMessages, retentionMetrics, retentionCooldowns); err != nil {
			slog.Warn("retention cleanup failed", slog.Any("err", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()

	// Step 7: HTTP surface (health/readiness/metrics/status/admin).
	go func() {
		deps := server.Deps{Store: s.store, Filter: s.filter, Generator: s.generator, Channels: s.channels}
		if err := server.Start(ctx, s.cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("supervisor startup complete", slog.Any("channels", s.cfg.Channels))

	// Step 8: block until shutdown, then drain gracefully.
	<-ctx.Done()
	return s.shutdown()
}

func (s *Supervisor) shutdown() error {
	slog.Info("supervisor shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 10*time.Second)
	defer cancel()

	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	if s.processor != nil {
		s.processor.Shutdown(shutdownCtx)
	}
	if s.adapter != nil {
		if err := s.adapter.Disconnect(); err != nil {
			slog.Warn("chat disconnect error", slog.Any("err", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		return store.OpenPostgres(ctx, cfg.PostgresDSN, cfg.EncryptionKey)
	case config.StoreBackendSQLite, "":
		return store.OpenSQLite(ctx, cfg.SQLitePath, cfg.EncryptionKey)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

