package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clank-bot/clank/channelstate"
	"github.com/clank-bot/clank/filter"
	"github.com/clank-bot/clank/generator"
	"github.com/clank-bot/clank/store"
	"github.com/clank-bot/clank/telemetry"
)

// Deps collects everything the HTTP surface needs to answer requests. It
// holds no lifecycle responsibility of its own: Store, Filter, and Generator
// are all owned and closed by the composition root.
type Deps struct {
	Store     store.Store
	Filter    *filter.Filter
	Generator *generator.Client
	Channels  *channelstate.Registry
}

// NewMux builds the HTTP handler: health, readiness, metrics, status, and an
// admin-token-protected filter reload endpoint.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rlCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	limiter := newIPRateLimiter(ctx, rlCfg)

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps))
	mux.HandleFunc("/status", handleStatus(deps))
	mux.Handle("/metrics", promhttp.Handler())

	reload := http.HandlerFunc(handleFilterReload(deps))
	mux.Handle("/admin/filter/reload", adminAuth(rateLimitMiddleware(reload, limiter), authCfg))

	var handler http.Handler = mux
	handler = withTracing(handler)
	handler = withCORSConfig(handler, corsCfg)
	return handler
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 200 only when the Generator backend is reachable.
// Store unavailability alone does not fail readiness: the Processor degrades
// gracefully (drops writes, records a metric) rather than crashing.
func handleReadyz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if deps.Generator == nil || !deps.Generator.IsAvailable(ctx) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("generator unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type channelStatus struct {
	Channel              string    `json:"channel"`
	MessageThreshold     int       `json:"message_threshold"`
	SpontaneousCooldownS int       `json:"spontaneous_cooldown_s"`
	ResponseCooldownS    int       `json:"response_cooldown_s"`
	ContextLimit         int       `json:"context_limit"`
	ModelName            string    `json:"model_name"`
	MessageCount         int       `json:"message_count"`
	LastSpontaneousAt    time.Time `json:"last_spontaneous_at,omitempty"`
}

type statusResponse struct {
	GeneratorAvailable bool            `json:"generator_available"`
	Channels           []channelStatus `json:"channels"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := statusResponse{}
		if deps.Generator != nil {
			resp.GeneratorAvailable = deps.Generator.IsAvailable(ctx)
		}
		if deps.Channels != nil {
			for ch, snap := range deps.Channels.Snapshots() {
				cs := channelStatus{
					Channel:              ch,
					MessageThreshold:     snap.MessageThreshold,
					SpontaneousCooldownS: int(snap.SpontaneousCooldown.Seconds()),
					ResponseCooldownS:    int(snap.ResponseCooldown.Seconds()),
					ContextLimit:         snap.ContextLimit,
					ModelName:            snap.ModelName,
					MessageCount:         snap.MessageCount,
				}
				if snap.HasLastSpontaneousAt {
					cs.LastSpontaneousAt = snap.LastSpontaneousAt
				}
				resp.Channels = append(resp.Channels, cs)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Warn("status encode failed", slog.Any("err", err))
		}
	}
}

func handleFilterReload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.Filter == nil {
			http.Error(w, "filter not configured", http.StatusServiceUnavailable)
			return
		}
		if err := deps.Filter.Reload(); err != nil {
			slog.Warn("filter reload failed", slog.Any("err", err))
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("reloaded"))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withTracing assigns a correlation id, opens a span, and records the
// response status.
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)

		ctx, span := telemetry.StartSpan(ctx, "github.com/clank-bot/clank/server", r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.url", r.URL.String()),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Correlation-ID", corr)
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= 500 {
			telemetry.RecordError(span, errors.New(http.StatusText(rec.status)))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully with a bounded grace window.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
