// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesStored       prometheus.Counter
	FilterBlocksInput    prometheus.Counter
	FilterBlocksOutput   prometheus.Counter
	GeneratorUnavailable prometheus.Counter
	GeneratorInvalid     prometheus.Counter
	SpontaneousEmissions prometheus.Counter
	ResponseEmissions    prometheus.Counter
	EventsDropped        prometheus.Counter
	StoreUnavailable     prometheus.Counter

	// Histograms (seconds)
	GenerateDuration prometheus.Observer
	StoreOpDuration  prometheus.Observer

	// Gauges
	ChannelBacklogGauge     prometheus.Gauge
	GeneratorAvailableGauge prometheus.Gauge // 1=available,0=unavailable
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesStored = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_messages_stored_total", Help: "Number of chat messages persisted"})
		FilterBlocksInput = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_filter_blocks_input_total", Help: "Number of inbound messages blocked by the content filter"})
		FilterBlocksOutput = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_filter_blocks_output_total", Help: "Number of generated messages blocked by the content filter"})
		GeneratorUnavailable = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_generator_unavailable_total", Help: "Number of generation attempts that failed because the backend was unavailable"})
		GeneratorInvalid = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_generator_invalid_total", Help: "Number of generation attempts that produced invalid output"})
		SpontaneousEmissions = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_spontaneous_emissions_total", Help: "Number of spontaneous messages sent"})
		ResponseEmissions = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_response_emissions_total", Help: "Number of mention responses sent"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_events_dropped_total", Help: "Number of inbound events dropped under per-channel backpressure"})
		StoreUnavailable = promauto.NewCounter(prometheus.CounterOpts{Name: "clank_store_unavailable_total", Help: "Number of Store operations that failed because the backend was unavailable"})
		GenerateDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clank_generate_duration_seconds", Help: "Generator request duration seconds", Buckets: prometheus.DefBuckets})
		StoreOpDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clank_store_op_duration_seconds", Help: "Store operation duration seconds", Buckets: prometheus.DefBuckets})
		ChannelBacklogGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clank_channel_backlog", Help: "Current total queued events across all channels"})
		GeneratorAvailableGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clank_generator_available", Help: "Generator backend availability: 1=available 0=unavailable"})
	})
}

// UpdateGeneratorAvailableGauge sets the gauge to 1 if available else 0.
func UpdateGeneratorAvailableGauge(available bool) {
	if GeneratorAvailableGauge == nil {
		return
	}
	if available {
		GeneratorAvailableGauge.Set(1)
	} else {
		GeneratorAvailableGauge.Set(0)
	}
}

// SetChannelBacklog records the current total queued-event count.
func SetChannelBacklog(n int) {
	if ChannelBacklogGauge != nil {
		ChannelBacklogGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying id as its correlation id, replacing any id already present.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
