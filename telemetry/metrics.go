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
	MessagesSaved    prometheus.Counter
	DeletionsSaved   prometheus.Counter
	BansSaved        prometheus.Counter
	UnbansSaved      prometheus.Counter
	EventsDropped    prometheus.Counter
	DecodeFailures   prometheus.Counter
	Reconnects       prometheus.Counter
	TokenRefreshes   prometheus.Counter
	PollTicks        prometheus.Counter
	StreamsObserved  prometheus.Counter

	// Histograms (seconds)
	PollDuration  prometheus.Observer
	WriteDuration prometheus.Observer

	// Gauges
	LiveChannelsGauge prometheus.Gauge
	ConnectedGauge    prometheus.Gauge // 1=listening,0=disconnected
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_saved_total", Help: "Number of chat messages persisted"})
		DeletionsSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_deletions_saved_total", Help: "Number of message deletion events persisted"})
		BansSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_bans_saved_total", Help: "Number of ban and timeout events persisted"})
		UnbansSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_unbans_saved_total", Help: "Number of unban events persisted"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Number of events dropped for lack of a resolvable live session"})
		DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_decode_failures_total", Help: "Number of inbound lines that failed to decode"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Number of connection attempts after the first"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_token_refreshes_total", Help: "Number of OAuth token refreshes performed"})
		PollTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_ticks_total", Help: "Number of live-status poll ticks"})
		StreamsObserved = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_streams_observed_total", Help: "Number of distinct live streams observed starting"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_poll_duration_seconds", Help: "Live-status poll tick duration seconds", Buckets: prometheus.DefBuckets})
		WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_write_duration_seconds", Help: "Event persistence duration seconds", Buckets: prometheus.DefBuckets})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_live_channels", Help: "Number of watched channels currently live"})
		ConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connected", Help: "Chat connection listening=1 disconnected=0"})
	})
}

// Inc increments a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetLiveChannels records the current number of live watched channels.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// SetConnected flips the connection gauge.
func SetConnected(connected bool) {
	if ConnectedGauge == nil {
		return
	}
	if connected {
		ConnectedGauge.Set(1)
	} else {
		ConnectedGauge.Set(0)
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
