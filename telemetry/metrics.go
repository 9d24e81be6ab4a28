// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesAppended prometheus.Counter
	MessagesVacuumed prometheus.Counter
	VacuumRuns       prometheus.Counter
	StoreChunkRuns   prometheus.Counter
	StoreChunkErrors prometheus.Counter

	// Histograms (seconds / messages)
	StoreChunkTimeTaken prometheus.Observer
	StoreChunkSize      prometheus.Observer

	// Gauges
	MessagesStored prometheus.Gauge
	ChannelsJoined prometheus.Gauge
	IRCConnections prometheus.Gauge

	// Per-request HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{Name: "recentmessages_messages_appended", Help: "Total number of messages appended to storage"})
		MessagesVacuumed = promauto.NewCounter(prometheus.CounterOpts{Name: "recentmessages_messages_vacuumed", Help: "Total number of messages that were removed by the automatic vacuum runner"})
		VacuumRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "recentmessages_message_vacuum_runs", Help: "Total number of times the automatic vacuum runner has been started for a certain channel"})
		StoreChunkRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "recentmessages_irc_forwarder_store_chunk_runs", Help: "Number of runs the IRC forwarder has completed"})
		StoreChunkErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "recentmessages_irc_forwarder_store_chunk_errors", Help: "Number of times a chunk could not be appended to the database successfully"})
		StoreChunkTimeTaken = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recentmessages_irc_forwarder_store_chunk_time_taken_seconds", Help: "Time taken to forward individual chunks of messages to the database", Buckets: prometheus.DefBuckets})
		StoreChunkSize = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recentmessages_irc_forwarder_store_chunk_chunk_size", Help: "Number of messages per individual chunk of messages forwarded to the database", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
		MessagesStored = promauto.NewGauge(prometheus.GaugeOpts{Name: "recentmessages_messages_stored", Help: "Number of messages currently stored in storage"})
		ChannelsJoined = promauto.NewGauge(prometheus.GaugeOpts{Name: "recentmessages_channels_joined", Help: "Number of channels the IRC pool is currently joined to"})
		IRCConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "recentmessages_irc_connections", Help: "Number of open IRC connections in the pool"})
		HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"}, []string{"endpoint", "method", "status_code"})
		HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Histogram of time taken to fulfill HTTP requests", Buckets: prometheus.DefBuckets}, []string{"endpoint", "method", "status_code"})
	})
}

// IncMessagesAppended increments the append counter and stored gauge (nil-safe for tests).
func IncMessagesAppended() {
	if MessagesAppended != nil {
		MessagesAppended.Inc()
	}
	if MessagesStored != nil {
		MessagesStored.Inc()
	}
}

// DecMessagesStored subtracts n from the stored gauge.
func DecMessagesStored(n int) {
	if MessagesStored != nil {
		MessagesStored.Sub(float64(n))
	}
}

// AddMessagesStored adds n to the stored gauge (used by warm loads).
func AddMessagesStored(n int) {
	if MessagesStored != nil {
		MessagesStored.Add(float64(n))
	}
}

// IncMessagesVacuumed records n messages removed by the vacuum runner.
func IncMessagesVacuumed(n int) {
	if MessagesVacuumed != nil {
		MessagesVacuumed.Add(float64(n))
	}
	DecMessagesStored(n)
}

// IncVacuumRuns counts one per-channel vacuum pass.
func IncVacuumRuns() {
	if VacuumRuns != nil {
		VacuumRuns.Inc()
	}
}

// SetChannelsJoined records the current joined-channel count.
func SetChannelsJoined(n int) {
	if ChannelsJoined != nil {
		ChannelsJoined.Set(float64(n))
	}
}

// SetIRCConnections records the current pool connection count.
func SetIRCConnections(n int) {
	if IRCConnections != nil {
		IRCConnections.Set(float64(n))
	}
}

// ObserveHTTPRequest records one served HTTP request against the matched
// route pattern.
func ObserveHTTPRequest(endpoint, method string, status int, d time.Duration) {
	statusCode := strconv.Itoa(status)
	if HTTPRequestsTotal != nil {
		HTTPRequestsTotal.WithLabelValues(endpoint, method, statusCode).Inc()
	}
	if HTTPRequestDuration != nil {
		HTTPRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(d.Seconds())
	}
}

// ObserveStoreChunk records one forwarder flush.
func ObserveStoreChunk(size int, d time.Duration, err error) {
	if StoreChunkSize != nil {
		StoreChunkSize.Observe(float64(size))
	}
	if StoreChunkTimeTaken != nil {
		StoreChunkTimeTaken.Observe(d.Seconds())
	}
	if StoreChunkRuns != nil {
		StoreChunkRuns.Inc()
	}
	if err != nil && StoreChunkErrors != nil {
		StoreChunkErrors.Inc()
	}
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
