package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session Metrics
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sessions_total",
			Help: "Sessions by terminal status",
		},
		[]string{"status", "depth"},
	)

	RlmIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_iterations_count",
			Help:    "Number of iterations per root session",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	RlmDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_completion_duration_seconds",
			Help:    "Total duration of root sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s, 2s, 4s, ..., 512s
		},
	)

	FragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_fragments_total",
			Help: "Executed code fragments by outcome",
		},
		[]string{"outcome"}, // ok, fault
	)

	SubCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sub_calls_total",
			Help: "Sub-session invocations by terminal status",
		},
		[]string{"status"},
	)

	ParseWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rlm_parse_warnings_total",
			Help: "Malformed code markers seen in model output",
		},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_provider_errors_total",
			Help: "Completions that failed after the retry policy gave up",
		},
		[]string{"provider"},
	)
)

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetupLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetupConsoleLogger installs a human-oriented handler for the CLI.
func SetupConsoleLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
