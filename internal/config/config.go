// Package config defines Raceway's server configuration: flags with
// environment-variable overrides, in the teacher's hand-rolled style — no
// config library.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the server needs at startup.
type Config struct {
	ListenAddr string
	LogFormat  string // "text" | "json"

	IngestHighWaterMark int
	RetentionMaxTraces  int
	RetentionMaxAge     time.Duration
	BusyRetryAfter      time.Duration
	EvictionInterval    time.Duration

	AnomalySigmaK float64

	// Optional sinks — empty string disables the corresponding connect/ adapter.
	PostgresDSN string
	RedisAddr   string
	S3Bucket    string
	SQSQueueURL string
}

// Default returns the out-of-the-box configuration for a single-process
// deployment with every optional sink disabled.
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		LogFormat:            "text",
		IngestHighWaterMark:  200_000,
		RetentionMaxTraces:   10_000,
		RetentionMaxAge:      30 * time.Minute,
		BusyRetryAfter:       500 * time.Millisecond,
		EvictionInterval:     time.Minute,
		AnomalySigmaK:        3.0,
	}
}

// Parse builds a Config from command-line flags in args (pass
// os.Args[1:] at the call site), with each flag's default taken from an
// environment variable when set, falling back to Default() otherwise.
func Parse(args []string) (Config, error) {
	d := Default()

	fs := flag.NewFlagSet("raceway-server", flag.ContinueOnError)

	listenAddr := fs.String("listen", envOr("RACEWAY_LISTEN_ADDR", d.ListenAddr), "HTTP listen address")
	logFormat := fs.String("log-format", envOr("RACEWAY_LOG_FORMAT", d.LogFormat), "log output format: text|json")

	highWaterMark := fs.Int("ingest-high-water-mark", envOrInt("RACEWAY_INGEST_HIGH_WATER_MARK", d.IngestHighWaterMark), "max buffered events per trace before Busy")
	maxTraces := fs.Int("retention-max-traces", envOrInt("RACEWAY_RETENTION_MAX_TRACES", d.RetentionMaxTraces), "max retained traces (LRU)")
	maxAge := fs.Duration("retention-max-age", envOrDuration("RACEWAY_RETENTION_MAX_AGE", d.RetentionMaxAge), "max trace idle age before eviction")
	busyRetryAfter := fs.Duration("busy-retry-after", envOrDuration("RACEWAY_BUSY_RETRY_AFTER", d.BusyRetryAfter), "suggested retry-after when a trace is Busy")
	evictionInterval := fs.Duration("eviction-interval", envOrDuration("RACEWAY_EVICTION_INTERVAL", d.EvictionInterval), "eviction sweep interval")

	sigmaK := fs.Float64("anomaly-sigma-k", envOrFloat("RACEWAY_ANOMALY_SIGMA_K", d.AnomalySigmaK), "anomaly flagging threshold, in standard deviations")

	postgresDSN := fs.String("postgres-dsn", os.Getenv("RACEWAY_POSTGRES_DSN"), "optional Postgres DSN for persistence sink")
	redisAddr := fs.String("redis-addr", os.Getenv("RACEWAY_REDIS_ADDR"), "optional Redis address for cross-instance backpressure")
	s3Bucket := fs.String("s3-bucket", os.Getenv("RACEWAY_S3_BUCKET"), "optional S3 bucket for evicted-trace archival")
	sqsQueueURL := fs.String("sqs-queue-url", os.Getenv("RACEWAY_SQS_QUEUE_URL"), "optional SQS queue URL for an alternate ingest transport")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:           *listenAddr,
		LogFormat:            *logFormat,
		IngestHighWaterMark:  *highWaterMark,
		RetentionMaxTraces:   *maxTraces,
		RetentionMaxAge:      *maxAge,
		BusyRetryAfter:       *busyRetryAfter,
		EvictionInterval:     *evictionInterval,
		AnomalySigmaK:        *sigmaK,
		PostgresDSN:          *postgresDSN,
		RedisAddr:            *redisAddr,
		S3Bucket:             *s3Bucket,
		SQSQueueURL:          *sqsQueueURL,
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
