// Command raceway-server runs Raceway's ingest and query HTTP surface over
// an in-memory trace store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/mode-7/raceway-server/connect/pgx"
	"github.com/mode-7/raceway-server/connect/redisx"
	"github.com/mode-7/raceway-server/connect/s3x"
	"github.com/mode-7/raceway-server/connect/sqsx"
	"github.com/mode-7/raceway-server/internal/api"
	"github.com/mode-7/raceway-server/internal/config"
	"github.com/mode-7/raceway-server/internal/ingest"
	"github.com/mode-7/raceway-server/internal/linker"
	"github.com/mode-7/raceway-server/internal/query"
	"github.com/mode-7/raceway-server/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "raceway-server: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogFormat)
	ctx, cancelEviction := context.WithCancel(context.Background())
	defer cancelEviction()

	lk := linker.New(log)
	st := store.New(store.Config{
		MaxTraces:      cfg.RetentionMaxTraces,
		MaxAge:         cfg.RetentionMaxAge,
		HighWaterMark:  cfg.IngestHighWaterMark,
		BusyRetryAfter: cfg.BusyRetryAfter,
	}, lk)

	if cfg.PostgresDSN != "" {
		sink, err := pgx.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		lk.SetSink(sink)
		log.Info("postgres span sink enabled")
	}

	if cfg.RedisAddr != "" {
		window := cfg.RetentionMaxAge
		if window <= 0 {
			window = time.Hour
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		st.SetBackpressure(redisx.New(client, window))
		log.Info("redis cross-instance backpressure enabled", "addr", cfg.RedisAddr)
	}

	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config for s3", "error", err)
			os.Exit(1)
		}
		st.SetArchiver(s3x.New(s3.NewFromConfig(awsCfg), cfg.S3Bucket))
		log.Info("s3 archival sink enabled", "bucket", cfg.S3Bucket)
	}

	pipeline := ingest.New(st, log)
	queries := query.New(st, log)
	handler := api.New(pipeline, queries, log)

	if cfg.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config for sqs", "error", err)
			os.Exit(1)
		}
		poller := sqsx.New(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, pipeline, log)
		go func() {
			if err := poller.Run(ctx); err != nil {
				log.Error("sqs poller stopped", "error", err)
			}
		}()
		log.Info("sqs alternate ingest transport enabled", "queue_url", cfg.SQSQueueURL)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error("listen", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}
	log.Info("raceway-server listening", "addr", ln.Addr())

	go store.RunEvictionLoop(ctx, st, cfg.EvictionInterval, log)

	httpSrv := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		log.Error("serve error", "error", err)
		os.Exit(1)
	}

	cancelEviction()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
