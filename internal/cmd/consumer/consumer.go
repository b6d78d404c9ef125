// Package consumer parses account consumer flags and runs the command consumer.
package consumer

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shogotsuneto/go-simple-messagestore/account"
	promadapter "github.com/shogotsuneto/go-simple-messagestore/adapter/prometheus"
	msconsumer "github.com/shogotsuneto/go-simple-messagestore/consumer"
	"github.com/shogotsuneto/go-simple-messagestore/internal/backend"
	"github.com/shogotsuneto/go-simple-messagestore/internal/entrypoint"
	"github.com/shogotsuneto/go-simple-messagestore/position"
)

// Config holds account consumer configuration.
type Config struct {
	Store backend.Config

	Category           string        `env:"MESSAGESTORE_CONSUMER_CATEGORY" envDefault:"account:commands"`
	Identifier         string        `env:"MESSAGESTORE_CONSUMER_IDENTIFIER"`
	BatchSize          int           `env:"MESSAGESTORE_CONSUMER_BATCH_SIZE" envDefault:"1000"`
	PollInterval       time.Duration `env:"MESSAGESTORE_CONSUMER_POLL_INTERVAL" envDefault:"5s"`
	CheckpointInterval int           `env:"MESSAGESTORE_CONSUMER_CHECKPOINT_INTERVAL" envDefault:"5"`
	Correlation        string        `env:"MESSAGESTORE_CONSUMER_CORRELATION"`
	GroupMember        int64         `env:"MESSAGESTORE_CONSUMER_GROUP_MEMBER"`
	GroupSize          int64         `env:"MESSAGESTORE_CONSUMER_GROUP_SIZE"`
	RetryMaxTries      uint          `env:"MESSAGESTORE_CONSUMER_RETRY_MAX_TRIES" envDefault:"10"`
	ShutdownTimeout    time.Duration `env:"MESSAGESTORE_CONSUMER_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	MetricsAddr string `env:"MESSAGESTORE_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"MESSAGESTORE_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"MESSAGESTORE_LOG_FORMAT" envDefault:"json"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Store.Backend, "backend", cfg.Store.Backend, "Message store backend: memory, postgres or sqlite")
	fs.StringVar(&cfg.Store.PostgresURL, "postgres-url", cfg.Store.PostgresURL, "PostgreSQL connection string")
	fs.StringVar(&cfg.Store.PostgresTable, "postgres-table", cfg.Store.PostgresTable, "PostgreSQL messages table")
	fs.StringVar(&cfg.Store.SQLitePath, "sqlite-path", cfg.Store.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.Category, "category", cfg.Category, "Command category to consume")
	fs.StringVar(&cfg.Identifier, "identifier", cfg.Identifier, "Consumer identifier for the position stream")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Messages per category read")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between polls once caught up")
	fs.IntVar(&cfg.CheckpointInterval, "checkpoint-interval", cfg.CheckpointInterval, "Messages between position checkpoints")
	fs.StringVar(&cfg.Correlation, "correlation", cfg.Correlation, "Only consume messages correlated with this category")
	fs.Int64Var(&cfg.GroupMember, "group-member", cfg.GroupMember, "Consumer group member index")
	fs.Int64Var(&cfg.GroupSize, "group-size", cfg.GroupSize, "Consumer group size")
	fs.UintVar(&cfg.RetryMaxTries, "retry-max-tries", cfg.RetryMaxTries, "Attempts per message before the consumer halts")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time allowed for the final checkpoint")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address; empty disables the endpoint")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.GroupSize > 0 && (cfg.GroupMember < 0 || cfg.GroupMember >= cfg.GroupSize) {
		return Config{}, fmt.Errorf("group member %d out of range for group size %d", cfg.GroupMember, cfg.GroupSize)
	}
	return cfg, nil
}

// Run starts the account consumer and blocks until ctx is cancelled or the
// consumer halts.
func Run(ctx context.Context, cfg Config) error {
	logger, err := entrypoint.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAccountConsumer, logger, func(ctx context.Context) error {
		return run(ctx, cfg, logger)
	})
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	store, closeStore, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close message store", slog.Any("error", err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewConsumerMetrics(reg)

	positions, err := position.New(store, position.Config{
		Category:   cfg.Category,
		Identifier: cfg.Identifier,
		Interval:   cfg.CheckpointInterval,
		Logger:     logger,
		OnPersist: func(_ int64, err error) {
			metrics.Checkpointed(cfg.Category, err == nil)
		},
	})
	if err != nil {
		return err
	}

	handler := account.NewHandler(store, account.HandlerConfig{Logger: logger})

	c, err := msconsumer.New(store, positions, handler, msconsumer.Config{
		Category:        cfg.Category,
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		Correlation:     cfg.Correlation,
		GroupMember:     cfg.GroupMember,
		GroupSize:       cfg.GroupSize,
		RetryMaxTries:   cfg.RetryMaxTries,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
