// Package backend opens the message store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/memory"
	"github.com/shogotsuneto/go-simple-messagestore/postgres"
	"github.com/shogotsuneto/go-simple-messagestore/sqlite"
)

// Supported backends.
const (
	Memory   = "memory"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Config selects and configures a message store backend.
type Config struct {
	Backend       string `env:"MESSAGESTORE_BACKEND" envDefault:"sqlite"`
	PostgresURL   string `env:"MESSAGESTORE_POSTGRES_URL"`
	PostgresTable string `env:"MESSAGESTORE_POSTGRES_TABLE" envDefault:"messages"`
	SQLitePath    string `env:"MESSAGESTORE_SQLITE_PATH" envDefault:"data/messages.db"`
}

// Open opens the configured store. The returned close function releases the
// store's resources and is never nil.
func Open(ctx context.Context, cfg Config) (messagestore.Store, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case Memory:
		return memory.NewInMemoryMessageStore(), noop, nil
	case Postgres:
		if cfg.PostgresURL == "" {
			return nil, noop, fmt.Errorf("postgres backend requires a connection string")
		}
		store, err := postgres.Open(ctx, postgres.Config{
			ConnectionString: cfg.PostgresURL,
			TableName:        cfg.PostgresTable,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store.Close, nil
	case SQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, noop, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown backend %q (want %s, %s or %s)", cfg.Backend, Memory, Postgres, SQLite)
	}
}
