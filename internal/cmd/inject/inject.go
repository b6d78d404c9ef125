// Package inject parses inject-messages flags and writes account commands.
package inject

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/account"
	"github.com/shogotsuneto/go-simple-messagestore/internal/backend"
	"github.com/shogotsuneto/go-simple-messagestore/internal/entrypoint"
)

// Config holds inject-messages configuration.
type Config struct {
	Store backend.Config

	Command     string  `env:"MESSAGESTORE_INJECT_COMMAND" envDefault:"Open"`
	AccountID   string  `env:"MESSAGESTORE_INJECT_ACCOUNT_ID"`
	Amount      float64 `env:"MESSAGESTORE_INJECT_AMOUNT"`
	Count       int     `env:"MESSAGESTORE_INJECT_COUNT" envDefault:"1"`
	Correlation string  `env:"MESSAGESTORE_INJECT_CORRELATION"`

	LogLevel  string `env:"MESSAGESTORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MESSAGESTORE_LOG_FORMAT" envDefault:"text"`
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
	fs.StringVar(&cfg.Command, "command", cfg.Command, "Command type: Open, Close, Deposit or Withdraw")
	fs.StringVar(&cfg.AccountID, "account", cfg.AccountID, "Target account id; a random one is generated when empty")
	fs.Float64Var(&cfg.Amount, "amount", cfg.Amount, "Amount for Deposit and Withdraw")
	fs.IntVar(&cfg.Count, "count", cfg.Count, "Number of times the command is written")
	fs.StringVar(&cfg.Correlation, "correlation", cfg.Correlation, "Correlation stream name recorded in the metadata")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.Count <= 0 {
		return Config{}, fmt.Errorf("count must be positive, got %d", cfg.Count)
	}
	if cfg.AccountID == "" {
		cfg.AccountID = uuid.NewString()
	}
	return cfg, nil
}

// BuildCommand returns the account command described by cfg.
func (cfg Config) BuildCommand() (account.Command, error) {
	switch {
	case strings.EqualFold(cfg.Command, account.OpenType):
		return account.Open{AccountID: cfg.AccountID}, nil
	case strings.EqualFold(cfg.Command, account.CloseType):
		return account.Close{AccountID: cfg.AccountID}, nil
	case strings.EqualFold(cfg.Command, account.DepositType):
		return account.Deposit{AccountID: cfg.AccountID, Amount: cfg.Amount}, nil
	case strings.EqualFold(cfg.Command, account.WithdrawType):
		return account.Withdraw{AccountID: cfg.AccountID, Amount: cfg.Amount}, nil
	default:
		return nil, fmt.Errorf("%w: %q", account.ErrUnsupportedType, cfg.Command)
	}
}

// Run writes the configured command Count times.
func Run(ctx context.Context, cfg Config) error {
	logger, err := entrypoint.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	store, closeStore, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close message store", slog.Any("error", err))
		}
	}()

	_, err = Inject(ctx, store, cfg, logger)
	return err
}

// Inject appends the configured command to the command category and returns
// the written messages.
func Inject(ctx context.Context, w messagestore.Writer, cfg Config, logger *slog.Logger) ([]messagestore.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd, err := cfg.BuildCommand()
	if err != nil {
		return nil, err
	}

	written := make([]messagestore.Message, 0, cfg.Count)
	for range cfg.Count {
		msg, err := account.EncodeCommand(cmd)
		if err != nil {
			return written, err
		}
		msg.ID = uuid.NewString()
		if cfg.Correlation != "" {
			msg.Metadata, err = json.Marshal(map[string]string{"correlationStreamName": cfg.Correlation})
			if err != nil {
				return written, err
			}
		}

		position, err := w.Append(ctx, msg, messagestore.AnyVersion)
		if err != nil {
			return written, fmt.Errorf("append %s: %w", cmd.Type(), err)
		}
		msg.Position = position
		written = append(written, msg)

		logger.Info("command written",
			slog.String("stream", msg.StreamName),
			slog.String("type", msg.Type),
			slog.String("account_id", cmd.Target()),
			slog.Int64("position", position),
		)
	}
	return written, nil
}
