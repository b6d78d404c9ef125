// Package consumer reads a category of the message log in global order and
// dispatches every message to a handler, first catching up on history and
// then polling for new messages.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shogotsuneto/go-simple-messagestore"
)

const tracerName = "github.com/shogotsuneto/go-simple-messagestore/consumer"

// Defaults applied by New.
const (
	DefaultPollInterval         = 5 * time.Second
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
	DefaultRetryMaxTries        = 10
	DefaultShutdownTimeout      = 5 * time.Second
)

// Handler processes a single message. Handlers must be idempotent: a message
// may be delivered again after a restart.
//
// Errors matching messagestore.IsTransient are retried; any other error stops
// the consumer without advancing its position.
type Handler interface {
	Handle(ctx context.Context, msg messagestore.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg messagestore.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg messagestore.Message) error { return f(ctx, msg) }

// Positions tracks the last processed global position.
type Positions interface {
	CurrentPosition(ctx context.Context) (int64, error)
	Advance(ctx context.Context, globalPosition int64) error
	Flush(ctx context.Context) error
}

// Config configures a Consumer.
type Config struct {
	Category     string
	BatchSize    int
	PollInterval time.Duration

	// Correlation, GroupMember and GroupSize are passed through to the category read.
	Correlation string
	GroupMember int64
	GroupSize   int64

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxTries        uint
	ShutdownTimeout      time.Duration

	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = messagestore.DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if c.RetryMaxTries == 0 {
		c.RetryMaxTries = DefaultRetryMaxTries
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	return c
}

// Consumer polls a category and dispatches its messages sequentially.
type Consumer struct {
	reader    messagestore.CategoryReader
	positions Positions
	handler   Handler
	cfg       Config
	log       *slog.Logger

	position atomic.Int64
	live     atomic.Bool
}

// New creates a consumer. Zero values in cfg are replaced by the package defaults.
func New(reader messagestore.CategoryReader, positions Positions, handler Handler, cfg Config) (*Consumer, error) {
	if reader == nil {
		return nil, errors.New("category reader must not be nil")
	}
	if positions == nil {
		return nil, errors.New("position store must not be nil")
	}
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}
	if cfg.Category == "" {
		return nil, errors.New("category must not be empty")
	}
	if cfg.GroupSize > 1 && (cfg.GroupMember < 0 || cfg.GroupMember >= cfg.GroupSize) {
		return nil, fmt.Errorf("group member %d out of range for group size %d", cfg.GroupMember, cfg.GroupSize)
	}

	cfg = cfg.withDefaults()
	return &Consumer{
		reader:    reader,
		positions: positions,
		handler:   handler,
		cfg:       cfg,
		log: cfg.Logger.With(
			slog.Group("consumer",
				slog.String("category", cfg.Category),
				slog.Int64("group_member", cfg.GroupMember),
				slog.Int64("group_size", cfg.GroupSize),
			),
		),
	}, nil
}

// Position returns the global position of the last dispatched message.
func (c *Consumer) Position() int64 { return c.position.Load() }

// Live reports whether the consumer has caught up with the category.
func (c *Consumer) Live() bool { return c.live.Load() }

// Run processes the category until ctx is cancelled or an unrecoverable error
// occurs. It returns nil on cancellation. Cancellation is observed between
// messages: a message being dispatched when ctx is cancelled is completed first.
func (c *Consumer) Run(ctx context.Context) error {
	start, err := backoff.Retry(ctx, func() (int64, error) {
		pos, err := c.positions.CurrentPosition(ctx)
		if err != nil && !messagestore.IsTransient(err) {
			return 0, backoff.Permanent(err)
		}
		return pos, err
	}, c.retryOptions(c.notifyRead("load position"))...)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("load position: %w", err)
	}
	c.position.Store(start)
	c.cfg.Metrics.Position(c.cfg.Category, start)

	c.log.Info("starting consumer", slog.Int64("position", start))

	defer c.flush(ctx)

	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped", slog.Int64("position", c.Position()))
			return nil
		}

		msgs, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer stopped", slog.Int64("position", c.Position()))
				return nil
			}
			c.log.Error("read failed, stopping consumer", slog.Any("error", err))
			return err
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				c.log.Info("consumer stopped", slog.Int64("position", c.Position()))
				return nil
			}
			if err := c.dispatch(ctx, msg); err != nil {
				if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
					c.log.Info("consumer stopped while retrying", slog.Int64("position", c.Position()))
					return nil
				}
				return err
			}
		}

		if len(msgs) >= c.cfg.BatchSize {
			continue
		}

		if !c.live.Swap(true) {
			c.log.Info("caught up, tailing category", slog.Int64("position", c.Position()))
		}

		poll := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			c.log.Info("consumer stopped", slog.Int64("position", c.Position()))
			return nil
		case <-poll.C:
		}
	}
}

func (c *Consumer) read(ctx context.Context) ([]messagestore.Message, error) {
	from := c.Position() + 1
	return backoff.Retry(ctx, func() ([]messagestore.Message, error) {
		msgs, err := c.reader.ReadCategory(ctx, c.cfg.Category, messagestore.CategoryOptions{
			FromPosition: from,
			BatchSize:    c.cfg.BatchSize,
			Correlation:  c.cfg.Correlation,
			GroupMember:  c.cfg.GroupMember,
			GroupSize:    c.cfg.GroupSize,
		})
		if err != nil && !messagestore.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return msgs, err
	}, c.retryOptions(c.notifyRead("read category"))...)
}

func (c *Consumer) dispatch(ctx context.Context, msg messagestore.Message) error {
	live := c.Live()
	log := c.log.With(
		slog.Group("message",
			slog.String("type", msg.Type),
			slog.String("stream", msg.StreamName),
			slog.Int64("global_position", msg.GlobalPosition),
		),
	)

	// The handler runs to completion even when ctx is cancelled; only the
	// waits between retries observe cancellation.
	detached := context.WithoutCancel(ctx)
	spanCtx, span := c.cfg.Tracer.Start(detached, "consumer.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.cfg.Category),
			attribute.String("message.type", msg.Type),
			attribute.String("message.stream", msg.StreamName),
			attribute.Int64("message.global_position", msg.GlobalPosition),
		),
	)
	defer span.End()

	timer := c.cfg.Metrics.DispatchDuration(msg.Type, live)
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := c.handler.Handle(spanCtx, msg)
		if err != nil && !messagestore.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, c.retryOptions(func(err error, next time.Duration) {
		log.Warn("dispatch failed, retrying", slog.Any("error", err), slog.Duration("backoff", next))
	})...)
	timer.ObserveDuration()
	span.SetAttributes(attribute.Int("dispatch.attempts", attempts))

	if err != nil {
		c.cfg.Metrics.MessageProcessed(msg.Type, live, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
			return err
		}
		log.Error("dispatch failed, stopping consumer", slog.Any("error", err), slog.Int("attempts", attempts))
		return fmt.Errorf("dispatch %s at global position %d: %w", msg.Type, msg.GlobalPosition, err)
	}
	c.cfg.Metrics.MessageProcessed(msg.Type, live, true)

	c.position.Store(msg.GlobalPosition)
	c.cfg.Metrics.Position(c.cfg.Category, msg.GlobalPosition)
	if err := c.positions.Advance(detached, msg.GlobalPosition); err != nil {
		// The position stays advanced in memory and is persisted by a later checkpoint.
		log.Warn("advance position failed", slog.Any("error", err))
	}
	log.Debug("dispatched")
	return nil
}

func (c *Consumer) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.positions.Flush(flushCtx); err != nil {
		c.log.Warn("flush position failed", slog.Any("error", err), slog.Int64("position", c.Position()))
	}
}

func (c *Consumer) notifyRead(op string) backoff.Notify {
	return func(err error, next time.Duration) {
		c.cfg.Metrics.ReadRetried(c.cfg.Category)
		c.log.Warn(op+" failed, retrying", slog.Any("error", err), slog.Duration("backoff", next))
	}
}

func (c *Consumer) retryOptions(notify backoff.Notify) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.MaxInterval = c.cfg.RetryMaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.RetryMaxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
}
