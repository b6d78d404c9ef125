// Package position keeps track of how far a consumer has read a category and
// checkpoints that position to a stream of the message log.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// DefaultInterval is the number of advances between persisted checkpoints.
const DefaultInterval = 5

// Config configures a Store.
type Config struct {
	// Category is the category the consumer reads.
	Category string
	// Identifier distinguishes several consumers of the same category.
	Identifier string
	// Interval is the number of advances between checkpoints. Defaults to DefaultInterval.
	Interval int
	Clock    messagestore.Clock
	Logger   *slog.Logger
	// OnPersist, when set, is called after every checkpoint attempt.
	OnPersist func(position int64, err error)
}

// Store holds the consumer's read position in memory and persists it as
// Recorded messages every Interval advances.
type Store struct {
	log       messagestore.StreamReadWriter
	stream    string
	interval  int
	clock     messagestore.Clock
	logger    *slog.Logger
	onPersist func(int64, error)

	mu        sync.Mutex
	loaded    bool
	position  int64
	persisted int64
	pending   int
}

// New creates a position store for the configured category.
func New(log messagestore.StreamReadWriter, cfg Config) (*Store, error) {
	if log == nil {
		return nil, errors.New("message store must not be nil")
	}
	if cfg.Category == "" {
		return nil, errors.New("category must not be empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = messagestore.SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	stream := StreamName(cfg.Category, cfg.Identifier)
	return &Store{
		log:       log,
		stream:    stream,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With(slog.String("position_stream", stream)),
		onPersist: cfg.OnPersist,
	}, nil
}

// StreamName returns "<category>:position" or "<category>:position-<identifier>".
func StreamName(category, identifier string) string {
	return messagestore.StreamName(category+":position", identifier)
}

// StreamName returns the checkpoint stream of this store.
func (s *Store) StreamName() string {
	return s.stream
}

// CurrentPosition returns the last processed global position. The first call
// loads the most recent checkpoint; 0 means nothing has been processed.
func (s *Store) CurrentPosition(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.position, nil
	}

	msg, ok, err := s.log.LastMessage(ctx, s.stream)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", s.stream, err)
	}
	if ok {
		recorded, err := DecodeRecorded(msg)
		if err != nil {
			return 0, err
		}
		if recorded.RecordedPosition > s.position {
			s.position = recorded.RecordedPosition
		}
		s.persisted = recorded.RecordedPosition
	}
	s.loaded = true

	s.logger.Debug("loaded checkpoint", slog.Int64("position", s.position), slog.Bool("found", ok))
	return s.position, nil
}

// Advance records that globalPosition has been processed. Every Interval
// advances the position is persisted. When persisting fails the in-memory
// position is kept and the next Advance tries again.
func (s *Store) Advance(ctx context.Context, globalPosition int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if globalPosition <= s.position {
		return nil
	}
	s.position = globalPosition
	s.pending++

	if s.pending < s.interval {
		return nil
	}
	return s.persistLocked(ctx)
}

// Position returns the in-memory position without touching the log.
func (s *Store) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Flush persists the in-memory position if it is ahead of the last checkpoint.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position <= s.persisted {
		return nil
	}
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	recorded := Recorded{
		RecordedPosition: s.position,
		ProcessedTime:    s.clock.Now(),
	}
	msg, err := recorded.Message(s.stream)
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, msg, messagestore.AnyVersion)
	if s.onPersist != nil {
		s.onPersist(s.position, err)
	}
	if err != nil {
		s.logger.Warn("checkpoint failed", slog.Int64("position", s.position), slog.Any("error", err))
		return fmt.Errorf("write checkpoint %s at %d: %w", s.stream, s.position, err)
	}

	s.persisted = s.position
	s.pending = 0
	s.logger.Info("checkpoint recorded", slog.Int64("position", s.position))
	return nil
}
