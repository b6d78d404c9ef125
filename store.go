package messagestore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

// DefaultBatchSize is used when a read does not specify a batch size.
const DefaultBatchSize = 1000

// Expected versions for Append.
const (
	// NoStream is the version of a stream without messages. As an expected
	// version it requires the stream to not exist yet.
	NoStream int64 = -1
	// AnyVersion disables the expected version check.
	AnyVersion int64 = -2
)

// ReadOptions contains options for reading a single stream.
type ReadOptions struct {
	// FromPosition is the first stream position to return (inclusive)
	FromPosition int64
	// BatchSize is the maximum number of messages to return; <= 0 means DefaultBatchSize
	BatchSize int
}

// CategoryOptions contains options for reading every stream of a category.
type CategoryOptions struct {
	// FromPosition is the first global position to return (inclusive)
	FromPosition int64
	// BatchSize is the maximum number of messages to return; <= 0 means DefaultBatchSize
	BatchSize int
	// Correlation keeps only messages whose correlationStreamName metadata belongs to this category
	Correlation string
	// GroupMember and GroupSize partition the category by cardinal id
	GroupMember int64
	GroupSize   int64
}

// Writer appends messages to streams.
type Writer interface {
	// Append writes msg to msg.StreamName and returns its stream position.
	// expectedVersion is used for optimistic concurrency control:
	// - AnyVersion skips the check
	// - NoStream requires the stream to be empty
	// - otherwise the stream's last position must equal expectedVersion
	Append(ctx context.Context, msg Message, expectedVersion int64) (int64, error)
}

// StreamReader reads messages of a single stream.
type StreamReader interface {
	// ReadStream returns messages of the stream ordered by position.
	ReadStream(ctx context.Context, streamName string, opts ReadOptions) ([]Message, error)
	// LastMessage returns the most recent message of the stream, if any.
	LastMessage(ctx context.Context, streamName string) (Message, bool, error)
}

// CategoryReader reads the globally ordered union of a category's streams.
type CategoryReader interface {
	// ReadCategory returns messages of the category ordered by global position.
	ReadCategory(ctx context.Context, category string, opts CategoryOptions) ([]Message, error)
}

// StreamReadWriter reads and appends to individual streams.
type StreamReadWriter interface {
	Writer
	StreamReader
}

// Store is the full message log contract.
type Store interface {
	Writer
	StreamReader
	CategoryReader
}

// Limit returns the effective batch size.
func Limit(batchSize int) int {
	if batchSize <= 0 {
		return DefaultBatchSize
	}
	return batchSize
}

// Validate checks the fields every backend requires before appending.
func (m Message) Validate() error {
	if m.StreamName == "" {
		return errors.New("stream name must not be empty")
	}
	if m.Type == "" {
		return errors.New("message type must not be empty")
	}
	return nil
}

// Common error types for message store operations.

// ErrVersionMismatch indicates that the expected version does not match the actual stream version.
type ErrVersionMismatch struct {
	StreamName      string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("expected version %d but stream '%s' is at version %d", e.ExpectedVersion, e.StreamName, e.ActualVersion)
}

// Is makes every version mismatch match ErrConcurrencyConflict.
func (e *ErrVersionMismatch) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// CheckVersion returns an *ErrVersionMismatch when actual does not satisfy expected.
func CheckVersion(streamName string, expected, actual int64) error {
	if expected == AnyVersion || expected == actual {
		return nil
	}
	return &ErrVersionMismatch{
		StreamName:      streamName,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Sentinel errors for common error conditions.
var (
	// ErrConcurrencyConflict is returned when an optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("concurrency conflict detected")
	// ErrUnavailable marks transient I/O failures of the backing log.
	ErrUnavailable = errors.New("message store unavailable")
)

// Unavailable wraps err so that it matches ErrUnavailable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsTransient reports whether an operation that failed with err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConcurrencyConflict)
}

// IsConnectionError reports driver and network level failures common to SQL backends.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
