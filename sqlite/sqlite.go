// Package sqlite provides a SQLite-backed implementation of messagestore.Store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// Compile-time interface compliance check
var _ messagestore.Store = (*Store)(nil)

//go:embed schema.sql
var schema string

// Store persists the message log in a single SQLite file.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite message store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// Write transactions take the database lock on BEGIN so the version check and
	// the insert are serialized.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		sqlDB: sqlDB,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append adds a message to its stream after checking the expected version.
func (s *Store) Append(ctx context.Context, msg messagestore.Message, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("begin append tx: %w", err))
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) FROM messages WHERE stream_name = ?`,
		msg.StreamName,
	).Scan(&currentVersion)
	if err != nil {
		return 0, classify(fmt.Errorf("read stream version %s: %w", msg.StreamName, err))
	}

	if err := messagestore.CheckVersion(msg.StreamName, expectedVersion, currentVersion); err != nil {
		return 0, err
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	recorded := msg.Time
	if recorded.IsZero() {
		recorded = s.now()
	}
	position := currentVersion + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, stream_name, category, cardinal_hash, correlation, position, type, data, metadata, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		msg.StreamName,
		messagestore.Category(msg.StreamName),
		messagestore.CardinalHash(msg.StreamName),
		messagestore.Category(messagestore.CorrelationStreamName(msg.Metadata)),
		position,
		msg.Type,
		blobArg(msg.Data),
		blobArg(msg.Metadata),
		toMillis(recorded),
	)
	if err != nil {
		if isConstraintError(err) {
			return 0, &messagestore.ErrVersionMismatch{
				StreamName:      msg.StreamName,
				ExpectedVersion: expectedVersion,
				ActualVersion:   position,
			}
		}
		return 0, classify(fmt.Errorf("insert message %s/%d: %w", msg.StreamName, position, err))
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("commit append tx: %w", err))
	}
	return position, nil
}

const selectColumns = "global_position, id, stream_name, position, type, data, metadata, time"

// ReadStream retrieves messages of the given stream starting at opts.FromPosition.
func (s *Store) ReadStream(ctx context.Context, streamName string, opts messagestore.ReadOptions) ([]messagestore.Message, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE stream_name = ? AND position >= ?
		 ORDER BY position ASC
		 LIMIT ?`,
		streamName, opts.FromPosition, messagestore.Limit(opts.BatchSize),
	)
}

// LastMessage returns the most recent message of the given stream.
func (s *Store) LastMessage(ctx context.Context, streamName string) (messagestore.Message, bool, error) {
	msgs, err := s.query(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE stream_name = ?
		 ORDER BY position DESC
		 LIMIT 1`,
		streamName,
	)
	if err != nil || len(msgs) == 0 {
		return messagestore.Message{}, false, err
	}
	return msgs[0], true, nil
}

// ReadCategory retrieves messages of every stream in the category, ordered by global position.
func (s *Store) ReadCategory(ctx context.Context, category string, opts messagestore.CategoryOptions) ([]messagestore.Message, error) {
	query := `SELECT ` + selectColumns + ` FROM messages WHERE category = ? AND global_position >= ?`
	args := []any{category, opts.FromPosition}
	if opts.Correlation != "" {
		query += ` AND correlation = ?`
		args = append(args, opts.Correlation)
	}
	if opts.GroupSize > 1 {
		query += ` AND cardinal_hash % ? = ?`
		args = append(args, opts.GroupSize, opts.GroupMember)
	}
	query += ` ORDER BY global_position ASC LIMIT ?`
	args = append(args, messagestore.Limit(opts.BatchSize))

	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]messagestore.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	msgs := []messagestore.Message{}
	for rows.Next() {
		var (
			msg            messagestore.Message
			data, metadata []byte
			recorded       int64
		)
		if err := rows.Scan(
			&msg.GlobalPosition,
			&msg.ID,
			&msg.StreamName,
			&msg.Position,
			&msg.Type,
			&data,
			&metadata,
			&recorded,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Data = data
		msg.Metadata = metadata
		msg.Time = fromMillis(recorded)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate messages: %w", err))
	}
	return msgs, nil
}

func blobArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// classify marks busy and locked database errors as messagestore.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteBusyError(err) || messagestore.IsConnectionError(err) {
		return messagestore.Unavailable(err)
	}
	return err
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
}
