// Package postgres provides a PostgreSQL implementation of messagestore.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver

	"github.com/shogotsuneto/go-simple-messagestore"
)

// Compile-time interface compliance check
var _ messagestore.Store = (*PostgresMessageStore)(nil)

// DefaultTableName is used when Config.TableName is empty.
const DefaultTableName = "messages"

var errEmptyTableName = errors.New("table name must not be empty")

// Config holds the connection settings for Open.
type Config struct {
	ConnectionString string
	TableName        string
}

// PostgresMessageStore is a PostgreSQL implementation of messagestore.Store.
type PostgresMessageStore struct {
	db        *sql.DB
	tableName string
}

// Open connects to PostgreSQL, verifies the connection and initializes the schema.
func Open(ctx context.Context, config Config) (*PostgresMessageStore, error) {
	tableName := config.TableName
	if tableName == "" {
		tableName = DefaultTableName
	}

	db, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InitSchema(db, tableName); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return NewPostgresMessageStore(db, tableName)
}

// NewPostgresMessageStore creates a store over an existing connection pool.
func NewPostgresMessageStore(db *sql.DB, tableName string) (*PostgresMessageStore, error) {
	if tableName == "" {
		return nil, errEmptyTableName
	}
	return &PostgresMessageStore{db: db, tableName: tableName}, nil
}

// Close closes the database connection.
func (s *PostgresMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema creates the necessary tables and indexes if they don't exist.
func InitSchema(db *sql.DB, tableName string) error {
	if tableName == "" {
		return errEmptyTableName
	}

	table := quoteIdentifier(tableName)
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		global_position BIGSERIAL PRIMARY KEY,
		id VARCHAR(255) NOT NULL,
		stream_name VARCHAR(255) NOT NULL,
		category VARCHAR(255) NOT NULL,
		cardinal_hash BIGINT NOT NULL,
		position BIGINT NOT NULL,
		type VARCHAR(255) NOT NULL,
		data JSONB,
		metadata JSONB,
		time TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(stream_name, position);
	CREATE INDEX IF NOT EXISTS %s ON %s(category, global_position);
	CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(id);
	`, table,
		quoteIdentifier("idx_"+tableName+"_stream_position"), table,
		quoteIdentifier("idx_"+tableName+"_category"), table,
		quoteIdentifier("idx_"+tableName+"_id"), table)

	_, err := db.Exec(query)
	return err
}

// Append adds a message to its stream after checking the expected version.
func (s *PostgresMessageStore) Append(ctx context.Context, msg messagestore.Message, expectedVersion int64) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	// Lock the stream to prevent concurrent appends
	_, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", msg.StreamName)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to acquire lock: %w", err))
	}

	// Get the current version (last position) of this stream
	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(position), -1) FROM %s WHERE stream_name = $1", quoteIdentifier(s.tableName)),
		msg.StreamName,
	).Scan(&currentVersion)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to get stream version: %w", err))
	}

	// Check expected version for optimistic concurrency control
	if err := messagestore.CheckVersion(msg.StreamName, expectedVersion, currentVersion); err != nil {
		return 0, err
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	recorded := msg.Time
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	position := currentVersion + 1

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, stream_name, category, cardinal_hash, position, type, data, metadata, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, quoteIdentifier(s.tableName)),
		id,
		msg.StreamName,
		messagestore.Category(msg.StreamName),
		messagestore.CardinalHash(msg.StreamName),
		position,
		msg.Type,
		jsonArg(msg.Data),
		jsonArg(msg.Metadata),
		recorded,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &messagestore.ErrVersionMismatch{
				StreamName:      msg.StreamName,
				ExpectedVersion: expectedVersion,
				ActualVersion:   position,
			}
		}
		return 0, classify(fmt.Errorf("failed to insert message: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("failed to commit: %w", err))
	}
	return position, nil
}

const selectColumns = "global_position, id, stream_name, position, type, data, metadata, time"

// ReadStream retrieves messages of the given stream starting at opts.FromPosition.
func (s *PostgresMessageStore) ReadStream(ctx context.Context, streamName string, opts messagestore.ReadOptions) ([]messagestore.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_name = $1 AND position >= $2
		ORDER BY position ASC
		LIMIT $3
	`, selectColumns, quoteIdentifier(s.tableName))

	return s.query(ctx, query, streamName, opts.FromPosition, messagestore.Limit(opts.BatchSize))
}

// LastMessage returns the most recent message of the given stream.
func (s *PostgresMessageStore) LastMessage(ctx context.Context, streamName string) (messagestore.Message, bool, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_name = $1
		ORDER BY position DESC
		LIMIT 1
	`, selectColumns, quoteIdentifier(s.tableName))

	msgs, err := s.query(ctx, query, streamName)
	if err != nil || len(msgs) == 0 {
		return messagestore.Message{}, false, err
	}
	return msgs[0], true, nil
}

// ReadCategory retrieves messages of every stream in the category, ordered by global position.
func (s *PostgresMessageStore) ReadCategory(ctx context.Context, category string, opts messagestore.CategoryOptions) ([]messagestore.Message, error) {
	query, args := buildCategoryQuery(s.tableName, category, opts)
	return s.query(ctx, query, args...)
}

func buildCategoryQuery(tableName, category string, opts messagestore.CategoryOptions) (string, []any) {
	args := []any{category, opts.FromPosition}
	var where strings.Builder
	where.WriteString("category = $1 AND global_position >= $2")

	if opts.Correlation != "" {
		args = append(args, opts.Correlation)
		fmt.Fprintf(&where, " AND split_part(metadata->>'correlationStreamName', '-', 1) = $%d", len(args))
	}
	if opts.GroupSize > 1 {
		args = append(args, opts.GroupSize, opts.GroupMember)
		fmt.Fprintf(&where, " AND cardinal_hash %% $%d = $%d", len(args)-1, len(args))
	}

	args = append(args, messagestore.Limit(opts.BatchSize))
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s
		ORDER BY global_position ASC
		LIMIT $%d
	`, selectColumns, quoteIdentifier(tableName), where.String(), len(args))

	return query, args
}

func (s *PostgresMessageStore) query(ctx context.Context, query string, args ...any) ([]messagestore.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query messages: %w", err))
	}
	defer rows.Close()

	msgs := []messagestore.Message{}
	for rows.Next() {
		var msg messagestore.Message
		var data, metadata []byte

		err := rows.Scan(
			&msg.GlobalPosition,
			&msg.ID,
			&msg.StreamName,
			&msg.Position,
			&msg.Type,
			&data,
			&metadata,
			&msg.Time,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Data = data
		msg.Metadata = metadata
		msgs = append(msgs, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("error iterating rows: %w", err))
	}

	return msgs, nil
}

// jsonArg passes JSON as text so PostgreSQL parses it into JSONB; empty payloads become NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// classify marks connection-level failures as messagestore.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if messagestore.IsConnectionError(err) {
		return messagestore.Unavailable(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57": // operator intervention
			return messagestore.Unavailable(err)
		}
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return messagestore.Unavailable(err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// quoteIdentifier quotes a PostgreSQL identifier to prevent SQL injection.
// It wraps the identifier in double quotes and escapes any existing double quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
