// Package memory provides an in-memory implementation of messagestore.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// Compile-time interface compliance check
var _ messagestore.Store = (*InMemoryMessageStore)(nil)

// InMemoryMessageStore is a simple in-memory implementation of messagestore.Store.
// This implementation is suitable for testing and demonstration purposes.
type InMemoryMessageStore struct {
	mu      sync.RWMutex
	log     []messagestore.Message
	streams map[string][]int // stream name -> indexes into log
	now     func() time.Time
}

// NewInMemoryMessageStore creates a new in-memory message store.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{
		streams: make(map[string][]int),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append adds a message to its stream after checking the expected version.
func (s *InMemoryMessageStore) Append(ctx context.Context, msg messagestore.Message, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Get current stream (nil if stream does not exist)
	stream := s.streams[msg.StreamName]
	currentVersion := int64(len(stream)) - 1

	// Check expected version for optimistic concurrency control
	if err := messagestore.CheckVersion(msg.StreamName, expectedVersion, currentVersion); err != nil {
		return 0, err
	}

	msg.Position = currentVersion + 1
	msg.GlobalPosition = int64(len(s.log)) + 1
	if msg.Time.IsZero() {
		msg.Time = s.now()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	s.log = append(s.log, msg)
	s.streams[msg.StreamName] = append(stream, len(s.log)-1)

	return msg.Position, nil
}

// ReadStream retrieves messages of the given stream starting at opts.FromPosition.
func (s *InMemoryMessageStore) ReadStream(ctx context.Context, streamName string, opts messagestore.ReadOptions) ([]messagestore.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, exists := s.streams[streamName]
	if !exists {
		return []messagestore.Message{}, nil
	}

	limit := messagestore.Limit(opts.BatchSize)
	from := opts.FromPosition
	if from < 0 {
		from = 0
	}

	result := []messagestore.Message{}
	for i := from; i < int64(len(stream)) && len(result) < limit; i++ {
		result = append(result, s.log[stream[i]])
	}
	return result, nil
}

// LastMessage returns the most recent message of the given stream.
func (s *InMemoryMessageStore) LastMessage(ctx context.Context, streamName string) (messagestore.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return messagestore.Message{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamName]
	if len(stream) == 0 {
		return messagestore.Message{}, false, nil
	}
	return s.log[stream[len(stream)-1]], true, nil
}

// ReadCategory retrieves messages of every stream in the category, ordered by global position.
func (s *InMemoryMessageStore) ReadCategory(ctx context.Context, category string, opts messagestore.CategoryOptions) ([]messagestore.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := messagestore.Limit(opts.BatchSize)
	start := opts.FromPosition - 1
	if start < 0 {
		start = 0
	}

	result := []messagestore.Message{}
	for i := start; i < int64(len(s.log)) && len(result) < limit; i++ {
		msg := s.log[i]
		if messagestore.Category(msg.StreamName) != category {
			continue
		}
		if !messagestore.MatchesCorrelation(msg.Metadata, opts.Correlation) {
			continue
		}
		if !messagestore.InGroup(msg.StreamName, opts.GroupMember, opts.GroupSize) {
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

// Streams returns the names of every stream that has at least one message.
func (s *InMemoryMessageStore) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	return names
}
