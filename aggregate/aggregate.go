// Package aggregate rebuilds entity state by folding the messages of its stream.
package aggregate

import (
	"context"
	"fmt"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// Fold applies a single message to the state and returns the new state.
// Implementations decode the message themselves and are expected to skip
// message types they do not know.
type Fold[S any] func(state S, msg messagestore.Message) (S, error)

type fetchOptions struct {
	batchSize int
}

// Option configures Fetch.
type Option func(*fetchOptions)

// WithBatchSize sets the number of messages read per round trip.
func WithBatchSize(n int) Option {
	return func(o *fetchOptions) { o.batchSize = n }
}

// Fetch reads every message of streamName in order and folds it into initial.
// It returns the resulting state and the stream version: the position of the
// last message, or messagestore.NoStream when the stream is empty.
func Fetch[S any](ctx context.Context, reader messagestore.StreamReader, streamName string, initial S, fold Fold[S], opts ...Option) (S, int64, error) {
	options := fetchOptions{batchSize: messagestore.DefaultBatchSize}
	for _, opt := range opts {
		opt(&options)
	}
	batchSize := messagestore.Limit(options.batchSize)

	state := initial
	version := messagestore.NoStream
	for {
		msgs, err := reader.ReadStream(ctx, streamName, messagestore.ReadOptions{
			FromPosition: version + 1,
			BatchSize:    batchSize,
		})
		if err != nil {
			return initial, messagestore.NoStream, fmt.Errorf("read stream %s from %d: %w", streamName, version+1, err)
		}

		for _, msg := range msgs {
			if msg.Position != version+1 {
				return initial, messagestore.NoStream, fmt.Errorf("stream %s: expected position %d, got %d", streamName, version+1, msg.Position)
			}
			state, err = fold(state, msg)
			if err != nil {
				return initial, messagestore.NoStream, fmt.Errorf("fold %s at position %d: %w", streamName, msg.Position, err)
			}
			version = msg.Position
		}

		if len(msgs) < batchSize {
			return state, version, nil
		}
	}
}
