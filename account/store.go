package account

import (
	"context"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/aggregate"
)

// Store hydrates accounts from their streams.
type Store struct {
	reader messagestore.StreamReader
	opts   []aggregate.Option
}

// NewStore returns a Store reading from reader.
func NewStore(reader messagestore.StreamReader, opts ...aggregate.Option) *Store {
	return &Store{reader: reader, opts: opts}
}

// Fetch returns the account and its stream version, messagestore.NoStream for a new account.
func (s *Store) Fetch(ctx context.Context, id string) (Account, int64, error) {
	return aggregate.Fetch(ctx, s.reader, StreamName(id), Account{ID: id}, fold, s.opts...)
}

func fold(a Account, msg messagestore.Message) (Account, error) {
	e, err := DecodeEvent(msg)
	if err != nil {
		return a, err
	}
	return a.Apply(e), nil
}
