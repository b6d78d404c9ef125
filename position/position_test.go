package position_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/memory"
	"github.com/shogotsuneto/go-simple-messagestore/position"
)

var now = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T, log messagestore.StreamReadWriter, cfg position.Config) *position.Store {
	t.Helper()
	if cfg.Category == "" {
		cfg.Category = "account:commands"
	}
	cfg.Clock = messagestore.FixedClock(now)
	s, err := position.New(log, cfg)
	require.NoError(t, err)
	return s
}

func recordedPositions(t *testing.T, log messagestore.StreamReader, stream string) []int64 {
	t.Helper()
	msgs, err := log.ReadStream(t.Context(), stream, messagestore.ReadOptions{})
	require.NoError(t, err)
	var out []int64
	for _, msg := range msgs {
		r, err := position.DecodeRecorded(msg)
		require.NoError(t, err)
		out = append(out, r.RecordedPosition)
	}
	return out
}

func TestStreamName(t *testing.T) {
	require.Equal(t, "account:commands:position", position.StreamName("account:commands", ""))
	require.Equal(t, "account:commands:position-worker-1", position.StreamName("account:commands", "worker-1"))

	log := memory.NewInMemoryMessageStore()
	s := newStore(t, log, position.Config{Category: "account:commands", Identifier: "worker-1"})
	require.Equal(t, "account:commands:position-worker-1", s.StreamName())
}

func TestNew_Validation(t *testing.T) {
	_, err := position.New(nil, position.Config{Category: "account"})
	require.Error(t, err)

	_, err = position.New(memory.NewInMemoryMessageStore(), position.Config{})
	require.Error(t, err)
}

func TestCurrentPosition_Empty(t *testing.T) {
	s := newStore(t, memory.NewInMemoryMessageStore(), position.Config{})

	pos, err := s.CurrentPosition(t.Context())
	require.NoError(t, err)
	require.Zero(t, pos)
}

func TestAdvance_BatchesCheckpoints(t *testing.T) {
	log := memory.NewInMemoryMessageStore()
	s := newStore(t, log, position.Config{})

	_, err := s.CurrentPosition(t.Context())
	require.NoError(t, err)

	for gp := int64(1); gp <= 12; gp++ {
		require.NoError(t, s.Advance(t.Context(), gp))
		require.Equal(t, gp, s.Position())
	}

	require.Equal(t, []int64{5, 10}, recordedPositions(t, log, s.StreamName()))

	last, ok, err := log.LastMessage(t.Context(), s.StreamName())
	require.NoError(t, err)
	require.True(t, ok)
	recorded, err := position.DecodeRecorded(last)
	require.NoError(t, err)
	require.Equal(t, now, recorded.ProcessedTime)

	// a restarted consumer resumes after the last checkpoint
	restarted := newStore(t, log, position.Config{})
	pos, err := restarted.CurrentPosition(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 10, pos)
	require.EqualValues(t, 11, pos+1)
}

func TestAdvance_CustomInterval(t *testing.T) {
	log := memory.NewInMemoryMessageStore()
	s := newStore(t, log, position.Config{Interval: 2})

	for gp := int64(1); gp <= 5; gp++ {
		require.NoError(t, s.Advance(t.Context(), gp))
	}
	require.Equal(t, []int64{2, 4}, recordedPositions(t, log, s.StreamName()))
}

func TestAdvance_SparsePositions(t *testing.T) {
	log := memory.NewInMemoryMessageStore()
	s := newStore(t, log, position.Config{Interval: 3})

	for _, gp := range []int64{4, 9, 17, 18, 40, 41} {
		require.NoError(t, s.Advance(t.Context(), gp))
	}
	require.Equal(t, []int64{17, 41}, recordedPositions(t, log, s.StreamName()))
}

func TestAdvance_NeverMovesBackwards(t *testing.T) {
	log := memory.NewInMemoryMessageStore()
	s := newStore(t, log, position.Config{Interval: 2})

	require.NoError(t, s.Advance(t.Context(), 7))
	require.NoError(t, s.Advance(t.Context(), 3))
	require.NoError(t, s.Advance(t.Context(), 7))
	require.EqualValues(t, 7, s.Position())
	require.Empty(t, recordedPositions(t, log, s.StreamName()))

	require.NoError(t, s.Advance(t.Context(), 8))
	require.Equal(t, []int64{8}, recordedPositions(t, log, s.StreamName()))
}

func TestAdvance_RecoversFromFailedCheckpoint(t *testing.T) {
	log := &flakyLog{InMemoryMessageStore: memory.NewInMemoryMessageStore()}
	var attempts []int64
	s := newStore(t, log, position.Config{
		OnPersist: func(position int64, err error) { attempts = append(attempts, position) },
	})

	for gp := int64(1); gp <= 4; gp++ {
		require.NoError(t, s.Advance(t.Context(), gp))
	}

	log.fail = true
	err := s.Advance(t.Context(), 5)
	require.ErrorIs(t, err, messagestore.ErrUnavailable)
	require.EqualValues(t, 5, s.Position())

	log.fail = false
	require.NoError(t, s.Advance(t.Context(), 6))
	require.Equal(t, []int64{6}, recordedPositions(t, log, s.StreamName()))
	require.Equal(t, []int64{5, 6}, attempts)

	// the pending count restarts after the successful checkpoint
	for gp := int64(7); gp <= 11; gp++ {
		require.NoError(t, s.Advance(t.Context(), gp))
	}
	require.Equal(t, []int64{6, 11}, recordedPositions(t, log, s.StreamName()))
}

func TestFlush(t *testing.T) {
	log := memory.NewInMemoryMessageStore()
	s := newStore(t, log, position.Config{})

	require.NoError(t, s.Flush(t.Context()))
	require.Empty(t, recordedPositions(t, log, s.StreamName()))

	for gp := int64(1); gp <= 7; gp++ {
		require.NoError(t, s.Advance(t.Context(), gp))
	}
	require.NoError(t, s.Flush(t.Context()))
	require.NoError(t, s.Flush(t.Context()))
	require.Equal(t, []int64{5, 7}, recordedPositions(t, log, s.StreamName()))
}

func TestCurrentPosition_UsesLatestCheckpoint(t *testing.T) {
	log := memory.NewInMemoryMessageStore()
	stream := position.StreamName("account:commands", "")
	for _, p := range []int64{5, 10, 15} {
		msg, err := position.Recorded{RecordedPosition: p, ProcessedTime: now}.Message(stream)
		require.NoError(t, err)
		_, err = log.Append(t.Context(), msg, messagestore.AnyVersion)
		require.NoError(t, err)
	}

	s := newStore(t, log, position.Config{})
	pos, err := s.CurrentPosition(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 15, pos)
	require.EqualValues(t, 15, s.Position())
}

func TestCurrentPosition_ReadError(t *testing.T) {
	log := &flakyLog{InMemoryMessageStore: memory.NewInMemoryMessageStore(), fail: true}
	s := newStore(t, log, position.Config{})

	_, err := s.CurrentPosition(t.Context())
	require.ErrorIs(t, err, messagestore.ErrUnavailable)

	log.fail = false
	pos, err := s.CurrentPosition(t.Context())
	require.NoError(t, err)
	require.Zero(t, pos)
}

func TestDecodeRecorded(t *testing.T) {
	_, err := position.DecodeRecorded(messagestore.Message{Type: "Opened"})
	require.Error(t, err)

	_, err = position.DecodeRecorded(messagestore.Message{Type: position.RecordedType, Data: []byte(`{`)})
	require.Error(t, err)

	r, err := position.DecodeRecorded(messagestore.Message{
		Type: position.RecordedType,
		Data: []byte(`{"recorded_position":25,"processed_time":"2024-03-01T09:30:00Z"}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 25, r.RecordedPosition)
	require.Equal(t, now, r.ProcessedTime)
}

type flakyLog struct {
	*memory.InMemoryMessageStore
	fail bool
}

var errDown = messagestore.Unavailable(errors.New("connection refused"))

func (l *flakyLog) Append(ctx context.Context, msg messagestore.Message, expectedVersion int64) (int64, error) {
	if l.fail {
		return 0, errDown
	}
	return l.InMemoryMessageStore.Append(ctx, msg, expectedVersion)
}

func (l *flakyLog) LastMessage(ctx context.Context, streamName string) (messagestore.Message, bool, error) {
	if l.fail {
		return messagestore.Message{}, false, errDown
	}
	return l.InMemoryMessageStore.LastMessage(ctx, streamName)
}
