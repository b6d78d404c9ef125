package consumer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/consumer"
	"github.com/shogotsuneto/go-simple-messagestore/memory"
	"github.com/shogotsuneto/go-simple-messagestore/position"
)

const category = "account:commands"

func testConfig() consumer.Config {
	return consumer.Config{
		Category:             category,
		PollInterval:         5 * time.Millisecond,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		RetryMaxTries:        5,
	}
}

func seed(t *testing.T, store messagestore.Writer, stream string, n int) {
	t.Helper()
	for range n {
		_, err := store.Append(t.Context(), messagestore.Message{StreamName: stream, Type: "Deposit"}, messagestore.AnyVersion)
		require.NoError(t, err)
	}
}

func newPositions(t *testing.T, store messagestore.StreamReadWriter) *position.Store {
	t.Helper()
	p, err := position.New(store, position.Config{Category: category})
	require.NoError(t, err)
	return p
}

// run starts the consumer and returns a function that stops it and returns Run's result.
func run(t *testing.T, c *consumer.Consumer) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []int64
}

func (r *recorder) Handle(_ context.Context, msg messagestore.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg.GlobalPosition)
	return nil
}

func (r *recorder) positions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func checkpoints(t *testing.T, store messagestore.StreamReader) []int64 {
	t.Helper()
	msgs, err := store.ReadStream(t.Context(), position.StreamName(category, ""), messagestore.ReadOptions{})
	require.NoError(t, err)
	var out []int64
	for _, msg := range msgs {
		r, err := position.DecodeRecorded(msg)
		require.NoError(t, err)
		out = append(out, r.RecordedPosition)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	positions := newPositions(t, store)
	handler := &recorder{}

	_, err := consumer.New(nil, positions, handler, testConfig())
	require.Error(t, err)
	_, err = consumer.New(store, nil, handler, testConfig())
	require.Error(t, err)
	_, err = consumer.New(store, positions, nil, testConfig())
	require.Error(t, err)
	_, err = consumer.New(store, positions, handler, consumer.Config{})
	require.Error(t, err)

	cfg := testConfig()
	cfg.GroupSize = 3
	cfg.GroupMember = 3
	_, err = consumer.New(store, positions, handler, cfg)
	require.Error(t, err)
}

func TestConsumer_EmptyLog(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	handler := &recorder{}
	c, err := consumer.New(store, newPositions(t, store), handler, testConfig())
	require.NoError(t, err)

	stop := run(t, c)
	require.Eventually(t, c.Live, time.Second, time.Millisecond)
	require.NoError(t, stop())

	require.Zero(t, c.Position())
	require.Empty(t, handler.positions())
	require.Empty(t, checkpoints(t, store))
}

func TestConsumer_DispatchesInGlobalOrder(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 3)
	seed(t, store, "account-1", 2) // other category
	seed(t, store, category, 9)

	handler := &recorder{}
	positions := newPositions(t, store)
	cfg := testConfig()
	cfg.BatchSize = 4
	c, err := consumer.New(store, positions, handler, cfg)
	require.NoError(t, err)

	stop := run(t, c)
	require.Eventually(t, func() bool { return len(handler.positions()) == 12 }, time.Second, time.Millisecond)
	require.Eventually(t, c.Live, time.Second, time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, []int64{1, 2, 3, 6, 7, 8, 9, 10, 11, 12, 13, 14}, handler.positions())
	require.EqualValues(t, 14, c.Position())
	require.EqualValues(t, 14, positions.Position())
	// checkpoints every five messages, then the remainder on shutdown
	require.Equal(t, []int64{8, 13, 14}, checkpoints(t, store))
}

func TestConsumer_ResumesAfterCheckpoint(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 12)

	msg, err := position.Recorded{RecordedPosition: 10, ProcessedTime: time.Now()}.Message(position.StreamName(category, ""))
	require.NoError(t, err)
	_, err = store.Append(t.Context(), msg, messagestore.AnyVersion)
	require.NoError(t, err)

	handler := &recorder{}
	c, err := consumer.New(store, newPositions(t, store), handler, testConfig())
	require.NoError(t, err)

	stop := run(t, c)
	require.Eventually(t, c.Live, time.Second, time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, []int64{11, 12}, handler.positions())
}

func TestConsumer_TailsNewMessages(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 2)

	handler := &recorder{}
	c, err := consumer.New(store, newPositions(t, store), handler, testConfig())
	require.NoError(t, err)

	stop := run(t, c)
	require.Eventually(t, c.Live, time.Second, time.Millisecond)

	seed(t, store, category, 2)
	require.Eventually(t, func() bool { return len(handler.positions()) == 4 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, []int64{1, 2, 3, 4}, handler.positions())
}

func TestConsumer_PermanentErrorHalts(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 5)

	errBoom := errors.New("boom")
	var calls atomic.Int32
	handler := consumer.HandlerFunc(func(_ context.Context, msg messagestore.Message) error {
		calls.Add(1)
		if msg.GlobalPosition == 3 {
			return errBoom
		}
		return nil
	})

	positions := newPositions(t, store)
	c, err := consumer.New(store, positions, handler, testConfig())
	require.NoError(t, err)

	err = c.Run(t.Context())
	require.ErrorIs(t, err, errBoom)
	require.EqualValues(t, 3, calls.Load())
	require.EqualValues(t, 2, c.Position())
	require.EqualValues(t, 2, positions.Position())
	require.False(t, c.Live())
	require.Equal(t, []int64{2}, checkpoints(t, store))
}

func TestConsumer_RetriesTransientHandlerErrors(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 3)

	var attempts atomic.Int32
	handler := &recorder{}
	flaky := consumer.HandlerFunc(func(ctx context.Context, msg messagestore.Message) error {
		if msg.GlobalPosition == 2 && attempts.Add(1) < 3 {
			return &messagestore.ErrVersionMismatch{StreamName: "account-1", ExpectedVersion: 0, ActualVersion: 1}
		}
		return handler.Handle(ctx, msg)
	})

	c, err := consumer.New(store, newPositions(t, store), flaky, testConfig())
	require.NoError(t, err)

	stop := run(t, c)
	require.Eventually(t, c.Live, time.Second, time.Millisecond)
	require.NoError(t, stop())

	require.EqualValues(t, 3, attempts.Load())
	require.Equal(t, []int64{1, 2, 3}, handler.positions())
}

func TestConsumer_TransientErrorsExhausted(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 2)

	var attempts atomic.Int32
	handler := consumer.HandlerFunc(func(context.Context, messagestore.Message) error {
		attempts.Add(1)
		return messagestore.Unavailable(errors.New("connection refused"))
	})

	cfg := testConfig()
	cfg.RetryMaxTries = 3
	c, err := consumer.New(store, newPositions(t, store), handler, cfg)
	require.NoError(t, err)

	err = c.Run(t.Context())
	require.ErrorIs(t, err, messagestore.ErrUnavailable)
	require.EqualValues(t, 3, attempts.Load())
	require.Zero(t, c.Position())
}

func TestConsumer_RetriesReads(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 2)

	reader := &flakyReader{CategoryReader: store, failures: 2}
	metrics := &countingMetrics{}
	handler := &recorder{}
	cfg := testConfig()
	cfg.Metrics = metrics
	c, err := consumer.New(reader, newPositions(t, store), handler, cfg)
	require.NoError(t, err)

	stop := run(t, c)
	require.Eventually(t, c.Live, time.Second, time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, []int64{1, 2}, handler.positions())
	require.EqualValues(t, 2, metrics.readRetries.Load())
	require.EqualValues(t, 2, metrics.succeeded.Load())
	require.EqualValues(t, 2, metrics.position.Load())
}

func TestConsumer_ReadPermanentError(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	errBroken := errors.New("syntax error")
	reader := &flakyReader{CategoryReader: store, failures: 1, err: errBroken}

	c, err := consumer.New(reader, newPositions(t, store), &recorder{}, testConfig())
	require.NoError(t, err)

	err = c.Run(t.Context())
	require.ErrorIs(t, err, errBroken)
}

func TestConsumer_CompletesDispatchOnCancel(t *testing.T) {
	store := memory.NewInMemoryMessageStore()
	seed(t, store, category, 3)

	entered := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxDone atomic.Bool
	handler := consumer.HandlerFunc(func(ctx context.Context, msg messagestore.Message) error {
		if msg.GlobalPosition == 1 {
			close(entered)
			<-release
			handlerCtxDone.Store(ctx.Err() != nil)
		}
		return nil
	})

	positions := newPositions(t, store)
	c, err := consumer.New(store, positions, handler, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-entered
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	require.False(t, handlerCtxDone.Load())
	require.EqualValues(t, 1, c.Position())
	require.Equal(t, []int64{1}, checkpoints(t, store))
}

type flakyReader struct {
	messagestore.CategoryReader
	mu       sync.Mutex
	failures int
	err      error
}

func (r *flakyReader) ReadCategory(ctx context.Context, category string, opts messagestore.CategoryOptions) ([]messagestore.Message, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		if r.err != nil {
			return nil, r.err
		}
		return nil, messagestore.Unavailable(errors.New("connection reset"))
	}
	r.mu.Unlock()
	return r.CategoryReader.ReadCategory(ctx, category, opts)
}

type countingMetrics struct {
	readRetries atomic.Int64
	succeeded   atomic.Int64
	position    atomic.Int64
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func (m *countingMetrics) DispatchDuration(string, bool) consumer.Timer { return nopTimer{} }
func (m *countingMetrics) MessageProcessed(_ string, _ bool, success bool) {
	if success {
		m.succeeded.Add(1)
	}
}
func (m *countingMetrics) Position(_ string, position int64) { m.position.Store(position) }
func (m *countingMetrics) ReadRetried(string)                { m.readRetries.Add(1) }
func (m *countingMetrics) Checkpointed(string, bool)         {}
