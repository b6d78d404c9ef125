//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/account"
	"github.com/shogotsuneto/go-simple-messagestore/consumer"
	"github.com/shogotsuneto/go-simple-messagestore/position"
)

func writeCommands(t *testing.T, store messagestore.Writer, cmds ...account.Command) {
	t.Helper()
	for _, cmd := range cmds {
		msg, err := account.EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("EncodeCommand failed: %v", err)
		}
		if _, err := store.Append(context.Background(), msg, messagestore.AnyVersion); err != nil {
			t.Fatalf("Append command failed: %v", err)
		}
	}
}

// consumeUntilLive runs a consumer over the command category until it has caught up.
func consumeUntilLive(t *testing.T, store messagestore.Store, interval int) *position.Store {
	t.Helper()

	positions, err := position.New(store, position.Config{Category: account.CommandCategory, Interval: interval})
	if err != nil {
		t.Fatalf("Failed to create position store: %v", err)
	}
	c, err := consumer.New(store, positions, account.NewHandler(store, account.HandlerConfig{}), consumer.Config{
		Category:     account.CommandCategory,
		BatchSize:    3,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for !c.Live() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("Consumer did not catch up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consumer failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Consumer did not stop")
	}
	return positions
}

func TestPostgresConsumer_Integration_AccountCommands(t *testing.T) {
	store, _, _ := setupTestStore(t, "it_consumer")
	ctx := context.Background()

	writeCommands(t, store,
		account.Open{AccountID: "A1"},
		account.Deposit{AccountID: "A1", Amount: 100},
		account.Open{AccountID: "A1"},
		account.Withdraw{AccountID: "A1", Amount: 30},
		account.Withdraw{AccountID: "A1", Amount: 500},
		account.Open{AccountID: "B2"},
		account.Close{AccountID: "B2"},
	)

	positions := consumeUntilLive(t, store, 5)

	a, version, err := account.NewStore(store).Fetch(ctx, "A1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if a.Balance != 70 {
		t.Errorf("Expected balance 70, got %v", a.Balance)
	}
	// Opened, Deposited, Withdrawn, WithdrawalRejected; the duplicate Open is ignored
	if version != 3 {
		t.Errorf("Expected version 3, got %d", version)
	}

	b, _, err := account.NewStore(store).Fetch(ctx, "B2")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !b.Closed() {
		t.Errorf("Expected account B2 to be closed")
	}

	last, ok, err := store.LastMessage(ctx, positions.StreamName())
	if err != nil || !ok {
		t.Fatalf("Expected a checkpoint: ok=%v err=%v", ok, err)
	}
	recorded, err := position.DecodeRecorded(last)
	if err != nil {
		t.Fatalf("DecodeRecorded failed: %v", err)
	}
	if recorded.RecordedPosition != positions.Position() {
		t.Errorf("Expected flushed checkpoint at %d, got %d", positions.Position(), recorded.RecordedPosition)
	}
}

func TestPostgresConsumer_Integration_ResumeIsIdempotent(t *testing.T) {
	store, _, _ := setupTestStore(t, "it_resume")
	ctx := context.Background()

	writeCommands(t, store,
		account.Open{AccountID: "A1"},
		account.Deposit{AccountID: "A1", Amount: 10},
		account.Deposit{AccountID: "A1", Amount: 10},
	)
	consumeUntilLive(t, store, 5)

	// Rewind the checkpoint so the next run redelivers everything
	if _, err := store.Append(ctx, mustRecorded(t, 0), messagestore.AnyVersion); err != nil {
		t.Fatalf("Failed to rewind checkpoint: %v", err)
	}

	writeCommands(t, store, account.Deposit{AccountID: "A1", Amount: 5})
	consumeUntilLive(t, store, 5)

	a, version, err := account.NewStore(store).Fetch(ctx, "A1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if a.Balance != 25 {
		t.Errorf("Expected balance 25 after redelivery, got %v", a.Balance)
	}
	if version != 3 {
		t.Errorf("Expected version 3 after redelivery, got %d", version)
	}
}

func mustRecorded(t *testing.T, pos int64) messagestore.Message {
	t.Helper()
	msg, err := position.Recorded{RecordedPosition: pos, ProcessedTime: time.Now().UTC()}.Message(position.StreamName(account.CommandCategory, ""))
	if err != nil {
		t.Fatalf("Failed to build checkpoint: %v", err)
	}
	return msg
}
