package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shogotsuneto/go-simple-messagestore"
	"github.com/shogotsuneto/go-simple-messagestore/consumer"
)

var _ consumer.Handler = (*Handler)(nil)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Clock  messagestore.Clock
	Logger *slog.Logger
}

// Handler handles account commands: it hydrates the target account, decides
// on the outcome and appends the resulting event to the account stream.
type Handler struct {
	log      messagestore.Writer
	accounts *Store
	clock    messagestore.Clock
	logger   *slog.Logger
}

// NewHandler creates a command handler writing to and reading from store.
func NewHandler(store messagestore.StreamReadWriter, cfg HandlerConfig) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = messagestore.SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		log:      store,
		accounts: NewStore(store),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Handle processes one command message.
func (h *Handler) Handle(ctx context.Context, msg messagestore.Message) error {
	log := h.logger.With(
		slog.String("message_type", msg.Type),
		slog.Int64("global_position", msg.GlobalPosition),
	)

	cmd, err := DecodeCommand(msg)
	if err != nil {
		log.Error("rejecting command", slog.Any("error", err))
		return err
	}
	log = log.With(slog.String("account_id", cmd.Target()))

	account, version, err := h.accounts.Fetch(ctx, cmd.Target())
	if err != nil {
		log.Error("fetch account failed", slog.Any("error", err))
		return fmt.Errorf("fetch account %s: %w", cmd.Target(), err)
	}

	event, reason := Decide(account, cmd)
	if event == nil {
		log.Info("command ignored", slog.String("reason", reason))
		return nil
	}
	event = Stamp(event, h.clock.Now())

	out, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	out.Metadata, err = causationMetadata(msg)
	if err != nil {
		return err
	}

	position, err := h.log.Append(ctx, out, version)
	if err != nil {
		log.Warn("append event failed", slog.String("event_type", event.Type()), slog.Int64("expected_version", version), slog.Any("error", err))
		return fmt.Errorf("append %s to %s: %w", event.Type(), out.StreamName, err)
	}

	log.Info("command handled", slog.String("event_type", event.Type()), slog.Int64("position", position))
	return nil
}

type metadata struct {
	CausationMessageStreamName     string `json:"causationMessageStreamName"`
	CausationMessagePosition       int64  `json:"causationMessagePosition"`
	CausationMessageGlobalPosition int64  `json:"causationMessageGlobalPosition"`
	CorrelationStreamName          string `json:"correlationStreamName,omitempty"`
}

// causationMetadata links an event to the command that caused it and carries
// the command's correlation forward.
func causationMetadata(cause messagestore.Message) (json.RawMessage, error) {
	return json.Marshal(metadata{
		CausationMessageStreamName:     cause.StreamName,
		CausationMessagePosition:       cause.Position,
		CausationMessageGlobalPosition: cause.GlobalPosition,
		CorrelationStreamName:          messagestore.CorrelationStreamName(cause.Metadata),
	})
}
