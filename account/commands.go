package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// Stream categories of the account component.
const (
	Category        = "account"
	CommandCategory = "account:commands"
)

// Command message types.
const (
	OpenType     = "Open"
	CloseType    = "Close"
	DepositType  = "Deposit"
	WithdrawType = "Withdraw"
)

// Source identifies the message a command was decoded from.
type Source struct {
	// Position is the stream position of the command message
	Position int64
	// GlobalPosition is the global position of the command message and
	// doubles as the idempotency sequence of the events it causes
	GlobalPosition int64
	Time           time.Time
}

// Command is one of Open, Close, Deposit or Withdraw.
type Command interface {
	// Type returns the message type of the command.
	Type() string
	// Target returns the id of the account the command is addressed to.
	Target() string
	// Origin returns the message the command was decoded from.
	Origin() Source
	isCommand()
}

type Open struct {
	AccountID string
	Source    Source
}

type Close struct {
	AccountID string
	Source    Source
}

type Deposit struct {
	AccountID string
	Amount    float64
	Source    Source
}

type Withdraw struct {
	AccountID string
	Amount    float64
	Source    Source
}

func (Open) Type() string     { return OpenType }
func (Close) Type() string    { return CloseType }
func (Deposit) Type() string  { return DepositType }
func (Withdraw) Type() string { return WithdrawType }

func (c Open) Target() string     { return c.AccountID }
func (c Close) Target() string    { return c.AccountID }
func (c Deposit) Target() string  { return c.AccountID }
func (c Withdraw) Target() string { return c.AccountID }

func (c Open) Origin() Source     { return c.Source }
func (c Close) Origin() Source    { return c.Source }
func (c Deposit) Origin() Source  { return c.Source }
func (c Withdraw) Origin() Source { return c.Source }

func (Open) isCommand()     {}
func (Close) isCommand()    {}
func (Deposit) isCommand()  {}
func (Withdraw) isCommand() {}

// commandData is the wire format shared by all commands.
type commandData struct {
	AccountID string   `json:"account_id"`
	Amount    *float64 `json:"amount,omitempty"`
}

var errMissingAmount = errors.New("missing amount")

var commandDecoders = map[string]func(commandData, Source) (Command, error){
	OpenType: func(d commandData, src Source) (Command, error) {
		return Open{AccountID: d.AccountID, Source: src}, nil
	},
	CloseType: func(d commandData, src Source) (Command, error) {
		return Close{AccountID: d.AccountID, Source: src}, nil
	},
	DepositType: func(d commandData, src Source) (Command, error) {
		if d.Amount == nil {
			return nil, errMissingAmount
		}
		return Deposit{AccountID: d.AccountID, Amount: *d.Amount, Source: src}, nil
	},
	WithdrawType: func(d commandData, src Source) (Command, error) {
		if d.Amount == nil {
			return nil, errMissingAmount
		}
		return Withdraw{AccountID: d.AccountID, Amount: *d.Amount, Source: src}, nil
	},
}

// DecodeCommand turns a command message into a Command. Unknown message types
// fail with ErrUnsupportedType, malformed payloads with a *DecodeError.
func DecodeCommand(msg messagestore.Message) (Command, error) {
	decode, ok := commandDecoders[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}

	fail := func(err error) error {
		return &DecodeError{Type: msg.Type, StreamName: msg.StreamName, GlobalPosition: msg.GlobalPosition, Err: err}
	}

	var data commandData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fail(err)
	}
	if data.AccountID == "" {
		return nil, fail(errors.New("missing account_id"))
	}

	cmd, err := decode(data, Source{
		Position:       msg.Position,
		GlobalPosition: msg.GlobalPosition,
		Time:           msg.Time,
	})
	if err != nil {
		return nil, fail(err)
	}
	return cmd, nil
}

// EncodeCommand builds the message that submits cmd to the command stream.
func EncodeCommand(cmd Command) (messagestore.Message, error) {
	data := commandData{AccountID: cmd.Target()}
	switch c := cmd.(type) {
	case Deposit:
		data.Amount = &c.Amount
	case Withdraw:
		data.Amount = &c.Amount
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return messagestore.Message{}, fmt.Errorf("marshal %s: %w", cmd.Type(), err)
	}
	return messagestore.Message{
		StreamName: CommandCategory,
		Type:       cmd.Type(),
		Data:       raw,
	}, nil
}
