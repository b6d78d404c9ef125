package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// Event message types.
const (
	OpenedType             = "Opened"
	ClosedType             = "Closed"
	DepositedType          = "Deposited"
	WithdrawnType          = "Withdrawn"
	WithdrawalRejectedType = "WithdrawalRejected"
)

// Event is one of Opened, Closed, Deposited, Withdrawn, WithdrawalRejected or
// Unrecognized.
type Event interface {
	// Type returns the message type of the event.
	Type() string
	isEvent()
}

type Opened struct {
	AccountID     string    `json:"account_id"`
	Sequence      int64     `json:"sequence"`
	ProcessedTime time.Time `json:"processed_time"`
}

type Closed struct {
	AccountID     string    `json:"account_id"`
	Sequence      int64     `json:"sequence"`
	ProcessedTime time.Time `json:"processed_time"`
}

type Deposited struct {
	AccountID     string    `json:"account_id"`
	Amount        float64   `json:"amount"`
	Sequence      int64     `json:"sequence"`
	ProcessedTime time.Time `json:"processed_time"`
}

type Withdrawn struct {
	AccountID     string    `json:"account_id"`
	Amount        float64   `json:"amount"`
	Sequence      int64     `json:"sequence"`
	ProcessedTime time.Time `json:"processed_time"`
}

type WithdrawalRejected struct {
	AccountID     string    `json:"account_id"`
	Amount        float64   `json:"amount"`
	Reason        string    `json:"reason"`
	Sequence      int64     `json:"sequence"`
	ProcessedTime time.Time `json:"processed_time"`
}

// Unrecognized is an event of a type this version does not know. It is kept
// so that replaying a stream written by a newer version does not fail.
type Unrecognized struct {
	EventType string
	Data      json.RawMessage
}

func (Opened) Type() string             { return OpenedType }
func (Closed) Type() string             { return ClosedType }
func (Deposited) Type() string          { return DepositedType }
func (Withdrawn) Type() string          { return WithdrawnType }
func (WithdrawalRejected) Type() string { return WithdrawalRejectedType }
func (e Unrecognized) Type() string     { return e.EventType }

func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (Deposited) isEvent()          {}
func (Withdrawn) isEvent()          {}
func (WithdrawalRejected) isEvent() {}
func (Unrecognized) isEvent()       {}

// Follow returns the event recording that cmd was accepted. The processed
// time is left zero for the handler to stamp.
func Follow(cmd Command) Event {
	seq := cmd.Origin().GlobalPosition
	switch c := cmd.(type) {
	case Open:
		return Opened{AccountID: c.AccountID, Sequence: seq}
	case Close:
		return Closed{AccountID: c.AccountID, Sequence: seq}
	case Deposit:
		return Deposited{AccountID: c.AccountID, Amount: c.Amount, Sequence: seq}
	case Withdraw:
		return Withdrawn{AccountID: c.AccountID, Amount: c.Amount, Sequence: seq}
	}
	panic(fmt.Sprintf("account: no event follows command %T", cmd))
}

// Reject returns the event recording that a withdrawal was refused.
func Reject(cmd Withdraw, reason string) WithdrawalRejected {
	return WithdrawalRejected{
		AccountID: cmd.AccountID,
		Amount:    cmd.Amount,
		Reason:    reason,
		Sequence:  cmd.Source.GlobalPosition,
	}
}

// Stamp sets the processed time of the event.
func Stamp(e Event, t time.Time) Event {
	switch ev := e.(type) {
	case Opened:
		ev.ProcessedTime = t
		return ev
	case Closed:
		ev.ProcessedTime = t
		return ev
	case Deposited:
		ev.ProcessedTime = t
		return ev
	case Withdrawn:
		ev.ProcessedTime = t
		return ev
	case WithdrawalRejected:
		ev.ProcessedTime = t
		return ev
	}
	return e
}

// Target returns the account id of the event, or "" for Unrecognized events.
func Target(e Event) string {
	switch ev := e.(type) {
	case Opened:
		return ev.AccountID
	case Closed:
		return ev.AccountID
	case Deposited:
		return ev.AccountID
	case Withdrawn:
		return ev.AccountID
	case WithdrawalRejected:
		return ev.AccountID
	}
	return ""
}

var eventDecoders = map[string]func(json.RawMessage) (Event, error){
	OpenedType:             decodeEvent[Opened],
	ClosedType:             decodeEvent[Closed],
	DepositedType:          decodeEvent[Deposited],
	WithdrawnType:          decodeEvent[Withdrawn],
	WithdrawalRejectedType: decodeEvent[WithdrawalRejected],
}

func decodeEvent[E Event](data json.RawMessage) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeEvent turns an entity stream message into an Event. Unknown message
// types decode to Unrecognized; malformed payloads fail with a *DecodeError.
func DecodeEvent(msg messagestore.Message) (Event, error) {
	decode, ok := eventDecoders[msg.Type]
	if !ok {
		return Unrecognized{EventType: msg.Type, Data: msg.Data}, nil
	}
	e, err := decode(msg.Data)
	if err != nil {
		return nil, &DecodeError{Type: msg.Type, StreamName: msg.StreamName, GlobalPosition: msg.GlobalPosition, Err: err}
	}
	if Target(e) == "" {
		return nil, &DecodeError{Type: msg.Type, StreamName: msg.StreamName, GlobalPosition: msg.GlobalPosition, Err: errors.New("missing account_id")}
	}
	return e, nil
}

// EncodeEvent builds the message that appends e to its account stream.
func EncodeEvent(e Event) (messagestore.Message, error) {
	if _, ok := e.(Unrecognized); ok {
		return messagestore.Message{}, fmt.Errorf("%w: cannot encode unrecognized event %q", ErrUnsupportedType, e.Type())
	}
	id := Target(e)
	if id == "" {
		return messagestore.Message{}, errors.New("event has no account id")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return messagestore.Message{}, fmt.Errorf("marshal %s: %w", e.Type(), err)
	}
	return messagestore.Message{
		StreamName: StreamName(id),
		Type:       e.Type(),
		Data:       data,
	}, nil
}

// StreamName returns the entity stream of an account.
func StreamName(id string) string {
	return messagestore.StreamName(Category, id)
}
