package account

import (
	"errors"
	"fmt"
)

// ErrUnsupportedType is returned for command messages of an unknown type.
var ErrUnsupportedType = errors.New("unsupported message type")

// DecodeError reports a message whose payload cannot be turned into a command or event.
type DecodeError struct {
	Type           string
	StreamName     string
	GlobalPosition int64
	Err            error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s from %s at global position %d: %v", e.Type, e.StreamName, e.GlobalPosition, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
