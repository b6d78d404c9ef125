package position

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shogotsuneto/go-simple-messagestore"
)

// RecordedType is the message type of a checkpoint.
const RecordedType = "Recorded"

// Recorded is the checkpoint payload written to the position stream.
type Recorded struct {
	RecordedPosition int64     `json:"recorded_position"`
	ProcessedTime    time.Time `json:"processed_time"`
}

// Message builds the checkpoint message for the given position stream.
func (r Recorded) Message(streamName string) (messagestore.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return messagestore.Message{}, fmt.Errorf("marshal %s: %w", RecordedType, err)
	}
	return messagestore.Message{
		StreamName: streamName,
		Type:       RecordedType,
		Data:       data,
	}, nil
}

// DecodeRecorded reads a checkpoint from a position stream message.
func DecodeRecorded(msg messagestore.Message) (Recorded, error) {
	if msg.Type != RecordedType {
		return Recorded{}, fmt.Errorf("unexpected message type %q in %s", msg.Type, msg.StreamName)
	}
	var r Recorded
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return Recorded{}, fmt.Errorf("decode %s at %s/%d: %w", RecordedType, msg.StreamName, msg.Position, err)
	}
	return r, nil
}
