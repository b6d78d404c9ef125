// Package messagestore provides the contract for an append-only, globally ordered
// message log and the helpers shared by its backends and consumers.
package messagestore

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Message represents a single record in the message log.
type Message struct {
	// ID is a unique identifier for the message
	ID string
	// StreamName is the stream the message belongs to, e.g. "account-123" or "account:commands"
	StreamName string
	// Type describes the kind of message
	Type string
	// Data contains the message payload
	Data json.RawMessage
	// Metadata contains additional message information
	Metadata json.RawMessage
	// Position is the zero-based position of the message within its stream
	Position int64
	// GlobalPosition is the position of the message across the whole log, starting at 1
	GlobalPosition int64
	// Time when the message was recorded
	Time time.Time
}

// Appended reports whether the message has been durably appended to the log.
// Positions are assigned together by the store and never change afterwards.
func (m Message) Appended() bool {
	return m.GlobalPosition > 0
}

// Category returns the category of a stream name: everything before the first '-'.
// A stream without an id ("account:commands") is its own category.
func Category(streamName string) string {
	category, _, _ := strings.Cut(streamName, "-")
	return category
}

// ID returns the entity id part of a stream name, or "" for category streams.
func ID(streamName string) string {
	_, id, _ := strings.Cut(streamName, "-")
	return id
}

// CardinalID returns the first element of a compound id ("123+abc" -> "123").
func CardinalID(streamName string) string {
	id := ID(streamName)
	cardinal, _, _ := strings.Cut(id, "+")
	return cardinal
}

// IsCategory reports whether the name refers to a category rather than a single stream.
func IsCategory(name string) bool {
	return !strings.Contains(name, "-")
}

// StreamName joins a category and an entity id.
func StreamName(category, id string) string {
	if id == "" {
		return category
	}
	return category + "-" + id
}

// CardinalHash returns a non-negative hash of the stream's cardinal id, used to
// partition a category across consumer group members.
func CardinalHash(streamName string) int64 {
	return int64(xxhash.Sum64String(CardinalID(streamName)) >> 1)
}

// InGroup reports whether a stream belongs to the given consumer group member.
// A group size below 2 disables partitioning.
func InGroup(streamName string, member, size int64) bool {
	if size < 2 {
		return true
	}
	return CardinalHash(streamName)%size == member
}

type correlationMetadata struct {
	CorrelationStreamName string `json:"correlationStreamName"`
}

// CorrelationStreamName extracts the correlation stream name from message metadata.
func CorrelationStreamName(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var m correlationMetadata
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	return m.CorrelationStreamName
}

// MatchesCorrelation reports whether the message metadata correlates with the given
// category. An empty correlation matches every message.
func MatchesCorrelation(metadata json.RawMessage, correlation string) bool {
	if correlation == "" {
		return true
	}
	return Category(CorrelationStreamName(metadata)) == correlation
}
