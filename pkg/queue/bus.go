// Package queue provides the at-least-once event bus between the ingestion
// and embedding services. Messages are keyed (key = document id) and the
// backends preserve per-key order. Consumers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one delivered bus message
type Message struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	SentAt   time.Time       `json:"sent_at"`
}

// Handler processes one message. Returning an error triggers redelivery
// until the max-attempts policy routes the message to the dead-letter topic.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the producer/consumer contract
type Bus interface {
	// Publish durably accepts a message or fails after bounded retries
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	// Consume blocks, delivering messages for topic to handler until ctx is
	// cancelled. Offsets are committed only after handler succeeds.
	Consume(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// DeadLetter wraps a message that exhausted its delivery attempts
type DeadLetter struct {
	Original Message   `json:"original"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterTopic names the dead-letter stream for a topic
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}
