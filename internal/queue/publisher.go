// Package queue implements the work-message topic: a publisher writing
// fire-and-forget messages and a worker delivering them at least once to
// the external matcher.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/itemradar/radar/internal/storage"
)

// WorkMessage instructs the external matcher to process a newly created
// found item. Delivery is at-least-once; the matcher must be idempotent.
type WorkMessage struct {
	ItemID    string          `json:"itemId"`
	Embedding json.RawMessage `json:"embedding"`
	Category  string          `json:"category"`
}

// MessageSink abstracts the durable topic the publisher writes to.
type MessageSink interface {
	PublishMessage(storage.QueueMessage) error
}

// Publisher writes work messages to a named topic.
type Publisher struct {
	sink  MessageSink
	topic string
}

func NewPublisher(sink MessageSink, topic string) *Publisher {
	return &Publisher{sink: sink, topic: topic}
}

// Topic returns the topic this publisher writes to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish enqueues one work message. Fire-and-forget: the caller gets an
// error only when the message could not be recorded at all.
func (p *Publisher) Publish(msg WorkMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling work message: %w", err)
	}
	return p.sink.PublishMessage(storage.QueueMessage{
		ID:          uuid.New().String(),
		Topic:       p.topic,
		PayloadJSON: string(payload),
	})
}
