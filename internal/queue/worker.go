package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itemradar/radar/internal/storage"
)

// MessageSource abstracts claiming and settling messages on the topic.
type MessageSource interface {
	ClaimNextMessage(topic string) (*storage.QueueMessage, error)
	CompleteMessage(id string) error
	FailMessage(id string, errMsg string) error
}

// Deliverer hands a claimed payload to its consumer.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Worker drains one topic, delivering each message and settling it. Failed
// deliveries go back to the topic with backoff until the attempt limit.
type Worker struct {
	source  MessageSource
	deliver Deliverer
	topic   string
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker for the given topic.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(source MessageSource, deliver Deliverer, topic string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		source:  source,
		deliver: deliver,
		topic:   topic,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("queue worker iteration failed", "error", err)
		}
		if delivered {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and delivers a single message.
// Returns true if a message was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	msg, err := w.source.ClaimNextMessage(w.topic)
	if err != nil {
		return false, fmt.Errorf("claiming message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	if err := w.deliver.Deliver(ctx, []byte(msg.PayloadJSON)); err != nil {
		w.logger.Warn("delivery failed", "message_id", msg.ID, "topic", w.topic, "error", err)
		if failErr := w.source.FailMessage(msg.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark message as failed", "message_id", msg.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.source.CompleteMessage(msg.ID); err != nil {
		return true, fmt.Errorf("completing message %s: %w", msg.ID, err)
	}
	return true, nil
}
