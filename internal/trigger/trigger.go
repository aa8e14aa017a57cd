// Package trigger reacts to document creation: a new found item fans out a
// work message and an analytics record; a new match is logged and handed to
// an optional notifier.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/itemradar/radar/internal/queue"
	"github.com/itemradar/radar/internal/storage"
)

// Analytics event kinds written by the hooks.
const (
	EventFoundItemReported = "found_item_reported"
	EventMatchCreated      = "match_created"
)

// WorkPublisher abstracts the queue for the found-item hook.
type WorkPublisher interface {
	Publish(msg queue.WorkMessage) error
}

// EventRecorder abstracts the append-only analytics sink.
type EventRecorder interface {
	AppendAnalyticsEvent(storage.AnalyticsEvent) error
}

// Notifier is the extension point for match notifications. No default
// implementation exists; callers must not assume users are notified.
type Notifier interface {
	NotifyMatch(ctx context.Context, m storage.Match) error
}

// Hooks holds the side effects fired on document creation. Each effect is
// best-effort and fails independently; there is no transaction across them.
type Hooks struct {
	publisher WorkPublisher
	events    EventRecorder
	notifier  Notifier // may be nil
	logger    *slog.Logger
}

func NewHooks(publisher WorkPublisher, events EventRecorder, notifier Notifier) *Hooks {
	return &Hooks{
		publisher: publisher,
		events:    events,
		notifier:  notifier,
		logger:    slog.Default(),
	}
}

// FoundItemCreated publishes one work message and appends one analytics
// event for a newly created item. Both effects are always attempted; a
// failure of one never prevents the other. The joined error is returned
// for logging, not for retry.
func (h *Hooks) FoundItemCreated(ctx context.Context, item storage.FoundItem) error {
	var pubErr, recErr error

	embedding := item.Embedding
	if embedding == "" {
		embedding = "[]"
	}
	pubErr = h.publisher.Publish(queue.WorkMessage{
		ItemID:    item.ID,
		Embedding: json.RawMessage(embedding),
		Category:  item.Category,
	})
	if pubErr != nil {
		h.logger.Error("publishing work message failed", "item_id", item.ID, "error", pubErr)
		pubErr = fmt.Errorf("publishing work message: %w", pubErr)
	}

	recErr = h.events.AppendAnalyticsEvent(storage.AnalyticsEvent{
		ID:        uuid.New().String(),
		Kind:      EventFoundItemReported,
		Category:  item.Category,
		Location:  item.Location,
		CreatedAt: time.Now().UTC(),
	})
	if recErr != nil {
		h.logger.Error("recording analytics event failed", "item_id", item.ID, "error", recErr)
		recErr = fmt.Errorf("recording analytics event: %w", recErr)
	}

	if pubErr == nil && recErr == nil {
		h.logger.Info("found item fanned out", "item_id", item.ID, "category", item.Category)
	}
	return errors.Join(pubErr, recErr)
}

// MatchCreated logs receipt of a new match and dispatches to the notifier
// when one is configured.
func (h *Hooks) MatchCreated(ctx context.Context, m storage.Match) error {
	h.logger.Info("match created", "match_id", m.ID, "found_item_id", m.FoundItemID, "score", m.Score)

	if err := h.events.AppendAnalyticsEvent(storage.AnalyticsEvent{
		ID:        uuid.New().String(),
		Kind:      EventMatchCreated,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		h.logger.Error("recording match analytics failed", "match_id", m.ID, "error", err)
	}

	if h.notifier == nil {
		return nil
	}
	if err := h.notifier.NotifyMatch(ctx, m); err != nil {
		return fmt.Errorf("notifying match %s: %w", m.ID, err)
	}
	return nil
}
