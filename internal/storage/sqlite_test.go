package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id string, status string, expiry time.Time) FoundItem {
	return FoundItem{
		ID:         id,
		Name:       "backpack",
		Category:   "bags",
		Location:   "central station",
		Embedding:  "[0.1,0.2]",
		Status:     status,
		CreatedAt:  time.Now().UTC(),
		ExpiryDate: expiry,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestFoundItemRoundTrip(t *testing.T) {
	s := openTestStore(t)

	expiry := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	item := testItem("item-1", "", expiry)
	item.Description = "red backpack with laptop sleeve"
	if err := s.SaveFoundItem(item); err != nil {
		t.Fatalf("SaveFoundItem: %v", err)
	}

	got, err := s.GetFoundItem("item-1")
	if err != nil {
		t.Fatalf("GetFoundItem: %v", err)
	}
	if got.Status != StatusAvailable {
		t.Errorf("Status = %q, want %q (defaulted)", got.Status, StatusAvailable)
	}
	if got.Description != item.Description {
		t.Errorf("Description = %q, want %q", got.Description, item.Description)
	}
	if got.Embedding != "[0.1,0.2]" {
		t.Errorf("Embedding = %q, want %q", got.Embedding, "[0.1,0.2]")
	}
	if !got.ExpiryDate.Equal(expiry) {
		t.Errorf("ExpiryDate = %v, want %v", got.ExpiryDate, expiry)
	}
}

func TestGetFoundItemNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetFoundItem("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestExpireAvailableBefore(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	// Three items: one stale available, one still valid, one already expired.
	if err := s.SaveFoundItem(testItem("stale", StatusAvailable, now.Add(-24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFoundItem(testItem("valid", StatusAvailable, now.Add(24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFoundItem(testItem("gone", StatusExpired, now.Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}

	count, err := s.ExpireAvailableBefore(now)
	if err != nil {
		t.Fatalf("ExpireAvailableBefore: %v", err)
	}
	if count != 1 {
		t.Errorf("expired count = %d, want 1", count)
	}

	stale, err := s.GetFoundItem("stale")
	if err != nil {
		t.Fatal(err)
	}
	if stale.Status != StatusExpired {
		t.Errorf("stale.Status = %q, want %q", stale.Status, StatusExpired)
	}

	valid, err := s.GetFoundItem("valid")
	if err != nil {
		t.Fatal(err)
	}
	if valid.Status != StatusAvailable {
		t.Errorf("valid.Status = %q, want %q", valid.Status, StatusAvailable)
	}

	// Re-run is a no-op: the filter excludes non-available items.
	count, err = s.ExpireAvailableBefore(now)
	if err != nil {
		t.Fatalf("second ExpireAvailableBefore: %v", err)
	}
	if count != 0 {
		t.Errorf("second run expired %d items, want 0", count)
	}
}

func TestAnalyticsAppendAndList(t *testing.T) {
	s := openTestStore(t)

	e := AnalyticsEvent{
		ID:        "evt-1",
		Kind:      "found_item_reported",
		Category:  "electronics",
		Location:  "airport",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AppendAnalyticsEvent(e); err != nil {
		t.Fatalf("AppendAnalyticsEvent: %v", err)
	}

	events, err := s.ListAnalyticsEvents(10)
	if err != nil {
		t.Fatalf("ListAnalyticsEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Kind != "found_item_reported" {
		t.Errorf("Kind = %q, want %q", events[0].Kind, "found_item_reported")
	}
}

func TestMatchRoundTrip(t *testing.T) {
	s := openTestStore(t)

	m := Match{ID: "m-1", FoundItemID: "item-1", LostRef: "lost-9", Score: 0.87, CreatedAt: time.Now().UTC()}
	if err := s.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}

	got, err := s.GetMatch("m-1")
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.FoundItemID != "item-1" || got.Score != 0.87 {
		t.Errorf("got = %+v, want FoundItemID=item-1 Score=0.87", got)
	}
}

func TestQueueClaimLifecycle(t *testing.T) {
	s := openTestStore(t)

	msg := QueueMessage{ID: "q-1", Topic: "found-item-work", PayloadJSON: `{"itemId":"item-1"}`}
	if err := s.PublishMessage(msg); err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}

	claimed, err := s.ClaimNextMessage("found-item-work")
	if err != nil {
		t.Fatalf("ClaimNextMessage: %v", err)
	}
	if claimed == nil {
		t.Fatal("claimed = nil, want message")
	}
	if claimed.Status != "delivering" {
		t.Errorf("Status = %q, want %q", claimed.Status, "delivering")
	}

	// Claimed message is no longer visible.
	again, err := s.ClaimNextMessage("found-item-work")
	if err != nil {
		t.Fatalf("second ClaimNextMessage: %v", err)
	}
	if again != nil {
		t.Errorf("second claim returned %+v, want nil", again)
	}

	if err := s.CompleteMessage(claimed.ID); err != nil {
		t.Fatalf("CompleteMessage: %v", err)
	}
}

func TestQueueClaimWrongTopic(t *testing.T) {
	s := openTestStore(t)

	if err := s.PublishMessage(QueueMessage{ID: "q-1", Topic: "found-item-work", PayloadJSON: "{}"}); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextMessage("other-topic")
	if err != nil {
		t.Fatalf("ClaimNextMessage: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed = %+v, want nil for unrelated topic", claimed)
	}
}

func TestQueueFailRetriesThenFails(t *testing.T) {
	s := openTestStore(t)

	if err := s.PublishMessage(QueueMessage{ID: "q-1", Topic: "t", PayloadJSON: "{}", MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextMessage("t")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextMessage = %v, %v", claimed, err)
	}

	// First failure: back to pending with backoff in the future.
	if err := s.FailMessage(claimed.ID, "connection refused"); err != nil {
		t.Fatalf("FailMessage: %v", err)
	}
	pending, err := s.ClaimNextMessage("t")
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Errorf("message claimable before backoff elapsed: %+v", pending)
	}

	// Second failure exhausts the attempt limit.
	if err := s.FailMessage(claimed.ID, "connection refused"); err != nil {
		t.Fatalf("second FailMessage: %v", err)
	}
	var status string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts FROM queue_messages WHERE id = ?`, claimed.ID).Scan(&status, &attempts); err != nil {
		t.Fatal(err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
