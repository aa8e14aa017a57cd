package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Found item statuses. The only legal transition is available -> expired,
// performed by the expiry job.
const (
	StatusAvailable = "available"
	StatusExpired   = "expired"
)

type FoundItem struct {
	ID                 string
	Name               string
	Description        string
	Category           string
	Location           string
	PickupInstructions string
	ContactInfo        string
	Embedding          string // JSON array stored as text
	Status             string
	CreatedAt          time.Time
	ExpiryDate         time.Time
}

type Match struct {
	ID          string
	FoundItemID string
	LostRef     string
	Score       float64
	CreatedAt   time.Time
}

// AnalyticsEvent is an append-only record. Events are never updated or
// deleted once written.
type AnalyticsEvent struct {
	ID        string
	Kind      string
	Category  string
	Location  string
	CreatedAt time.Time
}

type QueueMessage struct {
	ID          string
	Topic       string
	PayloadJSON string
	Status      string // "pending", "delivering", "delivered", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
