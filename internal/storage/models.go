package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrQuotaExceeded is returned when the underlying database or disk is full.
// Callers are expected to treat it as "best effort failed", not as fatal.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Handoff is a locally cached snapshot of a shift-handoff record.
// Payload is the opaque JSON body as returned by the backend.
type Handoff struct {
	ID       string
	Payload  string
	CachedAt time.Time
	MediaIDs []string
}

// Media is a cached voice note. AudioRef points into the disposable blob
// cache and may be empty when binary caching failed; Transcript is always
// stored inline so the note stays readable without audio.
type Media struct {
	ID         string
	HandoffID  string
	AudioRef   string
	Transcript string
}

// Pending action statuses. "failed" is terminal: the action is kept for
// manual retry but never picked up by an automatic drain.
const (
	ActionPending = "pending"
	ActionFailed  = "failed"
)

// ActionTypeAcknowledgment is the only action type currently queued.
const ActionTypeAcknowledgment = "acknowledgment"

// MaxRetries is the transient-failure cap; reaching it marks the action failed.
const MaxRetries = 3

// PendingAction is a durably queued write awaiting delivery to the backend.
type PendingAction struct {
	ID            string
	Type          string
	HandoffID     string
	Payload       string
	Status        string
	RetryCount    int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastError     string
}
