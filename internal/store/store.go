// Package store defines the durable message record contract the relay
// appends to and queries from. Backends only need atomic single-record
// appends; persistence and delivery are deliberately decoupled.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/parley-chat/parley/internal/crypto/envelope"
)

// Status tracks the delivery state of a persisted record. Transitions are
// monotonic: sent -> delivered -> read, never backwards.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var (
	ErrNotFound         = errors.New("message record not found")
	ErrStatusRegression = errors.New("message status cannot regress")
	ErrInvalidRecord    = errors.New("invalid message record")
)

var statusRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Valid reports whether the status is one of the known delivery states.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next respects monotonicity.
// Re-applying the current status is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// Record is one persisted message: routing metadata plus the opaque envelope.
type Record struct {
	ID         string            `json:"id"`
	SenderID   string            `json:"sender_id"`
	ReceiverID string            `json:"receiver_id"`
	Envelope   envelope.Envelope `json:"envelope"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     Status            `json:"status"`
}

// Store is the append/query contract the router depends on.
type Store interface {
	// Append persists the record, assigning ID, CreatedAt, and StatusSent
	// when unset. A message counts as sent once Append returns.
	Append(ctx context.Context, rec *Record) error
	// QueryRecent returns the newest records where the identity is sender
	// or receiver, ordered by creation time descending.
	QueryRecent(ctx context.Context, identityID string, limit int) ([]Record, error)
	// UpdateStatus advances a record's delivery status. Regressions fail
	// with ErrStatusRegression.
	UpdateStatus(ctx context.Context, id string, status Status) error
}
