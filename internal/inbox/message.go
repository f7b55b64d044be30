// Package inbox implements the per-recipient message engine: direct send
// with idempotency, lease-based pull, ack, nack, reply correlation, and
// inbox stats. Every mutation funnels through the storage adapter so lease
// exclusivity holds across concurrent pulls.
package inbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/admproto/admp-hub/internal/envelope"
)

// Message statuses. queued/delivered are pullable; acked, expired, and dead
// are terminal.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusLeased    = "leased"
	StatusAcked     = "acked"
	StatusNacked    = "nacked"
	StatusExpired   = "expired"
	StatusDead      = "dead"
)

// Sentinel errors for the inbox package.
var (
	ErrEmpty               = errors.New("inbox empty")
	ErrMessageNotFound     = errors.New("message not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrSenderNotRegistered = errors.New("sender is not a registered agent")
	ErrSignatureInvalid    = errors.New("envelope signature verification failed")
	ErrLeaseExpired        = errors.New("lease expired or not held by caller")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different body")
	ErrNotLeasable         = errors.New("message is not in a leasable state")
)

// Message is the stored per-recipient record. Routing and lifecycle fields
// sit at the top level so the storage adapter can filter and order on them;
// timestamps are Unix milliseconds.
type Message struct {
	ID     string `json:"id"`
	To     string `json:"to"`
	From   string `json:"from"`
	Status string `json:"status"`

	Envelope envelope.Envelope `json:"envelope"`

	DeliveryAttempts int    `json:"delivery_attempts"`
	LeasedUntil      int64  `json:"leased_until,omitempty"`
	LeasedBy         string `json:"leased_by,omitempty"`
	LastError        string `json:"last_error,omitempty"`

	InsertedAt  int64 `json:"inserted_at"`
	ExpiresAt   int64 `json:"expires_at"`
	PurgeBodyAt int64 `json:"purge_body_at,omitempty"`
	BodyPurged  bool  `json:"body_purged,omitempty"`
	// TerminalAt is set on the transition into acked, expired, or dead and
	// drives retention cleanup.
	TerminalAt int64 `json:"terminal_at,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusAcked, StatusExpired, StatusDead:
		return true
	default:
		return false
	}
}

// PurgeBody clears the stored body, keeping envelope metadata resolvable.
func (m *Message) PurgeBody() {
	m.Envelope.Body = nil
	m.BodyPurged = true
}

// NewMessageID returns a fresh server-assigned message id.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// newRecord builds the stored record for a validated envelope.
func newRecord(env *envelope.Envelope, now time.Time) *Message {
	m := &Message{
		ID:         env.ID,
		To:         env.To,
		From:       env.From,
		Status:     StatusDelivered,
		Envelope:   *env,
		InsertedAt: now.UnixMilli(),
		ExpiresAt:  now.Add(time.Duration(env.TTLSec) * time.Second).UnixMilli(),
	}
	if env.Options != nil && env.Options.TTL > 0 {
		m.PurgeBodyAt = now.Add(time.Duration(env.Options.TTL) * time.Second).UnixMilli()
	}
	return m
}
