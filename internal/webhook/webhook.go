// Package webhook implements signed push delivery. Inbox sends enqueue a Job
// per recipient webhook; the Dispatcher drains the queue with retry, backoff,
// and dead-lettering. Delivery failures never surface to the sender.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backoff policy for failed deliveries.
const (
	BackoffBase = 5 * time.Second
	BackoffCap  = 10 * time.Minute
)

// EventMessageDelivered is the payload event emitted when a message lands in
// an inbox with push delivery configured.
const EventMessageDelivered = "message.delivered"

// Job is one queued delivery. The webhook URL and secret are captured at
// enqueue time so a later webhook change does not rewrite in-flight jobs.
// Dead jobs stay in the queue as the dead-letter list.
type Job struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`

	Envelope json.RawMessage `json:"envelope"`

	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"next_attempt_at"`
	EnqueuedAt    int64  `json:"enqueued_at"`
	Dead          bool   `json:"dead"`
	LastError     string `json:"last_error,omitempty"`
}

// NewJob builds a delivery job due immediately.
func NewJob(agentID, messageID, url, secret string, env json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:            "whk-" + uuid.NewString(),
		AgentID:       agentID,
		MessageID:     messageID,
		URL:           url,
		Secret:        secret,
		Envelope:      env,
		NextAttemptAt: now.UnixMilli(),
		EnqueuedAt:    now.UnixMilli(),
	}
}

// Payload is the JSON body POSTed to the webhook URL. Signature is an
// HMAC-SHA256 over the payload serialized without the signature field.
type Payload struct {
	Event       string          `json:"event"`
	MessageID   string          `json:"message_id"`
	DeliveredAt string          `json:"delivered_at"`
	Envelope    json.RawMessage `json:"envelope"`
	Signature   string          `json:"signature,omitempty"`
}

// SignPayload computes the hex HMAC-SHA256 of the payload with its signature
// field cleared.
func SignPayload(p Payload, secret string) (string, error) {
	p.Signature = ""
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyPayload checks a payload signature; client SDKs use the same code.
func VerifyPayload(p Payload, secret string) (bool, error) {
	presented := p.Signature
	expected, err := SignPayload(p, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(presented), []byte(expected)), nil
}

// backoffDelay returns the jittered delay before attempt n (1-based):
// uniform in [BackoffBase, min(BackoffBase·2^(n-1), BackoffCap)]. The floor
// keeps every retry at least BackoffBase away from the previous attempt.
func backoffDelay(attempt int, randFloat func() float64) time.Duration {
	d := BackoffBase
	for i := 1; i < attempt && d < BackoffCap; i++ {
		d *= 2
	}
	if d > BackoffCap {
		d = BackoffCap
	}
	return BackoffBase + time.Duration(randFloat()*float64(d-BackoffBase))
}
