// Package envelope defines the canonical JSON wrapper carried between
// agents, plus boundary validation. Bodies are opaque JSON; the hub never
// interprets them.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version stamped on envelopes the hub synthesizes.
const Version = "1.0"

// Message types.
const (
	TypeTaskRequest  = "task.request"
	TypeTaskResult   = "task.result"
	TypeEvent        = "event"
	TypeGroupMessage = "group.message"
)

// TTL bounds for ttl_sec.
const (
	MinTTL = 1 * time.Second
	MaxTTL = 7 * 24 * time.Hour
)

// Sentinel errors for envelope validation.
var (
	ErrInvalid       = errors.New("invalid envelope")
	ErrTTLOutOfRange = errors.New("ttl_sec out of range")
)

// Signature carries the sender's detached signature over the envelope.
type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

// Options holds per-message options orthogonal to the envelope TTL.
type Options struct {
	// TTL is the ephemeral body-purge TTL in seconds. Zero means the body
	// lives as long as the envelope.
	TTL int `json:"ttl,omitempty"`
}

// Envelope is the wire form of a message.
type Envelope struct {
	ID              string          `json:"id,omitempty"` // server-assigned
	Version         string          `json:"version"`
	Type            string          `json:"type"`
	From            string          `json:"from"`
	To              string          `json:"to,omitempty"`    // empty for group-fanned copies
	Group           string          `json:"group,omitempty"` // set on group copies
	Subject         string          `json:"subject,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	ReplyTo         string          `json:"reply_to,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	TTLSec          int             `json:"ttl_sec,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"` // RFC3339 UTC, sender-asserted
	Signature       *Signature      `json:"signature,omitempty"`
	Options         *Options        `json:"options,omitempty"`
	MembersSnapshot []string        `json:"members_snapshot,omitempty"` // group copies only
}

// SigningBytes returns the canonical bytes an envelope signature covers: the
// envelope serialized with the server-assigned id and the signature itself
// cleared.
func (e *Envelope) SigningBytes() ([]byte, error) {
	c := *e
	c.ID = ""
	c.Signature = nil
	return json.Marshal(c)
}

// KnownType reports whether t is one of the defined message types.
func KnownType(t string) bool {
	switch t {
	case TypeTaskRequest, TypeTaskResult, TypeEvent, TypeGroupMessage:
		return true
	default:
		return false
	}
}

// ValidAgentID reports whether id is a URI-form agent id like agent://alice.
func ValidAgentID(id string) bool {
	const scheme = "agent://"
	if !strings.HasPrefix(id, scheme) {
		return false
	}
	rest := id[len(scheme):]
	if rest == "" || len(rest) > 128 {
		return false
	}
	for _, r := range rest {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// ValidGroupID reports whether id is a URI-form group id like group://ops.
func ValidGroupID(id string) bool {
	const scheme = "group://"
	if !strings.HasPrefix(id, scheme) {
		return false
	}
	rest := id[len(scheme):]
	if rest == "" || len(rest) > 128 {
		return false
	}
	for _, r := range rest {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// Validate checks the envelope schema for a direct send. The hub fills in
// defaults (type, version, timestamp, ttl) before validation where the
// sender left them empty; defaultTTL supplies the configured envelope TTL.
func (e *Envelope) Validate(defaultTTL time.Duration) error {
	if e.Version == "" {
		e.Version = Version
	}
	if e.Type == "" {
		e.Type = TypeEvent
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, e.Type)
	}
	if e.From == "" || !ValidAgentID(e.From) {
		return fmt.Errorf("%w: invalid from %q", ErrInvalid, e.From)
	}
	if e.To == "" {
		return fmt.Errorf("%w: missing to", ErrInvalid)
	}
	if !ValidAgentID(e.To) {
		return fmt.Errorf("%w: invalid to %q", ErrInvalid, e.To)
	}
	if e.TTLSec == 0 {
		e.TTLSec = int(defaultTTL / time.Second)
	}
	ttl := time.Duration(e.TTLSec) * time.Second
	if ttl < MinTTL || ttl > MaxTTL {
		return fmt.Errorf("%w: %ds", ErrTTLOutOfRange, e.TTLSec)
	}
	if e.Options != nil && e.Options.TTL < 0 {
		return fmt.Errorf("%w: negative options.ttl", ErrInvalid)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", ErrInvalid, err)
	}
	return nil
}
