package inbox

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/envelope"
	"github.com/admproto/admp-hub/internal/metrics"
	"github.com/admproto/admp-hub/internal/store"
	"github.com/admproto/admp-hub/internal/webhook"
)

// Options carries the inbox engine's tunables.
type Options struct {
	MessageTTL               time.Duration // default envelope TTL
	DefaultLease             time.Duration
	MaxLease                 time.Duration
	MaxDeliveryAttempts      int
	Retention                time.Duration // terminal rows are deleted after this
	AllowUnregisteredSenders bool
}

// Service implements the inbox engine.
type Service struct {
	store  store.Store
	agents *agent.Service
	clock  clock.Clock
	opts   Options
	log    zerolog.Logger
}

// NewService creates the inbox engine.
func NewService(st store.Store, agents *agent.Service, clk clock.Clock, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		agents: agents,
		clock:  clk,
		opts:   opts,
		log:    logger.With().Str("component", "inbox").Logger(),
	}
}

// SendResult is the outcome of a send. Duplicate is true when the idempotency
// key matched a prior send and MessageID names that earlier message.
type SendResult struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Send validates, deduplicates, persists, and (when the recipient has a
// webhook) enqueues push delivery for a direct message.
func (s *Service) Send(ctx context.Context, env *envelope.Envelope) (*SendResult, error) {
	if err := env.Validate(s.opts.MessageTTL); err != nil {
		return nil, err
	}

	recipient, err := s.agents.Get(ctx, env.To)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}

	sender, err := s.agents.Get(ctx, env.From)
	switch {
	case err == nil:
		if env.Signature != nil {
			if err := s.verifyEnvelopeSignature(env, sender); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, agent.ErrNotFound):
		if !s.opts.AllowUnregisteredSenders {
			return nil, ErrSenderNotRegistered
		}
	default:
		return nil, err
	}

	now := s.clock.Now()
	env.ID = NewMessageID()
	m := newRecord(env, now)

	var idem *idemRecord
	if env.IdempotencyKey != "" {
		rec := idemRecord{
			ID:        idempotencyID(m.From, env.IdempotencyKey),
			From:      m.From,
			Key:       env.IdempotencyKey,
			MessageID: m.ID,
			BodyHash:  bodyHash(env.Body),
			ExpiresAt: m.ExpiresAt,
		}
		prior, err := s.priorSend(ctx, rec)
		if err != nil {
			return nil, err
		}
		if prior != "" {
			metrics.IdempotentHits.Inc()
			return &SendResult{MessageID: prior, Duplicate: true}, nil
		}
		idem = &rec
	}

	if err := s.persist(ctx, m, recipient, idem); err != nil {
		if idem == nil || !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// A concurrent send claimed the key between the read and the batch.
		prior, perr := s.priorSend(ctx, *idem)
		if perr != nil {
			return nil, perr
		}
		if prior == "" {
			return nil, err
		}
		metrics.IdempotentHits.Inc()
		return &SendResult{MessageID: prior, Duplicate: true}, nil
	}
	return &SendResult{MessageID: m.ID}, nil
}

// Deliver persists a pre-built per-recipient copy, bypassing sender checks
// and idempotency. The group engine routes fanned-out copies through here so
// they obey inbox leases, TTLs, and webhooks like direct sends.
func (s *Service) Deliver(ctx context.Context, env *envelope.Envelope) error {
	recipient, err := s.agents.Get(ctx, env.To)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return ErrRecipientNotFound
		}
		return err
	}
	if env.ID == "" {
		env.ID = NewMessageID()
	}
	return s.persist(ctx, newRecord(env, s.clock.Now()), recipient, nil)
}

// persist writes the message, its idempotency reservation, and, when the
// recipient has push delivery configured, its webhook job in one atomic
// batch. The reservation is an insert-only write: if a concurrent send
// already holds the key the batch fails with store.ErrConflict, and a
// failed batch leaves no dedupe record behind either way.
func (s *Service) persist(ctx context.Context, m *Message, recipient *agent.Agent, idem *idemRecord) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	writes := []store.Write{{Collection: store.Messages, ID: m.ID, Doc: doc}}

	if idem != nil {
		idemDoc, err := json.Marshal(idem)
		if err != nil {
			return fmt.Errorf("marshal idempotency record: %w", err)
		}
		writes = append(writes, store.Write{Collection: store.Idempotency, ID: idem.ID, Doc: idemDoc, Insert: true})
	}

	if recipient.WebhookURL != "" {
		envDoc, err := json.Marshal(m.Envelope)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		job := webhook.NewJob(recipient.ID, m.ID, recipient.WebhookURL, recipient.WebhookSecret, envDoc, s.clock.Now())
		jobDoc, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal webhook job: %w", err)
		}
		writes = append(writes, store.Write{Collection: store.WebhookQueue, ID: job.ID, Doc: jobDoc})
	}

	if err := s.store.Apply(ctx, writes); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(m.Envelope.Type).Inc()
	s.log.Debug().Str("message_id", m.ID).Str("to", m.To).Str("type", m.Envelope.Type).Msg("Message stored")
	return nil
}

// idemRecord is the secondary index entry (from, idempotency_key) → message.
// It is persisted in the same batch as its message, so a failed send never
// strands a dedupe record.
type idemRecord struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
	BodyHash  string `json:"body_hash"`
	ExpiresAt int64  `json:"expires_at"`
}

// priorSend resolves rec's idempotency key against the stored records. It
// returns the earlier message id when the key was already used with the same
// body, "" when the key is free, and ErrIdempotencyConflict when the key was
// used with a different body.
func (s *Service) priorSend(ctx context.Context, rec idemRecord) (string, error) {
	existing, err := s.store.Get(ctx, store.Idempotency, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var prior idemRecord
	if err := json.Unmarshal(existing, &prior); err != nil {
		return "", fmt.Errorf("decode idempotency record: %w", err)
	}
	if prior.BodyHash != rec.BodyHash {
		return "", ErrIdempotencyConflict
	}
	return prior.MessageID, nil
}

func idempotencyID(from, key string) string {
	sum := sha256.Sum256([]byte(from + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

func bodyHash(body json.RawMessage) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// verifyEnvelopeSignature checks the sender's detached signature against its
// registry keys, honoring the rotation grace window.
func (s *Service) verifyEnvelopeSignature(env *envelope.Envelope, sender *agent.Agent) error {
	if env.Signature.Alg != "ed25519" {
		return fmt.Errorf("%w: unsupported alg %q", ErrSignatureInvalid, env.Signature.Alg)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrSignatureInvalid)
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return err
	}
	for _, key := range sender.VerificationKeys(s.clock.Now(), s.agents.RotateGrace()) {
		if ed25519.Verify(key, msg, sig) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Pulled is the result of a successful pull. BodyGone marks an ephemeral
// message whose body was purged; the envelope metadata still resolves.
type Pulled struct {
	Message  *Message
	BodyGone bool
}

// Pull atomically leases the oldest pullable message for the agent. It
// returns ErrEmpty when nothing is pullable. leaseSeconds of zero takes the
// default; values above the maximum are clamped.
func (s *Service) Pull(ctx context.Context, agentID string, leaseSeconds int) (*Pulled, error) {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	lease := s.leaseDuration(leaseSeconds)
	now := s.clock.Now()

	raw, err := s.store.Claim(ctx, store.Messages, store.ListOptions{
		Filter: store.Filter{
			"to":           agentID,
			"status":       []string{StatusDelivered, StatusQueued},
			"expires_at >": now.UnixMilli(),
		},
		OrderBy: "inserted_at",
	}, func(doc json.RawMessage) (json.RawMessage, error) {
		var m Message
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.Status = StatusLeased
		m.LeasedBy = agentID
		m.LeasedUntil = now.Add(lease).UnixMilli()
		m.DeliveryAttempts++
		if m.PurgeBodyAt > 0 && m.PurgeBodyAt <= now.UnixMilli() {
			m.PurgeBody()
		}
		return json.Marshal(&m)
	})
	if err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			return nil, ErrEmpty
		}
		return nil, err
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode claimed message: %w", err)
	}
	metrics.MessagesPulled.Inc()
	return &Pulled{Message: &m, BodyGone: m.BodyPurged}, nil
}

func (s *Service) leaseDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return s.opts.DefaultLease
	}
	d := time.Duration(seconds) * time.Second
	if d > s.opts.MaxLease {
		return s.opts.MaxLease
	}
	return d
}

// Ack marks a leased message acked, recording an optional result payload.
// Only the agent holding a live lease may ack.
func (s *Service) Ack(ctx context.Context, agentID, messageID string, result json.RawMessage) (*Message, error) {
	now := s.clock.Now().UnixMilli()
	m, err := s.claimByID(ctx, agentID, messageID, func(m *Message) error {
		if err := checkLease(m, agentID, now); err != nil {
			return err
		}
		m.Status = StatusAcked
		m.TerminalAt = now
		m.LeasedUntil = 0
		m.LeasedBy = ""
		m.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesAcked.Inc()
	return m, nil
}

// NackParams selects between requeue and lease extension.
type NackParams struct {
	Requeue       bool
	ExtendSeconds int
	Reason        string
}

// Nack either requeues a leased message or extends its lease. A requeue that
// exhausts the delivery-attempt budget marks the message dead instead.
func (s *Service) Nack(ctx context.Context, agentID, messageID string, p NackParams) (*Message, error) {
	now := s.clock.Now()
	m, err := s.claimByID(ctx, agentID, messageID, func(m *Message) error {
		if err := checkLease(m, agentID, now.UnixMilli()); err != nil {
			return err
		}
		if !p.Requeue {
			m.LeasedUntil = now.Add(s.leaseDuration(p.ExtendSeconds)).UnixMilli()
			return nil
		}
		m.LeasedUntil = 0
		m.LeasedBy = ""
		m.LastError = p.Reason
		if m.DeliveryAttempts >= s.opts.MaxDeliveryAttempts {
			m.Status = StatusDead
			m.TerminalAt = now.UnixMilli()
			return nil
		}
		m.Status = StatusQueued
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Status == StatusDead {
		metrics.MessagesDead.Inc()
		s.log.Warn().Str("message_id", m.ID).Int("attempts", m.DeliveryAttempts).Msg("Message dead-lettered")
	}
	return m, nil
}

// Reply sends a response back to the original sender, threading the
// correlation id and reply_to, and auto-acks the original message.
func (s *Service) Reply(ctx context.Context, agentID, messageID string, reply *envelope.Envelope) (*SendResult, error) {
	orig, err := s.Get(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}

	reply.From = agentID
	reply.To = orig.From
	reply.ReplyTo = orig.ID
	reply.CorrelationID = orig.Envelope.CorrelationID
	if reply.CorrelationID == "" {
		reply.CorrelationID = orig.ID
	}
	if reply.Type == "" {
		reply.Type = envelope.TypeTaskResult
	}

	res, err := s.Send(ctx, reply)
	if err != nil {
		return nil, err
	}

	// Auto-ack regardless of lease state; a reply implies the work is done.
	now := s.clock.Now().UnixMilli()
	_, err = s.claimByID(ctx, agentID, messageID, func(m *Message) error {
		if Terminal(m.Status) {
			return nil
		}
		m.Status = StatusAcked
		m.TerminalAt = now
		m.LeasedUntil = 0
		m.LeasedBy = ""
		return nil
	})
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		return nil, err
	}
	return res, nil
}

// Get returns one message from the agent's inbox.
func (s *Service) Get(ctx context.Context, agentID, messageID string) (*Message, error) {
	raw, err := s.store.Get(ctx, store.Messages, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.To != agentID {
		return nil, ErrMessageNotFound
	}
	return &m, nil
}

// Stats summarizes one agent's inbox by status.
type Stats struct {
	Total    int            `json:"total"`
	Purged   int            `json:"purged"`
	ByStatus map[string]int `json:"by_status"`
}

// Stats counts the agent's messages by status. Counts read without locking
// and may lag concurrent mutation.
func (s *Service) Stats(ctx context.Context, agentID string) (*Stats, error) {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	st := &Stats{ByStatus: map[string]int{}}
	cursor := ""
	for {
		docs, next, err := s.store.List(ctx, store.Messages, store.ListOptions{
			Filter: store.Filter{"to": agentID},
			Cursor: cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range docs {
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			st.Total++
			st.ByStatus[m.Status]++
			if m.BodyPurged {
				st.Purged++
			}
		}
		if next == "" {
			return st, nil
		}
		cursor = next
	}
}

// claimByID atomically mutates one message in the agent's inbox.
func (s *Service) claimByID(ctx context.Context, agentID, messageID string, mutate func(*Message) error) (*Message, error) {
	raw, err := s.store.Claim(ctx, store.Messages, store.ListOptions{
		Filter: store.Filter{"id": messageID, "to": agentID},
	}, func(doc json.RawMessage) (json.RawMessage, error) {
		var m Message
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if err := mutate(&m); err != nil {
			return nil, err
		}
		return json.Marshal(&m)
	})
	if err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// checkLease verifies the caller holds a live lease.
func checkLease(m *Message, agentID string, nowMillis int64) error {
	if m.Status != StatusLeased || m.LeasedBy != agentID || m.LeasedUntil < nowMillis {
		return ErrLeaseExpired
	}
	return nil
}

// ReclaimExpired reverts expired leases to queued, dead-lettering messages
// that exhausted their attempt budget. An empty agentID reclaims across all
// inboxes. It returns the number of requeued and dead messages.
func (s *Service) ReclaimExpired(ctx context.Context, agentID string) (requeued, dead int, err error) {
	now := s.clock.Now().UnixMilli()
	for requeued+dead < store.MaxListLimit {
		filter := store.Filter{
			"status":         StatusLeased,
			"leased_until <": now,
		}
		if agentID != "" {
			filter["to"] = agentID
		}
		raw, err := s.store.Claim(ctx, store.Messages, store.ListOptions{
			Filter:  filter,
			OrderBy: "leased_until",
		}, func(doc json.RawMessage) (json.RawMessage, error) {
			var m Message
			if err := json.Unmarshal(doc, &m); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			m.LeasedUntil = 0
			m.LeasedBy = ""
			if m.DeliveryAttempts >= s.opts.MaxDeliveryAttempts {
				m.Status = StatusDead
				m.TerminalAt = now
			} else {
				m.Status = StatusQueued
			}
			return json.Marshal(&m)
		})
		if err != nil {
			if errors.Is(err, store.ErrNoMatch) {
				return requeued, dead, nil
			}
			return requeued, dead, err
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return requeued, dead, fmt.Errorf("decode reclaimed message: %w", err)
		}
		if m.Status == StatusDead {
			dead++
			metrics.MessagesDead.Inc()
		} else {
			requeued++
		}
	}
	return requeued, dead, nil
}

// ExpireOverdue marks non-terminal messages past their envelope TTL expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	expired := 0
	for expired < store.MaxListLimit {
		_, err := s.store.Claim(ctx, store.Messages, store.ListOptions{
			Filter: store.Filter{
				"status":       []string{StatusQueued, StatusDelivered, StatusLeased},
				"expires_at <": now,
			},
			OrderBy: "expires_at",
		}, func(doc json.RawMessage) (json.RawMessage, error) {
			var m Message
			if err := json.Unmarshal(doc, &m); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			m.Status = StatusExpired
			m.TerminalAt = now
			m.LeasedUntil = 0
			m.LeasedBy = ""
			return json.Marshal(&m)
		})
		if err != nil {
			if errors.Is(err, store.ErrNoMatch) {
				return expired, nil
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// CleanupTerminal hard-deletes messages whose terminal transition is older
// than the retention window, along with their idempotency entries.
func (s *Service) CleanupTerminal(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.opts.Retention).UnixMilli()
	docs, _, err := s.store.List(ctx, store.Messages, store.ListOptions{
		Filter: store.Filter{
			"status":        []string{StatusAcked, StatusExpired, StatusDead},
			"terminal_at <": cutoff,
		},
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writes := make([]store.Write, 0, len(docs))
	for _, raw := range docs {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return 0, fmt.Errorf("decode message: %w", err)
		}
		writes = append(writes, store.Write{Collection: store.Messages, ID: m.ID})
		if m.Envelope.IdempotencyKey != "" {
			writes = append(writes, store.Write{
				Collection: store.Idempotency,
				ID:         idempotencyID(m.From, m.Envelope.IdempotencyKey),
			})
		}
	}
	if err := s.store.Apply(ctx, writes); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// PurgeDueBodies clears bodies of ephemeral messages whose purge timestamp
// has passed. Purge never changes message status.
func (s *Service) PurgeDueBodies(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	docs, _, err := s.store.List(ctx, store.Messages, store.ListOptions{
		Filter: store.Filter{"purge_body_at <": now},
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, raw := range docs {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return 0, fmt.Errorf("decode message: %w", err)
		}
		if m.BodyPurged {
			continue
		}
		_, err := s.store.Claim(ctx, store.Messages, store.ListOptions{
			Filter: store.Filter{"id": m.ID},
		}, func(doc json.RawMessage) (json.RawMessage, error) {
			var cur Message
			if err := json.Unmarshal(doc, &cur); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			cur.PurgeBody()
			return json.Marshal(&cur)
		})
		if err != nil {
			if errors.Is(err, store.ErrNoMatch) {
				continue
			}
			return purged, err
		}
		purged++
	}
	return purged, nil
}
