package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/store"
)

// Service implements the agent registry on top of the storage adapter.
type Service struct {
	store store.Store
	clock clock.Clock
	grace time.Duration // key-rotation grace window
	log   zerolog.Logger
}

// NewService creates the registry service.
func NewService(st store.Store, clk clock.Clock, rotateGrace time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		store: st,
		clock: clk,
		grace: rotateGrace,
		log:   logger.With().Str("component", "registry").Logger(),
	}
}

// RotateGrace exposes the configured grace window to the signature verifier.
func (s *Service) RotateGrace() time.Duration { return s.grace }

// RegisterParams groups the inputs for registering a new agent.
type RegisterParams struct {
	Name         string
	Capabilities []string
	// PublicKey is an optional client-supplied base64 Ed25519 key. When
	// empty the hub generates a keypair and returns the secret once.
	PublicKey     string
	WebhookURL    string
	WebhookSecret string
}

// Registered is the one-time registration result. SecretKey is only set when
// the hub generated the keypair; neither it nor APIKey is ever stored in
// plaintext or returned again.
type Registered struct {
	Agent     *Agent
	SecretKey string
	APIKey    string
}

// Register creates a new agent. The id derives from the name plus a random
// salt; a tombstoned or existing id fails with ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*Registered, error) {
	if err := ValidateName(params.Name); err != nil {
		return nil, err
	}
	if params.WebhookURL != "" {
		if err := validateWebhookURL(params.WebhookURL); err != nil {
			return nil, err
		}
	}

	publicKey := params.PublicKey
	secretKey := ""
	if publicKey == "" {
		var err error
		publicKey, secretKey, err = GenerateKeypair()
		if err != nil {
			return nil, err
		}
	} else if _, err := DecodePublicKey(publicKey); err != nil {
		return nil, err
	}

	apiKey, err := NewAPIKey()
	if err != nil {
		return nil, err
	}
	apiKeyHash, err := argon2id.CreateHash(apiKey, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	id, err := NewID(params.Name)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, store.Tombstones, id); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now().UnixMilli()
	a := &Agent{
		ID:            id,
		Name:          params.Name,
		Capabilities:  params.Capabilities,
		PublicKey:     publicKey,
		KeyVersion:    1,
		APIKeyHash:    apiKeyHash,
		WebhookURL:    params.WebhookURL,
		WebhookSecret: params.WebhookSecret,
		Status:        StatusOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
	}

	doc, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	if err := s.store.Insert(ctx, store.Agents, id, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	s.log.Info().Str("agent_id", id).Str("name", params.Name).Msg("Agent registered")
	return &Registered{Agent: a, SecretKey: secretKey, APIKey: apiKey}, nil
}

// Get returns the full stored record; callers expose only ToView externally.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	doc, err := s.store.Get(ctx, store.Agents, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &a, nil
}

// List returns a page of agents ordered by creation time.
func (s *Service) List(ctx context.Context, status string, limit int, cursor string) ([]View, string, error) {
	filter := store.Filter{}
	if status != "" {
		filter["status"] = status
	}
	docs, next, err := s.store.List(ctx, store.Agents, store.ListOptions{
		Filter:  filter,
		OrderBy: "created_at",
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", err
	}
	views := make([]View, 0, len(docs))
	for _, doc := range docs {
		var a Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, "", fmt.Errorf("decode agent: %w", err)
		}
		views = append(views, a.ToView())
	}
	return views, next, nil
}

// Heartbeat updates the last-heartbeat timestamp and marks the agent online.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	return s.update(ctx, id, func(a *Agent) error {
		a.LastHeartbeat = s.clock.Now().UnixMilli()
		a.Status = StatusOnline
		return nil
	})
}

// RotateKey generates a fresh keypair, bumps the key version, and opens the
// grace window during which the previous key still verifies.
func (s *Service) RotateKey(ctx context.Context, id string) (*Registered, error) {
	publicKey, secretKey, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	var rotated *Agent
	err = s.update(ctx, id, func(a *Agent) error {
		a.PrevPublicKey = a.PublicKey
		a.RotatedAt = s.clock.Now().UnixMilli()
		a.PublicKey = publicKey
		a.KeyVersion++
		rotated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("agent_id", id).Int("key_version", rotated.KeyVersion).Msg("Agent key rotated")
	return &Registered{Agent: rotated, SecretKey: secretKey}, nil
}

// SetWebhook configures push delivery for the agent.
func (s *Service) SetWebhook(ctx context.Context, id, webhookURL, secret string) error {
	if err := validateWebhookURL(webhookURL); err != nil {
		return err
	}
	return s.update(ctx, id, func(a *Agent) error {
		a.WebhookURL = webhookURL
		a.WebhookSecret = secret
		return nil
	})
}

// DeleteWebhook removes push delivery configuration.
func (s *Service) DeleteWebhook(ctx context.Context, id string) error {
	return s.update(ctx, id, func(a *Agent) error {
		a.WebhookURL = ""
		a.WebhookSecret = ""
		return nil
	})
}

// VerifyAPIKey compares a presented API key against the stored hash.
func (s *Service) VerifyAPIKey(ctx context.Context, id, apiKey string) (bool, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := argon2id.ComparePasswordAndHash(apiKey, a.APIKeyHash)
	if err != nil {
		return false, fmt.Errorf("compare api key: %w", err)
	}
	return ok, nil
}

// MarkStaleOffline flips online agents whose last heartbeat predates the
// timeout to offline, returning how many were flipped.
func (s *Service) MarkStaleOffline(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-timeout).UnixMilli()
	docs, _, err := s.store.List(ctx, store.Agents, store.ListOptions{
		Filter: store.Filter{"status": StatusOnline, "last_heartbeat <": cutoff},
	})
	if err != nil {
		return 0, err
	}
	flipped := 0
	for _, raw := range docs {
		var a Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			return flipped, fmt.Errorf("decode agent: %w", err)
		}
		a.Status = StatusOffline
		doc, err := json.Marshal(&a)
		if err != nil {
			return flipped, fmt.Errorf("marshal agent: %w", err)
		}
		if err := s.store.Put(ctx, store.Agents, a.ID, doc); err != nil {
			return flipped, err
		}
		flipped++
	}
	if flipped > 0 {
		s.log.Info().Int("agents", flipped).Msg("Stale agents marked offline")
	}
	return flipped, nil
}

// Deregister hard-deletes the agent and everything it owns — inbox rows,
// group memberships, queued webhook jobs, idempotency entries — and writes a
// permanent tombstone so the id can never be reused.
func (s *Service) Deregister(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	cascades := []struct {
		collection string
		filter     store.Filter
	}{
		{store.Messages, store.Filter{"to": id}},
		{store.GroupMembers, store.Filter{"agent_id": id}},
		{store.WebhookQueue, store.Filter{"agent_id": id}},
		{store.Idempotency, store.Filter{"from": id}},
	}

	for _, c := range cascades {
		if err := s.deleteAll(ctx, c.collection, c.filter); err != nil {
			return fmt.Errorf("cascade %s: %w", c.collection, err)
		}
	}

	tombstone, err := json.Marshal(map[string]any{
		"id":             id,
		"deregistered_at": s.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal tombstone: %w", err)
	}
	err = s.store.Apply(ctx, []store.Write{
		{Collection: store.Agents, ID: id, Doc: nil},
		{Collection: store.Tombstones, ID: id, Doc: tombstone},
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("agent_id", id).Msg("Agent deregistered")
	return nil
}

// deleteAll removes every document matching the filter, page by page.
func (s *Service) deleteAll(ctx context.Context, collection string, filter store.Filter) error {
	for {
		docs, _, err := s.store.List(ctx, collection, store.ListOptions{Filter: filter})
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		writes := make([]store.Write, 0, len(docs))
		for _, d := range docs {
			var row struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(d, &row); err != nil {
				return fmt.Errorf("decode %s row: %w", collection, err)
			}
			writes = append(writes, store.Write{Collection: collection, ID: row.ID})
		}
		if err := s.store.Apply(ctx, writes); err != nil {
			return err
		}
		if len(docs) < store.MaxListLimit {
			return nil
		}
	}
}

// update loads, mutates, and rewrites an agent record.
func (s *Service) update(ctx context.Context, id string, mutate func(*Agent) error) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(a); err != nil {
		return err
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.store.Put(ctx, store.Agents, id, doc)
}

// validateWebhookURL accepts absolute http(s) URLs with a host.
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidWebhookURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidWebhookURL
	}
	return nil
}
