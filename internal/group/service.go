package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/envelope"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/metrics"
	"github.com/admproto/admp-hub/internal/store"
)

// Options carries the group engine's tunables.
type Options struct {
	// FanoutAsyncThreshold is the recipient count at which a post switches
	// to asynchronous delivery and returns immediately.
	FanoutAsyncThreshold int
	// MessageTTL is the default envelope TTL applied to posts.
	MessageTTL time.Duration
}

// Service implements the group engine.
type Service struct {
	store  store.Store
	agents *agent.Service
	inbox  *inbox.Service
	clock  clock.Clock
	opts   Options
	log    zerolog.Logger

	// fanouts tracks background deliveries so shutdown can drain them.
	fanouts sync.WaitGroup
}

// NewService creates the group engine.
func NewService(st store.Store, agents *agent.Service, ib *inbox.Service, clk clock.Clock, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		agents: agents,
		inbox:  ib,
		clock:  clk,
		opts:   opts,
		log:    logger.With().Str("component", "group").Logger(),
	}
}

// CreateParams groups the inputs for creating a group.
type CreateParams struct {
	Name           string
	Description    string
	JoinPolicy     string // defaults to open
	JoinKey        string // required when JoinPolicy is key
	HistoryVisible bool
}

// Create makes a new group owned by the caller. The id derives from the
// name; a colliding id fails with ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, callerID string, p CreateParams) (*Group, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" || len(name) > 64 {
		return nil, ErrInvalidName
	}
	if p.JoinPolicy == "" {
		p.JoinPolicy = PolicyOpen
	}
	if err := ValidatePolicy(p.JoinPolicy); err != nil {
		return nil, err
	}
	if _, err := s.agents.Get(ctx, callerID); err != nil {
		return nil, err
	}

	keyHash := ""
	if p.JoinPolicy == PolicyKey {
		if p.JoinKey == "" {
			return nil, ErrMissingKey
		}
		h, err := bcrypt.GenerateFromPassword([]byte(p.JoinKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash join key: %w", err)
		}
		keyHash = string(h)
	}

	now := s.clock.Now().UnixMilli()
	g := &Group{
		ID:             NewID(name),
		Name:           name,
		Description:    p.Description,
		Owner:          callerID,
		JoinPolicy:     p.JoinPolicy,
		JoinKeyHash:    keyHash,
		HistoryVisible: p.HistoryVisible,
		CreatedAt:      now,
	}
	doc, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal group: %w", err)
	}
	if err := s.store.Insert(ctx, store.Groups, g.ID, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	if err := s.putMember(ctx, g.ID, callerID, RoleOwner); err != nil {
		return nil, err
	}
	s.log.Info().Str("group_id", g.ID).Str("owner", callerID).Msg("Group created")
	return g, nil
}

// Get returns the stored group record.
func (s *Service) Get(ctx context.Context, id string) (*Group, error) {
	doc, err := s.store.Get(ctx, store.Groups, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var g Group
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", id, err)
	}
	return &g, nil
}

// List returns a page of groups ordered by creation time.
func (s *Service) List(ctx context.Context, limit int, cursor string) ([]View, string, error) {
	docs, next, err := s.store.List(ctx, store.Groups, store.ListOptions{
		OrderBy: "created_at",
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", err
	}
	views := make([]View, 0, len(docs))
	for _, doc := range docs {
		var g Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, "", fmt.Errorf("decode group: %w", err)
		}
		views = append(views, g.ToView())
	}
	return views, next, nil
}

// UpdateParams holds optional group settings; nil fields are unchanged.
type UpdateParams struct {
	Name           *string
	Description    *string
	JoinPolicy     *string
	JoinKey        *string
	HistoryVisible *bool
}

// Update changes group settings. Only owners and admins may update.
func (s *Service) Update(ctx context.Context, groupID, callerID string, p UpdateParams) (*Group, error) {
	role, err := s.memberRole(ctx, groupID, callerID)
	if err != nil {
		return nil, err
	}
	if !canAdmin(role) {
		return nil, ErrForbidden
	}

	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" || len(name) > 64 {
			return nil, ErrInvalidName
		}
		g.Name = name
	}
	if p.Description != nil {
		g.Description = *p.Description
	}
	if p.JoinPolicy != nil {
		if err := ValidatePolicy(*p.JoinPolicy); err != nil {
			return nil, err
		}
		g.JoinPolicy = *p.JoinPolicy
	}
	if p.JoinKey != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*p.JoinKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash join key: %w", err)
		}
		g.JoinKeyHash = string(h)
	}
	if g.JoinPolicy == PolicyKey && g.JoinKeyHash == "" {
		return nil, ErrMissingKey
	}
	if p.HistoryVisible != nil {
		g.HistoryVisible = *p.HistoryVisible
	}

	doc, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal group: %w", err)
	}
	if err := s.store.Put(ctx, store.Groups, g.ID, doc); err != nil {
		return nil, err
	}
	return g, nil
}

// Delete removes the group, its memberships, and its history. Owner only.
func (s *Service) Delete(ctx context.Context, groupID, callerID string) error {
	role, err := s.memberRole(ctx, groupID, callerID)
	if err != nil {
		return err
	}
	if role != RoleOwner {
		return ErrForbidden
	}

	for _, c := range []string{store.GroupMembers, store.GroupHistory} {
		if err := s.deleteAll(ctx, c, store.Filter{"group_id": groupID}); err != nil {
			return fmt.Errorf("cascade %s: %w", c, err)
		}
	}
	if err := s.store.Delete(ctx, store.Groups, groupID); err != nil {
		return err
	}
	s.log.Info().Str("group_id", groupID).Msg("Group deleted")
	return nil
}

// Join adds the caller to the group under its join policy: open groups
// self-join, key groups compare the presented key against the bcrypt hash,
// invite groups reject self-join.
func (s *Service) Join(ctx context.Context, groupID, agentID, key string) error {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return err
	}
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}

	switch g.JoinPolicy {
	case PolicyOpen:
	case PolicyKey:
		if bcrypt.CompareHashAndPassword([]byte(g.JoinKeyHash), []byte(key)) != nil {
			return ErrBadJoinKey
		}
	case PolicyInvite:
		return ErrForbidden
	}

	return s.insertMember(ctx, groupID, agentID, RoleMember)
}

// Leave removes the caller's membership. The owner cannot leave; delete the
// group instead.
func (s *Service) Leave(ctx context.Context, groupID, agentID string) error {
	role, err := s.memberRole(ctx, groupID, agentID)
	if err != nil {
		return err
	}
	if role == RoleOwner {
		return ErrForbidden
	}
	return s.store.Delete(ctx, store.GroupMembers, memberID(groupID, agentID))
}

// AddMember lets an owner or admin add an agent with the given role.
func (s *Service) AddMember(ctx context.Context, groupID, callerID, agentID, role string) error {
	callerRole, err := s.memberRole(ctx, groupID, callerID)
	if err != nil {
		return err
	}
	if !canAdmin(callerRole) {
		return ErrForbidden
	}
	if role == "" {
		role = RoleMember
	}
	if role != RoleMember && role != RoleAdmin {
		return ErrForbidden
	}
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return err
	}
	if _, err := s.Get(ctx, groupID); err != nil {
		return err
	}
	return s.insertMember(ctx, groupID, agentID, role)
}

// RemoveMember removes an agent: admins may remove anyone but the owner;
// agents may remove themselves (equivalent to Leave).
func (s *Service) RemoveMember(ctx context.Context, groupID, callerID, agentID string) error {
	targetRole, err := s.memberRole(ctx, groupID, agentID)
	if err != nil {
		return err
	}
	if targetRole == RoleOwner {
		return ErrForbidden
	}
	if callerID != agentID {
		callerRole, err := s.memberRole(ctx, groupID, callerID)
		if err != nil {
			return err
		}
		if !canAdmin(callerRole) {
			return ErrForbidden
		}
	}
	return s.store.Delete(ctx, store.GroupMembers, memberID(groupID, agentID))
}

// Members returns a page of the group's membership ordered by join time.
func (s *Service) Members(ctx context.Context, groupID string, limit int, cursor string) ([]Member, string, error) {
	if _, err := s.Get(ctx, groupID); err != nil {
		return nil, "", err
	}
	docs, next, err := s.store.List(ctx, store.GroupMembers, store.ListOptions{
		Filter:  store.Filter{"group_id": groupID},
		OrderBy: "joined_at",
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", err
	}
	members := make([]Member, 0, len(docs))
	for _, doc := range docs {
		var m Member
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, "", fmt.Errorf("decode member: %w", err)
		}
		members = append(members, m)
	}
	return members, next, nil
}

// PostResult reports a fanout. Async marks deliveries still in flight; the
// per-recipient ids share the post's id prefix either way.
type PostResult struct {
	PostID     string   `json:"post_id"`
	Recipients int      `json:"recipients"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Async      bool     `json:"async,omitempty"`
}

// Post fans a message out to every member captured in the snapshot, the
// sender included. It stores a history entry and synthesizes one inbox copy
// per member with a shared id prefix. Fanouts at or above the async
// threshold return immediately and deliver in the background.
func (s *Service) Post(ctx context.Context, groupID, senderID string, env *envelope.Envelope) (*PostResult, error) {
	if _, err := s.memberRole(ctx, groupID, senderID); err != nil {
		return nil, err
	}

	snapshot, err := s.memberSnapshot(ctx, groupID)
	if err != nil {
		return nil, err
	}

	env.Type = envelope.TypeGroupMessage
	env.From = senderID
	env.Group = groupID
	env.To = ""
	env.MembersSnapshot = snapshot
	if env.Version == "" {
		env.Version = envelope.Version
	}
	if env.TTLSec == 0 {
		env.TTLSec = int(s.opts.MessageTTL / time.Second)
	}
	ttl := time.Duration(env.TTLSec) * time.Second
	if ttl < envelope.MinTTL || ttl > envelope.MaxTTL {
		return nil, fmt.Errorf("%w: %ds", envelope.ErrTTLOutOfRange, env.TTLSec)
	}
	if env.Timestamp == "" {
		env.Timestamp = s.clock.Now().UTC().Format(time.RFC3339)
	}

	recipients := snapshot

	postUUID := uuid.NewString()
	post := &Post{
		ID:              "post-" + postUUID,
		GroupID:         groupID,
		From:            senderID,
		Envelope:        *env,
		MembersSnapshot: snapshot,
		Recipients:      len(recipients),
		InsertedAt:      s.clock.Now().UnixMilli(),
		ExpiresAt:       s.clock.Now().Add(ttl).UnixMilli(),
	}
	if env.Options != nil && env.Options.TTL > 0 {
		post.PurgeBodyAt = s.clock.Now().Add(time.Duration(env.Options.TTL) * time.Second).UnixMilli()
	}
	doc, err := json.Marshal(post)
	if err != nil {
		return nil, fmt.Errorf("marshal post: %w", err)
	}
	if err := s.store.Put(ctx, store.GroupHistory, post.ID, doc); err != nil {
		return nil, err
	}

	metrics.GroupFanout.Observe(float64(len(recipients)))
	res := &PostResult{PostID: post.ID, Recipients: len(recipients)}

	if len(recipients) >= s.opts.FanoutAsyncThreshold {
		res.Async = true
		// The request context is pooled by the server and recycled once the
		// handler returns, so background delivery runs on its own context.
		bg := *env
		s.fanouts.Add(1)
		go func() {
			defer s.fanouts.Done()
			s.fanout(context.Background(), postUUID, recipients, &bg)
		}()
		return res, nil
	}

	res.MessageIDs = s.fanout(ctx, postUUID, recipients, env)
	return res, nil
}

// Wait blocks until all in-flight background fanouts have finished. Called
// on shutdown after the HTTP listener stops accepting posts.
func (s *Service) Wait() {
	s.fanouts.Wait()
}

// fanout delivers one copy per recipient. A failed delivery (for example a
// recipient deregistered mid-flight) logs and skips; it never fails the post.
func (s *Service) fanout(ctx context.Context, postUUID string, recipients []string, base *envelope.Envelope) []string {
	ids := make([]string, 0, len(recipients))
	for _, member := range recipients {
		copyEnv := *base
		copyEnv.ID = fmt.Sprintf("group-%s-%s", postUUID, strings.TrimPrefix(member, "agent://"))
		copyEnv.To = member
		if err := s.inbox.Deliver(ctx, &copyEnv); err != nil {
			s.log.Warn().Err(err).Str("group_id", base.Group).Str("member", member).Msg("Fanout delivery failed")
			continue
		}
		ids = append(ids, copyEnv.ID)
	}
	return ids
}

// History returns the group's posts in reverse chronological order. The
// group must have visible history and the requester must be a member.
// Purged bodies read as null.
func (s *Service) History(ctx context.Context, groupID, requesterID string, limit int, cursor string) ([]Post, string, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, "", err
	}
	if !g.HistoryVisible {
		return nil, "", ErrHistoryHidden
	}
	if _, err := s.memberRole(ctx, groupID, requesterID); err != nil {
		return nil, "", err
	}

	docs, next, err := s.store.List(ctx, store.GroupHistory, store.ListOptions{
		Filter:  store.Filter{"group_id": groupID},
		OrderBy: "inserted_at",
		Desc:    true,
		Limit:   limit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", err
	}
	posts := make([]Post, 0, len(docs))
	for _, doc := range docs {
		var p Post
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, "", fmt.Errorf("decode post: %w", err)
		}
		if p.BodyPurged {
			p.Envelope.Body = nil
		}
		posts = append(posts, p)
	}
	return posts, next, nil
}

// PurgeDueBodies clears bodies of ephemeral posts whose purge timestamp has
// passed, mirroring the inbox-side purge.
func (s *Service) PurgeDueBodies(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	docs, _, err := s.store.List(ctx, store.GroupHistory, store.ListOptions{
		Filter: store.Filter{"purge_body_at <": now},
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, raw := range docs {
		var p Post
		if err := json.Unmarshal(raw, &p); err != nil {
			return purged, fmt.Errorf("decode post: %w", err)
		}
		if p.BodyPurged {
			continue
		}
		p.Envelope.Body = nil
		p.BodyPurged = true
		doc, err := json.Marshal(&p)
		if err != nil {
			return purged, fmt.Errorf("marshal post: %w", err)
		}
		if err := s.store.Put(ctx, store.GroupHistory, p.ID, doc); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// CleanupHistory hard-deletes posts past their envelope TTL.
func (s *Service) CleanupHistory(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	docs, _, err := s.store.List(ctx, store.GroupHistory, store.ListOptions{
		Filter: store.Filter{"expires_at <": now},
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writes := make([]store.Write, 0, len(docs))
	for _, raw := range docs {
		var p Post
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, fmt.Errorf("decode post: %w", err)
		}
		writes = append(writes, store.Write{Collection: store.GroupHistory, ID: p.ID})
	}
	if err := s.store.Apply(ctx, writes); err != nil {
		return 0, err
	}
	return len(writes), nil
}

// memberSnapshot returns every member's agent id, paging past the scan cap.
func (s *Service) memberSnapshot(ctx context.Context, groupID string) ([]string, error) {
	var snapshot []string
	cursor := ""
	for {
		members, next, err := s.Members(ctx, groupID, 0, cursor)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			snapshot = append(snapshot, m.AgentID)
		}
		if next == "" {
			return snapshot, nil
		}
		cursor = next
	}
}

// memberRole returns the caller's role, or ErrNotAMember.
func (s *Service) memberRole(ctx context.Context, groupID, agentID string) (string, error) {
	doc, err := s.store.Get(ctx, store.GroupMembers, memberID(groupID, agentID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if _, gerr := s.Get(ctx, groupID); gerr != nil {
				return "", gerr
			}
			return "", ErrNotAMember
		}
		return "", err
	}
	var m Member
	if err := json.Unmarshal(doc, &m); err != nil {
		return "", fmt.Errorf("decode member: %w", err)
	}
	return m.Role, nil
}

// insertMember adds a membership row, failing when it already exists.
func (s *Service) insertMember(ctx context.Context, groupID, agentID, role string) error {
	m := Member{
		ID:       memberID(groupID, agentID),
		GroupID:  groupID,
		AgentID:  agentID,
		Role:     role,
		JoinedAt: s.clock.Now().UnixMilli(),
	}
	doc, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	if err := s.store.Insert(ctx, store.GroupMembers, m.ID, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyMember
		}
		return err
	}
	return nil
}

// putMember writes a membership row unconditionally (group creation).
func (s *Service) putMember(ctx context.Context, groupID, agentID, role string) error {
	m := Member{
		ID:       memberID(groupID, agentID),
		GroupID:  groupID,
		AgentID:  agentID,
		Role:     role,
		JoinedAt: s.clock.Now().UnixMilli(),
	}
	doc, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	return s.store.Put(ctx, store.GroupMembers, m.ID, doc)
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
