// Package group implements named agent groups: membership with roles and
// join policies, fanout of posts into per-member inbox copies, and optional
// history. Fanned-out copies go through the inbox send path so they obey
// leases, TTLs, and webhooks like direct messages.
package group

import (
	"errors"
	"strings"

	"github.com/admproto/admp-hub/internal/envelope"
)

// Join policies. The strings are wire values.
const (
	PolicyOpen   = "open"          // anyone may self-join
	PolicyInvite = "invite-only"   // admins add members
	PolicyKey    = "key-protected" // self-join with the group key
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Sentinel errors for the group package.
var (
	ErrNotFound      = errors.New("group not found")
	ErrAlreadyExists = errors.New("group id already exists")
	ErrInvalidName   = errors.New("group name must be 1-64 characters")
	ErrInvalidPolicy = errors.New("join_policy must be open, invite-only, or key-protected")
	ErrMissingKey    = errors.New("key-protected groups require a join key")
	ErrBadJoinKey    = errors.New("join key does not match")
	ErrNotAMember    = errors.New("agent is not a member of the group")
	ErrAlreadyMember = errors.New("agent is already a member of the group")
	ErrForbidden     = errors.New("caller role does not permit this operation")
	ErrHistoryHidden = errors.New("group history is not visible")
)

// Group is the stored group record. JoinKeyHash is a bcrypt hash and never
// leaves the hub.
type Group struct {
	ID             string `json:"id"` // group://ops
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Owner          string `json:"owner"`
	JoinPolicy     string `json:"join_policy"`
	JoinKeyHash    string `json:"join_key_hash,omitempty"`
	HistoryVisible bool   `json:"history_visible"`
	CreatedAt      int64  `json:"created_at"`
}

// View is the public representation of a group.
type View struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Owner          string `json:"owner"`
	JoinPolicy     string `json:"join_policy"`
	HistoryVisible bool   `json:"history_visible"`
	CreatedAt      int64  `json:"created_at"`
}

// ToView strips the join-key hash.
func (g *Group) ToView() View {
	return View{
		ID:             g.ID,
		Name:           g.Name,
		Description:    g.Description,
		Owner:          g.Owner,
		JoinPolicy:     g.JoinPolicy,
		HistoryVisible: g.HistoryVisible,
		CreatedAt:      g.CreatedAt,
	}
}

// Member is one group membership row.
type Member struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	AgentID  string `json:"agent_id"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joined_at"`
}

// Post is one stored history entry. The fanned-out copies reference it via
// their shared message-id prefix.
type Post struct {
	ID              string            `json:"id"`
	GroupID         string            `json:"group_id"`
	From            string            `json:"from"`
	Envelope        envelope.Envelope `json:"envelope"`
	MembersSnapshot []string          `json:"members_snapshot"`
	Recipients      int               `json:"recipients"`
	InsertedAt      int64             `json:"inserted_at"`
	ExpiresAt       int64             `json:"expires_at"`
	PurgeBodyAt     int64             `json:"purge_body_at,omitempty"`
	BodyPurged      bool              `json:"body_purged,omitempty"`
}

// memberID keys a membership row by group and agent.
func memberID(groupID, agentID string) string {
	return groupID + "#" + agentID
}

// canAdmin reports whether a role may manage membership and settings.
func canAdmin(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

// ValidatePolicy checks a join policy value.
func ValidatePolicy(policy string) error {
	switch policy {
	case PolicyOpen, PolicyInvite, PolicyKey:
		return nil
	default:
		return ErrInvalidPolicy
	}
}

// NewID derives a group id from the display name, e.g. group://ops-alerts.
func NewID(name string) string {
	return "group://" + slugify(name)
}

// slugify lowercases the name and collapses anything outside [a-z0-9] into
// single hyphens.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		s = "group"
	}
	return s
}
