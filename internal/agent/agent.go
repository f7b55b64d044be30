// Package agent implements the hub's agent registry: registration, key
// rotation, heartbeats, webhook configuration, and deregistration with
// cascade. Agent ids are tombstoned permanently on deregister.
package agent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the agent package.
var (
	ErrNotFound          = errors.New("agent not found")
	ErrAlreadyExists     = errors.New("agent id already exists")
	ErrDeregistered      = errors.New("agent id is tombstoned")
	ErrInvalidName       = errors.New("agent name must be 1-64 characters")
	ErrInvalidWebhookURL = errors.New("webhook URL must be an absolute http or https URL")
	ErrInvalidPublicKey  = errors.New("public key must be a base64 32-byte Ed25519 key")
)

// Agent statuses.
const (
	StatusOnline       = "online"
	StatusOffline      = "offline"
	StatusDeregistered = "deregistered"
)

// Agent is the stored registry record. Timestamps are Unix milliseconds so
// the storage adapter can order and compare them numerically.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`

	PublicKey  string `json:"public_key"` // base64 raw Ed25519
	KeyVersion int    `json:"key_version"`
	// PrevPublicKey is the pre-rotation key, accepted during the grace
	// window after RotatedAt.
	PrevPublicKey string `json:"prev_public_key,omitempty"`
	RotatedAt     int64  `json:"rotated_at,omitempty"`

	APIKeyHash string `json:"api_key_hash"`

	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`

	Status        string `json:"status"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	CreatedAt     int64  `json:"created_at"`
}

// View is the public representation of an agent; it carries no secrets.
type View struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities,omitempty"`
	PublicKey     string   `json:"public_key"`
	KeyVersion    int      `json:"key_version"`
	WebhookURL    string   `json:"webhook_url,omitempty"`
	Status        string   `json:"status"`
	LastHeartbeat string   `json:"last_heartbeat,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// ToView strips secrets and renders timestamps as RFC3339 UTC.
func (a *Agent) ToView() View {
	v := View{
		ID:           a.ID,
		Name:         a.Name,
		Capabilities: a.Capabilities,
		PublicKey:    a.PublicKey,
		KeyVersion:   a.KeyVersion,
		WebhookURL:   a.WebhookURL,
		Status:       a.Status,
		CreatedAt:    formatMillis(a.CreatedAt),
	}
	if a.LastHeartbeat > 0 {
		v.LastHeartbeat = formatMillis(a.LastHeartbeat)
	}
	return v
}

// VerificationKeys returns the public keys a signature may verify against at
// the given instant: the current key, plus the previous key while the
// rotation grace window is open.
func (a *Agent) VerificationKeys(now time.Time, grace time.Duration) []ed25519.PublicKey {
	keys := make([]ed25519.PublicKey, 0, 2)
	if k, err := DecodePublicKey(a.PublicKey); err == nil {
		keys = append(keys, k)
	}
	if a.PrevPublicKey != "" && now.UnixMilli()-a.RotatedAt <= grace.Milliseconds() {
		if k, err := DecodePublicKey(a.PrevPublicKey); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// DecodePublicKey parses a base64 raw Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// GenerateKeypair creates a fresh Ed25519 keypair, base64-encoded.
func GenerateKeypair() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// NewAPIKey returns a fresh opaque API key: 32 random bytes, base64url.
func NewAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewID derives an agent id from the display name plus a random salt, e.g.
// agent://build-bot-3f2a.
func NewID(name string) (string, error) {
	salt := make([]byte, 2)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate id salt: %w", err)
	}
	return "agent://" + slugify(name) + "-" + hex.EncodeToString(salt), nil
}

// ValidateName checks display-name length bounds.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return ErrInvalidName
	}
	return nil
}

// slugify lowercases the name and collapses anything outside [a-z0-9] into
// single hyphens.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
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
		s = "agent"
	}
	return s
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
