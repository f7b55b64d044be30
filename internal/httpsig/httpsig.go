// Package httpsig validates Ed25519 HTTP Signatures over the canonical
// signing string "(request-target) host date". Signature keyIds are agent
// ids; keys come from the agent registry.
package httpsig

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/clock"
)

// MaxSkew bounds the accepted difference between the signed Date header and
// the hub clock.
const MaxSkew = 5 * time.Minute

// RequiredHeaders is the exact header list a signature must cover.
var RequiredHeaders = []string{"(request-target)", "host", "date"}

// Sentinel errors for signature validation.
var (
	ErrMissingSignature = errors.New("missing Signature header")
	ErrMalformed        = errors.New("malformed Signature header")
	ErrBadAlgorithm     = errors.New("algorithm must be ed25519")
	ErrMissingHeaders   = errors.New("signature must cover (request-target) host date")
	ErrDateSkew         = errors.New("Date header outside the allowed skew")
	ErrUnknownAgent     = errors.New("signature keyId does not name a registered agent")
	ErrVerifyFailed     = errors.New("signature verification failed")
)

// Params is a parsed Signature header.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// Request carries the pieces of an HTTP request a signature covers.
type Request struct {
	Method          string
	Path            string
	Host            string
	Date            string // RFC1123
	SignatureHeader string
}

// ParseSignatureHeader extracts keyId, algorithm, headers, and signature
// from a Signature header of the form
// keyId="…",algorithm="ed25519",headers="(request-target) host date",signature="…".
func ParseSignatureHeader(header string) (*Params, error) {
	if header == "" {
		return nil, ErrMissingSignature
	}

	p := &Params{}
	for _, part := range splitTopLevel(header) {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, part)
		}
		val = strings.Trim(val, `"`)
		switch key {
		case "keyId":
			p.KeyID = val
		case "algorithm":
			p.Algorithm = val
		case "headers":
			p.Headers = strings.Fields(strings.ToLower(val))
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("%w: bad base64 signature", ErrMalformed)
			}
			p.Signature = sig
		}
	}

	if p.KeyID == "" || p.Algorithm == "" || len(p.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing required fields", ErrMalformed)
	}
	if p.Algorithm != "ed25519" {
		return nil, fmt.Errorf("%w: got %q", ErrBadAlgorithm, p.Algorithm)
	}
	if len(p.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrMalformed, ed25519.SignatureSize)
	}
	if !coversRequired(p.Headers) {
		return nil, ErrMissingHeaders
	}
	return p, nil
}

// splitTopLevel splits on commas outside quoted values.
func splitTopLevel(s string) []string {
	var parts []string
	depth := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			depth = !depth
		case ',':
			if !depth {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func coversRequired(headers []string) bool {
	if len(headers) != len(RequiredHeaders) {
		return false
	}
	for i, h := range RequiredHeaders {
		if headers[i] != h {
			return false
		}
	}
	return true
}

// SigningString builds the canonical string a client signs.
func SigningString(method, path, host, date string) string {
	return strings.Join([]string{
		"(request-target): " + strings.ToLower(method) + " " + path,
		"host: " + host,
		"date: " + date,
	}, "\n")
}

// AgentSource resolves signature keyIds to registered agents.
type AgentSource interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
}

// Verifier validates request signatures against registry keys.
type Verifier struct {
	agents AgentSource
	clock  clock.Clock
	grace  time.Duration
}

// NewVerifier creates a Verifier. grace is the key-rotation window during
// which the previous public key still verifies.
func NewVerifier(agents AgentSource, clk clock.Clock, grace time.Duration) *Verifier {
	return &Verifier{agents: agents, clock: clk, grace: grace}
}

// Verify checks the request signature and returns the authenticated agent
// id. The Date header must parse as RFC1123 and sit within MaxSkew of the
// hub clock.
func (v *Verifier) Verify(ctx context.Context, req Request) (string, error) {
	params, err := ParseSignatureHeader(req.SignatureHeader)
	if err != nil {
		return "", err
	}

	if req.Date == "" {
		return "", fmt.Errorf("%w: missing Date header", ErrMalformed)
	}
	date, err := time.Parse(time.RFC1123, req.Date)
	if err != nil {
		// RFC1123 with a numeric zone is common in the wild.
		date, err = time.Parse(time.RFC1123Z, req.Date)
		if err != nil {
			return "", fmt.Errorf("%w: bad Date header: %v", ErrMalformed, err)
		}
	}
	skew := v.clock.Now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return "", ErrDateSkew
	}

	a, err := v.agents.Get(ctx, params.KeyID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return "", ErrUnknownAgent
		}
		return "", err
	}

	msg := []byte(SigningString(req.Method, req.Path, req.Host, req.Date))
	for _, key := range a.VerificationKeys(v.clock.Now(), v.grace) {
		if ed25519.Verify(key, msg, params.Signature) {
			return a.ID, nil
		}
	}
	return "", ErrVerifyFailed
}
