package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/apierr"
	"github.com/admproto/admp-hub/internal/httpsig"
	"github.com/admproto/admp-hub/internal/httputil"
)

// AgentHeader names the caller on bearer-authenticated requests. Signed
// requests carry the caller in the signature keyId and do not need it.
const AgentHeader = "X-ADMP-Agent"

// APIKeyVerifier checks a presented API key against an agent's stored hash.
type APIKeyVerifier interface {
	VerifyAPIKey(ctx context.Context, id, apiKey string) (bool, error)
}

// Auth establishes the caller's identity. An HTTP Signature is the primary
// mechanism; a bearer API key plus X-ADMP-Agent is the coarse fallback.
// Requests without credentials pass through anonymously; handlers that need
// an identity reject them with 401.
func Auth(verifier *httpsig.Verifier, keys APIKeyVerifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		if sig := c.Get("Signature"); sig != "" {
			agentID, err := verifier.Verify(c, httpsig.Request{
				Method:          c.Method(),
				Path:            c.Path(),
				Host:            c.Hostname(),
				Date:            c.Get("Date"),
				SignatureHeader: sig,
			})
			if err != nil {
				return httputil.Fail(c, fiber.StatusUnauthorized, apierr.SignatureFailed, err.Error())
			}
			c.Locals(localAgentID, agentID)
			return c.Next()
		}

		if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			id := c.Get(AgentHeader)
			if id == "" {
				return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized,
					"Bearer auth requires the "+AgentHeader+" header")
			}
			ok, err := keys.VerifyAPIKey(c, id, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				if errors.Is(err, agent.ErrNotFound) {
					return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "Unknown agent")
				}
				return failErr(c, err)
			}
			if !ok {
				return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "Invalid API key")
			}
			c.Locals(localAgentID, id)
		}

		return c.Next()
	}
}

// requireSelf guards routes that act as the agent named in the path. When it
// returns false the response has already been written.
func requireSelf(c fiber.Ctx, pathAgentID string) (bool, error) {
	id := caller(c)
	if id == "" {
		return false, httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "Authentication required")
	}
	if id != pathAgentID {
		return false, httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "Not your agent")
	}
	return true, nil
}
