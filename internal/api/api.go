// Package api serves the hub's HTTP surface. Handlers bind requests, call
// the engines, and map engine errors to wire codes; no business logic lives
// here.
package api

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/apierr"
	"github.com/admproto/admp-hub/internal/envelope"
	"github.com/admproto/admp-hub/internal/group"
	"github.com/admproto/admp-hub/internal/httputil"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/store"
)

// localAgentID is the fiber Locals key holding the authenticated agent id.
const localAgentID = "agentID"

// caller returns the authenticated agent id, or "".
func caller(c fiber.Ctx) string {
	id, _ := c.Locals(localAgentID).(string)
	return id
}

// pathID returns a URL-decoded path parameter.
func pathID(c fiber.Ctx, name string) string {
	raw := c.Params(name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// agentParam reads an agent id from the path. Clients send either the bare
// slug or the full percent-encoded agent:// URI; both resolve to the URI form.
func agentParam(c fiber.Ctx, name string) string {
	id := pathID(c, name)
	if !strings.HasPrefix(id, "agent://") {
		id = "agent://" + id
	}
	return id
}

// groupParam reads a group id from the path, restoring the group:// scheme
// when the client sent the bare slug.
func groupParam(c fiber.Ctx, name string) string {
	id := pathID(c, name)
	if !strings.HasPrefix(id, "group://") {
		id = "group://" + id
	}
	return id
}

// retryOnce re-runs fn when the storage backend reported itself unavailable.
func retryOnce[T any](fn func() (T, error)) (T, error) {
	v, err := fn()
	if errors.Is(err, store.ErrUnavailable) {
		return fn()
	}
	return v, err
}

// failErr maps engine errors to wire responses.
func failErr(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, envelope.ErrTTLOutOfRange):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.TTLOutOfRange, err.Error())
	case errors.Is(err, envelope.ErrInvalid):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEnvelope, err.Error())

	case errors.Is(err, agent.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.AgentNotFound, "Agent not found")
	case errors.Is(err, agent.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.AgentAlreadyExists, "Agent id already exists")
	case errors.Is(err, agent.ErrInvalidWebhookURL):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidWebhookURL, err.Error())
	case errors.Is(err, agent.ErrInvalidName), errors.Is(err, agent.ErrInvalidPublicKey):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())

	case errors.Is(err, inbox.ErrRecipientNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.AgentNotFound, "Recipient not found")
	case errors.Is(err, inbox.ErrMessageNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.MessageNotFound, "Message not found")
	case errors.Is(err, inbox.ErrLeaseExpired):
		return httputil.Fail(c, fiber.StatusConflict, apierr.LeaseExpired, "Lease expired or not held by caller")
	case errors.Is(err, inbox.ErrIdempotencyConflict):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, "Idempotency key reused with a different body")
	case errors.Is(err, inbox.ErrSenderNotRegistered):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "Sender is not a registered agent")
	case errors.Is(err, inbox.ErrSignatureInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.SignatureFailed, "Envelope signature verification failed")

	case errors.Is(err, group.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.GroupNotFound, "Group not found")
	case errors.Is(err, group.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, "Group id already exists")
	case errors.Is(err, group.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, "Agent is already a member")
	case errors.Is(err, group.ErrNotAMember):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.NotAMember, "Agent is not a member of the group")
	case errors.Is(err, group.ErrForbidden), errors.Is(err, group.ErrBadJoinKey), errors.Is(err, group.ErrHistoryHidden):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, err.Error())
	case errors.Is(err, group.ErrInvalidName), errors.Is(err, group.ErrInvalidPolicy), errors.Is(err, group.ErrMissingKey):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())

	case errors.Is(err, store.ErrUnavailable):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierr.StorageUnavailable, "Storage backend unavailable")
	default:
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.Internal, "An internal error occurred")
	}
}
