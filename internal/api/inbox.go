package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/apierr"
	"github.com/admproto/admp-hub/internal/envelope"
	"github.com/admproto/admp-hub/internal/httputil"
	"github.com/admproto/admp-hub/internal/inbox"
)

// InboxHandler serves the inbox endpoints.
type InboxHandler struct {
	inbox             *inbox.Service
	allowUnregistered bool
	log               zerolog.Logger
}

// NewInboxHandler creates a new inbox handler.
func NewInboxHandler(ib *inbox.Service, allowUnregistered bool, logger zerolog.Logger) *InboxHandler {
	return &InboxHandler{inbox: ib, allowUnregistered: allowUnregistered, log: logger}
}

// Send handles POST /api/agents/:id/inbox. The path names the recipient;
// the envelope's from must match the authenticated caller unless anonymous
// senders are enabled.
func (h *InboxHandler) Send(c fiber.Ctx) error {
	recipient := agentParam(c, "id")

	var env envelope.Envelope
	if err := c.Bind().Body(&env); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEnvelope, "Invalid envelope JSON")
	}
	if env.To != "" && env.To != recipient {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEnvelope, "Envelope to does not match the path")
	}
	env.To = recipient

	callerID := caller(c)
	switch {
	case callerID != "":
		if env.From != "" && env.From != callerID {
			return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "Envelope from does not match the caller")
		}
		env.From = callerID
	case !h.allowUnregistered:
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "Authentication required")
	}

	res, err := retryOnce(func() (*inbox.SendResult, error) {
		return h.inbox.Send(c, &env)
	})
	if err != nil {
		return failErr(c, err)
	}
	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return httputil.SuccessStatus(c, status, res)
}

type pullRequest struct {
	LeaseSeconds int `json:"lease_seconds"`
}

// Pull handles POST /api/agents/:id/inbox/pull. An empty inbox answers 204
// with no body; a purged ephemeral body pulls as null with body_gone set.
func (h *InboxHandler) Pull(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}

	var body pullRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
		}
	}

	pulled, err := retryOnce(func() (*inbox.Pulled, error) {
		return h.inbox.Pull(c, id, body.LeaseSeconds)
	})
	if err != nil {
		if err == inbox.ErrEmpty {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return failErr(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"message":   pulled.Message,
		"body_gone": pulled.BodyGone,
	})
}

type ackRequest struct {
	Result json.RawMessage `json:"result"`
}

// Ack handles POST /api/agents/:id/inbox/:mid/ack.
func (h *InboxHandler) Ack(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	var body ackRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
		}
	}

	m, err := retryOnce(func() (*inbox.Message, error) {
		return h.inbox.Ack(c, id, pathID(c, "mid"), body.Result)
	})
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"message_id": m.ID, "status": m.Status})
}

type nackRequest struct {
	Action        string `json:"action"` // requeue or extend
	ExtendSeconds int    `json:"extend_seconds"`
	Error         string `json:"error"`
}

// Nack handles POST /api/agents/:id/inbox/:mid/nack.
func (h *InboxHandler) Nack(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	var body nackRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
	}

	var params inbox.NackParams
	switch body.Action {
	case "requeue":
		params = inbox.NackParams{Requeue: true, Reason: body.Error}
	case "extend":
		params = inbox.NackParams{ExtendSeconds: body.ExtendSeconds}
	default:
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "action must be requeue or extend")
	}

	m, err := retryOnce(func() (*inbox.Message, error) {
		return h.inbox.Nack(c, id, pathID(c, "mid"), params)
	})
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"message_id":   m.ID,
		"status":       m.Status,
		"leased_until": m.LeasedUntil,
	})
}

// Reply handles POST /api/agents/:id/inbox/:mid/reply: it routes a response
// to the original sender and auto-acks the original message.
func (h *InboxHandler) Reply(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	var env envelope.Envelope
	if err := c.Bind().Body(&env); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEnvelope, "Invalid envelope JSON")
	}

	res, err := retryOnce(func() (*inbox.SendResult, error) {
		return h.inbox.Reply(c, id, pathID(c, "mid"), &env)
	})
	if err != nil {
		return failErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, res)
}

// Reclaim handles POST /api/agents/:id/inbox/reclaim, the ops escape hatch
// that runs lease reclamation for one inbox immediately.
func (h *InboxHandler) Reclaim(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	requeued, dead, err := h.inbox.ReclaimExpired(c, id)
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"requeued": requeued, "dead": dead})
}

// Stats handles GET /api/agents/:id/inbox/stats.
func (h *InboxHandler) Stats(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	stats, err := h.inbox.Stats(c, id)
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, stats)
}
