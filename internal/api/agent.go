package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/apierr"
	"github.com/admproto/admp-hub/internal/httputil"
)

// AgentHandler serves the agent registry endpoints.
type AgentHandler struct {
	agents *agent.Service
	log    zerolog.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(agents *agent.Service, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, log: logger}
}

type registerRequest struct {
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities"`
	PublicKey     string   `json:"public_key"`
	WebhookURL    string   `json:"webhook_url"`
	WebhookSecret string   `json:"webhook_secret"`
}

type registeredResponse struct {
	Agent     agent.View `json:"agent"`
	SecretKey string     `json:"secret_key,omitempty"`
	APIKey    string     `json:"api_key"`
}

// Register handles POST /api/agents. The secret key and API key appear in
// this response only.
func (h *AgentHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
	}

	reg, err := h.agents.Register(c, agent.RegisterParams{
		Name:          body.Name,
		Capabilities:  body.Capabilities,
		PublicKey:     body.PublicKey,
		WebhookURL:    body.WebhookURL,
		WebhookSecret: body.WebhookSecret,
	})
	if err != nil {
		return failErr(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, registeredResponse{
		Agent:     reg.Agent.ToView(),
		SecretKey: reg.SecretKey,
		APIKey:    reg.APIKey,
	})
}

// List handles GET /api/agents with optional status, limit, and cursor
// query parameters.
func (h *AgentHandler) List(c fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	views, next, err := h.agents.List(c, c.Query("status"), limit, c.Query("cursor"))
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"agents": views, "next_cursor": next})
}

// Get handles GET /api/agents/:id.
func (h *AgentHandler) Get(c fiber.Ctx) error {
	a, err := h.agents.Get(c, agentParam(c, "id"))
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, a.ToView())
}

// Deregister handles DELETE /api/agents/:id. Agents remove only themselves.
func (h *AgentHandler) Deregister(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	if err := h.agents.Deregister(c, id); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"deregistered": true})
}

// Heartbeat handles POST /api/agents/:id/heartbeat.
func (h *AgentHandler) Heartbeat(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	if err := h.agents.Heartbeat(c, id); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": agent.StatusOnline})
}

// RotateKey handles POST /api/agents/:id/keys/rotate. The new secret key
// appears in this response only; the old key verifies until the grace
// window closes.
func (h *AgentHandler) RotateKey(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	reg, err := h.agents.RotateKey(c, id)
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, registeredResponse{
		Agent:     reg.Agent.ToView(),
		SecretKey: reg.SecretKey,
	})
}

type webhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// SetWebhook handles POST /api/agents/:id/webhook.
func (h *AgentHandler) SetWebhook(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	var body webhookRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
	}
	if err := h.agents.SetWebhook(c, id, body.URL, body.Secret); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"webhook_url": body.URL})
}

// GetWebhook handles GET /api/agents/:id/webhook. The secret never leaves
// the hub.
func (h *AgentHandler) GetWebhook(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	a, err := h.agents.Get(c, id)
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"webhook_url": a.WebhookURL})
}

// DeleteWebhook handles DELETE /api/agents/:id/webhook.
func (h *AgentHandler) DeleteWebhook(c fiber.Ctx) error {
	id := agentParam(c, "id")
	if ok, resp := requireSelf(c, id); !ok {
		return resp
	}
	if err := h.agents.DeleteWebhook(c, id); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"webhook_url": ""})
}
