package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/apierr"
	"github.com/admproto/admp-hub/internal/envelope"
	"github.com/admproto/admp-hub/internal/group"
	"github.com/admproto/admp-hub/internal/httputil"
)

// GroupHandler serves the group endpoints.
type GroupHandler struct {
	groups *group.Service
	log    zerolog.Logger
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(groups *group.Service, logger zerolog.Logger) *GroupHandler {
	return &GroupHandler{groups: groups, log: logger}
}

// requireAuth rejects anonymous callers. When it returns false the response
// has already been written.
func requireAuth(c fiber.Ctx) (string, error) {
	id := caller(c)
	if id == "" {
		return "", httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "Authentication required")
	}
	return id, nil
}

type createGroupRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	JoinPolicy     string `json:"join_policy"`
	JoinKey        string `json:"join_key"`
	HistoryVisible bool   `json:"history_visible"`
}

// Create handles POST /api/groups. The caller becomes the owner.
func (h *GroupHandler) Create(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	var body createGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
	}

	g, err := retryOnce(func() (*group.Group, error) {
		return h.groups.Create(c, callerID, group.CreateParams{
			Name:           body.Name,
			Description:    body.Description,
			JoinPolicy:     body.JoinPolicy,
			JoinKey:        body.JoinKey,
			HistoryVisible: body.HistoryVisible,
		})
	})
	if err != nil {
		return failErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, g.ToView())
}

// List handles GET /api/groups.
func (h *GroupHandler) List(c fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	views, next, err := h.groups.List(c, limit, c.Query("cursor"))
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"groups": views, "next_cursor": next})
}

// Get handles GET /api/groups/:id.
func (h *GroupHandler) Get(c fiber.Ctx) error {
	g, err := h.groups.Get(c, groupParam(c, "id"))
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, g.ToView())
}

type updateGroupRequest struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	JoinPolicy     *string `json:"join_policy"`
	JoinKey        *string `json:"join_key"`
	HistoryVisible *bool   `json:"history_visible"`
}

// Update handles PATCH /api/groups/:id. Absent fields stay unchanged.
func (h *GroupHandler) Update(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	var body updateGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
	}

	g, err := retryOnce(func() (*group.Group, error) {
		return h.groups.Update(c, groupParam(c, "id"), callerID, group.UpdateParams{
			Name:           body.Name,
			Description:    body.Description,
			JoinPolicy:     body.JoinPolicy,
			JoinKey:        body.JoinKey,
			HistoryVisible: body.HistoryVisible,
		})
	})
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, g.ToView())
}

// Delete handles DELETE /api/groups/:id. Owner only; members and history go
// with the group.
func (h *GroupHandler) Delete(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	if err := h.groups.Delete(c, groupParam(c, "id"), callerID); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"deleted": true})
}

type joinRequest struct {
	Key string `json:"key"`
}

// Join handles POST /api/groups/:id/join.
func (h *GroupHandler) Join(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	var body joinRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
		}
	}
	if err := h.groups.Join(c, groupParam(c, "id"), callerID, body.Key); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"joined": true, "role": group.RoleMember})
}

// Leave handles POST /api/groups/:id/leave.
func (h *GroupHandler) Leave(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	if err := h.groups.Leave(c, groupParam(c, "id"), callerID); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"left": true})
}

// Members handles GET /api/groups/:id/members.
func (h *GroupHandler) Members(c fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	members, next, err := h.groups.Members(c, groupParam(c, "id"), limit, c.Query("cursor"))
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"members": members, "next_cursor": next})
}

type addMemberRequest struct {
	Role string `json:"role"`
}

// AddMember handles POST /api/groups/:id/members/:agentID. Owners and admins
// add members directly, bypassing the join policy.
func (h *GroupHandler) AddMember(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	var body addMemberRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Invalid request body")
		}
	}
	if err := h.groups.AddMember(c, groupParam(c, "id"), callerID, agentParam(c, "agentID"), body.Role); err != nil {
		return failErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"added": true})
}

// RemoveMember handles DELETE /api/groups/:id/members/:agentID.
func (h *GroupHandler) RemoveMember(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	if err := h.groups.RemoveMember(c, groupParam(c, "id"), callerID, agentParam(c, "agentID")); err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"removed": true})
}

// Post handles POST /api/groups/:id/messages. Large fanouts answer 202 and
// deliver in the background.
func (h *GroupHandler) Post(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	var env envelope.Envelope
	if err := c.Bind().Body(&env); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEnvelope, "Invalid envelope JSON")
	}

	res, err := retryOnce(func() (*group.PostResult, error) {
		return h.groups.Post(c, groupParam(c, "id"), callerID, &env)
	})
	if err != nil {
		return failErr(c, err)
	}
	status := fiber.StatusCreated
	if res.Async {
		status = fiber.StatusAccepted
	}
	return httputil.SuccessStatus(c, status, res)
}

// History handles GET /api/groups/:id/messages. Members only, and only when
// the group exposes history.
func (h *GroupHandler) History(c fiber.Ctx) error {
	callerID, resp := requireAuth(c)
	if callerID == "" {
		return resp
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	posts, next, err := h.groups.History(c, groupParam(c, "id"), callerID, limit, c.Query("cursor"))
	if err != nil {
		return failErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"messages": posts, "next_cursor": next})
}
