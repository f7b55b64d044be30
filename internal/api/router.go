package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/group"
	"github.com/admproto/admp-hub/internal/httpsig"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/store"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Store                    store.Store
	Agents                   *agent.Service
	Inbox                    *inbox.Service
	Groups                   *group.Service
	Verifier                 *httpsig.Verifier
	AllowUnregisteredSenders bool
	Log                      zerolog.Logger
}

// Register mounts every route on the app. Health and metrics stay outside
// the authenticated /api tree.
func Register(app *fiber.App, d Deps) {
	health := &HealthHandler{Store: d.Store}
	app.Get("/health", health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api", Auth(d.Verifier, d.Agents))

	stats := &StatsHandler{Store: d.Store, Log: d.Log}
	api.Get("/stats", stats.Stats)

	agents := NewAgentHandler(d.Agents, d.Log)
	api.Post("/agents", agents.Register)
	api.Get("/agents", agents.List)
	api.Get("/agents/:id", agents.Get)
	api.Delete("/agents/:id", agents.Deregister)
	api.Post("/agents/:id/heartbeat", agents.Heartbeat)
	api.Post("/agents/:id/keys/rotate", agents.RotateKey)
	api.Post("/agents/:id/webhook", agents.SetWebhook)
	api.Get("/agents/:id/webhook", agents.GetWebhook)
	api.Delete("/agents/:id/webhook", agents.DeleteWebhook)

	ib := NewInboxHandler(d.Inbox, d.AllowUnregisteredSenders, d.Log)
	api.Post("/agents/:id/inbox", ib.Send)
	api.Post("/agents/:id/inbox/pull", ib.Pull)
	api.Post("/agents/:id/inbox/reclaim", ib.Reclaim)
	api.Get("/agents/:id/inbox/stats", ib.Stats)
	api.Post("/agents/:id/inbox/:mid/ack", ib.Ack)
	api.Post("/agents/:id/inbox/:mid/nack", ib.Nack)
	api.Post("/agents/:id/inbox/:mid/reply", ib.Reply)

	groups := NewGroupHandler(d.Groups, d.Log)
	api.Post("/groups", groups.Create)
	api.Get("/groups", groups.List)
	api.Get("/groups/:id", groups.Get)
	api.Patch("/groups/:id", groups.Update)
	api.Delete("/groups/:id", groups.Delete)
	api.Post("/groups/:id/join", groups.Join)
	api.Post("/groups/:id/leave", groups.Leave)
	api.Get("/groups/:id/members", groups.Members)
	api.Post("/groups/:id/members/:agentID", groups.AddMember)
	api.Delete("/groups/:id/members/:agentID", groups.RemoveMember)
	api.Post("/groups/:id/messages", groups.Post)
	api.Get("/groups/:id/messages", groups.History)
}
