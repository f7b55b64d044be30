package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/httputil"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/store"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	Store store.Store
}

// Health pings the storage backend, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	storage := "ok"
	if err := h.Store.Ping(ctx); err != nil {
		storage = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if storage != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":  overall,
		"storage": storage,
	})
}

// StatsHandler serves the hub-wide stats endpoint.
type StatsHandler struct {
	Store store.Store
	Log   zerolog.Logger
}

// Stats handles GET /api/stats. Counts come from paged scans and are
// approximate under concurrent writes.
func (h *StatsHandler) Stats(c fiber.Ctx) error {
	agentsTotal, agentsOnline, err := h.countAgents(c)
	if err != nil {
		return failErr(c, err)
	}
	messages, err := h.countMessages(c)
	if err != nil {
		return failErr(c, err)
	}
	groupsTotal, err := h.count(c, store.Groups, nil)
	if err != nil {
		return failErr(c, err)
	}
	queueDepth, err := h.count(c, store.WebhookQueue, store.Filter{"dead": false})
	if err != nil {
		return failErr(c, err)
	}
	deadLetters, err := h.count(c, store.WebhookQueue, store.Filter{"dead": true})
	if err != nil {
		return failErr(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"agents": fiber.Map{
			"total":  agentsTotal,
			"online": agentsOnline,
		},
		"messages": messages,
		"groups": fiber.Map{
			"total": groupsTotal,
		},
		"webhooks": fiber.Map{
			"queue_depth":  queueDepth,
			"dead_letters": deadLetters,
		},
	})
}

func (h *StatsHandler) count(ctx context.Context, collection string, filter store.Filter) (int, error) {
	total := 0
	cursor := ""
	for {
		docs, next, err := h.Store.List(ctx, collection, store.ListOptions{
			Filter: filter,
			Cursor: cursor,
		})
		if err != nil {
			return 0, err
		}
		total += len(docs)
		if next == "" {
			return total, nil
		}
		cursor = next
	}
}

func (h *StatsHandler) countAgents(ctx context.Context) (total, online int, err error) {
	cursor := ""
	for {
		docs, next, lerr := h.Store.List(ctx, store.Agents, store.ListOptions{Cursor: cursor})
		if lerr != nil {
			return 0, 0, lerr
		}
		for _, doc := range docs {
			total++
			var a struct {
				Status string `json:"status"`
			}
			if json.Unmarshal(doc, &a) == nil && a.Status == agent.StatusOnline {
				online++
			}
		}
		if next == "" {
			return total, online, nil
		}
		cursor = next
	}
}

func (h *StatsHandler) countMessages(ctx context.Context) (map[string]int, error) {
	byStatus := map[string]int{
		inbox.StatusQueued:    0,
		inbox.StatusDelivered: 0,
		inbox.StatusLeased:    0,
		inbox.StatusAcked:     0,
		inbox.StatusDead:      0,
	}
	cursor := ""
	for {
		docs, next, err := h.Store.List(ctx, store.Messages, store.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			var m struct {
				Status string `json:"status"`
			}
			if json.Unmarshal(doc, &m) == nil {
				byStatus[m.Status]++
			}
		}
		if next == "" {
			return byStatus, nil
		}
		cursor = next
	}
}
