package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/shellmux/internal/api/http/dto"
	"github.com/EternisAI/shellmux/internal/audit"
	"github.com/EternisAI/shellmux/internal/session"
)

// EventLister reads the audit trail of one session.
type EventLister interface {
	ListSessionEvents(ctx context.Context, sessionID string) ([]audit.Event, error)
}

type AdminHandler struct {
	registry *session.Registry
	events   EventLister
}

// NewAdminHandler builds the admin API. events may be nil when audit
// persistence is disabled.
func NewAdminHandler(registry *session.Registry, events EventLister) *AdminHandler {
	return &AdminHandler{
		registry: registry,
		events:   events,
	}
}

// ListSessions returns every live session
// GET /api/v1/sessions
func (h *AdminHandler) ListSessions(ctx *gin.Context) {
	sessions := h.registry.List()
	ctx.JSON(http.StatusOK, dto.SessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// EndSession destroys a session for all of its observers
// DELETE /api/v1/sessions/:id
func (h *AdminHandler) EndSession(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, ok := h.registry.Get(id); !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": session.ErrSessionNotFound.Error()})
		return
	}

	h.registry.Destroy(id)
	slog.Info("Session ended via admin API", "session_id", id, "client_ip", ctx.ClientIP())
	ctx.JSON(http.StatusOK, dto.MessageResponse{Message: "session ended"})
}

// SessionEvents returns the audit trail of a session, live or not
// GET /api/v1/sessions/:id/events
func (h *AdminHandler) SessionEvents(ctx *gin.Context) {
	if h.events == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit persistence is not configured"})
		return
	}

	id := ctx.Param("id")
	events, err := h.events.ListSessionEvents(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidSessionID) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to list session events", "error", err, "session_id", id)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list session events"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}

	ctx.JSON(http.StatusOK, dto.SessionEventsResponse{SessionID: id, Events: events})
}
