package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/shellmux/internal/api/http/dto"
	"github.com/EternisAI/shellmux/internal/session"
)

type HealthHandler struct {
	registry *session.Registry
}

func NewHealthHandler(registry *session.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{Status: "ok"}
	if h.registry != nil {
		resp.Sessions = len(h.registry.List())
	}
	ctx.JSON(http.StatusOK, resp)
}
