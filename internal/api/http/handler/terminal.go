package handler

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/EternisAI/shellmux/internal/gateway"
)

const maxMessageSize = 4 << 20

// TerminalHandler upgrades observers to websocket and hands them to the
// gateway.
type TerminalHandler struct {
	gateway  *gateway.Gateway
	upgrader websocket.Upgrader
}

// NewTerminalHandler accepts connections from allowedOrigins; "*" or an
// empty list allows any origin.
func NewTerminalHandler(gw *gateway.Gateway, allowedOrigins []string) *TerminalHandler {
	return &TerminalHandler{
		gateway: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Serve handles GET /ws
func (h *TerminalHandler) Serve(ctx *gin.Context) {
	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "client_ip", ctx.ClientIP())
		return
	}
	conn.SetReadLimit(maxMessageSize)

	slog.Info("Observer connected", "client_ip", ctx.ClientIP())
	h.gateway.Serve(ctx.Request.Context(), conn)
	slog.Info("Observer disconnected", "client_ip", ctx.ClientIP())
}
