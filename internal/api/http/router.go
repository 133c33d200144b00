package http

import (
	"github.com/gin-gonic/gin"

	"github.com/EternisAI/shellmux/internal/api/http/handler"
	"github.com/EternisAI/shellmux/internal/api/http/middleware"
	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/gateway"
	"github.com/EternisAI/shellmux/internal/metrics"
	"github.com/EternisAI/shellmux/internal/session"
)

type Services struct {
	Registry *session.Registry
	Gateway  *gateway.Gateway
	// Events is nil when audit persistence is disabled.
	Events  handler.EventLister
	Links   *files.LinkSigner
	Metrics *metrics.Metrics
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Registry)
	engine.GET("/health", healthHandler.Check)

	if srvs.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(srvs.Metrics.Handler()))
	}

	terminalHandler := handler.NewTerminalHandler(srvs.Gateway, cfg.AllowedOrigins)
	engine.GET("/ws", terminalHandler.Serve)

	v1 := engine.Group("/api/v1")

	if srvs.Links != nil {
		downloadHandler := handler.NewDownloadHandler(srvs.Registry, srvs.Links)
		v1.GET("/downloads", downloadHandler.Download)
	}

	admin := v1.Group("/sessions", middleware.APIKeyAuth(cfg.AdminAPIKey))
	adminHandler := handler.NewAdminHandler(srvs.Registry, srvs.Events)
	uploadHandler := handler.NewUploadHandler(srvs.Registry)
	admin.GET("", adminHandler.ListSessions)
	admin.DELETE("/:id", adminHandler.EndSession)
	admin.GET("/:id/events", adminHandler.SessionEvents)
	admin.POST("/:id/upload", uploadHandler.HandleUpload)
}
