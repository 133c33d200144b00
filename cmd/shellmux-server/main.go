package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/EternisAI/shellmux/internal/api/http"
	"github.com/EternisAI/shellmux/internal/audit"
	"github.com/EternisAI/shellmux/internal/cert"
	"github.com/EternisAI/shellmux/internal/collector"
	"github.com/EternisAI/shellmux/internal/db"
	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/gateway"
	"github.com/EternisAI/shellmux/internal/metrics"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/session"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Shellmux Server", "version", AppVersion)

	ctx := context.Background()

	var m *metrics.Metrics
	if config.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	registryOpts := []session.Option{session.WithMetrics(m)}
	services := &internalhttp.Services{Metrics: m}

	var store *audit.Store
	if config.DB.Enabled() {
		if err := db.RunMigrations(config.DB.Url, config.DB.Schema); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		pool, err := db.InitDB(ctx, config.DB.Url, config.DB.Schema)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store = audit.NewStore(pool)
		registryOpts = append(registryOpts, session.WithRecorder(store))
		services.Events = store
	} else {
		slog.Warn("Database URL not set, audit trail disabled")
	}

	dialer := remote.NewSSHDialer(remote.SSHDialerConfig{
		Timeout:        config.Session.DialTimeout,
		KnownHostsFile: config.Session.KnownHostsFile,
		SSHConfigFile:  config.Session.SSHConfigFile,
	})
	if config.Session.KnownHostsFile == "" {
		slog.Warn("No known_hosts file configured, remote host keys will not be verified")
	}

	registry := session.NewRegistry(dialer, session.Config{
		IdleTimeout: config.Session.IdleTimeout,
		ReplaySize:  config.Session.ReplayBufferSize,
		DialTimeout: config.Session.DialTimeout,
		PTY: remote.PTYConfig{
			Term: config.Session.Term,
			Rows: config.Session.Rows,
			Cols: config.Session.Cols,
		},
		TempDir: config.Session.TempDir,
	}, registryOpts...)
	services.Registry = registry

	gatewayOpts := []gateway.Option{gateway.WithMetrics(m)}
	if config.Http.DownloadSecret != "" {
		services.Links = files.NewLinkSigner(config.Http.DownloadSecret, config.Http.DownloadTTL)
		gatewayOpts = append(gatewayOpts, gateway.WithLinkSigner(services.Links))
	} else {
		slog.Warn("Download secret not set, files.download disabled")
	}

	cc := config.Collector
	services.Gateway = gateway.New(registry, gateway.Config{
		TelemetryInterval: cc.TelemetryInterval,
		ProcessCount:      cc.ProcessCount,
		NetworkInterval:   cc.NetworkInterval,
		MinInterval:       cc.MinInterval,
		LogInterval:       cc.LogInterval,
		Logs: collector.LogOptions{
			InitialLines: cc.LogInitialLines,
			TailLines:    cc.LogTailLines,
			CacheSize:    cc.LogCacheSize,
			Sudo:         cc.LogSudo,
		},
		Scan: collector.ScanOptions{
			BatchSize:  cc.ScanBatchSize,
			BatchDelay: cc.ScanBatchDelay,
			Timeout:    cc.ScanTimeout,
		},
		Command: collector.CommandOptions{
			Timeout:      cc.CommandTimeout,
			PollInterval: cc.CommandPollInterval,
		},
		MaxReadSize: cc.MaxReadSize,
	}, gatewayOpts...)

	origins := config.Http.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	if config.Http.TLS.Enabled {
		tlsConfig, err := cert.Ensure(config.Http.TLS)
		if err != nil {
			slog.Error("Failed to prepare TLS", "error", err)
			os.Exit(1)
		}
		httpServer.TLSConfig = tlsConfig
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr, "tls", config.Http.TLS.Enabled)
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Hijacked websocket connections are not tracked by Shutdown; ending
	// the sessions notifies their observers.
	registry.Stop()
	if store != nil {
		store.Flush()
	}

	slog.Info("Shutdown complete")
}
