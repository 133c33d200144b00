// Package gateway speaks the observer protocol: it binds websocket
// clients to sessions, relays terminal traffic and starts the collectors
// clients ask for.
package gateway

import (
	"context"
	"time"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/collector"
	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/metrics"
	"github.com/EternisAI/shellmux/internal/session"
)

const (
	sendChannelBuffer = 256
	writeWait         = 10 * time.Second

	DefaultDownloadPath = "/api/v1/downloads"
)

// Socket is the framed transport of one client. *websocket.Conn
// satisfies it.
type Socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Config struct {
	TelemetryInterval time.Duration
	ProcessCount      int
	NetworkInterval   time.Duration
	MinInterval       time.Duration
	LogInterval       time.Duration
	Logs              collector.LogOptions
	Scan              collector.ScanOptions
	Command           collector.CommandOptions
	MaxReadSize       int64
	DownloadPath      string
}

type Option func(*Gateway)

func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLinkSigner enables files.download.
func WithLinkSigner(s *files.LinkSigner) Option {
	return func(g *Gateway) { g.links = s }
}

type Gateway struct {
	registry *session.Registry
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics
	links    *files.LinkSigner
}

func New(registry *session.Registry, cfg Config, opts ...Option) *Gateway {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = collector.MinInterval
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = collector.DefaultTelemetryInterval
	}
	if cfg.NetworkInterval <= 0 {
		cfg.NetworkInterval = collector.DefaultNetworkInterval
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = collector.DefaultLogInterval
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = DefaultDownloadPath
	}
	g := &Gateway{
		registry: registry,
		cfg:      cfg,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Serve runs one client until its socket closes or ctx is cancelled.
// The client is detached from its session on return; the session itself
// lives on until idle eviction.
func (g *Gateway) Serve(ctx context.Context, sock Socket) {
	c := newClient(ctx, g, sock)
	go c.sendLoop()
	c.readLoop()
	c.close()
}
