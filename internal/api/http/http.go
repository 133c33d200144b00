package http

import (
	"time"

	"github.com/EternisAI/shellmux/internal/cert"
)

type Config struct {
	Port           uint          `mapstructure:"port"`
	AdminAPIKey    string        `mapstructure:"admin_api_key"`
	DownloadSecret string        `mapstructure:"download_secret"`
	DownloadTTL    time.Duration `mapstructure:"download_ttl"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TLS            cert.Config   `mapstructure:"tls"`
}
