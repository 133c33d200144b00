package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/shellmux/internal/api/http"
	"github.com/EternisAI/shellmux/internal/db"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Http      http.Config     `mapstructure:"http"`
	Session   SessionConfig   `mapstructure:"session"`
	Collector CollectorConfig `mapstructure:"collector"`
	DB        db.Config       `mapstructure:"db"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type SessionConfig struct {
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ReplayBufferSize int           `mapstructure:"replay_buffer_size"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	Term             string        `mapstructure:"term"`
	Rows             int           `mapstructure:"rows"`
	Cols             int           `mapstructure:"cols"`
	TempDir          string        `mapstructure:"temp_dir"`
	SSHConfigFile    string        `mapstructure:"ssh_config_file"`
	KnownHostsFile   string        `mapstructure:"known_hosts_file"`
}

type CollectorConfig struct {
	MinInterval         time.Duration `mapstructure:"min_interval"`
	TelemetryInterval   time.Duration `mapstructure:"telemetry_interval"`
	NetworkInterval     time.Duration `mapstructure:"network_interval"`
	ProcessCount        int           `mapstructure:"process_count"`
	LogInitialLines     int           `mapstructure:"log_initial_lines"`
	LogTailLines        int           `mapstructure:"log_tail_lines"`
	LogInterval         time.Duration `mapstructure:"log_interval"`
	LogCacheSize        int           `mapstructure:"log_cache_size"`
	LogSudo             bool          `mapstructure:"log_sudo"`
	ScanBatchSize       int           `mapstructure:"scan_batch_size"`
	ScanBatchDelay      time.Duration `mapstructure:"scan_batch_delay"`
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	CommandPollInterval time.Duration `mapstructure:"command_poll_interval"`
	MaxReadSize         int64         `mapstructure:"max_read_size"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/shellmux-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("http.download_secret", "DOWNLOAD_SECRET")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// HTTP_ALLOWED_ORIGINS arrives as a single comma separated string.
	if len(config.Http.AllowedOrigins) == 1 {
		config.Http.AllowedOrigins = ParseCommaSeparated(config.Http.AllowedOrigins[0])
	}

	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Http.AdminAPIKey = redact(redacted.Http.AdminAPIKey)
		redacted.Http.DownloadSecret = redact(redacted.Http.DownloadSecret)
		redacted.DB.Url = redact(redacted.DB.Url)
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
