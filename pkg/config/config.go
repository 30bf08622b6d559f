package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow/deny lists can contain both "123456" and 123456.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Source    SourceConfig    `json:"source"`
	Download  DownloadConfig  `json:"download"`
	Access    AccessConfig    `json:"access"`
	Retention RetentionConfig `json:"retention"`
	LowMemory LowMemoryConfig `json:"low_memory"`
	Logging   LoggingConfig   `json:"logging"`
}

// GatewayConfig holds the OneBot websocket endpoint settings.
type GatewayConfig struct {
	WSUrl            string `env:"MANGACLAW_GATEWAY_WS_URL"             json:"ws_url"`
	AccessToken      string `env:"MANGACLAW_GATEWAY_ACCESS_TOKEN"       json:"access_token"`
	ReconnectBaseSec int    `env:"MANGACLAW_GATEWAY_RECONNECT_BASE"     json:"reconnect_base_sec"`
	ReconnectCapSec  int    `env:"MANGACLAW_GATEWAY_RECONNECT_CAP"      json:"reconnect_cap_sec"`
	PingIntervalSec  int    `env:"MANGACLAW_GATEWAY_PING_INTERVAL"      json:"ping_interval_sec"`
	GroupMentionOnly bool   `env:"MANGACLAW_GATEWAY_GROUP_MENTION_ONLY" json:"group_mention_only"`
}

// SourceConfig points the downloader at the comic content source.
type SourceConfig struct {
	APIBase    string `env:"MANGACLAW_SOURCE_API_BASE"   json:"api_base"`
	ImageBase  string `env:"MANGACLAW_SOURCE_IMAGE_BASE" json:"image_base"`
	UserAgent  string `env:"MANGACLAW_SOURCE_USER_AGENT" json:"user_agent,omitempty"`
	Proxy      string `env:"MANGACLAW_SOURCE_PROXY"      json:"proxy,omitempty"`
	TimeoutSec int    `env:"MANGACLAW_SOURCE_TIMEOUT"    json:"timeout_sec"`
}

type DownloadConfig struct {
	StoragePath   string `env:"MANGACLAW_DOWNLOAD_STORAGE_PATH" json:"storage_path"`
	Workers       int    `env:"MANGACLAW_DOWNLOAD_WORKERS"      json:"workers"`
	MaxRetries    int    `env:"MANGACLAW_DOWNLOAD_MAX_RETRIES"  json:"max_retries"`
	RetryDelaySec int    `env:"MANGACLAW_DOWNLOAD_RETRY_DELAY"  json:"retry_delay_sec"`
	QueueSize     int    `env:"MANGACLAW_DOWNLOAD_QUEUE_SIZE"   json:"queue_size"`
}

type AccessConfig struct {
	GroupAllow      FlexibleStringSlice `env:"MANGACLAW_ACCESS_GROUP_ALLOW"      json:"group_allow"`
	UserAllow       FlexibleStringSlice `env:"MANGACLAW_ACCESS_USER_ALLOW"       json:"user_allow"`
	GlobalDeny      FlexibleStringSlice `env:"MANGACLAW_ACCESS_GLOBAL_DENY"      json:"global_deny"`
	DeleteOperators FlexibleStringSlice `env:"MANGACLAW_ACCESS_DELETE_OPERATORS" json:"delete_operators"`
}

// RetentionConfig bounds the in-memory task index. Terminal tasks beyond
// MaxTerminal, or older than TTLMinutes, are evicted by a sweeper that runs
// on the given cron schedule.
type RetentionConfig struct {
	MaxTerminal int    `env:"MANGACLAW_RETENTION_MAX_TERMINAL" json:"max_terminal"`
	TTLMinutes  int    `env:"MANGACLAW_RETENTION_TTL_MINUTES"  json:"ttl_minutes"`
	SweepCron   string `env:"MANGACLAW_RETENTION_SWEEP_CRON"   json:"sweep_cron"`
}

type LowMemoryConfig struct {
	Enabled         bool `env:"MANGACLAW_LOW_MEMORY_ENABLED"      json:"enabled"`
	DeleteDelayMins int  `env:"MANGACLAW_LOW_MEMORY_DELETE_DELAY" json:"delete_delay_minutes"`
}

type LoggingConfig struct {
	Dir   string `env:"MANGACLAW_LOGGING_DIR"   json:"dir"`
	Debug bool   `env:"MANGACLAW_LOGGING_DEBUG" json:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			WSUrl:            "ws://localhost:8080/qq",
			ReconnectBaseSec: 2,
			ReconnectCapSec:  60,
			PingIntervalSec:  30,
			GroupMentionOnly: true,
		},
		Source: SourceConfig{
			TimeoutSec: 60,
		},
		Download: DownloadConfig{
			StoragePath:   "~/.mangaclaw/downloads",
			Workers:       3,
			MaxRetries:    3,
			RetryDelaySec: 10,
			QueueSize:     100,
		},
		Retention: RetentionConfig{
			MaxTerminal: 200,
			TTLMinutes:  24 * 60,
			SweepCron:   "*/30 * * * *",
		},
		LowMemory: LowMemoryConfig{
			DeleteDelayMins: 5,
		},
		Logging: LoggingConfig{
			Dir: "logs",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields the runtime cannot default its way around.
func (c *Config) Validate() error {
	if c.Gateway.WSUrl == "" {
		return errors.New("gateway.ws_url is required")
	}
	if !strings.HasPrefix(c.Gateway.WSUrl, "ws://") && !strings.HasPrefix(c.Gateway.WSUrl, "wss://") {
		return fmt.Errorf("gateway.ws_url must be a ws:// or wss:// URL, got %q", c.Gateway.WSUrl)
	}
	if c.Download.Workers < 1 {
		return errors.New("download.workers must be at least 1")
	}
	if c.Download.MaxRetries < 0 {
		return errors.New("download.max_retries must not be negative")
	}
	if c.Gateway.ReconnectBaseSec < 1 || c.Gateway.ReconnectCapSec < c.Gateway.ReconnectBaseSec {
		return errors.New("gateway reconnect backoff: base must be >= 1 and cap >= base")
	}
	return nil
}

// StoragePath returns the download root with ~ expanded to the home directory.
func (c *Config) StoragePath() string {
	return expandHome(c.Download.StoragePath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
