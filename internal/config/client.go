package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig 描述客户端 SDK 的投递与展示参数。
type ClientConfig struct {
	ServerURL      string        `toml:"server_url"`
	UserID         string        `toml:"user_id"`
	PendingPath    string        `toml:"pending_path"`
	HistoryPath    string        `toml:"history_path"`
	AckTimeout     time.Duration `toml:"ack_timeout"`
	ReplayDelay    time.Duration `toml:"replay_delay"`
	MaxRetries     int           `toml:"max_retries"`
	PurgeInterval  time.Duration `toml:"purge_interval"`
	PendingMaxAge  time.Duration `toml:"pending_max_age"`
	RevealInterval time.Duration `toml:"reveal_interval"`
	ProbeInterval  time.Duration `toml:"probe_interval"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://localhost:8080",
		PendingPath:    "./data/pending",
		HistoryPath:    "./data/history",
		AckTimeout:     8 * time.Second,
		ReplayDelay:    500 * time.Millisecond,
		MaxRetries:     3,
		PurgeInterval:  30 * time.Second,
		PendingMaxAge:  24 * time.Hour,
		RevealInterval: 40 * time.Millisecond,
		ProbeInterval:  5 * time.Second,
	}
}

// LoadClient 依次叠加默认值、可选的 TOML 文件和环境变量，后者优先。
func LoadClient(path string) (*ClientConfig, error) {
	cfg := defaultClientConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode client config %s: %w", path, err)
		}
	}

	cfg.ServerURL = strings.TrimRight(getEnvOrDefault("CHAT_SERVER_URL", cfg.ServerURL), "/")
	cfg.UserID = getEnvOrDefault("CHAT_USER_ID", strings.TrimSpace(cfg.UserID))
	cfg.PendingPath = getEnvOrDefault("CHAT_PENDING_PATH", cfg.PendingPath)
	cfg.HistoryPath = getEnvOrDefault("CHAT_HISTORY_PATH", cfg.HistoryPath)
	if cfg.UserID == "" {
		return nil, fmt.Errorf("CHAT_USER_ID is required")
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHAT_ACK_TIMEOUT", &cfg.AckTimeout},
		{"CHAT_REPLAY_DELAY", &cfg.ReplayDelay},
		{"CHAT_PURGE_INTERVAL", &cfg.PurgeInterval},
		{"CHAT_PENDING_MAX_AGE", &cfg.PendingMaxAge},
		{"CHAT_REVEAL_INTERVAL", &cfg.RevealInterval},
		{"CHAT_PROBE_INTERVAL", &cfg.ProbeInterval},
	}
	for _, d := range durations {
		val, err := parseDurationEnv(d.key, *d.dst)
		if err != nil {
			return nil, err
		}
		if val <= 0 {
			return nil, fmt.Errorf("invalid %s value %s: must be positive", d.key, val)
		}
		*d.dst = val
	}

	retries, err := parseOptionalIntEnv("CHAT_MAX_RETRIES")
	if err != nil {
		return nil, err
	}
	if retries != nil && *retries > 0 {
		cfg.MaxRetries = *retries
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max_retries must be positive, got %d", cfg.MaxRetries)
	}
	return &cfg, nil
}
