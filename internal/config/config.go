package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Relay    RelayConfig
	Realtime RealtimeConfig
	AI       AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cache, err := loadCacheConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Storage:  StorageConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Cache:    cache,
		Relay:    loadRelayConfig(),
		Realtime: realtime,
		AI:       ai,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StorageConfig 描述关系型存储；DatabaseURL 为空时使用内存仓库。
type StorageConfig struct {
	DatabaseURL string
}

// CacheConfig 描述 cache-aside 层；RedisAddr 为空时使用进程内缓存。
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PoolSize      int
	Prefix        string
	MessagesTTL   time.Duration
}

func loadCacheConfig() (CacheConfig, error) {
	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return CacheConfig{}, err
	}
	pool, err := parseOptionalIntEnv("REDIS_POOL_SIZE")
	if err != nil {
		return CacheConfig{}, err
	}
	ttl, err := parseDurationEnv("CACHE_MESSAGES_TTL", 5*time.Minute)
	if err != nil {
		return CacheConfig{}, err
	}

	cfg := CacheConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		PoolSize:      10,
		Prefix:        getEnvOrDefault("REDIS_PREFIX", "zchat:"),
		MessagesTTL:   ttl,
	}
	if db != nil {
		cfg.RedisDB = *db
	}
	if pool != nil && *pool > 0 {
		cfg.PoolSize = *pool
	}
	return cfg, nil
}

// RelayConfig 描述跨节点广播；NatsServers 为空时仅单节点投递。
type RelayConfig struct {
	NatsServers []string
	Subject     string
}

func loadRelayConfig() RelayConfig {
	var servers []string
	for _, s := range strings.Split(os.Getenv("NATS_URL"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return RelayConfig{
		NatsServers: servers,
		Subject:     getEnvOrDefault("NATS_SUBJECT", "zchat.broadcast"),
	}
}

// RealtimeConfig 描述 WebSocket 会话参数。
type RealtimeConfig struct {
	OutboxSize   int
	InboundRate  float64
	InboundBurst int
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	cfg := RealtimeConfig{OutboxSize: 256, InboundRate: 20, InboundBurst: 40}

	size, err := parseOptionalIntEnv("WS_OUTBOX_SIZE")
	if err != nil {
		return RealtimeConfig{}, err
	}
	if size != nil && *size > 0 {
		cfg.OutboxSize = *size
	}

	rate, err := parseOptionalFloatEnv("WS_INBOUND_RATE")
	if err != nil {
		return RealtimeConfig{}, err
	}
	if rate != nil && *rate > 0 {
		cfg.InboundRate = *rate
	}

	burst, err := parseOptionalIntEnv("WS_INBOUND_BURST")
	if err != nil {
		return RealtimeConfig{}, err
	}
	if burst != nil && *burst > 0 {
		cfg.InboundBurst = *burst
	}
	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	SystemPrompt   string
	HistoryLimit   int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			historyLimit = 1
		} else {
			historyLimit = *override
		}
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		SystemPrompt:   strings.TrimSpace(os.Getenv("AI_SYSTEM_PROMPT")),
		HistoryLimit:   historyLimit,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
