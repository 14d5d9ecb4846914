package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/huddle/internal/history"
)

// History drivers accepted by HistoryConfig.Driver.
const (
	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
	HistoryRedis  = "redis"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// HistoryConfig selects and configures the message log backend.
type HistoryConfig struct {
	Driver     string
	SQLitePath string
	RedisAddr  string
	RedisKey   string
	Max        int
}

// Config holds the server configuration settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	// MaxMessageSize caps a single websocket frame in bytes.
	MaxMessageSize int64
	// MaxMessageLength caps chat content in runes.
	MaxMessageLength  int
	MaxUsernameLength int
	RateLimit         RateLimitConfig
	TypingTimeout     time.Duration
	// HistoryOnJoin is how many recent messages a joiner receives. Zero disables it.
	HistoryOnJoin     int
	DedupWindow       int
	DedupTTL          time.Duration
	MaxProtocolErrors int
	LogLevel          string
	LogFormat         string
	History           HistoryConfig
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:    16 * 1024,
		MaxMessageLength:  5000,
		MaxUsernameLength: 50,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		TypingTimeout:     3 * time.Second,
		HistoryOnJoin:     50,
		DedupWindow:       256,
		DedupTTL:          5 * time.Minute,
		MaxProtocolErrors: 3,
		LogLevel:          "info",
		LogFormat:         "console",
		History: HistoryConfig{
			Driver:     HistoryMemory,
			SQLitePath: "huddle.db",
			RedisAddr:  "localhost:6379",
			RedisKey:   history.DefaultRedisKey,
			Max:        1000,
		},
	}
}

// sanitize replaces unusable values with defaults.
func (c Config) sanitize() Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = def.MaxMessageLength
	}
	if c.MaxUsernameLength <= 0 {
		c.MaxUsernameLength = def.MaxUsernameLength
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = def.TypingTimeout
	}
	if c.HistoryOnJoin < 0 {
		c.HistoryOnJoin = 0
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = def.DedupTTL
	}
	if c.MaxProtocolErrors <= 0 {
		c.MaxProtocolErrors = def.MaxProtocolErrors
	}

	switch strings.ToLower(c.History.Driver) {
	case HistoryMemory, HistorySQLite, HistoryRedis:
		c.History.Driver = strings.ToLower(c.History.Driver)
	default:
		c.History.Driver = def.History.Driver
	}
	if c.History.Max <= 0 {
		c.History.Max = def.History.Max
	}
	if c.History.RedisKey == "" {
		c.History.RedisKey = def.History.RedisKey
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if length := os.Getenv("MAX_MESSAGE_LENGTH"); length != "" {
		cfg.MaxMessageLength = parseIntValue(length, cfg.MaxMessageLength)
	}
	if length := os.Getenv("MAX_USERNAME_LENGTH"); length != "" {
		cfg.MaxUsernameLength = parseIntValue(length, cfg.MaxUsernameLength)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if timeout := os.Getenv("TYPING_TIMEOUT_MS"); timeout != "" {
		cfg.TypingTimeout = parseMillis(timeout, cfg.TypingTimeout)
	}
	if onJoin := os.Getenv("HISTORY_ON_JOIN"); onJoin != "" {
		cfg.HistoryOnJoin = parseNonNegative(onJoin, cfg.HistoryOnJoin)
	}
	if window := os.Getenv("DEDUP_WINDOW"); window != "" {
		cfg.DedupWindow = parseIntValue(window, cfg.DedupWindow)
	}
	if ttl := os.Getenv("DEDUP_TTL_SECONDS"); ttl != "" {
		cfg.DedupTTL = parseSeconds(ttl, cfg.DedupTTL)
	}
	if strikes := os.Getenv("MAX_PROTOCOL_ERRORS"); strikes != "" {
		cfg.MaxProtocolErrors = parseIntValue(strikes, cfg.MaxProtocolErrors)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if driver := os.Getenv("HISTORY_DRIVER"); driver != "" {
		cfg.History.Driver = strings.ToLower(strings.TrimSpace(driver))
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.History.SQLitePath = path
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.History.RedisAddr = addr
	}
	if key := os.Getenv("REDIS_KEY"); key != "" {
		cfg.History.RedisKey = key
	}
	if maxRecords := os.Getenv("HISTORY_MAX"); maxRecords != "" {
		cfg.History.Max = parseIntValue(maxRecords, cfg.History.Max)
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseNonNegative(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseMillis(value string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
