package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// CORS / WebSocket origin allow-list. "*" allows any origin.
	CORSAllowedOrigins []string

	// Optional shared secret required on the WebSocket upgrade.
	RelayAuthToken string

	// SSH
	SSHAuthTimeout      time.Duration
	SSHKnownHosts       string
	SSHRequireHostKey   bool
	TerminalIdleTimeout time.Duration

	// WebSocket limits
	WSMaxMessageBytes int64
	WSMessageRate     float64
	WSMessageBurst    int

	// Redis (optional; enables the audit queue)
	RedisURL  string
	RedisAddr string // host:port format for Asynq

	MetricsEnabled bool
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnvAsInt("PORT", 8080),
		Env:                 getEnv("ENV", "development"),
		Version:             getEnv("VERSION", "0.1.0"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		CORSAllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		RelayAuthToken:      getEnv("RELAY_AUTH_TOKEN", ""),
		SSHAuthTimeout:      getEnvAsDuration("SSH_AUTH_TIMEOUT", 20*time.Second),
		SSHKnownHosts:       getEnv("SSH_KNOWN_HOSTS", ""),
		SSHRequireHostKey:   getEnvAsBool("SSH_REQUIRE_HOST_KEY", false),
		TerminalIdleTimeout: getEnvAsDuration("TERMINAL_IDLE_TIMEOUT", 30*time.Minute),
		WSMaxMessageBytes:   int64(getEnvAsInt("WS_MAX_MESSAGE_BYTES", 64*1024)),
		WSMessageRate:       getEnvAsFloat("WS_MESSAGE_RATE", 100),
		WSMessageBurst:      getEnvAsInt("WS_MESSAGE_BURST", 200),
		RedisURL:            getEnv("REDIS_URL", ""),
		MetricsEnabled:      getEnvAsBool("METRICS_ENABLED", true),
	}

	if cfg.RedisURL != "" {
		cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.SSHAuthTimeout <= 0 {
		return fmt.Errorf("config: SSH_AUTH_TIMEOUT must be positive")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("config: WS_MAX_MESSAGE_BYTES must be positive")
	}
	if c.WSMessageRate <= 0 || c.WSMessageBurst <= 0 {
		return fmt.Errorf("config: WS_MESSAGE_RATE and WS_MESSAGE_BURST must be positive")
	}
	return nil
}

// AllowAnyOrigin reports whether the origin allow-list is the wildcard.
func (c *Config) AllowAnyOrigin() bool {
	for _, o := range c.CORSAllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration syntax ("20s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// parseRedisAddr extracts host:port from Redis URL
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	// If no port specified, add default Redis port
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}

	return addr
}

// DevSSHD configures the development SSH target (cmd/devsshd).
type DevSSHD struct {
	ListenAddr string
	Username   string
	Password   string
	DataDir    string
	Shell      string
	LogLevel   string
}

func LoadDevSSHD() (*DevSSHD, error) {
	_ = godotenv.Load()

	cfg := &DevSSHD{
		ListenAddr: getEnv("DEVSSHD_ADDR", "127.0.0.1:2222"),
		Username:   getEnv("DEVSSHD_USER", "dev"),
		Password:   getEnv("DEVSSHD_PASSWORD", ""),
		DataDir:    getEnv("DEVSSHD_DATA_DIR", ".devsshd"),
		Shell:      getEnv("DEVSSHD_SHELL", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("config: DEVSSHD_PASSWORD is required")
	}
	return cfg, nil
}
