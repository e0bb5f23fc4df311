// Package config loads and validates the options enumerated in the
// platform's external-interfaces section, with the defaults specified
// there. Every field is overridable by the environment variable that
// Load reads for it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the orchestrator core recognizes.
type Config struct {
	MaxConcurrent int

	TTLMinutes       int
	ExtensionMinutes int

	PortRangeAPIMin   int
	PortRangeAPIMax   int
	PortRangeHTTPMin  int
	PortRangeHTTPMax  int
	PortRangeHTTPSMin int
	PortRangeHTTPSMax int

	SandboxMemoryMiB int64
	SandboxCPU       float64
	SandboxPIDMax    int64

	RateLimitSessionStartPerHour int
	RateLimitAuthPerMinute       int
	RateLimitGeneralPerMinute    int

	ReadinessPollInterval time.Duration
	ExpireTick            time.Duration
	SweepTick             time.Duration
	HeartbeatInterval     time.Duration

	DefaultTasksPerSession int

	DBPath     string
	JWTSecret  string
	NATSURL    string
	RedisAddr  string
	LogLevel   string
	LogPretty  bool
	HTTPAddr   string
	DockerHost string
	Network    string
}

// Load reads configuration from the environment, applying defaults
// wherever a variable is unset, then validates the result.
func Load() (*Config, error) {
	c := &Config{
		MaxConcurrent:                 envInt("MAX_CONCURRENT", 8),
		TTLMinutes:                    envInt("TTL_MINUTES", 60),
		ExtensionMinutes:              envInt("EXTENSION_MINUTES", 30),
		PortRangeAPIMin:               envInt("PORT_RANGE_API_MIN", 30000),
		PortRangeAPIMax:               envInt("PORT_RANGE_API_MAX", 39999),
		PortRangeHTTPMin:              envInt("PORT_RANGE_HTTP_MIN", 40000),
		PortRangeHTTPMax:              envInt("PORT_RANGE_HTTP_MAX", 44999),
		PortRangeHTTPSMin:             envInt("PORT_RANGE_HTTPS_MIN", 45000),
		PortRangeHTTPSMax:             envInt("PORT_RANGE_HTTPS_MAX", 49999),
		SandboxMemoryMiB:              envInt64("SANDBOX_MEMORY_MIB", 512),
		SandboxCPU:                    envFloat("SANDBOX_CPU", 0.5),
		SandboxPIDMax:                 envInt64("SANDBOX_PID_MAX", 100),
		RateLimitSessionStartPerHour:  envInt("RATE_LIMIT_SESSION_START_PER_HOUR", 3),
		RateLimitAuthPerMinute:        envInt("RATE_LIMIT_AUTH_PER_MINUTE", 10),
		RateLimitGeneralPerMinute:     envInt("RATE_LIMIT_GENERAL_PER_MINUTE", 100),
		ReadinessPollInterval:         envDuration("READINESS_POLL_INTERVAL", 2*time.Second),
		ExpireTick:                    envDuration("EXPIRE_TICK", 30*time.Second),
		SweepTick:                     envDuration("SWEEP_TICK", 5*time.Minute),
		HeartbeatInterval:             envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		DefaultTasksPerSession:        envInt("DEFAULT_TASKS_PER_SESSION", 20),
		DBPath:                        envString("DB_PATH", "ckad-orchestrator.db"),
		JWTSecret:                     envString("JWT_SECRET", ""),
		NATSURL:                       envString("NATS_URL", ""),
		RedisAddr:                     envString("REDIS_ADDR", "localhost:6379"),
		LogLevel:                      envString("LOG_LEVEL", "info"),
		LogPretty:                     envString("LOG_PRETTY", "false") == "true",
		HTTPAddr:                      envString("HTTP_ADDR", ":8080"),
		DockerHost:                    envString("DOCKER_HOST", ""),
		Network:                       envString("ORCHESTRATOR_NETWORK", "ckad-orchestrator"),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}
	if c.TTLMinutes <= 0 || c.ExtensionMinutes <= 0 {
		return fmt.Errorf("config: TTL_MINUTES and EXTENSION_MINUTES must be positive")
	}
	ranges := [][2]int{
		{c.PortRangeAPIMin, c.PortRangeAPIMax},
		{c.PortRangeHTTPMin, c.PortRangeHTTPMax},
		{c.PortRangeHTTPSMin, c.PortRangeHTTPSMax},
	}
	for _, r := range ranges {
		if r[0] <= 0 || r[1] <= 0 || r[0] > r[1] {
			return fmt.Errorf("config: invalid port range [%d,%d]", r[0], r[1])
		}
	}
	if overlaps(ranges[0], ranges[1]) || overlaps(ranges[0], ranges[2]) || overlaps(ranges[1], ranges[2]) {
		return fmt.Errorf("config: port ranges must be disjoint")
	}
	if c.SandboxMemoryMiB <= 0 || c.SandboxCPU <= 0 || c.SandboxPIDMax <= 0 {
		return fmt.Errorf("config: sandbox resource caps must be positive")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET must be set")
	}
	return nil
}

func overlaps(a, b [2]int) bool {
	return a[0] <= b[1] && b[0] <= a[1]
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
