package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hirefetch/harvester/internal/auth"
)

// Config is resolved from defaults, then an optional YAML file, then the
// environment. Later sources win.
type Config struct {
	NodeID   string `yaml:"node_id"`
	HTTPPort int    `yaml:"http_port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	OutputDir string `yaml:"output_dir"`
	// DataDir holds the badger archive; empty keeps records in memory.
	DataDir string `yaml:"data_dir"`

	RateLimitCalls  int           `yaml:"rate_limit_calls"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`

	JobLogCap      int           `yaml:"job_log_cap"`
	EventCap       int           `yaml:"event_cap"`
	LoginTimeout   time.Duration `yaml:"login_timeout"`
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	RetainTerminal time.Duration `yaml:"retain_terminal"`

	PlatformBaseURL  string        `yaml:"platform_base_url"`
	PlatformListPath string        `yaml:"platform_list_path"`
	SessionCookies   []string      `yaml:"session_cookies"`
	DefaultCookies   string        `yaml:"default_cookies"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ExcludeNotHired  bool          `yaml:"exclude_not_hired"`
}

func Default() *Config {
	return &Config{
		NodeID:           "harvester-default",
		HTTPPort:         8000,
		LogLevel:         "info",
		OutputDir:        "resumes",
		DataDir:          "data",
		RateLimitCalls:   80,
		RateLimitWindow:  60 * time.Second,
		RetryAttempts:    3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    30 * time.Second,
		JobLogCap:        200,
		EventCap:         1000,
		CancelGrace:      30 * time.Second,
		RetainTerminal:   24 * time.Hour,
		PlatformBaseURL:  "https://app.jazz.co",
		PlatformListPath: "/app/v2/job/%s/candidates",
		RequestTimeout:   60 * time.Second,
		ExcludeNotHired:  true,
	}
}

// Load reads .env when present, then the YAML file named by path or
// HARVEST_CONFIG, then the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c := Default()
	if path == "" {
		path = os.Getenv("HARVEST_CONFIG")
	}
	if path != "" {
		if err := c.readFile(path); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)

	c.RateLimitCalls = getEnvInt("RATE_LIMIT_CALLS", c.RateLimitCalls)
	c.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	c.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", c.RetryAttempts)
	c.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", c.RetryMaxDelay)

	c.JobLogCap = getEnvInt("JOB_LOG_CAP", c.JobLogCap)
	c.EventCap = getEnvInt("EVENT_CAP", c.EventCap)
	c.LoginTimeout = getEnvDuration("LOGIN_TIMEOUT", c.LoginTimeout)
	c.CancelGrace = getEnvDuration("CANCEL_GRACE", c.CancelGrace)
	c.RetainTerminal = getEnvDuration("RETAIN_TERMINAL", c.RetainTerminal)

	c.PlatformBaseURL = getEnv("PLATFORM_BASE_URL", c.PlatformBaseURL)
	c.PlatformListPath = getEnv("PLATFORM_LIST_PATH", c.PlatformListPath)
	if v := os.Getenv("SESSION_COOKIES"); v != "" {
		c.SessionCookies = splitList(v)
	}
	c.DefaultCookies = getEnv("HARVEST_COOKIES", c.DefaultCookies)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.ExcludeNotHired = getEnvBool("EXCLUDE_NOT_HIRED", c.ExcludeNotHired)
}

func (c *Config) Validate() error {
	var problems []string
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("http port %d out of range", c.HTTPPort))
	}
	if c.OutputDir == "" {
		problems = append(problems, "output dir is required")
	}
	if c.RateLimitCalls < 0 {
		problems = append(problems, "rate limit calls must not be negative")
	}
	if c.RateLimitWindow <= 0 {
		problems = append(problems, "rate limit window must be positive")
	}
	if c.RetryAttempts < 1 {
		problems = append(problems, "retry attempts must be at least 1")
	}
	if c.LoginTimeout < 0 {
		problems = append(problems, "login timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Credentials parses DefaultCookies. An empty value yields no credentials.
func (c *Config) Credentials() ([]auth.Credential, error) {
	if strings.TrimSpace(c.DefaultCookies) == "" {
		return nil, nil
	}
	return auth.ParseCredentials([]byte(c.DefaultCookies))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
