package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string                   `toml:"environment"` // "development" or "production"
	Scheduler   SchedulerConfig          `toml:"scheduler"`
	Jobs        map[string]JobTypeConfig `toml:"jobs"`      // keyed by job type, e.g. [jobs.deep-research]
	Schedules   []ScheduleConfig         `toml:"schedules"` // recurring jobs seeded at startup
	Storage     StorageConfig            `toml:"storage"`
	LLM         LLMConfig                `toml:"llm"`
	Gemini      GeminiConfig             `toml:"gemini"`
	Claude      ClaudeConfig             `toml:"claude"`
	Offline     OfflineConfig            `toml:"offline"`
	Pricing     map[string]PricingConfig `toml:"pricing"` // keyed by model name
	Pipeline    PipelineConfig           `toml:"pipeline"`
	Metrics     MetricsConfig            `toml:"metrics"`
	Events      EventsConfig             `toml:"events"`
	GitHub      GitHubConfig             `toml:"github"`
	Logging     LoggingConfig            `toml:"logging"`
}

type SchedulerConfig struct {
	PollInterval    string `toml:"poll_interval"`    // e.g. "10s" - how often due jobs are claimed
	LockLifetime    string `toml:"lock_lifetime"`    // lease duration before a job is reclaimable
	MaxConcurrency  int    `toml:"max_concurrency"`  // global cap on jobs running in this process
	MaxAttempts     int    `toml:"max_attempts"`     // claims before an abandoned job is failed
	ShutdownTimeout string `toml:"shutdown_timeout"` // wait for in-flight jobs on Stop
	OwnerID         string `toml:"owner_id"`         // lease owner identity, generated when empty
}

// JobTypeConfig holds per job type overrides
type JobTypeConfig struct {
	Concurrency  int    `toml:"concurrency"`
	LockLifetime string `toml:"lock_lifetime"`
}

// ScheduleConfig declares a recurring job
type ScheduleConfig struct {
	Key        string `toml:"key"`
	Type       string `toml:"type"`
	Expression string `toml:"expression"` // cron, "@every 1h" or a bare duration "1h"
	Priority   string `toml:"priority"`
	Data       string `toml:"data"` // JSON payload
	Enabled    bool   `toml:"enabled"`
}

type StorageConfig struct {
	Type     string         `toml:"type"` // "badger" or "postgres"
	Badger   BadgerConfig   `toml:"badger"`
	Postgres PostgresConfig `toml:"postgres"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path             string `toml:"path"`
	ResetOnStartup   bool   `toml:"reset_on_startup"`
	InMemory         bool   `toml:"in_memory"`
	ValueLogFileSize int64  `toml:"value_log_file_size"`
}

type PostgresConfig struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
	// LLMProviderOffline uses a local model server with streamed NDJSON responses
	LLMProviderOffline LLMProvider = "offline"
)

// LLMConfig contains shared configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"`
	Timeout         string      `toml:"timeout"`          // per-call deadline
	MaxRetries      int         `toml:"max_retries"`      // transient retries after the first attempt
	InitialBackoff  string      `toml:"initial_backoff"`  // first retry delay
	MaxBackoff      string      `toml:"max_backoff"`      // backoff cap
	BackoffStrategy string      `toml:"backoff_strategy"` // "linear" or "exponential"
	Multiplier      float64     `toml:"multiplier"`       // exponential growth factor
	RateLimit       string      `toml:"rate_limit"`       // minimum interval between calls, "0" disables
	Temperature     float64     `toml:"temperature"`
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

// OfflineConfig points at a local model server speaking streamed NDJSON
type OfflineConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// PricingConfig is USD per million tokens
type PricingConfig struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

type PipelineConfig struct {
	MaxSteps             int `toml:"max_steps"`
	ContextSentences     int `toml:"context_sentences"`      // salient sentences kept per prior step
	StepMaxTokens        int `toml:"step_max_tokens"`        // soft budget per step
	SynthesisMaxTokens   int `toml:"synthesis_max_tokens"`   // soft budget for synthesis
	DeliverableMaxTokens int `toml:"deliverable_max_tokens"` // soft budget per deliverable
	ChunkSize            int `toml:"chunk_size"`             // characters per document section
}

type MetricsConfig struct {
	CostAlertThresholdUSD float64 `toml:"cost_alert_threshold_usd"`
	Retention             string  `toml:"retention"`      // prune orphaned metrics older than this
	PruneInterval         string  `toml:"prune_interval"` // how often the sweep prunes
}

type EventsConfig struct {
	Transports       []string        `toml:"transports"` // "log", "websocket", "redis"
	ProgressThrottle string          `toml:"progress_throttle"`
	Redis            RedisConfig     `toml:"redis"`
	WebSocket        WebSocketConfig `toml:"websocket"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

type WebSocketConfig struct {
	Addr string `toml:"addr"` // listen address for the event stream, e.g. ":8090"
	Path string `toml:"path"`
}

type GitHubConfig struct {
	Token string `toml:"token"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // debug|info|warn|error
	Format string   `toml:"format"` // text|json
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Scheduler: SchedulerConfig{
			PollInterval:    "10s",
			LockLifetime:    "10m",
			MaxConcurrency:  8,
			MaxAttempts:     3,
			ShutdownTimeout: "30s",
		},
		Jobs: map[string]JobTypeConfig{
			"deep-research":       {Concurrency: 2},
			"document-summary":    {Concurrency: 4},
			"repository-analysis": {Concurrency: 2},
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
			Timeout:         "2m",
			MaxRetries:      3,
			InitialBackoff:  "1s",
			MaxBackoff:      "30s",
			BackoffStrategy: "exponential",
			Multiplier:      2.0,
			RateLimit:       "1s",
			Temperature:     0.7,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
		},
		Claude: ClaudeConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
		},
		Offline: OfflineConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Pricing: map[string]PricingConfig{
			"gemini-2.5-flash":  {InputPerMillion: 0.30, OutputPerMillion: 2.50},
			"gemini-2.5-pro":    {InputPerMillion: 1.25, OutputPerMillion: 10.00},
			"claude-sonnet-4-5": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
			"claude-haiku-4-5":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
		},
		Pipeline: PipelineConfig{
			MaxSteps:             8,
			ContextSentences:     3,
			StepMaxTokens:        2048,
			SynthesisMaxTokens:   4096,
			DeliverableMaxTokens: 4096,
			ChunkSize:            4000,
		},
		Metrics: MetricsConfig{
			CostAlertThresholdUSD: 1.0,
			Retention:             "720h",
			PruneInterval:         "1h",
		},
		Events: EventsConfig{
			Transports:       []string{"log"},
			ProgressThrottle: "500ms",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "taskforge:events",
			},
			WebSocket: WebSocketConfig{
				Addr: ":8090",
				Path: "/ws",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by the caller.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies TASKFORGE_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TASKFORGE_ENV"); env != "" {
		config.Environment = env
	}

	// Scheduler
	if v := os.Getenv("TASKFORGE_SCHEDULER_POLL_INTERVAL"); v != "" {
		config.Scheduler.PollInterval = v
	}
	if v := os.Getenv("TASKFORGE_SCHEDULER_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxConcurrency = n
		}
	}
	if v := os.Getenv("TASKFORGE_SCHEDULER_OWNER_ID"); v != "" {
		config.Scheduler.OwnerID = v
	}

	// Storage
	if v := os.Getenv("TASKFORGE_STORAGE_TYPE"); v != "" {
		config.Storage.Type = v
	}
	if v := os.Getenv("TASKFORGE_STORAGE_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("TASKFORGE_STORAGE_POSTGRES_URL"); v != "" {
		config.Storage.Postgres.URL = v
	}

	// LLM providers, with the vendor variables as fallbacks
	if v := os.Getenv("TASKFORGE_LLM_DEFAULT_PROVIDER"); v != "" {
		config.LLM.DefaultProvider = LLMProvider(v)
	}
	if v := firstEnv("TASKFORGE_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := firstEnv("TASKFORGE_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"); v != "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("TASKFORGE_OFFLINE_BASE_URL"); v != "" {
		config.Offline.BaseURL = v
	}

	// Events
	if v := os.Getenv("TASKFORGE_EVENTS_TRANSPORTS"); v != "" {
		config.Events.Transports = splitList(v)
	}
	if v := os.Getenv("TASKFORGE_EVENTS_REDIS_ADDR"); v != "" {
		config.Events.Redis.Addr = v
	}

	if v := firstEnv("TASKFORGE_GITHUB_TOKEN", "GITHUB_TOKEN"); v != "" {
		config.GitHub.Token = v
	}

	if v := os.Getenv("TASKFORGE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, storageType, logLevel string) {
	if storageType != "" {
		config.Storage.Type = storageType
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks values that cannot be defaulted sensibly
func (c *Config) Validate() error {
	durations := map[string]string{
		"scheduler.poll_interval":    c.Scheduler.PollInterval,
		"scheduler.lock_lifetime":    c.Scheduler.LockLifetime,
		"scheduler.shutdown_timeout": c.Scheduler.ShutdownTimeout,
		"llm.timeout":                c.LLM.Timeout,
		"llm.initial_backoff":        c.LLM.InitialBackoff,
		"llm.max_backoff":            c.LLM.MaxBackoff,
		"metrics.retention":          c.Metrics.Retention,
		"metrics.prune_interval":     c.Metrics.PruneInterval,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	switch c.Storage.Type {
	case "badger", "postgres":
	default:
		return fmt.Errorf("invalid storage.type %q: expected badger or postgres", c.Storage.Type)
	}

	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}

	for _, s := range c.Schedules {
		if s.Key == "" || s.Type == "" {
			return fmt.Errorf("schedule requires key and type")
		}
		if err := ValidateScheduleExpression(s.Expression); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Key, err)
		}
	}

	return nil
}

// JobConcurrency returns the configured concurrency for a job type (minimum 1)
func (c *Config) JobConcurrency(jobType string) int {
	if jc, ok := c.Jobs[jobType]; ok && jc.Concurrency > 0 {
		return jc.Concurrency
	}
	return 1
}

// JobLockLifetime returns the lease lifetime for a job type, falling back to the scheduler default
func (c *Config) JobLockLifetime(jobType string) time.Duration {
	if jc, ok := c.Jobs[jobType]; ok && jc.LockLifetime != "" {
		return ParseDurationOr(jc.LockLifetime, 10*time.Minute)
	}
	return ParseDurationOr(c.Scheduler.LockLifetime, 10*time.Minute)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ParseSchedule parses a recurring expression. Accepts standard 5-field cron,
// descriptors such as "@every 1h" and "@daily", or a bare Go duration.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule expression")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", expr)
		}
		return cron.Every(d), nil
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// ValidateScheduleExpression validates a recurring schedule expression
func ValidateScheduleExpression(expr string) error {
	_, err := ParseSchedule(expr)
	return err
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
