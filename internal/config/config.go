package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engagement runtime.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Model       ModelConfig       `yaml:"model"`
	Email       EmailConfig       `yaml:"email"`
	SMS         SMSConfig         `yaml:"sms"`
	IMAP        IMAPConfig        `yaml:"imap"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Queue       QueueConfig       `yaml:"queue"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for breaker state, daily caps, and leases.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ModelConfig holds model provider settings for the router.
type ModelConfig struct {
	ProviderKey    string `yaml:"provider_key"`
	Region         string `yaml:"region"`
	SimpleModel    string `yaml:"simple_model"`
	MediumModel    string `yaml:"medium_model"`
	ComplexModel   string `yaml:"complex_model"`
	FallbackModel  string `yaml:"fallback_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// Per-agent overrides: agent kind → model id. An override supersedes
	// the tier pick entirely.
	AgentModelOverrides map[string]string `yaml:"agent_model_overrides"`
	// Per-agent complexity threshold shifts.
	AgentThresholdOverrides map[string]int `yaml:"agent_threshold_overrides"`
}

// Timeout returns the configured model call timeout as a duration.
func (c ModelConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EmailConfig holds the outbound email carrier settings.
type EmailConfig struct {
	Provider       string `yaml:"provider"` // ses or mailgun
	APIKey         string `yaml:"api_key"`
	Domain         string `yaml:"domain"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

// Timeout returns the configured timeout as a duration.
func (c EmailConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMSConfig holds the outbound SMS carrier settings.
type SMSConfig struct {
	AccountSID     string `yaml:"account_sid"`
	AuthToken      string `yaml:"auth_token"`
	FromNumber     string `yaml:"from_number"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SMSConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IMAPConfig holds inbound mailbox scanner settings.
type IMAPConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	User                string `yaml:"user"`
	Password            string `yaml:"password"`
	Mailbox             string `yaml:"mailbox"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// PollInterval returns the mailbox poll interval (default 30s).
func (c IMAPConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Enabled reports whether the IMAP scanner is configured.
func (c IMAPConfig) Enabled() bool {
	return c.Host != "" && c.User != ""
}

// MarketplaceConfig holds partner lead-marketplace settings.
type MarketplaceConfig struct {
	APIURL         string   `yaml:"api_url"`
	APIKey         string   `yaml:"api_key"`
	ValidAPIKeys   []string `yaml:"valid_api_keys"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c MarketplaceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QueueConfig holds job queue tuning.
type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	RetryDelayMs  int `yaml:"retry_delay_ms"`
	MaxRetries    int `yaml:"max_retries"`
	SoftDepth     int `yaml:"soft_depth"`
	HardDepth     int `yaml:"hard_depth"`
}

// RuntimeConfig holds process-level knobs.
type RuntimeConfig struct {
	MemoryLimitMB   int  `yaml:"memory_limit_mb"`
	EnableAgents    bool `yaml:"enable_agents"`
	EnableWebsocket bool `yaml:"enable_websocket"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	// On-by-default features: set before unmarshal so only an explicit
	// "false" in the file or environment turns them off.
	cfg.Runtime.EnableAgents = true
	cfg.Runtime.EnableWebsocket = true
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Model.SimpleModel == "" {
		cfg.Model.SimpleModel = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.Model.MediumModel == "" {
		cfg.Model.MediumModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Model.ComplexModel == "" {
		cfg.Model.ComplexModel = "anthropic.claude-3-opus-20240229-v1:0"
	}
	if cfg.Model.FallbackModel == "" {
		cfg.Model.FallbackModel = cfg.Model.SimpleModel
	}
	if cfg.Model.TimeoutSeconds == 0 {
		cfg.Model.TimeoutSeconds = 15
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "ses"
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 10
	}
	if cfg.SMS.BaseURL == "" {
		cfg.SMS.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	if cfg.SMS.TimeoutSeconds == 0 {
		cfg.SMS.TimeoutSeconds = 10
	}
	if cfg.IMAP.Port == 0 {
		cfg.IMAP.Port = 993
	}
	if cfg.IMAP.Mailbox == "" {
		cfg.IMAP.Mailbox = "INBOX"
	}
	if cfg.Marketplace.TimeoutSeconds == 0 {
		cfg.Marketplace.TimeoutSeconds = 20
	}
	if cfg.Queue.MaxConcurrent == 0 {
		cfg.Queue.MaxConcurrent = 25
	}
	if cfg.Queue.RetryDelayMs == 0 {
		cfg.Queue.RetryDelayMs = 1000
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Queue.SoftDepth == 0 {
		cfg.Queue.SoftDepth = 50000
	}
	if cfg.Queue.HardDepth == 0 {
		cfg.Queue.HardDepth = 100000
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")

	// Model router
	setStr(&cfg.Model.ProviderKey, "MODEL_PROVIDER_KEY")
	setStr(&cfg.Model.SimpleModel, "SIMPLE_MODEL")
	setStr(&cfg.Model.MediumModel, "MEDIUM_MODEL")
	setStr(&cfg.Model.ComplexModel, "COMPLEX_MODEL")
	setStr(&cfg.Model.FallbackModel, "FALLBACK_MODEL")

	// Per-agent model/threshold overrides: MODEL_OVERRIDE_OVERLORD,
	// THRESHOLD_OVERRIDE_SMS, ...
	for _, kind := range []string{"overlord", "email", "sms", "chat"} {
		if v := os.Getenv("MODEL_OVERRIDE_" + strings.ToUpper(kind)); v != "" {
			if cfg.Model.AgentModelOverrides == nil {
				cfg.Model.AgentModelOverrides = map[string]string{}
			}
			cfg.Model.AgentModelOverrides[kind] = v
		}
		if v := os.Getenv("THRESHOLD_OVERRIDE_" + strings.ToUpper(kind)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if cfg.Model.AgentThresholdOverrides == nil {
					cfg.Model.AgentThresholdOverrides = map[string]int{}
				}
				cfg.Model.AgentThresholdOverrides[kind] = n
			}
		}
	}

	// Email carrier
	setStr(&cfg.Email.APIKey, "EMAIL_API_KEY")
	setStr(&cfg.Email.Domain, "EMAIL_DOMAIN")
	setStr(&cfg.Email.FromEmail, "FROM_EMAIL")
	setStr(&cfg.Email.WebhookSecret, "EMAIL_WEBHOOK_SECRET")

	// SMS carrier
	setStr(&cfg.SMS.AccountSID, "SMS_ACCOUNT_SID")
	setStr(&cfg.SMS.AuthToken, "SMS_AUTH_TOKEN")
	setStr(&cfg.SMS.FromNumber, "OUTBOUND_PHONE_NUMBER")

	// IMAP scanner
	setStr(&cfg.IMAP.Host, "IMAP_HOST")
	setInt(&cfg.IMAP.Port, "IMAP_PORT")
	setStr(&cfg.IMAP.User, "IMAP_USER")
	setStr(&cfg.IMAP.Password, "IMAP_PASSWORD")

	// Partner marketplace
	setStr(&cfg.Marketplace.APIURL, "MARKETPLACE_API_URL")
	setStr(&cfg.Marketplace.APIKey, "MARKETPLACE_API_KEY")
	if v := os.Getenv("MARKETPLACE_VALID_API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		cfg.Marketplace.ValidAPIKeys = cfg.Marketplace.ValidAPIKeys[:0]
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Marketplace.ValidAPIKeys = append(cfg.Marketplace.ValidAPIKeys, k)
			}
		}
	}

	// Queue
	setInt(&cfg.Queue.MaxConcurrent, "QUEUE_MAX_CONCURRENT")
	setInt(&cfg.Queue.RetryDelayMs, "QUEUE_RETRY_DELAY_MS")
	setInt(&cfg.Queue.MaxRetries, "QUEUE_MAX_RETRIES")

	// Runtime
	setInt(&cfg.Runtime.MemoryLimitMB, "MEMORY_LIMIT_MB")
	setBool(&cfg.Runtime.EnableAgents, "ENABLE_AGENTS")
	setBool(&cfg.Runtime.EnableWebsocket, "ENABLE_WEBSOCKET")

	return cfg, nil
}
