package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Sentry Go Backend - Configuration with Environment Overrides
// =============================================================================

// Config is the root configuration shared across the broker, gateway
// and agent adapter processes, with a section per concern.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Broker     BrokerConfig     `yaml:"broker"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Agent      AgentConfig      `yaml:"agent"`
	Firewall   FirewallConfig   `yaml:"firewall"`
	Banking    BankingConfig    `yaml:"banking"`
	Capability CapabilityConfig `yaml:"capability"`
	RBAC       RBACConfig       `yaml:"rbac"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Journal    JournalConfig    `yaml:"journal"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Identity   IdentityConfig   `yaml:"identity"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Database   DatabaseConfig   `yaml:"database"`
}

type ServerConfig struct {
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownSec      int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// BrokerConfig configures the ingress broker process.
type BrokerConfig struct {
	Port       string `yaml:"port"`
	AgentURL   string `yaml:"agent_url"`
	MaxTextLen int    `yaml:"max_text_len"`
}

// GatewayConfig configures the egress gateway process.
type GatewayConfig struct {
	Port               string `yaml:"port"`
	UpstreamTimeoutSec int    `yaml:"upstream_timeout_sec"`
	BankingMode        bool   `yaml:"banking_mode"`
}

// AgentConfig configures the agent adapter process.
type AgentConfig struct {
	Port       string `yaml:"port"`
	GatewayURL string `yaml:"gateway_url"`
}

// FirewallConfig tunes the ingress prompt-firewall pipeline.
type FirewallConfig struct {
	PayloadCeilingBytes int `yaml:"payload_ceiling_bytes"`
	ClassifierTimeoutMs int `yaml:"classifier_timeout_ms"`
}

// BankingConfig holds the banking-profile network policy and limits.
type BankingConfig struct {
	Enabled           bool     `yaml:"enabled"`
	NetworkMode       string   `yaml:"network_mode"`
	Allowlist         []string `yaml:"allowlist"`
	Denylist          []string `yaml:"denylist"`
	EmailAPIs         []string `yaml:"email_apis"`
	PaymentMaxAmount  float64  `yaml:"payment_max_amount"`
	PreapprovedOnly   bool     `yaml:"preapproved_only"`
	PreapprovedPayees []string `yaml:"preapproved_payees"`
	OTPExpirySeconds  int      `yaml:"otp_expiry_seconds"`
	OTPMaxAttempts    int      `yaml:"otp_max_attempts"`
	OTPCodeLength     int      `yaml:"otp_code_length"`
}

// CapabilityConfig configures capability-token minting and verification.
type CapabilityConfig struct {
	HMACSecret     string `yaml:"hmac_secret"`
	PrevHMACSecret string `yaml:"prev_hmac_secret"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
}

// RBACConfig selects the caller role-map backend.
type RBACConfig struct {
	Backend     string              `yaml:"backend"` // "static" or "supabase"
	RoleMapPath string              `yaml:"role_map_path"`
	StaticRoles map[string][]string `yaml:"static_roles"`
}

// BaselineConfig tunes the behavioral baseline engine.
type BaselineConfig struct {
	WindowSize           int     `yaml:"window_size"`
	WarmupSamples        int     `yaml:"warmup_samples"`
	HourWarmupSamples    int     `yaml:"hour_warmup_samples"`
	FrequencyAlpha       float64 `yaml:"frequency_alpha"`
	HourAlpha            float64 `yaml:"hour_alpha"`
	PayloadSpikeFactor   float64 `yaml:"payload_spike_factor"`
	FrequencySpikeFactor float64 `yaml:"frequency_spike_factor"`
	HourDeviationHours   int     `yaml:"hour_deviation_hours"`
}

// QuarantineConfig selects the quarantine-set backend.
type QuarantineConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
}

// JournalConfig configures the append-only event journal.
type JournalConfig struct {
	DataDir           string `yaml:"data_dir"`
	PostgresMirrorDSN string `yaml:"postgres_mirror_dsn"`
	PostgresMirrorOn  bool   `yaml:"postgres_mirror_enabled"`
}

// ClassifierConfig configures the optional semantic classifier.
type ClassifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// IdentityConfig configures optional SPIFFE workload-identity checks.
type IdentityConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SocketPath  string `yaml:"socket_path"`
	TrustDomain string `yaml:"trust_domain"`
}

// WebhookConfig configures incident webhook dispatch.
type WebhookConfig struct {
	WorkerCount  int  `yaml:"worker_count"`
	CloudTasksOn bool `yaml:"cloud_tasks_enabled"`
}

// PubSubConfig configures the optional Pub/Sub incident fan-out.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig configures Cloud Tasks-backed webhook delivery.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

// DatabaseConfig holds the optional Supabase connection.
type DatabaseConfig struct {
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton configuration, loading
// CONFIG_PATH (default config.yaml) once and layering environment
// overrides and defaults on top.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("SENTRY_ENV", c.Server.Env)

	c.Broker.Port = getEnv("BROKER_PORT", c.Broker.Port)
	c.Broker.AgentURL = getEnv("AGENT_URL", c.Broker.AgentURL)

	c.Gateway.Port = getEnv("GATEWAY_PORT", c.Gateway.Port)
	c.Gateway.BankingMode = getEnvBool("BANKING_MODE", c.Gateway.BankingMode)

	c.Agent.Port = getEnv("AGENT_PORT", c.Agent.Port)
	c.Agent.GatewayURL = getEnv("GATEWAY_URL", c.Agent.GatewayURL)

	c.Banking.Enabled = getEnvBool("BANKING_MODE", c.Banking.Enabled)

	c.Capability.HMACSecret = getEnv("CAPABILITY_SECRET", c.Capability.HMACSecret)
	c.Capability.PrevHMACSecret = getEnv("CAPABILITY_PREV_SECRET", c.Capability.PrevHMACSecret)
	if v := getEnvInt("CAPABILITY_TTL_SEC", 0); v > 0 {
		c.Capability.TTLSeconds = v
	}

	c.Database.SupabaseURL = getEnv("SUPABASE_URL", c.Database.SupabaseURL)
	c.Database.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.SupabaseServiceKey)

	c.Quarantine.Backend = getEnv("QUARANTINE_BACKEND", c.Quarantine.Backend)
	c.Quarantine.RedisURL = getEnv("QUARANTINE_REDIS_URL", c.Quarantine.RedisURL)

	c.Classifier.Addr = getEnv("CLASSIFIER_ADDR", c.Classifier.Addr)
	c.Classifier.Enabled = getEnvBool("CLASSIFIER_ENABLED", c.Classifier.Enabled)

	c.Identity.SocketPath = getEnv("SPIFFE_SOCKET_PATH", c.Identity.SocketPath)
	c.Identity.Enabled = getEnvBool("SPIFFE_ENABLED", c.Identity.Enabled)
	c.Identity.TrustDomain = getEnv("SPIFFE_TRUST_DOMAIN", c.Identity.TrustDomain)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.Journal.DataDir = getEnv("JOURNAL_DATA_DIR", c.Journal.DataDir)
	c.Journal.PostgresMirrorDSN = getEnv("JOURNAL_POSTGRES_DSN", c.Journal.PostgresMirrorDSN)
	c.Journal.PostgresMirrorOn = getEnvBool("JOURNAL_POSTGRES_ENABLED", c.Journal.PostgresMirrorOn)

	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 15
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Broker.Port == "" {
		c.Broker.Port = "8000"
	}
	if c.Broker.AgentURL == "" {
		c.Broker.AgentURL = "http://agent:7000"
	}
	if c.Broker.MaxTextLen == 0 {
		c.Broker.MaxTextLen = 10000
	}
	if c.Gateway.Port == "" {
		c.Gateway.Port = "9000"
	}
	if c.Gateway.UpstreamTimeoutSec == 0 {
		c.Gateway.UpstreamTimeoutSec = 3
	}
	if c.Agent.Port == "" {
		c.Agent.Port = "7000"
	}
	if c.Agent.GatewayURL == "" {
		c.Agent.GatewayURL = "http://gateway:9000"
	}
	if c.Firewall.PayloadCeilingBytes == 0 {
		c.Firewall.PayloadCeilingBytes = 10000
	}
	if c.Firewall.ClassifierTimeoutMs == 0 {
		c.Firewall.ClassifierTimeoutMs = 2000
	}
	if c.Banking.NetworkMode == "" {
		c.Banking.NetworkMode = "deny_by_default"
	}
	if len(c.Banking.Allowlist) == 0 {
		c.Banking.Allowlist = []string{"core-banking.internal", "payments.internal"}
	}
	if len(c.Banking.Denylist) == 0 {
		c.Banking.Denylist = []string{"pastebin.com", "filebin.net", "ipfs.io"}
	}
	if len(c.Banking.EmailAPIs) == 0 {
		c.Banking.EmailAPIs = []string{"api.sendgrid.com", "smtp.gmail.com"}
	}
	if c.Banking.PaymentMaxAmount == 0 {
		c.Banking.PaymentMaxAmount = 5000
	}
	if c.Banking.OTPExpirySeconds == 0 {
		c.Banking.OTPExpirySeconds = 300
	}
	if c.Banking.OTPMaxAttempts == 0 {
		c.Banking.OTPMaxAttempts = 3
	}
	if c.Banking.OTPCodeLength == 0 {
		c.Banking.OTPCodeLength = 6
	}
	if c.Capability.TTLSeconds == 0 {
		c.Capability.TTLSeconds = 300
	}
	if c.Capability.Issuer == "" {
		c.Capability.Issuer = "broker"
	}
	if c.Capability.Audience == "" {
		c.Capability.Audience = "agent"
	}
	if c.Capability.HMACSecret == "" {
		c.Capability.HMACSecret = "dev-secret-change-me"
	}
	if c.RBAC.Backend == "" {
		c.RBAC.Backend = "static"
	}
	if c.RBAC.RoleMapPath == "" {
		c.RBAC.RoleMapPath = "rbac.yaml"
	}
	if c.Baseline.WindowSize == 0 {
		c.Baseline.WindowSize = 100
	}
	if c.Baseline.WarmupSamples == 0 {
		c.Baseline.WarmupSamples = 10
	}
	if c.Baseline.HourWarmupSamples == 0 {
		c.Baseline.HourWarmupSamples = 15
	}
	if c.Baseline.FrequencyAlpha == 0 {
		c.Baseline.FrequencyAlpha = 0.1
	}
	if c.Baseline.HourAlpha == 0 {
		c.Baseline.HourAlpha = 0.1
	}
	if c.Baseline.PayloadSpikeFactor == 0 {
		c.Baseline.PayloadSpikeFactor = 3.0
	}
	if c.Baseline.FrequencySpikeFactor == 0 {
		c.Baseline.FrequencySpikeFactor = 5.0
	}
	if c.Baseline.HourDeviationHours == 0 {
		c.Baseline.HourDeviationHours = 3
	}
	if c.Quarantine.Backend == "" {
		c.Quarantine.Backend = "memory"
	}
	if c.Journal.DataDir == "" {
		c.Journal.DataDir = "data"
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "sentry-incidents"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "sentry-webhooks"
	}
	if c.Identity.TrustDomain == "" {
		c.Identity.TrustDomain = "spiffe://sentry.local"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}
