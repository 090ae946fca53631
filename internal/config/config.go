// Package config loads Noema Forge's configuration from YAML with
// environment-variable overrides, following the same singleton + override
// pattern the rest of the stack expects at boot.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration object. Every subsystem gets its own
// nested struct so ownership stays obvious at a glance.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Runtimes   RuntimesConfig   `yaml:"runtimes"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	X402       X402Config       `yaml:"x402"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig holds both the transactional Postgres DSN (lib/pq) and the
// read-mostly Supabase REST credentials, mirroring the Store's split.
type DatabaseConfig struct {
	PostgresDSN string         `yaml:"postgres_dsn"`
	Supabase    SupabaseConfig `yaml:"supabase"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LedgerConfig struct {
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

type PricingConfig struct {
	PointsPerUSD int64 `yaml:"points_per_usd"`
}

type RuntimesConfig struct {
	ComfyDeploy ComfyDeployConfig `yaml:"comfydeploy"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	VastAI      VastAIConfig      `yaml:"vastai"`
}

type ComfyDeployConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type VastAIConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	SSHPublicKeyPath string `yaml:"ssh_public_key_path"`
	MaxOfferRetries  int    `yaml:"max_offer_retries"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
}

// WebhookConfig configures the per-user webhook dispatcher worker pool.
type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
}

// PubSubConfig for Google Cloud Pub/Sub durable event fan-out.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig enables enqueuing the periodic VastAI orphan-instance
// sweep as a Cloud Tasks HTTP task instead of running it in-process.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

type X402Config struct {
	FacilitatorURL string `yaml:"facilitator_url"`
	PayToAddress   string `yaml:"pay_to_address"`
	Network        string `yaml:"network"`
}

type SchedulerConfig struct {
	DefaultMaxInflight int `yaml:"default_max_inflight"`
	ExportWorkerCount  int `yaml:"export_worker_count"`
}

// SecurityConfig carries the admin CLI's shared secret and API-key hashing
// pepper (used alongside golang.org/x/crypto/bcrypt).
type SecurityConfig struct {
	AdminAPIKey  string `yaml:"admin_api_key"`
	APIKeyPepper string `yaml:"api_key_pepper"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading from CONFIG_PATH (default
// "config.yaml") on first call and applying environment overrides.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

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
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("FORGE_ENV", c.Server.Env)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.PostgresDSN = getEnv("POSTGRES_DSN", c.Database.PostgresDSN)
	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Runtimes.ComfyDeploy.BaseURL = getEnv("COMFYDEPLOY_BASE_URL", c.Runtimes.ComfyDeploy.BaseURL)
	c.Runtimes.ComfyDeploy.APIKey = getEnv("COMFYDEPLOY_API_KEY", c.Runtimes.ComfyDeploy.APIKey)
	c.Runtimes.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", c.Runtimes.OpenAI.BaseURL)
	c.Runtimes.OpenAI.APIKey = getEnv("OPENAI_API_KEY", c.Runtimes.OpenAI.APIKey)
	c.Runtimes.VastAI.BaseURL = getEnv("VASTAI_BASE_URL", c.Runtimes.VastAI.BaseURL)
	c.Runtimes.VastAI.APIKey = getEnv("VASTAI_API_KEY", c.Runtimes.VastAI.APIKey)

	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)
	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.X402.FacilitatorURL = getEnv("X402_FACILITATOR_URL", c.X402.FacilitatorURL)
	c.X402.PayToAddress = getEnv("X402_PAY_TO_ADDRESS", c.X402.PayToAddress)
	c.X402.Network = getEnv("X402_NETWORK", c.X402.Network)

	c.Security.AdminAPIKey = getEnv("INTERNAL_API_KEY_ADMIN", c.Security.AdminAPIKey)
	c.Security.APIKeyPepper = getEnv("API_KEY_PEPPER", c.Security.APIKeyPepper)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Ledger.CacheTTLSec == 0 {
		c.Ledger.CacheTTLSec = 30
	}
	if c.Pricing.PointsPerUSD == 0 {
		c.Pricing.PointsPerUSD = 2800
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "forge-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "forge-vastai-poll"
	}
	if c.Runtimes.VastAI.MaxOfferRetries == 0 {
		c.Runtimes.VastAI.MaxOfferRetries = 3
	}
	if c.Runtimes.VastAI.SweepIntervalSec == 0 {
		c.Runtimes.VastAI.SweepIntervalSec = 300
	}
	if c.Scheduler.DefaultMaxInflight == 0 {
		c.Scheduler.DefaultMaxInflight = 4
	}
	if c.Scheduler.ExportWorkerCount == 0 {
		c.Scheduler.ExportWorkerCount = 2
	}
	if c.X402.Network == "" {
		c.X402.Network = "base-sepolia"
	}
}

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
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
