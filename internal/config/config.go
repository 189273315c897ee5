// Package config loads gatewayd configuration from a YAML file with
// environment-variable overrides and sane defaults.
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
// gatewayd configuration
// =============================================================================

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Database      DatabaseConfig      `yaml:"database"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Results       ResultsConfig       `yaml:"results"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Auth          AuthConfig          `yaml:"auth"`
	Continuations ContinuationsConfig `yaml:"continuations"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	Secrets       SecretsConfig       `yaml:"secrets"`
}

type ServerConfig struct {
	Port            string   `yaml:"port"`
	GRPCPort        string   `yaml:"grpc_port"`
	Env             string   `yaml:"env"`
	EdgeID          string   `yaml:"edge_id"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// RedisConfig backs the bus, route registry, reply keys, and presence sets.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig for the tenant-scoped repository (organizations, executors,
// sessions, events, workspaces, secrets — treated as an external collaborator).
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	SupabaseURL    string `yaml:"supabase_url"`
	SupabaseKey    string `yaml:"supabase_service_key"`
	TestMode       bool   `yaml:"test_mode"`
	AgentStaleMs   int    `yaml:"agent_stale_ms"`
	OrgMaxInFlight int    `yaml:"org_max_in_flight"`
}

// SchedulerConfig governs capacity reservation and quota caching (spec.md §6.3).
type SchedulerConfig struct {
	OrgMaxInFlight         int `yaml:"org_max_in_flight"`
	ReserveTTLMs           int `yaml:"reserve_ttl_ms"`
	OrgQuotaCacheTTLMs     int `yaml:"org_quota_cache_ttl_ms"`
	StaleExecutorMs        int `yaml:"stale_executor_ms"`
	SessionOpenTimeoutMs   int `yaml:"session_open_timeout_ms"`
	ExecutorMaxInFlightCap int `yaml:"executor_max_in_flight_cap"`
}

type ResultsConfig struct {
	ResultsTTLSec     int `yaml:"results_ttl_sec"`
	ToolOutputMaxChar int `yaml:"tool_output_max_chars"`
}

type WorkspaceConfig struct {
	PresignExpiresSec int    `yaml:"presign_expires_sec"`
	Bucket            string `yaml:"bucket"`
}

// AuthConfig for internal HTTP and client/executor WebSocket authentication.
type AuthConfig struct {
	ServiceToken       string `yaml:"service_token"`
	AccessTokenSecret  string `yaml:"access_token_secret"`
	RefreshTokenSecret string `yaml:"refresh_token_secret"`
	SessionCookieName  string `yaml:"session_cookie_name"`
}

type ContinuationsConfig struct {
	QueueName  string `yaml:"queue_name"`
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	TargetURL  string `yaml:"target_url"`
	Enabled    bool   `yaml:"enabled"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type SecretsConfig struct {
	KEK string `yaml:"kek"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
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

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies the environment variables enumerated in the
// gateway's external interface contract.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.GRPCPort = getEnv("GATEWAY_GRPC_PORT", c.Server.GRPCPort)
	c.Server.Env = getEnv("GATEWAY_ENV", c.Server.Env)
	c.Server.EdgeID = getEnv("GATEWAY_EDGE_ID", c.Server.EdgeID)
	if origins := getEnv("GATEWAY_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.SupabaseURL = getEnv("SUPABASE_URL", c.Database.SupabaseURL)
	c.Database.SupabaseKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.SupabaseKey)
	c.Database.TestMode = getEnvBool("GATEWAY_TEST_MODE", c.Database.TestMode)

	if v := getEnvInt("GATEWAY_ORG_MAX_INFLIGHT", 0); v > 0 {
		c.Scheduler.OrgMaxInFlight = v
	}
	if v := getEnvInt("GATEWAY_RESERVE_TTL_MS", 0); v > 0 {
		c.Scheduler.ReserveTTLMs = v
	}
	if v := getEnvInt("GATEWAY_ORG_QUOTA_CACHE_TTL_MS", 0); v > 0 {
		c.Scheduler.OrgQuotaCacheTTLMs = v
	}
	if v := getEnvInt("GATEWAY_AGENT_STALE_MS", 0); v > 0 {
		c.Scheduler.StaleExecutorMs = v
	}
	if v := getEnvInt("GATEWAY_SESSION_OPEN_TIMEOUT_MS", 0); v > 0 {
		c.Scheduler.SessionOpenTimeoutMs = v
	}
	if v := getEnvInt("GATEWAY_EXECUTOR_MAX_INFLIGHT_CAP", 0); v > 0 {
		c.Scheduler.ExecutorMaxInFlightCap = v
	}

	if v := getEnvInt("GATEWAY_RESULTS_TTL_SEC", 0); v > 0 {
		c.Results.ResultsTTLSec = v
	}
	if v := getEnvInt("GATEWAY_TOOL_OUTPUT_MAX_CHARS", 0); v > 0 {
		c.Results.ToolOutputMaxChar = v
	}
	if v := getEnvInt("WORKSPACE_PRESIGN_EXPIRES_SEC", 0); v > 0 {
		c.Workspace.PresignExpiresSec = v
	}
	c.Workspace.Bucket = getEnv("WORKSPACE_BUCKET", c.Workspace.Bucket)

	c.Auth.ServiceToken = getEnv("GATEWAY_SERVICE_TOKEN", c.Auth.ServiceToken)
	c.Auth.AccessTokenSecret = getEnv("AUTH_TOKEN_SECRET", c.Auth.AccessTokenSecret)
	c.Auth.RefreshTokenSecret = getEnv("REFRESH_TOKEN_SECRET", c.Auth.RefreshTokenSecret)
	c.Auth.SessionCookieName = getEnv("SESSION_COOKIE_NAME", c.Auth.SessionCookieName)

	c.Continuations.QueueName = getEnv("WORKFLOW_CONTINUATION_QUEUE_NAME", c.Continuations.QueueName)
	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.Continuations.ProjectID = projectID
		c.PubSub.ProjectID = projectID
	}
	c.Continuations.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.Continuations.LocationID)
	c.Continuations.TargetURL = getEnv("WORKFLOW_CONTINUATION_TARGET_URL", c.Continuations.TargetURL)
	c.Continuations.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.Continuations.Enabled)

	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Secrets.KEK = getEnv("GATEWAY_SECRETS_KEK", c.Secrets.KEK)

	c.applyDefaults()
}

// applyDefaults sets the defaults enumerated in spec.md §6.3.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.GRPCPort == "" {
		c.Server.GRPCPort = "9090"
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
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.EdgeID == "" {
		c.Server.EdgeID = "edge-local"
	}

	if c.Scheduler.OrgMaxInFlight == 0 {
		c.Scheduler.OrgMaxInFlight = 50
	}
	if c.Scheduler.ReserveTTLMs == 0 {
		c.Scheduler.ReserveTTLMs = 300000
	}
	if c.Scheduler.OrgQuotaCacheTTLMs == 0 {
		c.Scheduler.OrgQuotaCacheTTLMs = 15000
	}
	if c.Scheduler.StaleExecutorMs == 0 {
		c.Scheduler.StaleExecutorMs = 60000
	}
	if c.Scheduler.SessionOpenTimeoutMs == 0 {
		c.Scheduler.SessionOpenTimeoutMs = 20000
	}
	if c.Scheduler.ExecutorMaxInFlightCap == 0 {
		c.Scheduler.ExecutorMaxInFlightCap = 50
	}

	if c.Results.ResultsTTLSec == 0 {
		c.Results.ResultsTTLSec = 900
	}
	if c.Results.ToolOutputMaxChar == 0 {
		c.Results.ToolOutputMaxChar = 200000
	}
	if c.Workspace.PresignExpiresSec == 0 {
		c.Workspace.PresignExpiresSec = 600
	}
	if c.Workspace.Bucket == "" {
		c.Workspace.Bucket = "gateway-workspaces"
	}

	if c.Auth.SessionCookieName == "" {
		c.Auth.SessionCookieName = "gateway_session"
	}
	if c.Continuations.QueueName == "" {
		c.Continuations.QueueName = "workflow-continuations"
	}
	if c.Continuations.LocationID == "" {
		c.Continuations.LocationID = "us-central1"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "gateway-channel-events"
	}
}

// =============================================================================
// Helper functions
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
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c *Config) GetGRPCPort() string {
	if c.Server.GRPCPort == "" {
		return "9090"
	}
	return c.Server.GRPCPort
}
