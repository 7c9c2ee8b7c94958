// Package config handles loading and validating toolgate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for toolgate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.toolgate/data. Override: TOOLGATE_DATA_DIR.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under DataDir
	Redis         *RedisConfig         `json:"redis,omitempty" yaml:"redis,omitempty"`       // nil = in-process counters and cache
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Budget        BudgetConfig         `json:"budget" yaml:"budget"`
	Router        RouterConfig         `json:"router" yaml:"router"`
	Fallback      FallbackConfig       `json:"fallback" yaml:"fallback"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Gateway       *HTTPGatewayConfig   `json:"gateway,omitempty" yaml:"gateway,omitempty"`         // nil = HTTP API disabled
	MCPServers    []MCPServerConfig    `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"` // External MCP servers imported as tools.
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"` // nil = default sweep schedule
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" validate:"gte=0"` // Default: 1800
}

// RedisConfig enables Redis for rate-limit counters and the context cache,
// shared across gateway instances.
type RedisConfig struct {
	URL    string `json:"url" yaml:"url" validate:"required"`
	Prefix string `json:"prefix" yaml:"prefix"` // Default: "toolgate:"
}

// KeyPrefix returns the key namespace, defaulting to "toolgate:".
func (r *RedisConfig) KeyPrefix() string {
	if r == nil || r.Prefix == "" {
		return "toolgate:"
	}
	return r.Prefix
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	TenantIsolation  bool                `json:"tenant_isolation" yaml:"tenant_isolation"`
	ABACRules        []ABACRuleConfig    `json:"abac_rules,omitempty" yaml:"abac_rules,omitempty" validate:"dive"`
	ReviewTTLSeconds int                 `json:"review_ttl_seconds" yaml:"review_ttl_seconds" validate:"gte=0"` // Default: 86400
	AutoApproval     *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
}

// AutoApprovalConfig lets repeated, manually approved calls skip review.
type AutoApprovalConfig struct {
	AllowedTools      []string `json:"allowed_tools" yaml:"allowed_tools"`
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals" validate:"gte=0"` // Default: 3
	MaxPerHour        int      `json:"max_per_hour" yaml:"max_per_hour" validate:"gte=0"`             // Default: 10
	WindowHours       int      `json:"window_hours" yaml:"window_hours" validate:"gte=0"`             // Default: 24
}

// ReviewTTL returns how long review requests stay pending.
func (p PolicyConfig) ReviewTTL() time.Duration {
	if p.ReviewTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(p.ReviewTTLSeconds) * time.Second
}

// ABACRuleConfig declares an attribute-based rule.
type ABACRuleConfig struct {
	Name        string            `json:"name" yaml:"name" validate:"required"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string            `json:"effect" yaml:"effect" validate:"required,oneof=allow deny"`
	Priority    int               `json:"priority" yaml:"priority"`
	Conditions  []ConditionConfig `json:"conditions" yaml:"conditions" validate:"min=1,dive"`
}

type ConditionConfig struct {
	Attribute string `json:"attribute" yaml:"attribute" validate:"required"`
	Operator  string `json:"operator" yaml:"operator" validate:"required,oneof=equals contains greaterThan lessThan in"`
	Value     any    `json:"value" yaml:"value"`
}

// BudgetConfig configures token budget enforcement.
type BudgetConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	OnExceeded    string `json:"on_exceeded" yaml:"on_exceeded" validate:"omitempty,oneof=reject downgrade truncate fallback"`
	SessionLimit  int    `json:"session_limit" yaml:"session_limit" validate:"gte=0"`   // Default: 10000
	WorkflowLimit int    `json:"workflow_limit" yaml:"workflow_limit" validate:"gte=0"` // Default: 5000
	ToolLimit     int    `json:"tool_limit" yaml:"tool_limit" validate:"gte=0"`         // Default: 2000
	DailyLimit    int    `json:"daily_limit" yaml:"daily_limit" validate:"gte=0"`       // Default: 100000
}

// RouterConfig configures the LLM role router.
type RouterConfig struct {
	CacheBackend       string                     `json:"cache_backend" yaml:"cache_backend" validate:"omitempty,oneof=memory db redis"`
	CacheTTLSeconds    int                        `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" validate:"gte=0"`       // Default: 86400
	CallTimeoutSeconds int                        `json:"call_timeout_seconds" yaml:"call_timeout_seconds" validate:"gte=0"` // 0 = no per-call timeout
	RecordCacheHits    bool                       `json:"record_cache_hits" yaml:"record_cache_hits"`
	Roles              map[string]RoleModelConfig `json:"roles,omitempty" yaml:"roles,omitempty" validate:"dive"`
	Prices             map[string]PriceConfig     `json:"prices,omitempty" yaml:"prices,omitempty" validate:"dive"`
}

// CacheTTL returns the response cache lifetime.
func (r RouterConfig) CacheTTL() time.Duration {
	if r.CacheTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// CallTimeout returns the per-call model timeout. 0 disables it.
func (r RouterConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

// RoleModelConfig overrides the model used for one role.
type RoleModelConfig struct {
	Model         string   `json:"model" yaml:"model" validate:"required"`
	Temperature   *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens     int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
	FallbackModel string   `json:"fallback_model,omitempty" yaml:"fallback_model,omitempty"`
}

// PriceConfig is a USD price per 1K tokens.
type PriceConfig struct {
	Input  float64 `json:"input" yaml:"input" validate:"gte=0"`
	Output float64 `json:"output" yaml:"output" validate:"gte=0"`
}

// FallbackConfig configures fallback responses.
type FallbackConfig struct {
	RuleBased bool              `json:"rule_based" yaml:"rule_based"`
	Messages  map[string]string `json:"messages,omitempty" yaml:"messages,omitempty"` // scenario → message
}

// ProvidersConfig configures model clients.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default" validate:"omitempty,oneof=openai anthropic"` // Empty = "openai".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty" validate:"dive,oneof=openai anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com/v1.
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"omitempty,oneof=file db memory"` // Default: "db".
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`                           // JSONL path for the file driver.
}

// HTTPGatewayConfig configures the management HTTP API.
type HTTPGatewayConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" validate:"gte=0"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // API key → user ID. Empty = no auth.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h == nil || h.ListenAddr == "" {
		return ":8080"
	}
	return h.ListenAddr
}

// RateLimitConfig configures per-caller request throttling for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" validate:"gte=0"`
}

// MCPServerConfig defines an external MCP server whose tools are imported as contracts.
type MCPServerConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Transport    string            `json:"transport" yaml:"transport"` // "stdio", "sse", or "streamable_http".
	Command      string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // Values support ${VAR} expansion.
	URL          string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RiskLevel    string            `json:"risk_level,omitempty" yaml:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	RolesAllowed []string          `json:"roles_allowed,omitempty" yaml:"roles_allowed,omitempty"`
	HumanReview  bool              `json:"human_review,omitempty" yaml:"human_review,omitempty"`
}

// MaintenanceConfig holds cron schedules for background sweeps.
type MaintenanceConfig struct {
	CacheSweep         string `json:"cache_sweep" yaml:"cache_sweep"`     // Default: "*/10 * * * *"
	TraceCleanup       string `json:"trace_cleanup" yaml:"trace_cleanup"` // Default: "*/15 * * * *"
	ReviewExpiry       string `json:"review_expiry" yaml:"review_expiry"` // Default: "* * * * *"
	LimiterSweep       string `json:"limiter_sweep" yaml:"limiter_sweep"` // Default: "*/5 * * * *"
	BudgetPrune        string `json:"budget_prune" yaml:"budget_prune"`   // Default: "30 0 * * *"
	TraceMaxAgeSeconds int    `json:"trace_max_age_seconds" yaml:"trace_max_age_seconds" validate:"gte=0"`
}

// TraceMaxAge returns how long finished traces are kept in memory.
func (m *MaintenanceConfig) TraceMaxAge() time.Duration {
	if m == nil || m.TraceMaxAgeSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(m.TraceMaxAgeSeconds) * time.Second
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, metrics and tracing still run in-process; only exporters are off.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry export. Spans are always recorded
// in memory for the trace endpoint; Endpoint adds an OTLP exporter.
type TracingConfig struct {
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`                                      // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"` // Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"`                              // Default: "toolgate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`         // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`                                      // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection over tool outcomes.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold  float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" validate:"gte=0,lte=1"` // e.g. 0.5 = 50% errors
	CostSpikeMultiplier float64 `json:"cost_spike_multiplier" yaml:"cost_spike_multiplier" validate:"gte=0"`     // e.g. 3.0 = 3x window average
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds" validate:"gte=0"`                   // Default: 300
}

// DefaultConfigPath returns the default config file path (~/.toolgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/toolgate.yaml"
	}
	return filepath.Join(home, ".toolgate", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Budget: BudgetConfig{Enabled: true, OnExceeded: "fallback"},
		Fallback: FallbackConfig{
			RuleBased: true,
		},
		Observability: &ObservabilityConfig{
			Metrics: &MetricsConfig{Enabled: true},
			Tracing: &TracingConfig{},
		},
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}
	return finish(cfg)
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	return nil, err
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg)
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".toolgate", "data")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv applies environment overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("TOOLGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TOOLGATE_REDIS_URL"); v != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TOOLGATE_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = "postgres"
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "toolgate.db")
}

// AuditLogPath returns the JSONL audit path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	if c.Router.CacheBackend == "redis" && c.Redis == nil {
		return fmt.Errorf("router.cache_backend=redis requires the redis section")
	}
	names := make(map[string]bool, len(c.MCPServers))
	for i, srv := range c.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers[%d].name is required", i)
		}
		if names[srv.Name] {
			return fmt.Errorf("mcp_servers[%d]: duplicate server name %q", i, srv.Name)
		}
		names[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp_servers[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp_servers[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp_servers[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
