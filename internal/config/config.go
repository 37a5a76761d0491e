// Package config handles loading and validating toolexec configuration.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/executor"
	"github.com/jkaninda/toolexec/internal/handler/mcp"
	"github.com/jkaninda/toolexec/internal/ratelimit"
	"github.com/jkaninda/toolexec/internal/sandbox"
	"github.com/jkaninda/toolexec/internal/scheduler"
	"github.com/jkaninda/toolexec/internal/secrets"
	"github.com/jkaninda/toolexec/internal/security"
	"github.com/jkaninda/toolexec/internal/storage"
	"github.com/jkaninda/toolexec/internal/worker"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for toolexec.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir"` // Default: ~/.toolexec/data. Override: TOOLEXEC_DATA_DIR.
	Log           LogConfig            `json:"log" yaml:"log" toml:"log"`
	Executor      ExecutorConfig       `json:"executor" yaml:"executor" toml:"executor"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools" toml:"tools"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage"`                   // nil = SQLite under data_dir
	Security      *SecurityConfig      `json:"security,omitempty" yaml:"security,omitempty" toml:"security"`                // nil = every tenant may run every tool
	RateLimit     *ratelimit.Config    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" toml:"rate_limit"`          // nil = no rate limiting
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty" toml:"retention"`             // nil = records kept forever
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability"` // nil = observability disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http" toml:"http"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty" toml:"secrets"` // nil = env:// references only
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug|info|warn|error. Default: info.
	Format string `json:"format" yaml:"format" toml:"format"` // json|text. Default: json for serve, text for the CLI.
}

// ExecutorConfig configures admission, the queue and the worker pool.
type ExecutorConfig struct {
	MaxDepth               int                    `json:"max_depth" yaml:"max_depth" toml:"max_depth"`                                           // Default: 5.
	DefaultTimeoutSeconds  int                    `json:"default_timeout_seconds" yaml:"default_timeout_seconds" toml:"default_timeout_seconds"` // Default: 30.
	MaxTimeoutSeconds      int                    `json:"max_timeout_seconds" yaml:"max_timeout_seconds" toml:"max_timeout_seconds"`             // Default: 3600.
	CancelGraceSeconds     int                    `json:"cancel_grace_seconds" yaml:"cancel_grace_seconds" toml:"cancel_grace_seconds"`          // Default: 5.
	Ceilings               sandbox.ResourceLimits `json:"ceilings" yaml:"ceilings" toml:"ceilings"`
	QueueCapacity          int                    `json:"queue_capacity" yaml:"queue_capacity" toml:"queue_capacity"` // Default: 1000.
	TenantLimit            int                    `json:"tenant_limit" yaml:"tenant_limit" toml:"tenant_limit"`       // 0 = no per-tenant fairness cap.
	Workers                WorkersConfig          `json:"workers" yaml:"workers" toml:"workers"`
	MaxRetries             int                    `json:"max_retries" yaml:"max_retries" toml:"max_retries"`                                           // Ceiling for request retry overrides. Default: 10.
	MaxRetryElapsedSeconds int                    `json:"max_retry_elapsed_seconds" yaml:"max_retry_elapsed_seconds" toml:"max_retry_elapsed_seconds"` // Default: 3600.
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Min                 int  `json:"min" yaml:"min" toml:"min"` // Default: 1.
	Max                 int  `json:"max" yaml:"max" toml:"max"` // Default: number of CPUs.
	Autoscale           bool `json:"autoscale" yaml:"autoscale" toml:"autoscale"`
	ScaleThreshold      int  `json:"scale_threshold" yaml:"scale_threshold" toml:"scale_threshold"`
	ScaleUpAfterSeconds int  `json:"scale_up_after_seconds" yaml:"scale_up_after_seconds" toml:"scale_up_after_seconds"`
	IdleTimeoutSeconds  int  `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
}

// SandboxConfig configures the local sandbox manager.
type SandboxConfig struct {
	MinLevel              string                 `json:"min_level" yaml:"min_level" toml:"min_level"` // none|basic|strict|container. Default: basic.
	DefaultTimeoutSeconds int                    `json:"default_timeout_seconds" yaml:"default_timeout_seconds" toml:"default_timeout_seconds"`
	DefaultLimits         sandbox.ResourceLimits `json:"default_limits" yaml:"default_limits" toml:"default_limits"`
	TempDir               string                 `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty" toml:"temp_dir"` // Default: <data_dir>/sandbox.
	Docker                sandbox.DockerConfig   `json:"docker" yaml:"docker" toml:"docker"`
}

// ToolsConfig says where tool descriptors come from.
type ToolsConfig struct {
	Dir        string             `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir"`                         // Manifest directory (*.yaml, *.yml, *.json).
	MCPServers []mcp.ServerConfig `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty" toml:"mcp_servers"` // Backing servers for mcp tools.
}

// SecurityConfig configures admission checks, violation tracking and audit.
type SecurityConfig struct {
	RBAC                    *security.RBACConfig    `json:"rbac,omitempty" yaml:"rbac,omitempty" toml:"rbac"` // nil = RBAC disabled
	Policies                []security.TenantPolicy `json:"policies,omitempty" yaml:"policies,omitempty" toml:"policies"`
	PolicyBindings          map[string]string       `json:"policy_bindings,omitempty" yaml:"policy_bindings,omitempty" toml:"policy_bindings"` // tenant ID → policy name; "*" = fallback
	MaxViolations           int                     `json:"max_violations" yaml:"max_violations" toml:"max_violations"`                        // Default: 100.
	ViolationRetentionHours int                     `json:"violation_retention_hours" yaml:"violation_retention_hours" toml:"violation_retention_hours"`
	AuditLogPath            string                  `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty" toml:"audit_log_path"` // Default: <data_dir>/audit.jsonl.
	AuditToStore            bool                    `json:"audit_to_store" yaml:"audit_to_store" toml:"audit_to_store"`                     // Write the audit trail to the execution log instead of a file.
	AuditAllowed            bool                    `json:"audit_allowed" yaml:"audit_allowed" toml:"audit_allowed"`
}

// RetentionConfig schedules the purge of ended executions.
type RetentionConfig struct {
	Schedule    string `json:"schedule" yaml:"schedule" toml:"schedule"`             // Cron expression. Default: "@hourly".
	MaxAgeHours int    `json:"max_age_hours" yaml:"max_age_hours" toml:"max_age_hours"` // Default: 168 (7 days).
	PurgeLog    bool   `json:"purge_log" yaml:"purge_log" toml:"purge_log"`          // Also delete from the execution log.
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: /metrics.
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP collector, e.g. localhost:4317.
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // grpc|http. Default: grpc.
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: toolexec.
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0-1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// AnomalyConfig configures the per-tool failure-rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // Default: 0.5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
}

// HTTPConfig configures the HTTP gateway.
type HTTPConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: :8080.
	APIKeys    map[string]APIKey `json:"api_keys,omitempty" yaml:"api_keys,omitempty" toml:"api_keys"`
	JWTSecret  string            `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty" toml:"jwt_secret"` // HS256. Override: TOOLEXEC_JWT_SECRET.
	// WaitTimeoutSeconds bounds ?wait=true requests. Default: 60.
	WaitTimeoutSeconds int  `json:"wait_timeout_seconds" yaml:"wait_timeout_seconds" toml:"wait_timeout_seconds"`
	DisableEvents      bool `json:"disable_events,omitempty" yaml:"disable_events,omitempty" toml:"disable_events"`
}

// SecretsConfig enables extra secret providers. Credential fields may hold
// "env://NAME" or "vault://path#field" references instead of literals.
type SecretsConfig struct {
	Vault *secrets.VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty" toml:"vault"`
}

// APIKey maps a static key to its caller identity.
type APIKey struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	UserID   string `json:"user_id" yaml:"user_id" toml:"user_id"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/toolexec.yaml"
	}
	return filepath.Join(home, ".toolexec", "config.yaml")
}

// Load reads a config file. The format follows the extension: .yaml/.yml,
// .toml, anything else is parsed as JSON. TOOLEXEC_* environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes config data in the format named by ext (".yaml", ".toml",
// ".json"), applies environment overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".toolexec", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a config with every optional section disabled, as used
// by the CLI when no config file exists.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.applyEnv()
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".toolexec", "data")
		}
	}
	return cfg
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TOOLEXEC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TOOLEXEC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TOOLEXEC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("TOOLEXEC_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("TOOLEXEC_JWT_SECRET"); v != "" {
		c.HTTP.JWTSecret = v
	}
	if v := os.Getenv("TOOLEXEC_TOOLS_DIR"); v != "" {
		c.Tools.Dir = v
	}
	if v := os.Getenv("TOOLEXEC_STORAGE_DRIVER"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = v
	}
	if v := os.Getenv("TOOLEXEC_DATABASE_URL"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Postgres.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = storage.DriverPostgres
		}
	}
	if v := os.Getenv("TOOLEXEC_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TOOLEXEC_MAX_WORKERS: %w", err)
		}
		c.Executor.Workers.Max = n
	}
	if v := os.Getenv("TOOLEXEC_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TOOLEXEC_QUEUE_CAPACITY: %w", err)
		}
		c.Executor.QueueCapacity = n
	}
	return nil
}

// SecretResolver returns the resolver for credential references. env:// is
// always available; vault:// needs a secrets.vault section.
func (c *Config) SecretResolver() (*secrets.Resolver, error) {
	providers := []secrets.Provider{secrets.EnvProvider{}}
	if c.Secrets != nil && c.Secrets.Vault != nil {
		vp, err := secrets.NewVaultProvider(*c.Secrets.Vault)
		if err != nil {
			return nil, err
		}
		providers = append(providers, vp)
	}
	return secrets.NewResolver(providers...), nil
}

// ResolveSecrets replaces credential references with their values: the JWT
// secret, the PostgreSQL DSN and the MCP server environments and headers.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	r, err := c.SecretResolver()
	if err != nil {
		return err
	}
	targets := []*string{&c.HTTP.JWTSecret}
	if c.Storage != nil {
		targets = append(targets, &c.Storage.Postgres.DSN)
	}
	if err := r.ExpandAll(ctx, targets...); err != nil {
		return err
	}
	for i := range c.Tools.MCPServers {
		srv := &c.Tools.MCPServers[i]
		if err := r.ExpandMap(ctx, srv.Env); err != nil {
			return fmt.Errorf("mcp server %q env: %w", srv.Name, err)
		}
		if err := r.ExpandMap(ctx, srv.Headers); err != nil {
			return fmt.Errorf("mcp server %q headers: %w", srv.Name, err)
		}
	}
	return nil
}

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

// ResolvedDataDir returns the data directory, expanding ~.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return filepath.Join(".toolexec", "data")
	}
	dir, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return dir
}

// DatabasePath returns the SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "toolexec.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security != nil && c.Security.AuditLogPath != "" {
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageConfig returns the storage config with the SQLite path defaulted.
func (c *Config) StorageConfig() storage.Config {
	var sc storage.Config
	if c.Storage != nil {
		sc = *c.Storage
	}
	if sc.Driver == "" {
		sc.Driver = storage.DefaultDriver
	}
	if sc.Driver == storage.DriverSQLite && sc.SQLite.Path == "" {
		sc.SQLite.Path = c.DatabasePath()
	}
	return sc
}

// Addr returns the HTTP listen address. Default: ":8080".
func (h HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WaitTimeout bounds synchronous HTTP executions. Default: 60s.
func (h HTTPConfig) WaitTimeout() time.Duration {
	if h.WaitTimeoutSeconds > 0 {
		return time.Duration(h.WaitTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// AuthEnabled reports whether the HTTP API requires credentials.
func (h HTTPConfig) AuthEnabled() bool {
	return len(h.APIKeys) > 0 || h.JWTSecret != ""
}

// ExecutorSettings converts the executor section into executor.Config.
func (c *Config) ExecutorSettings() executor.Config {
	e := c.Executor
	return executor.Config{
		MaxDepth:        e.MaxDepth,
		DefaultTimeout:  seconds(e.DefaultTimeoutSeconds),
		MaxTimeout:      seconds(e.MaxTimeoutSeconds),
		CancelGrace:     seconds(e.CancelGraceSeconds),
		Ceilings:        e.Ceilings,
		MaxRetries:      e.MaxRetries,
		MaxRetryElapsed: seconds(e.MaxRetryElapsedSeconds),
		Queue: scheduler.Config{
			Capacity:    e.QueueCapacity,
			TenantLimit: e.TenantLimit,
		},
		Workers: worker.Config{
			MinWorkers:     e.Workers.Min,
			MaxWorkers:     e.Workers.Max,
			Autoscale:      e.Workers.Autoscale,
			ScaleThreshold: e.Workers.ScaleThreshold,
			ScaleUpAfter:   seconds(e.Workers.ScaleUpAfterSeconds),
			IdleTimeout:    seconds(e.Workers.IdleTimeoutSeconds),
		},
	}
}

// SandboxSettings converts the sandbox section into sandbox.Config.
func (c *Config) SandboxSettings() sandbox.Config {
	s := c.Sandbox
	level := sandbox.LevelBasic
	if s.MinLevel != "" {
		// validate() already rejected unknown levels.
		level, _ = sandbox.ParseLevel(s.MinLevel)
	}
	dir := s.TempDir
	if dir == "" {
		dir = filepath.Join(c.ResolvedDataDir(), "sandbox")
	}
	return sandbox.Config{
		DefaultTimeout: seconds(s.DefaultTimeoutSeconds),
		DefaultLimits:  s.DefaultLimits,
		MinLevel:       level,
		TempDir:        dir,
		Docker:         s.Docker,
	}
}

// SecuritySettings converts the security section into security.Config.
func (s *SecurityConfig) SecuritySettings() security.Config {
	if s == nil {
		return security.Config{}
	}
	return security.Config{
		MaxViolations:      s.MaxViolations,
		ViolationRetention: time.Duration(s.ViolationRetentionHours) * time.Hour,
		AuditAllowed:       s.AuditAllowed,
	}
}

// CronSchedule returns the purge schedule. Default: "@hourly".
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@hourly"
}

// MaxAge returns how long ended executions are kept. Default: 7 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeHours > 0 {
		return time.Duration(r.MaxAgeHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// MetricsEnabled reports whether the Prometheus endpoint is served.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path. Default: /metrics.
func (o *ObservabilityConfig) MetricsPath() string {
	if o != nil && o.Metrics != nil && o.Metrics.Path != "" {
		return o.Metrics.Path
	}
	return "/metrics"
}

// TracingEnabled reports whether OTLP export is configured.
func (o *ObservabilityConfig) TracingEnabled() bool {
	return o != nil && o.Tracing != nil && o.Tracing.Enabled
}

// AnomalyEnabled reports whether the failure-rate detector runs.
func (o *ObservabilityConfig) AnomalyEnabled() bool {
	return o != nil && o.Anomaly != nil && o.Anomaly.Enabled
}

// Threshold returns the failure-rate warning threshold. Default: 0.5.
func (a *AnomalyConfig) Threshold() float64 {
	if a != nil && a.ErrorRateThreshold > 0 {
		return a.ErrorRateThreshold
	}
	return 0.5
}

// Window returns the sliding window length. Default: 5m.
func (a *AnomalyConfig) Window() time.Duration {
	if a != nil && a.WindowSeconds > 0 {
		return time.Duration(a.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}

	e := c.Executor
	if e.MaxDepth < 0 || e.QueueCapacity < 0 || e.TenantLimit < 0 {
		return fmt.Errorf("executor.max_depth, queue_capacity and tenant_limit must not be negative")
	}
	if e.MaxRetries < 0 || e.MaxRetryElapsedSeconds < 0 {
		return fmt.Errorf("executor.max_retries and max_retry_elapsed_seconds must not be negative")
	}
	if e.DefaultTimeoutSeconds < 0 || e.MaxTimeoutSeconds < 0 || e.CancelGraceSeconds < 0 {
		return fmt.Errorf("executor timeouts must not be negative")
	}
	if e.MaxTimeoutSeconds > 0 && e.DefaultTimeoutSeconds > e.MaxTimeoutSeconds {
		return fmt.Errorf("executor.default_timeout_seconds (%d) exceeds max_timeout_seconds (%d)",
			e.DefaultTimeoutSeconds, e.MaxTimeoutSeconds)
	}
	if e.Workers.Min < 0 || e.Workers.Max < 0 {
		return fmt.Errorf("executor.workers.min and max must not be negative")
	}
	if e.Workers.Max > 0 && e.Workers.Min > e.Workers.Max {
		return fmt.Errorf("executor.workers.min (%d) exceeds max (%d)", e.Workers.Min, e.Workers.Max)
	}

	if c.Sandbox.MinLevel != "" {
		if _, err := sandbox.ParseLevel(c.Sandbox.MinLevel); err != nil {
			return fmt.Errorf("sandbox.min_level: %w", err)
		}
	}
	if c.Sandbox.DefaultLimits.MaxMemoryMB < 0 || c.Executor.Ceilings.MaxMemoryMB < 0 {
		return fmt.Errorf("memory limits must not be negative")
	}

	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", storage.DriverSQLite:
		case storage.DriverPostgres:
			if c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set TOOLEXEC_DATABASE_URL env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if s := c.Security; s != nil {
		if s.RBAC != nil && s.RBAC.DefaultRole != "" {
			if _, ok := s.RBAC.Roles[s.RBAC.DefaultRole]; !ok {
				return fmt.Errorf("security.rbac.default_role %q not found in roles", s.RBAC.DefaultRole)
			}
		}
		if s.RBAC != nil {
			for tenant, role := range s.RBAC.TenantRoles {
				if _, ok := s.RBAC.Roles[role]; !ok {
					return fmt.Errorf("security.rbac.tenant_roles.%s: unknown role %q", tenant, role)
				}
			}
		}
		if s.MaxViolations < 0 || s.ViolationRetentionHours < 0 {
			return fmt.Errorf("security.max_violations and violation_retention_hours must not be negative")
		}
	}

	if c.RateLimit != nil && (c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0) {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if r := c.Retention; r != nil && r.MaxAgeHours < 0 {
		return fmt.Errorf("retention.max_age_hours must not be negative")
	}

	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			switch o.Tracing.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
			}
			if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
		if o.Anomaly != nil && (o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}

	for name, key := range c.HTTP.APIKeys {
		if key.TenantID == "" {
			return fmt.Errorf("http.api_keys.%s: tenant_id is required", name)
		}
	}
	return nil
}

// ParsePriority parses a priority name, defaulting empty input to normal.
func ParsePriority(s string) (execution.Priority, error) {
	if s == "" {
		return execution.PriorityNormal, nil
	}
	p, ok := execution.ParsePriority(s)
	if !ok {
		return 0, fmt.Errorf("unknown priority %q (use low, normal, high or critical)", s)
	}
	return p, nil
}
