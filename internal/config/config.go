package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wbh1/tokenpool/internal/admission"
	"github.com/wbh1/tokenpool/internal/health"
	"github.com/wbh1/tokenpool/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the token pool service
type Config struct {
	Server        ServerConfig                   `yaml:"server"`
	Pool          PoolConfig                     `yaml:"pool"`
	Maintenance   MaintenanceConfig              `yaml:"maintenance"`
	Admission     map[string]AdmissionRuleConfig `yaml:"admission"`
	Upstream      UpstreamConfig                 `yaml:"upstream"`
	Storage       StorageConfig                  `yaml:"storage"`
	Observability ObservabilityConfig            `yaml:"observability"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	BasePath        string `yaml:"base_path"`
	RequestTimeout  string `yaml:"request_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	AdminKey        string `yaml:"admin_key"`

	// TrustedCallerHeader names a header an authenticating proxy sets to
	// the caller's user id. Empty (the default) never trusts a request for
	// its identity; admission then keys on the remote address alone.
	TrustedCallerHeader string `yaml:"trusted_caller_header"`
}

// PoolConfig contains token health policy and seed tokens
type PoolConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	BaseCooldown     string   `yaml:"base_cooldown"`
	MaxCooldown      string   `yaml:"max_cooldown"`
	Jitter           float64  `yaml:"jitter"`
	ProbeLease       string   `yaml:"probe_lease"`
	MinHealthy       int      `yaml:"min_healthy"`
	SeedSource       string   `yaml:"seed_source"`
	SeedTokens       []string `yaml:"seed_tokens"`
}

// MaintenanceConfig contains settings for the periodic maintenance cycle
type MaintenanceConfig struct {
	Mode            string `yaml:"mode"`
	Interval        string `yaml:"interval"`
	PruneDead       bool   `yaml:"prune_dead"`
	DeadTTL         string `yaml:"dead_ttl"`
	HealthCheck     bool   `yaml:"health_check"`
	HealthCheckIdle string `yaml:"health_check_idle"`
}

// AdmissionRuleConfig limits one request class. A zero limit disables that counter.
type AdmissionRuleConfig struct {
	PerCaller int    `yaml:"per_caller"`
	Global    int    `yaml:"global"`
	Window    string `yaml:"window"`
}

// UpstreamConfig describes the generation service tokens are spent on
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	GeneratePath string `yaml:"generate_path"`
	Timeout      string `yaml:"timeout"`

	// CheckOnAdd asks the upstream about every new credential and refuses
	// the ones it rejects
	CheckOnAdd   bool   `yaml:"check_on_add"`
	CheckPath    string `yaml:"check_path"`
	CheckBody    string `yaml:"check_body"`
	CheckTimeout string `yaml:"check_timeout"`
}

// StorageConfig selects where the pool is persisted
type StorageConfig struct {
	Type        string         `yaml:"type"`
	AgeIdentity string         `yaml:"age_identity"`
	Vault       VaultConfig    `yaml:"vault"`
	File        FileConfig     `yaml:"file"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

// VaultConfig contains Vault connection and authentication settings
type VaultConfig struct {
	Address   string `yaml:"address"`
	RoleID    string `yaml:"role_id"`
	SecretID  string `yaml:"secret_id"`
	MountPath string `yaml:"mount_path"`
	Path      string `yaml:"path"`
}

// FileConfig points at the sealed snapshot file
type FileConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains the database connection string
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ObservabilityConfig contains settings for telemetry and logging
type ObservabilityConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

// Storage backend types
const (
	StorageMemory   = "memory"
	StorageVault    = "vault"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// Maintenance modes
const (
	ModeDaemon  = "daemon"
	ModeOneShot = "one-shot"
)

// Parse parses YAML configuration data into a Config struct.
//
// Environment variables are automatically expanded before parsing the YAML.
// Supported formats:
//   - ${VAR_NAME} - expands to the value of VAR_NAME
//   - $VAR_NAME   - expands to the value of VAR_NAME
//
// If an environment variable is not set, it expands to an empty string.
// This is useful for keeping secrets out of config files:
//
//	server:
//	  admin_key: "${TOKENPOOL_ADMIN_KEY}"
//	pool:
//	  seed_tokens:
//	    - "${UPSTREAM_TOKEN_1}"
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the YAML content before parsing
	expandedData := []byte(os.Expand(string(data), os.Getenv))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults sets default values for optional configuration fields
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "60s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}

	if c.Pool.FailureThreshold == 0 {
		c.Pool.FailureThreshold = 1
	}
	if c.Pool.BaseCooldown == "" {
		c.Pool.BaseCooldown = "30s"
	}
	if c.Pool.MaxCooldown == "" {
		c.Pool.MaxCooldown = "30m"
	}
	if c.Pool.ProbeLease == "" {
		c.Pool.ProbeLease = "30s"
	}
	if c.Pool.MinHealthy == 0 {
		c.Pool.MinHealthy = 3
	}
	if c.Pool.SeedSource == "" {
		c.Pool.SeedSource = string(models.SourceConfig)
	}

	if c.Maintenance.Mode == "" {
		c.Maintenance.Mode = ModeDaemon
	}
	if c.Maintenance.Interval == "" {
		c.Maintenance.Interval = "30s"
	}
	if c.Maintenance.DeadTTL == "" {
		c.Maintenance.DeadTTL = "7d"
	}
	if c.Maintenance.HealthCheckIdle == "" {
		c.Maintenance.HealthCheckIdle = "1h"
	}

	if c.Admission == nil {
		c.Admission = make(map[string]AdmissionRuleConfig)
	}
	for class, rule := range admission.DefaultRules() {
		existing, ok := c.Admission[string(class)]
		if !ok {
			c.Admission[string(class)] = AdmissionRuleConfig{
				PerCaller: rule.PerCaller,
				Global:    rule.Global,
				Window:    rule.Window.String(),
			}
			continue
		}
		if existing.Window == "" {
			existing.Window = rule.Window.String()
			c.Admission[string(class)] = existing
		}
	}

	if c.Upstream.GeneratePath == "" {
		c.Upstream.GeneratePath = "/generate"
	}
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "60s"
	}
	if c.Upstream.CheckPath == "" {
		c.Upstream.CheckPath = c.Upstream.GeneratePath
	}
	if c.Upstream.CheckBody == "" {
		c.Upstream.CheckBody = `{"prompt":"test"}`
	}
	if c.Upstream.CheckTimeout == "" {
		c.Upstream.CheckTimeout = "10s"
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.Vault.MountPath == "" {
		c.Storage.Vault.MountPath = "secret"
	}
	if c.Storage.Vault.Path == "" {
		c.Storage.Vault.Path = "tokenpool/tokens"
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "tokenpool"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validatePool(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	for name, rule := range c.Admission {
		if err := validateAdmissionRule(name, rule); err != nil {
			return err
		}
	}
	if err := c.validateUpstream(); err != nil {
		return err
	}
	return c.validateStorage()
}

func (c *Config) validateServer() error {
	if c.Server.AdminKey == "" {
		return fmt.Errorf("server admin_key is required")
	}
	if len(c.Server.AdminKey) < 16 {
		return fmt.Errorf("server admin_key must be at least 16 characters")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server base_path must start with '/', got %q", c.Server.BasePath)
	}
	if _, err := ParseDuration(c.Server.RequestTimeout); err != nil {
		return fmt.Errorf("server request_timeout: %w", err)
	}
	if _, err := ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server shutdown_timeout: %w", err)
	}
	if h := c.Server.TrustedCallerHeader; h != "" && strings.ContainsAny(h, " \t:") {
		return fmt.Errorf("server trusted_caller_header %q is not a valid header name", h)
	}
	return nil
}

func (c *Config) validatePool() error {
	if c.Pool.FailureThreshold < 1 {
		return fmt.Errorf("pool failure_threshold must be >= 1, got %d", c.Pool.FailureThreshold)
	}

	base, err := ParseDuration(c.Pool.BaseCooldown)
	if err != nil {
		return fmt.Errorf("pool base_cooldown: %w", err)
	}
	maxCooldown, err := ParseDuration(c.Pool.MaxCooldown)
	if err != nil {
		return fmt.Errorf("pool max_cooldown: %w", err)
	}
	if maxCooldown < base {
		return fmt.Errorf("pool max_cooldown (%s) must be >= base_cooldown (%s)", c.Pool.MaxCooldown, c.Pool.BaseCooldown)
	}
	if _, err := ParseDuration(c.Pool.ProbeLease); err != nil {
		return fmt.Errorf("pool probe_lease: %w", err)
	}
	if c.Pool.Jitter < 0 || c.Pool.Jitter >= 1 {
		return fmt.Errorf("pool jitter must be in [0, 1), got %v", c.Pool.Jitter)
	}
	if c.Pool.MinHealthy < 0 {
		return fmt.Errorf("pool min_healthy must not be negative, got %d", c.Pool.MinHealthy)
	}
	if !models.Source(c.Pool.SeedSource).Valid() {
		return fmt.Errorf("pool seed_source %q is not a known source", c.Pool.SeedSource)
	}

	return nil
}

func (c *Config) validateMaintenance() error {
	switch c.Maintenance.Mode {
	case ModeDaemon, ModeOneShot:
	default:
		return fmt.Errorf("maintenance mode must be %q or %q, got %q", ModeDaemon, ModeOneShot, c.Maintenance.Mode)
	}
	if _, err := ParseDuration(c.Maintenance.Interval); err != nil {
		return fmt.Errorf("maintenance interval: %w", err)
	}
	if c.Maintenance.PruneDead {
		if _, err := ParseDuration(c.Maintenance.DeadTTL); err != nil {
			return fmt.Errorf("maintenance dead_ttl: %w", err)
		}
	}
	if c.Maintenance.HealthCheck {
		if _, err := ParseDuration(c.Maintenance.HealthCheckIdle); err != nil {
			return fmt.Errorf("maintenance health_check_idle: %w", err)
		}
	}
	return nil
}

func validateAdmissionRule(name string, rule AdmissionRuleConfig) error {
	switch admission.Class(name) {
	case admission.ClassGeneration, admission.ClassAPI, admission.ClassAdmin:
	default:
		return fmt.Errorf("admission: unknown class %q", name)
	}
	if rule.PerCaller < 0 || rule.Global < 0 {
		return fmt.Errorf("admission[%s]: limits must not be negative", name)
	}
	window, err := ParseDuration(rule.Window)
	if err != nil {
		return fmt.Errorf("admission[%s] window: %w", name, err)
	}
	if window <= 0 {
		return fmt.Errorf("admission[%s]: window must be positive", name)
	}
	return nil
}

func (c *Config) validateUpstream() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}
	if _, err := ParseDuration(c.Upstream.Timeout); err != nil {
		return fmt.Errorf("upstream timeout: %w", err)
	}
	if _, err := ParseDuration(c.Upstream.CheckTimeout); err != nil {
		return fmt.Errorf("upstream check_timeout: %w", err)
	}
	return nil
}

// CheckEnabled reports whether any feature needs the upstream credential check
func (c *Config) CheckEnabled() bool {
	return c.Upstream.CheckOnAdd || c.Maintenance.HealthCheck
}

func (c *Config) validateStorage() error {
	switch c.Storage.Type {
	case StorageMemory:
		return nil
	case StorageVault:
		if c.Storage.Vault.Address == "" {
			return fmt.Errorf("storage vault address is required")
		}
		if c.Storage.Vault.RoleID == "" {
			return fmt.Errorf("storage vault role_id is required")
		}
		if c.Storage.Vault.SecretID == "" {
			return fmt.Errorf("storage vault secret_id is required")
		}
		return nil
	case StorageFile:
		if c.Storage.File.Path == "" {
			return fmt.Errorf("storage file path is required")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage postgres dsn is required")
		}
	default:
		return fmt.Errorf("storage type %q is not supported", c.Storage.Type)
	}

	// file and postgres seal secrets themselves
	if c.Storage.AgeIdentity == "" {
		return fmt.Errorf("storage age_identity is required for %s storage", c.Storage.Type)
	}
	return nil
}

// HealthPolicy converts the pool section. It assumes Validate passed.
func (c *Config) HealthPolicy() health.Policy {
	base, _ := ParseDuration(c.Pool.BaseCooldown)
	maxCooldown, _ := ParseDuration(c.Pool.MaxCooldown)
	lease, _ := ParseDuration(c.Pool.ProbeLease)

	return health.Policy{
		FailureThreshold: c.Pool.FailureThreshold,
		BaseCooldown:     base,
		MaxCooldown:      maxCooldown,
		Jitter:           c.Pool.Jitter,
		ProbeLease:       lease,
	}
}

// AdmissionRules converts the admission section. It assumes Validate passed.
func (c *Config) AdmissionRules() map[admission.Class]admission.Rule {
	rules := make(map[admission.Class]admission.Rule, len(c.Admission))
	for name, rule := range c.Admission {
		window, _ := ParseDuration(rule.Window)
		rules[admission.Class(name)] = admission.Rule{
			PerCaller: rule.PerCaller,
			Global:    rule.Global,
			Window:    window,
		}
	}
	return rules
}

// SeedTokens returns the configured seed tokens, dropping entries that
// expanded to nothing
func (c *Config) SeedTokens() []string {
	tokens := make([]string, 0, len(c.Pool.SeedTokens))
	for _, token := range c.Pool.SeedTokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

var durationPattern = regexp.MustCompile(`^(\d+)(mo|d)$`)

// ParseDuration parses a duration string. On top of time.ParseDuration
// units it accepts days and months, e.g. "7d" or "6mo".
func ParseDuration(value string) (time.Duration, error) {
	matches := durationPattern.FindStringSubmatch(value)
	if matches == nil {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %q (expected e.g. 30s, 15m, 7d, 6mo)", value)
		}
		if d < 0 {
			return 0, fmt.Errorf("duration must not be negative: %q", value)
		}
		return d, nil
	}

	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in duration: %s", value)
	}

	switch matches[2] {
	case "mo":
		// Treat 1 month as 30 days
		return time.Duration(n) * 30 * 24 * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported time unit: %s", matches[2])
	}
}
