package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and parses a single configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadGlob loads and merges multiple configuration files matching a glob pattern
func LoadGlob(pattern string) (*Config, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("no config files found matching pattern: %s", pattern)
	}

	var merged *Config
	for _, path := range matches {
		cfg, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}

		if merged == nil {
			merged = cfg
		} else {
			merged = MergeConfigs(merged, cfg)
		}
	}

	return merged, nil
}

// MergeConfigs merges two configurations, with the second config overriding the first
// for non-empty values. Seed tokens are appended rather than replaced, and
// admission rules are overridden per class.
func MergeConfigs(base, override *Config) *Config {
	merged := &Config{}

	// Merge Server config
	merged.Server = base.Server
	if override.Server.Listen != "" {
		merged.Server.Listen = override.Server.Listen
	}
	if override.Server.BasePath != "" {
		merged.Server.BasePath = override.Server.BasePath
	}
	if override.Server.RequestTimeout != "" {
		merged.Server.RequestTimeout = override.Server.RequestTimeout
	}
	if override.Server.ShutdownTimeout != "" {
		merged.Server.ShutdownTimeout = override.Server.ShutdownTimeout
	}
	if override.Server.AdminKey != "" {
		merged.Server.AdminKey = override.Server.AdminKey
	}

	// Merge Pool config
	merged.Pool = base.Pool
	if override.Pool.FailureThreshold != 0 {
		merged.Pool.FailureThreshold = override.Pool.FailureThreshold
	}
	if override.Pool.BaseCooldown != "" {
		merged.Pool.BaseCooldown = override.Pool.BaseCooldown
	}
	if override.Pool.MaxCooldown != "" {
		merged.Pool.MaxCooldown = override.Pool.MaxCooldown
	}
	if override.Pool.Jitter != 0 {
		merged.Pool.Jitter = override.Pool.Jitter
	}
	if override.Pool.ProbeLease != "" {
		merged.Pool.ProbeLease = override.Pool.ProbeLease
	}
	if override.Pool.SeedSource != "" {
		merged.Pool.SeedSource = override.Pool.SeedSource
	}
	merged.Pool.SeedTokens = append([]string{}, base.Pool.SeedTokens...)
	merged.Pool.SeedTokens = append(merged.Pool.SeedTokens, override.Pool.SeedTokens...)

	// Merge Maintenance config
	merged.Maintenance = base.Maintenance
	if override.Maintenance.Mode != "" {
		merged.Maintenance.Mode = override.Maintenance.Mode
	}
	if override.Maintenance.Interval != "" {
		merged.Maintenance.Interval = override.Maintenance.Interval
	}
	if override.Maintenance.PruneDead {
		merged.Maintenance.PruneDead = override.Maintenance.PruneDead
	}
	if override.Maintenance.DeadTTL != "" {
		merged.Maintenance.DeadTTL = override.Maintenance.DeadTTL
	}

	// Merge Admission rules
	if len(base.Admission) > 0 || len(override.Admission) > 0 {
		merged.Admission = make(map[string]AdmissionRuleConfig, len(base.Admission)+len(override.Admission))
		for class, rule := range base.Admission {
			merged.Admission[class] = rule
		}
		for class, rule := range override.Admission {
			merged.Admission[class] = rule
		}
	}

	// Merge Upstream config
	merged.Upstream = base.Upstream
	if override.Upstream.BaseURL != "" {
		merged.Upstream.BaseURL = override.Upstream.BaseURL
	}
	if override.Upstream.GeneratePath != "" {
		merged.Upstream.GeneratePath = override.Upstream.GeneratePath
	}
	if override.Upstream.Timeout != "" {
		merged.Upstream.Timeout = override.Upstream.Timeout
	}

	// Merge Storage config
	merged.Storage = base.Storage
	if override.Storage.Type != "" {
		merged.Storage.Type = override.Storage.Type
	}
	if override.Storage.AgeIdentity != "" {
		merged.Storage.AgeIdentity = override.Storage.AgeIdentity
	}
	if override.Storage.Vault.Address != "" {
		merged.Storage.Vault.Address = override.Storage.Vault.Address
	}
	if override.Storage.Vault.RoleID != "" {
		merged.Storage.Vault.RoleID = override.Storage.Vault.RoleID
	}
	if override.Storage.Vault.SecretID != "" {
		merged.Storage.Vault.SecretID = override.Storage.Vault.SecretID
	}
	if override.Storage.Vault.MountPath != "" {
		merged.Storage.Vault.MountPath = override.Storage.Vault.MountPath
	}
	if override.Storage.Vault.Path != "" {
		merged.Storage.Vault.Path = override.Storage.Vault.Path
	}
	if override.Storage.File.Path != "" {
		merged.Storage.File.Path = override.Storage.File.Path
	}
	if override.Storage.Postgres.DSN != "" {
		merged.Storage.Postgres.DSN = override.Storage.Postgres.DSN
	}

	// Merge Observability config
	merged.Observability = base.Observability
	if override.Observability.ServiceName != "" {
		merged.Observability.ServiceName = override.Observability.ServiceName
	}
	if override.Observability.OTelEndpoint != "" {
		merged.Observability.OTelEndpoint = override.Observability.OTelEndpoint
	}
	if override.Observability.LogLevel != "" {
		merged.Observability.LogLevel = override.Observability.LogLevel
	}

	return merged
}

// LoadAndValidate loads a configuration file (or glob pattern), applies defaults,
// and validates it
func LoadAndValidate(pathOrPattern string) (*Config, error) {
	var cfg *Config
	var err error

	// Check if it's a glob pattern (contains * or ?)
	if containsGlobChar(pathOrPattern) {
		cfg, err = LoadGlob(pathOrPattern)
	} else {
		cfg, err = Load(pathOrPattern)
	}

	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// containsGlobChar checks if a path contains glob characters
func containsGlobChar(path string) bool {
	for _, ch := range path {
		if ch == '*' || ch == '?' || ch == '[' {
			return true
		}
	}
	return false
}
