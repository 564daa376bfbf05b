package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSingleFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  admin_key: "super-secret-admin-key"

upstream:
  base_url: "https://api.example.com"

pool:
  seed_tokens:
    - "seed-1"
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "super-secret-admin-key", cfg.Server.AdminKey)
	assert.Equal(t, "https://api.example.com", cfg.Upstream.BaseURL)
	assert.Equal(t, []string{"seed-1"}, cfg.Pool.SeedTokens)
}

func TestLoadFileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unterminated"), 0644))

	cfg, err := Load(configPath)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadGlobPattern(t *testing.T) {
	tmpDir := t.TempDir()

	config1 := `
server:
  admin_key: "super-secret-admin-key"

upstream:
  base_url: "https://api.example.com"

pool:
  seed_tokens:
    - "team-a-token"
`

	config2 := `
pool:
  seed_tokens:
    - "team-b-token"

admission:
  generation:
    per_caller: 1
    global: 10
    window: "30s"
`

	err := os.WriteFile(filepath.Join(tmpDir, "config1.yaml"), []byte(config1), 0644)
	require.NoError(t, err)
	err = os.WriteFile(filepath.Join(tmpDir, "config2.yaml"), []byte(config2), 0644)
	require.NoError(t, err)

	pattern := filepath.Join(tmpDir, "*.yaml")
	cfg, err := LoadGlob(pattern)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "https://api.example.com", cfg.Upstream.BaseURL)
	require.Len(t, cfg.Pool.SeedTokens, 2)
	assert.Contains(t, cfg.Pool.SeedTokens, "team-a-token")
	assert.Contains(t, cfg.Pool.SeedTokens, "team-b-token")
	assert.Equal(t, AdmissionRuleConfig{PerCaller: 1, Global: 10, Window: "30s"}, cfg.Admission["generation"])
}

func TestLoadGlobNoMatches(t *testing.T) {
	tmpDir := t.TempDir()
	pattern := filepath.Join(tmpDir, "*.yaml")

	cfg, err := LoadGlob(pattern)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "no config files found")
}

func TestMergeConfigs(t *testing.T) {
	config1 := &Config{
		Server: ServerConfig{
			Listen:   ":8080",
			AdminKey: "super-secret-admin-key",
		},
		Storage: StorageConfig{
			Type: StorageVault,
			Vault: VaultConfig{
				Address:  "https://vault.example.com",
				RoleID:   "role-id",
				SecretID: "secret-id",
			},
		},
		Pool: PoolConfig{
			SeedTokens: []string{"token1"},
		},
		Admission: map[string]AdmissionRuleConfig{
			"api": {PerCaller: 50, Global: 500, Window: "1m"},
		},
	}

	config2 := &Config{
		Pool: PoolConfig{
			SeedTokens: []string{"token2"},
		},
	}

	merged := MergeConfigs(config1, config2)

	// Storage and server config should come from config1
	assert.Equal(t, "https://vault.example.com", merged.Storage.Vault.Address)
	assert.Equal(t, "role-id", merged.Storage.Vault.RoleID)
	assert.Equal(t, ":8080", merged.Server.Listen)
	assert.Equal(t, AdmissionRuleConfig{PerCaller: 50, Global: 500, Window: "1m"}, merged.Admission["api"])

	// Seed tokens should be merged
	assert.Equal(t, []string{"token1", "token2"}, merged.Pool.SeedTokens)

	// The inputs are left untouched
	assert.Equal(t, []string{"token1"}, config1.Pool.SeedTokens)
}

func TestMergeConfigsOverride(t *testing.T) {
	config1 := &Config{
		Storage: StorageConfig{
			Vault: VaultConfig{Address: "https://vault1.example.com"},
		},
		Pool: PoolConfig{
			FailureThreshold: 1,
		},
		Admission: map[string]AdmissionRuleConfig{
			"generation": {PerCaller: 5, Global: 60, Window: "1m"},
		},
	}

	config2 := &Config{
		Storage: StorageConfig{
			Vault: VaultConfig{Address: "https://vault2.example.com"},
		},
		Pool: PoolConfig{
			FailureThreshold: 3,
		},
		Maintenance: MaintenanceConfig{
			PruneDead: true,
		},
		Admission: map[string]AdmissionRuleConfig{
			"generation": {PerCaller: 1, Global: 5, Window: "10s"},
		},
	}

	merged := MergeConfigs(config1, config2)

	// Second config should override first for non-empty values
	assert.Equal(t, "https://vault2.example.com", merged.Storage.Vault.Address)
	assert.Equal(t, 3, merged.Pool.FailureThreshold)
	assert.True(t, merged.Maintenance.PruneDead)
	assert.Equal(t, AdmissionRuleConfig{PerCaller: 1, Global: 5, Window: "10s"}, merged.Admission["generation"])
}

func TestLoadAndValidate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  admin_key: "super-secret-admin-key"

upstream:
  base_url: "https://api.example.com"
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadAndValidate(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Defaults should be applied
	assert.Equal(t, ModeDaemon, cfg.Maintenance.Mode)
	assert.Equal(t, "30s", cfg.Maintenance.Interval)
	assert.Equal(t, 1, cfg.Pool.FailureThreshold)
}

func TestLoadAndValidateInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Missing upstream
	configContent := `
server:
  admin_key: "super-secret-admin-key"
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadAndValidate(configPath)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "upstream base_url is required")
}

func TestContainsGlobChar(t *testing.T) {
	assert.True(t, containsGlobChar("/etc/tokenpool/*.yaml"))
	assert.True(t, containsGlobChar("config?.yaml"))
	assert.True(t, containsGlobChar("config[12].yaml"))
	assert.False(t, containsGlobChar("/etc/tokenpool/config.yaml"))
}
