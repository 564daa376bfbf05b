package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfigFileWithEnvVars verifies that environment variables are properly
// expanded when loading a config file, the way deployments inject secrets
func TestLoadConfigFileWithEnvVars(t *testing.T) {
	configContent := `server:
  admin_key: "${TOKENPOOL_ADMIN_KEY}"

upstream:
  base_url: "http://localhost:9000"

pool:
  seed_tokens:
    - "${UPSTREAM_TOKEN_1}"
    - "${UPSTREAM_TOKEN_2}"

storage:
  type: "file"
  age_identity: "${TOKENPOOL_AGE_IDENTITY}"
  file:
    path: "/var/lib/tokenpool/pool.age"
`

	tmpFile := filepath.Join(t.TempDir(), "tokenpool.yaml")
	err := os.WriteFile(tmpFile, []byte(configContent), 0644)
	require.NoError(t, err)

	os.Setenv("TOKENPOOL_ADMIN_KEY", "admin-key-from-env-123")
	os.Setenv("UPSTREAM_TOKEN_1", "upstream-one")
	os.Setenv("UPSTREAM_TOKEN_2", "upstream-two")
	os.Setenv("TOKENPOOL_AGE_IDENTITY", "AGE-SECRET-KEY-1FAKEFORTEST")
	defer func() {
		os.Unsetenv("TOKENPOOL_ADMIN_KEY")
		os.Unsetenv("UPSTREAM_TOKEN_1")
		os.Unsetenv("UPSTREAM_TOKEN_2")
		os.Unsetenv("TOKENPOOL_AGE_IDENTITY")
	}()

	cfg, err := LoadAndValidate(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "admin-key-from-env-123", cfg.Server.AdminKey, "TOKENPOOL_ADMIN_KEY should be expanded")
	assert.Equal(t, []string{"upstream-one", "upstream-two"}, cfg.SeedTokens())
	assert.Equal(t, "AGE-SECRET-KEY-1FAKEFORTEST", cfg.Storage.AgeIdentity)
	assert.Equal(t, StorageFile, cfg.Storage.Type)
}

// TestLoadConfigFileWithComplexEnvVarValues verifies that env vars with special
// characters are handled correctly
func TestLoadConfigFileWithComplexEnvVarValues(t *testing.T) {
	configContent := `storage:
  type: "vault"
  vault:
    address: "http://localhost:8200"
    role_id: "${VAULT_ROLE_ID}"
    secret_id: "${VAULT_SECRET_ID}"
`

	tmpFile := filepath.Join(t.TempDir(), "test-complex-config.yaml")
	err := os.WriteFile(tmpFile, []byte(configContent), 0644)
	require.NoError(t, err)

	// Test with values that contain hyphens, underscores, and numbers
	testCases := []struct {
		name     string
		roleID   string
		secretID string
	}{
		{
			name:     "Simple alphanumeric",
			roleID:   "abc123",
			secretID: "xyz789",
		},
		{
			name:     "With hyphens",
			roleID:   "role-id-with-hyphens",
			secretID: "secret-id-with-hyphens",
		},
		{
			name:     "With underscores",
			roleID:   "role_id_with_underscores",
			secretID: "secret_id_with_underscores",
		},
		{
			name:     "UUID-like values",
			roleID:   "550e8400-e29b-41d4-a716-446655440000",
			secretID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VAULT_ROLE_ID", tc.roleID)
			t.Setenv("VAULT_SECRET_ID", tc.secretID)

			cfg, err := Load(tmpFile)
			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, tc.roleID, cfg.Storage.Vault.RoleID)
			assert.Equal(t, tc.secretID, cfg.Storage.Vault.SecretID)
		})
	}
}
