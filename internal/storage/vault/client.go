// Package vault persists the pool in a Vault KV v2 mount.
//
// Each token is one secret at <mount>/data/<path>/<id> holding only the
// credential. Health and usage state lives in the secret's custom metadata so
// that frequent flushes do not create new secret versions.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/pkg/models"
)

const backendName = "vault"

// Config holds Vault client configuration
type Config struct {
	Address   string
	RoleID    string
	SecretID  string
	MountPath string
	Path      string
}

// Client wraps the Vault API client
type Client struct {
	client    *api.Client
	mountPath string
	path      string

	mu      sync.Mutex
	written map[string]bool // ids whose secret is already stored
}

// NewClient creates a new Vault client and authenticates using AppRole
func NewClient(config *Config) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = config.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	// Authenticate using AppRole
	if err := authenticateAppRole(client, config.RoleID, config.SecretID); err != nil {
		return nil, fmt.Errorf("failed to authenticate with vault: %w", err)
	}

	return &Client{
		client:    client,
		mountPath: config.MountPath,
		path:      config.Path,
		written:   make(map[string]bool),
	}, nil
}

// authenticateAppRole performs AppRole authentication
func authenticateAppRole(client *api.Client, roleID, secretID string) error {
	data := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	resp, err := client.Logical().Write("auth/approle/login", data)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from vault")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (c *Client) dataPath(id string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.mountPath, c.path, id)
}

func (c *Client) metadataPath(id string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.mountPath, c.path, id)
}

// ListTokenIDs lists the ids stored under the pool path
func (c *Client) ListTokenIDs(ctx context.Context) ([]string, error) {
	listPath := fmt.Sprintf("%s/metadata/%s", c.mountPath, c.path)

	secret, err := c.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens in vault: %w", err)
	}

	// Nothing stored yet
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		// Nested folders end with a slash and are not tokens
		if id, ok := key.(string); ok && !strings.HasSuffix(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WriteSecret writes a token's credential to its KV v2 path
func (c *Client) WriteSecret(ctx context.Context, id, secret string) error {
	data := map[string]interface{}{
		"data": map[string]interface{}{
			"token": secret,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(id), data)
	if err != nil {
		return fmt.Errorf("failed to write token to vault: %w", err)
	}

	return nil
}

// ReadSecret reads a token's credential from its KV v2 path
func (c *Client) ReadSecret(ctx context.Context, id string) (string, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath(id))
	if err != nil {
		return "", fmt.Errorf("failed to read token from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no data found for token: %s", id)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid data structure for token: %s", id)
	}

	tokenValue, ok := data["token"].(string)
	if !ok {
		return "", fmt.Errorf("token value not found for token: %s", id)
	}

	return tokenValue, nil
}

// WriteState writes a token's health and usage state to Vault metadata
func (c *Client) WriteState(ctx context.Context, token *models.Token) error {
	customMetadata := map[string]interface{}{
		"source":               string(token.Source),
		"healthy":              strconv.FormatBool(token.Healthy),
		"revoked":              strconv.FormatBool(token.Revoked),
		"usage_count":          strconv.FormatInt(token.UsageCount, 10),
		"consecutive_failures": strconv.Itoa(token.ConsecutiveFailures),
		"last_status_code":     strconv.Itoa(token.LastStatusCode),
		"created_at":           token.CreatedAt.Format(time.RFC3339Nano),
	}

	// Absent timestamps are stored as empty strings
	customMetadata["last_used_at"] = formatTime(token.LastUsedAt)
	customMetadata["last_failure_at"] = formatTime(token.LastFailureAt)
	customMetadata["cooldown_until"] = formatTime(token.CooldownUntil)

	data := map[string]interface{}{
		"custom_metadata": customMetadata,
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.metadataPath(token.ID), data)
	if err != nil {
		return fmt.Errorf("failed to write token state to vault: %w", err)
	}

	return nil
}

// ReadState fills token's state fields from Vault metadata.
// A token without metadata keeps its zero state and is treated as healthy.
func (c *Client) ReadState(ctx context.Context, token *models.Token) error {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.metadataPath(token.ID))
	if err != nil {
		return fmt.Errorf("failed to read token state from vault: %w", err)
	}

	token.Healthy = true

	if secret == nil || secret.Data == nil {
		return nil
	}

	customMetadata, ok := secret.Data["custom_metadata"].(map[string]interface{})
	if !ok {
		return nil
	}

	if source, ok := customMetadata["source"].(string); ok {
		token.Source = models.Source(source)
	}

	if healthy, ok := customMetadata["healthy"].(string); ok {
		if b, err := strconv.ParseBool(healthy); err == nil {
			token.Healthy = b
		}
	}

	if revoked, ok := customMetadata["revoked"].(string); ok {
		if b, err := strconv.ParseBool(revoked); err == nil {
			token.Revoked = b
		}
	}

	if usage, ok := customMetadata["usage_count"].(string); ok {
		if n, err := strconv.ParseInt(usage, 10, 64); err == nil {
			token.UsageCount = n
		}
	}

	if failures, ok := customMetadata["consecutive_failures"].(string); ok {
		if n, err := strconv.Atoi(failures); err == nil {
			token.ConsecutiveFailures = n
		}
	}

	if status, ok := customMetadata["last_status_code"].(string); ok {
		if n, err := strconv.Atoi(status); err == nil {
			token.LastStatusCode = n
		}
	}

	if created, ok := customMetadata["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			token.CreatedAt = t
		}
	}

	token.LastUsedAt = parseTime(customMetadata["last_used_at"])
	token.LastFailureAt = parseTime(customMetadata["last_failure_at"])
	token.CooldownUntil = parseTime(customMetadata["cooldown_until"])

	return nil
}

// DeleteToken permanently removes every version of a token
func (c *Client) DeleteToken(ctx context.Context, id string) error {
	_, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(id))
	if err != nil {
		return fmt.Errorf("failed to delete token from vault: %w", err)
	}
	return nil
}

// Load reads every token stored under the pool path
func (c *Client) Load(ctx context.Context) ([]models.Token, error) {
	ids, err := c.ListTokenIDs(ctx)
	if err != nil {
		observability.RecordStorageError(ctx, backendName)
		return nil, err
	}

	tokens := make([]models.Token, 0, len(ids))
	for _, id := range ids {
		secret, err := c.ReadSecret(ctx, id)
		if err != nil {
			observability.RecordStorageError(ctx, backendName)
			return nil, err
		}

		token := models.Token{ID: id, Secret: secret}
		if err := c.ReadState(ctx, &token); err != nil {
			observability.RecordStorageError(ctx, backendName)
			return nil, err
		}
		tokens = append(tokens, token)
	}

	c.mu.Lock()
	for _, id := range ids {
		c.written[id] = true
	}
	c.mu.Unlock()

	return tokens, nil
}

// Save writes the snapshot and deletes stored tokens that are no longer in it.
// Credentials are only written for ids not stored before.
func (c *Client) Save(ctx context.Context, tokens []models.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	present := make(map[string]bool, len(tokens))
	for i := range tokens {
		token := &tokens[i]
		present[token.ID] = true

		if !c.written[token.ID] {
			if err := c.WriteSecret(ctx, token.ID, token.Secret); err != nil {
				observability.RecordStorageError(ctx, backendName)
				return err
			}
			c.written[token.ID] = true
		}

		if err := c.WriteState(ctx, token); err != nil {
			observability.RecordStorageError(ctx, backendName)
			return err
		}
	}

	for id := range c.written {
		if present[id] {
			continue
		}
		if err := c.DeleteToken(ctx, id); err != nil {
			observability.RecordStorageError(ctx, backendName)
			return err
		}
		delete(c.written, id)
		observability.GetLogger().DebugContext(ctx, "Deleted token from vault",
			slog.String("token_id", id))
	}

	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(value interface{}) *time.Time {
	s, ok := value.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
