package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wbh1/tokenpool/internal/sealed"
	"github.com/wbh1/tokenpool/pkg/models"
)

// countingSealer records every secret it seals
type countingSealer struct {
	secretSealer

	mu     sync.Mutex
	sealed []string
}

func (c *countingSealer) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	c.sealed = append(c.sealed, string(plaintext))
	c.mu.Unlock()
	return c.secretSealer.Seal(plaintext)
}

func (c *countingSealer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sealed)
}

func newTestSealer(t *testing.T) *sealed.Sealer {
	t.Helper()
	identity, _, err := sealed.GenerateIdentity()
	require.NoError(t, err)
	sealer, err := sealed.New(identity)
	require.NoError(t, err)
	return sealer
}

func TestQueueSaveSealsOnlyNewSecrets(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	known := models.NewToken("secret-known", models.SourceAPI, now)
	fresh := models.NewToken("secret-fresh", models.SourceAPI, now)

	sealer := &countingSealer{secretSealer: newTestSealer(t)}
	st := &Storage{sealer: sealer, stored: map[string]bool{known.ID: true}}

	batch := &pgx.Batch{}
	plan, err := st.queueSave(batch, []models.Token{known, fresh})
	require.NoError(t, err)

	assert.Equal(t, []string{"secret-fresh"}, sealer.sealed)
	assert.Equal(t, []string{fresh.ID}, plan.fresh)
	assert.Equal(t, map[int]string{0: known.ID}, plan.updates)
	assert.Equal(t, []string{known.ID, fresh.ID}, plan.ids)

	require.Equal(t, 3, batch.Len())
	assert.True(t, strings.HasPrefix(strings.TrimSpace(batch.QueuedQueries[0].SQL), "UPDATE pool_tokens"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(batch.QueuedQueries[1].SQL), "INSERT INTO pool_tokens"))
	assert.True(t, strings.HasPrefix(batch.QueuedQueries[2].SQL, "DELETE FROM pool_tokens"))
	for _, arg := range batch.QueuedQueries[0].Arguments {
		assert.NotEqual(t, "secret-known", arg)
	}
}

// Integration tests run against a real PostgreSQL started with testcontainers-go.
//
// Run locally:
//   GO_TEST_INTEGRATION=1 go test ./internal/storage/postgres -v -count=1

// startPostgres starts a container, applies the schema and returns a ready storage.
// The test is skipped unless GO_TEST_INTEGRATION is set.
func startPostgres(t *testing.T) (*Storage, string) {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "docker.io/postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_USER": "user", "POSTGRES_PASSWORD": "pass", "POSTGRES_DB": "db"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		ProviderType:     tc.ProviderDocker,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://user:pass@%s:%s/db?sslmode=disable", host, port.Port())

	st, err := New(ctx, dsn, newTestSealer(t))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	require.NoError(t, st.Migrate(ctx))
	// Migrations are idempotent
	require.NoError(t, st.Migrate(ctx))

	return st, dsn
}

func TestIntegration_SaveAndLoad(t *testing.T) {
	st, _ := startPostgres(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cooldown := now.Add(time.Minute)

	first := models.NewToken("secret-first", models.SourceAPI, now)
	first.UsageCount = 4
	first.LastUsedAt = &now

	second := models.NewToken("secret-second", models.SourceConfig, now)
	second.Healthy = false
	second.ConsecutiveFailures = 1
	second.LastStatusCode = 503
	second.LastFailureAt = &now
	second.CooldownUntil = &cooldown

	require.NoError(t, st.Save(ctx, []models.Token{first, second}))

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	require.Equal(t, first.ID, loaded[0].ID)
	require.Equal(t, "secret-first", loaded[0].Secret)
	require.Equal(t, models.SourceAPI, loaded[0].Source)
	require.EqualValues(t, 4, loaded[0].UsageCount)
	require.NotNil(t, loaded[0].LastUsedAt)
	require.True(t, now.Equal(*loaded[0].LastUsedAt))
	require.Nil(t, loaded[0].CooldownUntil)

	require.Equal(t, second.ID, loaded[1].ID)
	require.False(t, loaded[1].Healthy)
	require.Equal(t, 503, loaded[1].LastStatusCode)
	require.NotNil(t, loaded[1].CooldownUntil)
	require.True(t, cooldown.Equal(*loaded[1].CooldownUntil))
}

func TestIntegration_SaveDeletesMissingAndKeepsOrder(t *testing.T) {
	st, _ := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := models.NewToken("secret-a", models.SourceManual, now)
	b := models.NewToken("secret-b", models.SourceManual, now)
	c := models.NewToken("secret-c", models.SourceManual, now)
	require.NoError(t, st.Save(ctx, []models.Token{a, b, c}))

	// b removed, c moves ahead of a
	require.NoError(t, st.Save(ctx, []models.Token{c, a}))

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, c.ID, loaded[0].ID)
	require.Equal(t, a.ID, loaded[1].ID)

	require.NoError(t, st.Save(ctx, nil))
	loaded, err = st.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestIntegration_SecretsAreSealed(t *testing.T) {
	st, dsn := startPostgres(t)
	ctx := context.Background()

	token := models.NewToken("secret-plain", models.SourceAPI, time.Now())
	require.NoError(t, st.Save(ctx, []models.Token{token}))

	var raw []byte
	err := st.db.QueryRow(ctx, `SELECT secret_sealed FROM pool_tokens WHERE id = $1`, token.ID).Scan(&raw)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-plain")

	// A different identity cannot open stored secrets
	identity, _, err := sealed.GenerateIdentity()
	require.NoError(t, err)
	other, err := sealed.New(identity)
	require.NoError(t, err)
	reader, err := New(ctx, dsn, other)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Load(ctx)
	require.Error(t, err)
}

func TestIntegration_ContextCanceled(t *testing.T) {
	st, _ := startPostgres(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := st.Save(ctx, []models.Token{models.NewToken("secret", models.SourceAPI, time.Now())})
	require.Error(t, err)

	_, err = st.Load(ctx)
	require.Error(t, err)
}

func TestIntegration_SealsEachSecretOnce(t *testing.T) {
	st, _ := startPostgres(t)
	ctx := context.Background()

	sealer := &countingSealer{secretSealer: st.sealer}
	st.sealer = sealer

	now := time.Now().UTC()
	a := models.NewToken("secret-a", models.SourceManual, now)
	b := models.NewToken("secret-b", models.SourceManual, now)
	require.NoError(t, st.Save(ctx, []models.Token{a, b}))
	assert.Equal(t, 2, sealer.count())

	a.UsageCount = 7
	require.NoError(t, st.Save(ctx, []models.Token{a, b}))
	require.NoError(t, st.Save(ctx, []models.Token{a, b}))
	assert.Equal(t, 2, sealer.count(), "known ids are not sealed again")

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.EqualValues(t, 7, loaded[0].UsageCount)
	assert.Equal(t, "secret-a", loaded[0].Secret)

	// A removed token that comes back is written with its secret again.
	require.NoError(t, st.Save(ctx, []models.Token{a}))
	require.NoError(t, st.Save(ctx, []models.Token{a, b}))
	assert.Equal(t, 3, sealer.count())
}

func TestIntegration_SaveRecoversFromVanishedRow(t *testing.T) {
	st, _ := startPostgres(t)
	ctx := context.Background()

	a := models.NewToken("secret-a", models.SourceManual, time.Now().UTC())
	require.NoError(t, st.Save(ctx, []models.Token{a}))

	_, err := st.db.Exec(ctx, `DELETE FROM pool_tokens`)
	require.NoError(t, err)

	require.Error(t, st.Save(ctx, []models.Token{a}))
	require.NoError(t, st.Save(ctx, []models.Token{a}))

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "secret-a", loaded[0].Secret)
}
