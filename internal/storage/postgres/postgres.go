// Package postgres persists the pool in a PostgreSQL table.
// Secrets are stored age-sealed; every other column is plain so operators can
// inspect pool health with SQL.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/internal/sealed"
	"github.com/wbh1/tokenpool/pkg/models"
)

const backendName = "postgres"

//go:embed schema.sql
var schema string

// secretSealer is the part of *sealed.Sealer the storage uses
type secretSealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

type Storage struct {
	db     *pgxpool.Pool
	sealer secretSealer

	mu     sync.Mutex
	stored map[string]bool // ids whose sealed secret is already in the table
}

// New creates and pings a connection pool
func New(ctx context.Context, dsn string, sealer *sealed.Sealer) (*Storage, error) {
	const op = "storage.postgres.New"

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db, sealer: sealer, stored: make(map[string]bool)}, nil
}

// Migrate creates the pool table if it does not exist
func (s *Storage) Migrate(ctx context.Context) error {
	const op = "storage.postgres.Migrate"

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.db.Close()
}

// Load returns all stored tokens in their saved rotation order
func (s *Storage) Load(ctx context.Context) ([]models.Token, error) {
	const op = "storage.postgres.Load"

	rows, err := s.db.Query(ctx, `
	SELECT id, secret_sealed, source, healthy, revoked, usage_count, consecutive_failures,
		last_status_code, created_at, last_used_at, last_failure_at, cooldown_until
	FROM pool_tokens
	ORDER BY position, id
	`)
	if err != nil {
		observability.RecordStorageError(ctx, backendName)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		var (
			token      models.Token
			ciphertext []byte
			source     string
		)
		if err := rows.Scan(
			&token.ID,
			&ciphertext,
			&source,
			&token.Healthy,
			&token.Revoked,
			&token.UsageCount,
			&token.ConsecutiveFailures,
			&token.LastStatusCode,
			&token.CreatedAt,
			&token.LastUsedAt,
			&token.LastFailureAt,
			&token.CooldownUntil,
		); err != nil {
			observability.RecordStorageError(ctx, backendName)
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}

		secret, err := s.sealer.Open(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%s: token %s: %w", op, token.ID, err)
		}
		token.Secret = string(secret)
		token.Source = models.Source(source)
		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		observability.RecordStorageError(ctx, backendName)
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}

	s.mu.Lock()
	for _, token := range tokens {
		s.stored[token.ID] = true
	}
	s.mu.Unlock()

	return tokens, nil
}

const insertToken = `
INSERT INTO pool_tokens (id, position, secret_sealed, source, healthy, revoked, usage_count,
	consecutive_failures, last_status_code, created_at, last_used_at, last_failure_at, cooldown_until)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE
SET
position = EXCLUDED.position,
source = EXCLUDED.source,
healthy = EXCLUDED.healthy,
revoked = EXCLUDED.revoked,
usage_count = EXCLUDED.usage_count,
consecutive_failures = EXCLUDED.consecutive_failures,
last_status_code = EXCLUDED.last_status_code,
last_used_at = EXCLUDED.last_used_at,
last_failure_at = EXCLUDED.last_failure_at,
cooldown_until = EXCLUDED.cooldown_until
`

const updateToken = `
UPDATE pool_tokens
SET
position = $2,
source = $3,
healthy = $4,
revoked = $5,
usage_count = $6,
consecutive_failures = $7,
last_status_code = $8,
last_used_at = $9,
last_failure_at = $10,
cooldown_until = $11
WHERE id = $1
`

// savePlan records what a queued batch will do
type savePlan struct {
	fresh   []string       // ids sealed and inserted by this save
	updates map[int]string // batch index of each state-only update
	ids     []string
}

// Save upserts every token and deletes rows not in the snapshot, in one transaction.
// An id always maps to the same secret, so only ids not stored yet are sealed
// and written with their secret; the rest get a state-only update.
func (s *Storage) Save(ctx context.Context, tokens []models.Token) error {
	const op = "storage.postgres.Save"

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &pgx.Batch{}
	plan, err := s.queueSave(batch, tokens)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		observability.RecordStorageError(ctx, backendName)
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			observability.RecordStorageError(ctx, backendName)
			return fmt.Errorf("%s: batch item %d: %w", op, i, err)
		}
		if id, ok := plan.updates[i]; ok && tag.RowsAffected() == 0 {
			// The row went away behind our back; the next save reinserts it.
			br.Close()
			delete(s.stored, id)
			observability.RecordStorageError(ctx, backendName)
			return fmt.Errorf("%s: token %s: row missing", op, id)
		}
	}
	if err := br.Close(); err != nil {
		observability.RecordStorageError(ctx, backendName)
		return fmt.Errorf("%s: batch: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		observability.RecordStorageError(ctx, backendName)
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	present := make(map[string]bool, len(plan.ids))
	for _, id := range plan.ids {
		present[id] = true
	}
	for id := range s.stored {
		if !present[id] {
			delete(s.stored, id)
		}
	}
	for _, id := range plan.fresh {
		s.stored[id] = true
	}
	return nil
}

// queueSave fills batch for a snapshot, sealing only secrets not stored yet.
// s.mu must be held.
func (s *Storage) queueSave(batch *pgx.Batch, tokens []models.Token) (savePlan, error) {
	plan := savePlan{
		updates: make(map[int]string),
		ids:     make([]string, 0, len(tokens)),
	}

	for i, token := range tokens {
		plan.ids = append(plan.ids, token.ID)

		if s.stored[token.ID] {
			plan.updates[batch.Len()] = token.ID
			batch.Queue(updateToken, token.ID, i, string(token.Source), token.Healthy, token.Revoked,
				token.UsageCount, token.ConsecutiveFailures, token.LastStatusCode,
				utcOrNil(token.LastUsedAt), utcOrNil(token.LastFailureAt), utcOrNil(token.CooldownUntil))
			continue
		}

		ciphertext, err := s.sealer.Seal([]byte(token.Secret))
		if err != nil {
			return savePlan{}, fmt.Errorf("token %s: %w", token.ID, err)
		}
		plan.fresh = append(plan.fresh, token.ID)
		batch.Queue(insertToken, token.ID, i, ciphertext, string(token.Source), token.Healthy, token.Revoked, token.UsageCount,
			token.ConsecutiveFailures, token.LastStatusCode, token.CreatedAt.UTC(),
			utcOrNil(token.LastUsedAt), utcOrNil(token.LastFailureAt), utcOrNil(token.CooldownUntil))
	}
	batch.Queue(`DELETE FROM pool_tokens WHERE NOT (id = ANY($1))`, plan.ids)

	return plan, nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
