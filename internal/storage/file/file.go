// Package file persists the pool as a single age-sealed CBOR snapshot.
//
// The snapshot is written to a temporary file in the target directory and
// renamed into place, so readers never observe a partial write.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/internal/sealed"
	"github.com/wbh1/tokenpool/pkg/models"
)

const (
	backendName = "file"

	// snapshotVersion is bumped when the record layout changes incompatibly
	snapshotVersion = 1
)

// ErrUnsupportedVersion is returned for snapshots written by a newer layout
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: identical pools produce identical bytes
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("file: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("file: CBOR decoder initialization failed: " + err.Error())
	}
}

type snapshot struct {
	Version int      `cbor:"version"`
	Tokens  []record `cbor:"tokens"`
}

type record struct {
	ID                  string     `cbor:"id"`
	Secret              string     `cbor:"secret"`
	Source              string     `cbor:"source"`
	Healthy             bool       `cbor:"healthy"`
	Revoked             bool       `cbor:"revoked,omitempty"`
	UsageCount          int64      `cbor:"usage_count"`
	ConsecutiveFailures int        `cbor:"consecutive_failures,omitempty"`
	LastStatusCode      int        `cbor:"last_status_code,omitempty"`
	CreatedAt           time.Time  `cbor:"created_at"`
	LastUsedAt          *time.Time `cbor:"last_used_at,omitempty"`
	LastFailureAt       *time.Time `cbor:"last_failure_at,omitempty"`
	CooldownUntil       *time.Time `cbor:"cooldown_until,omitempty"`
}

// Store reads and writes the snapshot at a fixed path
type Store struct {
	path   string
	sealer *sealed.Sealer
}

// New returns a file store sealing snapshots with sealer
func New(path string, sealer *sealed.Sealer) *Store {
	return &Store{path: path, sealer: sealer}
}

// Load decrypts and decodes the snapshot. A missing file is an empty pool.
func (s *Store) Load(ctx context.Context) ([]models.Token, error) {
	ciphertext, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		observability.RecordStorageError(ctx, backendName)
		return nil, fmt.Errorf("reading snapshot %s: %w", s.path, err)
	}

	plaintext, err := s.sealer.Open(ciphertext)
	if err != nil {
		observability.RecordStorageError(ctx, backendName)
		return nil, fmt.Errorf("opening snapshot %s: %w", s.path, err)
	}

	var snap snapshot
	if err := decMode.Unmarshal(plaintext, &snap); err != nil {
		observability.RecordStorageError(ctx, backendName)
		return nil, fmt.Errorf("decoding snapshot %s: %w", s.path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}

	tokens := make([]models.Token, 0, len(snap.Tokens))
	for _, r := range snap.Tokens {
		tokens = append(tokens, models.Token{
			ID:                  r.ID,
			Secret:              r.Secret,
			Source:              models.Source(r.Source),
			Healthy:             r.Healthy,
			Revoked:             r.Revoked,
			UsageCount:          r.UsageCount,
			ConsecutiveFailures: r.ConsecutiveFailures,
			LastStatusCode:      r.LastStatusCode,
			CreatedAt:           r.CreatedAt,
			LastUsedAt:          r.LastUsedAt,
			LastFailureAt:       r.LastFailureAt,
			CooldownUntil:       r.CooldownUntil,
		})
	}
	return tokens, nil
}

// Save replaces the snapshot with tokens
func (s *Store) Save(ctx context.Context, tokens []models.Token) error {
	snap := snapshot{
		Version: snapshotVersion,
		Tokens:  make([]record, 0, len(tokens)),
	}
	for _, t := range tokens {
		snap.Tokens = append(snap.Tokens, record{
			ID:                  t.ID,
			Secret:              t.Secret,
			Source:              string(t.Source),
			Healthy:             t.Healthy,
			Revoked:             t.Revoked,
			UsageCount:          t.UsageCount,
			ConsecutiveFailures: t.ConsecutiveFailures,
			LastStatusCode:      t.LastStatusCode,
			CreatedAt:           t.CreatedAt,
			LastUsedAt:          t.LastUsedAt,
			LastFailureAt:       t.LastFailureAt,
			CooldownUntil:       t.CooldownUntil,
		})
	}

	plaintext, err := encMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	ciphertext, err := s.sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing snapshot: %w", err)
	}

	if err := s.writeFile(ciphertext); err != nil {
		observability.RecordStorageError(ctx, backendName)
		return err
	}
	return nil
}

// writeFile atomically replaces the snapshot file
func (s *Store) writeFile(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "tokenpool-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing snapshot data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing snapshot data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming snapshot file to %s: %w", s.path, err)
	}

	success = true
	return nil
}
