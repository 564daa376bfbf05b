package models

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

// Source is the provenance tag of a pooled token
type Source string

const (
	SourceManual    Source = "manual"
	SourceAPI       Source = "api"
	SourcePool      Source = "pool"
	SourceExtension Source = "extension"
	SourceHarvested Source = "harvested"
	SourceConfig    Source = "config"
)

// Valid reports whether s is one of the known provenance tags
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceAPI, SourcePool, SourceExtension, SourceHarvested, SourceConfig:
		return true
	}
	return false
}

// State is the derived health phase of a token at a point in time
type State string

const (
	StateHealthy     State = "healthy"
	StateCoolingDown State = "cooling_down"
	StateRecovering  State = "recovering"
	StateRevoked     State = "revoked"
)

// Token represents a pooled upstream credential with its health and usage state
type Token struct {
	ID                  string     // Stable identifier derived from the secret
	Secret              string     // The credential value (never logged)
	Source              Source     // Where the token came from
	Healthy             bool       // Current usability
	Revoked             bool       // Set by a hard failure, cleared only by re-add
	UsageCount          int64      // Successful selections
	ConsecutiveFailures int        // Reset on any success
	LastStatusCode      int        // Status code of the last failure
	CreatedAt           time.Time  // When the token entered the pool
	LastUsedAt          *time.Time // Last selection or success
	LastFailureAt       *time.Time // Last reported failure
	CooldownUntil       *time.Time // Excluded from selection until this instant
	ProbeUntil          *time.Time // In-memory lease held by a recovery probe
}

// TokenID derives the pool identifier for a secret.
// The same secret always yields the same id, which is what makes duplicate
// detection possible without ever comparing or storing secrets in indexes.
func TokenID(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16])
}

// NewToken builds a fresh healthy token record
func NewToken(secret string, source Source, now time.Time) Token {
	return Token{
		ID:        TokenID(secret),
		Secret:    secret,
		Source:    source,
		Healthy:   true,
		CreatedAt: now,
	}
}

// State returns the health phase of the token at now
func (t *Token) State(now time.Time) State {
	if t.Revoked {
		return StateRevoked
	}
	if t.CoolingDown(now) {
		return StateCoolingDown
	}
	if t.Healthy {
		return StateHealthy
	}
	// Unhealthy without a cooldown can only come from a hard failure or a
	// hand-edited record; either way it needs a re-add.
	if t.CooldownUntil == nil {
		return StateRevoked
	}
	return StateRecovering
}

// CoolingDown returns true while the cooldown window is still in the future
func (t *Token) CoolingDown(now time.Time) bool {
	return t.CooldownUntil != nil && now.Before(*t.CooldownUntil)
}

// ProbeInFlight returns true while a recovery probe holds the lease
func (t *Token) ProbeInFlight(now time.Time) bool {
	return t.ProbeUntil != nil && now.Before(*t.ProbeUntil)
}

// Clone returns a deep copy so callers never share timestamp pointers with the store
func (t Token) Clone() Token {
	t.LastUsedAt = cloneTime(t.LastUsedAt)
	t.LastFailureAt = cloneTime(t.LastFailureAt)
	t.CooldownUntil = cloneTime(t.CooldownUntil)
	t.ProbeUntil = cloneTime(t.ProbeUntil)
	return t
}

// View returns the redacted representation of the token
func (t *Token) View(now time.Time) TokenView {
	return TokenView{
		ID:                  t.ID,
		Source:              t.Source,
		State:               t.State(now),
		Healthy:             t.Healthy,
		UsageCount:          t.UsageCount,
		ConsecutiveFailures: t.ConsecutiveFailures,
		LastStatusCode:      t.LastStatusCode,
		CreatedAt:           t.CreatedAt,
		LastUsedAt:          cloneTime(t.LastUsedAt),
		LastFailureAt:       cloneTime(t.LastFailureAt),
		CooldownUntil:       cloneTime(t.CooldownUntil),
	}
}

// TokenView is a token without its secret, safe to expose to admins
type TokenView struct {
	ID                  string     `json:"id"`
	Source              Source     `json:"source"`
	State               State      `json:"state"`
	Healthy             bool       `json:"healthy"`
	UsageCount          int64      `json:"usage_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastStatusCode      int        `json:"last_status_code,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
