// Package health decides when pooled tokens are usable.
//
// A token moves healthy -> cooling_down on soft failures (once the
// consecutive failure count reaches the threshold), cooling_down ->
// recovering when the cooldown elapses, and recovering -> healthy after one
// successful probe. A hard failure revokes the token until it is re-added.
package health

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wbh1/tokenpool/pkg/models"
)

// maxBackoffSteps bounds the exponential walk; the cap is reached long before.
const maxBackoffSteps = 64

// Policy configures demotion and recovery
type Policy struct {
	// FailureThreshold is the number of consecutive soft failures that demotes a token
	FailureThreshold int
	// BaseCooldown is the cooldown after the first demoting failure
	BaseCooldown time.Duration
	// MaxCooldown caps the exponential cooldown
	MaxCooldown time.Duration
	// Jitter randomizes each cooldown by +/- this fraction (0 disables)
	Jitter float64
	// ProbeLease is how long a recovering token is reserved for a single probe
	ProbeLease time.Duration
}

// DefaultPolicy demotes on the first soft failure with a 30s cooldown doubling up to 30m
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: 1,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      30 * time.Minute,
		Jitter:           0,
		ProbeLease:       30 * time.Second,
	}
}

// Transition describes the state change caused by an outcome
type Transition struct {
	From models.State
	To   models.State
}

// Changed reports whether the outcome moved the token to another state
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Tracker applies outcomes to token records.
// It is stateless apart from its policy; callers run it inside the store's
// UpdateIfPresent so each transition is applied atomically per token.
type Tracker struct {
	policy Policy
}

// NewTracker creates a tracker, filling zero policy fields from DefaultPolicy
func NewTracker(policy Policy) *Tracker {
	def := DefaultPolicy()
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = def.FailureThreshold
	}
	if policy.BaseCooldown <= 0 {
		policy.BaseCooldown = def.BaseCooldown
	}
	if policy.MaxCooldown < policy.BaseCooldown {
		policy.MaxCooldown = max(def.MaxCooldown, policy.BaseCooldown)
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		policy.Jitter = 0
	}
	if policy.ProbeLease <= 0 {
		policy.ProbeLease = def.ProbeLease
	}
	return &Tracker{policy: policy}
}

// Policy returns the effective policy
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Apply records outcome on token at now
func (t *Tracker) Apply(token *models.Token, outcome Outcome, now time.Time) Transition {
	from := token.State(now)

	switch o := outcome.(type) {
	case Success:
		t.RecordSuccess(token, now)
	case SoftFailure:
		t.recordSoftFailure(token, o.Status, now)
	case HardFailure:
		t.recordHardFailure(token, o.Status, now)
	case Abandoned:
		token.ProbeUntil = nil
	}

	return Transition{From: from, To: token.State(now)}
}

// RecordSuccess resets the failure streak and restores health.
// A revoked token stays revoked: a late success from a request that started
// before the revocation must not resurrect it.
func (t *Tracker) RecordSuccess(token *models.Token, now time.Time) {
	usedAt := now
	token.LastUsedAt = &usedAt
	token.ProbeUntil = nil

	if token.Revoked {
		return
	}

	token.ConsecutiveFailures = 0
	token.Healthy = true
	token.CooldownUntil = nil
}

func (t *Tracker) recordHardFailure(token *models.Token, status int, now time.Time) {
	t.noteFailure(token, status, now)

	token.Revoked = true
	token.Healthy = false
	token.CooldownUntil = nil
}

// recordSoftFailure extends the streak by one. Failures landing while the
// token already cools down come from requests that were in flight when it
// was demoted; they belong to the same upstream event and leave the
// cooldown alone.
func (t *Tracker) recordSoftFailure(token *models.Token, status int, now time.Time) {
	if token.State(now) == models.StateCoolingDown {
		token.LastStatusCode = status
		return
	}

	t.noteFailure(token, status, now)

	if token.Revoked || token.ConsecutiveFailures < t.policy.FailureThreshold {
		return
	}

	streak := token.ConsecutiveFailures - t.policy.FailureThreshold + 1
	until := now.Add(t.Backoff(streak))
	token.Healthy = false
	token.CooldownUntil = &until
}

func (t *Tracker) noteFailure(token *models.Token, status int, now time.Time) {
	failedAt := now
	token.ConsecutiveFailures++
	token.LastFailureAt = &failedAt
	token.LastStatusCode = status
	token.ProbeUntil = nil
}

// IsEligible reports whether token may be handed to a caller at now
func (t *Tracker) IsEligible(token *models.Token, now time.Time) bool {
	switch token.State(now) {
	case models.StateHealthy:
		return true
	case models.StateRecovering:
		return !token.ProbeInFlight(now)
	default:
		return false
	}
}

// BeginProbe reserves a recovering token for the caller that selected it.
// It is a no-op for tokens in any other state.
func (t *Tracker) BeginProbe(token *models.Token, now time.Time) bool {
	if token.State(now) != models.StateRecovering {
		return false
	}
	until := now.Add(t.policy.ProbeLease)
	token.ProbeUntil = &until
	return true
}

// Backoff returns the cooldown for the given demotion streak (1-based)
func (t *Tracker) Backoff(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	if streak > maxBackoffSteps {
		streak = maxBackoffSteps
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     t.policy.BaseCooldown,
		RandomizationFactor: t.policy.Jitter,
		Multiplier:          2,
		MaxInterval:         t.policy.MaxCooldown,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < streak; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
