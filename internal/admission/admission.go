package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitExceeded matches every *RateLimitError
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrUnknownClass is returned for a request class with no configured rule
var ErrUnknownClass = errors.New("unknown request class")

// Class groups requests that share limits
type Class string

const (
	// ClassGeneration covers requests that consume a pooled token
	ClassGeneration Class = "generation"
	// ClassAPI covers read-only pool endpoints
	ClassAPI Class = "api"
	// ClassAdmin covers pool administration
	ClassAdmin Class = "admin"
)

// Scope names which counter denied a request
type Scope string

const (
	ScopeCaller Scope = "caller"
	ScopeGlobal Scope = "global"
)

// globalKey is the single key of every class's global limiter
const globalKey = "*"

// Rule limits one class. A zero limit disables that counter.
type Rule struct {
	PerCaller int
	Global    int
	Window    time.Duration
}

// DefaultRules returns the stock limits. Generation is the tightest since
// every call spends upstream credential capacity.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassGeneration: {PerCaller: 5, Global: 60, Window: time.Minute},
		ClassAPI:        {PerCaller: 100, Global: 1000, Window: time.Minute},
		ClassAdmin:      {PerCaller: 10, Global: 100, Window: 15 * time.Minute},
	}
}

// RateLimitError carries the denying scope and a retry hint
type RateLimitError struct {
	Class      Class
	Scope      Scope
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded for %s requests: limit %d, retry after %s",
		e.Scope, e.Class, e.Limit, e.RetryAfter.Round(time.Second))
}

// Unwrap lets errors.Is match ErrRateLimitExceeded
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

type classLimiters struct {
	caller *Limiter
	global *Limiter
}

// Admission checks the per-caller and global counters of a class together
type Admission struct {
	mu      sync.Mutex
	classes map[Class]classLimiters
}

// New builds an Admission from rules. now may be nil.
func New(rules map[Class]Rule, now func() time.Time) *Admission {
	a := &Admission{classes: make(map[Class]classLimiters, len(rules))}
	for class, rule := range rules {
		var limiters classLimiters
		if rule.PerCaller > 0 {
			limiters.caller = NewLimiter(rule.PerCaller, rule.Window, now)
		}
		if rule.Global > 0 {
			limiters.global = NewLimiter(rule.Global, rule.Window, now)
		}
		a.classes[class] = limiters
	}
	return a
}

// Allow admits one request of class charged to every key in callerKeys.
// Each key has its own per-caller window and the class's global window is
// checked on top. Either every counter has room and all are consumed, or
// none is. The returned Decision describes the tightest counter involved.
func (a *Admission) Allow(class Class, callerKeys ...string) (Decision, error) {
	limiters, ok := a.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("admission.Allow: %q: %w", class, ErrUnknownClass)
	}

	type check struct {
		limiter *Limiter
		key     string
		scope   Scope
	}

	checks := make([]check, 0, len(callerKeys)+1)
	if limiters.caller != nil {
		seen := make(map[string]bool, len(callerKeys))
		for _, key := range callerKeys {
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			checks = append(checks, check{limiter: limiters.caller, key: key, scope: ScopeCaller})
		}
	}
	if limiters.global != nil {
		checks = append(checks, check{limiter: limiters.global, key: globalKey, scope: ScopeGlobal})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range checks {
		decision := c.limiter.Peek(c.key)
		if !decision.Allowed {
			return decision, &RateLimitError{
				Class:      class,
				Scope:      c.scope,
				Limit:      decision.Limit,
				RetryAfter: decision.RetryAfter,
			}
		}
	}

	tightest := Decision{Allowed: true}
	for i, c := range checks {
		decision := c.limiter.Allow(c.key)
		if i == 0 || tighter(decision, tightest) {
			tightest = decision
		}
	}
	return tightest, nil
}

// tighter reports whether a leaves less room than b
func tighter(a, b Decision) bool {
	if a.Remaining != b.Remaining {
		return a.Remaining < b.Remaining
	}
	return a.ResetAt.After(b.ResetAt)
}
