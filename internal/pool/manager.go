// Package pool is the public entry point of the token pool.
//
// Manager composes the store, the health tracker and the selection policy.
// Every mutation runs under one mutex so usage increments and cursor moves
// never race; status and metrics are computed from the store's copy-out
// snapshot without taking that mutex. Callers perform the upstream request
// between SelectToken and ReportOutcome, outside any lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/wbh1/tokenpool/internal/health"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/internal/selection"
	"github.com/wbh1/tokenpool/internal/store"
	"github.com/wbh1/tokenpool/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxSecretLength bounds a single credential
const MaxSecretLength = 8 << 10

var (
	// ErrInvalidToken is returned when a secret or source fails validation
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidOutcome is returned for status codes that are neither 0 nor
	// an HTTP status (100-599)
	ErrInvalidOutcome = errors.New("invalid outcome status")
)

// Checker asks the upstream whether it accepts a credential. An error means
// no answer was obtained.
type Checker interface {
	Check(ctx context.Context, secret string) (int, error)
}

// Persister loads and saves the pool's records. Implementations own
// encryption of secrets at rest.
type Persister interface {
	Load(ctx context.Context) ([]models.Token, error)
	Save(ctx context.Context, tokens []models.Token) error
}

// BatchResult reports what a batch add did
type BatchResult struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected,omitempty"`
	IDs        []string `json:"ids"`
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithChecker gives the pool an upstream checker for CheckHealth
func WithChecker(c Checker) Option {
	return func(m *Manager) {
		m.checker = c
	}
}

// WithCheckOnAdd makes AddToken and AddTokensBatch run new credentials past
// the checker and refuse those the upstream rejects. It needs WithChecker.
func WithCheckOnAdd() Option {
	return func(m *Manager) {
		m.checkOnAdd = true
	}
}

// Manager owns one pool of tokens
type Manager struct {
	mu      sync.Mutex
	store   *store.Store
	tracker *health.Tracker
	policy  *selection.Policy
	now     func() time.Time

	checker    Checker
	checkOnAdd bool

	// generation increments on every mutation; flushed is the last
	// generation handed to a persister successfully
	generation atomic.Uint64
	flushed    atomic.Uint64
	flushMu    sync.Mutex

	selections atomic.Int64
	rejected   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	latencyMs  atomic.Int64
	latencyN   atomic.Int64
}

// NewManager creates an empty pool using the given health policy
func NewManager(policy health.Policy, opts ...Option) *Manager {
	m := &Manager{
		store:   store.New(),
		tracker: health.NewTracker(policy),
		policy:  selection.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateSecret checks a single credential. The value is otherwise opaque:
// harvested cookie strings such as "a=b; c=d" are fine.
func ValidateSecret(secret string) error {
	switch {
	case strings.TrimSpace(secret) == "":
		return fmt.Errorf("%w: empty secret", ErrInvalidToken)
	case len(secret) > MaxSecretLength:
		return fmt.Errorf("%w: secret longer than %d bytes", ErrInvalidToken, MaxSecretLength)
	case strings.ContainsFunc(secret, unicode.IsControl):
		return fmt.Errorf("%w: secret contains control characters", ErrInvalidToken)
	}
	return nil
}

func validateSource(source models.Source) error {
	if !source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidToken, source)
	}
	return nil
}

// AddToken validates and inserts a single token.
// Re-adding the secret of a revoked token re-admits it; re-adding a live one
// returns store.ErrConflict.
func (m *Manager) AddToken(ctx context.Context, secret string, source models.Source) (string, error) {
	const op = "pool.AddToken"

	if err := ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := validateSource(source); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if m.needsCheck(secret) {
		if err := m.checkNew(ctx, secret); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	m.mu.Lock()
	id, err := m.addLocked(secret, source)
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	observability.GetLogger().InfoContext(ctx, "Token added to pool",
		observability.LogAttrs(ctx,
			slog.String("token_id", id),
			slog.String("source", string(source)))...)
	m.RecordGauges(ctx)

	return id, nil
}

// AddTokensBatch validates every secret before inserting any. Inserts are
// independent: a duplicate is counted and skipped without aborting the rest.
func (m *Manager) AddTokensBatch(ctx context.Context, secrets []string, source models.Source) (BatchResult, error) {
	const op = "pool.AddTokensBatch"

	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "AddTokensBatch")
	defer span.End()

	span.SetAttributes(
		attribute.Int("batch.size", len(secrets)),
		attribute.String("token.source", string(source)),
	)

	if len(secrets) == 0 {
		err := fmt.Errorf("%s: %w: empty batch", op, ErrInvalidToken)
		span.SetStatus(codes.Error, "empty batch")
		return BatchResult{}, err
	}
	if err := validateSource(source); err != nil {
		span.SetStatus(codes.Error, "invalid source")
		return BatchResult{}, fmt.Errorf("%s: %w", op, err)
	}
	for i, secret := range secrets {
		if err := ValidateSecret(secret); err != nil {
			span.SetStatus(codes.Error, "invalid secret")
			return BatchResult{}, fmt.Errorf("%s: token %d: %w", op, i, err)
		}
	}

	result := BatchResult{IDs: make([]string, 0, len(secrets))}

	// Every check runs before any insert so a lost upstream leaves the
	// pool untouched.
	accepted := secrets
	if m.checkOnAdd && m.checker != nil {
		accepted = make([]string, 0, len(secrets))
		checked := make(map[string]bool, len(secrets))
		for _, secret := range secrets {
			if checked[secret] || !m.needsCheck(secret) {
				accepted = append(accepted, secret)
				continue
			}
			if err := m.checkNew(ctx, secret); err != nil {
				if errors.Is(err, ErrInvalidToken) {
					result.Rejected++
					continue
				}
				span.RecordError(err)
				span.SetStatus(codes.Error, "credential check failed")
				return BatchResult{}, fmt.Errorf("%s: %w", op, err)
			}
			checked[secret] = true
			accepted = append(accepted, secret)
		}
	}

	m.mu.Lock()
	for _, secret := range accepted {
		id, err := m.addLocked(secret, source)
		if err != nil {
			// Only conflicts are possible after validation.
			result.Duplicates++
			continue
		}
		result.Added++
		result.IDs = append(result.IDs, id)
	}
	m.mu.Unlock()

	span.SetAttributes(
		attribute.Int("batch.added", result.Added),
		attribute.Int("batch.duplicates", result.Duplicates),
		attribute.Int("batch.rejected", result.Rejected),
	)
	span.SetStatus(codes.Ok, "batch added")

	observability.GetLogger().InfoContext(ctx, "Token batch added to pool",
		observability.LogAttrs(ctx,
			slog.Int("added", result.Added),
			slog.Int("duplicates", result.Duplicates),
			slog.Int("rejected", result.Rejected),
			slog.String("source", string(source)))...)
	m.RecordGauges(ctx)

	return result, nil
}

// needsCheck reports whether adding secret would put a credential into
// rotation that the upstream has not vouched for. Live duplicates are
// refused anyway and skip the call.
func (m *Manager) needsCheck(secret string) bool {
	if !m.checkOnAdd || m.checker == nil {
		return false
	}
	existing, err := m.store.Get(models.TokenID(secret))
	if err != nil {
		return true
	}
	return existing.State(m.now()) == models.StateRevoked
}

// checkNew asks the upstream about a credential before it is admitted.
// Only an answer saying the credential itself is bad refuses it; throttling
// and server errors do not.
func (m *Manager) checkNew(ctx context.Context, secret string) error {
	id := models.TokenID(secret)

	status, err := m.checker.Check(ctx, secret)
	if err != nil {
		return err
	}
	if _, hard := health.Classify(status).(health.HardFailure); hard {
		observability.GetLogger().WarnContext(ctx, "Upstream rejected new token",
			observability.LogAttrs(ctx,
				slog.String("token_id", id),
				slog.Int("status", status))...)
		return fmt.Errorf("%w: rejected by upstream with status %d", ErrInvalidToken, status)
	}
	return nil
}

func (m *Manager) addLocked(secret string, source models.Source) (string, error) {
	now := m.now()
	token := models.NewToken(secret, source, now)

	revived := false
	m.store.UpdateIfPresent(token.ID, func(existing *models.Token) {
		if existing.State(now) != models.StateRevoked {
			return
		}
		existing.Secret = secret
		existing.Source = source
		existing.Revoked = false
		existing.Healthy = true
		existing.ConsecutiveFailures = 0
		existing.CooldownUntil = nil
		existing.ProbeUntil = nil
		revived = true
	})
	if revived {
		m.markDirty()
		return token.ID, nil
	}

	id, err := m.store.Insert(token)
	if err != nil {
		return "", err
	}
	m.markDirty()
	return id, nil
}

// RemoveToken deletes a token from the pool
func (m *Manager) RemoveToken(ctx context.Context, id string) error {
	const op = "pool.RemoveToken"

	m.mu.Lock()
	removed := m.store.Remove(id)
	if removed {
		m.compactLocked()
		m.markDirty()
	}
	m.mu.Unlock()

	if !removed {
		return fmt.Errorf("%s: %s: %w", op, id, store.ErrNotFound)
	}

	observability.GetLogger().InfoContext(ctx, "Token removed from pool",
		observability.LogAttrs(ctx, slog.String("token_id", id))...)
	m.RecordGauges(ctx)

	return nil
}

// compactLocked reclaims tombstones once they exceed half of the arena
func (m *Manager) compactLocked() {
	if m.store.Tombstones()*2 <= m.store.Slots() {
		return
	}
	m.policy.SetCursor(m.store.Compact(m.policy.Cursor()))
}

// SelectToken hands out the least used eligible token. The returned record
// is a copy that includes the secret; callerID is used for tracing only.
func (m *Manager) SelectToken(ctx context.Context, callerID string) (models.Token, error) {
	const op = "pool.SelectToken"

	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "SelectToken")
	defer span.End()

	span.SetAttributes(attribute.String("caller.id", callerID))

	m.mu.Lock()
	now := m.now()
	entries, slots := m.store.Entries()
	choice, err := m.policy.SelectNext(entries, slots, m.tracker.IsEligible, now)
	if err != nil {
		m.mu.Unlock()
		m.rejected.Add(1)
		observability.RecordSelection(ctx, "exhausted")
		span.SetStatus(codes.Error, "no healthy token")
		observability.GetLogger().WarnContext(ctx, "No eligible token in pool",
			observability.LogAttrs(ctx,
				slog.String("caller_id", callerID),
				slog.Int("total_tokens", len(entries)))...)
		return models.Token{}, fmt.Errorf("%s: %w", op, err)
	}

	var (
		selected models.Token
		probe    bool
	)
	m.store.UpdateIfPresent(choice.Token.ID, func(token *models.Token) {
		token.UsageCount++
		usedAt := now
		token.LastUsedAt = &usedAt
		probe = m.tracker.BeginProbe(token, now)
		selected = token.Clone()
	})
	m.markDirty()
	m.mu.Unlock()

	m.selections.Add(1)
	observability.RecordSelection(ctx, "selected")
	span.SetAttributes(
		attribute.String("token.id", selected.ID),
		attribute.Bool("token.probe", probe),
	)
	span.SetStatus(codes.Ok, "token selected")

	if probe {
		observability.GetLogger().DebugContext(ctx, "Recovering token selected for probe",
			observability.LogAttrs(ctx, slog.String("token_id", selected.ID))...)
	}

	return selected, nil
}

// ReportOutcome classifies an upstream status for the token that served it.
// Reports for tokens no longer in the pool are logged and ignored.
func (m *Manager) ReportOutcome(ctx context.Context, id string, status int, latency time.Duration) error {
	const op = "pool.ReportOutcome"

	if status < 0 || (status > 0 && status < 100) || status > 599 {
		return fmt.Errorf("%s: %w: %d", op, ErrInvalidOutcome, status)
	}

	m.report(ctx, id, health.Classify(status), latency, true)
	return nil
}

// ReportAbandoned releases a selection whose caller gave up before an
// upstream answer arrived. Health is left untouched.
func (m *Manager) ReportAbandoned(ctx context.Context, id string) {
	m.report(ctx, id, health.Abandoned{}, 0, true)
}

// report applies outcome to the token. Traffic outcomes feed the pool's
// success and latency counters; health check outcomes only move state.
func (m *Manager) report(ctx context.Context, id string, outcome health.Outcome, latency time.Duration, traffic bool) {
	var transition health.Transition

	m.mu.Lock()
	now := m.now()
	found := m.store.UpdateIfPresent(id, func(token *models.Token) {
		transition = m.tracker.Apply(token, outcome, now)
	})
	if found {
		m.markDirty()
	}
	m.mu.Unlock()

	logger := observability.GetLogger()
	if !found {
		logger.WarnContext(ctx, "Outcome reported for unknown token",
			observability.LogAttrs(ctx,
				slog.String("token_id", id),
				slog.String("outcome", string(outcome.Kind())))...)
		return
	}

	kind := outcome.Kind()
	if traffic {
		switch kind {
		case health.KindSuccess:
			m.successes.Add(1)
		case health.KindSoftFailure, health.KindHardFailure:
			m.failures.Add(1)
		}
		if latency > 0 && kind != health.KindAbandoned {
			m.latencyMs.Add(latency.Milliseconds())
			m.latencyN.Add(1)
			observability.RecordUpstreamLatency(ctx, string(kind), latency)
		}
		observability.RecordOutcome(ctx, string(kind))
	}

	if transition.Changed() {
		level := slog.LevelInfo
		if transition.To == models.StateRevoked {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "Token health changed",
			observability.LogAttrs(ctx,
				slog.String("token_id", id),
				slog.String("from", string(transition.From)),
				slog.String("to", string(transition.To)),
				slog.Int("status", outcome.StatusCode()))...)
		m.RecordGauges(ctx)
	}
}

// Get returns a copy of one token record
func (m *Manager) Get(id string) (models.Token, error) {
	token, err := m.store.Get(id)
	if err != nil {
		return models.Token{}, fmt.Errorf("pool.Get: %w", err)
	}
	return token, nil
}

// Status counts tokens by health at the current instant
func (m *Manager) Status() models.PoolStatus {
	status, _, _ := m.summarize(m.store.ListAll(), m.now())
	return status
}

func (m *Manager) summarize(tokens []models.Token, now time.Time) (models.PoolStatus, int64, map[models.Source]int) {
	var (
		status   models.PoolStatus
		usage    int64
		bySource = make(map[models.Source]int)
	)

	status.TotalTokens = len(tokens)
	for i := range tokens {
		token := &tokens[i]
		usage += token.UsageCount
		bySource[token.Source]++

		if token.Healthy && !token.Revoked {
			status.HealthyTokens++
		}
		switch token.State(now) {
		case models.StateHealthy:
			status.AvailableTokens++
		case models.StateCoolingDown:
			status.CoolingDownTokens++
			status.DegradedTokens++
		case models.StateRecovering:
			status.RecoveringTokens++
			status.DegradedTokens++
		case models.StateRevoked:
			status.RevokedTokens++
		}
	}

	return status, usage, bySource
}

// Metrics returns status counts with derived percentages and traffic counters
func (m *Manager) Metrics() models.PoolMetrics {
	status, usage, bySource := m.summarize(m.store.ListAll(), m.now())

	metrics := models.PoolMetrics{
		PoolStatus:             status,
		HealthPercentage:       models.Percentage(status.HealthyTokens, status.TotalTokens),
		AvailabilityPercentage: models.Percentage(status.AvailableTokens, status.TotalTokens),
		TotalUsage:             usage,
		TokensBySource:         bySource,
		TotalSelections:        m.selections.Load(),
		RejectedSelections:     m.rejected.Load(),
		SuccessfulOutcomes:     m.successes.Load(),
		FailedOutcomes:         m.failures.Load(),
	}

	if reported := metrics.SuccessfulOutcomes + metrics.FailedOutcomes; reported > 0 {
		metrics.SuccessRate = float64(metrics.SuccessfulOutcomes) / float64(reported) * 100.0
	}
	if n := m.latencyN.Load(); n > 0 {
		metrics.AverageLatencyMs = float64(m.latencyMs.Load()) / float64(n)
	}

	return metrics
}

// Tokens returns redacted views of every token in insertion order
func (m *Manager) Tokens() []models.TokenView {
	now := m.now()
	tokens := m.store.ListAll()
	views := make([]models.TokenView, 0, len(tokens))
	for i := range tokens {
		views = append(views, tokens[i].View(now))
	}
	return views
}

// RecordGauges publishes token counts by state
func (m *Manager) RecordGauges(ctx context.Context) {
	status := m.Status()
	observability.RecordTokenCount(ctx, string(models.StateHealthy), int64(status.AvailableTokens))
	observability.RecordTokenCount(ctx, string(models.StateCoolingDown), int64(status.CoolingDownTokens))
	observability.RecordTokenCount(ctx, string(models.StateRecovering), int64(status.RecoveringTokens))
	observability.RecordTokenCount(ctx, string(models.StateRevoked), int64(status.RevokedTokens))
}

// Prune removes unhealthy tokens whose last failure is older than ttl and
// returns how many were removed
func (m *Manager) Prune(ctx context.Context, ttl time.Duration) int {
	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "Prune")
	defer span.End()

	m.mu.Lock()
	now := m.now()
	var pruned []string
	for _, token := range m.store.ListAll() {
		if token.Healthy || token.LastFailureAt == nil {
			continue
		}
		if now.Sub(*token.LastFailureAt) < ttl {
			continue
		}
		if m.store.Remove(token.ID) {
			pruned = append(pruned, token.ID)
		}
	}
	if len(pruned) > 0 {
		m.compactLocked()
		m.markDirty()
	}
	m.mu.Unlock()

	span.SetAttributes(attribute.Int("pruned", len(pruned)))

	logger := observability.GetLogger()
	for _, id := range pruned {
		logger.InfoContext(ctx, "Pruned dead token",
			observability.LogAttrs(ctx, slog.String("token_id", id))...)
	}
	if len(pruned) > 0 {
		m.RecordGauges(ctx)
	}

	return len(pruned)
}

// Load inserts records from p. Records already present are skipped and probe
// leases are discarded. It returns the number of records inserted.
func (m *Manager) Load(ctx context.Context, p Persister) (int, error) {
	const op = "pool.Load"

	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "Load")
	defer span.End()

	tokens, err := p.Load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load tokens")
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger := observability.GetLogger()
	loaded := 0

	m.mu.Lock()
	for _, token := range tokens {
		if err := ValidateSecret(token.Secret); err != nil {
			logger.WarnContext(ctx, "Skipping invalid persisted token",
				observability.LogAttrs(ctx,
					slog.String("token_id", token.ID),
					slog.Any("error", err))...)
			continue
		}
		token.ID = models.TokenID(token.Secret)
		token.ProbeUntil = nil
		if !token.Source.Valid() {
			token.Source = models.SourceManual
		}
		if _, err := m.store.Insert(token); err != nil {
			continue
		}
		loaded++
	}
	m.mu.Unlock()

	span.SetAttributes(attribute.Int("tokens.loaded", loaded))
	span.SetStatus(codes.Ok, "tokens loaded")
	logger.InfoContext(ctx, "Loaded persisted tokens",
		observability.LogAttrs(ctx,
			slog.Int("loaded", loaded),
			slog.Int("records", len(tokens)))...)
	m.RecordGauges(ctx)

	return loaded, nil
}

// Flush saves a snapshot to p when the pool changed since the last flush.
// It reports whether anything was written.
func (m *Manager) Flush(ctx context.Context, p Persister) (bool, error) {
	const op = "pool.Flush"

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	if !m.Dirty() {
		return false, nil
	}
	// Mutations after this load mark the pool dirty again.
	generation := m.generation.Load()

	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "Flush")
	defer span.End()

	tokens := m.store.ListAll()
	for i := range tokens {
		tokens[i].ProbeUntil = nil
	}

	if err := p.Save(ctx, tokens); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save tokens")
		return false, fmt.Errorf("%s: %w", op, err)
	}

	m.flushed.Store(generation)

	span.SetAttributes(attribute.Int("tokens.saved", len(tokens)))
	span.SetStatus(codes.Ok, "tokens saved")
	observability.GetLogger().DebugContext(ctx, "Flushed pool snapshot",
		observability.LogAttrs(ctx, slog.Int("tokens", len(tokens)))...)

	return true, nil
}

// Dirty reports whether the pool changed since the last successful flush
func (m *Manager) Dirty() bool {
	return m.generation.Load() != m.flushed.Load()
}

func (m *Manager) markDirty() {
	m.generation.Add(1)
}
