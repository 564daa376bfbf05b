package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbh1/tokenpool/internal/health"
	"github.com/wbh1/tokenpool/internal/store"
	"github.com/wbh1/tokenpool/pkg/models"
)

var errNoAnswer = errors.New("connection refused")

// fakeChecker answers with a fixed status per secret; unknown secrets get 200
type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]int
	down     bool
	calls    []string
}

func (f *fakeChecker) Check(ctx context.Context, secret string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, secret)
	if f.down {
		return 0, errNoAnswer
	}
	if status, ok := f.statuses[secret]; ok {
		return status, nil
	}
	return http.StatusOK, nil
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newCheckedManager(t *testing.T, checker *fakeChecker, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithChecker(checker)}, opts...)
	return NewManager(health.DefaultPolicy(), opts...), clock
}

func TestAddTokenCheckedUpstream(t *testing.T) {
	checker := &fakeChecker{statuses: map[string]int{
		"dead-secret":    http.StatusUnauthorized,
		"banned-secret":  http.StatusForbidden,
		"busy-secret":    http.StatusTooManyRequests,
		"invalid-prompt": http.StatusBadRequest,
	}}
	m, _ := newCheckedManager(t, checker, WithCheckOnAdd())
	ctx := context.Background()

	for _, secret := range []string{"dead-secret", "banned-secret"} {
		_, err := m.AddToken(ctx, secret, models.SourceAPI)
		assert.ErrorIs(t, err, ErrInvalidToken, secret)
	}
	for _, secret := range []string{"busy-secret", "invalid-prompt", "fine-secret"} {
		_, err := m.AddToken(ctx, secret, models.SourceAPI)
		assert.NoError(t, err, secret)
	}

	assert.Equal(t, 3, m.Status().TotalTokens)
	assert.Equal(t, 5, checker.callCount())
}

func TestAddTokenCheckSkipsLiveDuplicates(t *testing.T) {
	checker := &fakeChecker{}
	m, _ := newCheckedManager(t, checker, WithCheckOnAdd())

	mustAdd(t, m, "known-secret")
	_, err := m.AddToken(context.Background(), "known-secret", models.SourceAPI)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 1, checker.callCount())
}

func TestAddTokenCheckWithoutAnswer(t *testing.T) {
	checker := &fakeChecker{down: true}
	m, _ := newCheckedManager(t, checker, WithCheckOnAdd())

	_, err := m.AddToken(context.Background(), "some-secret", models.SourceAPI)
	assert.ErrorIs(t, err, errNoAnswer)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, m.Status().TotalTokens)
}

func TestAddTokenSkipsCheckByDefault(t *testing.T) {
	checker := &fakeChecker{statuses: map[string]int{"dead-secret": http.StatusUnauthorized}}
	m, _ := newCheckedManager(t, checker)

	mustAdd(t, m, "dead-secret")
	assert.Zero(t, checker.callCount())
}

func TestAddTokensBatchCountsRejected(t *testing.T) {
	checker := &fakeChecker{statuses: map[string]int{"dead-1": http.StatusUnauthorized}}
	m, _ := newCheckedManager(t, checker, WithCheckOnAdd())

	result, err := m.AddTokensBatch(context.Background(), []string{"ok-1", "dead-1", "ok-2", "ok-1"}, models.SourceAPI)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 3, checker.callCount(), "a repeated secret is checked once")
}

func TestAddTokensBatchCheckWithoutAnswerAddsNothing(t *testing.T) {
	checker := &fakeChecker{down: true}
	m, _ := newCheckedManager(t, checker, WithCheckOnAdd())

	_, err := m.AddTokensBatch(context.Background(), []string{"ok-1", "ok-2"}, models.SourceAPI)
	require.Error(t, err)
	assert.Zero(t, m.Status().TotalTokens)
}

func TestCheckHealthRestoresRecoveringToken(t *testing.T) {
	checker := &fakeChecker{}
	m, clock := newCheckedManager(t, checker)
	ctx := context.Background()

	id := mustAdd(t, m, "cooling-secret")
	_, err := m.SelectToken(ctx, "caller")
	require.NoError(t, err)
	require.NoError(t, m.ReportOutcome(ctx, id, http.StatusTooManyRequests, time.Millisecond))

	// Still cooling down: nothing to check yet.
	report := m.CheckHealth(ctx, CheckOptions{})
	assert.Zero(t, report.Checked)

	clock.Advance(30 * time.Second)
	report = m.CheckHealth(ctx, CheckOptions{})
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, []string{"cooling-secret"}, checker.calls)

	assert.Equal(t, 1, m.Status().AvailableTokens)
	metrics := m.Metrics()
	assert.EqualValues(t, 0, metrics.SuccessfulOutcomes, "checks stay out of traffic counters")
	assert.EqualValues(t, 1, metrics.FailedOutcomes)
}

func TestCheckHealthRevokesDeadIdleToken(t *testing.T) {
	checker := &fakeChecker{statuses: map[string]int{"idle-dead": http.StatusForbidden}}
	m, clock := newCheckedManager(t, checker)
	ctx := context.Background()

	deadID := mustAdd(t, m, "idle-dead")
	mustAdd(t, m, "idle-fine")

	report := m.CheckHealth(ctx, CheckOptions{IdleAfter: time.Hour})
	assert.Zero(t, report.Checked, "fresh tokens are not idle")

	clock.Advance(time.Hour)
	report = m.CheckHealth(ctx, CheckOptions{IdleAfter: time.Hour})
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Healthy)

	dead, err := m.Get(deadID)
	require.NoError(t, err)
	assert.True(t, dead.Revoked)

	// Revoked tokens are left for a re-add.
	clock.Advance(time.Hour)
	checker.calls = nil
	m.CheckHealth(ctx, CheckOptions{IdleAfter: time.Hour})
	assert.Equal(t, []string{"idle-fine"}, checker.calls)
}

func TestCheckHealthWithoutAnswerKeepsState(t *testing.T) {
	checker := &fakeChecker{down: true}
	m, clock := newCheckedManager(t, checker)
	ctx := context.Background()

	id := mustAdd(t, m, "cooling-secret")
	_, err := m.SelectToken(ctx, "caller")
	require.NoError(t, err)
	require.NoError(t, m.ReportOutcome(ctx, id, http.StatusServiceUnavailable, time.Millisecond))
	clock.Advance(30 * time.Second)

	report := m.CheckHealth(ctx, CheckOptions{})
	assert.Equal(t, 1, report.Unanswered)
	assert.Zero(t, report.Checked)

	token, err := m.Get(id)
	require.NoError(t, err)
	assert.Nil(t, token.ProbeUntil, "the lease is released")
	assert.Equal(t, models.StateRecovering, token.State(clock.Now()))
}

func TestCheckHealthSkipsTokenUnderLiveProbe(t *testing.T) {
	checker := &fakeChecker{}
	m, clock := newCheckedManager(t, checker)
	ctx := context.Background()

	id := mustAdd(t, m, "probing-secret")
	_, err := m.SelectToken(ctx, "caller")
	require.NoError(t, err)
	require.NoError(t, m.ReportOutcome(ctx, id, http.StatusTooManyRequests, 0))
	clock.Advance(30 * time.Second)

	_, err = m.SelectToken(ctx, "caller")
	require.NoError(t, err)

	report := m.CheckHealth(ctx, CheckOptions{})
	assert.Zero(t, report.Checked)
	assert.Zero(t, checker.callCount())
}

func TestCheckHealthLowCapacity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	report := m.CheckHealth(ctx, CheckOptions{MinHealthy: 3})
	assert.True(t, report.LowCapacity)
	assert.Zero(t, report.Healthy)

	for _, secret := range []string{"s-1", "s-2", "s-3"} {
		mustAdd(t, m, secret)
	}
	report = m.CheckHealth(ctx, CheckOptions{MinHealthy: 3})
	assert.False(t, report.LowCapacity)
	assert.Equal(t, 3, report.Healthy)
}
