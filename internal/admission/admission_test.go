package admission

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func TestLimiterFixedWindow(t *testing.T) {
	clock := newClock()
	l := NewLimiter(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		d := l.Allow("user-1")
		require.True(t, d.Allowed, "hit %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Equal(t, 3, d.Limit)
	}

	clock.Advance(20 * time.Second)
	d := l.Allow("user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
	assert.Equal(t, clock.Now().Add(40*time.Second), d.ResetAt)

	// Other keys are independent.
	assert.True(t, l.Allow("user-2").Allowed)

	clock.Advance(40 * time.Second)
	d = l.Allow("user-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestLimiterPeekDoesNotConsume(t *testing.T) {
	clock := newClock()
	l := NewLimiter(1, time.Minute, clock.Now)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Peek("user").Allowed)
	}
	assert.True(t, l.Allow("user").Allowed)
	assert.False(t, l.Peek("user").Allowed)
}

func TestLimiterSweepsIdleKeys(t *testing.T) {
	clock := newClock()
	l := NewLimiter(10, time.Minute, clock.Now)

	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("ip-%d", i))
	}
	assert.Len(t, l.windows, 50)

	clock.Advance(2 * time.Minute)
	l.Allow("late-caller")
	assert.Len(t, l.windows, 1)
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	assert.Equal(t, Rule{PerCaller: 5, Global: 60, Window: time.Minute}, rules[ClassGeneration])
	assert.Equal(t, Rule{PerCaller: 100, Global: 1000, Window: time.Minute}, rules[ClassAPI])
	assert.Equal(t, Rule{PerCaller: 10, Global: 100, Window: 15 * time.Minute}, rules[ClassAdmin])
}

func TestAdmissionPerCallerLimit(t *testing.T) {
	clock := newClock()
	a := New(DefaultRules(), clock.Now)

	for i := 0; i < 5; i++ {
		_, err := a.Allow(ClassGeneration, "user-1")
		require.NoError(t, err)
	}

	_, err := a.Allow(ClassGeneration, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, ScopeCaller, rlErr.Scope)
	assert.Equal(t, ClassGeneration, rlErr.Class)
	assert.Equal(t, 5, rlErr.Limit)
	assert.Equal(t, time.Minute, rlErr.RetryAfter)

	// Another caller and another class are unaffected.
	_, err = a.Allow(ClassGeneration, "user-2")
	assert.NoError(t, err)
	_, err = a.Allow(ClassAPI, "user-1")
	assert.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = a.Allow(ClassGeneration, "user-1")
	assert.NoError(t, err)
}

func TestAdmissionGlobalLimit(t *testing.T) {
	clock := newClock()
	a := New(map[Class]Rule{
		ClassGeneration: {PerCaller: 2, Global: 3, Window: time.Minute},
	}, clock.Now)

	_, err := a.Allow(ClassGeneration, "a")
	require.NoError(t, err)
	_, err = a.Allow(ClassGeneration, "b")
	require.NoError(t, err)
	_, err = a.Allow(ClassGeneration, "c")
	require.NoError(t, err)

	_, err = a.Allow(ClassGeneration, "d")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopeGlobal, rlErr.Scope)
	assert.Equal(t, 3, rlErr.Limit)
}

func TestAdmissionDenialConsumesNothing(t *testing.T) {
	clock := newClock()
	a := New(map[Class]Rule{
		ClassAPI: {PerCaller: 1, Global: 2, Window: time.Minute},
	}, clock.Now)

	_, err := a.Allow(ClassAPI, "greedy")
	require.NoError(t, err)

	// Denied by the caller counter: the global counter must not move.
	for i := 0; i < 10; i++ {
		_, err = a.Allow(ClassAPI, "greedy")
		require.ErrorIs(t, err, ErrRateLimitExceeded)
	}

	_, err = a.Allow(ClassAPI, "polite")
	assert.NoError(t, err)
}

func TestAdmissionZeroLimitDisablesCounter(t *testing.T) {
	a := New(map[Class]Rule{
		ClassAPI: {PerCaller: 0, Global: 0, Window: time.Minute},
	}, nil)

	for i := 0; i < 100; i++ {
		d, err := a.Allow(ClassAPI, "anyone")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestAdmissionUnknownClass(t *testing.T) {
	a := New(DefaultRules(), nil)
	_, err := a.Allow(Class("bulk"), "user")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestAdmissionChargesEveryCallerKey(t *testing.T) {
	clock := newClock()
	a := New(map[Class]Rule{
		ClassGeneration: {PerCaller: 3, Global: 100, Window: time.Minute},
	}, clock.Now)

	// The address key is shared while the user key rotates.
	for i := 0; i < 3; i++ {
		_, err := a.Allow(ClassGeneration, "ip:198.51.100.7", fmt.Sprintf("user:%d", i))
		require.NoError(t, err)
	}

	_, err := a.Allow(ClassGeneration, "ip:198.51.100.7", "user:fresh")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopeCaller, rlErr.Scope)

	// The denied attempt must not have charged the fresh user key.
	d, err := a.Allow(ClassGeneration, "ip:203.0.113.9", "user:fresh")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Remaining)
}

func TestAdmissionIgnoresEmptyAndRepeatedKeys(t *testing.T) {
	a := New(map[Class]Rule{
		ClassAPI: {PerCaller: 2, Window: time.Minute},
	}, newClock().Now)

	d, err := a.Allow(ClassAPI, "ip:a", "", "ip:a")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Remaining, "a repeated key is charged once")
}

func TestAdmissionReportsTightestCounter(t *testing.T) {
	clock := newClock()
	a := New(map[Class]Rule{
		ClassGeneration: {PerCaller: 5, Global: 3, Window: time.Minute},
	}, clock.Now)

	d, err := a.Allow(ClassGeneration, "ip:a")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 2, d.Remaining)

	clock.Advance(10 * time.Second)
	_, err = a.Allow(ClassGeneration, "ip:b")
	require.NoError(t, err)

	// The global window started first, so it is tighter on both counts.
	d, err = a.Allow(ClassGeneration, "ip:b")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, clock.Now().Add(50*time.Second), d.ResetAt)
}

func TestAdmissionConcurrentCallersNeverExceedGlobal(t *testing.T) {
	clock := newClock()
	a := New(map[Class]Rule{
		ClassGeneration: {PerCaller: 1000, Global: 50, Window: time.Minute},
	}, clock.Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := a.Allow(ClassGeneration, caller); err == nil {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}(fmt.Sprintf("caller-%d", w))
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := &RateLimitError{Class: ClassAdmin, Scope: ScopeGlobal, Limit: 100, RetryAfter: 90 * time.Second}
	assert.Equal(t, "global rate limit exceeded for admin requests: limit 100, retry after 1m30s", err.Error())
}
