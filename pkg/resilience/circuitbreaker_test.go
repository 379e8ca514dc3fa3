package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", BreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Second})
	b.now = clock.Now
	return b, clock
}

var errBackend = errors.New("backend down")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, succeed))
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State(), "failed trial re-opens")

	clock.Advance(time.Second)
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSingleTrialInFlight(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	clock.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	assert.ErrorIs(t, b.Do(ctx, succeed), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	b := NewBreaker("slow", BreakerConfig{FailureThreshold: 1, CallTimeout: 5 * time.Millisecond})
	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}
