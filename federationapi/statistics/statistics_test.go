package statistics

import (
	"math"
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

func newTestStatistics(failuresUntilOpen uint32) (*Statistics, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	stats := NewStatistics(failuresUntilOpen)
	stats.now = clock.Now
	return stats, clock
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stats, _ := newTestStatistics(5)
	server := stats.ForServer("test.com")
	assert.Same(t, server, stats.ForServer("test.com"))

	for i := 1; i < 5; i++ {
		require.True(t, server.Allow())
		_, open := server.Failure()
		require.False(t, open, "failure %d should not open the circuit", i)
	}

	// A success in between resets the count.
	server.Success()
	assert.Equal(t, uint32(1), server.SuccessCount())
	assert.Equal(t, uint32(0), server.ConsecutiveFailures())
	for i := 1; i < 5; i++ {
		server.Failure()
	}
	assert.Equal(t, Closed, server.State())

	until, open := server.Failure()
	require.True(t, open)
	assert.Equal(t, Open, server.State())
	assert.False(t, server.Allow())
	require.NotNil(t, server.BackoffInfo())
	assert.Equal(t, until, *server.BackoffInfo())
}

func TestHalfOpenAdmitsOneTrial(t *testing.T) {
	stats, clock := newTestStatistics(1)
	server := stats.ForServer("test.com")
	first, open := server.Failure()
	require.True(t, open)

	clock.Advance(first.Sub(clock.Now()) + 3*time.Second)
	require.True(t, server.Allow())
	assert.Equal(t, HalfOpen, server.State())
	assert.False(t, server.Allow(), "only one trial request may run")

	// The failed trial opens the circuit for longer.
	second, open := server.Failure()
	require.True(t, open)
	assert.Equal(t, Open, server.State())
	assert.False(t, server.Allow())

	clock.Advance(second.Sub(clock.Now()) + time.Minute)
	require.True(t, server.Allow())
	server.Success()
	assert.Equal(t, Closed, server.State())
	assert.Nil(t, server.BackoffInfo())
	assert.True(t, server.Allow())
	assert.True(t, server.Allow())
}

func TestFailureWhileOpenKeepsBackoff(t *testing.T) {
	stats, _ := newTestStatistics(1)
	server := stats.ForServer("test.com")
	until, _ := server.Failure()
	again, open := server.Failure()
	assert.True(t, open)
	assert.Equal(t, until, again)
	assert.Equal(t, uint32(1), server.backoffCount.Load())
}

func TestBackoff(t *testing.T) {
	stats, clock := newTestStatistics(1)
	server := stats.ForServer("test.com")

	// Now we're going to simulate backing off a few times to see
	// what happens.
	for i := uint32(1); i <= 20; i++ {
		until, open := server.Failure()
		require.True(t, open)
		duration := until.Sub(clock.Now())

		// Check if the duration is what we expect.
		t.Logf("Backoff %d is for %s", i, duration)
		roundingAllowance := 0.01
		minDuration := time.Millisecond * time.Duration(math.Exp2(float64(i))*minJitterMultiplier*1000-roundingAllowance)
		maxDuration := time.Millisecond * time.Duration(math.Exp2(float64(i))*maxJitterMultiplier*1000+roundingAllowance)
		if minDuration > maxBackoff {
			minDuration = maxBackoff
		}
		if maxDuration > maxBackoff {
			maxDuration = maxBackoff
		}
		if duration < minDuration || duration > maxDuration {
			t.Fatalf("Backoff %d should have been between %s and %s but was %s", i, minDuration, maxDuration, duration)
		}

		// Let the backoff pass and fail the trial.
		clock.Advance(duration)
		require.True(t, server.Allow())
	}
}

func TestBackoffNotifierIsCalled(t *testing.T) {
	stats := NewStatistics(1)
	server := stats.ForServer("test.com")
	notified := make(chan struct{}, 1)
	server.AssignBackoffNotifier(func() {
		notified <- struct{}{}
	})
	server.Failure()

	// Shorten the backoff so that the timer fires straight away.
	server.mutex.Lock()
	server.openUntil = time.Now()
	server.backoffTimer.Reset(time.Millisecond)
	server.mutex.Unlock()

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("backoff notifier was not called")
	}
	assert.Equal(t, HalfOpen, server.State())
}

func TestAbandonedTrialLetsNextCallerTry(t *testing.T) {
	stats, clock := newTestStatistics(1)
	server := stats.ForServer("test.com")
	until, _ := server.Failure()
	clock.Advance(until.Sub(clock.Now()))

	require.True(t, server.Allow())
	require.False(t, server.Allow())
	server.Abandon()
	assert.True(t, server.Allow())
	assert.Equal(t, HalfOpen, server.State())
}
