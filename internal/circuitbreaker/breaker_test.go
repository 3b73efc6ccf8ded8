package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing(context.Context) error { return errUpstream }
func succeeding(context.Context) error { return nil }

func testConfig() Config {
	return Config{Name: "test", FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond, ProbeSuccesses: 2}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, failing), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(ctx, succeeding)
	assert.ErrorIs(t, err, ErrOpen, "an open breaker fails fast without calling fn")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	b.Do(ctx, failing)
	b.Do(ctx, failing)
	require.NoError(t, b.Do(ctx, succeeding))
	b.Do(ctx, failing)
	b.Do(ctx, failing)
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip the breaker")
}

func TestBreaker_ProbesThenCloses(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, b.State(), "one probe success is not enough")
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.Do(ctx, failing)
	assert.Equal(t, StateOpen, b.State(), "a failed probe reopens immediately")
}
