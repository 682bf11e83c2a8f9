package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/apperr"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test_service", cfg, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, errBoom, b.Do(ctx, failing))
	}
	assert.Equal(t, StateOpen, b.State())

	// Open breaker rejects immediately with a typed error
	err := b.Do(ctx, succeeding)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBreakerOpen, apperr.CodeOf(err))
}

func TestBreakerSlidingWindow(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 3, MonitoringWindow: 60 * time.Second})
	ctx := context.Background()

	b.Do(ctx, failing)
	b.Do(ctx, failing)

	// Old failures age out of the window
	*now = now.Add(2 * time.Minute)
	b.Do(ctx, failing)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	b.Do(ctx, failing)
	b.Do(ctx, failing)
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Two consecutive successes close the breaker
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	ctx := context.Background()

	b.Do(ctx, failing)
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Failure during probe reopens with a fresh timer
	assert.Equal(t, errBoom, b.Do(ctx, failing))
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistrySharesInstances(t *testing.T) {
	r := NewRegistry(nil)

	a := r.Get(ServiceModelProvider)
	b := r.Get(ServiceModelProvider)
	assert.Same(t, a, b)

	states := r.States()
	assert.Equal(t, StateClosed, states[ServiceModelProvider])
}

func TestRedisSharedStateRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	shared := NewRedisState(client)
	ctx := context.Background()

	until := time.Now().Add(30 * time.Second).UTC()
	require.NoError(t, shared.Publish(ctx, "model_provider", StateOpen, until))

	state, got, err := shared.Fetch(ctx, "model_provider")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	assert.WithinDuration(t, until, got, time.Second)

	// Missing key: no opinion, no error
	state, _, err = shared.Fetch(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, State(""), state)
}

func TestBreakerAdoptsSharedOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	shared := NewRedisState(client)
	ctx := context.Background()

	// Another worker tripped the breaker
	require.NoError(t, shared.Publish(ctx, "test_service", StateOpen, time.Now().Add(time.Minute)))

	b := New("test_service", Config{}, shared)
	err = b.Do(ctx, succeeding)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBreakerOpen, apperr.CodeOf(err))
}
