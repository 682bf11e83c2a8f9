package scheduler

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyCapEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewDailyCap(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "camp-1", 3), "send %d should fit the budget", i+1)
	}
	assert.False(t, limiter.Allow(ctx, "camp-1", 3))

	// Budgets are per campaign.
	assert.True(t, limiter.Allow(ctx, "camp-2", 3))
}

func TestDailyCapZeroMeansUncapped(t *testing.T) {
	limiter := NewDailyCap(nil)
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow(context.Background(), "camp-1", 0))
	}
}

func TestDailyCapFailsOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	limiter := NewDailyCap(client)
	assert.True(t, limiter.Allow(context.Background(), "camp-1", 1))
}
