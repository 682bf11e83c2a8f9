package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// capScript increments the campaign's daily counter and sets its expiry on
// first touch so the key dies shortly after midnight UTC.
var capScript = redis.NewScript(`
	local v = redis.call("INCR", KEYS[1])
	if v == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return v
`)

// DailyCap enforces per-campaign daily send limits through a shared Redis
// counter so the cap holds across worker processes.
type DailyCap struct {
	client *redis.Client
}

// NewDailyCap creates the cap tracker. A nil client disables capping.
func NewDailyCap(client *redis.Client) *DailyCap {
	return &DailyCap{client: client}
}

// Allow consumes one send from the campaign's daily budget. limit <= 0 means
// uncapped. Redis errors fail open: a broken counter should not stop sends.
func (c *DailyCap) Allow(ctx context.Context, campaignID string, limit int) bool {
	if limit <= 0 || c == nil || c.client == nil {
		return true
	}
	now := time.Now().UTC()
	key := fmt.Sprintf("sendcap:%s:%s", campaignID, now.Format("2006-01-02"))
	ttl := int(time.Until(now.Truncate(24*time.Hour).Add(25*time.Hour)) / time.Second)

	n, err := capScript.Run(ctx, c.client, []string{key}, ttl).Int()
	if err != nil {
		log.Printf("[Scheduler] Daily cap check failed for campaign %s: %v", campaignID, err)
		return true
	}
	if n > limit {
		return false
	}
	return true
}
