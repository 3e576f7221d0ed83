// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// defaultCacheTTL keeps aggregator reads warm without letting the UI lag
// far behind the ledger.
const defaultCacheTTL = 30 * time.Second

// ReportCache is a short-TTL Redis cache in front of the aggregator's hot
// queries. It is strictly an optimization: every Redis failure is treated
// as a miss and the caller falls through to the store.
type ReportCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewReportCache wraps a Redis client. A nil client disables caching;
// every lookup misses.
func NewReportCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *ReportCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ReportCache{client: client, ttl: ttl, logger: logger}
}

// SummaryKey names the cached Summary for (owner, days).
func SummaryKey(ownerID string, days int) string {
	return fmt.Sprintf("aicosts:summary:%s:%d", ownerID, days)
}

// DailyKey names the cached DailyBreakdown for (owner, days).
func DailyKey(ownerID string, days int) string {
	return fmt.Sprintf("aicosts:daily:%s:%d", ownerID, days)
}

// Get loads a cached value into dest. Returns false on miss, decode
// failure, or any Redis error.
func (c *ReportCache) Get(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("[ReportCache] get %s failed, falling through: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.logger.Printf("[ReportCache] stale payload at %s, falling through: %v", key, err)
		return false
	}
	return true
}

// Set stores a value under key for the cache TTL. Failures are logged and
// ignored.
func (c *ReportCache) Set(ctx context.Context, key string, value interface{}) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Printf("[ReportCache] set %s failed: %v", key, err)
	}
}
