// Package cache provides Redis-backed shared state: live price snapshots
// for other engine instances and the audit fan-out channel. Every
// operation degrades gracefully; the engine keeps trading when Redis is
// down.
package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"propfirm-engine/config"
)

// CacheService wraps the Redis client with a failure-counting health
// gate. When unhealthy, writes are skipped instead of timing out on the
// hot path.
type CacheService struct {
	client *redis.Client

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
	opTimeout     time.Duration
}

// NewCacheService connects to Redis. A failed initial connection returns
// the service in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig) *CacheService {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		opTimeout:     2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[CACHE] Initial Redis connection failed: %v", err)
		return cs
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	log.Printf("[CACHE] Redis connected at %s", cfg.Address)
	return cs
}

// Client exposes the underlying Redis client for components that manage
// their own degradation (rate limiter, audit fan-out).
func (cs *CacheService) Client() *redis.Client {
	return cs.client
}

// IsHealthy reports whether Redis is currently usable.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

// Close releases the Redis connection pool.
func (cs *CacheService) Close() error {
	return cs.client.Close()
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			log.Printf("[CACHE] Redis marked unhealthy after %d failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.healthy {
		log.Printf("[CACHE] Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// shouldAttempt returns true when healthy, or when the recovery probe
// interval has elapsed.
func (cs *CacheService) shouldAttempt() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.healthy {
		return true
	}
	return time.Since(cs.lastCheck) >= cs.checkInterval
}

// do runs one Redis operation under the health gate.
func (cs *CacheService) do(fn func(ctx context.Context) error) {
	if !cs.shouldAttempt() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cs.opTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		cs.recordFailure()
		return
	}
	cs.recordSuccess()
}
