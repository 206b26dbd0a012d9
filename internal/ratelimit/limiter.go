// Package ratelimit enforces per-user per-action limits through shared
// redis counters, falling back to a local sliding window while the cache
// is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action names rate-limited client operations
type Action string

const (
	ActionPlaceOrder     Action = "PLACE_ORDER"
	ActionModifyPosition Action = "MODIFY_POSITION"
	ActionClosePosition  Action = "CLOSE_POSITION"
	ActionSubscribe      Action = "SUBSCRIBE"
	ActionUnsubscribe    Action = "UNSUBSCRIBE"
	ActionDefault        Action = "DEFAULT"
)

// defaultLimits are per-second allowances per action
var defaultLimits = map[Action]int{
	ActionPlaceOrder:     10,
	ActionModifyPosition: 20,
	ActionClosePosition:  20,
	ActionSubscribe:      5,
	ActionUnsubscribe:    5,
	ActionDefault:        100,
}

const window = time.Second

// Limiter is the shared-counter rate limiter. While redis answers, every
// process enforcing the same keys converges on one budget; during an
// outage each process falls back to its own window and the limiter
// reports itself degraded.
type Limiter struct {
	rdb     *redis.Client
	limits  map[Action]int
	timeout time.Duration

	mu       sync.Mutex
	degraded bool
	local    map[string]*localWindow

	now func() time.Time
}

type localWindow struct {
	windowStart time.Time
	count       int
}

// NewLimiter creates a limiter over a redis client.
func NewLimiter(rdb *redis.Client, timeout time.Duration) *Limiter {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Limiter{
		rdb:     rdb,
		limits:  defaultLimits,
		timeout: timeout,
		local:   make(map[string]*localWindow),
		now:     time.Now,
	}
}

// SetLimit overrides one action's per-second allowance.
func (l *Limiter) SetLimit(action Action, perSecond int) {
	limits := make(map[Action]int, len(l.limits))
	for k, v := range l.limits {
		limits[k] = v
	}
	limits[action] = perSecond
	l.limits = limits
}

// Allow reports whether one more occurrence of the action is within the
// user's budget for the current window.
func (l *Limiter) Allow(ctx context.Context, userID string, action Action) bool {
	limit, ok := l.limits[action]
	if !ok {
		limit = l.limits[ActionDefault]
	}

	if l.rdb != nil {
		allowed, err := l.allowShared(ctx, userID, action, limit)
		if err == nil {
			l.setDegraded(false)
			return allowed
		}
		if !l.isDegraded() {
			log.Printf("[RATELIMIT] Shared counter unavailable, falling back to local window: %v", err)
		}
		l.setDegraded(true)
	}
	return l.allowLocal(userID, action, limit)
}

// Degraded reports whether the limiter is running on its local fallback.
func (l *Limiter) Degraded() bool {
	return l.isDegraded()
}

func (l *Limiter) allowShared(ctx context.Context, userID string, action Action, limit int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := fmt.Sprintf("ratelimit:%s:%s", action, userID)
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		// First hit in the window owns the expiry.
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

func (l *Limiter) allowLocal(userID string, action Action, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(action) + ":" + userID
	now := l.now()
	w, ok := l.local[key]
	if !ok || now.Sub(w.windowStart) >= window {
		l.local[key] = &localWindow{windowStart: now, count: 1}
		return true
	}
	w.count++
	return w.count <= limit
}

func (l *Limiter) setDegraded(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded && !v {
		log.Printf("[RATELIMIT] Shared counters recovered, leaving degraded mode")
		l.local = make(map[string]*localWindow)
	}
	l.degraded = v
}

func (l *Limiter) isDegraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}
