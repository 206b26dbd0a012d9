// Package price derives the quotes the engine fills against: upstream mid
// plus a per-symbol spread markup, gated by staleness and a per-symbol
// circuit breaker.
package price

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
)

var (
	ErrNoPrice     = errors.New("no price available")
	ErrStalePrice  = errors.New("price is stale")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

var twentyThousand = decimal.NewFromInt(20000)

// Subscriber receives every accepted tick. Delivery happens synchronously
// on the feed ingress goroutine; implementations must not block.
type Subscriber interface {
	OnPriceTick(tick market.PriceTick)
}

// Config holds price engine tunables
type Config struct {
	DefaultSpreadBps float64
	SymbolSpreads    map[string]float64
	StaleThreshold   time.Duration
	BreakerPct       float64       // fractional move that trips the breaker
	BreakerReset     time.Duration // quiet period before self-heal
}

type breakerState struct {
	lastMid    decimal.Decimal
	lastAt     time.Time
	hasLast    bool
	tripped    bool
	rejections int64
}

// Engine is the per-symbol quote store. Mutated only by the feed ingress
// goroutine; readers take lock-free-ish snapshots under an RWMutex.
type Engine struct {
	mu          sync.RWMutex
	ticks       map[string]market.PriceTick
	spreads     map[string]float64
	breakers    map[string]*breakerState
	subscribers []Subscriber

	defaultSpreadBps float64
	staleThreshold   time.Duration
	breakerPct       decimal.Decimal
	breakerReset     time.Duration

	now func() time.Time
}

// NewEngine creates a price engine from config.
func NewEngine(cfg Config) *Engine {
	spreads := make(map[string]float64, len(cfg.SymbolSpreads))
	for sym, bps := range cfg.SymbolSpreads {
		spreads[sym] = bps
	}
	return &Engine{
		ticks:            make(map[string]market.PriceTick),
		spreads:          spreads,
		breakers:         make(map[string]*breakerState),
		defaultSpreadBps: cfg.DefaultSpreadBps,
		staleThreshold:   cfg.StaleThreshold,
		breakerPct:       decimal.NewFromFloat(cfg.BreakerPct),
		breakerReset:     cfg.BreakerReset,
		now:              time.Now,
	}
}

// Subscribe registers a tick subscriber. Not safe to call once the feed
// is running; wire subscribers at startup.
func (e *Engine) Subscribe(sub Subscriber) {
	e.subscribers = append(e.subscribers, sub)
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// UpdatePrice ingests an upstream quote, derives the marked-up tick and
// fans it out. Returns the accepted tick, or ErrCircuitOpen for a
// breaker-rejected tick.
func (e *Engine) UpdatePrice(symbol string, upstreamBid, upstreamAsk decimal.Decimal) (market.PriceTick, error) {
	now := e.now()
	mid := upstreamBid.Add(upstreamAsk).Div(decimal.NewFromInt(2))

	e.mu.Lock()
	br := e.breakers[symbol]
	if br == nil {
		br = &breakerState{}
		e.breakers[symbol] = br
	}

	if rejected := e.gateLocked(br, mid, now); rejected {
		br.rejections++
		e.mu.Unlock()
		return market.PriceTick{}, ErrCircuitOpen
	}

	spreadBps := e.spreadLocked(symbol)
	halfSpread := mid.Mul(decimal.NewFromFloat(spreadBps)).Div(twentyThousand)

	tick := market.PriceTick{
		Symbol:      symbol,
		UpstreamBid: upstreamBid,
		UpstreamAsk: upstreamAsk,
		Bid:         mid.Sub(halfSpread),
		Ask:         mid.Add(halfSpread),
		Mid:         mid,
		SpreadBps:   spreadBps,
		Timestamp:   now,
	}
	// Timestamps are monotone per symbol even if the wall clock steps back.
	if prev, ok := e.ticks[symbol]; ok && tick.Timestamp.Before(prev.Timestamp) {
		tick.Timestamp = prev.Timestamp
	}

	e.ticks[symbol] = tick
	br.lastMid = mid
	br.lastAt = now
	br.hasLast = true
	if br.tripped {
		log.Printf("[PRICE] Circuit breaker reset for %s after %d rejected ticks", symbol, br.rejections)
		br.tripped = false
		br.rejections = 0
	}
	subs := e.subscribers
	e.mu.Unlock()

	for _, sub := range subs {
		sub.OnPriceTick(tick)
	}
	return tick, nil
}

// gateLocked applies the circuit breaker. A move beyond the threshold
// within the reset window trips the symbol; once tripped every tick is
// rejected until the quiet period since the last accepted tick elapses.
func (e *Engine) gateLocked(br *breakerState, mid decimal.Decimal, now time.Time) bool {
	if !br.hasLast || br.lastMid.IsZero() {
		return false
	}
	elapsed := now.Sub(br.lastAt)
	if elapsed >= e.breakerReset {
		return false
	}
	if br.tripped {
		return true
	}
	change := mid.Sub(br.lastMid).Div(br.lastMid).Abs()
	if change.GreaterThan(e.breakerPct) {
		br.tripped = true
		log.Printf("[PRICE] Circuit breaker tripped: %.2f%% move within %s", change.Mul(decimal.NewFromInt(100)).InexactFloat64(), elapsed)
		return true
	}
	return false
}

// GetPrice returns the last accepted tick for a symbol.
func (e *Engine) GetPrice(symbol string) (market.PriceTick, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tick, ok := e.ticks[symbol]
	return tick, ok
}

// ExecutionPrice returns the price an order on the given side fills at,
// after staleness and breaker gating.
func (e *Engine) ExecutionPrice(symbol string, side market.Side) (decimal.Decimal, error) {
	e.mu.RLock()
	tick, ok := e.ticks[symbol]
	br := e.breakers[symbol]
	tripped := br != nil && br.tripped
	e.mu.RUnlock()

	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	if tripped {
		return decimal.Zero, ErrCircuitOpen
	}
	if tick.Age(e.now()) > e.staleThreshold {
		return decimal.Zero, ErrStalePrice
	}
	return tick.ExecutionPrice(side), nil
}

// IsStale reports whether the symbol's tick is older than maxAge, or missing.
func (e *Engine) IsStale(symbol string, maxAge time.Duration) bool {
	e.mu.RLock()
	tick, ok := e.ticks[symbol]
	e.mu.RUnlock()
	if !ok {
		return true
	}
	return tick.Age(e.now()) > maxAge
}

// IsTripped reports whether the symbol's circuit breaker is open.
func (e *Engine) IsTripped(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	br := e.breakers[symbol]
	return br != nil && br.tripped
}

// SetSpread overrides a symbol's spread in basis points.
func (e *Engine) SetSpread(symbol string, bps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spreads[symbol] = bps
	log.Printf("[PRICE] Spread for %s set to %.2f bps", symbol, bps)
}

func (e *Engine) spreadLocked(symbol string) float64 {
	if bps, ok := e.spreads[symbol]; ok {
		return bps
	}
	return e.defaultSpreadBps
}

// StaleThreshold exposes the configured staleness window.
func (e *Engine) StaleThreshold() time.Duration {
	return e.staleThreshold
}
