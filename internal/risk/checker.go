// Package risk evaluates accounts against their evaluation rules: daily
// loss limit, maximum drawdown and profit-target progression. Breaches
// force-close every open position.
package risk

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/executor"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
)

// Config holds risk checker tunables.
type Config struct {
	// WarnProximityPct is how close (fractionally) the mark may get to the
	// liquidation price before a warning goes out. 0.015 warns at 1.5%.
	WarnProximityPct decimal.Decimal
	WarnThrottle     time.Duration
	QueueDepth       int
}

// DefaultConfig returns the production risk tunables.
func DefaultConfig() Config {
	return Config{
		WarnProximityPct: decimal.NewFromFloat(0.015),
		WarnThrottle:     60 * time.Second,
		QueueDepth:       1024,
	}
}

// Checker owns rule evaluation. Close events enqueue the account for
// evaluation on a dedicated worker so rule checks never run inside the
// executor's account lock.
type Checker struct {
	cfg       Config
	accounts  *account.Manager
	positions *position.Manager
	exec      *executor.Executor
	bus       *events.Bus
	audit     *audit.Appender
	logger    zerolog.Logger

	queue    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	now func() time.Time
}

// NewChecker wires a checker and subscribes it to the close events that
// drive evaluation.
func NewChecker(cfg Config, accounts *account.Manager, positions *position.Manager, exec *executor.Executor, bus *events.Bus, auditor *audit.Appender, logger zerolog.Logger) *Checker {
	if cfg.QueueDepth <= 0 {
		cfg = DefaultConfig()
	}
	c := &Checker{
		cfg:       cfg,
		accounts:  accounts,
		positions: positions,
		exec:      exec,
		bus:       bus,
		audit:     auditor,
		logger:    logger,
		queue:     make(chan string, cfg.QueueDepth),
		stopChan:  make(chan struct{}),
		lastWarn:  make(map[string]time.Time),
		now:       time.Now,
	}
	for _, et := range []events.EventType{
		events.EventPositionClosed,
		events.EventPositionPartial,
		events.EventAccountUpdated,
	} {
		bus.Subscribe(et, func(ev events.Event) { c.Enqueue(ev.AccountID) })
	}
	return c
}

// SetClock injects a clock for tests.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Enqueue schedules an account for evaluation. Never blocks; a full
// queue drops the request and the next close re-enqueues.
func (c *Checker) Enqueue(accountID string) {
	if accountID == "" {
		return
	}
	select {
	case c.queue <- accountID:
	default:
		log.Printf("[RISK] evaluation queue full, dropping %s", accountID)
	}
}

// Start launches the evaluation worker.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
	log.Printf("[RISK] checker started")
}

// Stop drains and halts the worker.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stopChan)
	c.wg.Wait()
	log.Printf("[RISK] checker stopped")
}

func (c *Checker) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case accountID := <-c.queue:
			c.Evaluate(context.Background(), accountID)
		}
	}
}

type verdict struct {
	breach market.BreachType
	passed bool
	step1  bool
	profit decimal.Decimal
}

// Evaluate applies the rule set to one account. Breach detection runs
// under the lock; the forced closes run after it so the close path can
// re-take it.
func (c *Checker) Evaluate(ctx context.Context, accountID string) {
	var v verdict
	err := c.accounts.WithLock(accountID, func(a *account.Account) error {
		v = c.evaluateLocked(a)
		return nil
	})
	if err != nil {
		return
	}

	now := c.now()
	switch {
	case v.breach != "":
		closed := c.exec.CloseAllForAccount(ctx, accountID, market.CloseReasonBreach)
		c.logger.Warn().
			Str("accountId", accountID).
			Str("breach", string(v.breach)).
			Int("closedPositions", closed).
			Msg("account breached")
		if c.audit != nil {
			c.audit.Append(accountID, audit.EventAccountBreached, nil, nil, map[string]any{
				"breachType":      string(v.breach),
				"closedPositions": closed,
			})
		}
		c.bus.Publish(events.Event{
			Type:      events.EventAccountBreached,
			AccountID: accountID,
			Timestamp: now,
			Data:      map[string]any{"breachType": string(v.breach)},
		})

	case v.passed:
		phase := "evaluation"
		if v.step1 {
			phase = "step1"
		}
		log.Printf("[RISK] account %s passed %s with profit %s", accountID, phase, v.profit)
		if c.audit != nil {
			c.audit.Append(accountID, audit.EventEvaluationPassed, nil, nil, map[string]any{
				"phase":  phase,
				"profit": v.profit.String(),
			})
		}
		c.bus.Publish(events.Event{
			Type:      events.EventEvaluationPassed,
			AccountID: accountID,
			Timestamp: now,
			Data:      map[string]any{"phase": phase, "profit": v.profit.String()},
		})
	}
}

func (c *Checker) evaluateLocked(a *account.Account) verdict {
	if !a.Status.CanTrade() {
		return verdict{}
	}

	if a.DailyLossLimit.IsPositive() && a.DailyPnl.LessThanOrEqual(a.DailyLossLimit.Neg()) {
		a.Status = market.StatusBreached
		a.BreachType = market.BreachDailyLoss
		c.accounts.MarkDirty(a.ID)
		return verdict{breach: market.BreachDailyLoss}
	}

	if a.MaxDrawdownLimit.IsPositive() && a.Drawdown().GreaterThanOrEqual(a.MaxDrawdownLimit) {
		a.Status = market.StatusBreached
		a.BreachType = market.BreachMaxDrawdown
		c.accounts.MarkDirty(a.ID)
		return verdict{breach: market.BreachMaxDrawdown}
	}

	profit := a.CurrentProfit()
	if a.ProfitTarget.IsPositive() &&
		profit.GreaterThanOrEqual(a.ProfitTarget) &&
		a.TradingDays >= a.Plan.MinTradingDays {
		if a.Plan.Steps == 2 && a.EvaluationStep == 1 {
			// Step two starts over from a clean book.
			a.Status = market.StatusStep1Passed
			a.EvaluationStep = 2
			a.CurrentBalance = a.StartingBalance
			a.PeakBalance = a.StartingBalance
			a.AvailableMargin = a.StartingBalance
			a.MarginUsed = decimal.Zero
			a.DailyStartingBalance = a.StartingBalance
			a.DailyPnl = decimal.Zero
			a.TradingDays = 0
			a.ClosedToday = false
			c.accounts.MarkDirty(a.ID)
			return verdict{passed: true, step1: true, profit: profit}
		}
		a.Status = market.StatusPassed
		c.accounts.MarkDirty(a.ID)
		return verdict{passed: true, profit: profit}
	}

	return verdict{}
}

// OnPriceTick emits throttled liquidation warnings for positions whose
// mark is inside the configured proximity of their liquidation price.
func (c *Checker) OnPriceTick(tick market.PriceTick) {
	now := c.now()
	for _, p := range c.positions.GetBySymbol(tick.Symbol) {
		if !c.nearLiquidation(p, tick.Mid) {
			continue
		}
		c.warnMu.Lock()
		last, seen := c.lastWarn[p.ID]
		if seen && now.Sub(last) < c.cfg.WarnThrottle {
			c.warnMu.Unlock()
			continue
		}
		c.lastWarn[p.ID] = now
		c.warnMu.Unlock()

		if c.audit != nil {
			c.audit.Append(p.AccountID, audit.EventLiquidationWarning, &p.ID, nil, map[string]any{
				"symbol":           p.Symbol,
				"mark":             tick.Mid.String(),
				"liquidationPrice": p.LiquidationPrice.String(),
			})
		}
		c.bus.Publish(events.Event{
			Type:      events.EventLiquidationWarn,
			AccountID: p.AccountID,
			Timestamp: now,
			Data: map[string]any{
				"positionId":       p.ID,
				"symbol":           p.Symbol,
				"mark":             tick.Mid.String(),
				"liquidationPrice": p.LiquidationPrice.String(),
			},
		})
	}
}

func (c *Checker) nearLiquidation(p *position.Position, mark decimal.Decimal) bool {
	if !p.LiquidationPrice.IsPositive() {
		return false
	}
	band := p.LiquidationPrice.Mul(c.cfg.WarnProximityPct)
	if p.Side == market.SideLong {
		// Long liquidates as price falls toward the level from above.
		return mark.Sub(p.LiquidationPrice).LessThanOrEqual(band) && mark.GreaterThan(p.LiquidationPrice)
	}
	return p.LiquidationPrice.Sub(mark).LessThanOrEqual(band) && mark.LessThan(p.LiquidationPrice)
}

// ForgetPosition drops warning throttle state for a closed position.
func (c *Checker) ForgetPosition(positionID string) {
	c.warnMu.Lock()
	delete(c.lastWarn, positionID)
	c.warnMu.Unlock()
}
