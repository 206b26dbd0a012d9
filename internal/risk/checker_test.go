package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/executor"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
	"propfirm-engine/internal/price"
	"propfirm-engine/internal/trigger"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// nullStore satisfies the executor store and the account persister with
// in-memory no-ops.
type nullStore struct {
	mu     sync.Mutex
	trades int
}

func (s *nullStore) OpenPositionTx(context.Context, *position.Position, database.OrderRow, database.TradeEventRow, *account.Account) error {
	return nil
}

func (s *nullStore) ClosePositionTx(context.Context, database.TradeRow, database.TradeEventRow, *position.Position, *account.Account) error {
	s.mu.Lock()
	s.trades++
	s.mu.Unlock()
	return nil
}

func (s *nullStore) InsertOrder(context.Context, database.OrderRow) error        { return nil }
func (s *nullStore) UpdateOrderStatus(context.Context, string, string) error    { return nil }
func (s *nullStore) GetOrderByClientID(context.Context, string) (*database.OrderRow, error) {
	return nil, nil
}
func (s *nullStore) UpdatePositionTPSL(context.Context, string, *decimal.Decimal, *decimal.Decimal) error {
	return nil
}
func (s *nullStore) SaveAccounts(context.Context, []*account.Account) error { return nil }

type testEnv struct {
	checker  *Checker
	exec     *executor.Executor
	accounts *account.Manager
	pos      *position.Manager
	prices   *price.Engine
	bus      *events.Bus
	clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	env := &testEnv{clock: &now, bus: events.NewBus()}

	store := &nullStore{}
	env.prices = price.NewEngine(price.Config{
		DefaultSpreadBps: 2,
		StaleThreshold:   5 * time.Second,
		BreakerPct:       0.05,
		BreakerReset:     time.Second,
	})
	env.prices.SetClock(func() time.Time { return *env.clock })
	env.accounts = account.NewManager(store, account.DefaultFlushConfig())
	env.pos = position.NewManager()

	env.exec = executor.NewExecutor(executor.DefaultConfig(), env.prices, env.accounts, env.pos,
		trigger.NewEngine(nil, zerolog.Nop()), store, nil, nil, nil, env.bus, zerolog.Nop())
	env.exec.SetClock(func() time.Time { return *env.clock })

	env.checker = NewChecker(DefaultConfig(), env.accounts, env.pos, env.exec, env.bus, nil, zerolog.Nop())
	env.checker.SetClock(func() time.Time { return *env.clock })

	env.accounts.Load([]*account.Account{{
		ID:                   "acct-1",
		UserID:               "user-1",
		Status:               market.StatusActive,
		StartingBalance:      d("10000"),
		CurrentBalance:       d("10000"),
		PeakBalance:          d("10000"),
		AvailableMargin:      d("10000"),
		DailyStartingBalance: d("10000"),
		DailyLossLimit:       d("500"),
		MaxDrawdownLimit:     d("1000"),
		ProfitTarget:         d("800"),
		EvaluationStep:       1,
		Plan: account.Plan{
			Steps:              2,
			BTCETHMaxLeverage:  100,
			AltcoinMaxLeverage: 20,
			MinTradingDays:     3,
		},
	}})

	if _, err := env.prices.UpdatePrice("BTCUSDT", d("65000"), d("65010")); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	return env
}

func (env *testEnv) mutate(t *testing.T, fn func(a *account.Account)) {
	t.Helper()
	if err := env.accounts.WithLock("acct-1", func(a *account.Account) error {
		fn(a)
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
}

func (env *testEnv) openPosition(t *testing.T) *position.Position {
	t.Helper()
	res := env.exec.PlaceOrder(context.Background(), executor.PlaceOrderRequest{
		UserID:    "user-1",
		AccountID: "acct-1",
		Symbol:    "BTCUSDT",
		Side:      market.SideLong,
		Quantity:  d("0.1"),
		OrderType: market.OrderTypeMarket,
		Leverage:  10,
		Timestamp: *env.clock,
	})
	if res.Status != executor.StatusFilled {
		t.Fatalf("open: %s (%s)", res.Status, res.Code)
	}
	return res.Position
}

// ============================================================================
// TEST: Daily loss breach
// ============================================================================

func TestEvaluate_DailyLossBreach(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t)

	env.mutate(t, func(a *account.Account) {
		a.DailyPnl = d("-500")
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusBreached {
		t.Fatalf("Expected breached status, got %s", a.Status)
	}
	if a.BreachType != market.BreachDailyLoss {
		t.Errorf("Expected daily_loss breach, got %s", a.BreachType)
	}
	if env.pos.Count() != 0 {
		t.Errorf("Expected every position force-closed, got %d open", env.pos.Count())
	}
}

func TestEvaluate_DailyLossJustAbove(t *testing.T) {
	env := newTestEnv(t)
	env.mutate(t, func(a *account.Account) {
		a.DailyPnl = d("-499.99")
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusActive {
		t.Errorf("A loss inside the limit must not breach, got %s", a.Status)
	}
}

// ============================================================================
// TEST: Max drawdown breach
// ============================================================================

func TestEvaluate_MaxDrawdownBreach(t *testing.T) {
	env := newTestEnv(t)
	env.mutate(t, func(a *account.Account) {
		a.CurrentBalance = d("9000") // starting 10000, limit 1000
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusBreached || a.BreachType != market.BreachMaxDrawdown {
		t.Errorf("Expected max_drawdown breach, got %s/%s", a.Status, a.BreachType)
	}
}

func TestEvaluate_TrailingDrawdownUsesPeak(t *testing.T) {
	env := newTestEnv(t)
	env.mutate(t, func(a *account.Account) {
		a.TrailingDrawdown = true
		a.PeakBalance = d("11000")
		a.CurrentBalance = d("10000") // 1000 off the peak
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusBreached || a.BreachType != market.BreachMaxDrawdown {
		t.Errorf("Expected trailing drawdown breach at the peak, got %s/%s", a.Status, a.BreachType)
	}
}

// ============================================================================
// TEST: Evaluation progression
// ============================================================================

func TestEvaluate_Step1Pass(t *testing.T) {
	env := newTestEnv(t)
	env.mutate(t, func(a *account.Account) {
		a.CurrentBalance = d("10800")
		a.PeakBalance = d("10800")
		a.TradingDays = 3
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusStep1Passed {
		t.Fatalf("Expected step1_passed, got %s", a.Status)
	}
	if a.EvaluationStep != 2 {
		t.Errorf("Expected step pointer 2, got %d", a.EvaluationStep)
	}
	if !a.CurrentBalance.Equal(d("10000")) || a.TradingDays != 0 {
		t.Error("Expected step 2 to start from a clean book")
	}
}

func TestEvaluate_FinalPass(t *testing.T) {
	env := newTestEnv(t)
	env.mutate(t, func(a *account.Account) {
		a.Status = market.StatusStep1Passed
		a.EvaluationStep = 2
		a.CurrentBalance = d("10800")
		a.PeakBalance = d("10800")
		a.TradingDays = 3
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusPassed {
		t.Errorf("Expected passed, got %s", a.Status)
	}
}

func TestEvaluate_ProfitWithoutMinDays(t *testing.T) {
	env := newTestEnv(t)
	env.mutate(t, func(a *account.Account) {
		a.CurrentBalance = d("10800")
		a.TradingDays = 2 // plan requires 3
	})

	env.checker.Evaluate(context.Background(), "acct-1")

	a, _ := env.accounts.Get("acct-1")
	if a.Status != market.StatusActive {
		t.Errorf("Target without the minimum trading days must not pass, got %s", a.Status)
	}
}

// ============================================================================
// TEST: Liquidation warnings
// ============================================================================

func TestLiquidationWarning_Throttled(t *testing.T) {
	env := newTestEnv(t)
	p := env.openPosition(t)

	var warns int
	env.bus.Subscribe(events.EventLiquidationWarn, func(events.Event) { warns++ })

	// Mark just above the liquidation price (long liquidates from above).
	nearMark := p.LiquidationPrice.Mul(d("1.01"))
	tick := market.PriceTick{Symbol: "BTCUSDT", Mid: nearMark, Bid: nearMark, Ask: nearMark}

	env.checker.OnPriceTick(tick)
	env.checker.OnPriceTick(tick)
	if warns != 1 {
		t.Fatalf("Expected 1 throttled warning, got %d", warns)
	}

	*env.clock = env.clock.Add(61 * time.Second)
	env.checker.OnPriceTick(tick)
	if warns != 2 {
		t.Errorf("Expected a second warning after the throttle window, got %d", warns)
	}
}

func TestLiquidationWarning_FarFromLevel(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t)

	var warns int
	env.bus.Subscribe(events.EventLiquidationWarn, func(events.Event) { warns++ })

	tick := market.PriceTick{Symbol: "BTCUSDT", Mid: d("65000")}
	env.checker.OnPriceTick(tick)
	if warns != 0 {
		t.Errorf("Expected no warning at a healthy mark, got %d", warns)
	}
}
