package settlement

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
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeStore struct {
	mu        sync.Mutex
	snapshots []database.DailySnapshotRow
	fundings  int
}

func (s *fakeStore) InsertDailySnapshot(_ context.Context, snap database.DailySnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeStore) UpdatePositionFunding(context.Context, string, decimal.Decimal, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundings++
	return nil
}

func (s *fakeStore) SaveAccounts(context.Context, []*account.Account) error { return nil }

func newAccounts(store *fakeStore, resetAt time.Time) *account.Manager {
	m := account.NewManager(store, account.DefaultFlushConfig())
	m.Load([]*account.Account{{
		ID:                   "acct-1",
		Status:               market.StatusActive,
		StartingBalance:      d("10000"),
		CurrentBalance:       d("10150"),
		PeakBalance:          d("10150"),
		AvailableMargin:      d("10150"),
		DailyStartingBalance: d("10000"),
		DailyPnl:             d("150"),
		DailyVolume:          d("6500"),
		DailyResetAt:         resetAt,
	}})
	return m
}

// ============================================================================
// TEST: Daily reset
// ============================================================================

func TestDailyReset_RollsOver(t *testing.T) {
	now := time.Date(2026, 1, 16, 0, 0, 30, 0, time.UTC)
	store := &fakeStore{}
	accounts := newAccounts(store, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))

	w := NewDailyResetWorker(DailyResetConfig{}, accounts, store, nil, nil, events.NewBus(), zerolog.Nop())
	w.SetClock(func() time.Time { return now })

	if n := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("Expected 1 reset, got %d", n)
	}

	a, _ := accounts.Get("acct-1")
	if !a.DailyPnl.IsZero() {
		t.Errorf("Expected daily pnl zeroed, got %s", a.DailyPnl)
	}
	if !a.DailyStartingBalance.Equal(d("10150")) {
		t.Errorf("Expected daily start rolled to 10150, got %s", a.DailyStartingBalance)
	}
	if a.TradingDays != 1 {
		t.Errorf("An active day must count, got %d trading days", a.TradingDays)
	}
	want := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	if !a.DailyResetAt.Equal(want) {
		t.Errorf("Expected next reset %s, got %s", want, a.DailyResetAt)
	}

	if len(store.snapshots) != 1 {
		t.Fatalf("Expected 1 snapshot row, got %d", len(store.snapshots))
	}
	snap := store.snapshots[0]
	if !snap.EndingBalance.Equal(d("10150")) || !snap.DailyPnl.Equal(d("150")) {
		t.Errorf("Snapshot must capture the pre-reset day: %+v", snap)
	}
	if !snap.Volume.Equal(d("6500")) {
		t.Errorf("Expected snapshot volume 6500, got %s", snap.Volume)
	}
	if !a.DailyVolume.IsZero() {
		t.Errorf("Expected daily volume zeroed, got %s", a.DailyVolume)
	}
}

func TestDailyReset_BreachedAccountSkipped(t *testing.T) {
	now := time.Date(2026, 1, 16, 0, 0, 30, 0, time.UTC)
	store := &fakeStore{}
	accounts := newAccounts(store, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))
	if err := accounts.TransitionStatus("acct-1", market.StatusBreached, market.BreachDailyLoss); err != nil {
		t.Fatal(err)
	}

	w := NewDailyResetWorker(DailyResetConfig{}, accounts, store, nil, nil, events.NewBus(), zerolog.Nop())
	w.SetClock(func() time.Time { return now })

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("A breached account must not roll over, got %d resets", n)
	}

	a, _ := accounts.Get("acct-1")
	if !a.DailyPnl.Equal(d("150")) || a.TradingDays != 0 {
		t.Errorf("Breached account counters must stay frozen: pnl=%s days=%d", a.DailyPnl, a.TradingDays)
	}
	if len(store.snapshots) != 0 {
		t.Errorf("Expected no snapshot rows, got %d", len(store.snapshots))
	}
}

func TestDailyReset_IdleDayDoesNotCount(t *testing.T) {
	now := time.Date(2026, 1, 16, 0, 1, 0, 0, time.UTC)
	store := &fakeStore{}
	accounts := newAccounts(store, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))
	if err := accounts.WithLock("acct-1", func(a *account.Account) error {
		a.DailyPnl = decimal.Zero
		a.ClosedToday = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	w := NewDailyResetWorker(DailyResetConfig{}, accounts, store, nil, nil, events.NewBus(), zerolog.Nop())
	w.SetClock(func() time.Time { return now })
	w.RunOnce(context.Background())

	a, _ := accounts.Get("acct-1")
	if a.TradingDays != 0 {
		t.Errorf("An idle day must not count, got %d", a.TradingDays)
	}
}

func TestDailyReset_NotDue(t *testing.T) {
	now := time.Date(2026, 1, 15, 23, 59, 0, 0, time.UTC)
	store := &fakeStore{}
	accounts := newAccounts(store, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))

	w := NewDailyResetWorker(DailyResetConfig{}, accounts, store, nil, nil, events.NewBus(), zerolog.Nop())
	w.SetClock(func() time.Time { return now })

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("Expected no reset before the boundary, got %d", n)
	}
}

// ============================================================================
// TEST: Funding
// ============================================================================

func fundingEnv(side market.Side, lastFunding time.Time) (*FundingWorker, *account.Manager, *position.Manager, *fakeStore) {
	store := &fakeStore{}
	accounts := newAccounts(store, time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC))
	positions := position.NewManager()
	positions.Add(&position.Position{
		ID:            "pos-1",
		AccountID:     "acct-1",
		Symbol:        "BTCUSDT",
		Side:          side,
		Quantity:      d("0.1"),
		Leverage:      10,
		EntryPrice:    d("65000"),
		EntryValue:    d("6500"),
		CurrentPrice:  d("65000"),
		Margin:        d("650"),
		LastFundingAt: lastFunding,
	})
	w := NewFundingWorker(DefaultFundingConfig(), accounts, positions, store, nil, nil, events.NewBus(), zerolog.Nop())
	return w, accounts, positions, store
}

func TestFunding_LongPays(t *testing.T) {
	// Opened at 07:00, now 08:02: the 08:00 boundary applies.
	opened := time.Date(2026, 1, 16, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 16, 8, 2, 0, 0, time.UTC)
	w, accounts, positions, _ := fundingEnv(market.SideLong, opened)
	w.SetClock(func() time.Time { return now })

	if n := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("Expected 1 charge, got %d", n)
	}

	// cost = 0.1 * 65000 * 0.0001 = 0.65, longs pay
	a, _ := accounts.Get("acct-1")
	if !a.CurrentBalance.Equal(d("10150").Sub(d("0.65"))) {
		t.Errorf("Expected balance 10149.35, got %s", a.CurrentBalance)
	}
	if !a.DailyPnl.Equal(d("150").Sub(d("0.65"))) {
		t.Errorf("Funding must hit daily pnl, got %s", a.DailyPnl)
	}

	p, _ := positions.Get("pos-1")
	if !p.AccumulatedFunding.Equal(d("0.65")) {
		t.Errorf("Expected accumulated funding 0.65, got %s", p.AccumulatedFunding)
	}
	boundary := time.Date(2026, 1, 16, 8, 0, 0, 0, time.UTC)
	if !p.LastFundingAt.Equal(boundary) {
		t.Errorf("Expected last funding at %s, got %s", boundary, p.LastFundingAt)
	}
}

func TestFunding_ShortReceives(t *testing.T) {
	opened := time.Date(2026, 1, 16, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 16, 8, 2, 0, 0, time.UTC)
	w, accounts, _, _ := fundingEnv(market.SideShort, opened)
	w.SetClock(func() time.Time { return now })

	w.RunOnce(context.Background())

	a, _ := accounts.Get("acct-1")
	if !a.CurrentBalance.Equal(d("10150").Add(d("0.65"))) {
		t.Errorf("Expected shorts credited, got %s", a.CurrentBalance)
	}
}

func TestFunding_OncePerBoundary(t *testing.T) {
	opened := time.Date(2026, 1, 16, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 16, 8, 2, 0, 0, time.UTC)
	w, accounts, _, store := fundingEnv(market.SideLong, opened)
	w.SetClock(func() time.Time { return now })

	w.RunOnce(context.Background())
	if n := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("Expected second pass to charge nothing, got %d", n)
	}
	if store.fundings != 1 {
		t.Errorf("Expected 1 persisted charge, got %d", store.fundings)
	}

	a, _ := accounts.Get("acct-1")
	if !a.CurrentBalance.Equal(d("10149.35")) {
		t.Errorf("Expected a single 0.65 charge, got %s", a.CurrentBalance)
	}
}

func TestFunding_ChargesEntryNotionalNotMark(t *testing.T) {
	opened := time.Date(2026, 1, 16, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 16, 8, 2, 0, 0, time.UTC)
	w, accounts, positions, _ := fundingEnv(market.SideLong, opened)
	w.SetClock(func() time.Time { return now })

	// Mark the position well above entry; the charge stays on
	// qty x entry = 6500.
	positions.Mutate("pos-1", func(p *position.Position) {
		p.CurrentPrice = d("80000")
		p.UnrealizedPnl = d("1500")
	})

	w.RunOnce(context.Background())

	a, _ := accounts.Get("acct-1")
	if !a.CurrentBalance.Equal(d("10149.35")) {
		t.Errorf("Expected a 0.65 charge off the entry notional, got balance %s", a.CurrentBalance)
	}
}

func TestFunding_NoBoundaryCrossed(t *testing.T) {
	// Opened at 08:30, now 09:00: next boundary is 16:00.
	opened := time.Date(2026, 1, 16, 8, 30, 0, 0, time.UTC)
	now := time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)
	w, _, _, _ := fundingEnv(market.SideLong, opened)
	w.SetClock(func() time.Time { return now })

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("Expected no charge inside the interval, got %d", n)
	}
}
