package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPosition(id, accountID, symbol string, side market.Side) *Position {
	return &Position{
		ID:           id,
		AccountID:    accountID,
		Symbol:       symbol,
		Side:         side,
		Quantity:     d("0.1"),
		Leverage:     10,
		EntryPrice:   d("65000"),
		EntryValue:   d("6500"),
		Margin:       d("650"),
		CurrentPrice: d("65000"),
		OpenedAt:     time.Now(),
	}
}

// ============================================================
// TEST: P&L math
// ============================================================

func TestPnlAt(t *testing.T) {
	long := testPosition("p1", "a1", "BTCUSDT", market.SideLong)
	if got := long.PnlAt(d("66000"), long.Quantity); !got.Equal(d("100")) {
		t.Errorf("long pnl = %s", got)
	}
	if got := long.PnlAt(d("64000"), long.Quantity); !got.Equal(d("-100")) {
		t.Errorf("long pnl = %s", got)
	}

	short := testPosition("p2", "a1", "BTCUSDT", market.SideShort)
	if got := short.PnlAt(d("64000"), short.Quantity); !got.Equal(d("100")) {
		t.Errorf("short pnl = %s", got)
	}

	// a quantity slice scales linearly
	if got := long.PnlAt(d("66000"), d("0.05")); !got.Equal(d("50")) {
		t.Errorf("half-quantity pnl = %s", got)
	}
}

func TestNotional(t *testing.T) {
	p := testPosition("p1", "a1", "BTCUSDT", market.SideLong)
	p.CurrentPrice = d("66000")
	if got := p.Notional(); !got.Equal(d("6600")) {
		t.Errorf("notional = %s", got)
	}
}

func TestClone_DeepCopiesTriggers(t *testing.T) {
	tp := d("66000")
	p := testPosition("p1", "a1", "BTCUSDT", market.SideLong)
	p.TakeProfit = &tp

	cp := p.Clone()
	newTP := d("67000")
	cp.TakeProfit = &newTP

	if !p.TakeProfit.Equal(d("66000")) {
		t.Errorf("clone shared the trigger pointer: %s", p.TakeProfit)
	}
}

// ============================================================
// TEST: Manager indexes
// ============================================================

func TestManager_AddRemoveIndexes(t *testing.T) {
	m := NewManager()
	m.Add(testPosition("p1", "a1", "BTCUSDT", market.SideLong))
	m.Add(testPosition("p2", "a1", "ETHUSDT", market.SideShort))
	m.Add(testPosition("p3", "a2", "BTCUSDT", market.SideLong))

	if m.Count() != 3 {
		t.Fatalf("count = %d", m.Count())
	}
	if got := len(m.GetByAccount("a1")); got != 2 {
		t.Errorf("a1 positions = %d", got)
	}
	if got := len(m.GetBySymbol("BTCUSDT")); got != 2 {
		t.Errorf("BTCUSDT positions = %d", got)
	}

	if !m.Remove("p1") {
		t.Fatal("remove p1 failed")
	}
	if m.Remove("p1") {
		t.Error("second remove of p1 succeeded")
	}
	if got := len(m.GetByAccount("a1")); got != 1 {
		t.Errorf("a1 positions after remove = %d", got)
	}
	if got := len(m.GetBySymbol("BTCUSDT")); got != 1 {
		t.Errorf("BTCUSDT positions after remove = %d", got)
	}
	if _, ok := m.Get("p1"); ok {
		t.Error("p1 still retrievable")
	}
}

func TestManager_RemoveLastClearsIndexEntry(t *testing.T) {
	m := NewManager()
	m.Add(testPosition("p1", "a1", "BTCUSDT", market.SideLong))
	m.Remove("p1")

	if got := m.GetByAccount("a1"); len(got) != 0 {
		t.Errorf("account index = %v", got)
	}
	if got := m.GetBySymbol("BTCUSDT"); len(got) != 0 {
		t.Errorf("symbol index = %v", got)
	}
}

// ============================================================
// TEST: Mark to market
// ============================================================

func TestOnPriceTick_MarksBothSides(t *testing.T) {
	m := NewManager()
	long := testPosition("p1", "a1", "BTCUSDT", market.SideLong)
	short := testPosition("p2", "a2", "BTCUSDT", market.SideShort)
	other := testPosition("p3", "a3", "ETHUSDT", market.SideLong)
	m.Add(long)
	m.Add(short)
	m.Add(other)

	m.OnPriceTick(market.PriceTick{
		Symbol:    "BTCUSDT",
		Bid:       d("65990"),
		Ask:       d("66010"),
		Mid:       d("66000"),
		Timestamp: time.Now(),
	})

	// longs close into the bid, shorts into the ask
	gotLong, _ := m.Get("p1")
	if !gotLong.CurrentPrice.Equal(d("65990")) {
		t.Errorf("long mark = %s", gotLong.CurrentPrice)
	}
	if !gotLong.UnrealizedPnl.Equal(d("99")) {
		t.Errorf("long upnl = %s", gotLong.UnrealizedPnl)
	}
	gotShort, _ := m.Get("p2")
	if !gotShort.CurrentPrice.Equal(d("66010")) {
		t.Errorf("short mark = %s", gotShort.CurrentPrice)
	}
	if !gotShort.UnrealizedPnl.Equal(d("-101")) {
		t.Errorf("short upnl = %s", gotShort.UnrealizedPnl)
	}
	gotOther, _ := m.Get("p3")
	if !gotOther.CurrentPrice.Equal(d("65000")) {
		t.Errorf("other symbol marked: %s", gotOther.CurrentPrice)
	}
}

// ============================================================
// TEST: Lock discipline
// ============================================================

func TestManager_GetReturnsClone(t *testing.T) {
	m := NewManager()
	m.Add(testPosition("p1", "a1", "BTCUSDT", market.SideLong))

	got, _ := m.Get("p1")
	got.Quantity = d("9")

	again, _ := m.Get("p1")
	if !again.Quantity.Equal(d("0.1")) {
		t.Errorf("stored quantity changed through a clone: %s", again.Quantity)
	}
}

func TestManager_MutateAppliesUnderLock(t *testing.T) {
	m := NewManager()
	m.Add(testPosition("p1", "a1", "BTCUSDT", market.SideLong))

	ok := m.Mutate("p1", func(p *Position) {
		p.Quantity = d("0.05")
		p.Margin = d("325")
	})
	if !ok {
		t.Fatal("Mutate reported unknown id")
	}
	got, _ := m.Get("p1")
	if !got.Quantity.Equal(d("0.05")) || !got.Margin.Equal(d("325")) {
		t.Errorf("mutation lost: qty=%s margin=%s", got.Quantity, got.Margin)
	}

	if m.Mutate("nope", func(p *Position) {}) {
		t.Error("Mutate on unknown id must return false")
	}
}

// Partial-close style mutations racing the tick path must both go
// through the manager lock; run with -race.
func TestManager_ConcurrentTickAndMutate(t *testing.T) {
	m := NewManager()
	m.Add(testPosition("p1", "a1", "BTCUSDT", market.SideLong))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			m.OnPriceTick(market.PriceTick{
				Symbol:    "BTCUSDT",
				Bid:       d("65990"),
				Ask:       d("66010"),
				Mid:       d("66000"),
				Timestamp: time.Now(),
			})
		}
	}()
	for i := 0; i < 500; i++ {
		m.Mutate("p1", func(p *Position) {
			p.Quantity = p.Quantity.Mul(d("0.999"))
			p.EntryValue = p.EntryValue.Mul(d("0.999"))
		})
		if p, ok := m.Get("p1"); ok && p.Quantity.IsNegative() {
			t.Fatal("quantity went negative")
		}
	}
	<-done
}
