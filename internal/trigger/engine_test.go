package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

type firedClose struct {
	positionID string
	reason     market.CloseReason
	exitPrice  decimal.Decimal
}

type fakeCloser struct {
	fired []firedClose
	fail  bool
}

func (f *fakeCloser) close(positionID string, reason market.CloseReason, exit decimal.Decimal) error {
	if f.fail {
		return errors.New("persist failed")
	}
	f.fired = append(f.fired, firedClose{positionID, reason, exit})
	return nil
}

func newLongPosition(id string, tp, sl string) *position.Position {
	p := &position.Position{
		ID:               id,
		AccountID:        "acct-1",
		Symbol:           "BTCUSDT",
		Side:             market.SideLong,
		Quantity:         d("0.1"),
		EntryPrice:       d("65000"),
		LiquidationPrice: d("61912.5"),
		OpenedAt:         time.Now(),
	}
	if tp != "" {
		p.TakeProfit = dp(tp)
	}
	if sl != "" {
		p.StopLoss = dp(sl)
	}
	return p
}

func tick(mid string) market.PriceTick {
	m := d(mid)
	half := m.Mul(d("0.0001")) // 2 bps spread for test ticks
	return market.PriceTick{
		Symbol:    "BTCUSDT",
		Mid:       m,
		Bid:       m.Sub(half),
		Ask:       m.Add(half),
		Timestamp: time.Now(),
	}
}

// ============================================================================
// TEST: Firing predicates
// ============================================================================

func TestLongTakeProfit_FiresAtOrAboveTP(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	e.Register(newLongPosition("p1", "70000", "60000"))

	e.OnPriceTick(tick("69999"))
	if len(closer.fired) != 0 {
		t.Fatal("TP must not fire below trigger price")
	}

	tk := tick("70105")
	e.OnPriceTick(tk)
	if len(closer.fired) != 1 {
		t.Fatalf("Expected 1 fire, got %d", len(closer.fired))
	}
	f := closer.fired[0]
	if f.reason != market.CloseReasonTakeProfit {
		t.Errorf("Expected TAKE_PROFIT, got %s", f.reason)
	}
	// LONG exits at the derived bid of the firing tick
	if !f.exitPrice.Equal(tk.Bid) {
		t.Errorf("Expected exit %s, got %s", tk.Bid, f.exitPrice)
	}
}

func TestLongStopLoss_FiresAtOrBelowSL(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	e.Register(newLongPosition("p1", "", "64000"))

	e.OnPriceTick(tick("64001"))
	if len(closer.fired) != 0 {
		t.Fatal("SL must not fire above trigger price")
	}
	e.OnPriceTick(tick("63999"))
	if len(closer.fired) != 1 || closer.fired[0].reason != market.CloseReasonStopLoss {
		t.Fatalf("Expected STOP_LOSS fire, got %+v", closer.fired)
	}
}

func TestShortTriggers(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	p := &position.Position{
		ID:               "s1",
		AccountID:        "acct-1",
		Symbol:           "BTCUSDT",
		Side:             market.SideShort,
		EntryPrice:       d("65000"),
		TakeProfit:       dp("60000"),
		StopLoss:         dp("68000"),
		LiquidationPrice: d("68087.5"),
	}
	e.Register(p)

	// SHORT TP fires when mid <= price
	e.OnPriceTick(tick("59990"))
	if len(closer.fired) != 1 || closer.fired[0].reason != market.CloseReasonTakeProfit {
		t.Fatalf("Expected SHORT TP fire, got %+v", closer.fired)
	}
	// SHORT exits at the derived ask
	tk := tick("59990")
	if !closer.fired[0].exitPrice.Equal(tk.Ask) {
		t.Errorf("Expected exit at ask %s, got %s", tk.Ask, closer.fired[0].exitPrice)
	}
}

// ============================================================================
// TEST: Liquidation beats user stop on the same tick
// ============================================================================

func TestTieBreak_LiquidationWins(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	p := newLongPosition("p1", "", "62000")
	p.LiquidationPrice = d("61912.5")
	e.Register(p)

	// Crashes through both the SL and the liquidation price at once.
	e.OnPriceTick(tick("61000"))
	if len(closer.fired) != 1 {
		t.Fatalf("Expected exactly one close, got %d", len(closer.fired))
	}
	if closer.fired[0].reason != market.CloseReasonLiquidation {
		t.Errorf("Expected LIQUIDATION to win tie-break, got %s", closer.fired[0].reason)
	}
}

// ============================================================================
// TEST: Sorted-break invariant and maintenance
// ============================================================================

func TestSortedBreak_OnlyHeadRangeFires(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	// TPs at 66k, 67k, 68k; a 67.5k tick fires the first two only.
	e.Register(newLongPosition("a", "66000", ""))
	e.Register(newLongPosition("b", "67000", ""))
	e.Register(newLongPosition("c", "68000", ""))

	e.OnPriceTick(tick("67500"))
	if len(closer.fired) != 2 {
		t.Fatalf("Expected 2 fires, got %d", len(closer.fired))
	}
	for _, f := range closer.fired {
		if f.positionID == "c" {
			t.Error("Position c must not fire at 67500")
		}
	}
}

func TestFailedClose_RefiresNextTick(t *testing.T) {
	closer := &fakeCloser{fail: true}
	e := NewEngine(closer.close, zerolog.Nop())
	e.Register(newLongPosition("p1", "70000", ""))

	e.OnPriceTick(tick("70100"))
	if len(closer.fired) != 0 {
		t.Fatal("Close reported success despite failure")
	}

	closer.fail = false
	e.OnPriceTick(tick("70100"))
	if len(closer.fired) != 1 {
		t.Fatalf("Expected refire after transient failure, got %d", len(closer.fired))
	}
}

func TestDeregister_RemovesAllEntries(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	e.Register(newLongPosition("p1", "70000", "60000"))

	if n := e.Count("BTCUSDT"); n != 3 {
		t.Fatalf("Expected 3 armed entries (TP, SL, LIQ), got %d", n)
	}
	e.Deregister("p1")
	if n := e.Count("BTCUSDT"); n != 0 {
		t.Fatalf("Expected 0 entries after deregister, got %d", n)
	}
	e.OnPriceTick(tick("75000"))
	if len(closer.fired) != 0 {
		t.Error("Deregistered position must not fire")
	}
}

func TestUpdateTPSL_ReplacesEntry(t *testing.T) {
	closer := &fakeCloser{}
	e := NewEngine(closer.close, zerolog.Nop())
	p := newLongPosition("p1", "70000", "")
	e.Register(p)

	e.UpdateTPSL(p, market.TriggerTP, dp("72000"))
	e.OnPriceTick(tick("71000"))
	if len(closer.fired) != 0 {
		t.Fatal("Old TP must not fire after update")
	}
	e.OnPriceTick(tick("72100"))
	if len(closer.fired) != 1 {
		t.Fatalf("Expected new TP to fire, got %d", len(closer.fired))
	}

	// Clearing removes the entry entirely
	p2 := newLongPosition("p2", "74000", "")
	e.Register(p2)
	e.UpdateTPSL(p2, market.TriggerTP, nil)
	e.OnPriceTick(tick("75000"))
	for _, f := range closer.fired {
		if f.positionID == "p2" && f.reason == market.CloseReasonTakeProfit {
			t.Error("Cleared TP must not fire")
		}
	}
}
