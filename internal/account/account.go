// Package account owns the authoritative in-memory account state, the
// per-account locking discipline and the write-through persistence of
// dirty accounts.
package account

import (
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
)

// Plan carries the evaluation-plan parameters an account trades under.
type Plan struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Steps              int             `json:"steps"` // 1 or 2 step evaluation
	BTCETHMaxLeverage  int             `json:"btcEthMaxLeverage"`
	AltcoinMaxLeverage int             `json:"altcoinMaxLeverage"`
	ProfitSplitPct     decimal.Decimal `json:"profitSplitPct"`
	MinTradingDays     int             `json:"minTradingDays"`
}

// MaxLeverage returns the plan's leverage ceiling for a symbol.
func (p Plan) MaxLeverage(symbol string) int {
	if market.IsMajor(symbol) {
		return p.BTCETHMaxLeverage
	}
	return p.AltcoinMaxLeverage
}

// Account is one evaluation trading account. All monetary fields are exact
// decimals. Mutation happens only inside Manager.WithLock.
type Account struct {
	ID            string               `json:"id"`
	UserID        string               `json:"userId"`
	AccountNumber string               `json:"accountNumber"`
	Status        market.AccountStatus `json:"status"`
	BreachType    market.BreachType    `json:"breachType,omitempty"`

	StartingBalance decimal.Decimal `json:"startingBalance"`
	CurrentBalance  decimal.Decimal `json:"currentBalance"`
	PeakBalance     decimal.Decimal `json:"peakBalance"`
	MarginUsed      decimal.Decimal `json:"marginUsed"`
	AvailableMargin decimal.Decimal `json:"availableMargin"`

	DailyStartingBalance decimal.Decimal `json:"dailyStartingBalance"`
	DailyPnl             decimal.Decimal `json:"dailyPnl"`
	DailyVolume          decimal.Decimal `json:"dailyVolume"` // filled notional since the last reset
	DailyResetAt         time.Time       `json:"dailyResetAt"`

	DailyLossLimit   decimal.Decimal `json:"dailyLossLimit"`
	MaxDrawdownLimit decimal.Decimal `json:"maxDrawdownLimit"`
	ProfitTarget     decimal.Decimal `json:"profitTarget"`
	TrailingDrawdown bool            `json:"trailingDrawdown"`

	TradingDays   int  `json:"tradingDays"`
	ClosedToday   bool `json:"closedToday"` // a close happened since the last daily reset
	TotalTrades   int  `json:"totalTrades"`
	WinningTrades int  `json:"winningTrades"`
	LosingTrades  int  `json:"losingTrades"`

	EvaluationStep int  `json:"evaluationStep"` // 1-based step pointer
	Plan           Plan `json:"plan"`

	LastTradeAt time.Time `json:"lastTradeAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ApplyOrderFill debits the entry fee and reserves margin for a new fill.
// Caller holds the account lock and has verified affordability.
func (a *Account) ApplyOrderFill(margin, entryFee, notional decimal.Decimal, now time.Time) {
	a.CurrentBalance = a.CurrentBalance.Sub(entryFee)
	a.AvailableMargin = a.AvailableMargin.Sub(margin).Sub(entryFee)
	a.MarginUsed = a.MarginUsed.Add(margin)
	a.DailyVolume = a.DailyVolume.Add(notional)
	a.TotalTrades++
	a.LastTradeAt = now
}

// Reserve debits available margin for an accepted limit order
// (margin plus entry fee, held until fill or cancel).
func (a *Account) Reserve(amount decimal.Decimal) {
	a.AvailableMargin = a.AvailableMargin.Sub(amount)
}

// ReleaseReservation returns a cancelled or expired limit order's hold.
func (a *Account) ReleaseReservation(amount decimal.Decimal) {
	a.AvailableMargin = a.AvailableMargin.Add(amount)
}

// ApplyReservedFill converts a limit order's reservation into an open
// position: the hold already left available margin at acceptance.
func (a *Account) ApplyReservedFill(margin, entryFee, notional decimal.Decimal, now time.Time) {
	a.CurrentBalance = a.CurrentBalance.Sub(entryFee)
	a.MarginUsed = a.MarginUsed.Add(margin)
	a.DailyVolume = a.DailyVolume.Add(notional)
	a.TotalTrades++
	a.LastTradeAt = now
}

// ApplyClose settles a full or partial close: releases margin, credits net
// P&L, advances the peak and daily counters. Win/loss counters move on
// full closes only.
func (a *Account) ApplyClose(netPnl, marginReleased decimal.Decimal, fullClose bool) {
	a.CurrentBalance = a.CurrentBalance.Add(netPnl)
	a.AvailableMargin = a.AvailableMargin.Add(netPnl).Add(marginReleased)
	a.MarginUsed = a.MarginUsed.Sub(marginReleased)
	a.DailyPnl = a.DailyPnl.Add(netPnl)
	a.ClosedToday = true
	if a.CurrentBalance.GreaterThan(a.PeakBalance) {
		a.PeakBalance = a.CurrentBalance
	}
	if fullClose {
		if netPnl.IsPositive() {
			a.WinningTrades++
		} else {
			a.LosingTrades++
		}
	}
}

// ApplyFunding applies an aggregate funding cost. A positive cost debits
// the account (LONG pays), negative credits it.
func (a *Account) ApplyFunding(cost decimal.Decimal) {
	a.CurrentBalance = a.CurrentBalance.Sub(cost)
	a.AvailableMargin = a.AvailableMargin.Sub(cost)
	a.DailyPnl = a.DailyPnl.Sub(cost)
	if a.CurrentBalance.GreaterThan(a.PeakBalance) {
		a.PeakBalance = a.CurrentBalance
	}
}

// ResetDaily zeroes the daily counters at a UTC reset boundary and
// advances the trading-day count when there was activity.
func (a *Account) ResetDaily(nextReset time.Time) {
	if !a.DailyPnl.IsZero() || a.ClosedToday {
		a.TradingDays++
	}
	a.DailyStartingBalance = a.CurrentBalance
	a.DailyPnl = decimal.Zero
	a.DailyVolume = decimal.Zero
	a.ClosedToday = false
	a.DailyResetAt = nextReset
}

// CurrentProfit is profit over the starting balance, used for evaluation
// progression.
func (a *Account) CurrentProfit() decimal.Decimal {
	return a.CurrentBalance.Sub(a.StartingBalance)
}

// Drawdown returns the account's drawdown under its configured variant:
// peak - current for trailing, starting - current otherwise.
func (a *Account) Drawdown() decimal.Decimal {
	if a.TrailingDrawdown {
		return a.PeakBalance.Sub(a.CurrentBalance)
	}
	return a.StartingBalance.Sub(a.CurrentBalance)
}

// Clone returns a copy safe to read outside the lock.
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}

// Snapshot is the client-facing view of an account, computed under the
// lock with equity folded in.
type Snapshot struct {
	ID              string               `json:"id"`
	AccountNumber   string               `json:"accountNumber"`
	Status          market.AccountStatus `json:"status"`
	CurrentBalance  decimal.Decimal      `json:"currentBalance"`
	Equity          decimal.Decimal      `json:"equity"`
	MarginUsed      decimal.Decimal      `json:"marginUsed"`
	AvailableMargin decimal.Decimal      `json:"availableMargin"`
	MarginLevelPct  decimal.Decimal      `json:"marginLevelPct"`
	DailyPnl        decimal.Decimal      `json:"dailyPnl"`
	PeakBalance     decimal.Decimal      `json:"peakBalance"`
	TradingDays     int                  `json:"tradingDays"`
	TotalTrades     int                  `json:"totalTrades"`
	WinningTrades   int                  `json:"winningTrades"`
	LosingTrades    int                  `json:"losingTrades"`
}

// SnapshotWith builds a Snapshot folding in the account's open unrealized
// P&L. Caller holds the lock.
func (a *Account) SnapshotWith(unrealized decimal.Decimal) Snapshot {
	equity := a.CurrentBalance.Add(unrealized)
	marginLevel := decimal.Zero
	if a.MarginUsed.IsPositive() {
		marginLevel = equity.Div(a.MarginUsed).Mul(decimal.NewFromInt(100))
	}
	return Snapshot{
		ID:              a.ID,
		AccountNumber:   a.AccountNumber,
		Status:          a.Status,
		CurrentBalance:  a.CurrentBalance,
		Equity:          equity,
		MarginUsed:      a.MarginUsed,
		AvailableMargin: a.AvailableMargin,
		MarginLevelPct:  marginLevel,
		DailyPnl:        a.DailyPnl,
		PeakBalance:     a.PeakBalance,
		TradingDays:     a.TradingDays,
		TotalTrades:     a.TotalTrades,
		WinningTrades:   a.WinningTrades,
		LosingTrades:    a.LosingTrades,
	}
}
