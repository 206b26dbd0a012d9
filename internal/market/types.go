// Package market holds the primitives shared by every engine component:
// sides, order types, close reasons, account lifecycle states and the
// derived price tick.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a position or order
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Direction returns +1 for LONG, -1 for SHORT, as a decimal multiplier
// for P&L math.
func (s Side) Direction() decimal.Decimal {
	if s == SideLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType distinguishes immediate fills from resting limit orders
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// CloseReason records why a position was closed
type CloseReason string

const (
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonTakeProfit  CloseReason = "TAKE_PROFIT"
	CloseReasonStopLoss    CloseReason = "STOP_LOSS"
	CloseReasonLiquidation CloseReason = "LIQUIDATION"
	CloseReasonBreach      CloseReason = "BREACH"
)

// AccountStatus is the evaluation-account lifecycle state
type AccountStatus string

const (
	StatusPendingPayment AccountStatus = "pending_payment"
	StatusActive         AccountStatus = "active"
	StatusStep1Passed    AccountStatus = "step1_passed"
	StatusPassed         AccountStatus = "passed"
	StatusBreached       AccountStatus = "breached"
	StatusExpired        AccountStatus = "expired"
	StatusSuspended      AccountStatus = "suspended"
)

// CanTrade reports whether orders may be placed on an account in this state.
func (s AccountStatus) CanTrade() bool {
	return s == StatusActive || s == StatusStep1Passed
}

// BreachType records which risk rule an account violated
type BreachType string

const (
	BreachDailyLoss   BreachType = "daily_loss"
	BreachMaxDrawdown BreachType = "max_drawdown"
	BreachAdmin       BreachType = "admin"
)

// TriggerType classifies trigger-engine entries
type TriggerType string

const (
	TriggerTP  TriggerType = "TP"
	TriggerSL  TriggerType = "SL"
	TriggerLIQ TriggerType = "LIQ"
)

// majors get the higher plan leverage ceiling; everything else is an altcoin
var majors = map[string]bool{
	"BTCUSDT": true,
	"ETHUSDT": true,
}

// IsMajor reports whether a symbol trades at the majors leverage ceiling.
func IsMajor(symbol string) bool {
	return majors[symbol]
}

// PriceTick is a derived quote for one symbol. Bid and Ask carry the
// engine's spread markup; UpstreamBid/UpstreamAsk are the raw exchange
// quotes kept for audit reference.
type PriceTick struct {
	Symbol      string          `json:"symbol"`
	UpstreamBid decimal.Decimal `json:"upstreamBid"`
	UpstreamAsk decimal.Decimal `json:"upstreamAsk"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Mid         decimal.Decimal `json:"mid"`
	SpreadBps   float64         `json:"spreadBps"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionPrice returns the fill price for opening on the given side:
// the marked-up ask for LONG, bid for SHORT.
func (t PriceTick) ExecutionPrice(side Side) decimal.Decimal {
	if side == SideLong {
		return t.Ask
	}
	return t.Bid
}

// ClosePrice returns the fill price for closing a position on the given
// side: the bid for LONG, ask for SHORT.
func (t PriceTick) ClosePrice(side Side) decimal.Decimal {
	if side == SideLong {
		return t.Bid
	}
	return t.Ask
}

// Age returns how long ago the tick was stamped.
func (t PriceTick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}
