package database

import (
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
)

// Order statuses as stored in the orders table
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"
	OrderStatusRejected  = "rejected"
)

// OrderRow is one row of the orders table. Limit orders rest here with
// status pending; market orders are written already filled.
type OrderRow struct {
	ID             string
	AccountID      string
	ClientOrderID  *string
	PositionID     *string
	Symbol         string
	Side           market.Side
	OrderType      market.OrderType
	Quantity       decimal.Decimal
	Leverage       int
	LimitPrice     *decimal.Decimal
	TakeProfit     *decimal.Decimal
	StopLoss       *decimal.Decimal
	ReservedMargin *decimal.Decimal
	Status         string
	FillPrice      *decimal.Decimal
	FilledAt       *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// TradeRow is the immutable record of a closed position slice.
type TradeRow struct {
	ID                 string
	AccountID          string
	PositionID         string
	Symbol             string
	Side               market.Side
	Quantity           decimal.Decimal
	Leverage           int
	EntryPrice         decimal.Decimal
	EntryValue         decimal.Decimal
	EntryFee           decimal.Decimal
	ExitPrice          decimal.Decimal
	ExitValue          decimal.Decimal
	ExitFee            decimal.Decimal
	GrossPnl           decimal.Decimal
	NetPnl             decimal.Decimal
	AccumulatedFunding decimal.Decimal
	CloseReason        market.CloseReason
	EntryUpstreamBid   decimal.Decimal
	EntryUpstreamAsk   decimal.Decimal
	ExitUpstreamBid    decimal.Decimal
	ExitUpstreamAsk    decimal.Decimal
	OpenedAt           time.Time
	ClosedAt           time.Time
	DurationMs         int64
}

// TradeEventRow is one append-only audit event. EventHash is the SHA-256
// of the canonical JSON of the hashed field set.
type TradeEventRow struct {
	ID         string
	AccountID  string
	PositionID *string
	TradeID    *string
	EventType  string
	Details    []byte // JSON
	EventHash  string
	CreatedAt  time.Time
}

// DailySnapshotRow captures one account-day at its reset boundary.
type DailySnapshotRow struct {
	ID              string
	AccountID       string
	SnapshotDate    time.Time
	StartingBalance decimal.Decimal
	EndingBalance   decimal.Decimal
	PeakBalance     decimal.Decimal
	DailyPnl        decimal.Decimal
	Drawdown        decimal.Decimal
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	Volume          decimal.Decimal
}
