// Package position holds the in-memory book of open positions with
// secondary indexes by account and symbol.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/market"
)

// Position is one open leveraged exposure. Monetary fields are exact
// decimals end to end; mutation happens only under the owning account's
// lock.
type Position struct {
	ID        string      `json:"id"`
	AccountID string      `json:"accountId"`
	Symbol    string      `json:"symbol"`
	Side      market.Side `json:"side"`

	Quantity   decimal.Decimal `json:"quantity"`
	Leverage   int             `json:"leverage"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryValue decimal.Decimal `json:"entryValue"` // notional at entry
	Margin     decimal.Decimal `json:"margin"`
	EntryFee   decimal.Decimal `json:"entryFee"`

	TakeProfit       *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss         *decimal.Decimal `json:"stopLoss,omitempty"`
	LiquidationPrice decimal.Decimal  `json:"liquidationPrice"`

	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`

	AccumulatedFunding decimal.Decimal `json:"accumulatedFunding"`
	LastFundingAt      time.Time       `json:"lastFundingAt"`

	// Upstream reference prices at entry, carried onto the Trade row.
	EntryUpstreamBid decimal.Decimal `json:"entryUpstreamBid"`
	EntryUpstreamAsk decimal.Decimal `json:"entryUpstreamAsk"`

	OpenedAt time.Time `json:"openedAt"`
}

// Notional returns quantity x current price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// PnlAt computes the unrealized P&L against a mark price for a quantity
// slice: side * (mark - entry) * qty.
func (p *Position) PnlAt(mark decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.EntryPrice).Mul(qty).Mul(p.Side.Direction())
}

// Clone returns a copy safe to hand outside the account lock.
func (p *Position) Clone() *Position {
	cp := *p
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		cp.TakeProfit = &tp
	}
	if p.StopLoss != nil {
		sl := *p.StopLoss
		cp.StopLoss = &sl
	}
	return &cp
}
