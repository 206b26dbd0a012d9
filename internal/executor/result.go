// Package executor runs the synchronous order and close pipelines: the
// margin-checked, account-locked state mutations the rest of the engine
// hangs off.
package executor

import (
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
)

// RejectCode is the machine-readable reason a request failed. Exactly one
// code accompanies every rejection; no internal detail crosses the
// boundary.
type RejectCode string

const (
	CodeOK                 RejectCode = ""
	CodeRateLimited        RejectCode = "RATE_LIMITED"
	CodeTimestampInvalid   RejectCode = "TIMESTAMP_INVALID"
	CodeAccountNotActive   RejectCode = "ACCOUNT_NOT_ACTIVE"
	CodeNoPrice            RejectCode = "NO_PRICE"
	CodeStalePrice         RejectCode = "STALE_PRICE"
	CodeCircuitOpen        RejectCode = "CIRCUIT_OPEN"
	CodeInsufficientMargin RejectCode = "INSUFFICIENT_MARGIN"
	CodeInvalidLeverage    RejectCode = "INVALID_LEVERAGE"
	CodeInvalidRequest     RejectCode = "INVALID_REQUEST"
	CodePositionNotFound   RejectCode = "POSITION_NOT_FOUND"
	CodePersistFailed      RejectCode = "PERSIST_FAILED"
	CodeInternal           RejectCode = "INTERNAL"
)

// Order result statuses
const (
	StatusFilled   = "FILLED"
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
	StatusClosed   = "CLOSED"
	StatusPartial  = "PARTIALLY_CLOSED"
	StatusModified = "MODIFIED"
	StatusNoop     = "NOOP"
)

// PlaceOrderRequest is one inbound order.
type PlaceOrderRequest struct {
	UserID        string           `json:"userId"`
	AccountID     string           `json:"accountId"`
	Symbol        string           `json:"symbol"`
	Side          market.Side      `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	OrderType     market.OrderType `json:"orderType"`
	LimitPrice    *decimal.Decimal `json:"limitPrice,omitempty"`
	Leverage      int              `json:"leverage,omitempty"` // 0 means plan maximum
	TakeProfit    *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss      *decimal.Decimal `json:"stopLoss,omitempty"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// PlaceOrderResult is the tagged outcome of a place-order call.
type PlaceOrderResult struct {
	Status        string             `json:"status"`
	Code          RejectCode         `json:"code,omitempty"`
	OrderID       string             `json:"orderId,omitempty"`
	ClientOrderID string             `json:"clientOrderId,omitempty"`
	Position      *position.Position `json:"position,omitempty"`
	Account       *account.Snapshot  `json:"account,omitempty"`
}

// Rejected reports whether the order did not fill or rest.
func (r *PlaceOrderResult) Rejected() bool {
	return r.Status == StatusRejected
}

// CloseRequest closes a position, in full or part. Triggers supply
// ExitPrice from the tick that fired them; manual closes leave it nil and
// take the current execution price.
type CloseRequest struct {
	PositionID string             `json:"positionId"`
	Reason     market.CloseReason `json:"reason"`
	ExitPrice  *decimal.Decimal   `json:"exitPrice,omitempty"`
	CloseQty   *decimal.Decimal   `json:"closeQty,omitempty"` // nil means full quantity
}

// CloseResult is the tagged outcome of a close call.
type CloseResult struct {
	Status    string             `json:"status"`
	Code      RejectCode         `json:"code,omitempty"`
	TradeID   string             `json:"tradeId,omitempty"`
	NetPnl    decimal.Decimal    `json:"netPnl"`
	GrossPnl  decimal.Decimal    `json:"grossPnl"`
	ExitPrice decimal.Decimal    `json:"exitPrice"`
	Remaining *position.Position `json:"remaining,omitempty"`
	Account   *account.Snapshot  `json:"account,omitempty"`
}

func rejectOrder(code RejectCode) *PlaceOrderResult {
	return &PlaceOrderResult{Status: StatusRejected, Code: code}
}

func rejectClose(code RejectCode) *CloseResult {
	return &CloseResult{Status: StatusRejected, Code: code}
}
