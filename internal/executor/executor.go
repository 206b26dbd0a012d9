package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
	"propfirm-engine/internal/price"
	"propfirm-engine/internal/ratelimit"
	"propfirm-engine/internal/trigger"
)

var one = decimal.NewFromInt(1)

// Store is the persistence surface the executor writes fills and closes
// through.
type Store interface {
	OpenPositionTx(ctx context.Context, p *position.Position, ord database.OrderRow, ev database.TradeEventRow, a *account.Account) error
	ClosePositionTx(ctx context.Context, tr database.TradeRow, ev database.TradeEventRow, remaining *position.Position, a *account.Account) error
	InsertOrder(ctx context.Context, ord database.OrderRow) error
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*database.OrderRow, error)
	UpdatePositionTPSL(ctx context.Context, positionID string, takeProfit, stopLoss *decimal.Decimal) error
}

// Config holds the execution-side constants. Percentages are fractional
// (0.0005 is 5 bps).
type Config struct {
	EntryFeePct          decimal.Decimal
	ExitFeePct           decimal.Decimal
	MaintenanceMarginPct decimal.Decimal
	MaxTimestampPast     time.Duration
	MaxTimestampFuture   time.Duration
	PendingSweepInterval time.Duration
}

// DefaultConfig returns the execution constants used in production.
func DefaultConfig() Config {
	return Config{
		EntryFeePct:          decimal.NewFromFloat(0.0005),
		ExitFeePct:           decimal.NewFromFloat(0.0005),
		MaintenanceMarginPct: decimal.NewFromFloat(0.005),
		MaxTimestampPast:     3 * time.Second,
		MaxTimestampFuture:   1 * time.Second,
		PendingSweepInterval: 30 * time.Second,
	}
}

// Executor runs order placement and position closing under the owning
// account's lock. Fills and closes persist synchronously; a failed open
// rejects with no state change, a failed close applies in memory and goes
// to the retry queue.
type Executor struct {
	cfg       Config
	prices    *price.Engine
	accounts  *account.Manager
	positions *position.Manager
	triggers  *trigger.Engine
	store     Store
	retry     *database.RetryQueue
	limiter   *ratelimit.Limiter
	audit     *audit.Appender
	bus       *events.Bus
	pending   *pendingBook
	logger    zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	now func() time.Time
}

// NewExecutor wires an executor. retry and limiter may be nil; persistence
// then fails hard and rate limiting is skipped.
func NewExecutor(cfg Config, prices *price.Engine, accounts *account.Manager, positions *position.Manager, triggers *trigger.Engine, store Store, retry *database.RetryQueue, limiter *ratelimit.Limiter, auditor *audit.Appender, bus *events.Bus, logger zerolog.Logger) *Executor {
	if cfg.PendingSweepInterval <= 0 {
		cfg.PendingSweepInterval = 30 * time.Second
	}
	return &Executor{
		cfg:       cfg,
		prices:    prices,
		accounts:  accounts,
		positions: positions,
		triggers:  triggers,
		store:     store,
		retry:     retry,
		limiter:   limiter,
		audit:     auditor,
		bus:       bus,
		pending:   newPendingBook(),
		logger:    logger,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (x *Executor) SetClock(now func() time.Time) { x.now = now }

// SetTriggers attaches the trigger engine after construction. The trigger
// engine needs the executor's close callback, so the two are wired in two
// steps.
func (x *Executor) SetTriggers(t *trigger.Engine) { x.triggers = t }

// PlaceOrder runs the full order pipeline: request validation, timestamp
// window, rate limit, account gate, pricing, margin check, then fill
// (market) or reservation (limit). Exactly one reject code accompanies a
// rejection.
func (x *Executor) PlaceOrder(ctx context.Context, req PlaceOrderRequest) *PlaceOrderResult {
	if code := x.validateOrder(req); code != CodeOK {
		return rejectOrder(code)
	}

	now := x.now()
	if skew := now.Sub(req.Timestamp); skew > x.cfg.MaxTimestampPast || skew < -x.cfg.MaxTimestampFuture {
		return rejectOrder(CodeTimestampInvalid)
	}

	if x.limiter != nil && !x.limiter.Allow(ctx, req.UserID, ratelimit.ActionPlaceOrder) {
		return rejectOrder(CodeRateLimited)
	}

	if req.ClientOrderID != "" {
		if res := x.replayByClientID(ctx, req.ClientOrderID); res != nil {
			return res
		}
	}

	var result *PlaceOrderResult
	err := x.accounts.WithLock(req.AccountID, func(a *account.Account) error {
		result = x.placeLocked(ctx, a, req, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return rejectOrder(CodeAccountNotActive)
		}
		return rejectOrder(CodeInternal)
	}

	if result.Rejected() {
		x.bus.Publish(events.Event{
			Type:      events.EventOrderRejected,
			AccountID: req.AccountID,
			Timestamp: now,
			Data:      map[string]any{"code": string(result.Code), "clientOrderId": req.ClientOrderID, "symbol": req.Symbol},
		})
	}
	return result
}

func (x *Executor) validateOrder(req PlaceOrderRequest) RejectCode {
	if req.AccountID == "" || req.Symbol == "" || !req.Side.Valid() {
		return CodeInvalidRequest
	}
	if !req.Quantity.IsPositive() {
		return CodeInvalidRequest
	}
	switch req.OrderType {
	case market.OrderTypeMarket:
	case market.OrderTypeLimit:
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return CodeInvalidRequest
		}
	default:
		return CodeInvalidRequest
	}
	if req.Leverage < 0 {
		return CodeInvalidLeverage
	}
	return CodeOK
}

// replayByClientID returns the original outcome for a clientOrderId the
// engine has already seen, making retries exactly-once.
func (x *Executor) replayByClientID(ctx context.Context, clientOrderID string) *PlaceOrderResult {
	row, err := x.store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		x.logger.Warn().Err(err).Str("clientOrderId", clientOrderID).Msg("client order lookup failed")
		return nil
	}
	if row == nil {
		return nil
	}
	res := &PlaceOrderResult{OrderID: row.ID, ClientOrderID: clientOrderID}
	switch row.Status {
	case database.OrderStatusFilled:
		res.Status = StatusFilled
		if row.PositionID != nil {
			if p, ok := x.positions.Get(*row.PositionID); ok {
				res.Position = p.Clone()
			}
		}
	case database.OrderStatusPending:
		res.Status = StatusAccepted
	default:
		res.Status = StatusRejected
		res.Code = CodeInvalidRequest
	}
	if snap, err := x.snapshot(row.AccountID); err == nil {
		res.Account = &snap
	}
	return res
}

func (x *Executor) placeLocked(ctx context.Context, a *account.Account, req PlaceOrderRequest, now time.Time) *PlaceOrderResult {
	if req.UserID != "" && a.UserID != req.UserID {
		// foreign accounts are indistinguishable from missing ones
		return rejectOrder(CodeAccountNotActive)
	}
	if !a.Status.CanTrade() {
		return rejectOrder(CodeAccountNotActive)
	}

	lev, code := x.resolveLeverage(a, req)
	if code != CodeOK {
		return rejectOrder(code)
	}

	// Pricing is required even for limit orders: a dead market accepts
	// nothing.
	execPrice, err := x.prices.ExecutionPrice(req.Symbol, req.Side)
	if err != nil {
		return rejectOrder(priceCode(err))
	}

	basis := execPrice
	if req.OrderType == market.OrderTypeLimit {
		basis = *req.LimitPrice
	}
	notional := req.Quantity.Mul(basis)
	margin := notional.Div(decimal.NewFromInt(int64(lev)))
	entryFee := notional.Mul(x.cfg.EntryFeePct)

	if margin.Add(entryFee).GreaterThan(a.AvailableMargin) {
		return rejectOrder(CodeInsufficientMargin)
	}

	if code := validateTPSL(req.TakeProfit, req.StopLoss); code != CodeOK {
		return rejectOrder(code)
	}

	if req.OrderType == market.OrderTypeLimit {
		return x.acceptLimitLocked(ctx, a, req, lev, margin, entryFee, now)
	}

	tick, _ := x.prices.GetPrice(req.Symbol)
	return x.fillLocked(ctx, a, fillParams{
		orderID:       uuid.NewString(),
		clientOrderID: optString(req.ClientOrderID),
		symbol:        req.Symbol,
		side:          req.Side,
		quantity:      req.Quantity,
		leverage:      lev,
		fillPrice:     execPrice,
		upstreamBid:   tick.UpstreamBid,
		upstreamAsk:   tick.UpstreamAsk,
		takeProfit:    req.TakeProfit,
		stopLoss:      req.StopLoss,
		fromReserved:  false,
		now:           now,
	})
}

// resolveLeverage clamps the requested leverage into [1, plan max];
// zero means the plan maximum.
func (x *Executor) resolveLeverage(a *account.Account, req PlaceOrderRequest) (int, RejectCode) {
	maxLev := a.Plan.MaxLeverage(req.Symbol)
	if maxLev < 1 {
		maxLev = 1
	}
	lev := req.Leverage
	if lev == 0 {
		return maxLev, CodeOK
	}
	if lev < 1 {
		return 0, CodeInvalidLeverage
	}
	if lev > maxLev {
		lev = maxLev
	}
	return lev, CodeOK
}

// validateTPSL checks trigger prices are positive. Wrong-side levels are
// accepted on purpose: the trigger book fires them on the next tick.
func validateTPSL(tp, sl *decimal.Decimal) RejectCode {
	if tp != nil && !tp.IsPositive() {
		return CodeInvalidRequest
	}
	if sl != nil && !sl.IsPositive() {
		return CodeInvalidRequest
	}
	return CodeOK
}

type fillParams struct {
	orderID       string
	clientOrderID *string
	symbol        string
	side          market.Side
	quantity      decimal.Decimal
	leverage      int
	fillPrice     decimal.Decimal
	upstreamBid   decimal.Decimal
	upstreamAsk   decimal.Decimal
	takeProfit    *decimal.Decimal
	stopLoss      *decimal.Decimal
	fromReserved  bool // margin+fee already held by a limit reservation
	now           time.Time
}

// fillLocked opens a position: mutations are computed on an account clone,
// persisted in one transaction, and applied to live state only on success.
func (x *Executor) fillLocked(ctx context.Context, a *account.Account, fp fillParams) *PlaceOrderResult {
	notional := fp.quantity.Mul(fp.fillPrice)
	margin := notional.Div(decimal.NewFromInt(int64(fp.leverage)))
	entryFee := notional.Mul(x.cfg.EntryFeePct)

	p := &position.Position{
		ID:               uuid.NewString(),
		AccountID:        a.ID,
		Symbol:           fp.symbol,
		Side:             fp.side,
		Quantity:         fp.quantity,
		Leverage:         fp.leverage,
		EntryPrice:       fp.fillPrice,
		EntryValue:       notional,
		Margin:           margin,
		EntryFee:         entryFee,
		TakeProfit:       fp.takeProfit,
		StopLoss:         fp.stopLoss,
		LiquidationPrice: x.liquidationPrice(fp.side, fp.fillPrice, fp.leverage),
		CurrentPrice:     fp.fillPrice,
		LastFundingAt:    fp.now,
		EntryUpstreamBid: fp.upstreamBid,
		EntryUpstreamAsk: fp.upstreamAsk,
		OpenedAt:         fp.now,
	}

	clone := a.Clone()
	if fp.fromReserved {
		// The hold taken at acceptance already left available margin.
		clone.ApplyReservedFill(margin, entryFee, notional, fp.now)
	} else {
		clone.ApplyOrderFill(margin, entryFee, notional, fp.now)
	}

	ord := database.OrderRow{
		ID:            fp.orderID,
		AccountID:     a.ID,
		ClientOrderID: fp.clientOrderID,
		PositionID:    &p.ID,
		Symbol:        fp.symbol,
		Side:          fp.side,
		OrderType:     market.OrderTypeMarket,
		Quantity:      fp.quantity,
		Leverage:      fp.leverage,
		TakeProfit:    fp.takeProfit,
		StopLoss:      fp.stopLoss,
		Status:        database.OrderStatusFilled,
		FillPrice:     &fp.fillPrice,
		FilledAt:      &fp.now,
		CreatedAt:     fp.now,
	}
	if fp.fromReserved {
		ord.OrderType = market.OrderTypeLimit
	}

	ev := audit.NewRow(a.ID, audit.EventPositionOpened, &p.ID, nil, map[string]any{
		"symbol":     fp.symbol,
		"side":       string(fp.side),
		"quantity":   fp.quantity.String(),
		"leverage":   fp.leverage,
		"entryPrice": fp.fillPrice.String(),
		"margin":     margin.String(),
		"entryFee":   entryFee.String(),
	}, fp.now)

	if err := x.store.OpenPositionTx(ctx, p, ord, ev, clone); err != nil {
		x.logger.Error().Err(err).Str("accountId", a.ID).Str("symbol", fp.symbol).Msg("open position persist failed")
		return rejectOrder(CodePersistFailed)
	}

	*a = *clone
	// Once added, the stored position belongs to the manager's lock
	// discipline; everything after works off a pre-insert clone.
	posClone := p.Clone()
	x.positions.Add(p)
	x.triggers.Register(posClone)

	if x.audit != nil {
		x.audit.Append(a.ID, audit.EventOrderFilled, &p.ID, nil, map[string]any{
			"orderId":   fp.orderID,
			"fillPrice": fp.fillPrice.String(),
		})
		if fp.takeProfit != nil {
			x.audit.Append(a.ID, audit.EventTPSet, &p.ID, nil, map[string]any{"price": fp.takeProfit.String()})
		}
		if fp.stopLoss != nil {
			x.audit.Append(a.ID, audit.EventSLSet, &p.ID, nil, map[string]any{"price": fp.stopLoss.String()})
		}
	}

	snap := a.SnapshotWith(x.unrealized(a.ID))

	x.bus.Publish(events.Event{
		Type:      events.EventOrderFilled,
		AccountID: a.ID,
		Timestamp: fp.now,
		Data:      map[string]any{"orderId": fp.orderID, "position": posClone},
	})
	x.bus.Publish(events.Event{
		Type:      events.EventPositionOpened,
		AccountID: a.ID,
		Timestamp: fp.now,
		Data:      map[string]any{"position": posClone, "account": snap},
	})

	x.logger.Info().
		Str("accountId", a.ID).
		Str("positionId", p.ID).
		Str("symbol", fp.symbol).
		Str("side", string(fp.side)).
		Str("qty", fp.quantity.String()).
		Str("price", fp.fillPrice.String()).
		Msg("position opened")

	return &PlaceOrderResult{
		Status:        StatusFilled,
		OrderID:       fp.orderID,
		ClientOrderID: deref(fp.clientOrderID),
		Position:      posClone,
		Account:       &snap,
	}
}

// liquidationPrice computes the price at which the position's margin is
// exhausted down to maintenance:
// LONG  entry * (1 - 1/lev + mm), SHORT entry * (1 + 1/lev - mm).
func (x *Executor) liquidationPrice(side market.Side, entry decimal.Decimal, lev int) decimal.Decimal {
	invLev := one.Div(decimal.NewFromInt(int64(lev)))
	if side == market.SideLong {
		return entry.Mul(one.Sub(invLev).Add(x.cfg.MaintenanceMarginPct))
	}
	return entry.Mul(one.Add(invLev).Sub(x.cfg.MaintenanceMarginPct))
}

// unrealized sums open unrealized P&L across an account's positions.
func (x *Executor) unrealized(accountID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range x.positions.GetByAccount(accountID) {
		total = total.Add(p.UnrealizedPnl)
	}
	return total
}

func (x *Executor) snapshot(accountID string) (account.Snapshot, error) {
	var snap account.Snapshot
	err := x.accounts.WithLock(accountID, func(a *account.Account) error {
		snap = a.SnapshotWith(x.unrealized(accountID))
		return nil
	})
	return snap, err
}

func priceCode(err error) RejectCode {
	switch {
	case errors.Is(err, price.ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, price.ErrStalePrice):
		return CodeStalePrice
	case errors.Is(err, price.ErrNoPrice):
		return CodeNoPrice
	default:
		return CodeInternal
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
