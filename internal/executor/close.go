package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
	"propfirm-engine/internal/ratelimit"
)

// ClosePosition settles a full or partial close. Closing a position that
// no longer exists is a success no-op, so trigger refires and client
// retries converge. Manual closes price off the live book; trigger paths
// carry the exit price of the tick that fired them.
func (x *Executor) ClosePosition(ctx context.Context, req CloseRequest) *CloseResult {
	p, ok := x.positions.Get(req.PositionID)
	if !ok {
		return &CloseResult{Status: StatusNoop}
	}

	var result *CloseResult
	err := x.accounts.WithLock(p.AccountID, func(a *account.Account) error {
		result = x.closeLocked(ctx, a, req)
		return nil
	})
	if err != nil {
		return rejectClose(CodeInternal)
	}
	return result
}

// CloseManual applies the client-facing gates (rate limit, ownership)
// before a manual close. An ownership miss is reported as a no-op so
// position ids cannot be probed.
func (x *Executor) CloseManual(ctx context.Context, userID string, req CloseRequest) *CloseResult {
	if x.limiter != nil && !x.limiter.Allow(ctx, userID, ratelimit.ActionClosePosition) {
		return rejectClose(CodeRateLimited)
	}
	if userID != "" && !x.ownsPosition(userID, req.PositionID) {
		return &CloseResult{Status: StatusNoop}
	}
	req.Reason = market.CloseReasonManual
	req.ExitPrice = nil
	return x.ClosePosition(ctx, req)
}

// ownsPosition reports whether the position's account belongs to the user.
func (x *Executor) ownsPosition(userID, positionID string) bool {
	p, ok := x.positions.Get(positionID)
	if !ok {
		return false
	}
	owner, ok := x.accounts.Owner(p.AccountID)
	return ok && owner == userID
}

// CloseFromTrigger adapts ClosePosition to the trigger engine's callback.
// A rejection returns an error so the trigger stays armed and refires.
func (x *Executor) CloseFromTrigger(positionID string, reason market.CloseReason, exitPrice decimal.Decimal) error {
	res := x.ClosePosition(context.Background(), CloseRequest{
		PositionID: positionID,
		Reason:     reason,
		ExitPrice:  &exitPrice,
	})
	if res.Status == StatusRejected {
		return fmt.Errorf("trigger close %s: %s", positionID, res.Code)
	}
	return nil
}

// CloseAllForAccount force-closes every open position on an account, used
// on breaches. Returns how many positions were closed.
func (x *Executor) CloseAllForAccount(ctx context.Context, accountID string, reason market.CloseReason) int {
	closed := 0
	for _, p := range x.positions.GetByAccount(accountID) {
		res := x.ClosePosition(ctx, CloseRequest{PositionID: p.ID, Reason: reason})
		if res.Status == StatusClosed || res.Status == StatusPartial {
			closed++
		} else if res.Status == StatusRejected {
			x.logger.Error().
				Str("accountId", accountID).
				Str("positionId", p.ID).
				Str("code", string(res.Code)).
				Msg("forced close failed")
		}
	}
	return closed
}

func (x *Executor) closeLocked(ctx context.Context, a *account.Account, req CloseRequest) *CloseResult {
	// Re-check under the lock: a trigger may have closed it first.
	p, ok := x.positions.Get(req.PositionID)
	if !ok {
		return &CloseResult{Status: StatusNoop}
	}

	qty := p.Quantity
	if req.CloseQty != nil {
		if !req.CloseQty.IsPositive() || req.CloseQty.GreaterThan(p.Quantity) {
			return rejectClose(CodeInvalidRequest)
		}
		qty = *req.CloseQty
	}
	full := qty.Equal(p.Quantity)

	exitPrice, upBid, upAsk, code := x.resolveExitPrice(p, req)
	if code != CodeOK {
		return rejectClose(code)
	}

	now := x.now()
	ratio := qty.Div(p.Quantity)
	exitValue := qty.Mul(exitPrice)
	exitFee := exitValue.Mul(x.cfg.ExitFeePct)
	grossPnl := p.PnlAt(exitPrice, qty)
	// Funding already settled against the balance when charged; the trade
	// row carries the pro-rata share for the record only.
	netPnl := grossPnl.Sub(exitFee)
	marginReleased := p.Margin.Mul(ratio)
	entryFeeShare := p.EntryFee.Mul(ratio)
	fundingShare := p.AccumulatedFunding.Mul(ratio)

	clone := a.Clone()
	clone.ApplyClose(netPnl, marginReleased, full)

	var remaining *position.Position
	if !full {
		remaining = p.Clone()
		remaining.Quantity = p.Quantity.Sub(qty)
		remaining.EntryValue = p.EntryValue.Sub(p.EntryValue.Mul(ratio))
		remaining.Margin = p.Margin.Sub(marginReleased)
		remaining.EntryFee = p.EntryFee.Sub(entryFeeShare)
		remaining.AccumulatedFunding = p.AccumulatedFunding.Sub(fundingShare)
	}

	tr := database.TradeRow{
		ID:                 uuid.NewString(),
		AccountID:          a.ID,
		PositionID:         p.ID,
		Symbol:             p.Symbol,
		Side:               p.Side,
		Quantity:           qty,
		Leverage:           p.Leverage,
		EntryPrice:         p.EntryPrice,
		EntryValue:         p.EntryValue.Mul(ratio),
		EntryFee:           entryFeeShare,
		ExitPrice:          exitPrice,
		ExitValue:          exitValue,
		ExitFee:            exitFee,
		GrossPnl:           grossPnl,
		NetPnl:             netPnl,
		AccumulatedFunding: fundingShare,
		CloseReason:        req.Reason,
		EntryUpstreamBid:   p.EntryUpstreamBid,
		EntryUpstreamAsk:   p.EntryUpstreamAsk,
		ExitUpstreamBid:    upBid,
		ExitUpstreamAsk:    upAsk,
		OpenedAt:           p.OpenedAt,
		ClosedAt:           now,
		DurationMs:         now.Sub(p.OpenedAt).Milliseconds(),
	}

	ev := audit.NewRow(a.ID, closeEventType(req.Reason), &p.ID, &tr.ID, map[string]any{
		"symbol":    p.Symbol,
		"side":      string(p.Side),
		"quantity":  qty.String(),
		"exitPrice": exitPrice.String(),
		"grossPnl":  grossPnl.String(),
		"netPnl":    netPnl.String(),
		"reason":    string(req.Reason),
		"full":      full,
	}, now)

	if err := x.store.ClosePositionTx(ctx, tr, ev, remaining, clone); err != nil {
		// The close already happened economically; apply in memory and
		// let the conflict-guarded transaction retry in the background.
		x.logger.Error().Err(err).
			Str("positionId", p.ID).
			Str("tradeId", tr.ID).
			Msg("close persist failed, queued for retry")
		x.enqueueCloseRetry(tr, ev, remaining, a.ID)
	}

	*a = *clone
	if full {
		x.positions.Remove(p.ID)
		x.triggers.Deregister(p.ID)
	} else {
		x.positions.Mutate(p.ID, func(live *position.Position) {
			live.Quantity = remaining.Quantity
			live.EntryValue = remaining.EntryValue
			live.Margin = remaining.Margin
			live.EntryFee = remaining.EntryFee
			live.AccumulatedFunding = remaining.AccumulatedFunding
		})
	}

	snap := a.SnapshotWith(x.unrealized(a.ID))
	eventType := events.EventPositionClosed
	status := StatusClosed
	if !full {
		eventType = events.EventPositionPartial
		status = StatusPartial
	}
	data := map[string]any{
		"positionId": p.ID,
		"tradeId":    tr.ID,
		"symbol":     p.Symbol,
		"exitPrice":  exitPrice.String(),
		"netPnl":     netPnl.String(),
		"reason":     string(req.Reason),
		"account":    snap,
	}
	if !full {
		data["remainingQty"] = remaining.Quantity.String()
	}
	x.bus.Publish(events.Event{Type: eventType, AccountID: a.ID, Timestamp: now, Data: data})

	x.logger.Info().
		Str("accountId", a.ID).
		Str("positionId", p.ID).
		Str("reason", string(req.Reason)).
		Str("netPnl", netPnl.String()).
		Bool("full", full).
		Msg("position closed")

	res := &CloseResult{
		Status:    status,
		TradeID:   tr.ID,
		NetPnl:    netPnl,
		GrossPnl:  grossPnl,
		ExitPrice: exitPrice,
		Account:   &snap,
	}
	if !full {
		res.Remaining = remaining
	}
	return res
}

// resolveExitPrice picks the close price. Manual closes go through the
// full price gates; forced closes (breach, liquidation with no carried
// price) take the last known book rather than fail, falling back to the
// position's mark when the symbol never ticked.
func (x *Executor) resolveExitPrice(p *position.Position, req CloseRequest) (exit, upBid, upAsk decimal.Decimal, code RejectCode) {
	tick, hasTick := x.prices.GetPrice(p.Symbol)
	if hasTick {
		upBid, upAsk = tick.UpstreamBid, tick.UpstreamAsk
	}

	if req.ExitPrice != nil {
		return *req.ExitPrice, upBid, upAsk, CodeOK
	}

	if req.Reason == market.CloseReasonManual {
		if !hasTick {
			return exit, upBid, upAsk, CodeNoPrice
		}
		if x.prices.IsTripped(p.Symbol) {
			return exit, upBid, upAsk, CodeCircuitOpen
		}
		if x.prices.IsStale(p.Symbol, x.prices.StaleThreshold()) {
			return exit, upBid, upAsk, CodeStalePrice
		}
		return tick.ClosePrice(p.Side), upBid, upAsk, CodeOK
	}

	if hasTick {
		return tick.ClosePrice(p.Side), upBid, upAsk, CodeOK
	}
	return p.CurrentPrice, upBid, upAsk, CodeOK
}

func (x *Executor) enqueueCloseRetry(tr database.TradeRow, ev database.TradeEventRow, remaining *position.Position, accountID string) {
	if x.retry == nil {
		return
	}
	x.retry.Enqueue(database.RetryTask{
		Name: "close:" + tr.ID,
		Fn: func(ctx context.Context) error {
			acct, found := x.accounts.Get(accountID)
			if !found {
				return nil
			}
			return x.store.ClosePositionTx(ctx, tr, ev, remaining, acct)
		},
	})
	// The flush loop rewrites the account with fresh state once the row
	// exists.
	x.accounts.MarkDirty(accountID)
}

func closeEventType(reason market.CloseReason) string {
	switch reason {
	case market.CloseReasonTakeProfit:
		return audit.EventTPTriggered
	case market.CloseReasonStopLoss:
		return audit.EventSLTriggered
	case market.CloseReasonLiquidation:
		return audit.EventLiquidationTriggered
	case market.CloseReasonBreach:
		return audit.EventAdminBreach
	default:
		return audit.EventPositionClosed
	}
}
