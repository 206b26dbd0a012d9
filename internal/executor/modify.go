package executor

import (
	"context"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/position"
	"propfirm-engine/internal/ratelimit"
)

// ModifyRequest changes the take-profit and/or stop-loss on an open
// position. A nil price with the matching Clear flag removes the trigger;
// nil without the flag leaves it untouched.
type ModifyRequest struct {
	PositionID      string           `json:"positionId"`
	UserID          string           `json:"userId"`
	TakeProfit      *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss        *decimal.Decimal `json:"stopLoss,omitempty"`
	ClearTakeProfit bool             `json:"clearTakeProfit,omitempty"`
	ClearStopLoss   bool             `json:"clearStopLoss,omitempty"`
}

// ModifyResult reports the position after a trigger modification.
type ModifyResult struct {
	Status   string             `json:"status"`
	Code     RejectCode         `json:"code,omitempty"`
	Position *position.Position `json:"position,omitempty"`
}

// ModifyTPSL updates a position's triggers under the account lock and
// re-indexes the trigger engine.
func (x *Executor) ModifyTPSL(ctx context.Context, req ModifyRequest) *ModifyResult {
	if x.limiter != nil && !x.limiter.Allow(ctx, req.UserID, ratelimit.ActionModifyPosition) {
		return &ModifyResult{Status: StatusRejected, Code: CodeRateLimited}
	}

	p, ok := x.positions.Get(req.PositionID)
	if !ok {
		return &ModifyResult{Status: StatusRejected, Code: CodePositionNotFound}
	}
	if req.UserID != "" && !x.ownsPosition(req.UserID, req.PositionID) {
		return &ModifyResult{Status: StatusRejected, Code: CodePositionNotFound}
	}

	var result *ModifyResult
	err := x.accounts.WithLock(p.AccountID, func(a *account.Account) error {
		result = x.modifyLocked(ctx, a, req)
		return nil
	})
	if err != nil {
		return &ModifyResult{Status: StatusRejected, Code: CodeInternal}
	}
	return result
}

func (x *Executor) modifyLocked(ctx context.Context, a *account.Account, req ModifyRequest) *ModifyResult {
	p, ok := x.positions.Get(req.PositionID)
	if !ok {
		return &ModifyResult{Status: StatusRejected, Code: CodePositionNotFound}
	}

	newTP := p.TakeProfit
	if req.ClearTakeProfit {
		newTP = nil
	} else if req.TakeProfit != nil {
		newTP = req.TakeProfit
	}
	newSL := p.StopLoss
	if req.ClearStopLoss {
		newSL = nil
	} else if req.StopLoss != nil {
		newSL = req.StopLoss
	}

	// Levels on the wrong side of the mark are accepted; the trigger
	// book fires them on the next tick.
	if code := validateTPSL(newTP, newSL); code != CodeOK {
		return &ModifyResult{Status: StatusRejected, Code: code}
	}

	if err := x.store.UpdatePositionTPSL(ctx, p.ID, newTP, newSL); err != nil {
		x.logger.Error().Err(err).Str("positionId", p.ID).Msg("tp/sl persist failed")
		return &ModifyResult{Status: StatusRejected, Code: CodePersistFailed}
	}

	tpChanged := !decimalPtrEqual(p.TakeProfit, newTP)
	slChanged := !decimalPtrEqual(p.StopLoss, newSL)
	p.TakeProfit = newTP
	p.StopLoss = newSL
	x.positions.Mutate(p.ID, func(live *position.Position) {
		live.TakeProfit = newTP
		live.StopLoss = newSL
	})
	x.triggers.UpdateTPSL(p, market.TriggerTP, newTP)
	x.triggers.UpdateTPSL(p, market.TriggerSL, newSL)

	if x.audit != nil {
		if tpChanged {
			x.audit.Append(a.ID, audit.EventTPModified, &p.ID, nil, map[string]any{"price": ptrString(newTP)})
		}
		if slChanged {
			x.audit.Append(a.ID, audit.EventSLModified, &p.ID, nil, map[string]any{"price": ptrString(newSL)})
		}
	}

	posClone := p.Clone()
	x.bus.Publish(events.Event{
		Type:      events.EventPositionUpdated,
		AccountID: a.ID,
		Timestamp: x.now(),
		Data:      map[string]any{"position": posClone},
	})
	return &ModifyResult{Status: StatusModified, Position: posClone}
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func ptrString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
