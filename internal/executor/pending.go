package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/audit"
	"propfirm-engine/internal/database"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
)

// PendingOrder is one resting limit order. The account holds a margin+fee
// reservation for it until fill, cancel or expiry.
type PendingOrder struct {
	OrderID       string
	AccountID     string
	UserID        string
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Quantity      decimal.Decimal
	Leverage      int
	LimitPrice    decimal.Decimal
	TakeProfit    *decimal.Decimal
	StopLoss      *decimal.Decimal
	ReservedHold  decimal.Decimal // margin + entry fee at the limit price
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// pendingBook indexes resting orders by symbol and id.
type pendingBook struct {
	mu       sync.Mutex
	bySymbol map[string][]*PendingOrder
	byID     map[string]*PendingOrder
}

func newPendingBook() *pendingBook {
	return &pendingBook{
		bySymbol: make(map[string][]*PendingOrder),
		byID:     make(map[string]*PendingOrder),
	}
}

func (b *pendingBook) add(po *PendingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[po.OrderID] = po
	b.bySymbol[po.Symbol] = append(b.bySymbol[po.Symbol], po)
}

func (b *pendingBook) remove(orderID string) *PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.byID[orderID]
	if !ok {
		return nil
	}
	delete(b.byID, orderID)
	list := b.bySymbol[po.Symbol]
	for i, cand := range list {
		if cand.OrderID == orderID {
			b.bySymbol[po.Symbol] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.bySymbol[po.Symbol]) == 0 {
		delete(b.bySymbol, po.Symbol)
	}
	return po
}

// crossed collects and removes every order on a symbol the tick fills:
// LONG when the marked-up ask reaches the limit, SHORT when the bid does.
func (b *pendingBook) crossed(tick market.PriceTick) []*PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fired []*PendingOrder
	list := b.bySymbol[tick.Symbol]
	kept := list[:0]
	for _, po := range list {
		hit := (po.Side == market.SideLong && tick.Ask.LessThanOrEqual(po.LimitPrice)) ||
			(po.Side == market.SideShort && tick.Bid.GreaterThanOrEqual(po.LimitPrice))
		if hit {
			fired = append(fired, po)
			delete(b.byID, po.OrderID)
		} else {
			kept = append(kept, po)
		}
	}
	if len(kept) == 0 {
		delete(b.bySymbol, tick.Symbol)
	} else {
		b.bySymbol[tick.Symbol] = kept
	}
	return fired
}

// expired collects and removes every order past its deadline.
func (b *pendingBook) expired(now time.Time) []*PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*PendingOrder
	for id, po := range b.byID {
		if po.ExpiresAt != nil && !po.ExpiresAt.After(now) {
			out = append(out, po)
			delete(b.byID, id)
		}
	}
	for _, po := range out {
		list := b.bySymbol[po.Symbol]
		for i, cand := range list {
			if cand.OrderID == po.OrderID {
				b.bySymbol[po.Symbol] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.bySymbol[po.Symbol]) == 0 {
			delete(b.bySymbol, po.Symbol)
		}
	}
	return out
}

func (b *pendingBook) get(orderID string) *PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byID[orderID]
}

func (b *pendingBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

// PendingCount reports how many limit orders are resting.
func (x *Executor) PendingCount() int { return x.pending.count() }

// acceptLimitLocked rests a limit order: reservation on the account,
// pending row in storage, entry in the book. Caller holds the account
// lock and has checked affordability.
func (x *Executor) acceptLimitLocked(ctx context.Context, a *account.Account, req PlaceOrderRequest, lev int, margin, entryFee decimal.Decimal, now time.Time) *PlaceOrderResult {
	hold := margin.Add(entryFee)
	po := &PendingOrder{
		OrderID:       uuid.NewString(),
		AccountID:     a.ID,
		UserID:        req.UserID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Leverage:      lev,
		LimitPrice:    *req.LimitPrice,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		ReservedHold:  hold,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     now,
	}

	ord := database.OrderRow{
		ID:             po.OrderID,
		AccountID:      a.ID,
		ClientOrderID:  optString(req.ClientOrderID),
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      market.OrderTypeLimit,
		Quantity:       req.Quantity,
		Leverage:       lev,
		LimitPrice:     req.LimitPrice,
		TakeProfit:     req.TakeProfit,
		StopLoss:       req.StopLoss,
		ReservedMargin: &hold,
		Status:         database.OrderStatusPending,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
	}
	if err := x.store.InsertOrder(ctx, ord); err != nil {
		x.logger.Error().Err(err).Str("accountId", a.ID).Msg("limit order persist failed")
		return rejectOrder(CodePersistFailed)
	}

	a.Reserve(hold)
	x.accounts.MarkDirty(a.ID)
	x.pending.add(po)

	if x.audit != nil {
		x.audit.Append(a.ID, audit.EventOrderPlaced, nil, nil, map[string]any{
			"orderId":    po.OrderID,
			"symbol":     req.Symbol,
			"side":       string(req.Side),
			"quantity":   req.Quantity.String(),
			"limitPrice": po.LimitPrice.String(),
			"reserved":   hold.String(),
		})
	}

	snap := a.SnapshotWith(x.unrealized(a.ID))
	x.bus.Publish(events.Event{
		Type:      events.EventOrderAccepted,
		AccountID: a.ID,
		Timestamp: now,
		Data:      map[string]any{"orderId": po.OrderID, "symbol": req.Symbol, "limitPrice": po.LimitPrice.String()},
	})

	return &PlaceOrderResult{
		Status:        StatusAccepted,
		OrderID:       po.OrderID,
		ClientOrderID: req.ClientOrderID,
		Account:       &snap,
	}
}

// OnPriceTick matches resting limit orders against a fresh tick. Fills
// happen at the limit price, which the reservation was sized for.
func (x *Executor) OnPriceTick(tick market.PriceTick) {
	for _, po := range x.pending.crossed(tick) {
		x.fillPending(po, tick)
	}
}

func (x *Executor) fillPending(po *PendingOrder, tick market.PriceTick) {
	ctx := context.Background()
	err := x.accounts.WithLock(po.AccountID, func(a *account.Account) error {
		if !a.Status.CanTrade() {
			// Account breached while the order rested; release and kill it.
			x.releaseLocked(ctx, a, po, database.OrderStatusCancelled, events.EventOrderCancelled, audit.EventOrderCancelled)
			return nil
		}
		res := x.fillLocked(ctx, a, fillParams{
			orderID:       po.OrderID,
			clientOrderID: optString(po.ClientOrderID),
			symbol:        po.Symbol,
			side:          po.Side,
			quantity:      po.Quantity,
			leverage:      po.Leverage,
			fillPrice:     po.LimitPrice,
			upstreamBid:   tick.UpstreamBid,
			upstreamAsk:   tick.UpstreamAsk,
			takeProfit:    po.TakeProfit,
			stopLoss:      po.StopLoss,
			fromReserved:  true,
			now:           x.now(),
		})
		if res.Rejected() {
			// Leave the reservation in place and put the order back; the
			// next tick retries.
			x.pending.add(po)
			log.Printf("[EXECUTOR] pending fill %s rejected: %s", po.OrderID, res.Code)
		}
		return nil
	})
	if err != nil {
		x.logger.Error().Err(err).Str("orderId", po.OrderID).Msg("pending fill account lookup failed")
	}
}

// CancelOrder removes a resting limit order and releases its hold. An
// empty userID is a system cancel; otherwise the caller must own the
// order. Ownership misses look identical to a missing order.
func (x *Executor) CancelOrder(ctx context.Context, userID, orderID string) *PlaceOrderResult {
	if po := x.pending.get(orderID); po == nil || (userID != "" && po.UserID != userID) {
		return rejectOrder(CodePositionNotFound)
	}
	po := x.pending.remove(orderID)
	if po == nil {
		return rejectOrder(CodePositionNotFound)
	}
	var snap account.Snapshot
	err := x.accounts.WithLock(po.AccountID, func(a *account.Account) error {
		x.releaseLocked(ctx, a, po, database.OrderStatusCancelled, events.EventOrderCancelled, audit.EventOrderCancelled)
		snap = a.SnapshotWith(x.unrealized(a.ID))
		return nil
	})
	if err != nil {
		return rejectOrder(CodeInternal)
	}
	return &PlaceOrderResult{Status: StatusNoop, OrderID: orderID, Account: &snap}
}

// releaseLocked returns a pending order's hold and records the terminal
// status. Caller holds the account lock.
func (x *Executor) releaseLocked(ctx context.Context, a *account.Account, po *PendingOrder, status string, evType events.EventType, auditType string) {
	a.ReleaseReservation(po.ReservedHold)
	x.accounts.MarkDirty(a.ID)

	if err := x.store.UpdateOrderStatus(ctx, po.OrderID, status); err != nil {
		x.logger.Error().Err(err).Str("orderId", po.OrderID).Msg("order status update failed, queued for retry")
		if x.retry != nil {
			orderID := po.OrderID
			x.retry.Enqueue(database.RetryTask{
				Name: "order-status:" + orderID,
				Fn: func(ctx context.Context) error {
					return x.store.UpdateOrderStatus(ctx, orderID, status)
				},
			})
		}
	}

	if x.audit != nil {
		x.audit.Append(a.ID, auditType, nil, nil, map[string]any{
			"orderId":  po.OrderID,
			"symbol":   po.Symbol,
			"released": po.ReservedHold.String(),
		})
	}
	x.bus.Publish(events.Event{
		Type:      evType,
		AccountID: a.ID,
		Timestamp: x.now(),
		Data:      map[string]any{"orderId": po.OrderID, "symbol": po.Symbol},
	})
}

// SweepExpired cancels every pending order past its deadline.
func (x *Executor) SweepExpired() int {
	now := x.now()
	expired := x.pending.expired(now)
	for _, po := range expired {
		ctx := context.Background()
		err := x.accounts.WithLock(po.AccountID, func(a *account.Account) error {
			x.releaseLocked(ctx, a, po, database.OrderStatusExpired, events.EventOrderExpired, audit.EventOrderExpired)
			return nil
		})
		if err != nil {
			x.logger.Error().Err(err).Str("orderId", po.OrderID).Msg("expiry release failed")
		}
	}
	return len(expired)
}

// LoadPending restores the resting book from storage at startup. The
// account reservations are already reflected in the loaded balances.
func (x *Executor) LoadPending(rows []database.OrderRow) {
	for _, row := range rows {
		if row.LimitPrice == nil {
			continue
		}
		hold := decimal.Zero
		if row.ReservedMargin != nil {
			hold = *row.ReservedMargin
		}
		x.pending.add(&PendingOrder{
			OrderID:       row.ID,
			AccountID:     row.AccountID,
			ClientOrderID: deref(row.ClientOrderID),
			Symbol:        row.Symbol,
			Side:          row.Side,
			Quantity:      row.Quantity,
			Leverage:      row.Leverage,
			LimitPrice:    *row.LimitPrice,
			TakeProfit:    row.TakeProfit,
			StopLoss:      row.StopLoss,
			ReservedHold:  hold,
			ExpiresAt:     row.ExpiresAt,
			CreatedAt:     row.CreatedAt,
		})
	}
	log.Printf("[EXECUTOR] restored %d pending limit orders", x.pending.count())
}

// Start launches the expiry sweeper.
func (x *Executor) Start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.started {
		return
	}
	x.started = true
	x.wg.Add(1)
	go x.sweepLoop()
	log.Printf("[EXECUTOR] started (sweep every %v)", x.cfg.PendingSweepInterval)
}

// Stop halts the expiry sweeper.
func (x *Executor) Stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.started {
		return
	}
	x.started = false
	close(x.stopChan)
	x.wg.Wait()
	log.Printf("[EXECUTOR] stopped")
}

func (x *Executor) sweepLoop() {
	defer x.wg.Done()
	ticker := time.NewTicker(x.cfg.PendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-x.stopChan:
			return
		case <-ticker.C:
			if n := x.SweepExpired(); n > 0 {
				log.Printf("[EXECUTOR] expired %d pending orders", n)
			}
		}
	}
}
