package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/position"
)

// Repository provides data access on top of the pool. Every method applies
// the configured query deadline unless the caller brought its own.
type Repository struct {
	db *DB
}

// NewRepository creates a repository around a DB.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const accountUpdateSQL = `
	UPDATE trading_accounts SET
		status = $2, breach_type = NULLIF($3, ''), evaluation_step = $4,
		current_balance = $5, peak_balance = $6, margin_used = $7,
		available_margin = $8, daily_starting_balance = $9, daily_pnl = $10,
		daily_volume = $11, daily_reset_at = $12, trading_days = $13,
		closed_today = $14, total_trades = $15, winning_trades = $16,
		losing_trades = $17, last_trade_at = $18, updated_at = NOW()
	WHERE id = $1`

func accountUpdateArgs(a *account.Account) []any {
	var lastTrade *time.Time
	if !a.LastTradeAt.IsZero() {
		lastTrade = &a.LastTradeAt
	}
	return []any{
		a.ID, string(a.Status), string(a.BreachType), a.EvaluationStep,
		a.CurrentBalance, a.PeakBalance, a.MarginUsed,
		a.AvailableMargin, a.DailyStartingBalance, a.DailyPnl,
		a.DailyVolume, a.DailyResetAt, a.TradingDays, a.ClosedToday,
		a.TotalTrades, a.WinningTrades, a.LosingTrades,
		lastTrade,
	}
}

// SaveAccounts writes a batch of dirty accounts in one round trip.
func (r *Repository) SaveAccounts(ctx context.Context, accounts []*account.Account) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(accountUpdateSQL, accountUpdateArgs(a)...)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range accounts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("account batch update: %w", err)
		}
	}
	return nil
}

// LoadOperatingAccounts loads every account the engine operates on at
// startup: tradeable accounts plus any account still holding positions.
func (r *Repository) LoadOperatingAccounts(ctx context.Context) ([]*account.Account, error) {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT a.id, a.user_id, a.account_number, a.status, COALESCE(a.breach_type, ''),
		       a.evaluation_step, a.starting_balance, a.current_balance, a.peak_balance,
		       a.margin_used, a.available_margin, a.daily_starting_balance, a.daily_pnl,
		       a.daily_volume, a.daily_reset_at, a.daily_loss_limit, a.max_drawdown_limit, a.profit_target,
		       a.trailing_drawdown, a.trading_days, a.closed_today,
		       a.total_trades, a.winning_trades, a.losing_trades,
		       COALESCE(a.last_trade_at, 'epoch'::timestamptz), a.created_at,
		       COALESCE(p.id::text, ''), COALESCE(p.name, ''), COALESCE(p.steps, 1),
		       COALESCE(p.btc_eth_max_leverage, 20), COALESCE(p.altcoin_max_leverage, 10),
		       COALESCE(p.profit_split_pct, 80), COALESCE(p.min_trading_days, 0)
		FROM trading_accounts a
		LEFT JOIN evaluation_plans p ON p.id = a.plan_id
		WHERE a.status IN ('active', 'step1_passed')
		   OR EXISTS (SELECT 1 FROM positions pos WHERE pos.account_id = a.id)`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	var out []*account.Account
	for rows.Next() {
		a := &account.Account{}
		err := rows.Scan(
			&a.ID, &a.UserID, &a.AccountNumber, &a.Status, &a.BreachType,
			&a.EvaluationStep, &a.StartingBalance, &a.CurrentBalance, &a.PeakBalance,
			&a.MarginUsed, &a.AvailableMargin, &a.DailyStartingBalance, &a.DailyPnl,
			&a.DailyVolume, &a.DailyResetAt, &a.DailyLossLimit, &a.MaxDrawdownLimit, &a.ProfitTarget,
			&a.TrailingDrawdown, &a.TradingDays, &a.ClosedToday,
			&a.TotalTrades, &a.WinningTrades, &a.LosingTrades,
			&a.LastTradeAt, &a.CreatedAt,
			&a.Plan.ID, &a.Plan.Name, &a.Plan.Steps,
			&a.Plan.BTCETHMaxLeverage, &a.Plan.AltcoinMaxLeverage,
			&a.Plan.ProfitSplitPct, &a.Plan.MinTradingDays,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadOpenPositions loads the open position book at startup.
func (r *Repository) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account_id, symbol, side, quantity, leverage,
		       entry_price, entry_value, margin, entry_fee,
		       take_profit, stop_loss, liquidation_price,
		       accumulated_funding, COALESCE(last_funding_at, 'epoch'::timestamptz),
		       COALESCE(entry_upstream_bid, 0), COALESCE(entry_upstream_ask, 0), opened_at
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		p := &position.Position{}
		err := rows.Scan(
			&p.ID, &p.AccountID, &p.Symbol, &p.Side, &p.Quantity, &p.Leverage,
			&p.EntryPrice, &p.EntryValue, &p.Margin, &p.EntryFee,
			&p.TakeProfit, &p.StopLoss, &p.LiquidationPrice,
			&p.AccumulatedFunding, &p.LastFundingAt,
			&p.EntryUpstreamBid, &p.EntryUpstreamAsk, &p.OpenedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.CurrentPrice = p.EntryPrice
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenPositionTx persists a fill atomically: position row, filled order
// row, trade event and the mutated account. The position insert is
// conflict-guarded so a retried transaction cannot double-apply.
func (r *Repository) OpenPositionTx(ctx context.Context, p *position.Position, ord OrderRow, ev TradeEventRow, a *account.Account) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, quantity, leverage,
			entry_price, entry_value, margin, entry_fee,
			take_profit, stop_loss, liquidation_price,
			accumulated_funding, last_funding_at,
			entry_upstream_bid, entry_upstream_ask, opened_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.AccountID, p.Symbol, string(p.Side), p.Quantity, p.Leverage,
		p.EntryPrice, p.EntryValue, p.Margin, p.EntryFee,
		p.TakeProfit, p.StopLoss, p.LiquidationPrice,
		p.AccumulatedFunding, nullTime(p.LastFundingAt),
		p.EntryUpstreamBid, p.EntryUpstreamAsk, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Retry of an already-committed fill; nothing more to apply.
		return tx.Commit(ctx)
	}

	if err := insertOrderTx(ctx, tx, ord); err != nil {
		return err
	}
	if err := insertTradeEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, accountUpdateSQL, accountUpdateArgs(a)...); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return tx.Commit(ctx)
}

// ClosePositionTx persists a close atomically: trade row, trade event,
// position delete (full) or pro-rata update (partial), linked-order
// unlink and the mutated account. The trade insert is conflict-guarded
// for retry idempotence.
func (r *Repository) ClosePositionTx(ctx context.Context, tr TradeRow, ev TradeEventRow, remaining *position.Position, a *account.Account) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO trades (
			id, account_id, position_id, symbol, side, quantity, leverage,
			entry_price, entry_value, entry_fee,
			exit_price, exit_value, exit_fee,
			gross_pnl, net_pnl, accumulated_funding, close_reason,
			entry_upstream_bid, entry_upstream_ask,
			exit_upstream_bid, exit_upstream_ask,
			opened_at, closed_at, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.AccountID, tr.PositionID, tr.Symbol, string(tr.Side), tr.Quantity, tr.Leverage,
		tr.EntryPrice, tr.EntryValue, tr.EntryFee,
		tr.ExitPrice, tr.ExitValue, tr.ExitFee,
		tr.GrossPnl, tr.NetPnl, tr.AccumulatedFunding, string(tr.CloseReason),
		tr.EntryUpstreamBid, tr.EntryUpstreamAsk,
		tr.ExitUpstreamBid, tr.ExitUpstreamAsk,
		tr.OpenedAt, tr.ClosedAt, tr.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if err := insertTradeEventTx(ctx, tx, ev); err != nil {
		return err
	}

	if remaining == nil {
		if _, err := tx.Exec(ctx, `UPDATE orders SET position_id = NULL WHERE position_id = $1`, tr.PositionID); err != nil {
			return fmt.Errorf("unlink orders: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, tr.PositionID); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	} else {
		_, err := tx.Exec(ctx, `
			UPDATE positions SET quantity = $2, entry_value = $3, margin = $4,
				entry_fee = $5, updated_at = NOW()
			WHERE id = $1`,
			remaining.ID, remaining.Quantity, remaining.EntryValue, remaining.Margin, remaining.EntryFee)
		if err != nil {
			return fmt.Errorf("update position remainder: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, accountUpdateSQL, accountUpdateArgs(a)...); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return tx.Commit(ctx)
}

func insertOrderTx(ctx context.Context, tx pgx.Tx, ord OrderRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders (
			id, account_id, client_order_id, position_id, symbol, side, order_type,
			quantity, leverage, limit_price, take_profit, stop_loss,
			reserved_margin, status, fill_price, filled_at, expires_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			position_id = EXCLUDED.position_id, status = EXCLUDED.status,
			fill_price = EXCLUDED.fill_price, filled_at = EXCLUDED.filled_at`,
		ord.ID, ord.AccountID, ord.ClientOrderID, ord.PositionID, ord.Symbol,
		string(ord.Side), string(ord.OrderType),
		ord.Quantity, ord.Leverage, ord.LimitPrice, ord.TakeProfit, ord.StopLoss,
		ord.ReservedMargin, ord.Status, ord.FillPrice, ord.FilledAt, ord.ExpiresAt, ord.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func insertTradeEventTx(ctx context.Context, tx pgx.Tx, ev TradeEventRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trade_events (id, account_id, position_id, trade_id, event_type, details, event_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.AccountID, ev.PositionID, ev.TradeID, ev.EventType, ev.Details, ev.EventHash, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade event: %w", err)
	}
	return nil
}

// InsertOrder writes a single resting or rejected order row.
func (r *Repository) InsertOrder(ctx context.Context, ord OrderRow) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertOrderTx(ctx, tx, ord); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateOrderStatus moves an order to a terminal status.
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()
	_, err := r.db.Pool.Exec(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, orderID, status)
	return err
}

// MarkOrderFilled records a pending order's fill.
func (r *Repository) MarkOrderFilled(ctx context.Context, orderID, positionID string, fillPrice decimal.Decimal, filledAt time.Time) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE orders SET status = $2, position_id = $3, fill_price = $4, filled_at = $5
		WHERE id = $1`, orderID, OrderStatusFilled, positionID, fillPrice, filledAt)
	return err
}

// GetOrderByClientID resolves an idempotency key to a previously accepted
// order, when one exists.
func (r *Repository) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderRow, error) {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	ord := &OrderRow{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, account_id, client_order_id, position_id, symbol, side, order_type,
		       quantity, leverage, limit_price, take_profit, stop_loss,
		       reserved_margin, status, fill_price, filled_at, expires_at, created_at
		FROM orders WHERE client_order_id = $1`, clientOrderID,
	).Scan(
		&ord.ID, &ord.AccountID, &ord.ClientOrderID, &ord.PositionID, &ord.Symbol,
		&ord.Side, &ord.OrderType, &ord.Quantity, &ord.Leverage,
		&ord.LimitPrice, &ord.TakeProfit, &ord.StopLoss,
		&ord.ReservedMargin, &ord.Status, &ord.FillPrice, &ord.FilledAt, &ord.ExpiresAt, &ord.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by client id: %w", err)
	}
	return ord, nil
}

// LoadPendingOrders returns the resting limit orders at startup.
func (r *Repository) LoadPendingOrders(ctx context.Context) ([]OrderRow, error) {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account_id, client_order_id, position_id, symbol, side, order_type,
		       quantity, leverage, limit_price, take_profit, stop_loss,
		       reserved_margin, status, fill_price, filled_at, expires_at, created_at
		FROM orders WHERE status = $1 AND order_type = 'LIMIT'`, OrderStatusPending)
	if err != nil {
		return nil, fmt.Errorf("load pending orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var ord OrderRow
		err := rows.Scan(
			&ord.ID, &ord.AccountID, &ord.ClientOrderID, &ord.PositionID, &ord.Symbol,
			&ord.Side, &ord.OrderType, &ord.Quantity, &ord.Leverage,
			&ord.LimitPrice, &ord.TakeProfit, &ord.StopLoss,
			&ord.ReservedMargin, &ord.Status, &ord.FillPrice, &ord.FilledAt, &ord.ExpiresAt, &ord.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, ord)
	}
	return out, rows.Err()
}

// InsertTradeEvents appends a batch of audit events.
func (r *Repository) InsertTradeEvents(ctx context.Context, events []TradeEventRow) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO trade_events (id, account_id, position_id, trade_id, event_type, details, event_hash, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.AccountID, ev.PositionID, ev.TradeID, ev.EventType, ev.Details, ev.EventHash, ev.CreatedAt)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("trade event batch: %w", err)
		}
	}
	return nil
}

// InsertDailySnapshot writes one account-day record; re-runs of the same
// boundary are no-ops.
func (r *Repository) InsertDailySnapshot(ctx context.Context, snap DailySnapshotRow) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO daily_snapshots (
			id, account_id, snapshot_date, starting_balance, ending_balance,
			peak_balance, daily_pnl, drawdown, total_trades, winning_trades,
			losing_trades, volume
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (account_id, snapshot_date) DO NOTHING`,
		snap.ID, snap.AccountID, snap.SnapshotDate, snap.StartingBalance, snap.EndingBalance,
		snap.PeakBalance, snap.DailyPnl, snap.Drawdown, snap.TotalTrades, snap.WinningTrades,
		snap.LosingTrades, snap.Volume,
	)
	if err != nil {
		return fmt.Errorf("insert daily snapshot: %w", err)
	}
	return nil
}

// UpdatePositionFunding persists a funding application on one position.
func (r *Repository) UpdatePositionFunding(ctx context.Context, positionID string, accumulated decimal.Decimal, at time.Time) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET accumulated_funding = $2, last_funding_at = $3, updated_at = NOW()
		WHERE id = $1`, positionID, accumulated, at)
	return err
}

// UpdatePositionTPSL persists a take-profit / stop-loss modification.
func (r *Repository) UpdatePositionTPSL(ctx context.Context, positionID string, takeProfit, stopLoss *decimal.Decimal) error {
	ctx, cancel := r.db.withDeadline(ctx)
	defer cancel()
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET take_profit = $2, stop_loss = $3, updated_at = NOW()
		WHERE id = $1`, positionID, takeProfit, stopLoss)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
