package database

import (
	"context"
	"fmt"
	"log"
)

// RunMigrations executes the schema migrations. All monetary columns are
// exact decimals; all timestamps are UTC.
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("[DB] Running migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			username VARCHAR(100) NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS evaluation_plans (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			steps INT NOT NULL DEFAULT 1,
			starting_balance DECIMAL(20, 8) NOT NULL,
			daily_loss_limit DECIMAL(20, 8) NOT NULL,
			max_drawdown_limit DECIMAL(20, 8) NOT NULL,
			profit_target DECIMAL(20, 8) NOT NULL,
			btc_eth_max_leverage INT NOT NULL DEFAULT 20,
			altcoin_max_leverage INT NOT NULL DEFAULT 10,
			profit_split_pct DECIMAL(5, 2) NOT NULL DEFAULT 80,
			min_trading_days INT NOT NULL DEFAULT 0,
			trailing_drawdown BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS trading_accounts (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			plan_id UUID REFERENCES evaluation_plans(id),
			account_number VARCHAR(32) NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL DEFAULT 'pending_payment',
			breach_type VARCHAR(20),
			evaluation_step INT NOT NULL DEFAULT 1,
			starting_balance DECIMAL(20, 8) NOT NULL,
			current_balance DECIMAL(20, 8) NOT NULL,
			peak_balance DECIMAL(20, 8) NOT NULL,
			margin_used DECIMAL(20, 8) NOT NULL DEFAULT 0,
			available_margin DECIMAL(20, 8) NOT NULL,
			daily_starting_balance DECIMAL(20, 8) NOT NULL,
			daily_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			daily_volume DECIMAL(20, 8) NOT NULL DEFAULT 0,
			daily_reset_at TIMESTAMPTZ NOT NULL,
			daily_loss_limit DECIMAL(20, 8) NOT NULL,
			max_drawdown_limit DECIMAL(20, 8) NOT NULL,
			profit_target DECIMAL(20, 8) NOT NULL,
			trailing_drawdown BOOLEAN NOT NULL DEFAULT TRUE,
			trading_days INT NOT NULL DEFAULT 0,
			closed_today BOOLEAN NOT NULL DEFAULT FALSE,
			total_trades INT NOT NULL DEFAULT 0,
			winning_trades INT NOT NULL DEFAULT 0,
			losing_trades INT NOT NULL DEFAULT 0,
			last_trade_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user ON trading_accounts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_status ON trading_accounts(status)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES trading_accounts(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_value DECIMAL(20, 8) NOT NULL,
			margin DECIMAL(20, 8) NOT NULL,
			entry_fee DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8),
			stop_loss DECIMAL(20, 8),
			liquidation_price DECIMAL(20, 8) NOT NULL,
			accumulated_funding DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_funding_at TIMESTAMPTZ,
			entry_upstream_bid DECIMAL(20, 8),
			entry_upstream_ask DECIMAL(20, 8),
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES trading_accounts(id),
			client_order_id VARCHAR(64),
			position_id UUID,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			limit_price DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			stop_loss DECIMAL(20, 8),
			reserved_margin DECIMAL(20, 8),
			status VARCHAR(20) NOT NULL,
			fill_price DECIMAL(20, 8),
			filled_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_client_order_id
			ON orders(client_order_id) WHERE client_order_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES trading_accounts(id),
			position_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_value DECIMAL(20, 8) NOT NULL,
			entry_fee DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			exit_value DECIMAL(20, 8) NOT NULL,
			exit_fee DECIMAL(20, 8) NOT NULL,
			gross_pnl DECIMAL(20, 8) NOT NULL,
			net_pnl DECIMAL(20, 8) NOT NULL,
			accumulated_funding DECIMAL(20, 8) NOT NULL DEFAULT 0,
			close_reason VARCHAR(20) NOT NULL,
			entry_upstream_bid DECIMAL(20, 8),
			entry_upstream_ask DECIMAL(20, 8),
			exit_upstream_bid DECIMAL(20, 8),
			exit_upstream_ask DECIMAL(20, 8),
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,

		`CREATE TABLE IF NOT EXISTS trade_events (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL,
			position_id UUID,
			trade_id UUID,
			event_type VARCHAR(32) NOT NULL,
			details JSONB,
			event_hash CHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_account ON trade_events(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_type ON trade_events(event_type)`,

		`CREATE TABLE IF NOT EXISTS payouts (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES trading_accounts(id),
			amount DECIMAL(20, 8) NOT NULL,
			profit_split_pct DECIMAL(5, 2) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES trading_accounts(id),
			snapshot_date DATE NOT NULL,
			starting_balance DECIMAL(20, 8) NOT NULL,
			ending_balance DECIMAL(20, 8) NOT NULL,
			peak_balance DECIMAL(20, 8) NOT NULL,
			daily_pnl DECIMAL(20, 8) NOT NULL,
			drawdown DECIMAL(20, 8) NOT NULL,
			total_trades INT NOT NULL,
			winning_trades INT NOT NULL,
			losing_trades INT NOT NULL,
			volume DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, snapshot_date)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			user_id UUID,
			action VARCHAR(64) NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Printf("[DB] Migrations complete (%d statements)", len(migrations))
	return nil
}
