package tsdb

import (
	"context"
	"fmt"
)

// schemaDDL creates every table the pipeline writes. Statements are
// idempotent so EnsureSchema can run on every startup.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS symbol_refs (
		id BIGSERIAL PRIMARY KEY,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		base_asset TEXT NOT NULL DEFAULT '',
		quote_asset TEXT NOT NULL DEFAULT '',
		tick_size NUMERIC NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (exchange, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS order_books_futures (
		symbol_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		bids JSONB NOT NULL,
		asks JSONB NOT NULL,
		best_bid NUMERIC,
		best_ask NUMERIC,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol_id, exchange, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS trades_futures (
		symbol_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		trade_id TEXT NOT NULL,
		price NUMERIC NOT NULL,
		qty NUMERIC NOT NULL,
		side TEXT NOT NULL,
		is_maker BOOLEAN,
		timestamp TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol_id, exchange, trade_id, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS mini_tickers_futures (
		symbol_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		last NUMERIC NOT NULL,
		volume NUMERIC NOT NULL,
		quote_volume NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol_id, exchange, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS footprints_futures (
		symbol_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		interval_type TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		total_volume NUMERIC NOT NULL,
		total_delta NUMERIC NOT NULL,
		poc NUMERIC NOT NULL,
		value_area_high NUMERIC NOT NULL,
		value_area_low NUMERIC NOT NULL,
		trade_count BIGINT NOT NULL,
		footprint_data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol_id, exchange, interval_type, start_time)
	)`,
	`CREATE TABLE IF NOT EXISTS bot_exchange_configs (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		testnet BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		api_key_enc BYTEA NOT NULL,
		api_secret_enc BYTEA NOT NULL,
		api_passphrase_enc BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bot_strategies (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		exchange_config_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		params JSONB NOT NULL DEFAULT '{}',
		eval_interval_ms BIGINT NOT NULL DEFAULT 0,
		desired_active BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'pending_start',
		health_message TEXT NOT NULL DEFAULT '',
		consecutive_errors INT NOT NULL DEFAULT 0,
		last_evaluated_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		state JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bot_orders (
		id BIGSERIAL PRIMARY KEY,
		strategy_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		exchange_config_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		price NUMERIC NOT NULL DEFAULT 0,
		amount NUMERIC NOT NULL,
		filled NUMERIC NOT NULL DEFAULT 0,
		avg_price NUMERIC NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		fee NUMERIC NOT NULL DEFAULT 0,
		fee_currency TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		placed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bot_transactions (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES bot_orders(id),
		strategy_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price NUMERIC NOT NULL,
		qty NUMERIC NOT NULL,
		cost NUMERIC NOT NULL,
		fee NUMERIC NOT NULL DEFAULT 0,
		fee_currency TEXT NOT NULL DEFAULT '',
		executed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// hypertableDDL converts the time-series tables when the timescaledb
// extension is present. Failures are tolerated so the schema also works on
// plain PostgreSQL.
var hypertableDDL = []string{
	`SELECT create_hypertable('order_books_futures', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('trades_futures', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('mini_tickers_futures', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('footprints_futures', 'start_time', if_not_exists => TRUE, migrate_data => TRUE)`,
}

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_trades_futures_time ON trades_futures (symbol_id, exchange, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_orders_strategy ON bot_orders (strategy_id, placed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_transactions_user ON bot_transactions (user_id, executed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_transactions_strategy ON bot_transactions (strategy_id, executed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_strategies_active ON bot_strategies (desired_active, status)`,
}

// EnsureSchema creates missing tables, hypertables, and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	for _, stmt := range hypertableDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Debug("hypertable setup skipped", "error", err)
			break
		}
	}
	for _, stmt := range indexDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("index creation failed", "error", err)
		}
	}
	return nil
}
