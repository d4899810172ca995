package tsdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BotOrder is one order the executor placed (or simulated in dry-run),
// keyed by the deterministic client order id for duplicate suppression.
type BotOrder struct {
	ID               int64           `db:"id"`
	StrategyID       int64           `db:"strategy_id"`
	UserID           int64           `db:"user_id"`
	ExchangeConfigID int64           `db:"exchange_config_id"`
	Exchange         string          `db:"exchange"`
	Symbol           string          `db:"symbol"`
	ClientOrderID    string          `db:"client_order_id"`
	ExchangeOrderID  string          `db:"exchange_order_id"`
	Side             string          `db:"side"`
	Kind             string          `db:"kind"`
	Price            decimal.Decimal `db:"price"`
	Amount           decimal.Decimal `db:"amount"`
	Filled           decimal.Decimal `db:"filled"`
	AvgPrice         decimal.Decimal `db:"avg_price"`
	Status           string          `db:"status"`
	Fee              decimal.Decimal `db:"fee"`
	FeeCurrency      string          `db:"fee_currency"`
	Reason           string          `db:"reason"`
	DryRun           bool            `db:"dry_run"`
	PlacedAt         time.Time       `db:"placed_at"`
	CreatedAt        time.Time       `db:"created_at"`
}

// BotTransaction is one fill recorded against a bot order. Cost is
// price * qty in quote units; sells carry their side so net exposure can be
// computed from this table alone.
type BotTransaction struct {
	ID          int64           `db:"id"`
	OrderID     int64           `db:"order_id"`
	StrategyID  int64           `db:"strategy_id"`
	UserID      int64           `db:"user_id"`
	Exchange    string          `db:"exchange"`
	Symbol      string          `db:"symbol"`
	Side        string          `db:"side"`
	Price       decimal.Decimal `db:"price"`
	Qty         decimal.Decimal `db:"qty"`
	Cost        decimal.Decimal `db:"cost"`
	Fee         decimal.Decimal `db:"fee"`
	FeeCurrency string          `db:"fee_currency"`
	ExecutedAt  time.Time       `db:"executed_at"`
}

const orderByClientIDSQL = `
	SELECT id, strategy_id, user_id, exchange_config_id, exchange, symbol,
	       client_order_id, exchange_order_id, side, kind, price, amount,
	       filled, avg_price, status, fee, fee_currency, reason, dry_run,
	       placed_at, created_at
	FROM bot_orders WHERE client_order_id = $1`

// OrderByClientID returns the recorded order for a client order id, or
// (nil, nil) when none exists.
func (s *Store) OrderByClientID(ctx context.Context, clientOrderID string) (*BotOrder, error) {
	var order BotOrder
	var found bool
	err := s.withRetry(ctx, "order by client id", func() error {
		err := s.db.GetContext(ctx, &order, orderByClientIDSQL, clientOrderID)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return &order, nil
}

const insertOrderSQL = `
	INSERT INTO bot_orders (
		strategy_id, user_id, exchange_config_id, exchange, symbol,
		client_order_id, exchange_order_id, side, kind, price, amount,
		filled, avg_price, status, fee, fee_currency, reason, dry_run, placed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	RETURNING id`

const insertTransactionSQL = `
	INSERT INTO bot_transactions (
		order_id, strategy_id, user_id, exchange, symbol, side,
		price, qty, cost, fee, fee_currency, executed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// RecordOrderResult writes the order and its fills in one transaction, so a
// crash never leaves fills without their order.
func (s *Store) RecordOrderResult(ctx context.Context, order *BotOrder, fills []BotTransaction) error {
	return s.withRetry(ctx, "record order result", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var orderID int64
		if err := tx.QueryRowxContext(ctx, insertOrderSQL,
			order.StrategyID, order.UserID, order.ExchangeConfigID,
			order.Exchange, order.Symbol, order.ClientOrderID, order.ExchangeOrderID,
			order.Side, order.Kind, order.Price, order.Amount,
			order.Filled, order.AvgPrice, order.Status,
			order.Fee, order.FeeCurrency, order.Reason, order.DryRun, order.PlacedAt,
		).Scan(&orderID); err != nil {
			return err
		}
		order.ID = orderID

		for i := range fills {
			f := &fills[i]
			f.OrderID = orderID
			if _, err := tx.ExecContext(ctx, insertTransactionSQL,
				f.OrderID, f.StrategyID, f.UserID, f.Exchange, f.Symbol, f.Side,
				f.Price, f.Qty, f.Cost, f.Fee, f.FeeCurrency, f.ExecutedAt,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UserExposure returns the user's net bought-minus-sold notional in quote
// units across all strategies. Never negative: a net-short book counts as
// zero long exposure.
func (s *Store) UserExposure(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.exposure(ctx, "user_id", userID)
}

// StrategyExposure returns one strategy's net notional.
func (s *Store) StrategyExposure(ctx context.Context, strategyID int64) (decimal.Decimal, error) {
	return s.exposure(ctx, "strategy_id", strategyID)
}

func (s *Store) exposure(ctx context.Context, column string, id int64) (decimal.Decimal, error) {
	query := "SELECT COALESCE(SUM(CASE WHEN side = 'buy' THEN cost ELSE -cost END), 0) FROM bot_transactions WHERE " + column + " = $1"
	var net decimal.Decimal
	err := s.withRetry(ctx, "exposure "+column, func() error {
		return s.db.GetContext(ctx, &net, query, id)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if net.IsNegative() {
		return decimal.Zero, nil
	}
	return net, nil
}
