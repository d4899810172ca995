package tsdb

import (
	"context"
	"encoding/json"
	"fmt"

	"tickflow/pkg/types"
)

const upsertOrderBookSQL = `
	INSERT INTO order_books_futures (symbol_id, exchange, timestamp, bids, asks, best_bid, best_ask)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol_id, exchange, timestamp) DO UPDATE SET
		bids = EXCLUDED.bids,
		asks = EXCLUDED.asks,
		best_bid = EXCLUDED.best_bid,
		best_ask = EXCLUDED.best_ask`

// UpsertOrderBook stores one depth snapshot. Replays of the same
// (symbol, exchange, timestamp) overwrite in place.
func (s *Store) UpsertOrderBook(ctx context.Context, symbolID int64, book *types.OrderBookSnapshot) error {
	bids, err := json.Marshal(book.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	asks, err := json.Marshal(book.Asks)
	if err != nil {
		return fmt.Errorf("encode asks: %w", err)
	}

	var bestBid, bestAsk any
	if level, ok := book.BestBid(); ok {
		bestBid = level.Price
	}
	if level, ok := book.BestAsk(); ok {
		bestAsk = level.Price
	}

	return s.withRetry(ctx, "upsert order book", func() error {
		_, err := s.db.ExecContext(ctx, upsertOrderBookSQL,
			symbolID, book.Exchange, types.MSToTime(book.Timestamp),
			bids, asks, bestBid, bestAsk)
		return err
	})
}

const upsertTradeSQL = `
	INSERT INTO trades_futures (symbol_id, exchange, trade_id, price, qty, side, is_maker, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol_id, exchange, trade_id, timestamp) DO NOTHING`

// UpsertTrade stores one trade. Trades are immutable, so replays are
// dropped by the conflict target instead of updated.
func (s *Store) UpsertTrade(ctx context.Context, symbolID int64, trade *types.TradeEvent) error {
	return s.withRetry(ctx, "upsert trade", func() error {
		_, err := s.db.ExecContext(ctx, upsertTradeSQL,
			symbolID, trade.Exchange, trade.TradeID,
			trade.Price, trade.Qty, string(trade.Side), trade.IsMaker,
			types.MSToTime(trade.Timestamp))
		return err
	})
}

const upsertTickerSQL = `
	INSERT INTO mini_tickers_futures (symbol_id, exchange, timestamp, open, high, low, last, volume, quote_volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (symbol_id, exchange, timestamp) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		last = EXCLUDED.last,
		volume = EXCLUDED.volume,
		quote_volume = EXCLUDED.quote_volume`

// UpsertTicker stores one 24h ticker snapshot.
func (s *Store) UpsertTicker(ctx context.Context, symbolID int64, ticker *types.TickerSnapshot) error {
	return s.withRetry(ctx, "upsert ticker", func() error {
		_, err := s.db.ExecContext(ctx, upsertTickerSQL,
			symbolID, ticker.Exchange, types.MSToTime(ticker.Timestamp),
			ticker.Open, ticker.High, ticker.Low, ticker.Last,
			ticker.Volume, ticker.QuoteVolume)
		return err
	})
}
