// Package cache implements the Redis hot cache holding the latest market
// state per instrument.
//
// Key layout (spec'd TTLs, all per (exchange, symbol)):
//
//	market:{exchange}:{symbol}:orderbook  hash  {bids, asks, timestamp, symbol}, TTL 5m
//	market:{exchange}:{symbol}:trades     list  newest-first, capped at 100, TTL 1h
//	market:{exchange}:{symbol}:ticker     hash  full ticker field set, TTL 5m
//
// Writes are idempotent overwrites (hash replace / list push), so replays by
// the at-least-once consumers are harmless. Readers get a typed value plus a
// found flag; a missing or expired key is not an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tickflow/internal/config"
	"tickflow/pkg/types"
)

const (
	bookTTL   = 5 * time.Minute
	tickerTTL = 5 * time.Minute
	tradesTTL = time.Hour
	tradesCap = 100
)

// Cache is the shared hot-cache client. Safe for concurrent use.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}, nil
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping reports cache reachability for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// BookKey returns the order book key for one instrument.
func BookKey(exchange, symbol string) string {
	return fmt.Sprintf("market:%s:%s:orderbook", exchange, symbol)
}

// TradesKey returns the capped trade list key for one instrument.
func TradesKey(exchange, symbol string) string {
	return fmt.Sprintf("market:%s:%s:trades", exchange, symbol)
}

// TickerKey returns the ticker key for one instrument.
func TickerKey(exchange, symbol string) string {
	return fmt.Sprintf("market:%s:%s:ticker", exchange, symbol)
}

// SetOrderBook replaces the cached book for the snapshot's instrument.
func (c *Cache) SetOrderBook(ctx context.Context, b *types.OrderBookSnapshot) error {
	fields, err := bookFields(b)
	if err != nil {
		return err
	}
	key := BookKey(b.Exchange, b.Symbol)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, bookTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache book %s: %w", key, err)
	}
	return nil
}

// OrderBook reads the cached book. found is false when the key is absent or
// expired.
func (c *Cache) OrderBook(ctx context.Context, exchange, symbol string) (*types.OrderBookSnapshot, bool, error) {
	key := BookKey(exchange, symbol)
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read book %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	b, err := bookFromFields(exchange, fields)
	if err != nil {
		return nil, false, fmt.Errorf("decode book %s: %w", key, err)
	}
	return b, true, nil
}

// AppendTrade pushes the trade onto the instrument's capped list
// (newest first) and refreshes the TTL.
func (c *Cache) AppendTrade(ctx context.Context, t *types.TradeEvent) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	key := TradesKey(t.Exchange, t.Symbol)

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, tradesCap-1)
	pipe.Expire(ctx, key, tradesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache trade %s: %w", key, err)
	}
	return nil
}

// RecentTrades returns up to n cached trades, newest first.
func (c *Cache) RecentTrades(ctx context.Context, exchange, symbol string, n int64) ([]types.TradeEvent, error) {
	if n <= 0 || n > tradesCap {
		n = tradesCap
	}
	key := TradesKey(exchange, symbol)
	raws, err := c.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read trades %s: %w", key, err)
	}

	out := make([]types.TradeEvent, 0, len(raws))
	for _, raw := range raws {
		var t types.TradeEvent
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// A corrupt entry poisons only itself.
			c.logger.Warn("skipping corrupt cached trade", "key", key, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// SetTicker replaces the cached ticker for the snapshot's instrument.
func (c *Cache) SetTicker(ctx context.Context, t *types.TickerSnapshot) error {
	key := TickerKey(t.Exchange, t.Symbol)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, tickerFields(t))
	pipe.Expire(ctx, key, tickerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache ticker %s: %w", key, err)
	}
	return nil
}

// Ticker reads the cached ticker. found is false when the key is absent or
// expired.
func (c *Cache) Ticker(ctx context.Context, exchange, symbol string) (*types.TickerSnapshot, bool, error) {
	key := TickerKey(exchange, symbol)
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read ticker %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	t, err := tickerFromFields(exchange, fields)
	if err != nil {
		return nil, false, fmt.Errorf("decode ticker %s: %w", key, err)
	}
	return t, true, nil
}

// bookFields flattens a snapshot into the stored hash. Bids and asks are
// JSON arrays of ["price","qty"] pairs.
func bookFields(b *types.OrderBookSnapshot) (map[string]any, error) {
	bids, err := json.Marshal(b.Bids)
	if err != nil {
		return nil, fmt.Errorf("marshal bids: %w", err)
	}
	asks, err := json.Marshal(b.Asks)
	if err != nil {
		return nil, fmt.Errorf("marshal asks: %w", err)
	}
	return map[string]any{
		"symbol":    b.Symbol,
		"bids":      string(bids),
		"asks":      string(asks),
		"timestamp": strconv.FormatInt(b.Timestamp, 10),
	}, nil
}

func bookFromFields(exchange string, fields map[string]string) (*types.OrderBookSnapshot, error) {
	b := &types.OrderBookSnapshot{
		Exchange: exchange,
		Symbol:   fields["symbol"],
	}
	if raw := fields["bids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.Bids); err != nil {
			return nil, fmt.Errorf("bids: %w", err)
		}
	}
	if raw := fields["asks"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.Asks); err != nil {
			return nil, fmt.Errorf("asks: %w", err)
		}
	}
	if raw := fields["timestamp"]; raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		b.Timestamp = ts
	}
	return b, nil
}

// tickerFields flattens the ticker into the stored hash. Decimals are stored
// as their canonical string form.
func tickerFields(t *types.TickerSnapshot) map[string]any {
	return map[string]any{
		"symbol":      t.Symbol,
		"open":        t.Open.String(),
		"high":        t.High.String(),
		"low":         t.Low.String(),
		"last":        t.Last.String(),
		"volume":      t.Volume.String(),
		"quoteVolume": t.QuoteVolume.String(),
		"bestBid":     t.BestBid.String(),
		"bestAsk":     t.BestAsk.String(),
		"timestamp":   strconv.FormatInt(t.Timestamp, 10),
	}
}

func tickerFromFields(exchange string, fields map[string]string) (*types.TickerSnapshot, error) {
	t := &types.TickerSnapshot{
		Exchange: exchange,
		Symbol:   fields["symbol"],
	}

	for name, dst := range map[string]*decimal.Decimal{
		"open": &t.Open, "high": &t.High, "low": &t.Low, "last": &t.Last,
		"volume": &t.Volume, "quoteVolume": &t.QuoteVolume,
		"bestBid": &t.BestBid, "bestAsk": &t.BestAsk,
	} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}

	if raw := fields["timestamp"]; raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		t.Timestamp = ts
	}
	return t, nil
}
