// Package persist drains the market-data topics into TimescaleDB and the hot
// cache. One consumer group per stream kind, so a stalled table cannot back
// up the other kinds. A message is acknowledged only after both writes
// succeed; redelivery covers store outages and the idempotent upserts absorb
// the replays. Messages that reprocessing cannot fix (malformed payloads,
// unregistered symbols) are counted and acknowledged.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"tickflow/internal/bus"
	"tickflow/internal/config"
	"tickflow/internal/metrics"
	"tickflow/internal/tsdb"
	"tickflow/pkg/types"
)

// Consumer group ids, one commit stream per kind.
const (
	GroupOrderBooks = "persist-orderbook"
	GroupTrades     = "persist-trades"
	GroupTickers    = "persist-ticker"
)

// Store is the slice of the tsdb store the persister writes through.
type Store interface {
	UpsertOrderBook(ctx context.Context, symbolID int64, book *types.OrderBookSnapshot) error
	UpsertTrade(ctx context.Context, symbolID int64, trade *types.TradeEvent) error
	UpsertTicker(ctx context.Context, symbolID int64, ticker *types.TickerSnapshot) error
}

// HotCache is the slice of the cache the persister refreshes.
type HotCache interface {
	SetOrderBook(ctx context.Context, b *types.OrderBookSnapshot) error
	AppendTrade(ctx context.Context, t *types.TradeEvent) error
	SetTicker(ctx context.Context, t *types.TickerSnapshot) error
}

// Resolver maps (exchange, symbol) to its registration.
type Resolver interface {
	Resolve(ctx context.Context, exchange, symbol string) (*types.SymbolRef, error)
}

// Persister implements the per-kind bus handlers.
type Persister struct {
	store    Store
	cache    HotCache
	resolver Resolver
	logger   *slog.Logger
}

func New(store Store, cache HotCache, resolver Resolver, logger *slog.Logger) *Persister {
	return &Persister{
		store:    store,
		cache:    cache,
		resolver: resolver,
		logger:   logger.With("component", "persist"),
	}
}

// HandleOrderBook persists one order-book snapshot message.
func (p *Persister) HandleOrderBook(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var book types.OrderBookSnapshot
	if err := json.Unmarshal(msg.Value, &book); err != nil {
		return p.reject(msg, fmt.Errorf("decode order book: %w", err))
	}
	if err := book.Validate(); err != nil {
		return p.reject(msg, err)
	}

	ref, err := p.resolve(ctx, msg, book.Exchange, book.Symbol)
	if ref == nil || err != nil {
		return err
	}
	if err := p.store.UpsertOrderBook(ctx, ref.ID, &book); err != nil {
		return err
	}
	return p.cache.SetOrderBook(ctx, &book)
}

// HandleTrade persists one trade message.
func (p *Persister) HandleTrade(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var trade types.TradeEvent
	if err := json.Unmarshal(msg.Value, &trade); err != nil {
		return p.reject(msg, fmt.Errorf("decode trade: %w", err))
	}
	if err := trade.Validate(); err != nil {
		return p.reject(msg, err)
	}

	ref, err := p.resolve(ctx, msg, trade.Exchange, trade.Symbol)
	if ref == nil || err != nil {
		return err
	}
	if err := p.store.UpsertTrade(ctx, ref.ID, &trade); err != nil {
		return err
	}
	return p.cache.AppendTrade(ctx, &trade)
}

// HandleTicker persists one ticker message.
func (p *Persister) HandleTicker(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ticker types.TickerSnapshot
	if err := json.Unmarshal(msg.Value, &ticker); err != nil {
		return p.reject(msg, fmt.Errorf("decode ticker: %w", err))
	}
	if err := ticker.Validate(); err != nil {
		return p.reject(msg, err)
	}

	ref, err := p.resolve(ctx, msg, ticker.Exchange, ticker.Symbol)
	if ref == nil || err != nil {
		return err
	}
	if err := p.store.UpsertTicker(ctx, ref.ID, &ticker); err != nil {
		return err
	}
	return p.cache.SetTicker(ctx, &ticker)
}

// resolve looks up the symbol registration. An unknown symbol is dropped
// like a malformed message: registration happens at startup, so retrying
// the offset would wedge the partition instead of fixing anything. A (nil,
// nil) return means the message was rejected and acknowledged.
func (p *Persister) resolve(ctx context.Context, msg *sarama.ConsumerMessage, exch, symbol string) (*types.SymbolRef, error) {
	ref, err := p.resolver.Resolve(ctx, exch, symbol)
	if errors.Is(err, tsdb.ErrUnknownSymbol) {
		return nil, p.reject(msg, err)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s %s: %w", exch, symbol, err)
	}
	return ref, nil
}

// reject acknowledges a message that cannot be processed.
func (p *Persister) reject(msg *sarama.ConsumerMessage, err error) error {
	metrics.Malformed.WithLabelValues(msg.Topic).Inc()
	p.logger.Warn("dropping unprocessable message",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	return nil
}

// Topics returns the market-data topics of the given kind for every active
// configured subscription, deduplicated.
func Topics(subs []config.SubscriptionConfig, kind types.SubKind) []string {
	var topics []string
	seen := make(map[string]struct{})
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, k := range sub.Kinds {
			if types.SubKind(k) != kind {
				continue
			}
			t := bus.MarketDataTopic(sub.Exchange, sub.Symbol, kind)
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}
