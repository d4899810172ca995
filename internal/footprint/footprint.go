// Package footprint folds raw trade events into fixed-interval footprint
// candles: OHLC, per-price-bucket bid/ask volume, point of control, value
// area, and diagonal imbalance flags.
//
// The run loop is the single owner of the aggregation buffers. The bus
// handler resolves each trade and forwards it through a channel; the sweeper
// task requests finalization passes the same way. Nothing else touches the
// buffer map, so bar updates need no locks.
package footprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"tickflow/internal/bus"
	"tickflow/internal/config"
	"tickflow/internal/metrics"
	"tickflow/internal/tsdb"
	"tickflow/pkg/types"
)

// GroupAggregator is the consumer group draining the raw trade topics.
const GroupAggregator = "footprint-aggregator"

const tradeBuffer = 1024

// imbalanceRatio is the diagonal dominance threshold: ask volume at p
// against bid volume at p-tick (and mirrored). A missing diagonal counts
// as zero, so fully one-sided levels flag too.
const imbalanceRatio = 3

// valueAreaShare is the fraction of bar volume the value area must cover.
var valueAreaShare = decimal.New(7, -1)

// Store persists finalized candles.
type Store interface {
	UpsertFootprint(ctx context.Context, symbolID int64, c *types.FootprintCandle) error
}

// Resolver maps (exchange, symbol) to its registration; the registration
// carries the symbol id and tick size.
type Resolver interface {
	Resolve(ctx context.Context, exchange, symbol string) (*types.SymbolRef, error)
}

// BookSource supplies the cached book for aggressor inference on trades
// without an explicit side.
type BookSource interface {
	OrderBook(ctx context.Context, exchange, symbol string) (*types.OrderBookSnapshot, bool, error)
}

// Aggregator owns the open bar buffers for every watched instrument.
type Aggregator struct {
	cfg         config.FootprintConfig
	store       Store
	resolver    Resolver
	books       BookSource
	publisher   bus.Publisher
	logger      *slog.Logger
	defaultTick decimal.Decimal

	trades  chan tradeMsg
	sweeps  chan struct{}
	buffers map[bufferKey]*buffer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type tradeMsg struct {
	trade types.TradeEvent
	ref   *types.SymbolRef
}

type bufferKey struct {
	exchange string
	symbol   string
	start    int64 // bar start, unix ms
}

// buffer is one open bar. Only the run loop reads or writes it.
type buffer struct {
	key  bufferKey
	ref  *types.SymbolRef
	tick decimal.Decimal
	end  int64 // exclusive bar end, unix ms

	open, high, low, close decimal.Decimal
	openTS, closeTS        int64

	totalVolume decimal.Decimal
	tradeCount  int64
	buckets     map[string]*bucketAgg
}

type bucketAgg struct {
	price decimal.Decimal
	bid   decimal.Decimal
	ask   decimal.Decimal
}

func (g *bucketAgg) volume() decimal.Decimal { return g.bid.Add(g.ask) }

func New(cfg config.FootprintConfig, store Store, resolver Resolver, books BookSource, publisher bus.Publisher, logger *slog.Logger) (*Aggregator, error) {
	tick, err := decimal.NewFromString(cfg.DefaultTick)
	if err != nil || !tick.IsPositive() {
		return nil, fmt.Errorf("footprint default tick %q: must be a positive decimal", cfg.DefaultTick)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("footprint interval must be > 0")
	}
	return &Aggregator{
		cfg:         cfg,
		store:       store,
		resolver:    resolver,
		books:       books,
		publisher:   publisher,
		logger:      logger.With("component", "footprint"),
		defaultTick: tick,
		trades:      make(chan tradeMsg, tradeBuffer),
		sweeps:      make(chan struct{}, 1),
		buffers:     make(map[bufferKey]*buffer),
	}, nil
}

// Start launches the run loop and the sweeper.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(2)
	go a.run(ctx)
	go a.sweepLoop(ctx)
}

// Stop cancels both tasks and waits for them. Open bars are dropped; the
// raw trades behind them are already persisted, so a restart only loses the
// in-progress aggregation.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
}

// HandleTrade is the bus handler feeding the aggregator. The symbol is
// resolved up front so a registry outage surfaces as redelivery instead of
// a silently lost trade.
func (a *Aggregator) HandleTrade(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var trade types.TradeEvent
	if err := json.Unmarshal(msg.Value, &trade); err != nil {
		return a.reject(msg, fmt.Errorf("decode trade: %w", err))
	}
	if err := trade.Validate(); err != nil {
		return a.reject(msg, err)
	}

	ref, err := a.resolver.Resolve(ctx, trade.Exchange, trade.Symbol)
	if errors.Is(err, tsdb.ErrUnknownSymbol) {
		return a.reject(msg, err)
	}
	if err != nil {
		return fmt.Errorf("resolve %s %s: %w", trade.Exchange, trade.Symbol, err)
	}

	select {
	case a.trades <- tradeMsg{trade: trade, ref: ref}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) reject(msg *sarama.ConsumerMessage, err error) error {
	metrics.Malformed.WithLabelValues(msg.Topic).Inc()
	a.logger.Warn("dropping unprocessable trade",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	return nil
}

func (a *Aggregator) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.trades:
			a.ingest(ctx, m, time.Now())
		case <-a.sweeps:
			a.sweep(ctx, time.Now())
		}
	}
}

func (a *Aggregator) sweepLoop(ctx context.Context) {
	defer a.wg.Done()

	every := a.cfg.Interval / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case a.sweeps <- struct{}{}:
			default: // a sweep request is already pending
			}
		}
	}
}

// ingest folds one trade into its bar buffer. Trades for bars already past
// their grace window are counted and discarded.
func (a *Aggregator) ingest(ctx context.Context, m tradeMsg, now time.Time) {
	interval := a.cfg.Interval.Milliseconds()
	start := m.trade.Timestamp / interval * interval
	end := start + interval

	if end+a.cfg.Grace.Milliseconds() <= now.UnixMilli() {
		metrics.LateTrades.WithLabelValues(m.trade.Symbol).Inc()
		a.logger.Debug("late trade discarded",
			"exchange", m.trade.Exchange, "symbol", m.trade.Symbol,
			"trade_id", m.trade.TradeID, "bar_start", start)
		return
	}

	key := bufferKey{exchange: m.trade.Exchange, symbol: m.trade.Symbol, start: start}
	buf := a.buffers[key]
	if buf == nil {
		buf = &buffer{
			key:     key,
			ref:     m.ref,
			tick:    a.tickFor(m.ref),
			end:     end,
			buckets: make(map[string]*bucketAgg),
		}
		a.buffers[key] = buf
	}
	buf.apply(&m.trade, a.aggressor(ctx, &m.trade))
}

func (a *Aggregator) tickFor(ref *types.SymbolRef) decimal.Decimal {
	if ref.TickSize.IsPositive() {
		return ref.TickSize
	}
	return a.defaultTick
}

// aggressor classifies the taker side: the feed's explicit side first, then
// comparison against the cached top of book, else unknown.
func (a *Aggregator) aggressor(ctx context.Context, t *types.TradeEvent) types.Side {
	if t.Side == types.SideBuy || t.Side == types.SideSell {
		return t.Side
	}
	book, ok, err := a.books.OrderBook(ctx, t.Exchange, t.Symbol)
	if err != nil || !ok {
		return types.SideUnknown
	}
	if ask, ok := book.BestAsk(); ok && t.Price.GreaterThanOrEqual(ask.Price) {
		return types.SideBuy
	}
	if bid, ok := book.BestBid(); ok && t.Price.LessThanOrEqual(bid.Price) {
		return types.SideSell
	}
	return types.SideUnknown
}

func (b *buffer) apply(t *types.TradeEvent, side types.Side) {
	if b.tradeCount == 0 || t.Timestamp < b.openTS {
		b.open, b.openTS = t.Price, t.Timestamp
	}
	if b.tradeCount == 0 || t.Timestamp >= b.closeTS {
		b.close, b.closeTS = t.Price, t.Timestamp
	}
	if b.tradeCount == 0 || t.Price.GreaterThan(b.high) {
		b.high = t.Price
	}
	if b.tradeCount == 0 || t.Price.LessThan(b.low) {
		b.low = t.Price
	}
	b.totalVolume = b.totalVolume.Add(t.Qty)
	b.tradeCount++

	if side != types.SideBuy && side != types.SideSell {
		return // unattributed volume stays out of the ladder
	}
	price := bucketPrice(t.Price, b.tick)
	key := types.BucketKey(price)
	agg := b.buckets[key]
	if agg == nil {
		agg = &bucketAgg{price: price}
		b.buckets[key] = agg
	}
	if side == types.SideBuy {
		agg.ask = agg.ask.Add(t.Qty)
	} else {
		agg.bid = agg.bid.Add(t.Qty)
	}
}

// bucketPrice snaps a trade price onto the bucket ladder. A price exactly
// on a boundary stays in that bucket.
func bucketPrice(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Floor().Mul(tick)
}

// sweep finalizes every buffer past its grace window, oldest bar first. A
// failed store write keeps the buffer for the next sweep and blocks later
// bars of the same instrument, so candles always leave in start-time order.
func (a *Aggregator) sweep(ctx context.Context, now time.Time) {
	cutoff := now.UnixMilli() - a.cfg.Grace.Milliseconds()

	var due []*buffer
	for _, buf := range a.buffers {
		if buf.end <= cutoff {
			due = append(due, buf)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].key.start != due[j].key.start {
			return due[i].key.start < due[j].key.start
		}
		if due[i].key.exchange != due[j].key.exchange {
			return due[i].key.exchange < due[j].key.exchange
		}
		return due[i].key.symbol < due[j].key.symbol
	})

	blocked := make(map[[2]string]bool)
	for _, buf := range due {
		inst := [2]string{buf.key.exchange, buf.key.symbol}
		if blocked[inst] {
			continue
		}
		if err := a.finalize(ctx, buf); err != nil {
			a.logger.Error("footprint finalize failed, keeping buffer",
				"exchange", buf.key.exchange, "symbol", buf.key.symbol,
				"bar_start", buf.key.start, "error", err)
			blocked[inst] = true
			continue
		}
		delete(a.buffers, buf.key)
	}
}

func (a *Aggregator) finalize(ctx context.Context, buf *buffer) error {
	candle := buf.candle(a.cfg.Interval)
	if err := a.store.UpsertFootprint(ctx, buf.ref.ID, candle); err != nil {
		return err
	}

	// The store is authoritative; a dropped publish only costs downstream
	// consumers one live candle, and the producer accounts for it.
	topic := bus.FootprintTopic(buf.key.exchange, buf.key.symbol, a.cfg.Interval)
	_ = a.publisher.Publish(ctx, topic, buf.key.symbol, candle)

	metrics.CandlesEmitted.WithLabelValues(buf.key.exchange, buf.key.symbol).Inc()
	a.logger.Debug("footprint candle finalized",
		"exchange", buf.key.exchange, "symbol", buf.key.symbol,
		"interval", candle.Interval, "bar_start", candle.StartTime,
		"trades", candle.TradeCount, "volume", candle.TotalVolume)
	return nil
}

// candle closes the bar: per-bucket deltas and imbalance flags, total
// delta, point of control, and value area.
func (b *buffer) candle(interval time.Duration) *types.FootprintCandle {
	c := &types.FootprintCandle{
		Exchange:    b.key.exchange,
		Symbol:      b.key.symbol,
		Interval:    types.IntervalLabel(interval),
		StartTime:   b.key.start,
		EndTime:     b.end - 1,
		Open:        b.open,
		High:        b.high,
		Low:         b.low,
		Close:       b.close,
		TotalVolume: b.totalVolume,
		TradeCount:  b.tradeCount,
		Buckets:     make(map[string]types.PriceBucket, len(b.buckets)),
	}

	ladder := b.sortedLadder()
	ratio := decimal.NewFromInt(imbalanceRatio)
	for _, agg := range ladder {
		var bidBelow, askAbove decimal.Decimal
		if below := b.buckets[types.BucketKey(agg.price.Sub(b.tick))]; below != nil {
			bidBelow = below.bid
		}
		if above := b.buckets[types.BucketKey(agg.price.Add(b.tick))]; above != nil {
			askAbove = above.ask
		}
		bucket := types.PriceBucket{
			BidVolume:    agg.bid,
			AskVolume:    agg.ask,
			Delta:        agg.ask.Sub(agg.bid),
			AskImbalance: agg.ask.IsPositive() && agg.ask.GreaterThanOrEqual(bidBelow.Mul(ratio)),
			BidImbalance: agg.bid.IsPositive() && agg.bid.GreaterThanOrEqual(askAbove.Mul(ratio)),
		}
		c.Buckets[types.BucketKey(agg.price)] = bucket
		c.TotalDelta = c.TotalDelta.Add(bucket.Delta)
	}

	if len(ladder) > 0 {
		poc := pocIndex(ladder)
		lo, hi := valueArea(ladder, poc, c.TotalVolume)
		c.POC = ladder[poc].price
		c.ValueAreaLow = ladder[lo].price
		c.ValueAreaHigh = ladder[hi].price
	}
	return c
}

func (b *buffer) sortedLadder() []*bucketAgg {
	ladder := make([]*bucketAgg, 0, len(b.buckets))
	for _, agg := range b.buckets {
		ladder = append(ladder, agg)
	}
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].price.LessThan(ladder[j].price) })
	return ladder
}

// pocIndex returns the ladder index with the highest two-sided volume; the
// lower price wins ties.
func pocIndex(ladder []*bucketAgg) int {
	best := 0
	for i := 1; i < len(ladder); i++ {
		if ladder[i].volume().GreaterThan(ladder[best].volume()) {
			best = i
		}
	}
	return best
}

// valueArea expands outward from the POC until the covered volume reaches
// the target share of the bar, adding the higher-volume neighbor each step
// and preferring the lower price on ties. It stops as soon as the share is
// met, so the cover is the smallest contiguous one.
func valueArea(ladder []*bucketAgg, poc int, total decimal.Decimal) (lo, hi int) {
	target := total.Mul(valueAreaShare)
	lo, hi = poc, poc
	cum := ladder[poc].volume()

	for cum.LessThan(target) {
		hasBelow := lo > 0
		hasAbove := hi < len(ladder)-1
		if !hasBelow && !hasAbove {
			break
		}
		var below, above decimal.Decimal
		if hasBelow {
			below = ladder[lo-1].volume()
		}
		if hasAbove {
			above = ladder[hi+1].volume()
		}
		if !hasAbove || (hasBelow && below.GreaterThanOrEqual(above)) {
			lo--
			cum = cum.Add(below)
		} else {
			hi++
			cum = cum.Add(above)
		}
	}
	return lo, hi
}
