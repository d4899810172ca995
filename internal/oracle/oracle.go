// Package oracle derives periodic market insights from the hot cache.
// Each interval it scans the configured watch list, measures order-book
// imbalance over the top depth levels, and publishes one OracleInsight
// per market. Failures on one market never block the rest of the scan,
// and each tick starts fresh.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/internal/bus"
	"tickflow/internal/config"
	"tickflow/internal/metrics"
	"tickflow/pkg/types"
)

// HotCache is the cached book view the oracle reads.
type HotCache interface {
	OrderBook(ctx context.Context, exchange, symbol string) (*types.OrderBookSnapshot, bool, error)
}

// Publisher pushes insights onto the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Oracle runs the periodic imbalance scan.
type Oracle struct {
	hot    HotCache
	pub    Publisher
	cfg    config.OracleConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(hot HotCache, pub Publisher, cfg config.OracleConfig, logger *slog.Logger) *Oracle {
	return &Oracle{
		hot:    hot,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "oracle"),
	}
}

// Start launches the scan loop. An empty watch list disables the oracle.
func (o *Oracle) Start(ctx context.Context) error {
	if len(o.cfg.WatchList) == 0 {
		o.logger.Info("oracle disabled, empty watch list")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go o.run(runCtx)
	o.logger.Info("oracle started",
		"interval", o.cfg.Interval, "markets", len(o.cfg.WatchList), "depth", o.cfg.Depth)
	return nil
}

func (o *Oracle) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.logger.Info("oracle stopped")
}

func (o *Oracle) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.scan(ctx)
		}
	}
}

// scan walks the watch list once, isolating per-market failures.
func (o *Oracle) scan(ctx context.Context) {
	for _, m := range o.cfg.WatchList {
		if err := o.scanMarket(ctx, m.Exchange, m.Symbol); err != nil {
			o.logger.Warn("insight scan failed",
				"exchange", m.Exchange, "symbol", m.Symbol, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (o *Oracle) scanMarket(ctx context.Context, exchange, symbol string) error {
	book, ok, err := o.hot.OrderBook(ctx, exchange, symbol)
	if err != nil {
		return fmt.Errorf("order book: %w", err)
	}
	if !ok {
		return nil // nothing cached yet
	}

	insight, ok := o.insightFor(book)
	if !ok {
		return nil // empty book
	}
	if err := o.pub.Publish(ctx, bus.TopicInsights, symbol, insight); err != nil {
		return fmt.Errorf("publish insight: %w", err)
	}
	metrics.OracleInsights.WithLabelValues(insight.Direction).Inc()
	o.logger.Debug("insight published",
		"symbol", symbol, "direction", insight.Direction, "ratio", insight.Ratio)
	return nil
}

// insightFor classifies the book's bid share against the configured
// thresholds. Confidence scales the distance from a balanced book into
// [0,1]. Returns false when both sides are empty.
func (o *Oracle) insightFor(book *types.OrderBookSnapshot) (*types.OracleInsight, bool) {
	bidVol := sideVolume(book.Bids, o.cfg.Depth)
	askVol := sideVolume(book.Asks, o.cfg.Depth)
	total := bidVol.Add(askVol)
	if !total.IsPositive() {
		return nil, false
	}
	ratio := bidVol.Div(total).InexactFloat64()

	var direction, phrase string
	switch {
	case ratio >= o.cfg.BuyThreshold:
		direction, phrase = types.InsightBuyPressure, "buy pressure"
	case ratio <= o.cfg.SellThreshold:
		direction, phrase = types.InsightSellPressure, "sell pressure"
	default:
		direction, phrase = types.InsightBalanced, "balanced"
	}

	return &types.OracleInsight{
		Type:       "orderbook_imbalance",
		Exchange:   book.Exchange,
		Symbol:     book.Symbol,
		Ratio:      ratio,
		Direction:  direction,
		Confidence: math.Abs(ratio-0.5) * 2,
		Message: fmt.Sprintf("%s %s: %s (bid share %.1f%% over top %d levels)",
			book.Exchange, book.Symbol, phrase, ratio*100, o.cfg.Depth),
		Timestamp: time.Now().UnixMilli(),
	}, true
}

func sideVolume(levels []types.PriceLevel, depth int) decimal.Decimal {
	if depth > 0 && depth < len(levels) {
		levels = levels[:depth]
	}
	vol := decimal.Zero
	for _, lv := range levels {
		vol = vol.Add(lv.Qty)
	}
	return vol
}
