// Package app assembles the market-data pipeline and owns its lifecycle.
//
// Wiring order follows the data flow:
//
//  1. Leaves: TimescaleDB store, Redis hot cache, Kafka producer, exchange
//     adapter registry. The configured subscription universe is registered
//     in the symbol table before anything consumes.
//  2. Feed publishes venue streams onto per-instrument topics.
//  3. Persist consumers drain those topics into the store and hot cache;
//     the footprint aggregator folds the trade topics into candles.
//  4. The strategy engine evaluates cached data into signals, the executor
//     consumes signals into risk-checked orders, and the oracle publishes
//     periodic book-imbalance insights.
//
// Lifecycle: New() → Start() → [runs until signal] → Stop(). Stop unwinds
// in reverse start order; consumer groups are closed before their
// downstream loops so in-flight messages finish and commit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickflow/internal/bus"
	"tickflow/internal/cache"
	"tickflow/internal/config"
	"tickflow/internal/exchange"
	"tickflow/internal/executor"
	"tickflow/internal/feed"
	"tickflow/internal/footprint"
	"tickflow/internal/oracle"
	"tickflow/internal/persist"
	"tickflow/internal/strategy"
	"tickflow/internal/tsdb"
	"tickflow/pkg/types"
)

// shutdownGrace bounds how long Stop waits for consumer goroutines after
// their groups are closed.
const shutdownGrace = 10 * time.Second

// App owns every pipeline component and their goroutines.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *tsdb.Store
	cache    *cache.Cache
	producer *bus.Producer
	registry *exchange.Registry

	feed      *feed.Feed
	footprint *footprint.Aggregator
	strategy  *strategy.Engine
	oracle    *oracle.Oracle

	// marketConsumers drain the per-instrument market-data topics (three
	// persist groups plus the footprint aggregator group). signalConsumer
	// drains trading.signals into the executor.
	marketConsumers []*bus.Consumer
	signalConsumer  *bus.Consumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects the leaves and wires all components. Nothing consumes or
// produces until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger.With("component", "app")}

	store, err := tsdb.Open(ctx, cfg.TSDB, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	if err := store.EnsureSchema(ctx); err != nil {
		a.closeResources()
		return nil, err
	}

	hot, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.cache = hot

	producer, err := bus.NewProducer(cfg.Bus, logger)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.producer = producer

	registry, err := exchange.NewRegistry(cfg.Exchange, cfg.DryRun, logger)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.registry = registry

	if err := a.bootstrapSymbols(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	if cfg.DryRun {
		a.seedPaperPrices(ctx)
	}

	resolver := tsdb.NewSymbolResolver(store, logger)
	persister := persist.New(store, hot, resolver, logger)

	a.feed = feed.New(cfg.Feed, publicSources(registry), producer, logger)

	agg, err := footprint.New(cfg.Footprint, store, resolver, hot, producer, logger)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.footprint = agg

	marketGroups := []struct {
		group   string
		kind    types.SubKind
		handler bus.Handler
	}{
		{persist.GroupOrderBooks, types.SubOrderBook, persister.HandleOrderBook},
		{persist.GroupTrades, types.SubTrades, persister.HandleTrade},
		{persist.GroupTickers, types.SubTicker, persister.HandleTicker},
		{footprint.GroupAggregator, types.SubTrades, agg.HandleTrade},
	}
	for _, g := range marketGroups {
		topics := persist.Topics(cfg.Feed.Subscriptions, g.kind)
		if len(topics) == 0 {
			a.logger.Warn("no subscriptions for consumer group, skipping",
				"group", g.group, "kind", g.kind)
			continue
		}
		c, err := bus.NewConsumer(cfg.Bus, g.group, topics, g.handler, logger)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.marketConsumers = append(a.marketConsumers, c)
	}

	a.strategy = strategy.NewEngine(store, hot, producer, cfg.Strategy, logger)

	riskPolicy := executor.NewRiskPolicy(cfg.Executor.Risk, store, hot, logger)
	exec := executor.New(store, hot, registry, riskPolicy, nil, cfg.Executor, cfg.DryRun, logger)
	sigConsumer, err := bus.NewConsumer(cfg.Bus, executor.GroupSignals,
		[]string{bus.TopicSignals}, exec.HandleSignal, logger)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.signalConsumer = sigConsumer

	a.oracle = oracle.New(hot, producer, cfg.Oracle, logger)

	return a, nil
}

// Start launches the pipeline: feed first so data flows, then the
// aggregation loops and consumer groups, then the signal side.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.feed.Start(runCtx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	a.footprint.Start(runCtx)
	for _, c := range a.marketConsumers {
		a.runConsumer(runCtx, c)
	}
	if err := a.strategy.Start(runCtx); err != nil {
		return fmt.Errorf("start strategy engine: %w", err)
	}
	a.runConsumer(runCtx, a.signalConsumer)
	if err := a.oracle.Start(runCtx); err != nil {
		return fmt.Errorf("start oracle: %w", err)
	}

	a.logger.Info("pipeline started",
		"dry_run", a.cfg.DryRun,
		"market_consumers", len(a.marketConsumers),
	)
	return nil
}

// Stop shuts the pipeline down in reverse start order. Closing a consumer
// group lets its in-flight message run to completion and commit before the
// session ends; anything still running after the grace period is abandoned
// and resumes from its last committed offset on the next boot.
func (a *App) Stop() {
	a.logger.Info("shutting down")

	if a.oracle != nil {
		a.oracle.Stop()
	}
	if a.signalConsumer != nil {
		a.signalConsumer.Close()
	}
	if a.strategy != nil {
		a.strategy.Stop()
	}
	for _, c := range a.marketConsumers {
		c.Close()
	}
	if a.footprint != nil {
		a.footprint.Stop()
	}
	if a.feed != nil {
		a.feed.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		a.logger.Warn("shutdown grace elapsed, abandoning consumer goroutines")
	}

	a.closeResources()
	a.logger.Info("shutdown complete")
}

// ListSubscriptions reports the live feed status for the ops surface.
func (a *App) ListSubscriptions() []feed.SubscriptionStatus {
	return a.feed.ListSubscriptions()
}

func (a *App) runConsumer(ctx context.Context, c *bus.Consumer) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("consumer exited", "error", err)
		}
	}()
}

// bootstrapSymbols registers every configured subscription symbol, pulling
// tick sizes and asset pairs from the venue's market catalog. A configured
// symbol the venue does not list is a config error and aborts startup;
// unregistered symbols arriving later are dropped by the consumers, so
// nothing downstream would ever see the stream.
func (a *App) bootstrapSymbols(ctx context.Context) error {
	catalogs := make(map[string]map[string]types.Market)
	for _, sub := range a.cfg.Feed.Subscriptions {
		if !sub.Active {
			continue
		}
		catalog, ok := catalogs[sub.Exchange]
		if !ok {
			adapter, err := a.registry.Public(sub.Exchange)
			if err != nil {
				return fmt.Errorf("public adapter %s: %w", sub.Exchange, err)
			}
			markets, err := adapter.FetchMarkets(ctx)
			if err != nil {
				return fmt.Errorf("fetch markets %s: %w", sub.Exchange, err)
			}
			catalog = make(map[string]types.Market, len(markets))
			for _, m := range markets {
				catalog[m.Symbol] = m
			}
			catalogs[sub.Exchange] = catalog
		}

		m, ok := catalog[sub.Symbol]
		if !ok {
			return fmt.Errorf("exchange %s does not list symbol %s", sub.Exchange, sub.Symbol)
		}
		ref := &types.SymbolRef{
			Exchange: sub.Exchange,
			Symbol:   m.Symbol,
			Base:     m.Base,
			Quote:    m.Quote,
			TickSize: m.TickSize,
			Active:   true,
		}
		id, err := a.store.EnsureSymbol(ctx, ref)
		if err != nil {
			return err
		}
		a.logger.Info("symbol registered",
			"exchange", sub.Exchange,
			"symbol", sub.Symbol,
			"symbol_id", id,
			"tick_size", m.TickSize,
		)
	}
	return nil
}

// seedPaperPrices primes the dry-run venue with live reference prices so
// paper fills land near the real market. Best effort; an unseeded symbol
// surfaces later as a paper placement error.
func (a *App) seedPaperPrices(ctx context.Context) {
	paper := a.registry.Paper()
	if paper == nil {
		return
	}
	for _, sub := range a.cfg.Feed.Subscriptions {
		if !sub.Active {
			continue
		}
		adapter, err := a.registry.Public(sub.Exchange)
		if err != nil {
			a.logger.Warn("paper seed: no public adapter",
				"exchange", sub.Exchange, "error", err)
			continue
		}
		ticker, err := adapter.FetchTicker(ctx, sub.Symbol)
		if err != nil {
			a.logger.Warn("paper seed: ticker fetch failed",
				"exchange", sub.Exchange, "symbol", sub.Symbol, "error", err)
			continue
		}
		paper.SetPrice(sub.Symbol, ticker.Last)
	}
}

func (a *App) closeResources() {
	if a.producer != nil {
		a.producer.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// publicSources adapts the registry's public lookup to the feed's source
// interface.
func publicSources(r *exchange.Registry) feed.SourceProvider {
	return func(venue string) (feed.Source, error) {
		return r.Public(venue)
	}
}
