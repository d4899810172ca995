// Package feed supervises the market-data watch loops. One loop per
// (exchange, symbol, kind) subscription connects the venue stream to the
// message bus and owns that stream's lifecycle: transient disconnects are
// retried after a delay, fatal errors park the loop permanently, and a
// health checker force-restarts loops that go silent without erroring.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tickflow/internal/bus"
	"tickflow/internal/config"
	"tickflow/internal/exchange"
	"tickflow/internal/metrics"
	"tickflow/pkg/types"
)

// Source is the slice of the exchange adapter the feed consumes. The
// registry's public adapters implement it.
type Source interface {
	WatchOrderBook(ctx context.Context, symbol string) (*exchange.Stream[types.OrderBookSnapshot], error)
	WatchTrades(ctx context.Context, symbol string) (*exchange.Stream[types.TradeEvent], error)
	WatchTicker(ctx context.Context, symbol string) (*exchange.Stream[types.TickerSnapshot], error)
}

// SourceProvider resolves the public market-data source for a venue.
type SourceProvider func(exchange string) (Source, error)

// Subscription identifies one watched stream.
type Subscription struct {
	Exchange string        `json:"exchange"`
	Symbol   string        `json:"symbol"`
	Kind     types.SubKind `json:"kind"`
}

func (s Subscription) key() string {
	return s.Exchange + "|" + s.Symbol + "|" + string(s.Kind)
}

// SubscriptionStatus is the live state of one watch loop as reported by
// ListSubscriptions.
type SubscriptionStatus struct {
	Subscription
	Topic     string    `json:"topic"`
	Status    string    `json:"status"`
	Restarts  int       `json:"restarts"`
	LastEvent time.Time `json:"last_event"`
	LastError string    `json:"last_error,omitempty"`
}

const (
	statusConnecting = "connecting"
	statusStreaming  = "streaming"
	statusBackoff    = "backoff"
	statusFailed     = "failed"
)

// Feed runs the watch loops. Safe for concurrent use.
type Feed struct {
	cfg       config.FeedConfig
	sources   SourceProvider
	publisher bus.Publisher
	logger    *slog.Logger

	mu    sync.Mutex
	loops map[string]*watchLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// watchLoop is the supervised state for one subscription. Its mutex guards
// the fields the health checker and ListSubscriptions read while the run
// goroutine writes them.
type watchLoop struct {
	sub    Subscription
	topic  string
	cancel context.CancelFunc

	mu        sync.Mutex
	status    string
	restarts  int
	lastEvent time.Time
	lastErr   error
	forced    bool
	closer    interface{ Close() }
}

func New(cfg config.FeedConfig, sources SourceProvider, publisher bus.Publisher, logger *slog.Logger) *Feed {
	return &Feed{
		cfg:       cfg,
		sources:   sources,
		publisher: publisher,
		logger:    logger.With("component", "feed"),
		loops:     make(map[string]*watchLoop),
	}
}

// Start launches the loops for every active configured subscription and the
// health checker. Subscriptions with an unknown kind abort startup.
func (f *Feed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	for _, sub := range f.cfg.Subscriptions {
		if !sub.Active {
			continue
		}
		for _, k := range sub.Kinds {
			err := f.AddSubscription(Subscription{
				Exchange: sub.Exchange,
				Symbol:   sub.Symbol,
				Kind:     types.SubKind(k),
			})
			if err != nil {
				return fmt.Errorf("subscription %s %s: %w", sub.Exchange, sub.Symbol, err)
			}
		}
	}

	f.wg.Add(1)
	go f.healthLoop(f.ctx)

	f.logger.Info("feed started", "loops", len(f.loops))
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.wg.Wait()
	f.logger.Info("feed stopped")
}

// AddSubscription starts a watch loop for sub. Adding an already-watched
// subscription is a no-op.
func (f *Feed) AddSubscription(sub Subscription) error {
	if sub.Exchange == "" || sub.Symbol == "" {
		return errors.New("subscription needs an exchange and a symbol")
	}
	if !sub.Kind.Valid() {
		return fmt.Errorf("unknown subscription kind %q", sub.Kind)
	}
	if f.ctx == nil {
		return errors.New("feed not started")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.loops[sub.key()]; ok {
		return nil
	}

	lctx, cancel := context.WithCancel(f.ctx)
	l := &watchLoop{
		sub:    sub,
		topic:  bus.MarketDataTopic(sub.Exchange, sub.Symbol, sub.Kind),
		cancel: cancel,
		status: statusConnecting,
	}
	f.loops[sub.key()] = l

	f.wg.Add(1)
	go f.run(lctx, l)

	f.logger.Info("subscription added",
		"exchange", sub.Exchange, "symbol", sub.Symbol, "kind", sub.Kind, "topic", l.topic)
	return nil
}

// RemoveSubscription stops the loop for sub if one is running.
func (f *Feed) RemoveSubscription(sub Subscription) {
	f.mu.Lock()
	l, ok := f.loops[sub.key()]
	if ok {
		delete(f.loops, sub.key())
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	l.cancel()
	f.logger.Info("subscription removed",
		"exchange", sub.Exchange, "symbol", sub.Symbol, "kind", sub.Kind)
}

// ListSubscriptions reports a snapshot of every loop, sorted by key.
func (f *Feed) ListSubscriptions() []SubscriptionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SubscriptionStatus, 0, len(f.loops))
	for _, l := range f.loops {
		out = append(out, l.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// run is the supervision loop for one subscription. It reconnects after
// transient stream failures, parks permanently on fatal ones, and exits
// when its context is cancelled.
func (f *Feed) run(ctx context.Context, l *watchLoop) {
	defer f.wg.Done()

	for {
		err := f.watchOnce(ctx, l)
		l.setErr(err)
		if ctx.Err() != nil {
			return
		}
		if exchange.IsFatal(err) {
			l.setStatus(statusFailed)
			f.logger.Error("watch loop failed permanently",
				"exchange", l.sub.Exchange, "symbol", l.sub.Symbol, "kind", l.sub.Kind, "error", err)
			return
		}

		if l.takeForced() {
			metrics.FeedForcedRestarts.WithLabelValues(l.sub.Exchange, string(l.sub.Kind)).Inc()
		} else {
			metrics.FeedReconnects.WithLabelValues(l.sub.Exchange, string(l.sub.Kind)).Inc()
			f.logger.Warn("watch stream ended, reconnecting",
				"exchange", l.sub.Exchange, "symbol", l.sub.Symbol, "kind", l.sub.Kind,
				"delay", f.cfg.ReconnectDelay, "error", err)
		}

		l.bumpRestarts()
		l.setStatus(statusBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

// watchOnce opens one stream and pumps it until it ends. The returned error
// is the stream's terminal error, or the connect error when the stream never
// opened.
func (f *Feed) watchOnce(ctx context.Context, l *watchLoop) error {
	l.setStatus(statusConnecting)

	src, err := f.sources(l.sub.Exchange)
	if err != nil {
		return err
	}

	switch l.sub.Kind {
	case types.SubOrderBook:
		st, err := src.WatchOrderBook(ctx, l.sub.Symbol)
		if err != nil {
			return err
		}
		return pump(ctx, f, l, st)
	case types.SubTrades:
		st, err := src.WatchTrades(ctx, l.sub.Symbol)
		if err != nil {
			return err
		}
		return pump(ctx, f, l, st)
	case types.SubTicker:
		st, err := src.WatchTicker(ctx, l.sub.Symbol)
		if err != nil {
			return err
		}
		return pump(ctx, f, l, st)
	default:
		return &exchange.FatalError{Cause: fmt.Errorf("unwatchable kind %q", l.sub.Kind)}
	}
}

// pump publishes every stream event until the stream ends or ctx is
// cancelled. A failed publish drops that event and keeps the loop alive;
// the producer handles its own retries and accounting.
func pump[T any](ctx context.Context, f *Feed, l *watchLoop, st *exchange.Stream[T]) error {
	l.attach(st)
	defer l.detach()

	for {
		select {
		case <-ctx.Done():
			st.Close()
			return ctx.Err()
		case ev, ok := <-st.Events():
			if !ok {
				return st.Err()
			}
			l.touch()
			_ = f.publisher.Publish(ctx, l.topic, l.sub.Symbol, ev)
		}
	}
}

// healthLoop force-restarts loops that are nominally streaming but have
// delivered nothing for two check intervals. Venues occasionally wedge a
// connection without closing it; closing the stream makes the run loop
// reconnect.
func (f *Feed) healthLoop(ctx context.Context) {
	defer f.wg.Done()

	if f.cfg.HealthCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * f.cfg.HealthCheckInterval)
			f.mu.Lock()
			loops := make([]*watchLoop, 0, len(f.loops))
			for _, l := range f.loops {
				loops = append(loops, l)
			}
			f.mu.Unlock()
			for _, l := range loops {
				l.forceIfSilent(cutoff, f.logger)
			}
		}
	}
}

func (l *watchLoop) attach(closer interface{ Close() }) {
	l.mu.Lock()
	l.closer = closer
	l.status = statusStreaming
	l.lastEvent = time.Now()
	l.mu.Unlock()
}

func (l *watchLoop) detach() {
	l.mu.Lock()
	l.closer = nil
	l.mu.Unlock()
}

func (l *watchLoop) touch() {
	l.mu.Lock()
	l.lastEvent = time.Now()
	l.mu.Unlock()
}

func (l *watchLoop) setStatus(s string) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

func (l *watchLoop) setErr(err error) {
	l.mu.Lock()
	if err != nil {
		l.lastErr = err
	}
	l.mu.Unlock()
}

func (l *watchLoop) bumpRestarts() {
	l.mu.Lock()
	l.restarts++
	l.mu.Unlock()
}

func (l *watchLoop) takeForced() bool {
	l.mu.Lock()
	forced := l.forced
	l.forced = false
	l.mu.Unlock()
	return forced
}

func (l *watchLoop) forceIfSilent(cutoff time.Time, logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != statusStreaming || l.closer == nil || l.lastEvent.After(cutoff) {
		return
	}
	logger.Warn("watch loop silent, forcing restart",
		"exchange", l.sub.Exchange, "symbol", l.sub.Symbol, "kind", l.sub.Kind,
		"last_event", l.lastEvent)
	l.forced = true
	l.closer.Close()
	l.closer = nil
}

func (l *watchLoop) snapshot() SubscriptionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := SubscriptionStatus{
		Subscription: l.sub,
		Topic:        l.topic,
		Status:       l.status,
		Restarts:     l.restarts,
		LastEvent:    l.lastEvent,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

