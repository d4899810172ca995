// Package executor turns trading signals into risk-checked exchange
// orders. One consumer on the signals topic; each message runs to a
// terminal outcome — placed, rejected, or duplicate — before its offset
// commits, so a crash replays the signal and the deterministic client
// order id keeps the exchange from filling it twice.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"tickflow/internal/config"
	"tickflow/internal/exchange"
	"tickflow/internal/metrics"
	"tickflow/internal/tsdb"
	"tickflow/pkg/types"
)

// GroupSignals is the executor's consumer group id.
const GroupSignals = "executor-signals"

// Store is the slice of the relational store the executor needs.
type Store interface {
	ExposureStore
	OrderByClientID(ctx context.Context, clientOrderID string) (*tsdb.BotOrder, error)
	RecordOrderResult(ctx context.Context, order *tsdb.BotOrder, fills []tsdb.BotTransaction) error
	CredentialByID(ctx context.Context, id int64) (*exchange.Credential, error)
	UpdateStrategyStatus(ctx context.Context, id int64, status types.InstanceStatus, healthMessage string, consecutiveErrors int) error
}

// HotCache is the market-data view used for pricing and the slippage
// probe.
type HotCache interface {
	OrderBook(ctx context.Context, exchange, symbol string) (*types.OrderBookSnapshot, bool, error)
	Ticker(ctx context.Context, exchange, symbol string) (*types.TickerSnapshot, bool, error)
}

// Adapters hands out exchange adapters per credential. Satisfied by the
// adapter registry.
type Adapters interface {
	ForCredential(ctx context.Context, cred *exchange.Credential) (exchange.Adapter, error)
}

// Notifier receives a short human-readable line per placed order. A nil
// notifier disables the hand-off; a failing one is logged and ignored.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Executor consumes trading signals and places orders.
type Executor struct {
	store    Store
	hot      HotCache
	adapters Adapters
	risk     *RiskPolicy
	notifier Notifier
	cfg      config.ExecutorConfig
	dryRun   bool
	logger   *slog.Logger
}

func New(store Store, hot HotCache, adapters Adapters, risk *RiskPolicy, notifier Notifier, cfg config.ExecutorConfig, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		hot:      hot,
		adapters: adapters,
		risk:     risk,
		notifier: notifier,
		cfg:      cfg,
		dryRun:   dryRun,
		logger:   logger.With("component", "executor"),
	}
}

// HandleSignal processes one signal to a terminal outcome. A nil return
// commits the offset; an error leaves the message for redelivery
// (data-source outages, exhausted transient placement retries).
func (x *Executor) HandleSignal(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var sig types.TradingSignal
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		return x.reject(msg, fmt.Errorf("decode signal: %w", err))
	}
	if err := sig.Validate(); err != nil {
		return x.reject(msg, err)
	}

	usd, err := x.estimateUSD(ctx, &sig)
	if err != nil {
		return err
	}

	if err := x.risk.Check(ctx, &sig, usd); err != nil {
		var rej *Rejection
		if !errors.As(err, &rej) {
			return err // exposure store or cache outage
		}
		metrics.OrdersRejected.WithLabelValues(rej.Gate).Inc()
		x.logger.Warn("signal rejected",
			"strategy_id", sig.StrategyID, "symbol", sig.Symbol,
			"gate", rej.Gate, "reason", rej.Reason)
		x.updateStrategyHealth(ctx, sig.StrategyID, "Risk check failed: "+rej.Reason)
		return nil
	}

	clientID := clientOrderID(&sig)
	if existing, err := x.store.OrderByClientID(ctx, clientID); err != nil {
		return err
	} else if existing != nil {
		metrics.DuplicateSignals.Inc()
		x.logger.Info("duplicate client-order-id, skipping",
			"client_order_id", clientID, "strategy_id", sig.StrategyID, "order_id", existing.ID)
		return nil
	}

	cred, err := x.store.CredentialByID(ctx, sig.ExchangeConfigID)
	if err != nil {
		if errors.Is(err, tsdb.ErrCredentialNotFound) {
			return x.recordRejection(ctx, &sig, clientID, err)
		}
		return err
	}
	adapter, err := x.adapters.ForCredential(ctx, cred)
	if err != nil {
		if exchange.Retryable(err) {
			return err
		}
		return x.recordRejection(ctx, &sig, clientID, err)
	}

	req, err := x.orderRequest(ctx, &sig, clientID)
	if err != nil {
		return x.recordRejection(ctx, &sig, clientID, err)
	}

	order, err := x.place(ctx, adapter, req)
	if err != nil {
		if ctx.Err() != nil || exchange.Retryable(err) {
			return err
		}
		return x.recordRejection(ctx, &sig, clientID, err)
	}

	bot := x.botOrderFrom(&sig, clientID, order)
	if err := x.store.RecordOrderResult(ctx, bot, fillsFrom(&sig, order)); err != nil {
		// Redelivery replays the signal; the client-order-id check and
		// the adapter's own dedup absorb the repeat placement.
		return err
	}

	metrics.OrdersPlaced.WithLabelValues(sig.Exchange, string(sig.Side)).Inc()
	x.logger.Info("order placed",
		"strategy_id", sig.StrategyID, "symbol", sig.Symbol,
		"side", sig.Side, "kind", sig.Kind,
		"client_order_id", clientID, "exchange_order_id", order.ID,
		"status", order.Status, "filled", order.Filled, "dry_run", x.dryRun)

	x.notify(ctx, fmt.Sprintf("%s %s %s %s @ %s (%s)",
		sig.Exchange, sig.Side, order.Amount, sig.Symbol, displayPrice(order), order.Status))
	return nil
}

// place runs one placement with bounded retries. Rate limits wait the
// exchange's requested delay; transient failures back off exponentially.
func (x *Executor) place(ctx context.Context, a exchange.Adapter, req types.OrderRequest) (*types.Order, error) {
	backoff := x.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		order, err := a.CreateOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		if !exchange.Retryable(err) || attempt >= x.cfg.PlaceRetries {
			return nil, err
		}

		delay := backoff
		if ra, limited := exchange.RetryAfter(err); limited {
			delay = ra
		} else {
			backoff *= 2
		}
		x.logger.Warn("retrying order placement",
			"client_order_id", req.ClientOrderID, "attempt", attempt+1,
			"delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// estimateUSD prices the signal for the exposure gates. Limit orders use
// their own price; market orders use the cached last price and fall back
// to zero when no ticker is cached.
func (x *Executor) estimateUSD(ctx context.Context, sig *types.TradingSignal) (decimal.Decimal, error) {
	if sig.QuoteAmount.IsPositive() {
		return sig.QuoteAmount, nil
	}
	if sig.Kind == types.OrderLimit {
		return sig.Price.Mul(sig.Amount), nil
	}
	tick, ok, err := x.hot.Ticker(ctx, sig.Exchange, sig.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker: %w", err)
	}
	if !ok {
		return decimal.Zero, nil
	}
	return tick.Last.Mul(sig.Amount), nil
}

// orderRequest maps the signal onto the adapter request, sizing
// quote-amount signals in base units at the best available reference.
func (x *Executor) orderRequest(ctx context.Context, sig *types.TradingSignal, clientID string) (types.OrderRequest, error) {
	req := types.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Kind:          sig.Kind,
		Amount:        sig.Amount,
		Price:         sig.Price,
		ClientOrderID: clientID,
		Leverage:      sig.Leverage,
	}
	if req.Amount.IsPositive() {
		return req, nil
	}

	ref := sig.Price
	if sig.Kind == types.OrderMarket {
		tick, ok, err := x.hot.Ticker(ctx, sig.Exchange, sig.Symbol)
		if err == nil && ok {
			ref = tick.Last
		}
	}
	if !ref.IsPositive() {
		return req, &exchange.InvalidOrderError{
			Reason: fmt.Sprintf("cannot size %s quote units of %s without a price reference", sig.QuoteAmount, sig.Symbol),
		}
	}
	req.Amount = sig.QuoteAmount.Div(ref)
	return req, nil
}

// recordRejection finalizes a terminal placement failure: counted,
// written as a rejected order row, surfaced on the strategy's health.
// The signal is acknowledged — retrying cannot help.
func (x *Executor) recordRejection(ctx context.Context, sig *types.TradingSignal, clientID string, cause error) error {
	label := rejectionLabel(cause)
	metrics.OrdersRejected.WithLabelValues(label).Inc()
	x.logger.Error("order rejected",
		"strategy_id", sig.StrategyID, "symbol", sig.Symbol,
		"client_order_id", clientID, "kind", label, "error", cause)

	bot := &tsdb.BotOrder{
		StrategyID:       sig.StrategyID,
		UserID:           sig.UserID,
		ExchangeConfigID: sig.ExchangeConfigID,
		Exchange:         sig.Exchange,
		Symbol:           sig.Symbol,
		ClientOrderID:    clientID,
		Side:             string(sig.Side),
		Kind:             string(sig.Kind),
		Price:            sig.Price,
		Amount:           sig.Amount,
		Status:           string(types.OrderRejected),
		Reason:           cause.Error(),
		DryRun:           x.dryRun,
		PlacedAt:         time.Now().UTC(),
	}
	if err := x.store.RecordOrderResult(ctx, bot, nil); err != nil {
		x.logger.Error("record rejected order", "client_order_id", clientID, "error", err)
	}
	x.updateStrategyHealth(ctx, sig.StrategyID, "Order rejected: "+cause.Error())
	return nil
}

func (x *Executor) updateStrategyHealth(ctx context.Context, strategyID int64, msg string) {
	if err := x.store.UpdateStrategyStatus(ctx, strategyID, types.StatusError, msg, 0); err != nil {
		x.logger.Error("update strategy health", "strategy_id", strategyID, "error", err)
	}
}

func (x *Executor) notify(ctx context.Context, text string) {
	if x.notifier == nil {
		return
	}
	if err := x.notifier.Notify(ctx, text); err != nil {
		x.logger.Warn("notifier failed", "error", err)
	}
}

// reject drops a message reprocessing cannot fix.
func (x *Executor) reject(msg *sarama.ConsumerMessage, err error) error {
	metrics.Malformed.WithLabelValues(msg.Topic).Inc()
	x.logger.Warn("dropping signal", "topic", msg.Topic, "partition", msg.Partition,
		"offset", msg.Offset, "error", err)
	return nil
}

func (x *Executor) botOrderFrom(sig *types.TradingSignal, clientID string, order *types.Order) *tsdb.BotOrder {
	placedAt := time.Now().UTC()
	if order.Timestamp > 0 {
		placedAt = types.MSToTime(order.Timestamp)
	}
	return &tsdb.BotOrder{
		StrategyID:       sig.StrategyID,
		UserID:           sig.UserID,
		ExchangeConfigID: sig.ExchangeConfigID,
		Exchange:         sig.Exchange,
		Symbol:           sig.Symbol,
		ClientOrderID:    clientID,
		ExchangeOrderID:  order.ID,
		Side:             string(sig.Side),
		Kind:             string(sig.Kind),
		Price:            order.Price,
		Amount:           order.Amount,
		Filled:           order.Filled,
		AvgPrice:         order.AvgPrice,
		Status:           string(order.Status),
		Fee:              order.Fee,
		FeeCurrency:      order.FeeCurrency,
		Reason:           sig.Reason,
		DryRun:           x.dryRun,
		PlacedAt:         placedAt,
	}
}

// fillsFrom maps the exchange's fill list onto transactions, falling
// back to one synthetic fill when the exchange reports only aggregates.
func fillsFrom(sig *types.TradingSignal, order *types.Order) []tsdb.BotTransaction {
	base := tsdb.BotTransaction{
		StrategyID: sig.StrategyID,
		UserID:     sig.UserID,
		Exchange:   sig.Exchange,
		Symbol:     sig.Symbol,
		Side:       string(sig.Side),
	}

	if len(order.Fills) > 0 {
		out := make([]tsdb.BotTransaction, 0, len(order.Fills))
		for _, f := range order.Fills {
			tx := base
			tx.Price = f.Price
			tx.Qty = f.Qty
			tx.Cost = f.Price.Mul(f.Qty)
			tx.Fee = f.Fee
			tx.FeeCurrency = f.FeeCurrency
			tx.ExecutedAt = fillTime(f.Timestamp)
			out = append(out, tx)
		}
		return out
	}

	if !order.Filled.IsPositive() {
		return nil
	}
	price := order.AvgPrice
	if !price.IsPositive() {
		price = order.Price
	}
	tx := base
	tx.Price = price
	tx.Qty = order.Filled
	tx.Cost = price.Mul(order.Filled)
	tx.Fee = order.Fee
	tx.FeeCurrency = order.FeeCurrency
	tx.ExecutedAt = fillTime(order.Timestamp)
	return []tsdb.BotTransaction{tx}
}

func fillTime(ms int64) time.Time {
	if ms > 0 {
		return types.MSToTime(ms)
	}
	return time.Now().UTC()
}

// clientOrderID derives the deterministic dedup key. Signals agreeing on
// (strategy, timestamp, side, amount, price) collide on purpose: the
// second one is a duplicate.
func clientOrderID(sig *types.TradingSignal) string {
	amount := sig.Amount
	if sig.QuoteAmount.IsPositive() {
		amount = sig.QuoteAmount
	}
	price := "market"
	if sig.Kind == types.OrderLimit {
		price = sig.Price.String()
	}
	canon := fmt.Sprintf("%d|%d|%s|%s|%s", sig.StrategyID, sig.Timestamp, sig.Side, amount, price)
	sum := sha256.Sum256([]byte(canon))
	return "tf-" + hex.EncodeToString(sum[:16])
}

// rejectionLabel buckets terminal failures for the rejection counter.
func rejectionLabel(err error) string {
	switch {
	case exchange.IsAuth(err):
		return "auth"
	case exchange.IsInsufficientFunds(err):
		return "insufficient_funds"
	case exchange.IsInvalidOrder(err):
		return "invalid_order"
	case exchange.IsNotSupported(err):
		return "not_supported"
	case errors.Is(err, tsdb.ErrCredentialNotFound):
		return "credential"
	default:
		return "exchange"
	}
}

func displayPrice(order *types.Order) string {
	if order.AvgPrice.IsPositive() {
		return order.AvgPrice.String()
	}
	if order.Price.IsPositive() {
		return order.Price.String()
	}
	return "market"
}
