package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tickflow/internal/config"
	"tickflow/pkg/types"
)

// Rejection is a failed pre-trade gate. Gate labels the rejection
// counter; Reason is the user-facing health message.
type Rejection struct {
	Gate   string
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// ExposureStore reads current net notionals for the exposure gates.
type ExposureStore interface {
	UserExposure(ctx context.Context, userID int64) (decimal.Decimal, error)
	StrategyExposure(ctx context.Context, strategyID int64) (decimal.Decimal, error)
}

// RiskPolicy is the ordered set of pre-trade gates every signal passes
// before placement:
//
//   - user exposure:     caps a user's combined net notional in USD
//   - strategy exposure: caps one strategy's net notional in USD
//   - slippage probe:    walks the cached book and rejects market orders
//     whose estimated average fill drifts too far from the touch
//
// A zero or negative limit disables its gate. Gates reject with
// *Rejection; any other error is a data-source failure the caller should
// retry.
type RiskPolicy struct {
	cfg    config.RiskConfig
	store  ExposureStore
	hot    HotCache
	logger *slog.Logger
}

func NewRiskPolicy(cfg config.RiskConfig, store ExposureStore, hot HotCache, logger *slog.Logger) *RiskPolicy {
	return &RiskPolicy{
		cfg:    cfg,
		store:  store,
		hot:    hot,
		logger: logger.With("component", "risk"),
	}
}

// Check runs every gate in order and returns the first rejection.
// notionalUSD is the caller's estimate of the order's quote value; zero
// means the estimate was unavailable.
func (p *RiskPolicy) Check(ctx context.Context, sig *types.TradingSignal, notionalUSD decimal.Decimal) error {
	if err := p.checkUserExposure(ctx, sig, notionalUSD); err != nil {
		return err
	}
	if err := p.checkStrategyExposure(ctx, sig, notionalUSD); err != nil {
		return err
	}
	return p.checkSlippage(ctx, sig)
}

// Exposure gates apply to buys only: a sell reduces net notional and can
// never push it over a cap.

func (p *RiskPolicy) checkUserExposure(ctx context.Context, sig *types.TradingSignal, usd decimal.Decimal) error {
	limit := decimal.NewFromFloat(p.cfg.MaxUserExposureUSD)
	if !limit.IsPositive() || sig.Side != types.SideBuy {
		return nil
	}
	current, err := p.store.UserExposure(ctx, sig.UserID)
	if err != nil {
		return fmt.Errorf("user exposure: %w", err)
	}
	if current.Add(usd).GreaterThan(limit) {
		return &Rejection{
			Gate: "user_exposure",
			Reason: fmt.Sprintf("user exposure limit: %s + %s USD exceeds cap %s",
				current.StringFixed(2), usd.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return nil
}

func (p *RiskPolicy) checkStrategyExposure(ctx context.Context, sig *types.TradingSignal, usd decimal.Decimal) error {
	limit := decimal.NewFromFloat(p.cfg.MaxStrategyExposureUSD)
	if !limit.IsPositive() || sig.Side != types.SideBuy {
		return nil
	}
	current, err := p.store.StrategyExposure(ctx, sig.StrategyID)
	if err != nil {
		return fmt.Errorf("strategy exposure: %w", err)
	}
	if current.Add(usd).GreaterThan(limit) {
		return &Rejection{
			Gate: "strategy_exposure",
			Reason: fmt.Sprintf("strategy exposure limit: %s + %s USD exceeds cap %s",
				current.StringFixed(2), usd.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return nil
}

// checkSlippage estimates what a market order would actually pay by
// walking the cached book, and rejects when the volume-weighted fill
// price drifts more than MaxSlippageBps from the touch. Limit orders
// carry their own price cap and skip the probe.
func (p *RiskPolicy) checkSlippage(ctx context.Context, sig *types.TradingSignal) error {
	if sig.Kind != types.OrderMarket || p.cfg.MaxSlippageBps <= 0 {
		return nil
	}

	book, ok, err := p.hot.OrderBook(ctx, sig.Exchange, sig.Symbol)
	if err != nil {
		return fmt.Errorf("order book: %w", err)
	}
	if !ok {
		return &Rejection{Gate: "no_market_data", Reason: "no cached order book to price market order"}
	}

	levels := book.Asks // a buy consumes asks
	if sig.Side == types.SideSell {
		levels = book.Bids
	}
	if depth := p.cfg.SlippageDepth; depth > 0 && depth < len(levels) {
		levels = levels[:depth]
	}
	if len(levels) == 0 {
		return &Rejection{Gate: "no_market_data", Reason: "cached order book is one-sided"}
	}

	amount, err := baseAmount(sig, levels[0].Price)
	if err != nil {
		return &Rejection{Gate: "invalid_sizing", Reason: err.Error()}
	}

	vwap, filled := walkBook(levels, amount)
	if filled.LessThan(amount) {
		return &Rejection{
			Gate: "insufficient_depth",
			Reason: fmt.Sprintf("cached depth covers %s of %s %s",
				filled, amount, sig.Symbol),
		}
	}

	touch := levels[0].Price
	drift := vwap.Sub(touch).Div(touch).Abs().Mul(decimal.NewFromInt(10_000))
	if drift.GreaterThan(decimal.NewFromFloat(p.cfg.MaxSlippageBps)) {
		return &Rejection{
			Gate: "slippage",
			Reason: fmt.Sprintf("estimated slippage %s bps exceeds cap %.0f",
				drift.StringFixed(1), p.cfg.MaxSlippageBps),
		}
	}
	return nil
}

// baseAmount resolves the order size in base units. Quote-sized signals
// are converted at the reference price.
func baseAmount(sig *types.TradingSignal, ref decimal.Decimal) (decimal.Decimal, error) {
	if sig.Amount.IsPositive() {
		return sig.Amount, nil
	}
	if !ref.IsPositive() {
		return decimal.Zero, fmt.Errorf("cannot size %s quote units without a price reference", sig.QuoteAmount)
	}
	return sig.QuoteAmount.Div(ref), nil
}

// walkBook consumes levels best-first until amount is filled, returning
// the volume-weighted average price and how much it could fill.
func walkBook(levels []types.PriceLevel, amount decimal.Decimal) (vwap, filled decimal.Decimal) {
	cost := decimal.Zero
	remaining := amount
	for _, lv := range levels {
		take := lv.Qty
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(lv.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}
	if filled.IsPositive() {
		vwap = cost.Div(filled)
	}
	return vwap, filled
}
