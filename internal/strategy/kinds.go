package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tickflow/pkg/types"
)

// Registered strategy kinds.
const (
	KindMomentum           = "momentum"
	KindOrderBookImbalance = "orderbook_imbalance"
)

// ErrNoData tells the engine the hot cache has not yet accumulated enough
// market data for a meaningful evaluation. The round is skipped without
// counting as a failure.
var ErrNoData = errors.New("insufficient market data")

// Decision is one evaluation outcome. Signal is nil when the evaluator
// sees no reason to trade. State is persisted after every round and
// fingerprinted into the signal's StateDigest, so identical re-decisions
// produce identical digests.
type Decision struct {
	Signal *types.TradingSignal
	State  json.RawMessage
}

// Evaluator is one strategy kind bound to one instance's params. It reads
// the hot cache and decides; the engine owns scheduling, identity
// stamping, persistence and publishing.
type Evaluator interface {
	Evaluate(ctx context.Context) (*Decision, error)
}

// NewEvaluator builds the evaluator for inst.Kind. Unknown kinds and
// invalid params are rejected here, before the instance ever runs.
func NewEvaluator(inst *types.StrategyInstance, hot HotCache) (Evaluator, error) {
	switch inst.Kind {
	case KindMomentum:
		return newMomentum(inst, hot)
	case KindOrderBookImbalance:
		return newImbalance(inst, hot)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", inst.Kind)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Momentum
// ————————————————————————————————————————————————————————————————————————
// Compares the last traded price against the SMA of the most recent
// Window trades. A drift of at least Threshold above the mean signals a
// buy, at least Threshold below a sell.

type momentumParams struct {
	Window        int             `json:"window"`        // SMA lookback, in trades
	Threshold     decimal.Decimal `json:"threshold"`     // min |last-sma|/sma to act
	Amount        decimal.Decimal `json:"amount"`        // base units per signal
	StopLossPct   decimal.Decimal `json:"stopLossPct"`   // optional, fraction of entry
	TakeProfitPct decimal.Decimal `json:"takeProfitPct"` // optional, fraction of entry
}

type momentumState struct {
	SMA   decimal.Decimal `json:"sma"`
	Last  decimal.Decimal `json:"last"`
	Drift decimal.Decimal `json:"drift"` // (last - sma) / sma
}

type momentum struct {
	exchange string
	symbol   string
	params   momentumParams
	hot      HotCache
}

func newMomentum(inst *types.StrategyInstance, hot HotCache) (*momentum, error) {
	p := momentumParams{Window: 20, Threshold: decimal.NewFromFloat(0.002)}
	if len(inst.Params) > 0 {
		if err := json.Unmarshal(inst.Params, &p); err != nil {
			return nil, fmt.Errorf("momentum params: %w", err)
		}
	}
	if p.Window < 2 {
		return nil, fmt.Errorf("momentum: window must be >= 2, got %d", p.Window)
	}
	if !p.Threshold.IsPositive() {
		return nil, errors.New("momentum: threshold must be positive")
	}
	if !p.Amount.IsPositive() {
		return nil, errors.New("momentum: amount must be positive")
	}
	if p.StopLossPct.IsNegative() || p.TakeProfitPct.IsNegative() {
		return nil, errors.New("momentum: stopLossPct/takeProfitPct must not be negative")
	}
	return &momentum{exchange: inst.Exchange, symbol: inst.Symbol, params: p, hot: hot}, nil
}

func (m *momentum) Evaluate(ctx context.Context) (*Decision, error) {
	trades, err := m.hot.RecentTrades(ctx, m.exchange, m.symbol, int64(m.params.Window))
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	if len(trades) < m.params.Window {
		return nil, ErrNoData
	}

	sum := decimal.Zero
	for i := range trades {
		sum = sum.Add(trades[i].Price)
	}
	sma := sum.Div(decimal.NewFromInt(int64(len(trades))))
	last := trades[0].Price // newest first
	drift := last.Sub(sma).Div(sma)

	state, err := json.Marshal(momentumState{SMA: sma, Last: last, Drift: drift})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	d := &Decision{State: state}

	var side types.Side
	switch {
	case drift.GreaterThanOrEqual(m.params.Threshold):
		side = types.SideBuy
	case drift.LessThanOrEqual(m.params.Threshold.Neg()):
		side = types.SideSell
	default:
		return d, nil
	}

	d.Signal = &types.TradingSignal{
		Exchange: m.exchange,
		Symbol:   m.symbol,
		Side:     side,
		Kind:     types.OrderMarket,
		Amount:   m.params.Amount,
		Reason: fmt.Sprintf("last %s vs sma(%d) %s, drift %s%%",
			last, m.params.Window, sma.Round(8), drift.Mul(decimal.NewFromInt(100)).StringFixed(2)),
	}
	d.Signal.StopLoss, d.Signal.TakeProfit = protectivePrices(last, side, m.params.StopLossPct, m.params.TakeProfitPct)
	return d, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order-book imbalance
// ————————————————————————————————————————————————————————————————————————
// Sums quantity over the top Depth levels of each side of the cached
// book. A bid share of at least BuyThreshold signals a buy, at most
// SellThreshold a sell.

type imbalanceParams struct {
	Depth         int             `json:"depth"`         // levels per side
	BuyThreshold  decimal.Decimal `json:"buyThreshold"`  // min bid share to buy
	SellThreshold decimal.Decimal `json:"sellThreshold"` // max bid share to sell
	Amount        decimal.Decimal `json:"amount"`        // base units per signal
	StopLossPct   decimal.Decimal `json:"stopLossPct"`   // optional, fraction of entry
	TakeProfitPct decimal.Decimal `json:"takeProfitPct"` // optional, fraction of entry
}

type imbalanceState struct {
	BidVolume decimal.Decimal `json:"bidVolume"`
	AskVolume decimal.Decimal `json:"askVolume"`
	Ratio     decimal.Decimal `json:"ratio"` // bidVolume / (bidVolume + askVolume)
}

type imbalance struct {
	exchange string
	symbol   string
	params   imbalanceParams
	hot      HotCache
}

func newImbalance(inst *types.StrategyInstance, hot HotCache) (*imbalance, error) {
	p := imbalanceParams{
		Depth:         5,
		BuyThreshold:  decimal.NewFromFloat(0.65),
		SellThreshold: decimal.NewFromFloat(0.35),
	}
	if len(inst.Params) > 0 {
		if err := json.Unmarshal(inst.Params, &p); err != nil {
			return nil, fmt.Errorf("imbalance params: %w", err)
		}
	}
	if p.Depth < 1 {
		return nil, fmt.Errorf("imbalance: depth must be >= 1, got %d", p.Depth)
	}
	one := decimal.NewFromInt(1)
	if !p.SellThreshold.IsPositive() || p.BuyThreshold.GreaterThanOrEqual(one) ||
		p.SellThreshold.GreaterThanOrEqual(p.BuyThreshold) {
		return nil, fmt.Errorf("imbalance: need 0 < sellThreshold < buyThreshold < 1, got %s/%s",
			p.SellThreshold, p.BuyThreshold)
	}
	if !p.Amount.IsPositive() {
		return nil, errors.New("imbalance: amount must be positive")
	}
	if p.StopLossPct.IsNegative() || p.TakeProfitPct.IsNegative() {
		return nil, errors.New("imbalance: stopLossPct/takeProfitPct must not be negative")
	}
	return &imbalance{exchange: inst.Exchange, symbol: inst.Symbol, params: p, hot: hot}, nil
}

func (b *imbalance) Evaluate(ctx context.Context) (*Decision, error) {
	book, ok, err := b.hot.OrderBook(ctx, b.exchange, b.symbol)
	if err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}
	if !ok {
		return nil, ErrNoData
	}

	bidVol := sideVolume(book.Bids, b.params.Depth)
	askVol := sideVolume(book.Asks, b.params.Depth)
	total := bidVol.Add(askVol)
	if !total.IsPositive() {
		return nil, ErrNoData
	}
	ratio := bidVol.Div(total)

	state, err := json.Marshal(imbalanceState{BidVolume: bidVol, AskVolume: askVol, Ratio: ratio})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	d := &Decision{State: state}

	var side types.Side
	switch {
	case ratio.GreaterThanOrEqual(b.params.BuyThreshold):
		side = types.SideBuy
	case ratio.LessThanOrEqual(b.params.SellThreshold):
		side = types.SideSell
	default:
		return d, nil
	}

	d.Signal = &types.TradingSignal{
		Exchange: b.exchange,
		Symbol:   b.symbol,
		Side:     side,
		Kind:     types.OrderMarket,
		Amount:   b.params.Amount,
		Reason: fmt.Sprintf("bid share %s%% over top %d levels",
			ratio.Mul(decimal.NewFromInt(100)).StringFixed(1), b.params.Depth),
	}
	if entry, ok := entryPrice(book, side); ok {
		d.Signal.StopLoss, d.Signal.TakeProfit = protectivePrices(entry, side, b.params.StopLossPct, b.params.TakeProfitPct)
	}
	return d, nil
}

func sideVolume(levels []types.PriceLevel, depth int) decimal.Decimal {
	if depth > len(levels) {
		depth = len(levels)
	}
	vol := decimal.Zero
	for _, lv := range levels[:depth] {
		vol = vol.Add(lv.Qty)
	}
	return vol
}

// entryPrice estimates what a market order would pay: the touch it
// crosses, falling back to the opposite side when the book is one-sided.
func entryPrice(book *types.OrderBookSnapshot, side types.Side) (decimal.Decimal, bool) {
	ask, hasAsk := book.BestAsk()
	bid, hasBid := book.BestBid()
	if side == types.SideBuy {
		if hasAsk {
			return ask.Price, true
		}
		if hasBid {
			return bid.Price, true
		}
	} else {
		if hasBid {
			return bid.Price, true
		}
		if hasAsk {
			return ask.Price, true
		}
	}
	return decimal.Zero, false
}

// protectivePrices derives stop-loss and take-profit levels from the
// entry estimate. Zero percentages leave the corresponding level unset.
func protectivePrices(entry decimal.Decimal, side types.Side, slPct, tpPct decimal.Decimal) (sl, tp decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if slPct.IsPositive() {
		if side == types.SideBuy {
			sl = entry.Mul(one.Sub(slPct))
		} else {
			sl = entry.Mul(one.Add(slPct))
		}
	}
	if tpPct.IsPositive() {
		if side == types.SideBuy {
			tp = entry.Mul(one.Add(tpPct))
		} else {
			tp = entry.Mul(one.Sub(tpPct))
		}
	}
	return sl, tp
}
