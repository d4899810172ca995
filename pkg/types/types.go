// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: market data
// snapshots as they travel over the bus, footprint aggregates, trading
// signals, and the order shapes exchanged with adapter implementations.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a trade or order. For raw trades it carries the
// aggressor (taker) side; SideUnknown marks trades whose aggressor could not
// be attributed.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// Valid reports whether s is one of the three recognized sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell || s == SideUnknown
}

// Opposite returns the other direction. Unknown maps to itself.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// SubKind identifies what a market-data subscription watches.
type SubKind string

const (
	SubOrderBook SubKind = "orderbook"
	SubTrades    SubKind = "trades"
	SubTicker    SubKind = "ticker"
)

// Valid reports whether k is a recognized subscription kind.
func (k SubKind) Valid() bool {
	return k == SubOrderBook || k == SubTrades || k == SubTicker
}

// OrderKind enumerates the supported order execution styles.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// Valid reports whether k is a recognized order kind.
func (k OrderKind) Valid() bool {
	return k == OrderMarket || k == OrderLimit
}

// OrderStatus is the normalized lifecycle state of an exchange order.
// Exchange-specific statuses are mapped onto these four by the adapter.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"     // resting or partially filled
	OrderClosed   OrderStatus = "closed"   // fully filled
	OrderCanceled OrderStatus = "canceled" // canceled or expired
	OrderRejected OrderStatus = "rejected" // never accepted by the exchange
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderClosed || s == OrderCanceled || s == OrderRejected
}

// InstanceStatus is the engine-owned lifecycle state of a strategy instance.
// The desired-active flag is owned by the external API; status is owned by
// the strategy engine.
type InstanceStatus string

const (
	StatusPendingStart InstanceStatus = "pending_start"
	StatusRunning      InstanceStatus = "running"
	StatusPaused       InstanceStatus = "paused"
	StatusStopped      InstanceStatus = "stopped"
	StatusError        InstanceStatus = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Time helpers
// ————————————————————————————————————————————————————————————————————————
// All wire-level timestamps are unix milliseconds. Bar arithmetic
// (floor(ts/interval)·interval) is exact on int64 ms; conversion to
// time.Time happens only at the store boundary.

// MSToTime converts a unix-millisecond timestamp to time.Time (UTC).
func MSToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimeToMS converts a time.Time to unix milliseconds.
func TimeToMS(t time.Time) int64 {
	return t.UnixMilli()
}

// IntervalLabel renders a bar interval as the short form used in topic
// names and the interval_type store column: "30s", "1m", "4h", "1d".
// Intervals that do not divide evenly fall back to a millisecond form.
func IntervalLabel(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reference data
// ————————————————————————————————————————————————————————————————————————

// SymbolRef is the immutable registration record for one tradable
// instrument on one exchange. The numeric ID is the foreign key used by
// every time-series table.
type SymbolRef struct {
	ID       int64           `json:"id" db:"id"`
	Exchange string          `json:"exchange" db:"exchange"` // lowercase exchange id, e.g. "binance"
	Symbol   string          `json:"symbol" db:"symbol"`     // normalized, e.g. "BTC/USDT"
	Base     string          `json:"base" db:"base_asset"`
	Quote    string          `json:"quote" db:"quote_asset"`
	TickSize decimal.Decimal `json:"tickSize" db:"tick_size"` // price granularity; > 0
	Active   bool            `json:"active" db:"active"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————
// These structs are the bus payloads produced by the feed. They are
// validated once at bus ingress (the consumers); producers are trusted.

// PriceLevel is a single bid or ask level. On the wire it is a two-element
// array ["price","qty"], matching the exchange format, so a book snapshot
// stays compact.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// MarshalJSON encodes the level as ["price","qty"].
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]decimal.Decimal{l.Price, l.Qty})
}

// UnmarshalJSON decodes ["price","qty"]; extra elements are ignored.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw []decimal.Decimal
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("price level: want [price, qty], got %d elements", len(raw))
	}
	l.Price, l.Qty = raw[0], raw[1]
	return nil
}

// OrderBookSnapshot is a point-in-time view of one instrument's book.
type OrderBookSnapshot struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // sorted descending by price (best bid first)
	Asks      []PriceLevel `json:"asks"` // sorted ascending by price (best ask first)
	Sequence  int64        `json:"sequence,omitempty"`
	Timestamp int64        `json:"timestamp"` // exchange event time, unix ms
}

// BestBid returns the top bid level, or false if the book has no bids.
func (b *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false if the book has no asks.
func (b *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Validate checks the snapshot invariants: identified, timestamped,
// positive sizes, bids descending, asks ascending, book not crossed.
func (b *OrderBookSnapshot) Validate() error {
	if b.Exchange == "" || b.Symbol == "" {
		return fmt.Errorf("order book: missing exchange or symbol")
	}
	if b.Timestamp <= 0 {
		return fmt.Errorf("order book %s %s: missing timestamp", b.Exchange, b.Symbol)
	}
	for i, lvl := range b.Bids {
		if !lvl.Price.IsPositive() || !lvl.Qty.IsPositive() {
			return fmt.Errorf("order book %s %s: bad bid level %d", b.Exchange, b.Symbol, i)
		}
		if i > 0 && lvl.Price.GreaterThanOrEqual(b.Bids[i-1].Price) {
			return fmt.Errorf("order book %s %s: bids not descending at %d", b.Exchange, b.Symbol, i)
		}
	}
	for i, lvl := range b.Asks {
		if !lvl.Price.IsPositive() || !lvl.Qty.IsPositive() {
			return fmt.Errorf("order book %s %s: bad ask level %d", b.Exchange, b.Symbol, i)
		}
		if i > 0 && lvl.Price.LessThanOrEqual(b.Asks[i-1].Price) {
			return fmt.Errorf("order book %s %s: asks not ascending at %d", b.Exchange, b.Symbol, i)
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && b.Bids[0].Price.GreaterThan(b.Asks[0].Price) {
		return fmt.Errorf("order book %s %s: crossed (bid %s > ask %s)",
			b.Exchange, b.Symbol, b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}

// TradeEvent is a single executed trade from the raw trade stream.
type TradeEvent struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"tradeId"` // exchange-scoped id
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Side      Side            `json:"side"`              // aggressor side; "unknown" if unattributed
	IsMaker   *bool           `json:"isMaker,omitempty"` // buyer-is-maker hint when the exchange provides one
	Timestamp int64           `json:"timestamp"`         // unix ms
}

// Validate checks the trade invariants (qty > 0, price > 0, identified).
func (t *TradeEvent) Validate() error {
	if t.Exchange == "" || t.Symbol == "" {
		return fmt.Errorf("trade: missing exchange or symbol")
	}
	if t.TradeID == "" {
		return fmt.Errorf("trade %s %s: missing trade id", t.Exchange, t.Symbol)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("trade %s %s/%s: price must be > 0", t.Exchange, t.Symbol, t.TradeID)
	}
	if !t.Qty.IsPositive() {
		return fmt.Errorf("trade %s %s/%s: qty must be > 0", t.Exchange, t.Symbol, t.TradeID)
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("trade %s %s/%s: missing timestamp", t.Exchange, t.Symbol, t.TradeID)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("trade %s %s/%s: bad side %q", t.Exchange, t.Symbol, t.TradeID, t.Side)
	}
	return nil
}

// TickerSnapshot is a rolling-window mini ticker for one instrument.
type TickerSnapshot struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Last        decimal.Decimal `json:"last"`
	Volume      decimal.Decimal `json:"volume"`      // base asset volume
	QuoteVolume decimal.Decimal `json:"quoteVolume"` // quote asset volume
	BestBid     decimal.Decimal `json:"bestBid,omitempty"`
	BestAsk     decimal.Decimal `json:"bestAsk,omitempty"`
	Timestamp   int64           `json:"timestamp"` // unix ms
}

// Validate checks the ticker invariants (high >= low, last >= 0).
func (t *TickerSnapshot) Validate() error {
	if t.Exchange == "" || t.Symbol == "" {
		return fmt.Errorf("ticker: missing exchange or symbol")
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("ticker %s %s: missing timestamp", t.Exchange, t.Symbol)
	}
	if t.High.LessThan(t.Low) {
		return fmt.Errorf("ticker %s %s: high %s < low %s", t.Exchange, t.Symbol, t.High, t.Low)
	}
	if t.Last.IsNegative() {
		return fmt.Errorf("ticker %s %s: negative last price", t.Exchange, t.Symbol)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Footprints
// ————————————————————————————————————————————————————————————————————————

// PriceBucket holds the traded volume at one price bucket of a footprint
// candle, split by aggressor side. Delta = AskVolume - BidVolume (buy
// aggression minus sell aggression). Unattributed volume counts toward the
// candle's totalVolume but not toward either side here.
type PriceBucket struct {
	BidVolume    decimal.Decimal `json:"bidVolume"`
	AskVolume    decimal.Decimal `json:"askVolume"`
	Delta        decimal.Decimal `json:"delta"`
	BidImbalance bool            `json:"bidImbalance,omitempty"` // diagonal 3x bid dominance at this level
	AskImbalance bool            `json:"askImbalance,omitempty"` // diagonal 3x ask dominance at this level
}

// BucketKey renders a bucket price as the canonical map key used in
// FootprintCandle.Buckets and in the stored footprint_data document.
func BucketKey(price decimal.Decimal) string {
	return price.String()
}

// FootprintCandle is a fixed-interval candle enriched with per-price-bucket
// bid/ask volume. Emitted once per (exchange, symbol, interval, startTime)
// after the bar closes; upserts make re-emission idempotent.
type FootprintCandle struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`  // label, e.g. "1m"
	StartTime int64  `json:"startTime"` // unix ms, floor(ts/interval)*interval
	EndTime   int64  `json:"endTime"`   // startTime + interval - 1ms

	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`

	TotalVolume decimal.Decimal `json:"totalVolume"` // sum of all trade qty, attributed or not
	TotalDelta  decimal.Decimal `json:"totalDelta"`  // sum over buckets of (ask - bid)

	POC           decimal.Decimal `json:"poc"`           // bucket with max volume; ties go to the lower price
	ValueAreaHigh decimal.Decimal `json:"valueAreaHigh"` // top of the 70% value area
	ValueAreaLow  decimal.Decimal `json:"valueAreaLow"`  // bottom of the 70% value area

	Buckets    map[string]PriceBucket `json:"buckets"` // key = BucketKey(bucket price)
	TradeCount int64                  `json:"tradeCount"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals and insights
// ————————————————————————————————————————————————————————————————————————

// TradingSignal is a strategy's request to trade. Exactly one of Amount
// (base units) or QuoteAmount (quote units) is positive; limit orders
// carry a positive Price. StateDigest fingerprints the strategy state that
// produced the signal, so replays of the same decision stay deduplicable.
type TradingSignal struct {
	StrategyID       int64           `json:"strategyId"`
	UserID           int64           `json:"userId"`
	ExchangeConfigID int64           `json:"exchangeConfigId"`
	Exchange         string          `json:"exchange"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Kind             OrderKind       `json:"kind"`
	Amount           decimal.Decimal `json:"amount,omitempty"`      // base amount; zero when QuoteAmount is used
	QuoteAmount      decimal.Decimal `json:"quoteAmount,omitempty"` // quote amount; zero when Amount is used
	Price            decimal.Decimal `json:"price,omitempty"`       // limit price; zero for market orders
	StopLoss         decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit       decimal.Decimal `json:"takeProfit,omitempty"`
	Leverage         int             `json:"leverage,omitempty"`
	Reason           string          `json:"reason,omitempty"` // human-readable trigger description
	StateDigest      string          `json:"stateDigest,omitempty"`
	Timestamp        int64           `json:"timestamp"` // wall clock at emission, unix ms
}

// Validate checks required fields, enum values, and the amount/price rules.
func (s *TradingSignal) Validate() error {
	if s.StrategyID <= 0 {
		return fmt.Errorf("signal: missing strategy id")
	}
	if s.Exchange == "" || s.Symbol == "" {
		return fmt.Errorf("signal strategy=%d: missing exchange or symbol", s.StrategyID)
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("signal strategy=%d: bad side %q", s.StrategyID, s.Side)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("signal strategy=%d: bad order kind %q", s.StrategyID, s.Kind)
	}
	hasBase := s.Amount.IsPositive()
	hasQuote := s.QuoteAmount.IsPositive()
	if hasBase == hasQuote {
		return fmt.Errorf("signal strategy=%d: exactly one of amount/quoteAmount must be set", s.StrategyID)
	}
	if s.Kind == OrderLimit && !s.Price.IsPositive() {
		return fmt.Errorf("signal strategy=%d: limit order requires price", s.StrategyID)
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("signal strategy=%d: missing timestamp", s.StrategyID)
	}
	return nil
}

// Insight directions emitted by the oracle.
const (
	InsightBuyPressure  = "buy_pressure"
	InsightSellPressure = "sell_pressure"
	InsightBalanced     = "balanced"
)

// OracleInsight is a derived market observation published to the insights
// topic. Confidence scales the distance from a balanced book into [0,1].
type OracleInsight struct {
	Type       string  `json:"type"` // e.g. "orderbook_imbalance"
	Exchange   string  `json:"exchange"`
	Symbol     string  `json:"symbol"`
	Ratio      float64 `json:"ratio"`     // bidVolume / (bidVolume + askVolume)
	Direction  string  `json:"direction"` // buy_pressure | sell_pressure | balanced
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
	Timestamp  int64   `json:"timestamp"` // unix ms
}

// ————————————————————————————————————————————————————————————————————————
// Strategy instances
// ————————————————————————————————————————————————————————————————————————

// StrategyInstance is one user-owned strategy configuration plus the
// engine-owned runtime status. DesiredActive is written by the external
// API; Status, HealthMessage, ConsecutiveErrors, LastEvaluatedAt and State
// are written by the strategy engine.
type StrategyInstance struct {
	ID               int64           `json:"id" db:"id"`
	UserID           int64           `json:"userId" db:"user_id"`
	Name             string          `json:"name" db:"name"`
	Kind             string          `json:"kind" db:"kind"` // registered strategy kind, e.g. "momentum"
	Exchange         string          `json:"exchange" db:"exchange"`
	Symbol           string          `json:"symbol" db:"symbol"`
	ExchangeConfigID int64           `json:"exchangeConfigId" db:"exchange_config_id"`
	Params           json.RawMessage `json:"params" db:"params"` // kind-specific, decoded by the kind at load
	EvalIntervalMS   int64           `json:"evalIntervalMs" db:"eval_interval_ms"` // 0 = engine default

	DesiredActive     bool            `json:"desiredActive" db:"desired_active"`
	Status            InstanceStatus  `json:"status" db:"status"`
	HealthMessage     string          `json:"healthMessage" db:"health_message"`
	ConsecutiveErrors int             `json:"consecutiveErrors" db:"consecutive_errors"`
	LastEvaluatedAt   time.Time       `json:"lastEvaluatedAt" db:"last_evaluated_at"`
	State             json.RawMessage `json:"state" db:"state"` // opaque per-instance strategy state
}

// ————————————————————————————————————————————————————————————————————————
// Exchange adapter surface
// ————————————————————————————————————————————————————————————————————————
// Domain shapes returned by adapter implementations. Exchange-specific
// wire formats are mapped onto these inside each adapter.

// Market is tradable-instrument metadata from fetchMarkets.
type Market struct {
	Symbol      string          `json:"symbol"` // normalized, e.g. "BTC/USDT"
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	TickSize    decimal.Decimal `json:"tickSize"` // price increment
	StepSize    decimal.Decimal `json:"stepSize"` // quantity increment
	MinNotional decimal.Decimal `json:"minNotional"`
	Active      bool            `json:"active"`
}

// AssetBalance is the held amount of a single asset.
type AssetBalance struct {
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"` // locked in open orders / positions
	Total decimal.Decimal `json:"total"`
}

// Balance is a point-in-time account balance keyed by asset code.
type Balance struct {
	Assets    map[string]AssetBalance `json:"assets"`
	Timestamp int64                   `json:"timestamp"`
}

// OrderRequest is the adapter-facing order placement request. The caller
// supplies ClientOrderID; the adapter forwards it to exchanges that
// support it and deduplicates retries within its window.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Kind          OrderKind       `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`          // base quantity
	Price         decimal.Decimal `json:"price,omitempty"` // required for limit
	ClientOrderID string          `json:"clientOrderId"`
	Leverage      int             `json:"leverage,omitempty"`
	ReduceOnly    bool            `json:"reduceOnly,omitempty"`
}

// Fill is one execution against an order.
type Fill struct {
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"feeCurrency"`
	Timestamp   int64           `json:"timestamp"`
}

// Order is the normalized exchange order state returned by createOrder and
// fetchOrder. Fills may be empty when the exchange reports only aggregate
// filled quantity; callers fall back to a single synthetic fill.
type Order struct {
	ID            string          `json:"id"` // exchange order id
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Kind          OrderKind       `json:"kind"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Status        OrderStatus     `json:"status"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   string          `json:"feeCurrency"`
	Timestamp     int64           `json:"timestamp"`
	Fills         []Fill          `json:"fills,omitempty"`
}
