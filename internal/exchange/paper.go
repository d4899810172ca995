// paper.go implements an in-memory venue for dry-run mode and tests.
//
// Orders fill instantly and entirely: market orders at the seeded reference
// price, limit orders at their limit price. No partial fills, no resting
// book. Balances are enforced only when seeded, so a fresh paper adapter
// accepts everything and a test can opt into strict accounting.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/pkg/types"
)

// paperTakerFee mirrors the common 4 bps futures taker fee so dry-run PnL
// is not free of costs.
var paperTakerFee = decimal.New(4, -4)

// Paper is the simulated adapter used for dry-run execution.
type Paper struct {
	logger *slog.Logger

	mu       sync.Mutex
	prices   map[string]decimal.Decimal // symbol -> reference price
	books    map[string]types.OrderBookSnapshot
	balances map[string]decimal.Decimal // asset -> free amount; empty map disables checks
	orders   map[string]*types.Order    // client order id -> result
	byID     map[string]*types.Order    // exchange order id -> result
	seq      int64
}

// NewPaper builds an empty simulated venue.
func NewPaper(logger *slog.Logger) *Paper {
	return &Paper{
		logger:   logger.With("adapter", "paper"),
		prices:   make(map[string]decimal.Decimal),
		books:    make(map[string]types.OrderBookSnapshot),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]*types.Order),
		byID:     make(map[string]*types.Order),
	}
}

func (p *Paper) Name() string { return "paper" }

// SetPrice seeds the reference price market orders fill at.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetBook seeds a depth snapshot returned by FetchOrderBook.
func (p *Paper) SetBook(book types.OrderBookSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[book.Symbol] = book
}

// SetBalance seeds one asset balance and switches on balance enforcement.
func (p *Paper) SetBalance(asset string, free decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = free
}

func (p *Paper) FetchMarkets(ctx context.Context) ([]types.Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	markets := make([]types.Market, 0, len(p.prices))
	for symbol := range p.prices {
		base, quote, _ := strings.Cut(symbol, "/")
		markets = append(markets, types.Market{
			Symbol:   symbol,
			Base:     base,
			Quote:    quote,
			TickSize: decimal.New(1, -2),
			StepSize: decimal.New(1, -3),
			Active:   true,
		})
	}
	return markets, nil
}

func (p *Paper) FetchTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error) {
	p.mu.Lock()
	price, ok := p.prices[symbol]
	p.mu.Unlock()
	if !ok {
		return nil, &InvalidOrderError{Reason: "no reference price for " + symbol}
	}
	return &types.TickerSnapshot{
		Exchange:  p.Name(),
		Symbol:    symbol,
		Open:      price,
		High:      price,
		Low:       price,
		Last:      price,
		Timestamp: types.TimeToMS(time.Now()),
	}, nil
}

func (p *Paper) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error) {
	p.mu.Lock()
	book, ok := p.books[symbol]
	p.mu.Unlock()
	if !ok {
		return nil, &NotSupportedError{Op: "fetch order book (no seeded book)"}
	}
	return &book, nil
}

func (p *Paper) FetchBalance(ctx context.Context) (*types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bal := &types.Balance{
		Assets:    make(map[string]types.AssetBalance, len(p.balances)),
		Timestamp: types.TimeToMS(time.Now()),
	}
	for asset, free := range p.balances {
		bal.Assets[asset] = types.AssetBalance{Free: free, Total: free}
	}
	return bal, nil
}

// CreateOrder fills the order immediately. Repeats of a known client order
// id return the first result, mirroring real venue dedup.
func (p *Paper) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if !req.Side.Valid() || req.Side == types.SideUnknown {
		return nil, &InvalidOrderError{Reason: "side must be buy or sell"}
	}
	if !req.Amount.IsPositive() {
		return nil, &InvalidOrderError{Reason: "amount must be positive"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if prior, ok := p.orders[req.ClientOrderID]; ok {
			return prior, nil
		}
	}

	price := req.Price
	if req.Kind != types.OrderLimit {
		ref, ok := p.prices[req.Symbol]
		if !ok {
			return nil, &InvalidOrderError{Reason: "no reference price for " + req.Symbol}
		}
		price = ref
	}
	if !price.IsPositive() {
		return nil, &InvalidOrderError{Reason: "price must be positive"}
	}

	base, quote, _ := strings.Cut(req.Symbol, "/")
	cost := price.Mul(req.Amount)
	fee := cost.Mul(paperTakerFee)

	if len(p.balances) > 0 {
		if err := p.settleLocked(req.Side, base, quote, req.Amount, cost, fee); err != nil {
			return nil, err
		}
	}

	p.seq++
	now := types.TimeToMS(time.Now())
	order := &types.Order{
		ID:            fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Price:         price,
		Amount:        req.Amount,
		Filled:        req.Amount,
		AvgPrice:      price,
		Status:        types.OrderClosed,
		Fee:           fee,
		FeeCurrency:   quote,
		Timestamp:     now,
		Fills: []types.Fill{{
			Price:       price,
			Qty:         req.Amount,
			Fee:         fee,
			FeeCurrency: quote,
			Timestamp:   now,
		}},
	}

	if req.ClientOrderID != "" {
		p.orders[req.ClientOrderID] = order
	}
	p.byID[order.ID] = order
	p.logger.Info("paper fill",
		"symbol", req.Symbol,
		"side", req.Side,
		"amount", req.Amount,
		"price", price,
	)
	return order, nil
}

// settleLocked moves balances for a fill, rejecting when seeded funds cannot
// cover it.
func (p *Paper) settleLocked(side types.Side, base, quote string, amount, cost, fee decimal.Decimal) error {
	if side == types.SideBuy {
		need := cost.Add(fee)
		if p.balances[quote].LessThan(need) {
			return &InsufficientFundsError{Reason: fmt.Sprintf("need %s %s", need, quote)}
		}
		p.balances[quote] = p.balances[quote].Sub(need)
		p.balances[base] = p.balances[base].Add(amount)
		return nil
	}
	if p.balances[base].LessThan(amount) {
		return &InsufficientFundsError{Reason: fmt.Sprintf("need %s %s", amount, base)}
	}
	p.balances[base] = p.balances[base].Sub(amount)
	p.balances[quote] = p.balances[quote].Add(cost.Sub(fee))
	return nil
}

func (p *Paper) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if order, ok := p.orders[clientOrderID]; ok {
		return order, nil
	}
	return nil, &InvalidOrderError{Reason: "unknown order " + clientOrderID}
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	// Everything fills instantly, so there is never anything to cancel.
	return nil, &InvalidOrderError{Reason: "unknown order " + clientOrderID}
}

func (p *Paper) WatchOrderBook(ctx context.Context, symbol string) (*Stream[types.OrderBookSnapshot], error) {
	return nil, &NotSupportedError{Op: "watch order book"}
}

func (p *Paper) WatchTrades(ctx context.Context, symbol string) (*Stream[types.TradeEvent], error) {
	return nil, &NotSupportedError{Op: "watch trades"}
}

func (p *Paper) WatchTicker(ctx context.Context, symbol string) (*Stream[types.TickerSnapshot], error) {
	return nil, &NotSupportedError{Op: "watch ticker"}
}

func (p *Paper) Close() error { return nil }
