// binance.go implements the Binance USD-M futures adapter.
//
// REST endpoints used:
//   - GET    /fapi/v1/exchangeInfo — instrument filters (tick size, step size)
//   - GET    /fapi/v1/ticker/24hr  — rolling 24h stats
//   - GET    /fapi/v1/depth        — order book snapshot
//   - GET    /fapi/v2/balance      — account balances (signed)
//   - POST   /fapi/v1/order        — place order (signed)
//   - GET    /fapi/v1/order        — look up order (signed)
//   - DELETE /fapi/v1/order        — cancel order (signed)
//
// Signed requests carry an HMAC-SHA256 signature over the query string plus
// a millisecond timestamp, with the API key in the X-MBX-APIKEY header.
// Exchange error codes are mapped onto the typed kinds in errors.go.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tickflow/pkg/types"
)

const binanceRecvWindow = 5000 // ms tolerance for signed request timestamps

// Binance is the USD-M futures adapter. A nil keys value makes a public
// adapter: market data works, signed endpoints return AuthError.
type Binance struct {
	http   *resty.Client
	wsURL  string
	keys   *Keys
	rl     *RateLimiter
	logger *slog.Logger

	mu      sync.Mutex
	ws      *wsSession
	dedup   map[string]dedupEntry // client order id -> first placement result
	dedupIn time.Duration
}

type dedupEntry struct {
	order *types.Order
	at    time.Time
}

// NewBinance builds an adapter against the given endpoints. keys may be nil
// for public market-data use. dedupWindow bounds how long CreateOrder
// remembers client order ids it has already placed.
func NewBinance(baseURL, wsURL string, keys *Keys, timeout, dedupWindow time.Duration, logger *slog.Logger) *Binance {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Transport errors only. HTTP-level failures map to typed
			// errors and the caller's retry policy takes over.
			return err != nil
		}).
		SetHeader("Content-Type", "application/json")

	return &Binance{
		http:    httpClient,
		wsURL:   wsURL,
		keys:    keys,
		rl:      NewRateLimiter(),
		logger:  logger.With("adapter", "binance"),
		dedup:   make(map[string]dedupEntry),
		dedupIn: dedupWindow,
	}
}

func (b *Binance) Name() string { return "binance" }

// apiSymbol converts canonical "BTC/USDT" to venue "BTCUSDT".
func apiSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// streamSymbol converts canonical "BTC/USDT" to stream-name "btcusdt".
func streamSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
}

// ———————————————————————— wire shapes ————————————————————————

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceExchangeInfo struct {
	Symbols []binanceSymbolInfo `json:"symbols"`
}

type binanceSymbolInfo struct {
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	BaseAsset  string          `json:"baseAsset"`
	QuoteAsset string          `json:"quoteAsset"`
	Filters    []binanceFilter `json:"filters"`
}

type binanceFilter struct {
	FilterType string          `json:"filterType"`
	TickSize   decimal.Decimal `json:"tickSize"`
	StepSize   decimal.Decimal `json:"stepSize"`
	Notional   decimal.Decimal `json:"notional"`
}

type binanceTicker24h struct {
	OpenPrice   decimal.Decimal `json:"openPrice"`
	HighPrice   decimal.Decimal `json:"highPrice"`
	LowPrice    decimal.Decimal `json:"lowPrice"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	CloseTime   int64           `json:"closeTime"`
}

type binanceDepth struct {
	LastUpdateID int64              `json:"lastUpdateId"`
	EventTime    int64              `json:"E"`
	Bids         []types.PriceLevel `json:"bids"`
	Asks         []types.PriceLevel `json:"asks"`
}

type binanceBalanceEntry struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

type binanceOrder struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	CumQuote      decimal.Decimal `json:"cumQuote"`
	UpdateTime    int64           `json:"updateTime"`
}

// ———————————————————————— public endpoints ————————————————————————

// FetchMarkets lists TRADING instruments with price and lot filters applied.
func (b *Binance) FetchMarkets(ctx context.Context) ([]types.Market, error) {
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	var info binanceExchangeInfo
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/fapi/v1/exchangeInfo")
	if err := b.checkResponse(resp, err, "exchange info"); err != nil {
		return nil, err
	}

	markets := make([]types.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		m := types.Market{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize = f.TickSize
			case "LOT_SIZE":
				m.StepSize = f.StepSize
			case "MIN_NOTIONAL":
				m.MinNotional = f.Notional
			}
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// FetchTicker returns 24h rolling stats for one symbol.
func (b *Binance) FetchTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error) {
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	var t binanceTicker24h
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", apiSymbol(symbol)).
		SetResult(&t).
		Get("/fapi/v1/ticker/24hr")
	if err := b.checkResponse(resp, err, "ticker"); err != nil {
		return nil, err
	}
	return &types.TickerSnapshot{
		Exchange:    b.Name(),
		Symbol:      symbol,
		Open:        t.OpenPrice,
		High:        t.HighPrice,
		Low:         t.LowPrice,
		Last:        t.LastPrice,
		Volume:      t.Volume,
		QuoteVolume: t.QuoteVolume,
		Timestamp:   t.CloseTime,
	}, nil
}

// FetchOrderBook returns a depth snapshot. Binance accepts a fixed set of
// limits; depth is rounded up to the next supported one.
func (b *Binance) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error) {
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	var d binanceDepth
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", apiSymbol(symbol)).
		SetQueryParam("limit", strconv.Itoa(depthLimit(depth))).
		SetResult(&d).
		Get("/fapi/v1/depth")
	if err := b.checkResponse(resp, err, "depth"); err != nil {
		return nil, err
	}
	ts := d.EventTime
	if ts == 0 {
		ts = types.TimeToMS(time.Now())
	}
	return &types.OrderBookSnapshot{
		Exchange:  b.Name(),
		Symbol:    symbol,
		Bids:      d.Bids,
		Asks:      d.Asks,
		Sequence:  d.LastUpdateID,
		Timestamp: ts,
	}, nil
}

var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

func depthLimit(depth int) int {
	for _, l := range depthLimits {
		if depth <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

// ———————————————————————— signed endpoints ————————————————————————

// FetchBalance returns account balances keyed by asset.
func (b *Binance) FetchBalance(ctx context.Context) (*types.Balance, error) {
	if err := b.requireKeys("fetch balance"); err != nil {
		return nil, err
	}
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	var entries []binanceBalanceEntry
	resp, err := b.signedRequest(ctx, url.Values{}).
		SetResult(&entries).
		Get("/fapi/v2/balance")
	if err := b.checkResponse(resp, err, "balance"); err != nil {
		return nil, err
	}

	bal := &types.Balance{
		Assets:    make(map[string]types.AssetBalance, len(entries)),
		Timestamp: types.TimeToMS(time.Now()),
	}
	for _, e := range entries {
		bal.Assets[e.Asset] = types.AssetBalance{
			Free:  e.AvailableBalance,
			Used:  e.Balance.Sub(e.AvailableBalance),
			Total: e.Balance,
		}
	}
	return bal, nil
}

// CreateOrder places an order. Retries carrying a ClientOrderID already seen
// inside the dedup window return the recorded first result without placing a
// second order.
func (b *Binance) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := b.requireKeys("create order"); err != nil {
		return nil, err
	}
	if req.ClientOrderID != "" {
		if prior, ok := b.dedupLookup(req.ClientOrderID); ok {
			b.logger.Info("duplicate client order id, returning prior result",
				"client_order_id", req.ClientOrderID)
			return prior, nil
		}
	}
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", apiSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("quantity", req.Amount.String())
	switch req.Kind {
	case types.OrderLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	default:
		params.Set("type", "MARKET")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var raw binanceOrder
	resp, err := b.signedRequest(ctx, params).
		SetResult(&raw).
		Post("/fapi/v1/order")
	if err := b.checkResponse(resp, err, "create order"); err != nil {
		return nil, err
	}

	order := b.toOrder(req.Symbol, raw)
	if req.ClientOrderID != "" {
		b.dedupStore(req.ClientOrderID, order)
	}
	return order, nil
}

// FetchOrder looks up an order by its client order id.
func (b *Binance) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	if err := b.requireKeys("fetch order"); err != nil {
		return nil, err
	}
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", apiSymbol(symbol))
	params.Set("origClientOrderId", clientOrderID)

	var raw binanceOrder
	resp, err := b.signedRequest(ctx, params).
		SetResult(&raw).
		Get("/fapi/v1/order")
	if err := b.checkResponse(resp, err, "fetch order"); err != nil {
		return nil, err
	}
	return b.toOrder(symbol, raw), nil
}

// CancelOrder cancels an open order by its client order id.
func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	if err := b.requireKeys("cancel order"); err != nil {
		return nil, err
	}
	if err := b.rl.Request.Wait(ctx); err != nil {
		return nil, err
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", apiSymbol(symbol))
	params.Set("origClientOrderId", clientOrderID)

	var raw binanceOrder
	resp, err := b.signedRequest(ctx, params).
		SetResult(&raw).
		Delete("/fapi/v1/order")
	if err := b.checkResponse(resp, err, "cancel order"); err != nil {
		return nil, err
	}
	return b.toOrder(symbol, raw), nil
}

// Close tears down the websocket session, ending all live streams.
func (b *Binance) Close() error {
	b.mu.Lock()
	ws := b.ws
	b.ws = nil
	b.mu.Unlock()
	if ws != nil {
		ws.shutdown()
	}
	return nil
}

// ———————————————————————— request plumbing ————————————————————————

func (b *Binance) requireKeys(op string) error {
	if b.keys == nil || b.keys.Key == "" {
		return &AuthError{Reason: op + " requires a credential"}
	}
	return nil
}

// signedRequest builds a resty request with timestamp, recvWindow, HMAC
// signature, and the API key header. Binance signs the raw query string, so
// params are encoded once and passed through untouched.
func (b *Binance) signedRequest(ctx context.Context, params url.Values) *resty.Request {
	params.Set("timestamp", strconv.FormatInt(types.TimeToMS(time.Now()), 10))
	params.Set("recvWindow", strconv.Itoa(binanceRecvWindow))
	query := params.Encode()
	return b.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", b.keys.Key).
		SetQueryString(query + "&signature=" + signPayload(b.keys.Secret, query))
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkResponse converts transport and HTTP failures into typed errors.
func (b *Binance) checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return &TransientError{Cause: fmt.Errorf("%s: %w", op, err)}
	}
	if resp.StatusCode() < 300 {
		return nil
	}

	var apiErr binanceError
	_ = json.Unmarshal(resp.Body(), &apiErr)
	return mapBinanceError(resp.StatusCode(), apiErr.Code, apiErr.Msg, resp.Header().Get("Retry-After"), op)
}

// mapBinanceError classifies an HTTP status plus exchange error code pair.
func mapBinanceError(status, code int, msg, retryAfter, op string) error {
	detail := fmt.Sprintf("%s: status %d code %d: %s", op, status, code, msg)

	switch status {
	case http.StatusTooManyRequests, 418:
		// 418 is Binance's auto-ban escalation; both carry Retry-After.
		wait := 30 * time.Second
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return &RateLimitedError{RetryAfter: wait}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Reason: detail}
	}

	switch code {
	case -1022, -2014, -2015: // bad signature, bad key format, rejected key
		return &AuthError{Reason: detail}
	case -2018, -2019, -2010: // balance/margin insufficient, order would reject
		return &InsufficientFundsError{Reason: detail}
	case -1013, -1111, -1121, -2011, -4164: // filter failure, precision, bad symbol, unknown order, notional
		return &InvalidOrderError{Reason: detail}
	}

	if status >= 500 {
		return &TransientError{Cause: fmt.Errorf("%s", detail)}
	}
	return &InvalidOrderError{Reason: detail}
}

func (b *Binance) toOrder(symbol string, raw binanceOrder) *types.Order {
	order := &types.Order{
		ID:            strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID: raw.ClientOrderID,
		Symbol:        symbol,
		Side:          types.Side(strings.ToLower(raw.Side)),
		Kind:          types.OrderKind(strings.ToLower(raw.Type)),
		Price:         raw.Price,
		Amount:        raw.OrigQty,
		Filled:        raw.ExecutedQty,
		AvgPrice:      raw.AvgPrice,
		Status:        mapOrderStatus(raw.Status),
		Timestamp:     raw.UpdateTime,
	}
	if order.Timestamp == 0 {
		order.Timestamp = types.TimeToMS(time.Now())
	}
	return order
}

func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return types.OrderOpen
	case "FILLED":
		return types.OrderClosed
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderCanceled
	case "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderOpen
	}
}

// ———————————————————————— dedup cache ————————————————————————

func (b *Binance) dedupLookup(clientOrderID string) (*types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.dedup[clientOrderID]
	if !ok {
		return nil, false
	}
	if time.Since(e.at) > b.dedupIn {
		delete(b.dedup, clientOrderID)
		return nil, false
	}
	return e.order, true
}

func (b *Binance) dedupStore(clientOrderID string, order *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a background timer.
	for id, e := range b.dedup {
		if time.Since(e.at) > b.dedupIn {
			delete(b.dedup, id)
		}
	}
	b.dedup[clientOrderID] = dedupEntry{order: order, at: time.Now()}
}
