package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBinance(t *testing.T, handler http.Handler) (*Binance, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	keys := &Keys{Key: "test-key", Secret: "test-secret"}
	b := NewBinance(srv.URL, "ws://unused", keys, 5*time.Second, time.Minute, testLogger())
	return b, srv
}

func TestAPISymbol(t *testing.T) {
	t.Parallel()
	if got := apiSymbol("BTC/USDT"); got != "BTCUSDT" {
		t.Errorf("apiSymbol = %q, want BTCUSDT", got)
	}
	if got := streamSymbol("ETH/USDT"); got != "ethusdt" {
		t.Errorf("streamSymbol = %q, want ethusdt", got)
	}
}

func TestDepthLimit(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want int }{
		{1, 5},
		{5, 5},
		{6, 10},
		{20, 20},
		{25, 50},
		{9999, 1000},
	}
	for _, tc := range cases {
		if got := depthLimit(tc.in); got != tc.want {
			t.Errorf("depthLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFetchTicker(t *testing.T) {
	t.Parallel()
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/ticker/24hr" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %q, want BTCUSDT", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"openPrice":   "63000.00",
			"highPrice":   "65000.00",
			"lowPrice":    "62500.00",
			"lastPrice":   "64000.10",
			"volume":      "1234.5",
			"quoteVolume": "79000000.0",
			"closeTime":   1719900000000,
		})
	}))

	ticker, err := b.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if ticker.Symbol != "BTC/USDT" {
		t.Errorf("symbol = %q, want canonical form", ticker.Symbol)
	}
	if !ticker.Last.Equal(decimal.RequireFromString("64000.10")) {
		t.Errorf("last = %s, want 64000.10", ticker.Last)
	}
	if ticker.Timestamp != 1719900000000 {
		t.Errorf("timestamp = %d, want close time", ticker.Timestamp)
	}
	if err := ticker.Validate(); err != nil {
		t.Errorf("fetched ticker should validate: %v", err)
	}
}

func TestFetchOrderBook(t *testing.T) {
	t.Parallel()
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit param = %q, want 20", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"lastUpdateId": 42,
			"E":            1719900000000,
			"bids":         [][]string{{"64000.00", "1.5"}, {"63999.50", "2.0"}},
			"asks":         [][]string{{"64000.50", "0.7"}},
		})
	}))

	book, err := b.FetchOrderBook(context.Background(), "BTC/USDT", 20)
	if err != nil {
		t.Fatalf("FetchOrderBook: %v", err)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("levels = %d/%d, want 2/1", len(book.Bids), len(book.Asks))
	}
	best, _ := book.BestBid()
	if !best.Price.Equal(decimal.RequireFromString("64000.00")) {
		t.Errorf("best bid = %s, want 64000.00", best.Price)
	}
	if book.Sequence != 42 {
		t.Errorf("sequence = %d, want lastUpdateId", book.Sequence)
	}
	if err := book.Validate(); err != nil {
		t.Errorf("fetched book should validate: %v", err)
	}
}

func TestFetchBalance(t *testing.T) {
	t.Parallel()
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Error("missing API key header on signed request")
		}
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Error("signed request missing signature or timestamp")
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"asset": "USDT", "balance": "1000.0", "availableBalance": "900.0"},
		})
	}))

	bal, err := b.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	usdt := bal.Assets["USDT"]
	if !usdt.Free.Equal(decimal.RequireFromString("900.0")) {
		t.Errorf("free = %s, want 900.0", usdt.Free)
	}
	if !usdt.Used.Equal(decimal.RequireFromString("100.0")) {
		t.Errorf("used = %s, want balance minus available", usdt.Used)
	}
}

func TestCreateOrder(t *testing.T) {
	t.Parallel()
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("type") != "MARKET" || q.Get("side") != "BUY" {
			t.Errorf("order params = type %q side %q", q.Get("type"), q.Get("side"))
		}
		if q.Get("newClientOrderId") != "cid-1" {
			t.Errorf("newClientOrderId = %q, want cid-1", q.Get("newClientOrderId"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"orderId":       987,
			"clientOrderId": "cid-1",
			"symbol":        "BTCUSDT",
			"side":          "BUY",
			"type":          "MARKET",
			"status":        "FILLED",
			"price":         "0",
			"origQty":       "0.010",
			"executedQty":   "0.010",
			"avgPrice":      "64000.5",
			"cumQuote":      "640.005",
			"updateTime":    1719900000000,
		})
	}))

	order, err := b.CreateOrder(context.Background(), types.OrderRequest{
		Symbol:        "BTC/USDT",
		Side:          types.SideBuy,
		Kind:          types.OrderMarket,
		Amount:        decimal.RequireFromString("0.01"),
		ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.ID != "987" || order.Status != types.OrderClosed {
		t.Errorf("order = id %q status %q, want 987/closed", order.ID, order.Status)
	}
	if !order.AvgPrice.Equal(decimal.RequireFromString("64000.5")) {
		t.Errorf("avg price = %s, want 64000.5", order.AvgPrice)
	}
	if order.Symbol != "BTC/USDT" {
		t.Errorf("symbol = %q, want canonical form", order.Symbol)
	}
}

func TestCreateOrderDedup(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"orderId": 1, "clientOrderId": "dup-1", "symbol": "BTCUSDT",
			"side": "BUY", "type": "MARKET", "status": "FILLED",
			"origQty": "1", "executedQty": "1", "avgPrice": "10", "updateTime": 1,
		})
	}))

	req := types.OrderRequest{
		Symbol: "BTC/USDT", Side: types.SideBuy, Kind: types.OrderMarket,
		Amount: decimal.NewFromInt(1), ClientOrderID: "dup-1",
	}
	first, err := b.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (second call deduplicated)", hits.Load())
	}
	if first != second {
		t.Error("dedup should return the recorded first result")
	}
}

func TestCreateOrderRequiresKeys(t *testing.T) {
	t.Parallel()
	b := NewBinance("http://unused", "ws://unused", nil, time.Second, time.Minute, testLogger())
	_, err := b.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT", Side: types.SideBuy, Kind: types.OrderMarket,
		Amount: decimal.NewFromInt(1),
	})
	if !IsAuth(err) {
		t.Errorf("keyless create should be AuthError, got %v", err)
	}
}

func TestMapBinanceError(t *testing.T) {
	t.Parallel()

	err := mapBinanceError(429, 0, "too many", "12", "op")
	if wait, ok := RetryAfter(err); !ok || wait != 12*time.Second {
		t.Errorf("429 -> %v, want rate limited 12s", err)
	}

	err = mapBinanceError(418, 0, "banned", "", "op")
	if wait, ok := RetryAfter(err); !ok || wait != 30*time.Second {
		t.Errorf("418 without header -> %v, want default 30s backoff", err)
	}

	if err := mapBinanceError(400, -2010, "insufficient balance", "", "op"); !IsInsufficientFunds(err) {
		t.Errorf("-2010 -> %v, want insufficient funds", err)
	}
	if err := mapBinanceError(400, -1013, "filter failure", "", "op"); !IsInvalidOrder(err) {
		t.Errorf("-1013 -> %v, want invalid order", err)
	}
	if err := mapBinanceError(400, -2011, "unknown order", "", "op"); !IsInvalidOrder(err) {
		t.Errorf("-2011 -> %v, want invalid order", err)
	}
	if err := mapBinanceError(401, -2014, "bad key", "", "op"); !IsAuth(err) {
		t.Errorf("401 -> %v, want auth", err)
	}
	if err := mapBinanceError(400, -1022, "bad signature", "", "op"); !IsAuth(err) {
		t.Errorf("-1022 -> %v, want auth", err)
	}
	if err := mapBinanceError(503, 0, "maintenance", "", "op"); !IsTransient(err) {
		t.Errorf("503 -> %v, want transient", err)
	}
	if err := mapBinanceError(400, -9999, "novel failure", "", "op"); !IsInvalidOrder(err) {
		t.Errorf("unknown 4xx -> %v, want invalid order fallback", err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want types.OrderStatus
	}{
		{"NEW", types.OrderOpen},
		{"PARTIALLY_FILLED", types.OrderOpen},
		{"FILLED", types.OrderClosed},
		{"CANCELED", types.OrderCanceled},
		{"EXPIRED", types.OrderCanceled},
		{"REJECTED", types.OrderRejected},
	}
	for _, tc := range cases {
		if got := mapOrderStatus(tc.in); got != tc.want {
			t.Errorf("mapOrderStatus(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestSignPayload(t *testing.T) {
	t.Parallel()

	sig := signPayload("secret", "symbol=BTCUSDT&timestamp=1")
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}
	if sig != signPayload("secret", "symbol=BTCUSDT&timestamp=1") {
		t.Error("signature should be deterministic")
	}
	if sig == signPayload("other", "symbol=BTCUSDT&timestamp=1") {
		t.Error("signature should depend on the secret")
	}
}

func TestTransientOnServerError(t *testing.T) {
	t.Parallel()
	b, _ := testBinance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1000,"msg":"internal"}`, http.StatusInternalServerError)
	}))

	_, err := b.FetchTicker(context.Background(), "BTC/USDT")
	if !IsTransient(err) {
		t.Errorf("5xx should map to transient, got %v", err)
	}
}
