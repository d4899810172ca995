package footprint

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"tickflow/internal/config"
	"tickflow/internal/metrics"
	"tickflow/internal/tsdb"
	"tickflow/pkg/types"
)

// barStart is divisible by the 1m test interval, so it is a bar boundary.
const barStart = int64(1_700_000_040_000)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeStore struct {
	mu       sync.Mutex
	failures int
	ids      []int64
	candles  []*types.FootprintCandle
}

func (s *fakeStore) UpsertFootprint(_ context.Context, id int64, c *types.FootprintCandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("db down")
	}
	s.ids = append(s.ids, id)
	s.candles = append(s.candles, c)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

type fakeResolver struct {
	refs map[string]*types.SymbolRef
	err  error
}

func (r *fakeResolver) Resolve(_ context.Context, exch, symbol string) (*types.SymbolRef, error) {
	if r.err != nil {
		return nil, r.err
	}
	if ref, ok := r.refs[exch+"/"+symbol]; ok {
		return ref, nil
	}
	return nil, tsdb.ErrUnknownSymbol
}

type fakeBooks struct {
	book *types.OrderBookSnapshot
}

func (f *fakeBooks) OrderBook(context.Context, string, string) (*types.OrderBookSnapshot, bool, error) {
	if f.book == nil {
		return nil, false, nil
	}
	return f.book, true, nil
}

type published struct {
	topic   string
	key     string
	payload any
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *capturePublisher) Publish(_ context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, key: key, payload: payload})
	return nil
}

func newTestAggregator(t *testing.T, store *fakeStore, pub *capturePublisher, books *fakeBooks) *Aggregator {
	t.Helper()
	if books == nil {
		books = &fakeBooks{}
	}
	resolver := &fakeResolver{refs: map[string]*types.SymbolRef{
		"binance/BTC/USDT":  {ID: 42, Exchange: "binance", Symbol: "BTC/USDT", TickSize: d("0.5")},
		"binance/LATE/USDT": {ID: 43, Exchange: "binance", Symbol: "LATE/USDT", TickSize: d("0.5")},
	}}
	cfg := config.FootprintConfig{Interval: time.Minute, Grace: time.Second, DefaultTick: "0.5"}
	a, err := New(cfg, store, resolver, books, pub, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func mkTrade(id string, offsetMs int64, price, qty string, side types.Side) tradeMsg {
	return tradeMsg{
		trade: types.TradeEvent{
			Exchange: "binance", Symbol: "BTC/USDT", TradeID: id,
			Price: d(price), Qty: d(qty), Side: side,
			Timestamp: barStart + offsetMs,
		},
		ref: &types.SymbolRef{ID: 42, Exchange: "binance", Symbol: "BTC/USDT", TickSize: d("0.5")},
	}
}

func duringBar(offsetMs int64) time.Time { return time.UnixMilli(barStart + offsetMs) }

func afterBar() time.Time { return time.UnixMilli(barStart + 61_000) } // end + grace

func TestAggregateFootprintCandle(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	pub := &capturePublisher{}
	a := newTestAggregator(t, store, pub, nil)
	ctx := context.Background()

	a.ingest(ctx, mkTrade("t1", 10, "100.3", "1", types.SideBuy), duringBar(15))
	a.ingest(ctx, mkTrade("t2", 20, "100.7", "2", types.SideSell), duringBar(25))
	a.ingest(ctx, mkTrade("t3", 30, "100.3", "1", types.SideBuy), duringBar(35))
	a.sweep(ctx, afterBar())

	if store.count() != 1 {
		t.Fatalf("candles stored = %d, want 1", store.count())
	}
	if store.ids[0] != 42 {
		t.Errorf("symbol id = %d, want 42", store.ids[0])
	}

	c := store.candles[0]
	if c.StartTime != barStart || c.EndTime != barStart+59_999 || c.Interval != "1m" {
		t.Errorf("bar bounds = [%d, %d] %q", c.StartTime, c.EndTime, c.Interval)
	}
	if !c.Open.Equal(d("100.3")) || !c.High.Equal(d("100.7")) || !c.Low.Equal(d("100.3")) || !c.Close.Equal(d("100.3")) {
		t.Errorf("OHLC = %s %s %s %s", c.Open, c.High, c.Low, c.Close)
	}
	if !c.TotalVolume.Equal(d("4")) || c.TradeCount != 3 {
		t.Errorf("volume = %s over %d trades", c.TotalVolume, c.TradeCount)
	}

	if len(c.Buckets) != 2 {
		t.Fatalf("buckets = %v", c.Buckets)
	}
	low := c.Buckets["100"]
	if !low.AskVolume.Equal(d("2")) || !low.BidVolume.IsZero() || !low.Delta.Equal(d("2")) {
		t.Errorf("bucket 100 = %+v", low)
	}
	high := c.Buckets["100.5"]
	if !high.BidVolume.Equal(d("2")) || !high.AskVolume.IsZero() || !high.Delta.Equal(d("-2")) {
		t.Errorf("bucket 100.5 = %+v", high)
	}

	if !c.TotalDelta.IsZero() {
		t.Errorf("total delta = %s, want 0", c.TotalDelta)
	}
	if !c.POC.Equal(d("100")) {
		t.Errorf("POC = %s, want 100 (tie resolves to the lower bucket)", c.POC)
	}
	if !c.ValueAreaLow.Equal(d("100")) || !c.ValueAreaHigh.Equal(d("100.5")) {
		t.Errorf("value area = [%s, %s]", c.ValueAreaLow, c.ValueAreaHigh)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.msgs))
	}
	if pub.msgs[0].topic != "footprints.processed.binance.BTC-USDT.1m" || pub.msgs[0].key != "BTC/USDT" {
		t.Errorf("published to %q key %q", pub.msgs[0].topic, pub.msgs[0].key)
	}

	if len(a.buffers) != 0 {
		t.Error("finalized buffer not removed")
	}
}

func TestBucketBoundaries(t *testing.T) {
	t.Parallel()
	tick := d("0.5")
	cases := []struct{ price, want string }{
		{"100.5", "100.5"}, // exactly on a boundary stays in that bucket
		{"100.49", "100"},
		{"100.99", "100.5"},
		{"99.999", "99.5"},
		{"0.7", "0.5"},
	}
	for _, tc := range cases {
		if got := bucketPrice(d(tc.price), tick); !got.Equal(d(tc.want)) {
			t.Errorf("bucketPrice(%s) = %s, want %s", tc.price, got, tc.want)
		}
	}
}

func TestBarEndBoundary(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, &fakeStore{}, &capturePublisher{}, nil)
	ctx := context.Background()

	// The last millisecond belongs to the bar; the next millisecond opens
	// the following bar.
	a.ingest(ctx, mkTrade("t1", 59_999, "100.3", "1", types.SideBuy), duringBar(59_999))
	a.ingest(ctx, mkTrade("t2", 60_000, "100.3", "1", types.SideBuy), duringBar(60_000))

	if len(a.buffers) != 2 {
		t.Fatalf("buffers = %d, want 2", len(a.buffers))
	}
	first := a.buffers[bufferKey{exchange: "binance", symbol: "BTC/USDT", start: barStart}]
	second := a.buffers[bufferKey{exchange: "binance", symbol: "BTC/USDT", start: barStart + 60_000}]
	if first == nil || second == nil {
		t.Fatalf("unexpected buffer keys: %v", a.buffers)
	}
	if first.tradeCount != 1 || second.tradeCount != 1 {
		t.Errorf("trade counts = %d, %d", first.tradeCount, second.tradeCount)
	}
}

func TestLateTradeCountedAndDiscarded(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	pub := &capturePublisher{}
	a := newTestAggregator(t, store, pub, nil)
	ctx := context.Background()

	late := mkTrade("t1", 100, "100.3", "1", types.SideBuy)
	late.trade.Symbol = "LATE/USDT"
	late.ref = &types.SymbolRef{ID: 43, Exchange: "binance", Symbol: "LATE/USDT", TickSize: d("0.5")}

	before := testutil.ToFloat64(metrics.LateTrades.WithLabelValues("LATE/USDT"))
	a.ingest(ctx, late, afterBar()) // bar end + grace already past
	after := testutil.ToFloat64(metrics.LateTrades.WithLabelValues("LATE/USDT"))

	if after-before != 1 {
		t.Errorf("late_trades_total moved by %v, want 1", after-before)
	}
	if len(a.buffers) != 0 {
		t.Error("late trade opened a buffer")
	}
	a.sweep(ctx, afterBar())
	if store.count() != 0 || len(pub.msgs) != 0 {
		t.Error("late trade produced a candle")
	}
}

func TestLateTradeLeavesPriorCandleUnchanged(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	a := newTestAggregator(t, store, &capturePublisher{}, nil)
	ctx := context.Background()

	a.ingest(ctx, mkTrade("t1", 10, "100.3", "1", types.SideBuy), duringBar(15))
	a.sweep(ctx, afterBar())
	if store.count() != 1 {
		t.Fatalf("candles = %d, want 1", store.count())
	}

	// A straggler for the already-finalized bar must not reopen it.
	a.ingest(ctx, mkTrade("t2", 20, "999", "9", types.SideBuy), afterBar())
	a.sweep(ctx, afterBar().Add(time.Minute))

	if store.count() != 1 {
		t.Errorf("candles = %d after late trade, want 1", store.count())
	}
	if !store.candles[0].TotalVolume.Equal(d("1")) {
		t.Errorf("prior candle mutated: volume = %s", store.candles[0].TotalVolume)
	}
}

func TestOutOfOrderTradesKeepTimeOrderedOHLC(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	a := newTestAggregator(t, store, &capturePublisher{}, nil)
	ctx := context.Background()

	// Arrival order differs from event time order inside the open bar.
	a.ingest(ctx, mkTrade("t2", 30, "101", "1", types.SideBuy), duringBar(35))
	a.ingest(ctx, mkTrade("t1", 10, "100", "1", types.SideBuy), duringBar(36))
	a.sweep(ctx, afterBar())

	c := store.candles[0]
	if !c.Open.Equal(d("100")) || !c.Close.Equal(d("101")) {
		t.Errorf("open/close = %s/%s, want 100/101", c.Open, c.Close)
	}
}

func TestAggressorInferredFromCachedBook(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	books := &fakeBooks{book: &types.OrderBookSnapshot{
		Exchange: "binance", Symbol: "BTC/USDT",
		Bids:      []types.PriceLevel{{Price: d("100"), Qty: d("5")}},
		Asks:      []types.PriceLevel{{Price: d("100.5"), Qty: d("5")}},
		Timestamp: barStart,
	}}
	a := newTestAggregator(t, store, &capturePublisher{}, books)
	ctx := context.Background()

	lift := mkTrade("t1", 10, "100.5", "1", types.SideUnknown) // at ask: aggressive buy
	hit := mkTrade("t2", 20, "100", "2", types.SideUnknown)    // at bid: aggressive sell
	mid := mkTrade("t3", 30, "100.2", "4", types.SideUnknown)  // inside spread: unattributed
	a.ingest(ctx, lift, duringBar(15))
	a.ingest(ctx, hit, duringBar(25))
	a.ingest(ctx, mid, duringBar(35))
	a.sweep(ctx, afterBar())

	c := store.candles[0]
	if !c.TotalVolume.Equal(d("7")) {
		t.Errorf("total volume = %s, want 7 (unattributed still counts)", c.TotalVolume)
	}
	if got := c.Buckets["100.5"]; !got.AskVolume.Equal(d("1")) {
		t.Errorf("ask volume at 100.5 = %s, want 1", got.AskVolume)
	}
	if got := c.Buckets["100"]; !got.BidVolume.Equal(d("2")) {
		t.Errorf("bid volume at 100 = %s, want 2", got.BidVolume)
	}
	// The mid trade reaches no bucket: attributed bucket volume is 3 of 7.
	var attributed decimal.Decimal
	for _, b := range c.Buckets {
		attributed = attributed.Add(b.BidVolume).Add(b.AskVolume)
	}
	if !attributed.Equal(d("3")) {
		t.Errorf("attributed volume = %s, want 3", attributed)
	}
}

func TestValueAreaSmallestCover(t *testing.T) {
	t.Parallel()
	b := &buffer{
		key:     bufferKey{exchange: "binance", symbol: "BTC/USDT", start: barStart},
		tick:    d("0.5"),
		end:     barStart + 60_000,
		buckets: make(map[string]*bucketAgg),
	}
	// Ladder volumes: 100.0→10, 100.5→30 (POC), 101.0→20, 101.5→5.
	for _, tr := range []struct{ price, qty string }{
		{"100.1", "10"}, {"100.6", "30"}, {"101.2", "20"}, {"101.8", "5"},
	} {
		b.apply(&types.TradeEvent{
			Exchange: "binance", Symbol: "BTC/USDT", TradeID: tr.price,
			Price: d(tr.price), Qty: d(tr.qty), Side: types.SideBuy,
			Timestamp: barStart + 10,
		}, types.SideBuy)
	}

	c := b.candle(time.Minute)
	// Target is 70% of 65 = 45.5: POC(30) + upper neighbor(20) = 50 covers
	// it, so 100.0 must stay outside the area.
	if !c.POC.Equal(d("100.5")) {
		t.Errorf("POC = %s, want 100.5", c.POC)
	}
	if !c.ValueAreaLow.Equal(d("100.5")) || !c.ValueAreaHigh.Equal(d("101")) {
		t.Errorf("value area = [%s, %s], want [100.5, 101]", c.ValueAreaLow, c.ValueAreaHigh)
	}
}

func TestValueAreaTiePrefersLower(t *testing.T) {
	t.Parallel()
	b := &buffer{
		key:     bufferKey{exchange: "binance", symbol: "BTC/USDT", start: barStart},
		tick:    d("0.5"),
		end:     barStart + 60_000,
		buckets: make(map[string]*bucketAgg),
	}
	for _, tr := range []struct{ price, qty string }{
		{"100.0", "20"}, {"100.5", "30"}, {"101.0", "20"},
	} {
		b.apply(&types.TradeEvent{
			Exchange: "binance", Symbol: "BTC/USDT", TradeID: tr.price,
			Price: d(tr.price), Qty: d(tr.qty), Side: types.SideBuy,
			Timestamp: barStart + 10,
		}, types.SideBuy)
	}

	c := b.candle(time.Minute)
	if !c.ValueAreaLow.Equal(d("100")) || !c.ValueAreaHigh.Equal(d("100.5")) {
		t.Errorf("value area = [%s, %s], want [100, 100.5] (tie expands down)", c.ValueAreaLow, c.ValueAreaHigh)
	}
}

func TestDiagonalImbalanceFlags(t *testing.T) {
	t.Parallel()
	b := &buffer{
		key:     bufferKey{exchange: "binance", symbol: "BTC/USDT", start: barStart},
		tick:    d("0.5"),
		end:     barStart + 60_000,
		buckets: make(map[string]*bucketAgg),
	}
	add := func(price, qty string, side types.Side) {
		b.apply(&types.TradeEvent{
			Exchange: "binance", Symbol: "BTC/USDT", TradeID: price + string(side),
			Price: d(price), Qty: d(qty), Side: side,
			Timestamp: barStart + 10,
		}, side)
	}
	// 100.0: bid 10 / ask 1; 100.5: bid 2 / ask 30.
	add("100.0", "10", types.SideSell)
	add("100.0", "1", types.SideBuy)
	add("100.5", "2", types.SideSell)
	add("100.5", "30", types.SideBuy)

	c := b.candle(time.Minute)
	upper := c.Buckets["100.5"]
	if !upper.AskImbalance {
		t.Error("ask 30 vs diagonal bid 10: ask imbalance expected")
	}
	if !upper.BidImbalance {
		t.Error("bid 2 vs empty diagonal above: bid imbalance expected")
	}
	lower := c.Buckets["100"]
	if lower.BidImbalance {
		t.Error("bid 10 vs diagonal ask 30: no bid imbalance expected")
	}
	if !lower.AskImbalance {
		t.Error("ask 1 vs empty diagonal below: ask imbalance expected")
	}
}

func TestSweepKeepsBufferOnStoreFailure(t *testing.T) {
	t.Parallel()
	store := &fakeStore{failures: 1}
	pub := &capturePublisher{}
	a := newTestAggregator(t, store, pub, nil)
	ctx := context.Background()

	a.ingest(ctx, mkTrade("t1", 10, "100.3", "1", types.SideBuy), duringBar(15))
	second := mkTrade("t2", 60_010, "100.4", "1", types.SideBuy)
	a.ingest(ctx, second, duringBar(60_015))

	// First sweep: bar 1 fails, bar 2 must wait so emission stays ordered.
	a.sweep(ctx, time.UnixMilli(barStart+121_500))
	if store.count() != 0 || len(pub.msgs) != 0 {
		t.Fatalf("emitted despite store failure: %d stored, %d published", store.count(), len(pub.msgs))
	}
	if len(a.buffers) != 2 {
		t.Fatalf("buffers retained = %d, want 2", len(a.buffers))
	}

	// Store healed: both bars drain oldest first.
	a.sweep(ctx, time.UnixMilli(barStart+121_500))
	if store.count() != 2 {
		t.Fatalf("candles = %d, want 2", store.count())
	}
	if store.candles[0].StartTime != barStart || store.candles[1].StartTime != barStart+60_000 {
		t.Errorf("emission order = %d, %d", store.candles[0].StartTime, store.candles[1].StartTime)
	}
	if len(a.buffers) != 0 {
		t.Error("buffers not cleared after successful sweep")
	}
}

func TestHandleTradeEnqueuesResolved(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, &fakeStore{}, &capturePublisher{}, nil)

	raw := []byte(`{"exchange":"binance","symbol":"BTC/USDT","tradeId":"t1","price":"100.3","qty":"1","side":"buy","timestamp":1700000040010}`)
	msg := &sarama.ConsumerMessage{Topic: "marketdata.binance.BTC-USDT.trades", Value: raw}
	if err := a.HandleTrade(context.Background(), msg); err != nil {
		t.Fatalf("HandleTrade: %v", err)
	}

	select {
	case m := <-a.trades:
		if m.ref.ID != 42 || m.trade.TradeID != "t1" {
			t.Errorf("enqueued = ref %d trade %s", m.ref.ID, m.trade.TradeID)
		}
	default:
		t.Fatal("trade not enqueued")
	}
}

func TestHandleTradeRejections(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, &fakeStore{}, &capturePublisher{}, nil)
	ctx := context.Background()

	malformed := &sarama.ConsumerMessage{Topic: "x", Value: []byte("{nope")}
	if err := a.HandleTrade(ctx, malformed); err != nil {
		t.Errorf("malformed must be acked, got %v", err)
	}

	unknown := &sarama.ConsumerMessage{Topic: "x", Value: []byte(
		`{"exchange":"binance","symbol":"NOPE/USDT","tradeId":"t1","price":"1","qty":"1","side":"buy","timestamp":1700000040010}`)}
	if err := a.HandleTrade(ctx, unknown); err != nil {
		t.Errorf("unknown symbol must be acked, got %v", err)
	}

	if len(a.trades) != 0 {
		t.Error("rejected trades were enqueued")
	}

	down := newTestAggregator(t, &fakeStore{}, &capturePublisher{}, nil)
	down.resolver = &fakeResolver{err: errors.New("db down")}
	valid := &sarama.ConsumerMessage{Topic: "x", Value: []byte(
		`{"exchange":"binance","symbol":"BTC/USDT","tradeId":"t1","price":"1","qty":"1","side":"buy","timestamp":1700000040010}`)}
	if err := down.HandleTrade(ctx, valid); err == nil {
		t.Error("resolver outage must leave the offset unmarked")
	}
}
