// binance_ws.go implements the Binance futures market streams.
//
// One combined-stream connection per adapter carries every subscription.
// Streams are added with SUBSCRIBE frames and demultiplexed by stream name
// from the combined envelope {"stream": "...", "data": {...}}. The session
// does not reconnect by itself: when the connection drops, every attached
// stream ends with a TransientError and the caller restarts its watch.
//
// A read deadline (refreshed on server pings, which arrive every ~3 minutes)
// ensures silent connection failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tickflow/pkg/types"
)

const (
	wsReadTimeout  = 7 * time.Minute  // ~2 missed server pings triggers teardown
	wsWriteTimeout = 10 * time.Second // deadline for outgoing frames
)

// wsRoute receives demultiplexed payloads for one stream name.
type wsRoute struct {
	push func(json.RawMessage)
	fail func(error)
}

// wsSession owns one combined-stream connection and its demux table.
type wsSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu     sync.Mutex
	routes map[string]*wsRoute
	nextID int64
	dead   bool
}

type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func dialSession(ctx context.Context, url string, logger *slog.Logger) (*wsSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &TransientError{Cause: fmt.Errorf("dial %s: %w", url, err)}
	}

	s := &wsSession{
		conn:   conn,
		logger: logger.With("component", "binance_ws"),
		routes: make(map[string]*wsRoute),
	}

	// Refresh the read deadline on server pings so quiet streams survive,
	// and answer with the mandatory pong.
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(wsWriteTimeout))
	})

	go s.readLoop()
	s.logger.Info("websocket connected", "url", url)
	return s, nil
}

// attach registers a demux route and sends the SUBSCRIBE frame.
func (s *wsSession) attach(stream string, route *wsRoute) error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return &TransientError{Cause: errors.New("session closed")}
	}
	s.routes[stream] = route
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	if err := s.writeJSON(wsCommand{Method: "SUBSCRIBE", Params: []string{stream}, ID: id}); err != nil {
		s.mu.Lock()
		delete(s.routes, stream)
		s.mu.Unlock()
		return &TransientError{Cause: fmt.Errorf("subscribe %s: %w", stream, err)}
	}
	return nil
}

// detach removes a route and best-effort unsubscribes.
func (s *wsSession) detach(stream string) {
	s.mu.Lock()
	if _, ok := s.routes[stream]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.routes, stream)
	dead := s.dead
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	if !dead {
		if err := s.writeJSON(wsCommand{Method: "UNSUBSCRIBE", Params: []string{stream}, ID: id}); err != nil {
			s.logger.Debug("unsubscribe failed", "stream", stream, "error", err)
		}
	}
}

// shutdown tears the connection down and ends all routes cleanly.
func (s *wsSession) shutdown() {
	s.failAll(nil)
	s.conn.Close()
}

func (s *wsSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) readLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			alreadyDead := s.dead
			s.mu.Unlock()
			if !alreadyDead {
				s.logger.Warn("websocket read failed", "error", err)
				s.failAll(&TransientError{Cause: fmt.Errorf("read: %w", err)})
			}
			s.conn.Close()
			return
		}
		s.dispatch(msg)
	}
}

// dispatch routes one combined-envelope message to its stream. Command
// acknowledgements ({"result":null,"id":N}) have no stream field and are
// dropped.
func (s *wsSession) dispatch(msg []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil || envelope.Stream == "" {
		s.logger.Debug("ignoring non-stream ws message", "data", string(msg))
		return
	}

	s.mu.Lock()
	route := s.routes[envelope.Stream]
	s.mu.Unlock()
	if route == nil {
		return
	}
	route.push(envelope.Data)
}

// failAll ends every route and marks the session unusable.
func (s *wsSession) failAll(err error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	routes := make([]*wsRoute, 0, len(s.routes))
	for _, r := range s.routes {
		routes = append(routes, r)
	}
	s.routes = map[string]*wsRoute{}
	s.mu.Unlock()

	for _, r := range routes {
		r.fail(err)
	}
}

// ———————————————————————— adapter Watch methods ————————————————————————

// session returns the live combined-stream session, dialing a fresh one if
// none exists or the previous one died.
func (b *Binance) session(ctx context.Context) (*wsSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws != nil {
		b.ws.mu.Lock()
		dead := b.ws.dead
		b.ws.mu.Unlock()
		if !dead {
			return b.ws, nil
		}
	}
	s, err := dialSession(ctx, b.wsURL, b.logger)
	if err != nil {
		return nil, err
	}
	b.ws = s
	return s, nil
}

// WatchTrades streams aggregated trades for one symbol.
func (b *Binance) WatchTrades(ctx context.Context, symbol string) (*Stream[types.TradeEvent], error) {
	name := streamSymbol(symbol) + "@aggTrade"
	return watch(ctx, b, name, func(raw json.RawMessage) (types.TradeEvent, error) {
		return tradeFromWS(b.Name(), symbol, raw)
	})
}

// WatchOrderBook streams 20-level book snapshots at 100ms cadence.
func (b *Binance) WatchOrderBook(ctx context.Context, symbol string) (*Stream[types.OrderBookSnapshot], error) {
	name := streamSymbol(symbol) + "@depth20@100ms"
	return watch(ctx, b, name, func(raw json.RawMessage) (types.OrderBookSnapshot, error) {
		return bookFromWS(b.Name(), symbol, raw)
	})
}

// WatchTicker streams 24h mini-ticker updates.
func (b *Binance) WatchTicker(ctx context.Context, symbol string) (*Stream[types.TickerSnapshot], error) {
	name := streamSymbol(symbol) + "@miniTicker"
	return watch(ctx, b, name, func(raw json.RawMessage) (types.TickerSnapshot, error) {
		return tickerFromWS(b.Name(), symbol, raw)
	})
}

// watch wires one stream name into the shared session with a typed parser.
func watch[T any](ctx context.Context, b *Binance, name string, parse func(json.RawMessage) (T, error)) (*Stream[T], error) {
	s, err := b.session(ctx)
	if err != nil {
		return nil, err
	}

	stream := NewStream[T](b.logger, name, func() { s.detach(name) })
	route := &wsRoute{
		push: func(raw json.RawMessage) {
			ev, err := parse(raw)
			if err != nil {
				b.logger.Warn("dropping unparseable event", "stream", name, "error", err)
				return
			}
			stream.Emit(ev)
		},
		fail: stream.Fail,
	}
	if err := s.attach(name, route); err != nil {
		return nil, err
	}
	return stream, nil
}

// ———————————————————————— event parsing ————————————————————————

type binanceWSTrade struct {
	EventTime    int64           `json:"E"`
	AggTradeID   int64           `json:"a"`
	Price        decimal.Decimal `json:"p"`
	Qty          decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	BuyerIsMaker bool            `json:"m"`
}

// tradeFromWS converts an aggTrade payload. The buyer-is-maker flag gives
// the aggressor: a maker buyer means the seller crossed the spread.
func tradeFromWS(exchange, symbol string, raw json.RawMessage) (types.TradeEvent, error) {
	var t binanceWSTrade
	if err := json.Unmarshal(raw, &t); err != nil {
		return types.TradeEvent{}, fmt.Errorf("agg trade: %w", err)
	}
	side := types.SideBuy
	if t.BuyerIsMaker {
		side = types.SideSell
	}
	isMaker := t.BuyerIsMaker
	return types.TradeEvent{
		Exchange:  exchange,
		Symbol:    symbol,
		TradeID:   fmt.Sprintf("%d", t.AggTradeID),
		Price:     t.Price,
		Qty:       t.Qty,
		Side:      side,
		IsMaker:   &isMaker,
		Timestamp: t.TradeTime,
	}, nil
}

type binanceWSDepth struct {
	EventTime int64              `json:"E"`
	TradeTime int64              `json:"T"`
	Bids      []types.PriceLevel `json:"b"`
	Asks      []types.PriceLevel `json:"a"`
	FinalID   int64              `json:"u"`
}

func bookFromWS(exchange, symbol string, raw json.RawMessage) (types.OrderBookSnapshot, error) {
	var d binanceWSDepth
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("depth: %w", err)
	}
	return types.OrderBookSnapshot{
		Exchange:  exchange,
		Symbol:    symbol,
		Bids:      d.Bids,
		Asks:      d.Asks,
		Sequence:  d.FinalID,
		Timestamp: d.EventTime,
	}, nil
}

type binanceWSMiniTicker struct {
	EventTime   int64           `json:"E"`
	Close       decimal.Decimal `json:"c"`
	Open        decimal.Decimal `json:"o"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	Volume      decimal.Decimal `json:"v"`
	QuoteVolume decimal.Decimal `json:"q"`
}

func tickerFromWS(exchange, symbol string, raw json.RawMessage) (types.TickerSnapshot, error) {
	var t binanceWSMiniTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return types.TickerSnapshot{}, fmt.Errorf("mini ticker: %w", err)
	}
	return types.TickerSnapshot{
		Exchange:    exchange,
		Symbol:      symbol,
		Open:        t.Open,
		High:        t.High,
		Low:         t.Low,
		Last:        t.Close,
		Volume:      t.Volume,
		QuoteVolume: t.QuoteVolume,
		Timestamp:   t.EventTime,
	}, nil
}
