// Package exchange talks to trading venues. An Adapter wraps one venue for
// one credential (or none, for public market data) behind a uniform surface:
// REST fetches and order management, plus Watch* subscriptions that deliver
// typed events over a Stream until the underlying connection drops.
//
// All adapter errors use the typed kinds in errors.go so callers can decide
// between retry, backoff, and permanent stop without string matching.
package exchange

import (
	"context"
	"log/slog"
	"sync"

	"tickflow/pkg/types"
)

// Adapter is the uniform surface over one exchange venue. Symbols are always
// the canonical "BASE/QUOTE" form; adapters translate to venue notation
// internally.
type Adapter interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string

	// FetchMarkets lists tradable instruments with their filters.
	FetchMarkets(ctx context.Context) ([]types.Market, error)
	// FetchTicker returns the 24h rolling stats for one symbol.
	FetchTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error)
	// FetchOrderBook returns a depth snapshot with up to depth levels per side.
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error)
	// FetchBalance returns account balances. Requires a credential.
	FetchBalance(ctx context.Context) (*types.Balance, error)

	// CreateOrder places an order. Requires a credential. Repeated calls with
	// the same ClientOrderID inside the adapter's dedup window return the
	// original result instead of placing twice.
	CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	// FetchOrder looks up an order by client order id.
	FetchOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error)
	// CancelOrder cancels an open order by client order id.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error)

	// Watch* subscribe to live events for one symbol. The returned stream
	// ends with a TransientError when the connection drops; the caller owns
	// reconnection.
	WatchOrderBook(ctx context.Context, symbol string) (*Stream[types.OrderBookSnapshot], error)
	WatchTrades(ctx context.Context, symbol string) (*Stream[types.TradeEvent], error)
	WatchTicker(ctx context.Context, symbol string) (*Stream[types.TickerSnapshot], error)

	// Close releases connections. The adapter is unusable afterwards.
	Close() error
}

const streamBuffer = 256

// Stream delivers typed subscription events. Consumers range over Events()
// and call Err() after the channel closes to learn why it ended; Close stops
// delivery early and is safe to call more than once.
type Stream[T any] struct {
	events chan T
	logger *slog.Logger
	label  string

	mu      sync.Mutex
	err     error
	done    bool
	onClose func()
}

// NewStream builds a stream for a producer to drive with Emit and Fail.
// onClose runs exactly once when the stream ends, however it ends.
func NewStream[T any](logger *slog.Logger, label string, onClose func()) *Stream[T] {
	return &Stream[T]{
		events:  make(chan T, streamBuffer),
		logger:  logger,
		label:   label,
		onClose: onClose,
	}
}

// Events returns the delivery channel. It is closed when the stream ends.
func (s *Stream[T]) Events() <-chan T { return s.events }

// Err returns the terminal error, if any, once Events is closed. A nil
// error means the consumer closed the stream itself.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery and detaches the stream from its source.
func (s *Stream[T]) Close() { s.finish(nil) }

// Emit delivers one event without blocking the producer. When the consumer
// falls behind the event is dropped and logged rather than stalling the
// read loop.
func (s *Stream[T]) Emit(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	select {
	case s.events <- v:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.logger.Warn("stream consumer slow, dropping event", "stream", s.label)
	}
}

// Fail ends the stream with err. Producers call this on disconnect.
func (s *Stream[T]) Fail(err error) { s.finish(err) }

func (s *Stream[T]) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	close(s.events)
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}
