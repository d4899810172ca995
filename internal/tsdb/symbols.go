package tsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickflow/pkg/types"
)

// ErrUnknownSymbol marks a (exchange, symbol) pair with no symbol_refs row.
// Consumers treat events for unknown symbols as malformed.
var ErrUnknownSymbol = errors.New("unknown symbol")

const symbolRefSQL = `
	SELECT id, exchange, symbol, base_asset, quote_asset, tick_size, active
	FROM symbol_refs WHERE exchange = $1 AND symbol = $2`

// SymbolRef loads one symbol registration, or ErrUnknownSymbol.
func (s *Store) SymbolRef(ctx context.Context, exchange, symbol string) (*types.SymbolRef, error) {
	var ref types.SymbolRef
	err := s.withRetry(ctx, "symbol ref", func() error {
		err := s.db.GetContext(ctx, &ref, symbolRefSQL, exchange, symbol)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", ErrUnknownSymbol, exchange, symbol)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

const ensureSymbolSQL = `
	INSERT INTO symbol_refs (exchange, symbol, base_asset, quote_asset, tick_size, active)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (exchange, symbol) DO UPDATE SET
		base_asset = EXCLUDED.base_asset,
		quote_asset = EXCLUDED.quote_asset,
		tick_size = EXCLUDED.tick_size,
		active = EXCLUDED.active
	RETURNING id`

// EnsureSymbol registers or refreshes a symbol and returns its id. Called
// at startup for every configured subscription.
func (s *Store) EnsureSymbol(ctx context.Context, ref *types.SymbolRef) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "ensure symbol", func() error {
		return s.db.QueryRowxContext(ctx, ensureSymbolSQL,
			ref.Exchange, ref.Symbol, ref.Base, ref.Quote, ref.TickSize, ref.Active,
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	ref.ID = id
	return id, nil
}

const (
	resolverTTL     = 10 * time.Minute
	resolverMaxSize = 4096
)

// SymbolLoader is the lookup the resolver caches. *Store satisfies it.
type SymbolLoader interface {
	SymbolRef(ctx context.Context, exchange, symbol string) (*types.SymbolRef, error)
}

// SymbolResolver memoizes symbol_refs lookups. Hot paths (every consumed
// bus message) hit the cache; entries expire after resolverTTL so tick-size
// changes and new registrations propagate without a restart.
type SymbolResolver struct {
	loader SymbolLoader
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]resolverEntry
}

type resolverEntry struct {
	ref     *types.SymbolRef
	expires time.Time
}

// NewSymbolResolver builds a resolver over the given loader.
func NewSymbolResolver(loader SymbolLoader, logger *slog.Logger) *SymbolResolver {
	return &SymbolResolver{
		loader:  loader,
		logger:  logger.With("component", "symbol_resolver"),
		entries: make(map[string]resolverEntry),
	}
}

// Resolve returns the registration for (exchange, symbol), from cache when
// fresh. Unknown symbols are not negatively cached: the next event retries
// the lookup, so a late registration heals without waiting out a TTL.
func (r *SymbolResolver) Resolve(ctx context.Context, exchange, symbol string) (*types.SymbolRef, error) {
	key := exchange + "\x00" + symbol

	r.mu.Lock()
	if e, ok := r.entries[key]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.ref, nil
	}
	r.mu.Unlock()

	ref, err := r.loader.SymbolRef(ctx, exchange, symbol)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.entries) >= resolverMaxSize {
		r.evictOldestLocked()
	}
	r.entries[key] = resolverEntry{ref: ref, expires: time.Now().Add(resolverTTL)}
	r.mu.Unlock()
	return ref, nil
}

// evictOldestLocked drops the entry closest to expiry. Entries share one
// TTL, so closest-to-expiry is also least recently loaded. Inserts happen
// one at a time, so a single eviction holds the cap.
func (r *SymbolResolver) evictOldestLocked() {
	var oldest string
	var oldestExp time.Time
	for k, e := range r.entries {
		if oldest == "" || e.expires.Before(oldestExp) {
			oldest, oldestExp = k, e.expires
		}
	}
	if oldest != "" {
		delete(r.entries, oldest)
	}
}

// Invalidate drops one cached entry, forcing the next Resolve to reload.
func (r *SymbolResolver) Invalidate(exchange, symbol string) {
	r.mu.Lock()
	delete(r.entries, exchange+"\x00"+symbol)
	r.mu.Unlock()
}
