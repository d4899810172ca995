package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickflow/internal/config"
)

// Registry hands out adapters. Public adapters (no credential) serve market
// data and are cached per venue for the process lifetime. Private adapters
// are cached per credential id with a TTL; on expiry the credential is
// re-decrypted and the adapter rebuilt, so key rotations in the database
// take effect without a restart.
//
// In dry-run mode every credentialed request is served by one shared paper
// adapter while public market data stays live.
type Registry struct {
	cfg    config.ExchangeConfig
	dryRun bool
	sealer *Sealer // nil when no master key is configured
	logger *slog.Logger

	mu      sync.Mutex
	public  map[string]Adapter
	private map[int64]*registryEntry
	paper   *Paper
}

type registryEntry struct {
	adapter Adapter
	expires time.Time
}

// NewRegistry builds the adapter registry. A missing master key is only an
// error outside dry-run, where credentialed adapters would be unusable.
func NewRegistry(cfg config.ExchangeConfig, dryRun bool, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		dryRun:  dryRun,
		logger:  logger.With("component", "exchange_registry"),
		public:  make(map[string]Adapter),
		private: make(map[int64]*registryEntry),
	}
	if cfg.MasterKey != "" {
		sealer, err := NewSealer(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("credential sealer: %w", err)
		}
		r.sealer = sealer
	} else if !dryRun {
		return nil, fmt.Errorf("master key required outside dry-run")
	}
	if dryRun {
		r.paper = NewPaper(logger)
		r.logger.Info("dry-run enabled, orders route to paper adapter")
	}
	return r, nil
}

// Paper exposes the shared dry-run venue, nil outside dry-run. Used to seed
// reference prices from live market data.
func (r *Registry) Paper() *Paper { return r.paper }

// Public returns the credential-less adapter for a venue, building it on
// first use.
func (r *Registry) Public(exchange string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.public[exchange]; ok {
		return a, nil
	}
	a, err := r.build(exchange, nil, false)
	if err != nil {
		return nil, err
	}
	r.public[exchange] = a
	return a, nil
}

// ForCredential returns the adapter for one stored credential, decrypting
// and rebuilding it when the cached entry has expired.
func (r *Registry) ForCredential(ctx context.Context, cred *Credential) (Adapter, error) {
	if r.dryRun {
		return r.paper, nil
	}
	if !cred.Active {
		return nil, &AuthError{Reason: fmt.Sprintf("credential %d is disabled", cred.ID)}
	}
	if r.sealer == nil {
		return nil, &AuthError{Reason: "no master key configured"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.private[cred.ID]; ok {
		if time.Now().Before(e.expires) {
			return e.adapter, nil
		}
		e.adapter.Close()
		delete(r.private, cred.ID)
	}

	keys, err := r.sealer.OpenKeys(cred)
	if err != nil {
		return nil, &AuthError{Reason: err.Error()}
	}
	a, err := r.build(cred.Exchange, &keys, cred.Testnet)
	if err != nil {
		return nil, err
	}
	r.private[cred.ID] = &registryEntry{
		adapter: a,
		expires: time.Now().Add(r.cfg.AdapterTTL),
	}
	r.logger.Info("adapter built",
		"exchange", cred.Exchange,
		"credential_id", cred.ID,
		"testnet", cred.Testnet,
	)
	return a, nil
}

func (r *Registry) build(exchange string, keys *Keys, testnet bool) (Adapter, error) {
	switch exchange {
	case "binance":
		baseURL, wsURL := r.cfg.Binance.BaseURL, r.cfg.Binance.WSURL
		if testnet {
			baseURL, wsURL = r.cfg.Binance.TestnetBaseURL, r.cfg.Binance.TestnetWSURL
		}
		return NewBinance(baseURL, wsURL, keys, r.cfg.RequestTimeout, r.cfg.AdapterTTL, r.logger), nil
	default:
		return nil, &FatalError{Cause: fmt.Errorf("unsupported exchange %q", exchange)}
	}
}

// Close tears down every cached adapter.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.public {
		a.Close()
	}
	for _, e := range r.private {
		e.adapter.Close()
	}
	r.public = map[string]Adapter{}
	r.private = map[int64]*registryEntry{}
}
