// Package exchange builds venue adapters and hands them out to the rest of
// the engine. Market-data adapters carry no credentials; trading adapters
// resolve keys through the keystore on every signed call.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange/binance"
	"funding_arb/internal/exchange/bingx"
	"funding_arb/internal/exchange/gate"
	"funding_arb/internal/exchange/okx"
)

// New creates an adapter for the given venue. credsFn may be nil, which
// yields a market-data-only adapter whose trading calls fail with
// ErrCredentialMissing.
func New(venue string, cfg config.VenueConfig, credsFn core.CredentialsFunc, logger core.ILogger) (core.IExchangeAdapter, error) {
	switch strings.ToLower(venue) {
	case core.VenueOKX:
		return okx.New(cfg, credsFn, logger), nil
	case core.VenueGate:
		return gate.New(cfg, credsFn, logger), nil
	case core.VenueBingX:
		return bingx.New(cfg, credsFn, logger), nil
	case core.VenueBinance:
		return binance.New(cfg, credsFn, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", venue)
	}
}

// Registry hands out adapters for the configured venues.
//
// Market-data adapters are built fresh on every call: each one owns a single
// websocket connection, and the connection pool keeps several of them per
// venue. Trading adapters are cached per (user, venue); they never open
// websockets, and their credentials stay in the keystore until the moment a
// request is signed.
type Registry struct {
	cfg      *config.Config
	keystore core.IKeystore
	logger   core.ILogger

	mu      sync.Mutex
	trading map[string]core.IExchangeAdapter
}

// NewRegistry creates a Registry. keystore may be nil when the process runs
// detection-only; Trading then fails for every venue.
func NewRegistry(cfg *config.Config, keystore core.IKeystore, logger core.ILogger) *Registry {
	return &Registry{
		cfg:      cfg,
		keystore: keystore,
		logger:   logger,
		trading:  make(map[string]core.IExchangeAdapter),
	}
}

// MarketData builds a fresh unauthenticated adapter for one venue connection.
func (r *Registry) MarketData(venue string) (core.IExchangeAdapter, error) {
	vcfg, ok := r.cfg.Venues[venue]
	if !ok {
		return nil, fmt.Errorf("venue not configured: %s", venue)
	}
	return New(venue, vcfg, nil, r.logger)
}

// Dialer returns the connection factory the pool uses for one venue.
func (r *Registry) Dialer(venue string) func() (core.IExchangeAdapter, error) {
	return func() (core.IExchangeAdapter, error) {
		return r.MarketData(venue)
	}
}

// Trading returns the credentialed adapter for a user on a venue, building
// and caching it on first use.
func (r *Registry) Trading(userID, venue string) (core.IExchangeAdapter, error) {
	if r.keystore == nil {
		return nil, fmt.Errorf("no keystore configured, cannot trade on %s", venue)
	}
	vcfg, ok := r.cfg.Venues[venue]
	if !ok {
		return nil, fmt.Errorf("venue not configured: %s", venue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := userID + "/" + venue
	if adapter, ok := r.trading[key]; ok {
		return adapter, nil
	}

	credsFn := func(ctx context.Context) (*core.Credentials, error) {
		return r.keystore.Credentials(ctx, userID, venue)
	}
	adapter, err := New(venue, vcfg, credsFn, r.logger)
	if err != nil {
		return nil, err
	}
	r.trading[key] = adapter
	return adapter, nil
}

// Evict drops the cached trading adapter for (userID, venue). Called after a
// user rotates or deletes keys so the next Trading call rebinds them.
func (r *Registry) Evict(userID, venue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trading, userID+"/"+venue)
}
