package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchangeAdapter is the venue-neutral exchange contract. Symbols are always
// canonical BASEQUOTE form ("BTCUSDT"); adapters translate to the venue
// dialect internally. Methods that sign requests resolve credentials per call
// and zero them before returning.
type IExchangeAdapter interface {
	// Venue returns the canonical venue identifier.
	Venue() string

	// Connect establishes the adapter's streaming transport.
	Connect(ctx context.Context) error
	// Disconnect tears down streams and releases resources.
	Disconnect() error
	// IsConnected reports whether the streaming transport is up.
	IsConnected() bool

	// GetFundingRate fetches the current funding state for one symbol.
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	// GetFundingRates fetches funding state for many symbols; venues with a
	// bulk endpoint answer in one call. Unknown symbols are omitted.
	GetFundingRates(ctx context.Context, symbols []string) ([]*FundingRate, error)
	// GetFundingInterval returns the settlement interval in hours.
	GetFundingInterval(ctx context.Context, symbol string) (int, error)
	// GetPrice returns the latest mark price for a symbol.
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// GetMarkPrices fetches mark prices for many symbols.
	GetMarkPrices(ctx context.Context, symbols []string) ([]*MarkPrice, error)
	// GetSymbolInfo returns contract metadata for a symbol.
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	// GetUsdtPerpetualSymbols lists canonical symbols of all USDT perpetuals.
	GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error)
	// GetOpenInterest returns outstanding contract value for a symbol.
	GetOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)

	// GetBalance returns account balances. Requires credentials.
	GetBalance(ctx context.Context) ([]*Balance, error)
	// GetPositions returns open venue positions. Requires credentials.
	GetPositions(ctx context.Context) ([]*VenuePosition, error)
	// CreateOrder places an order and returns the venue's view of it.
	CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	// CancelOrder cancels by venue order id. Canceling an order the venue no
	// longer knows is not an error.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// GetOrder fetches one order by venue order id.
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	// GetFundingPayments lists funding fees settled since the given time.
	GetFundingPayments(ctx context.Context, symbol string, since time.Time) ([]*FundingPayment, error)

	// Subscribe adds symbols to the streaming subscription set. It blocks
	// until the venue acknowledges or the context expires.
	Subscribe(ctx context.Context, symbols []string) error
	// Unsubscribe removes symbols from the subscription set.
	Unsubscribe(ctx context.Context, symbols []string) error
	// SubscribedSymbols returns the current subscription set.
	SubscribedSymbols() []string
	// SubscriptionCount returns len(SubscribedSymbols()) without copying.
	SubscriptionCount() int
	// Events returns the adapter's event channel. The channel is closed by
	// Disconnect.
	Events() <-chan AdapterEvent
}

// IOrderStreamer is implemented by adapters that can push order updates over
// a user-data stream. Consumers that need order events fall back to REST
// polling when an adapter does not implement it.
type IOrderStreamer interface {
	// StreamOrderUpdates opens the user-data stream. Order updates arrive on
	// the adapter's event channel. Requires credentials.
	StreamOrderUpdates(ctx context.Context) error
	// StopOrderStream tears the user-data stream down. Safe to call when no
	// stream is open.
	StopOrderStream()
}

// ILogger provides structured logging abstraction
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// PositionRepository stores hedged positions.
type PositionRepository interface {
	Create(ctx context.Context, p *Position) error
	FindByID(ctx context.Context, id string) (*Position, error)
	FindByUserID(ctx context.Context, userID string) ([]*Position, error)
	FindOpenBySymbol(ctx context.Context, symbol string) ([]*Position, error)
	Update(ctx context.Context, p *Position) error
	// MarkClosed force-transitions a PARTIAL position to CLOSED after a human
	// resolved the stuck leg out of band.
	MarkClosed(ctx context.Context, id string, closedAt time.Time) error
}

// TradeRepository stores terminal trade records.
type TradeRepository interface {
	Create(ctx context.Context, t *Trade) error
	FindByUserID(ctx context.Context, userID string, limit int) ([]*Trade, error)
}

// APIKeyRepository stores encrypted venue credentials.
type APIKeyRepository interface {
	FindByUser(ctx context.Context, userID string, venues []string) ([]*APIKey, error)
	Upsert(ctx context.Context, k *APIKey) error
	Delete(ctx context.Context, userID, venue string) error
}

// OpportunityRepository stores arbitrage opportunities.
type OpportunityRepository interface {
	Create(ctx context.Context, o *ArbitrageOpportunity) error
	Update(ctx context.Context, o *ArbitrageOpportunity) error
	FindActiveBy(ctx context.Context, symbol, longVenue, shortVenue string) (*ArbitrageOpportunity, error)
	FindAllActive(ctx context.Context, limit int) ([]*ArbitrageOpportunity, error)
}

// OpportunityHistoryRepository stores opportunity terminal summaries.
type OpportunityHistoryRepository interface {
	Create(ctx context.Context, h *OpportunityHistory) error
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*OpportunityHistory, error)
}

// WebhookRepository stores notification webhooks.
type WebhookRepository interface {
	FindEnabledByUserID(ctx context.Context, userID string) ([]*NotificationWebhook, error)
	FindAllEnabled(ctx context.Context) ([]*NotificationWebhook, error)
}

// TradingSettingsRepository stores per-user engine settings.
type TradingSettingsRepository interface {
	FindByUserID(ctx context.Context, userID string) (*TradingSettings, error)
	Save(ctx context.Context, s *TradingSettings) error
}

// AuditLogRepository appends to the audit log.
type AuditLogRepository interface {
	Record(ctx context.Context, ev *AuditEvent) error
}

// Repository bundles every persistence facet behind one handle.
type Repository interface {
	Positions() PositionRepository
	Trades() TradeRepository
	APIKeys() APIKeyRepository
	Opportunities() OpportunityRepository
	OpportunityHistories() OpportunityHistoryRepository
	Webhooks() WebhookRepository
	TradingSettings() TradingSettingsRepository
	AuditLog() AuditLogRepository
}

// IKeystore resolves decrypted venue credentials. Every successful
// Credentials call is audit-logged. Callers own the returned value and must
// Zero it after use.
type IKeystore interface {
	Credentials(ctx context.Context, userID, venue string) (*Credentials, error)
	Store(ctx context.Context, userID, venue string, creds *Credentials) error
	Delete(ctx context.Context, userID, venue string) error
}

// CredentialsFunc adapts a keystore lookup for one fixed (user, venue) into
// the form adapters consume per signed request.
type CredentialsFunc func(ctx context.Context) (*Credentials, error)
