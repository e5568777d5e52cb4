// Package core defines the domain types and interfaces shared across the engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifiers (canonical, lowercase)
const (
	VenueOKX     = "okx"
	VenueGate    = "gate"
	VenueBingX   = "bingx"
	VenueBinance = "binance"
)

// SourceTag identifies the transport a data point arrived over.
type SourceTag string

const (
	SourceWebSocket SourceTag = "websocket"
	SourceRest      SourceTag = "rest"
)

// DefaultFundingIntervalHours is assumed when a venue does not report an interval.
const DefaultFundingIntervalHours = 8

// ValidFundingIntervals are the settlement intervals venues use, in hours.
var ValidFundingIntervals = []int{1, 4, 8, 24}

// IsValidFundingInterval reports whether h is a recognized settlement interval.
func IsValidFundingInterval(h int) bool {
	for _, v := range ValidFundingIntervals {
		if v == h {
			return true
		}
	}
	return false
}

// FundingRate is one observation of a venue's funding state for a symbol.
// Instances are immutable once constructed; newer observations supersede
// older ones by ReceivedAt.
type FundingRate struct {
	Venue           string
	Symbol          string
	Rate            decimal.Decimal
	MarkPrice       decimal.Decimal
	IndexPrice      decimal.Decimal
	NextFundingTime time.Time
	IntervalHours   int
	ReceivedAt      time.Time
	Source          SourceTag
}

// MarkPrice is a standalone mark-price observation.
type MarkPrice struct {
	Venue      string
	Symbol     string
	Price      decimal.Decimal
	ReceivedAt time.Time
}

// BestPair is the strongest long/short venue pairing within one snapshot.
// LongVenue carries the minimum funding rate, ShortVenue the maximum.
type BestPair struct {
	LongVenue        string
	ShortVenue       string
	SpreadPercent    decimal.Decimal
	SpreadAnnualized decimal.Decimal
	PriceDiffPercent decimal.Decimal
}

// RateSnapshot is the per-symbol view over every reporting venue.
// Best is nil until at least two venues report. Normalized maps a target
// basis in hours to per-venue rates converted to that basis.
type RateSnapshot struct {
	Symbol     string
	Venues     map[string]*FundingRate
	Best       *BestPair
	Normalized map[int]map[string]decimal.Decimal
	UpdatedAt  time.Time
}

// Clone returns a deep copy safe to hand to subscribers.
func (s *RateSnapshot) Clone() *RateSnapshot {
	if s == nil {
		return nil
	}
	cp := &RateSnapshot{
		Symbol:    s.Symbol,
		Venues:    make(map[string]*FundingRate, len(s.Venues)),
		UpdatedAt: s.UpdatedAt,
	}
	for v, fr := range s.Venues {
		frCopy := *fr
		cp.Venues[v] = &frCopy
	}
	if s.Best != nil {
		best := *s.Best
		cp.Best = &best
	}
	if s.Normalized != nil {
		cp.Normalized = make(map[int]map[string]decimal.Decimal, len(s.Normalized))
		for basis, rates := range s.Normalized {
			inner := make(map[string]decimal.Decimal, len(rates))
			for v, r := range rates {
				inner[v] = r
			}
			cp.Normalized[basis] = inner
		}
	}
	return cp
}

// OpportunityStatus is the lifecycle state of an ArbitrageOpportunity.
type OpportunityStatus string

const (
	OpportunityActive  OpportunityStatus = "ACTIVE"
	OpportunityExpired OpportunityStatus = "EXPIRED"
	OpportunityClosed  OpportunityStatus = "CLOSED"
)

// DisappearReason explains why an opportunity left the ACTIVE state.
type DisappearReason string

const (
	ReasonRateDropped     DisappearReason = "RATE_DROPPED"
	ReasonDataUnavailable DisappearReason = "DATA_UNAVAILABLE"
	ReasonManualClose     DisappearReason = "MANUAL_CLOSE"
	ReasonSystemError     DisappearReason = "SYSTEM_ERROR"
)

// ArbitrageOpportunity tracks a (symbol, longVenue, shortVenue) triple whose
// rate difference exceeded the detection threshold. Mutations are rejected
// once the status leaves ACTIVE.
type ArbitrageOpportunity struct {
	ID                string
	Symbol            string
	LongVenue         string
	ShortVenue        string
	Status            OpportunityStatus
	InitialDiff       decimal.Decimal
	CurrentDiff       decimal.Decimal
	MaxDiff           decimal.Decimal
	MaxDiffAt         time.Time
	DiffSum           decimal.Decimal
	Observations      int64
	NotificationCount int
	DetectedAt        time.Time
	UpdatedAt         time.Time
	EndedAt           time.Time
	DisappearReason   DisappearReason
}

// AverageDiff is the arithmetic mean of every observation that updated the
// opportunity during its lifetime.
func (o *ArbitrageOpportunity) AverageDiff() decimal.Decimal {
	if o.Observations == 0 {
		return decimal.Zero
	}
	return o.DiffSum.Div(decimal.NewFromInt(o.Observations))
}

// OpportunityHistory is the terminal summary written when an opportunity
// expires or closes.
type OpportunityHistory struct {
	ID                string
	OpportunityID     string
	Symbol            string
	LongVenue         string
	ShortVenue        string
	InitialDiff       decimal.Decimal
	MaxDiff           decimal.Decimal
	AvgDiff           decimal.Decimal
	DurationSeconds   int64
	NotificationsSent int
	DisappearReason   DisappearReason
	RecordedAt        time.Time
}

// PositionStatus is the lifecycle state of a hedged Position.
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpening PositionStatus = "OPENING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
	PositionPartial PositionStatus = "PARTIAL"
)

// ConditionalOrderStatus tracks placement of venue-side SL/TP orders.
type ConditionalOrderStatus string

const (
	ConditionalPending ConditionalOrderStatus = "PENDING"
	ConditionalSetting ConditionalOrderStatus = "SETTING"
	ConditionalSet     ConditionalOrderStatus = "SET"
	ConditionalPartial ConditionalOrderStatus = "PARTIAL"
	ConditionalFailed  ConditionalOrderStatus = "FAILED"
)

// PositionSide distinguishes the two legs of a hedge.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Opposite returns the other leg's side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionLeg is one side of a two-leg hedge. StopLossOrderID and
// TakeProfitOrderID hold the venue ids of the conditional orders guarding
// the leg once they are placed.
type PositionLeg struct {
	Venue             string
	Side              PositionSide
	EntryPrice        decimal.Decimal
	Size              decimal.Decimal
	Leverage          int
	OpenFundingRate   decimal.Decimal
	OpenFee           decimal.Decimal
	StopLossPrice     decimal.Decimal
	TakeProfitPrice   decimal.Decimal
	StopLossOrderID   string
	TakeProfitOrderID string
	ExitPrice         decimal.Decimal
	CloseFee          decimal.Decimal
	Closed            bool
	ClosedAt          time.Time
}

// Position is a user-owned two-leg hedge across two venues.
// A Position in status CLOSED or FAILED is immutable.
type Position struct {
	ID                string
	UserID            string
	Symbol            string
	Long              PositionLeg
	Short             PositionLeg
	StopLossEnabled   bool
	StopLossPercent   decimal.Decimal
	TakeProfitEnabled bool
	TakeProfitPercent decimal.Decimal
	ConditionalStatus ConditionalOrderStatus
	Status            PositionStatus
	ExitSuggested     bool
	ExitSuggestReason string
	ExitSuggestedAt   time.Time
	CachedFundingPnL  decimal.Decimal
	OpenedAt          time.Time
	ClosedAt          time.Time
}

// Leg returns the leg for the given side.
func (p *Position) Leg(side PositionSide) *PositionLeg {
	if side == SideLong {
		return &p.Long
	}
	return &p.Short
}

// NotionalAtOpen is the combined entry notional of both legs.
func (p *Position) NotionalAtOpen() decimal.Decimal {
	return p.Long.EntryPrice.Mul(p.Long.Size).Add(p.Short.EntryPrice.Mul(p.Short.Size))
}

// IsTerminal reports whether the position rejects further mutation.
func (p *Position) IsTerminal() bool {
	return p.Status == PositionClosed || p.Status == PositionFailed
}

// CloseReason classifies why a position was closed.
type CloseReason string

const (
	CloseManual   CloseReason = "MANUAL"
	CloseLongSL   CloseReason = "LONG_SL_TRIGGERED"
	CloseLongTP   CloseReason = "LONG_TP_TRIGGERED"
	CloseShortSL  CloseReason = "SHORT_SL_TRIGGERED"
	CloseShortTP  CloseReason = "SHORT_TP_TRIGGERED"
	CloseAutoExit CloseReason = "AUTO_EXIT"
)

// Trade is the immutable terminal record for a closed Position.
type Trade struct {
	ID             string
	PositionID     string
	UserID         string
	Symbol         string
	LongVenue      string
	ShortVenue     string
	LongExitPrice  decimal.Decimal
	ShortExitPrice decimal.Decimal
	PriceDiffPnL   decimal.Decimal
	FundingRatePnL decimal.Decimal
	TotalFees      decimal.Decimal
	TotalPnL       decimal.Decimal
	ROIPercent     decimal.Decimal
	HoldingSeconds int64
	CloseReason    CloseReason
	ClosedAt       time.Time
}

// DataType is the category of data a source feed carries.
type DataType string

const (
	DataFundingRate DataType = "fundingRate"
	DataPosition    DataType = "position"
	DataOrder       DataType = "order"
	DataBalance     DataType = "balance"
)

// SourceMode selects the transport for a (venue, dataType) feed.
type SourceMode string

const (
	ModeWebSocket SourceMode = "websocket"
	ModeRest      SourceMode = "rest"
	ModeHybrid    SourceMode = "hybrid"
)

// DataSourceState is the current transport state for one (venue, dataType).
type DataSourceState struct {
	Venue              string
	DataType           DataType
	Mode               SourceMode
	WebSocketAvailable bool
	LastDataReceivedAt time.Time
	LatencyMs          int64
	LastSwitchReason   string
	LastSwitchAt       time.Time
}

// OrderSide is the taker direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType is the venue-neutral order type.
type OrderType string

const (
	OrderMarket           OrderType = "MARKET"
	OrderLimit            OrderType = "LIMIT"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the venue-neutral order state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// OrderRequest is a venue-neutral order placement request. Symbol is canonical
// BASEQUOTE form; adapters translate to venue dialect.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// Order is a venue-neutral order as reported by an adapter.
type Order struct {
	Venue         string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	Type          OrderType
	RawType       string
	Status        OrderStatus
	Price         decimal.Decimal
	AvgPrice      decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	Fee           decimal.Decimal
	RealizedPnL   decimal.Decimal
	UpdatedAt     time.Time
}

// Balance is a per-asset account balance.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// VenuePosition is a position as reported by a venue account endpoint.
type VenuePosition struct {
	Venue         string
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      int
	UnrealizedPnL decimal.Decimal
}

// FundingPayment is one settled funding fee on a venue.
type FundingPayment struct {
	Venue  string
	Symbol string
	Amount decimal.Decimal
	PaidAt time.Time
}

// SymbolInfo carries the venue's contract metadata for a symbol.
type SymbolInfo struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	MinQuantity       decimal.Decimal
	MinNotional       decimal.Decimal
	ContractSize      decimal.Decimal
}

// OpenInterest is the outstanding contract value for a symbol.
type OpenInterest struct {
	Symbol    string
	Contracts decimal.Decimal
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// Credentials are decrypted venue API credentials. Holders must call Zero
// as soon as the credentials have been used.
type Credentials struct {
	APIKey     []byte
	SecretKey  []byte
	Passphrase []byte
}

// Zero overwrites the credential buffers.
func (c *Credentials) Zero() {
	for _, b := range [][]byte{c.APIKey, c.SecretKey, c.Passphrase} {
		for i := range b {
			b[i] = 0
		}
	}
	c.APIKey, c.SecretKey, c.Passphrase = nil, nil, nil
}

// Empty reports whether no key material is present.
func (c *Credentials) Empty() bool {
	return c == nil || len(c.APIKey) == 0
}

// APIKey is the persisted, encrypted form of a user's venue credentials.
type APIKey struct {
	ID                   string
	UserID               string
	Venue                string
	KeyCiphertext        []byte
	SecretCiphertext     []byte
	PassphraseCiphertext []byte
	VaultPath            string
	CreatedAt            time.Time
}

// NotificationWebhook is a user-configured outbound notification target.
type NotificationWebhook struct {
	ID                string
	UserID            string
	Platform          string
	URL               string
	Token             string
	ChatID            string
	MinRateDifference decimal.Decimal
	NotifyOnExpiry    bool
	MinuteWindows     []int
	Enabled           bool
}

// AllowsMinute reports whether the webhook accepts delivery at the given
// minute of the hour. An empty window list allows every minute.
func (w *NotificationWebhook) AllowsMinute(minute int) bool {
	if len(w.MinuteWindows) == 0 {
		return true
	}
	for _, m := range w.MinuteWindows {
		if m == minute {
			return true
		}
	}
	return false
}

// TradingSettings are per-user engine settings.
type TradingSettings struct {
	UserID                 string
	ExitSuggestionsEnabled bool
	APYThresholdPercent    decimal.Decimal
	AutoCloseEnabled       bool
}

// AuditEvent is one entry in the append-only audit log.
type AuditEvent struct {
	ID       string
	UserID   string
	Action   string
	Resource string
	Detail   string
	At       time.Time
}
