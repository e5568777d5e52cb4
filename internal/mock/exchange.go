// Package mock provides in-memory fakes for tests: a scriptable exchange
// adapter and repository implementations that need no database.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange is a scriptable in-memory core.IExchangeAdapter. Zero-value
// behavior is deliberately bland (flat 0.0001 funding, fixed prices) so tests
// only configure what they assert on.
type Exchange struct {
	venue string

	mu         sync.RWMutex
	connected  bool
	streaming  bool
	subscribed map[string]struct{}

	rates      map[string]decimal.Decimal
	intervals  map[string]int
	prices     map[string]decimal.Decimal
	symbols    []string
	symbolInfo map[string]*core.SymbolInfo
	balances   []*core.Balance
	positions  []*core.VenuePosition
	payments   map[string][]*core.FundingPayment
	feeRate    decimal.Decimal

	orders      map[string]*core.Order
	clientIndex map[string]string
	orderSeq    int64

	failConnect   error
	failSubscribe error
	failCreate    error
	failCancel    error

	connectCalls    int
	disconnectCalls int
	subscribeCalls  int

	evMu     sync.Mutex
	events   chan core.AdapterEvent
	evClosed bool

	now func() time.Time
}

// NewExchange creates a mock adapter for the given venue name.
func NewExchange(venue string) *Exchange {
	return &Exchange{
		venue:       venue,
		subscribed:  make(map[string]struct{}),
		rates:       make(map[string]decimal.Decimal),
		intervals:   make(map[string]int),
		prices:      make(map[string]decimal.Decimal),
		symbols:     []string{"BTCUSDT", "ETHUSDT"},
		symbolInfo:  make(map[string]*core.SymbolInfo),
		payments:    make(map[string][]*core.FundingPayment),
		orders:      make(map[string]*core.Order),
		clientIndex: make(map[string]string),
		orderSeq:    1000,
		events:      make(chan core.AdapterEvent, 64),
		now:         time.Now,
	}
}

// Knobs

// SetFundingRate overrides the funding rate one symbol reports.
func (m *Exchange) SetFundingRate(symbol string, rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[symbol] = rate
}

// SetFundingInterval overrides the settlement interval for a symbol.
func (m *Exchange) SetFundingInterval(symbol string, hours int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervals[symbol] = hours
}

// SetPrice overrides the mark price for a symbol.
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetSymbols replaces the listed perpetual universe.
func (m *Exchange) SetSymbols(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

// SetSymbolInfo overrides contract metadata for a symbol.
func (m *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolInfo[info.Symbol] = info
}

// SetBalances replaces the account balances.
func (m *Exchange) SetBalances(balances ...*core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetPositions replaces the venue position list.
func (m *Exchange) SetPositions(positions ...*core.VenuePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// AddFundingPayment appends a settled funding fee.
func (m *Exchange) AddFundingPayment(p *core.FundingPayment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.Symbol] = append(m.payments[p.Symbol], p)
}

// FailConnect makes Connect return err until cleared with nil.
func (m *Exchange) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnect = err
}

// FailSubscribe makes Subscribe return err until cleared with nil.
func (m *Exchange) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubscribe = err
}

// FailCreateOrder makes CreateOrder return err until cleared with nil.
func (m *Exchange) FailCreateOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = err
}

// FailCancelOrder makes CancelOrder return err until cleared with nil.
func (m *Exchange) FailCancelOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCancel = err
}

// SetTakerFeeRate makes market fills carry a fee of notional times rate.
func (m *Exchange) SetTakerFeeRate(rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
}

// SetClock pins the mock's notion of now.
func (m *Exchange) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Counters

// ConnectCalls returns how many times Connect ran.
func (m *Exchange) ConnectCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectCalls
}

// DisconnectCalls returns how many times Disconnect ran.
func (m *Exchange) DisconnectCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disconnectCalls
}

// SubscribeCalls returns how many Subscribe batches were issued.
func (m *Exchange) SubscribeCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribeCalls
}

// Streaming reports whether the order stream is open.
func (m *Exchange) Streaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streaming
}

// Orders returns every order the mock has accepted.
func (m *Exchange) Orders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

// core.IExchangeAdapter

func (m *Exchange) Venue() string { return m.venue }

func (m *Exchange) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connectCalls++
	if m.failConnect != nil {
		err := m.failConnect
		m.mu.Unlock()
		return err
	}
	m.connected = true
	m.mu.Unlock()

	m.evMu.Lock()
	if m.evClosed {
		m.events = make(chan core.AdapterEvent, 64)
		m.evClosed = false
	}
	m.evMu.Unlock()

	m.Emit(core.AdapterEvent{Type: core.AdapterEventConnected})
	return nil
}

func (m *Exchange) Disconnect() error {
	m.mu.Lock()
	m.disconnectCalls++
	m.connected = false
	m.streaming = false
	m.mu.Unlock()

	m.evMu.Lock()
	defer m.evMu.Unlock()
	if !m.evClosed {
		close(m.events)
		m.evClosed = true
	}
	return nil
}

func (m *Exchange) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Exchange) GetFundingRate(ctx context.Context, symbol string) (*core.FundingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fundingRateLocked(symbol), nil
}

func (m *Exchange) GetFundingRates(ctx context.Context, symbols []string) ([]*core.FundingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(symbols) == 0 {
		symbols = m.symbols
	}
	out := make([]*core.FundingRate, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, m.fundingRateLocked(s))
	}
	return out, nil
}

func (m *Exchange) fundingRateLocked(symbol string) *core.FundingRate {
	rate, ok := m.rates[symbol]
	if !ok {
		rate = decimal.NewFromFloat(0.0001)
	}
	interval, ok := m.intervals[symbol]
	if !ok {
		interval = core.DefaultFundingIntervalHours
	}
	now := m.now()
	return &core.FundingRate{
		Venue:           m.venue,
		Symbol:          symbol,
		Rate:            rate,
		MarkPrice:       m.priceLocked(symbol),
		NextFundingTime: now.Add(time.Hour),
		IntervalHours:   interval,
		ReceivedAt:      now,
		Source:          core.SourceRest,
	}
}

func (m *Exchange) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.intervals[symbol]; ok {
		return h, nil
	}
	return core.DefaultFundingIntervalHours, nil
}

func (m *Exchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priceLocked(symbol), nil
}

func (m *Exchange) priceLocked(symbol string) decimal.Decimal {
	if p, ok := m.prices[symbol]; ok {
		return p
	}
	switch symbol {
	case "BTCUSDT":
		return decimal.NewFromInt(45000)
	case "ETHUSDT":
		return decimal.NewFromInt(3000)
	default:
		return decimal.NewFromInt(100)
	}
}

func (m *Exchange) GetMarkPrices(ctx context.Context, symbols []string) ([]*core.MarkPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(symbols) == 0 {
		symbols = m.symbols
	}
	now := m.now()
	out := make([]*core.MarkPrice, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, &core.MarkPrice{
			Venue:      m.venue,
			Symbol:     s,
			Price:      m.priceLocked(s),
			ReceivedAt: now,
		})
	}
	return out, nil
}

func (m *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.symbolInfo[symbol]; ok {
		return info, nil
	}
	return &core.SymbolInfo{
		Symbol:            symbol,
		PricePrecision:    2,
		QuantityPrecision: 3,
		MinQuantity:       decimal.NewFromFloat(0.001),
		MinNotional:       decimal.NewFromInt(5),
		ContractSize:      decimal.NewFromInt(1),
	}, nil
}

func (m *Exchange) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.symbols...), nil
}

func (m *Exchange) GetOpenInterest(ctx context.Context, symbol string) (*core.OpenInterest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contracts := decimal.NewFromInt(10000)
	return &core.OpenInterest{
		Symbol:    symbol,
		Contracts: contracts,
		Value:     contracts.Mul(m.priceLocked(symbol)),
		UpdatedAt: m.now(),
	}, nil
}

func (m *Exchange) GetBalance(ctx context.Context) ([]*core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.balances != nil {
		return m.balances, nil
	}
	return []*core.Balance{{
		Asset:     "USDT",
		Total:     decimal.NewFromInt(10000),
		Available: decimal.NewFromInt(10000),
	}}, nil
}

func (m *Exchange) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*core.VenuePosition(nil), m.positions...), nil
}

func (m *Exchange) CreateOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	m.mu.Lock()
	if m.failCreate != nil {
		err := m.failCreate
		m.mu.Unlock()
		return nil, err
	}

	// Same client order id returns the already accepted order
	if req.ClientOrderID != "" {
		if id, ok := m.clientIndex[req.ClientOrderID]; ok {
			o := m.orders[id]
			m.mu.Unlock()
			return o, nil
		}
	}

	m.orderSeq++
	order := &core.Order{
		Venue:         m.venue,
		OrderID:       strconv.FormatInt(m.orderSeq, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		UpdatedAt:     m.now(),
	}
	if req.Type == core.OrderMarket {
		order.Status = core.OrderStatusFilled
		order.ExecutedQty = req.Quantity
		order.AvgPrice = m.priceLocked(req.Symbol)
		if !m.feeRate.IsZero() {
			order.Fee = order.AvgPrice.Mul(req.Quantity).Mul(m.feeRate)
		}
	}

	m.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		m.clientIndex[order.ClientOrderID] = order.OrderID
	}
	m.mu.Unlock()

	m.Emit(core.AdapterEvent{Type: core.AdapterEventOrderUpdate, Order: order})
	return order, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	if m.failCancel != nil {
		err := m.failCancel
		m.mu.Unlock()
		return err
	}

	order, ok := m.orders[orderID]
	if !ok || order.Status == core.OrderStatusFilled || order.Status == core.OrderStatusCanceled {
		m.mu.Unlock()
		return nil
	}
	order.Status = core.OrderStatusCanceled
	order.UpdatedAt = m.now()
	m.mu.Unlock()

	m.Emit(core.AdapterEvent{Type: core.AdapterEventOrderUpdate, Order: order})
	return nil
}

func (m *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (m *Exchange) GetFundingPayments(ctx context.Context, symbol string, since time.Time) ([]*core.FundingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.FundingPayment
	for _, p := range m.payments[symbol] {
		if !p.PaidAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Exchange) Subscribe(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	if m.failSubscribe != nil {
		return m.failSubscribe
	}
	for _, s := range symbols {
		m.subscribed[s] = struct{}{}
	}
	return nil
}

func (m *Exchange) Unsubscribe(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		delete(m.subscribed, s)
	}
	return nil
}

func (m *Exchange) SubscribedSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		out = append(out, s)
	}
	return out
}

func (m *Exchange) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribed)
}

func (m *Exchange) Events() <-chan core.AdapterEvent {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	return m.events
}

// core.IOrderStreamer

func (m *Exchange) StreamOrderUpdates(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = true
	return nil
}

func (m *Exchange) StopOrderStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = false
}

// Event injection

// Emit pushes an event onto the adapter channel, filling in venue and
// timestamp. Safe after Disconnect; the event is then dropped.
func (m *Exchange) Emit(ev core.AdapterEvent) {
	if ev.Venue == "" {
		ev.Venue = m.venue
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.evClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// EmitFundingRate injects a live funding-rate event.
func (m *Exchange) EmitFundingRate(fr *core.FundingRate) {
	m.Emit(core.AdapterEvent{Type: core.AdapterEventFundingRate, Rate: fr})
}

// EmitMarkPrice injects a live mark-price event.
func (m *Exchange) EmitMarkPrice(mp *core.MarkPrice) {
	m.Emit(core.AdapterEvent{Type: core.AdapterEventMarkPrice, Mark: mp})
}

// EmitDisconnected injects a transport drop without closing the channel.
func (m *Exchange) EmitDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.Emit(core.AdapterEvent{Type: core.AdapterEventDisconnected})
}

// SimulateFill marks an order filled and emits the resulting order update.
func (m *Exchange) SimulateFill(orderID string, avgPrice decimal.Decimal) *core.Order {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	order.Status = core.OrderStatusFilled
	order.ExecutedQty = order.Quantity
	order.AvgPrice = avgPrice
	order.UpdatedAt = m.now()
	m.mu.Unlock()

	m.Emit(core.AdapterEvent{Type: core.AdapterEventOrderUpdate, Order: order})
	return order
}
