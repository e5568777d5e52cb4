// Package binance provides the Binance USDT-margined futures venue adapter.
// Unlike the other venues it rides the adshao/go-binance SDK for both REST
// and streaming; canonical symbols are already in Binance form, so no dialect
// translation is involved.
package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange/base"
	apperrors "funding_arb/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
)

// Adapter implements core.IExchangeAdapter and core.IOrderStreamer on top of
// the futures SDK. Each subscribed symbol runs its own mark price stream; the
// SDK owns those connections, so Connect/Disconnect manage stream lifetimes
// rather than a single socket.
type Adapter struct {
	*base.Adapter

	restURL string
	credsFn core.CredentialsFunc

	clientMu sync.Mutex
	market   *futures.Client
	trader   *futures.Client

	streamMu sync.Mutex
	running  bool
	streams  map[string]chan struct{}
	userStop chan struct{}

	cacheMu   sync.RWMutex
	intervals map[string]int
	info      map[string]*core.SymbolInfo
}

// New creates a Binance adapter. credsFn may be nil for market-data-only use.
func New(cfg config.VenueConfig, credsFn core.CredentialsFunc, logger core.ILogger) *Adapter {
	market := futures.NewClient("", "")
	if cfg.RestURL != "" {
		market.BaseURL = cfg.RestURL
	}
	if cfg.RequestTimeout() > 0 {
		market.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout()}
	}

	a := &Adapter{
		Adapter:   base.NewAdapter(core.VenueBinance, cfg, cfg.RestURL, nil, nil, logger),
		restURL:   cfg.RestURL,
		credsFn:   credsFn,
		market:    market,
		streams:   make(map[string]chan struct{}),
		intervals: make(map[string]int),
		info:      make(map[string]*core.SymbolInfo),
	}
	return a
}

// trading returns the credentialed SDK client, building it on first use. The
// SDK signs every request itself, so the secret has to live in the client for
// its lifetime rather than being zeroed per call.
func (a *Adapter) trading(ctx context.Context) (*futures.Client, error) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	if a.trader != nil {
		return a.trader, nil
	}
	if a.credsFn == nil {
		return nil, apperrors.Venue(core.VenueBinance, "credentials", "", "no credentials configured", apperrors.ErrCredentialMissing)
	}

	creds, err := a.credsFn(ctx)
	if err != nil {
		return nil, err
	}
	client := futures.NewClient(string(creds.APIKey), string(creds.SecretKey))
	creds.Zero()

	if a.restURL != "" {
		client.BaseURL = a.restURL
	}
	if a.Cfg.RequestTimeout() > 0 {
		client.HTTPClient = &http.Client{Timeout: a.Cfg.RequestTimeout()}
	}
	a.trader = client
	return a.trader, nil
}

// mapCode maps a Binance numeric error code to a kind sentinel. Returns nil
// for codes without a dedicated kind.
func mapCode(code int64) error {
	switch code {
	case -1003, -1015:
		return apperrors.ErrRateLimit
	case -1022, -2014, -2015:
		return apperrors.ErrCredentialInvalid
	case -2018, -2019:
		return apperrors.ErrInsufficientFunds
	case -1021, -1111, -1121, -4164:
		return apperrors.ErrValidation
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -2010, -2021:
		return apperrors.ErrOrderRejected
	case -1000, -1001, -1007:
		return apperrors.ErrTransport
	}
	return nil
}

// restError translates SDK errors into kind-tagged errors.
func (a *Adapter) restError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if sentinel := mapCode(apiErr.Code); sentinel != nil {
			return sentinel
		}
		return apperrors.Venue(core.VenueBinance, op, strconv.FormatInt(apiErr.Code, 10), apiErr.Message, apperrors.ErrAPI)
	}
	return apperrors.Transport(core.VenueBinance, op, err)
}

func (a *Adapter) orderUncertain(op string, err error) error {
	mapped := a.restError(op, err)
	if errors.Is(mapped, apperrors.ErrTransport) || errors.Is(mapped, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrUncertain, mapped)
	}
	return mapped
}

// Connect marks the adapter running and opens mark price streams for the
// current subscription set.
func (a *Adapter) Connect(ctx context.Context) error {
	a.streamMu.Lock()
	a.running = true
	a.streamMu.Unlock()

	wasConnected := a.IsConnected()
	a.MarkConnected(true)
	if !wasConnected {
		a.EmitConnected()
	}

	for _, sym := range a.SubscribedSymbols() {
		if err := a.openMarkStream(sym); err != nil {
			a.Logger.Warn("Mark price stream failed to open", "symbol", sym, "error", err)
		}
	}
	return nil
}

// Disconnect stops all streams and closes the event channel.
func (a *Adapter) Disconnect() error {
	a.streamMu.Lock()
	a.running = false
	streams := a.streams
	a.streams = make(map[string]chan struct{})
	userStop := a.userStop
	a.userStop = nil
	a.streamMu.Unlock()

	for _, stopC := range streams {
		close(stopC)
	}
	if userStop != nil {
		close(userStop)
	}
	a.MarkConnected(false)
	a.CloseEvents()
	return nil
}

// Subscribe opens one mark price stream per added symbol. The SDK dials
// synchronously, so a failed dial rolls the whole batch back.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	added := a.AddSubscriptions(symbols)
	if len(added) == 0 {
		return nil
	}

	a.streamMu.Lock()
	running := a.running
	a.streamMu.Unlock()
	if !running {
		return nil
	}

	opened := make([]string, 0, len(added))
	for _, sym := range added {
		if err := a.openMarkStream(sym); err != nil {
			for _, o := range opened {
				a.closeMarkStream(o)
			}
			a.RemoveSubscriptions(added)
			return apperrors.Transport(core.VenueBinance, "subscribe", err)
		}
		opened = append(opened, sym)
	}
	return nil
}

// Unsubscribe closes the streams for the removed symbols.
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	for _, sym := range a.RemoveSubscriptions(symbols) {
		a.closeMarkStream(sym)
	}
	return nil
}

func (a *Adapter) openMarkStream(symbol string) error {
	a.streamMu.Lock()
	if _, exists := a.streams[symbol]; exists {
		a.streamMu.Unlock()
		return nil
	}
	a.streamMu.Unlock()

	doneC, stopC, err := futures.WsMarkPriceServe(symbol, a.handleMarkPrice, func(err error) {
		a.Logger.Warn("Mark price stream error", "symbol", symbol, "error", err)
	})
	if err != nil {
		return err
	}

	a.streamMu.Lock()
	a.streams[symbol] = stopC
	a.streamMu.Unlock()

	go a.watchMarkStream(symbol, doneC)
	return nil
}

func (a *Adapter) closeMarkStream(symbol string) {
	a.streamMu.Lock()
	stopC, ok := a.streams[symbol]
	delete(a.streams, symbol)
	a.streamMu.Unlock()
	if ok {
		close(stopC)
	}
}

// watchMarkStream reopens a stream the SDK lost. A symbol missing from the
// stream map was closed on purpose and stays closed.
func (a *Adapter) watchMarkStream(symbol string, doneC chan struct{}) {
	<-doneC

	a.streamMu.Lock()
	_, tracked := a.streams[symbol]
	if tracked {
		delete(a.streams, symbol)
	}
	running := a.running
	a.streamMu.Unlock()
	if !tracked || !running {
		return
	}

	a.Logger.Warn("Mark price stream ended, reopening", "symbol", symbol)
	reopen := failsafe.With[any](retrypolicy.NewBuilder[any]().
		WithBackoff(time.Second, 30*time.Second).
		WithMaxRetries(5).
		Build())
	if err := reopen.Run(func() error { return a.openMarkStream(symbol) }); err != nil {
		a.Logger.Error("Mark price stream reopen failed", "symbol", symbol, "error", err)
		a.MarkConnected(false)
		a.EmitDisconnected()
	}
}

// handleMarkPrice fans one stream event into a mark price update and a
// funding rate update; the markPrice stream carries the full funding state.
func (a *Adapter) handleMarkPrice(ev *futures.WsMarkPriceEvent) {
	if ev == nil {
		return
	}
	now := time.Now()

	a.EmitMarkPrice(&core.MarkPrice{
		Venue:      core.VenueBinance,
		Symbol:     ev.Symbol,
		Price:      a.ParseDecimal(ev.MarkPrice),
		ReceivedAt: now,
	})
	a.EmitFundingRate(&core.FundingRate{
		Venue:           core.VenueBinance,
		Symbol:          ev.Symbol,
		Rate:            a.ParseDecimal(ev.FundingRate),
		MarkPrice:       a.ParseDecimal(ev.MarkPrice),
		IndexPrice:      a.ParseDecimal(ev.IndexPrice),
		NextFundingTime: a.ParseUnixMilli(ev.NextFundingTime),
		IntervalHours:   a.cachedInterval(ev.Symbol),
		ReceivedAt:      now,
		Source:          core.SourceWebSocket,
	})
}

// StreamOrderUpdates opens the user-data stream and emits order updates on
// the event channel. The listen key is kept alive until StopOrderStream or
// Disconnect.
func (a *Adapter) StreamOrderUpdates(ctx context.Context) error {
	a.streamMu.Lock()
	if a.userStop != nil {
		a.streamMu.Unlock()
		return nil
	}
	a.streamMu.Unlock()

	client, err := a.trading(ctx)
	if err != nil {
		return err
	}

	listenKey, err := client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return a.restError("listen-key", err)
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, a.handleUserData, func(err error) {
		a.Logger.Warn("User data stream error", "error", err)
	})
	if err != nil {
		return apperrors.Transport(core.VenueBinance, "user-stream", err)
	}

	a.streamMu.Lock()
	a.userStop = stopC
	a.streamMu.Unlock()

	go a.keepAliveListenKey(client, listenKey, doneC)
	return nil
}

// StopOrderStream tears the user-data stream down.
func (a *Adapter) StopOrderStream() {
	a.streamMu.Lock()
	stopC := a.userStop
	a.userStop = nil
	a.streamMu.Unlock()
	if stopC != nil {
		close(stopC)
	}
}

// Listen keys expire after 60 minutes without a keepalive.
func (a *Adapter) keepAliveListenKey(client *futures.Client, listenKey string, doneC chan struct{}) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-doneC:
			return
		case <-ticker.C:
			err := client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(context.Background())
			if err != nil {
				a.Logger.Warn("Listen key keepalive failed", "error", err)
			}
		}
	}
}

func (a *Adapter) handleUserData(ev *futures.WsUserDataEvent) {
	if ev == nil || ev.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	a.EmitOrderUpdate(a.orderFromUpdate(&ev.OrderTradeUpdate))
}

func (a *Adapter) orderFromUpdate(u *futures.WsOrderTradeUpdate) *core.Order {
	return &core.Order{
		Venue:         core.VenueBinance,
		OrderID:       strconv.FormatInt(u.ID, 10),
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          sideFromBinance(string(u.Side)),
		PositionSide:  posSideFromBinance(string(u.PositionSide)),
		Type:          typeFromBinance(string(u.OriginalType)),
		RawType:       string(u.OriginalType),
		Status:        statusFromBinance(string(u.Status)),
		Price:         a.ParseDecimal(u.OriginalPrice),
		AvgPrice:      a.ParseDecimal(u.AveragePrice),
		StopPrice:     a.ParseDecimal(u.StopPrice),
		Quantity:      a.ParseDecimal(u.OriginalQty),
		ExecutedQty:   a.ParseDecimal(u.AccumulatedFilledQty),
		Fee:           a.ParseDecimal(u.Commission).Abs(),
		RealizedPnL:   a.ParseDecimal(u.RealizedPnL),
		UpdatedAt:     a.ParseUnixMilli(u.TradeTime),
	}
}

func (a *Adapter) fundingFromIndex(row *futures.PremiumIndex, interval int) *core.FundingRate {
	return &core.FundingRate{
		Venue:           core.VenueBinance,
		Symbol:          row.Symbol,
		Rate:            a.ParseDecimal(row.LastFundingRate),
		MarkPrice:       a.ParseDecimal(row.MarkPrice),
		IndexPrice:      a.ParseDecimal(row.IndexPrice),
		NextFundingTime: a.ParseUnixMilli(row.NextFundingTime),
		IntervalHours:   interval,
		ReceivedAt:      time.Now(),
		Source:          core.SourceRest,
	}
}

// GetFundingRate fetches the premium index for one symbol.
func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (*core.FundingRate, error) {
	rows, err := a.market.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, a.restError("premium-index", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.Venue(core.VenueBinance, "premium-index", "", "no data for "+symbol, apperrors.ErrValidation)
	}
	return a.fundingFromIndex(rows[0], a.intervalFor(ctx, symbol)), nil
}

// GetFundingRates answers from the unfiltered premium index in one call.
// Intervals come from the cache; unseen symbols get the default.
func (a *Adapter) GetFundingRates(ctx context.Context, symbols []string) ([]*core.FundingRate, error) {
	rows, err := a.market.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, a.restError("premium-index", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make([]*core.FundingRate, 0, len(symbols))
	for _, row := range rows {
		if len(want) > 0 && !want[row.Symbol] {
			continue
		}
		out = append(out, a.fundingFromIndex(row, a.cachedInterval(row.Symbol)))
	}
	return out, nil
}

func (a *Adapter) cachedInterval(symbol string) int {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	if iv, ok := a.intervals[symbol]; ok {
		return iv
	}
	return core.DefaultFundingIntervalHours
}

func (a *Adapter) intervalFor(ctx context.Context, symbol string) int {
	a.cacheMu.RLock()
	iv, ok := a.intervals[symbol]
	a.cacheMu.RUnlock()
	if ok {
		return iv
	}

	iv, err := a.fetchInterval(ctx, symbol)
	if err != nil {
		return core.DefaultFundingIntervalHours
	}
	return iv
}

// fetchInterval derives the settlement interval from the spacing of the two
// most recent settlements. Most Binance perpetuals settle every 8 hours,
// some every 4.
func (a *Adapter) fetchInterval(ctx context.Context, symbol string) (int, error) {
	rows, err := a.market.NewFundingRateService().Symbol(symbol).Limit(2).Do(ctx)
	if err != nil {
		return 0, a.restError("funding-history", err)
	}
	if len(rows) < 2 {
		return core.DefaultFundingIntervalHours, nil
	}

	hours := int(math.Round(math.Abs(float64(rows[1].FundingTime-rows[0].FundingTime)) / 3600000.0))
	if !core.IsValidFundingInterval(hours) {
		return core.DefaultFundingIntervalHours, nil
	}

	a.cacheMu.Lock()
	a.intervals[symbol] = hours
	a.cacheMu.Unlock()
	return hours, nil
}

// GetFundingInterval returns the settlement interval in hours.
func (a *Adapter) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	a.cacheMu.RLock()
	iv, ok := a.intervals[symbol]
	a.cacheMu.RUnlock()
	if ok {
		return iv, nil
	}
	return a.fetchInterval(ctx, symbol)
}

// GetPrice returns the latest mark price for one symbol.
func (a *Adapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	rows, err := a.market.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, a.restError("premium-index", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, apperrors.Venue(core.VenueBinance, "premium-index", "", "no data for "+symbol, apperrors.ErrValidation)
	}
	return a.ParseDecimal(rows[0].MarkPrice), nil
}

// GetMarkPrices fetches mark prices from the unfiltered premium index.
func (a *Adapter) GetMarkPrices(ctx context.Context, symbols []string) ([]*core.MarkPrice, error) {
	rows, err := a.market.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, a.restError("premium-index", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	now := time.Now()
	out := make([]*core.MarkPrice, 0, len(rows))
	for _, row := range rows {
		if len(want) > 0 && !want[row.Symbol] {
			continue
		}
		out = append(out, &core.MarkPrice{
			Venue:      core.VenueBinance,
			Symbol:     row.Symbol,
			Price:      a.ParseDecimal(row.MarkPrice),
			ReceivedAt: now,
		})
	}
	return out, nil
}

func (a *Adapter) fetchContracts(ctx context.Context) error {
	info, err := a.market.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return a.restError("exchange-info", err)
	}

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" || s.QuoteAsset != "USDT" {
			continue
		}

		si := &core.SymbolInfo{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			ContractSize:      decimal.NewFromInt(1),
		}
		if lot := s.LotSizeFilter(); lot != nil {
			si.MinQuantity = a.ParseDecimal(lot.MinQuantity)
		}
		if notional := s.MinNotionalFilter(); notional != nil {
			si.MinNotional = a.ParseDecimal(notional.Notional)
		}
		a.info[s.Symbol] = si
	}
	return nil
}

// GetSymbolInfo returns contract metadata, fetching exchange info on a cache
// miss.
func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	a.cacheMu.RLock()
	info, ok := a.info[symbol]
	a.cacheMu.RUnlock()
	if ok {
		return info, nil
	}

	if err := a.fetchContracts(ctx); err != nil {
		return nil, err
	}

	a.cacheMu.RLock()
	info, ok = a.info[symbol]
	a.cacheMu.RUnlock()
	if !ok {
		return nil, apperrors.Venue(core.VenueBinance, "exchange-info", "", "unknown symbol "+symbol, apperrors.ErrValidation)
	}
	return info, nil
}

// GetUsdtPerpetualSymbols lists canonical symbols of trading perpetuals.
func (a *Adapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	if err := a.fetchContracts(ctx); err != nil {
		return nil, err
	}

	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	symbols := make([]string, 0, len(a.info))
	for symbol := range a.info {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// GetOpenInterest reports outstanding contracts; the USD value is derived
// from the mark price best-effort.
func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (*core.OpenInterest, error) {
	res, err := a.market.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, a.restError("open-interest", err)
	}

	oi := &core.OpenInterest{
		Symbol:    symbol,
		Contracts: a.ParseDecimal(res.OpenInterest),
		UpdatedAt: a.ParseUnixMilli(res.Time),
	}
	if mark, err := a.GetPrice(ctx, symbol); err == nil {
		oi.Value = oi.Contracts.Mul(mark)
	}
	return oi, nil
}

// GetBalance returns non-empty futures wallet balances.
func (a *Adapter) GetBalance(ctx context.Context) ([]*core.Balance, error) {
	client, err := a.trading(ctx)
	if err != nil {
		return nil, err
	}

	account, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, a.restError("account", err)
	}

	out := make([]*core.Balance, 0, len(account.Assets))
	for _, asset := range account.Assets {
		total := a.ParseDecimal(asset.WalletBalance)
		if total.IsZero() {
			continue
		}
		out = append(out, &core.Balance{
			Asset:     asset.Asset,
			Total:     total,
			Available: a.ParseDecimal(asset.AvailableBalance),
		})
	}
	return out, nil
}

// GetPositions returns open positions from position risk.
func (a *Adapter) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	client, err := a.trading(ctx)
	if err != nil {
		return nil, err
	}

	risks, err := client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, a.restError("positions", err)
	}

	out := make([]*core.VenuePosition, 0, len(risks))
	for _, risk := range risks {
		size := a.ParseDecimal(risk.PositionAmt)
		if size.IsZero() {
			continue
		}

		side := core.SideLong
		if risk.PositionSide == "SHORT" || size.IsNegative() {
			side = core.SideShort
		}

		out = append(out, &core.VenuePosition{
			Venue:         core.VenueBinance,
			Symbol:        risk.Symbol,
			Side:          side,
			Size:          size.Abs(),
			EntryPrice:    a.ParseDecimal(risk.EntryPrice),
			MarkPrice:     a.ParseDecimal(risk.MarkPrice),
			Leverage:      int(a.ParseDecimal(risk.Leverage).IntPart()),
			UnrealizedPnL: a.ParseDecimal(risk.UnRealizedProfit),
		})
	}
	return out, nil
}

// CreateOrder places an order through the SDK's fluent service. Stop-market
// and take-profit-market are native order types. Placement never retries.
func (a *Adapter) CreateOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	client, err := a.trading(ctx)
	if err != nil {
		return nil, err
	}

	svc := client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String())
	if req.PositionSide != "" {
		svc.PositionSide(futures.PositionSideType(req.PositionSide))
	}
	switch req.Type {
	case core.OrderLimit:
		svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
	case core.OrderStopMarket, core.OrderTakeProfitMarket:
		svc.StopPrice(req.StopPrice.String())
	}
	if req.ReduceOnly {
		svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, a.orderUncertain("create-order", err)
	}

	order := &core.Order{
		Venue:         core.VenueBinance,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          sideFromBinance(string(res.Side)),
		PositionSide:  posSideFromBinance(string(res.PositionSide)),
		Type:          typeFromBinance(string(res.Type)),
		RawType:       string(res.Type),
		Status:        statusFromBinance(string(res.Status)),
		Price:         a.ParseDecimal(res.Price),
		AvgPrice:      a.ParseDecimal(res.AvgPrice),
		StopPrice:     a.ParseDecimal(res.StopPrice),
		Quantity:      a.ParseDecimal(res.OrigQuantity),
		ExecutedQty:   a.ParseDecimal(res.ExecutedQuantity),
		UpdatedAt:     a.ParseUnixMilli(res.UpdateTime),
	}
	if order.Status == core.OrderStatusUnknown {
		order.Status = core.OrderStatusNew
	}
	return order, nil
}

// CancelOrder cancels by order id, falling back to client order id for
// non-numeric ids. An order the venue no longer knows is not an error.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	client, err := a.trading(ctx)
	if err != nil {
		return err
	}

	svc := client.NewCancelOrderService().Symbol(symbol)
	if oid, perr := strconv.ParseInt(orderID, 10, 64); perr == nil {
		svc.OrderID(oid)
	} else {
		svc.OrigClientOrderID(orderID)
	}

	if _, err := svc.Do(ctx); err != nil {
		mapped := a.restError("cancel-order", err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// GetOrder fetches one order by id, falling back to client order id for
// non-numeric ids.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	client, err := a.trading(ctx)
	if err != nil {
		return nil, err
	}

	svc := client.NewGetOrderService().Symbol(symbol)
	if oid, perr := strconv.ParseInt(orderID, 10, 64); perr == nil {
		svc.OrderID(oid)
	} else {
		svc.OrigClientOrderID(orderID)
	}

	o, err := svc.Do(ctx)
	if err != nil {
		return nil, a.restError("get-order", err)
	}

	return &core.Order{
		Venue:         core.VenueBinance,
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          sideFromBinance(string(o.Side)),
		PositionSide:  posSideFromBinance(string(o.PositionSide)),
		Type:          typeFromBinance(string(o.Type)),
		RawType:       string(o.OrigType),
		Status:        statusFromBinance(string(o.Status)),
		Price:         a.ParseDecimal(o.Price),
		AvgPrice:      a.ParseDecimal(o.AvgPrice),
		StopPrice:     a.ParseDecimal(o.StopPrice),
		Quantity:      a.ParseDecimal(o.OrigQuantity),
		ExecutedQty:   a.ParseDecimal(o.ExecutedQuantity),
		UpdatedAt:     a.ParseUnixMilli(o.UpdateTime),
	}, nil
}

// GetFundingPayments lists settled funding fees from income history.
func (a *Adapter) GetFundingPayments(ctx context.Context, symbol string, since time.Time) ([]*core.FundingPayment, error) {
	client, err := a.trading(ctx)
	if err != nil {
		return nil, err
	}

	svc := client.NewGetIncomeHistoryService().IncomeType("FUNDING_FEE").Limit(1000)
	if symbol != "" {
		svc.Symbol(symbol)
	}
	if !since.IsZero() {
		svc.StartTime(since.UnixMilli())
	}

	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, a.restError("income", err)
	}

	out := make([]*core.FundingPayment, 0, len(rows))
	for _, row := range rows {
		out = append(out, &core.FundingPayment{
			Venue:  core.VenueBinance,
			Symbol: row.Symbol,
			Amount: a.ParseDecimal(row.Income),
			PaidAt: a.ParseUnixMilli(row.Time),
		})
	}
	return out, nil
}

func sideFromBinance(s string) core.OrderSide {
	if s == "SELL" {
		return core.OrderSell
	}
	return core.OrderBuy
}

func posSideFromBinance(s string) core.PositionSide {
	switch s {
	case "LONG":
		return core.SideLong
	case "SHORT":
		return core.SideShort
	}
	return ""
}

func typeFromBinance(s string) core.OrderType {
	switch s {
	case "LIMIT":
		return core.OrderLimit
	case "STOP_MARKET":
		return core.OrderStopMarket
	case "TAKE_PROFIT_MARKET":
		return core.OrderTakeProfitMarket
	}
	return core.OrderMarket
}

func statusFromBinance(s string) core.OrderStatus {
	switch s {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED":
		return core.OrderStatusExpired
	}
	return core.OrderStatusUnknown
}
