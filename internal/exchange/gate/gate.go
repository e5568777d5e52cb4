// Package gate provides the Gate.io venue adapter
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange/base"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	defaultRestURL = "https://api.gateio.ws"
	defaultWsURL   = "wss://fx-ws.gateio.ws/v4/ws/usdt"

	futuresPath = "/api/v4/futures/usdt"

	channelTickers = "futures.tickers"
	channelPing    = "futures.ping"
	channelPong    = "futures.pong"
)

// contractMeta caches per-contract facts the ticker stream does not carry.
// Gate sizes orders in integer contracts, so the quanto multiplier is needed
// to translate between coins and contracts.
type contractMeta struct {
	quanto        decimal.Decimal
	intervalHours int
	nextFunding   time.Time
}

// Adapter implements core.IExchangeAdapter for Gate USDT perpetual futures.
type Adapter struct {
	*base.Adapter

	wsURL string

	wsMu sync.Mutex
	ws   *websocket.Client

	metaMu sync.RWMutex
	meta   map[string]contractMeta
	info   map[string]*core.SymbolInfo
}

// New creates a Gate adapter. credsFn may be nil for market-data-only use.
func New(cfg config.VenueConfig, credsFn core.CredentialsFunc, logger core.ILogger) *Adapter {
	restURL := cfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}
	wsURL := cfg.WsURL
	if wsURL == "" {
		wsURL = defaultWsURL
	}

	a := &Adapter{
		Adapter: base.NewAdapter(core.VenueGate, cfg, restURL, credsFn, signRequest, logger),
		wsURL:   wsURL,
		meta:    make(map[string]contractMeta),
		info:    make(map[string]*core.SymbolInfo),
	}
	a.SetParseError(parseError)
	return a
}

// signRequest signs per Gate v4: hex(hmac-sha512 over
// method\npath\nquery\nhex(sha512(body))\ntimestamp).
func signRequest(req *http.Request, body []byte, creds *core.Credentials) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	hasher := sha512.New()
	hasher.Write(body)
	bodyHash := hex.EncodeToString(hasher.Sum(nil))

	message := req.Method + "\n" + req.URL.Path + "\n" + req.URL.RawQuery + "\n" + bodyHash + "\n" + timestamp
	mac := hmac.New(sha512.New, creds.SecretKey)
	mac.Write([]byte(message))

	req.Header.Set("KEY", string(creds.APIKey))
	req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Timestamp", timestamp)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return nil
}

// parseError maps Gate error labels to kind sentinels.
func parseError(body []byte) error {
	var errResp struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}

	switch errResp.Label {
	case "":
		return nil
	case "INVALID_PARAM", "CONTRACT_NOT_FOUND":
		return apperrors.ErrValidation
	case "AUTHENTICATION_FAILED", "INVALID_KEY", "INVALID_SIGNATURE":
		return apperrors.ErrCredentialInvalid
	case "BALANCE_NOT_ENOUGH":
		return apperrors.ErrInsufficientFunds
	case "ORDER_NOT_FOUND":
		return apperrors.ErrOrderNotFound
	case "ORDER_POC_IMMEDIATE":
		return apperrors.ErrOrderRejected
	case "TOO_MANY_REQUESTS":
		return apperrors.ErrRateLimit
	case "SERVER_ERROR":
		return apperrors.ErrTransport
	}

	return apperrors.Venue(core.VenueGate, "api", errResp.Label, errResp.Message, apperrors.ErrAPI)
}

// toContract converts canonical BTCUSDT to the Gate contract name BTC_USDT.
func toContract(symbol string) string {
	if b, ok := base.BaseOfUSDT(symbol); ok {
		return b + "_USDT"
	}
	return symbol
}

// fromContract converts BTC_USDT back to canonical BTCUSDT.
func fromContract(contract string) string {
	return strings.ReplaceAll(contract, "_", "")
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Connect dials the futures WebSocket and blocks until the first connection
// is up or ctx ends.
func (a *Adapter) Connect(ctx context.Context) error {
	a.wsMu.Lock()
	if a.ws != nil {
		a.wsMu.Unlock()
		return nil
	}

	client := websocket.NewClient(a.wsURL, a.handleMessage, a.Logger)
	client.SetTextPing(func() []byte {
		frame, _ := json.Marshal(map[string]interface{}{
			"time":    time.Now().Unix(),
			"channel": channelPing,
		})
		return frame
	})
	client.SetPingConfig(a.Cfg.PingInterval(), 10*time.Second, 2*a.Cfg.PingInterval())

	ready := make(chan struct{})
	var once sync.Once
	client.SetOnConnected(func() {
		a.MarkConnected(true)
		a.EmitConnected()
		a.resubscribe()
		once.Do(func() { close(ready) })
	})
	client.SetOnDisconnected(func() {
		a.MarkConnected(false)
		a.EmitDisconnected()
	})

	a.ws = client
	a.wsMu.Unlock()

	client.Start()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		client.Stop()
		a.wsMu.Lock()
		a.ws = nil
		a.wsMu.Unlock()
		return apperrors.Transport(core.VenueGate, "connect", ctx.Err())
	}
}

// Disconnect stops the WebSocket and closes the event channel.
func (a *Adapter) Disconnect() error {
	a.wsMu.Lock()
	ws := a.ws
	a.ws = nil
	a.wsMu.Unlock()

	if ws != nil {
		ws.Stop()
	}
	a.MarkConnected(false)
	a.CloseEvents()
	return nil
}

func (a *Adapter) client() *websocket.Client {
	a.wsMu.Lock()
	defer a.wsMu.Unlock()
	return a.ws
}

// Subscribe adds symbols to the tickers channel. Gate acknowledges the whole
// subscribe request with one frame, so the batch shares one ack key.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	added := a.AddSubscriptions(symbols)
	if len(added) == 0 {
		return nil
	}

	ws := a.client()
	if ws == nil || !ws.IsConnected() {
		return nil
	}

	contracts := make([]string, len(added))
	for i, sym := range added {
		contracts[i] = toContract(sym)
	}

	a.ExpectAck(channelTickers)
	frame := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": channelTickers,
		"event":   "subscribe",
		"payload": contracts,
	}
	if err := ws.Send(frame); err != nil {
		a.RemoveSubscriptions(added)
		return apperrors.Transport(core.VenueGate, "subscribe", err)
	}
	if err := a.WaitAcks(ctx, "subscribe", []string{channelTickers}); err != nil {
		a.RemoveSubscriptions(added)
		return err
	}
	return nil
}

// Unsubscribe removes symbols from the tickers channel without waiting for
// the venue's confirmation.
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	removed := a.RemoveSubscriptions(symbols)
	if len(removed) == 0 {
		return nil
	}

	ws := a.client()
	if ws == nil || !ws.IsConnected() {
		return nil
	}

	contracts := make([]string, len(removed))
	for i, sym := range removed {
		contracts[i] = toContract(sym)
	}

	frame := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": channelTickers,
		"event":   "unsubscribe",
		"payload": contracts,
	}
	if err := ws.Send(frame); err != nil {
		return apperrors.Transport(core.VenueGate, "unsubscribe", err)
	}
	return nil
}

func (a *Adapter) resubscribe() {
	symbols := a.SubscribedSymbols()
	if len(symbols) == 0 {
		return
	}

	ws := a.client()
	if ws == nil {
		return
	}

	contracts := make([]string, len(symbols))
	for i, sym := range symbols {
		contracts[i] = toContract(sym)
	}

	frame := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": channelTickers,
		"event":   "subscribe",
		"payload": contracts,
	}
	if err := ws.Send(frame); err != nil {
		a.Logger.Warn("Resubscribe failed", "error", err)
	}
}

func (a *Adapter) handleMessage(message []byte) {
	var env struct {
		Time    int64  `json:"time"`
		Channel string `json:"channel"`
		Event   string `json:"event"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(message, &env); err != nil {
		a.Logger.Warn("Unparseable message", "error", err)
		return
	}

	if env.Channel == channelPong {
		return
	}

	switch env.Event {
	case "subscribe":
		if env.Error != nil {
			a.ResolveAck(env.Channel, apperrors.Venue(core.VenueGate, "subscribe",
				strconv.Itoa(env.Error.Code), env.Error.Message, apperrors.ErrAPI))
		} else {
			a.ResolveAck(env.Channel, nil)
		}
		return
	case "unsubscribe":
		return
	}

	if env.Channel == channelTickers && env.Event == "update" {
		a.handleTickers(env.Result)
	}
}

// handleTickers emits funding and mark observations from one ticker batch.
// Tickers carry the rate but not the settlement schedule; that comes from the
// cached contract metadata.
func (a *Adapter) handleTickers(data json.RawMessage) {
	var rows []struct {
		Contract    string `json:"contract"`
		FundingRate string `json:"funding_rate"`
		MarkPrice   string `json:"mark_price"`
		IndexPrice  string `json:"index_price"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		a.Logger.Warn("Unparseable ticker data", "error", err)
		return
	}

	now := time.Now()
	for _, row := range rows {
		symbol := fromContract(row.Contract)

		a.metaMu.RLock()
		meta := a.meta[symbol]
		a.metaMu.RUnlock()

		interval := meta.intervalHours
		if interval == 0 {
			interval = core.DefaultFundingIntervalHours
		}

		mark := a.ParseDecimal(row.MarkPrice)
		a.EmitFundingRate(&core.FundingRate{
			Venue:           core.VenueGate,
			Symbol:          symbol,
			Rate:            a.ParseDecimal(row.FundingRate),
			MarkPrice:       mark,
			IndexPrice:      a.ParseDecimal(row.IndexPrice),
			NextFundingTime: meta.nextFunding,
			IntervalHours:   interval,
			ReceivedAt:      now,
			Source:          core.SourceWebSocket,
		})
		a.EmitMarkPrice(&core.MarkPrice{
			Venue:      core.VenueGate,
			Symbol:     symbol,
			Price:      mark,
			ReceivedAt: now,
		})
	}
}

// contractInfo is the contract row shared by the list and single endpoints.
type contractInfo struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	FundingRate      string `json:"funding_rate"`
	FundingInterval  int64  `json:"funding_interval"`
	FundingNextApply int64  `json:"funding_next_apply"`
	MarkPrice        string `json:"mark_price"`
	IndexPrice       string `json:"index_price"`
	OrderPriceRound  string `json:"order_price_round"`
	OrderSizeMin     int64  `json:"order_size_min"`
	PositionSize     int64  `json:"position_size"`
	InDelisting      bool   `json:"in_delisting"`
}

func (a *Adapter) fetchContracts(ctx context.Context) ([]contractInfo, error) {
	body, err := a.Get(ctx, futuresPath+"/contracts", nil)
	if err != nil {
		return nil, a.RestError("contracts", err)
	}

	var rows []contractInfo
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "contracts", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	a.updateMeta(rows)
	return rows, nil
}

func (a *Adapter) fetchContract(ctx context.Context, symbol string) (*contractInfo, error) {
	body, err := a.Get(ctx, futuresPath+"/contracts/"+toContract(symbol), nil)
	if err != nil {
		return nil, a.RestError("contract", err)
	}

	var row contractInfo
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "contract", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	a.updateMeta([]contractInfo{row})
	return &row, nil
}

func (a *Adapter) updateMeta(rows []contractInfo) {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()

	for _, row := range rows {
		symbol := fromContract(row.Name)

		quanto := a.ParseDecimal(row.QuantoMultiplier)
		if quanto.IsZero() {
			quanto = decimal.NewFromInt(1)
		}

		// funding_interval is reported in seconds
		interval := int(row.FundingInterval / 3600)
		if !core.IsValidFundingInterval(interval) {
			interval = core.DefaultFundingIntervalHours
		}

		a.meta[symbol] = contractMeta{
			quanto:        quanto,
			intervalHours: interval,
			nextFunding:   a.ParseUnixSec(row.FundingNextApply),
		}

		tickSz := a.ParseDecimal(row.OrderPriceRound)
		qtyPrec := -int(quanto.Exponent())
		if qtyPrec < 0 {
			qtyPrec = 0
		}

		a.info[symbol] = &core.SymbolInfo{
			Symbol:            symbol,
			PricePrecision:    -int(tickSz.Exponent()),
			QuantityPrecision: qtyPrec,
			MinQuantity:       decimal.NewFromInt(row.OrderSizeMin).Mul(quanto),
			ContractSize:      quanto,
		}
	}
}

// quantoFor returns the contract multiplier, fetching metadata on a miss.
func (a *Adapter) quantoFor(ctx context.Context, symbol string) decimal.Decimal {
	a.metaMu.RLock()
	meta, ok := a.meta[symbol]
	a.metaMu.RUnlock()

	if !ok {
		if _, err := a.fetchContracts(ctx); err == nil {
			a.metaMu.RLock()
			meta, ok = a.meta[symbol]
			a.metaMu.RUnlock()
		}
	}
	if !ok || meta.quanto.IsZero() {
		return decimal.NewFromInt(1)
	}
	return meta.quanto
}

func (a *Adapter) cachedQuanto(symbol string) decimal.Decimal {
	a.metaMu.RLock()
	defer a.metaMu.RUnlock()
	if meta, ok := a.meta[symbol]; ok && !meta.quanto.IsZero() {
		return meta.quanto
	}
	return decimal.NewFromInt(1)
}

func (a *Adapter) fundingFromContract(row *contractInfo, source core.SourceTag) *core.FundingRate {
	interval := int(row.FundingInterval / 3600)
	if !core.IsValidFundingInterval(interval) {
		interval = core.DefaultFundingIntervalHours
	}

	return &core.FundingRate{
		Venue:           core.VenueGate,
		Symbol:          fromContract(row.Name),
		Rate:            a.ParseDecimal(row.FundingRate),
		MarkPrice:       a.ParseDecimal(row.MarkPrice),
		IndexPrice:      a.ParseDecimal(row.IndexPrice),
		NextFundingTime: a.ParseUnixSec(row.FundingNextApply),
		IntervalHours:   interval,
		ReceivedAt:      time.Now(),
		Source:          source,
	}
}

// GetFundingRate fetches the current funding state for one contract.
func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (*core.FundingRate, error) {
	row, err := a.fetchContract(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return a.fundingFromContract(row, core.SourceRest), nil
}

// GetFundingRates answers from the contract list in a single call.
func (a *Adapter) GetFundingRates(ctx context.Context, symbols []string) ([]*core.FundingRate, error) {
	rows, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make([]*core.FundingRate, 0, len(symbols))
	for i := range rows {
		row := &rows[i]
		if row.InDelisting {
			continue
		}
		symbol := fromContract(row.Name)
		if len(want) > 0 && !want[symbol] {
			continue
		}
		out = append(out, a.fundingFromContract(row, core.SourceRest))
	}
	return out, nil
}

// GetFundingInterval returns the settlement interval in hours.
func (a *Adapter) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	a.metaMu.RLock()
	meta, ok := a.meta[symbol]
	a.metaMu.RUnlock()
	if ok && meta.intervalHours > 0 {
		return meta.intervalHours, nil
	}

	if _, err := a.fetchContract(ctx, symbol); err != nil {
		return 0, err
	}

	a.metaMu.RLock()
	defer a.metaMu.RUnlock()
	return a.meta[symbol].intervalHours, nil
}

// GetPrice returns the latest mark price for one symbol.
func (a *Adapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	row, err := a.fetchContract(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return a.ParseDecimal(row.MarkPrice), nil
}

// GetMarkPrices fetches mark prices from the contract list.
func (a *Adapter) GetMarkPrices(ctx context.Context, symbols []string) ([]*core.MarkPrice, error) {
	rows, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	now := time.Now()
	out := make([]*core.MarkPrice, 0, len(rows))
	for i := range rows {
		symbol := fromContract(rows[i].Name)
		if len(want) > 0 && !want[symbol] {
			continue
		}
		out = append(out, &core.MarkPrice{
			Venue:      core.VenueGate,
			Symbol:     symbol,
			Price:      a.ParseDecimal(rows[i].MarkPrice),
			ReceivedAt: now,
		})
	}
	return out, nil
}

// GetSymbolInfo returns contract metadata, fetching the list on a cache miss.
func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	a.metaMu.RLock()
	info, ok := a.info[symbol]
	a.metaMu.RUnlock()
	if ok {
		return info, nil
	}

	if _, err := a.fetchContracts(ctx); err != nil {
		return nil, err
	}

	a.metaMu.RLock()
	info, ok = a.info[symbol]
	a.metaMu.RUnlock()
	if !ok {
		return nil, apperrors.Venue(core.VenueGate, "contracts", "", "unknown symbol "+symbol, apperrors.ErrValidation)
	}
	return info, nil
}

// GetUsdtPerpetualSymbols lists canonical symbols of listed contracts.
func (a *Adapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	rows, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(rows))
	for i := range rows {
		if rows[i].InDelisting {
			continue
		}
		symbols = append(symbols, fromContract(rows[i].Name))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// GetOpenInterest derives open interest from the contract's total position
// size and the mark price.
func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (*core.OpenInterest, error) {
	row, err := a.fetchContract(ctx, symbol)
	if err != nil {
		return nil, err
	}

	quanto := a.cachedQuanto(symbol)
	coins := decimal.NewFromInt(row.PositionSize).Mul(quanto)
	mark := a.ParseDecimal(row.MarkPrice)

	return &core.OpenInterest{
		Symbol:    symbol,
		Contracts: coins,
		Value:     coins.Mul(mark),
		UpdatedAt: time.Now(),
	}, nil
}

// GetBalance returns the USDT futures account balance.
func (a *Adapter) GetBalance(ctx context.Context) ([]*core.Balance, error) {
	body, err := a.SignedGet(ctx, futuresPath+"/accounts", nil)
	if err != nil {
		return nil, a.RestError("accounts", err)
	}

	var raw struct {
		Total     string `json:"total"`
		Available string `json:"available"`
		Currency  string `json:"currency"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "accounts", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	return []*core.Balance{{
		Asset:     raw.Currency,
		Total:     a.ParseDecimal(raw.Total),
		Available: a.ParseDecimal(raw.Available),
	}}, nil
}

// GetPositions returns open futures positions, sizes converted to coins.
func (a *Adapter) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	body, err := a.SignedGet(ctx, futuresPath+"/positions", nil)
	if err != nil {
		return nil, a.RestError("positions", err)
	}

	var rows []struct {
		Contract      string `json:"contract"`
		Size          int64  `json:"size"`
		Leverage      string `json:"leverage"`
		EntryPrice    string `json:"entry_price"`
		MarkPrice     string `json:"mark_price"`
		UnrealisedPnl string `json:"unrealised_pnl"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "positions", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	out := make([]*core.VenuePosition, 0, len(rows))
	for _, row := range rows {
		if row.Size == 0 {
			continue
		}

		symbol := fromContract(row.Contract)
		side := core.SideLong
		if row.Size < 0 {
			side = core.SideShort
		}
		leverage, _ := strconv.Atoi(row.Leverage)

		out = append(out, &core.VenuePosition{
			Venue:         core.VenueGate,
			Symbol:        symbol,
			Side:          side,
			Size:          decimal.NewFromInt(absInt(row.Size)).Mul(a.quantoFor(ctx, symbol)),
			EntryPrice:    a.ParseDecimal(row.EntryPrice),
			MarkPrice:     a.ParseDecimal(row.MarkPrice),
			Leverage:      leverage,
			UnrealizedPnL: a.ParseDecimal(row.UnrealisedPnl),
		})
	}
	return out, nil
}

type gateOrder struct {
	ID         int64   `json:"id"`
	Text       string  `json:"text"`
	Contract   string  `json:"contract"`
	Size       int64   `json:"size"`
	Left       int64   `json:"left"`
	Price      string  `json:"price"`
	FillPrice  string  `json:"fill_price"`
	Status     string  `json:"status"`
	FinishAs   string  `json:"finish_as"`
	CreateTime float64 `json:"create_time"`
	FinishTime float64 `json:"finish_time"`
}

func (a *Adapter) orderFromGate(raw *gateOrder) *core.Order {
	symbol := fromContract(raw.Contract)
	quanto := a.cachedQuanto(symbol)

	total := decimal.NewFromInt(absInt(raw.Size)).Mul(quanto)
	executed := decimal.NewFromInt(absInt(raw.Size) - absInt(raw.Left)).Mul(quanto)

	side := core.OrderBuy
	if raw.Size < 0 {
		side = core.OrderSell
	}

	ordType := core.OrderLimit
	if raw.Price == "" || raw.Price == "0" {
		ordType = core.OrderMarket
	}

	updated := raw.CreateTime
	if raw.FinishTime > 0 {
		updated = raw.FinishTime
	}

	return &core.Order{
		Venue:         core.VenueGate,
		OrderID:       strconv.FormatInt(raw.ID, 10),
		ClientOrderID: strings.TrimPrefix(raw.Text, "t-"),
		Symbol:        symbol,
		Side:          side,
		Type:          ordType,
		Status:        statusFromGate(raw.Status, raw.FinishAs, raw.Size, raw.Left),
		Price:         a.ParseDecimal(raw.Price),
		AvgPrice:      a.ParseDecimal(raw.FillPrice),
		Quantity:      total,
		ExecutedQty:   executed,
		UpdatedAt:     time.Unix(int64(updated), 0),
	}
}

func statusFromGate(status, finishAs string, size, left int64) core.OrderStatus {
	switch status {
	case "open":
		if left != 0 && absInt(left) < absInt(size) {
			return core.OrderStatusPartiallyFilled
		}
		return core.OrderStatusNew
	case "finished":
		switch finishAs {
		case "filled":
			return core.OrderStatusFilled
		case "cancelled", "liquidated", "reduce_only", "position_closed":
			return core.OrderStatusCanceled
		case "ioc", "fok":
			return core.OrderStatusExpired
		}
		return core.OrderStatusFilled
	}
	return core.OrderStatusUnknown
}

// CreateOrder places an order. Market orders execute as IOC at price 0 per
// the Gate convention; stop-market and take-profit-market become
// price-triggered orders. Quantities are converted from coins to signed
// contract counts. Placement never retries.
func (a *Adapter) CreateOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	if req.Type == core.OrderStopMarket || req.Type == core.OrderTakeProfitMarket {
		return a.createTriggerOrder(ctx, req)
	}

	contract := toContract(req.Symbol)
	size := a.contractSize(ctx, req)

	body := map[string]interface{}{
		"contract": contract,
		"size":     size,
	}
	if req.Type == core.OrderLimit {
		body["price"] = req.Price.String()
		body["tif"] = "gtc"
	} else {
		body["price"] = "0"
		body["tif"] = "ioc"
	}
	if req.ReduceOnly {
		body["reduce_only"] = true
	}
	if req.ClientOrderID != "" {
		body["text"] = "t-" + req.ClientOrderID
	}

	respBody, err := a.SignedPostOnce(ctx, futuresPath+"/orders", body)
	if err != nil {
		return nil, a.orderUncertain("create-order", err)
	}

	var raw gateOrder
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "create-order", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	order := a.orderFromGate(&raw)
	order.Type = req.Type
	order.PositionSide = req.PositionSide
	return order, nil
}

// contractSize converts the request quantity to Gate's signed contract count.
func (a *Adapter) contractSize(ctx context.Context, req *core.OrderRequest) int64 {
	quanto := a.quantoFor(ctx, req.Symbol)
	size := req.Quantity.Div(quanto).Round(0).IntPart()
	if size == 0 && !req.Quantity.IsZero() {
		size = 1
	}
	if req.Side == core.OrderSell {
		size = -size
	}
	return size
}

// triggerRule picks the Gate trigger comparison: 1 fires when the mark price
// rises to the trigger, 2 when it falls to it.
func triggerRule(t core.OrderType, pos core.PositionSide) int {
	if t == core.OrderStopMarket {
		if pos == core.SideShort {
			return 1
		}
		return 2
	}
	if pos == core.SideShort {
		return 2
	}
	return 1
}

func (a *Adapter) createTriggerOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	initial := map[string]interface{}{
		"contract":    toContract(req.Symbol),
		"size":        a.contractSize(ctx, req),
		"price":       "0",
		"tif":         "ioc",
		"reduce_only": true,
	}
	if req.ClientOrderID != "" {
		initial["text"] = "t-" + req.ClientOrderID
	}

	body := map[string]interface{}{
		"initial": initial,
		"trigger": map[string]interface{}{
			"strategy_type": 0,
			"price_type":    0,
			"price":         req.StopPrice.String(),
			"rule":          triggerRule(req.Type, req.PositionSide),
		},
	}

	respBody, err := a.SignedPostOnce(ctx, futuresPath+"/price_orders", body)
	if err != nil {
		return nil, a.orderUncertain("create-trigger-order", err)
	}

	var raw struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "create-trigger-order", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	return &core.Order{
		Venue:         core.VenueGate,
		OrderID:       strconv.FormatInt(raw.ID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		RawType:       "price_triggered",
		Status:        core.OrderStatusNew,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		UpdatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) orderUncertain(op string, err error) error {
	mapped := a.RestError(op, err)
	if errors.Is(mapped, apperrors.ErrTransport) || errors.Is(mapped, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrUncertain, mapped)
	}
	return mapped
}

// CancelOrder cancels by order id, falling back to the price-triggered
// endpoint. An order the venue no longer knows is not an error.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.SignedDelete(ctx, futuresPath+"/orders/"+orderID, nil)
	if err != nil {
		mapped := a.RestError("cancel-order", err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return a.cancelTrigger(ctx, orderID)
		}
		return mapped
	}
	return nil
}

func (a *Adapter) cancelTrigger(ctx context.Context, orderID string) error {
	_, err := a.SignedDelete(ctx, futuresPath+"/price_orders/"+orderID, nil)
	if err != nil {
		mapped := a.RestError("cancel-trigger-order", err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// GetOrder fetches one order by id, falling back to the price-triggered
// endpoint for conditional orders.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	body, err := a.SignedGet(ctx, futuresPath+"/orders/"+orderID, nil)
	if err != nil {
		mapped := a.RestError("get-order", err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return a.getTriggerOrder(ctx, symbol, orderID)
		}
		return nil, mapped
	}

	var raw gateOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "get-order", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}
	return a.orderFromGate(&raw), nil
}

func (a *Adapter) getTriggerOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	body, err := a.SignedGet(ctx, futuresPath+"/price_orders/"+orderID, nil)
	if err != nil {
		return nil, a.RestError("get-trigger-order", err)
	}

	var raw struct {
		ID      int64 `json:"id"`
		TradeID int64 `json:"trade_id"`
		Initial struct {
			Contract string `json:"contract"`
			Size     int64  `json:"size"`
			Text     string `json:"text"`
		} `json:"initial"`
		Trigger struct {
			Rule  int    `json:"rule"`
			Price string `json:"price"`
		} `json:"trigger"`
		Status     string  `json:"status"`
		FinishAs   string  `json:"finish_as"`
		CreateTime float64 `json:"create_time"`
		FinishTime float64 `json:"finish_time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "get-trigger-order", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	sym := fromContract(raw.Initial.Contract)
	quanto := a.cachedQuanto(sym)

	side := core.OrderBuy
	if raw.Initial.Size < 0 {
		side = core.OrderSell
	}

	// A sell closing a long stops out on rule 2 (falling price) and takes
	// profit on rule 1; a buy closing a short is the mirror image.
	ordType := core.OrderTakeProfitMarket
	if (raw.Initial.Size < 0 && raw.Trigger.Rule == 2) || (raw.Initial.Size > 0 && raw.Trigger.Rule == 1) {
		ordType = core.OrderStopMarket
	}

	updated := raw.CreateTime
	if raw.FinishTime > 0 {
		updated = raw.FinishTime
	}

	order := &core.Order{
		Venue:         core.VenueGate,
		OrderID:       strconv.FormatInt(raw.ID, 10),
		ClientOrderID: strings.TrimPrefix(raw.Initial.Text, "t-"),
		Symbol:        sym,
		Side:          side,
		Type:          ordType,
		RawType:       "price_triggered",
		Status:        triggerStatusFromGate(raw.Status, raw.FinishAs),
		StopPrice:     a.ParseDecimal(raw.Trigger.Price),
		Quantity:      decimal.NewFromInt(absInt(raw.Initial.Size)).Mul(quanto),
		UpdatedAt:     time.Unix(int64(updated), 0),
	}

	// A fired trigger spawns a regular order carrying the fill details.
	if raw.FinishAs == "succeeded" && raw.TradeID != 0 {
		spawned, err := a.GetOrder(ctx, sym, strconv.FormatInt(raw.TradeID, 10))
		if err == nil {
			order.AvgPrice = spawned.AvgPrice
			order.ExecutedQty = spawned.ExecutedQty
		}
	}
	return order, nil
}

func triggerStatusFromGate(status, finishAs string) core.OrderStatus {
	switch status {
	case "open", "inactive":
		return core.OrderStatusNew
	case "invalid":
		return core.OrderStatusRejected
	case "finished":
		switch finishAs {
		case "succeeded":
			return core.OrderStatusFilled
		case "cancelled":
			return core.OrderStatusCanceled
		case "failed":
			return core.OrderStatusRejected
		case "expired":
			return core.OrderStatusExpired
		}
	}
	return core.OrderStatusUnknown
}

// GetFundingPayments lists settled funding fees from the account book.
func (a *Adapter) GetFundingPayments(ctx context.Context, symbol string, since time.Time) ([]*core.FundingPayment, error) {
	params := map[string]string{"type": "fund", "limit": "1000"}
	if !since.IsZero() {
		params["from"] = strconv.FormatInt(since.Unix(), 10)
	}

	body, err := a.SignedGet(ctx, futuresPath+"/account_book", params)
	if err != nil {
		return nil, a.RestError("account-book", err)
	}

	var rows []struct {
		Time   float64 `json:"time"`
		Change string  `json:"change"`
		Text   string  `json:"text"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperrors.Venue(core.VenueGate, "account-book", "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}

	out := make([]*core.FundingPayment, 0, len(rows))
	for _, row := range rows {
		contract := row.Text
		if i := strings.Index(contract, ":"); i >= 0 {
			contract = contract[:i]
		}
		sym := fromContract(contract)
		if symbol != "" && sym != symbol {
			continue
		}

		out = append(out, &core.FundingPayment{
			Venue:  core.VenueGate,
			Symbol: sym,
			Amount: a.ParseDecimal(row.Change),
			PaidAt: time.Unix(int64(row.Time), 0),
		})
	}
	return out, nil
}
