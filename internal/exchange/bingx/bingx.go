// Package bingx provides the BingX venue adapter
package bingx

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultRestURL = "https://open-api.bingx.com"
	defaultWsURL   = "wss://open-api-swap.bingx.com/swap-market"

	pathContracts      = "/openApi/swap/v2/quote/contracts"
	pathPremiumIndex   = "/openApi/swap/v2/quote/premiumIndex"
	pathFundingHistory = "/openApi/swap/v2/quote/fundingRate"
	pathOpenInterest   = "/openApi/swap/v2/quote/openInterest"
	pathBalance        = "/openApi/swap/v2/user/balance"
	pathPositions      = "/openApi/swap/v2/user/positions"
	pathIncome         = "/openApi/swap/v2/user/income"
	pathOrder          = "/openApi/swap/v2/trade/order"

	markPriceSuffix = "@markPrice"
)

// Adapter implements core.IExchangeAdapter for BingX perpetual swaps.
type Adapter struct {
	*base.Adapter

	wsURL string

	wsMu sync.Mutex
	ws   *websocket.Client

	cacheMu   sync.RWMutex
	intervals map[string]int
	info      map[string]*core.SymbolInfo
}

// New creates a BingX adapter. credsFn may be nil for market-data-only use.
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
		Adapter:   base.NewAdapter(core.VenueBingX, cfg, restURL, credsFn, signRequest, logger),
		wsURL:     wsURL,
		intervals: make(map[string]int),
		info:      make(map[string]*core.SymbolInfo),
	}
	a.SetParseError(parseError)
	return a
}

// signRequest signs per BingX: hex(hmac-sha256) over the alphabetically
// sorted query string, appended as the signature parameter. All signed
// parameters travel in the query, including for POST.
func signRequest(req *http.Request, body []byte, creds *core.Credentials) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	payload := sortedQuery(q)
	mac := hmac.New(sha256.New, creds.SecretKey)
	mac.Write([]byte(payload))

	req.URL.RawQuery = payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-BX-APIKEY", string(creds.APIKey))
	return nil
}

func sortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(q.Get(k))
	}
	return sb.String()
}

// mapCode maps a BingX numeric error code to a kind sentinel.
func mapCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 80001:
		return apperrors.ErrRateLimit
	case 100001:
		return apperrors.ErrCredentialInvalid
	case 100202:
		return apperrors.ErrInsufficientFunds
	case 100400, 80014, 80017:
		return apperrors.ErrValidation
	case 80016:
		return apperrors.ErrOrderNotFound
	case 100440:
		return apperrors.ErrOrderRejected
	case 100500, 100503, 80012:
		return apperrors.ErrTransport
	}
	return apperrors.Venue(core.VenueBingX, "api", strconv.Itoa(code), msg, apperrors.ErrAPI)
}

func parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}
	return mapCode(errResp.Code, errResp.Msg)
}

// toBingX converts canonical BTCUSDT to the BingX pair BTC-USDT.
func toBingX(symbol string) string {
	if b, ok := base.BaseOfUSDT(symbol); ok {
		return b + "-USDT"
	}
	return symbol
}

// fromBingX converts BTC-USDT back to canonical BTCUSDT.
func fromBingX(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "")
}

// unwrap decodes the BingX envelope. Errors arrive with HTTP 200 and a
// non-zero code.
func (a *Adapter) unwrap(op string, body []byte, out interface{}) error {
	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return apperrors.Venue(core.VenueBingX, op, "", "malformed response: "+err.Error(), apperrors.ErrAPI)
	}
	if err := mapCode(env.Code, env.Msg); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.Venue(core.VenueBingX, op, "", "malformed data: "+err.Error(), apperrors.ErrAPI)
	}
	return nil
}

// Connect dials the swap-market WebSocket and blocks until the first
// connection is up or ctx ends.
func (a *Adapter) Connect(ctx context.Context) error {
	a.wsMu.Lock()
	if a.ws != nil {
		a.wsMu.Unlock()
		return nil
	}

	client := websocket.NewClient(a.wsURL, a.handleMessage, a.Logger)
	client.SetTextPing(func() []byte { return []byte("Ping") })
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
		return apperrors.Transport(core.VenueBingX, "connect", ctx.Err())
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

// Subscribe requests the mark price stream for each symbol. Every symbol is
// its own request; the request id keys the acknowledgement.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	added := a.AddSubscriptions(symbols)
	if len(added) == 0 {
		return nil
	}

	ws := a.client()
	if ws == nil || !ws.IsConnected() {
		return nil
	}

	ids := make([]string, 0, len(added))
	for _, sym := range added {
		id := uuid.NewString()
		a.ExpectAck(id)
		frame := map[string]string{
			"id":       id,
			"reqType":  "sub",
			"dataType": toBingX(sym) + markPriceSuffix,
		}
		if err := ws.Send(frame); err != nil {
			a.RemoveSubscriptions(added)
			return apperrors.Transport(core.VenueBingX, "subscribe", err)
		}
		ids = append(ids, id)
	}

	if err := a.WaitAcks(ctx, "subscribe", ids); err != nil {
		a.RemoveSubscriptions(added)
		return err
	}
	return nil
}

// Unsubscribe drops the mark price stream for each symbol without waiting
// for confirmations.
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	removed := a.RemoveSubscriptions(symbols)
	if len(removed) == 0 {
		return nil
	}

	ws := a.client()
	if ws == nil || !ws.IsConnected() {
		return nil
	}

	for _, sym := range removed {
		frame := map[string]string{
			"id":       uuid.NewString(),
			"reqType":  "unsub",
			"dataType": toBingX(sym) + markPriceSuffix,
		}
		if err := ws.Send(frame); err != nil {
			return apperrors.Transport(core.VenueBingX, "unsubscribe", err)
		}
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

	for _, sym := range symbols {
		frame := map[string]string{
			"id":       uuid.NewString(),
			"reqType":  "sub",
			"dataType": toBingX(sym) + markPriceSuffix,
		}
		if err := ws.Send(frame); err != nil {
			a.Logger.Warn("Resubscribe failed", "symbol", sym, "error", err)
			return
		}
	}
}

// decodeFrame gunzips compressed frames. The stream mixes gzip binary
// payloads with plain text keepalives.
func decodeFrame(message []byte) ([]byte, error) {
	if len(message) < 2 || message[0] != 0x1f || message[1] != 0x8b {
		return message, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (a *Adapter) handleMessage(message []byte) {
	payload, err := decodeFrame(message)
	if err != nil {
		a.Logger.Warn("Undecodable frame", "error", err)
		return
	}

	// The server probes liveness with a bare text Ping
	if string(payload) == "Ping" {
		if ws := a.client(); ws != nil {
			_ = ws.SendText([]byte("Pong"))
		}
		return
	}
	if string(payload) == "Pong" {
		return
	}

	var env struct {
		ID       string          `json:"id"`
		Code     int             `json:"code"`
		Msg      string          `json:"msg"`
		DataType string          `json:"dataType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		a.Logger.Warn("Unparseable message", "error", err)
		return
	}

	// Subscribe responses echo the request id and carry no dataType
	if env.ID != "" && env.DataType == "" {
		a.ResolveAck(env.ID, mapCode(env.Code, env.Msg))
		return
	}

	if strings.HasSuffix(env.DataType, markPriceSuffix) {
		a.handleMark(strings.TrimSuffix(env.DataType, markPriceSuffix), env.Data)
	}
}

func (a *Adapter) handleMark(pair string, data json.RawMessage) {
	var row struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		a.Logger.Warn("Unparseable mark-price data", "error", err)
		return
	}
	if row.Symbol == "" {
		row.Symbol = pair
	}

	a.EmitMarkPrice(&core.MarkPrice{
		Venue:      core.VenueBingX,
		Symbol:     fromBingX(row.Symbol),
		Price:      a.ParseDecimal(row.Price),
		ReceivedAt: time.Now(),
	})
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (a *Adapter) fundingFromIndex(row *premiumIndex, interval int) *core.FundingRate {
	return &core.FundingRate{
		Venue:           core.VenueBingX,
		Symbol:          fromBingX(row.Symbol),
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
	body, err := a.Get(ctx, pathPremiumIndex, map[string]string{"symbol": toBingX(symbol)})
	if err != nil {
		return nil, a.RestError("premium-index", err)
	}

	var row premiumIndex
	if err := a.unwrap("premium-index", body, &row); err != nil {
		return nil, err
	}
	return a.fundingFromIndex(&row, a.intervalFor(ctx, symbol)), nil
}

// GetFundingRates answers from the unfiltered premium index in one call.
// Intervals come from the cache; symbols never seen before get the default
// rather than a per-symbol history fetch.
func (a *Adapter) GetFundingRates(ctx context.Context, symbols []string) ([]*core.FundingRate, error) {
	body, err := a.Get(ctx, pathPremiumIndex, nil)
	if err != nil {
		return nil, a.RestError("premium-index", err)
	}

	var rows []premiumIndex
	if err := a.unwrap("premium-index", body, &rows); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make([]*core.FundingRate, 0, len(symbols))
	for i := range rows {
		symbol := fromBingX(rows[i].Symbol)
		if len(want) > 0 && !want[symbol] {
			continue
		}
		out = append(out, a.fundingFromIndex(&rows[i], a.cachedInterval(symbol)))
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
// most recent funding settlements. The premium index itself does not carry
// the schedule.
func (a *Adapter) fetchInterval(ctx context.Context, symbol string) (int, error) {
	params := map[string]string{"symbol": toBingX(symbol), "limit": "2"}
	body, err := a.Get(ctx, pathFundingHistory, params)
	if err != nil {
		return 0, a.RestError("funding-history", err)
	}

	var rows []struct {
		FundingTime int64 `json:"fundingTime"`
	}
	if err := a.unwrap("funding-history", body, &rows); err != nil {
		return 0, err
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
	body, err := a.Get(ctx, pathPremiumIndex, map[string]string{"symbol": toBingX(symbol)})
	if err != nil {
		return decimal.Zero, a.RestError("premium-index", err)
	}

	var row premiumIndex
	if err := a.unwrap("premium-index", body, &row); err != nil {
		return decimal.Zero, err
	}
	return a.ParseDecimal(row.MarkPrice), nil
}

// GetMarkPrices fetches mark prices from the unfiltered premium index.
func (a *Adapter) GetMarkPrices(ctx context.Context, symbols []string) ([]*core.MarkPrice, error) {
	body, err := a.Get(ctx, pathPremiumIndex, nil)
	if err != nil {
		return nil, a.RestError("premium-index", err)
	}

	var rows []premiumIndex
	if err := a.unwrap("premium-index", body, &rows); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	now := time.Now()
	out := make([]*core.MarkPrice, 0, len(rows))
	for i := range rows {
		symbol := fromBingX(rows[i].Symbol)
		if len(want) > 0 && !want[symbol] {
			continue
		}
		out = append(out, &core.MarkPrice{
			Venue:      core.VenueBingX,
			Symbol:     symbol,
			Price:      a.ParseDecimal(rows[i].MarkPrice),
			ReceivedAt: now,
		})
	}
	return out, nil
}

func (a *Adapter) fetchContracts(ctx context.Context) error {
	body, err := a.Get(ctx, pathContracts, nil)
	if err != nil {
		return a.RestError("contracts", err)
	}

	var rows []struct {
		Symbol            string  `json:"symbol"`
		PricePrecision    int     `json:"pricePrecision"`
		QuantityPrecision int     `json:"quantityPrecision"`
		MinOrderQty       float64 `json:"minOrderQty"`
		Size              string  `json:"size"`
		Status            int     `json:"status"`
	}
	if err := a.unwrap("contracts", body, &rows); err != nil {
		return err
	}

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for _, row := range rows {
		if row.Status != 1 {
			continue
		}
		symbol := fromBingX(row.Symbol)
		a.info[symbol] = &core.SymbolInfo{
			Symbol:            symbol,
			PricePrecision:    row.PricePrecision,
			QuantityPrecision: row.QuantityPrecision,
			MinQuantity:       decimal.NewFromFloat(row.MinOrderQty),
			ContractSize:      a.ParseDecimal(row.Size),
		}
	}
	return nil
}

// GetSymbolInfo returns contract metadata, fetching the list on a cache miss.
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
		return nil, apperrors.Venue(core.VenueBingX, "contracts", "", "unknown symbol "+symbol, apperrors.ErrValidation)
	}
	return info, nil
}

// GetUsdtPerpetualSymbols lists canonical symbols of online contracts.
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
	body, err := a.Get(ctx, pathOpenInterest, map[string]string{"symbol": toBingX(symbol)})
	if err != nil {
		return nil, a.RestError("open-interest", err)
	}

	var row struct {
		OpenInterest string `json:"openInterest"`
		Time         int64  `json:"time"`
	}
	if err := a.unwrap("open-interest", body, &row); err != nil {
		return nil, err
	}

	oi := &core.OpenInterest{
		Symbol:    symbol,
		Contracts: a.ParseDecimal(row.OpenInterest),
		UpdatedAt: a.ParseUnixMilli(row.Time),
	}
	if mark, err := a.GetPrice(ctx, symbol); err == nil {
		oi.Value = oi.Contracts.Mul(mark)
	}
	return oi, nil
}

// GetBalance returns the perpetual account balance.
func (a *Adapter) GetBalance(ctx context.Context) ([]*core.Balance, error) {
	body, err := a.SignedGet(ctx, pathBalance, nil)
	if err != nil {
		return nil, a.RestError("balance", err)
	}

	var data struct {
		Balance struct {
			Asset           string `json:"asset"`
			Balance         string `json:"balance"`
			AvailableMargin string `json:"availableMargin"`
		} `json:"balance"`
	}
	if err := a.unwrap("balance", body, &data); err != nil {
		return nil, err
	}

	return []*core.Balance{{
		Asset:     data.Balance.Asset,
		Total:     a.ParseDecimal(data.Balance.Balance),
		Available: a.ParseDecimal(data.Balance.AvailableMargin),
	}}, nil
}

// GetPositions returns open positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	body, err := a.SignedGet(ctx, pathPositions, nil)
	if err != nil {
		return nil, a.RestError("positions", err)
	}

	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		AvgPrice         string `json:"avgPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		Leverage         int    `json:"leverage"`
	}
	if err := a.unwrap("positions", body, &rows); err != nil {
		return nil, err
	}

	out := make([]*core.VenuePosition, 0, len(rows))
	for _, row := range rows {
		size := a.ParseDecimal(row.PositionAmt)
		if size.IsZero() {
			continue
		}

		side := core.SideLong
		if row.PositionSide == "SHORT" || size.IsNegative() {
			side = core.SideShort
		}

		out = append(out, &core.VenuePosition{
			Venue:         core.VenueBingX,
			Symbol:        fromBingX(row.Symbol),
			Side:          side,
			Size:          size.Abs(),
			EntryPrice:    a.ParseDecimal(row.AvgPrice),
			MarkPrice:     a.ParseDecimal(row.MarkPrice),
			Leverage:      row.Leverage,
			UnrealizedPnL: a.ParseDecimal(row.UnrealizedProfit),
		})
	}
	return out, nil
}

type bingxOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Commission    string `json:"commission"`
	Profit        string `json:"profit"`
	UpdateTime    int64  `json:"updateTime"`
}

func (a *Adapter) orderFromBingX(raw *bingxOrder) *core.Order {
	return &core.Order{
		Venue:         core.VenueBingX,
		OrderID:       strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID: raw.ClientOrderID,
		Symbol:        fromBingX(raw.Symbol),
		Side:          sideFromBingX(raw.Side),
		PositionSide:  posSideFromBingX(raw.PositionSide),
		Type:          typeFromBingX(raw.Type),
		RawType:       raw.Type,
		Status:        statusFromBingX(raw.Status),
		Price:         a.ParseDecimal(raw.Price),
		AvgPrice:      a.ParseDecimal(raw.AvgPrice),
		StopPrice:     a.ParseDecimal(raw.StopPrice),
		Quantity:      a.ParseDecimal(raw.OrigQty),
		ExecutedQty:   a.ParseDecimal(raw.ExecutedQty),
		Fee:           a.ParseDecimal(raw.Commission).Abs(),
		RealizedPnL:   a.ParseDecimal(raw.Profit),
		UpdatedAt:     a.ParseUnixMilli(raw.UpdateTime),
	}
}

// CreateOrder places an order. BingX takes stop-market and
// take-profit-market natively, so no separate conditional endpoint is
// involved. Placement never retries.
func (a *Adapter) CreateOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	params := url.Values{}
	params.Set("symbol", toBingX(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	if req.Type == core.OrderLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.Type == core.OrderStopMarket || req.Type == core.OrderTakeProfitMarket {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("clientOrderID", req.ClientOrderID)
	}

	body, err := a.SignedPostOnce(ctx, pathOrder+"?"+params.Encode(), nil)
	if err != nil {
		return nil, a.orderUncertain("create-order", err)
	}

	var data struct {
		Order bingxOrder `json:"order"`
	}
	if err := a.unwrap("create-order", body, &data); err != nil {
		return nil, err
	}

	order := a.orderFromBingX(&data.Order)
	if order.Status == core.OrderStatusUnknown {
		order.Status = core.OrderStatusNew
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	order.UpdatedAt = time.Now()
	return order, nil
}

func (a *Adapter) orderUncertain(op string, err error) error {
	mapped := a.RestError(op, err)
	if errors.Is(mapped, apperrors.ErrTransport) || errors.Is(mapped, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrUncertain, mapped)
	}
	return mapped
}

// CancelOrder cancels by order id. An order the venue no longer knows is
// not an error.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  toBingX(symbol),
		"orderId": orderID,
	}
	body, err := a.SignedDelete(ctx, pathOrder, params)
	if err != nil {
		mapped := a.RestError("cancel-order", err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return nil
		}
		return mapped
	}

	if err := a.unwrap("cancel-order", body, nil); err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// GetOrder fetches one order by id.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	params := map[string]string{
		"symbol":  toBingX(symbol),
		"orderId": orderID,
	}
	body, err := a.SignedGet(ctx, pathOrder, params)
	if err != nil {
		return nil, a.RestError("get-order", err)
	}

	var data struct {
		Order bingxOrder `json:"order"`
	}
	if err := a.unwrap("get-order", body, &data); err != nil {
		return nil, err
	}
	return a.orderFromBingX(&data.Order), nil
}

// GetFundingPayments lists settled funding fees from the income endpoint.
func (a *Adapter) GetFundingPayments(ctx context.Context, symbol string, since time.Time) ([]*core.FundingPayment, error) {
	params := map[string]string{
		"incomeType": "FUNDING_FEE",
		"limit":      "1000",
	}
	if symbol != "" {
		params["symbol"] = toBingX(symbol)
	}
	if !since.IsZero() {
		params["startTime"] = strconv.FormatInt(since.UnixMilli(), 10)
	}

	body, err := a.SignedGet(ctx, pathIncome, params)
	if err != nil {
		return nil, a.RestError("income", err)
	}

	var rows []struct {
		Symbol string `json:"symbol"`
		Income string `json:"income"`
		Time   int64  `json:"time"`
	}
	if err := a.unwrap("income", body, &rows); err != nil {
		return nil, err
	}

	out := make([]*core.FundingPayment, 0, len(rows))
	for _, row := range rows {
		out = append(out, &core.FundingPayment{
			Venue:  core.VenueBingX,
			Symbol: fromBingX(row.Symbol),
			Amount: a.ParseDecimal(row.Income),
			PaidAt: a.ParseUnixMilli(row.Time),
		})
	}
	return out, nil
}

func sideFromBingX(s string) core.OrderSide {
	if s == "SELL" {
		return core.OrderSell
	}
	return core.OrderBuy
}

func posSideFromBingX(s string) core.PositionSide {
	switch s {
	case "LONG":
		return core.SideLong
	case "SHORT":
		return core.SideShort
	}
	return ""
}

func typeFromBingX(s string) core.OrderType {
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

func statusFromBingX(s string) core.OrderStatus {
	switch s {
	case "NEW", "PENDING":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return core.OrderStatusCanceled
	case "FAILED", "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED":
		return core.OrderStatusExpired
	}
	return core.OrderStatusUnknown
}
