package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contractsJSON = `[
	{"name":"BTC_USDT","type":"direct","quanto_multiplier":"0.0001","funding_rate":"0.0001","funding_interval":28800,"funding_next_apply":1700057600,"mark_price":"45000.5","index_price":"45000","order_price_round":"0.1","order_size_min":1,"position_size":150000,"in_delisting":false},
	{"name":"ETH_USDT","type":"direct","quanto_multiplier":"0.01","funding_rate":"-0.0002","funding_interval":14400,"funding_next_apply":1700043200,"mark_price":"2500.25","index_price":"2500","order_price_round":"0.01","order_size_min":1,"position_size":80000,"in_delisting":false},
	{"name":"DOGE_USDT","type":"direct","quanto_multiplier":"10","funding_rate":"0.0003","funding_interval":28800,"funding_next_apply":1700057600,"mark_price":"0.1","index_price":"0.1","order_price_round":"0.00001","order_size_min":1,"position_size":0,"in_delisting":true}
]`

func testCreds(ctx context.Context) (*core.Credentials, error) {
	return &core.Credentials{
		APIKey:    []byte("test_key"),
		SecretKey: []byte("test_secret"),
	}, nil
}

func newTestAdapter(t *testing.T, restURL string, credsFn core.CredentialsFunc) *Adapter {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := config.VenueConfig{
		RestURL:            restURL,
		RequestTimeoutMs:   2000,
		SubscribeTimeoutMs: 2000,
	}
	return New(cfg, credsFn, logger)
}

func TestGateSymbolDialect(t *testing.T) {
	assert.Equal(t, "BTC_USDT", toContract("BTCUSDT"))
	assert.Equal(t, "1000PEPE_USDT", toContract("1000PEPEUSDT"))
	assert.Equal(t, "BTCUSDT", fromContract("BTC_USDT"))
	assert.Equal(t, "1000PEPEUSDT", fromContract("1000PEPE_USDT"))
}

func TestGateSignRequest(t *testing.T) {
	req, err := http.NewRequest("POST", "https://api.gateio.ws/api/v4/futures/usdt/orders?foo=bar", nil)
	require.NoError(t, err)

	body := []byte(`{"contract":"BTC_USDT"}`)
	creds := &core.Credentials{
		APIKey:    []byte("test_key"),
		SecretKey: []byte("test_secret"),
	}
	require.NoError(t, signRequest(req, body, creds))

	timestamp := req.Header.Get("Timestamp")
	require.NotEmpty(t, timestamp, "Timestamp header missing")

	// Recompute: hex(hmac-sha512(method\npath\nquery\nhex(sha512(body))\nts))
	hasher := sha512.New()
	hasher.Write(body)
	message := "POST\n/api/v4/futures/usdt/orders\nfoo=bar\n" + hex.EncodeToString(hasher.Sum(nil)) + "\n" + timestamp
	mac := hmac.New(sha512.New, []byte("test_secret"))
	mac.Write([]byte(message))

	assert.Equal(t, "test_key", req.Header.Get("KEY"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("SIGN"), "Signature mismatch")
}

func TestGateParseError(t *testing.T) {
	cases := []struct {
		label string
		want  error
	}{
		{"INVALID_PARAM", apperrors.ErrValidation},
		{"CONTRACT_NOT_FOUND", apperrors.ErrValidation},
		{"INVALID_SIGNATURE", apperrors.ErrCredentialInvalid},
		{"BALANCE_NOT_ENOUGH", apperrors.ErrInsufficientFunds},
		{"ORDER_NOT_FOUND", apperrors.ErrOrderNotFound},
		{"ORDER_POC_IMMEDIATE", apperrors.ErrOrderRejected},
		{"TOO_MANY_REQUESTS", apperrors.ErrRateLimit},
		{"SERVER_ERROR", apperrors.ErrTransport},
	}
	for _, tc := range cases {
		err := parseError([]byte(`{"label":"` + tc.label + `","message":"x"}`))
		assert.ErrorIs(t, err, tc.want, "label %s", tc.label)
	}

	assert.NoError(t, parseError([]byte(`{"message":"no label"}`)))

	err := parseError([]byte(`{"label":"SOMETHING_NEW","message":"boom"}`))
	assert.ErrorIs(t, err, apperrors.ErrAPI)
	var verr *apperrors.VenueError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "SOMETHING_NEW", verr.Code, "Raw venue label should be preserved")
}

func TestGateGetFundingRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/futures/usdt/contracts/BTC_USDT", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"BTC_USDT","quanto_multiplier":"0.0001","funding_rate":"0.0001","funding_interval":28800,"funding_next_apply":1700057600,"mark_price":"45000.5","index_price":"45000","order_price_round":"0.1","order_size_min":1}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	rate, err := a.GetFundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err, "GetFundingRate failed")

	assert.Equal(t, core.VenueGate, rate.Venue)
	assert.Equal(t, "BTCUSDT", rate.Symbol)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0001")), "Expected rate 0.0001, got %v", rate.Rate)
	assert.True(t, rate.MarkPrice.Equal(decimal.RequireFromString("45000.5")))
	assert.Equal(t, 8, rate.IntervalHours, "28800 seconds should map to 8 hours")
	assert.Equal(t, time.Unix(1700057600, 0).Unix(), rate.NextFundingTime.Unix())
	assert.Equal(t, core.SourceRest, rate.Source)
}

func TestGateGetFundingRatesBulk(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v4/futures/usdt/contracts", r.URL.Path)
		_, _ = w.Write([]byte(contractsJSON))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	rates, err := a.GetFundingRates(context.Background(), []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT"})
	require.NoError(t, err, "GetFundingRates failed")
	assert.Equal(t, 1, calls, "Bulk fetch should be a single contracts call")

	require.Len(t, rates, 2, "Delisted contracts should be omitted")
	bySymbol := make(map[string]*core.FundingRate)
	for _, fr := range rates {
		bySymbol[fr.Symbol] = fr
	}
	require.Contains(t, bySymbol, "BTCUSDT")
	require.Contains(t, bySymbol, "ETHUSDT")
	assert.Equal(t, 4, bySymbol["ETHUSDT"].IntervalHours, "14400 seconds should map to 4 hours")
	assert.True(t, bySymbol["ETHUSDT"].Rate.Equal(decimal.RequireFromString("-0.0002")))
}

func TestGateSubscribeAndStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(msg), `"channel":"futures.tickers"`, "Expected tickers channel")
		assert.Contains(t, string(msg), `"event":"subscribe"`, "Expected subscribe event")
		assert.Contains(t, string(msg), `"BTC_USDT"`, "Expected contract in payload")

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"time":1700000000,"channel":"futures.tickers","event":"subscribe","error":null,"result":{"status":"success"}}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"time":1700000001,"channel":"futures.tickers","event":"update","result":[{"contract":"BTC_USDT","last":"45002","funding_rate":"0.0002","mark_price":"45001","index_price":"45000"}]}`))
		time.Sleep(1 * time.Second)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, _ := logging.NewZapLogger("ERROR")
	a := New(config.VenueConfig{WsURL: wsURL, SubscribeTimeoutMs: 2000}, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, a.Connect(ctx), "Connect failed")
	defer a.Disconnect()

	require.NoError(t, a.Subscribe(ctx, []string{"BTCUSDT"}), "Subscribe failed")
	assert.Equal(t, 1, a.SubscriptionCount())

	var sawFunding, sawMark bool
	deadline := time.After(2 * time.Second)
	for !sawFunding || !sawMark {
		select {
		case ev := <-a.Events():
			switch ev.Type {
			case core.AdapterEventFundingRate:
				require.NotNil(t, ev.Rate)
				assert.Equal(t, "BTCUSDT", ev.Rate.Symbol)
				assert.True(t, ev.Rate.Rate.Equal(decimal.RequireFromString("0.0002")), "Expected rate 0.0002, got %v", ev.Rate.Rate)
				assert.Equal(t, 8, ev.Rate.IntervalHours, "Interval should default without contract metadata")
				assert.Equal(t, core.SourceWebSocket, ev.Rate.Source)
				sawFunding = true
			case core.AdapterEventMarkPrice:
				require.NotNil(t, ev.Mark)
				assert.True(t, ev.Mark.Price.Equal(decimal.RequireFromString("45001")))
				sawMark = true
			}
		case <-deadline:
			require.Fail(t, "Timed out waiting for ticker events")
		}
	}
}

func TestGateSubscribeTimeoutRollsBack(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		// Swallow the subscribe frame and never acknowledge it
		_, _, _ = c.ReadMessage()
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, _ := logging.NewZapLogger("ERROR")
	a := New(config.VenueConfig{WsURL: wsURL, SubscribeTimeoutMs: 100}, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, a.Connect(ctx), "Connect failed")
	defer a.Disconnect()

	err := a.Subscribe(ctx, []string{"BTCUSDT"})
	require.Error(t, err, "Subscribe should time out without an ack")
	assert.ErrorIs(t, err, apperrors.ErrSubscribeTimeout)
	assert.Equal(t, 0, a.SubscriptionCount(), "Failed batch should be rolled back")
}

func TestGateCreateOrder(t *testing.T) {
	var orderBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts":
			_, _ = w.Write([]byte(contractsJSON))
		case "/api/v4/futures/usdt/orders":
			assert.Equal(t, "POST", r.Method)
			assert.NotEmpty(t, r.Header.Get("SIGN"), "Expected signed request")
			body, _ := io.ReadAll(r.Body)
			orderBody = string(body)
			_, _ = w.Write([]byte(`{"id":987,"text":"t-cid1","contract":"BTC_USDT","size":20,"left":0,"price":"0","fill_price":"45000","status":"finished","finish_as":"filled","create_time":1700000000,"finish_time":1700000001}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	order, err := a.CreateOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.OrderBuy,
		Type:          core.OrderMarket,
		Quantity:      decimal.RequireFromString("0.002"),
		ClientOrderID: "cid1",
	})
	require.NoError(t, err, "CreateOrder failed")

	assert.Contains(t, orderBody, `"contract":"BTC_USDT"`)
	assert.Contains(t, orderBody, `"size":20`, "0.002 coins at 0.0001 quanto should be 20 contracts")
	assert.Contains(t, orderBody, `"price":"0"`, "Market orders go out at price 0")
	assert.Contains(t, orderBody, `"tif":"ioc"`)
	assert.Contains(t, orderBody, `"text":"t-cid1"`)

	assert.Equal(t, "987", order.OrderID)
	assert.Equal(t, "cid1", order.ClientOrderID)
	assert.Equal(t, core.OrderBuy, order.Side)
	assert.Equal(t, core.OrderStatusFilled, order.Status)
	assert.True(t, order.AvgPrice.Equal(decimal.RequireFromString("45000")))
	assert.True(t, order.ExecutedQty.Equal(decimal.RequireFromString("0.002")), "Contract count should convert back to coins")
}

func TestGateSellOrderUsesNegativeSize(t *testing.T) {
	var orderBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts":
			_, _ = w.Write([]byte(contractsJSON))
		case "/api/v4/futures/usdt/orders":
			body, _ := io.ReadAll(r.Body)
			orderBody = string(body)
			_, _ = w.Write([]byte(`{"id":988,"contract":"BTC_USDT","size":-20,"left":-20,"price":"44000","status":"open","create_time":1700000000}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	order, err := a.CreateOrder(context.Background(), &core.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     core.OrderSell,
		Type:     core.OrderLimit,
		Quantity: decimal.RequireFromString("0.002"),
		Price:    decimal.RequireFromString("44000"),
	})
	require.NoError(t, err, "CreateOrder failed")

	assert.Contains(t, orderBody, `"size":-20`, "Sells are negative contract counts")
	assert.Contains(t, orderBody, `"tif":"gtc"`)
	assert.Equal(t, core.OrderSell, order.Side)
	assert.Equal(t, core.OrderStatusNew, order.Status)
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("0.002")))
}

func TestGateStopMarketUsesTriggerEndpoint(t *testing.T) {
	var triggerBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts":
			_, _ = w.Write([]byte(contractsJSON))
		case "/api/v4/futures/usdt/price_orders":
			assert.Equal(t, "POST", r.Method)
			body, _ := io.ReadAll(r.Body)
			triggerBody = string(body)
			_, _ = w.Write([]byte(`{"id":555}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	order, err := a.CreateOrder(context.Background(), &core.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         core.OrderSell,
		PositionSide: core.SideLong,
		Type:         core.OrderStopMarket,
		Quantity:     decimal.RequireFromString("0.002"),
		StopPrice:    decimal.RequireFromString("44000"),
		ReduceOnly:   true,
	})
	require.NoError(t, err, "CreateOrder failed")

	assert.Contains(t, triggerBody, `"size":-20`)
	assert.Contains(t, triggerBody, `"reduce_only":true`)
	assert.Contains(t, triggerBody, `"price":"44000"`, "Trigger price should carry the stop price")
	assert.Contains(t, triggerBody, `"rule":2`, "A long stop fires when the price falls to the trigger")

	assert.Equal(t, "555", order.OrderID)
	assert.Equal(t, core.OrderStopMarket, order.Type)
	assert.Equal(t, "price_triggered", order.RawType)
	assert.Equal(t, core.OrderStatusNew, order.Status)
}

func TestGateGetOrderTriggerFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts":
			_, _ = w.Write([]byte(contractsJSON))
		case "/api/v4/futures/usdt/orders/555":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"label":"ORDER_NOT_FOUND","message":"not found"}`))
		case "/api/v4/futures/usdt/price_orders/555":
			_, _ = w.Write([]byte(`{"id":555,"trade_id":556,"initial":{"contract":"BTC_USDT","size":-20,"text":"t-cid1"},"trigger":{"rule":2,"price":"44000"},"status":"finished","finish_as":"succeeded","create_time":1700000000,"finish_time":1700000300}`))
		case "/api/v4/futures/usdt/orders/556":
			_, _ = w.Write([]byte(`{"id":556,"contract":"BTC_USDT","size":-20,"left":0,"price":"0","fill_price":"43950","status":"finished","finish_as":"filled","create_time":1700000300}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)
	// Warm the quanto cache so contract counts convert back to coins
	_, err := a.GetSymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	order, err := a.GetOrder(context.Background(), "BTCUSDT", "555")
	require.NoError(t, err, "GetOrder failed")

	assert.Equal(t, "555", order.OrderID)
	assert.Equal(t, core.OrderStopMarket, order.Type, "Sell on rule 2 is a stop")
	assert.Equal(t, core.OrderStatusFilled, order.Status)
	assert.True(t, order.StopPrice.Equal(decimal.RequireFromString("44000")))
	assert.True(t, order.AvgPrice.Equal(decimal.RequireFromString("43950")), "Fill details should come from the spawned order")
	assert.True(t, order.ExecutedQty.Equal(decimal.RequireFromString("0.002")))
}

func TestGateCancelOrderTriggerFallback(t *testing.T) {
	triggerCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/orders/9":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"label":"ORDER_NOT_FOUND","message":"not found"}`))
		case "/api/v4/futures/usdt/price_orders/9":
			triggerCalled = true
			assert.Equal(t, "DELETE", r.Method)
			_, _ = w.Write([]byte(`{"id":9,"status":"finished","finish_as":"cancelled"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	require.NoError(t, a.CancelOrder(context.Background(), "BTCUSDT", "9"))
	assert.True(t, triggerCalled, "Cancel should fall back to the trigger endpoint")
}

func TestGateCancelUnknownOrderIsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"label":"ORDER_NOT_FOUND","message":"not found"}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	assert.NoError(t, a.CancelOrder(context.Background(), "BTCUSDT", "404404"),
		"Cancelling an order the venue no longer knows should not error")
}

func TestGateGetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/futures/usdt/accounts", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("SIGN"), "Expected signed request")
		_, _ = w.Write([]byte(`{"total":"10000.5","available":"9000","currency":"USDT"}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	balances, err := a.GetBalance(context.Background())
	require.NoError(t, err, "GetBalance failed")
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].Total.Equal(decimal.RequireFromString("10000.5")))
	assert.True(t, balances[0].Available.Equal(decimal.RequireFromString("9000")))
}

func TestGateGetPositions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts":
			_, _ = w.Write([]byte(contractsJSON))
		case "/api/v4/futures/usdt/positions":
			_, _ = w.Write([]byte(`[
				{"contract":"BTC_USDT","size":-20,"leverage":"3","entry_price":"44000","mark_price":"45000","unrealised_pnl":"-2"},
				{"contract":"ETH_USDT","size":0,"leverage":"1","entry_price":"0","mark_price":"2500","unrealised_pnl":"0"}
			]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err, "GetPositions failed")

	require.Len(t, positions, 1, "Flat contracts should be dropped")
	pos := positions[0]
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, core.SideShort, pos.Side, "Negative size is a short")
	assert.True(t, pos.Size.Equal(decimal.RequireFromString("0.002")), "20 contracts at 0.0001 quanto")
	assert.Equal(t, 3, pos.Leverage)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.RequireFromString("-2")))
}

func TestGateSymbolInfoFromContracts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(contractsJSON))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	info, err := a.GetSymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err, "GetSymbolInfo failed")
	assert.Equal(t, 1, info.PricePrecision, "order_price_round 0.1 is one decimal")
	assert.Equal(t, 4, info.QuantityPrecision, "quanto 0.0001 is four decimals")
	assert.True(t, info.MinQuantity.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, info.ContractSize.Equal(decimal.RequireFromString("0.0001")))

	_, err = a.GetSymbolInfo(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, apperrors.ErrValidation, "Unknown symbols should be a validation error")

	symbols, err := a.GetUsdtPerpetualSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols, "Delisted contracts should be excluded")
}

func TestGateGetFundingPayments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/futures/usdt/account_book", r.URL.Path)
		assert.Equal(t, "fund", r.URL.Query().Get("type"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("from"))
		_, _ = w.Write([]byte(`[
			{"time":1700028800.5,"change":"0.25","balance":"10000","text":"BTC_USDT:fund","type":"fund"},
			{"time":1700028800.5,"change":"-0.1","balance":"9999.9","text":"ETH_USDT:fund","type":"fund"}
		]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	payments, err := a.GetFundingPayments(context.Background(), "BTCUSDT", time.Unix(1700000000, 0))
	require.NoError(t, err, "GetFundingPayments failed")

	require.Len(t, payments, 1, "Other symbols should be filtered out")
	assert.Equal(t, "BTCUSDT", payments[0].Symbol)
	assert.True(t, payments[0].Amount.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, time.Unix(1700028800, 0).Unix(), payments[0].PaidAt.Unix())
}

func TestGateTriggerRule(t *testing.T) {
	assert.Equal(t, 2, triggerRule(core.OrderStopMarket, core.SideLong), "Long stop fires on falling price")
	assert.Equal(t, 1, triggerRule(core.OrderStopMarket, core.SideShort), "Short stop fires on rising price")
	assert.Equal(t, 1, triggerRule(core.OrderTakeProfitMarket, core.SideLong), "Long take-profit fires on rising price")
	assert.Equal(t, 2, triggerRule(core.OrderTakeProfitMarket, core.SideShort), "Short take-profit fires on falling price")
}

func TestGateStatusMapping(t *testing.T) {
	assert.Equal(t, core.OrderStatusNew, statusFromGate("open", "", -20, -20))
	assert.Equal(t, core.OrderStatusPartiallyFilled, statusFromGate("open", "", -20, -10))
	assert.Equal(t, core.OrderStatusFilled, statusFromGate("finished", "filled", 20, 0))
	assert.Equal(t, core.OrderStatusCanceled, statusFromGate("finished", "cancelled", 20, 20))
	assert.Equal(t, core.OrderStatusExpired, statusFromGate("finished", "ioc", 20, 5))
	assert.Equal(t, core.OrderStatusUnknown, statusFromGate("weird", "", 0, 0))

	assert.Equal(t, core.OrderStatusNew, triggerStatusFromGate("open", ""))
	assert.Equal(t, core.OrderStatusRejected, triggerStatusFromGate("invalid", ""))
	assert.Equal(t, core.OrderStatusFilled, triggerStatusFromGate("finished", "succeeded"))
	assert.Equal(t, core.OrderStatusRejected, triggerStatusFromGate("finished", "failed"))
	assert.Equal(t, core.OrderStatusExpired, triggerStatusFromGate("finished", "expired"))
}
