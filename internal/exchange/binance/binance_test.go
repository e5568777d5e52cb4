package binance

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/logging"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
		RestURL:          restURL,
		RequestTimeoutMs: 2000,
	}
	return New(cfg, credsFn, logger)
}

func TestBinanceMapCode(t *testing.T) {
	cases := []struct {
		code int64
		want error
	}{
		{-1003, apperrors.ErrRateLimit},
		{-2015, apperrors.ErrCredentialInvalid},
		{-1022, apperrors.ErrCredentialInvalid},
		{-2019, apperrors.ErrInsufficientFunds},
		{-1111, apperrors.ErrValidation},
		{-1121, apperrors.ErrValidation},
		{-2011, apperrors.ErrOrderNotFound},
		{-2013, apperrors.ErrOrderNotFound},
		{-2021, apperrors.ErrOrderRejected},
		{-1001, apperrors.ErrTransport},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, mapCode(tc.code), tc.want, "code %d", tc.code)
	}
	assert.Nil(t, mapCode(-9999), "Unmapped codes fall through to the raw API error")
}

func TestBinanceGetFundingRate(t *testing.T) {
	fundingCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "premiumIndex"):
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"45000.5","indexPrice":"45000","lastFundingRate":"0.0001","nextFundingTime":1700057600000,"time":1700050000000}`))
		case strings.Contains(r.URL.Path, "fundingRate"):
			fundingCalls++
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingTime":1700000000000},{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingTime":1700028800000}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	rate, err := a.GetFundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err, "GetFundingRate failed")

	assert.Equal(t, core.VenueBinance, rate.Venue)
	assert.Equal(t, "BTCUSDT", rate.Symbol)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, rate.MarkPrice.Equal(decimal.RequireFromString("45000.5")))
	assert.Equal(t, 8, rate.IntervalHours, "Interval should derive from settlement spacing")
	assert.Equal(t, int64(1700057600000), rate.NextFundingTime.UnixMilli())
	assert.Equal(t, core.SourceRest, rate.Source)

	_, err = a.GetFundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, fundingCalls, "Interval should be served from the cache on repeat calls")
}

func TestBinanceGetFundingRatesBulk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "premiumIndex") {
			t.Errorf("unexpected path %s, bulk fetch must not probe per-symbol history", r.URL.Path)
			return
		}
		assert.Empty(t, r.URL.Query().Get("symbol"), "Bulk fetch should omit the symbol filter")
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","markPrice":"45000.5","indexPrice":"45000","lastFundingRate":"0.0001","nextFundingTime":1700057600000},
			{"symbol":"ETHUSDT","markPrice":"2500.25","indexPrice":"2500","lastFundingRate":"-0.0002","nextFundingTime":1700057600000}
		]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	rates, err := a.GetFundingRates(context.Background(), []string{"ETHUSDT"})
	require.NoError(t, err, "GetFundingRates failed")

	require.Len(t, rates, 1, "Unrequested symbols should be filtered out")
	assert.Equal(t, "ETHUSDT", rates[0].Symbol)
	assert.True(t, rates[0].Rate.Equal(decimal.RequireFromString("-0.0002")))
	assert.Equal(t, 8, rates[0].IntervalHours, "Unknown intervals should fall back to the default")
}

func TestBinanceMarkPriceStreamEvent(t *testing.T) {
	a := newTestAdapter(t, "", nil)

	a.handleMarkPrice(&futures.WsMarkPriceEvent{
		Symbol:          "BTCUSDT",
		MarkPrice:       "45000.5",
		IndexPrice:      "45000",
		FundingRate:     "0.0001",
		NextFundingTime: 1700057600000,
	})

	var sawMark, sawFunding bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-a.Events():
			switch ev.Type {
			case core.AdapterEventMarkPrice:
				sawMark = true
				require.NotNil(t, ev.Mark)
				assert.Equal(t, "BTCUSDT", ev.Mark.Symbol)
				assert.True(t, ev.Mark.Price.Equal(decimal.RequireFromString("45000.5")))
			case core.AdapterEventFundingRate:
				sawFunding = true
				require.NotNil(t, ev.Rate)
				assert.True(t, ev.Rate.Rate.Equal(decimal.RequireFromString("0.0001")))
				assert.Equal(t, int64(1700057600000), ev.Rate.NextFundingTime.UnixMilli())
				assert.Equal(t, 8, ev.Rate.IntervalHours)
				assert.Equal(t, core.SourceWebSocket, ev.Rate.Source)
			}
		case <-time.After(time.Second):
			require.Fail(t, "Timed out waiting for events")
		}
	}
	assert.True(t, sawMark, "One stream event should yield a mark price update")
	assert.True(t, sawFunding, "One stream event should yield a funding rate update")
}

func TestBinanceOrderUpdateEvent(t *testing.T) {
	a := newTestAdapter(t, "", nil)

	a.handleUserData(&futures.WsUserDataEvent{
		Event: futures.UserDataEventTypeOrderTradeUpdate,
		WsUserDataOrderTradeUpdate: futures.WsUserDataOrderTradeUpdate{
			OrderTradeUpdate: futures.WsOrderTradeUpdate{
				Symbol:               "BTCUSDT",
				ClientOrderID:        "cid7",
				Side:                 futures.SideTypeSell,
				OriginalType:         futures.OrderTypeStopMarket,
				Status:               futures.OrderStatusTypeFilled,
				ID:                   987654,
				OriginalQty:          "0.002",
				OriginalPrice:        "0",
				AveragePrice:         "43950",
				StopPrice:            "44000",
				AccumulatedFilledQty: "0.002",
				Commission:           "0.5",
				TradeTime:            1700000300000,
				PositionSide:         futures.PositionSideTypeLong,
				RealizedPnL:          "-50",
			},
		},
	})

	select {
	case ev := <-a.Events():
		require.Equal(t, core.AdapterEventOrderUpdate, ev.Type)
		require.NotNil(t, ev.Order)
		assert.Equal(t, "987654", ev.Order.OrderID)
		assert.Equal(t, "cid7", ev.Order.ClientOrderID)
		assert.Equal(t, core.OrderSell, ev.Order.Side)
		assert.Equal(t, core.OrderStopMarket, ev.Order.Type)
		assert.Equal(t, core.OrderStatusFilled, ev.Order.Status)
		assert.Equal(t, core.SideLong, ev.Order.PositionSide)
		assert.True(t, ev.Order.AvgPrice.Equal(decimal.RequireFromString("43950")))
		assert.True(t, ev.Order.StopPrice.Equal(decimal.RequireFromString("44000")))
		assert.True(t, ev.Order.ExecutedQty.Equal(decimal.RequireFromString("0.002")))
		assert.True(t, ev.Order.RealizedPnL.Equal(decimal.RequireFromString("-50")))
		assert.Equal(t, int64(1700000300000), ev.Order.UpdatedAt.UnixMilli())
	case <-time.After(time.Second):
		require.Fail(t, "Timed out waiting for order update event")
	}

	// Account updates carry no order and must not emit
	a.handleUserData(&futures.WsUserDataEvent{Event: futures.UserDataEventTypeAccountUpdate})
	select {
	case ev := <-a.Events():
		t.Errorf("unexpected event %s for account update", ev.Type)
	default:
	}
}

func TestBinanceCreateOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "test_key", r.Header.Get("X-MBX-APIKEY"))
		assert.Equal(t, "BTCUSDT", r.Form.Get("symbol"))
		assert.Equal(t, "BUY", r.Form.Get("side"))
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "0.002", r.Form.Get("quantity"))
		assert.Equal(t, "cid9", r.Form.Get("newClientOrderId"))
		assert.NotEmpty(t, r.Form.Get("signature"), "Signed requests carry a signature")

		_, _ = w.Write([]byte(`{"orderId":123456789,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"cid9","price":"0","avgPrice":"0","origQty":"0.002","executedQty":"0","type":"MARKET","side":"BUY","positionSide":"BOTH","updateTime":1700000000000}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	order, err := a.CreateOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.OrderBuy,
		Type:          core.OrderMarket,
		Quantity:      decimal.RequireFromString("0.002"),
		ClientOrderID: "cid9",
	})
	require.NoError(t, err, "CreateOrder failed")

	assert.Equal(t, "123456789", order.OrderID)
	assert.Equal(t, "cid9", order.ClientOrderID)
	assert.Equal(t, core.OrderStatusNew, order.Status)
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("0.002")))
}

func TestBinanceStopMarketOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "STOP_MARKET", r.Form.Get("type"))
		assert.Equal(t, "44000", r.Form.Get("stopPrice"))
		assert.Equal(t, "LONG", r.Form.Get("positionSide"))
		assert.Equal(t, "true", r.Form.Get("reduceOnly"))
		assert.Empty(t, r.Form.Get("price"), "Stop market orders carry no limit price")

		_, _ = w.Write([]byte(`{"orderId":555,"symbol":"BTCUSDT","status":"NEW","side":"SELL","positionSide":"LONG","type":"STOP_MARKET","stopPrice":"44000","origQty":"0.002","executedQty":"0","price":"0","avgPrice":"0","updateTime":1700000000000}`))
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

	assert.Equal(t, "555", order.OrderID)
	assert.Equal(t, core.OrderStopMarket, order.Type)
	assert.Equal(t, core.SideLong, order.PositionSide)
	assert.True(t, order.StopPrice.Equal(decimal.RequireFromString("44000")))
}

func TestBinanceCreateOrderInsufficientMargin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	_, err := a.CreateOrder(context.Background(), &core.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     core.OrderBuy,
		Type:     core.OrderMarket,
		Quantity: decimal.RequireFromString("100"),
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestBinanceCancelUnknownOrderIsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)

		// Mutating calls carry their params in the form body
		raw, _ := io.ReadAll(r.Body)
		params, _ := url.ParseQuery(string(raw))
		orderID := params.Get("orderId")
		if orderID == "" {
			orderID = r.URL.Query().Get("orderId")
		}
		assert.Equal(t, "555", orderID, "Cancel should target the numeric order id")

		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	assert.NoError(t, a.CancelOrder(context.Background(), "BTCUSDT", "555"),
		"Cancelling an order the venue no longer knows should not error")
}

func TestBinanceGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "555", r.URL.Query().Get("orderId"))
		_, _ = w.Write([]byte(`{"orderId":555,"symbol":"BTCUSDT","clientOrderId":"cid9","status":"FILLED","side":"SELL","positionSide":"LONG","type":"STOP_MARKET","origType":"STOP_MARKET","price":"0","avgPrice":"43950","stopPrice":"44000","origQty":"0.002","executedQty":"0.002","updateTime":1700000300000}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	order, err := a.GetOrder(context.Background(), "BTCUSDT", "555")
	require.NoError(t, err, "GetOrder failed")

	assert.Equal(t, core.OrderStopMarket, order.Type)
	assert.Equal(t, core.OrderStatusFilled, order.Status)
	assert.True(t, order.AvgPrice.Equal(decimal.RequireFromString("43950")))
	assert.True(t, order.StopPrice.Equal(decimal.RequireFromString("44000")))
	assert.True(t, order.ExecutedQty.Equal(decimal.RequireFromString("0.002")))
}

func TestBinanceGetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("signature"), "Expected signed request")
		_, _ = w.Write([]byte(`{"assets":[
			{"asset":"USDT","walletBalance":"10000.5","availableBalance":"9000"},
			{"asset":"BNB","walletBalance":"0","availableBalance":"0"}
		],"positions":[]}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	balances, err := a.GetBalance(context.Background())
	require.NoError(t, err, "GetBalance failed")

	require.Len(t, balances, 1, "Empty wallets should be dropped")
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].Total.Equal(decimal.RequireFromString("10000.5")))
	assert.True(t, balances[0].Available.Equal(decimal.RequireFromString("9000")))
}

func TestBinanceGetPositions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"-0.002","entryPrice":"44000","markPrice":"45000","unRealizedProfit":"-2","leverage":"3","positionSide":"SHORT"},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","markPrice":"2500","unRealizedProfit":"0","leverage":"1","positionSide":"LONG"}
		]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err, "GetPositions failed")

	require.Len(t, positions, 1, "Flat positions should be dropped")
	pos := positions[0]
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, core.SideShort, pos.Side)
	assert.True(t, pos.Size.Equal(decimal.RequireFromString("0.002")), "Size should be reported unsigned")
	assert.Equal(t, 3, pos.Leverage)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.RequireFromString("-2")))
}

func TestBinanceSymbolInfoFiltersNonPerpetuals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "exchangeInfo")
		_, _ = w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USDT","pricePrecision":1,"quantityPrecision":3,
			 "filters":[{"filterType":"LOT_SIZE","minQty":"0.001","maxQty":"1000","stepSize":"0.001"},{"filterType":"MIN_NOTIONAL","notional":"5"}]},
			{"symbol":"BTCUSDT_240927","status":"TRADING","contractType":"CURRENT_QUARTER","baseAsset":"BTC","quoteAsset":"USDT","pricePrecision":1,"quantityPrecision":3,"filters":[]},
			{"symbol":"OLDUSDT","status":"SETTLING","contractType":"PERPETUAL","baseAsset":"OLD","quoteAsset":"USDT","pricePrecision":2,"quantityPrecision":0,"filters":[]}
		]}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	info, err := a.GetSymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err, "GetSymbolInfo failed")
	assert.Equal(t, 1, info.PricePrecision)
	assert.Equal(t, 3, info.QuantityPrecision)
	assert.True(t, info.MinQuantity.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, info.MinNotional.Equal(decimal.RequireFromString("5")))
	assert.True(t, info.ContractSize.Equal(decimal.NewFromInt(1)), "Binance contracts are sized in the base asset")

	symbols, err := a.GetUsdtPerpetualSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols, "Quarterlies and settling contracts should be excluded")
}

func TestBinanceGetOpenInterest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "openInterest"):
			_, _ = w.Write([]byte(`{"openInterest":"10659.5","symbol":"BTCUSDT","time":1700000000000}`))
		case strings.Contains(r.URL.Path, "premiumIndex"):
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"45000","indexPrice":"45000","lastFundingRate":"0.0001","nextFundingTime":1700057600000}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, nil)

	oi, err := a.GetOpenInterest(context.Background(), "BTCUSDT")
	require.NoError(t, err, "GetOpenInterest failed")

	assert.True(t, oi.Contracts.Equal(decimal.RequireFromString("10659.5")))
	assert.True(t, oi.Value.Equal(decimal.RequireFromString("10659.5").Mul(decimal.NewFromInt(45000))),
		"Value should be contracts at the mark price")
	assert.Equal(t, int64(1700000000000), oi.UpdatedAt.UnixMilli())
}

func TestBinanceGetFundingPayments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "FUNDING_FEE", q.Get("incomeType"))
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1700000000000", q.Get("startTime"))
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","incomeType":"FUNDING_FEE","income":"0.25","asset":"USDT","time":1700028800000}]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL, testCreds)

	payments, err := a.GetFundingPayments(context.Background(), "BTCUSDT", time.UnixMilli(1700000000000))
	require.NoError(t, err, "GetFundingPayments failed")

	require.Len(t, payments, 1)
	assert.Equal(t, "BTCUSDT", payments[0].Symbol)
	assert.True(t, payments[0].Amount.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, int64(1700028800000), payments[0].PaidAt.UnixMilli())
}

func TestBinanceRequiresCredentialsForTrading(t *testing.T) {
	a := newTestAdapter(t, "", nil)

	_, err := a.GetBalance(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrCredentialMissing, "Market-data adapters cannot trade")
}

func TestBinanceStatusMapping(t *testing.T) {
	assert.Equal(t, core.OrderStatusNew, statusFromBinance("NEW"))
	assert.Equal(t, core.OrderStatusPartiallyFilled, statusFromBinance("PARTIALLY_FILLED"))
	assert.Equal(t, core.OrderStatusFilled, statusFromBinance("FILLED"))
	assert.Equal(t, core.OrderStatusCanceled, statusFromBinance("CANCELED"))
	assert.Equal(t, core.OrderStatusExpired, statusFromBinance("EXPIRED"))
	assert.Equal(t, core.OrderStatusUnknown, statusFromBinance("weird"))

	assert.Equal(t, core.OrderLimit, typeFromBinance("LIMIT"))
	assert.Equal(t, core.OrderStopMarket, typeFromBinance("STOP_MARKET"))
	assert.Equal(t, core.OrderTakeProfitMarket, typeFromBinance("TAKE_PROFIT_MARKET"))
	assert.Equal(t, core.OrderMarket, typeFromBinance("MARKET"))
}
