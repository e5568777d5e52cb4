package closer

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	"funding_arb/internal/mock"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeAdapters struct {
	byVenue map[string]*mock.Exchange
}

func (f *fakeAdapters) Trading(userID, venue string) (core.IExchangeAdapter, error) {
	ex, ok := f.byVenue[venue]
	if !ok {
		return nil, errors.New("no adapter for " + venue)
	}
	return ex, nil
}

func testCloser(t *testing.T) (*Closer, *events.Bus, *mock.Repo, *fakeAdapters) {
	t.Helper()
	logger := mock.NewNopLogger()
	bus := events.NewBus(logger)
	repo := mock.NewRepo()
	adapters := &fakeAdapters{byVenue: map[string]*mock.Exchange{
		"okx":  mock.NewExchange("okx"),
		"gate": mock.NewExchange("gate"),
	}}
	cl := NewCloser(
		config.CloserConfig{AttemptTimeoutMs: 5000},
		config.ConcurrencyConfig{ClosePoolSize: 2, ClosePoolBuffer: 16},
		bus, repo, adapters, logger,
	)
	return cl, bus, repo, adapters
}

// seedPosition stores an open 1x1 ETHUSDT hedge, long on okx and short on
// gate, both entered at 100 with a 0.1 open fee per leg.
func seedPosition(t *testing.T, repo *mock.Repo, now time.Time) *core.Position {
	t.Helper()
	pos := &core.Position{
		ID:     "pos-1",
		UserID: "user-1",
		Symbol: "ETHUSDT",
		Long: core.PositionLeg{
			Venue:      "okx",
			Side:       core.SideLong,
			EntryPrice: d("100"),
			Size:       d("1"),
			OpenFee:    d("0.1"),
		},
		Short: core.PositionLeg{
			Venue:      "gate",
			Side:       core.SideShort,
			EntryPrice: d("100"),
			Size:       d("1"),
			OpenFee:    d("0.1"),
		},
		ConditionalStatus: core.ConditionalPending,
		Status:            core.PositionOpen,
		OpenedAt:          now.Add(-2 * time.Hour),
	}
	require.NoError(t, repo.Positions().Create(context.Background(), pos))
	return pos
}

func findOrder(ex *mock.Exchange, clientID string) *core.Order {
	for _, o := range ex.Orders() {
		if o.ClientOrderID == clientID {
			return o
		}
	}
	return nil
}

func TestCloseBothWritesTradeWithFullAccounting(t *testing.T) {
	cl, bus, repo, adapters := testCloser(t)
	fixed := time.Now().Truncate(time.Second)
	cl.now = func() time.Time { return fixed }
	pos := seedPosition(t, repo, fixed)
	ctx := context.Background()

	adapters.byVenue["okx"].SetPrice("ETHUSDT", d("110"))
	adapters.byVenue["gate"].SetPrice("ETHUSDT", d("105"))
	adapters.byVenue["okx"].AddFundingPayment(&core.FundingPayment{
		Venue: "okx", Symbol: "ETHUSDT", Amount: d("0.3"), PaidAt: fixed.Add(-90 * time.Minute),
	})
	adapters.byVenue["gate"].AddFundingPayment(&core.FundingPayment{
		Venue: "gate", Symbol: "ETHUSDT", Amount: d("0.2"), PaidAt: fixed.Add(-30 * time.Minute),
	})
	// Settles after the close and must not count toward the trade.
	adapters.byVenue["okx"].AddFundingPayment(&core.FundingPayment{
		Venue: "okx", Symbol: "ETHUSDT", Amount: d("99"), PaidAt: fixed.Add(time.Hour),
	})

	sub := bus.Subscribe("test-close", 8, events.TopicCloseSucceeded)
	defer sub.Close()

	closed, err := cl.CloseBoth(ctx, pos.ID, core.CloseManual)
	require.NoError(t, err, "both legs should close cleanly")
	assert.Equal(t, core.PositionClosed, closed.Status)

	trades, err := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1, "exactly one trade record")
	tr := trades[0]
	assert.True(t, tr.PriceDiffPnL.Equal(d("5")), "price diff pnl: got %s", tr.PriceDiffPnL)
	assert.True(t, tr.FundingRatePnL.Equal(d("0.5")), "funding pnl: got %s", tr.FundingRatePnL)
	assert.True(t, tr.TotalFees.Equal(d("0.2")), "total fees: got %s", tr.TotalFees)
	assert.True(t, tr.TotalPnL.Equal(d("5.3")), "total pnl: got %s", tr.TotalPnL)
	assert.True(t, tr.ROIPercent.Equal(d("2.65")), "roi on 200 notional: got %s", tr.ROIPercent)
	assert.Equal(t, int64(7200), tr.HoldingSeconds)
	assert.Equal(t, core.CloseManual, tr.CloseReason)
	assert.True(t, tr.LongExitPrice.Equal(d("110")), "long exit: got %s", tr.LongExitPrice)
	assert.True(t, tr.ShortExitPrice.Equal(d("105")), "short exit: got %s", tr.ShortExitPrice)

	select {
	case ev := <-sub.C():
		res, ok := ev.Payload.(events.CloseResult)
		require.True(t, ok, "payload should be a CloseResult")
		require.NotNil(t, res.Trade)
		assert.Equal(t, core.CloseManual, res.Reason)
		assert.False(t, res.RequiresManualIntervention)
	case <-time.After(2 * time.Second):
		t.Fatal("closeSucceeded not published")
	}

	stored, err := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, stored.Status)
	assert.True(t, stored.Long.Closed)
	assert.True(t, stored.Short.Closed)
	assert.True(t, stored.ClosedAt.Equal(fixed))
}

func TestCloseBothPartialRequiresManualIntervention(t *testing.T) {
	cl, bus, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	adapters.byVenue["gate"].FailCreateOrder(errors.New("margin check failed"))

	sub := bus.Subscribe("test-partial", 8, events.TopicClosePartial)
	defer sub.Close()

	_, err := cl.CloseBoth(ctx, pos.ID, core.CloseManual)
	require.Error(t, err, "a stuck leg must surface as an error")

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	assert.Equal(t, core.PositionPartial, stored.Status)
	assert.True(t, stored.Long.Closed, "long leg closed on okx")
	assert.False(t, stored.Short.Closed, "short leg stuck on gate")

	trades, terr := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, terr)
	assert.Empty(t, trades, "no trade record for a partial close")

	select {
	case ev := <-sub.C():
		res, ok := ev.Payload.(events.CloseResult)
		require.True(t, ok, "payload should be a CloseResult")
		assert.True(t, res.RequiresManualIntervention)
		assert.Equal(t, "gate", res.RemainingVenue)
		assert.Equal(t, core.SideShort, res.RemainingSide)
		assert.NotEmpty(t, res.Error)
		assert.Nil(t, res.Trade)
	case <-time.After(2 * time.Second):
		t.Fatal("closePartial not published")
	}
}

func TestCloseBothFailedWhenBothLegsReject(t *testing.T) {
	cl, bus, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	adapters.byVenue["okx"].FailCreateOrder(errors.New("venue maintenance"))
	adapters.byVenue["gate"].FailCreateOrder(errors.New("venue maintenance"))

	sub := bus.Subscribe("test-failed", 8, events.TopicCloseFailed)
	defer sub.Close()

	_, err := cl.CloseBoth(ctx, pos.ID, core.CloseManual)
	require.Error(t, err)

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	assert.Equal(t, core.PositionFailed, stored.Status)
	assert.False(t, stored.Long.Closed)
	assert.False(t, stored.Short.Closed)

	trades, terr := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, terr)
	assert.Empty(t, trades, "no trade record when nothing closed")

	select {
	case ev := <-sub.C():
		res, ok := ev.Payload.(events.CloseResult)
		require.True(t, ok)
		assert.Nil(t, res.Trade)
		assert.NotEmpty(t, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("closeFailed not published")
	}
}

func TestCloseSingleSideFinalizesWhenOppositeClosed(t *testing.T) {
	cl, _, repo, adapters := testCloser(t)
	fixed := time.Now().Truncate(time.Second)
	cl.now = func() time.Time { return fixed }
	pos := seedPosition(t, repo, fixed)
	ctx := context.Background()

	// The trigger detector already recorded the long leg's take-profit fill.
	pos.Long.Closed = true
	pos.Long.ClosedAt = fixed.Add(-time.Minute)
	pos.Long.ExitPrice = d("102")
	pos.Long.CloseFee = d("0.05")
	pos.Status = core.PositionClosing
	require.NoError(t, repo.Positions().Update(ctx, pos))

	adapters.byVenue["gate"].SetPrice("ETHUSDT", d("101"))

	closed, err := cl.CloseSingleSide(ctx, pos.ID, core.SideShort, core.CloseLongTP)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, closed.Status)

	trades, terr := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, terr)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, core.CloseLongTP, tr.CloseReason)
	assert.True(t, tr.PriceDiffPnL.Equal(d("1")), "price diff pnl: got %s", tr.PriceDiffPnL)
	assert.True(t, tr.TotalFees.Equal(d("0.25")), "total fees: got %s", tr.TotalFees)
	assert.True(t, tr.TotalPnL.Equal(d("0.75")), "total pnl: got %s", tr.TotalPnL)
	assert.True(t, tr.LongExitPrice.Equal(d("102")))
	assert.True(t, tr.ShortExitPrice.Equal(d("101")))
}

func TestCloseSingleSideKeepsClosingWhileOppositeOpen(t *testing.T) {
	cl, _, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	adapters.byVenue["okx"].SetPrice("ETHUSDT", d("99"))

	closed, err := cl.CloseSingleSide(ctx, pos.ID, core.SideLong, core.CloseManual)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosing, closed.Status)

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	assert.Equal(t, core.PositionClosing, stored.Status)
	assert.True(t, stored.Long.Closed)
	assert.True(t, stored.Long.ExitPrice.Equal(d("99")))
	assert.False(t, stored.Short.Closed)

	trades, terr := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, terr)
	assert.Empty(t, trades, "no trade until both legs are flat")
}

func TestCloseRejectsConcurrentAttempts(t *testing.T) {
	cl, _, repo, _ := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	require.True(t, cl.tryBegin(pos.ID))
	_, err := cl.CloseBoth(ctx, pos.ID, core.CloseManual)
	require.ErrorIs(t, err, apperrors.ErrConflict, "second close while one is in flight")
	cl.end(pos.ID)

	_, err = cl.CloseBoth(ctx, pos.ID, core.CloseManual)
	require.NoError(t, err, "close proceeds once the slot is free")
}

func TestCloseValidatesPosition(t *testing.T) {
	cl, _, repo, _ := testCloser(t)
	ctx := context.Background()

	_, err := cl.CloseBoth(ctx, "no-such-position", core.CloseManual)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	pos := seedPosition(t, repo, time.Now())
	pos.Status = core.PositionClosed
	require.NoError(t, repo.Positions().Update(ctx, pos))

	_, err = cl.CloseSingleSide(ctx, pos.ID, core.SideLong, core.CloseManual)
	require.ErrorIs(t, err, apperrors.ErrConflict, "terminal positions reject further closes")
}

func TestResolvePartialForcesClosedWithAudit(t *testing.T) {
	cl, bus, repo, _ := testCloser(t)
	fixed := time.Now().Truncate(time.Second)
	cl.now = func() time.Time { return fixed }
	pos := seedPosition(t, repo, fixed)
	ctx := context.Background()

	// A failed gate close left the short leg open.
	pos.Long.Closed = true
	pos.Long.ClosedAt = fixed.Add(-time.Minute)
	pos.Status = core.PositionPartial
	require.NoError(t, repo.Positions().Update(ctx, pos))

	sub := bus.Subscribe("test-resolve", 8, events.TopicCloseSucceeded)
	defer sub.Close()

	resolved, err := cl.ResolvePartial(ctx, pos.ID, "short leg flattened via gate web UI")
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, resolved.Status)
	assert.True(t, resolved.ClosedAt.Equal(fixed))

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	assert.Equal(t, core.PositionClosed, stored.Status)
	assert.True(t, stored.ClosedAt.Equal(fixed))

	var audit *core.AuditEvent
	for _, ev := range repo.AuditEvents() {
		if ev.Action == "position.resolve_partial" {
			audit = ev
		}
	}
	require.NotNil(t, audit, "manual resolution must leave an audit record")
	assert.Equal(t, "user-1", audit.UserID)
	assert.Equal(t, pos.ID, audit.Resource)
	assert.Equal(t, "short leg flattened via gate web UI", audit.Detail)

	select {
	case ev := <-sub.C():
		res, ok := ev.Payload.(events.CloseResult)
		require.True(t, ok, "payload should be a CloseResult")
		assert.Equal(t, core.CloseManual, res.Reason)
		assert.Nil(t, res.Trade, "no trade for an out-of-band exit")
	case <-time.After(2 * time.Second):
		t.Fatal("closeSucceeded not published")
	}

	trades, terr := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, terr)
	assert.Empty(t, trades, "out-of-band exits have no venue fills to account")
}

func TestResolvePartialRequiresPartialStatus(t *testing.T) {
	cl, _, repo, _ := testCloser(t)
	ctx := context.Background()

	_, err := cl.ResolvePartial(ctx, "no-such-position", "")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	pos := seedPosition(t, repo, time.Now())
	_, err = cl.ResolvePartial(ctx, pos.ID, "")
	require.ErrorIs(t, err, apperrors.ErrValidation, "an OPEN position cannot be resolved manually")

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	assert.Equal(t, core.PositionOpen, stored.Status, "rejected resolution leaves the position untouched")
	assert.Empty(t, repo.AuditEvents(), "rejected resolutions leave no audit trail")
}

func TestPlaceConditionalOrdersGuardsBothLegs(t *testing.T) {
	cl, _, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	pos.StopLossEnabled = true
	pos.StopLossPercent = d("2")
	pos.TakeProfitEnabled = true
	pos.TakeProfitPercent = d("3")
	require.NoError(t, repo.Positions().Update(ctx, pos))

	placed, err := cl.PlaceConditionalOrders(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConditionalSet, placed.ConditionalStatus)

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	require.NotEmpty(t, stored.Long.StopLossOrderID)
	require.NotEmpty(t, stored.Long.TakeProfitOrderID)
	require.NotEmpty(t, stored.Short.StopLossOrderID)
	require.NotEmpty(t, stored.Short.TakeProfitOrderID)
	assert.True(t, stored.Long.StopLossPrice.Equal(d("98")), "long SL below entry: got %s", stored.Long.StopLossPrice)
	assert.True(t, stored.Long.TakeProfitPrice.Equal(d("103")), "long TP above entry: got %s", stored.Long.TakeProfitPrice)
	assert.True(t, stored.Short.StopLossPrice.Equal(d("102")), "short SL above entry: got %s", stored.Short.StopLossPrice)
	assert.True(t, stored.Short.TakeProfitPrice.Equal(d("97")), "short TP below entry: got %s", stored.Short.TakeProfitPrice)

	longSL := findOrder(adapters.byVenue["okx"], "pos-1-long-sl")
	require.NotNil(t, longSL, "long stop order placed on okx")
	assert.Equal(t, core.OrderStopMarket, longSL.Type)
	assert.Equal(t, core.OrderSell, longSL.Side)
	assert.Equal(t, core.SideLong, longSL.PositionSide)
	assert.True(t, longSL.StopPrice.Equal(d("98")))

	shortTP := findOrder(adapters.byVenue["gate"], "pos-1-short-tp")
	require.NotNil(t, shortTP, "short take-profit order placed on gate")
	assert.Equal(t, core.OrderTakeProfitMarket, shortTP.Type)
	assert.Equal(t, core.OrderBuy, shortTP.Side)
	assert.Equal(t, core.SideShort, shortTP.PositionSide)
	assert.True(t, shortTP.StopPrice.Equal(d("97")))
}

func TestPlaceConditionalOrdersPartialThenRecovers(t *testing.T) {
	cl, _, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	pos.StopLossEnabled = true
	pos.StopLossPercent = d("2")
	require.NoError(t, repo.Positions().Update(ctx, pos))

	adapters.byVenue["gate"].FailCreateOrder(errors.New("rate limited"))

	placed, err := cl.PlaceConditionalOrders(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConditionalPartial, placed.ConditionalStatus)
	assert.NotEmpty(t, placed.Long.StopLossOrderID)
	assert.Empty(t, placed.Short.StopLossOrderID)

	okxPlaced := len(adapters.byVenue["okx"].Orders())

	adapters.byVenue["gate"].FailCreateOrder(nil)

	placed, err = cl.PlaceConditionalOrders(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConditionalSet, placed.ConditionalStatus)
	assert.NotEmpty(t, placed.Short.StopLossOrderID)
	assert.Len(t, adapters.byVenue["okx"].Orders(), okxPlaced, "existing long order is not re-placed")
}

func TestPlaceConditionalOrdersSkipsWhenNeitherEnabled(t *testing.T) {
	cl, _, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	placed, err := cl.PlaceConditionalOrders(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConditionalPending, placed.ConditionalStatus)
	assert.Empty(t, adapters.byVenue["okx"].Orders())
	assert.Empty(t, adapters.byVenue["gate"].Orders())
}

func TestCloseCancelsLeftoverConditionalOrders(t *testing.T) {
	cl, _, repo, adapters := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	pos.StopLossEnabled = true
	pos.StopLossPercent = d("2")
	pos.TakeProfitEnabled = true
	pos.TakeProfitPercent = d("3")
	require.NoError(t, repo.Positions().Update(ctx, pos))
	_, err := cl.PlaceConditionalOrders(ctx, pos.ID)
	require.NoError(t, err)

	_, err = cl.CloseBoth(ctx, pos.ID, core.CloseManual)
	require.NoError(t, err)

	stored, ferr := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, ferr)
	assert.Empty(t, stored.Long.StopLossOrderID, "conditional ids cleared after close")
	assert.Empty(t, stored.Long.TakeProfitOrderID)
	assert.Empty(t, stored.Short.StopLossOrderID)
	assert.Empty(t, stored.Short.TakeProfitOrderID)

	for _, venue := range []string{"okx", "gate"} {
		for _, o := range adapters.byVenue[venue].Orders() {
			if o.Type == core.OrderStopMarket || o.Type == core.OrderTakeProfitMarket {
				assert.Equal(t, core.OrderStatusCanceled, o.Status,
					"conditional order on %s should be canceled", venue)
			}
		}
	}
}

func TestAutoExitClosesWhenOptedIn(t *testing.T) {
	cl, bus, repo, _ := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	require.NoError(t, repo.TradingSettings().Save(ctx, &core.TradingSettings{
		UserID:           "user-1",
		AutoCloseEnabled: true,
	}))

	require.NoError(t, cl.Start(ctx))
	defer cl.Stop()

	bus.Publish(events.TopicExitSuggested, events.ExitSuggestion{
		Position: pos,
		Reason:   core.ExitProfitLockable,
	})

	require.Eventually(t, func() bool {
		stored, err := repo.Positions().FindByID(ctx, pos.ID)
		return err == nil && stored != nil && stored.Status == core.PositionClosed
	}, 3*time.Second, 20*time.Millisecond, "auto exit should flatten the position")

	trades, err := repo.Trades().FindByUserID(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.CloseAutoExit, trades[0].CloseReason)
}

func TestAutoExitRespectsOptOut(t *testing.T) {
	cl, bus, repo, _ := testCloser(t)
	pos := seedPosition(t, repo, time.Now())
	ctx := context.Background()

	require.NoError(t, repo.TradingSettings().Save(ctx, &core.TradingSettings{
		UserID:           "user-1",
		AutoCloseEnabled: false,
	}))

	require.NoError(t, cl.Start(ctx))
	defer cl.Stop()

	bus.Publish(events.TopicExitSuggested, events.ExitSuggestion{
		Position: pos,
		Reason:   core.ExitProfitLockable,
	})

	time.Sleep(300 * time.Millisecond)
	stored, err := repo.Positions().FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionOpen, stored.Status, "opt-out users keep their positions")
}
