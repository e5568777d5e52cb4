package storage

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
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

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StorageConfig{Path: ":memory:"}, mock.NewNopLogger())
	require.NoError(t, err, "in-memory database should open")
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition(id string, openedAt time.Time) *core.Position {
	return &core.Position{
		ID:     id,
		UserID: "user-1",
		Symbol: "ETHUSDT",
		Long: core.PositionLeg{
			Venue:           core.VenueOKX,
			Side:            core.SideLong,
			EntryPrice:      d("1234.567"),
			Size:            d("0.25"),
			Leverage:        3,
			OpenFundingRate: d("-0.0001"),
			OpenFee:         d("0.1543"),
			StopLossPrice:   d("1209.87"),
			StopLossOrderID: "okx-sl-1",
		},
		Short: core.PositionLeg{
			Venue:             core.VenueGate,
			Side:              core.SideShort,
			EntryPrice:        d("1234.9"),
			Size:              d("0.25"),
			Leverage:          3,
			OpenFundingRate:   d("0.0004"),
			OpenFee:           d("0.1544"),
			TakeProfitPrice:   d("1197.85"),
			TakeProfitOrderID: "gate-tp-1",
		},
		StopLossEnabled:   true,
		StopLossPercent:   d("2"),
		TakeProfitEnabled: true,
		TakeProfitPercent: d("3"),
		ConditionalStatus: core.ConditionalSet,
		Status:            core.PositionOpen,
		ExitSuggested:     true,
		ExitSuggestReason: string(core.ExitAPYNegative),
		ExitSuggestedAt:   openedAt.Add(time.Hour),
		CachedFundingPnL:  d("0.0812"),
		OpenedAt:          openedAt,
	}
}

func TestPositionRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	openedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := samplePosition("pos-1", openedAt)

	require.NoError(t, s.Positions().Create(ctx, pos))

	got, err := s.Positions().FindByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "ETHUSDT", got.Symbol)
	assert.Equal(t, core.SideLong, got.Long.Side, "leg sides are fixed by column position")
	assert.Equal(t, core.SideShort, got.Short.Side)
	assert.Equal(t, core.VenueOKX, got.Long.Venue)
	assert.True(t, got.Long.EntryPrice.Equal(d("1234.567")), "decimals must round-trip exactly, got %s", got.Long.EntryPrice)
	assert.True(t, got.Long.OpenFundingRate.Equal(d("-0.0001")))
	assert.Equal(t, 3, got.Long.Leverage)
	assert.Equal(t, "okx-sl-1", got.Long.StopLossOrderID)
	assert.Equal(t, "gate-tp-1", got.Short.TakeProfitOrderID)
	assert.True(t, got.StopLossEnabled)
	assert.True(t, got.StopLossPercent.Equal(d("2")))
	assert.Equal(t, core.ConditionalSet, got.ConditionalStatus)
	assert.Equal(t, core.PositionOpen, got.Status)
	assert.True(t, got.ExitSuggested)
	assert.Equal(t, string(core.ExitAPYNegative), got.ExitSuggestReason)
	assert.True(t, got.ExitSuggestedAt.Equal(openedAt.Add(time.Hour)))
	assert.True(t, got.CachedFundingPnL.Equal(d("0.0812")))
	assert.True(t, got.OpenedAt.Equal(openedAt))
	assert.True(t, got.ClosedAt.IsZero(), "unset timestamps load back as the zero time")
	assert.True(t, got.Long.ClosedAt.IsZero())
}

func TestPositionMissingReturnsNil(t *testing.T) {
	s := openStore(t)
	got, err := s.Positions().FindByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPositionCreateRejectsDuplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	pos := samplePosition("pos-1", time.Now())

	require.NoError(t, s.Positions().Create(ctx, pos))
	err := s.Positions().Create(ctx, pos)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestPositionUpdateUnknown(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.Positions().Update(ctx, samplePosition("ghost", time.Now()))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	err = s.Positions().MarkClosed(ctx, "ghost", time.Now())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestPositionUpdatePersistsLegState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	openedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := samplePosition("pos-1", openedAt)
	require.NoError(t, s.Positions().Create(ctx, pos))

	closedAt := openedAt.Add(3 * time.Hour)
	pos.Long.Closed = true
	pos.Long.ClosedAt = closedAt
	pos.Long.ExitPrice = d("1250.1")
	pos.Long.CloseFee = d("0.156")
	pos.Status = core.PositionClosing
	require.NoError(t, s.Positions().Update(ctx, pos))

	got, err := s.Positions().FindByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.PositionClosing, got.Status)
	assert.True(t, got.Long.Closed)
	assert.True(t, got.Long.ClosedAt.Equal(closedAt))
	assert.True(t, got.Long.ExitPrice.Equal(d("1250.1")))
	assert.False(t, got.Short.Closed)
}

func TestFindOpenBySymbolFiltersAndSorts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	newer := samplePosition("pos-newer", base.Add(time.Hour))
	older := samplePosition("pos-older", base)
	closed := samplePosition("pos-closed", base.Add(2*time.Hour))
	closed.Status = core.PositionClosed
	btc := samplePosition("pos-btc", base)
	btc.Symbol = "BTCUSDT"
	for _, p := range []*core.Position{newer, older, closed, btc} {
		require.NoError(t, s.Positions().Create(ctx, p))
	}

	got, err := s.Positions().FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pos-older", got[0].ID, "oldest first")
	assert.Equal(t, "pos-newer", got[1].ID)
}

func TestMarkClosedForcesTerminalState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	pos := samplePosition("pos-1", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	pos.Status = core.PositionPartial
	require.NoError(t, s.Positions().Create(ctx, pos))

	closedAt := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.Positions().MarkClosed(ctx, "pos-1", closedAt))

	got, err := s.Positions().FindByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, got.Status)
	assert.True(t, got.ClosedAt.Equal(closedAt))
}

func TestTradesNewestFirstWithLimit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, s.Trades().Create(ctx, &core.Trade{
			ID: id, PositionID: "pos-" + id, UserID: "user-1", Symbol: "ETHUSDT",
			LongVenue: core.VenueOKX, ShortVenue: core.VenueGate,
			LongExitPrice: d("110"), ShortExitPrice: d("105"),
			PriceDiffPnL: d("5"), FundingRatePnL: d("0.5"), TotalFees: d("0.2"),
			TotalPnL: d("5.3"), ROIPercent: d("2.65"), HoldingSeconds: 7200,
			CloseReason: core.CloseManual, ClosedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.Trades().Create(ctx, &core.Trade{
		ID: "t-other", PositionID: "pos-x", UserID: "user-2", Symbol: "ETHUSDT",
		LongVenue: core.VenueOKX, ShortVenue: core.VenueGate,
		LongExitPrice: d("1"), ShortExitPrice: d("1"),
		PriceDiffPnL: d("0"), FundingRatePnL: d("0"), TotalFees: d("0"),
		TotalPnL: d("0"), ROIPercent: d("0"),
		CloseReason: core.CloseManual, ClosedAt: base,
	}))

	got, err := s.Trades().FindByUserID(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t-3", got[0].ID, "newest first")
	assert.Equal(t, "t-2", got[1].ID)
	assert.True(t, got[0].TotalPnL.Equal(d("5.3")))
	assert.Equal(t, int64(7200), got[0].HoldingSeconds)

	all, err := s.Trades().FindByUserID(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "non-positive limit returns everything")
}

func TestAPIKeyUpsertFilterDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.APIKeys().Upsert(ctx, &core.APIKey{
		ID: "k-1", UserID: "user-1", Venue: core.VenueOKX,
		KeyCiphertext: []byte{1, 2, 3}, SecretCiphertext: []byte{4, 5, 6}, CreatedAt: now,
	}))
	require.NoError(t, s.APIKeys().Upsert(ctx, &core.APIKey{
		ID: "k-2", UserID: "user-1", Venue: core.VenueGate,
		KeyCiphertext: []byte{7}, SecretCiphertext: []byte{8}, PassphraseCiphertext: []byte{9}, CreatedAt: now,
	}))

	all, err := s.APIKeys().FindByUser(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, core.VenueGate, all[0].Venue, "sorted by venue")
	assert.Equal(t, core.VenueOKX, all[1].Venue)
	assert.Equal(t, []byte{9}, all[0].PassphraseCiphertext)
	assert.Nil(t, all[1].PassphraseCiphertext)

	// Same (user, venue) replaces the row rather than adding one.
	require.NoError(t, s.APIKeys().Upsert(ctx, &core.APIKey{
		ID: "k-3", UserID: "user-1", Venue: core.VenueOKX,
		KeyCiphertext: []byte{10, 11}, SecretCiphertext: []byte{12}, CreatedAt: now.Add(time.Hour),
	}))
	okx, err := s.APIKeys().FindByUser(ctx, "user-1", []string{core.VenueOKX})
	require.NoError(t, err)
	require.Len(t, okx, 1)
	assert.Equal(t, "k-3", okx[0].ID)
	assert.Equal(t, []byte{10, 11}, okx[0].KeyCiphertext)

	require.NoError(t, s.APIKeys().Delete(ctx, "user-1", core.VenueOKX))
	left, err := s.APIKeys().FindByUser(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, core.VenueGate, left[0].Venue)

	require.NoError(t, s.APIKeys().Delete(ctx, "user-1", "bingx"), "deleting an absent row is not an error")
}

func TestOpportunityActiveLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	opp := &core.ArbitrageOpportunity{
		ID: "opp-1", Symbol: "BTCUSDT", LongVenue: core.VenueOKX, ShortVenue: core.VenueGate,
		Status: core.OpportunityActive, InitialDiff: d("0.0069"), CurrentDiff: d("0.0071"),
		MaxDiff: d("0.0075"), MaxDiffAt: now.Add(10 * time.Minute), DiffSum: d("0.021"),
		Observations: 3, NotificationCount: 2, DetectedAt: now, UpdatedAt: now.Add(20 * time.Minute),
	}
	require.NoError(t, s.Opportunities().Create(ctx, opp))

	got, err := s.Opportunities().FindActiveBy(ctx, "BTCUSDT", core.VenueOKX, core.VenueGate)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CurrentDiff.Equal(d("0.0071")))
	assert.Equal(t, int64(3), got.Observations)
	assert.Equal(t, 2, got.NotificationCount)
	assert.True(t, got.MaxDiffAt.Equal(now.Add(10*time.Minute)))

	missing, err := s.Opportunities().FindActiveBy(ctx, "BTCUSDT", core.VenueGate, core.VenueOKX)
	require.NoError(t, err)
	assert.Nil(t, missing, "venue pair is directional")

	got.Status = core.OpportunityExpired
	got.EndedAt = now.Add(time.Hour)
	got.DisappearReason = core.ReasonRateDropped
	require.NoError(t, s.Opportunities().Update(ctx, got))

	gone, err := s.Opportunities().FindActiveBy(ctx, "BTCUSDT", core.VenueOKX, core.VenueGate)
	require.NoError(t, err)
	assert.Nil(t, gone, "expired opportunities leave the active lookup")
}

func TestFindAllActiveNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"opp-1", "opp-2", "opp-3"} {
		require.NoError(t, s.Opportunities().Create(ctx, &core.ArbitrageOpportunity{
			ID: id, Symbol: "BTCUSDT", LongVenue: core.VenueOKX, ShortVenue: core.VenueGate,
			Status: core.OpportunityActive, InitialDiff: d("0.01"), CurrentDiff: d("0.01"),
			MaxDiff: d("0.01"), DiffSum: d("0.01"), Observations: 1,
			DetectedAt: base.Add(time.Duration(i) * time.Minute), UpdatedAt: base,
		}))
	}

	got, err := s.Opportunities().FindAllActive(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "opp-3", got[0].ID)
	assert.Equal(t, "opp-2", got[1].ID)
}

func TestOpportunityHistoryNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"h-1", "h-2"} {
		require.NoError(t, s.OpportunityHistories().Create(ctx, &core.OpportunityHistory{
			ID: id, OpportunityID: "opp-" + id, Symbol: "BTCUSDT",
			LongVenue: core.VenueOKX, ShortVenue: core.VenueGate,
			InitialDiff: d("0.0069"), MaxDiff: d("0.0075"), AvgDiff: d("0.007"),
			DurationSeconds: 1800, NotificationsSent: 4, DisappearReason: core.ReasonRateDropped,
			RecordedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := s.OpportunityHistories().FindBySymbol(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "h-2", got[0].ID)
	assert.True(t, got[0].AvgDiff.Equal(d("0.007")))
	assert.Equal(t, int64(1800), got[0].DurationSeconds)
	assert.Equal(t, 4, got[0].NotificationsSent)
}

func TestWebhookRoundTripAndFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWebhook(ctx, &core.NotificationWebhook{
		ID: "wh-1", UserID: "user-1", Platform: "telegram", Token: "bot-token", ChatID: "42",
		MinRateDifference: d("0.005"), NotifyOnExpiry: true, MinuteWindows: []int{0, 30}, Enabled: true,
	}))
	require.NoError(t, s.SaveWebhook(ctx, &core.NotificationWebhook{
		ID: "wh-2", UserID: "user-2", Platform: "discord", URL: "https://discord.example/hook",
		MinRateDifference: d("0"), Enabled: true,
	}))
	require.NoError(t, s.SaveWebhook(ctx, &core.NotificationWebhook{
		ID: "wh-3", UserID: "user-1", Platform: "slack", URL: "https://slack.example/hook",
		MinRateDifference: d("0"), Enabled: false,
	}))

	all, err := s.Webhooks().FindAllEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "disabled rows are invisible")
	assert.Equal(t, "wh-1", all[0].ID)
	assert.Equal(t, []int{0, 30}, all[0].MinuteWindows)
	assert.True(t, all[0].NotifyOnExpiry)
	assert.True(t, all[0].MinRateDifference.Equal(d("0.005")))
	assert.Equal(t, "bot-token", all[0].Token)
	assert.Nil(t, all[1].MinuteWindows, "empty window list loads back as nil")

	mine, err := s.Webhooks().FindEnabledByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "wh-1", mine[0].ID)
}

func TestTradingSettingsSaveOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	got, err := s.TradingSettings().FindByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got, "no row yet")

	require.NoError(t, s.TradingSettings().Save(ctx, &core.TradingSettings{
		UserID: "user-1", ExitSuggestionsEnabled: true, APYThresholdPercent: d("5"), AutoCloseEnabled: false,
	}))
	require.NoError(t, s.TradingSettings().Save(ctx, &core.TradingSettings{
		UserID: "user-1", ExitSuggestionsEnabled: true, APYThresholdPercent: d("8"), AutoCloseEnabled: true,
	}))

	got, err = s.TradingSettings().FindByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.APYThresholdPercent.Equal(d("8")))
	assert.True(t, got.AutoCloseEnabled)
}

func TestAuditRecordFillsDefaults(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.AuditLog().Record(ctx, &core.AuditEvent{
		UserID: "user-1", Action: "credentials.decrypt", Resource: "okx", Detail: "local",
	}))

	var id, action string
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT id, action, at FROM audit_log`).Scan(&id, &action, &at)
	require.NoError(t, err)
	assert.NotEmpty(t, id, "missing id is generated")
	assert.Equal(t, "credentials.decrypt", action)
	assert.NotZero(t, at, "missing timestamp is filled")
}
