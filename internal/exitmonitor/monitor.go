// Package exitmonitor watches open hedged positions against live funding
// rates and recommends closing when the position stops earning. A position
// is suggested for exit when its current APY turns negative, or when the APY
// sinks below the user's threshold while accumulated funding still exceeds
// the mark-to-market loss, so the profit can be locked in. Suggestions and
// their withdrawal are position state, persisted and emitted exactly once
// per transition.
package exitmonitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	"funding_arb/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// AdapterSource hands out per-user trading adapters for funding-history
// queries. The exchange registry satisfies it.
type AdapterSource interface {
	Trading(userID, venue string) (core.IExchangeAdapter, error)
}

const hoursPerYear = 8760

// Monitor evaluates open positions whenever their symbol's rates move.
// Evaluations fan out on a worker pool; a position already being evaluated
// is skipped rather than queued, the next snapshot will cover it.
type Monitor struct {
	cfg      config.ExitMonitorConfig
	bus      *events.Bus
	repo     core.Repository
	adapters AdapterSource
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	mu       sync.Mutex
	inflight map[string]struct{}
	lastEmit map[string]time.Time

	isRunning int32
	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// NewMonitor creates the exit monitor.
func NewMonitor(cfg config.ExitMonitorConfig, conc config.ConcurrencyConfig, bus *events.Bus, repo core.Repository, adapters AdapterSource, logger core.ILogger) *Monitor {
	log := logger.WithField("component", "exit_monitor")
	pool := concurrency.NewWorkerPool("exit_monitor", conc.ExitPoolSize, conc.ExitPoolBuffer, log)

	return &Monitor{
		cfg:      cfg,
		bus:      bus,
		repo:     repo,
		adapters: adapters,
		pool:     pool,
		logger:   log,
		inflight: make(map[string]struct{}),
		lastEmit: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start begins consuming rate snapshots.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.isRunning, 0, 1) {
		return fmt.Errorf("exit monitor is already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.sub = m.bus.Subscribe("exit_monitor", 512, events.TopicRateUpdated)
	m.wg.Add(1)
	go m.run()

	m.logger.Info("Exit monitor started",
		"debounce", m.cfg.Debounce().String(), "apy_threshold_percent", m.cfg.APYThresholdPercent)
	return nil
}

// Stop drains the evaluation pool and ends consumption.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.isRunning, 1, 0) {
		return nil
	}
	m.sub.Close()
	m.cancel()
	m.pool.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Exit monitor stopped")
	case <-time.After(10 * time.Second):
		m.logger.Warn("Exit monitor stop timed out")
	}
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for ev := range m.sub.C() {
		upd, ok := ev.Payload.(events.RateUpdated)
		if !ok || upd.Snapshot == nil {
			continue
		}
		m.handleSnapshot(upd.Snapshot)
	}
}

func (m *Monitor) handleSnapshot(snap *core.RateSnapshot) {
	positions, err := m.repo.Positions().FindOpenBySymbol(m.ctx, snap.Symbol)
	if err != nil {
		m.logger.Error("Failed to load open positions", "symbol", snap.Symbol, "error", err.Error())
		return
	}

	for _, pos := range positions {
		pos := pos
		if !m.tryBegin(pos.ID) {
			continue
		}
		if err := m.pool.Submit(func() {
			defer m.end(pos.ID)
			m.evaluate(m.ctx, pos, snap)
		}); err != nil {
			m.end(pos.ID)
			m.logger.Warn("Exit evaluation dropped, pool full", "position_id", pos.ID)
		}
	}
}

// evaluate runs one pass of the suggestion logic for a position against a
// snapshot. Missing rate or mark data yields no decision at all: the
// position is neither suggested nor un-suggested on partial information.
func (m *Monitor) evaluate(ctx context.Context, pos *core.Position, snap *core.RateSnapshot) {
	settings, err := m.repo.TradingSettings().FindByUserID(ctx, pos.UserID)
	if err != nil {
		m.logger.Error("Failed to load trading settings", "user_id", pos.UserID, "error", err.Error())
		return
	}
	if settings == nil || !settings.ExitSuggestionsEnabled {
		return
	}
	threshold := settings.APYThresholdPercent
	if threshold.IsZero() {
		threshold = decimal.NewFromFloat(m.cfg.APYThresholdPercent)
	}

	apy, ok := currentAPY(pos, snap)
	if !ok {
		return
	}
	loss, ok := priceDiffLoss(pos, snap)
	if !ok {
		return
	}
	funding := m.fundingPnL(ctx, pos)

	var reason core.ExitReason
	should := false
	switch {
	case apy.IsNegative():
		should, reason = true, core.ExitAPYNegative
	case apy.LessThan(threshold) && funding.GreaterThan(loss):
		should, reason = true, core.ExitProfitLockable
	}

	switch {
	case should && !pos.ExitSuggested:
		m.suggest(ctx, pos, reason, apy, funding, loss)
	case !should && pos.ExitSuggested:
		m.withdraw(ctx, pos)
	}
}

func (m *Monitor) suggest(ctx context.Context, pos *core.Position, reason core.ExitReason, apy, funding, loss decimal.Decimal) {
	now := m.now()

	m.mu.Lock()
	if last, ok := m.lastEmit[pos.ID]; ok && now.Sub(last) < m.cfg.Debounce() {
		m.mu.Unlock()
		return
	}
	m.lastEmit[pos.ID] = now
	m.mu.Unlock()

	pos.ExitSuggested = true
	pos.ExitSuggestReason = string(reason)
	pos.ExitSuggestedAt = now
	if err := m.repo.Positions().Update(ctx, pos); err != nil {
		m.logger.Error("Failed to persist exit suggestion", "position_id", pos.ID, "error", err.Error())
	}

	m.logger.Info("Exit suggested",
		"position_id", pos.ID, "symbol", pos.Symbol, "reason", string(reason),
		"apy_percent", apy.String(), "funding_pnl", funding.String(), "price_diff_loss", loss.String())

	cp := *pos
	m.bus.Publish(events.TopicExitSuggested, events.ExitSuggestion{
		Position:      &cp,
		Reason:        reason,
		CurrentAPY:    apy,
		FundingPnL:    funding,
		PriceDiffLoss: loss,
	})
}

func (m *Monitor) withdraw(ctx context.Context, pos *core.Position) {
	pos.ExitSuggested = false
	pos.ExitSuggestReason = ""
	pos.ExitSuggestedAt = time.Time{}
	if err := m.repo.Positions().Update(ctx, pos); err != nil {
		m.logger.Error("Failed to clear exit suggestion", "position_id", pos.ID, "error", err.Error())
	}

	m.mu.Lock()
	delete(m.lastEmit, pos.ID)
	m.mu.Unlock()

	m.logger.Info("Exit suggestion withdrawn", "position_id", pos.ID, "symbol", pos.Symbol)
	m.bus.Publish(events.TopicExitCanceled, events.ExitCancel{
		PositionID: pos.ID,
		Reason:     "conditions cleared",
	})
}

// fundingPnL sums funding payments for both legs since the position opened.
// When the history cannot be fetched, the position's cached cumulative value
// stands in, so a lost credential degrades the signal instead of muting it.
func (m *Monitor) fundingPnL(ctx context.Context, pos *core.Position) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []*core.PositionLeg{&pos.Long, &pos.Short} {
		adapter, err := m.adapters.Trading(pos.UserID, leg.Venue)
		if err != nil {
			m.logger.Warn("Funding history unavailable, using cached PnL",
				"position_id", pos.ID, "venue", leg.Venue, "error", err.Error())
			return pos.CachedFundingPnL
		}
		payments, err := adapter.GetFundingPayments(ctx, pos.Symbol, pos.OpenedAt)
		if err != nil {
			m.logger.Warn("Funding history query failed, using cached PnL",
				"position_id", pos.ID, "venue", leg.Venue, "error", err.Error())
			return pos.CachedFundingPnL
		}
		for _, p := range payments {
			total = total.Add(p.Amount)
		}
	}
	pos.CachedFundingPnL = total
	return total
}

// currentAPY annualizes each leg's own rate on its own interval and returns
// short minus long as a percentage. Legs on different funding intervals are
// compared on equal footing this way.
func currentAPY(pos *core.Position, snap *core.RateSnapshot) (decimal.Decimal, bool) {
	longFR, ok := snap.Venues[pos.Long.Venue]
	if !ok || longFR == nil {
		return decimal.Decimal{}, false
	}
	shortFR, ok := snap.Venues[pos.Short.Venue]
	if !ok || shortFR == nil {
		return decimal.Decimal{}, false
	}
	spread := annualize(shortFR).Sub(annualize(longFR))
	return spread.Mul(decimal.NewFromInt(100)), true
}

func annualize(fr *core.FundingRate) decimal.Decimal {
	hours := fr.IntervalHours
	if !core.IsValidFundingInterval(hours) {
		hours = core.DefaultFundingIntervalHours
	}
	return fr.Rate.Mul(decimal.NewFromInt(int64(hoursPerYear / hours)))
}

// priceDiffLoss is the combined mark-to-market loss across both legs,
// clamped at zero. Only losses count against lockable profit.
func priceDiffLoss(pos *core.Position, snap *core.RateSnapshot) (decimal.Decimal, bool) {
	longMark, ok := markFor(snap, pos.Long.Venue)
	if !ok {
		return decimal.Decimal{}, false
	}
	shortMark, ok := markFor(snap, pos.Short.Venue)
	if !ok {
		return decimal.Decimal{}, false
	}

	longLoss := pos.Long.EntryPrice.Sub(longMark).Mul(pos.Long.Size)
	shortLoss := shortMark.Sub(pos.Short.EntryPrice).Mul(pos.Short.Size)
	loss := longLoss.Add(shortLoss)
	if loss.IsNegative() {
		return decimal.Zero, true
	}
	return loss, true
}

func markFor(snap *core.RateSnapshot, venue string) (decimal.Decimal, bool) {
	fr, ok := snap.Venues[venue]
	if !ok || fr == nil || fr.MarkPrice.IsZero() {
		return decimal.Decimal{}, false
	}
	return fr.MarkPrice, true
}

func (m *Monitor) tryBegin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) end(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}
