// Package detector turns per-symbol rate snapshots into tracked arbitrage
// opportunities. An opportunity is identified by (symbol, long venue, short
// venue); it is created the first time that pair's raw rate difference
// reaches the threshold, updated on every observation at or above it, and
// retired exactly once, either EXPIRED when the difference drops back below
// the threshold or CLOSED when a required venue stops reporting. Every
// terminal transition writes an OpportunityHistory summary.
package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pairKey struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
}

// Detector consumes rate-updated snapshots and maintains the active
// opportunity set. One consumer goroutine processes snapshots in arrival
// order, so transitions for a single opportunity are linearizable and a
// terminal state is never re-entered.
type Detector struct {
	threshold decimal.Decimal
	bus       *events.Bus
	repo      core.Repository
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu     sync.Mutex
	active map[pairKey]*core.ArbitrageOpportunity

	detectedCounter metric.Int64Counter

	isRunning int32
	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// NewDetector creates the detector. The threshold comes from engine
// configuration and is compared against raw per-interval rate differences.
func NewDetector(cfg config.EngineConfig, bus *events.Bus, repo core.Repository, logger core.ILogger) *Detector {
	meter := telemetry.GetMeter("detector")
	detectedCounter, _ := meter.Int64Counter(telemetry.MetricOpportunitiesTotal,
		metric.WithDescription("Arbitrage opportunities detected"))

	return &Detector{
		threshold:       decimal.NewFromFloat(cfg.FundingRateThreshold),
		bus:             bus,
		repo:            repo,
		logger:          logger.WithField("component", "detector"),
		metrics:         telemetry.GetGlobalMetrics(),
		active:          make(map[pairKey]*core.ArbitrageOpportunity),
		detectedCounter: detectedCounter,
		now:             time.Now,
	}
}

// Start reloads ACTIVE opportunities from the repository so a restart
// resumes tracking where it left off, then begins consuming snapshots.
func (d *Detector) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.isRunning, 0, 1) {
		return fmt.Errorf("detector is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	rows, err := d.repo.Opportunities().FindAllActive(d.ctx, 0)
	if err != nil {
		atomic.StoreInt32(&d.isRunning, 0)
		d.cancel()
		return fmt.Errorf("load active opportunities: %w", err)
	}

	d.mu.Lock()
	for _, opp := range rows {
		d.active[pairKey{Symbol: opp.Symbol, LongVenue: opp.LongVenue, ShortVenue: opp.ShortVenue}] = opp
	}
	loaded := len(d.active)
	d.mu.Unlock()

	d.sub = d.bus.Subscribe("detector", 1024, events.TopicRateUpdated)
	d.wg.Add(1)
	go d.run()

	d.logger.Info("Detector started", "threshold", d.threshold.String(), "resumed", loaded)
	return nil
}

// Stop ends snapshot consumption. Active opportunities stay ACTIVE in the
// repository and are reloaded on the next start.
func (d *Detector) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.isRunning, 1, 0) {
		return nil
	}
	d.sub.Close()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Detector stopped")
	case <-time.After(10 * time.Second):
		d.logger.Warn("Detector stop timed out")
	}
	return nil
}

// Active returns clones of the tracked opportunities, ordered by symbol
// then venue pair.
func (d *Detector) Active() []*core.ArbitrageOpportunity {
	d.mu.Lock()
	out := make([]*core.ArbitrageOpportunity, 0, len(d.active))
	for _, opp := range d.active {
		cp := *opp
		out = append(out, &cp)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].LongVenue != out[j].LongVenue {
			return out[i].LongVenue < out[j].LongVenue
		}
		return out[i].ShortVenue < out[j].ShortVenue
	})
	return out
}

// RecordNotification bumps the notification counter for an active
// opportunity. The detector is the sole writer of opportunity rows, so the
// count is persisted with the next observation or the terminal write.
func (d *Detector) RecordNotification(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, opp := range d.active {
		if opp.ID == id {
			opp.NotificationCount++
			return
		}
	}
}

// CloseManually retires an active opportunity with reason MANUAL_CLOSE.
func (d *Detector) CloseManually(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, opp := range d.active {
		if opp.ID == id {
			d.terminateLocked(ctx, key, opp, core.OpportunityClosed, core.ReasonManualClose, d.now())
			return nil
		}
	}
	return fmt.Errorf("%w: no active opportunity %s", apperrors.ErrValidation, id)
}

func (d *Detector) run() {
	defer d.wg.Done()
	for ev := range d.sub.C() {
		upd, ok := ev.Payload.(events.RateUpdated)
		if !ok || upd.Snapshot == nil {
			continue
		}
		d.processSnapshot(d.ctx, upd.Snapshot)
	}
}

func (d *Detector) processSnapshot(ctx context.Context, snap *core.RateSnapshot) {
	now := d.now()

	venues := make([]string, 0, len(snap.Venues))
	for v, fr := range snap.Venues {
		if fr != nil {
			venues = append(venues, v)
		}
	}
	sort.Strings(venues)

	d.mu.Lock()
	defer d.mu.Unlock()

	// First pass: every unordered venue pair at or above the threshold is
	// observed. The lower rate is the long side. Equal rates are skipped
	// because neither side earns the spread.
	seen := make(map[pairKey]struct{})
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			a, b := snap.Venues[venues[i]], snap.Venues[venues[j]]
			if a.Rate.Equal(b.Rate) {
				continue
			}
			long, short := venues[i], venues[j]
			if a.Rate.GreaterThan(b.Rate) {
				long, short = venues[j], venues[i]
			}
			diff := snap.Venues[short].Rate.Sub(snap.Venues[long].Rate)
			if diff.LessThan(d.threshold) {
				continue
			}
			key := pairKey{Symbol: snap.Symbol, LongVenue: long, ShortVenue: short}
			seen[key] = struct{}{}
			d.observeLocked(ctx, key, diff, now)
		}
	}

	// Second pass: any tracked pair for this symbol that was not observed
	// above the threshold either lost a venue or lost its edge.
	for key, opp := range d.active {
		if key.Symbol != snap.Symbol {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		longRate, longOK := venueRate(snap, key.LongVenue)
		shortRate, shortOK := venueRate(snap, key.ShortVenue)
		if !longOK || !shortOK {
			d.terminateLocked(ctx, key, opp, core.OpportunityClosed, core.ReasonDataUnavailable, now)
			continue
		}
		opp.CurrentDiff = shortRate.Sub(longRate)
		d.terminateLocked(ctx, key, opp, core.OpportunityExpired, core.ReasonRateDropped, now)
	}
}

func venueRate(snap *core.RateSnapshot, venue string) (decimal.Decimal, bool) {
	fr, ok := snap.Venues[venue]
	if !ok || fr == nil {
		return decimal.Decimal{}, false
	}
	return fr.Rate, true
}

func (d *Detector) observeLocked(ctx context.Context, key pairKey, diff decimal.Decimal, now time.Time) {
	if opp, ok := d.active[key]; ok {
		opp.CurrentDiff = diff
		opp.DiffSum = opp.DiffSum.Add(diff)
		opp.Observations++
		opp.UpdatedAt = now
		if diff.GreaterThan(opp.MaxDiff) {
			opp.MaxDiff = diff
			opp.MaxDiffAt = now
		}
		if err := d.repo.Opportunities().Update(ctx, opp); err != nil {
			d.logger.Error("Failed to persist opportunity update",
				"id", opp.ID, "symbol", opp.Symbol, "error", err.Error())
		}
		return
	}

	opp := &core.ArbitrageOpportunity{
		ID:           uuid.NewString(),
		Symbol:       key.Symbol,
		LongVenue:    key.LongVenue,
		ShortVenue:   key.ShortVenue,
		Status:       core.OpportunityActive,
		InitialDiff:  diff,
		CurrentDiff:  diff,
		MaxDiff:      diff,
		MaxDiffAt:    now,
		DiffSum:      diff,
		Observations: 1,
		DetectedAt:   now,
		UpdatedAt:    now,
	}
	d.active[key] = opp

	if err := d.repo.Opportunities().Create(ctx, opp); err != nil {
		d.logger.Error("Failed to persist new opportunity",
			"id", opp.ID, "symbol", opp.Symbol, "error", err.Error())
	}
	d.detectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", key.Symbol)))
	d.metrics.SetActiveOpportunities(key.Symbol, d.countLocked(key.Symbol))
	d.logger.Info("Arbitrage opportunity detected",
		"id", opp.ID, "symbol", key.Symbol, "long", key.LongVenue, "short", key.ShortVenue,
		"diff", diff.String())
	d.publish(events.TopicOpportunityDetected, opp)
}

// terminateLocked retires an opportunity exactly once: it leaves the active
// set, gets its terminal row persisted, and produces a history summary.
func (d *Detector) terminateLocked(ctx context.Context, key pairKey, opp *core.ArbitrageOpportunity, status core.OpportunityStatus, reason core.DisappearReason, now time.Time) {
	delete(d.active, key)

	opp.Status = status
	opp.DisappearReason = reason
	opp.UpdatedAt = now
	opp.EndedAt = now

	if err := d.repo.Opportunities().Update(ctx, opp); err != nil {
		d.logger.Error("Failed to persist opportunity terminal state",
			"id", opp.ID, "symbol", opp.Symbol, "error", err.Error())
	}

	h := &core.OpportunityHistory{
		ID:                uuid.NewString(),
		OpportunityID:     opp.ID,
		Symbol:            opp.Symbol,
		LongVenue:         opp.LongVenue,
		ShortVenue:        opp.ShortVenue,
		InitialDiff:       opp.InitialDiff,
		MaxDiff:           opp.MaxDiff,
		AvgDiff:           opp.AverageDiff(),
		DurationSeconds:   int64(now.Sub(opp.DetectedAt) / time.Second),
		NotificationsSent: opp.NotificationCount,
		DisappearReason:   reason,
		RecordedAt:        now,
	}
	if err := d.repo.OpportunityHistories().Create(ctx, h); err != nil {
		d.logger.Error("Failed to write opportunity history",
			"opportunity_id", opp.ID, "error", err.Error())
	}

	d.metrics.SetActiveOpportunities(opp.Symbol, d.countLocked(opp.Symbol))
	d.logger.Info("Arbitrage opportunity ended",
		"id", opp.ID, "symbol", opp.Symbol, "status", string(status), "reason", string(reason),
		"max_diff", opp.MaxDiff.String(), "observations", opp.Observations)

	topic := events.TopicOpportunityClosed
	if status == core.OpportunityExpired {
		topic = events.TopicOpportunityExpired
	}
	d.publish(topic, opp)
}

func (d *Detector) publish(topic events.Topic, opp *core.ArbitrageOpportunity) {
	cp := *opp
	d.bus.Publish(topic, events.OpportunityChange{Opportunity: &cp})
}

func (d *Detector) countLocked(symbol string) int64 {
	var n int64
	for key := range d.active {
		if key.Symbol == symbol {
			n++
		}
	}
	return n
}
