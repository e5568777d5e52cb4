package rates

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/events"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const shardCount = 32

// AggregatorConfig carries the tunables the aggregator needs.
type AggregatorConfig struct {
	TargetBasisHours  []int
	BandGreenPercent  decimal.Decimal
	BandYellowPercent decimal.Decimal
	BandDebounce      time.Duration
}

type symbolState struct {
	snap       *core.RateSnapshot
	lastBand   events.Band
	lastBandAt time.Time
}

type shard struct {
	mu      sync.Mutex
	symbols map[string]*symbolState
}

// Aggregator maintains the per-symbol cross-venue rate snapshots. State is
// sharded by symbol hash so updates for different symbols never contend;
// updates for the same symbol serialize on the shard lock.
type Aggregator struct {
	cfg    AggregatorConfig
	bus    *events.Bus
	logger core.ILogger

	shards [shardCount]*shard

	updateCounter metric.Int64Counter
	metrics       *telemetry.MetricsHolder

	now func() time.Time
}

// NewAggregator creates the aggregator.
func NewAggregator(cfg AggregatorConfig, bus *events.Bus, logger core.ILogger) *Aggregator {
	meter := telemetry.GetMeter("rates")
	updateCounter, _ := meter.Int64Counter(telemetry.MetricRateUpdatesTotal,
		metric.WithDescription("Funding rate updates accepted into the aggregator"))

	a := &Aggregator{
		cfg:           cfg,
		bus:           bus,
		logger:        logger.WithField("component", "rates"),
		updateCounter: updateCounter,
		metrics:       telemetry.GetGlobalMetrics(),
		now:           time.Now,
	}
	for i := range a.shards {
		a.shards[i] = &shard{symbols: make(map[string]*symbolState)}
	}
	return a
}

func (a *Aggregator) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return a.shards[h.Sum32()%shardCount]
}

// Update folds one funding-rate observation into the symbol's snapshot.
// Observations older than what the snapshot already holds for that venue are
// discarded. Every accepted update publishes exactly one rate-updated event.
func (a *Aggregator) Update(fr *core.FundingRate) bool {
	if fr == nil || fr.Symbol == "" || fr.Venue == "" {
		return false
	}

	sh := a.shardFor(fr.Symbol)
	sh.mu.Lock()

	st, ok := sh.symbols[fr.Symbol]
	if !ok {
		st = &symbolState{snap: &core.RateSnapshot{
			Symbol: fr.Symbol,
			Venues: make(map[string]*core.FundingRate),
		}}
		sh.symbols[fr.Symbol] = st
	}

	if prev, exists := st.snap.Venues[fr.Venue]; exists && prev.ReceivedAt.After(fr.ReceivedAt) {
		sh.mu.Unlock()
		return false
	}

	frCopy := *fr
	if frCopy.IntervalHours == 0 {
		frCopy.IntervalHours = core.DefaultFundingIntervalHours
	}
	st.snap.Venues[fr.Venue] = &frCopy
	st.snap.UpdatedAt = frCopy.ReceivedAt

	a.recompute(st.snap)
	band, bandPair := a.bandTransition(st)

	snapshot := st.snap.Clone()
	sh.mu.Unlock()

	a.updateCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("venue", fr.Venue)))
	if snapshot.Best != nil {
		a.metrics.SetBestSpread(snapshot.Symbol, snapshot.Best.SpreadPercent.InexactFloat64())
	}

	a.bus.Publish(events.TopicRateUpdated, events.RateUpdated{Snapshot: snapshot})
	if band != "" {
		a.bus.Publish(events.TopicOpportunityBand, events.OpportunityBand{
			Symbol: snapshot.Symbol,
			Band:   band,
			Pair:   bandPair,
		})
	}
	return true
}

// RemoveVenue drops a venue's contribution to a symbol, recomputing the best
// pair. Used when a feed is pruned or a venue unsubscribes the symbol.
func (a *Aggregator) RemoveVenue(symbol, venue string) {
	sh := a.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.symbols[symbol]
	if !ok {
		return
	}
	if _, exists := st.snap.Venues[venue]; !exists {
		return
	}
	delete(st.snap.Venues, venue)
	a.recompute(st.snap)
}

// RemoveVenueAll drops a venue from every symbol it contributes to.
func (a *Aggregator) RemoveVenueAll(venue string) {
	for _, sh := range a.shards {
		sh.mu.Lock()
		for _, st := range sh.symbols {
			if _, exists := st.snap.Venues[venue]; exists {
				delete(st.snap.Venues, venue)
				a.recompute(st.snap)
			}
		}
		sh.mu.Unlock()
	}
}

// Snapshot returns a copy of the symbol's current state, or nil.
func (a *Aggregator) Snapshot(symbol string) *core.RateSnapshot {
	sh := a.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.symbols[symbol]
	if !ok {
		return nil
	}
	return st.snap.Clone()
}

// Snapshots returns copies of every tracked symbol's state.
func (a *Aggregator) Snapshots() []*core.RateSnapshot {
	var out []*core.RateSnapshot
	for _, sh := range a.shards {
		sh.mu.Lock()
		for _, st := range sh.symbols {
			out = append(out, st.snap.Clone())
		}
		sh.mu.Unlock()
	}
	return out
}

// recompute rebuilds Best and Normalized from the venue map. Caller holds
// the shard lock.
func (a *Aggregator) recompute(snap *core.RateSnapshot) {
	snap.Best = nil
	snap.Normalized = nil

	if len(snap.Venues) >= 2 {
		var minVenue, maxVenue string
		var minRate, maxRate decimal.Decimal
		for venue, fr := range snap.Venues {
			if minVenue == "" || fr.Rate.LessThan(minRate) {
				minVenue, minRate = venue, fr.Rate
			}
			if maxVenue == "" || fr.Rate.GreaterThan(maxRate) {
				maxVenue, maxRate = venue, fr.Rate
			}
		}

		spread := SpreadPercent(minRate, maxRate)
		shortLeg := snap.Venues[maxVenue]
		best := &core.BestPair{
			LongVenue:        minVenue,
			ShortVenue:       maxVenue,
			SpreadPercent:    spread,
			SpreadAnnualized: AnnualizeSpreadPercent(spread, shortLeg.IntervalHours),
		}
		longLeg := snap.Venues[minVenue]
		best.PriceDiffPercent = PriceDiffPercent(longLeg.MarkPrice, shortLeg.MarkPrice)
		snap.Best = best
	}

	if len(a.cfg.TargetBasisHours) > 0 && len(snap.Venues) > 0 {
		normalized := make(map[int]map[string]decimal.Decimal, len(a.cfg.TargetBasisHours))
		for _, basis := range a.cfg.TargetBasisHours {
			inner := make(map[string]decimal.Decimal, len(snap.Venues))
			for venue, fr := range snap.Venues {
				r, err := Normalize(fr.Rate, fr.IntervalHours, basis)
				if err != nil {
					continue
				}
				inner[venue] = r
			}
			normalized[basis] = inner
		}
		snap.Normalized = normalized
	}
}

// bandTransition grades the best pair and decides whether a band event is
// due. Same-band re-emission is debounced; band changes emit immediately.
// Caller holds the shard lock.
func (a *Aggregator) bandTransition(st *symbolState) (events.Band, core.BestPair) {
	if st.snap.Best == nil {
		st.lastBand = ""
		return "", core.BestPair{}
	}

	var band events.Band
	switch {
	case st.snap.Best.SpreadPercent.GreaterThanOrEqual(a.cfg.BandGreenPercent):
		band = events.BandGreen
	case st.snap.Best.SpreadPercent.GreaterThanOrEqual(a.cfg.BandYellowPercent):
		band = events.BandYellow
	default:
		st.lastBand = ""
		return "", core.BestPair{}
	}

	now := a.now()
	if band == st.lastBand && now.Sub(st.lastBandAt) < a.cfg.BandDebounce {
		return "", core.BestPair{}
	}
	st.lastBand = band
	st.lastBandAt = now
	return band, *st.snap.Best
}
