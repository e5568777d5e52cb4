// Package datasource tracks which transport feeds each (venue, dataType)
// pair and moves feeds between WebSocket and REST as connections degrade
// and recover. A feed normally rides the WebSocket; on disconnect or error
// it falls back to REST polling, arms a recovery timer, and promotes back
// once the socket is usable again. Feeds that stop delivering data are
// flagged stale and demoted the same way.
package datasource

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
	"funding_arb/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecoverFunc probes whether the WebSocket transport for a feed is usable
// again. It must return nil only when the transport is live.
type RecoverFunc func(ctx context.Context, venue string, dataType core.DataType) error

// PollFunc performs one REST poll for a feed while it is in rest mode and
// pushes whatever it fetched into the rest of the engine.
type PollFunc func(ctx context.Context, venue string, dataType core.DataType) error

type feedKey struct {
	Venue    string
	DataType core.DataType
}

type feed struct {
	state      core.DataSourceState
	configured core.SourceMode
	stale      bool
	recovery   *time.Timer
	pollCancel context.CancelFunc
}

// Manager is the per-process data-source state machine. One instance covers
// every registered (venue, dataType) feed.
type Manager struct {
	cfg     config.DataSourceConfig
	bus     *events.Bus
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	recoverFn RecoverFunc
	poll      PollFunc

	mu    sync.Mutex
	feeds map[feedKey]*feed

	isRunning   int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pollCounter metric.Int64Counter

	now func() time.Time
}

// NewManager creates the manager. recoverFn may be nil, in which case feeds
// promote back to WebSocket only when a connected event arrives; poll may be
// nil, in which case rest mode keeps state but fetches nothing.
func NewManager(cfg config.DataSourceConfig, bus *events.Bus, recoverFn RecoverFunc, poll PollFunc, logger core.ILogger) *Manager {
	meter := telemetry.GetMeter("datasource")
	pollCounter, _ := meter.Int64Counter(telemetry.MetricRestPollsTotal,
		metric.WithDescription("REST polling cycles executed"))

	return &Manager{
		cfg:         cfg,
		bus:         bus,
		logger:      logger.WithField("component", "datasource"),
		metrics:     telemetry.GetGlobalMetrics(),
		recoverFn:   recoverFn,
		poll:        poll,
		feeds:       make(map[feedKey]*feed),
		pollCounter: pollCounter,
		now:         time.Now,
	}
}

// Register adds a feed with its configured source mode. Feeds configured as
// rest are pinned there; websocket and hybrid feeds start on the socket and
// run the full demote/recover cycle. Registration counts as the first data
// receipt so a feed is not stale before it ever had a chance to deliver.
func (m *Manager) Register(venue string, dataType core.DataType, configured core.SourceMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := feedKey{Venue: venue, DataType: dataType}
	if _, ok := m.feeds[key]; ok {
		return
	}

	mode := core.ModeWebSocket
	if configured == core.ModeRest {
		mode = core.ModeRest
	}
	f := &feed{
		state: core.DataSourceState{
			Venue:              venue,
			DataType:           dataType,
			Mode:               mode,
			WebSocketAvailable: configured != core.ModeRest,
			LastDataReceivedAt: m.now(),
		},
		configured: configured,
	}
	m.feeds[key] = f

	if dataType == core.DataFundingRate {
		m.metrics.SetWebSocketActive(venue, mode == core.ModeWebSocket)
	}
	if mode == core.ModeRest {
		m.startPollLocked(key, f)
	}
}

// Start launches the stale checker and the pollers for any feed already in
// rest mode.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&m.isRunning, 0, 1) {
		return fmt.Errorf("data source manager is already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.staleLoop()

	for key, f := range m.feeds {
		if f.state.Mode != core.ModeRest {
			continue
		}
		m.startPollLocked(key, f)
		if f.configured != core.ModeRest {
			m.armRecoveryLocked(key, f)
		}
	}

	m.logger.Info("Data source manager started", "feeds", len(m.feeds))
	return nil
}

// Stop cancels every poller and recovery timer and waits for the loops to
// drain.
func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.isRunning, 1, 0) {
		return nil
	}

	m.mu.Lock()
	for _, f := range m.feeds {
		if f.recovery != nil {
			f.recovery.Stop()
			f.recovery = nil
		}
		m.stopPollLocked(f)
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Data source manager stopped")
	case <-time.After(10 * time.Second):
		m.logger.Warn("Data source manager stop timed out")
	}
	return nil
}

// HandleAdapterEvent applies one adapter or pool event to the feed for the
// event's venue. Connection events drive mode transitions; data events only
// refresh the staleness clock.
func (m *Manager) HandleAdapterEvent(dataType core.DataType, ev core.AdapterEvent) {
	switch ev.Type {
	case core.AdapterEventConnected:
		m.EnableWebSocket(ev.Venue, dataType)
	case core.AdapterEventDisconnected:
		m.DisableWebSocket(ev.Venue, dataType, "websocket disconnected")
	case core.AdapterEventError:
		m.DisableWebSocket(ev.Venue, dataType, "websocket error")
	case core.AdapterEventFundingRate, core.AdapterEventFundingRateBatch,
		core.AdapterEventMarkPrice, core.AdapterEventOrderUpdate:
		m.UpdateLastDataReceived(ev.Venue, dataType)
	}
}

// SwitchMode forces a feed onto the given transport. Most callers want
// EnableWebSocket or DisableWebSocket, which also manage availability and
// the recovery timer; SwitchMode is the raw transition.
func (m *Manager) SwitchMode(venue string, dataType core.DataType, mode core.SourceMode, reason string) {
	m.mu.Lock()
	key := feedKey{Venue: venue, DataType: dataType}
	f := m.feedLocked(key)
	from, changed := m.transitionLocked(key, f, mode, reason)
	st := f.state
	m.mu.Unlock()

	if changed {
		m.afterSwitch(st, from, mode, reason)
	}
}

// EnableWebSocket marks the socket usable again and promotes the feed off
// REST. The recovery timer, if armed, is cleared.
func (m *Manager) EnableWebSocket(venue string, dataType core.DataType) {
	m.promote(venue, dataType, "websocket connected")
}

// DisableWebSocket demotes the feed to REST polling and arms the recovery
// timer at the configured delay.
func (m *Manager) DisableWebSocket(venue string, dataType core.DataType, reason string) {
	m.mu.Lock()
	key := feedKey{Venue: venue, DataType: dataType}
	f := m.feedLocked(key)
	f.state.WebSocketAvailable = false
	from, changed := m.transitionLocked(key, f, core.ModeRest, reason)
	if f.configured != core.ModeRest {
		m.armRecoveryLocked(key, f)
	}
	st := f.state
	m.mu.Unlock()

	if changed {
		m.afterSwitch(st, from, core.ModeRest, reason)
	}
}

// TryRecoverWebSocket probes the socket and promotes the feed back to
// WebSocket when the probe succeeds. On failure the recovery timer is
// re-armed so the feed keeps retrying at the configured delay.
func (m *Manager) TryRecoverWebSocket(ctx context.Context, venue string, dataType core.DataType) error {
	if atomic.LoadInt32(&m.isRunning) == 0 {
		return nil
	}

	m.mu.Lock()
	key := feedKey{Venue: venue, DataType: dataType}
	f := m.feedLocked(key)
	if f.recovery != nil {
		f.recovery.Stop()
		f.recovery = nil
	}
	if f.state.Mode != core.ModeRest || f.configured == core.ModeRest {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.recoverFn == nil {
		return nil
	}
	if err := m.recoverFn(ctx, venue, dataType); err != nil {
		m.logger.Warn("WebSocket recovery attempt failed",
			"venue", venue, "data_type", string(dataType), "error", err.Error())
		m.mu.Lock()
		m.armRecoveryLocked(key, m.feedLocked(key))
		m.mu.Unlock()
		return err
	}

	m.promote(venue, dataType, "websocket recovered")
	return nil
}

// UpdateLastDataReceived refreshes the staleness clock for a feed. Any
// stale verdict is cleared immediately rather than waiting for the next
// checker tick.
func (m *Manager) UpdateLastDataReceived(venue string, dataType core.DataType) {
	m.mu.Lock()
	f := m.feedLocked(feedKey{Venue: venue, DataType: dataType})
	f.state.LastDataReceivedAt = m.now()
	wasStale := f.stale
	f.stale = false
	m.mu.Unlock()

	if wasStale {
		m.metrics.SetDataStale(venue, false)
		m.logger.Info("Data source is fresh again", "venue", venue, "data_type", string(dataType))
	}
}

// RecordLatency stores the most recent request latency for a feed.
func (m *Manager) RecordLatency(venue string, dataType core.DataType, latency time.Duration) {
	m.mu.Lock()
	f := m.feedLocked(feedKey{Venue: venue, DataType: dataType})
	f.state.LatencyMs = latency.Milliseconds()
	m.mu.Unlock()
}

// IsDataStale reports whether the feed has gone longer than the stale
// threshold without receiving data.
func (m *Manager) IsDataStale(venue string, dataType core.DataType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feedKey{Venue: venue, DataType: dataType}]
	if !ok {
		return false
	}
	return m.now().Sub(f.state.LastDataReceivedAt) > m.cfg.StaleThreshold()
}

// State returns a snapshot of one feed's state.
func (m *Manager) State(venue string, dataType core.DataType) (core.DataSourceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feedKey{Venue: venue, DataType: dataType}]
	if !ok {
		return core.DataSourceState{}, false
	}
	return f.state, true
}

// States returns snapshots of every feed, ordered by venue then data type.
func (m *Manager) States() []core.DataSourceState {
	m.mu.Lock()
	out := make([]core.DataSourceState, 0, len(m.feeds))
	for _, f := range m.feeds {
		out = append(out, f.state)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].DataType < out[j].DataType
	})
	return out
}

// feedLocked returns the feed for key, lazily registering an unknown one as
// hybrid. Events can arrive for venues nobody registered explicitly.
func (m *Manager) feedLocked(key feedKey) *feed {
	if f, ok := m.feeds[key]; ok {
		return f
	}
	f := &feed{
		state: core.DataSourceState{
			Venue:              key.Venue,
			DataType:           key.DataType,
			Mode:               core.ModeWebSocket,
			WebSocketAvailable: true,
			LastDataReceivedAt: m.now(),
		},
		configured: core.ModeHybrid,
	}
	m.feeds[key] = f
	return f
}

// transitionLocked moves the feed to mode and starts or stops its poller.
// It returns the previous mode and whether anything changed.
func (m *Manager) transitionLocked(key feedKey, f *feed, mode core.SourceMode, reason string) (core.SourceMode, bool) {
	from := f.state.Mode
	if from == mode {
		return from, false
	}
	if mode == core.ModeWebSocket && f.configured == core.ModeRest {
		return from, false
	}

	f.state.Mode = mode
	f.state.LastSwitchReason = reason
	f.state.LastSwitchAt = m.now()

	if mode == core.ModeRest {
		m.startPollLocked(key, f)
	} else {
		m.stopPollLocked(f)
		if f.recovery != nil {
			f.recovery.Stop()
			f.recovery = nil
		}
	}
	return from, true
}

func (m *Manager) promote(venue string, dataType core.DataType, reason string) {
	m.mu.Lock()
	key := feedKey{Venue: venue, DataType: dataType}
	f := m.feedLocked(key)
	if f.configured == core.ModeRest {
		m.mu.Unlock()
		return
	}
	f.state.WebSocketAvailable = true
	if f.recovery != nil {
		f.recovery.Stop()
		f.recovery = nil
	}
	from, changed := m.transitionLocked(key, f, core.ModeWebSocket, reason)
	st := f.state
	m.mu.Unlock()

	if changed {
		m.afterSwitch(st, from, core.ModeWebSocket, reason)
	}
}

func (m *Manager) afterSwitch(st core.DataSourceState, from, to core.SourceMode, reason string) {
	m.logger.Info("Data source switched",
		"venue", st.Venue, "data_type", string(st.DataType),
		"from", string(from), "to", string(to), "reason", reason)
	if st.DataType == core.DataFundingRate {
		m.metrics.SetWebSocketActive(st.Venue, to == core.ModeWebSocket)
	}
	m.bus.Publish(events.TopicDataSourceSwitched, events.DataSourceSwitched{
		State:  st,
		From:   from,
		To:     to,
		Reason: reason,
	})
}

// armRecoveryLocked schedules a recovery attempt unless one is already
// pending or the feed cannot be promoted.
func (m *Manager) armRecoveryLocked(key feedKey, f *feed) {
	if m.recoverFn == nil || f.configured == core.ModeRest || f.recovery != nil {
		return
	}
	if atomic.LoadInt32(&m.isRunning) == 0 {
		return
	}
	f.recovery = time.AfterFunc(m.cfg.RecoveryDelay(), func() {
		_ = m.TryRecoverWebSocket(context.Background(), key.Venue, key.DataType)
	})
}

func (m *Manager) startPollLocked(key feedKey, f *feed) {
	if m.poll == nil || f.pollCancel != nil {
		return
	}
	if atomic.LoadInt32(&m.isRunning) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	f.pollCancel = cancel
	m.wg.Add(1)
	go m.pollLoop(ctx, key)
}

func (m *Manager) stopPollLocked(f *feed) {
	if f.pollCancel != nil {
		f.pollCancel()
		f.pollCancel = nil
	}
}

// pollLoop fetches over REST while the feed stays in rest mode. The first
// poll runs immediately so a downed socket does not leave a gap of a full
// interval.
func (m *Manager) pollLoop(ctx context.Context, key feedKey) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RestPollInterval())
	defer ticker.Stop()

	m.pollOnce(ctx, key)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, key)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, key feedKey) {
	start := m.now()
	err := m.poll(ctx, key.Venue, key.DataType)
	m.pollCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", key.Venue),
		attribute.String("data_type", string(key.DataType)),
	))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("REST poll failed",
			"venue", key.Venue, "data_type", string(key.DataType), "error", err.Error())
		return
	}
	m.RecordLatency(key.Venue, key.DataType, m.now().Sub(start))
	m.UpdateLastDataReceived(key.Venue, key.DataType)
}

func (m *Manager) staleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StaleEmitInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkStale()
		}
	}
}

// checkStale flags funding-rate feeds that exceeded the stale threshold.
// Stale feeds are logged and emitted on every tick; the demotion to REST
// fires once per stale episode. Other data types have no inherent cadence,
// so silence on them is not treated as staleness.
func (m *Manager) checkStale() {
	type staleHit struct {
		state    core.DataSourceState
		staleFor time.Duration
		first    bool
	}

	now := m.now()
	threshold := m.cfg.StaleThreshold()

	m.mu.Lock()
	var hits []staleHit
	for key, f := range m.feeds {
		if key.DataType != core.DataFundingRate {
			continue
		}
		age := now.Sub(f.state.LastDataReceivedAt)
		if age <= threshold {
			continue
		}
		first := !f.stale
		f.stale = true
		hits = append(hits, staleHit{state: f.state, staleFor: age, first: first})
	}
	m.mu.Unlock()

	for _, h := range hits {
		m.metrics.SetDataStale(h.state.Venue, true)
		m.logger.Warn("Data source is stale",
			"venue", h.state.Venue, "data_type", string(h.state.DataType),
			"stale_for", h.staleFor.String(), "threshold", threshold.String())
		m.bus.Publish(events.TopicDataSourceStale, events.DataSourceStale{
			State:    h.state,
			StaleFor: h.staleFor,
		})
		if h.first {
			m.DisableWebSocket(h.state.Venue, h.state.DataType, "stale data")
		}
	}
}
