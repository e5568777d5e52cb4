package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricRateUpdatesTotal      = "funding_arb_rate_updates_total"
	MetricOpportunitiesTotal    = "funding_arb_opportunities_detected_total"
	MetricOpportunitiesActive   = "funding_arb_opportunities_active"
	MetricBestSpreadPercent     = "funding_arb_best_spread_percent"
	MetricNotificationsSent     = "funding_arb_notifications_sent_total"
	MetricNotificationsFailed   = "funding_arb_notifications_failed_total"
	MetricEventsDroppedTotal    = "funding_arb_events_dropped_total"
	MetricWsReconnectsTotal     = "funding_arb_ws_reconnects_total"
	MetricRestPollsTotal        = "funding_arb_rest_polls_total"
	MetricTriggersDetectedTotal = "funding_arb_triggers_detected_total"
	MetricClosesTotal           = "funding_arb_closes_total"
	MetricCloseDuration         = "funding_arb_close_duration_ms"
	MetricLatencyVenue          = "funding_arb_venue_latency_ms"
	MetricSubscriptions         = "funding_arb_subscriptions"
	MetricPoolConnections       = "funding_arb_pool_connections"
	MetricWebSocketActive       = "funding_arb_websocket_active"
	MetricDataStale             = "funding_arb_data_stale"
	MetricPositionsOpen         = "funding_arb_positions_open"
	MetricExternalPublishTotal  = "funding_arb_external_publish_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	RateUpdatesTotal      metric.Int64Counter
	OpportunitiesTotal    metric.Int64Counter
	OpportunitiesActive   metric.Int64ObservableGauge
	BestSpreadPercent     metric.Float64ObservableGauge
	NotificationsSent     metric.Int64Counter
	NotificationsFailed   metric.Int64Counter
	WsReconnectsTotal     metric.Int64Counter
	RestPollsTotal        metric.Int64Counter
	TriggersDetectedTotal metric.Int64Counter
	ClosesTotal           metric.Int64Counter
	CloseDuration         metric.Float64Histogram
	LatencyVenue          metric.Float64Histogram
	Subscriptions         metric.Int64ObservableGauge
	PoolConnections       metric.Int64ObservableGauge
	WebSocketActive       metric.Int64ObservableGauge
	DataStale             metric.Int64ObservableGauge
	PositionsOpen         metric.Int64ObservableGauge

	// State for observable gauges
	mu                 sync.RWMutex
	activeOppsMap      map[string]int64
	bestSpreadMap      map[string]float64
	subscriptionsMap   map[string]int64
	poolConnectionsMap map[string]int64
	wsActiveMap        map[string]int64
	dataStaleMap       map[string]int64
	positionsOpenMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeOppsMap:      make(map[string]int64),
			bestSpreadMap:      make(map[string]float64),
			subscriptionsMap:   make(map[string]int64),
			poolConnectionsMap: make(map[string]int64),
			wsActiveMap:        make(map[string]int64),
			dataStaleMap:       make(map[string]int64),
			positionsOpenMap:   make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RateUpdatesTotal, err = meter.Int64Counter(MetricRateUpdatesTotal, metric.WithDescription("Funding rate updates accepted into the aggregator"))
	if err != nil {
		return err
	}

	m.OpportunitiesTotal, err = meter.Int64Counter(MetricOpportunitiesTotal, metric.WithDescription("Arbitrage opportunities detected"))
	if err != nil {
		return err
	}

	m.NotificationsSent, err = meter.Int64Counter(MetricNotificationsSent, metric.WithDescription("Webhook notifications delivered"))
	if err != nil {
		return err
	}

	m.NotificationsFailed, err = meter.Int64Counter(MetricNotificationsFailed, metric.WithDescription("Webhook notifications that failed delivery"))
	if err != nil {
		return err
	}

	m.WsReconnectsTotal, err = meter.Int64Counter(MetricWsReconnectsTotal, metric.WithDescription("WebSocket reconnect attempts"))
	if err != nil {
		return err
	}

	m.RestPollsTotal, err = meter.Int64Counter(MetricRestPollsTotal, metric.WithDescription("REST polling cycles executed"))
	if err != nil {
		return err
	}

	m.TriggersDetectedTotal, err = meter.Int64Counter(MetricTriggersDetectedTotal, metric.WithDescription("Conditional order triggers detected"))
	if err != nil {
		return err
	}

	m.ClosesTotal, err = meter.Int64Counter(MetricClosesTotal, metric.WithDescription("Position close attempts by outcome"))
	if err != nil {
		return err
	}

	m.CloseDuration, err = meter.Float64Histogram(MetricCloseDuration, metric.WithDescription("Time to complete a position close"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyVenue, err = meter.Float64Histogram(MetricLatencyVenue, metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OpportunitiesActive, err = meter.Int64ObservableGauge(MetricOpportunitiesActive, metric.WithDescription("Currently ACTIVE opportunities"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activeOppsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BestSpreadPercent, err = meter.Float64ObservableGauge(MetricBestSpreadPercent, metric.WithDescription("Best pair spread per symbol, percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.bestSpreadMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Subscriptions, err = meter.Int64ObservableGauge(MetricSubscriptions, metric.WithDescription("Active symbol subscriptions per venue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.subscriptionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PoolConnections, err = meter.Int64ObservableGauge(MetricPoolConnections, metric.WithDescription("Open pool connections per venue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.poolConnectionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.WebSocketActive, err = meter.Int64ObservableGauge(MetricWebSocketActive, metric.WithDescription("WebSocket transport active (1) or REST fallback (0)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.wsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DataStale, err = meter.Int64ObservableGauge(MetricDataStale, metric.WithDescription("Data source staleness (1=stale, 0=fresh)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.dataStaleMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Open hedged positions per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionsOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveOpportunities(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOppsMap[symbol] = count
}

func (m *MetricsHolder) SetBestSpread(symbol string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestSpreadMap[symbol] = percent
}

func (m *MetricsHolder) SetSubscriptions(venue string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptionsMap[venue] = count
}

func (m *MetricsHolder) SetPoolConnections(venue string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolConnectionsMap[venue] = count
}

func (m *MetricsHolder) SetWebSocketActive(venue string, active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsActiveMap[venue] = val
}

func (m *MetricsHolder) SetDataStale(venue string, stale bool) {
	val := int64(0)
	if stale {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataStaleMap[venue] = val
}

func (m *MetricsHolder) SetPositionsOpen(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpenMap[symbol] = count
}

func (m *MetricsHolder) GetActiveOpportunities() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOppsMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetBestSpread() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.bestSpreadMap {
		res[k] = v
	}
	return res
}
