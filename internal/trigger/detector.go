// Package trigger watches venue order updates for fills of the conditional
// orders (stop loss, take profit) guarding monitored positions. A fill on one
// leg means the venue already closed that side; the detector classifies the
// trigger, records the closed leg and, when auto-close is on, drives the
// position closer to flatten the hedge leg so the position does not run
// one-sided.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Closer is the slice of the position closer the detector drives. When
// CloseSingleSide runs the triggered leg is already recorded closed, so the
// closer finalizes the position once the hedge leg is flat.
type Closer interface {
	CloseSingleSide(ctx context.Context, positionID string, side core.PositionSide, reason core.CloseReason) (*core.Position, error)
}

type dedupKey struct {
	Venue   string
	OrderID string
}

// Detector consumes order updates and matches FILLED conditional orders
// against the monitored position set. Positions are registered once their
// conditional orders reach SET and unregistered when a close succeeds or
// leaves PARTIAL. One worker goroutine processes updates in arrival order;
// together with the (venue, orderId) dedup window that makes trigger
// handling at-most-once.
type Detector struct {
	cfg       config.TriggerConfig
	bus       *events.Bus
	repo      core.Repository
	closer    Closer
	logger    core.ILogger
	tolerance decimal.Decimal

	mu        sync.Mutex
	monitored map[string]*core.Position
	seen      map[dedupKey]time.Time

	orders chan *core.Order

	triggerCounter metric.Int64Counter

	isRunning int32
	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// NewDetector creates the trigger detector. closer may be nil when auto-close
// is disabled by configuration.
func NewDetector(cfg config.TriggerConfig, bus *events.Bus, repo core.Repository, closer Closer, logger core.ILogger) *Detector {
	meter := telemetry.GetMeter("trigger")
	triggerCounter, _ := meter.Int64Counter(telemetry.MetricTriggersDetectedTotal,
		metric.WithDescription("Conditional order fills classified as SL/TP triggers"))

	return &Detector{
		cfg:            cfg,
		bus:            bus,
		repo:           repo,
		closer:         closer,
		logger:         logger.WithField("component", "trigger"),
		tolerance:      decimal.NewFromFloat(cfg.PriceTolerance),
		monitored:      make(map[string]*core.Position),
		seen:           make(map[dedupKey]time.Time),
		orders:         make(chan *core.Order, 128),
		triggerCounter: triggerCounter,
		now:            time.Now,
	}
}

// Start begins consuming order updates and close results.
func (d *Detector) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.isRunning, 0, 1) {
		return fmt.Errorf("trigger detector is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.sub = d.bus.Subscribe("trigger", 256, events.TopicCloseSucceeded, events.TopicClosePartial)
	d.wg.Add(2)
	go d.run()
	go d.gcLoop()

	d.logger.Info("Trigger detector started",
		"price_tolerance", d.tolerance.String(),
		"dedup_window", d.cfg.DedupWindow().String(),
		"auto_close", d.cfg.AutoClose)
	return nil
}

// Stop ends order consumption. The monitored set is rebuilt from the
// repository on the next start.
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
		d.logger.Info("Trigger detector stopped")
	case <-time.After(10 * time.Second):
		d.logger.Warn("Trigger detector stop timed out")
	}
	return nil
}

// Register adds a position to the monitored set. Callers register a position
// when its conditional orders reach SET; registering an id again replaces the
// stored copy.
func (d *Detector) Register(pos *core.Position) {
	cp := *pos
	d.mu.Lock()
	d.monitored[cp.ID] = &cp
	d.mu.Unlock()
	d.logger.Info("Position registered for trigger monitoring",
		"position_id", cp.ID, "symbol", cp.Symbol,
		"long_venue", cp.Long.Venue, "short_venue", cp.Short.Venue)
}

// Unregister removes a position from the monitored set.
func (d *Detector) Unregister(positionID string) {
	d.mu.Lock()
	_, ok := d.monitored[positionID]
	delete(d.monitored, positionID)
	d.mu.Unlock()
	if ok {
		d.logger.Info("Position unregistered from trigger monitoring", "position_id", positionID)
	}
}

// Monitored returns the monitored position ids in sorted order.
func (d *Detector) Monitored() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.monitored))
	for id := range d.monitored {
		out = append(out, id)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// HandleAdapterEvent feeds one adapter event into the detector. Only order
// updates are consumed; everything else is ignored, so callers can fan every
// adapter event through unfiltered. The handoff never blocks: when the queue
// is full the update is dropped and the next poll or stream replay redelivers
// it, which the dedup window makes safe.
func (d *Detector) HandleAdapterEvent(ev core.AdapterEvent) {
	if ev.Type != core.AdapterEventOrderUpdate || ev.Order == nil {
		return
	}
	if atomic.LoadInt32(&d.isRunning) != 1 {
		return
	}
	select {
	case d.orders <- ev.Order:
	default:
		d.logger.Warn("Order update dropped, trigger queue full",
			"venue", ev.Order.Venue, "order_id", ev.Order.OrderID)
	}
}

func (d *Detector) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case order := <-d.orders:
			d.process(d.ctx, order)
		case ev, ok := <-d.sub.C():
			if !ok {
				return
			}
			if res, valid := ev.Payload.(events.CloseResult); valid && res.Position != nil {
				d.Unregister(res.Position.ID)
			}
		}
	}
}

// process runs the full pipeline for one order update: filter, dedup, match,
// classify, validate the trigger price, then emit and optionally auto-close.
func (d *Detector) process(ctx context.Context, order *core.Order) {
	if order.Status != core.OrderStatusFilled || !isConditional(order) {
		return
	}
	if !d.markSeen(order.Venue, order.OrderID) {
		d.logger.Debug("Duplicate order fill ignored",
			"venue", order.Venue, "order_id", order.OrderID)
		return
	}

	matched := d.match(order)
	if matched == nil {
		return
	}

	// Work from repository state: the monitored copy only serves matching.
	pos, err := d.repo.Positions().FindByID(ctx, matched.ID)
	if err != nil {
		d.logger.Error("Failed to load triggered position",
			"position_id", matched.ID, "error", err.Error())
		return
	}
	if pos == nil || pos.IsTerminal() {
		d.Unregister(matched.ID)
		return
	}

	leg := pos.Leg(order.PositionSide)
	kind := classify(leg.Side, order)

	if !d.priceWithinTolerance(pos, kind, order) {
		return
	}

	d.triggerCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", order.Venue),
		attribute.String("kind", string(kind)),
	))
	d.logger.Info("Conditional order trigger detected",
		"position_id", pos.ID, "symbol", pos.Symbol, "kind", string(kind),
		"venue", order.Venue, "order_id", order.OrderID,
		"stop_price", order.StopPrice.String(), "avg_price", order.AvgPrice.String())

	d.bus.Publish(events.TopicTriggerDetected, events.TriggerDetected{
		Position: clonePosition(pos),
		Kind:     kind,
		Order:    order,
	})

	// The venue already closed the triggered leg. Record its exit before the
	// hedge leg is touched so the closer finds the opposite side closed and
	// can finalize.
	exit := order.AvgPrice
	if exit.IsZero() {
		exit = order.StopPrice
	}
	nowTs := d.now()
	leg.Closed = true
	leg.ClosedAt = nowTs
	leg.ExitPrice = exit
	leg.CloseFee = order.Fee
	pos.Status = core.PositionClosing
	if err := d.repo.Positions().Update(ctx, pos); err != nil {
		d.logger.Error("Failed to record triggered leg close",
			"position_id", pos.ID, "error", err.Error())
		d.publishProgress(pos.ID, core.CloseStageFailed, "triggered leg not persisted")
		return
	}

	if !d.cfg.AutoClose || d.closer == nil {
		return
	}
	d.autoClose(ctx, pos, leg.Side, kind)
}

// autoClose flattens the leg opposite the triggered one.
func (d *Detector) autoClose(ctx context.Context, pos *core.Position, triggered core.PositionSide, kind core.TriggerKind) {
	hedge := triggered.Opposite()
	hedgeLeg := pos.Leg(hedge)

	d.publishProgress(pos.ID, core.CloseStageDetecting, string(kind))
	d.publishProgress(pos.ID, core.CloseStageClosingLeg,
		fmt.Sprintf("%s %s", hedgeLeg.Venue, hedge))

	if _, err := d.closer.CloseSingleSide(ctx, pos.ID, hedge, core.CloseReasonForTrigger(kind)); err != nil {
		d.logger.Error("Hedge leg auto-close failed",
			"position_id", pos.ID, "venue", hedgeLeg.Venue, "side", string(hedge),
			"error", err.Error())
		d.publishProgress(pos.ID, core.CloseStageFailed, err.Error())
		return
	}

	d.publishProgress(pos.ID, core.CloseStageCompleted, "")
	d.Unregister(pos.ID)
}

func (d *Detector) publishProgress(positionID string, stage core.CloseStage, detail string) {
	d.bus.Publish(events.TopicCloseProgress, events.CloseProgress{
		PositionID: positionID,
		Stage:      stage,
		Detail:     detail,
	})
}

// match finds a monitored position with the order's symbol whose leg sits on
// the order's venue and position side.
func (d *Detector) match(order *core.Order) *core.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pos := range d.monitored {
		if pos.Symbol != order.Symbol {
			continue
		}
		for _, leg := range []*core.PositionLeg{&pos.Long, &pos.Short} {
			if leg.Venue == order.Venue && leg.Side == order.PositionSide {
				cp := *pos
				return &cp
			}
		}
	}
	return nil
}

// priceWithinTolerance validates the fill against the price the conditional
// order was placed at. A mismatch beyond the tolerance means the fill belongs
// to some other order on the same symbol and is dropped.
func (d *Detector) priceWithinTolerance(pos *core.Position, kind core.TriggerKind, order *core.Order) bool {
	expected := expectedPrice(pos, kind)
	actual := order.StopPrice
	if actual.IsZero() {
		actual = order.AvgPrice
	}
	if expected.IsZero() || actual.IsZero() {
		d.logger.Warn("Trigger price not verifiable, dropping",
			"position_id", pos.ID, "kind", string(kind),
			"expected", expected.String(), "actual", actual.String())
		return false
	}
	deviation := actual.Sub(expected).Abs().Div(expected)
	if deviation.GreaterThan(d.tolerance) {
		d.logger.Warn("Trigger price outside tolerance, dropping",
			"position_id", pos.ID, "kind", string(kind),
			"expected", expected.String(), "actual", actual.String(),
			"deviation", deviation.String(), "tolerance", d.tolerance.String())
		return false
	}
	return true
}

func expectedPrice(pos *core.Position, kind core.TriggerKind) decimal.Decimal {
	switch kind {
	case core.TriggerLongSL:
		return pos.Long.StopLossPrice
	case core.TriggerLongTP:
		return pos.Long.TakeProfitPrice
	case core.TriggerShortSL:
		return pos.Short.StopLossPrice
	case core.TriggerShortTP:
		return pos.Short.TakeProfitPrice
	}
	return decimal.Decimal{}
}

// markSeen records (venue, orderId) and reports whether this is the first
// sighting inside the dedup window.
func (d *Detector) markSeen(venue, orderID string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	k := dedupKey{Venue: venue, OrderID: orderID}
	if at, ok := d.seen[k]; ok && now.Sub(at) < d.cfg.DedupWindow() {
		return false
	}
	d.seen[k] = now
	return true
}

func (d *Detector) gcLoop() {
	defer d.wg.Done()
	interval := d.cfg.DedupWindow()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.gcSeen()
		}
	}
}

func (d *Detector) gcSeen() {
	cutoff := d.now().Add(-d.cfg.DedupWindow())
	d.mu.Lock()
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
	d.mu.Unlock()
}

// isConditional reports whether the order is a venue conditional type. The
// normalized types cover venues that report cleanly; the raw type markers
// cover algo/trigger dialects that do not normalize.
func isConditional(o *core.Order) bool {
	switch o.Type {
	case core.OrderStopMarket, core.OrderTakeProfitMarket:
		return true
	}
	raw := strings.ToLower(o.RawType)
	for _, marker := range []string{"stop", "take_profit", "trigger", "conditional"} {
		if strings.Contains(raw, marker) {
			return true
		}
	}
	return false
}

// classify names the trigger from the leg side and the order type. Venues
// whose conditional fills carry a generic type (okx "trigger", gate
// price-triggered orders) are disambiguated by realized PnL sign: a stop
// loss realizes a loss, a take profit does not.
func classify(side core.PositionSide, order *core.Order) core.TriggerKind {
	var stopLoss bool
	switch order.Type {
	case core.OrderStopMarket:
		stopLoss = true
	case core.OrderTakeProfitMarket:
		stopLoss = false
	default:
		raw := strings.ToLower(order.RawType)
		switch {
		case strings.Contains(raw, "take_profit") || strings.Contains(raw, "takeprofit"):
			stopLoss = false
		case strings.Contains(raw, "stop_loss") || strings.Contains(raw, "stop_market"):
			stopLoss = true
		default:
			stopLoss = order.RealizedPnL.IsNegative()
		}
	}

	if side == core.SideLong {
		if stopLoss {
			return core.TriggerLongSL
		}
		return core.TriggerLongTP
	}
	if stopLoss {
		return core.TriggerShortSL
	}
	return core.TriggerShortTP
}

func clonePosition(pos *core.Position) *core.Position {
	cp := *pos
	return &cp
}
