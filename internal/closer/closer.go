// Package closer flattens hedged positions. It closes single legs when the
// trigger detector reports a conditional fill, closes both legs for manual
// and automatic exits, places the venue conditional orders that guard a
// position, and writes the Trade record with the final PnL accounting when a
// position reaches CLOSED.
package closer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	"funding_arb/pkg/concurrency"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AdapterSource resolves the trading adapter for a user on a venue.
type AdapterSource interface {
	Trading(userID, venue string) (core.IExchangeAdapter, error)
}

// Closer executes close operations against the venues. At most one close may
// be in flight per position; concurrent attempts are rejected with
// ErrConflict so a trigger fill and an auto exit racing each other cannot
// double-close a leg.
type Closer struct {
	cfg      config.CloserConfig
	bus      *events.Bus
	repo     core.Repository
	adapters AdapterSource
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	// place retries conditional order placement. Placement is idempotent
	// because client order ids are deterministic and venues dedup on them,
	// so a retry after a dropped response cannot stack orders.
	place failsafe.Executor[*core.Order]

	mu       sync.Mutex
	inflight map[string]struct{}

	closesCounter metric.Int64Counter
	closeDuration metric.Float64Histogram

	isRunning int32
	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// NewCloser creates the closer. The worker pool sized by conc bounds how many
// auto-exit closes run concurrently.
func NewCloser(cfg config.CloserConfig, conc config.ConcurrencyConfig, bus *events.Bus, repo core.Repository, adapters AdapterSource, logger core.ILogger) *Closer {
	meter := telemetry.GetMeter("closer")
	closesCounter, _ := meter.Int64Counter(telemetry.MetricClosesTotal,
		metric.WithDescription("Position close attempts by outcome"))
	closeDuration, _ := meter.Float64Histogram(telemetry.MetricCloseDuration,
		metric.WithDescription("Time to complete a position close"), metric.WithUnit("ms"))

	log := logger.WithField("component", "closer")
	pool := concurrency.NewWorkerPool("closer", conc.ClosePoolSize, conc.ClosePoolBuffer, log)

	return &Closer{
		cfg:      cfg,
		bus:      bus,
		repo:     repo,
		adapters: adapters,
		pool:     pool,
		logger:   log,
		place: failsafe.With[*core.Order](retrypolicy.NewBuilder[*core.Order]().
			WithBackoff(250*time.Millisecond, 2*time.Second).
			WithMaxRetries(2).
			Build()),
		inflight:      make(map[string]struct{}),
		closesCounter: closesCounter,
		closeDuration: closeDuration,
		now:           time.Now,
	}
}

// Start begins watching exit suggestions so positions owned by users with
// auto-close enabled are flattened without operator action.
func (c *Closer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.isRunning, 0, 1) {
		return fmt.Errorf("closer is already running")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.sub = c.bus.Subscribe("closer", 256, events.TopicExitSuggested)

	c.wg.Add(1)
	go c.run()

	c.logger.Info("Closer started", "attempt_timeout", c.cfg.AttemptTimeout().String())
	return nil
}

// Stop drains the auto-exit worker and the close pool.
func (c *Closer) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.isRunning, 1, 0) {
		return nil
	}
	if c.sub != nil {
		c.sub.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.pool.Stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.logger.Warn("Closer stop timed out")
	}
	c.logger.Info("Closer stopped")
	return nil
}

func (c *Closer) run() {
	defer c.wg.Done()
	for ev := range c.sub.C() {
		sug, ok := ev.Payload.(events.ExitSuggestion)
		if !ok || sug.Position == nil {
			continue
		}
		c.maybeAutoExit(sug)
	}
}

// maybeAutoExit closes both legs of a suggested position when its owner
// opted into automatic exits.
func (c *Closer) maybeAutoExit(sug events.ExitSuggestion) {
	settings, err := c.repo.TradingSettings().FindByUserID(c.ctx, sug.Position.UserID)
	if err != nil {
		c.logger.Error("Failed to load trading settings for auto exit", "user_id", sug.Position.UserID, "error", err.Error())
		return
	}
	if settings == nil || !settings.AutoCloseEnabled {
		return
	}

	positionID := sug.Position.ID
	task := func() {
		if _, cerr := c.CloseBoth(c.ctx, positionID, core.CloseAutoExit); cerr != nil {
			if errors.Is(cerr, apperrors.ErrConflict) {
				c.logger.Debug("Auto exit skipped, close already in flight", "position_id", positionID)
				return
			}
			c.logger.Error("Auto exit close failed", "position_id", positionID, "error", cerr.Error())
		}
	}
	if err := c.pool.Submit(task); err != nil {
		c.logger.Warn("Auto exit dropped, close pool full", "position_id", positionID)
	}
}

// CloseSingleSide market-closes one leg of a position. When the opposite leg
// is already flat the position is finalized to CLOSED and a Trade is written;
// otherwise the position stays CLOSING with the single leg recorded. Calling
// it for a leg that is already closed only re-runs the finalization check,
// which makes retries after a crash safe.
func (c *Closer) CloseSingleSide(ctx context.Context, positionID string, side core.PositionSide, reason core.CloseReason) (*core.Position, error) {
	if !c.tryBegin(positionID) {
		return nil, fmt.Errorf("%w: close already in flight for position %s", apperrors.ErrConflict, positionID)
	}
	defer c.end(positionID)

	pos, err := c.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}

	start := c.now()
	leg := pos.Leg(side)
	if !leg.Closed {
		if err := c.closeLeg(ctx, pos, leg); err != nil {
			c.logger.Error("Single leg close failed",
				"position_id", pos.ID, "venue", leg.Venue, "side", string(side), "error", err.Error())
			return nil, err
		}
	}
	pos.Status = core.PositionClosing

	if pos.Leg(side.Opposite()).Closed {
		return c.finalize(ctx, pos, reason, start)
	}
	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist leg close: %w", err)
	}
	c.logger.Info("Leg closed, opposite side still open",
		"position_id", pos.ID, "venue", leg.Venue, "side", string(side))
	return pos, nil
}

// CloseBoth market-closes both open legs concurrently. Both succeeding
// finalizes the position to CLOSED with a Trade; exactly one succeeding
// leaves it PARTIAL and publishes a manual-intervention event naming the
// stuck leg; both failing marks it FAILED. The returned position carries the
// terminal state even when the error is non-nil.
func (c *Closer) CloseBoth(ctx context.Context, positionID string, reason core.CloseReason) (*core.Position, error) {
	if !c.tryBegin(positionID) {
		return nil, fmt.Errorf("%w: close already in flight for position %s", apperrors.ErrConflict, positionID)
	}
	defer c.end(positionID)

	pos, err := c.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}

	start := c.now()
	pos.Status = core.PositionClosing
	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist closing state: %w", err)
	}
	c.logger.Info("Closing both legs", "position_id", pos.ID, "symbol", pos.Symbol, "reason", string(reason))

	// The legs write disjoint fields, so closing them in parallel is safe.
	// Each attempt runs to completion even if the sibling fails; canceling
	// the survivor would manufacture a partial close.
	var wg sync.WaitGroup
	var longErr, shortErr error
	if !pos.Long.Closed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			longErr = c.closeLeg(ctx, pos, &pos.Long)
		}()
	}
	if !pos.Short.Closed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shortErr = c.closeLeg(ctx, pos, &pos.Short)
		}()
	}
	wg.Wait()

	switch {
	case longErr == nil && shortErr == nil:
		return c.finalize(ctx, pos, reason, start)
	case longErr != nil && shortErr != nil:
		return c.fail(ctx, pos, reason, start, longErr, shortErr)
	default:
		return c.partial(ctx, pos, reason, start, longErr, shortErr)
	}
}

// ResolvePartial records that an operator flattened the remaining leg of a
// PARTIAL position out of band. The position is force-transitioned to CLOSED
// with an audit record carrying the operator's note. No venue orders are
// placed and no Trade is written because the out-of-band exit price is
// unknown to the engine.
func (c *Closer) ResolvePartial(ctx context.Context, positionID, note string) (*core.Position, error) {
	if !c.tryBegin(positionID) {
		return nil, fmt.Errorf("%w: close already in flight for position %s", apperrors.ErrConflict, positionID)
	}
	defer c.end(positionID)

	pos, err := c.repo.Positions().FindByID(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: position %s not found", apperrors.ErrValidation, positionID)
	}
	if pos.Status != core.PositionPartial {
		return nil, fmt.Errorf("%w: position %s is %s, only PARTIAL positions can be resolved", apperrors.ErrValidation, positionID, pos.Status)
	}

	closedAt := c.now()
	if err := c.repo.Positions().MarkClosed(ctx, positionID, closedAt); err != nil {
		return nil, fmt.Errorf("mark position closed: %w", err)
	}
	pos.Status = core.PositionClosed
	pos.ClosedAt = closedAt

	detail := "remaining leg flattened out of band"
	if note != "" {
		detail = note
	}
	c.audit(ctx, pos.UserID, "position.resolve_partial", pos.ID, detail)
	c.recordOutcome(ctx, pos, "resolved", core.CloseManual, closedAt)

	c.logger.Info("Partial position resolved manually",
		"position_id", pos.ID, "symbol", pos.Symbol, "detail", detail)

	cp := *pos
	c.bus.Publish(events.TopicCloseSucceeded, events.CloseResult{
		Position: &cp,
		Reason:   core.CloseManual,
	})
	return pos, nil
}

// closeLeg issues one reduce-only market order against the leg and records
// the exit. A market close is not idempotent, so there is exactly one
// attempt; a lost response must be reconciled by order query, never resent.
func (c *Closer) closeLeg(ctx context.Context, pos *core.Position, leg *core.PositionLeg) error {
	adapter, err := c.adapters.Trading(pos.UserID, leg.Venue)
	if err != nil {
		return fmt.Errorf("adapter for %s: %w", leg.Venue, err)
	}

	attemptCtx := ctx
	if t := c.cfg.AttemptTimeout(); t > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	side := core.OrderSell
	if leg.Side == core.SideShort {
		side = core.OrderBuy
	}
	order, err := adapter.CreateOrder(attemptCtx, &core.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         side,
		PositionSide: leg.Side,
		Type:         core.OrderMarket,
		Quantity:     leg.Size,
		ReduceOnly:   true,
	})
	if err != nil {
		return fmt.Errorf("market close on %s: %w", leg.Venue, err)
	}

	exit := order.AvgPrice
	if exit.IsZero() {
		if p, perr := adapter.GetPrice(attemptCtx, pos.Symbol); perr == nil {
			exit = p
		}
	}
	leg.ExitPrice = exit
	leg.CloseFee = order.Fee
	leg.Closed = true
	leg.ClosedAt = c.now()

	c.cancelConditionals(attemptCtx, adapter, pos.Symbol, leg)

	c.logger.Info("Leg closed",
		"position_id", pos.ID, "venue", leg.Venue, "side", string(leg.Side),
		"exit_price", exit.String(), "close_fee", order.Fee.String())
	return nil
}

// cancelConditionals removes the leg's guarding orders once it is flat.
// Venues treat canceling an unknown or already-filled order as success.
func (c *Closer) cancelConditionals(ctx context.Context, adapter core.IExchangeAdapter, symbol string, leg *core.PositionLeg) {
	for _, id := range []string{leg.StopLossOrderID, leg.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		if err := adapter.CancelOrder(ctx, symbol, id); err != nil {
			c.logger.Warn("Failed to cancel conditional order",
				"venue", leg.Venue, "symbol", symbol, "order_id", id, "error", err.Error())
		}
	}
	leg.StopLossOrderID = ""
	leg.TakeProfitOrderID = ""
}

func (c *Closer) finalize(ctx context.Context, pos *core.Position, reason core.CloseReason, start time.Time) (*core.Position, error) {
	closedAt := pos.Long.ClosedAt
	if pos.Short.ClosedAt.After(closedAt) {
		closedAt = pos.Short.ClosedAt
	}
	if closedAt.IsZero() {
		closedAt = c.now()
	}
	pos.Status = core.PositionClosed
	pos.ClosedAt = closedAt

	trade := c.buildTrade(ctx, pos, reason)

	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist closed position: %w", err)
	}
	if err := c.repo.Trades().Create(ctx, trade); err != nil {
		c.logger.Error("Failed to write trade record", "position_id", pos.ID, "error", err.Error())
	}
	c.audit(ctx, pos.UserID, "position.close", pos.ID, string(reason))
	c.recordOutcome(ctx, pos, "closed", reason, start)

	c.logger.Info("Position closed",
		"position_id", pos.ID, "symbol", pos.Symbol, "reason", string(reason),
		"price_diff_pnl", trade.PriceDiffPnL.String(), "funding_pnl", trade.FundingRatePnL.String(),
		"total_pnl", trade.TotalPnL.String(), "roi_percent", trade.ROIPercent.String())

	cp := *pos
	c.bus.Publish(events.TopicCloseSucceeded, events.CloseResult{
		Position: &cp,
		Trade:    trade,
		Reason:   reason,
	})
	return pos, nil
}

func (c *Closer) partial(ctx context.Context, pos *core.Position, reason core.CloseReason, start time.Time, longErr, shortErr error) (*core.Position, error) {
	remaining := &pos.Long
	cause := longErr
	if longErr == nil {
		remaining = &pos.Short
		cause = shortErr
	}

	pos.Status = core.PositionPartial
	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		c.logger.Error("Failed to persist PARTIAL position", "position_id", pos.ID, "error", err.Error())
	}
	c.audit(ctx, pos.UserID, "position.close_partial", pos.ID,
		fmt.Sprintf("%s %s leg remains open", remaining.Venue, remaining.Side))
	c.recordOutcome(ctx, pos, "partial", reason, start)

	c.logger.Error("Close left one leg open, manual intervention required",
		"position_id", pos.ID, "symbol", pos.Symbol,
		"remaining_venue", remaining.Venue, "remaining_side", string(remaining.Side),
		"error", cause.Error())

	cp := *pos
	c.bus.Publish(events.TopicClosePartial, events.CloseResult{
		Position:                   &cp,
		Reason:                     reason,
		Error:                      cause.Error(),
		RequiresManualIntervention: true,
		RemainingVenue:             remaining.Venue,
		RemainingSide:              remaining.Side,
	})
	return pos, fmt.Errorf("close of %s leg on %s failed: %w", remaining.Side, remaining.Venue, cause)
}

func (c *Closer) fail(ctx context.Context, pos *core.Position, reason core.CloseReason, start time.Time, longErr, shortErr error) (*core.Position, error) {
	pos.Status = core.PositionFailed
	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		c.logger.Error("Failed to persist FAILED position", "position_id", pos.ID, "error", err.Error())
	}
	c.audit(ctx, pos.UserID, "position.close_failed", pos.ID, "both legs failed to close")
	c.recordOutcome(ctx, pos, "failed", reason, start)

	c.logger.Error("Close failed on both legs",
		"position_id", pos.ID, "symbol", pos.Symbol,
		"long_error", longErr.Error(), "short_error", shortErr.Error())

	cp := *pos
	c.bus.Publish(events.TopicCloseFailed, events.CloseResult{
		Position: &cp,
		Reason:   reason,
		Error:    fmt.Sprintf("long: %v; short: %v", longErr, shortErr),
	})
	return pos, fmt.Errorf("close failed on both legs: long: %v; short: %v", longErr, shortErr)
}

// buildTrade aggregates the close accounting: price difference on both legs
// plus funding collected over the holding window minus all fees, with ROI
// taken against the notional at open.
func (c *Closer) buildTrade(ctx context.Context, pos *core.Position, reason core.CloseReason) *core.Trade {
	priceDiff := pos.Long.ExitPrice.Sub(pos.Long.EntryPrice).Mul(pos.Long.Size).
		Add(pos.Short.EntryPrice.Sub(pos.Short.ExitPrice).Mul(pos.Short.Size))
	funding := c.fundingPnL(ctx, pos)
	fees := pos.Long.OpenFee.Add(pos.Long.CloseFee).Add(pos.Short.OpenFee).Add(pos.Short.CloseFee)
	total := priceDiff.Add(funding).Sub(fees)

	roi := decimal.Zero
	if notional := pos.NotionalAtOpen(); !notional.IsZero() {
		roi = total.Div(notional).Mul(decimal.NewFromInt(100))
	}

	return &core.Trade{
		ID:             uuid.NewString(),
		PositionID:     pos.ID,
		UserID:         pos.UserID,
		Symbol:         pos.Symbol,
		LongVenue:      pos.Long.Venue,
		ShortVenue:     pos.Short.Venue,
		LongExitPrice:  pos.Long.ExitPrice,
		ShortExitPrice: pos.Short.ExitPrice,
		PriceDiffPnL:   priceDiff,
		FundingRatePnL: funding,
		TotalFees:      fees,
		TotalPnL:       total,
		ROIPercent:     roi,
		HoldingSeconds: int64(pos.ClosedAt.Sub(pos.OpenedAt) / time.Second),
		CloseReason:    reason,
		ClosedAt:       pos.ClosedAt,
	}
}

// fundingPnL sums settled funding on both legs between open and close. When
// either venue cannot be queried the cached cumulative value maintained by
// the exit monitor is used instead, so the Trade is still written.
func (c *Closer) fundingPnL(ctx context.Context, pos *core.Position) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []*core.PositionLeg{&pos.Long, &pos.Short} {
		adapter, err := c.adapters.Trading(pos.UserID, leg.Venue)
		if err != nil {
			c.logger.Warn("Funding history unavailable, trade uses cached funding PnL",
				"position_id", pos.ID, "venue", leg.Venue, "error", err.Error())
			return pos.CachedFundingPnL
		}
		payments, err := adapter.GetFundingPayments(ctx, pos.Symbol, pos.OpenedAt)
		if err != nil {
			c.logger.Warn("Funding history query failed, trade uses cached funding PnL",
				"position_id", pos.ID, "venue", leg.Venue, "error", err.Error())
			return pos.CachedFundingPnL
		}
		for _, p := range payments {
			if p.PaidAt.After(pos.ClosedAt) {
				continue
			}
			total = total.Add(p.Amount)
		}
	}
	return total
}

// PlaceConditionalOrders places the venue stop-loss and take-profit orders
// guarding both legs and tracks the rollout through the conditional order
// status: SETTING while placing, then SET, PARTIAL, or FAILED. Trigger
// prices are derived from the configured percentages when the legs do not
// carry explicit prices yet. Re-running after a PARTIAL outcome places only
// the orders that are still missing.
func (c *Closer) PlaceConditionalOrders(ctx context.Context, positionID string) (*core.Position, error) {
	pos, err := c.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.StopLossEnabled && !pos.TakeProfitEnabled {
		return pos, nil
	}

	pos.ConditionalStatus = core.ConditionalSetting
	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist conditional order state: %w", err)
	}

	okLong := c.placeLegConditionals(ctx, pos, &pos.Long)
	okShort := c.placeLegConditionals(ctx, pos, &pos.Short)

	switch {
	case okLong && okShort:
		pos.ConditionalStatus = core.ConditionalSet
	case okLong || okShort:
		pos.ConditionalStatus = core.ConditionalPartial
	default:
		pos.ConditionalStatus = core.ConditionalFailed
	}
	if err := c.repo.Positions().Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist conditional order status: %w", err)
	}
	c.audit(ctx, pos.UserID, "position.conditional_orders", pos.ID, string(pos.ConditionalStatus))
	c.logger.Info("Conditional orders placed",
		"position_id", pos.ID, "symbol", pos.Symbol, "status", string(pos.ConditionalStatus))
	return pos, nil
}

// placeLegConditionals reports whether every enabled conditional order for
// the leg is in place.
func (c *Closer) placeLegConditionals(ctx context.Context, pos *core.Position, leg *core.PositionLeg) bool {
	adapter, err := c.adapters.Trading(pos.UserID, leg.Venue)
	if err != nil {
		c.logger.Error("No trading adapter for conditional orders",
			"position_id", pos.ID, "venue", leg.Venue, "error", err.Error())
		return false
	}

	closeSide := core.OrderSell
	if leg.Side == core.SideShort {
		closeSide = core.OrderBuy
	}

	ok := true
	if pos.StopLossEnabled && leg.StopLossOrderID == "" {
		if leg.StopLossPrice.IsZero() {
			leg.StopLossPrice = stopLossPrice(leg, pos.StopLossPercent)
		}
		order, err := c.placeOrder(ctx, adapter, &core.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          closeSide,
			PositionSide:  leg.Side,
			Type:          core.OrderStopMarket,
			Quantity:      leg.Size,
			StopPrice:     leg.StopLossPrice,
			ReduceOnly:    true,
			ClientOrderID: conditionalClientID(pos.ID, leg.Side, "sl"),
		})
		if err != nil {
			c.logger.Error("Stop loss placement failed",
				"position_id", pos.ID, "venue", leg.Venue, "side", string(leg.Side), "error", err.Error())
			ok = false
		} else {
			leg.StopLossOrderID = order.OrderID
		}
	}
	if pos.TakeProfitEnabled && leg.TakeProfitOrderID == "" {
		if leg.TakeProfitPrice.IsZero() {
			leg.TakeProfitPrice = takeProfitPrice(leg, pos.TakeProfitPercent)
		}
		order, err := c.placeOrder(ctx, adapter, &core.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          closeSide,
			PositionSide:  leg.Side,
			Type:          core.OrderTakeProfitMarket,
			Quantity:      leg.Size,
			StopPrice:     leg.TakeProfitPrice,
			ReduceOnly:    true,
			ClientOrderID: conditionalClientID(pos.ID, leg.Side, "tp"),
		})
		if err != nil {
			c.logger.Error("Take profit placement failed",
				"position_id", pos.ID, "venue", leg.Venue, "side", string(leg.Side), "error", err.Error())
			ok = false
		} else {
			leg.TakeProfitOrderID = order.OrderID
		}
	}
	return ok
}

func (c *Closer) placeOrder(ctx context.Context, adapter core.IExchangeAdapter, req *core.OrderRequest) (*core.Order, error) {
	return c.place.Get(func() (*core.Order, error) {
		return adapter.CreateOrder(ctx, req)
	})
}

func (c *Closer) loadOpen(ctx context.Context, positionID string) (*core.Position, error) {
	pos, err := c.repo.Positions().FindByID(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: position %s not found", apperrors.ErrValidation, positionID)
	}
	if pos.IsTerminal() {
		return nil, fmt.Errorf("%w: position %s is already %s", apperrors.ErrConflict, positionID, pos.Status)
	}
	return pos, nil
}

func (c *Closer) tryBegin(positionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[positionID]; busy {
		return false
	}
	c.inflight[positionID] = struct{}{}
	return true
}

func (c *Closer) end(positionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, positionID)
}

func (c *Closer) audit(ctx context.Context, userID, action, resource, detail string) {
	if err := c.repo.AuditLog().Record(ctx, &core.AuditEvent{
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Detail:   detail,
	}); err != nil {
		c.logger.Warn("Audit record failed", "action", action, "error", err.Error())
	}
}

func (c *Closer) recordOutcome(ctx context.Context, pos *core.Position, outcome string, reason core.CloseReason, start time.Time) {
	c.closesCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", string(reason)),
	))
	c.closeDuration.Record(ctx, float64(c.now().Sub(start))/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	if open, err := c.repo.Positions().FindOpenBySymbol(ctx, pos.Symbol); err == nil {
		telemetry.GetGlobalMetrics().SetPositionsOpen(pos.Symbol, int64(len(open)))
	}
}

// stopLossPrice derives the trigger price from the entry: below entry for a
// long leg, above for a short leg.
func stopLossPrice(leg *core.PositionLeg, percent decimal.Decimal) decimal.Decimal {
	frac := percent.Div(decimal.NewFromInt(100))
	if leg.Side == core.SideLong {
		return leg.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return leg.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
}

// takeProfitPrice derives the trigger price from the entry: above entry for
// a long leg, below for a short leg.
func takeProfitPrice(leg *core.PositionLeg, percent decimal.Decimal) decimal.Decimal {
	frac := percent.Div(decimal.NewFromInt(100))
	if leg.Side == core.SideLong {
		return leg.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return leg.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
}

func conditionalClientID(positionID string, side core.PositionSide, kind string) string {
	return fmt.Sprintf("%s-%s-%s", positionID, strings.ToLower(string(side)), kind)
}
