package bootstrap

import (
	"context"
	"errors"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/pool"
	apperrors "funding_arb/pkg/errors"
)

const probeTimeout = 10 * time.Second

// pump drains one pool's event channel until the pool is destroyed.
func (a *App) pump(p *pool.Pool) {
	defer a.pumpWG.Done()
	for ev := range p.Events() {
		a.dispatch(ev)
	}
}

// dispatch fans one adapter event to its consumers. Funding observations feed
// the aggregator, order updates feed the trigger detector, and everything
// touches the data-source manager so transport state and staleness clocks
// stay current.
func (a *App) dispatch(ev core.AdapterEvent) {
	switch ev.Type {
	case core.AdapterEventFundingRate:
		a.agg.Update(ev.Rate)
		a.sources.HandleAdapterEvent(core.DataFundingRate, ev)
	case core.AdapterEventFundingRateBatch:
		for _, fr := range ev.Rates {
			a.agg.Update(fr)
		}
		a.sources.HandleAdapterEvent(core.DataFundingRate, ev)
	case core.AdapterEventMarkPrice:
		a.sources.HandleAdapterEvent(core.DataFundingRate, ev)
	case core.AdapterEventOrderUpdate:
		a.trigger.HandleAdapterEvent(ev)
		a.sources.HandleAdapterEvent(core.DataOrder, ev)
	case core.AdapterEventConnected, core.AdapterEventDisconnected, core.AdapterEventError:
		a.sources.HandleAdapterEvent(core.DataFundingRate, ev)
	case core.AdapterEventConnectionCount:
		// The pool already exported the gauge.
	}
}

// pumpOrders drains a user-data stream adapter. Stopping the stream leaves
// the adapter's event channel open, so the pump also watches the app quit
// signal. Order feeds are pinned to REST, so connection events only refresh
// state and never flip modes.
func (a *App) pumpOrders(adapter core.IExchangeAdapter) {
	defer a.pumpWG.Done()
	for {
		select {
		case <-a.quit:
			return
		case ev, ok := <-adapter.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case core.AdapterEventOrderUpdate:
				a.trigger.HandleAdapterEvent(ev)
				a.sources.HandleAdapterEvent(core.DataOrder, ev)
			case core.AdapterEventConnected, core.AdapterEventDisconnected, core.AdapterEventError:
				a.sources.HandleAdapterEvent(core.DataOrder, ev)
			}
		}
	}
}

// recoverFeed probes a venue by dialing a throwaway websocket connection. A
// successful connect is enough for the data-source manager to promote the
// feed; the pool's own connections re-establish themselves independently.
func (a *App) recoverFeed(ctx context.Context, venue string, dataType core.DataType) error {
	adapter, err := a.registry.MarketData(venue)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := adapter.Connect(probeCtx); err != nil {
		return err
	}
	_ = adapter.Disconnect()
	return nil
}

// pollFeed is the data-source manager's REST fallback for one feed.
func (a *App) pollFeed(ctx context.Context, venue string, dataType core.DataType) error {
	switch dataType {
	case core.DataFundingRate:
		return a.pollFundingRates(ctx, venue)
	case core.DataOrder:
		return a.pollConditionalOrders(ctx, venue)
	default:
		return nil
	}
}

func (a *App) pollFundingRates(ctx context.Context, venue string) error {
	adapter, ok := a.rest[venue]
	if !ok || len(a.symbols) == 0 {
		return nil
	}
	fetched, err := adapter.GetFundingRates(ctx, a.symbols)
	if err != nil {
		return err
	}
	for _, fr := range fetched {
		a.agg.Update(fr)
	}
	return nil
}

// pollConditionalOrders checks the venue's view of every conditional order
// guarding a monitored position. Fills surface as synthetic order-update
// events; the trigger detector's dedup window absorbs the overlap with any
// live user stream.
func (a *App) pollConditionalOrders(ctx context.Context, venue string) error {
	var firstErr error
	for _, id := range a.trigger.Monitored() {
		pos, err := a.store.Positions().FindByID(ctx, id)
		if err != nil || pos == nil || pos.IsTerminal() {
			continue
		}
		for _, leg := range []*core.PositionLeg{&pos.Long, &pos.Short} {
			if leg.Venue != venue || leg.Closed {
				continue
			}
			adapter, err := a.registry.Trading(pos.UserID, venue)
			if err != nil {
				a.logger.Debug("No trading adapter for order poll",
					"venue", venue, "user_id", pos.UserID, "error", err.Error())
				continue
			}
			for _, orderID := range []string{leg.StopLossOrderID, leg.TakeProfitOrderID} {
				if orderID == "" {
					continue
				}
				order, err := adapter.GetOrder(ctx, pos.Symbol, orderID)
				if err != nil {
					if errors.Is(err, apperrors.ErrOrderNotFound) {
						continue
					}
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				a.trigger.HandleAdapterEvent(core.AdapterEvent{
					Type:  core.AdapterEventOrderUpdate,
					Venue: venue,
					Order: order,
					At:    time.Now(),
				})
			}
		}
	}
	return firstErr
}
