package bootstrap

import (
	"context"

	"funding_arb/internal/core"
)

// resumePositions rebuilds runtime state for positions that were open when
// the previous process stopped: SET positions go straight back under trigger
// monitoring, interrupted placements (PENDING or SETTING) and half-placed
// ones (PARTIAL) are re-driven through the closer, and user-data streams are
// brought up for venues that support them. Positions whose symbol fell out
// of the universe are picked up again once the symbol returns; FAILED
// placements stay put for operator attention.
func (a *App) resumePositions(ctx context.Context) {
	resumed := 0
	for _, symbol := range a.symbols {
		positions, err := a.store.Positions().FindOpenBySymbol(ctx, symbol)
		if err != nil {
			a.logger.Error("Failed to load open positions for resume",
				"symbol", symbol, "error", err.Error())
			continue
		}
		for _, pos := range positions {
			a.resumePosition(ctx, pos)
			resumed++
		}
	}
	if resumed > 0 {
		a.logger.Info("Open positions resumed", "count", resumed)
	}
}

func (a *App) resumePosition(ctx context.Context, pos *core.Position) {
	switch pos.ConditionalStatus {
	case core.ConditionalSet:
		a.trigger.Register(pos)
	case core.ConditionalPending, core.ConditionalSetting, core.ConditionalPartial:
		updated, err := a.closer.PlaceConditionalOrders(ctx, pos.ID)
		if err != nil {
			a.logger.Error("Conditional order placement failed during resume",
				"position_id", pos.ID, "error", err.Error())
			break
		}
		if updated.ConditionalStatus == core.ConditionalSet {
			a.trigger.Register(updated)
		}
	}
	a.startOrderStreams(ctx, pos)
}

// startOrderStreams opens the user-data stream for each of the position's
// venues whose adapter supports one. Streams are keyed per (user, venue) so
// a second position on the same account reuses the open stream.
func (a *App) startOrderStreams(ctx context.Context, pos *core.Position) {
	for _, leg := range []*core.PositionLeg{&pos.Long, &pos.Short} {
		key := pos.UserID + "/" + leg.Venue
		if _, ok := a.streamed[key]; ok {
			continue
		}
		adapter, err := a.registry.Trading(pos.UserID, leg.Venue)
		if err != nil {
			continue
		}
		streamer, ok := adapter.(core.IOrderStreamer)
		if !ok {
			continue
		}
		if err := streamer.StreamOrderUpdates(ctx); err != nil {
			a.logger.Warn("User data stream failed to start",
				"venue", leg.Venue, "user_id", pos.UserID, "error", err.Error())
			continue
		}
		a.streamed[key] = struct{}{}
		a.streams = append(a.streams, streamer)
		a.pumpWG.Add(1)
		go a.pumpOrders(adapter)
		a.logger.Info("User data stream started", "venue", leg.Venue, "user_id", pos.UserID)
	}
}
