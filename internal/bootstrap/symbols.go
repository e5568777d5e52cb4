package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// oiRankLimit bounds concurrent open-interest lookups during discovery.
const oiRankLimit = 8

// resolveSymbols builds the subscription universe: the configured watchlist
// when one is set, otherwise the intersection of every enabled venue's USDT
// perpetual listings. When the intersection exceeds app.max_symbols the cap
// keeps the contracts with the highest open-interest value rather than an
// alphabetical prefix.
func (a *App) resolveSymbols(ctx context.Context, venues []string) ([]string, error) {
	if len(a.cfg.App.Symbols) > 0 {
		return capSymbols(normalizeSymbols(a.cfg.App.Symbols), a.cfg.App.MaxSymbols), nil
	}

	counts := make(map[string]int)
	for _, venue := range venues {
		listed, err := a.rest[venue].GetUsdtPerpetualSymbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover %s symbols: %w", venue, err)
		}
		for _, s := range normalizeSymbols(listed) {
			counts[s]++
		}
		a.logger.Info("Venue symbols discovered", "venue", venue, "symbols", len(listed))
	}

	var common []string
	for s, n := range counts {
		if n == len(venues) {
			common = append(common, s)
		}
	}
	if len(common) == 0 {
		return nil, fmt.Errorf("no symbol is listed on all of %v", venues)
	}
	sort.Strings(common)
	if max := a.cfg.App.MaxSymbols; max > 0 && len(common) > max {
		common = a.rankByOpenInterest(ctx, venues[0], common)
		a.logger.Info("Symbol universe capped by open interest",
			"venue", venues[0], "discovered", len(common), "kept", max)
	}
	return capSymbols(common, a.cfg.App.MaxSymbols), nil
}

// rankByOpenInterest orders symbols by open-interest value on one venue, most
// liquid first. A symbol whose open interest cannot be fetched ranks last, and
// ties break lexically so the ordering is deterministic.
func (a *App) rankByOpenInterest(ctx context.Context, venue string, symbols []string) []string {
	adapter := a.rest[venue]
	values := make([]decimal.Decimal, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(oiRankLimit)
	for i, symbol := range symbols {
		g.Go(func() error {
			oi, err := adapter.GetOpenInterest(gctx, symbol)
			if err != nil {
				a.logger.Debug("Open interest unavailable for ranking",
					"venue", venue, "symbol", symbol, "error", err.Error())
				return nil
			}
			if oi != nil {
				values[i] = oi.Value
			}
			return nil
		})
	}
	_ = g.Wait()

	type rankedSymbol struct {
		symbol string
		value  decimal.Decimal
	}
	rows := make([]rankedSymbol, len(symbols))
	for i, s := range symbols {
		rows[i] = rankedSymbol{symbol: s, value: values[i]}
	}
	sort.Slice(rows, func(x, y int) bool {
		if !rows[x].value.Equal(rows[y].value) {
			return rows[x].value.GreaterThan(rows[y].value)
		}
		return rows[x].symbol < rows[y].symbol
	})

	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.symbol
	}
	return out
}

// normalizeSymbols uppercases and deduplicates, preserving first-seen order.
func normalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func capSymbols(symbols []string, max int) []string {
	if max > 0 && len(symbols) > max {
		return symbols[:max]
	}
	return symbols
}
