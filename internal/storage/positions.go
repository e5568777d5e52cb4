package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
)

const positionCols = `id, user_id, symbol,
	long_venue, long_entry_price, long_size, long_leverage, long_open_funding_rate, long_open_fee,
	long_stop_loss_price, long_take_profit_price, long_stop_loss_order_id, long_take_profit_order_id,
	long_exit_price, long_close_fee, long_closed, long_closed_at,
	short_venue, short_entry_price, short_size, short_leverage, short_open_funding_rate, short_open_fee,
	short_stop_loss_price, short_take_profit_price, short_stop_loss_order_id, short_take_profit_order_id,
	short_exit_price, short_close_fee, short_closed, short_closed_at,
	stop_loss_enabled, stop_loss_percent, take_profit_enabled, take_profit_percent,
	conditional_status, status, exit_suggested, exit_suggest_reason, exit_suggested_at,
	cached_funding_pnl, opened_at, closed_at`

var (
	positionSet = setClause(positionCols)
	positionPH  = placeholders(columnCount(positionCols))
)

type positionStore Store

func (r *positionStore) Create(ctx context.Context, p *core.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	query := `INSERT INTO positions (` + positionCols + `) VALUES (` + positionPH + `)`
	if _, err := r.db.ExecContext(ctx, query, positionArgs(p)...); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: position %s exists", apperrors.ErrConflict, p.ID)
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (r *positionStore) FindByID(ctx context.Context, id string) (*core.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select position: %w", err)
	}
	return p, nil
}

func (r *positionStore) FindByUserID(ctx context.Context, userID string) ([]*core.Position, error) {
	return r.selectPositions(ctx, `SELECT `+positionCols+` FROM positions WHERE user_id = ? ORDER BY opened_at`, userID)
}

func (r *positionStore) FindOpenBySymbol(ctx context.Context, symbol string) ([]*core.Position, error) {
	return r.selectPositions(ctx,
		`SELECT `+positionCols+` FROM positions WHERE symbol = ? AND status = ? ORDER BY opened_at`,
		symbol, core.PositionOpen)
}

func (r *positionStore) selectPositions(ctx context.Context, query string, args ...interface{}) ([]*core.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select positions: %w", err)
	}
	defer rows.Close()
	var out []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *positionStore) Update(ctx context.Context, p *core.Position) error {
	res, err := r.db.ExecContext(ctx, `UPDATE positions SET `+positionSet+` WHERE id = ?`,
		append(positionArgs(p)[1:], p.ID)...)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return requireRow(res, fmt.Sprintf("position %s", p.ID))
}

func (r *positionStore) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE positions SET status = ?, closed_at = ? WHERE id = ?`,
		core.PositionClosed, ns(closedAt), id)
	if err != nil {
		return fmt.Errorf("mark position closed: %w", err)
	}
	return requireRow(res, fmt.Sprintf("position %s", id))
}

// requireRow maps a zero-row UPDATE to a validation error, matching the
// in-memory repository's behavior for updates against unknown ids.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s not found", apperrors.ErrValidation, what)
	}
	return nil
}

func positionArgs(p *core.Position) []interface{} {
	args := make([]interface{}, 0, columnCount(positionCols))
	args = append(args, p.ID, p.UserID, p.Symbol)
	args = append(args, legArgs(&p.Long)...)
	args = append(args, legArgs(&p.Short)...)
	return append(args,
		p.StopLossEnabled, p.StopLossPercent, p.TakeProfitEnabled, p.TakeProfitPercent,
		p.ConditionalStatus, p.Status, p.ExitSuggested, p.ExitSuggestReason, ns(p.ExitSuggestedAt),
		p.CachedFundingPnL, ns(p.OpenedAt), ns(p.ClosedAt),
	)
}

func legArgs(l *core.PositionLeg) []interface{} {
	return []interface{}{
		l.Venue, l.EntryPrice, l.Size, l.Leverage, l.OpenFundingRate, l.OpenFee,
		l.StopLossPrice, l.TakeProfitPrice, l.StopLossOrderID, l.TakeProfitOrderID,
		l.ExitPrice, l.CloseFee, l.Closed, ns(l.ClosedAt),
	}
}

// scanPosition reads one row in positionCols order. Leg sides are fixed by
// column position, so they are not stored.
func scanPosition(row rowScanner) (*core.Position, error) {
	var p core.Position
	var longClosedAt, shortClosedAt, suggestedAt, openedAt, closedAt int64
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol,
		&p.Long.Venue, &p.Long.EntryPrice, &p.Long.Size, &p.Long.Leverage, &p.Long.OpenFundingRate, &p.Long.OpenFee,
		&p.Long.StopLossPrice, &p.Long.TakeProfitPrice, &p.Long.StopLossOrderID, &p.Long.TakeProfitOrderID,
		&p.Long.ExitPrice, &p.Long.CloseFee, &p.Long.Closed, &longClosedAt,
		&p.Short.Venue, &p.Short.EntryPrice, &p.Short.Size, &p.Short.Leverage, &p.Short.OpenFundingRate, &p.Short.OpenFee,
		&p.Short.StopLossPrice, &p.Short.TakeProfitPrice, &p.Short.StopLossOrderID, &p.Short.TakeProfitOrderID,
		&p.Short.ExitPrice, &p.Short.CloseFee, &p.Short.Closed, &shortClosedAt,
		&p.StopLossEnabled, &p.StopLossPercent, &p.TakeProfitEnabled, &p.TakeProfitPercent,
		&p.ConditionalStatus, &p.Status, &p.ExitSuggested, &p.ExitSuggestReason, &suggestedAt,
		&p.CachedFundingPnL, &openedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Long.Side = core.SideLong
	p.Short.Side = core.SideShort
	p.Long.ClosedAt = fromNS(longClosedAt)
	p.Short.ClosedAt = fromNS(shortClosedAt)
	p.ExitSuggestedAt = fromNS(suggestedAt)
	p.OpenedAt = fromNS(openedAt)
	p.ClosedAt = fromNS(closedAt)
	return &p, nil
}

const tradeCols = `id, position_id, user_id, symbol, long_venue, short_venue,
	long_exit_price, short_exit_price, price_diff_pnl, funding_rate_pnl,
	total_fees, total_pnl, roi_percent, holding_seconds, close_reason, closed_at`

type tradeStore Store

func (r *tradeStore) Create(ctx context.Context, t *core.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	query := `INSERT INTO trades (` + tradeCols + `) VALUES (` + placeholders(columnCount(tradeCols)) + `)`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.PositionID, t.UserID, t.Symbol, t.LongVenue, t.ShortVenue,
		t.LongExitPrice, t.ShortExitPrice, t.PriceDiffPnL, t.FundingRatePnL,
		t.TotalFees, t.TotalPnL, t.ROIPercent, t.HoldingSeconds, t.CloseReason, ns(t.ClosedAt))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (r *tradeStore) FindByUserID(ctx context.Context, userID string, limit int) ([]*core.Trade, error) {
	if limit <= 0 {
		limit = -1 // SQLite reads a negative LIMIT as unlimited
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE user_id = ? ORDER BY closed_at DESC, rowid DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select trades: %w", err)
	}
	defer rows.Close()
	var out []*core.Trade
	for rows.Next() {
		var t core.Trade
		var closedAt int64
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.UserID, &t.Symbol, &t.LongVenue, &t.ShortVenue,
			&t.LongExitPrice, &t.ShortExitPrice, &t.PriceDiffPnL, &t.FundingRatePnL,
			&t.TotalFees, &t.TotalPnL, &t.ROIPercent, &t.HoldingSeconds, &t.CloseReason, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.ClosedAt = fromNS(closedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
