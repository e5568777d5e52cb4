package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"funding_arb/internal/core"

	"github.com/google/uuid"
)

const oppCols = `id, symbol, long_venue, short_venue, status,
	initial_diff, current_diff, max_diff, max_diff_at, diff_sum,
	observations, notification_count, detected_at, updated_at, ended_at, disappear_reason`

var oppSet = setClause(oppCols)

type opportunityStore Store

func (r *opportunityStore) Create(ctx context.Context, o *core.ArbitrageOpportunity) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	query := `INSERT INTO opportunities (` + oppCols + `) VALUES (` + placeholders(columnCount(oppCols)) + `)`
	if _, err := r.db.ExecContext(ctx, query, oppArgs(o)...); err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

func (r *opportunityStore) Update(ctx context.Context, o *core.ArbitrageOpportunity) error {
	res, err := r.db.ExecContext(ctx, `UPDATE opportunities SET `+oppSet+` WHERE id = ?`,
		append(oppArgs(o)[1:], o.ID)...)
	if err != nil {
		return fmt.Errorf("update opportunity: %w", err)
	}
	return requireRow(res, fmt.Sprintf("opportunity %s", o.ID))
}

func (r *opportunityStore) FindActiveBy(ctx context.Context, symbol, longVenue, shortVenue string) (*core.ArbitrageOpportunity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+oppCols+` FROM opportunities WHERE status = ? AND symbol = ? AND long_venue = ? AND short_venue = ? LIMIT 1`,
		core.OpportunityActive, symbol, longVenue, shortVenue)
	o, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select opportunity: %w", err)
	}
	return o, nil
}

func (r *opportunityStore) FindAllActive(ctx context.Context, limit int) ([]*core.ArbitrageOpportunity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+oppCols+` FROM opportunities WHERE status = ? ORDER BY detected_at DESC LIMIT ?`,
		core.OpportunityActive, limit)
	if err != nil {
		return nil, fmt.Errorf("select opportunities: %w", err)
	}
	defer rows.Close()
	var out []*core.ArbitrageOpportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func oppArgs(o *core.ArbitrageOpportunity) []interface{} {
	return []interface{}{
		o.ID, o.Symbol, o.LongVenue, o.ShortVenue, o.Status,
		o.InitialDiff, o.CurrentDiff, o.MaxDiff, ns(o.MaxDiffAt), o.DiffSum,
		o.Observations, o.NotificationCount, ns(o.DetectedAt), ns(o.UpdatedAt), ns(o.EndedAt), o.DisappearReason,
	}
}

func scanOpportunity(row rowScanner) (*core.ArbitrageOpportunity, error) {
	var o core.ArbitrageOpportunity
	var maxDiffAt, detectedAt, updatedAt, endedAt int64
	err := row.Scan(
		&o.ID, &o.Symbol, &o.LongVenue, &o.ShortVenue, &o.Status,
		&o.InitialDiff, &o.CurrentDiff, &o.MaxDiff, &maxDiffAt, &o.DiffSum,
		&o.Observations, &o.NotificationCount, &detectedAt, &updatedAt, &endedAt, &o.DisappearReason,
	)
	if err != nil {
		return nil, err
	}
	o.MaxDiffAt = fromNS(maxDiffAt)
	o.DetectedAt = fromNS(detectedAt)
	o.UpdatedAt = fromNS(updatedAt)
	o.EndedAt = fromNS(endedAt)
	return &o, nil
}

const histCols = `id, opportunity_id, symbol, long_venue, short_venue,
	initial_diff, max_diff, avg_diff, duration_seconds, notifications_sent,
	disappear_reason, recorded_at`

type historyStore Store

func (r *historyStore) Create(ctx context.Context, h *core.OpportunityHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	query := `INSERT INTO opportunity_history (` + histCols + `) VALUES (` + placeholders(columnCount(histCols)) + `)`
	_, err := r.db.ExecContext(ctx, query,
		h.ID, h.OpportunityID, h.Symbol, h.LongVenue, h.ShortVenue,
		h.InitialDiff, h.MaxDiff, h.AvgDiff, h.DurationSeconds, h.NotificationsSent,
		h.DisappearReason, ns(h.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert opportunity history: %w", err)
	}
	return nil
}

func (r *historyStore) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*core.OpportunityHistory, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+histCols+` FROM opportunity_history WHERE symbol = ? ORDER BY recorded_at DESC, rowid DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("select opportunity history: %w", err)
	}
	defer rows.Close()
	var out []*core.OpportunityHistory
	for rows.Next() {
		var h core.OpportunityHistory
		var recordedAt int64
		if err := rows.Scan(
			&h.ID, &h.OpportunityID, &h.Symbol, &h.LongVenue, &h.ShortVenue,
			&h.InitialDiff, &h.MaxDiff, &h.AvgDiff, &h.DurationSeconds, &h.NotificationsSent,
			&h.DisappearReason, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan opportunity history: %w", err)
		}
		h.RecordedAt = fromNS(recordedAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}
