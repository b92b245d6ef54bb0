package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// TradeStore implements domain.TradeStore over trade_records.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `position_id, run_id, asset, direction, entry_price, exit_price,
	shares, amount, pnl, pnl_pct, duration_ms, entry_time, exit_time, reason,
	entry_zscore, exit_zscore`

// Insert writes rec. Re-inserting the same position id is a no-op.
func (s *TradeStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_records (
			position_id, run_id, asset, direction, entry_price, exit_price,
			shares, amount, pnl, pnl_pct, duration_ms, entry_time, exit_time,
			reason, entry_zscore, exit_zscore
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (position_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.PositionID, rec.RunID, string(rec.Asset), string(rec.Direction),
		rec.EntryPrice, rec.ExitPrice, rec.Shares, rec.Amount,
		rec.PnL, rec.PnLPct, rec.Duration.Milliseconds(),
		rec.EntryTime, rec.ExitTime, string(rec.Reason),
		rec.EntryZ, rec.ExitZ,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", rec.PositionID, err)
	}
	return nil
}

// List returns trades newest first.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := pageClause(`SELECT `+tradeSelectCols+` FROM trade_records WHERE 1=1`,
		"exit_time", nil, opts.Since, opts.Until, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	recs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return recs, nil
}

// ListByRun returns one run's trades in exit order.
func (s *TradeStore) ListByRun(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trade_records WHERE run_id = $1 ORDER BY exit_time`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for run %s: %w", runID, err)
	}
	recs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for run %s: %w", runID, err)
	}
	return recs, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()
	var recs []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var asset, direction, reason string
		var durationMs int64
		if err := rows.Scan(
			&r.PositionID, &r.RunID, &asset, &direction,
			&r.EntryPrice, &r.ExitPrice, &r.Shares, &r.Amount,
			&r.PnL, &r.PnLPct, &durationMs, &r.EntryTime, &r.ExitTime,
			&reason, &r.EntryZ, &r.ExitZ,
		); err != nil {
			return nil, err
		}
		r.Asset = domain.Asset(asset)
		r.Direction = domain.Direction(direction)
		r.Reason = domain.ExitCode(reason)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

var _ domain.TradeStore = (*TradeStore)(nil)
