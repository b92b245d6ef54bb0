package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// PositionStore journals open positions so that positions left on the
// exchange by a crashed run can be reported on the next start.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Save records an open position for runID.
func (s *PositionStore) Save(ctx context.Context, runID string, p domain.Position) error {
	const query = `
		INSERT INTO open_positions (
			id, run_id, asset, direction, token_id, market_id,
			shares, entry_price, amount, entry_time, market_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		p.ID, runID, string(p.Asset), string(p.Direction), p.TokenID, p.Market.ID,
		p.Shares, p.EntryPrice, p.AmountCommitted, p.EntryTime, p.Market.EndTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a closed position.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM open_positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	return nil
}

// ListOthers returns journaled positions not belonging to runID.
func (s *PositionStore) ListOthers(ctx context.Context, runID string) ([]domain.OrphanPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, asset, direction, token_id, shares, entry_time, market_end
		FROM open_positions WHERE run_id <> $1 ORDER BY entry_time`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.OrphanPosition
	for rows.Next() {
		var o domain.OrphanPosition
		var asset, direction string
		if err := rows.Scan(&o.ID, &o.RunID, &asset, &direction, &o.TokenID, &o.Shares, &o.EntryTime, &o.MarketEnd); err != nil {
			return nil, fmt.Errorf("postgres: scan open position: %w", err)
		}
		o.Asset = domain.Asset(asset)
		o.Direction = domain.Direction(direction)
		out = append(out, o)
	}
	return out, rows.Err()
}

var _ domain.PositionStore = (*PositionStore)(nil)
