package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// TickStore implements domain.TickStore.
type TickStore struct {
	conn *Conn
}

// NewTickStore creates a TickStore on conn.
func NewTickStore(conn *Conn) *TickStore {
	return &TickStore{conn: conn}
}

// InsertBulk writes ticks in one batch.
func (s *TickStore) InsertBulk(ctx context.Context, ticks []domain.PricePoint) error {
	if len(ticks) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO price_ticks (symbol, observed_at, price)`)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, t := range ticks {
		if err := batch.Append(t.Symbol, t.ObservedAt.UTC(), t.Price); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse: append tick: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

// Range returns a symbol's ticks within [from, to] in time order.
func (s *TickStore) Range(ctx context.Context, symbol string, from, to time.Time) ([]domain.PricePoint, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT symbol, observed_at, price
		FROM price_ticks
		WHERE symbol = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at`, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("clickhouse: query ticks: %w", err)
	}
	defer rows.Close()

	var out []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.Symbol, &p.ObservedAt, &p.Price); err != nil {
			return nil, fmt.Errorf("clickhouse: scan tick: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ domain.TickStore = (*TickStore)(nil)
