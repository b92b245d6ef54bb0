package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists closed trade records.
type TradeStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
	List(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	ListByRun(ctx context.Context, runID string) ([]TradeRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// TickStore persists raw price ticks for offline analysis.
type TickStore interface {
	InsertBulk(ctx context.Context, ticks []PricePoint) error
}

// OrphanPosition is a journaled open position from another run.
type OrphanPosition struct {
	ID        string
	RunID     string
	Asset     Asset
	Direction Direction
	TokenID   string
	Shares    float64
	EntryTime time.Time
	MarketEnd time.Time
}

// PositionStore journals open positions across runs.
type PositionStore interface {
	Save(ctx context.Context, runID string, p Position) error
	Delete(ctx context.Context, id string) error
	ListOthers(ctx context.Context, runID string) ([]OrphanPosition, error)
}
