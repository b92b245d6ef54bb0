package domain

import "time"

// TradeRecord is a completed round trip, written when a position closes.
type TradeRecord struct {
	PositionID string        `json:"position_id"`
	RunID      string        `json:"run_id"`
	Asset      Asset         `json:"asset"`
	Direction  Direction     `json:"direction"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price"`
	Shares     float64       `json:"shares"`
	Amount     float64       `json:"amount"`
	PnL        float64       `json:"pnl"`
	PnLPct     float64       `json:"pnl_pct"`
	Duration   time.Duration `json:"duration"`
	EntryTime  time.Time     `json:"entry_time"`
	ExitTime   time.Time     `json:"exit_time"`
	Reason     ExitCode      `json:"reason"`
	EntryZ     float64       `json:"entry_zscore"`
	ExitZ      *float64      `json:"exit_zscore,omitempty"`
}

// IsWin reports whether the trade closed at or above break-even.
func (t TradeRecord) IsWin() bool {
	return t.PnL >= 0
}

// TradeStats summarises a set of trade records.
type TradeStats struct {
	InitialBalance float64 `json:"initial_balance"`
	CurrentBalance float64 `json:"current_balance"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalPnLPct    float64 `json:"total_pnl_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgPnL         float64 `json:"avg_pnl"`
}
