package domain

import "time"

// AssetStatus is the live view of one traded asset.
type AssetStatus struct {
	Asset   Asset    `json:"asset"`
	Price   float64  `json:"price"`
	ZScore  *float64 `json:"zscore,omitempty"`
	Samples int      `json:"samples"`
	Ready   bool     `json:"ready"`
	Market  *Market  `json:"market,omitempty"`
}

// BotStatus is a point-in-time snapshot of a running bot.
type BotStatus struct {
	RunID              string        `json:"run_id"`
	Mode               string        `json:"mode"`
	StartedAt          time.Time     `json:"started_at"`
	Restarts           int           `json:"restarts"`
	FeedMode           string        `json:"feed_mode"`
	FeedConnected      bool          `json:"feed_connected"`
	ScannerUnreachable bool          `json:"scanner_unreachable"`
	Assets             []AssetStatus `json:"assets"`
	Positions          []Position    `json:"positions"`
	MaxPositions       int           `json:"max_positions"`
	ConsecutiveLosses  int           `json:"consecutive_losses"`
	Stopped            bool          `json:"stopped"`
	Stats              TradeStats    `json:"stats"`
	PaperBalance       *float64      `json:"paper_balance,omitempty"`
}
