package domain

import (
	"fmt"
	"time"
)

// Position is an open directional bet on one market. Positions are never
// mutated after creation; closing one removes it.
type Position struct {
	ID              string    `json:"id"`
	Asset           Asset     `json:"asset"`
	Direction       Direction `json:"direction"`
	TokenID         string    `json:"token_id"`
	OrderID         string    `json:"order_id"`
	EntryPrice      float64   `json:"entry_price"`
	Shares          float64   `json:"shares"`
	AmountCommitted float64   `json:"amount_committed"`
	EntryZScore     float64   `json:"entry_zscore"`
	EntryTime       time.Time `json:"entry_time"`
	Market          Market    `json:"market"`
}

// SecondsToExpiry is the remaining life of the position's market.
func (p Position) SecondsToExpiry(now time.Time) int64 {
	return p.Market.SecondsToExpiry(now)
}

// Age returns how long the position has been open.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

func (p Position) String() string {
	return fmt.Sprintf("Position(%s %s shares=%.2f entry_z=%.2f)", p.Asset, p.Direction, p.Shares, p.EntryZScore)
}

// ExitCode classifies why a position was closed.
type ExitCode string

const (
	ExitMeanReversion  ExitCode = "mean_reversion"
	ExitOverCorrection ExitCode = "over_correction"
	ExitTimeExpiry     ExitCode = "time_expiry"
	ExitMarketClosed   ExitCode = "market_closed"
	ExitShutdown       ExitCode = "shutdown"
)

// ExitReason explains a close. ZScore is nil for reasons not driven by price.
type ExitReason struct {
	Code        ExitCode `json:"code"`
	Description string   `json:"description"`
	ZScore      *float64 `json:"zscore,omitempty"`
}
