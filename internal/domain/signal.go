package domain

import (
	"fmt"
	"time"
)

// Direction is the outcome side of a binary market.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// Signal is a mean-reversion entry signal. It is produced and consumed within
// a single evaluation tick.
type Signal struct {
	Asset        Asset
	Direction    Direction
	ZScore       float64
	CurrentPrice float64
	Mean         float64
	StdDev       float64
	PctMove      float64
	TriggeredAt  time.Time
}

func (s Signal) String() string {
	return fmt.Sprintf("Signal(%s %s z=%+.2f price=%.2f move=%+.2f%%)",
		s.Asset, s.Direction, s.ZScore, s.CurrentPrice, s.PctMove)
}
