// Package volatility turns a price window into z-scores and mean-reversion
// entry signals. It performs no I/O.
package volatility

import (
	"math"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// Config holds the signal thresholds. PctMoveThreshold is in percent.
type Config struct {
	ZScoreThreshold     float64
	PctMoveThreshold    float64
	ExitZScoreThreshold float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:     2.5,
		PctMoveThreshold:    0.5,
		ExitZScoreThreshold: 0.5,
	}
}

// Detector evaluates entry signals against fixed thresholds.
type Detector struct {
	cfg Config
	now func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, now: time.Now}
}

// ExitThreshold is the |z| at or below which a position has reverted.
func (d *Detector) ExitThreshold() float64 { return d.cfg.ExitZScoreThreshold }

// MeanStdDev returns the mean and population standard deviation of prices.
// Deviations are taken from the first price so a constant window has
// exactly zero variance.
func MeanStdDev(prices []float64) (mean, std float64) {
	n := float64(len(prices))
	if n == 0 {
		return 0, 0
	}
	k := prices[0]
	var sum, sq float64
	for _, p := range prices {
		d := p - k
		sum += d
		sq += d * d
	}
	mean = k + sum/n
	variance := (sq - sum*sum/n) / n
	if variance <= 0 {
		return mean, 0
	}
	return mean, math.Sqrt(variance)
}

// ZScore is (current - mean) / stddev over prices. An empty or
// zero-variance window scores 0.
func ZScore(prices []float64, current float64) float64 {
	mean, std := MeanStdDev(prices)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (current - mean) / std
}

// PctMove is the percentage change of current from basis.
func PctMove(basis, current float64) float64 {
	if basis == 0 {
		return 0
	}
	return (current/basis - 1) * 100
}

// CheckEntry returns a signal when both the z-score and the move from the
// oldest price in the window clear their thresholds. The direction bets on
// reversion: a spike up buys NO, a drop buys YES.
func (d *Detector) CheckEntry(asset domain.Asset, prices []float64, current float64) (domain.Signal, bool) {
	if len(prices) == 0 {
		return domain.Signal{}, false
	}

	mean, std := MeanStdDev(prices)
	if std == 0 {
		return domain.Signal{}, false
	}
	z := (current - mean) / std
	if math.Abs(z) < d.cfg.ZScoreThreshold {
		return domain.Signal{}, false
	}

	move := PctMove(prices[0], current)
	if math.Abs(move) < d.cfg.PctMoveThreshold {
		return domain.Signal{}, false
	}

	dir := domain.DirectionYes
	if z > 0 {
		dir = domain.DirectionNo
	}
	return domain.Signal{
		Asset:        asset,
		Direction:    dir,
		ZScore:       z,
		CurrentPrice: current,
		Mean:         mean,
		StdDev:       std,
		PctMove:      move,
		TriggeredAt:  d.now(),
	}, true
}
