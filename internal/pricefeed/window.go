package pricefeed

import (
	"sync"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// DefaultMinSamples is the sample count below which a window is not ready
// for statistics.
const DefaultMinSamples = 30

// Window is a time-bounded, append-only sequence of prices for one symbol.
// Samples older than the window duration, measured against the newest
// sample's timestamp, are evicted from the head.
type Window struct {
	symbol   string
	duration time.Duration

	mu     sync.RWMutex
	points []domain.PricePoint
}

// NewWindow creates an empty window covering the trailing duration d.
func NewWindow(symbol string, d time.Duration) *Window {
	return &Window{symbol: symbol, duration: d}
}

// Symbol returns the trading pair this window tracks.
func (w *Window) Symbol() string { return w.symbol }

// Duration returns the trailing span retained by the window.
func (w *Window) Duration() time.Duration { return w.duration }

// Add appends a sample and evicts every head sample with a timestamp before
// ts - duration.
func (w *Window) Add(price float64, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.points = append(w.points, domain.PricePoint{Symbol: w.symbol, Price: price, ObservedAt: ts})

	cutoff := ts.Add(-w.duration)
	i := 0
	for i < len(w.points) && w.points[i].ObservedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.points = w.points[i:]
	}
}

// Prices returns a copy of the in-window prices, oldest first.
func (w *Window) Prices() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]float64, len(w.points))
	for i, p := range w.points {
		out[i] = p.Price
	}
	return out
}

// Points returns a copy of the in-window samples, oldest first.
func (w *Window) Points() []domain.PricePoint {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]domain.PricePoint, len(w.points))
	copy(out, w.points)
	return out
}

// CurrentPrice is the most recently added price, or 0 before any sample.
func (w *Window) CurrentPrice() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.points) == 0 {
		return 0
	}
	return w.points[len(w.points)-1].Price
}

// SampleCount returns the number of retained samples.
func (w *Window) SampleCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.points)
}

// IsReady reports whether at least min samples are retained.
func (w *Window) IsReady(min int) bool {
	return w.SampleCount() >= min
}

// Snapshot is a consistent view of a window taken under one lock.
type Snapshot struct {
	Symbol  string
	Prices  []float64
	Current float64
	Oldest  float64
	Count   int
}

// Snapshot copies the window so statistics can be derived without holding
// the lock across further work.
func (w *Window) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Snapshot{Symbol: w.symbol, Count: len(w.points), Prices: make([]float64, len(w.points))}
	for i, p := range w.points {
		s.Prices[i] = p.Price
	}
	if s.Count > 0 {
		s.Oldest = w.points[0].Price
		s.Current = w.points[s.Count-1].Price
	}
	return s
}
