package domain

import "time"

// PricePoint is a single observed trade price for a symbol.
type PricePoint struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}
