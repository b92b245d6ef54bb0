package domain

import (
	"fmt"
	"strings"
	"time"
)

// Asset is a tracked reference asset.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

// Symbol returns the Binance trading pair for the asset, e.g. "BTCUSDT".
func (a Asset) Symbol() string {
	return string(a) + "USDT"
}

// ParseAsset maps "btc"/"BTC" style input onto a known Asset.
func ParseAsset(s string) (Asset, error) {
	switch Asset(strings.ToUpper(strings.TrimSpace(s))) {
	case AssetBTC:
		return AssetBTC, nil
	case AssetETH:
		return AssetETH, nil
	default:
		return "", fmt.Errorf("unknown asset %q", s)
	}
}

// Market is a 15-minute binary prediction market on one asset. A Market is
// treated as an immutable value; scans replace it wholesale.
type Market struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id"`
	Question    string    `json:"question"`
	Slug        string    `json:"slug"`
	Asset       Asset     `json:"asset"`
	StrikePrice float64   `json:"strike_price"`
	EndTime     time.Time `json:"end_time"`
	YesTokenID  string    `json:"yes_token_id"`
	NoTokenID   string    `json:"no_token_id"`
}

// SecondsToExpiry returns whole seconds until EndTime, floored at zero.
func (m Market) SecondsToExpiry(now time.Time) int64 {
	d := m.EndTime.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// IsTradeable reports whether the market has not yet expired.
func (m Market) IsTradeable(now time.Time) bool {
	return m.SecondsToExpiry(now) > 0
}

// TokenFor returns the outcome token for the given direction.
func (m Market) TokenFor(d Direction) string {
	if d == DirectionYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}
