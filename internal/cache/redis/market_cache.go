package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// minMarketTTL keeps a just-expired market visible briefly to readers.
const minMarketTTL = time.Second

// MarketCache shares the scanner's current market per asset as JSON at
// "{prefix}market:{asset}". Entries expire with the market.
type MarketCache struct {
	c   *Client
	now func() time.Time
}

// NewMarketCache creates a MarketCache backed by c.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{c: c, now: time.Now}
}

// Set stores market under its asset until its end time.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	ttl := market.EndTime.Sub(mc.now())
	if ttl < minMarketTTL {
		ttl = minMarketTTL
	}
	if err := mc.c.rdb.Set(ctx, mc.c.key("market", string(market.Asset)), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound when no live market is cached for asset.
func (mc *MarketCache) Get(ctx context.Context, asset domain.Asset) (domain.Market, error) {
	data, err := mc.c.rdb.Get(ctx, mc.c.key("market", string(asset))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", asset, err)
	}
	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", asset, err)
	}
	return market, nil
}

// Publish stores market; its signature matches a scanner listener.
func (mc *MarketCache) Publish(ctx context.Context, market domain.Market) error {
	return mc.Set(ctx, market)
}

var _ domain.MarketCache = (*MarketCache)(nil)
