package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultGammaURL is the public Gamma API root.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

// CryptoUpDownTagID tags the short-horizon crypto markets.
const CryptoUpDownTagID = 102467

// GammaClient lists markets from the Polymarket Gamma API.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma client with a 30s request timeout.
func NewGammaClient(baseURL string) *GammaClient {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &GammaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (g *GammaClient) WithHTTPClient(c *http.Client) *GammaClient {
	g.httpClient = c
	return g
}

// ListMarkets returns the raw listing for q. A successful response whose body
// is not a JSON array yields an empty slice.
func (g *GammaClient) ListMarkets(ctx context.Context, q MarketQuery) ([]RawMarket, error) {
	params := url.Values{}
	if q.TagID != 0 {
		params.Set("tag_id", strconv.Itoa(q.TagID))
	}
	params.Set("active", strconv.FormatBool(q.Active))
	params.Set("closed", strconv.FormatBool(q.Closed))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := readBody(ctx, g.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return []RawMarket{}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return []RawMarket{}, nil
	}

	out := make([]RawMarket, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, RawMarket(m))
		}
	}
	return out, nil
}
