package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// combinedMessage is the envelope of the Binance combined stream endpoint.
type combinedMessage struct {
	Stream string       `json:"stream"`
	Data   tradeMessage `json:"data"`
}

// tradeMessage is a single <symbol>@trade event.
type tradeMessage struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// parseTrade decodes one combined-stream frame into symbol, price and trade
// time. A zero trade time is returned as the zero time.
func parseTrade(data []byte) (string, float64, time.Time, error) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", 0, time.Time{}, fmt.Errorf("decode trade: %w", err)
	}
	t := msg.Data
	if t.Symbol == "" {
		return "", 0, time.Time{}, fmt.Errorf("decode trade: missing symbol in stream %q", msg.Stream)
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil || price <= 0 {
		return "", 0, time.Time{}, fmt.Errorf("decode trade: bad price %q", t.Price)
	}
	var ts time.Time
	if t.TradeTime > 0 {
		ts = time.UnixMilli(t.TradeTime)
	}
	return strings.ToUpper(t.Symbol), price, ts, nil
}

// streamURL builds the combined trade stream URL for the given symbols.
func streamURL(base string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@trade"
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// fetchTicker reads the latest price for symbol from the REST ticker.
func fetchTicker(ctx context.Context, client *http.Client, base, symbol string) (float64, error) {
	u := strings.TrimRight(base, "/") + "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("ticker %s: create request: %w", symbol, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("ticker %s: read body: %w", symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ticker %s: HTTP %d: %s", symbol, resp.StatusCode, string(body))
	}

	var tp tickerPrice
	if err := json.Unmarshal(body, &tp); err != nil {
		return 0, fmt.Errorf("ticker %s: decode: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(tp.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("ticker %s: bad price %q", symbol, tp.Price)
	}
	return price, nil
}
