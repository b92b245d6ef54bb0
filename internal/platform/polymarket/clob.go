package polymarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polysniper/internal/crypto"
	"github.com/alanyoungcy/polysniper/internal/domain"
)

// DefaultClobURL is the public CLOB API root.
const DefaultClobURL = "https://clob.polymarket.com"

// Price sides for GET /price.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

var errNoSigner = errors.New("polymarket/clob: no signer configured")

// ClobClient is the REST client for the Polymarket CLOB. Public price
// endpoints work without a signer; order endpoints need a signer and L2
// credentials from DeriveAPIKey.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	funder     common.Address
	sigType    uint8

	mu    sync.RWMutex
	creds crypto.APICreds
}

// NewClobClient creates a CLOB client. signer may be nil for read-only use.
func NewClobClient(baseURL string, signer *crypto.Signer) *ClobClient {
	if baseURL == "" {
		baseURL = DefaultClobURL
	}
	c := &ClobClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
	}
	if signer != nil {
		c.funder = signer.Address()
	}
	return c
}

// WithFunder sets the proxy wallet that holds funds and the signature type
// (0 EOA, 1 Polymarket proxy, 2 Gnosis safe).
func (c *ClobClient) WithFunder(funder string, sigType uint8) *ClobClient {
	if funder != "" {
		c.funder = common.HexToAddress(funder)
	}
	c.sigType = sigType
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *ClobClient) WithHTTPClient(hc *http.Client) *ClobClient {
	c.httpClient = hc
	return c
}

// SetCreds installs L2 credentials.
func (c *ClobClient) SetCreds(creds crypto.APICreds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// Ok pings GET /.
func (c *ClobClient) Ok(ctx context.Context) error {
	if _, err := c.get(ctx, "/", nil); err != nil {
		return fmt.Errorf("polymarket/clob: ok: %w", err)
	}
	return nil
}

// ServerTime returns the CLOB clock from GET /time.
func (c *ClobClient) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.get(ctx, "/time", nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("polymarket/clob: time: %w", err)
	}
	sec, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(string(body)), `"`), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("polymarket/clob: decode time %q: %w", body, err)
	}
	return time.Unix(sec, 0), nil
}

// GetMidpoint returns the book midpoint for tokenID.
func (c *ClobClient) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	body, err := c.get(ctx, "/midpoint", url.Values{"token_id": {tokenID}})
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, err)
	}
	var r midpointResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode midpoint: %w", err)
	}
	return float64(r.Mid), nil
}

// GetPrice returns the best price available to a taker on side: the best
// ask for BUY and the best bid for SELL.
func (c *ClobClient) GetPrice(ctx context.Context, tokenID, side string) (float64, error) {
	body, err := c.get(ctx, "/price", url.Values{"token_id": {tokenID}, "side": {side}})
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: price %s %s: %w", side, tokenID, err)
	}
	var r priceResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode price: %w", err)
	}
	return float64(r.Price), nil
}

// DeriveAPIKey signs a ClobAuth message and fetches the wallet's existing
// L2 credentials, creating them when none exist. The result is installed
// on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (crypto.APICreds, error) {
	if c.signer == nil {
		return crypto.APICreds{}, errNoSigner
	}

	creds, err := c.l1Request(ctx, http.MethodGet, "/auth/derive-api-key")
	if err != nil {
		var se *StatusError
		if !errors.As(err, &se) {
			return crypto.APICreds{}, fmt.Errorf("polymarket/clob: derive api key: %w", err)
		}
		creds, err = c.l1Request(ctx, http.MethodPost, "/auth/api-key")
		if err != nil {
			return crypto.APICreds{}, fmt.Errorf("polymarket/clob: create api key: %w", err)
		}
	}
	if creds.Empty() {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: derive api key: %w", domain.ErrUnauthorized)
	}

	c.SetCreds(creds)
	return creds, nil
}

// MarketOrder describes a fill-or-kill order at a worst acceptable price.
// Amount is USDC for BUY and shares for SELL.
type MarketOrder struct {
	TokenID string
	Side    string
	Amount  float64
	Price   float64
}

// PostMarketOrder builds, signs and submits o as FOK.
func (c *ClobClient) PostMarketOrder(ctx context.Context, o MarketOrder) (OrderResponse, error) {
	if c.signer == nil {
		return OrderResponse{}, errNoSigner
	}
	signed, err := c.buildOrder(o)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("polymarket/clob: build order: %w", err)
	}

	c.mu.RLock()
	owner := c.creds.Key
	c.mu.RUnlock()

	body, err := c.authed(ctx, http.MethodPost, "/order", postOrderRequest{
		Order:     signed,
		Owner:     owner,
		OrderType: OrderTypeFOK,
	})
	if err != nil {
		return OrderResponse{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResponse{}, fmt.Errorf("polymarket/clob: decode order response: %w", err)
	}
	if resp.ID() == "" {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = string(body)
		}
		return resp, fmt.Errorf("polymarket/clob: %w: %s", domain.ErrNoOrderID, msg)
	}
	return resp, nil
}

// CancelAll cancels every open order of the authenticated wallet.
func (c *ClobClient) CancelAll(ctx context.Context) (int, error) {
	body, err := c.authed(ctx, http.MethodDelete, "/cancel-all", nil)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}
	var r cancelResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode cancel-all: %w", err)
	}
	return len(r.Canceled), nil
}

// buildOrder converts o to base units and signs it.
func (c *ClobClient) buildOrder(o MarketOrder) (wireOrder, error) {
	if o.Price <= 0 || o.Price >= 1 {
		return wireOrder{}, fmt.Errorf("price %.4f outside (0,1)", o.Price)
	}
	tokenID, ok := new(big.Int).SetString(o.TokenID, 10)
	if !ok {
		return wireOrder{}, fmt.Errorf("token id %q is not decimal", o.TokenID)
	}

	maker, taker, side, err := marketAmounts(o.Side, o.Amount, o.Price)
	if err != nil {
		return wireOrder{}, err
	}

	saltN, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return wireOrder{}, fmt.Errorf("salt: %w", err)
	}

	order := crypto.Order{
		Salt:          saltN,
		Maker:         c.funder,
		Signer:        c.signer.Address(),
		Taker:         common.Address{},
		TokenID:       tokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: c.sigType,
	}
	sig, err := c.signer.SignOrder(order)
	if err != nil {
		return wireOrder{}, err
	}

	return wireOrder{
		Salt:          saltN.Int64(),
		Maker:         order.Maker.Hex(),
		Signer:        order.Signer.Hex(),
		Taker:         order.Taker.Hex(),
		TokenID:       o.TokenID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          strings.ToUpper(o.Side),
		SignatureType: int(c.sigType),
		Signature:     sig,
	}, nil
}

// marketAmounts returns maker and taker amounts in 6-decimal base units.
// A BUY gives USDC (2dp) for shares; a SELL gives shares (2dp) for USDC.
// The taker side is rounded down to 4dp.
func marketAmounts(side string, amount, price float64) (*big.Int, *big.Int, crypto.Side, error) {
	if amount <= 0 {
		return nil, nil, 0, fmt.Errorf("amount %.4f must be positive", amount)
	}
	give := math.Floor(amount*100+roundEps) / 100
	if give <= 0 {
		return nil, nil, 0, fmt.Errorf("amount %.4f rounds to zero", amount)
	}

	switch strings.ToUpper(side) {
	case SideBuy:
		get := math.Floor(give/price*1e4+roundEps) / 1e4
		return baseUnits(give), baseUnits(get), crypto.SideBuy, nil
	case SideSell:
		get := math.Floor(give*price*1e4+roundEps) / 1e4
		return baseUnits(give), baseUnits(get), crypto.SideSell, nil
	default:
		return nil, nil, 0, fmt.Errorf("unknown side %q", side)
	}
}

const roundEps = 1e-6

func baseUnits(v float64) *big.Int {
	return big.NewInt(int64(math.Round(v * 1e6)))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return readBody(ctx, c.httpClient, req)
}

// l1Request sends a request carrying a fresh ClobAuth signature and decodes
// API credentials from the reply.
func (c *ClobClient) l1Request(ctx context.Context, method, path string) (crypto.APICreds, error) {
	ts := time.Now().Unix()
	sig, err := c.signer.SignClobAuth(ts, 0)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	body, err := readBody(ctx, c.httpClient, req)
	if err != nil {
		return crypto.APICreds{}, err
	}
	var creds crypto.APICreds
	if err := json.Unmarshal(body, &creds); err != nil {
		return crypto.APICreds{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// authed sends an HMAC-signed request.
func (c *ClobClient) authed(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c.signer == nil {
		return nil, errNoSigner
	}
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds.Empty() {
		return nil, fmt.Errorf("%w: no L2 credentials", domain.ErrUnauthorized)
	}

	var bodyStr string
	var reader *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range creds.L2Headers(c.signer.Address().Hex(), method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	return readBody(ctx, c.httpClient, req)
}
