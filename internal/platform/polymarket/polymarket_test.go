package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/crypto"
	"github.com/alanyoungcy/polysniper/internal/domain"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaec5f2b7d6cbf2ff"

func TestGamma_ListMarkets(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `[{"question":"Bitcoin up?","end_timestamp":1700000000},"junk",{"slug":"eth"}]`)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL)
	got, err := g.ListMarkets(context.Background(), MarketQuery{TagID: CryptoUpDownTagID, Active: true, Limit: 100})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Bitcoin up?", got[0]["question"])
	assert.Equal(t, float64(1700000000), got[0]["end_timestamp"])
	assert.Equal(t, "active=true&closed=false&limit=100&tag_id=102467", gotQuery)
}

func TestGamma_NonArrayAndErrors(t *testing.T) {
	status := http.StatusOK
	body := `{"error":"nope"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL)
	got, err := g.ListMarkets(context.Background(), MarketQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)

	body = `<html>upstream hiccup</html>`
	got, err = g.ListMarkets(context.Background(), MarketQuery{})
	require.NoError(t, err, "a malformed listing is dropped, not a transport failure")
	require.NotNil(t, got)
	assert.Empty(t, got)

	body = `{"error":"nope"}`

	status = http.StatusTooManyRequests
	_, err = g.ListMarkets(context.Background(), MarketQuery{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)

	status = http.StatusBadGateway
	_, err = g.ListMarkets(context.Background(), MarketQuery{})
	require.ErrorAs(t, err, &se)
	assert.Nil(t, se.Unwrap())
}

func TestClob_PublicEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `"OK"`)
		case "/time":
			fmt.Fprint(w, `1700000000`)
		case "/midpoint":
			assert.Equal(t, "123", r.URL.Query().Get("token_id"))
			fmt.Fprint(w, `{"mid":"0.545"}`)
		case "/price":
			if r.URL.Query().Get("side") == SideBuy {
				fmt.Fprint(w, `{"price":"0.56"}`)
			} else {
				fmt.Fprint(w, `{"price":0.53}`)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, c.Ok(ctx))
	ts, err := c.ServerTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0), ts)

	mid, err := c.GetMidpoint(ctx, "123")
	require.NoError(t, err)
	assert.InDelta(t, 0.545, mid, 1e-9)

	ask, err := c.GetPrice(ctx, "123", SideBuy)
	require.NoError(t, err)
	assert.InDelta(t, 0.56, ask, 1e-9)
	bid, err := c.GetPrice(ctx, "123", SideSell)
	require.NoError(t, err)
	assert.InDelta(t, 0.53, bid, 1e-9)

	_, err = c.PostMarketOrder(ctx, MarketOrder{TokenID: "1", Side: SideBuy, Amount: 5, Price: 0.5})
	assert.ErrorIs(t, err, errNoSigner)
}

func TestClob_DeriveAndPostOrder(t *testing.T) {
	var posted postOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/derive-api-key" && r.Method == http.MethodGet:
			assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
			assert.Equal(t, "0", r.Header.Get("POLY_NONCE"))
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case r.URL.Path == "/auth/api-key" && r.Method == http.MethodPost:
			fmt.Fprint(w, `{"apiKey":"k1","secret":"c2VjcmV0","passphrase":"p1"}`)
		case r.URL.Path == "/order" && r.Method == http.MethodPost:
			assert.Equal(t, "k1", r.Header.Get("POLY_API_KEY"))
			assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &posted))
			fmt.Fprint(w, `{"success":true,"orderID":"0xabc","status":"matched","makingAmount":"5","takingAmount":"8.9285"}`)
		case r.URL.Path == "/cancel-all" && r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"canceled":["a","b"],"not_canceled":{}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	signer, err := crypto.NewSigner(testKey, 137, "")
	require.NoError(t, err)
	c := NewClobClient(srv.URL, signer).WithFunder("0x00000000000000000000000000000000000000aa", 1)
	ctx := context.Background()

	_, err = c.PostMarketOrder(ctx, MarketOrder{TokenID: "77", Side: SideBuy, Amount: 5, Price: 0.56})
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "orders need L2 credentials")

	creds, err := c.DeriveAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k1", creds.Key)

	resp, err := c.PostMarketOrder(ctx, MarketOrder{TokenID: "77", Side: SideBuy, Amount: 5, Price: 0.56})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", resp.ID())
	making, taking := resp.Filled()
	assert.Equal(t, 5.0, making)
	assert.InDelta(t, 8.9285, taking, 1e-9)

	assert.Equal(t, "k1", posted.Owner)
	assert.Equal(t, OrderTypeFOK, posted.OrderType)
	assert.Equal(t, "BUY", posted.Order.Side)
	assert.Equal(t, "5000000", posted.Order.MakerAmount)
	assert.Equal(t, "8928500", posted.Order.TakerAmount)
	assert.Equal(t, common.HexToAddress("0xaa").Hex(), posted.Order.Maker)
	assert.Equal(t, signer.Address().Hex(), posted.Order.Signer)
	assert.Equal(t, 1, posted.Order.SignatureType)

	n, err := c.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClob_OrderWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errorMsg":"not enough balance"}`)
	}))
	defer srv.Close()

	signer, err := crypto.NewSigner(testKey, 137, "")
	require.NoError(t, err)
	c := NewClobClient(srv.URL, signer)
	c.SetCreds(crypto.APICreds{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"})

	_, err = c.PostMarketOrder(context.Background(), MarketOrder{TokenID: "1", Side: SideSell, Amount: 10, Price: 0.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoOrderID)
	assert.Contains(t, err.Error(), "not enough balance")
}

func TestMarketAmounts(t *testing.T) {
	maker, taker, side, err := marketAmounts("buy", 10.009, 0.5)
	require.NoError(t, err)
	assert.Equal(t, crypto.SideBuy, side)
	assert.Equal(t, int64(10_000_000), maker.Int64())
	assert.Equal(t, int64(20_000_000), taker.Int64())

	maker, taker, side, err = marketAmounts("SELL", 12.345, 0.4)
	require.NoError(t, err)
	assert.Equal(t, crypto.SideSell, side)
	assert.Equal(t, int64(12_340_000), maker.Int64())
	assert.Equal(t, int64(4_936_000), taker.Int64())

	_, _, _, err = marketAmounts("BUY", 0.001, 0.5)
	assert.Error(t, err)
	_, _, _, err = marketAmounts("HOLD", 1, 0.5)
	assert.Error(t, err)
}
