package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

func TestObserveTrade(t *testing.T) {
	before := testutil.ToFloat64(RealizedPnL)
	ObserveTrade(domain.TradeRecord{Asset: domain.AssetETH, Reason: domain.ExitTimeExpiry, PnL: -1.25})
	ObserveTrade(domain.TradeRecord{Asset: domain.AssetETH, Reason: domain.ExitTimeExpiry, PnL: 0.5})

	assert.Equal(t, 1.0, testutil.ToFloat64(TradesTotal.WithLabelValues("ETH", "time_expiry", "loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(TradesTotal.WithLabelValues("ETH", "time_expiry", "win")))
	assert.InDelta(t, before-0.75, testutil.ToFloat64(RealizedPnL), 1e-9)
}

func TestSetBool(t *testing.T) {
	SetBool(FeedPull, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(FeedPull))
	SetBool(FeedPull, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(FeedPull))
}

func TestHandlerExposesCollectors(t *testing.T) {
	TicksTotal.WithLabelValues("BTCUSDT").Inc()
	ObserveOrder("BUY", true)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `polysniper_feed_ticks_total{symbol="BTCUSDT"}`)
	assert.Contains(t, string(body), `polysniper_execution_orders_total{result="filled",side="BUY"}`)
}
