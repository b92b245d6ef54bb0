// Package metrics exposes the bot's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

const namespace = "polysniper"

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "feed", Name: "ticks_total", Help: "Price samples accepted per symbol"},
		[]string{"symbol"},
	)
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "feed", Name: "connected", Help: "1 while the price feed is delivering"},
	)
	FeedPull = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "feed", Name: "pull_mode", Help: "1 after the feed downgraded to REST polling"},
	)
	ZScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "signal", Name: "zscore", Help: "Latest z-score per asset"},
		[]string{"asset"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "signal", Name: "entries_total", Help: "Entry signals raised"},
		[]string{"asset", "direction"},
	)
	ScannerUnreachable = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "scanner", Name: "unreachable", Help: "1 while the market API is marked unreachable"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "execution", Name: "orders_total", Help: "Orders submitted"},
		[]string{"side", "result"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "position", Name: "open", Help: "Open positions"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "position", Name: "closed_total", Help: "Closed positions"},
		[]string{"asset", "reason", "outcome"},
	)
	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "position", Name: "realized_pnl_usdc", Help: "Realized pnl since process start"},
	)
	ConsecutiveLosses = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "risk", Name: "consecutive_losses", Help: "Current losing streak"},
	)
	CircuitBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "risk", Name: "circuit_breaker_trips_total", Help: "Circuit breaker trips"},
	)
	BotRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "supervisor", Name: "restarts_total", Help: "Bot restarts after a crash"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, FeedConnected, FeedPull,
		ZScore, SignalsTotal, ScannerUnreachable,
		OrdersTotal, OpenPositions, TradesTotal, RealizedPnL,
		ConsecutiveLosses, CircuitBreakerTrips, BotRestarts,
	)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveTrade updates the trade counters for a closed position.
func ObserveTrade(rec domain.TradeRecord) {
	outcome := "loss"
	if rec.IsWin() {
		outcome = "win"
	}
	TradesTotal.WithLabelValues(string(rec.Asset), string(rec.Reason), outcome).Inc()
	RealizedPnL.Add(rec.PnL)
}

// ObserveOrder counts an order by side and success.
func ObserveOrder(side string, ok bool) {
	result := "filled"
	if !ok {
		result = "failed"
	}
	OrdersTotal.WithLabelValues(side, result).Inc()
}

// SetBool sets g to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
