// Package execution implements the order execution service in a live
// variant backed by the Polymarket CLOB and a simulated paper variant.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/platform/polymarket"
)

// Clob is the subset of the CLOB API the live service needs.
type Clob interface {
	Ok(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	GetPrice(ctx context.Context, tokenID, side string) (float64, error)
	PostMarketOrder(ctx context.Context, o polymarket.MarketOrder) (polymarket.OrderResponse, error)
	CancelAll(ctx context.Context) (int, error)
}

// Live places fill-or-kill orders on the exchange.
type Live struct {
	clob   Clob
	audit  domain.AuditStore
	logger *slog.Logger
}

var _ domain.ExecutionService = (*Live)(nil)

// NewLive creates a live execution service. audit may be nil.
func NewLive(clob Clob, audit domain.AuditStore, logger *slog.Logger) *Live {
	return &Live{
		clob:   clob,
		audit:  audit,
		logger: logger.With(slog.String("component", "execution")),
	}
}

// TestConnection checks the CLOB health and clock endpoints.
func (l *Live) TestConnection(ctx context.Context) error {
	if err := l.clob.Ok(ctx); err != nil {
		return fmt.Errorf("execution: %w: %w", domain.ErrConnectionFailed, err)
	}
	serverTime, err := l.clob.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("execution: %w: %w", domain.ErrConnectionFailed, err)
	}
	l.logger.InfoContext(ctx, "clob connection ok",
		slog.Time("server_time", serverTime),
		slog.Duration("clock_skew", time.Since(serverTime)),
	)
	return nil
}

// GetMidpoint returns the token's order book midpoint.
func (l *Live) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	mid, err := l.clob.GetMidpoint(ctx, tokenID)
	if err != nil {
		return 0, fmt.Errorf("execution: midpoint %s: %w", short(tokenID), err)
	}
	return mid, nil
}

// PlaceMarketOrder buys amountUSDC worth of the direction's token at the
// best ask, fill-or-kill.
func (l *Live) PlaceMarketOrder(ctx context.Context, market domain.Market, dir domain.Direction, amountUSDC float64) domain.ExecutionResult {
	tokenID := market.TokenFor(dir)
	log := l.logger.With(
		slog.String("asset", string(market.Asset)),
		slog.String("direction", string(dir)),
		slog.String("token_id", short(tokenID)),
	)
	log.InfoContext(ctx, "placing market order",
		slog.Float64("strike", market.StrikePrice),
		slog.Float64("amount", amountUSDC),
	)

	price, err := l.clob.GetPrice(ctx, tokenID, polymarket.SideBuy)
	if err != nil {
		return l.fail(ctx, log, "buy price lookup failed", err)
	}

	resp, err := l.clob.PostMarketOrder(ctx, polymarket.MarketOrder{
		TokenID: tokenID,
		Side:    polymarket.SideBuy,
		Amount:  amountUSDC,
		Price:   price,
	})
	if err != nil {
		return l.fail(ctx, log, "market order failed", err)
	}

	res := domain.ExecutionResult{
		Success:       true,
		OrderID:       resp.ID(),
		Shares:        amountUSDC / price,
		AvgPrice:      price,
		AmountSettled: amountUSDC,
	}
	if spent, shares := resp.Filled(); spent > 0 && shares > 0 {
		res.Shares = shares
		res.AmountSettled = spent
		res.AvgPrice = spent / shares
	}

	log.InfoContext(ctx, "market order filled",
		slog.String("order_id", res.OrderID),
		slog.String("status", resp.Status),
		slog.Float64("avg_price", res.AvgPrice),
		slog.Float64("shares", res.Shares),
	)
	l.auditLog(ctx, "order_placed", map[string]any{
		"order_id":  res.OrderID,
		"market_id": market.ID,
		"asset":     string(market.Asset),
		"direction": string(dir),
		"side":      polymarket.SideBuy,
		"price":     res.AvgPrice,
		"amount":    res.AmountSettled,
	})
	return res
}

// SellPosition sells shares of tokenID at the best bid, fill-or-kill.
func (l *Live) SellPosition(ctx context.Context, tokenID string, shares float64) domain.ExecutionResult {
	log := l.logger.With(slog.String("token_id", short(tokenID)))
	log.InfoContext(ctx, "selling position", slog.Float64("shares", shares))

	price, err := l.clob.GetPrice(ctx, tokenID, polymarket.SideSell)
	if err != nil {
		return l.fail(ctx, log, "sell price lookup failed", err)
	}

	resp, err := l.clob.PostMarketOrder(ctx, polymarket.MarketOrder{
		TokenID: tokenID,
		Side:    polymarket.SideSell,
		Amount:  shares,
		Price:   price,
	})
	if err != nil {
		return l.fail(ctx, log, "sell order failed", err)
	}

	res := domain.ExecutionResult{
		Success:       true,
		OrderID:       resp.ID(),
		Shares:        shares,
		AvgPrice:      price,
		AmountSettled: shares * price,
	}
	if sold, received := resp.Filled(); sold > 0 && received > 0 {
		res.Shares = sold
		res.AmountSettled = received
		res.AvgPrice = received / sold
	}

	log.InfoContext(ctx, "sell order filled",
		slog.String("order_id", res.OrderID),
		slog.Float64("avg_price", res.AvgPrice),
		slog.Float64("proceeds", res.AmountSettled),
	)
	l.auditLog(ctx, "order_placed", map[string]any{
		"order_id": res.OrderID,
		"token_id": tokenID,
		"side":     polymarket.SideSell,
		"price":    res.AvgPrice,
		"shares":   res.Shares,
	})
	return res
}

// CancelAllOrders cancels every resting order for the wallet.
func (l *Live) CancelAllOrders(ctx context.Context) error {
	n, err := l.clob.CancelAll(ctx)
	if err != nil {
		return fmt.Errorf("execution: cancel all: %w", err)
	}
	l.logger.InfoContext(ctx, "cancelled open orders", slog.Int("count", n))
	l.auditLog(ctx, "orders_cancelled", map[string]any{"count": n})
	return nil
}

func (l *Live) fail(ctx context.Context, log *slog.Logger, msg string, err error) domain.ExecutionResult {
	log.ErrorContext(ctx, msg, slog.String("error", err.Error()))
	var status *polymarket.StatusError
	if errors.As(err, &status) {
		l.auditLog(ctx, "order_rejected", map[string]any{
			"status": status.Code,
			"body":   status.Body,
		})
	}
	return domain.Failed(err)
}

func (l *Live) auditLog(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// short truncates long token ids for logs.
func short(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16] + "..."
}
