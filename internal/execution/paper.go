package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyoungcy/polysniper/internal/backoff"
	"github.com/alanyoungcy/polysniper/internal/domain"
)

// PaperConfig configures the simulated account.
type PaperConfig struct {
	InitialBalance float64
	// Seed fixes the random source. Zero seeds from the clock.
	Seed int64
	// Latency is added to every simulated order.
	Latency time.Duration
}

// Paper simulates fills against a fictional USDC balance. Buys fill near
// 0.5 with up to 2% adverse slippage; sells fill uniformly in [0.45, 0.65].
type Paper struct {
	cfg    PaperConfig
	logger *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	balance float64
	counter int
}

var _ domain.ExecutionService = (*Paper)(nil)

// NewPaper creates a paper execution service.
func NewPaper(cfg PaperConfig, logger *slog.Logger) *Paper {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "execution"), slog.Bool("paper", true)),
		rng:     rand.New(rand.NewSource(seed)),
		balance: cfg.InitialBalance,
	}
}

// Balance returns the current simulated USDC balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// InitialBalance returns the starting balance.
func (p *Paper) InitialBalance() float64 { return p.cfg.InitialBalance }

// TestConnection always succeeds.
func (p *Paper) TestConnection(ctx context.Context) error {
	p.logger.InfoContext(ctx, "paper trading mode, no exchange connection needed",
		slog.Float64("balance", p.Balance()),
	)
	return nil
}

// GetMidpoint returns a random price in [0.35, 0.65].
func (p *Paper) GetMidpoint(context.Context, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uniform(0.35, 0.65), nil
}

// PlaceMarketOrder debits amountUSDC and fills at 0.5 plus slippage. It is
// rejected with ErrInsufficientBalance when the balance cannot cover it.
func (p *Paper) PlaceMarketOrder(ctx context.Context, market domain.Market, dir domain.Direction, amountUSDC float64) domain.ExecutionResult {
	if err := p.delay(ctx); err != nil {
		return domain.Failed(err)
	}

	p.mu.Lock()
	if amountUSDC > p.balance {
		balance := p.balance
		p.mu.Unlock()
		p.logger.WarnContext(ctx, "insufficient paper balance",
			slog.Float64("need", amountUSDC),
			slog.Float64("have", balance),
		)
		return domain.Failed(fmt.Errorf("execution: balance %.2f: %w", balance, domain.ErrInsufficientBalance))
	}
	price := 0.5 * (1 + p.uniform(0, 0.02))
	shares := amountUSDC / price
	p.balance -= amountUSDC
	id := p.nextID()
	balance := p.balance
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "paper order filled",
		slog.String("order_id", id),
		slog.String("asset", string(market.Asset)),
		slog.String("direction", string(dir)),
		slog.Float64("strike", market.StrikePrice),
		slog.Float64("price", price),
		slog.Float64("shares", shares),
		slog.Float64("spent", amountUSDC),
		slog.Float64("balance", balance),
	)
	return domain.ExecutionResult{
		Success:       true,
		OrderID:       id,
		Shares:        shares,
		AvgPrice:      price,
		AmountSettled: amountUSDC,
	}
}

// SellPosition credits the proceeds of selling shares at a random price.
func (p *Paper) SellPosition(ctx context.Context, tokenID string, shares float64) domain.ExecutionResult {
	if err := p.delay(ctx); err != nil {
		return domain.Failed(err)
	}

	p.mu.Lock()
	price := p.uniform(0.45, 0.65)
	proceeds := shares * price
	p.balance += proceeds
	id := p.nextID()
	balance := p.balance
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "paper sell filled",
		slog.String("order_id", id),
		slog.String("token_id", short(tokenID)),
		slog.Float64("price", price),
		slog.Float64("shares", shares),
		slog.Float64("proceeds", proceeds),
		slog.Float64("balance", balance),
	)
	return domain.ExecutionResult{
		Success:       true,
		OrderID:       id,
		Shares:        shares,
		AvgPrice:      price,
		AmountSettled: proceeds,
	}
}

// CancelAllOrders is a no-op; paper orders never rest.
func (p *Paper) CancelAllOrders(context.Context) error { return nil }

// uniform draws from [lo, hi). Caller holds mu.
func (p *Paper) uniform(lo, hi float64) float64 {
	return lo + p.rng.Float64()*(hi-lo)
}

// nextID returns PAPER_000001 style ids. Caller holds mu.
func (p *Paper) nextID() string {
	p.counter++
	return fmt.Sprintf("PAPER_%06d", p.counter)
}

func (p *Paper) delay(ctx context.Context) error {
	return backoff.Sleep(ctx, p.cfg.Latency)
}
