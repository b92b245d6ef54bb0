package domain

import "context"

// ExecutionResult is returned by the execution service for entries and exits.
// Any result with Success=false means no state change occurred.
type ExecutionResult struct {
	Success       bool    `json:"success"`
	OrderID       string  `json:"order_id,omitempty"`
	Shares        float64 `json:"shares"`
	AvgPrice      float64 `json:"avg_price"`
	AmountSettled float64 `json:"amount_settled"`
	Err           error   `json:"-"`
}

// Failed builds an unsuccessful result.
func Failed(err error) ExecutionResult {
	return ExecutionResult{Err: err}
}

// ExecutionService places and unwinds positions on the exchange. Live and
// paper implementations share this contract.
type ExecutionService interface {
	TestConnection(ctx context.Context) error
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	PlaceMarketOrder(ctx context.Context, market Market, dir Direction, amountUSDC float64) ExecutionResult
	SellPosition(ctx context.Context, tokenID string, shares float64) ExecutionResult
	CancelAllOrders(ctx context.Context) error
}
