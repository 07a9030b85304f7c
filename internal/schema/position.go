package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net holding of one instrument within one portfolio.
// Quantity is signed: positive long, negative short. AverageCost is defined
// only while Quantity is non-zero.
type Position struct {
	PortfolioID  string          `json:"portfolioId"`
	InstrumentID string          `json:"instrumentId"`
	Quantity     decimal.Decimal `json:"quantity"`
	AverageCost  decimal.Decimal `json:"averageCost"`
	MarketPrice  decimal.Decimal `json:"marketPrice"`
	RealizedPnL  decimal.Decimal `json:"realizedPnl"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Flat reports whether the position holds no exposure.
func (p *Position) Flat() bool {
	return p.Quantity.IsZero()
}

// UnrealizedPnL computes the paper profit on the open quantity marked to the
// given price. Derived on demand, never persisted as ground truth.
func (p *Position) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return currentPrice.Sub(p.AverageCost).Mul(p.Quantity)
}

// Portfolio aggregates positions for a user and carries a cached total value
// adjusted incrementally on each execution.
type Portfolio struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Name        string          `json:"name,omitempty"`
	CachedValue decimal.Decimal `json:"cachedValue"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Fill is the quantity/price pair applied to a position by one execution.
type Fill struct {
	InstrumentID string          `json:"instrumentId"`
	Side         TradeSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
}

// SignedQuantity returns the fill quantity signed by side.
func (f Fill) SignedQuantity() decimal.Decimal {
	if f.Side == SideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}

// ExecutionResult is the immutable audit record of one fill.
type ExecutionResult struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Notional returns quantity multiplied by price, the cash value of the fill.
func (r ExecutionResult) Notional() decimal.Decimal {
	return r.Quantity.Mul(r.Price)
}

// Instrument describes tradable instrument metadata served by the reference
// data collaborator.
type Instrument struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	LastPrice decimal.Decimal `json:"lastPrice"`
}
