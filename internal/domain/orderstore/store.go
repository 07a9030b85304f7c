// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/quantdesk/tradecore/internal/schema"
)

// OrderQuery scopes order lookups.
type OrderQuery struct {
	UserID       string               `json:"userId,omitempty"`
	PortfolioID  string               `json:"portfolioId,omitempty"`
	InstrumentID string               `json:"instrumentId,omitempty"`
	ParentID     string               `json:"parentId,omitempty"`
	Statuses     []schema.OrderStatus `json:"statuses,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
}

// ExecutionQuery scopes execution audit lookups.
type ExecutionQuery struct {
	OrderID     string `json:"orderId,omitempty"`
	PortfolioID string `json:"portfolioId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Mutation applies in-place changes to an order inside a conditional update.
type Mutation func(*schema.Order) error

// Tx encapsulates order persistence operations executed within a single
// atomic unit of work. A fill is never acknowledged while its position or
// portfolio update is still pending; they commit or roll back together.
type Tx interface {
	CreateOrder(ctx context.Context, order *schema.Order) error
	GetOrder(ctx context.Context, id string) (*schema.Order, error)

	// TransitionOrder performs the compare-and-swap at the heart of the
	// at-most-once guarantee: the mutation runs only while the order's
	// current status is in from; otherwise CodeInvalidState is returned.
	TransitionOrder(ctx context.Context, id string, from []schema.OrderStatus, mutate Mutation) (*schema.Order, error)

	UpdateOrder(ctx context.Context, order *schema.Order) error
	ListChildren(ctx context.Context, parentID string) ([]*schema.Order, error)

	// GetPosition returns nil without error when no position exists yet for
	// the (portfolio, instrument) pair.
	GetPosition(ctx context.Context, portfolioID, instrumentID string) (*schema.Position, error)
	SavePosition(ctx context.Context, position *schema.Position) error

	GetPortfolio(ctx context.Context, id string) (*schema.Portfolio, error)
	SavePortfolio(ctx context.Context, portfolio *schema.Portfolio) error

	RecordExecution(ctx context.Context, result schema.ExecutionResult) error
}

// Store defines the contract for order persistence operations.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	ListOrders(ctx context.Context, query OrderQuery) ([]*schema.Order, error)
	ListExecutions(ctx context.Context, query ExecutionQuery) ([]schema.ExecutionResult, error)
	// ListOpenConditional returns working conditional orders (stop, stop-limit,
	// trailing stop) for the instrument, for trigger evaluation on price ticks.
	ListOpenConditional(ctx context.Context, instrumentID string) ([]*schema.Order, error)
	// ListExpired returns working orders whose expiration passed at the given time.
	ListExpired(ctx context.Context, now time.Time) ([]*schema.Order, error)
	ListPositions(ctx context.Context, portfolioID string) ([]*schema.Position, error)
}
