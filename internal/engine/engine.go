// Package engine implements the order lifecycle state machine: it accepts
// validated orders, executes fills against a reference price, and keeps
// position and portfolio state consistent with each transition.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/accounting"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/domain/refdata"
	"github.com/quantdesk/tradecore/internal/observability"
	"github.com/quantdesk/tradecore/internal/schema"
	"github.com/quantdesk/tradecore/internal/validator"
)

const component = "engine"

var workingStatuses = []schema.OrderStatus{schema.StatusPending, schema.StatusOpen}

// AfterFillHook receives control after a fill has durably committed. Hook
// failures must not affect the committed fill.
type AfterFillHook interface {
	AfterFill(ctx context.Context, order *schema.Order, result schema.ExecutionResult)
}

// Engine coordinates order execution, cancellation, and modification against
// the order store. All state it needs arrives as parameters or through the
// store transaction; nothing accumulates in package-level collections.
type Engine struct {
	store          orderstore.Store
	prices         refdata.PriceSource
	validator      *validator.Validator
	commissionRate decimal.Decimal
	afterFill      AfterFillHook
	metrics        *observability.RuntimeMetrics
	now            func() time.Time
	newID          func() string
}

// Option configures the engine.
type Option func(*Engine)

// WithCommissionRate overrides the fixed commission fraction of notional.
func WithCommissionRate(rate decimal.Decimal) Option {
	return func(e *Engine) {
		if rate.Sign() >= 0 {
			e.commissionRate = rate
		}
	}
}

// WithAfterFill installs the post-fill hook, typically the advanced order
// orchestrator.
func WithAfterFill(hook AfterFillHook) Option {
	return func(e *Engine) {
		e.afterFill = hook
	}
}

// WithMetrics installs a runtime metrics accumulator.
func WithMetrics(metrics *observability.RuntimeMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// DefaultCommissionRate is the fixed commission fraction applied per fill.
var DefaultCommissionRate = decimal.RequireFromString("0.001")

// New constructs an execution engine.
func New(store orderstore.Store, prices refdata.PriceSource, v *validator.Validator, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		prices:         prices,
		validator:      v,
		commissionRate: DefaultCommissionRate,
		afterFill:      nil,
		metrics:        nil,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CreateOrder validates the request and persists the resulting pending order.
// Conditional orders are accepted directly into OPEN, awaiting their trigger.
func (e *Engine) CreateOrder(ctx context.Context, req validator.Request) (*schema.Order, error) {
	order, err := e.validator.Normalize(ctx, req)
	if err != nil {
		return nil, err
	}
	if order.ParentOrderID != "" {
		if err := e.checkParentLink(ctx, order); err != nil {
			return nil, err
		}
	}
	if order.Conditional() {
		order.Status = schema.StatusOpen
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithOrderID(order.ID), errs.WithMessage("persist order"), errs.WithCause(err))
	}
	observability.Log().Info("order created",
		observability.Field{Key: "order_id", Value: order.ID},
		observability.Field{Key: "instrument", Value: order.InstrumentID},
		observability.Field{Key: "type", Value: string(order.Type)},
		observability.Field{Key: "status", Value: string(order.Status)})
	return order, nil
}

// checkParentLink verifies the parent exists and that linking to it cannot
// form a cycle. The walk is bounded; composite families are shallow.
func (e *Engine) checkParentLink(ctx context.Context, order *schema.Order) error {
	const maxDepth = 8
	parentID := order.ParentOrderID
	for depth := 0; parentID != ""; depth++ {
		if depth >= maxDepth {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("parentOrderId"), errs.WithMessage("parent chain too deep"))
		}
		if parentID == order.ID {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("parentOrderId"), errs.WithMessage("parent chain forms a cycle"))
		}
		parent, err := e.store.GetOrder(ctx, parentID)
		if err != nil {
			return err
		}
		parentID = parent.ParentOrderID
	}
	return nil
}

// ExecuteOrder fills the order at the current reference price. The status
// transition, position update, and portfolio adjustment commit atomically;
// concurrent attempts on the same order leave exactly one winner.
func (e *Engine) ExecuteOrder(ctx context.Context, orderID, requestingUserID string) (schema.ExecutionResult, error) {
	order, err := e.loadAuthorized(ctx, orderID, requestingUserID)
	if err != nil {
		return schema.ExecutionResult{}, err
	}
	if !order.Status.Working() {
		return schema.ExecutionResult{}, errs.InvalidState(component, order.ID, string(order.Status), "execute")
	}

	price, err := e.prices.CurrentPrice(ctx, order.InstrumentID)
	if err != nil {
		return schema.ExecutionResult{}, errs.New(component, errs.CodeExecution,
			errs.WithOrderID(order.ID), errs.WithMessage("price source failed"), errs.WithCause(err))
	}
	if order.Conditional() && !order.TriggerSatisfied(price) {
		return schema.ExecutionResult{}, errs.New(component, errs.CodeInvalidState,
			errs.WithOrderID(order.ID), errs.WithMessage("trigger condition not satisfied"))
	}

	executedAt := e.now()
	result := schema.ExecutionResult{
		ID:         e.newID(),
		OrderID:    order.ID,
		Price:      price,
		ExecutedAt: executedAt,
	}

	var filled *schema.Order
	err = e.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		updated, err := tx.TransitionOrder(ctx, order.ID, workingStatuses, func(o *schema.Order) error {
			// Commission derives from the quantity read under the row lock; a
			// modification racing this fill must not leave a stale notional.
			o.Status = schema.StatusFilled
			o.FilledQuantity = o.Quantity
			o.AveragePrice = price
			o.Commission = o.Quantity.Mul(price).Mul(e.commissionRate)
			o.ExecutedAt = &executedAt
			return nil
		})
		if err != nil {
			return err
		}
		filled = updated
		result.Quantity = updated.Quantity
		result.Commission = updated.Commission

		if err := e.applyFill(ctx, tx, updated, price, executedAt); err != nil {
			return err
		}
		if err := tx.RecordExecution(ctx, result); err != nil {
			return err
		}
		if updated.AdvancedKind == schema.AdvancedOCO && updated.ParentOrderID != "" {
			return e.cancelSiblings(ctx, tx, updated)
		}
		return nil
	})
	if err != nil {
		return schema.ExecutionResult{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordFill(filled.InstrumentID)
	}
	observability.Log().Info("order filled",
		observability.Field{Key: "order_id", Value: filled.ID},
		observability.Field{Key: "instrument", Value: filled.InstrumentID},
		observability.Field{Key: "price", Value: price.String()},
		observability.Field{Key: "quantity", Value: filled.Quantity.String()})

	// The fill is committed; advanced-order side effects run after the fact
	// and must not roll it back.
	if e.afterFill != nil && filled.AdvancedKind != schema.AdvancedNone {
		e.afterFill.AfterFill(ctx, filled, result)
	}
	return result, nil
}

// applyFill folds the fill into the position and adjusts the portfolio's
// cached value: purchases subtract notional, sales add it.
func (e *Engine) applyFill(ctx context.Context, tx orderstore.Tx, order *schema.Order, price decimal.Decimal, executedAt time.Time) error {
	// The portfolio is read first: its row lock serializes concurrent fills
	// against the same portfolio, including first fills where no position
	// row exists yet to lock.
	portfolio, err := tx.GetPortfolio(ctx, order.PortfolioID)
	if err != nil {
		return err
	}

	prior, err := tx.GetPosition(ctx, order.PortfolioID, order.InstrumentID)
	if err != nil {
		return err
	}
	fill := schema.Fill{
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		Quantity:     order.Quantity,
		Price:        price,
	}
	applied := accounting.Apply(prior, order.PortfolioID, fill, executedAt)
	if err := tx.SavePosition(ctx, &applied.Position); err != nil {
		return err
	}

	notional := order.Quantity.Mul(price)
	if order.Side == schema.SideBuy {
		portfolio.CachedValue = portfolio.CachedValue.Sub(notional)
	} else {
		portfolio.CachedValue = portfolio.CachedValue.Add(notional)
	}
	portfolio.UpdatedAt = executedAt
	return tx.SavePortfolio(ctx, portfolio)
}

// cancelSiblings cancels every working sibling sharing the order's parent,
// inside the same transaction as the triggering fill.
func (e *Engine) cancelSiblings(ctx context.Context, tx orderstore.Tx, filled *schema.Order) error {
	siblings, err := tx.ListChildren(ctx, filled.ParentOrderID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID == filled.ID || !sibling.Status.Working() {
			continue
		}
		if _, err := tx.TransitionOrder(ctx, sibling.ID, workingStatuses, func(o *schema.Order) error {
			o.Status = schema.StatusCancelled
			return nil
		}); err != nil {
			if errs.Is(err, errs.CodeInvalidState) {
				continue
			}
			return err
		}
	}
	return nil
}

// CancelOrder cancels a working order and cascades to its working children.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requestingUserID string) (*schema.Order, error) {
	order, err := e.loadAuthorized(ctx, orderID, requestingUserID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Working() {
		return nil, errs.InvalidState(component, order.ID, string(order.Status), "cancel")
	}

	var cancelled *schema.Order
	err = e.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		updated, err := tx.TransitionOrder(ctx, order.ID, workingStatuses, func(o *schema.Order) error {
			o.Status = schema.StatusCancelled
			return nil
		})
		if err != nil {
			return err
		}
		cancelled = updated

		children, err := tx.ListChildren(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if !child.Status.Working() {
				continue
			}
			if _, err := tx.TransitionOrder(ctx, child.ID, workingStatuses, func(o *schema.Order) error {
				o.Status = schema.StatusCancelled
				return nil
			}); err != nil {
				if errs.Is(err, errs.CodeInvalidState) {
					continue
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordCancellation(cancelled.InstrumentID)
	}
	observability.Log().Info("order cancelled",
		observability.Field{Key: "order_id", Value: cancelled.ID},
		observability.Field{Key: "instrument", Value: cancelled.InstrumentID})
	return cancelled, nil
}

// Modification carries the replaceable fields of a working order.
type Modification struct {
	Quantity     *decimal.Decimal
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TrailAmount  *decimal.Decimal
	TrailPercent *decimal.Decimal
	Notes        *string
}

// ModifyOrder replaces mutable fields of a working order in place. Identity,
// status, and history never change here.
func (e *Engine) ModifyOrder(ctx context.Context, orderID, requestingUserID string, mod Modification) (*schema.Order, error) {
	order, err := e.loadAuthorized(ctx, orderID, requestingUserID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Working() {
		return nil, errs.InvalidState(component, order.ID, string(order.Status), "modify")
	}
	if mod.Quantity != nil && mod.Quantity.Sign() <= 0 {
		return nil, errs.New(component, errs.CodeValidation,
			errs.WithField("quantity"), errs.WithMessage("quantity must be positive"))
	}

	var modified *schema.Order
	err = e.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		updated, err := tx.TransitionOrder(ctx, order.ID, workingStatuses, func(o *schema.Order) error {
			if mod.Quantity != nil {
				o.Quantity = *mod.Quantity
			}
			if mod.LimitPrice != nil {
				price := *mod.LimitPrice
				o.LimitPrice = &price
			}
			if mod.StopPrice != nil {
				price := *mod.StopPrice
				o.StopPrice = &price
				trigger := price
				o.TriggerPrice = &trigger
			}
			if mod.TrailAmount != nil {
				amount := *mod.TrailAmount
				o.TrailAmount = &amount
			}
			if mod.TrailPercent != nil {
				pct := *mod.TrailPercent
				o.TrailPercent = &pct
			}
			if mod.Notes != nil {
				o.Notes = *mod.Notes
			}
			return nil
		})
		if err != nil {
			return err
		}
		modified = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modified, nil
}

// ExpireDue cancels working orders whose expiration timestamp has passed.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, order := range due {
		if _, err := e.CancelOrder(ctx, order.ID, order.UserID); err != nil {
			if errs.Is(err, errs.CodeInvalidState) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// GetOrder fetches an order on behalf of its owner.
func (e *Engine) GetOrder(ctx context.Context, orderID, requestingUserID string) (*schema.Order, error) {
	return e.loadAuthorized(ctx, orderID, requestingUserID)
}

func (e *Engine) loadAuthorized(ctx context.Context, orderID, requestingUserID string) (*schema.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != requestingUserID {
		return nil, errs.New(component, errs.CodeAccessDenied,
			errs.WithOrderID(orderID), errs.WithMessage("order does not belong to requesting user"))
	}
	return order, nil
}
