// Package orchestrator encodes the behaviour of conditional order families:
// trailing stop re-arming, one-cancels-other fan-out, and bracket leg
// synthesis. It runs after fills and on price ticks, never inside the fill's
// own transaction except where the store contract requires it.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/observability"
	"github.com/quantdesk/tradecore/internal/schema"
)

const component = "orchestrator"

var workingStatuses = []schema.OrderStatus{schema.StatusPending, schema.StatusOpen}

var oneHundred = decimal.NewFromInt(100)

// Executor triggers engine execution for orders whose condition is met.
type Executor interface {
	ExecuteOrder(ctx context.Context, orderID, requestingUserID string) (schema.ExecutionResult, error)
}

// Orchestrator reacts to fills and price ticks for advanced order kinds.
type Orchestrator struct {
	store    orderstore.Store
	exec     Executor
	warnings *observability.WarningQueue
	metrics  *observability.RuntimeMetrics
	now      func() time.Time
	newID    func() string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithMetrics installs a runtime metrics accumulator.
func WithMetrics(metrics *observability.RuntimeMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithClock overrides the orchestrator's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an orchestrator. The warning queue receives child-synthesis
// failures that must not fail the parent fill.
func New(store orderstore.Store, warnings *observability.WarningQueue, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		exec:     nil,
		warnings: warnings,
		metrics:  nil,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// BindExecutor wires the engine in after construction; the engine holds the
// orchestrator as its after-fill hook, so one side binds late.
func (o *Orchestrator) BindExecutor(exec Executor) {
	o.exec = exec
}

// AfterFill runs advanced-order side effects once a fill has committed.
// Failures here are reported on the warning channel and never propagate:
// the parent's fill stands regardless of child-creation success.
func (o *Orchestrator) AfterFill(ctx context.Context, order *schema.Order, result schema.ExecutionResult) {
	switch order.AdvancedKind {
	case schema.AdvancedBracket:
		if err := o.synthesizeBracketLegs(ctx, order, result); err != nil {
			o.warn("bracket_synthesis", order.ID, err)
		}
	case schema.AdvancedOCO, schema.AdvancedTrailingStop, schema.AdvancedIceberg, schema.AdvancedNone:
		// OCO sibling cancellation commits with the fill itself; trailing and
		// iceberg orders carry no post-fill side effects.
	}
}

// synthesizeBracketLegs creates the stop-loss and take-profit children for a
// filled bracket parent. The legs share the parent id and are marked OCO so
// that filling one cancels the other.
func (o *Orchestrator) synthesizeBracketLegs(ctx context.Context, parent *schema.Order, result schema.ExecutionResult) error {
	children, err := o.store.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return nil
	}
	if parent.StopLossPct == nil || parent.TakeProfitPct == nil {
		return errs.New(component, errs.CodeValidation,
			errs.WithOrderID(parent.ID),
			errs.WithMessage("bracket parent missing stop loss or take profit percentages"))
	}

	lossFraction := parent.StopLossPct.Div(oneHundred)
	profitFraction := parent.TakeProfitPct.Div(oneHundred)

	var stopPrice, limitPrice decimal.Decimal
	if parent.Side == schema.SideBuy {
		stopPrice = result.Price.Mul(decimal.NewFromInt(1).Sub(lossFraction))
		limitPrice = result.Price.Mul(decimal.NewFromInt(1).Add(profitFraction))
	} else {
		stopPrice = result.Price.Mul(decimal.NewFromInt(1).Add(lossFraction))
		limitPrice = result.Price.Mul(decimal.NewFromInt(1).Sub(profitFraction))
	}

	now := o.now()
	stopLoss := o.childOrder(parent, now)
	stopLoss.Type = schema.OrderTypeStop
	stopLoss.StopPrice = &stopPrice
	trigger := stopPrice
	stopLoss.TriggerPrice = &trigger

	takeProfit := o.childOrder(parent, now)
	takeProfit.Type = schema.OrderTypeLimit
	takeProfit.LimitPrice = &limitPrice

	err = o.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if err := tx.CreateOrder(ctx, stopLoss); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, takeProfit)
	})
	if err != nil {
		return err
	}

	observability.Log().Info("bracket legs created",
		observability.Field{Key: "parent_order_id", Value: parent.ID},
		observability.Field{Key: "stop_loss_id", Value: stopLoss.ID},
		observability.Field{Key: "take_profit_id", Value: takeProfit.ID})
	return nil
}

func (o *Orchestrator) childOrder(parent *schema.Order, now time.Time) *schema.Order {
	return &schema.Order{
		ID:             o.newID(),
		UserID:         parent.UserID,
		PortfolioID:    parent.PortfolioID,
		InstrumentID:   parent.InstrumentID,
		Side:           parent.Side.Opposite(),
		TimeInForce:    schema.TIFGTC,
		AdvancedKind:   schema.AdvancedOCO,
		Quantity:       parent.Quantity,
		Status:         schema.StatusOpen,
		FilledQuantity: decimal.Zero,
		AveragePrice:   decimal.Zero,
		Commission:     decimal.Zero,
		ParentOrderID:  parent.ID,
		CreatedAt:      now,
	}
}

// evaluationFanout bounds how many conditional orders are evaluated
// concurrently per tick.
const evaluationFanout = 4

// OnPriceTick re-evaluates working conditional orders for the instrument:
// trailing triggers ratchet in the favorable direction only, and any order
// whose trigger is crossed adversely is handed to the engine for execution.
// Orders are independent, so evaluation fans out across them.
func (o *Orchestrator) OnPriceTick(ctx context.Context, instrumentID string, price decimal.Decimal) error {
	orders, err := o.store.ListOpenConditional(ctx, instrumentID)
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordTriggerEvaluation(instrumentID)
	}

	evaluations := pool.New().WithErrors().WithMaxGoroutines(evaluationFanout)
	for _, order := range orders {
		order := order
		evaluations.Go(func() error {
			return o.evaluateTrigger(ctx, order, price)
		})
	}
	if err := evaluations.Wait(); err != nil {
		return observability.AggregateErrors("price tick evaluation", []error{err},
			observability.Field{Key: "instrument", Value: instrumentID})
	}
	return nil
}

// evaluateTrigger ratchets a trailing order and executes any order whose
// trigger the tick crossed. Losing a race to a concurrent fill or cancel is
// expected and not an error.
func (o *Orchestrator) evaluateTrigger(ctx context.Context, order *schema.Order, price decimal.Decimal) error {
	current := order
	if current.AdvancedKind == schema.AdvancedTrailingStop {
		ratcheted, err := o.ratchetTrailingStop(ctx, current, price)
		if err != nil {
			if errs.Is(err, errs.CodeInvalidState) {
				return nil
			}
			return err
		}
		current = ratcheted
	}
	if !current.TriggerSatisfied(price) {
		return nil
	}
	if o.exec == nil {
		return nil
	}
	if _, err := o.exec.ExecuteOrder(ctx, current.ID, current.UserID); err != nil {
		if errs.Is(err, errs.CodeInvalidState) {
			return nil
		}
		return err
	}
	return nil
}

// ratchetTrailingStop recomputes the trigger from the tick and persists it
// only when the move is favorable: a SELL trail only rises, a BUY trail only
// falls. The first tick arms an unset trigger.
func (o *Orchestrator) ratchetTrailingStop(ctx context.Context, order *schema.Order, price decimal.Decimal) (*schema.Order, error) {
	candidate, ok := trailingCandidate(order, price)
	if !ok {
		return order, nil
	}
	if order.TriggerPrice != nil {
		if order.Side == schema.SideSell && candidate.LessThanOrEqual(*order.TriggerPrice) {
			return order, nil
		}
		if order.Side == schema.SideBuy && candidate.GreaterThanOrEqual(*order.TriggerPrice) {
			return order, nil
		}
	}

	var updated *schema.Order
	err := o.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		ratcheted, err := tx.TransitionOrder(ctx, order.ID, workingStatuses, func(current *schema.Order) error {
			// Re-check under the transaction; another tick may have ratcheted further.
			if current.TriggerPrice != nil {
				if current.Side == schema.SideSell && candidate.LessThanOrEqual(*current.TriggerPrice) {
					return nil
				}
				if current.Side == schema.SideBuy && candidate.GreaterThanOrEqual(*current.TriggerPrice) {
					return nil
				}
			}
			trigger := candidate
			current.TriggerPrice = &trigger
			return nil
		})
		if err != nil {
			return err
		}
		updated = ratcheted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// trailingCandidate derives the trigger implied by the tick from the order's
// trail amount or percent.
func trailingCandidate(order *schema.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	switch {
	case order.TrailAmount != nil:
		if order.Side == schema.SideSell {
			return price.Sub(*order.TrailAmount), true
		}
		return price.Add(*order.TrailAmount), true
	case order.TrailPercent != nil:
		fraction := order.TrailPercent.Div(oneHundred)
		if order.Side == schema.SideSell {
			return price.Mul(decimal.NewFromInt(1).Sub(fraction)), true
		}
		return price.Mul(decimal.NewFromInt(1).Add(fraction)), true
	default:
		return decimal.Zero, false
	}
}

func (o *Orchestrator) warn(operation, orderID string, err error) {
	if o.warnings != nil {
		o.warnings.Offer(observability.Warning{
			Operation:  operation,
			OrderID:    orderID,
			Reason:     err.Error(),
			OccurredAt: o.now(),
		})
	}
	observability.Log().Error("advanced order side effect failed",
		observability.Field{Key: "operation", Value: operation},
		observability.Field{Key: "order_id", Value: orderID},
		observability.Field{Key: "error", Value: err.Error()})
}
