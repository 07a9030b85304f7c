// Package schema defines the canonical order, position, and portfolio types
// shared across the tradecore engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/errs"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the reference price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit executes at a price respecting the limit.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop becomes executable once the stop price is crossed.
	OrderTypeStop OrderType = "STOP"
	// OrderTypeStopLimit combines a stop trigger with a limit execution.
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TradeSide captures the direction of an order.
type TradeSide string

const (
	// SideBuy indicates buy side orders.
	SideBuy TradeSide = "BUY"
	// SideSell indicates sell side orders.
	SideSell TradeSide = "SELL"
)

// TimeInForce constrains how long an order stays working.
type TimeInForce string

const (
	// TIFDay expires the order at the end of the trading day.
	TIFDay TimeInForce = "DAY"
	// TIFGTC keeps the order working until cancelled.
	TIFGTC TimeInForce = "GTC"
	// TIFIOC requires immediate execution or cancellation.
	TIFIOC TimeInForce = "IOC"
	// TIFFOK requires complete immediate execution or cancellation.
	TIFFOK TimeInForce = "FOK"
)

// AdvancedKind identifies the conditional order family an order belongs to.
type AdvancedKind string

const (
	// AdvancedNone marks a plain order with no conditional behaviour.
	AdvancedNone AdvancedKind = "NONE"
	// AdvancedTrailingStop marks a stop whose trigger ratchets with the market.
	AdvancedTrailingStop AdvancedKind = "TRAILING_STOP"
	// AdvancedOCO marks a sibling group where one fill cancels the rest.
	AdvancedOCO AdvancedKind = "OCO"
	// AdvancedBracket marks a parent that spawns stop-loss/take-profit legs on fill.
	AdvancedBracket AdvancedKind = "BRACKET"
	// AdvancedIceberg marks an order exposing only a display quantity.
	AdvancedIceberg AdvancedKind = "ICEBERG"
)

// OrderStatus enumerates lifecycle states. Transitions are owned by the
// execution engine: PENDING -> OPEN -> {FILLED, CANCELLED, REJECTED}.
type OrderStatus string

const (
	// StatusPending marks a validated order awaiting acceptance.
	StatusPending OrderStatus = "PENDING"
	// StatusOpen marks an accepted order awaiting its trigger or fill.
	StatusOpen OrderStatus = "OPEN"
	// StatusFilled marks a completely executed order. Terminal.
	StatusFilled OrderStatus = "FILLED"
	// StatusCancelled marks a cancelled order. Terminal.
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusRejected marks an order refused by the engine. Terminal.
	StatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Working reports whether the order may still execute or be cancelled.
func (s OrderStatus) Working() bool {
	return s == StatusPending || s == StatusOpen
}

// Validate ensures the order type is a member of the enumeration.
func (t OrderType) Validate() error {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return nil
	default:
		return errs.New("schema/order-type", errs.CodeValidation,
			errs.WithField("type"), errs.WithMessage("unknown order type "+string(t)))
	}
}

// Conditional reports whether the type executes only after a trigger.
func (t OrderType) Conditional() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// Validate ensures the side is a member of the enumeration.
func (s TradeSide) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	default:
		return errs.New("schema/trade-side", errs.CodeValidation,
			errs.WithField("side"), errs.WithMessage("unknown side "+string(s)))
	}
}

// Opposite returns the opposing side.
func (s TradeSide) Opposite() TradeSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Validate ensures the time in force is a member of the enumeration.
func (t TimeInForce) Validate() error {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return nil
	default:
		return errs.New("schema/time-in-force", errs.CodeValidation,
			errs.WithField("timeInForce"), errs.WithMessage("unknown time in force "+string(t)))
	}
}

// Validate ensures the advanced kind is a member of the enumeration.
func (k AdvancedKind) Validate() error {
	switch k {
	case AdvancedNone, AdvancedTrailingStop, AdvancedOCO, AdvancedBracket, AdvancedIceberg:
		return nil
	default:
		return errs.New("schema/advanced-kind", errs.CodeValidation,
			errs.WithField("advancedKind"), errs.WithMessage("unknown advanced kind "+string(k)))
	}
}

// ParseOrderType normalizes and validates a raw order type string.
func ParseOrderType(raw string) (OrderType, error) {
	t := OrderType(strings.ToUpper(strings.TrimSpace(raw)))
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// ParseSide normalizes and validates a raw side string.
func ParseSide(raw string) (TradeSide, error) {
	s := TradeSide(strings.ToUpper(strings.TrimSpace(raw)))
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// Order is a request to change a position, tracked through its lifecycle.
type Order struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	PortfolioID  string       `json:"portfolioId"`
	InstrumentID string       `json:"instrumentId"`
	Type         OrderType    `json:"type"`
	Side         TradeSide    `json:"side"`
	TimeInForce  TimeInForce  `json:"timeInForce"`
	AdvancedKind AdvancedKind `json:"advancedKind"`

	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	// TriggerPrice is the working trigger for conditional orders. For trailing
	// stops it ratchets favorably and never loosens.
	TriggerPrice *decimal.Decimal `json:"triggerPrice,omitempty"`

	TrailAmount     *decimal.Decimal `json:"trailAmount,omitempty"`
	TrailPercent    *decimal.Decimal `json:"trailPercent,omitempty"`
	DisplayQuantity *decimal.Decimal `json:"displayQuantity,omitempty"`
	TakeProfitPct   *decimal.Decimal `json:"takeProfitPct,omitempty"`
	StopLossPct     *decimal.Decimal `json:"stopLossPct,omitempty"`

	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	Commission     decimal.Decimal `json:"commission"`

	// ParentOrderID links composite order families. It is a plain foreign key
	// assigned at creation and never populated from a descendant, which keeps
	// the relation acyclic.
	ParentOrderID string `json:"parentOrderId,omitempty"`

	Notes string `json:"notes,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Conditional reports whether the order executes only after a trigger,
// either through its type or its advanced kind.
func (o *Order) Conditional() bool {
	return o.Type.Conditional() || o.AdvancedKind == AdvancedTrailingStop
}

// TriggerSatisfied reports whether the reference price crosses the working
// trigger adversely, making the order eligible for market execution. A SELL
// stop triggers when price falls to or below the trigger; a BUY stop when
// price rises to or above it. An unarmed trigger never fires.
func (o *Order) TriggerSatisfied(price decimal.Decimal) bool {
	if !o.Conditional() {
		return true
	}
	if o.TriggerPrice == nil {
		return false
	}
	if o.Side == SideSell {
		return price.LessThanOrEqual(*o.TriggerPrice)
	}
	return price.GreaterThanOrEqual(*o.TriggerPrice)
}

// SignedQuantity returns the quantity signed by side: positive for BUY.
func (o *Order) SignedQuantity() decimal.Decimal {
	if o.Side == SideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// Expired reports whether the order's expiration has passed at the given time.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.LimitPrice = cloneDecimal(o.LimitPrice)
	out.StopPrice = cloneDecimal(o.StopPrice)
	out.TriggerPrice = cloneDecimal(o.TriggerPrice)
	out.TrailAmount = cloneDecimal(o.TrailAmount)
	out.TrailPercent = cloneDecimal(o.TrailPercent)
	out.DisplayQuantity = cloneDecimal(o.DisplayQuantity)
	out.TakeProfitPct = cloneDecimal(o.TakeProfitPct)
	out.StopLossPct = cloneDecimal(o.StopLossPct)
	out.ExecutedAt = cloneTime(o.ExecutedAt)
	out.ExpiresAt = cloneTime(o.ExpiresAt)
	return &out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
