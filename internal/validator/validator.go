// Package validator normalizes raw order requests into pending orders.
package validator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/domain/refdata"
	"github.com/quantdesk/tradecore/internal/schema"
)

const component = "validator"

// Request is a raw order submission from the API layer. Numeric fields arrive
// as decimal strings; enumerations arrive as free-form strings and are
// normalized here.
type Request struct {
	UserID       string `json:"userId"`
	PortfolioID  string `json:"portfolioId"`
	InstrumentID string `json:"instrumentId"`

	Type         string `json:"type"`
	Side         string `json:"side"`
	TimeInForce  string `json:"timeInForce,omitempty"`
	AdvancedKind string `json:"advancedKind,omitempty"`

	Quantity        string  `json:"quantity"`
	LimitPrice      *string `json:"limitPrice,omitempty"`
	StopPrice       *string `json:"stopPrice,omitempty"`
	TrailAmount     *string `json:"trailAmount,omitempty"`
	TrailPercent    *string `json:"trailPercent,omitempty"`
	DisplayQuantity *string `json:"displayQuantity,omitempty"`
	TakeProfitPct   *string `json:"takeProfitPct,omitempty"`
	StopLossPct     *string `json:"stopLossPct,omitempty"`

	ParentOrderID string     `json:"parentOrderId,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Validator checks order requests against reference data and ownership.
type Validator struct {
	instruments refdata.InstrumentSource
	authorizer  refdata.Authorizer
	now         func() time.Time
}

// New constructs a Validator backed by the provided collaborators.
func New(instruments refdata.InstrumentSource, authorizer refdata.Authorizer) *Validator {
	return &Validator{
		instruments: instruments,
		authorizer:  authorizer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the validator's time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	if now != nil {
		v.now = now
	}
	return v
}

// Normalize validates the request and produces a pending order. The check is
// pure apart from assigning defaults: time in force defaults to DAY.
func (v *Validator) Normalize(ctx context.Context, req Request) (*schema.Order, error) {
	if err := requireFields(req); err != nil {
		return nil, err
	}

	orderType, err := schema.ParseOrderType(req.Type)
	if err != nil {
		return nil, err
	}
	side, err := schema.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}

	tif := schema.TimeInForce(strings.ToUpper(strings.TrimSpace(req.TimeInForce)))
	if tif == "" {
		tif = schema.TIFDay
	}
	if err := tif.Validate(); err != nil {
		return nil, err
	}

	kind := schema.AdvancedKind(strings.ToUpper(strings.TrimSpace(req.AdvancedKind)))
	if kind == "" {
		kind = schema.AdvancedNone
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	quantity, err := parsePositive("quantity", req.Quantity)
	if err != nil {
		return nil, err
	}

	order := &schema.Order{
		ID:             uuid.NewString(),
		UserID:         strings.TrimSpace(req.UserID),
		PortfolioID:    strings.TrimSpace(req.PortfolioID),
		InstrumentID:   strings.TrimSpace(req.InstrumentID),
		Type:           orderType,
		Side:           side,
		TimeInForce:    tif,
		AdvancedKind:   kind,
		Quantity:       quantity,
		Status:         schema.StatusPending,
		FilledQuantity: decimal.Zero,
		AveragePrice:   decimal.Zero,
		Commission:     decimal.Zero,
		ParentOrderID:  strings.TrimSpace(req.ParentOrderID),
		Notes:          strings.TrimSpace(req.Notes),
		CreatedAt:      v.now(),
		ExpiresAt:      req.ExpiresAt,
	}

	if err := v.applyPrices(order, req); err != nil {
		return nil, err
	}
	if err := validateKind(order); err != nil {
		return nil, err
	}

	if v.instruments != nil {
		if _, err := v.instruments.GetInstrument(ctx, order.InstrumentID); err != nil {
			return nil, err
		}
	}
	if v.authorizer != nil {
		owns, err := v.authorizer.OwnsPortfolio(ctx, order.UserID, order.PortfolioID)
		if err != nil {
			return nil, errs.New(component, errs.CodeExecution,
				errs.WithMessage("portfolio ownership check failed"), errs.WithCause(err))
		}
		if !owns {
			return nil, errs.New(component, errs.CodeAccessDenied,
				errs.WithMessage("portfolio does not belong to requesting user"))
		}
	}

	return order, nil
}

func requireFields(req Request) error {
	required := []struct {
		name  string
		value string
	}{
		{"userId", req.UserID},
		{"portfolioId", req.PortfolioID},
		{"instrumentId", req.InstrumentID},
		{"type", req.Type},
		{"side", req.Side},
		{"quantity", req.Quantity},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return errs.New(component, errs.CodeValidation,
				errs.WithField(field.name), errs.WithMessage(field.name+" is required"))
		}
	}
	return nil
}

func (v *Validator) applyPrices(order *schema.Order, req Request) error {
	var err error
	if order.LimitPrice, err = parseOptionalPositive("limitPrice", req.LimitPrice); err != nil {
		return err
	}
	if order.StopPrice, err = parseOptionalPositive("stopPrice", req.StopPrice); err != nil {
		return err
	}
	if order.TrailAmount, err = parseOptionalPositive("trailAmount", req.TrailAmount); err != nil {
		return err
	}
	if order.TrailPercent, err = parseOptionalPositive("trailPercent", req.TrailPercent); err != nil {
		return err
	}
	if order.DisplayQuantity, err = parseOptionalPositive("displayQuantity", req.DisplayQuantity); err != nil {
		return err
	}
	if order.TakeProfitPct, err = parseOptionalPositive("takeProfitPct", req.TakeProfitPct); err != nil {
		return err
	}
	if order.StopLossPct, err = parseOptionalPositive("stopLossPct", req.StopLossPct); err != nil {
		return err
	}

	switch order.Type {
	case schema.OrderTypeLimit, schema.OrderTypeStopLimit:
		if order.LimitPrice == nil {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("limitPrice"), errs.WithMessage("limit price required for "+string(order.Type)))
		}
	}
	switch order.Type {
	case schema.OrderTypeStop, schema.OrderTypeStopLimit:
		if order.StopPrice == nil {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("stopPrice"), errs.WithMessage("stop price required for "+string(order.Type)))
		}
		trigger := *order.StopPrice
		order.TriggerPrice = &trigger
	}
	return nil
}

func validateKind(order *schema.Order) error {
	switch order.AdvancedKind {
	case schema.AdvancedTrailingStop:
		if order.TrailAmount == nil && order.TrailPercent == nil {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("trailAmount"),
				errs.WithMessage("trailing stop requires trail amount or trail percent"))
		}
	case schema.AdvancedBracket:
		if order.TakeProfitPct == nil || order.StopLossPct == nil {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("takeProfitPct"),
				errs.WithMessage("bracket requires take profit and stop loss percentages"))
		}
	case schema.AdvancedOCO:
		if order.ParentOrderID == "" {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("parentOrderId"),
				errs.WithMessage("oco orders require a shared parent"))
		}
	case schema.AdvancedIceberg:
		if order.DisplayQuantity == nil {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("displayQuantity"),
				errs.WithMessage("iceberg requires a display quantity"))
		}
		if order.DisplayQuantity.GreaterThanOrEqual(order.Quantity) {
			return errs.New(component, errs.CodeValidation,
				errs.WithField("displayQuantity"),
				errs.WithMessage("display quantity must be smaller than total quantity"))
		}
	}
	return nil
}

func parsePositive(field, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errs.New(component, errs.CodeValidation,
			errs.WithField(field), errs.WithMessage("invalid decimal "+raw), errs.WithCause(err))
	}
	if value.Sign() <= 0 {
		return decimal.Zero, errs.New(component, errs.CodeValidation,
			errs.WithField(field), errs.WithMessage(field+" must be positive"))
	}
	return value, nil
}

func parseOptionalPositive(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	value, err := parsePositive(field, *raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}
