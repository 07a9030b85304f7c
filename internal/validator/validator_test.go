package validator_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/infra/refdata"
	"github.com/quantdesk/tradecore/internal/schema"
	"github.com/quantdesk/tradecore/internal/validator"
)

func newValidator() *validator.Validator {
	catalog := refdata.NewCatalog()
	catalog.AddInstrument(schema.Instrument{ID: "AAPL", Symbol: "AAPL"})
	catalog.GrantPortfolio("user-1", "pf-1")
	catalog.GrantPortfolio("user-2", "pf-2")
	return validator.New(catalog, catalog)
}

func baseRequest() validator.Request {
	return validator.Request{
		UserID:       "user-1",
		PortfolioID:  "pf-1",
		InstrumentID: "AAPL",
		Type:         "market",
		Side:         "buy",
		Quantity:     "10",
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	v := newValidator()

	order, err := v.Normalize(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotEmpty(t, order.ID)
	require.Equal(t, schema.OrderTypeMarket, order.Type)
	require.Equal(t, schema.SideBuy, order.Side)
	require.Equal(t, schema.TIFDay, order.TimeInForce)
	require.Equal(t, schema.AdvancedNone, order.AdvancedKind)
	require.Equal(t, schema.StatusPending, order.Status)
	require.True(t, order.Quantity.Equal(decimal.NewFromInt(10)))
}

func TestNormalizeRequiresCoreFields(t *testing.T) {
	v := newValidator()

	for _, tc := range []struct {
		name   string
		mutate func(*validator.Request)
		field  string
	}{
		{"missing user", func(r *validator.Request) { r.UserID = "" }, "userId"},
		{"missing portfolio", func(r *validator.Request) { r.PortfolioID = " " }, "portfolioId"},
		{"missing instrument", func(r *validator.Request) { r.InstrumentID = "" }, "instrumentId"},
		{"missing quantity", func(r *validator.Request) { r.Quantity = "" }, "quantity"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest()
			tc.mutate(&req)
			_, err := v.Normalize(context.Background(), req)
			require.True(t, errs.Is(err, errs.CodeValidation))
			var envelope *errs.E
			require.ErrorAs(t, err, &envelope)
			require.Equal(t, tc.field, envelope.Field)
		})
	}
}

func TestNormalizeRejectsNonPositiveQuantity(t *testing.T) {
	v := newValidator()

	for _, quantity := range []string{"0", "-5", "abc"} {
		req := baseRequest()
		req.Quantity = quantity
		_, err := v.Normalize(context.Background(), req)
		require.True(t, errs.Is(err, errs.CodeValidation), "quantity %q", quantity)
	}
}

func TestNormalizeLimitRequiresLimitPrice(t *testing.T) {
	v := newValidator()

	req := baseRequest()
	req.Type = "LIMIT"
	_, err := v.Normalize(context.Background(), req)
	require.True(t, errs.Is(err, errs.CodeValidation))

	price := "101.5"
	req.LimitPrice = &price
	order, err := v.Normalize(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, order.LimitPrice)
}

func TestNormalizeStopCopiesTrigger(t *testing.T) {
	v := newValidator()

	stop := "95"
	req := baseRequest()
	req.Type = "STOP"
	req.Side = "SELL"
	req.StopPrice = &stop

	order, err := v.Normalize(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, order.StopPrice)
	require.NotNil(t, order.TriggerPrice)
	require.True(t, order.TriggerPrice.Equal(*order.StopPrice))
}

func TestNormalizeStopLimitRequiresBothPrices(t *testing.T) {
	v := newValidator()

	limit := "96"
	req := baseRequest()
	req.Type = "STOP_LIMIT"
	req.LimitPrice = &limit
	_, err := v.Normalize(context.Background(), req)
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestNormalizeAdvancedKindRules(t *testing.T) {
	v := newValidator()
	ctx := context.Background()

	t.Run("trailing stop needs a trail", func(t *testing.T) {
		req := baseRequest()
		req.AdvancedKind = "TRAILING_STOP"
		_, err := v.Normalize(ctx, req)
		require.True(t, errs.Is(err, errs.CodeValidation))

		amount := "5"
		req.TrailAmount = &amount
		_, err = v.Normalize(ctx, req)
		require.NoError(t, err)
	})

	t.Run("bracket needs both percentages", func(t *testing.T) {
		takeProfit := "10"
		req := baseRequest()
		req.AdvancedKind = "BRACKET"
		req.TakeProfitPct = &takeProfit
		_, err := v.Normalize(ctx, req)
		require.True(t, errs.Is(err, errs.CodeValidation))

		stopLoss := "5"
		req.StopLossPct = &stopLoss
		_, err = v.Normalize(ctx, req)
		require.NoError(t, err)
	})

	t.Run("oco needs a parent", func(t *testing.T) {
		req := baseRequest()
		req.AdvancedKind = "OCO"
		_, err := v.Normalize(ctx, req)
		require.True(t, errs.Is(err, errs.CodeValidation))

		req.ParentOrderID = "parent-1"
		_, err = v.Normalize(ctx, req)
		require.NoError(t, err)
	})

	t.Run("iceberg display must undercut quantity", func(t *testing.T) {
		display := "10"
		req := baseRequest()
		req.AdvancedKind = "ICEBERG"
		req.DisplayQuantity = &display
		_, err := v.Normalize(ctx, req)
		require.True(t, errs.Is(err, errs.CodeValidation))

		smaller := "2"
		req.DisplayQuantity = &smaller
		_, err = v.Normalize(ctx, req)
		require.NoError(t, err)
	})
}

func TestNormalizeRejectsUnknownInstrument(t *testing.T) {
	v := newValidator()

	req := baseRequest()
	req.InstrumentID = "UNKNOWN"
	_, err := v.Normalize(context.Background(), req)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestNormalizeRejectsForeignPortfolio(t *testing.T) {
	v := newValidator()

	req := baseRequest()
	req.PortfolioID = "pf-2"
	_, err := v.Normalize(context.Background(), req)
	require.True(t, errs.Is(err, errs.CodeAccessDenied))
}
