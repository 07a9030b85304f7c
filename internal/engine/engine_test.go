package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/engine"
	"github.com/quantdesk/tradecore/internal/infra/persistence/memory"
	"github.com/quantdesk/tradecore/internal/infra/refdata"
	"github.com/quantdesk/tradecore/internal/schema"
	"github.com/quantdesk/tradecore/internal/validator"
)

type fixture struct {
	store   *memory.Store
	catalog *refdata.Catalog
	engine  *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	catalog := refdata.NewCatalog()
	catalog.AddInstrument(schema.Instrument{ID: "AAPL", Symbol: "AAPL"})
	catalog.SetPrice("AAPL", decimal.NewFromInt(100))
	catalog.GrantPortfolio("user-1", "pf-1")

	require.NoError(t, store.SavePortfolio(ctx, &schema.Portfolio{
		ID:          "pf-1",
		UserID:      "user-1",
		CachedValue: decimal.NewFromInt(100000),
	}))

	v := validator.New(catalog, catalog)
	eng := engine.New(store, catalog, v)
	return &fixture{store: store, catalog: catalog, engine: eng}
}

func marketRequest() validator.Request {
	return validator.Request{
		UserID:       "user-1",
		PortfolioID:  "pf-1",
		InstrumentID: "AAPL",
		Type:         "MARKET",
		Side:         "BUY",
		Quantity:     "10",
	}
}

func TestCreateOrderEntersPending(t *testing.T) {
	fx := newFixture(t)

	order, err := fx.engine.CreateOrder(context.Background(), marketRequest())
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, order.Status)
	require.Equal(t, schema.TIFDay, order.TimeInForce)

	stored, err := fx.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, stored.Status)
}

func TestCreateConditionalOrderEntersOpen(t *testing.T) {
	fx := newFixture(t)

	stop := "95"
	req := marketRequest()
	req.Type = "STOP"
	req.Side = "SELL"
	req.StopPrice = &stop

	order, err := fx.engine.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, order.Status)
	require.NotNil(t, order.TriggerPrice)
	require.True(t, order.TriggerPrice.Equal(decimal.NewFromInt(95)))
}

func TestExecuteOrderFillsAndUpdatesAccounts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	order, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	result, err := fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)
	require.True(t, result.Price.Equal(decimal.NewFromInt(100)))
	require.True(t, result.Quantity.Equal(decimal.NewFromInt(10)))
	// notional 1000 at the default 0.001 commission rate
	require.True(t, result.Commission.Equal(decimal.NewFromInt(1)), "got %s", result.Commission)

	filled, err := fx.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, filled.Status)
	require.True(t, filled.FilledQuantity.Equal(filled.Quantity))
	require.True(t, filled.AveragePrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, filled.ExecutedAt)

	position, err := fx.store.GetPosition(ctx, "pf-1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, position)
	require.True(t, position.Quantity.Equal(decimal.NewFromInt(10)))
	require.True(t, position.AverageCost.Equal(decimal.NewFromInt(100)))

	portfolio, err := fx.store.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	require.True(t, portfolio.CachedValue.Equal(decimal.NewFromInt(99000)), "got %s", portfolio.CachedValue)
}

func TestExecuteOrderConcurrentAttemptsHaveOneWinner(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	order, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	outcomes := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	wins := 0
	for err := range outcomes {
		if err == nil {
			wins++
			continue
		}
		require.True(t, errs.Is(err, errs.CodeInvalidState), "unexpected error: %v", err)
	}
	require.Equal(t, 1, wins)

	// Exactly one position application regardless of attempt count.
	position, err := fx.store.GetPosition(ctx, "pf-1", "AAPL")
	require.NoError(t, err)
	require.True(t, position.Quantity.Equal(decimal.NewFromInt(10)))

	executions, err := fx.store.ListExecutions(ctx, orderstore.ExecutionQuery{OrderID: order.ID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
}

// modifyBeforeTx rewrites an order's quantity just before the next
// transaction begins, interleaving a modification between the engine's
// initial read and its fill transaction.
type modifyBeforeTx struct {
	orderstore.Store
	orderID     string
	newQuantity decimal.Decimal
}

func (s *modifyBeforeTx) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if id := s.orderID; id != "" {
		s.orderID = ""
		if order, err := s.Store.GetOrder(ctx, id); err == nil {
			order.Quantity = s.newQuantity
			if err := s.Store.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}
	}
	return s.Store.WithTransaction(ctx, fn)
}

func TestExecuteOrderCommissionTracksModifiedQuantity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	racing := &modifyBeforeTx{Store: fx.store, newQuantity: decimal.NewFromInt(25)}
	eng := engine.New(racing, fx.catalog, validator.New(fx.catalog, fx.catalog))

	order, err := eng.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	racing.orderID = order.ID
	result, err := eng.ExecuteOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)

	// The quantity changed to 25 under the fill's nose; the commission must
	// follow the committed quantity, not the stale read (25 * 100 * 0.001).
	require.True(t, result.Quantity.Equal(decimal.NewFromInt(25)), "got %s", result.Quantity)
	require.True(t, result.Commission.Equal(decimal.RequireFromString("2.5")), "got %s", result.Commission)

	filled, err := fx.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, filled.Commission.Equal(result.Commission))
	require.True(t, filled.FilledQuantity.Equal(decimal.NewFromInt(25)))

	executions, err := fx.store.ListExecutions(ctx, orderstore.ExecutionQuery{OrderID: order.ID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	require.True(t, executions[0].Commission.Equal(result.Commission))
}

func TestExecuteOrderRejectsUnsatisfiedTrigger(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	stop := "95"
	req := marketRequest()
	req.Type = "STOP"
	req.Side = "SELL"
	req.StopPrice = &stop

	order, err := fx.engine.CreateOrder(ctx, req)
	require.NoError(t, err)

	// Market at 100, sell stop at 95: not triggered.
	_, err = fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
	require.True(t, errs.Is(err, errs.CodeInvalidState))

	fx.catalog.SetPrice("AAPL", decimal.NewFromInt(94))
	result, err := fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)
	require.True(t, result.Price.Equal(decimal.NewFromInt(94)))
}

func TestExecuteOrderPriceFailureIsRetryable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.catalog.AddInstrument(schema.Instrument{ID: "MSFT", Symbol: "MSFT"})
	req := marketRequest()
	req.InstrumentID = "MSFT"

	order, err := fx.engine.CreateOrder(ctx, req)
	require.NoError(t, err)

	// No price observed yet: the attempt fails without consuming the order.
	_, err = fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
	require.True(t, errs.Is(err, errs.CodeExecution))
	require.True(t, errs.Retryable(err))

	fx.catalog.SetPrice("MSFT", decimal.NewFromInt(50))
	result, err := fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)
	require.True(t, result.Price.Equal(decimal.NewFromInt(50)))
}

func TestExecuteOrderDeniesForeignUser(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	order, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	_, err = fx.engine.ExecuteOrder(ctx, order.ID, "user-2")
	require.True(t, errs.Is(err, errs.CodeAccessDenied))
}

func TestExecuteOCOOrderCancelsSiblings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	childReq := marketRequest()
	childReq.AdvancedKind = "OCO"
	childReq.ParentOrderID = parent.ID

	first, err := fx.engine.CreateOrder(ctx, childReq)
	require.NoError(t, err)
	second, err := fx.engine.CreateOrder(ctx, childReq)
	require.NoError(t, err)

	_, err = fx.engine.ExecuteOrder(ctx, first.ID, "user-1")
	require.NoError(t, err)

	sibling, err := fx.store.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, sibling.Status)
}

func TestCancelOrderCascadesToWorkingChildren(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	childReq := marketRequest()
	childReq.ParentOrderID = parent.ID
	open, err := fx.engine.CreateOrder(ctx, childReq)
	require.NoError(t, err)
	filled, err := fx.engine.CreateOrder(ctx, childReq)
	require.NoError(t, err)
	_, err = fx.engine.ExecuteOrder(ctx, filled.ID, "user-1")
	require.NoError(t, err)

	cancelled, err := fx.engine.CancelOrder(ctx, parent.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, cancelled.Status)

	child, err := fx.store.GetOrder(ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, child.Status)

	// A filled child keeps its history; cancellation never rewrites it.
	done, err := fx.store.GetOrder(ctx, filled.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, done.Status)
}

func TestCancelOrderRejectsTerminalStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	order, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)
	_, err = fx.engine.ExecuteOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)

	_, err = fx.engine.CancelOrder(ctx, order.ID, "user-1")
	require.True(t, errs.Is(err, errs.CodeInvalidState))
}

func TestModifyOrderRefreshesTrigger(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	stop := "95"
	req := marketRequest()
	req.Type = "STOP"
	req.Side = "SELL"
	req.StopPrice = &stop

	order, err := fx.engine.CreateOrder(ctx, req)
	require.NoError(t, err)

	newStop := decimal.NewFromInt(90)
	modified, err := fx.engine.ModifyOrder(ctx, order.ID, "user-1", engine.Modification{StopPrice: &newStop})
	require.NoError(t, err)
	require.NotNil(t, modified.TriggerPrice)
	require.True(t, modified.TriggerPrice.Equal(newStop))
	require.Equal(t, order.ID, modified.ID)
}

func TestModifyOrderRejectsNonPositiveQuantity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	order, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	zero := decimal.Zero
	_, err = fx.engine.ModifyOrder(ctx, order.ID, "user-1", engine.Modification{Quantity: &zero})
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestExpireDueCancelsOnlyDueOrders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	expiring := marketRequest()
	expiring.ExpiresAt = &past
	due, err := fx.engine.CreateOrder(ctx, expiring)
	require.NoError(t, err)

	live, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)

	count, err := fx.engine.ExpireDue(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	expired, err := fx.store.GetOrder(ctx, due.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, expired.Status)

	working, err := fx.store.GetOrder(ctx, live.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, working.Status)
}

func TestCreateOrderRejectsParentCycleDepth(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent, err := fx.engine.CreateOrder(ctx, marketRequest())
	require.NoError(t, err)
	current := parent.ID
	for i := 0; i < 10; i++ {
		req := marketRequest()
		req.ParentOrderID = current
		child, err := fx.engine.CreateOrder(ctx, req)
		if err != nil {
			require.True(t, errs.Is(err, errs.CodeValidation))
			return
		}
		current = child.ID
	}
	t.Fatal("expected deep parent chain to be rejected")
}
