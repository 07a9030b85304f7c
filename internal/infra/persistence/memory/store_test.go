package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/schema"
)

func newOrder(id string, status schema.OrderStatus) *schema.Order {
	return &schema.Order{
		ID:           id,
		UserID:       "user-1",
		PortfolioID:  "pf-1",
		InstrumentID: "AAPL",
		Type:         schema.OrderTypeMarket,
		Side:         schema.SideBuy,
		TimeInForce:  schema.TIFDay,
		AdvancedKind: schema.AdvancedNone,
		Quantity:     decimal.NewFromInt(10),
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestTransitionOrderEnforcesStatusGate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateOrder(ctx, newOrder("ord-1", schema.StatusPending)))

	updated, err := store.TransitionOrder(ctx, "ord-1",
		[]schema.OrderStatus{schema.StatusPending, schema.StatusOpen},
		func(o *schema.Order) error {
			o.Status = schema.StatusFilled
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, updated.Status)

	// Second transition hits the terminal status and must fail.
	_, err = store.TransitionOrder(ctx, "ord-1",
		[]schema.OrderStatus{schema.StatusPending, schema.StatusOpen},
		func(o *schema.Order) error {
			o.Status = schema.StatusCancelled
			return nil
		})
	require.True(t, errs.Is(err, errs.CodeInvalidState))

	stored, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, stored.Status)
}

func TestTransitionOrderMutationErrorLeavesOrderUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateOrder(ctx, newOrder("ord-1", schema.StatusOpen)))

	boom := errors.New("mutation failed")
	_, err := store.TransitionOrder(ctx, "ord-1",
		[]schema.OrderStatus{schema.StatusOpen},
		func(o *schema.Order) error {
			o.Status = schema.StatusFilled
			return boom
		})
	require.ErrorIs(t, err, boom)

	stored, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, stored.Status)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.SavePortfolio(ctx, &schema.Portfolio{
		ID:          "pf-1",
		UserID:      "user-1",
		CachedValue: decimal.NewFromInt(1000),
	}))

	boom := errors.New("late failure")
	err := store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if err := tx.CreateOrder(ctx, newOrder("ord-1", schema.StatusPending)); err != nil {
			return err
		}
		portfolio, err := tx.GetPortfolio(ctx, "pf-1")
		if err != nil {
			return err
		}
		portfolio.CachedValue = decimal.Zero
		if err := tx.SavePortfolio(ctx, portfolio); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetOrder(ctx, "ord-1")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	portfolio, err := store.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	require.True(t, portfolio.CachedValue.Equal(decimal.NewFromInt(1000)))
}

func TestCreateOrderRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateOrder(ctx, newOrder("ord-1", schema.StatusPending)))

	err := store.CreateOrder(ctx, newOrder("ord-1", schema.StatusPending))
	require.True(t, errs.Is(err, errs.CodeConflict))
}

func TestGetPositionReturnsNilWhenAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	position, err := store.GetPosition(ctx, "pf-1", "AAPL")
	require.NoError(t, err)
	require.Nil(t, position)
}

func TestListOpenConditionalFiltersByInstrumentAndKind(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	trigger := decimal.NewFromInt(95)
	stop := newOrder("stop-1", schema.StatusOpen)
	stop.Type = schema.OrderTypeStop
	stop.Side = schema.SideSell
	stop.StopPrice = &trigger
	stop.TriggerPrice = &trigger
	require.NoError(t, store.CreateOrder(ctx, stop))

	trail := newOrder("trail-1", schema.StatusOpen)
	trail.AdvancedKind = schema.AdvancedTrailingStop
	amount := decimal.NewFromInt(5)
	trail.TrailAmount = &amount
	require.NoError(t, store.CreateOrder(ctx, trail))

	plain := newOrder("plain-1", schema.StatusOpen)
	require.NoError(t, store.CreateOrder(ctx, plain))

	filled := newOrder("stop-2", schema.StatusFilled)
	filled.Type = schema.OrderTypeStop
	require.NoError(t, store.CreateOrder(ctx, filled))

	other := newOrder("stop-3", schema.StatusOpen)
	other.Type = schema.OrderTypeStop
	other.InstrumentID = "MSFT"
	require.NoError(t, store.CreateOrder(ctx, other))

	conditional, err := store.ListOpenConditional(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, conditional, 2)
	ids := []string{conditional[0].ID, conditional[1].ID}
	require.ElementsMatch(t, []string{"stop-1", "trail-1"}, ids)
}

func TestListExpiredReturnsOnlyDueWorkingOrders(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	due := newOrder("due-1", schema.StatusOpen)
	due.ExpiresAt = &past
	require.NoError(t, store.CreateOrder(ctx, due))

	future := now.Add(time.Hour)
	live := newOrder("live-1", schema.StatusOpen)
	live.ExpiresAt = &future
	require.NoError(t, store.CreateOrder(ctx, live))

	terminal := newOrder("done-1", schema.StatusFilled)
	terminal.ExpiresAt = &past
	require.NoError(t, store.CreateOrder(ctx, terminal))

	expired, err := store.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "due-1", expired[0].ID)
}

func TestListOrdersFiltersAndLimits(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	for i, id := range []string{"a", "b", "c"} {
		order := newOrder(id, schema.StatusOpen)
		order.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateOrder(ctx, order))
	}
	foreign := newOrder("d", schema.StatusOpen)
	foreign.UserID = "user-2"
	require.NoError(t, store.CreateOrder(ctx, foreign))

	out, err := store.ListOrders(ctx, orderstore.OrderQuery{UserID: "user-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Newest first.
	require.Equal(t, "c", out[0].ID)
	require.Equal(t, "b", out[1].ID)
}

func TestStoredOrdersAreIsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	original := newOrder("ord-1", schema.StatusPending)
	require.NoError(t, store.CreateOrder(ctx, original))

	original.Status = schema.StatusFilled

	stored, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, stored.Status)

	stored.Status = schema.StatusCancelled
	again, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, again.Status)
}
