package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/tradecore/config"
	"github.com/quantdesk/tradecore/internal/app/runtime"
	"github.com/quantdesk/tradecore/internal/engine"
	"github.com/quantdesk/tradecore/internal/feed"
	"github.com/quantdesk/tradecore/internal/infra/persistence/memory"
	"github.com/quantdesk/tradecore/internal/infra/refdata"
	"github.com/quantdesk/tradecore/internal/observability"
	"github.com/quantdesk/tradecore/internal/orchestrator"
	"github.com/quantdesk/tradecore/internal/schema"
	"github.com/quantdesk/tradecore/internal/validator"
)

func TestRuntimeExecutesTriggeredStopFromFeed(t *testing.T) {
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

	warnings := observability.NewWarningQueue(16)
	orch := orchestrator.New(store, warnings)
	eng := engine.New(store, catalog, validator.New(catalog, catalog), engine.WithAfterFill(orch))
	orch.BindExecutor(eng)

	stop := "95"
	order, err := eng.CreateOrder(ctx, validator.Request{
		UserID:       "user-1",
		PortfolioID:  "pf-1",
		InstrumentID: "AAPL",
		Type:         "STOP",
		Side:         "SELL",
		Quantity:     "10",
		StopPrice:    &stop,
	})
	require.NoError(t, err)

	source := feed.NewStaticFeed()
	cfg := config.Default()
	cfg.Feed.TickRate = 1000
	cfg.Engine.ExpirySweepInterval = time.Hour

	rt := runtime.New(eng, orch, source, catalog, cfg)
	require.NoError(t, rt.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rt.Stop(stopCtx))
	}()

	source.Push(feed.Tick{
		InstrumentID: "AAPL",
		Price:        decimal.NewFromInt(94),
		ObservedAt:   time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		stored, err := store.GetOrder(ctx, order.ID)
		return err == nil && stored.Status == schema.StatusFilled
	}, 5*time.Second, 20*time.Millisecond)

	// The tick also refreshed the catalog's observed price.
	price, err := catalog.CurrentPrice(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(94)))
}
