package refdata

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/schema"
)

func TestCatalogInstrumentLookup(t *testing.T) {
	catalog := NewCatalog()
	catalog.AddInstrument(schema.Instrument{ID: "AAPL", Symbol: "AAPL"})

	instrument, err := catalog.GetInstrument(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", instrument.Symbol)

	_, err = catalog.GetInstrument(context.Background(), "UNKNOWN")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestCatalogPriceLifecycle(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()
	catalog.AddInstrument(schema.Instrument{ID: "AAPL", Symbol: "AAPL"})

	// No observation yet: unavailable rather than zero.
	_, err := catalog.CurrentPrice(ctx, "AAPL")
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	catalog.SetPrice("AAPL", decimal.NewFromInt(100))
	price, err := catalog.CurrentPrice(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(100)))

	// Non-positive updates are ignored.
	catalog.SetPrice("AAPL", decimal.Zero)
	price, err = catalog.CurrentPrice(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(100)))

	// Updates for unknown instruments are dropped.
	catalog.SetPrice("UNKNOWN", decimal.NewFromInt(5))
	_, err = catalog.CurrentPrice(ctx, "UNKNOWN")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestCatalogOwnership(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()
	catalog.GrantPortfolio("user-1", "pf-1")

	owns, err := catalog.OwnsPortfolio(ctx, "user-1", "pf-1")
	require.NoError(t, err)
	require.True(t, owns)

	owns, err = catalog.OwnsPortfolio(ctx, "user-2", "pf-1")
	require.NoError(t, err)
	require.False(t, owns)

	_, err = catalog.OwnsPortfolio(ctx, "user-1", "pf-404")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}
