// Package refdata defines contracts for the engine's read-only collaborators:
// instrument reference data, price sourcing, and portfolio authorization.
package refdata

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/internal/schema"
)

// PriceSource supplies the reference price used for a fill. The engine treats
// whatever it returns as authoritative for that fill, stale or not.
type PriceSource interface {
	CurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error)
}

// InstrumentSource resolves tradable instrument metadata.
type InstrumentSource interface {
	GetInstrument(ctx context.Context, id string) (*schema.Instrument, error)
}

// Authorizer answers portfolio ownership questions for the validator.
type Authorizer interface {
	OwnsPortfolio(ctx context.Context, userID, portfolioID string) (bool, error)
}
